package core

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

var (
	ErrEmptyAttachment       = errors.New("attachment is empty")
	ErrAttachmentTooLarge    = errors.New("attachment too large")
	ErrUnsupportedAttachment = errors.New("unsupported attachment type")
)

// SupportedImageTypes 上游接受的图片格式
var SupportedImageTypes = []string{
	"image/jpeg",
	"image/png",
	"image/webp",
	"image/heic",
	"image/heif",
	"image/gif",
	"image/bmp",
}

var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
}

// Attachment 随消息发送的图片
type Attachment struct {
	MimeType string
	Data     []byte
}

// Base64 上游要求的 inline_data 编码
func (a *Attachment) Base64() string {
	return base64.StdEncoding.EncodeToString(a.Data)
}

// AttachmentProcessor 校验上传的图片：按内容识别类型，限制大小
type AttachmentProcessor struct {
	maxBytes int64
	logger   *logrus.Logger
}

func NewAttachmentProcessor(maxBytes int64, logger *logrus.Logger) *AttachmentProcessor {
	return &AttachmentProcessor{maxBytes: maxBytes, logger: logger}
}

// Process 读取 r 并返回 Attachment
// 类型优先按内容识别；内容无法识别时依次参考 Content-Type 和文件扩展名
func (p *AttachmentProcessor) Process(r io.Reader, declaredType, filename string) (*Attachment, error) {
	data, err := io.ReadAll(io.LimitReader(r, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyAttachment
	}
	if int64(len(data)) > p.maxBytes {
		return nil, fmt.Errorf("%w: max %d MB", ErrAttachmentTooLarge, p.maxBytes/(1024*1024))
	}

	mimeType, err := p.detect(data, declaredType, filename)
	if err != nil {
		return nil, err
	}
	p.logger.Infof("📄 Attachment accepted: name=%q mime=%s size=%d", filename, mimeType, len(data))
	return &Attachment{MimeType: mimeType, Data: data}, nil
}

func (p *AttachmentProcessor) detect(data []byte, declaredType, filename string) (string, error) {
	sniffed := mimetype.Detect(data)
	for _, t := range SupportedImageTypes {
		if sniffed.Is(t) {
			return t, nil
		}
	}

	// 只有内容完全无法识别时才相信客户端声明
	if sniffed.Is("application/octet-stream") {
		declared := strings.ToLower(strings.TrimSpace(strings.Split(declaredType, ";")[0]))
		for _, t := range SupportedImageTypes {
			if declared == t {
				return t, nil
			}
		}
		if t, ok := imageExtensions[strings.ToLower(filepath.Ext(filename))]; ok {
			return t, nil
		}
	}

	p.logger.Warnf("Unsupported attachment: sniffed=%s declared=%s name=%q", sniffed.String(), declaredType, filename)
	return "", fmt.Errorf("%w: %s", ErrUnsupportedAttachment, sniffed.String())
}
