package core

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	gifHeader = []byte("GIF89a\x01\x00\x01\x00\x80\x00\x00\x00\x00\x00\xff\xff\xff")
)

func TestAttachmentProcessor_SniffsContent(t *testing.T) {
	p := NewAttachmentProcessor(1024, newTestLogger())

	att, err := p.Process(bytes.NewReader(pngHeader), "application/octet-stream", "blob")
	require.NoError(t, err)
	assert.Equal(t, "image/png", att.MimeType)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pngHeader), att.Base64())

	// 声明的类型与内容不符时以内容为准
	att, err = p.Process(bytes.NewReader(gifHeader), "image/jpeg", "photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "image/gif", att.MimeType)
}

func TestAttachmentProcessor_Rejects(t *testing.T) {
	p := NewAttachmentProcessor(16, newTestLogger())

	_, err := p.Process(bytes.NewReader(nil), "image/png", "a.png")
	assert.ErrorIs(t, err, ErrEmptyAttachment)

	_, err = p.Process(bytes.NewReader(pngHeader), "image/png", "a.png")
	assert.ErrorIs(t, err, ErrAttachmentTooLarge)

	_, err = p.Process(bytes.NewReader([]byte("just some text")), "image/png", "a.png")
	assert.ErrorIs(t, err, ErrUnsupportedAttachment)
}
