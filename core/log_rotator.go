package core

import (
	"fmt"
	"os"
	"sync"
)

// LogRotator 按大小轮转的文件写入器
// 备份依次命名为 file.1 ... file.N，编号越大越旧
type LogRotator struct {
	filename    string
	maxSize     int64 // bytes
	backups     int
	file        *os.File
	mu          sync.Mutex
	currentSize int64
}

// NewLogRotator 创建日志轮转器 (maxSize in MB)，backups 小于 1 时按 1 处理
func NewLogRotator(filename string, maxSizeMB, backups int) (*LogRotator, error) {
	if backups < 1 {
		backups = 1
	}
	r := &LogRotator{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		backups:  backups,
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *LogRotator) openFile() error {
	file, err := os.OpenFile(r.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	r.file = file
	r.currentSize = stat.Size()
	return nil
}

func (r *LogRotator) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.currentSize > 0 && r.currentSize+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			// 轮转失败时继续写当前文件
			fmt.Fprintf(os.Stderr, "Log rotation failed: %v\n", err)
			if r.file == nil {
				if err := r.openFile(); err != nil {
					return 0, err
				}
			}
		}
	}

	n, err = r.file.Write(p)
	r.currentSize += int64(n)
	return n, err
}

func (r *LogRotator) backupName(i int) string {
	return fmt.Sprintf("%s.%d", r.filename, i)
}

func (r *LogRotator) rotate() error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}

	// 最旧的备份直接丢弃，其余依次后移
	os.Remove(r.backupName(r.backups))
	for i := r.backups - 1; i >= 1; i-- {
		if err := os.Rename(r.backupName(i), r.backupName(i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Rename(r.filename, r.backupName(1)); err != nil {
		return err
	}

	return r.openFile()
}

func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
