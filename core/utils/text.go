package utils

import (
	"fmt"
	"net/http"
	"unicode/utf8"
)

// Truncate 截断到最多 n 字节，不切断 UTF-8 字符
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// StatusText 获取HTTP状态码的描述文本
func StatusText(statusCode int) string {
	if text := http.StatusText(statusCode); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", statusCode)
}
