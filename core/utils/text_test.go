package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "hel", Truncate("hello", 3))
	assert.Equal(t, "", Truncate("hello", 0))
	// "привет" 每个字符 2 字节
	assert.Equal(t, "пр", Truncate("привет", 5))
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "Too Many Requests", StatusText(429))
	assert.Equal(t, "HTTP 599", StatusText(599))
}
