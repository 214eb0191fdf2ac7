package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundRobinStrategy(t *testing.T) {
	s := &RoundRobinStrategy{}
	cursor := -1
	all := func(int) bool { return true }

	var picks []int
	for i := 0; i < 5; i++ {
		idx, ok := s.Select(&cursor, 3, all)
		assert.True(t, ok)
		picks = append(picks, idx)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1}, picks)

	// 跳过不可用的候选
	cursor = -1
	idx, ok := s.Select(&cursor, 3, func(i int) bool { return i == 2 })
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = s.Select(&cursor, 3, func(int) bool { return false })
	assert.False(t, ok)

	_, ok = s.Select(&cursor, 0, all)
	assert.False(t, ok)
}

func TestFallbackStrategy(t *testing.T) {
	s := &FallbackStrategy{}
	cursor := 7

	idx, ok := s.Select(&cursor, 3, func(i int) bool { return i >= 1 })
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 7, cursor, "fallback never moves the cursor")

	_, ok = s.Select(&cursor, 3, func(int) bool { return false })
	assert.False(t, ok)
}
