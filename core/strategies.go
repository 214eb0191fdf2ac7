package core

const (
	StrategyRoundRobin = "round_robin"
	StrategyFallback   = "fallback"
)

// RoundRobinStrategy 轮询策略
// 先推进游标再检查，最多检查 2N 个候选
type RoundRobinStrategy struct{}

func (s *RoundRobinStrategy) Name() string { return StrategyRoundRobin }

func (s *RoundRobinStrategy) Select(cursor *int, n int, usable func(i int) bool) (int, bool) {
	if n == 0 {
		return -1, false
	}
	for attempts := 0; attempts < 2*n; attempts++ {
		*cursor = (*cursor + 1) % n
		if usable(*cursor) {
			return *cursor, true
		}
	}
	return -1, false
}

// FallbackStrategy 故障转移/优先级策略
// 假设候选已按优先级排序，总是返回第一个可用的，不移动游标
type FallbackStrategy struct{}

func (s *FallbackStrategy) Name() string { return StrategyFallback }

func (s *FallbackStrategy) Select(_ *int, n int, usable func(i int) bool) (int, bool) {
	for i := 0; i < n; i++ {
		if usable(i) {
			return i, true
		}
	}
	return -1, false
}
