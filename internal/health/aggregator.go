package health

import (
	"context"
	"sync"
)

// Aggregator 并发执行全部检查器并汇总整体状态
type Aggregator struct {
	mu       sync.RWMutex
	checkers []Checker
}

// NewAggregator 创建聚合器
func NewAggregator(checkers ...Checker) *Aggregator {
	return &Aggregator{checkers: checkers}
}

// AddChecker 追加检查器
func (a *Aggregator) AddChecker(c Checker) {
	a.mu.Lock()
	a.checkers = append(a.checkers, c)
	a.mu.Unlock()
}

// CheckAll 并发执行全部检查
func (a *Aggregator) CheckAll(ctx context.Context) map[string]CheckResult {
	a.mu.RLock()
	checkers := a.checkers
	a.mu.RUnlock()

	results := make(map[string]CheckResult, len(checkers))
	var resMu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			r := c.Check(ctx)
			resMu.Lock()
			results[c.Name()] = r
			resMu.Unlock()
		}(c)
	}
	wg.Wait()
	return results
}

// Summarize 汇总整体状态：任一 Unhealthy 则 Unhealthy，任一 Degraded 则 Degraded
func Summarize(results map[string]CheckResult) Status {
	overall := StatusHealthy
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// OverallStatus 执行全部检查并汇总整体状态
func (a *Aggregator) OverallStatus(ctx context.Context) Status {
	return Summarize(a.CheckAll(ctx))
}

// Ready 就绪判定：Degraded 仍就绪，仅 Unhealthy 不就绪
func (a *Aggregator) Ready(ctx context.Context) bool {
	return a.OverallStatus(ctx) != StatusUnhealthy
}
