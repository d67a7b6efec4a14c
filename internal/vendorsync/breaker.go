package vendorsync

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen 熔断中，请求被直接拒绝
var ErrBreakerOpen = errors.New("vendor circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker 面向厂商 HTTP 平台的熔断器：连续失败达到阈值后打开，
// 冷却期过后放行一个试探请求，成功则恢复。
type Breaker struct {
	mu           sync.Mutex
	state        breakerState
	failures     int
	lastFailTime time.Time

	threshold int
	cooldown  time.Duration
}

// NewBreaker 创建熔断器。threshold 连续失败阈值，cooldown 熔断冷却期。
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Call 受熔断保护地执行 fn
func (b *Breaker) Call(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed, breakerHalfOpen:
		return nil
	case breakerOpen:
		if time.Since(b.lastFailTime) > b.cooldown {
			b.state = breakerHalfOpen
			return nil
		}
		return ErrBreakerOpen
	}
	return ErrBreakerOpen
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.state = breakerClosed
		b.failures = 0
		return
	}
	b.failures++
	b.lastFailTime = time.Now()
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
	}
}

// State 当前状态（诊断用）
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}
