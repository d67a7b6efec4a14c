package tcpserver

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ConnectionLimiter 并发连接数限流器（基于 Semaphore）
type ConnectionLimiter struct {
	sem           chan struct{}
	timeout       time.Duration
	maxConn       int
	activeCount   atomic.Int64
	rejectedCount atomic.Int64
}

// NewConnectionLimiter 创建连接限流器
// maxConn: 最大并发连接数
// timeout: 获取连接许可的超时时间
func NewConnectionLimiter(maxConn int, timeout time.Duration) *ConnectionLimiter {
	if maxConn <= 0 {
		maxConn = 10000
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &ConnectionLimiter{
		sem:     make(chan struct{}, maxConn),
		timeout: timeout,
		maxConn: maxConn,
	}
}

// Acquire 获取连接许可
func (l *ConnectionLimiter) Acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	select {
	case l.sem <- struct{}{}:
		l.activeCount.Add(1)
		return nil
	case <-ctx.Done():
		l.rejectedCount.Add(1)
		return fmt.Errorf("connection limit exceeded: max=%d", l.maxConn)
	}
}

// Release 释放连接许可
func (l *ConnectionLimiter) Release() {
	select {
	case <-l.sem:
		l.activeCount.Add(-1)
	default:
	}
}

// Current 当前活跃连接数
func (l *ConnectionLimiter) Current() int {
	return int(l.activeCount.Load())
}

// MaxConnections 最大连接数
func (l *ConnectionLimiter) MaxConnections() int {
	return l.maxConn
}

// RejectedCount 被拒绝的连接数（累计）
func (l *ConnectionLimiter) RejectedCount() int64 {
	return l.rejectedCount.Load()
}

// AcceptRateLimiter 接入速率限流器（Token Bucket），抑制机柜群重连风暴
type AcceptRateLimiter struct {
	limiter       *rate.Limiter
	rejectedCount atomic.Int64
}

// NewAcceptRateLimiter 创建接入速率限流器
// ratePerSec: 每秒允许的新连接数；burst: 突发容量
func NewAcceptRateLimiter(ratePerSec int, burst int) *AcceptRateLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 100
	}
	if burst <= 0 {
		burst = ratePerSec * 2
	}
	return &AcceptRateLimiter{
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// Allow 检查是否允许接入（非阻塞）
func (l *AcceptRateLimiter) Allow() bool {
	if l.limiter.Allow() {
		return true
	}
	l.rejectedCount.Add(1)
	return false
}

// RejectedCount 被拒绝的接入数（累计）
func (l *AcceptRateLimiter) RejectedCount() int64 {
	return l.rejectedCount.Load()
}
