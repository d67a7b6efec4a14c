package tcpserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionLimiter(t *testing.T) {
	l := NewConnectionLimiter(2, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))
	assert.Equal(t, 2, l.Current())

	// 满员：超时拒绝
	err := l.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, int64(1), l.RejectedCount())

	// 释放后可再次获取
	l.Release()
	assert.Equal(t, 1, l.Current())
	require.NoError(t, l.Acquire(ctx))
}

func TestConnectionLimiter_ReleaseWithoutAcquire(t *testing.T) {
	l := NewConnectionLimiter(2, 50*time.Millisecond)
	// 空释放不 panic、不下穿
	l.Release()
	assert.Equal(t, 0, l.Current())
}

func TestAcceptRateLimiter(t *testing.T) {
	// 突发2，速率极低：第三个必被拒
	l := NewAcceptRateLimiter(1, 2)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
	assert.Equal(t, int64(1), l.RejectedCount())
}

func TestAcceptRateLimiter_Defaults(t *testing.T) {
	l := NewAcceptRateLimiter(0, 0)
	// 默认参数下正常放行
	assert.True(t, l.Allow())
}
