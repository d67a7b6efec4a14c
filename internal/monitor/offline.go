package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/cabinet-server/internal/metrics"
	"github.com/taoyao-code/cabinet-server/internal/registry"
	"github.com/taoyao-code/cabinet-server/internal/storage"
)

// OfflineMonitor 离线巡检：周期性把心跳过期的机柜置为 OFFLINE 并清出注册表。
// 以数据库 last_seen_at 为准绳，进程重启后依然能纠正存量状态。
type OfflineMonitor struct {
	repo     storage.CoreRepo
	reg      *registry.Registry
	logger   *zap.Logger
	appm     *metrics.AppMetrics
	interval time.Duration
	timeout  time.Duration

	running atomic.Bool
}

// NewOffline 创建离线巡检器。
// interval 为扫描周期，timeout 为心跳超时（超过即判离线）。
func NewOffline(repo storage.CoreRepo, reg *registry.Registry, logger *zap.Logger, appm *metrics.AppMetrics, interval, timeout time.Duration) *OfflineMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OfflineMonitor{
		repo:     repo,
		reg:      reg,
		logger:   logger,
		appm:     appm,
		interval: interval,
		timeout:  timeout,
	}
}

// Start 启动巡检循环，ctx 取消后退出
func (m *OfflineMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("offline monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("timeout", m.timeout))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("offline monitor stopped")
			return
		case <-ticker.C:
			m.SweepOnce(ctx)
		}
	}
}

// SweepOnce 执行一轮扫描。单飞：上一轮尚未结束时本轮直接放弃。
func (m *OfflineMonitor) SweepOnce(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Warn("offline sweep still running, tick skipped")
		return
	}
	defer m.running.Store(false)

	now := time.Now()

	// 临期预警：剩余寿命不足半个心跳窗口的在线机柜
	warnCutoff := now.Add(-m.timeout / 2)
	expiring, err := m.repo.ListExpiringCabinets(ctx, warnCutoff)
	if err != nil {
		m.logger.Error("offline sweep: list expiring failed", zap.Error(err))
	} else {
		for _, cab := range expiring {
			var age time.Duration
			if cab.LastSeenAt != nil {
				age = now.Sub(*cab.LastSeenAt)
			}
			m.logger.Warn("cabinet heartbeat expiring",
				zap.String("cabinet_id", cab.VendorID),
				zap.Duration("silence", age))
		}
	}

	swept, err := m.repo.MarkStaleCabinetsOffline(ctx, now.Add(-m.timeout))
	if err != nil {
		m.logger.Error("offline sweep failed", zap.Error(err))
		return
	}
	for _, vendorID := range swept {
		m.reg.Unregister(vendorID)
		m.logger.Info("cabinet marked offline by sweep", zap.String("cabinet_id", vendorID))
	}
	if len(swept) > 0 && m.appm != nil {
		m.appm.OfflineSwept.Add(float64(len(swept)))
	}
	if m.appm != nil {
		m.appm.OnlineGauge.Set(float64(m.reg.OnlineCount(now)))
	}
}
