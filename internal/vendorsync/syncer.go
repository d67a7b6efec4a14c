package vendorsync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/cabinet-server/internal/config"
	"github.com/taoyao-code/cabinet-server/internal/metrics"
	"github.com/taoyao-code/cabinet-server/internal/registry"
	"github.com/taoyao-code/cabinet-server/internal/storage"
	"github.com/taoyao-code/cabinet-server/internal/storage/models"
)

// Syncer 厂商目录同步：周期性拉取厂商机柜目录，补齐本地缺失的机柜档案、
// 刷新元数据、在受限条件下修正状态。
//
// 优先级规则：TCP 通道是在线状态的第一事实来源。厂商说离线但本地有存活
// 通道时，忽略厂商；厂商说在线但本地无通道时，仅当本地记录已超过
// staleThreshold 未更新才采信厂商。
type Syncer struct {
	cfg      config.VendorConfig
	client   *Client
	repo     storage.CoreRepo
	reg      *registry.Registry
	logger   *zap.Logger
	appm     *metrics.AppMetrics
	modelMap ModelMap

	running atomic.Bool
}

// NewSyncer 创建目录同步器
func NewSyncer(cfg config.VendorConfig, client *Client, repo storage.CoreRepo, reg *registry.Registry, logger *zap.Logger, appm *metrics.AppMetrics) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	mm := DefaultModelMap()
	if cfg.ModelMapPath != "" {
		loaded, err := LoadModelMap(cfg.ModelMapPath)
		if err != nil {
			logger.Warn("model map load failed, using defaults",
				zap.String("path", cfg.ModelMapPath), zap.Error(err))
		} else {
			mm = loaded
		}
	}
	return &Syncer{
		cfg:      cfg,
		client:   client,
		repo:     repo,
		reg:      reg,
		logger:   logger,
		appm:     appm,
		modelMap: mm,
	}
}

// Start 启动同步循环，ctx 取消后退出
func (s *Syncer) Start(ctx context.Context) {
	interval := s.cfg.SyncInterval
	if interval <= 0 {
		interval = 3 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("vendor directory sync started", zap.Duration("interval", interval))

	// 启动即跑一轮，尽快补齐目录
	s.SyncOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("vendor directory sync stopped")
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce 执行一轮同步。单飞：上一轮未完成时本轮直接放弃并计数。
func (s *Syncer) SyncOnce(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("vendor sync still running, tick skipped")
		s.countSync("skipped")
		return
	}
	defer s.running.Store(false)

	items, err := s.client.ListCabinets(ctx)
	if err != nil {
		// 单轮失败直接放弃，等下一轮。不中途重试，避免与下一 tick 叠加。
		s.logger.Error("vendor directory fetch failed", zap.Error(err))
		s.countSync("error")
		return
	}

	now := time.Now()
	var created, updated int
	for _, item := range items {
		if item.CabinetID == "" {
			continue
		}
		c, u, err := s.applyOne(ctx, item, now)
		if err != nil {
			s.logger.Error("vendor sync apply failed",
				zap.String("cabinet_id", item.CabinetID), zap.Error(err))
			continue
		}
		created += c
		updated += u
	}

	s.logger.Info("vendor directory sync done",
		zap.Int("total", len(items)),
		zap.Int("created", created),
		zap.Int("updated", updated))
	s.countSync("ok")
}

// applyOne 处理单台机柜，返回 (created, updated)
func (s *Syncer) applyOne(ctx context.Context, item VendorCabinet, now time.Time) (int, int, error) {
	existing, err := s.repo.GetCabinetByVendorID(ctx, item.CabinetID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, 0, err
	}

	if existing == nil {
		err := s.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
			cab, err := repo.EnsureCabinet(ctx, item.CabinetID)
			if err != nil {
				return err
			}
			if item.Online {
				// 厂商报在线：建档即 ONLINE 且 last_seen_at=now，
				// 否则新档案会被下一轮离线巡检当作过期直接扫掉
				var model *string
				if item.Model != "" {
					model = &item.Model
				}
				if _, err := repo.UpsertCabinetOnline(ctx, item.CabinetID, now, nil, nil, model); err != nil {
					return err
				}
			}
			// 按型号预建仓位，库存首报前详情页就有完整仓位骨架
			for no := 1; no <= s.modelMap.SlotCount(item.Model); no++ {
				if _, err := repo.UpsertSlot(ctx, cab.ID, int32(no)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, 0, err
		}
		s.logger.Info("cabinet created from vendor directory",
			zap.String("cabinet_id", item.CabinetID),
			zap.String("model", item.Model),
			zap.Bool("online", item.Online))
		return 1, 0, nil
	}

	desired := models.CabinetOffline
	if item.Online {
		desired = models.CabinetOnline
	}
	if existing.Status == desired {
		return 0, 0, nil
	}

	// 本地有存活通道时厂商的离线判断不可信
	if desired == models.CabinetOffline && s.reg.IsOnline(item.CabinetID, now) {
		s.logger.Debug("vendor says offline but socket alive, ignored",
			zap.String("cabinet_id", item.CabinetID))
		return 0, 0, nil
	}
	// 厂商说在线：仅当本地记录确已陈旧才采信。
	// 转在线时必须同步刷新 last_seen_at——只改状态的话 staleThreshold 大于
	// 心跳超时，下一轮离线巡检会立即把刚提升的机柜打回 OFFLINE，来回震荡。
	if desired == models.CabinetOnline {
		stale := s.cfg.StaleThreshold
		if stale <= 0 {
			stale = 10 * time.Minute
		}
		if existing.LastSeenAt != nil && now.Sub(*existing.LastSeenAt) < stale {
			return 0, 0, nil
		}
		if _, err := s.repo.UpsertCabinetOnline(ctx, item.CabinetID, now, nil, nil, nil); err != nil {
			return 0, 0, err
		}
		s.logger.Info("cabinet status updated from vendor directory",
			zap.String("cabinet_id", item.CabinetID),
			zap.String("from", existing.Status),
			zap.String("to", desired))
		return 0, 1, nil
	}

	if err := s.repo.SetCabinetStatus(ctx, item.CabinetID, desired); err != nil {
		return 0, 0, err
	}
	s.logger.Info("cabinet status updated from vendor directory",
		zap.String("cabinet_id", item.CabinetID),
		zap.String("from", existing.Status),
		zap.String("to", desired))
	return 0, 1, nil
}

func (s *Syncer) countSync(result string) {
	if s.appm != nil {
		s.appm.VendorSyncTotal.WithLabelValues(result).Inc()
	}
}
