package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/cabinet-server/internal/metrics"
	"github.com/taoyao-code/cabinet-server/internal/protocol"
	"github.com/taoyao-code/cabinet-server/internal/storage"
	"github.com/taoyao-code/cabinet-server/internal/storage/models"
)

// Reconciler 库存对账器：把机柜上报的仓位快照与归还/弹出事件
// 落到 Slot/PowerBank/Rental 记录上。
//
// 并发约束：同一机柜的写路径串行（按机柜互斥锁），不同机柜并行。
// 所有处理器幂等——同一快照或同一 RETURN 重放两次不得破坏状态。
type Reconciler struct {
	repo   storage.CoreRepo
	logger *zap.Logger
	appm   *metrics.AppMetrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	// 上一次快照的仓位占用（cabinet -> slotNo -> serial），用于差分告警
	lastSnapshot map[string]map[int]string
}

// New 创建对账器。appm 可为 nil（测试场景）。
func New(repo storage.CoreRepo, logger *zap.Logger, appm *metrics.AppMetrics) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		repo:         repo,
		logger:       logger,
		appm:         appm,
		locks:        make(map[string]*sync.Mutex),
		lastSnapshot: make(map[string]map[int]string),
	}
}

// lockCabinet 获取机柜级互斥锁，返回解锁函数
func (r *Reconciler) lockCabinet(vendorID string) func() {
	r.mu.Lock()
	l, ok := r.locks[vendorID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[vendorID] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// ApplyInventory 全量快照对账。
// 每个条目 upsert 仓位与充电宝；快照中缺失的仓位不做自动清理——
// 物理离仓只认显式 RETURN/弹出消息。连续两次快照间消失的占用记 warn（维护信号）。
func (r *Reconciler) ApplyInventory(ctx context.Context, vendorID string, entries []protocol.SlotState) error {
	unlock := r.lockCabinet(vendorID)
	defer unlock()

	seen := make(map[int]string, len(entries))

	err := r.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		cab, err := repo.EnsureCabinet(ctx, vendorID)
		if err != nil {
			return fmt.Errorf("ensure cabinet: %w", err)
		}

		for _, e := range entries {
			no, err := protocol.ParseSlot(e.Slot)
			if err != nil {
				r.logger.Warn("inventory entry with bad slot, skipped",
					zap.String("cabinet_id", vendorID),
					zap.String("slot", e.Slot),
					zap.Error(err))
				continue
			}
			if e.PowerBankID == "" {
				// 空仓条目：仅登记仓位存在
				if _, err := repo.UpsertSlot(ctx, cab.ID, int32(no)); err != nil {
					return fmt.Errorf("upsert slot %d: %w", no, err)
				}
				continue
			}

			slot, err := repo.UpsertSlot(ctx, cab.ID, int32(no))
			if err != nil {
				return fmt.Errorf("upsert slot %d: %w", no, err)
			}

			battery := clampBattery(e.Battery)
			pb, err := repo.GetPowerBankBySerial(ctx, e.PowerBankID)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				// 首次见到：落库为 AVAILABLE 并挂到该仓位
				slotID := slot.ID
				create := &models.PowerBank{
					Serial:       e.PowerBankID,
					BatteryLevel: battery,
					Status:       models.PowerBankAvailable,
					SlotID:       &slotID,
				}
				if err := repo.CreatePowerBank(ctx, create); err != nil {
					return fmt.Errorf("create power bank %s: %w", e.PowerBankID, err)
				}
			case err != nil:
				return fmt.Errorf("get power bank %s: %w", e.PowerBankID, err)
			case pb.Status == models.PowerBankRented:
				// 租借中的宝出现在快照里说明漏掉了 RETURN——不做静默回挂，等显式归还消息
				r.logger.Warn("rented power bank reported in snapshot, attach suppressed",
					zap.String("cabinet_id", vendorID),
					zap.String("serial", e.PowerBankID),
					zap.Int("slot", no))
				continue
			default:
				if err := repo.AttachPowerBank(ctx, pb.ID, slot.ID, battery, models.PowerBankCharging); err != nil {
					return fmt.Errorf("attach power bank %s: %w", e.PowerBankID, err)
				}
			}
			seen[no] = e.PowerBankID
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.diffSnapshot(ctx, vendorID, seen)
	return nil
}

// diffSnapshot 比较相邻两次快照，占用消失且当前非 RENTED 的记 warn。
// 仅告警，绝不自动删除或置 LOST。
func (r *Reconciler) diffSnapshot(ctx context.Context, vendorID string, seen map[int]string) {
	r.mu.Lock()
	prev := r.lastSnapshot[vendorID]
	r.lastSnapshot[vendorID] = seen
	r.mu.Unlock()

	for no, serial := range prev {
		if _, still := seen[no]; still {
			continue
		}
		pb, err := r.repo.GetPowerBankBySerial(ctx, serial)
		if err != nil || pb.Status == models.PowerBankRented {
			continue
		}
		r.logger.Warn("slot occupant disappeared between snapshots",
			zap.String("cabinet_id", vendorID),
			zap.Int("slot", no),
			zap.String("serial", serial),
			zap.String("status", pb.Status))
	}
}

// ApplyReturn 归还处理：充电宝挂回仓位、置 CHARGING；
// 若存在 ACTIVE 租借单则完结之（归还机柜可与借出机柜不同）。
func (r *Reconciler) ApplyReturn(ctx context.Context, vendorID, slotStr, serial string, battery int) error {
	if serial == "" {
		return fmt.Errorf("return without power bank id, cabinet=%s", vendorID)
	}

	unlock := r.lockCabinet(vendorID)
	defer unlock()

	now := time.Now()
	completed := false

	err := r.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		cab, err := repo.EnsureCabinet(ctx, vendorID)
		if err != nil {
			return fmt.Errorf("ensure cabinet: %w", err)
		}
		no, err := protocol.ParseSlot(slotStr)
		if err != nil {
			return fmt.Errorf("return slot: %w", err)
		}
		slot, err := repo.UpsertSlot(ctx, cab.ID, int32(no))
		if err != nil {
			return fmt.Errorf("upsert slot: %w", err)
		}

		pb, err := repo.GetPowerBankBySerial(ctx, serial)
		if errors.Is(err, storage.ErrNotFound) {
			slotID := slot.ID
			pb = &models.PowerBank{
				Serial:       serial,
				BatteryLevel: clampBattery(battery),
				Status:       models.PowerBankCharging,
				SlotID:       &slotID,
			}
			if err := repo.CreatePowerBank(ctx, pb); err != nil {
				return fmt.Errorf("create power bank: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("get power bank: %w", err)
		} else {
			level := pb.BatteryLevel
			if battery > 0 {
				level = clampBattery(battery)
			}
			if err := repo.AttachPowerBank(ctx, pb.ID, slot.ID, level, models.PowerBankCharging); err != nil {
				return fmt.Errorf("attach power bank: %w", err)
			}
		}

		rental, err := repo.FindActiveRentalByPowerBank(ctx, pb.ID)
		if errors.Is(err, storage.ErrNotFound) {
			// 无 ACTIVE 租借单的归还：幂等接受（重放或运维放入）
			r.logger.Warn("return without active rental, accepted as no-op",
				zap.String("cabinet_id", vendorID),
				zap.String("serial", serial))
			return nil
		}
		if err != nil {
			return fmt.Errorf("find active rental: %w", err)
		}
		if err := repo.CompleteRental(ctx, rental.ID, cab.ID, now); err != nil {
			return fmt.Errorf("complete rental: %w", err)
		}
		completed = true
		return nil
	})
	if err != nil {
		return err
	}

	if completed && r.appm != nil {
		r.appm.RentalCompleted.Inc()
	}
	return nil
}

// ApplyRentSuccess 弹出成功：充电宝脱离仓位、置 RENTED，并绑定订单号对应的租借单。
// 租借单通常由租借 API 预先创建；不存在时补建（user 留空）。重复应答幂等。
func (r *Reconciler) ApplyRentSuccess(ctx context.Context, vendorID, slotStr, serial, orderNo string) error {
	unlock := r.lockCabinet(vendorID)
	defer unlock()

	now := time.Now()
	return r.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		cab, err := repo.EnsureCabinet(ctx, vendorID)
		if err != nil {
			return fmt.Errorf("ensure cabinet: %w", err)
		}

		pb, err := r.resolvePowerBank(ctx, repo, cab.ID, slotStr, serial)
		if err != nil {
			return err
		}
		if pb == nil {
			r.logger.Warn("rent success without resolvable power bank",
				zap.String("cabinet_id", vendorID),
				zap.String("slot", slotStr),
				zap.String("serial", serial))
			return nil
		}

		if pb.Status == models.PowerBankRented {
			r.logger.Warn("rent success for already rented power bank, no-op",
				zap.String("cabinet_id", vendorID),
				zap.String("serial", pb.Serial),
				zap.String("order_no", orderNo))
			return nil
		}

		if orderNo == "" {
			// 无订单号就无法建立租借单。此时若照常置 RENTED，会出现没有
			// ACTIVE 单的租借宝（RENTED 必须与 ACTIVE 单一一对应），
			// 按状态冲突处理：告警并保持原状，等运维或迟到的完整应答。
			r.logger.Warn("rent success without order no, state left untouched",
				zap.String("cabinet_id", vendorID),
				zap.String("serial", pb.Serial),
				zap.String("slot", slotStr))
			return nil
		}

		if err := repo.DetachPowerBank(ctx, pb.ID, models.PowerBankRented); err != nil {
			return fmt.Errorf("detach power bank: %w", err)
		}

		_, err = repo.GetRentalByOrderNo(ctx, orderNo)
		if errors.Is(err, storage.ErrNotFound) {
			return repo.CreateRental(ctx, &models.Rental{
				OrderNo:     orderNo,
				PowerBankID: pb.ID,
				CabinetID:   cab.ID,
				Status:      models.RentalActive,
				RentedAt:    now,
			})
		}
		if err != nil {
			return fmt.Errorf("get rental: %w", err)
		}
		return repo.ActivateRental(ctx, orderNo, pb.ID, now)
	})
}

// ApplyEject 强制弹出：充电宝脱离仓位、置 MAINTENANCE。
// 运维动作，不创建也不完结租借单。slotStr 为空表示整柜弹出。
func (r *Reconciler) ApplyEject(ctx context.Context, vendorID, slotStr string) error {
	unlock := r.lockCabinet(vendorID)
	defer unlock()

	return r.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		cab, err := repo.EnsureCabinet(ctx, vendorID)
		if err != nil {
			return fmt.Errorf("ensure cabinet: %w", err)
		}

		var slots []models.Slot
		if slotStr == "" {
			slots, err = repo.ListSlots(ctx, cab.ID)
			if err != nil {
				return fmt.Errorf("list slots: %w", err)
			}
		} else {
			no, err := protocol.ParseSlot(slotStr)
			if err != nil {
				return fmt.Errorf("eject slot: %w", err)
			}
			slot, err := repo.UpsertSlot(ctx, cab.ID, int32(no))
			if err != nil {
				return fmt.Errorf("upsert slot: %w", err)
			}
			slots = []models.Slot{*slot}
		}

		for _, slot := range slots {
			pb, err := repo.GetPowerBankBySlot(ctx, slot.ID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("get slot occupant: %w", err)
			}
			if err := repo.DetachPowerBank(ctx, pb.ID, models.PowerBankMaintenance); err != nil {
				return fmt.Errorf("detach power bank: %w", err)
			}
		}
		return nil
	})
}

// resolvePowerBank 按厂商编号定位；编号缺失时退化为按仓位占用定位。
func (r *Reconciler) resolvePowerBank(ctx context.Context, repo storage.CoreRepo, cabinetID int64, slotStr, serial string) (*models.PowerBank, error) {
	if serial != "" {
		pb, err := repo.GetPowerBankBySerial(ctx, serial)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("get power bank: %w", err)
		}
		return pb, nil
	}

	no, err := protocol.ParseSlot(slotStr)
	if err != nil {
		return nil, nil
	}
	slot, err := repo.UpsertSlot(ctx, cabinetID, int32(no))
	if err != nil {
		return nil, fmt.Errorf("upsert slot: %w", err)
	}
	pb, err := repo.GetPowerBankBySlot(ctx, slot.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get slot occupant: %w", err)
	}
	return pb, nil
}

func clampBattery(v int) int32 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int32(v)
}
