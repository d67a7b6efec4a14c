package gormrepo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taoyao-code/cabinet-server/internal/storage"
	"github.com/taoyao-code/cabinet-server/internal/storage/models"
)

// Repository 基于 GORM 的 CoreRepo 实现。
// 使用 isTx 标记区分事务上下文，避免嵌套事务重复 Begin/Commit。
type Repository struct {
	db   *gorm.DB
	isTx bool
}

// New 返回一个使用给定 *gorm.DB 的 CoreRepo 实例。
func New(db *gorm.DB) storage.CoreRepo {
	return &Repository{db: db}
}

// AutoMigrate 建表（开发/测试环境使用；生产走迁移脚本）
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Cabinet{},
		&models.Slot{},
		&models.PowerBank{},
		&models.Rental{},
		&models.CommandLog{},
	)
}

// WithTx 复用现有事务或开启新事务执行 fn。
func (r *Repository) WithTx(ctx context.Context, fn func(storage.CoreRepo) error) error {
	if r.isTx {
		return fn(r)
	}

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	child := &Repository{db: tx, isTx: true}
	if err := fn(child); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// EnsureCabinet 若机柜不存在则插入（初始 OFFLINE），存在则原样返回。
func (r *Repository) EnsureCabinet(ctx context.Context, vendorID string) (*models.Cabinet, error) {
	record := &models.Cabinet{
		VendorID: vendorID,
		Status:   models.CabinetOffline,
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vendor_id"}},
			DoNothing: true,
		}).
		Create(record).Error
	if err != nil {
		return nil, err
	}

	return r.GetCabinetByVendorID(ctx, vendorID)
}

// UpsertCabinetOnline LOGIN 路径：置 ONLINE、刷新 last_seen_at 与厂商元数据。
func (r *Repository) UpsertCabinetOnline(ctx context.Context, vendorID string, at time.Time, signal *int32, iccid, model *string) (*models.Cabinet, error) {
	ts := at
	record := &models.Cabinet{
		VendorID:       vendorID,
		Status:         models.CabinetOnline,
		LastSeenAt:     &ts,
		SignalStrength: signal,
		ICCID:          iccid,
		Model:          model,
	}

	assignments := map[string]interface{}{
		"status":       models.CabinetOnline,
		"last_seen_at": ts,
		"updated_at":   time.Now(),
	}
	if signal != nil {
		assignments["signal_strength"] = *signal
	}
	if iccid != nil {
		assignments["iccid"] = *iccid
	}
	if model != nil {
		assignments["model"] = *model
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vendor_id"}},
			DoUpdates: clause.Assignments(assignments),
		}).
		Create(record).Error
	if err != nil {
		return nil, err
	}

	return r.GetCabinetByVendorID(ctx, vendorID)
}

// SetCabinetStatus 仅更新状态。
func (r *Repository) SetCabinetStatus(ctx context.Context, vendorID string, status string) error {
	return r.db.WithContext(ctx).
		Model(&models.Cabinet{}).
		Where("vendor_id = ?", vendorID).
		Update("status", status).Error
}

// TouchCabinetLastSeen 刷新 last_seen_at（不存在则插入）。
func (r *Repository) TouchCabinetLastSeen(ctx context.Context, vendorID string, at time.Time) error {
	ts := at
	record := &models.Cabinet{
		VendorID:   vendorID,
		Status:     models.CabinetOffline,
		LastSeenAt: &ts,
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "vendor_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"last_seen_at": ts,
				"updated_at":   time.Now(),
			}),
		}).
		Create(record).Error
}

// GetCabinetByVendorID 通过厂商编号查询机柜。
func (r *Repository) GetCabinetByVendorID(ctx context.Context, vendorID string) (*models.Cabinet, error) {
	var cab models.Cabinet
	err := r.db.WithContext(ctx).Where("vendor_id = ?", vendorID).First(&cab).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	return &cab, err
}

// ListCabinets 分页返回机柜列表，按 id 倒序。
func (r *Repository) ListCabinets(ctx context.Context, limit, offset int) ([]models.Cabinet, error) {
	var cabs []models.Cabinet
	q := r.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&cabs).Error; err != nil {
		return nil, err
	}
	return cabs, nil
}

// MarkStaleCabinetsOffline 将心跳过期的 ONLINE/MAINTENANCE 机柜置为 OFFLINE。
// 先查出候选厂商编号，再逐台条件降级，返回值供调用方同步剔除连接注册表。
func (r *Repository) MarkStaleCabinetsOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.Cabinet{}).
		Where("status IN ?", []string{models.CabinetOnline, models.CabinetMaintenance}).
		Where("last_seen_at IS NULL OR last_seen_at < ?", cutoff).
		Pluck("vendor_id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	swept := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := r.demoteIfStale(ctx, id, cutoff)
		if err != nil {
			return nil, err
		}
		if ok {
			swept = append(swept, id)
		}
	}
	if len(swept) == 0 {
		return nil, nil
	}
	return swept, nil
}

// demoteIfStale 带谓词的单台降级：UPDATE 时重查过期条件，
// 候选查询与降级之间刚 LOGIN 的机柜不会被误置 OFFLINE。
func (r *Repository) demoteIfStale(ctx context.Context, vendorID string, cutoff time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Cabinet{}).
		Where("vendor_id = ?", vendorID).
		Where("status IN ?", []string{models.CabinetOnline, models.CabinetMaintenance}).
		Where("last_seen_at IS NULL OR last_seen_at < ?", cutoff).
		Updates(map[string]interface{}{
			"status":     models.CabinetOffline,
			"updated_at": time.Now(),
		})
	return res.RowsAffected > 0, res.Error
}

// ListExpiringCabinets 返回 ONLINE 且 last_seen_at 早于 cutoff 的机柜。
func (r *Repository) ListExpiringCabinets(ctx context.Context, cutoff time.Time) ([]models.Cabinet, error) {
	var cabs []models.Cabinet
	err := r.db.WithContext(ctx).
		Where("status = ?", models.CabinetOnline).
		Where("last_seen_at IS NOT NULL AND last_seen_at < ?", cutoff).
		Find(&cabs).Error
	if err != nil {
		return nil, err
	}
	return cabs, nil
}

// UpsertSlot 仓位懒创建：冲突时不做任何更新。
func (r *Repository) UpsertSlot(ctx context.Context, cabinetID int64, slotNo int32) (*models.Slot, error) {
	record := &models.Slot{
		CabinetID: cabinetID,
		SlotNo:    slotNo,
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cabinet_id"}, {Name: "slot_no"}},
			DoNothing: true,
		}).
		Create(record).Error
	if err != nil {
		return nil, err
	}

	var slot models.Slot
	err = r.db.WithContext(ctx).
		Where("cabinet_id = ? AND slot_no = ?", cabinetID, slotNo).
		First(&slot).Error
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

// ListSlots 机柜的全部仓位，按仓位号升序。
func (r *Repository) ListSlots(ctx context.Context, cabinetID int64) ([]models.Slot, error) {
	var slots []models.Slot
	err := r.db.WithContext(ctx).
		Where("cabinet_id = ?", cabinetID).
		Order("slot_no ASC").
		Find(&slots).Error
	if err != nil {
		return nil, err
	}
	return slots, nil
}

// GetPowerBankBySerial 通过厂商编号查询充电宝。
func (r *Repository) GetPowerBankBySerial(ctx context.Context, serial string) (*models.PowerBank, error) {
	var pb models.PowerBank
	err := r.db.WithContext(ctx).Where("serial = ?", serial).First(&pb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	return &pb, err
}

// GetPowerBankBySlot 查询占用指定仓位的充电宝。
func (r *Repository) GetPowerBankBySlot(ctx context.Context, slotID int64) (*models.PowerBank, error) {
	var pb models.PowerBank
	err := r.db.WithContext(ctx).Where("slot_id = ?", slotID).First(&pb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	return &pb, err
}

// CreatePowerBank 新建充电宝记录。
func (r *Repository) CreatePowerBank(ctx context.Context, pb *models.PowerBank) error {
	return r.db.WithContext(ctx).Create(pb).Error
}

// AttachPowerBank 绑定到仓位并更新电量/状态。
// 若该仓位已被其他充电宝占用，先将占用者脱离（物理上一个仓位只有一个宝）。
func (r *Repository) AttachPowerBank(ctx context.Context, pbID int64, slotID int64, battery int32, status string) error {
	err := r.db.WithContext(ctx).
		Model(&models.PowerBank{}).
		Where("slot_id = ? AND id <> ?", slotID, pbID).
		Updates(map[string]interface{}{
			"slot_id":    nil,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).
		Model(&models.PowerBank{}).
		Where("id = ?", pbID).
		Updates(map[string]interface{}{
			"slot_id":       slotID,
			"battery_level": battery,
			"status":        status,
			"updated_at":    time.Now(),
		}).Error
}

// DetachPowerBank 从仓位脱离并更新状态。
func (r *Repository) DetachPowerBank(ctx context.Context, pbID int64, status string) error {
	return r.db.WithContext(ctx).
		Model(&models.PowerBank{}).
		Where("id = ?", pbID).
		Updates(map[string]interface{}{
			"slot_id":    nil,
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}

// UpdatePowerBankBattery 仅更新电量。
func (r *Repository) UpdatePowerBankBattery(ctx context.Context, pbID int64, battery int32) error {
	return r.db.WithContext(ctx).
		Model(&models.PowerBank{}).
		Where("id = ?", pbID).
		Updates(map[string]interface{}{
			"battery_level": battery,
			"updated_at":    time.Now(),
		}).Error
}

// ListPowerBanksByCabinet 机柜内全部在仓充电宝（join 仓位表）。
func (r *Repository) ListPowerBanksByCabinet(ctx context.Context, cabinetID int64) ([]models.PowerBank, error) {
	var pbs []models.PowerBank
	err := r.db.WithContext(ctx).
		Joins("JOIN slots ON slots.id = power_banks.slot_id").
		Where("slots.cabinet_id = ?", cabinetID).
		Order("slots.slot_no ASC").
		Find(&pbs).Error
	if err != nil {
		return nil, err
	}
	return pbs, nil
}

// CreateRental 创建租借单。
func (r *Repository) CreateRental(ctx context.Context, rental *models.Rental) error {
	return r.db.WithContext(ctx).Create(rental).Error
}

// GetRentalByOrderNo 通过订单号查询租借单。
func (r *Repository) GetRentalByOrderNo(ctx context.Context, orderNo string) (*models.Rental, error) {
	var rental models.Rental
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&rental).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	return &rental, err
}

// FindActiveRentalByPowerBank 查询充电宝的 ACTIVE 租借单。
func (r *Repository) FindActiveRentalByPowerBank(ctx context.Context, pbID int64) (*models.Rental, error) {
	var rental models.Rental
	err := r.db.WithContext(ctx).
		Where("power_bank_id = ? AND status = ?", pbID, models.RentalActive).
		First(&rental).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	return &rental, err
}

// ActivateRental 租借生效：绑定充电宝、置 ACTIVE。
func (r *Repository) ActivateRental(ctx context.Context, orderNo string, pbID int64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Rental{}).
		Where("order_no = ?", orderNo).
		Updates(map[string]interface{}{
			"power_bank_id": pbID,
			"status":        models.RentalActive,
			"rented_at":     at,
			"updated_at":    time.Now(),
		}).Error
}

// CompleteRental 归还完结。
func (r *Repository) CompleteRental(ctx context.Context, rentalID int64, returnCabinetID int64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Rental{}).
		Where("id = ? AND status = ?", rentalID, models.RentalActive).
		Updates(map[string]interface{}{
			"status":            models.RentalCompleted,
			"return_cabinet_id": returnCabinetID,
			"returned_at":       at,
			"updated_at":        time.Now(),
		}).Error
}

// ListRentalsByCabinet 借出机柜维度的租借单列表，按创建时间倒序。
func (r *Repository) ListRentalsByCabinet(ctx context.Context, cabinetID int64, limit int) ([]models.Rental, error) {
	var rentals []models.Rental
	q := r.db.WithContext(ctx).
		Where("cabinet_id = ?", cabinetID).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rentals).Error; err != nil {
		return nil, err
	}
	return rentals, nil
}

// AppendCommandLog 追加一条上下行指令日志。
func (r *Repository) AppendCommandLog(ctx context.Context, log *models.CommandLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// ListRecentCommandLogs 读取机柜最近的日志。
func (r *Repository) ListRecentCommandLogs(ctx context.Context, cabinetID int64, limit int) ([]models.CommandLog, error) {
	var logs []models.CommandLog
	if limit <= 0 {
		limit = 50
	}
	err := r.db.WithContext(ctx).
		Where("cabinet_id = ?", cabinetID).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
