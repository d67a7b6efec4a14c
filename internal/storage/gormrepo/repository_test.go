package gormrepo

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taoyao-code/cabinet-server/internal/storage"
	"github.com/taoyao-code/cabinet-server/internal/storage/models"
)

// newTestRepo 内存 sqlite 仓库（单连接，避免 :memory: 分裂成多库）
func newTestRepo(t *testing.T) storage.CoreRepo {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))
	return New(db)
}

func TestEnsureCabinet_Idempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c1, err := repo.EnsureCabinet(ctx, "CAB001")
	require.NoError(t, err)
	c2, err := repo.EnsureCabinet(ctx, "CAB001")
	require.NoError(t, err)

	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, models.CabinetOffline, c1.Status)
}

func TestUpsertCabinetOnline(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	signal := int32(28)
	model := "CAB-12"
	now := time.Now()
	cab, err := repo.UpsertCabinetOnline(ctx, "CAB001", now, &signal, nil, &model)
	require.NoError(t, err)
	assert.Equal(t, models.CabinetOnline, cab.Status)
	require.NotNil(t, cab.LastSeenAt)
	require.NotNil(t, cab.SignalStrength)
	assert.Equal(t, int32(28), *cab.SignalStrength)

	// 重复 LOGIN 不报错，只刷新
	cab2, err := repo.UpsertCabinetOnline(ctx, "CAB001", now.Add(time.Minute), &signal, nil, &model)
	require.NoError(t, err)
	assert.Equal(t, cab.ID, cab2.ID)
}

func TestUpsertSlot_UniquePerCabinet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cab, err := repo.EnsureCabinet(ctx, "CAB001")
	require.NoError(t, err)

	s1, err := repo.UpsertSlot(ctx, cab.ID, 1)
	require.NoError(t, err)
	s2, err := repo.UpsertSlot(ctx, cab.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)

	s3, err := repo.UpsertSlot(ctx, cab.ID, 2)
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s3.ID)
}

func TestAttachDetachPowerBank(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cab, _ := repo.EnsureCabinet(ctx, "CAB001")
	slot, _ := repo.UpsertSlot(ctx, cab.ID, 1)

	slotID := slot.ID
	pb := &models.PowerBank{Serial: "PB001", BatteryLevel: 50, Status: models.PowerBankCharging, SlotID: &slotID}
	require.NoError(t, repo.CreatePowerBank(ctx, pb))

	// 脱离：slot_id 置空
	require.NoError(t, repo.DetachPowerBank(ctx, pb.ID, models.PowerBankRented))
	got, err := repo.GetPowerBankBySerial(ctx, "PB001")
	require.NoError(t, err)
	assert.Nil(t, got.SlotID)
	assert.Equal(t, models.PowerBankRented, got.Status)

	// 回挂到另一仓位
	slot2, _ := repo.UpsertSlot(ctx, cab.ID, 2)
	require.NoError(t, repo.AttachPowerBank(ctx, pb.ID, slot2.ID, 80, models.PowerBankCharging))
	got, err = repo.GetPowerBankBySerial(ctx, "PB001")
	require.NoError(t, err)
	require.NotNil(t, got.SlotID)
	assert.Equal(t, slot2.ID, *got.SlotID)
	assert.Equal(t, int32(80), got.BatteryLevel)
}

func TestAttachPowerBank_EvictsPreviousOccupant(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cab, _ := repo.EnsureCabinet(ctx, "CAB001")
	slot, _ := repo.UpsertSlot(ctx, cab.ID, 1)

	slotID := slot.ID
	pb1 := &models.PowerBank{Serial: "PB001", Status: models.PowerBankCharging, SlotID: &slotID}
	require.NoError(t, repo.CreatePowerBank(ctx, pb1))
	pb2 := &models.PowerBank{Serial: "PB002", Status: models.PowerBankAvailable}
	require.NoError(t, repo.CreatePowerBank(ctx, pb2))

	// 把 pb2 挂到已被 pb1 占用的仓位：pb1 被先行释放，唯一索引不冲突
	require.NoError(t, repo.AttachPowerBank(ctx, pb2.ID, slot.ID, 90, models.PowerBankCharging))

	got1, _ := repo.GetPowerBankBySerial(ctx, "PB001")
	got2, _ := repo.GetPowerBankBySerial(ctx, "PB002")
	assert.Nil(t, got1.SlotID)
	require.NotNil(t, got2.SlotID)
	assert.Equal(t, slot.ID, *got2.SlotID)
}

func TestRentalLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cab, _ := repo.EnsureCabinet(ctx, "CAB001")
	pb := &models.PowerBank{Serial: "PB001", Status: models.PowerBankRented}
	require.NoError(t, repo.CreatePowerBank(ctx, pb))

	rentedAt := time.Now()
	require.NoError(t, repo.CreateRental(ctx, &models.Rental{
		OrderNo:     "ORD001",
		PowerBankID: pb.ID,
		CabinetID:   cab.ID,
		Status:      models.RentalActive,
		RentedAt:    rentedAt,
	}))

	active, err := repo.FindActiveRentalByPowerBank(ctx, pb.ID)
	require.NoError(t, err)
	assert.Equal(t, "ORD001", active.OrderNo)

	cab2, _ := repo.EnsureCabinet(ctx, "CAB002")
	returnedAt := rentedAt.Add(time.Hour)
	require.NoError(t, repo.CompleteRental(ctx, active.ID, cab2.ID, returnedAt))

	done, err := repo.GetRentalByOrderNo(ctx, "ORD001")
	require.NoError(t, err)
	assert.Equal(t, models.RentalCompleted, done.Status)
	require.NotNil(t, done.ReturnCabinetID)
	assert.Equal(t, cab2.ID, *done.ReturnCabinetID)

	// 已完结后不再有 ACTIVE 单
	_, err = repo.FindActiveRentalByPowerBank(ctx, pb.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// 重复完结是空操作（status 保护）
	require.NoError(t, repo.CompleteRental(ctx, active.ID, cab.ID, returnedAt.Add(time.Minute)))
	done2, _ := repo.GetRentalByOrderNo(ctx, "ORD001")
	assert.Equal(t, cab2.ID, *done2.ReturnCabinetID)
}

func TestMarkStaleCabinetsOffline(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now()
	// 新鲜在线
	_, err := repo.UpsertCabinetOnline(ctx, "FRESH", now, nil, nil, nil)
	require.NoError(t, err)
	// 过期在线
	_, err = repo.UpsertCabinetOnline(ctx, "STALE", now.Add(-time.Hour), nil, nil, nil)
	require.NoError(t, err)
	// 本就离线
	_, err = repo.EnsureCabinet(ctx, "DOWN")
	require.NoError(t, err)

	swept, err := repo.MarkStaleCabinetsOffline(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"STALE"}, swept)

	stale, _ := repo.GetCabinetByVendorID(ctx, "STALE")
	assert.Equal(t, models.CabinetOffline, stale.Status)
	fresh, _ := repo.GetCabinetByVendorID(ctx, "FRESH")
	assert.Equal(t, models.CabinetOnline, fresh.Status)
}

func TestDemoteIfStale_SkipsFreshlySeenCabinet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now()
	_, err := repo.UpsertCabinetOnline(ctx, "CAB001", now.Add(-time.Hour), nil, nil, nil)
	require.NoError(t, err)

	gr := repo.(*Repository)
	cutoff := now.Add(-10 * time.Minute)

	// 降级前机柜重新上线（候选查询与 UPDATE 之间的 LOGIN）：谓词复查后跳过
	_, err = repo.UpsertCabinetOnline(ctx, "CAB001", now, nil, nil, nil)
	require.NoError(t, err)
	ok, err := gr.demoteIfStale(ctx, "CAB001", cutoff)
	require.NoError(t, err)
	assert.False(t, ok)
	cab, _ := repo.GetCabinetByVendorID(ctx, "CAB001")
	assert.Equal(t, models.CabinetOnline, cab.Status)

	// 确实过期时正常降级
	_, err = repo.UpsertCabinetOnline(ctx, "CAB001", now.Add(-time.Hour), nil, nil, nil)
	require.NoError(t, err)
	ok, err = gr.demoteIfStale(ctx, "CAB001", cutoff)
	require.NoError(t, err)
	assert.True(t, ok)
	cab, _ = repo.GetCabinetByVendorID(ctx, "CAB001")
	assert.Equal(t, models.CabinetOffline, cab.Status)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	err := repo.WithTx(ctx, func(tx storage.CoreRepo) error {
		if _, err := tx.EnsureCabinet(ctx, "CAB001"); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, err = repo.GetCabinetByVendorID(ctx, "CAB001")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCommandLog(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cab, _ := repo.EnsureCabinet(ctx, "CAB001")
	corr := "corr-1"
	ok := true
	require.NoError(t, repo.AppendCommandLog(ctx, &models.CommandLog{
		CabinetID: cab.ID, Fun: 130, Direction: 1, Payload: []byte(`{}`), CorrelationID: &corr,
	}))
	require.NoError(t, repo.AppendCommandLog(ctx, &models.CommandLog{
		CabinetID: cab.ID, Fun: 130, Direction: 0, Success: &ok, CorrelationID: &corr,
	}))

	logs, err := repo.ListRecentCommandLogs(ctx, cab.ID, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}
