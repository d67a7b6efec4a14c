package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taoyao-code/cabinet-server/internal/commands"
	"github.com/taoyao-code/cabinet-server/internal/protocol"
	"github.com/taoyao-code/cabinet-server/internal/reconcile"
	"github.com/taoyao-code/cabinet-server/internal/registry"
	"github.com/taoyao-code/cabinet-server/internal/storage"
	"github.com/taoyao-code/cabinet-server/internal/storage/gormrepo"
	"github.com/taoyao-code/cabinet-server/internal/storage/models"
)

// fakeConn 测试用通道：既是应答器也可登记进注册表
type fakeConn struct {
	sent []*protocol.Message
}

func (f *fakeConn) WriteMessage(m *protocol.Message) error { f.sent = append(f.sent, m); return nil }
func (f *fakeConn) Close() error                           { return nil }
func (f *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
}

func newTestGateway(t *testing.T) (*Gateway, storage.CoreRepo, *registry.Registry) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, gormrepo.AutoMigrate(db))
	repo := gormrepo.New(db)

	reg := registry.New(5 * time.Minute)
	rec := reconcile.New(repo, zap.NewNop(), nil)
	disp := commands.New(reg, nil, zap.NewNop(), nil, time.Second)
	return New(zap.NewNop(), reg, repo, rec, disp, nil), repo, reg
}

func TestHandleLogin(t *testing.T) {
	g, repo, reg := newTestGateway(t)
	ctx := context.Background()
	conn := &fakeConn{}

	err := g.handleLogin(ctx, conn, &protocol.Message{
		Fun: protocol.FunLogin, CabinetID: "CAB001", Signal: "1c", Model: "CAB-12",
	})
	require.NoError(t, err)

	// 落库 ONLINE + 元数据
	cab, err := repo.GetCabinetByVendorID(ctx, "CAB001")
	require.NoError(t, err)
	assert.Equal(t, models.CabinetOnline, cab.Status)
	require.NotNil(t, cab.SignalStrength)
	assert.Equal(t, int32(28), *cab.SignalStrength)
	require.NotNil(t, cab.Model)
	assert.Equal(t, "CAB-12", *cab.Model)

	// 通道登记
	_, err = reg.Lookup("CAB001")
	assert.NoError(t, err)

	// 下行：库存请求 + 登录ACK
	require.Len(t, conn.sent, 2)
	assert.Equal(t, protocol.FunQueryInventory, conn.sent[0].Fun)
	assert.Equal(t, protocol.FunLogin, conn.sent[1].Fun)
	assert.Equal(t, protocol.StatusOK, conn.sent[1].Status)
}

func TestHandleLogin_ReconnectReplaces(t *testing.T) {
	g, _, reg := newTestGateway(t)
	ctx := context.Background()

	first := &fakeConn{}
	require.NoError(t, g.handleLogin(ctx, first, &protocol.Message{Fun: protocol.FunLogin, CabinetID: "CAB001"}))
	second := &fakeConn{}
	require.NoError(t, g.handleLogin(ctx, second, &protocol.Message{Fun: protocol.FunLogin, CabinetID: "CAB001"}))

	got, err := reg.Lookup("CAB001")
	require.NoError(t, err)
	assert.Same(t, second, got.(*fakeConn))
}

func TestHandleOffline(t *testing.T) {
	g, repo, reg := newTestGateway(t)
	ctx := context.Background()
	conn := &fakeConn{}

	require.NoError(t, g.handleLogin(ctx, conn, &protocol.Message{Fun: protocol.FunLogin, CabinetID: "CAB001"}))
	require.NoError(t, g.handleOffline(ctx, conn, &protocol.Message{Fun: protocol.FunOffline, CabinetID: "CAB001"}))

	cab, _ := repo.GetCabinetByVendorID(ctx, "CAB001")
	assert.Equal(t, models.CabinetOffline, cab.Status)
	_, err := reg.Lookup("CAB001")
	assert.ErrorIs(t, err, registry.ErrNotConnected)
}

func TestHandleReturn_AcksAndStores(t *testing.T) {
	g, repo, _ := newTestGateway(t)
	ctx := context.Background()
	conn := &fakeConn{}

	err := g.handleReturn(ctx, conn, &protocol.Message{
		Fun: protocol.FunReturn, CabinetID: "CAB001", Slot: "02", PowerBankID: "PB001", Battery: 35,
	})
	require.NoError(t, err)

	pb, err := repo.GetPowerBankBySerial(ctx, "PB001")
	require.NoError(t, err)
	assert.Equal(t, models.PowerBankCharging, pb.Status)

	require.Len(t, conn.sent, 1)
	assert.Equal(t, protocol.FunReturn, conn.sent[0].Fun)
	assert.Equal(t, protocol.StatusOK, conn.sent[0].Status)
}

func TestHandleRentResult_FailureDoesNotTouchState(t *testing.T) {
	g, repo, _ := newTestGateway(t)
	ctx := context.Background()
	conn := &fakeConn{}

	// 在仓充电宝
	require.NoError(t, g.handleInventory(ctx, conn, &protocol.Message{
		Fun: protocol.FunQueryInventory, CabinetID: "CAB001",
		Slots: []protocol.SlotState{{Slot: "01", PowerBankID: "PB001", Battery: 90}},
	}))

	// 设备应答失败：状态不动
	require.NoError(t, g.handleRentResult(ctx, conn, &protocol.Message{
		Fun: protocol.FunRent, CabinetID: "CAB001", Slot: "01",
		PowerBankID: "PB001", OrderID: "ORD001", Status: protocol.StatusFail,
	}))
	pb, _ := repo.GetPowerBankBySerial(ctx, "PB001")
	assert.NotEqual(t, models.PowerBankRented, pb.Status)

	// 成功应答：转 RENTED 并建单
	require.NoError(t, g.handleRentResult(ctx, conn, &protocol.Message{
		Fun: protocol.FunRent, CabinetID: "CAB001", Slot: "01",
		PowerBankID: "PB001", OrderID: "ORD001", Status: protocol.StatusOK,
	}))
	pb, _ = repo.GetPowerBankBySerial(ctx, "PB001")
	assert.Equal(t, models.PowerBankRented, pb.Status)
	rental, err := repo.GetRentalByOrderNo(ctx, "ORD001")
	require.NoError(t, err)
	assert.Equal(t, models.RentalActive, rental.Status)
}

func TestHandleEjectResult(t *testing.T) {
	g, repo, _ := newTestGateway(t)
	ctx := context.Background()
	conn := &fakeConn{}

	require.NoError(t, g.handleInventory(ctx, conn, &protocol.Message{
		Fun: protocol.FunQueryInventory, CabinetID: "CAB001",
		Slots: []protocol.SlotState{
			{Slot: "01", PowerBankID: "PB001", Battery: 90},
			{Slot: "02", PowerBankID: "PB002", Battery: 80},
		},
	}))

	require.NoError(t, g.handleEjectResult(ctx, conn, &protocol.Message{
		Fun: protocol.FunForceEject, CabinetID: "CAB001", Slot: "01", Status: protocol.StatusOK,
	}))
	pb1, _ := repo.GetPowerBankBySerial(ctx, "PB001")
	assert.Equal(t, models.PowerBankMaintenance, pb1.Status)

	// 整柜弹出
	require.NoError(t, g.handleEjectResult(ctx, conn, &protocol.Message{
		Fun: protocol.FunFullEject, CabinetID: "CAB001", Status: protocol.StatusOK,
	}))
	pb2, _ := repo.GetPowerBankBySerial(ctx, "PB002")
	assert.Equal(t, models.PowerBankMaintenance, pb2.Status)
}
