package vendorsync

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taoyao-code/cabinet-server/internal/config"
	"github.com/taoyao-code/cabinet-server/internal/protocol"
	"github.com/taoyao-code/cabinet-server/internal/registry"
	"github.com/taoyao-code/cabinet-server/internal/storage"
	"github.com/taoyao-code/cabinet-server/internal/storage/gormrepo"
	"github.com/taoyao-code/cabinet-server/internal/storage/models"
)

// mockVendor 模拟厂商平台：令牌登录 + 分页目录
type mockVendor struct {
	items      []VendorCabinet
	loginCount atomic.Int64
	listCount  atomic.Int64
	rejectNext atomic.Bool
}

func (m *mockVendor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/login", func(w http.ResponseWriter, r *http.Request) {
		m.loginCount.Add(1)
		writeEnvelope(w, map[string]any{"token": "tok-123", "expiresIn": 3600})
	})
	mux.HandleFunc("/api/v1/cabinets", func(w http.ResponseWriter, r *http.Request) {
		if m.rejectNext.Swap(false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		m.listCount.Add(1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
		start := (page - 1) * pageSize
		end := start + pageSize
		if start > len(m.items) {
			start = len(m.items)
		}
		if end > len(m.items) {
			end = len(m.items)
		}
		writeEnvelope(w, map[string]any{"total": len(m.items), "items": m.items[start:end]})
	})
	return mux
}

func writeEnvelope(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "ok", "data": json.RawMessage(raw)})
}

func newSyncFixture(t *testing.T, mock *mockVendor, stale time.Duration) (*Syncer, storage.CoreRepo, *registry.Registry) {
	t.Helper()
	srv := httptest.NewServer(mock.handler())
	t.Cleanup(srv.Close)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, gormrepo.AutoMigrate(db))
	repo := gormrepo.New(db)

	cfg := config.VendorConfig{
		Enabled:        true,
		BaseURL:        srv.URL,
		Username:       "u",
		Password:       "p",
		PageSize:       2,
		RequestTimeout: 2 * time.Second,
		StaleThreshold: stale,
	}
	reg := registry.New(5 * time.Minute)
	client := NewClient(cfg, zap.NewNop(), nil)
	return NewSyncer(cfg, client, repo, reg, zap.NewNop(), nil), repo, reg
}

func TestSyncOnce_CreatesUnknownCabinetsWithSlots(t *testing.T) {
	mock := &mockVendor{items: []VendorCabinet{
		{CabinetID: "CAB001", Model: "CAB-8", Online: true},
		{CabinetID: "CAB002", Model: "CAB-12", Online: false},
		{CabinetID: "CAB003", Model: "UNKNOWN-MODEL", Online: false},
	}}
	s, repo, _ := newSyncFixture(t, mock, 10*time.Minute)
	ctx := context.Background()

	s.SyncOnce(ctx)

	// 分页拉取：pageSize=2，3条记录要2页
	assert.Equal(t, int64(2), mock.listCount.Load())

	// 厂商报在线的新机柜：建档即 ONLINE 且 last_seen_at 已填
	cab, err := repo.GetCabinetByVendorID(ctx, "CAB001")
	require.NoError(t, err)
	assert.Equal(t, models.CabinetOnline, cab.Status)
	require.NotNil(t, cab.LastSeenAt)
	slots, err := repo.ListSlots(ctx, cab.ID)
	require.NoError(t, err)
	assert.Len(t, slots, 8)

	// 厂商报离线的新机柜保持 OFFLINE
	cab2, _ := repo.GetCabinetByVendorID(ctx, "CAB002")
	assert.Equal(t, models.CabinetOffline, cab2.Status)
	slots2, _ := repo.ListSlots(ctx, cab2.ID)
	assert.Len(t, slots2, 12)

	// 未知型号：建档但无仓位骨架
	cab3, _ := repo.GetCabinetByVendorID(ctx, "CAB003")
	slots3, _ := repo.ListSlots(ctx, cab3.ID)
	assert.Empty(t, slots3)
}

func TestSyncOnce_ReplayDoesNotDuplicate(t *testing.T) {
	mock := &mockVendor{items: []VendorCabinet{
		{CabinetID: "CAB001", Model: "CAB-8", Online: false},
	}}
	s, repo, _ := newSyncFixture(t, mock, 10*time.Minute)
	ctx := context.Background()

	s.SyncOnce(ctx)
	s.SyncOnce(ctx)

	cab, _ := repo.GetCabinetByVendorID(ctx, "CAB001")
	slots, _ := repo.ListSlots(ctx, cab.ID)
	assert.Len(t, slots, 8)
}

func TestSyncOnce_SocketTruthWins(t *testing.T) {
	mock := &mockVendor{items: []VendorCabinet{
		{CabinetID: "CAB001", Online: false},
	}}
	s, repo, reg := newSyncFixture(t, mock, 10*time.Minute)
	ctx := context.Background()

	// 本地有存活通道且心跳新鲜
	_, err := repo.UpsertCabinetOnline(ctx, "CAB001", time.Now(), nil, nil, nil)
	require.NoError(t, err)
	reg.Register("CAB001", liveChannel{})

	s.SyncOnce(ctx)

	// 厂商说离线，但本地通道为准：仍 ONLINE
	cab, _ := repo.GetCabinetByVendorID(ctx, "CAB001")
	assert.Equal(t, models.CabinetOnline, cab.Status)
}

func TestSyncOnce_VendorOnlineOnlyTrustedWhenLocalStale(t *testing.T) {
	mock := &mockVendor{items: []VendorCabinet{
		{CabinetID: "CAB001", Online: true},
	}}
	s, repo, _ := newSyncFixture(t, mock, 10*time.Minute)
	ctx := context.Background()

	// 本地 OFFLINE 但记录新鲜：不采信厂商
	_, err := repo.UpsertCabinetOnline(ctx, "CAB001", time.Now(), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, repo.SetCabinetStatus(ctx, "CAB001", models.CabinetOffline))

	s.SyncOnce(ctx)
	cab, _ := repo.GetCabinetByVendorID(ctx, "CAB001")
	assert.Equal(t, models.CabinetOffline, cab.Status)

	// 本地记录陈旧：采信厂商，转 ONLINE
	_, err = repo.UpsertCabinetOnline(ctx, "CAB001", time.Now().Add(-time.Hour), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, repo.SetCabinetStatus(ctx, "CAB001", models.CabinetOffline))

	s.SyncOnce(ctx)
	cab, _ = repo.GetCabinetByVendorID(ctx, "CAB001")
	assert.Equal(t, models.CabinetOnline, cab.Status)
}

func TestSyncOnce_PromotionRefreshesLastSeen(t *testing.T) {
	mock := &mockVendor{items: []VendorCabinet{
		{CabinetID: "CAB001", Online: true},
	}}
	s, repo, _ := newSyncFixture(t, mock, 10*time.Minute)
	ctx := context.Background()

	// 本地 OFFLINE 且陈旧一小时
	_, err := repo.UpsertCabinetOnline(ctx, "CAB001", time.Now().Add(-time.Hour), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, repo.SetCabinetStatus(ctx, "CAB001", models.CabinetOffline))

	s.SyncOnce(ctx)

	// 提升为 ONLINE 的同时刷新 last_seen_at，
	// 随后的离线巡检不会把它再次扫回 OFFLINE
	cab, err := repo.GetCabinetByVendorID(ctx, "CAB001")
	require.NoError(t, err)
	assert.Equal(t, models.CabinetOnline, cab.Status)
	require.NotNil(t, cab.LastSeenAt)
	assert.WithinDuration(t, time.Now(), *cab.LastSeenAt, time.Minute)

	swept, err := repo.MarkStaleCabinetsOffline(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, swept)
	cab, _ = repo.GetCabinetByVendorID(ctx, "CAB001")
	assert.Equal(t, models.CabinetOnline, cab.Status)
}

func TestClient_ReloginOnRejectedToken(t *testing.T) {
	mock := &mockVendor{items: []VendorCabinet{{CabinetID: "CAB001"}}}
	s, _, _ := newSyncFixture(t, mock, 10*time.Minute)
	ctx := context.Background()

	// 先正常同步拿到令牌
	s.SyncOnce(ctx)
	logins := mock.loginCount.Load()

	// 下一次目录请求被 401：客户端作废令牌并重新登录重试
	mock.rejectNext.Store(true)
	s.SyncOnce(ctx)
	assert.Greater(t, mock.loginCount.Load(), logins)
}

type liveChannel struct{}

func (liveChannel) WriteMessage(*protocol.Message) error { return nil }
func (liveChannel) Close() error                         { return nil }
func (liveChannel) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 4), Port: 8000}
}
