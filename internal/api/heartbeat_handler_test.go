package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taoyao-code/cabinet-server/internal/reconcile"
	"github.com/taoyao-code/cabinet-server/internal/registry"
	"github.com/taoyao-code/cabinet-server/internal/storage"
	"github.com/taoyao-code/cabinet-server/internal/storage/gormrepo"
	"github.com/taoyao-code/cabinet-server/internal/storage/models"
)

func newHeartbeatRouter(t *testing.T) (*gin.Engine, storage.CoreRepo, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	r := gin.New()
	h := NewHeartbeatHandler(repo, reg, rec, zap.NewNop())
	r.POST("/api/cabinets/heartbeat", h.Post)
	return r, repo, reg
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeartbeat_TouchOnly(t *testing.T) {
	r, repo, reg := newHeartbeatRouter(t)

	w := postJSON(t, r, "/api/cabinets/heartbeat", gin.H{"cabinetId": "CAB001"})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "CAB001", resp["cabinetId"])
	assert.Equal(t, models.CabinetOnline, resp["status"])
	assert.Equal(t, float64(0), resp["slotsUpdated"])

	cab, err := repo.GetCabinetByVendorID(context.Background(), "CAB001")
	require.NoError(t, err)
	assert.Equal(t, models.CabinetOnline, cab.Status)
	require.NotNil(t, cab.LastSeenAt)

	_, seen := reg.LastSeen("CAB001")
	assert.True(t, seen)
}

func TestHeartbeat_StatusAndMetadata(t *testing.T) {
	r, repo, _ := newHeartbeatRouter(t)

	// 自报维护中 + 信号/网络元数据：应答落库后的最终状态
	w := postJSON(t, r, "/api/cabinets/heartbeat", gin.H{
		"cabinetId":      "CAB001",
		"status":         "maintenance",
		"signal":         "1f",
		"ip":             "10.0.0.9",
		"connectionType": "4G",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.CabinetMaintenance, resp["status"])

	cab, err := repo.GetCabinetByVendorID(context.Background(), "CAB001")
	require.NoError(t, err)
	assert.Equal(t, models.CabinetMaintenance, cab.Status)
	require.NotNil(t, cab.SignalStrength)
	assert.Equal(t, int32(31), *cab.SignalStrength)
}

func TestHeartbeat_RejectsUnknownStatus(t *testing.T) {
	r, _, _ := newHeartbeatRouter(t)
	w := postJSON(t, r, "/api/cabinets/heartbeat", gin.H{
		"cabinetId": "CAB001",
		"status":    "rebooting",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHeartbeat_WithInventory(t *testing.T) {
	r, repo, _ := newHeartbeatRouter(t)

	w := postJSON(t, r, "/api/cabinets/heartbeat", gin.H{
		"cabinetId": "CAB001",
		"slots": []gin.H{
			{"slot": "01", "powerBankId": "PB001", "battery": 77},
			{"slot": "02"},
		},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(2), resp["slotsUpdated"])

	pb, err := repo.GetPowerBankBySerial(context.Background(), "PB001")
	require.NoError(t, err)
	assert.Equal(t, int32(77), pb.BatteryLevel)
}

func TestHeartbeat_MissingCabinetID(t *testing.T) {
	r, _, _ := newHeartbeatRouter(t)
	w := postJSON(t, r, "/api/cabinets/heartbeat", gin.H{"slots": []gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
