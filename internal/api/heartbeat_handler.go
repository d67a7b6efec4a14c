package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/cabinet-server/internal/protocol"
	"github.com/taoyao-code/cabinet-server/internal/reconcile"
	"github.com/taoyao-code/cabinet-server/internal/registry"
	"github.com/taoyao-code/cabinet-server/internal/storage"
	"github.com/taoyao-code/cabinet-server/internal/storage/models"
)

// HeartbeatHandler HTTP 心跳上报处理器。
// 部分机柜固件走 HTTP 而非长连接，上报语义与 TCP 登录+库存消息一致：
// 置 ONLINE、刷新 last_seen_at 与信号强度，可附带全量仓位快照。
type HeartbeatHandler struct {
	repo       storage.CoreRepo
	reg        *registry.Registry
	reconciler *reconcile.Reconciler
	logger     *zap.Logger
}

// NewHeartbeatHandler 创建心跳处理器
func NewHeartbeatHandler(repo storage.CoreRepo, reg *registry.Registry, rec *reconcile.Reconciler, logger *zap.Logger) *HeartbeatHandler {
	return &HeartbeatHandler{repo: repo, reg: reg, reconciler: rec, logger: logger}
}

type heartbeatRequest struct {
	CabinetID string `json:"cabinetId" binding:"required"`
	// 设备自报状态：online（默认）或 maintenance
	Status         string               `json:"status" binding:"omitempty,oneof=online maintenance"`
	Signal         string               `json:"signal"`
	IP             string               `json:"ip"`
	ConnectionType string               `json:"connectionType"`
	Slots          []protocol.SlotState `json:"slots"`
}

// Post 处理一次 HTTP 心跳，应答机柜落库后的最终状态
func (h *HeartbeatHandler) Post(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}
	ctx := c.Request.Context()
	now := time.Now()

	var signal *int32
	if v, ok := protocol.ParseSignal(req.Signal); ok {
		signal = &v
	}

	cab, err := h.repo.UpsertCabinetOnline(ctx, req.CabinetID, now, signal, nil, nil)
	if err != nil {
		h.logger.Error("http heartbeat upsert failed",
			zap.String("cabinet_id", req.CabinetID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	// 设备自报维护中：覆盖心跳带来的 ONLINE
	if req.Status == "maintenance" {
		if err := h.repo.SetCabinetStatus(ctx, req.CabinetID, models.CabinetMaintenance); err != nil {
			h.logger.Error("http heartbeat status failed",
				zap.String("cabinet_id", req.CabinetID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		cab.Status = models.CabinetMaintenance
	}
	h.reg.OnHeartbeat(req.CabinetID, now)

	h.logger.Debug("http heartbeat",
		zap.String("cabinet_id", req.CabinetID),
		zap.String("ip", req.IP),
		zap.String("connection_type", req.ConnectionType),
		zap.Int("slots", len(req.Slots)))

	slotsUpdated := 0
	if len(req.Slots) > 0 {
		if err := h.reconciler.ApplyInventory(ctx, req.CabinetID, req.Slots); err != nil {
			h.logger.Error("http heartbeat inventory failed",
				zap.String("cabinet_id", req.CabinetID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		slotsUpdated = len(req.Slots)
	}

	c.JSON(http.StatusOK, gin.H{
		"cabinetId":    req.CabinetID,
		"status":       cab.Status,
		"slotsUpdated": slotsUpdated,
	})
}
