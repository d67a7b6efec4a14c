package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/cabinet-server/internal/commands"
	"github.com/taoyao-code/cabinet-server/internal/protocol"
	"github.com/taoyao-code/cabinet-server/internal/registry"
	"github.com/taoyao-code/cabinet-server/internal/vendorsync"
)

// OpsHandler 运维指令处理器：弹出/整柜弹出/重启/租借触发。
// 本地存活通道优先；机柜未连到本实例且配置了厂商平台时，
// 降级走厂商远程指令通道（fire-and-forget，结果靠后续上行对账）。
type OpsHandler struct {
	dispatcher *commands.Dispatcher
	vendor     *vendorsync.Client
	logger     *zap.Logger
}

// NewOpsHandler 创建运维指令处理器。vendor 可为 nil（未配置厂商平台）。
func NewOpsHandler(disp *commands.Dispatcher, vendor *vendorsync.Client, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{dispatcher: disp, vendor: vendor, logger: logger}
}

type rentRequest struct {
	CabinetID string `json:"cabinetId" binding:"required"`
	Slot      string `json:"slot" binding:"required"`
	OrderNo   string `json:"orderNo" binding:"required"`
}

// Rent 触发弹出租借
func (h *OpsHandler) Rent(c *gin.Context) {
	var req rentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}
	resp, err := h.dispatcher.Rent(c.Request.Context(), req.CabinetID, req.Slot, req.OrderNo)
	if errors.Is(err, registry.ErrNotConnected) && h.vendor != nil {
		h.remoteFallback(c, req.CabinetID, "rent", req.Slot, req.OrderNo)
		return
	}
	h.respond(c, resp, err)
}

type ejectRequest struct {
	CabinetID string `json:"cabinetId" binding:"required"`
	Slot      string `json:"slot"`
}

// Eject 强制弹出：slot 为空表示整柜弹出
func (h *OpsHandler) Eject(c *gin.Context) {
	var req ejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}

	var (
		resp *protocol.Message
		err  error
	)
	if req.Slot == "" {
		resp, err = h.dispatcher.FullEject(c.Request.Context(), req.CabinetID)
	} else {
		resp, err = h.dispatcher.ForceEject(c.Request.Context(), req.CabinetID, req.Slot)
	}
	if errors.Is(err, registry.ErrNotConnected) && h.vendor != nil {
		action := "eject"
		if req.Slot == "" {
			action = "ejectAll"
		}
		h.remoteFallback(c, req.CabinetID, action, req.Slot, "")
		return
	}
	h.respond(c, resp, err)
}

type restartRequest struct {
	CabinetID string `json:"cabinetId" binding:"required"`
}

// Restart 重启机柜
func (h *OpsHandler) Restart(c *gin.Context) {
	var req restartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}
	resp, err := h.dispatcher.Restart(c.Request.Context(), req.CabinetID)
	if errors.Is(err, registry.ErrNotConnected) && h.vendor != nil {
		h.remoteFallback(c, req.CabinetID, "restart", "", "")
		return
	}
	h.respond(c, resp, err)
}

// remoteFallback 走厂商远程指令通道
func (h *OpsHandler) remoteFallback(c *gin.Context, cabinetID, action, slot, orderNo string) {
	h.logger.Info("cabinet not connected locally, falling back to vendor channel",
		zap.String("cabinet_id", cabinetID),
		zap.String("action", action))
	if err := h.vendor.RemoteCommand(c.Request.Context(), cabinetID, action, slot, orderNo); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "vendor_channel_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "channel": "vendor"})
}

// respond 统一映射指令结果到 HTTP 应答
func (h *OpsHandler) respond(c *gin.Context, resp *protocol.Message, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok", "result": resp})
	case errors.Is(err, registry.ErrNotConnected):
		c.JSON(http.StatusConflict, gin.H{"error": "not_connected"})
	case errors.Is(err, commands.ErrTimeout):
		// 指令可能已执行，只是应答没等到
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout"})
	case errors.Is(err, commands.ErrDeviceFailed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "device_failed", "result": resp})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
