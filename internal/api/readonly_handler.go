package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/cabinet-server/internal/registry"
	"github.com/taoyao-code/cabinet-server/internal/storage"
)

// ReadOnlyHandler 只读API处理器：机柜/仓位/租借单/连接诊断
type ReadOnlyHandler struct {
	repo   storage.CoreRepo
	reg    *registry.Registry
	logger *zap.Logger
}

// NewReadOnlyHandler 创建只读API处理器
func NewReadOnlyHandler(repo storage.CoreRepo, reg *registry.Registry, logger *zap.Logger) *ReadOnlyHandler {
	return &ReadOnlyHandler{repo: repo, reg: reg, logger: logger}
}

// ListCabinets 分页查询机柜列表
func (h *ReadOnlyHandler) ListCabinets(c *gin.Context) {
	limit := 100
	offset := 0
	if v := c.Query("limit"); v != "" {
		if vv, e := strconv.Atoi(v); e == nil {
			limit = vv
		}
	}
	if v := c.Query("offset"); v != "" {
		if vv, e := strconv.Atoi(v); e == nil {
			offset = vv
		}
	}

	list, err := h.repo.ListCabinets(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cabinets": list})
}

// GetCabinet 机柜详情：档案 + 仓位 + 在仓充电宝 + 实时连接状态
func (h *ReadOnlyHandler) GetCabinet(c *gin.Context) {
	vendorID := c.Param("cabinet_id")
	ctx := c.Request.Context()

	cab, err := h.repo.GetCabinetByVendorID(ctx, vendorID)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "cabinet not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	slots, err := h.repo.ListSlots(ctx, cab.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	banks, err := h.repo.ListPowerBanksByCabinet(ctx, cab.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cabinet":    cab,
		"slots":      slots,
		"powerBanks": banks,
		"connected":  h.reg.IsOnline(vendorID, time.Now()),
	})
}

// ListCabinetRentals 借出机柜维度的租借单
func (h *ReadOnlyHandler) ListCabinetRentals(c *gin.Context) {
	vendorID := c.Param("cabinet_id")
	ctx := c.Request.Context()

	limit := 50
	if v := c.Query("limit"); v != "" {
		if vv, e := strconv.Atoi(v); e == nil {
			limit = vv
		}
	}

	cab, err := h.repo.GetCabinetByVendorID(ctx, vendorID)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "cabinet not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rentals, err := h.repo.ListRentalsByCabinet(ctx, cab.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rentals": rentals})
}

// ListCabinetCommands 机柜最近的上下行指令日志
func (h *ReadOnlyHandler) ListCabinetCommands(c *gin.Context) {
	vendorID := c.Param("cabinet_id")
	ctx := c.Request.Context()

	limit := 50
	if v := c.Query("limit"); v != "" {
		if vv, e := strconv.Atoi(v); e == nil {
			limit = vv
		}
	}

	cab, err := h.repo.GetCabinetByVendorID(ctx, vendorID)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "cabinet not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logs, err := h.repo.ListRecentCommandLogs(ctx, cab.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": logs})
}

// ListConnections 当前存活连接诊断视图
func (h *ReadOnlyHandler) ListConnections(c *gin.Context) {
	now := time.Now()
	ids := h.reg.ListConnected()
	conns := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		entry := gin.H{"cabinetId": id, "online": h.reg.IsOnline(id, now)}
		if ts, ok := h.reg.LastSeen(id); ok {
			entry["lastSeenAt"] = ts
		}
		conns = append(conns, entry)
	}
	c.JSON(http.StatusOK, gin.H{
		"count":       len(conns),
		"connections": conns,
	})
}
