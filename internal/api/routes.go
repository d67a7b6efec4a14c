package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/cabinet-server/internal/api/middleware"
	"github.com/taoyao-code/cabinet-server/internal/config"
)

// Handlers 路由注册所需的处理器集合
type Handlers struct {
	ReadOnly  *ReadOnlyHandler
	Ops       *OpsHandler
	Heartbeat *HeartbeatHandler
}

// RegisterRoutes 注册全部 /api 路由，统一挂 API Key 认证
func RegisterRoutes(r *gin.Engine, cfg config.APIConfig, h Handlers, logger *zap.Logger) {
	g := r.Group("/api")
	g.Use(middleware.APIKeyAuth(cfg.Auth, logger))

	// 只读
	g.GET("/cabinets", h.ReadOnly.ListCabinets)
	g.GET("/cabinets/:cabinet_id", h.ReadOnly.GetCabinet)
	g.GET("/cabinets/:cabinet_id/rentals", h.ReadOnly.ListCabinetRentals)
	g.GET("/cabinets/:cabinet_id/commands", h.ReadOnly.ListCabinetCommands)
	g.GET("/connections", h.ReadOnly.ListConnections)

	// 设备上报
	g.POST("/cabinets/heartbeat", h.Heartbeat.Post)

	// 运维指令
	g.POST("/commands/rent", h.Ops.Rent)
	g.POST("/commands/eject", h.Ops.Eject)
	g.POST("/commands/restart", h.Ops.Restart)
}
