package health

import (
	"context"
	"fmt"
	"time"

	"github.com/taoyao-code/cabinet-server/internal/registry"
	"github.com/taoyao-code/cabinet-server/internal/tcpserver"
)

// TCPChecker 机柜 TCP 网关健康检查：监听器存活 + 连接容量
type TCPChecker struct {
	server *tcpserver.Server
	reg    *registry.Registry
}

// NewTCPChecker 创建TCP检查器
func NewTCPChecker(server *tcpserver.Server, reg *registry.Registry) *TCPChecker {
	return &TCPChecker{server: server, reg: reg}
}

func (c *TCPChecker) Name() string { return "tcp" }

// Check 监听状态与连接数利用率
func (c *TCPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	if !c.server.Active() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "listener not active",
			Latency: time.Since(start),
		}
	}

	active, max := c.server.ConnectionStats()
	status := StatusHealthy
	message := "ok"
	utilization := 0.0
	if max > 0 {
		utilization = float64(active) / float64(max)
		if utilization > 0.8 {
			status = StatusDegraded
			message = "high connection usage"
		}
		if utilization > 0.95 {
			status = StatusUnhealthy
			message = "connection limit near exhausted"
		}
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"active_connections": active,
			"max_connections":    max,
			"online_cabinets":    c.reg.OnlineCount(time.Now()),
			"utilization":        fmt.Sprintf("%.1f%%", utilization*100),
		},
		Latency: time.Since(start),
	}
}
