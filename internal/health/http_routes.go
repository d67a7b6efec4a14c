package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RegisterHTTPRoutes 注册健康检查路由：
// /health/ready 就绪探针、/health/live 存活探针、/health 详细报告
func RegisterHTTPRoutes(r *gin.Engine, aggregator *Aggregator) {
	r.GET("/health/ready", func(c *gin.Context) {
		if !aggregator.Ready(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ready": true})
	})

	r.GET("/health/live", func(c *gin.Context) {
		// 进程能应答即存活
		c.JSON(http.StatusOK, gin.H{"alive": true})
	})

	r.GET("/health", func(c *gin.Context) {
		results := aggregator.CheckAll(c.Request.Context())
		overall := Summarize(results)

		// Degraded 仍返回 200，表示尚可服务
		code := http.StatusOK
		if overall == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    overall,
			"timestamp": time.Now(),
			"checks":    results,
		})
	})
}
