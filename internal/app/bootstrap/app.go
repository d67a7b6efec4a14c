package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/cabinet-server/internal/api"
	"github.com/taoyao-code/cabinet-server/internal/app"
	"github.com/taoyao-code/cabinet-server/internal/commands"
	cfgpkg "github.com/taoyao-code/cabinet-server/internal/config"
	"github.com/taoyao-code/cabinet-server/internal/gateway"
	"github.com/taoyao-code/cabinet-server/internal/health"
	"github.com/taoyao-code/cabinet-server/internal/httpserver"
	"github.com/taoyao-code/cabinet-server/internal/metrics"
	"github.com/taoyao-code/cabinet-server/internal/monitor"
	"github.com/taoyao-code/cabinet-server/internal/reconcile"
	"github.com/taoyao-code/cabinet-server/internal/registry"
	redisstore "github.com/taoyao-code/cabinet-server/internal/storage/redis"
	"github.com/taoyao-code/cabinet-server/internal/tcpserver"
	"github.com/taoyao-code/cabinet-server/internal/vendorsync"
)

// Run 统一启动流程：依赖就绪后才开放 TCP 入口。
// 顺序：指标 → 数据库 → Redis → 核心组件 → HTTP → 后台循环 → TCP。
func Run(cfg *cfgpkg.Config, log *zap.Logger) error {
	log.Info("starting cabinet server", zap.String("app", cfg.App.Name))

	// 阶段1: 基础组件
	promReg := metrics.NewRegistry()
	appm := metrics.NewAppMetrics(promReg)
	metricsHandler := metrics.Handler(promReg)
	ready := health.New()

	// 阶段2: 数据库（失败直接返回，不降级启动）
	repo, err := app.OpenRepo(cfg.Database, log)
	if err != nil {
		log.Error("database initialization failed", zap.Error(err))
		return err
	}
	pool, err := app.ConnectPool(cfg.Database)
	if err != nil {
		log.Error("database pool failed", zap.Error(err))
		return err
	}
	defer pool.Close()
	ready.SetDBReady(true)
	log.Info("database ready", zap.String("dsn", app.MaskDSN(cfg.Database.DSN)))

	// 阶段3: Redis（可选）
	redisClient, err := app.NewRedisClient(cfg.Redis, log)
	if err != nil {
		log.Error("redis initialization failed", zap.Error(err))
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// 阶段4: 核心组件
	reg := registry.New(cfg.Cabinet.HeartbeatTimeout)
	reconciler := reconcile.New(repo, log, appm)
	dispatcher := commands.New(reg, repo, log, appm, cfg.Cabinet.CommandTimeout)
	gw := gateway.New(log, reg, repo, reconciler, dispatcher, appm)

	var vendorClient *vendorsync.Client
	if cfg.Vendor.Enabled {
		var tokens *redisstore.TokenCache
		if redisClient != nil {
			tokens = redisstore.NewTokenCache(redisClient, "")
		}
		vendorClient = vendorsync.NewClient(cfg.Vendor, log, tokens)
	}

	// 阶段5: HTTP 服务
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, metricsHandler, ready.Ready)

	healthAgg := health.NewAggregator(health.NewDatabaseChecker(pool))
	if redisClient != nil {
		healthAgg.AddChecker(health.NewRedisChecker(redisClient))
	}
	health.RegisterHTTPRoutes(httpSrv.Engine(), healthAgg)
	api.RegisterRoutes(httpSrv.Engine(), cfg.API, api.Handlers{
		ReadOnly:  api.NewReadOnlyHandler(repo, reg, log),
		Ops:       api.NewOpsHandler(dispatcher, vendorClient, log),
		Heartbeat: api.NewHeartbeatHandler(repo, reg, reconciler, log),
	}, log)

	go func() {
		if err := httpSrv.Start(); err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("http server started", zap.String("addr", cfg.HTTP.Addr))

	// 阶段6: 后台循环
	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()

	offline := monitor.NewOffline(repo, reg, log, appm,
		cfg.Cabinet.OfflineSweepInterval, cfg.Cabinet.HeartbeatTimeout)
	go offline.Start(loopCtx)

	if vendorClient != nil {
		syncer := vendorsync.NewSyncer(cfg.Vendor, vendorClient, repo, reg, log, appm)
		go syncer.Start(loopCtx)
	}

	// 阶段7: TCP 网关（依赖全部就绪后才开放）
	tcpSrv := tcpserver.New(cfg.TCP, log)
	tcpSrv.SetMetricsCallbacks(
		func() { appm.TCPAccepted.Inc() },
		func(n int) { appm.TCPBytesReceived.Add(float64(n)) },
	)
	tcpSrv.SetConnHandler(gw.HandleConn)
	if err := tcpSrv.Start(); err != nil {
		log.Error("tcp server start failed", zap.Error(err))
		return err
	}
	ready.SetTCPReady(true)
	healthAgg.AddChecker(health.NewTCPChecker(tcpSrv, reg))
	log.Info("tcp server started", zap.String("addr", cfg.TCP.Addr))
	log.Info("all services ready, waiting for cabinets")

	// 阶段8: 等待关闭信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("received shutdown signal, gracefully shutting down")
	loopCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	log.Info("http server stopped")
	_ = tcpSrv.Shutdown(ctx)
	log.Info("tcp server stopped")

	log.Info("shutdown complete")
	return nil
}
