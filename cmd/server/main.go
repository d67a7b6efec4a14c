package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/taoyao-code/cabinet-server/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/cabinet-server/internal/config"
	"github.com/taoyao-code/cabinet-server/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（默认 configs/example.yaml，可用 CAB_CONFIG 覆盖）")
	flag.Parse()

	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := bootstrap.Run(cfg, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}
