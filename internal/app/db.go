package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	cfgpkg "github.com/taoyao-code/cabinet-server/internal/config"
	"github.com/taoyao-code/cabinet-server/internal/storage"
	"github.com/taoyao-code/cabinet-server/internal/storage/gormrepo"
	"github.com/taoyao-code/cabinet-server/internal/storage/pg"
)

// OpenRepo 打开 PostgreSQL、执行迁移并返回核心存储仓
func OpenRepo(cfg cfgpkg.DatabaseConfig, log *zap.Logger) (storage.CoreRepo, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := gormrepo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("database migrated", zap.String("dsn", MaskDSN(cfg.DSN)))
	return gormrepo.New(db), nil
}

// ConnectPool 创建 pgx 连接池（健康检查专用）
func ConnectPool(cfg cfgpkg.DatabaseConfig) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return pg.NewPool(ctx, cfg)
}

// MaskDSN 脱敏数据库连接串（隐藏密码）
func MaskDSN(dsn string) string {
	if idx := strings.Index(dsn, "@"); idx > 0 {
		if pwdIdx := strings.LastIndex(dsn[:idx], ":"); pwdIdx > 0 {
			return dsn[:pwdIdx+1] + "****" + dsn[idx:]
		}
	}
	return dsn
}
