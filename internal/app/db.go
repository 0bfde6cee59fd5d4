package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	cfgpkg "github.com/taoyao-code/meter-dispatch/internal/config"
	"github.com/taoyao-code/meter-dispatch/internal/migrate"
	pgstorage "github.com/taoyao-code/meter-dispatch/internal/storage/pg"
)

// ConnectDBAndMigrate 建立数据库连接并按需执行内置迁移
func ConnectDBAndMigrate(ctx context.Context, cfg cfgpkg.DatabaseConfig, appName string, log *zap.Logger) (*pgxpool.Pool, error) {
	dbpool, err := pgstorage.NewPool(ctx, pgstorage.PoolOptions{
		DSN:         cfg.DSN,
		MaxConns:    cfg.MaxOpenConns,
		MinConns:    cfg.MaxIdleConns,
		MaxLifetime: cfg.ConnMaxLifetime,
		AppName:     appName,
	}, log)
	if err != nil {
		log.Error("db connect error", zap.Error(err))
		return nil, err
	}
	if cfg.AutoMigrate {
		if err = (migrate.Runner{FS: migrate.Embedded(), Logger: log}).Up(ctx, dbpool); err != nil {
			log.Error("db migrate error", zap.Error(err))
			return dbpool, err
		}
		log.Info("db migrations applied")
	}
	return dbpool, nil
}

// OpenGorm 在同一连接池上打开 gorm（设置仓储使用）
func OpenGorm(pool *pgxpool.Pool, log *zap.Logger) (*gorm.DB, error) {
	sqlDB := stdlib.OpenDBFromPool(pool)
	return gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.New(zapPrintf{log.Named("gorm").Sugar()}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
}

// zapPrintf gorm 日志写入 zap
type zapPrintf struct{ s *zap.SugaredLogger }

func (p zapPrintf) Printf(format string, args ...interface{}) { p.s.Warnf(format, args...) }
