package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/gorm"

	cfgpkg "github.com/taoyao-code/meter-dispatch/internal/config"
	"github.com/taoyao-code/meter-dispatch/internal/storage"
	"github.com/taoyao-code/meter-dispatch/internal/storage/memory"
	pgstorage "github.com/taoyao-code/meter-dispatch/internal/storage/pg"
)

// Store 指令存储及其附属能力
type Store interface {
	storage.CommandStore
	storage.SnapshotSource
	storage.DeviceDirectory
	storage.Purger
}

// Storage 存储层组装结果；memory 驱动时 Pool 与 Gorm 为 nil
type Storage struct {
	Store Store
	Pool  *pgxpool.Pool
	Gorm  *gorm.DB
}

// Close 释放连接池
func (s *Storage) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// OpenStorage 按 storage.driver 选择 PostgreSQL 或内存实现
func OpenStorage(ctx context.Context, cfg *cfgpkg.Config, log *zap.Logger) (*Storage, error) {
	if cfg.Storage.Driver == "memory" {
		log.Warn("using in-memory command store, data is lost on restart")
		return &Storage{Store: memory.NewStore()}, nil
	}
	pool, err := ConnectDBAndMigrate(ctx, cfg.Database, cfg.App.Name, log)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}
	gdb, err := OpenGorm(pool, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Storage{Store: &pgstorage.Repository{Pool: pool}, Pool: pool, Gorm: gdb}, nil
}
