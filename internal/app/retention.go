package app

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/meter-dispatch/internal/storage"
)

// RetentionCleaner 定期删除超过保留期的终态指令
type RetentionCleaner struct {
	purger        storage.Purger
	retention     time.Duration
	checkInterval time.Duration
	logger        *zap.Logger
	now           func() time.Time

	statsCleaned atomic.Int64
}

// NewRetentionCleaner 创建清理器；retention<=0 时 Start 直接返回
func NewRetentionCleaner(purger storage.Purger, retention, interval time.Duration, logger *zap.Logger) *RetentionCleaner {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionCleaner{
		purger:        purger,
		retention:     retention,
		checkInterval: interval,
		logger:        logger,
		now:           time.Now,
	}
}

// Start 阻塞运行直到 ctx 取消
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c.purger == nil || c.retention <= 0 {
		c.logger.Info("retention cleaner disabled")
		return
	}
	c.logger.Info("retention cleaner started",
		zap.Duration("retention", c.retention),
		zap.Duration("check_interval", c.checkInterval))

	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("retention cleaner stopped",
				zap.Int64("total_cleaned", c.statsCleaned.Load()))
			return
		case <-ticker.C:
			c.CleanOnce(ctx)
		}
	}
}

// CleanOnce 执行一次清理，返回删除条数
func (c *RetentionCleaner) CleanOnce(ctx context.Context) int64 {
	cutoff := c.now().Add(-c.retention)
	cleaned, err := c.purger.PurgeTerminal(ctx, cutoff)
	if err != nil {
		c.logger.Error("purge terminal commands failed", zap.Error(err), zap.Time("cutoff", cutoff))
		return 0
	}
	if cleaned > 0 {
		total := c.statsCleaned.Add(cleaned)
		c.logger.Info("purged terminal commands",
			zap.Int64("cleaned", cleaned),
			zap.Time("cutoff", cutoff),
			zap.Int64("total_cleaned", total))
	}
	return cleaned
}

// Stats 累计清理数
func (c *RetentionCleaner) Stats() map[string]interface{} {
	return map[string]interface{}{
		"total_cleaned": c.statsCleaned.Load(),
	}
}
