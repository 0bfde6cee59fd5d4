package health

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	redisstorage "github.com/taoyao-code/meter-dispatch/internal/storage/redis"
)

// DatabaseChecker 指令表所在 PostgreSQL
type DatabaseChecker struct {
	pool *pgxpool.Pool
}

func NewDatabaseChecker(pool *pgxpool.Pool) *DatabaseChecker {
	return &DatabaseChecker{pool: pool}
}

func (c *DatabaseChecker) Name() string { return "database" }

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.pool.Ping(ctx); err != nil {
		return failed(start, "ping", err)
	}
	st := c.pool.Stat()
	return poolResult(start, int64(st.AcquiredConns()), int64(st.MaxConns()), map[string]interface{}{
		"total_conns":    st.TotalConns(),
		"idle_conns":     st.IdleConns(),
		"acquired_conns": st.AcquiredConns(),
		"max_conns":      st.MaxConns(),
	})
}

// RedisChecker 设置缓存与扫描锁所在 Redis；通常经 Optional 包装
type RedisChecker struct {
	client *redisstorage.Client
}

func NewRedisChecker(client *redisstorage.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.client.HealthCheck(ctx); err != nil {
		return failed(start, "ping", err)
	}
	st := c.client.Stats()
	res := poolResult(start, int64(st.TotalConns-st.IdleConns), int64(st.TotalConns), map[string]interface{}{
		"total_conns": st.TotalConns,
		"idle_conns":  st.IdleConns,
		"hits":        st.Hits,
		"misses":      st.Misses,
		"timeouts":    st.Timeouts,
	})
	// 空闲连接总被用尽时 TotalConns==used，不视为耗尽
	if res.Status == StatusUnhealthy {
		res.Status, res.Message = StatusDegraded, "no idle connections"
	}
	return res
}
