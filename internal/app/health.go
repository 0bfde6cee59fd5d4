package app

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/meter-dispatch/internal/chirpstack"
	"github.com/taoyao-code/meter-dispatch/internal/health"
	"github.com/taoyao-code/meter-dispatch/internal/storage"
)

// 积压超过该值视为降级
const maxPendingBacklog = 10000

// NewHealthAggregator 数据库（可选）与指令队列检查
func NewHealthAggregator(dbpool *pgxpool.Pool, store storage.CommandStore) *health.Aggregator {
	agg := health.NewAggregator(health.NewQueueChecker(store, maxPendingBacklog))
	if dbpool != nil {
		agg.AddChecker(health.NewDatabaseChecker(dbpool))
	}
	return agg
}

// AddDispatchCheckers 调度器启动后加入网络服务器与调度器检查
func AddDispatchCheckers(agg *health.Aggregator, breaker *chirpstack.Breaker, src health.StatsSource, tickInterval time.Duration) {
	agg.AddChecker(health.NewNetworkServerChecker(breaker))
	if src != nil {
		agg.AddChecker(health.NewDispatcherChecker(src, tickInterval))
	}
}

// RegisterHealthRoutes 注册健康检查路由
func RegisterHealthRoutes(r *gin.Engine, aggregator *health.Aggregator) {
	health.RegisterHTTPRoutes(r, aggregator)
}
