package health

import (
	"context"
	"fmt"
	"time"

	"github.com/taoyao-code/meter-dispatch/internal/chirpstack"
	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
	"github.com/taoyao-code/meter-dispatch/internal/dispatch"
	"github.com/taoyao-code/meter-dispatch/internal/storage"
)

// NetworkServerChecker 按熔断器状态判断网络服务器可用性
type NetworkServerChecker struct {
	breaker *chirpstack.Breaker
}

func NewNetworkServerChecker(b *chirpstack.Breaker) *NetworkServerChecker {
	return &NetworkServerChecker{breaker: b}
}

func (c *NetworkServerChecker) Name() string { return "network_server" }

// Check 熔断打开为不健康，半开为降级
func (c *NetworkServerChecker) Check(context.Context) CheckResult {
	start := time.Now()
	if c.breaker == nil {
		return CheckResult{Status: StatusHealthy, Message: "breaker disabled", Latency: time.Since(start)}
	}
	st := c.breaker.State()
	res := CheckResult{
		Status:  StatusHealthy,
		Message: "ok",
		Details: map[string]interface{}{"breaker": st.String()},
	}
	switch st {
	case chirpstack.BreakerOpen:
		res.Status, res.Message = StatusUnhealthy, "circuit open"
	case chirpstack.BreakerHalfOpen:
		res.Status, res.Message = StatusDegraded, "circuit half open"
	}
	res.Latency = time.Since(start)
	return res
}

// StatsSource dispatch.Dispatcher
type StatsSource interface {
	Stats() dispatch.Stats
}

// DispatcherChecker tick 停滞超过 staleAfter 视为降级
type DispatcherChecker struct {
	src        StatsSource
	staleAfter time.Duration
	now        func() time.Time
}

func NewDispatcherChecker(src StatsSource, tickInterval time.Duration) *DispatcherChecker {
	stale := 3 * tickInterval
	if stale <= 0 {
		stale = time.Minute
	}
	return &DispatcherChecker{src: src, staleAfter: stale, now: time.Now}
}

func (c *DispatcherChecker) Name() string { return "dispatcher" }

func (c *DispatcherChecker) Check(context.Context) CheckResult {
	start := time.Now()
	s := c.src.Stats()
	res := CheckResult{
		Status:  StatusHealthy,
		Message: "ok",
		Details: map[string]interface{}{
			"owner":   s.Owner,
			"running": s.Running,
			"ticks":   s.Ticks,
			"sent":    s.Sent,
			"failed":  s.Failed,
		},
	}
	switch {
	case !s.Running:
		res.Status, res.Message = StatusUnhealthy, "dispatcher not running"
	case s.LastTick != nil && c.now().Sub(*s.LastTick) > c.staleAfter:
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("last tick %s ago", c.now().Sub(*s.LastTick).Truncate(time.Second))
	case s.LastError != "":
		res.Status, res.Message = StatusDegraded, s.LastError
	}
	res.Latency = time.Since(start)
	return res
}

// QueueChecker 指令队列积压：pending 超过上限视为降级
type QueueChecker struct {
	store      storage.CommandStore
	maxPending int64
}

func NewQueueChecker(store storage.CommandStore, maxPending int64) *QueueChecker {
	return &QueueChecker{store: store, maxPending: maxPending}
}

func (c *QueueChecker) Name() string { return "command_queue" }

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return failed(start, "queue stats", err)
	}
	details := make(map[string]interface{}, len(stats))
	for k, v := range stats {
		details[string(k)] = v
	}
	res := CheckResult{Status: StatusHealthy, Message: "ok", Details: details}
	if c.maxPending > 0 && stats[coremodel.StatusPending] > c.maxPending {
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("pending backlog %d exceeds %d", stats[coremodel.StatusPending], c.maxPending)
	}
	res.Latency = time.Since(start)
	return res
}
