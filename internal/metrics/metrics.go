package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 下行调度业务指标
type AppMetrics struct {
	DownlinkRequests   *prometheus.CounterVec   // labels: op=enqueue|list|flush, outcome=ok|transient|permanent
	DownlinkDuration   *prometheus.HistogramVec // labels: op
	BreakerState       prometheus.Gauge         // 0=closed 1=open 2=half_open
	CommandsClaimed    prometheus.Counter
	CommandTransitions *prometheus.CounterVec // labels: status
	TickDuration       prometheus.Histogram
	TickErrors         prometheus.Counter
	SweepTotal         *prometheus.CounterVec // labels: mode=active|dry_run
	SweepEnqueued      *prometheus.CounterVec // labels: kind
	QueueDepth         *prometheus.GaugeVec   // labels: status
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		DownlinkRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downlink_requests_total",
			Help: "Network server API calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		DownlinkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "downlink_request_duration_seconds",
			Help:    "Latency of network server API calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "downlink_breaker_state",
			Help: "Network server circuit breaker state (0=closed,1=open,2=half_open).",
		}),
		CommandsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_commands_claimed_total",
			Help: "Commands claimed by dispatcher ticks.",
		}),
		CommandTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_command_transitions_total",
			Help: "Command status transitions recorded by the dispatcher.",
		}, []string{"status"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_tick_duration_seconds",
			Help:    "Duration of dispatcher ticks.",
			Buckets: prometheus.DefBuckets,
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_tick_errors_total",
			Help: "Dispatcher ticks aborted by internal errors.",
		}),
		SweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_sweep_total",
			Help: "Credit control sweeps by mode.",
		}, []string{"mode"}),
		SweepEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_commands_enqueued_total",
			Help: "Commands enqueued by credit control sweeps.",
		}, []string{"kind"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "command_store_depth",
			Help: "Number of commands per status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.DownlinkRequests, m.DownlinkDuration, m.BreakerState,
		m.CommandsClaimed, m.CommandTransitions, m.TickDuration, m.TickErrors,
		m.SweepTotal, m.SweepEnqueued, m.QueueDepth,
	)
	return m
}
