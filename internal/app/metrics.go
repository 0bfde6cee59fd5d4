package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taoyao-code/meter-dispatch/internal/metrics"
)

// NewMetrics 初始化注册表与业务指标，并登记实例信息
func NewMetrics(appName, instance string) (*prometheus.Registry, *metrics.AppMetrics) {
	reg := metrics.NewRegistry()
	appm := metrics.NewAppMetrics(reg)
	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meter_dispatch_instance_info",
		Help: "Static instance labels; value is always 1.",
	}, []string{"app", "instance"})
	reg.MustRegister(info)
	info.WithLabelValues(appName, instance).Set(1)
	return reg, appm
}
