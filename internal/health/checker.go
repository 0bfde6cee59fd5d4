package health

import (
	"context"
	"fmt"
	"time"
)

// Status 健康状态；degraded 仍可服务
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult 单个检查器输出
type CheckResult struct {
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Latency time.Duration          `json:"latency"`
}

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// 连接池占用率超过该值降级
const poolDegradedRatio = 0.9

// poolResult 按连接池占用率给出状态，满载为不健康
func poolResult(start time.Time, used, capacity int64, details map[string]interface{}) CheckResult {
	ratio := 0.0
	if capacity > 0 {
		ratio = float64(used) / float64(capacity)
	}
	details["utilization"] = fmt.Sprintf("%.1f%%", ratio*100)
	res := CheckResult{Status: StatusHealthy, Message: "ok", Details: details}
	switch {
	case capacity > 0 && ratio >= 1:
		res.Status, res.Message = StatusUnhealthy, "connection pool exhausted"
	case ratio > poolDegradedRatio:
		res.Status, res.Message = StatusDegraded, "connection pool near limit"
	}
	res.Latency = time.Since(start)
	return res
}

func failed(start time.Time, what string, err error) CheckResult {
	return CheckResult{
		Status:  StatusUnhealthy,
		Message: fmt.Sprintf("%s: %v", what, err),
		Latency: time.Since(start),
	}
}
