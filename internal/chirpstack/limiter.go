package chirpstack

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Limiter 对网络服务器 API 的令牌桶限流
type Limiter struct {
	limiter *rate.Limiter
	waited  atomic.Int64
}

// NewLimiter ratePerSec<=0 时不限流
func NewLimiter(ratePerSec, burst int) *Limiter {
	if ratePerSec <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = ratePerSec * 2
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Wait 阻塞直到获得令牌或 ctx 结束
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.waited.Add(1)
	return l.limiter.Wait(ctx)
}

// Waited 累计等待次数
func (l *Limiter) Waited() int64 {
	if l == nil {
		return 0
	}
	return l.waited.Load()
}
