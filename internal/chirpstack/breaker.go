package chirpstack

import (
	"errors"
	"sync"
	"time"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常放行
	BreakerOpen                         // 熔断，直接拒绝
	BreakerHalfOpen                     // 试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen 网络服务器连续瞬时失败，暂停调用
var ErrBreakerOpen = errors.New("network server circuit open")

// Breaker 网络服务器熔断器：只统计瞬时失败（网络/5xx/429），4xx 不计入
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	probing   bool
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	onStateChange func(from, to BreakerState)
}

// NewBreaker 创建熔断器
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow 调用前检查；半开状态只放行一个试探请求
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.transitionTo(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record 记录调用结果；transient=true 表示瞬时失败
func (b *Breaker) Record(transient bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if !transient {
		b.failures = 0
		if b.state != BreakerClosed {
			b.transitionTo(BreakerClosed)
		}
		return
	}

	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transitionTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.openedAt = b.now()
		b.transitionTo(BreakerOpen)
	}
}

// State 当前状态
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetStateChangeCallback 设置状态变化回调（同步调用，回调内不可再访问熔断器）
func (b *Breaker) SetStateChangeCallback(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

func (b *Breaker) transitionTo(s BreakerState) {
	if b.state == s {
		return
	}
	from := b.state
	b.state = s
	if b.onStateChange != nil {
		b.onStateChange(from, s)
	}
}
