package health

import "sync/atomic"

// Readiness 启动阶段就绪标记：存储可用且调度器通过自检
type Readiness struct {
	storeReady      atomic.Bool
	dispatcherReady atomic.Bool
}

func New() *Readiness { return &Readiness{} }

func (r *Readiness) SetStoreReady(v bool)      { r.storeReady.Store(v) }
func (r *Readiness) SetDispatcherReady(v bool) { r.dispatcherReady.Store(v) }

// Ready 各子系统均为 true
func (r *Readiness) Ready() bool {
	return r.storeReady.Load() && r.dispatcherReady.Load()
}
