package policy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/meter-dispatch/internal/audit"
	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
	"github.com/taoyao-code/meter-dispatch/internal/dispatch"
	"github.com/taoyao-code/meter-dispatch/internal/metrics"
	"github.com/taoyao-code/meter-dispatch/internal/settings"
	"github.com/taoyao-code/meter-dispatch/internal/storage"
)

// Actor 策略生成指令的 created_by
const Actor = "policy"

// MinThreshold 复电阈值下限；配置为 0 或负数时使用，保证 D⁻ 与 D⁺ 不相交
const MinThreshold = 0.01

const sweepLockName = "policy:sweep"

var switchKinds = []coremodel.CommandKind{coremodel.KindSwitchOn, coremodel.KindSwitchOff}

// FlagSource 设置读取（settings.Provider）
type FlagSource interface {
	Bool(ctx context.Context, key string, def bool) (bool, error)
	Number(ctx context.Context, key string, def float64) (float64, error)
}

// Locker 多副本互斥（storage/redis.Lock）
type Locker interface {
	TryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name, owner string) (bool, error)
}

// Config 策略参数
type Config struct {
	ThresholdReconnect float64
	Interval           time.Duration
	Timeout            time.Duration
	LockTTL            time.Duration
}

// 明细状态
const (
	DetailEnqueued      = "enqueued"
	DetailAlreadyActive = "already_active"
	DetailDryRun        = "dry_run"
	DetailError         = "error"
)

// Detail 单个电表的评估结果
type Detail struct {
	DeviceEUI  coremodel.DeviceEUI   `json:"device_eui"`
	UnitID     int64                 `json:"unit_id"`
	UnitNumber string                `json:"unit_number,omitempty"`
	Balance    float64               `json:"balance"`
	WouldSend  coremodel.CommandKind `json:"would_send,omitempty"`
	Enqueued   coremodel.CommandKind `json:"enqueued,omitempty"`
	Status     string                `json:"status"`
	CommandID  int64                 `json:"command_id,omitempty"`
	Message    string                `json:"message,omitempty"`
}

// SweepResult 一次扫描的汇总
type SweepResult struct {
	Status              string    `json:"status"`
	Timestamp           time.Time `json:"timestamp"`
	CreditControlActive bool      `json:"credit_control_active"`
	MetersProcessed     int       `json:"meters_processed"`
	CommandsEnqueued    int       `json:"commands_enqueued"`
	DryRun              bool      `json:"dry_run"`
	ThresholdReconnect  float64   `json:"threshold_reconnect"`
	Details             []Detail  `json:"details"`
}

// Evaluator 将余额快照转换为断电/复电指令
type Evaluator struct {
	store    storage.CommandStore
	snapshot storage.SnapshotSource
	flags    FlagSource
	locker   Locker
	audit    audit.Emitter
	metrics  *metrics.AppMetrics
	logger   *zap.Logger
	cfg      Config
	owner    string
}

// Option 可选依赖
type Option func(*Evaluator)

func WithLocker(l Locker) Option               { return func(e *Evaluator) { e.locker = l } }
func WithAudit(a audit.Emitter) Option         { return func(e *Evaluator) { e.audit = a } }
func WithMetrics(m *metrics.AppMetrics) Option { return func(e *Evaluator) { e.metrics = m } }
func WithLogger(l *zap.Logger) Option          { return func(e *Evaluator) { e.logger = l } }

// NewEvaluator 创建策略评估器
func NewEvaluator(store storage.CommandStore, snapshot storage.SnapshotSource, flags FlagSource, cfg Config, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:    store,
		snapshot: snapshot,
		flags:    flags,
		audit:    audit.Nop{},
		logger:   zap.NewNop(),
		cfg:      cfg,
		owner:    uuid.NewString(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Evaluator) creditControl(ctx context.Context) bool {
	on, err := e.flags.Bool(ctx, settings.KeyCreditControl, false)
	if err != nil {
		// 读取失败按安全模式处理
		e.logger.Warn("credit control flag unavailable, running dry", zap.Error(err))
		return false
	}
	return on
}

func (e *Evaluator) threshold(ctx context.Context) float64 {
	t := e.cfg.ThresholdReconnect
	if v, err := e.flags.Number(ctx, settings.KeyThresholdReconnect, t); err != nil {
		e.logger.Warn("threshold setting invalid, using config value",
			zap.Float64("threshold", t), zap.Error(err))
	} else {
		t = v
	}
	if t <= 0 {
		t = MinThreshold
	}
	return t
}

// decide 返回该电表应下发的指令类型与优先级；无需动作返回空
func decide(b coremodel.MeterBalance, threshold float64) (coremodel.CommandKind, int) {
	lastOff := b.LastExecutedKind != nil && *b.LastExecutedKind == coremodel.KindSwitchOff
	switch {
	case b.ElectricityBalance <= 0:
		if !lastOff {
			return coremodel.KindSwitchOff, dispatch.PriorityDisconnect
		}
	case b.ElectricityBalance > threshold:
		// 等于阈值仍视为断电状态
		if lastOff {
			return coremodel.KindSwitchOn, dispatch.PriorityReconnect
		}
	}
	return "", 0
}

// Sweep 执行一次信用控制扫描。开关关闭时只报告不入队；
// 重复扫描同一快照不会产生新的指令。
func (e *Evaluator) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	active := e.creditControl(ctx)
	threshold := e.threshold(ctx)

	res := &SweepResult{
		Status:              "success",
		Timestamp:           now,
		CreditControlActive: active,
		DryRun:              !active,
		ThresholdReconnect:  threshold,
		Details:             []Detail{},
	}

	balances, err := e.snapshot.Balances(ctx)
	if err != nil {
		return nil, err
	}

	for _, b := range balances {
		if err := ctx.Err(); err != nil {
			res.Status = "timeout"
			e.logger.Warn("sweep deadline reached",
				zap.Int("meters_processed", res.MetersProcessed), zap.Int("meters_total", len(balances)))
			e.finish(ctx, res)
			return res, err
		}
		res.MetersProcessed++

		kind, prio := decide(b, threshold)
		if kind == "" {
			continue
		}
		d := Detail{DeviceEUI: b.DeviceEUI, UnitID: b.UnitID, UnitNumber: b.UnitNumber, Balance: b.ElectricityBalance}

		if !active {
			existing, err := e.store.ActiveCommand(ctx, b.DeviceEUI, kind)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				continue
			}
			d.WouldSend = kind
			d.Status = DetailDryRun
			e.logger.Info("dry run: would send",
				zap.String("device_eui", string(b.DeviceEUI)),
				zap.String("kind", string(kind)),
				zap.Float64("balance", b.ElectricityBalance))
			res.Details = append(res.Details, d)
			continue
		}

		cmd := coremodel.NewCommand(b.DeviceEUI, kind, nil, prio, Actor)
		id, err := e.store.Insert(ctx, cmd)
		switch {
		case err == nil:
			res.CommandsEnqueued++
			d.Enqueued = kind
			d.Status = DetailEnqueued
			d.CommandID = id
			if e.metrics != nil {
				e.metrics.SweepEnqueued.WithLabelValues(string(kind)).Inc()
			}
			e.audit.Emit(ctx, audit.CommandEvent(audit.EventCommandEnqueued, cmd))
			e.logger.Info("command enqueued by sweep",
				zap.Int64("command_id", id),
				zap.String("device_eui", string(b.DeviceEUI)),
				zap.String("kind", string(kind)),
				zap.Float64("balance", b.ElectricityBalance))
		case errors.Is(err, coremodel.ErrConflict):
			// 已有活动指令，不重复入队
			existing, _ := coremodel.ExistingID(err)
			d.Status = DetailAlreadyActive
			d.CommandID = existing
			d.WouldSend = kind
		default:
			var ie *coremodel.InternalError
			if errors.As(err, &ie) {
				return nil, err
			}
			d.Status = DetailError
			d.Message = err.Error()
			e.logger.Error("sweep insert failed",
				zap.String("device_eui", string(b.DeviceEUI)), zap.String("kind", string(kind)), zap.Error(err))
		}
		res.Details = append(res.Details, d)
	}

	e.finish(ctx, res)
	return res, nil
}

func (e *Evaluator) finish(ctx context.Context, res *SweepResult) {
	mode := "active"
	if res.DryRun {
		mode = "dry_run"
	}
	if e.metrics != nil {
		e.metrics.SweepTotal.WithLabelValues(mode).Inc()
	}
	e.audit.Emit(ctx, audit.NewEvent(audit.EventSweepCompleted, map[string]any{
		"mode":              mode,
		"status":            res.Status,
		"meters_processed":  res.MetersProcessed,
		"commands_enqueued": res.CommandsEnqueued,
		"candidates":        len(res.Details),
	}))
	e.logger.Info("credit control sweep complete",
		zap.String("mode", mode),
		zap.String("status", res.Status),
		zap.Bool("credit_control_active", res.CreditControlActive),
		zap.Int("meters_processed", res.MetersProcessed),
		zap.Int("commands_enqueued", res.CommandsEnqueued),
		zap.Float64("threshold_reconnect", res.ThresholdReconnect))
}

// ReportEntry 欠费电表
type ReportEntry struct {
	DeviceEUI  coremodel.DeviceEUI `json:"device_eui"`
	UnitID     int64               `json:"unit_id"`
	UnitNumber string              `json:"unit_number,omitempty"`
	DeviceType string              `json:"device_type,omitempty"`
	Balance    float64             `json:"balance"`
	Suspended  bool                `json:"is_suspended"`
}

// Report 欠费报告
type Report struct {
	Status      string        `json:"status"`
	Timestamp   time.Time     `json:"timestamp"`
	TotalMeters int           `json:"total_meters"`
	Meters      []ReportEntry `json:"meters"`
}

// Report 余额 <= 0 的电表列表；最近一次执行的开关指令为 switch_off 视为已断电
func (e *Evaluator) Report(ctx context.Context, now time.Time) (*Report, error) {
	balances, err := e.snapshot.Balances(ctx)
	if err != nil {
		return nil, err
	}
	r := &Report{Status: "success", Timestamp: now, Meters: []ReportEntry{}}
	for _, b := range balances {
		if b.ElectricityBalance > 0 {
			continue
		}
		r.Meters = append(r.Meters, ReportEntry{
			DeviceEUI:  b.DeviceEUI,
			UnitID:     b.UnitID,
			UnitNumber: b.UnitNumber,
			DeviceType: b.DeviceType,
			Balance:    b.ElectricityBalance,
			Suspended:  b.LastExecutedKind != nil && *b.LastExecutedKind == coremodel.KindSwitchOff,
		})
	}
	r.TotalMeters = len(r.Meters)
	e.logger.Info("zero balance report generated", zap.Int("total_meters", r.TotalMeters))
	return r, nil
}

// RunOnce 带超时与分布式锁的单次扫描；未拿到锁返回 nil, nil
func (e *Evaluator) RunOnce(ctx context.Context) (*SweepResult, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	if e.locker != nil {
		ttl := e.cfg.LockTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		ok, err := e.locker.TryLock(ctx, sweepLockName, e.owner, ttl)
		if err != nil {
			e.logger.Warn("sweep lock unavailable, running without lock", zap.Error(err))
		} else if !ok {
			e.logger.Debug("sweep lock held by another instance, skipping")
			return nil, nil
		} else {
			defer func() {
				if _, err := e.locker.Unlock(context.WithoutCancel(ctx), sweepLockName, e.owner); err != nil {
					e.logger.Warn("sweep unlock failed", zap.Error(err))
				}
			}()
		}
	}
	return e.Sweep(ctx, time.Now())
}

// Run 按间隔周期扫描，ctx 结束时退出
func (e *Evaluator) Run(ctx context.Context) {
	interval := e.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	e.logger.Info("credit control evaluator started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("credit control evaluator stopped")
			return
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("credit control sweep failed", zap.Error(err))
			}
		}
	}
}
