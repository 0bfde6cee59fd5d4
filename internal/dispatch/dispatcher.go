package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/meter-dispatch/internal/audit"
	"github.com/taoyao-code/meter-dispatch/internal/chirpstack"
	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
	"github.com/taoyao-code/meter-dispatch/internal/metrics"
	"github.com/taoyao-code/meter-dispatch/internal/protocol/modbus"
	"github.com/taoyao-code/meter-dispatch/internal/storage"
)

// maxConsecutiveErrors 连续多少次 tick 内部错误后 Run 退出交由上层处理
const maxConsecutiveErrors = 5

// StoreHeadroom 下行完成后回写结果预留的时间
const StoreHeadroom = 10 * time.Second

// Downlinker 网络服务器下行接口（chirpstack.Client）
type Downlinker interface {
	Enqueue(ctx context.Context, devEUI coremodel.DeviceEUI, payload []byte, port int, confirmed bool) error
}

// configChecker 启动前自检，客户端可选实现
type configChecker interface {
	CheckConfig() error
}

// Config 调度参数
type Config struct {
	BatchSize    int
	TickInterval time.Duration
	TickTimeout  time.Duration
	AckTimeout   time.Duration
	RetryBase    time.Duration
	RetryCap     time.Duration
	ClaimLease   time.Duration
	// SendTimeout 单次下行上限，为 0 时取 chirpstack.DefaultTimeout
	SendTimeout time.Duration
}

func (c Config) sendTimeout() time.Duration {
	if c.SendTimeout > 0 {
		return c.SendTimeout
	}
	return chirpstack.DefaultTimeout
}

// MaxTickSpan 一轮 tick 从认领到最后一条结果回写的最长耗时
func (c Config) MaxTickSpan() time.Duration {
	return c.TickTimeout + c.sendTimeout() + StoreHeadroom
}

// Validate 非法参数返回 ConfigError
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return &coremodel.ConfigError{Key: "DISPATCH_BATCH_SIZE", Reason: "must be positive"}
	}
	if c.TickInterval <= 0 {
		return &coremodel.ConfigError{Key: "DISPATCH_TICK_INTERVAL", Reason: "must be positive"}
	}
	if c.RetryBase <= 0 || c.RetryCap < c.RetryBase {
		return &coremodel.ConfigError{Key: "RETRY_BASE/RETRY_CAP", Reason: "require 0 < base <= cap"}
	}
	if c.TickTimeout <= 0 {
		return &coremodel.ConfigError{Key: "DISPATCH_TICK_TIMEOUT", Reason: "must be positive"}
	}
	// 租约短于一轮 tick 时，其他实例会回收仍在发送中的记录
	if c.ClaimLease <= c.MaxTickSpan() {
		return &coremodel.ConfigError{
			Key:    "DISPATCH_CLAIM_LEASE",
			Reason: fmt.Sprintf("must exceed tick timeout + send timeout + %s (%s)", StoreHeadroom, c.MaxTickSpan()),
		}
	}
	return nil
}

// TickResult 单次 tick 统计
type TickResult struct {
	Expired   int `json:"expired"`
	Reclaimed int `json:"reclaimed"`
	Claimed   int `json:"claimed"`
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Stats 调度器运行状态
type Stats struct {
	Owner     string     `json:"owner"`
	Running   bool       `json:"running"`
	Ticks     int64      `json:"ticks"`
	Claimed   int64      `json:"claimed"`
	Sent      int64      `json:"sent"`
	Retried   int64      `json:"retried"`
	Failed    int64      `json:"failed"`
	Cancelled int64      `json:"cancelled"`
	Expired   int64      `json:"expired"`
	LastTick  *time.Time `json:"last_tick,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Dispatcher 驱动指令状态机：认领 -> 编码 -> 下行 -> 回写结果
type Dispatcher struct {
	store   storage.CommandStore
	client  Downlinker
	encoder *modbus.Encoder
	devices storage.DeviceDirectory
	audit   audit.Emitter
	metrics *metrics.AppMetrics
	logger  *zap.Logger
	cfg     Config
	owner   string

	randMu sync.Mutex
	rand   *rand.Rand

	running   atomic.Bool
	ticks     atomic.Int64
	claimed   atomic.Int64
	sent      atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	expired   atomic.Int64

	mu        sync.Mutex
	lastTick  time.Time
	lastError string
}

// Option 可选依赖
type Option func(*Dispatcher)

func WithAudit(a audit.Emitter) Option               { return func(d *Dispatcher) { d.audit = a } }
func WithMetrics(m *metrics.AppMetrics) Option       { return func(d *Dispatcher) { d.metrics = m } }
func WithLogger(l *zap.Logger) Option                { return func(d *Dispatcher) { d.logger = l } }
func WithDevices(dir storage.DeviceDirectory) Option { return func(d *Dispatcher) { d.devices = dir } }
func WithOwner(owner string) Option                  { return func(d *Dispatcher) { d.owner = owner } }

// WithRand 注入随机源（测试固定抖动）
func WithRand(r *rand.Rand) Option { return func(d *Dispatcher) { d.rand = r } }

// New 创建调度器；encoder 为空时使用默认 profile
func New(store storage.CommandStore, client Downlinker, encoder *modbus.Encoder, cfg Config, opts ...Option) *Dispatcher {
	if encoder == nil {
		encoder = modbus.NewEncoder(nil)
	}
	d := &Dispatcher{
		store:   store,
		client:  client,
		encoder: encoder,
		audit:   audit.Nop{},
		logger:  zap.NewNop(),
		cfg:     cfg,
		owner:   uuid.NewString(),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Owner 认领标识
func (d *Dispatcher) Owner() string { return d.owner }

// Preflight 检查配置与客户端凭据
func (d *Dispatcher) Preflight() error {
	if err := d.cfg.Validate(); err != nil {
		return err
	}
	if cc, ok := d.client.(configChecker); ok {
		if err := cc.CheckConfig(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) jitter() float64 {
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return d.rand.Float64()
}

// Run 周期执行 tick。配置错误立即返回；连续内部错误超过上限返回最后一个错误。
// 退出前将本实例认领未发送的记录回滚为 pending。
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Preflight(); err != nil {
		d.logger.Error("dispatcher refused to start", zap.Error(err))
		return err
	}
	d.running.Store(true)
	defer d.running.Store(false)
	defer d.Shutdown(context.WithoutCancel(ctx))

	d.logger.Info("dispatcher started",
		zap.String("owner", d.owner),
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Duration("tick_interval", d.cfg.TickInterval))

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return nil
		case <-ticker.C:
			_, err := d.runTick(ctx)
			if err == nil {
				consecutive = 0
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			var ce *coremodel.ConfigError
			if errors.As(err, &ce) {
				d.logger.Error("dispatcher halted by config error", zap.Error(err))
				return err
			}
			consecutive++
			if consecutive >= maxConsecutiveErrors {
				d.logger.Error("dispatcher halted after repeated internal errors",
					zap.Int("consecutive", consecutive), zap.Error(err))
				return err
			}
		}
	}
}

func (d *Dispatcher) runTick(ctx context.Context) (*TickResult, error) {
	tctx := ctx
	if d.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, d.cfg.TickTimeout)
		defer cancel()
	}
	return d.Tick(tctx, time.Now())
}

// Tick 执行一轮调度。单条指令的失败只影响该指令；存储内部错误中止本轮。
// ctx 只在认领前和每条指令开始前检查：结束后不再认领或开始新的下行，
// 已开始的下行及其结果回写照常完成，本轮未开始的记录回滚为 pending。
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) (res *TickResult, err error) {
	start := time.Now()
	res = &TickResult{}
	d.ticks.Add(1)
	defer func() {
		if d.metrics != nil {
			d.metrics.TickDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				d.metrics.TickErrors.Inc()
			}
		}
		d.mu.Lock()
		d.lastTick = now
		if err != nil {
			d.lastError = err.Error()
		} else {
			d.lastError = ""
		}
		d.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch tick aborted", zap.Error(err))
		}
	}()

	if d.cfg.AckTimeout > 0 {
		expired, err := d.store.ExpireSent(ctx, now.Add(-d.cfg.AckTimeout), now)
		if err != nil {
			return res, err
		}
		for i := range expired {
			d.recordExpired(ctx, &expired[i])
		}
		res.Expired = len(expired)
	}

	if d.cfg.ClaimLease > 0 {
		n, err := d.store.ReclaimExpired(ctx, now.Add(-d.cfg.ClaimLease))
		if err != nil {
			return res, err
		}
		if n > 0 {
			d.logger.Warn("reclaimed stale claims", zap.Int64("count", n))
		}
		res.Reclaimed = int(n)
	}

	if ctx.Err() != nil {
		return res, nil
	}

	batch, err := d.store.ClaimBatch(ctx, d.cfg.BatchSize, now, d.owner)
	if err != nil {
		return res, err
	}
	res.Claimed = len(batch)
	d.claimed.Add(int64(len(batch)))
	if d.metrics != nil {
		d.metrics.CommandsClaimed.Add(float64(len(batch)))
	}

	for i := range batch {
		if ctx.Err() != nil {
			d.release(ctx, len(batch)-i)
			break
		}
		if err := d.processDetached(ctx, &batch[i], now, res); err != nil {
			d.release(ctx, len(batch)-i)
			return res, err
		}
	}

	d.refreshDepth(context.WithoutCancel(ctx))
	if res.Claimed > 0 || res.Expired > 0 {
		d.logger.Info("dispatch tick complete",
			zap.Int("claimed", res.Claimed),
			zap.Int("sent", res.Sent),
			zap.Int("retried", res.Retried),
			zap.Int("failed", res.Failed),
			zap.Int("cancelled", res.Cancelled),
			zap.Int("expired", res.Expired))
	}
	return res, nil
}

// release 回滚本实例剩余的 queued 记录
func (d *Dispatcher) release(ctx context.Context, remaining int) {
	if remaining <= 0 {
		return
	}
	n, err := d.store.ReleaseClaimed(context.WithoutCancel(ctx), d.owner)
	if err != nil {
		d.logger.Error("release claimed commands failed", zap.Error(err))
		return
	}
	d.logger.Info("released unsent commands", zap.Int64("count", n))
}

// processDetached 下行一旦开始不受 tick 截止或停机取消影响，
// 以单次下行超时加回写余量为上限
func (d *Dispatcher) processDetached(ctx context.Context, c *coremodel.Command, now time.Time, res *TickResult) error {
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.sendTimeout()+StoreHeadroom)
	defer cancel()
	return d.process(octx, c, now, res)
}

// process 处理单条已认领指令；仅存储错误与配置错误向上返回
func (d *Dispatcher) process(ctx context.Context, c *coremodel.Command, now time.Time, res *TickResult) error {
	log := d.logger.With(
		zap.Int64("command_id", c.ID),
		zap.String("device_eui", string(c.DeviceEUI)),
		zap.String("kind", string(c.Kind)))

	deviceType := ""
	if d.devices != nil {
		dt, err := d.devices.DeviceType(ctx, c.DeviceEUI)
		if err != nil {
			log.Warn("device type lookup failed, using default profile", zap.Error(err))
		} else {
			deviceType = dt
		}
	}

	dl, err := d.encoder.Build(deviceType, c.Kind, c.Params)
	if err != nil {
		msg := "unsupported: " + err.Error()
		log.Warn("command rejected by codec", zap.Error(err))
		return d.fail(ctx, c, now, msg, nil, res)
	}

	// 确认下行以记录标记为准，ACK 超时判定依赖同一标记
	sendErr := d.client.Enqueue(ctx, c.DeviceEUI, dl.Payload, dl.Port, c.Confirmed)
	switch chirpstack.Classify(sendErr) {
	case chirpstack.OutcomeOK:
		st, err := d.store.MarkSent(ctx, c.ID, d.owner, now)
		if err != nil {
			return d.storeErr(log, "mark sent", err)
		}
		c.SentAt = &now
		if st == coremodel.StatusCancelled {
			res.Cancelled++
			d.cancelled.Add(1)
			d.transition(ctx, c, st, audit.EventCommandCancelled)
			log.Info("command sent after cancel request, kept cancelled")
			return nil
		}
		res.Sent++
		d.sent.Add(1)
		d.transition(ctx, c, st, audit.EventCommandSent)
		log.Info("downlink enqueued", zap.Int("port", dl.Port), zap.Bool("confirmed", c.Confirmed))
		return nil

	case chirpstack.OutcomeTransient:
		retryAt := now.Add(Backoff(c.RetryCount, d.cfg.RetryBase, d.cfg.RetryCap, d.jitter()))
		log.Warn("downlink transient failure", zap.Time("retry_at", retryAt), zap.Error(sendErr))
		return d.fail(ctx, c, now, sendErr.Error(), &retryAt, res)

	default:
		var ce *coremodel.ConfigError
		if errors.As(sendErr, &ce) {
			// 凭据缺失属于部署问题，不消耗指令
			return sendErr
		}
		log.Warn("downlink permanent failure", zap.Error(sendErr))
		return d.fail(ctx, c, now, sendErr.Error(), nil, res)
	}
}

func (d *Dispatcher) fail(ctx context.Context, c *coremodel.Command, now time.Time, msg string, retryAt *time.Time, res *TickResult) error {
	log := d.logger.With(zap.Int64("command_id", c.ID))
	st, err := d.store.MarkFailed(ctx, c.ID, d.owner, now, msg, retryAt)
	if err != nil {
		return d.storeErr(log, "mark failed", err)
	}
	c.ErrorMessage = &msg
	switch st {
	case coremodel.StatusPending:
		res.Retried++
		d.retried.Add(1)
		c.RetryCount++
		c.ScheduledAt = retryAt
		d.transition(ctx, c, st, audit.EventCommandRetry)
	case coremodel.StatusCancelled:
		res.Cancelled++
		d.cancelled.Add(1)
		d.transition(ctx, c, st, audit.EventCommandCancelled)
	default:
		res.Failed++
		d.failed.Add(1)
		d.transition(ctx, c, st, audit.EventCommandFailed)
		log.Warn("command failed", zap.String("error_message", msg), zap.Int("retry_count", c.RetryCount))
	}
	return nil
}

// storeErr 内部错误中止 tick；状态冲突（如并发取消）只记录
func (d *Dispatcher) storeErr(log *zap.Logger, op string, err error) error {
	var ie *coremodel.InternalError
	if errors.As(err, &ie) {
		return err
	}
	if errors.Is(err, coremodel.ErrClaimLost) {
		log.Error("claim lost before result was recorded", zap.String("op", op), zap.Error(err))
		return nil
	}
	if errors.Is(err, coremodel.ErrInvalidTransition) || errors.Is(err, coremodel.ErrNotFound) {
		log.Warn("command state changed concurrently", zap.String("op", op), zap.Error(err))
		return nil
	}
	return &coremodel.InternalError{Op: op, Err: err}
}

func (d *Dispatcher) transition(ctx context.Context, c *coremodel.Command, st coremodel.CommandStatus, ev audit.EventType) {
	c.Status = st
	if d.metrics != nil {
		d.metrics.CommandTransitions.WithLabelValues(string(st)).Inc()
	}
	d.audit.Emit(ctx, audit.CommandEvent(ev, c))
}

func (d *Dispatcher) recordExpired(ctx context.Context, c *coremodel.Command) {
	d.expired.Add(1)
	ev := audit.EventCommandCompleted
	if c.Status == coremodel.StatusFailed {
		ev = audit.EventCommandFailed
		d.failed.Add(1)
		d.logger.Warn("confirmed downlink not acknowledged",
			zap.Int64("command_id", c.ID), zap.String("device_eui", string(c.DeviceEUI)))
	}
	if d.metrics != nil {
		d.metrics.CommandTransitions.WithLabelValues(string(c.Status)).Inc()
	}
	d.audit.Emit(ctx, audit.CommandEvent(ev, c))
}

func (d *Dispatcher) refreshDepth(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	stats, err := d.store.Stats(ctx)
	if err != nil {
		d.logger.Debug("queue depth refresh failed", zap.Error(err))
		return
	}
	for _, s := range []coremodel.CommandStatus{
		coremodel.StatusPending, coremodel.StatusQueued, coremodel.StatusSent,
		coremodel.StatusCompleted, coremodel.StatusFailed, coremodel.StatusCancelled,
	} {
		d.metrics.QueueDepth.WithLabelValues(string(s)).Set(float64(stats[s]))
	}
}

// Acknowledge 上行 ACK：完成设备最早的已发送指令
func (d *Dispatcher) Acknowledge(ctx context.Context, dev coremodel.DeviceEUI, now time.Time) (*coremodel.Command, error) {
	c, err := d.store.Acknowledge(ctx, dev, now)
	if err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.CommandTransitions.WithLabelValues(string(c.Status)).Inc()
	}
	d.audit.Emit(ctx, audit.CommandEvent(audit.EventCommandCompleted, c))
	d.logger.Info("downlink acknowledged", zap.Int64("command_id", c.ID), zap.String("device_eui", string(dev)))
	return c, nil
}

// Shutdown 回滚本实例认领未发送的记录
func (d *Dispatcher) Shutdown(ctx context.Context) {
	n, err := d.store.ReleaseClaimed(ctx, d.owner)
	if err != nil {
		d.logger.Error("dispatcher shutdown release failed", zap.Error(err))
		return
	}
	d.logger.Info("dispatcher shutdown", zap.Int64("released", n))
}

// Stats 运行状态快照
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{
		Owner:     d.owner,
		Running:   d.running.Load(),
		Ticks:     d.ticks.Load(),
		Claimed:   d.claimed.Load(),
		Sent:      d.sent.Load(),
		Retried:   d.retried.Load(),
		Failed:    d.failed.Load(),
		Cancelled: d.cancelled.Load(),
		Expired:   d.expired.Load(),
		LastError: d.lastError,
	}
	if !d.lastTick.IsZero() {
		t := d.lastTick
		s.LastTick = &t
	}
	return s
}
