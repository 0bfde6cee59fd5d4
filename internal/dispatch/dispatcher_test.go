package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/meter-dispatch/internal/chirpstack"
	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
	"github.com/taoyao-code/meter-dispatch/internal/metrics"
	"github.com/taoyao-code/meter-dispatch/internal/protocol/modbus"
	"github.com/taoyao-code/meter-dispatch/internal/storage"
	"github.com/taoyao-code/meter-dispatch/internal/storage/memory"
)

const d1 = coremodel.DeviceEUI("0102030405060708")

var testCfg = Config{
	BatchSize:    32,
	TickInterval: time.Second,
	TickTimeout:  time.Minute,
	AckTimeout:   300 * time.Second,
	RetryBase:    30 * time.Second,
	RetryCap:     time.Hour,
	ClaimLease:   5 * time.Minute,
}

// nsServer 模拟网络服务器，按顺序返回状态码，用尽后返回最后一个
type nsServer struct {
	mu       sync.Mutex
	statuses []int
	calls    int
	payloads [][]byte
}

func (s *nsServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := http.StatusOK
	if len(s.statuses) > 0 {
		idx := s.calls
		if idx >= len(s.statuses) {
			idx = len(s.statuses) - 1
		}
		code = s.statuses[idx]
	}
	s.calls++
	var req modbus.QueueRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if p, err := req.QueueItem.Payload(); err == nil {
		s.payloads = append(s.payloads, p)
	}
	w.WriteHeader(code)
	if code >= 300 {
		_, _ = w.Write([]byte(fmt.Sprintf(`{"message":"status %d"}`, code)))
	}
}

func (s *nsServer) sentPayloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.payloads...)
}

func (s *nsServer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newHarness(t *testing.T, statuses ...int) (*memory.Store, *nsServer, *Dispatcher) {
	t.Helper()
	ns := &nsServer{statuses: statuses}
	srv := httptest.NewServer(http.HandlerFunc(ns.handler))
	t.Cleanup(srv.Close)

	client := chirpstack.NewClient(chirpstack.Options{BaseURL: srv.URL, APIKey: "k"})
	st := memory.NewStore()
	d := New(st, client, nil, testCfg, WithDevices(st), WithRand(rand.New(rand.NewSource(1))))
	return st, ns, d
}

func insert(t *testing.T, st storage.CommandStore, dev coremodel.DeviceEUI, kind coremodel.CommandKind, params []byte) int64 {
	t.Helper()
	id, err := st.Insert(context.Background(), coremodel.NewCommand(dev, kind, params, DefaultPriority(kind), "test"))
	require.NoError(t, err)
	return id
}

func get(t *testing.T, st storage.CommandStore, id int64) *coremodel.Command {
	t.Helper()
	c, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestTick_SendThenAckTimeoutCompletes(t *testing.T) {
	st, ns, d := newHarness(t, http.StatusOK)
	ctx := context.Background()
	t0 := time.Now()
	id := insert(t, st, d1, coremodel.KindSwitchOff, nil)

	res, err := d.Tick(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	c := get(t, st, id)
	assert.Equal(t, coremodel.StatusSent, c.Status)
	require.NotNil(t, c.SentAt)
	payloads := ns.sentPayloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, []byte{0x01, 0x05, 0x00, 0x00, 0x00, 0x00, 0xCD, 0xCA}, payloads[0])

	// 超时前不变
	_, err = d.Tick(ctx, t0.Add(299*time.Second))
	require.NoError(t, err)
	assert.Equal(t, coremodel.StatusSent, get(t, st, id).Status)

	res, err = d.Tick(ctx, t0.Add(301*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	c = get(t, st, id)
	assert.Equal(t, coremodel.StatusCompleted, c.Status)
	assert.NotNil(t, c.CompletedAt)
}

func TestTick_ConfirmedAckTimeoutFails(t *testing.T) {
	st, _, d := newHarness(t, http.StatusOK)
	ctx := context.Background()
	t0 := time.Now()
	cmd := coremodel.NewCommand(d1, coremodel.KindReadMeter, nil, 5, "")
	cmd.Confirmed = true
	id, err := st.Insert(ctx, cmd)
	require.NoError(t, err)

	_, err = d.Tick(ctx, t0)
	require.NoError(t, err)
	_, err = d.Tick(ctx, t0.Add(301*time.Second))
	require.NoError(t, err)

	c := get(t, st, id)
	assert.Equal(t, coremodel.StatusFailed, c.Status)
	assert.Equal(t, storage.AckTimeoutMessage, *c.ErrorMessage)
}

func TestTick_TransientFailureSchedulesRetry(t *testing.T) {
	st, ns, d := newHarness(t, http.StatusServiceUnavailable)
	ctx := context.Background()
	t0 := time.Now()
	id := insert(t, st, d1, coremodel.KindSwitchOff, nil)

	res, err := d.Tick(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	c := get(t, st, id)
	assert.Equal(t, coremodel.StatusPending, c.Status)
	assert.Equal(t, 1, c.RetryCount)
	require.NotNil(t, c.ScheduledAt)
	wait := c.ScheduledAt.Sub(t0)
	assert.GreaterOrEqual(t, wait, 15*time.Second)
	assert.Less(t, wait, 45*time.Second)

	// 退避窗口内不认领
	res, err = d.Tick(ctx, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
	assert.Equal(t, 1, ns.callCount())
}

func TestTick_ExhaustedRetriesFail(t *testing.T) {
	st, ns, d := newHarness(t, http.StatusServiceUnavailable)
	ctx := context.Background()
	now := time.Now()
	id := insert(t, st, d1, coremodel.KindSwitchOff, nil)

	for i := 0; i < 4; i++ {
		_, err := d.Tick(ctx, now)
		require.NoError(t, err)
		now = now.Add(2 * time.Hour)
	}

	c := get(t, st, id)
	assert.Equal(t, coremodel.StatusFailed, c.Status)
	assert.Equal(t, 3, c.RetryCount)
	require.NotNil(t, c.ErrorMessage)
	assert.Contains(t, *c.ErrorMessage, "503")
	assert.Equal(t, 4, ns.callCount())

	// 终态不再认领
	res, err := d.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
}

func TestTick_PermanentFailure(t *testing.T) {
	st, _, d := newHarness(t, http.StatusNotFound)
	id := insert(t, st, d1, coremodel.KindSwitchOn, nil)

	res, err := d.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	c := get(t, st, id)
	assert.Equal(t, coremodel.StatusFailed, c.Status)
	assert.Equal(t, 0, c.RetryCount)
	assert.Contains(t, *c.ErrorMessage, "status 404")
}

func TestTick_CodecRejection(t *testing.T) {
	st, ns, d := newHarness(t, http.StatusOK)
	// update_credit 需要参数
	id := insert(t, st, d1, coremodel.KindUpdateCredit, nil)

	_, err := d.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	c := get(t, st, id)
	assert.Equal(t, coremodel.StatusFailed, c.Status)
	assert.Contains(t, *c.ErrorMessage, "unsupported: ")
	assert.Equal(t, 0, ns.callCount())
}

func TestTick_DeviceProfileRejection(t *testing.T) {
	st, ns, d := newHarness(t, http.StatusOK)
	d.encoder = modbus.NewEncoder(&modbus.ProfileSet{
		Default: "relay_bridge",
		Profiles: map[string]modbus.Profile{
			"relay_bridge": {Name: "relay_bridge", Port: 5, Kinds: []coremodel.CommandKind{coremodel.KindSwitchOn, coremodel.KindSwitchOff}},
		},
	})
	id := insert(t, st, d1, coremodel.KindResetMeter, nil)

	_, err := d.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	c := get(t, st, id)
	assert.Equal(t, coremodel.StatusFailed, c.Status)
	assert.Contains(t, *c.ErrorMessage, "unsupported")
	assert.Equal(t, 0, ns.callCount())
}

// cancelDuringSend 在下行过程中取消指令
type cancelDuringSend struct {
	store storage.CommandStore
	id    int64
	err   error
}

func (c *cancelDuringSend) Enqueue(ctx context.Context, _ coremodel.DeviceEUI, _ []byte, _ int, _ bool) error {
	_, _ = c.store.Cancel(ctx, c.id, time.Now())
	return c.err
}

func TestTick_CancelWhileInFlight(t *testing.T) {
	for _, sendErr := range []error{nil, &coremodel.ProtocolError{StatusCode: 400, Msg: "bad"}} {
		st := memory.NewStore()
		id := insert(t, st, d1, coremodel.KindSwitchOn, nil)
		d := New(st, &cancelDuringSend{store: st, id: id, err: sendErr}, nil, testCfg)

		res, err := d.Tick(context.Background(), time.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Cancelled)
		c := get(t, st, id)
		assert.Equal(t, coremodel.StatusCancelled, c.Status)
		assert.False(t, c.CancelRequested)
	}
}

func TestConcurrentDispatchersClaimDisjoint(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := memory.NewStore()
	kinds := []coremodel.CommandKind{coremodel.KindSwitchOn, coremodel.KindSwitchOff, coremodel.KindReadMeter, coremodel.KindUpdateCredit, coremodel.KindUpdateConfig}
	for i := 0; i < 20; i++ {
		for _, k := range kinds {
			insert(t, st, coremodel.DeviceEUI(fmt.Sprintf("%016x", i+1)), k, []byte{0x01})
		}
	}

	var (
		wg    sync.WaitGroup
		total atomic.Int64
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			client := chirpstack.NewClient(chirpstack.Options{BaseURL: srv.URL, APIKey: "k"})
			d := New(st, client, nil, testCfg, WithOwner(owner))
			res, err := d.Tick(context.Background(), time.Now())
			assert.NoError(t, err)
			total.Add(int64(res.Sent))
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	assert.EqualValues(t, 100, total.Load())
	assert.EqualValues(t, 100, calls.Load(), "每条指令只下行一次")
	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 100, stats[coremodel.StatusSent])
}

// cancelCtxClient 第一次调用后取消 tick 上下文
type cancelCtxClient struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancelCtxClient) Enqueue(context.Context, coremodel.DeviceEUI, []byte, int, bool) error {
	c.calls++
	c.cancel()
	return nil
}

func TestTick_DeadlineReleasesRemaining(t *testing.T) {
	st := memory.NewStore()
	for i := 0; i < 3; i++ {
		insert(t, st, coremodel.DeviceEUI(fmt.Sprintf("%016x", i+1)), coremodel.KindSwitchOff, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	client := &cancelCtxClient{cancel: cancel}
	d := New(st, client, nil, testCfg)

	res, err := d.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 1, client.calls, "截止后不再发送")

	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats[coremodel.StatusPending])
	assert.EqualValues(t, 0, stats[coremodel.StatusQueued])
}

// slowServer 收到请求后等待 release 关闭（或 delay 到期）再返回 200
type slowServer struct {
	delay    time.Duration
	release  chan struct{}
	started  chan struct{}
	accepted atomic.Int64
}

func newSlowServer(t *testing.T, delay time.Duration) (*slowServer, *chirpstack.Client) {
	t.Helper()
	s := &slowServer{delay: delay, release: make(chan struct{}), started: make(chan struct{}, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.started <- struct{}{}
		select {
		case <-s.release:
		case <-time.After(s.delay):
		}
		s.accepted.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return s, chirpstack.NewClient(chirpstack.Options{BaseURL: srv.URL, APIKey: "k"})
}

func TestTick_DeadlineLetsInFlightSendFinish(t *testing.T) {
	ns, client := newSlowServer(t, 200*time.Millisecond)
	st := memory.NewStore()
	a := insert(t, st, "0000000000000001", coremodel.KindSwitchOff, nil)
	b := insert(t, st, "0000000000000002", coremodel.KindSwitchOff, nil)
	d := New(st, client, nil, testCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := d.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
	assert.Equal(t, 1, res.Sent)
	assert.Zero(t, res.Retried)
	assert.EqualValues(t, 1, ns.accepted.Load(), "截止后不再开始新的下行")

	var sent, pending *coremodel.Command
	for _, id := range []int64{a, b} {
		c := get(t, st, id)
		switch c.Status {
		case coremodel.StatusSent:
			sent = c
		case coremodel.StatusPending:
			pending = c
		}
	}
	require.NotNil(t, sent, "已被网络服务器接受的下行记为 sent")
	assert.NotNil(t, sent.SentAt)
	assert.Zero(t, sent.RetryCount)
	assert.Nil(t, sent.ErrorMessage)
	require.NotNil(t, pending)
	assert.Zero(t, pending.RetryCount, "未开始的记录回滚且不计重试")
	assert.Nil(t, pending.ClaimedBy)
}

func TestRun_ShutdownDuringSendRecordsResult(t *testing.T) {
	ns, client := newSlowServer(t, 10*time.Second)
	st := memory.NewStore()
	id := insert(t, st, d1, coremodel.KindSwitchOn, nil)
	cfg := testCfg
	cfg.TickInterval = 10 * time.Millisecond
	d := New(st, client, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-ns.started:
	case <-time.After(2 * time.Second):
		t.Fatal("downlink not started")
	}
	cancel()
	// 停机信号到达后在途请求才完成
	time.Sleep(20 * time.Millisecond)
	close(ns.release)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	c := get(t, st, id)
	assert.Equal(t, coremodel.StatusSent, c.Status)
	assert.Zero(t, c.RetryCount)
	assert.EqualValues(t, 1, ns.accepted.Load())
}

// reclaimDuringSend 下行过程中认领被其他实例回收
type reclaimDuringSend struct {
	store *memory.Store
}

func (r *reclaimDuringSend) Enqueue(ctx context.Context, _ coremodel.DeviceEUI, _ []byte, _ int, _ bool) error {
	_, err := r.store.ReclaimExpired(ctx, time.Now().Add(time.Hour))
	return err
}

func TestTick_LostClaimDoesNotRecordOutcome(t *testing.T) {
	st := memory.NewStore()
	id := insert(t, st, d1, coremodel.KindSwitchOff, nil)
	d := New(st, &reclaimDuringSend{store: st}, nil, testCfg)

	res, err := d.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	c := get(t, st, id)
	assert.Equal(t, coremodel.StatusPending, c.Status)
	assert.Nil(t, c.SentAt)
}

func TestConfigValidate_ClaimLease(t *testing.T) {
	require.NoError(t, testCfg.Validate())

	noDeadline := testCfg
	noDeadline.TickTimeout = 0
	var ce *coremodel.ConfigError
	require.ErrorAs(t, noDeadline.Validate(), &ce)
	assert.Equal(t, "DISPATCH_TICK_TIMEOUT", ce.Key)

	short := testCfg
	short.ClaimLease = short.TickTimeout + chirpstack.DefaultTimeout
	require.ErrorAs(t, short.Validate(), &ce)
	assert.Equal(t, "DISPATCH_CLAIM_LEASE", ce.Key)

	short.SendTimeout = 5 * time.Second
	assert.NoError(t, short.Validate())
}

// failingStore 认领后写回失败
type failingStore struct {
	*memory.Store
}

func (f failingStore) MarkSent(context.Context, int64, string, time.Time) (coremodel.CommandStatus, error) {
	return "", &coremodel.InternalError{Op: "mark sent", Err: errors.New("connection reset")}
}

func TestTick_InternalErrorAbortsTick(t *testing.T) {
	mem := memory.NewStore()
	insert(t, mem, d1, coremodel.KindSwitchOff, nil)
	insert(t, mem, d1, coremodel.KindSwitchOn, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	client := chirpstack.NewClient(chirpstack.Options{BaseURL: srv.URL, APIKey: "k"})
	d := New(failingStore{mem}, client, nil, testCfg)

	_, err := d.Tick(context.Background(), time.Now())
	var ie *coremodel.InternalError
	require.ErrorAs(t, err, &ie)
	assert.NotEmpty(t, d.Stats().LastError)

	stats, err := mem.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats[coremodel.StatusQueued], "中止时回滚认领")
}

func TestRun_RefusesToStartOnConfigError(t *testing.T) {
	st := memory.NewStore()
	client := chirpstack.NewClient(chirpstack.Options{BaseURL: "http://127.0.0.1:1"})
	d := New(st, client, nil, testCfg)

	err := d.Run(context.Background())
	var ce *coremodel.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "NS_API_KEY", ce.Key)

	bad := testCfg
	bad.BatchSize = 0
	err = New(st, &cancelCtxClient{cancel: func() {}}, nil, bad).Run(context.Background())
	require.ErrorAs(t, err, &ce)
}

func TestRun_TicksAndDrainsOnShutdown(t *testing.T) {
	st, ns, d := newHarness(t, http.StatusOK)
	d.cfg.TickInterval = 10 * time.Millisecond
	insert(t, st, d1, coremodel.KindSwitchOff, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return ns.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.False(t, d.Stats().Running)
	assert.GreaterOrEqual(t, d.Stats().Ticks, int64(1))
}

func TestShutdownReleasesClaimed(t *testing.T) {
	st, _, d := newHarness(t)
	insert(t, st, d1, coremodel.KindSwitchOff, nil)
	_, err := st.ClaimBatch(context.Background(), 1, time.Now(), d.Owner())
	require.NoError(t, err)

	d.Shutdown(context.Background())
	pending, err := st.List(context.Background(), storage.ListFilter{Status: coremodel.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestAcknowledge(t *testing.T) {
	st, _, d := newHarness(t, http.StatusOK)
	ctx := context.Background()
	id := insert(t, st, d1, coremodel.KindSwitchOff, nil)
	_, err := d.Tick(ctx, time.Now())
	require.NoError(t, err)

	c, err := d.Acknowledge(ctx, d1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, id, c.ID)
	assert.Equal(t, coremodel.StatusCompleted, get(t, st, id).Status)

	_, err = d.Acknowledge(ctx, d1, time.Now())
	assert.ErrorIs(t, err, coremodel.ErrNotFound)
}

func TestTick_Metrics(t *testing.T) {
	st, _, d := newHarness(t, http.StatusOK)
	reg := prometheus.NewRegistry()
	m := metrics.NewAppMetrics(reg)
	d.metrics = m
	insert(t, st, d1, coremodel.KindSwitchOff, nil)

	_, err := d.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsClaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandTransitions.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("sent")))
}
