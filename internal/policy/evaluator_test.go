package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
	"github.com/taoyao-code/meter-dispatch/internal/settings"
	"github.com/taoyao-code/meter-dispatch/internal/storage"
	"github.com/taoyao-code/meter-dispatch/internal/storage/memory"
)

const d1 = coremodel.DeviceEUI("0102030405060708")

type fakeFlags struct {
	mu      sync.Mutex
	bools   map[string]bool
	numbers map[string]float64
	err     error
}

func newFlags(credit bool) *fakeFlags {
	return &fakeFlags{
		bools:   map[string]bool{settings.KeyCreditControl: credit},
		numbers: map[string]float64{},
	}
}

func (f *fakeFlags) Bool(_ context.Context, key string, def bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return def, f.err
	}
	if v, ok := f.bools[key]; ok {
		return v, nil
	}
	return def, nil
}

func (f *fakeFlags) Number(_ context.Context, key string, def float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.numbers[key]; ok {
		return v, nil
	}
	return def, nil
}

func setup(t *testing.T, credit bool, balance float64) (*memory.Store, *fakeFlags, *Evaluator) {
	t.Helper()
	st := memory.NewStore()
	st.SetBalance(coremodel.MeterBalance{DeviceEUI: d1, UnitID: 1, UnitNumber: "A-101", ElectricityBalance: balance})
	flags := newFlags(credit)
	ev := NewEvaluator(st, st, flags, Config{ThresholdReconnect: 20})
	return st, flags, ev
}

func allCommands(t *testing.T, st storage.CommandStore) []coremodel.Command {
	t.Helper()
	cmds, err := st.List(context.Background(), storage.ListFilter{})
	require.NoError(t, err)
	return cmds
}

func TestSweep_SafeModeDryRun(t *testing.T) {
	st, _, ev := setup(t, false, -5)

	res, err := ev.Sweep(context.Background(), time.Now())
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.False(t, res.CreditControlActive)
	assert.Equal(t, 0, res.CommandsEnqueued)
	require.Len(t, res.Details, 1)
	assert.Equal(t, d1, res.Details[0].DeviceEUI)
	assert.Equal(t, coremodel.KindSwitchOff, res.Details[0].WouldSend)
	assert.Empty(t, allCommands(t, st))
}

func TestSweep_FlagErrorFallsBackToDryRun(t *testing.T) {
	st, flags, ev := setup(t, true, -5)
	flags.err = errors.New("settings unavailable")

	res, err := ev.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Empty(t, allCommands(t, st))
}

func TestSweep_ActiveDisconnectIsIdempotent(t *testing.T) {
	st, _, ev := setup(t, true, -5)
	ctx := context.Background()

	res, err := ev.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.False(t, res.DryRun)
	assert.Equal(t, 1, res.CommandsEnqueued)

	res, err = ev.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, res.CommandsEnqueued)
	require.Len(t, res.Details, 1)
	assert.Equal(t, DetailAlreadyActive, res.Details[0].Status)

	cmds := allCommands(t, st)
	require.Len(t, cmds, 1)
	assert.Equal(t, coremodel.KindSwitchOff, cmds[0].Kind)
	assert.Equal(t, 2, cmds[0].Priority)
	assert.Equal(t, Actor, *cmds[0].CreatedBy)
}

func TestSweep_NoRepeatDisconnectAfterExecution(t *testing.T) {
	st, _, ev := setup(t, true, -5)
	ctx := context.Background()
	now := time.Now()

	_, err := ev.Sweep(ctx, now)
	require.NoError(t, err)
	claimed, err := st.ClaimBatch(ctx, 10, now, "w")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = st.MarkSent(ctx, claimed[0].ID, "w", now)
	require.NoError(t, err)
	require.NoError(t, st.MarkCompleted(ctx, claimed[0].ID, now))

	res, err := ev.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, res.CommandsEnqueued)
	assert.Empty(t, res.Details)
}

func TestSweep_ReconnectRequiresPriorDisconnect(t *testing.T) {
	st, _, ev := setup(t, true, 100)
	ctx := context.Background()

	// 从未断电的电表不会复电
	res, err := ev.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, res.CommandsEnqueued)
	assert.Empty(t, allCommands(t, st))
}

func TestSweep_ThresholdEqualityStaysDisconnected(t *testing.T) {
	st, _, ev := setup(t, true, -5)
	ctx := context.Background()
	now := time.Now()

	_, err := ev.Sweep(ctx, now)
	require.NoError(t, err)
	claimed, err := st.ClaimBatch(ctx, 10, now, "w")
	require.NoError(t, err)
	_, err = st.MarkSent(ctx, claimed[0].ID, "w", now)
	require.NoError(t, err)

	st.SetBalance(coremodel.MeterBalance{DeviceEUI: d1, UnitID: 1, ElectricityBalance: 20})
	res, err := ev.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, res.CommandsEnqueued, "余额等于阈值不复电")

	st.SetBalance(coremodel.MeterBalance{DeviceEUI: d1, UnitID: 1, ElectricityBalance: 20.01})
	res, err = ev.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CommandsEnqueued)
	on, err := st.ActiveCommand(ctx, d1, coremodel.KindSwitchOn)
	require.NoError(t, err)
	require.NotNil(t, on)
	assert.Equal(t, 3, on.Priority)
}

func TestThresholdOverrideAndClamp(t *testing.T) {
	_, flags, ev := setup(t, true, 0)
	ctx := context.Background()

	assert.Equal(t, 20.0, ev.threshold(ctx))
	flags.numbers[settings.KeyThresholdReconnect] = 50
	assert.Equal(t, 50.0, ev.threshold(ctx))
	flags.numbers[settings.KeyThresholdReconnect] = 0
	assert.Equal(t, MinThreshold, ev.threshold(ctx))
	flags.numbers[settings.KeyThresholdReconnect] = -3
	assert.Equal(t, MinThreshold, ev.threshold(ctx))
}

func TestDecide(t *testing.T) {
	off := coremodel.KindSwitchOff
	on := coremodel.KindSwitchOn
	cases := []struct {
		name    string
		balance float64
		last    *coremodel.CommandKind
		want    coremodel.CommandKind
	}{
		{"零余额断电", 0, nil, coremodel.KindSwitchOff},
		{"负余额上次复电", -1, &on, coremodel.KindSwitchOff},
		{"已断电不重复", -1, &off, ""},
		{"阈值之间不动作", 10, &off, ""},
		{"超过阈值复电", 21, &off, coremodel.KindSwitchOn},
		{"超过阈值但未断电", 21, &on, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, _ := decide(coremodel.MeterBalance{ElectricityBalance: c.balance, LastExecutedKind: c.last}, 20)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestReport(t *testing.T) {
	st, _, ev := setup(t, true, -5)
	off := coremodel.KindSwitchOff
	st.SetBalance(coremodel.MeterBalance{DeviceEUI: "00000000000000aa", UnitID: 2, ElectricityBalance: 0, LastExecutedKind: &off})
	st.SetBalance(coremodel.MeterBalance{DeviceEUI: "00000000000000bb", UnitID: 3, ElectricityBalance: 50})

	r, err := ev.Report(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, r.TotalMeters)
	for _, m := range r.Meters {
		assert.LessOrEqual(t, m.Balance, 0.0)
	}
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func (l *fakeLocker) TryLock(_ context.Context, name, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return false, nil
	}
	l.held[name] = owner
	return true, nil
}

func (l *fakeLocker) Unlock(_ context.Context, name, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] != owner {
		return false, nil
	}
	delete(l.held, name)
	return true, nil
}

func TestRunOnce_SkipsWhenLockHeld(t *testing.T) {
	st := memory.NewStore()
	st.SetBalance(coremodel.MeterBalance{DeviceEUI: d1, UnitID: 1, ElectricityBalance: -5})
	locker := &fakeLocker{held: map[string]string{sweepLockName: "other"}}
	ev := NewEvaluator(st, st, newFlags(true), Config{ThresholdReconnect: 20, Timeout: time.Second}, WithLocker(locker))

	res, err := ev.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, allCommands(t, st))

	delete(locker.held, sweepLockName)
	res, err = ev.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.CommandsEnqueued)
	assert.Empty(t, locker.held, "扫描结束释放锁")
}

func TestSweep_ConcurrentSweepsEnqueueOnce(t *testing.T) {
	st := memory.NewStore()
	for i := 0; i < 10; i++ {
		st.SetBalance(coremodel.MeterBalance{DeviceEUI: coremodel.DeviceEUI(fmt.Sprintf("%016x", i+1)), UnitID: int64(i), ElectricityBalance: -1})
	}
	ev := NewEvaluator(st, st, newFlags(true), Config{ThresholdReconnect: 20})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ev.Sweep(context.Background(), time.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, allCommands(t, st), 10)
}
