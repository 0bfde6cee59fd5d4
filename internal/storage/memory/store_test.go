package memory

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
	"github.com/taoyao-code/meter-dispatch/internal/storage"
)

const d1 = coremodel.DeviceEUI("0102030405060708")

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newStore() *Store {
	s := NewStore()
	s.Now = func() time.Time { return t0 }
	return s
}

func mustInsert(t *testing.T, s *Store, dev coremodel.DeviceEUI, kind coremodel.CommandKind, prio int) int64 {
	t.Helper()
	id, err := s.Insert(context.Background(), coremodel.NewCommand(dev, kind, nil, prio, "test"))
	require.NoError(t, err)
	return id
}

func TestInsert_ActiveUniqueness(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	id := mustInsert(t, s, d1, coremodel.KindSwitchOff, 2)

	_, err := s.Insert(ctx, coremodel.NewCommand(d1, coremodel.KindSwitchOff, nil, 2, "test"))
	require.ErrorIs(t, err, coremodel.ErrConflict)
	existing, ok := coremodel.ExistingID(err)
	require.True(t, ok)
	assert.Equal(t, id, existing)

	// 不同类型互不影响
	mustInsert(t, s, d1, coremodel.KindSwitchOn, 3)

	// 终态后可再次插入
	_, err = s.Cancel(ctx, id, t0)
	require.NoError(t, err)
	mustInsert(t, s, d1, coremodel.KindSwitchOff, 2)
}

func TestInsert_Validation(t *testing.T) {
	s := newStore()
	_, err := s.Insert(context.Background(), coremodel.NewCommand("bad", coremodel.KindSwitchOff, nil, 2, ""))
	assert.Error(t, err)
	_, err = s.Insert(context.Background(), coremodel.NewCommand(d1, "explode", nil, 2, ""))
	assert.ErrorIs(t, err, coremodel.ErrUnsupportedCommand)
}

func TestClaimBatch_OrderAndSchedule(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	later := t0.Add(time.Minute)
	earlier := t0.Add(-time.Minute)

	devs := []coremodel.DeviceEUI{"0000000000000001", "0000000000000002", "0000000000000003", "0000000000000004"}
	low := mustInsert(t, s, devs[0], coremodel.KindReadMeter, 5)
	high := mustInsert(t, s, devs[1], coremodel.KindSwitchOff, 1)

	sched := coremodel.NewCommand(devs[2], coremodel.KindSwitchOff, nil, 5, "")
	sched.ScheduledAt = &earlier
	_, err := s.Insert(ctx, sched)
	require.NoError(t, err)

	future := coremodel.NewCommand(devs[3], coremodel.KindSwitchOff, nil, 1, "")
	future.ScheduledAt = &later
	_, err = s.Insert(ctx, future)
	require.NoError(t, err)

	got, err := s.ClaimBatch(ctx, 10, t0, "w1")
	require.NoError(t, err)
	require.Len(t, got, 3, "scheduled_at > now 的指令不应被认领")
	assert.Equal(t, high, got[0].ID)
	assert.Equal(t, low, got[1].ID, "scheduled_at 为空排在前面")
	assert.Equal(t, sched.ID, got[2].ID)
	for _, c := range got {
		assert.Equal(t, coremodel.StatusQueued, c.Status)
		require.NotNil(t, c.ClaimedBy)
		assert.Equal(t, "w1", *c.ClaimedBy)
	}

	again, err := s.ClaimBatch(ctx, 10, t0, "w2")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimBatch_ConcurrentDisjoint(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	kinds := []coremodel.CommandKind{coremodel.KindSwitchOn, coremodel.KindSwitchOff, coremodel.KindReadMeter, coremodel.KindUpdateCredit, coremodel.KindUpdateConfig}
	for i := 0; i < 20; i++ {
		dev := coremodel.DeviceEUI(fmt.Sprintf("%016x", i+1))
		for _, k := range kinds {
			mustInsert(t, s, dev, k, 5)
		}
	}

	var mu sync.Mutex
	seen := map[int64]string{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			got, err := s.ClaimBatch(ctx, 32, t0, owner)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, c := range got {
				if prev, dup := seen[c.ID]; dup {
					t.Errorf("指令 %d 被 %s 与 %s 重复认领", c.ID, prev, owner)
				}
				seen[c.ID] = owner
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	assert.Len(t, seen, 100)
}

func TestMarkFailed_RetryAndExhaust(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	id := mustInsert(t, s, d1, coremodel.KindSwitchOff, 2)

	retryAt := t0.Add(30 * time.Second)
	for i := 1; i <= 3; i++ {
		_, err := s.ClaimBatch(ctx, 1, retryAt, "w")
		require.NoError(t, err)
		st, err := s.MarkFailed(ctx, id, "w", t0, "503", &retryAt)
		require.NoError(t, err)
		assert.Equal(t, coremodel.StatusPending, st)
		c, _ := s.Get(ctx, id)
		assert.Equal(t, i, c.RetryCount)
	}

	_, err := s.ClaimBatch(ctx, 1, retryAt, "w")
	require.NoError(t, err)
	st, err := s.MarkFailed(ctx, id, "w", t0, "last diagnostic", &retryAt)
	require.NoError(t, err)
	assert.Equal(t, coremodel.StatusFailed, st)

	c, _ := s.Get(ctx, id)
	assert.Equal(t, 3, c.RetryCount, "retry_count 不超过 max_retries")
	require.NotNil(t, c.ErrorMessage)
	assert.Equal(t, "last diagnostic", *c.ErrorMessage)
	assert.Nil(t, c.SentAt)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	id := mustInsert(t, s, d1, coremodel.KindSwitchOff, 2)
	_, err := s.Cancel(ctx, id, t0)
	require.NoError(t, err)

	_, err = s.MarkSent(ctx, id, "w", t0)
	assert.ErrorIs(t, err, coremodel.ErrInvalidTransition)
	assert.ErrorIs(t, s.MarkCompleted(ctx, id, t0), coremodel.ErrInvalidTransition)
	_, err = s.MarkFailed(ctx, id, "w", t0, "x", nil)
	assert.ErrorIs(t, err, coremodel.ErrInvalidTransition)
	_, err = s.Cancel(ctx, id, t0)
	assert.ErrorIs(t, err, coremodel.ErrInvalidTransition)

	c, _ := s.Get(ctx, id)
	assert.Equal(t, coremodel.StatusCancelled, c.Status)
}

func TestCancel_InFlightQueued(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	id := mustInsert(t, s, d1, coremodel.KindSwitchOff, 2)
	_, err := s.ClaimBatch(ctx, 1, t0, "w")
	require.NoError(t, err)

	c, err := s.Cancel(ctx, id, t0)
	require.NoError(t, err)
	assert.Equal(t, coremodel.StatusCancelled, c.Status)
	assert.True(t, c.CancelRequested)

	// 在途发送完成：结果被记录，状态保持 cancelled
	st, err := s.MarkSent(ctx, id, "w", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, coremodel.StatusCancelled, st)
	c, _ = s.Get(ctx, id)
	assert.NotNil(t, c.SentAt)
	assert.False(t, c.CancelRequested)
}

func TestCancel_SentIsInFlight(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	id := mustInsert(t, s, d1, coremodel.KindSwitchOff, 2)
	_, _ = s.ClaimBatch(ctx, 1, t0, "w")
	_, err := s.MarkSent(ctx, id, "w", t0)
	require.NoError(t, err)

	_, err = s.Cancel(ctx, id, t0)
	assert.ErrorIs(t, err, coremodel.ErrInFlight)
}

func TestSupersede(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	p1, p2 := []byte{0x01}, []byte{0x02}
	old, err := s.Insert(ctx, coremodel.NewCommand(d1, coremodel.KindUpdateConfig, p1, 5, "op"))
	require.NoError(t, err)

	res, err := s.Supersede(ctx, storage.SupersedeRequest{DeviceEUI: d1, Kind: coremodel.KindUpdateConfig, Params: p2, Priority: 5, Actor: "op", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, old, res.CancelledID)
	assert.Equal(t, p2, res.Command.Params)

	prev, _ := s.Get(ctx, old)
	assert.Equal(t, coremodel.StatusCancelled, prev.Status)

	active, err := s.List(ctx, storage.ListFilter{DeviceEUI: d1, Kind: coremodel.KindUpdateConfig, Status: coremodel.StatusPending})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, res.Command.ID, active[0].ID)
}

func TestSupersede_NoExistingAndSent(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	res, err := s.Supersede(ctx, storage.SupersedeRequest{DeviceEUI: d1, Kind: coremodel.KindUpdateConfig, Params: []byte{1}})
	require.NoError(t, err)
	assert.Zero(t, res.CancelledID)

	_, _ = s.ClaimBatch(ctx, 1, t0, "w")
	_, err = s.MarkSent(ctx, res.Command.ID, "w", t0)
	require.NoError(t, err)

	_, err = s.Supersede(ctx, storage.SupersedeRequest{DeviceEUI: d1, Kind: coremodel.KindUpdateConfig, Params: []byte{2}})
	assert.True(t, errors.Is(err, coremodel.ErrInFlight))
}

func TestExpireSentAndAcknowledge(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	plain := mustInsert(t, s, d1, coremodel.KindSwitchOff, 2)
	conf := coremodel.NewCommand(d1, coremodel.KindReadMeter, nil, 5, "")
	conf.Confirmed = true
	_, err := s.Insert(ctx, conf)
	require.NoError(t, err)
	acked := mustInsert(t, s, "0000000000000009", coremodel.KindSwitchOn, 3)

	_, _ = s.ClaimBatch(ctx, 10, t0, "w")
	for _, id := range []int64{plain, conf.ID, acked} {
		_, err := s.MarkSent(ctx, id, "w", t0)
		require.NoError(t, err)
	}

	c, err := s.Acknowledge(ctx, "0000000000000009", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, acked, c.ID)
	assert.Equal(t, coremodel.StatusCompleted, c.Status)
	_, err = s.Acknowledge(ctx, "0000000000000009", t0)
	assert.ErrorIs(t, err, coremodel.ErrNotFound)

	expired, err := s.ExpireSent(ctx, t0.Add(time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, coremodel.StatusCompleted, expired[0].Status)
	assert.NotNil(t, expired[0].CompletedAt)
	assert.Equal(t, coremodel.StatusFailed, expired[1].Status)
	require.NotNil(t, expired[1].ErrorMessage)
	assert.Equal(t, storage.AckTimeoutMessage, *expired[1].ErrorMessage)
}

func TestReleaseAndReclaim(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	a := mustInsert(t, s, d1, coremodel.KindSwitchOff, 2)
	b := mustInsert(t, s, "0000000000000002", coremodel.KindSwitchOff, 2)

	_, _ = s.ClaimBatch(ctx, 1, t0, "w1")
	_, _ = s.ClaimBatch(ctx, 1, t0.Add(time.Hour), "w2")

	n, err := s.ReleaseClaimed(ctx, "w2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	cb, _ := s.Get(ctx, b)
	assert.Equal(t, coremodel.StatusPending, cb.Status)

	n, err = s.ReclaimExpired(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	ca, _ := s.Get(ctx, a)
	assert.Equal(t, coremodel.StatusPending, ca.Status)
	assert.Nil(t, ca.ClaimedBy)
}

func TestBalancesLastExecuted(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	s.SetBalance(coremodel.MeterBalance{DeviceEUI: d1, UnitID: 1, ElectricityBalance: -5})

	bs, err := s.Balances(ctx)
	require.NoError(t, err)
	require.Len(t, bs, 1)
	assert.Nil(t, bs[0].LastExecutedKind)

	id := mustInsert(t, s, d1, coremodel.KindSwitchOff, 2)
	_, _ = s.ClaimBatch(ctx, 1, t0, "w")
	_, err = s.MarkSent(ctx, id, "w", t0)
	require.NoError(t, err)

	bs, _ = s.Balances(ctx)
	require.NotNil(t, bs[0].LastExecutedKind)
	assert.Equal(t, coremodel.KindSwitchOff, *bs[0].LastExecutedKind)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats[coremodel.StatusSent])
}

func TestPurgeTerminal(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	done := mustInsert(t, s, d1, coremodel.KindReadMeter, 5)
	_, _ = s.ClaimBatch(ctx, 1, t0, "w")
	_, err := s.MarkSent(ctx, done, "w", t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(ctx, done, t0))
	live := mustInsert(t, s, d1, coremodel.KindSwitchOff, 2)

	n, err := s.PurgeTerminal(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Get(ctx, done)
	assert.ErrorIs(t, err, coremodel.ErrNotFound)
	_, err = s.Get(ctx, live)
	assert.NoError(t, err, "活动指令不清理")
}

func TestMarkOutcome_RequiresClaimOwner(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	id := mustInsert(t, s, d1, coremodel.KindSwitchOff, 2)
	_, err := s.ClaimBatch(ctx, 1, t0, "w1")
	require.NoError(t, err)

	// 其他实例不能回写
	_, err = s.MarkSent(ctx, id, "w2", t0)
	assert.ErrorIs(t, err, coremodel.ErrClaimLost)
	_, err = s.MarkFailed(ctx, id, "w2", t0, "503", nil)
	assert.ErrorIs(t, err, coremodel.ErrClaimLost)

	// 租约过期被回收后，原认领者也不能回写
	_, err = s.ReclaimExpired(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.MarkSent(ctx, id, "w1", t0)
	assert.ErrorIs(t, err, coremodel.ErrClaimLost)

	c, _ := s.Get(ctx, id)
	assert.Equal(t, coremodel.StatusPending, c.Status)
	assert.Nil(t, c.SentAt)
	assert.Zero(t, c.RetryCount)

	// 重新认领后正常回写
	_, err = s.ClaimBatch(ctx, 1, t0, "w2")
	require.NoError(t, err)
	st, err := s.MarkSent(ctx, id, "w2", t0)
	require.NoError(t, err)
	assert.Equal(t, coremodel.StatusSent, st)
}
