package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLock()
	l.clock = func() time.Time { return now }

	ok, _ := l.TryLock(ctx, "sweep", "a", time.Minute)
	assert.True(t, ok)
	ok, _ = l.TryLock(ctx, "sweep", "b", time.Minute)
	assert.False(t, ok)

	released, _ := l.Unlock(ctx, "sweep", "b")
	assert.False(t, released, "non-owner must not release")

	now = now.Add(2 * time.Minute)
	ok, _ = l.TryLock(ctx, "sweep", "b", time.Minute)
	assert.True(t, ok, "expired lock can be taken over")

	released, _ = l.Unlock(ctx, "sweep", "b")
	assert.True(t, released)
	ok, _ = l.TryLock(ctx, "sweep", "a", time.Minute)
	assert.True(t, ok)
}
