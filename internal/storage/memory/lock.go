package memory

import (
	"context"
	"sync"
	"time"
)

// Lock 进程内带过期的互斥锁，未启用 Redis 时替代 redis.Lock
type Lock struct {
	mu    sync.Mutex
	held  map[string]lockEntry
	clock func() time.Time
}

type lockEntry struct {
	owner   string
	expires time.Time
}

func NewLock() *Lock {
	return &Lock{held: make(map[string]lockEntry), clock: time.Now}
}

// TryLock 未被持有或已过期时获取
func (l *Lock) TryLock(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if e, ok := l.held[name]; ok && now.Before(e.expires) {
		return false, nil
	}
	l.held[name] = lockEntry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Unlock 仅持有者可释放
func (l *Lock) Unlock(_ context.Context, name, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held[name]
	if !ok || e.owner != owner {
		return false, nil
	}
	delete(l.held, name)
	return true, nil
}
