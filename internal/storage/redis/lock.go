package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// 仅持有者可释放
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Lock 基于 SET NX PX 的分布式互斥锁
type Lock struct {
	client *Client
	prefix string
}

// NewLock 创建锁，key 统一加 prefix
func NewLock(client *Client, prefix string) *Lock {
	return &Lock{client: client, prefix: prefix}
}

// TryLock 尝试获取锁，已被他人持有时返回 false
func (l *Lock) TryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+name, owner, ttl).Result()
}

// Unlock 释放自己持有的锁；返回是否实际删除
func (l *Lock) Unlock(ctx context.Context, name, owner string) (bool, error) {
	n, err := unlockScript.Run(ctx, l.client, []string{l.prefix + name}, owner).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
