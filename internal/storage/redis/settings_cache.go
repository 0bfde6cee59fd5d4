package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	settingsKeyPrefix = "dispatch:settings:"
	// absentMarker 缓存“设置不存在”，避免每次回源
	absentMarker = "\x00absent"
)

// SettingsCache 多副本共享的设置缓存（String，带 TTL）
type SettingsCache struct {
	client *Client
	ttl    time.Duration
}

// NewSettingsCache 创建设置缓存
func NewSettingsCache(client *Client, ttl time.Duration) *SettingsCache {
	return &SettingsCache{client: client, ttl: ttl}
}

// Get 读取缓存；hit=false 表示需要回源，value=nil 表示设置不存在
func (c *SettingsCache) Get(ctx context.Context, key string) (value *string, hit bool, err error) {
	v, err := c.client.Get(ctx, settingsKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if v == absentMarker {
		return nil, true, nil
	}
	return &v, true, nil
}

// Put 写入缓存；value=nil 记录为不存在
func (c *SettingsCache) Put(ctx context.Context, key string, value *string) error {
	v := absentMarker
	if value != nil {
		v = *value
	}
	return c.client.Set(ctx, settingsKeyPrefix+key, v, c.ttl).Err()
}

// Invalidate 写设置后删除缓存
func (c *SettingsCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, settingsKeyPrefix+key).Err()
}
