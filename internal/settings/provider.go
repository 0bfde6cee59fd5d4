package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
	"github.com/taoyao-code/meter-dispatch/internal/storage/models"
)

// 核心读取的设置项
const (
	KeyCreditControl      = "feature_credit_control"
	KeyThresholdReconnect = "threshold_reconnect"
)

// ErrInvalid key 为空、类型未知或值与类型不符
var ErrInvalid = errors.New("invalid setting")

// MaxCacheTTL 缓存上限，保证策略扫描能及时看到开关变化
const MaxCacheTTL = 30 * time.Second

// Repository 设置持久化（gormrepo.SettingsRepository）
type Repository interface {
	Get(ctx context.Context, key string) (*models.SystemSetting, error)
	List(ctx context.Context) ([]models.SystemSetting, error)
	Upsert(ctx context.Context, s *models.SystemSetting) error
}

// Cache 设置缓存；Redis 实现见 storage/redis.SettingsCache
type Cache interface {
	Get(ctx context.Context, key string) (value *string, hit bool, err error)
	Put(ctx context.Context, key string, value *string) error
	Invalidate(ctx context.Context, key string) error
}

// Entry 对外展示的设置项
type Entry struct {
	Key         string    `json:"key"`
	Value       *string   `json:"value"`
	Kind        string    `json:"kind,omitempty"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Provider 按 key 读取并做类型转换；写入后失效缓存
type Provider struct {
	repo   Repository
	cache  Cache
	logger *zap.Logger
}

// NewProvider cache 为 nil 时使用进程内缓存；ttl<=0 关闭缓存，超过上限截断为 30s
func NewProvider(repo Repository, cache Cache, ttl time.Duration, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	if cache == nil && ttl > 0 {
		cache = newLocalCache(ttl)
	}
	if ttl <= 0 {
		cache = nil
	}
	return &Provider{repo: repo, cache: cache, logger: logger}
}

func (p *Provider) lookup(ctx context.Context, key string) (*string, error) {
	if p.cache != nil {
		v, hit, err := p.cache.Get(ctx, key)
		if err != nil {
			p.logger.Warn("settings cache read failed", zap.String("key", key), zap.Error(err))
		} else if hit {
			return v, nil
		}
	}

	var value *string
	s, err := p.repo.Get(ctx, key)
	switch {
	case errors.Is(err, coremodel.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("settings get %s: %w", key, err)
	default:
		value = s.Value
	}

	if p.cache != nil {
		if err := p.cache.Put(ctx, key, value); err != nil {
			p.logger.Warn("settings cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return value, nil
}

// Bool 不区分大小写等于 "true" 为真；不存在返回 def，读取失败返回 def 与错误
func (p *Provider) Bool(ctx context.Context, key string, def bool) (bool, error) {
	v, err := p.lookup(ctx, key)
	if err != nil {
		return def, err
	}
	if v == nil {
		return def, nil
	}
	return strings.EqualFold(strings.TrimSpace(*v), "true"), nil
}

// Number 解析为 float64；无法解析时返回 def 与错误
func (p *Provider) Number(ctx context.Context, key string, def float64) (float64, error) {
	v, err := p.lookup(ctx, key)
	if err != nil {
		return def, err
	}
	if v == nil || strings.TrimSpace(*v) == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(*v), 64)
	if err != nil {
		return def, fmt.Errorf("settings %s: not a number: %q", key, *v)
	}
	return f, nil
}

// String 原样返回；不存在返回 def
func (p *Provider) String(ctx context.Context, key, def string) (string, error) {
	v, err := p.lookup(ctx, key)
	if err != nil {
		return def, err
	}
	if v == nil {
		return def, nil
	}
	return *v, nil
}

// Get 读取完整设置项
func (p *Provider) Get(ctx context.Context, key string) (*Entry, error) {
	s, err := p.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	e := toEntry(s)
	return &e, nil
}

// SetRequest 写入请求
type SetRequest struct {
	Key         string
	Value       string
	Kind        string
	Category    string
	Description string
	UpdatedBy   string
}

// Set 校验类型后写入，记录修改人并失效缓存
func (p *Provider) Set(ctx context.Context, req SetRequest) (*Entry, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalid)
	}
	kind := req.Kind
	if kind == "" {
		if existing, err := p.repo.Get(ctx, key); err == nil && existing.Type != nil {
			kind = *existing.Type
		} else {
			kind = models.SettingTypeString
		}
	}
	if !models.ValidSettingType(kind) {
		return nil, fmt.Errorf("%w: %s: unknown kind %q", ErrInvalid, key, kind)
	}

	value := req.Value
	switch kind {
	case models.SettingTypeBoolean:
		// 规范化存储，读取仍兼容任意大小写
		value = strconv.FormatBool(strings.EqualFold(strings.TrimSpace(value), "true"))
	case models.SettingTypeNumber:
		if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
			return nil, fmt.Errorf("%w: %s: not a number: %q", ErrInvalid, key, value)
		}
	}

	rec := &models.SystemSetting{Key: key, Value: &value, Type: &kind}
	if req.Category != "" {
		rec.Category = &req.Category
	}
	if req.Description != "" {
		rec.Description = &req.Description
	}
	if req.UpdatedBy != "" {
		rec.UpdatedBy = &req.UpdatedBy
	}
	if err := p.repo.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("settings set %s: %w", key, err)
	}
	if p.cache != nil {
		if err := p.cache.Invalidate(ctx, key); err != nil {
			p.logger.Warn("settings cache invalidate failed", zap.String("key", key), zap.Error(err))
		}
	}
	p.logger.Info("setting updated",
		zap.String("key", key), zap.String("value", value), zap.String("updated_by", req.UpdatedBy))

	e := toEntry(rec)
	return &e, nil
}

// List 全部设置
func (p *Provider) List(ctx context.Context) ([]Entry, error) {
	rows, err := p.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for i := range rows {
		out = append(out, toEntry(&rows[i]))
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toEntry(s *models.SystemSetting) Entry {
	return Entry{
		Key:         s.Key,
		Value:       s.Value,
		Kind:        deref(s.Type),
		Category:    deref(s.Category),
		Description: deref(s.Description),
		UpdatedBy:   deref(s.UpdatedBy),
		UpdatedAt:   s.UpdatedAt,
	}
}

// localCache 进程内 TTL 缓存
type localCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]localEntry
}

type localEntry struct {
	value   *string
	expires time.Time
}

func newLocalCache(ttl time.Duration) *localCache {
	return &localCache{ttl: ttl, now: time.Now, entries: make(map[string]localEntry)}
}

func (c *localCache) Get(_ context.Context, key string) (*string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *localCache) Put(_ context.Context, key string, value *string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = localEntry{value: value, expires: c.now().Add(c.ttl)}
	return nil
}

func (c *localCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}
