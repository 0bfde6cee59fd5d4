package app

import (
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/meter-dispatch/internal/audit"
	"github.com/taoyao-code/meter-dispatch/internal/chirpstack"
	cfgpkg "github.com/taoyao-code/meter-dispatch/internal/config"
	"github.com/taoyao-code/meter-dispatch/internal/dispatch"
	"github.com/taoyao-code/meter-dispatch/internal/metrics"
	"github.com/taoyao-code/meter-dispatch/internal/protocol/modbus"
	"github.com/taoyao-code/meter-dispatch/internal/storage"
)

// NewNetworkClient 创建限流与熔断保护的网络服务器客户端
func NewNetworkClient(cfg cfgpkg.NetworkServerConfig, appm *metrics.AppMetrics, log *zap.Logger) *chirpstack.Client {
	client := chirpstack.NewClient(chirpstack.Options{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		DefaultPort: cfg.Port,
		Timeout:     cfg.Timeout,
		Limiter:     chirpstack.NewLimiter(cfg.RatePerSec, cfg.Burst),
		Breaker:     chirpstack.NewBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
		Metrics:     appm,
		Logger:      log.Named("chirpstack"),
	})
	log.Info("network server client initialized",
		zap.String("base_url", cfg.BaseURL),
		zap.Int("port", cfg.Port),
		zap.Int("rate_per_sec", cfg.RatePerSec))
	return client
}

// LoadProfiles 读取设备类型下行配置；未配置路径时使用内置配置
func LoadProfiles(cfg cfgpkg.NetworkServerConfig, log *zap.Logger) (*modbus.ProfileSet, error) {
	if cfg.ProfilesPath == "" {
		return modbus.DefaultProfiles(), nil
	}
	set, err := modbus.LoadProfiles(cfg.ProfilesPath, cfg.Port)
	if err != nil {
		return nil, err
	}
	log.Info("device profiles loaded", zap.String("path", cfg.ProfilesPath))
	return set, nil
}

// NewDispatcher 组装调度器；sendTimeout 与网络服务器客户端超时一致
func NewDispatcher(
	cfg cfgpkg.DispatchConfig,
	sendTimeout time.Duration,
	store storage.CommandStore,
	devices storage.DeviceDirectory,
	client *chirpstack.Client,
	profiles *modbus.ProfileSet,
	emitter audit.Emitter,
	appm *metrics.AppMetrics,
	serverID string,
	log *zap.Logger,
) *dispatch.Dispatcher {
	return dispatch.New(store, client, modbus.NewEncoder(profiles), dispatch.Config{
		BatchSize:    cfg.BatchSize,
		TickInterval: cfg.TickInterval,
		TickTimeout:  cfg.TickTimeout,
		AckTimeout:   cfg.AckTimeout,
		RetryBase:    cfg.RetryBase,
		RetryCap:     cfg.RetryCap,
		ClaimLease:   cfg.ClaimLease,
		SendTimeout:  sendTimeout,
	},
		dispatch.WithAudit(emitter),
		dispatch.WithMetrics(appm),
		dispatch.WithLogger(log.Named("dispatcher")),
		dispatch.WithDevices(devices),
		dispatch.WithOwner(serverID),
	)
}
