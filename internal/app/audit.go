package app

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/meter-dispatch/internal/audit"
	cfgpkg "github.com/taoyao-code/meter-dispatch/internal/config"
)

const webhookQueueSize = 1024

// NewAuditEmitter 组装审计输出：日志始终开启，AMQP 与 webhook 按配置启用。
// 返回的 closer 需在退出时调用
func NewAuditEmitter(ctx context.Context, cfg cfgpkg.AuditConfig, logger *zap.Logger) (audit.Emitter, func()) {
	emitters := audit.Multi{audit.NewLogEmitter(logger)}
	var closers []func()

	if cfg.AMQP.Enabled {
		pub, err := audit.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			// 审计通道不可用不阻塞启动
			logger.Warn("amqp audit publisher unavailable", zap.Error(err))
		} else {
			emitters = append(emitters, pub)
			closers = append(closers, func() { _ = pub.Close() })
			logger.Info("amqp audit publisher enabled", zap.String("exchange", cfg.AMQP.Exchange))
		}
	}

	if cfg.Webhook.URL != "" {
		wh := audit.NewWebhook(&http.Client{Timeout: 10 * time.Second},
			cfg.Webhook.URL, cfg.Webhook.APIKey, cfg.Webhook.Secret, webhookQueueSize, logger)
		go wh.Start(ctx)
		emitters = append(emitters, wh)
		closers = append(closers, wh.Close)
		logger.Info("audit webhook enabled", zap.String("url", cfg.Webhook.URL))
	}

	return emitters, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}
