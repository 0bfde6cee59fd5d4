package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPPublisher 将审计事件发布到 topic exchange，routing key 为事件类型
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	timeout  time.Duration
	logger   *zap.Logger
}

// DialAMQP 连接 RabbitMQ 并声明 durable topic exchange
func DialAMQP(url, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare exchange: %w", err)
	}
	logger.Info("amqp audit publisher ready", zap.String("exchange", exchange))
	return &AMQPPublisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		timeout:  5 * time.Second,
		logger:   logger,
	}, nil
}

// Publish 同步发布单个事件
func (p *AMQPPublisher) Publish(ctx context.Context, e *Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		string(e.EventType),
		false, // mandatory
		false, // immediate
		publishing(e, body),
	)
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func publishing(e *Event, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    e.EventID,
		Timestamp:    time.Unix(e.Timestamp, 0),
		Type:         string(e.EventType),
		Body:         body,
		DeliveryMode: amqp.Persistent,
	}
}

// Emit 发布失败只记录日志
func (p *AMQPPublisher) Emit(ctx context.Context, e *Event) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.Publish(pctx, e); err != nil {
		p.logger.Warn("audit publish failed",
			zap.String("event_id", e.EventID),
			zap.String("event_type", string(e.EventType)),
			zap.Error(err))
		return
	}
	p.logger.Debug("audit event published",
		zap.String("event_id", e.EventID),
		zap.String("routing_key", string(e.EventType)))
}

// Close 关闭通道与连接
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
