package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Webhook 将审计事件以签名 JSON 推送到外部地址，异步队列 + 有限重试
type Webhook struct {
	Client   *http.Client
	Endpoint string
	APIKey   string
	Secret   string
	Retries  int
	Backoff  []time.Duration

	logger *zap.Logger
	queue  chan *Event
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWebhook queueSize<=0 时取 256
func NewWebhook(client *http.Client, endpoint, apiKey, secret string, queueSize int, logger *zap.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Webhook{
		Client:   client,
		Endpoint: endpoint,
		APIKey:   apiKey,
		Secret:   secret,
		Retries:  3,
		Backoff:  []time.Duration{200 * time.Millisecond, time.Second, 2 * time.Second},
		logger:   logger,
		queue:    make(chan *Event, queueSize),
	}
}

// Start 启动消费协程，ctx 结束或 Close 后退出
func (w *Webhook) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.queue:
				if !ok {
					return
				}
				if _, err := w.Send(ctx, e); err != nil {
					w.logger.Warn("audit webhook push failed",
						zap.String("event_id", e.EventID),
						zap.String("event_type", string(e.EventType)),
						zap.Error(err))
				}
			}
		}
	}()
}

// Close 停止接收并等待队列排空
func (w *Webhook) Close() {
	w.once.Do(func() { close(w.queue) })
	w.wg.Wait()
}

// Emit 入队；队列满时丢弃并告警
func (w *Webhook) Emit(_ context.Context, e *Event) {
	select {
	case w.queue <- e:
	default:
		w.logger.Warn("audit webhook queue full, event dropped",
			zap.String("event_id", e.EventID),
			zap.String("event_type", string(e.EventType)))
	}
}

// Send 同步推送，网络错误与 5xx 重试，其余非 2xx 直接返回
func (w *Webhook) Send(ctx context.Context, e *Event) (int, error) {
	u, err := url.Parse(w.Endpoint)
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	bodyHex := hashHex(body)

	var code int
	var lastErr error
	for attempt := 0; attempt <= w.Retries; attempt++ {
		// 每次重试重新签名，时间戳保持新鲜
		ts := time.Now().Unix()
		nonce := fmt.Sprintf("%08x", rand.Uint32())
		sig := SignHMAC(w.Secret, buildCanonical(http.MethodPost, u.Path, ts, nonce, bodyHex))

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Api-Key", w.APIKey)
		req.Header.Set("X-Signature", sig)
		req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("X-Nonce", nonce)
		req.Header.Set("X-Event-Id", e.EventID)

		resp, err := w.Client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			code = resp.StatusCode
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if code >= 200 && code < 300 {
				return code, nil
			}
			if code < 500 {
				return code, fmt.Errorf("http %d", code)
			}
			lastErr = fmt.Errorf("http %d", code)
		}
		if attempt == w.Retries {
			break
		}
		backoff := w.Backoff[min(attempt, len(w.Backoff)-1)]
		select {
		case <-ctx.Done():
			return code, ctx.Err()
		case <-time.After(backoff):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("webhook push failed")
	}
	return code, lastErr
}
