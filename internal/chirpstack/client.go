package chirpstack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
	"github.com/taoyao-code/meter-dispatch/internal/metrics"
	"github.com/taoyao-code/meter-dispatch/internal/protocol/modbus"
)

// DefaultTimeout 单次调用超时，客户端内部不做重试（重试策略归调度器）
const DefaultTimeout = 30 * time.Second

// Outcome 调用结果分类
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
)

// Classify 将客户端错误归类
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if coremodel.Retryable(err) {
		return OutcomeTransient
	}
	return OutcomePermanent
}

// QueueEntry 设备下行队列中的条目（GET 返回）
type QueueEntry struct {
	ID        string `json:"id"`
	Confirmed bool   `json:"confirmed"`
	FPort     int    `json:"fPort"`
	Data      string `json:"data"`
	IsPending bool   `json:"isPending"`
	FCntDown  uint32 `json:"fCntDown"`
}

type queueListResponse struct {
	TotalCount int          `json:"totalCount"`
	Result     []QueueEntry `json:"result"`
}

// Options 客户端配置
type Options struct {
	BaseURL     string
	APIKey      string
	DefaultPort int
	Timeout     time.Duration
	HTTPClient  *http.Client
	Limiter     *Limiter
	Breaker     *Breaker
	Metrics     *metrics.AppMetrics
	Logger      *zap.Logger
}

// Client ChirpStack REST 下行客户端（无状态）
type Client struct {
	baseURL     string
	apiKey      string
	defaultPort int
	http        *http.Client
	limiter     *Limiter
	breaker     *Breaker
	metrics     *metrics.AppMetrics
	logger      *zap.Logger
}

// NewClient 创建客户端；凭据为空不在此处报错，调用时快速失败
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	port := opts.DefaultPort
	if port <= 0 {
		port = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		defaultPort: port,
		http:        hc,
		limiter:     opts.Limiter,
		breaker:     opts.Breaker,
		metrics:     opts.Metrics,
		logger:      logger,
	}
	if c.breaker != nil && c.metrics != nil {
		c.breaker.SetStateChangeCallback(func(from, to BreakerState) {
			c.metrics.BreakerState.Set(float64(to))
			c.logger.Warn("network server breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		})
	}
	return c
}

// CheckConfig 启动前检查凭据与地址
func (c *Client) CheckConfig() error {
	if strings.TrimSpace(c.apiKey) == "" {
		return &coremodel.ConfigError{Key: "NS_API_KEY", Reason: "empty"}
	}
	if c.baseURL == "" {
		return &coremodel.ConfigError{Key: "NS_BASE_URL", Reason: "empty"}
	}
	return nil
}

// Breaker 暴露熔断器给健康检查
func (c *Client) Breaker() *Breaker { return c.breaker }

// Enqueue 向设备下行队列投递一帧：POST /api/devices/{eui}/queue，200/201 视为成功
func (c *Client) Enqueue(ctx context.Context, devEUI coremodel.DeviceEUI, payload []byte, port int, confirmed bool) error {
	if port <= 0 {
		port = c.defaultPort
	}
	body, err := json.Marshal(modbus.NewQueueRequest(payload, port, confirmed))
	if err != nil {
		return &coremodel.ProtocolError{Msg: fmt.Sprintf("marshal queue item: %v", err)}
	}
	c.logger.Info("sending downlink",
		zap.String("dev_eui", string(devEUI)),
		zap.Int("f_port", port),
		zap.Bool("confirmed", confirmed),
		zap.String("payload_hex", fmt.Sprintf("%x", payload)))

	_, err = c.do(ctx, "enqueue", http.MethodPost, devEUI, body)
	return err
}

// ListQueue 查询设备下行队列：GET /api/devices/{eui}/queue
func (c *Client) ListQueue(ctx context.Context, devEUI coremodel.DeviceEUI) ([]QueueEntry, error) {
	raw, err := c.do(ctx, "list", http.MethodGet, devEUI, nil)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return []QueueEntry{}, nil
	}
	var resp queueListResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &coremodel.ProtocolError{StatusCode: http.StatusOK, Msg: fmt.Sprintf("decode queue: %v", err)}
	}
	if resp.Result == nil {
		resp.Result = []QueueEntry{}
	}
	return resp.Result, nil
}

// FlushQueue 清空设备下行队列：DELETE /api/devices/{eui}/queue
func (c *Client) FlushQueue(ctx context.Context, devEUI coremodel.DeviceEUI) error {
	_, err := c.do(ctx, "flush", http.MethodDelete, devEUI, nil)
	return err
}

func (c *Client) do(ctx context.Context, op, method string, devEUI coremodel.DeviceEUI, body []byte) (respBody []byte, err error) {
	start := time.Now()
	defer func() {
		outcome := Classify(err)
		if c.metrics != nil {
			c.metrics.DownlinkRequests.WithLabelValues(op, string(outcome)).Inc()
			c.metrics.DownlinkDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			c.logger.Warn("network server request failed",
				zap.String("op", op),
				zap.String("dev_eui", string(devEUI)),
				zap.String("outcome", string(outcome)),
				zap.Error(err))
		}
	}()

	// 凭据缺失属于配置错误：不发请求、不重试
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, &coremodel.ConfigError{Key: "NS_API_KEY", Reason: "network server api key not configured"}
	}
	if !devEUI.Valid() {
		return nil, &coremodel.ProtocolError{Msg: fmt.Sprintf("invalid device eui %q", devEUI)}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &coremodel.TransportError{Msg: fmt.Sprintf("rate limiter: %v", err)}
	}
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return nil, &coremodel.TransportError{Msg: err.Error()}
		}
	}

	respBody, err = c.roundTrip(ctx, method, devEUI, body)
	if c.breaker != nil {
		c.breaker.Record(coremodel.Retryable(err))
	}
	return respBody, err
}

func (c *Client) roundTrip(ctx context.Context, method string, devEUI coremodel.DeviceEUI, body []byte) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/api/devices/%s/queue", c.baseURL, url.PathEscape(string(devEUI)))

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &coremodel.ConfigError{Key: "NS_BASE_URL", Reason: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &coremodel.TransportError{Msg: "network server request timed out"}
		}
		return nil, &coremodel.TransportError{Msg: fmt.Sprintf("failed to connect to network server: %v", err)}
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return raw, nil
	}
	if readErr != nil {
		raw = nil
	}
	return nil, classifyStatus(resp.StatusCode, diagnostic(resp.StatusCode, raw))
}

// classifyStatus 408/429/5xx 为瞬时；401/403 与其余 4xx 为永久
func classifyStatus(code int, msg string) error {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return &coremodel.TransportError{StatusCode: code, Msg: msg}
	default:
		return &coremodel.ProtocolError{StatusCode: code, Msg: msg}
	}
}

// diagnostic 错误信息优先级：JSON message > JSON error > 原始 body > 状态码
func diagnostic(code int, body []byte) string {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		if s, ok := parsed["message"].(string); ok && s != "" {
			return s
		}
		if s, ok := parsed["error"].(string); ok && s != "" {
			return s
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fmt.Sprintf("network server error: %d", code)
}
