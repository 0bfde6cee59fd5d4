package modbus

import (
	"encoding/base64"
	"fmt"
)

// QueueItem 网络服务器下行队列条目
type QueueItem struct {
	Confirmed bool   `json:"confirmed"`
	Data      string `json:"data"`
	FPort     int    `json:"fPort"`
}

// QueueRequest POST /api/devices/{eui}/queue 请求体
type QueueRequest struct {
	QueueItem QueueItem `json:"queueItem"`
}

// NewQueueRequest 原始载荷 base64 包装
func NewQueueRequest(payload []byte, port int, confirmed bool) QueueRequest {
	return QueueRequest{QueueItem: QueueItem{
		Confirmed: confirmed,
		Data:      base64.StdEncoding.EncodeToString(payload),
		FPort:     port,
	}}
}

// Payload 解出原始字节
func (q QueueItem) Payload() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(q.Data)
	if err != nil {
		return nil, fmt.Errorf("decode queue item data: %w", err)
	}
	return b, nil
}
