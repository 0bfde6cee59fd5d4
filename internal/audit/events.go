package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
)

// EventType 审计事件类型
type EventType string

const (
	EventCommandEnqueued   EventType = "command.enqueued"
	EventCommandSent       EventType = "command.sent"
	EventCommandCompleted  EventType = "command.completed"
	EventCommandRetry      EventType = "command.retry"
	EventCommandFailed     EventType = "command.failed"
	EventCommandCancelled  EventType = "command.cancelled"
	EventCommandSuperseded EventType = "command.superseded"
	EventSweepCompleted    EventType = "sweep.completed"
	EventSettingUpdated    EventType = "setting.updated"
)

// Event 审计事件
type Event struct {
	EventID   string         `json:"event_id"` // 去重用
	EventType EventType      `json:"event_type"`
	DeviceEUI string         `json:"device_eui,omitempty"`
	CommandID int64          `json:"command_id,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Timestamp int64          `json:"timestamp"` // Unix 秒
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent 创建事件
func NewEvent(t EventType, data map[string]any) *Event {
	return &Event{
		EventID:   uuid.NewString(),
		EventType: t,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}
}

// CommandEvent 由指令记录生成事件
func CommandEvent(t EventType, c *coremodel.Command) *Event {
	e := NewEvent(t, map[string]any{
		"kind":        string(c.Kind),
		"status":      string(c.Status),
		"priority":    c.Priority,
		"retry_count": c.RetryCount,
	})
	e.DeviceEUI = string(c.DeviceEUI)
	e.CommandID = c.ID
	if c.CreatedBy != nil {
		e.Actor = *c.CreatedBy
	}
	if c.ErrorMessage != nil {
		e.Data["error_message"] = *c.ErrorMessage
	}
	return e
}

// Emitter 审计输出；实现不得阻塞调用方，失败只记录日志
type Emitter interface {
	Emit(ctx context.Context, e *Event)
}

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) Emit(context.Context, *Event) {}

// Multi 依次分发到多个输出
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e *Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(ctx, e)
		}
	}
}
