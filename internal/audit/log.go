package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogEmitter 以结构化日志输出审计事件（始终启用）
type LogEmitter struct {
	logger *zap.Logger
}

func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmitter{logger: logger.Named("audit")}
}

func (l *LogEmitter) Emit(_ context.Context, e *Event) {
	fields := []zap.Field{
		zap.String("event_id", e.EventID),
		zap.String("event_type", string(e.EventType)),
	}
	if e.DeviceEUI != "" {
		fields = append(fields, zap.String("device_eui", e.DeviceEUI))
	}
	if e.CommandID != 0 {
		fields = append(fields, zap.Int64("command_id", e.CommandID))
	}
	if e.Actor != "" {
		fields = append(fields, zap.String("actor", e.Actor))
	}
	if len(e.Data) > 0 {
		fields = append(fields, zap.Any("data", e.Data))
	}
	l.logger.Info("audit event", fields...)
}
