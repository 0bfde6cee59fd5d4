package coremodel

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedCommand 编码器不支持的指令
	ErrUnsupportedCommand = errors.New("unsupported command")
	// ErrConflict (device, kind) 已存在活动指令
	ErrConflict = errors.New("active command already exists")
	// ErrNotFound 指令不存在
	ErrNotFound = errors.New("command not found")
	// ErrInvalidTransition 非法状态迁移（终态不可迁出等）
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInFlight 已发送的指令不可取消或替换
	ErrInFlight = errors.New("command already sent")
	// ErrClaimLost 认领已被回收或转给其他实例，结果不再回写
	ErrClaimLost = errors.New("claim no longer held")
)

// ConfigError 配置缺失或非法，调度器拒绝启动
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Key, e.Reason)
}

// CodecError 指令无法编码，终态 failed，不重试
type CodecError struct {
	Kind CommandKind
	Err  error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec error (%s): %v", e.Kind, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// TransportError 网络错误/超时/408/429/5xx，可退避重试
type TransportError struct {
	StatusCode int
	Msg        string
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error (http %d): %s", e.StatusCode, e.Msg)
	}
	return "transport error: " + e.Msg
}

// ProtocolError 其他 4xx 或设备级拒绝，终态 failed
type ProtocolError struct {
	StatusCode int
	Msg        string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (http %d): %s", e.StatusCode, e.Msg)
}

// ConflictError 唯一约束冲突，携带已有记录ID
type ConflictError struct {
	ExistingID int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: id=%d", ErrConflict, e.ExistingID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InternalError 数据库不可用或不变量被破坏；中止当前 tick
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error (%s): %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// Retryable 判断错误是否可以退避重试
func Retryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ExistingID 从冲突错误中取出已有记录ID
func ExistingID(err error) (int64, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.ExistingID, true
	}
	return 0, false
}
