package coremodel

import (
	"regexp"
	"strings"
	"time"
)

// DeviceEUI 网络服务器可寻址的设备标识（16位十六进制，LoRaWAN DevEUI）
type DeviceEUI string

var devEUIPattern = regexp.MustCompile(`^[0-9a-fA-F]{16}$`)

// Valid 校验格式
func (d DeviceEUI) Valid() bool { return devEUIPattern.MatchString(string(d)) }

// Normalize 统一为小写
func (d DeviceEUI) Normalize() DeviceEUI { return DeviceEUI(strings.ToLower(string(d))) }

// CommandKind 指令类型
type CommandKind string

const (
	KindSwitchOn     CommandKind = "switch_on"
	KindSwitchOff    CommandKind = "switch_off"
	KindUpdateCredit CommandKind = "update_credit"
	KindReadMeter    CommandKind = "read_meter"
	KindResetMeter   CommandKind = "reset_meter"
	KindUpdateConfig CommandKind = "update_config"
)

// AllKinds 全部已知指令类型
var AllKinds = []CommandKind{
	KindSwitchOn, KindSwitchOff, KindUpdateCredit, KindReadMeter, KindResetMeter, KindUpdateConfig,
}

// Valid 是否为已知类型
func (k CommandKind) Valid() bool {
	for _, v := range AllKinds {
		if v == k {
			return true
		}
	}
	return false
}

// CommandStatus 指令状态
type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusQueued    CommandStatus = "queued"
	StatusSent      CommandStatus = "sent"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
	StatusCancelled CommandStatus = "cancelled"
)

// ActiveStatuses 占用 (device, kind) 唯一约束的状态
var ActiveStatuses = []CommandStatus{StatusPending, StatusQueued, StatusSent}

// Active pending/queued/sent
func (s CommandStatus) Active() bool {
	return s == StatusPending || s == StatusQueued || s == StatusSent
}

// Terminal completed/failed/cancelled，终态不再迁移
func (s CommandStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Cancellable 仅 pending/queued 可取消；sent 不做远程撤回
func (s CommandStatus) Cancellable() bool {
	return s == StatusPending || s == StatusQueued
}

// 状态迁移表
//
//	pending -> queued | cancelled
//	queued  -> sent | pending(重试/回滚) | failed | cancelled
//	sent    -> completed | failed
var transitions = map[CommandStatus][]CommandStatus{
	StatusPending: {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusSent, StatusPending, StatusFailed, StatusCancelled},
	StatusSent:    {StatusCompleted, StatusFailed},
}

// CanTransition 判断状态迁移是否合法
func CanTransition(from, to CommandStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const (
	PriorityMin = 1
	PriorityMax = 10

	DefaultMaxRetries = 3
)

// ClampPriority 将优先级限制在 1..10
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// Command 下行指令记录
type Command struct {
	ID           int64         `json:"id"`
	DeviceEUI    DeviceEUI     `json:"device_eui"`
	Kind         CommandKind   `json:"kind"`
	Params       []byte        `json:"params,omitempty"`
	Status       CommandStatus `json:"status"`
	Priority     int           `json:"priority"`
	Confirmed    bool          `json:"confirmed"`
	ScheduledAt  *time.Time    `json:"scheduled_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	SentAt       *time.Time    `json:"sent_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	RetryCount   int           `json:"retry_count"`
	MaxRetries   int           `json:"max_retries"`
	CreatedBy    *string       `json:"created_by,omitempty"`
	// 认领租约：queued 记录的持有者与时间，崩溃后据此回收
	ClaimedBy *string    `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	// queued 在途时被取消：状态已为 cancelled，发送结果回写后清除
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// Due 是否到达可调度时间
func (c *Command) Due(now time.Time) bool {
	return c.ScheduledAt == nil || !c.ScheduledAt.After(now)
}

// RetriesLeft 是否还可以重试
func (c *Command) RetriesLeft() bool {
	return c.RetryCount < c.MaxRetries
}

// Less 认领顺序：priority ASC, scheduled_at ASC（NULL 视为最早）, id ASC
func (c *Command) Less(o *Command) bool {
	if c.Priority != o.Priority {
		return c.Priority < o.Priority
	}
	ca, oa := c.ScheduledAt, o.ScheduledAt
	switch {
	case ca == nil && oa != nil:
		return true
	case ca != nil && oa == nil:
		return false
	case ca != nil && oa != nil && !ca.Equal(*oa):
		return ca.Before(*oa)
	}
	return c.ID < o.ID
}

// NewCommand 构造带默认值的 pending 指令
func NewCommand(dev DeviceEUI, kind CommandKind, params []byte, priority int, actor string) *Command {
	c := &Command{
		DeviceEUI:  dev.Normalize(),
		Kind:       kind,
		Params:     params,
		Status:     StatusPending,
		Priority:   ClampPriority(priority),
		MaxRetries: DefaultMaxRetries,
	}
	if actor != "" {
		a := actor
		c.CreatedBy = &a
	}
	return c
}

// MeterLink 设备与单元/能源类型的关联（只读）
type MeterLink struct {
	DeviceEUI  DeviceEUI `json:"device_eui"`
	DeviceType string    `json:"device_type"`
	UnitID     int64     `json:"unit_id"`
	Utility    string    `json:"utility"`
	Active     bool      `json:"active"`
	Port       int       `json:"port"`
}

const UtilityElectricity = "electricity"

// MeterBalance 策略评估输入：电表 + 钱包余额快照
type MeterBalance struct {
	DeviceEUI          DeviceEUI    `json:"device_eui"`
	UnitID             int64        `json:"unit_id"`
	UnitNumber         string       `json:"unit_number,omitempty"`
	DeviceType         string       `json:"device_type,omitempty"`
	ElectricityBalance float64      `json:"electricity_balance"`
	LastExecutedKind   *CommandKind `json:"last_executed_kind,omitempty"`
}
