package storage

import (
	"context"
	"time"

	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
)

// CommandStore 指令队列存储抽象，是指令状态的唯一事实来源。
// 约束：
// - 每个方法是一个独立事务；调度器对每条指令的结果只调用一次写方法
// - (device_eui, kind) 在 pending/queued/sent 中至多一条，由实现原子保证
// - 终态记录不再迁移
type CommandStore interface {
	// Insert 插入 pending 指令；已有活动指令时返回 *coremodel.ConflictError（含已有ID）
	Insert(ctx context.Context, cmd *coremodel.Command) (int64, error)
	// ClaimBatch 认领最多 n 条到期 pending 指令并置为 queued，多个调度器并发调用结果互不相交
	ClaimBatch(ctx context.Context, n int, now time.Time, owner string) ([]coremodel.Command, error)

	// MarkSent queued -> sent；记录已被取消时只记 sent_at，返回实际状态。
	// owner 不再持有认领时返回 ErrClaimLost
	MarkSent(ctx context.Context, id int64, owner string, now time.Time) (coremodel.CommandStatus, error)
	// MarkCompleted sent -> completed
	MarkCompleted(ctx context.Context, id int64, now time.Time) error
	// MarkFailed retryAt 非空且仍有重试次数时回到 pending（retry_count+1），否则 failed
	// owner 校验同 MarkSent
	MarkFailed(ctx context.Context, id int64, owner string, now time.Time, errMsg string, retryAt *time.Time) (coremodel.CommandStatus, error)
	// Cancel 仅 pending/queued 可取消；sent 返回 ErrInFlight
	Cancel(ctx context.Context, id int64, now time.Time) (*coremodel.Command, error)
	// Supersede 在同一事务中取消 (device, kind) 的活动指令并插入替换指令
	Supersede(ctx context.Context, req SupersedeRequest) (*SupersedeResult, error)

	// Get 读取单条指令，不存在返回 ErrNotFound
	Get(ctx context.Context, id int64) (*coremodel.Command, error)
	// List 按条件列出指令，id 倒序
	List(ctx context.Context, f ListFilter) ([]coremodel.Command, error)
	// ActiveCommand (device, kind) 当前的活动指令，没有时返回 nil
	ActiveCommand(ctx context.Context, dev coremodel.DeviceEUI, kind coremodel.CommandKind) (*coremodel.Command, error)
	// LastExecutedKind 设备在给定类型中最近一次已发送（sent/completed）的指令类型
	LastExecutedKind(ctx context.Context, dev coremodel.DeviceEUI, kinds []coremodel.CommandKind) (*coremodel.CommandKind, error)
	// Stats 各状态数量
	Stats(ctx context.Context) (map[coremodel.CommandStatus]int64, error)

	// ReleaseClaimed 停机时将本实例认领未发送的记录回滚为 pending
	ReleaseClaimed(ctx context.Context, owner string) (int64, error)
	// ReclaimExpired 回收认领时间早于 leaseBefore 的 queued 记录（崩溃实例遗留）
	ReclaimExpired(ctx context.Context, leaseBefore time.Time) (int64, error)
	// ExpireSent ACK 超时：非确认下行 -> completed，确认下行 -> failed
	ExpireSent(ctx context.Context, sentBefore, now time.Time) ([]coremodel.Command, error)
	// Acknowledge 上行 ACK：将设备最早的 sent 指令置为 completed
	Acknowledge(ctx context.Context, dev coremodel.DeviceEUI, now time.Time) (*coremodel.Command, error)
}

// Purger 终态记录保留期清理
type Purger interface {
	// PurgeTerminal 删除 updated_at 早于 before 的 completed/failed/cancelled 记录
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// SnapshotSource 策略评估输入（电表 + 钱包余额，只读）
type SnapshotSource interface {
	Balances(ctx context.Context) ([]coremodel.MeterBalance, error)
}

// DeviceDirectory 设备类型查询，用于选择下行 profile
type DeviceDirectory interface {
	DeviceType(ctx context.Context, dev coremodel.DeviceEUI) (string, error)
}

// ListFilter 列表查询条件，零值字段不参与过滤
type ListFilter struct {
	DeviceEUI coremodel.DeviceEUI
	Kind      coremodel.CommandKind
	Status    coremodel.CommandStatus
	Limit     int
	Offset    int
}

// Normalize 填充分页默认值
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.DeviceEUI = f.DeviceEUI.Normalize()
	return f
}

// SupersedeRequest 替换请求
type SupersedeRequest struct {
	DeviceEUI coremodel.DeviceEUI
	Kind      coremodel.CommandKind
	Params    []byte
	Priority  int
	Confirmed bool
	Actor     string
	Now       time.Time
}

// SupersedeResult 被取消的旧指令ID（无则为0）与新指令
type SupersedeResult struct {
	CancelledID int64
	Command     *coremodel.Command
}

// AckTimeoutMessage ACK 超时时写入 error_message
const AckTimeoutMessage = "ack timeout"
