package pg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
	"github.com/taoyao-code/meter-dispatch/internal/storage"
)

var (
	_ storage.CommandStore    = (*Repository)(nil)
	_ storage.Purger          = (*Repository)(nil)
	_ storage.SnapshotSource  = (*Repository)(nil)
	_ storage.DeviceDirectory = (*Repository)(nil)
)

// Repository 基于 pgx 的指令存储，每个写方法一个事务
type Repository struct {
	Pool *pgxpool.Pool
}

const commandColumns = `id, device_eui, kind, params, status, priority, confirmed, scheduled_at,
       created_at, updated_at, sent_at, completed_at, error_message, retry_count, max_retries,
       created_by, claimed_by, claimed_at, cancel_requested`

const activeStatuses = `('pending','queued','sent')`

// pgUniqueViolation 唯一约束冲突
const pgUniqueViolation = "23505"

func scanCommand(row pgx.Row) (*coremodel.Command, error) {
	var (
		c         coremodel.Command
		dev, kind string
		status    string
		priority  int16
	)
	err := row.Scan(&c.ID, &dev, &kind, &c.Params, &status, &priority, &c.Confirmed, &c.ScheduledAt,
		&c.CreatedAt, &c.UpdatedAt, &c.SentAt, &c.CompletedAt, &c.ErrorMessage, &c.RetryCount, &c.MaxRetries,
		&c.CreatedBy, &c.ClaimedBy, &c.ClaimedAt, &c.CancelRequested)
	if err != nil {
		return nil, err
	}
	c.DeviceEUI = coremodel.DeviceEUI(dev)
	c.Kind = coremodel.CommandKind(kind)
	c.Status = coremodel.CommandStatus(status)
	c.Priority = int(priority)
	return &c, nil
}

func collectCommands(rows pgx.Rows) ([]coremodel.Command, error) {
	defer rows.Close()
	out := make([]coremodel.Command, 0)
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func internalErr(op string, err error) error {
	return &coremodel.InternalError{Op: op, Err: err}
}

// withTx 在事务中执行 fn；fn 返回错误时回滚
func (r *Repository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return internalErr("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return internalErr("commit", err)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func validateNew(dev coremodel.DeviceEUI, kind coremodel.CommandKind) error {
	if !dev.Valid() {
		return fmt.Errorf("insert: invalid device eui %q", dev)
	}
	if !kind.Valid() {
		return fmt.Errorf("insert: %w: %s", coremodel.ErrUnsupportedCommand, kind)
	}
	return nil
}

func insertCommand(ctx context.Context, q querier, cmd *coremodel.Command) error {
	const sql = `INSERT INTO dispatch_commands
               (device_eui, kind, params, status, priority, confirmed, scheduled_at, max_retries, created_by, created_at, updated_at)
               VALUES ($1,$2,$3,'pending',$4,$5,$6,$7,$8,NOW(),NOW())
               ON CONFLICT (device_eui, kind) WHERE status IN ` + activeStatuses + ` DO NOTHING
               RETURNING id, created_at, updated_at`

	if cmd.MaxRetries <= 0 {
		cmd.MaxRetries = coremodel.DefaultMaxRetries
	}
	cmd.DeviceEUI = cmd.DeviceEUI.Normalize()
	cmd.Priority = coremodel.ClampPriority(cmd.Priority)
	cmd.Status = coremodel.StatusPending

	err := q.QueryRow(ctx, sql, string(cmd.DeviceEUI), string(cmd.Kind), cmd.Params, cmd.Priority,
		cmd.Confirmed, cmd.ScheduledAt, cmd.MaxRetries, cmd.CreatedBy).Scan(&cmd.ID, &cmd.CreatedAt, &cmd.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var existing int64
		const findSQL = `SELECT id FROM dispatch_commands
                         WHERE device_eui=$1 AND kind=$2 AND status IN ` + activeStatuses + ` LIMIT 1`
		if err := q.QueryRow(ctx, findSQL, string(cmd.DeviceEUI), string(cmd.Kind)).Scan(&existing); err != nil {
			return internalErr("insert conflict lookup", err)
		}
		return &coremodel.ConflictError{ExistingID: existing}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return &coremodel.ConflictError{}
	}
	if err != nil {
		return internalErr("insert", err)
	}
	return nil
}

// Insert 插入 pending 指令，与活动唯一性检查原子完成
func (r *Repository) Insert(ctx context.Context, cmd *coremodel.Command) (int64, error) {
	if err := validateNew(cmd.DeviceEUI, cmd.Kind); err != nil {
		return 0, err
	}
	if err := insertCommand(ctx, r.Pool, cmd); err != nil {
		return 0, err
	}
	return cmd.ID, nil
}

// ClaimBatch 使用 FOR UPDATE SKIP LOCKED 认领，多实例并发安全
func (r *Repository) ClaimBatch(ctx context.Context, n int, now time.Time, owner string) ([]coremodel.Command, error) {
	if n <= 0 {
		return nil, nil
	}
	sql := `WITH picked AS (
                   SELECT id FROM dispatch_commands
                   WHERE status='pending' AND (scheduled_at IS NULL OR scheduled_at <= $1)
                   ORDER BY priority ASC, scheduled_at ASC NULLS FIRST, id ASC
                   LIMIT $2
                   FOR UPDATE SKIP LOCKED
               )
               UPDATE dispatch_commands c
               SET status='queued', claimed_by=$3, claimed_at=$1, updated_at=$1
               FROM picked WHERE c.id = picked.id
               RETURNING ` + prefixed("c.", commandColumns)

	rows, err := r.Pool.Query(ctx, sql, now, n, owner)
	if err != nil {
		return nil, internalErr("claim", err)
	}
	out, err := collectCommands(rows)
	if err != nil {
		return nil, internalErr("claim", err)
	}
	// RETURNING 不保证顺序
	sort.Slice(out, func(i, j int) bool { return out[i].Less(&out[j]) })
	return out, nil
}

func prefixed(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

type lockedState struct {
	status          coremodel.CommandStatus
	cancelRequested bool
	retryCount      int
	maxRetries      int
	claimedBy       *string
}

// holds 已回收（pending）或被其他实例认领的记录不接受旧认领者的回写
func (st *lockedState) holds(id int64, owner, op string) error {
	switch st.status {
	case coremodel.StatusPending:
	case coremodel.StatusQueued:
		if st.claimedBy != nil && *st.claimedBy == owner {
			return nil
		}
	default:
		return nil
	}
	return fmt.Errorf("%s %d (%s): %w", op, id, st.status, coremodel.ErrClaimLost)
}

func lockCommand(ctx context.Context, tx pgx.Tx, id int64) (*lockedState, error) {
	const sql = `SELECT status, cancel_requested, retry_count, max_retries, claimed_by
                 FROM dispatch_commands WHERE id=$1 FOR UPDATE`
	var (
		st     lockedState
		status string
	)
	err := tx.QueryRow(ctx, sql, id).Scan(&status, &st.cancelRequested, &st.retryCount, &st.maxRetries, &st.claimedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("command %d: %w", id, coremodel.ErrNotFound)
	}
	if err != nil {
		return nil, internalErr("lock", err)
	}
	st.status = coremodel.CommandStatus(status)
	return &st, nil
}

// MarkSent queued -> sent；在途被取消时只回写 sent_at
func (r *Repository) MarkSent(ctx context.Context, id int64, owner string, now time.Time) (coremodel.CommandStatus, error) {
	var result coremodel.CommandStatus
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		st, err := lockCommand(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.status == coremodel.StatusCancelled && st.cancelRequested {
			result = st.status
			_, err := tx.Exec(ctx, `UPDATE dispatch_commands SET sent_at=$2, cancel_requested=FALSE, updated_at=$2 WHERE id=$1`, id, now)
			return wrapExec("mark sent", err)
		}
		if err := st.holds(id, owner, "mark sent"); err != nil {
			result = st.status
			return err
		}
		if !coremodel.CanTransition(st.status, coremodel.StatusSent) {
			result = st.status
			return fmt.Errorf("mark sent %d (%s): %w", id, st.status, coremodel.ErrInvalidTransition)
		}
		result = coremodel.StatusSent
		_, err = tx.Exec(ctx, `UPDATE dispatch_commands
                               SET status='sent', sent_at=$2, claimed_by=NULL, claimed_at=NULL, updated_at=$2
                               WHERE id=$1`, id, now)
		return wrapExec("mark sent", err)
	})
	return result, err
}

func wrapExec(op string, err error) error {
	if err != nil {
		return internalErr(op, err)
	}
	return nil
}

// MarkCompleted sent -> completed
func (r *Repository) MarkCompleted(ctx context.Context, id int64, now time.Time) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE dispatch_commands SET status='completed', completed_at=$2, updated_at=$2
                                  WHERE id=$1 AND status='sent'`, id, now)
	if err != nil {
		return internalErr("mark completed", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("mark completed %d: %w", id, coremodel.ErrInvalidTransition)
}

// MarkFailed 有重试次数且 retryAt 非空时回到 pending，否则 failed
func (r *Repository) MarkFailed(ctx context.Context, id int64, owner string, now time.Time, errMsg string, retryAt *time.Time) (coremodel.CommandStatus, error) {
	var result coremodel.CommandStatus
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		st, err := lockCommand(ctx, tx, id)
		if err != nil {
			return err
		}
		result = st.status
		if st.status == coremodel.StatusCancelled && st.cancelRequested {
			_, err := tx.Exec(ctx, `UPDATE dispatch_commands SET error_message=$2, cancel_requested=FALSE, updated_at=$3 WHERE id=$1`, id, errMsg, now)
			return wrapExec("mark failed", err)
		}
		if err := st.holds(id, owner, "mark failed"); err != nil {
			return err
		}
		if st.status != coremodel.StatusQueued {
			return fmt.Errorf("mark failed %d (%s): %w", id, st.status, coremodel.ErrInvalidTransition)
		}
		if retryAt != nil && st.retryCount < st.maxRetries {
			result = coremodel.StatusPending
			_, err := tx.Exec(ctx, `UPDATE dispatch_commands
                                    SET status='pending', retry_count=retry_count+1, scheduled_at=$2, error_message=$3,
                                        claimed_by=NULL, claimed_at=NULL, updated_at=$4
                                    WHERE id=$1`, id, *retryAt, errMsg, now)
			return wrapExec("mark failed", err)
		}
		result = coremodel.StatusFailed
		_, err = tx.Exec(ctx, `UPDATE dispatch_commands
                               SET status='failed', error_message=$2, claimed_by=NULL, claimed_at=NULL, updated_at=$3
                               WHERE id=$1`, id, errMsg, now)
		return wrapExec("mark failed", err)
	})
	return result, err
}

func cancelLocked(ctx context.Context, tx pgx.Tx, id int64, st *lockedState, now time.Time) (*coremodel.Command, error) {
	switch {
	case st.status == coremodel.StatusSent:
		return nil, fmt.Errorf("cancel %d: %w", id, coremodel.ErrInFlight)
	case !st.status.Cancellable():
		return nil, fmt.Errorf("cancel %d (%s): %w", id, st.status, coremodel.ErrInvalidTransition)
	}
	// queued 记录可能正在发送，发送结果仍会回写
	sql := `UPDATE dispatch_commands
            SET status='cancelled', cancel_requested=$2, claimed_by=NULL, claimed_at=NULL, updated_at=$3
            WHERE id=$1 RETURNING ` + commandColumns
	c, err := scanCommand(tx.QueryRow(ctx, sql, id, st.status == coremodel.StatusQueued, now))
	if err != nil {
		return nil, internalErr("cancel", err)
	}
	return c, nil
}

// Cancel 取消 pending/queued 指令
func (r *Repository) Cancel(ctx context.Context, id int64, now time.Time) (*coremodel.Command, error) {
	var out *coremodel.Command
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		st, err := lockCommand(ctx, tx, id)
		if err != nil {
			return err
		}
		out, err = cancelLocked(ctx, tx, id, st, now)
		return err
	})
	return out, err
}

// Supersede 同一事务内取消旧指令并插入替换指令
func (r *Repository) Supersede(ctx context.Context, req storage.SupersedeRequest) (*storage.SupersedeResult, error) {
	if err := validateNew(req.DeviceEUI, req.Kind); err != nil {
		return nil, err
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	dev := req.DeviceEUI.Normalize()
	res := &storage.SupersedeResult{}

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		const findSQL = `SELECT id FROM dispatch_commands
                         WHERE device_eui=$1 AND kind=$2 AND status IN ` + activeStatuses + `
                         FOR UPDATE`
		var oldID int64
		err := tx.QueryRow(ctx, findSQL, string(dev), string(req.Kind)).Scan(&oldID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return internalErr("supersede lookup", err)
		default:
			st, err := lockCommand(ctx, tx, oldID)
			if err != nil {
				return err
			}
			if _, err := cancelLocked(ctx, tx, oldID, st, now); err != nil {
				return err
			}
			res.CancelledID = oldID
		}

		cmd := coremodel.NewCommand(dev, req.Kind, req.Params, req.Priority, req.Actor)
		cmd.Confirmed = req.Confirmed
		if err := insertCommand(ctx, tx, cmd); err != nil {
			return err
		}
		res.Command = cmd
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Get 读取单条
func (r *Repository) Get(ctx context.Context, id int64) (*coremodel.Command, error) {
	c, err := scanCommand(r.Pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM dispatch_commands WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("command %d: %w", id, coremodel.ErrNotFound)
	}
	if err != nil {
		return nil, internalErr("get", err)
	}
	return c, nil
}

// ActiveCommand (device, kind) 的活动指令，由部分唯一索引保证至多一条
func (r *Repository) ActiveCommand(ctx context.Context, dev coremodel.DeviceEUI, kind coremodel.CommandKind) (*coremodel.Command, error) {
	c, err := scanCommand(r.Pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM dispatch_commands
	    WHERE device_eui=$1 AND kind=$2 AND status IN ('pending','queued','sent')`, string(dev.Normalize()), string(kind)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, internalErr("active command", err)
	}
	return c, nil
}

// List 条件列表，id 倒序
func (r *Repository) List(ctx context.Context, f storage.ListFilter) ([]coremodel.Command, error) {
	f = f.Normalize()
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.DeviceEUI != "" {
		add("device_eui=$%d", string(f.DeviceEUI))
	}
	if f.Kind != "" {
		add("kind=$%d", string(f.Kind))
	}
	if f.Status != "" {
		add("status=$%d", string(f.Status))
	}
	sql := `SELECT ` + commandColumns + ` FROM dispatch_commands`
	if len(conds) > 0 {
		sql += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	sql += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, internalErr("list", err)
	}
	out, err := collectCommands(rows)
	if err != nil {
		return nil, internalErr("list", err)
	}
	return out, nil
}

func kindStrings(kinds []coremodel.CommandKind) []string {
	if len(kinds) == 0 {
		return nil
	}
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// LastExecutedKind 最近一次已发送的指令类型
func (r *Repository) LastExecutedKind(ctx context.Context, dev coremodel.DeviceEUI, kinds []coremodel.CommandKind) (*coremodel.CommandKind, error) {
	const sql = `SELECT kind FROM dispatch_commands
                 WHERE device_eui=$1 AND ($2::text[] IS NULL OR kind = ANY($2))
                   AND status IN ('sent','completed') AND sent_at IS NOT NULL
                 ORDER BY sent_at DESC, id DESC LIMIT 1`
	var kind string
	err := r.Pool.QueryRow(ctx, sql, string(dev.Normalize()), kindStrings(kinds)).Scan(&kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, internalErr("last executed", err)
	}
	k := coremodel.CommandKind(kind)
	return &k, nil
}

// Stats 各状态数量
func (r *Repository) Stats(ctx context.Context) (map[coremodel.CommandStatus]int64, error) {
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM dispatch_commands GROUP BY status`)
	if err != nil {
		return nil, internalErr("stats", err)
	}
	defer rows.Close()
	out := make(map[coremodel.CommandStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, internalErr("stats", err)
		}
		out[coremodel.CommandStatus(status)] = n
	}
	return out, rows.Err()
}

// ReleaseClaimed 停机回滚本实例认领的 queued 记录
func (r *Repository) ReleaseClaimed(ctx context.Context, owner string) (int64, error) {
	tag, err := r.Pool.Exec(ctx, `UPDATE dispatch_commands
                                  SET status='pending', claimed_by=NULL, claimed_at=NULL, updated_at=NOW()
                                  WHERE status='queued' AND claimed_by=$1`, owner)
	if err != nil {
		return 0, internalErr("release claimed", err)
	}
	return tag.RowsAffected(), nil
}

// ReclaimExpired 回收租约过期的 queued 记录
func (r *Repository) ReclaimExpired(ctx context.Context, leaseBefore time.Time) (int64, error) {
	tag, err := r.Pool.Exec(ctx, `UPDATE dispatch_commands
                                  SET status='pending', claimed_by=NULL, claimed_at=NULL, updated_at=NOW()
                                  WHERE status='queued' AND claimed_at < $1`, leaseBefore)
	if err != nil {
		return 0, internalErr("reclaim expired", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeTerminal 删除保留期外的终态记录
func (r *Repository) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM dispatch_commands
                                  WHERE status IN ('completed','failed','cancelled') AND updated_at < $1`, before)
	if err != nil {
		return 0, internalErr("purge terminal", err)
	}
	return tag.RowsAffected(), nil
}

// ExpireSent ACK 超时：非确认 -> completed，确认 -> failed
func (r *Repository) ExpireSent(ctx context.Context, sentBefore, now time.Time) ([]coremodel.Command, error) {
	const sql = `UPDATE dispatch_commands SET
                   status        = CASE WHEN confirmed THEN 'failed' ELSE 'completed' END,
                   completed_at  = CASE WHEN confirmed THEN completed_at ELSE $2 END,
                   error_message = CASE WHEN confirmed THEN $3 ELSE error_message END,
                   updated_at    = $2
                 WHERE status='sent' AND sent_at < $1
                 RETURNING ` + commandColumns

	rows, err := r.Pool.Query(ctx, sql, sentBefore, now, storage.AckTimeoutMessage)
	if err != nil {
		return nil, internalErr("expire sent", err)
	}
	out, err := collectCommands(rows)
	if err != nil {
		return nil, internalErr("expire sent", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Acknowledge 设备 ACK：完成最早发送的 sent 指令
func (r *Repository) Acknowledge(ctx context.Context, dev coremodel.DeviceEUI, now time.Time) (*coremodel.Command, error) {
	const sql = `UPDATE dispatch_commands SET status='completed', completed_at=$2, updated_at=$2
                 WHERE id = (
                   SELECT id FROM dispatch_commands
                   WHERE device_eui=$1 AND status='sent'
                   ORDER BY sent_at ASC, id ASC LIMIT 1
                   FOR UPDATE SKIP LOCKED
                 )
                 RETURNING ` + commandColumns
	c, err := scanCommand(r.Pool.QueryRow(ctx, sql, string(dev.Normalize()), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ack %s: %w", dev, coremodel.ErrNotFound)
	}
	if err != nil {
		return nil, internalErr("acknowledge", err)
	}
	return c, nil
}
