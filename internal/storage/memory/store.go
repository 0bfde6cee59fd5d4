package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
	"github.com/taoyao-code/meter-dispatch/internal/storage"
)

var (
	_ storage.CommandStore    = (*Store)(nil)
	_ storage.SnapshotSource  = (*Store)(nil)
	_ storage.DeviceDirectory = (*Store)(nil)
	_ storage.Purger          = (*Store)(nil)
)

// Store 进程内指令存储：单把互斥锁保证认领线性化，语义与 pg 实现一致。
// 用于测试与本地开发（storage.driver=memory）。
type Store struct {
	mu       sync.Mutex
	nextID   int64
	commands map[int64]*coremodel.Command
	balances map[coremodel.DeviceEUI]coremodel.MeterBalance
	devTypes map[coremodel.DeviceEUI]string

	// Now 插入时间来源，测试可替换
	Now func() time.Time
}

// NewStore 创建空存储
func NewStore() *Store {
	return &Store{
		commands: make(map[int64]*coremodel.Command),
		balances: make(map[coremodel.DeviceEUI]coremodel.MeterBalance),
		devTypes: make(map[coremodel.DeviceEUI]string),
		Now:      time.Now,
	}
}

func clone(c *coremodel.Command) coremodel.Command {
	out := *c
	if c.Params != nil {
		out.Params = append([]byte(nil), c.Params...)
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }

func (s *Store) activeFor(dev coremodel.DeviceEUI, kind coremodel.CommandKind) *coremodel.Command {
	for _, c := range s.commands {
		if c.DeviceEUI == dev && c.Kind == kind && c.Status.Active() {
			return c
		}
	}
	return nil
}

func (s *Store) insertLocked(cmd *coremodel.Command) (int64, error) {
	if !cmd.DeviceEUI.Valid() {
		return 0, fmt.Errorf("insert: invalid device eui %q", cmd.DeviceEUI)
	}
	if !cmd.Kind.Valid() {
		return 0, fmt.Errorf("insert: %w: %s", coremodel.ErrUnsupportedCommand, cmd.Kind)
	}
	dev := cmd.DeviceEUI.Normalize()
	if existing := s.activeFor(dev, cmd.Kind); existing != nil {
		return 0, &coremodel.ConflictError{ExistingID: existing.ID}
	}

	s.nextID++
	now := s.Now()
	rec := &coremodel.Command{
		ID:          s.nextID,
		DeviceEUI:   dev,
		Kind:        cmd.Kind,
		Status:      coremodel.StatusPending,
		Priority:    coremodel.ClampPriority(cmd.Priority),
		Confirmed:   cmd.Confirmed,
		ScheduledAt: cmd.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
		MaxRetries:  cmd.MaxRetries,
		CreatedBy:   cmd.CreatedBy,
	}
	if cmd.Params != nil {
		rec.Params = append([]byte(nil), cmd.Params...)
	}
	if rec.MaxRetries <= 0 {
		rec.MaxRetries = coremodel.DefaultMaxRetries
	}
	s.commands[rec.ID] = rec

	cmd.ID, cmd.DeviceEUI, cmd.Status, cmd.Priority = rec.ID, rec.DeviceEUI, rec.Status, rec.Priority
	cmd.CreatedAt, cmd.UpdatedAt, cmd.MaxRetries = rec.CreatedAt, rec.UpdatedAt, rec.MaxRetries
	return rec.ID, nil
}

// Insert 插入 pending 指令
func (s *Store) Insert(ctx context.Context, cmd *coremodel.Command) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(cmd)
}

// ClaimBatch 认领到期 pending 指令
func (s *Store) ClaimBatch(ctx context.Context, n int, now time.Time, owner string) ([]coremodel.Command, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*coremodel.Command
	for _, c := range s.commands {
		if c.Status == coremodel.StatusPending && c.Due(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Less(due[j]) })
	if len(due) > n {
		due = due[:n]
	}

	out := make([]coremodel.Command, 0, len(due))
	for _, c := range due {
		o := owner
		c.Status = coremodel.StatusQueued
		c.ClaimedBy = &o
		c.ClaimedAt = timePtr(now)
		c.UpdatedAt = now
		out = append(out, clone(c))
	}
	return out, nil
}

func (s *Store) get(id int64) (*coremodel.Command, error) {
	c, ok := s.commands[id]
	if !ok {
		return nil, fmt.Errorf("command %d: %w", id, coremodel.ErrNotFound)
	}
	return c, nil
}

// MarkSent queued -> sent
func (s *Store) MarkSent(ctx context.Context, id int64, owner string, now time.Time) (coremodel.CommandStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(id)
	if err != nil {
		return "", err
	}
	if c.Status == coremodel.StatusCancelled && c.CancelRequested {
		c.SentAt = timePtr(now)
		c.CancelRequested = false
		c.UpdatedAt = now
		return c.Status, nil
	}
	if err := checkClaim(c, owner, "mark sent"); err != nil {
		return c.Status, err
	}
	if !coremodel.CanTransition(c.Status, coremodel.StatusSent) {
		return c.Status, fmt.Errorf("mark sent %d (%s): %w", id, c.Status, coremodel.ErrInvalidTransition)
	}
	c.Status = coremodel.StatusSent
	c.SentAt = timePtr(now)
	c.ClaimedBy, c.ClaimedAt = nil, nil
	c.UpdatedAt = now
	return c.Status, nil
}

// MarkCompleted sent -> completed
func (s *Store) MarkCompleted(ctx context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(id)
	if err != nil {
		return err
	}
	if c.Status != coremodel.StatusSent {
		return fmt.Errorf("mark completed %d (%s): %w", id, c.Status, coremodel.ErrInvalidTransition)
	}
	c.Status = coremodel.StatusCompleted
	c.CompletedAt = timePtr(now)
	c.UpdatedAt = now
	return nil
}

// MarkFailed 重试或失败
func (s *Store) MarkFailed(ctx context.Context, id int64, owner string, now time.Time, errMsg string, retryAt *time.Time) (coremodel.CommandStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(id)
	if err != nil {
		return "", err
	}
	msg := errMsg
	if c.Status == coremodel.StatusCancelled && c.CancelRequested {
		c.ErrorMessage = &msg
		c.CancelRequested = false
		c.UpdatedAt = now
		return c.Status, nil
	}
	if err := checkClaim(c, owner, "mark failed"); err != nil {
		return c.Status, err
	}
	if c.Status != coremodel.StatusQueued {
		return c.Status, fmt.Errorf("mark failed %d (%s): %w", id, c.Status, coremodel.ErrInvalidTransition)
	}
	c.ErrorMessage = &msg
	c.ClaimedBy, c.ClaimedAt = nil, nil
	c.UpdatedAt = now
	if retryAt != nil && c.RetriesLeft() {
		c.Status = coremodel.StatusPending
		c.RetryCount++
		c.ScheduledAt = timePtr(*retryAt)
		return c.Status, nil
	}
	c.Status = coremodel.StatusFailed
	return c.Status, nil
}

// checkClaim 已回收（pending）或被其他实例认领的记录不接受旧认领者的回写
func checkClaim(c *coremodel.Command, owner, op string) error {
	switch c.Status {
	case coremodel.StatusPending:
	case coremodel.StatusQueued:
		if c.ClaimedBy != nil && *c.ClaimedBy == owner {
			return nil
		}
	default:
		return nil
	}
	return fmt.Errorf("%s %d (%s): %w", op, c.ID, c.Status, coremodel.ErrClaimLost)
}

func cancelLocked(c *coremodel.Command, now time.Time) error {
	switch {
	case c.Status == coremodel.StatusSent:
		return fmt.Errorf("cancel %d: %w", c.ID, coremodel.ErrInFlight)
	case !c.Status.Cancellable():
		return fmt.Errorf("cancel %d (%s): %w", c.ID, c.Status, coremodel.ErrInvalidTransition)
	}
	// queued 记录可能正在发送，发送结果仍会回写
	c.CancelRequested = c.Status == coremodel.StatusQueued
	c.Status = coremodel.StatusCancelled
	c.ClaimedBy, c.ClaimedAt = nil, nil
	c.UpdatedAt = now
	return nil
}

// Cancel 取消 pending/queued 指令
func (s *Store) Cancel(ctx context.Context, id int64, now time.Time) (*coremodel.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if err := cancelLocked(c, now); err != nil {
		return nil, err
	}
	out := clone(c)
	return &out, nil
}

// Supersede 取消旧指令并插入替换指令
func (s *Store) Supersede(ctx context.Context, req storage.SupersedeRequest) (*storage.SupersedeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !req.DeviceEUI.Valid() {
		return nil, fmt.Errorf("supersede: invalid device eui %q", req.DeviceEUI)
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("supersede: %w: %s", coremodel.ErrUnsupportedCommand, req.Kind)
	}
	now := req.Now
	if now.IsZero() {
		now = s.Now()
	}
	dev := req.DeviceEUI.Normalize()
	res := &storage.SupersedeResult{}
	if old := s.activeFor(dev, req.Kind); old != nil {
		if err := cancelLocked(old, now); err != nil {
			return nil, err
		}
		res.CancelledID = old.ID
	}

	cmd := coremodel.NewCommand(dev, req.Kind, req.Params, req.Priority, req.Actor)
	cmd.Confirmed = req.Confirmed
	if _, err := s.insertLocked(cmd); err != nil {
		return nil, err
	}
	res.Command = cmd
	return res, nil
}

// Get 读取单条
func (s *Store) Get(ctx context.Context, id int64) (*coremodel.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(id)
	if err != nil {
		return nil, err
	}
	out := clone(c)
	return &out, nil
}

// List 条件列表
func (s *Store) List(ctx context.Context, f storage.ListFilter) ([]coremodel.Command, error) {
	f = f.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []coremodel.Command
	for _, c := range s.commands {
		if f.DeviceEUI != "" && c.DeviceEUI != f.DeviceEUI {
			continue
		}
		if f.Kind != "" && c.Kind != f.Kind {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		all = append(all, clone(c))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if f.Offset >= len(all) {
		return []coremodel.Command{}, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func (s *Store) lastExecutedLocked(dev coremodel.DeviceEUI, kinds []coremodel.CommandKind) *coremodel.CommandKind {
	var last *coremodel.Command
	for _, c := range s.commands {
		if c.DeviceEUI != dev || c.SentAt == nil {
			continue
		}
		if c.Status != coremodel.StatusSent && c.Status != coremodel.StatusCompleted {
			continue
		}
		if len(kinds) > 0 && !containsKind(kinds, c.Kind) {
			continue
		}
		if last == nil || c.SentAt.After(*last.SentAt) || (c.SentAt.Equal(*last.SentAt) && c.ID > last.ID) {
			last = c
		}
	}
	if last == nil {
		return nil
	}
	k := last.Kind
	return &k
}

func containsKind(kinds []coremodel.CommandKind, k coremodel.CommandKind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

// ActiveCommand (device, kind) 的活动指令
func (s *Store) ActiveCommand(ctx context.Context, dev coremodel.DeviceEUI, kind coremodel.CommandKind) (*coremodel.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.activeFor(dev.Normalize(), kind)
	if c == nil {
		return nil, nil
	}
	out := clone(c)
	return &out, nil
}

// LastExecutedKind 最近一次已发送的指令类型
func (s *Store) LastExecutedKind(ctx context.Context, dev coremodel.DeviceEUI, kinds []coremodel.CommandKind) (*coremodel.CommandKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExecutedLocked(dev.Normalize(), kinds), nil
}

// Stats 各状态数量
func (s *Store) Stats(ctx context.Context) (map[coremodel.CommandStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[coremodel.CommandStatus]int64)
	for _, c := range s.commands {
		out[c.Status]++
	}
	return out, nil
}

// ReleaseClaimed queued(owner) -> pending
func (s *Store) ReleaseClaimed(ctx context.Context, owner string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.commands {
		if c.Status == coremodel.StatusQueued && c.ClaimedBy != nil && *c.ClaimedBy == owner {
			c.Status = coremodel.StatusPending
			c.ClaimedBy, c.ClaimedAt = nil, nil
			c.UpdatedAt = s.Now()
			n++
		}
	}
	return n, nil
}

// ReclaimExpired 回收过期认领
func (s *Store) ReclaimExpired(ctx context.Context, leaseBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.commands {
		if c.Status == coremodel.StatusQueued && c.ClaimedAt != nil && c.ClaimedAt.Before(leaseBefore) {
			c.Status = coremodel.StatusPending
			c.ClaimedBy, c.ClaimedAt = nil, nil
			c.UpdatedAt = leaseBefore
			n++
		}
	}
	return n, nil
}

// PurgeTerminal 删除过期终态记录
func (s *Store) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.commands {
		if c.Status.Terminal() && c.UpdatedAt.Before(before) {
			delete(s.commands, id)
			n++
		}
	}
	return n, nil
}

// ExpireSent ACK 超时处理
func (s *Store) ExpireSent(ctx context.Context, sentBefore, now time.Time) ([]coremodel.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []coremodel.Command
	for _, c := range s.commands {
		if c.Status != coremodel.StatusSent || c.SentAt == nil || !c.SentAt.Before(sentBefore) {
			continue
		}
		if c.Confirmed {
			msg := storage.AckTimeoutMessage
			c.Status = coremodel.StatusFailed
			c.ErrorMessage = &msg
		} else {
			c.Status = coremodel.StatusCompleted
			c.CompletedAt = timePtr(now)
		}
		c.UpdatedAt = now
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Acknowledge 设备 ACK
func (s *Store) Acknowledge(ctx context.Context, dev coremodel.DeviceEUI, now time.Time) (*coremodel.Command, error) {
	dev = dev.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *coremodel.Command
	for _, c := range s.commands {
		if c.DeviceEUI != dev || c.Status != coremodel.StatusSent {
			continue
		}
		if oldest == nil || c.SentAt.Before(*oldest.SentAt) || (c.SentAt.Equal(*oldest.SentAt) && c.ID < oldest.ID) {
			oldest = c
		}
	}
	if oldest == nil {
		return nil, fmt.Errorf("ack %s: %w", dev, coremodel.ErrNotFound)
	}
	oldest.Status = coremodel.StatusCompleted
	oldest.CompletedAt = timePtr(now)
	oldest.UpdatedAt = now
	out := clone(oldest)
	return &out, nil
}

// SetBalance 写入电表余额快照（测试/本地开发）
func (s *Store) SetBalance(b coremodel.MeterBalance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.DeviceEUI = b.DeviceEUI.Normalize()
	s.balances[b.DeviceEUI] = b
}

// Balances 返回余额快照，附带最近一次执行的开关指令
func (s *Store) Balances(ctx context.Context) ([]coremodel.MeterBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]coremodel.MeterBalance, 0, len(s.balances))
	for _, b := range s.balances {
		b.LastExecutedKind = s.lastExecutedLocked(b.DeviceEUI, []coremodel.CommandKind{coremodel.KindSwitchOn, coremodel.KindSwitchOff})
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceEUI < out[j].DeviceEUI })
	return out, nil
}

// SetDeviceType 登记设备类型
func (s *Store) SetDeviceType(dev coremodel.DeviceEUI, deviceType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devTypes[dev.Normalize()] = deviceType
}

// DeviceType 未登记返回空串（使用默认 profile）
func (s *Store) DeviceType(ctx context.Context, dev coremodel.DeviceEUI) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devTypes[dev.Normalize()], nil
}
