package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
	"github.com/taoyao-code/meter-dispatch/internal/storage/models"
)

// Settings 进程内设置仓储，memory 驱动下替代 gormrepo
type Settings struct {
	mu   sync.RWMutex
	rows map[string]models.SystemSetting
	seq  int64
}

// NewSettings 创建空的设置仓储
func NewSettings() *Settings {
	return &Settings{rows: make(map[string]models.SystemSetting)}
}

func (s *Settings) Get(ctx context.Context, key string) (*models.SystemSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[key]
	if !ok {
		return nil, coremodel.ErrNotFound
	}
	return &row, nil
}

func (s *Settings) List(ctx context.Context) ([]models.SystemSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SystemSetting, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Upsert 按 key 插入或覆盖，保留原创建时间
func (s *Settings) Upsert(ctx context.Context, rec *models.SystemSetting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	row := *rec
	if prev, ok := s.rows[rec.Key]; ok {
		row.ID = prev.ID
		row.CreatedAt = prev.CreatedAt
	} else {
		s.seq++
		row.ID = s.seq
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	s.rows[rec.Key] = row
	*rec = row
	return nil
}
