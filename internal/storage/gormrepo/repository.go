package gormrepo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
	"github.com/taoyao-code/meter-dispatch/internal/storage/models"
)

// SettingsRepository 基于 GORM 的 system_settings 读写
type SettingsRepository struct {
	db *gorm.DB
}

// NewSettings 返回使用给定 *gorm.DB 的设置仓储
func NewSettings(db *gorm.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get 按 key 查询；不存在返回 coremodel.ErrNotFound
func (r *SettingsRepository) Get(ctx context.Context, key string) (*models.SystemSetting, error) {
	var s models.SystemSetting
	err := r.db.WithContext(ctx).Where("setting_key = ?", key).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, coremodel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// List 全部设置，按分类与 key 排序
func (r *SettingsRepository) List(ctx context.Context) ([]models.SystemSetting, error) {
	var out []models.SystemSetting
	if err := r.db.WithContext(ctx).Order("category ASC NULLS LAST, setting_key ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert 写入设置，冲突时覆盖值/类型/修改人；空的分类与描述保留原值
func (r *SettingsRepository) Upsert(ctx context.Context, s *models.SystemSetting) error {
	now := time.Now()
	s.UpdatedAt = now
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}

	updates := map[string]interface{}{
		"setting_value": gorm.Expr("excluded.setting_value"),
		"setting_type":  gorm.Expr("excluded.setting_type"),
		"updated_by":    gorm.Expr("excluded.updated_by"),
		"updated_at":    gorm.Expr("excluded.updated_at"),
		"category":      gorm.Expr("COALESCE(excluded.category, system_settings.category)"),
		"description":   gorm.Expr("COALESCE(excluded.description, system_settings.description)"),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "setting_key"}},
			DoUpdates: clause.Assignments(updates),
		}).
		Create(s).Error
}
