package gormrepo

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
	"github.com/taoyao-code/meter-dispatch/internal/storage/models"
)

func setupSettingsRepo(t *testing.T) *SettingsRepository {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL 未设置，跳过测试")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.SystemSetting{}))
	t.Cleanup(func() {
		db.Where("setting_key LIKE ?", "test_%").Delete(&models.SystemSetting{})
	})
	return NewSettings(db)
}

func strPtr(s string) *string { return &s }

func TestSettingsRepository_UpsertAndGet(t *testing.T) {
	repo := setupSettingsRepo(t)
	ctx := context.Background()

	_, err := repo.Get(ctx, "test_missing")
	assert.ErrorIs(t, err, coremodel.ErrNotFound)

	require.NoError(t, repo.Upsert(ctx, &models.SystemSetting{
		Key: "test_flag", Value: strPtr("false"), Type: strPtr(models.SettingTypeBoolean),
		Category: strPtr("features"), UpdatedBy: strPtr("alice"),
	}))
	require.NoError(t, repo.Upsert(ctx, &models.SystemSetting{
		Key: "test_flag", Value: strPtr("TRUE"), Type: strPtr(models.SettingTypeBoolean), UpdatedBy: strPtr("bob"),
	}))

	s, err := repo.Get(ctx, "test_flag")
	require.NoError(t, err)
	assert.Equal(t, "TRUE", *s.Value)
	assert.Equal(t, "bob", *s.UpdatedBy)
	require.NotNil(t, s.Category)
	assert.Equal(t, "features", *s.Category, "未提供分类时保留原值")

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, all)
}
