package models

import (
	"time"
)

// 注意：
// - 与 internal/migrate/sql/0002_system_settings_up.sql 对齐
// - 不使用 gorm.Model，显式声明每个字段，避免隐式 DeletedAt

// 设置值类型
const (
	SettingTypeBoolean = "boolean"
	SettingTypeNumber  = "number"
	SettingTypeString  = "string"
	SettingTypeJSON    = "json"
)

// SystemSetting 映射 system_settings 表
type SystemSetting struct {
	ID    int64   `gorm:"column:id;primaryKey;autoIncrement"`
	Key   string  `gorm:"column:setting_key;type:varchar(100);not null;uniqueIndex"`
	Value *string `gorm:"column:setting_value;type:text"`
	// boolean/number/string/json
	Type        *string `gorm:"column:setting_type;type:varchar(20)"`
	Description *string `gorm:"column:description;type:text"`
	Category    *string `gorm:"column:category;type:varchar(50)"`
	IsEncrypted bool    `gorm:"column:is_encrypted;default:false"`
	// 最近一次修改人
	UpdatedBy *string   `gorm:"column:updated_by;type:varchar(64)"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (SystemSetting) TableName() string { return "system_settings" }

// ValidSettingType 是否为允许的值类型
func ValidSettingType(t string) bool {
	switch t {
	case SettingTypeBoolean, SettingTypeNumber, SettingTypeString, SettingTypeJSON:
		return true
	}
	return false
}
