/*
 * @module service/models/entity_template
 * @description 实体模板与字段模型定义，模板元数据独立于物理表持久化
 * @architecture DDD领域驱动设计 - 实体模型
 * @documentReference DESIGN.md
 * @stateFlow 模板创建 -> 字段增删改 -> 启用/停用
 * @rules 模板名称在(tenant_id, project_id)内唯一，字段名称在模板内唯一
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/template/service.go, service/database/synchronizer.go
 */

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 模板状态
const (
	TemplateStatusEnabled  = "enabled"
	TemplateStatusDisabled = "disabled"
)

// Scope 租户/项目作用域
type Scope struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
}

// EntityTemplate 实体模板模型
type EntityTemplate struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)" example:"550e8400-e29b-41d4-a716-446655440000"`
	TenantID    string    `json:"tenant_id" gorm:"not null;size:128;uniqueIndex:uq_template_scope_name,priority:1"`
	ProjectID   string    `json:"project_id" gorm:"not null;size:128;uniqueIndex:uq_template_scope_name,priority:2"`
	Name        string    `json:"name" gorm:"not null;size:63;uniqueIndex:uq_template_scope_name,priority:3" example:"orders"`
	Label       string    `json:"label" gorm:"not null;size:255" example:"订单"`
	Description string    `json:"description" gorm:"size:1000"`
	Status      string    `json:"status" gorm:"not null;default:'enabled';size:20" example:"enabled"`
	Settings    JSONB     `json:"settings" gorm:"type:text"`
	CreatedAt   time.Time `json:"created"`
	UpdatedAt   time.Time `json:"updated"`
	// 关联关系
	Fields []Field `json:"fields,omitempty" gorm:"foreignKey:TemplateID"`
}

// TableName 返回表名
func (EntityTemplate) TableName() string {
	return "baas_entity_templates"
}

// BeforeCreate GORM钩子，创建前生成UUID
func (t *EntityTemplate) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = TemplateStatusEnabled
	}
	return nil
}

// Scope 返回模板所属作用域
func (t *EntityTemplate) Scope() Scope {
	return Scope{TenantID: t.TenantID, ProjectID: t.ProjectID}
}

// IsEnabled 模板是否启用
func (t *EntityTemplate) IsEnabled() bool {
	return t.Status == TemplateStatusEnabled
}

// Field 模板字段模型，每个字段对应物理表中的一列
type Field struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TemplateID string    `json:"template_id" gorm:"not null;type:varchar(36);uniqueIndex:uq_field_template_name,priority:1"`
	Name       string    `json:"name" gorm:"not null;size:63;uniqueIndex:uq_field_template_name,priority:2" example:"order_number"`
	Label      string    `json:"label" gorm:"not null;size:255" example:"订单号"`
	Type       string    `json:"type" gorm:"not null;size:32" example:"text"`
	Required   bool      `json:"required" gorm:"not null;default:false"`
	Unique     bool      `json:"unique" gorm:"not null;default:false"`
	Settings   JSONB     `json:"settings" gorm:"type:text"`
	Weight     int       `json:"weight" gorm:"not null;default:0"`
	CreatedAt  time.Time `json:"created"`
	UpdatedAt  time.Time `json:"updated"`
}

// TableName 返回表名
func (Field) TableName() string {
	return "baas_entity_fields"
}

// BeforeCreate GORM钩子，创建前生成UUID
func (f *Field) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return nil
}

// IsUnique 字段是否要求唯一，兼容 settings.unique 写法
func (f *Field) IsUnique() bool {
	if f.Unique {
		return true
	}
	return f.Settings.Bool("unique")
}
