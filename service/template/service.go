/*
 * @module service/template/service
 * @description 实体模板与字段注册服务，持久化模板元数据并在每次字段变更后触发表结构同步
 * @architecture 分层架构 - 业务服务层
 * @documentReference DESIGN.md
 * @stateFlow 校验 -> 写入注册表 -> Synchronizer 同步 -> 返回模板与同步报告
 * @rules 1. 所有操作都限定在 (tenant_id, project_id) 作用域内
 *        2. 模板名称创建后不可修改，改名会导致物理表变更，不在支持范围内
 *        3. 字段变更后同步失败时，元数据变更保留，错误返回给调用方重试同步
 *        4. 列表默认只返回启用的模板
 * @dependencies gorm.io/gorm, log/slog
 * @refs service/database/synchronizer.go, api/controllers/template_controller.go
 */

package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"baas-service/service/database"
	"baas-service/service/field_types"
	"baas-service/service/identifier"
	"baas-service/service/models"

	"gorm.io/gorm"
)

// Service 模板注册服务
type Service struct {
	db        *gorm.DB
	generator *identifier.Generator
	types     *field_types.Registry
	sync      *database.Synchronizer
	logger    *slog.Logger
}

// NewService 创建模板注册服务
func NewService(db *gorm.DB, generator *identifier.Generator, types *field_types.Registry, sync *database.Synchronizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:        db,
		generator: generator,
		types:     types,
		sync:      sync,
		logger:    logger,
	}
}

// FieldRequest 创建字段请求
type FieldRequest struct {
	Name     string       `json:"name" example:"order_number"`
	Label    string       `json:"label" example:"订单号"`
	Type     string       `json:"type" example:"text"`
	Required bool         `json:"required"`
	Unique   bool         `json:"unique"`
	Settings models.JSONB `json:"settings"`
	Weight   int          `json:"weight"`
}

// UpdateFieldRequest 更新字段请求，字段名与类型不可修改
type UpdateFieldRequest struct {
	Label    *string      `json:"label"`
	Required *bool        `json:"required"`
	Unique   *bool        `json:"unique"`
	Settings models.JSONB `json:"settings"`
	Weight   *int         `json:"weight"`
}

// CreateTemplateRequest 创建模板请求
type CreateTemplateRequest struct {
	Name        string         `json:"name" example:"orders"`
	Label       string         `json:"label" example:"订单"`
	Description string         `json:"description"`
	Settings    models.JSONB   `json:"settings"`
	Fields      []FieldRequest `json:"fields"`
}

// UpdateTemplateRequest 更新模板请求
type UpdateTemplateRequest struct {
	Label       *string      `json:"label"`
	Description *string      `json:"description"`
	Settings    models.JSONB `json:"settings"`
}

// === 模板 ===

// CreateTemplate 创建模板并建表
func (s *Service) CreateTemplate(ctx context.Context, scope models.Scope, req CreateTemplateRequest) (*models.EntityTemplate, *models.SyncReport, error) {
	if err := s.generator.ValidateEntityName(scope.TenantID, scope.ProjectID, req.Name); err != nil {
		return nil, nil, err
	}

	template := &models.EntityTemplate{
		TenantID:    scope.TenantID,
		ProjectID:   scope.ProjectID,
		Name:        req.Name,
		Label:       req.Label,
		Description: req.Description,
		Status:      models.TemplateStatusEnabled,
		Settings:    req.Settings,
	}
	if template.Label == "" {
		template.Label = req.Name
	}
	if template.Settings == nil {
		template.Settings = models.JSONB{}
	}

	seen := make(map[string]bool, len(req.Fields))
	for _, fr := range req.Fields {
		field, err := s.buildField(fr)
		if err != nil {
			return nil, nil, err
		}
		if seen[field.Name] {
			return nil, nil, fmt.Errorf("%w: %s", models.ErrFieldNameConflict, field.Name)
		}
		seen[field.Name] = true
		template.Fields = append(template.Fields, *field)
	}
	for i := range template.Fields {
		if err := s.validateDisplayField(ctx, scope, template, &template.Fields[i]); err != nil {
			return nil, nil, err
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.EntityTemplate{}).
			Where("tenant_id = ? AND project_id = ? AND name = ?", scope.TenantID, scope.ProjectID, req.Name).
			Count(&count).Error; err != nil {
			return fmt.Errorf("检查模板名称失败: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", models.ErrTemplateNameConflict, req.Name)
		}
		if err := tx.Create(template).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s", models.ErrTemplateNameConflict, req.Name)
			}
			return fmt.Errorf("创建模板失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("实体模板已创建",
		"tenant_id", scope.TenantID,
		"project_id", scope.ProjectID,
		"template_id", template.ID,
		"name", template.Name,
		"fields", len(template.Fields))

	report, err := s.sync.Synchronize(ctx, template.ID, models.SyncOptions{})
	return template, report, err
}

// GetTemplate 按ID获取模板（含字段）
func (s *Service) GetTemplate(ctx context.Context, scope models.Scope, templateID string) (*models.EntityTemplate, error) {
	return s.findTemplate(ctx, scope, "id = ?", templateID)
}

// GetTemplateByName 按名称获取模板（含字段），不区分启用状态
func (s *Service) GetTemplateByName(ctx context.Context, scope models.Scope, name string) (*models.EntityTemplate, error) {
	return s.findTemplate(ctx, scope, "name = ?", name)
}

func (s *Service) findTemplate(ctx context.Context, scope models.Scope, query string, arg interface{}) (*models.EntityTemplate, error) {
	var template models.EntityTemplate
	err := s.db.WithContext(ctx).
		Preload("Fields", orderFields).
		Where("tenant_id = ? AND project_id = ?", scope.TenantID, scope.ProjectID).
		Where(query, arg).
		First(&template).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %v", models.ErrTemplateNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("查询模板失败: %w", err)
	}
	return &template, nil
}

// ListTemplates 列出作用域内的模板
func (s *Service) ListTemplates(ctx context.Context, scope models.Scope, includeDisabled bool) ([]models.EntityTemplate, error) {
	query := s.db.WithContext(ctx).
		Preload("Fields", orderFields).
		Where("tenant_id = ? AND project_id = ?", scope.TenantID, scope.ProjectID)
	if !includeDisabled {
		query = query.Where("status = ?", models.TemplateStatusEnabled)
	}

	var templates []models.EntityTemplate
	if err := query.Order("name ASC").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("查询模板列表失败: %w", err)
	}
	return templates, nil
}

// ListAllTemplates 列出全部作用域的模板，供漂移巡检使用
func (s *Service) ListAllTemplates(ctx context.Context) ([]models.EntityTemplate, error) {
	var templates []models.EntityTemplate
	if err := s.db.WithContext(ctx).Order("tenant_id, project_id, name").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("查询模板列表失败: %w", err)
	}
	return templates, nil
}

// UpdateTemplate 更新模板的展示信息与配置
func (s *Service) UpdateTemplate(ctx context.Context, scope models.Scope, templateID string, req UpdateTemplateRequest) (*models.EntityTemplate, error) {
	template, err := s.GetTemplate(ctx, scope, templateID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Label != nil {
		updates["label"] = *req.Label
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Settings != nil {
		updates["settings"] = req.Settings
	}
	if len(updates) == 0 {
		return template, nil
	}

	if err := s.db.WithContext(ctx).Model(&models.EntityTemplate{}).Where("id = ?", template.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("更新模板失败: %w", err)
	}
	return s.GetTemplate(ctx, scope, templateID)
}

// SetTemplateStatus 启用/停用模板，停用不会删除物理表
func (s *Service) SetTemplateStatus(ctx context.Context, scope models.Scope, templateID, status string) (*models.EntityTemplate, error) {
	if status != models.TemplateStatusEnabled && status != models.TemplateStatusDisabled {
		return nil, models.NewFieldError("status", models.ErrFieldValidation, "只能是 enabled 或 disabled")
	}
	template, err := s.GetTemplate(ctx, scope, templateID)
	if err != nil {
		return nil, err
	}
	if template.Status == status {
		return template, nil
	}

	err = s.db.WithContext(ctx).Model(&models.EntityTemplate{}).Where("id = ?", template.ID).Update("status", status).Error
	if err != nil {
		return nil, fmt.Errorf("更新模板状态失败: %w", err)
	}
	s.logger.Info("模板状态已变更", "template_id", templateID, "status", status)
	template.Status = status
	return template, nil
}

// === 字段 ===

// ListFields 列出模板字段
func (s *Service) ListFields(ctx context.Context, scope models.Scope, templateID string) ([]models.Field, error) {
	template, err := s.GetTemplate(ctx, scope, templateID)
	if err != nil {
		return nil, err
	}
	return template.Fields, nil
}

// GetField 获取字段
func (s *Service) GetField(ctx context.Context, scope models.Scope, templateID, fieldID string) (*models.Field, error) {
	if _, err := s.GetTemplate(ctx, scope, templateID); err != nil {
		return nil, err
	}
	var field models.Field
	err := s.db.WithContext(ctx).Where("template_id = ? AND id = ?", templateID, fieldID).First(&field).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrFieldNotFound, fieldID)
	}
	if err != nil {
		return nil, fmt.Errorf("查询字段失败: %w", err)
	}
	return &field, nil
}

// CreateField 新增字段并同步表结构
func (s *Service) CreateField(ctx context.Context, scope models.Scope, templateID string, req FieldRequest) (*models.Field, *models.SyncReport, error) {
	template, err := s.GetTemplate(ctx, scope, templateID)
	if err != nil {
		return nil, nil, err
	}
	field, err := s.buildField(req)
	if err != nil {
		return nil, nil, err
	}
	if err := s.validateDisplayField(ctx, scope, template, field); err != nil {
		return nil, nil, err
	}
	field.TemplateID = templateID

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Field{}).Where("template_id = ? AND name = ?", templateID, field.Name).Count(&count).Error; err != nil {
			return fmt.Errorf("检查字段名称失败: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", models.ErrFieldNameConflict, field.Name)
		}
		if err := tx.Create(field).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s", models.ErrFieldNameConflict, field.Name)
			}
			return fmt.Errorf("创建字段失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("字段已创建", "template_id", templateID, "field", field.Name, "type", field.Type)
	report, err := s.sync.Synchronize(ctx, templateID, models.SyncOptions{})
	return field, report, err
}

// UpdateField 更新字段并同步表结构，不支持改变物理列类型的配置变更
func (s *Service) UpdateField(ctx context.Context, scope models.Scope, templateID, fieldID string, req UpdateFieldRequest) (*models.Field, *models.SyncReport, error) {
	template, err := s.GetTemplate(ctx, scope, templateID)
	if err != nil {
		return nil, nil, err
	}
	field, err := s.GetField(ctx, scope, templateID, fieldID)
	if err != nil {
		return nil, nil, err
	}
	plugin, err := s.types.Resolve(field.Type)
	if err != nil {
		return nil, nil, err
	}
	before := plugin.StorageType(field.Settings)

	if req.Label != nil {
		field.Label = *req.Label
	}
	if req.Required != nil {
		field.Required = *req.Required
	}
	if req.Settings != nil {
		field.Settings = req.Settings
	}
	if req.Unique != nil {
		field.Unique = *req.Unique
		if !*req.Unique && field.Settings.Has("unique") {
			delete(field.Settings, "unique")
		}
	}
	if req.Weight != nil {
		field.Weight = *req.Weight
	}
	if err := s.validateField(field); err != nil {
		return nil, nil, err
	}
	if after := plugin.StorageType(field.Settings); after != before {
		return nil, nil, models.NewFieldError(field.Name, models.ErrFieldValidation, fmt.Sprintf(
			"配置变更会把列类型从 %s 改为 %s，请新建字段迁移数据",
			before.SQL(field_types.DialectPostgres), after.SQL(field_types.DialectPostgres)))
	}
	if err := s.validateDisplayField(ctx, scope, template, field); err != nil {
		return nil, nil, err
	}

	err = s.db.WithContext(ctx).Model(field).Select("label", "required", "unique", "settings", "weight").Updates(field).Error
	if err != nil {
		return nil, nil, fmt.Errorf("更新字段失败: %w", err)
	}

	report, err := s.sync.Synchronize(ctx, templateID, models.SyncOptions{})
	return field, report, err
}

// DeleteField 删除字段定义，物理列保留为孤立列，直到显式清理
func (s *Service) DeleteField(ctx context.Context, scope models.Scope, templateID, fieldID string) (*models.SyncReport, error) {
	field, err := s.GetField(ctx, scope, templateID, fieldID)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Delete(field).Error; err != nil {
		return nil, fmt.Errorf("删除字段失败: %w", err)
	}

	s.logger.Info("字段已删除", "template_id", templateID, "field", field.Name)
	return s.sync.Synchronize(ctx, templateID, models.SyncOptions{})
}

// === 同步 ===

// Synchronize 手动重新同步，用于部分失败后的重试
func (s *Service) Synchronize(ctx context.Context, scope models.Scope, templateID string) (*models.SyncReport, error) {
	if _, err := s.GetTemplate(ctx, scope, templateID); err != nil {
		return nil, err
	}
	return s.sync.Synchronize(ctx, templateID, models.SyncOptions{})
}

// Orphans 只读检查孤立列和缺失列
func (s *Service) Orphans(ctx context.Context, scope models.Scope, templateID string) (*models.SyncReport, error) {
	if _, err := s.GetTemplate(ctx, scope, templateID); err != nil {
		return nil, err
	}
	return s.sync.Inspect(ctx, templateID)
}

// CleanupOrphans 删除孤立列，破坏性管理操作
func (s *Service) CleanupOrphans(ctx context.Context, scope models.Scope, templateID string) (*models.SyncReport, error) {
	if _, err := s.GetTemplate(ctx, scope, templateID); err != nil {
		return nil, err
	}
	return s.sync.CleanupOrphans(ctx, templateID)
}

// === 校验 ===

func (s *Service) buildField(req FieldRequest) (*models.Field, error) {
	field := &models.Field{
		Name:     req.Name,
		Label:    req.Label,
		Type:     strings.ToLower(strings.TrimSpace(req.Type)),
		Required: req.Required,
		Unique:   req.Unique,
		Settings: req.Settings,
		Weight:   req.Weight,
	}
	if field.Label == "" {
		field.Label = field.Name
	}
	if field.Settings == nil {
		field.Settings = models.JSONB{}
	}
	if err := s.validateField(field); err != nil {
		return nil, err
	}
	return field, nil
}

func (s *Service) validateField(field *models.Field) error {
	if err := s.generator.ValidateFieldName(field.Name); err != nil {
		return err
	}
	plugin, err := s.types.Resolve(field.Type)
	if err != nil {
		return err
	}
	if field.Settings.Bool("unique") {
		field.Unique = true
	}
	if field.Unique && !plugin.SupportsUnique(field.Settings) {
		return models.NewFieldError(field.Name, models.ErrFieldValidation, fmt.Sprintf("%s 类型不支持唯一约束", field.Type))
	}
	if plugin.Kind() == field_types.KindReference {
		target := field.Settings.String("target_entity")
		if target == "" {
			return models.NewFieldError(field.Name, models.ErrFieldValidation, "引用字段需要 settings.target_entity")
		}
		if err := s.generator.ValidateEntityName("", "", target); err != nil {
			return models.NewFieldError(field.Name, models.ErrFieldValidation, err.Error())
		}
	}
	return nil
}

// validateDisplayField 引用字段的 display_field 必须是目标模板中可展示的字段
func (s *Service) validateDisplayField(ctx context.Context, scope models.Scope, self *models.EntityTemplate, field *models.Field) error {
	if field_types.Kind(field.Type) != field_types.KindReference {
		return nil
	}
	name := field.Settings.String("display_field")
	if name == "" || models.IsSystemColumn(name) {
		return nil
	}

	target := field.Settings.String("target_entity")
	fields := self.Fields
	if target != self.Name {
		t, err := s.GetTemplateByName(ctx, scope, target)
		if errors.Is(err, models.ErrTemplateNotFound) {
			return models.NewFieldError(field.Name, models.ErrFieldValidation,
				fmt.Sprintf("引用目标 %s 不存在，无法使用 display_field %s", target, name))
		}
		if err != nil {
			return err
		}
		fields = t.Fields
	}

	for i := range fields {
		if fields[i].Name != name {
			continue
		}
		if !field_types.DisplayableField(&fields[i]) {
			return models.NewFieldError(field.Name, models.ErrFieldValidation,
				fmt.Sprintf("display_field %s 是 %s 字段，不能用于展示", name, fields[i].Type))
		}
		return nil
	}
	return models.NewFieldError(field.Name, models.ErrFieldValidation,
		fmt.Sprintf("display_field %s 不是 %s 的字段", name, target))
}

func orderFields(db *gorm.DB) *gorm.DB {
	return db.Order("weight ASC, created_at ASC")
}
