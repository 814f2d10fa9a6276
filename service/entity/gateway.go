/*
 * @module service/entity/gateway
 * @description 实体数据网关，对动态物理表执行类型感知的增删改查
 * @architecture 分层架构 - 业务服务层
 * @documentReference DESIGN.md
 * @stateFlow 解析模板 -> 生成表名令牌 -> 字段插件校验/转换 -> gorm 读写 -> 输出转换
 * @rules 1. 停用的模板不对外提供服务
 *        2. 表名、列名只以 identifier.Ident 形式进入SQL，取值全部参数化
 *        3. 系统列由网关维护，忽略调用方输入
 *        4. 存储层唯一索引是唯一性的最终裁决
 * @dependencies gorm.io/gorm, github.com/google/uuid, github.com/spf13/cast, log/slog
 * @refs service/field_types/registry.go, service/template/service.go, service/database/synchronizer.go
 */

package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"baas-service/service/field_types"
	"baas-service/service/identifier"
	"baas-service/service/models"
	"baas-service/service/monitoring"

	"github.com/spf13/cast"
	"gorm.io/gorm"
)

const (
	// DefaultLimit 默认每页条数
	DefaultLimit = 20
	// MaxLimit 每页条数上限
	MaxLimit = 100
)

// TemplateSource 模板来源，由模板注册服务实现
type TemplateSource interface {
	GetTemplateByName(ctx context.Context, scope models.Scope, name string) (*models.EntityTemplate, error)
}

// Options 网关可选协作者
type Options struct {
	Files     models.FileManager
	Publisher models.ChangePublisher
	Metrics   *monitoring.Metrics
	Logger    *slog.Logger
}

// Gateway 实体数据网关
type Gateway struct {
	db        *gorm.DB
	generator *identifier.Generator
	types     *field_types.Registry
	templates TemplateSource
	files     models.FileManager
	publisher models.ChangePublisher
	metrics   *monitoring.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewGateway 创建实体数据网关
func NewGateway(db *gorm.DB, generator *identifier.Generator, types *field_types.Registry, templates TemplateSource, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		db:        db,
		generator: generator,
		types:     types,
		templates: templates,
		files:     opts.Files,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// target 一次调用解析出的模板与物理表
type target struct {
	scope    models.Scope
	template *models.EntityTemplate
	table    identifier.Ident
	fields   []models.Field
	byName   map[string]*models.Field
}

func (t *target) fieldContext(f *models.Field) *field_types.FieldContext {
	return &field_types.FieldContext{Scope: t.scope, Entity: t.template.Name, Field: f}
}

func (g *Gateway) resolve(ctx context.Context, scope models.Scope, entity string) (*target, error) {
	template, err := g.templates.GetTemplateByName(ctx, scope, entity)
	if err != nil {
		return nil, err
	}
	if !template.IsEnabled() {
		return nil, fmt.Errorf("%w: %s 已停用", models.ErrTemplateNotFound, entity)
	}

	table, err := g.generator.TableIdent(scope.TenantID, scope.ProjectID, template.Name)
	if err != nil {
		return nil, err
	}
	if !g.db.WithContext(ctx).Migrator().HasTable(table.String()) {
		return nil, fmt.Errorf("%w: %s", models.ErrTableNotFound, table)
	}

	t := &target{
		scope:    scope,
		template: template,
		table:    table,
		fields:   template.Fields,
		byName:   make(map[string]*models.Field, len(template.Fields)),
	}
	for i := range t.fields {
		t.byName[t.fields[i].Name] = &t.fields[i]
	}
	return t, nil
}

func (g *Gateway) column(name string) (identifier.Ident, error) {
	return g.generator.NewIdent(name)
}

// table 返回指向物理表的查询
func (g *Gateway) table(ctx context.Context, t *target) *gorm.DB {
	return g.db.WithContext(ctx).Table(t.table.String())
}

// List 分页查询记录
func (g *Gateway) List(ctx context.Context, scope models.Scope, entity string, query models.ListQuery) (result *models.ListResult, err error) {
	defer g.observe("list", time.Now(), &err)

	t, err := g.resolve(ctx, scope, entity)
	if err != nil {
		return nil, err
	}

	page, limit := normalizePaging(query.Page, query.Limit)
	sortColumn, desc := g.sortOrder(t, query.SortField, query.SortDirection)

	filtered, err := g.applyFilters(ctx, t, g.table(ctx, t), query.Filters)
	if err != nil {
		return nil, err
	}

	var total int64
	if err := filtered.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		g.logger.Error("统计记录数失败", "table", t.table, "error", err)
		return nil, fmt.Errorf("统计记录数失败: %w", err)
	}

	rows := make([]map[string]interface{}, 0)
	err = filtered.Session(&gorm.Session{}).
		Order(orderBy(sortColumn, desc)).
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&rows).Error
	if err != nil {
		g.logger.Error("查询记录失败", "table", t.table, "error", err)
		return nil, fmt.Errorf("查询记录失败: %w", err)
	}

	ctx = field_types.WithReferenceCache(ctx)
	if err := g.prefetch(ctx, t, rows); err != nil {
		return nil, err
	}
	records := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		record, err := g.output(ctx, t, row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return &models.ListResult{Rows: records, Total: total, Page: page, Limit: limit}, nil
}

// Get 按ID获取记录
func (g *Gateway) Get(ctx context.Context, scope models.Scope, entity string, id int64) (record models.Record, err error) {
	defer g.observe("get", time.Now(), &err)

	t, err := g.resolve(ctx, scope, entity)
	if err != nil {
		return nil, err
	}
	row, err := g.load(ctx, g.db.WithContext(ctx), t, id)
	if err != nil {
		return nil, err
	}
	return g.output(ctx, t, row)
}

func (g *Gateway) load(ctx context.Context, tx *gorm.DB, t *target, id int64) (map[string]interface{}, error) {
	row := map[string]interface{}{}
	err := tx.Table(t.table.String()).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%d", models.ErrRecordNotFound, t.template.Name, id)
	}
	if err != nil {
		g.logger.Error("读取记录失败", "table", t.table, "id", id, "error", err)
		return nil, fmt.Errorf("读取记录失败: %w", err)
	}
	return row, nil
}

// prefetch 按字段批量加载整页记录的引用展示值
func (g *Gateway) prefetch(ctx context.Context, t *target, rows []map[string]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	for i := range t.fields {
		f := &t.fields[i]
		plugin, err := g.types.Resolve(f.Type)
		if err != nil {
			return err
		}
		prefetcher, ok := plugin.(field_types.Prefetcher)
		if !ok {
			continue
		}
		values := make([]interface{}, 0, len(rows))
		for _, row := range rows {
			values = append(values, row[f.Name])
		}
		if err := prefetcher.Prefetch(ctx, t.fieldContext(f), values); err != nil {
			return err
		}
	}
	return nil
}

// output 将存储行转换为对外记录，孤立列不输出
func (g *Gateway) output(ctx context.Context, t *target, row map[string]interface{}) (models.Record, error) {
	record := models.Record{
		models.ColumnID:        cast.ToInt64(row[models.ColumnID]),
		models.ColumnUUID:      cast.ToString(row[models.ColumnUUID]),
		models.ColumnTenantID:  cast.ToString(row[models.ColumnTenantID]),
		models.ColumnProjectID: cast.ToString(row[models.ColumnProjectID]),
		models.ColumnCreated:   cast.ToInt64(row[models.ColumnCreated]),
		models.ColumnUpdated:   cast.ToInt64(row[models.ColumnUpdated]),
	}
	for i := range t.fields {
		f := &t.fields[i]
		plugin, err := g.types.Resolve(f.Type)
		if err != nil {
			return nil, err
		}
		value, include, err := plugin.TransformForOutput(ctx, t.fieldContext(f), row[f.Name])
		if err != nil {
			return nil, err
		}
		if include {
			record[f.Name] = value
		}
	}
	return record, nil
}

func (g *Gateway) publish(ctx context.Context, eventType string, t *target, record models.Record) {
	if g.publisher == nil {
		return
	}
	event := models.ChangeEvent{
		Type:      eventType,
		TenantID:  t.scope.TenantID,
		ProjectID: t.scope.ProjectID,
		Entity:    t.template.Name,
		RecordID:  cast.ToInt64(record[models.ColumnID]),
		UUID:      cast.ToString(record[models.ColumnUUID]),
		Timestamp: g.now().Unix(),
	}
	if err := g.publisher.Publish(ctx, event); err != nil {
		g.metrics.EventPublishFailed(eventType)
		g.logger.Warn("发布实体变更事件失败",
			"type", eventType,
			"entity", t.template.Name,
			"record_id", event.RecordID,
			"error", err)
	}
}

func (g *Gateway) observe(operation string, start time.Time, err *error) {
	g.metrics.Observe("gateway", operation, start, *err)
}
