package field_types

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"baas-service/service/identifier"
	"baas-service/service/models"

	"github.com/spf13/cast"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultDisplayField = "id"

// ReferenceResolver 查询被引用实体的记录
type ReferenceResolver interface {
	// Lookup 返回存在的记录ID到展示列原始值的映射
	Lookup(ctx context.Context, scope models.Scope, entity, displayField string, ids []int64) (map[int64]interface{}, error)
	// Field 返回被引用模板中的字段定义，不存在时返回 nil
	Field(ctx context.Context, scope models.Scope, entity, name string) (*models.Field, error)
}

// Prefetcher 可以在输出一页记录前批量加载关联数据的插件
type Prefetcher interface {
	Prefetch(ctx context.Context, fc *FieldContext, stored []interface{}) error
}

// referencePlugin 引用类型，settings: target_entity, display_field, multiple
type referencePlugin struct {
	resolver ReferenceResolver
	types    *Registry
}

func (p *referencePlugin) Kind() Kind { return KindReference }

func (p *referencePlugin) StorageType(settings models.JSONB) ColumnType {
	if settings.Bool("multiple") {
		return ColumnType{Kind: ColumnText}
	}
	return ColumnType{Kind: ColumnBigInt}
}

func (p *referencePlugin) SupportsUnique(settings models.JSONB) bool {
	return !settings.Bool("multiple")
}

func displayField(settings models.JSONB) string {
	if f := settings.String("display_field"); f != "" {
		return f
	}
	return defaultDisplayField
}

// DisplayableField 字段能否作为引用的展示列，密码与引用字段不可以
func DisplayableField(f *models.Field) bool {
	if f == nil {
		return false
	}
	switch Kind(strings.ToLower(f.Type)) {
	case KindPassword, KindReference:
		return false
	}
	return true
}

// ids 解析输入中的记录ID，支持数字、字符串、{"id": n} 及其数组
func (p *referencePlugin) ids(fc *FieldContext, raw interface{}) ([]int64, error) {
	var items []interface{}
	switch v := raw.(type) {
	case []interface{}:
		items = v
	case []int64:
		for _, n := range v {
			items = append(items, n)
		}
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case string:
		s := strings.TrimSpace(v)
		if strings.HasPrefix(s, "[") {
			if err := json.Unmarshal([]byte(s), &items); err != nil {
				return nil, fc.invalid("无法解析引用列表")
			}
		} else {
			items = []interface{}{s}
		}
	default:
		items = []interface{}{v}
	}

	if len(items) > 1 && !fc.Settings().Bool("multiple") {
		return nil, fc.invalid("该字段只允许引用一条记录")
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			item = m["id"]
		}
		if _, ok := item.(bool); ok {
			return nil, fc.invalid("引用值必须是记录ID")
		}
		id, err := parseInt64(item)
		if err != nil || id <= 0 {
			return nil, fc.invalid("引用值必须是记录ID")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// storedIDs 解析存储值，单值与列表统一按列表处理
func (p *referencePlugin) storedIDs(fc *FieldContext, stored interface{}) ([]int64, error) {
	return p.ids(&FieldContext{Scope: fc.Scope, Entity: fc.Entity, Field: &models.Field{
		Name: fc.Name(), Settings: models.JSONB{"multiple": true},
	}}, stored)
}

func (p *referencePlugin) Validate(ctx context.Context, fc *FieldContext, raw interface{}) error {
	settings := fc.Settings()
	target := settings.String("target_entity")
	if target == "" {
		return fc.invalid("引用字段缺少 target_entity 配置")
	}
	ids, err := p.ids(fc, raw)
	if err != nil {
		return err
	}
	if p.resolver == nil || len(ids) == 0 {
		return nil
	}

	found, err := p.resolver.Lookup(ctx, fc.Scope, target, defaultDisplayField, ids)
	if err != nil {
		return fc.invalid("无法校验引用: %v", err)
	}
	var missing []int64
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fc.invalid("引用的 %s 记录不存在: %v", target, missing)
	}
	return nil
}

func (p *referencePlugin) TransformForStorage(ctx context.Context, fc *FieldContext, raw interface{}) (interface{}, error) {
	ids, err := p.ids(fc, raw)
	if err != nil {
		return nil, err
	}
	if fc.Settings().Bool("multiple") {
		b, err := json.Marshal(ids)
		if err != nil {
			return nil, fmt.Errorf("序列化引用列表失败: %w", err)
		}
		return string(b), nil
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids[0], nil
}

func (p *referencePlugin) TransformForOutput(ctx context.Context, fc *FieldContext, stored interface{}) (interface{}, bool, error) {
	if stored == nil {
		return nil, true, nil
	}
	ids, err := p.storedIDs(fc, stored)
	if err != nil {
		return nil, false, err
	}
	display, err := p.display(ctx, fc, ids)
	if err != nil {
		return nil, false, err
	}

	refs := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, map[string]interface{}{"id": id, "display": display[id]})
	}
	if fc.Settings().Bool("multiple") {
		return refs, true, nil
	}
	if len(refs) == 0 {
		return nil, true, nil
	}
	return refs[0], true, nil
}

// Prefetch 一次查询加载整页记录引用的展示值，结果写入 ctx 携带的缓存
func (p *referencePlugin) Prefetch(ctx context.Context, fc *FieldContext, stored []interface{}) error {
	if referenceCacheFrom(ctx) == nil {
		return nil
	}
	var ids []int64
	for _, v := range stored {
		if v == nil {
			continue
		}
		parsed, err := p.storedIDs(fc, v)
		if err != nil {
			return err
		}
		ids = append(ids, parsed...)
	}
	_, err := p.display(ctx, fc, ids)
	return err
}

// display 返回记录ID到展示值的映射，展示值经过目标字段自身的输出转换
func (p *referencePlugin) display(ctx context.Context, fc *FieldContext, ids []int64) (map[int64]interface{}, error) {
	if p.resolver == nil || len(ids) == 0 {
		return map[int64]interface{}{}, nil
	}
	settings := fc.Settings()
	target := settings.String("target_entity")
	cache := referenceCacheFrom(ctx)

	column, field, err := p.displayColumn(ctx, cache, fc.Scope, target, displayField(settings))
	if err != nil {
		return nil, fmt.Errorf("加载引用 %s 失败: %w", fc.Name(), err)
	}

	key := displayKey{scope: fc.Scope, entity: target, column: column}
	result, missing := cache.values(key, ids)
	if len(missing) == 0 {
		return result, nil
	}

	raw, err := p.resolver.Lookup(ctx, fc.Scope, target, column, missing)
	if err != nil {
		return nil, fmt.Errorf("加载引用 %s 失败: %w", fc.Name(), err)
	}
	loaded := make(map[int64]interface{}, len(missing))
	for _, id := range missing {
		v, ok := raw[id]
		if !ok {
			loaded[id] = nil
			continue
		}
		out, err := p.outputDisplay(ctx, fc.Scope, target, field, v)
		if err != nil {
			return nil, err
		}
		loaded[id] = out
	}
	cache.store(key, loaded)
	for id, v := range loaded {
		result[id] = v
	}
	return result, nil
}

// displayColumn 确定展示列；不可展示或已删除的字段回退为记录ID
func (p *referencePlugin) displayColumn(ctx context.Context, cache *referenceCache, scope models.Scope, target, name string) (string, *models.Field, error) {
	if models.IsSystemColumn(name) {
		return name, nil, nil
	}
	key := displayKey{scope: scope, entity: target, column: name}
	if field, ok := cache.field(key); ok {
		if field == nil {
			return defaultDisplayField, nil, nil
		}
		return name, field, nil
	}

	field, err := p.resolver.Field(ctx, scope, target, name)
	if err != nil {
		return "", nil, err
	}
	if !DisplayableField(field) {
		field = nil
	}
	cache.storeField(key, field)
	if field == nil {
		return defaultDisplayField, nil, nil
	}
	return name, field, nil
}

func (p *referencePlugin) outputDisplay(ctx context.Context, scope models.Scope, target string, field *models.Field, raw interface{}) (interface{}, error) {
	if field == nil || p.types == nil {
		return raw, nil
	}
	plugin, err := p.types.Resolve(field.Type)
	if err != nil {
		return nil, err
	}
	out, include, err := plugin.TransformForOutput(ctx, &FieldContext{Scope: scope, Entity: target, Field: field}, raw)
	if err != nil {
		return nil, err
	}
	if !include {
		return nil, nil
	}
	return out, nil
}

type displayKey struct {
	scope  models.Scope
	entity string
	column string
}

type referenceCacheKey struct{}

// referenceCache 一次请求内的引用展示值缓存
type referenceCache struct {
	mu      sync.Mutex
	entries map[displayKey]map[int64]interface{}
	fields  map[displayKey]*models.Field
}

// WithReferenceCache 返回携带引用展示值缓存的 ctx，用于批量输出
func WithReferenceCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, referenceCacheKey{}, &referenceCache{
		entries: make(map[displayKey]map[int64]interface{}),
		fields:  make(map[displayKey]*models.Field),
	})
}

func referenceCacheFrom(ctx context.Context) *referenceCache {
	cache, _ := ctx.Value(referenceCacheKey{}).(*referenceCache)
	return cache
}

// values 返回已缓存的展示值以及需要查询的ID，nil 缓存视为全部未命中
func (c *referenceCache) values(key displayKey, ids []int64) (map[int64]interface{}, []int64) {
	result := make(map[int64]interface{}, len(ids))
	if c == nil {
		return result, ids
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cached := c.entries[key]
	var missing []int64
	for _, id := range ids {
		if v, ok := cached[id]; ok {
			result[id] = v
			continue
		}
		missing = append(missing, id)
	}
	return result, missing
}

func (c *referenceCache) store(key displayKey, values map[int64]interface{}) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.entries[key]
	if !ok {
		cached = make(map[int64]interface{}, len(values))
		c.entries[key] = cached
	}
	for id, v := range values {
		cached[id] = v
	}
}

func (c *referenceCache) field(key displayKey) (*models.Field, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.fields[key]
	return f, ok
}

func (c *referenceCache) storeField(key displayKey, field *models.Field) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields[key] = field
}

// DBReferenceResolver 直接查询被引用实体的存储表
type DBReferenceResolver struct {
	db        *gorm.DB
	generator *identifier.Generator
}

// NewDBReferenceResolver 创建基于数据库的引用解析器
func NewDBReferenceResolver(db *gorm.DB, generator *identifier.Generator) *DBReferenceResolver {
	return &DBReferenceResolver{db: db, generator: generator}
}

func (r *DBReferenceResolver) Lookup(ctx context.Context, scope models.Scope, entity, displayField string, ids []int64) (map[int64]interface{}, error) {
	result := make(map[int64]interface{}, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	table, err := r.generator.TableIdent(scope.TenantID, scope.ProjectID, entity)
	if err != nil {
		return nil, err
	}
	display, err := r.generator.NewIdent(displayField)
	if err != nil {
		return nil, err
	}
	if !r.db.WithContext(ctx).Migrator().HasTable(table.String()) {
		return nil, fmt.Errorf("%w: %s", models.ErrTableNotFound, table)
	}

	unique := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })

	var rows []map[string]interface{}
	err = r.db.WithContext(ctx).
		Table(table.String()).
		Select("? AS ref_id, ? AS ref_display", clause.Column{Name: models.ColumnID}, display.Column()).
		Where(clause.IN{Column: clause.Column{Name: models.ColumnID}, Values: int64Values(unique)}).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询引用记录失败: %w", err)
	}

	for _, row := range rows {
		result[cast.ToInt64(row["ref_id"])] = row["ref_display"]
	}
	return result, nil
}

// Field 按模板名称与字段名查询字段定义
func (r *DBReferenceResolver) Field(ctx context.Context, scope models.Scope, entity, name string) (*models.Field, error) {
	var template models.EntityTemplate
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND project_id = ? AND name = ?", scope.TenantID, scope.ProjectID, entity).
		Take(&template).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询引用模板失败: %w", err)
	}

	var field models.Field
	err = r.db.WithContext(ctx).Where("template_id = ? AND name = ?", template.ID, name).Take(&field).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询引用字段失败: %w", err)
	}
	return &field, nil
}

func int64Values(ids []int64) []interface{} {
	values := make([]interface{}, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	return values
}
