/*
 * @module service/field_types/registry
 * @description 字段类型注册表，封闭的标签化类型集合，每种类型携带其存储类型、校验与转换实现
 * @architecture 注册表模式 - 单次 map 查找解析字段类型
 * @documentReference DESIGN.md
 * @stateFlow 字段类型名 -> Resolve -> Plugin -> StorageType/Validate/Transform
 * @rules 未知类型返回 ErrUnknownFieldType，不做静默回退；所有协作者通过构造函数注入
 * @dependencies github.com/spf13/cast, log/slog
 * @refs service/database/synchronizer.go, service/entity/gateway.go
 */

package field_types

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"baas-service/service/models"
)

// Kind 字段类型
type Kind string

const (
	KindText      Kind = "text"
	KindInteger   Kind = "integer"
	KindBoolean   Kind = "boolean"
	KindDate      Kind = "date"
	KindDatetime  Kind = "datetime"
	KindFile      Kind = "file"
	KindImage     Kind = "image"
	KindPassword  Kind = "password"
	KindReference Kind = "reference"
)

// FieldContext 插件调用上下文
type FieldContext struct {
	Scope  models.Scope
	Entity string
	Field  *models.Field
}

// Settings 字段配置
func (fc *FieldContext) Settings() models.JSONB {
	if fc == nil || fc.Field == nil {
		return nil
	}
	return fc.Field.Settings
}

// Name 字段名
func (fc *FieldContext) Name() string {
	if fc == nil || fc.Field == nil {
		return ""
	}
	return fc.Field.Name
}

func (fc *FieldContext) invalid(format string, args ...interface{}) error {
	return models.NewFieldError(fc.Name(), models.ErrFieldValidation, fmt.Sprintf(format, args...))
}

// Plugin 字段类型插件
type Plugin interface {
	Kind() Kind
	// StorageType 物理列类型，供同步器使用
	StorageType(settings models.JSONB) ColumnType
	// Validate 校验原始输入，每次写入都会调用
	Validate(ctx context.Context, fc *FieldContext, raw interface{}) error
	// TransformForStorage 转换为存储值（例如密码哈希）
	TransformForStorage(ctx context.Context, fc *FieldContext, raw interface{}) (interface{}, error)
	// TransformForOutput 转换为输出值，include 为 false 时该字段不出现在输出中
	TransformForOutput(ctx context.Context, fc *FieldContext, stored interface{}) (value interface{}, include bool, err error)
	// SupportsUnique 是否可以声明唯一约束
	SupportsUnique(settings models.JSONB) bool
}

// FilePlugin 文件类插件，上传在全部校验通过后才执行
type FilePlugin interface {
	Plugin
	// Commit 上传新文件并返回存储值及本次新上传的文件ID
	Commit(ctx context.Context, fc *FieldContext, raw interface{}) (stored interface{}, uploaded []string, err error)
	// StoredFileIDs 从存储值中解析文件ID
	StoredFileIDs(stored interface{}) []string
	// InputFileIDs 输入中以ID形式提交的已有文件
	InputFileIDs(raw interface{}) []string
}

// Dependencies 插件依赖的协作者
type Dependencies struct {
	Files      models.FileManager
	References ReferenceResolver
	Logger     *slog.Logger
}

// Registry 字段类型注册表
type Registry struct {
	plugins map[Kind]Plugin
}

// NewRegistry 创建注册表，注册全部内置类型
func NewRegistry(deps Dependencies) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{plugins: make(map[Kind]Plugin)}
	r.register(&textPlugin{})
	r.register(&integerPlugin{})
	r.register(&booleanPlugin{})
	r.register(&datePlugin{})
	r.register(&datetimePlugin{})
	r.register(&filePlugin{kind: KindFile, files: deps.Files, logger: logger})
	r.register(&filePlugin{kind: KindImage, files: deps.Files, logger: logger})
	r.register(&passwordPlugin{})
	r.register(&referencePlugin{resolver: deps.References, types: r})
	return r
}

func (r *Registry) register(p Plugin) {
	r.plugins[p.Kind()] = p
}

// Resolve 解析字段类型
func (r *Registry) Resolve(fieldType string) (Plugin, error) {
	p, ok := r.plugins[Kind(strings.ToLower(fieldType))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownFieldType, fieldType)
	}
	return p, nil
}

// Kinds 返回全部已注册类型
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.plugins))
	for k := range r.plugins {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// IsFileKind 判断是否为文件/图片类型
func IsFileKind(fieldType string) bool {
	k := Kind(strings.ToLower(fieldType))
	return k == KindFile || k == KindImage
}

// IsEmpty 判断输入是否为空值
func IsEmpty(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []interface{}:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case []*models.FileUpload:
		return len(val) == 0
	case *models.FileUpload:
		return val == nil
	}
	return false
}
