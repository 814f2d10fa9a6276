/*
 * @module testutil/test_helper
 * @description 测试工具和辅助函数
 * @architecture 测试基础设施 - 提供测试通用工具和数据工厂
 * @documentReference DESIGN.md
 * @stateFlow 测试环境初始化 -> 测试数据创建 -> 测试执行 -> 清理资源
 * @rules 提供可重用的测试工具，确保测试环境的一致性；SQLite 内存库限制为单连接
 * @dependencies gorm, sqlite, testify, time
 * @refs service/models
 */

package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"baas-service/service/models"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestDB 测试数据库配置
type TestDB struct {
	DB *gorm.DB
}

// NewTestDB 创建测试数据库
func NewTestDB() *TestDB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to connect test database: %v", err))
	}

	// 内存库每个连接都是独立的数据库
	sqlDB, err := db.DB()
	if err != nil {
		panic(fmt.Sprintf("failed to get sql db: %v", err))
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.EntityTemplate{},
		&models.Field{},
	)
	if err != nil {
		panic(fmt.Sprintf("failed to migrate test database: %v", err))
	}

	return &TestDB{DB: db}
}

// CleanDB 清理注册表数据
func (tdb *TestDB) CleanDB() {
	tables := []string{
		"baas_entity_fields",
		"baas_entity_templates",
	}

	for _, table := range tables {
		tdb.DB.Exec(fmt.Sprintf("DELETE FROM %s", table))
	}
}

// Close 关闭数据库连接
func (tdb *TestDB) Close() {
	if db, err := tdb.DB.DB(); err == nil {
		db.Close()
	}
}

// TestDataFactory 测试数据工厂，直接写入注册表，不触发表结构同步
type TestDataFactory struct {
	DB *gorm.DB
}

// NewTestDataFactory 创建测试数据工厂
func NewTestDataFactory(db *gorm.DB) *TestDataFactory {
	return &TestDataFactory{DB: db}
}

// TemplateOption 模板选项函数类型
type TemplateOption func(*models.EntityTemplate)

// CreateTemplate 创建测试模板
func (f *TestDataFactory) CreateTemplate(scope models.Scope, name string, opts ...TemplateOption) *models.EntityTemplate {
	template := &models.EntityTemplate{
		TenantID:    scope.TenantID,
		ProjectID:   scope.ProjectID,
		Name:        name,
		Label:       "测试模板 " + name,
		Description: "这是一个测试模板",
		Status:      models.TemplateStatusEnabled,
		Settings:    models.JSONB{},
	}

	for _, opt := range opts {
		opt(template)
	}

	if err := f.DB.Create(template).Error; err != nil {
		panic(fmt.Sprintf("failed to create test template: %v", err))
	}
	return template
}

// FieldOption 字段选项函数类型
type FieldOption func(*models.Field)

// CreateField 创建测试字段
func (f *TestDataFactory) CreateField(templateID, name, fieldType string, opts ...FieldOption) *models.Field {
	field := &models.Field{
		TemplateID: templateID,
		Name:       name,
		Label:      name,
		Type:       fieldType,
		Settings:   models.JSONB{},
	}

	for _, opt := range opts {
		opt(field)
	}

	if err := f.DB.Create(field).Error; err != nil {
		panic(fmt.Sprintf("failed to create test field: %v", err))
	}
	return field
}

// Required 必填字段选项
func Required() FieldOption {
	return func(f *models.Field) { f.Required = true }
}

// Unique 唯一字段选项
func Unique() FieldOption {
	return func(f *models.Field) { f.Unique = true }
}

// WithSettings 字段配置选项
func WithSettings(settings models.JSONB) FieldOption {
	return func(f *models.Field) { f.Settings = settings }
}

// Disabled 禁用模板选项
func Disabled() TemplateOption {
	return func(t *models.EntityTemplate) { t.Status = models.TemplateStatusDisabled }
}

// NewUpload 构造上传文件
func NewUpload(filename, contentType string, data []byte) *models.FileUpload {
	return &models.FileUpload{Filename: filename, ContentType: contentType, Data: data}
}

// PNGBytes 最小的 PNG 文件头，足以被类型探测识别
func PNGBytes() []byte {
	return []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
}

// 辅助函数
func generateSuffix() string {
	return fmt.Sprintf("%d", time.Now().UnixNano()%100000)
}

// UniqueName 生成带随机后缀的名称
func UniqueName(prefix string) string {
	return prefix + "_" + generateSuffix()
}

// HTTPTestHelper HTTP测试辅助工具
type HTTPTestHelper struct{}

// NewHTTPTestHelper 创建HTTP测试辅助工具
func NewHTTPTestHelper() *HTTPTestHelper {
	return &HTTPTestHelper{}
}

// CreateJSONRequest 创建JSON请求
func (h *HTTPTestHelper) CreateJSONRequest(method, url string, body interface{}) (*http.Request, error) {
	var reqBody io.Reader

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// DecodeResponse 解析统一响应体
func (h *HTTPTestHelper) DecodeResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int) map[string]interface{} {
	assert.Equal(t, expectedStatus, w.Code, w.Body.String())

	var body map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &body)
	assert.NoError(t, err)
	return body
}
