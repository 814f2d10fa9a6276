/*
 * @module service/models/entity_record
 * @description 实体记录、查询参数与文件引用相关模型
 * @architecture DDD领域驱动设计 - 值对象
 * @documentReference DESIGN.md
 * @dependencies time
 * @refs service/entity/gateway.go, client/file_manager_client.go
 */

package models

// 系统列，每张物理表都包含
const (
	ColumnID        = "id"
	ColumnUUID      = "uuid"
	ColumnTenantID  = "tenant_id"
	ColumnProjectID = "project_id"
	ColumnCreated   = "created"
	ColumnUpdated   = "updated"
)

// SystemColumns 系统列列表，按建表顺序
var SystemColumns = []string{ColumnID, ColumnUUID, ColumnTenantID, ColumnProjectID, ColumnCreated, ColumnUpdated}

// IsSystemColumn 判断是否为系统列
func IsSystemColumn(name string) bool {
	for _, c := range SystemColumns {
		if c == name {
			return true
		}
	}
	return false
}

// Record 实体记录，键为列名
type Record map[string]interface{}

// WriteInput 写入数据，文件字段的值可以是 *FileUpload、已有文件ID或其切片
type WriteInput map[string]interface{}

// 排序方向
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// ListQuery 列表查询参数
type ListQuery struct {
	Filters       map[string]string `json:"filters"`
	Page          int               `json:"page"`
	Limit         int               `json:"limit"`
	SortField     string            `json:"sort_field"`
	SortDirection string            `json:"sort_direction"`
}

// ListResult 列表查询结果
type ListResult struct {
	Rows  []Record `json:"rows"`
	Total int64    `json:"total"`
	Page  int      `json:"page"`
	Limit int      `json:"limit"`
}

// FileUpload 上传的文件
type FileUpload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"` // 客户端声明的类型
	Data        []byte `json:"-"`
}

// Size 文件大小
func (f *FileUpload) Size() int64 {
	return int64(len(f.Data))
}

// UploadMetadata 上传附带的元数据
type UploadMetadata struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	Entity    string `json:"entity"`
	Field     string `json:"field"`
}

// UploadResult 文件管理器上传结果
type UploadResult struct {
	Success bool   `json:"success"`
	FileID  string `json:"file_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DeletedFile 文件管理器删除结果
type DeletedFile struct {
	FileID          string `json:"file_id"`
	DeletedFilename string `json:"deleted_filename"`
	DeletedSize     int64  `json:"deleted_size"`
}

// ChangeEvent 实体变更事件
type ChangeEvent struct {
	Type      string `json:"type"` // entity.created, entity.updated, entity.deleted
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	Entity    string `json:"entity"`
	RecordID  int64  `json:"record_id"`
	UUID      string `json:"uuid,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// 变更事件类型
const (
	EventEntityCreated = "entity.created"
	EventEntityUpdated = "entity.updated"
	EventEntityDeleted = "entity.deleted"
)
