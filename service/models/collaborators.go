package models

import "context"

// FileManager 文件管理器协作接口，物理文件存储由外部服务负责
type FileManager interface {
	// Upload 上传文件，返回文件ID
	Upload(ctx context.Context, file *FileUpload, meta UploadMetadata) (*UploadResult, error)
	// Delete 删除文件，文件不存在时返回 nil, nil
	Delete(ctx context.Context, fileID string) (*DeletedFile, error)
}

// ChangePublisher 实体变更事件发布接口
type ChangePublisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
	Close() error
}
