package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"baas-service/service/models"

	"github.com/stretchr/testify/mock"
)

// MemoryFileManager 内存文件管理器
type MemoryFileManager struct {
	mu      sync.Mutex
	seq     int
	files   map[string]*models.FileUpload
	deleted []string

	// FailUploadAfter 成功上传该数量的文件后开始失败，0 表示不失败
	FailUploadAfter int
	// RejectUploads 以 success=false 拒绝所有上传
	RejectUploads bool
	uploads       int
}

// NewMemoryFileManager 创建内存文件管理器
func NewMemoryFileManager() *MemoryFileManager {
	return &MemoryFileManager{files: make(map[string]*models.FileUpload)}
}

func (m *MemoryFileManager) Upload(ctx context.Context, upload *models.FileUpload, meta models.UploadMetadata) (*models.UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RejectUploads {
		return &models.UploadResult{Success: false, Error: "upload rejected"}, nil
	}
	if m.FailUploadAfter > 0 && m.uploads >= m.FailUploadAfter {
		return nil, errors.New("file manager unavailable")
	}
	m.uploads++
	m.seq++
	id := fmt.Sprintf("file-%d", m.seq)
	m.files[id] = upload
	return &models.UploadResult{Success: true, FileID: id}, nil
}

func (m *MemoryFileManager) Delete(ctx context.Context, fileID string) (*models.DeletedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	upload, ok := m.files[fileID]
	if !ok {
		return nil, nil
	}
	delete(m.files, fileID)
	m.deleted = append(m.deleted, fileID)
	return &models.DeletedFile{FileID: fileID, DeletedFilename: upload.Filename, DeletedSize: upload.Size()}, nil
}

// Has 文件是否仍然存在
func (m *MemoryFileManager) Has(fileID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[fileID]
	return ok
}

// Count 当前存储的文件数
func (m *MemoryFileManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

// Deleted 已删除的文件ID
func (m *MemoryFileManager) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// MockChangePublisher Mock变更事件发布器
type MockChangePublisher struct {
	mock.Mock
}

func (m *MockChangePublisher) Publish(ctx context.Context, event models.ChangeEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockChangePublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}
