/*
 * @module client/file_manager_client
 * @description 文件管理服务HTTP客户端，实现 models.FileManager，物理文件存储由外部服务负责
 * @architecture 适配器模式 - 将文件上传/删除封装为HTTP请求
 * @documentReference DESIGN.md
 * @stateFlow 构造multipart请求 -> 发送 -> 解析 {success, file_id, error}
 * @rules 1. 删除不存在的文件(404)返回 nil, nil
 *        2. 仅对网络错误和5xx重试，4xx直接返回
 *        3. 统计信息并发安全
 * @dependencies net/http, mime/multipart, encoding/json, log/slog
 * @refs service/field_types/file.go, service/entity/write.go
 */

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"baas-service/service/models"
)

// FileManagerConfig 文件管理服务客户端配置
type FileManagerConfig struct {
	BaseURL    string        `json:"base_url" yaml:"base_url"`       // 文件服务地址
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`         // HTTP超时时间
	MaxRetries int           `json:"max_retries" yaml:"max_retries"` // 最大重试次数
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"` // 重试间隔
}

// FileManagerStats 客户端统计信息
type FileManagerStats struct {
	Uploads     int64     `json:"uploads"`
	Deletes     int64     `json:"deletes"`
	ErrorCount  int64     `json:"error_count"`
	LastRequest time.Time `json:"last_request"`
	mutex       sync.RWMutex
}

// FileManagerClient 文件管理服务客户端
type FileManagerClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
	stats      *FileManagerStats
}

// NewFileManagerClient 创建文件管理服务客户端
func NewFileManagerClient(config *FileManagerConfig, logger *slog.Logger) *FileManagerClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	retryDelay := config.RetryDelay
	if retryDelay == 0 {
		retryDelay = 200 * time.Millisecond
	}
	return &FileManagerClient{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: config.MaxRetries,
		retryDelay: retryDelay,
		logger:     logger,
		stats:      &FileManagerStats{},
	}
}

type deleteResponse struct {
	Success         bool   `json:"success"`
	DeletedFilename string `json:"deleted_filename"`
	DeletedSize     int64  `json:"deleted_size"`
	Error           string `json:"error"`
}

// Upload 以multipart形式上传文件
func (c *FileManagerClient) Upload(ctx context.Context, file *models.FileUpload, meta models.UploadMetadata) (*models.UploadResult, error) {
	if file == nil {
		return nil, errors.New("上传文件为空")
	}

	body, contentType, err := encodeUpload(file, meta)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("上传文件失败: %w", err)
	}
	defer resp.Body.Close()

	c.record(func(s *FileManagerStats) { s.Uploads++ })

	var result models.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析上传响应失败，状态码: %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 && result.Success {
		result.Success = false
	}
	if !result.Success && result.Error == "" {
		result.Error = fmt.Sprintf("文件服务返回状态码 %d", resp.StatusCode)
	}
	return &result, nil
}

// Delete 删除文件，文件不存在时返回 nil, nil
func (c *FileManagerClient) Delete(ctx context.Context, fileID string) (*models.DeletedFile, error) {
	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/files/"+url.PathEscape(fileID), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("删除文件失败: %w", err)
	}
	defer resp.Body.Close()

	c.record(func(s *FileManagerStats) { s.Deletes++ })

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("删除文件失败，状态码: %d, 响应: %s", resp.StatusCode, string(body))
	}

	var result deleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析删除响应失败: %w", err)
	}
	return &models.DeletedFile{
		FileID:          fileID,
		DeletedFilename: result.DeletedFilename,
		DeletedSize:     result.DeletedSize,
	}, nil
}

// GetStats 获取统计信息快照
func (c *FileManagerClient) GetStats() FileManagerStats {
	c.stats.mutex.RLock()
	defer c.stats.mutex.RUnlock()
	return FileManagerStats{
		Uploads:     c.stats.Uploads,
		Deletes:     c.stats.Deletes,
		ErrorCount:  c.stats.ErrorCount,
		LastRequest: c.stats.LastRequest,
	}
}

// do 发送请求，网络错误与5xx按配置重试
func (c *FileManagerClient) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
		}
		c.record(func(s *FileManagerStats) { s.LastRequest = time.Now() })

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.record(func(s *FileManagerStats) { s.ErrorCount++ })
			c.logger.Warn("文件服务请求失败", "method", req.Method, "url", req.URL.String(), "attempt", attempt+1, "error", err)
			continue
		}
		if resp.StatusCode >= 500 && attempt < c.maxRetries {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("状态码: %d, 响应: %s", resp.StatusCode, string(body))
			c.record(func(s *FileManagerStats) { s.ErrorCount++ })
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *FileManagerClient) record(update func(s *FileManagerStats)) {
	c.stats.mutex.Lock()
	update(c.stats)
	c.stats.mutex.Unlock()
}

func encodeUpload(file *models.FileUpload, meta models.UploadMetadata) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := map[string]string{
		"tenant_id":  meta.TenantID,
		"project_id": meta.ProjectID,
		"entity":     meta.Entity,
		"field":      meta.Field,
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("写入表单字段失败: %w", err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Filename))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("创建文件分段失败: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", fmt.Errorf("写入文件内容失败: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("关闭multipart写入器失败: %w", err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}
