/*
 * @module service/field_types/file
 * @description 文件/图片字段类型，接受新上传的二进制或此前签发的文件ID
 * @architecture 插件模式 - FilePlugin
 * @documentReference DESIGN.md
 * @stateFlow 校验全部上传 -> 全部校验通过 -> Commit 上传 -> 存储文件ID
 * @rules 图片校验检查服务端探测类型、客户端声明类型和扩展名三个信号，
 *        只有三者都不是图片时才拒绝；部分不一致只记录告警
 * @dependencies github.com/gabriel-vasile/mimetype, log/slog
 * @refs client/file_manager_client.go, service/entity/gateway.go
 */

package field_types

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"baas-service/service/models"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cast"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true,
	".svg": true, ".ico": true, ".tif": true, ".tiff": true, ".heic": true, ".avif": true,
}

// filePlugin 文件与图片类型，settings: multiple, max_size（字节）
type filePlugin struct {
	kind   Kind
	files  models.FileManager
	logger *slog.Logger
}

func (p *filePlugin) Kind() Kind { return p.kind }

func (p *filePlugin) StorageType(settings models.JSONB) ColumnType {
	if settings.Bool("multiple") {
		return ColumnType{Kind: ColumnText}
	}
	return ColumnType{Kind: ColumnVarchar, Length: 255}
}

func (p *filePlugin) SupportsUnique(settings models.JSONB) bool { return false }

// items 将输入展开为上传或文件ID列表
func (p *filePlugin) items(fc *FieldContext, raw interface{}) ([]interface{}, error) {
	items := flattenFileInput(raw)
	if len(items) > 1 && !fc.Settings().Bool("multiple") {
		return nil, fc.invalid("该字段只允许一个文件")
	}
	return items, nil
}

// InputFileIDs 返回输入中以ID形式提交的已有文件
func (p *filePlugin) InputFileIDs(raw interface{}) []string {
	var ids []string
	for _, item := range flattenFileInput(raw) {
		if _, ok := item.(*models.FileUpload); ok {
			continue
		}
		ids = append(ids, strings.TrimSpace(cast.ToString(item)))
	}
	return ids
}

func flattenFileInput(raw interface{}) []interface{} {
	var items []interface{}
	switch v := raw.(type) {
	case *models.FileUpload:
		items = []interface{}{v}
	case []*models.FileUpload:
		for _, u := range v {
			items = append(items, u)
		}
	case []interface{}:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	default:
		items = []interface{}{v}
	}
	return items
}

func (p *filePlugin) Validate(ctx context.Context, fc *FieldContext, raw interface{}) error {
	items, err := p.items(fc, raw)
	if err != nil {
		return err
	}
	for _, item := range items {
		switch v := item.(type) {
		case *models.FileUpload:
			if err := p.validateUpload(fc, v); err != nil {
				return err
			}
		default:
			id, err := cast.ToStringE(v)
			if err != nil || strings.TrimSpace(id) == "" {
				return fc.invalid("需要上传文件或已有文件ID")
			}
		}
	}
	return nil
}

func (p *filePlugin) validateUpload(fc *FieldContext, upload *models.FileUpload) error {
	if upload == nil || len(upload.Data) == 0 {
		return fc.invalid("上传文件为空")
	}
	if max := fc.Settings().Int("max_size", 0); max > 0 && upload.Size() > int64(max) {
		return fc.invalid("文件大小不能超过 %d 字节", max)
	}
	if p.kind != KindImage {
		return nil
	}

	detected := mimetype.Detect(upload.Data).String()
	signals := map[string]bool{
		"detected":  strings.HasPrefix(detected, "image/"),
		"client":    strings.HasPrefix(strings.ToLower(upload.ContentType), "image/"),
		"extension": imageExtensions[strings.ToLower(filepath.Ext(upload.Filename))],
	}

	agreeing := 0
	for _, ok := range signals {
		if ok {
			agreeing++
		}
	}
	if agreeing == 0 {
		return models.NewFieldError(fc.Name(), models.ErrInvalidImageFileType,
			fmt.Sprintf("文件 %s (检测类型 %s, 声明类型 %s)", upload.Filename, detected, upload.ContentType))
	}
	if agreeing < len(signals) {
		p.logger.Warn("图片类型信号不一致，按兼容策略放行",
			"field", fc.Name(),
			"filename", upload.Filename,
			"detected_type", detected,
			"client_type", upload.ContentType,
			"detected_is_image", signals["detected"],
			"client_is_image", signals["client"],
			"extension_is_image", signals["extension"])
	}
	return nil
}

func (p *filePlugin) TransformForStorage(ctx context.Context, fc *FieldContext, raw interface{}) (interface{}, error) {
	stored, _, err := p.Commit(ctx, fc, raw)
	return stored, err
}

// Commit 执行上传，任一文件失败时回收本次已上传的文件
func (p *filePlugin) Commit(ctx context.Context, fc *FieldContext, raw interface{}) (interface{}, []string, error) {
	items, err := p.items(fc, raw)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, 0, len(items))
	uploaded := make([]string, 0)
	for _, item := range items {
		upload, ok := item.(*models.FileUpload)
		if !ok {
			ids = append(ids, strings.TrimSpace(cast.ToString(item)))
			continue
		}
		if p.files == nil {
			p.rollback(ctx, uploaded)
			return nil, nil, models.NewFieldError(fc.Name(), models.ErrFileUploadFailed, "未配置文件管理器")
		}
		result, err := p.files.Upload(ctx, upload, models.UploadMetadata{
			TenantID:  fc.Scope.TenantID,
			ProjectID: fc.Scope.ProjectID,
			Entity:    fc.Entity,
			Field:     fc.Name(),
		})
		if err != nil || result == nil || !result.Success || result.FileID == "" {
			p.rollback(ctx, uploaded)
			detail := upload.Filename
			if err != nil {
				detail = fmt.Sprintf("%s: %v", upload.Filename, err)
			} else if result != nil && result.Error != "" {
				detail = fmt.Sprintf("%s: %s", upload.Filename, result.Error)
			}
			return nil, nil, models.NewFieldError(fc.Name(), models.ErrFileUploadFailed, detail)
		}
		ids = append(ids, result.FileID)
		uploaded = append(uploaded, result.FileID)
	}

	return p.encode(fc, ids), uploaded, nil
}

func (p *filePlugin) rollback(ctx context.Context, uploaded []string) {
	for _, id := range uploaded {
		if _, err := p.files.Delete(ctx, id); err != nil {
			p.logger.Error("回收已上传文件失败", "file_id", id, "error", err)
		}
	}
}

func (p *filePlugin) encode(fc *FieldContext, ids []string) interface{} {
	if fc.Settings().Bool("multiple") {
		b, _ := json.Marshal(ids)
		return string(b)
	}
	if len(ids) == 0 {
		return nil
	}
	return ids[0]
}

// StoredFileIDs 解析存储值中的文件ID
func (p *filePlugin) StoredFileIDs(stored interface{}) []string {
	return parseFileIDs(stored)
}

func (p *filePlugin) TransformForOutput(ctx context.Context, fc *FieldContext, stored interface{}) (interface{}, bool, error) {
	if stored == nil {
		return nil, true, nil
	}
	ids := parseFileIDs(stored)
	if fc.Settings().Bool("multiple") {
		return ids, true, nil
	}
	if len(ids) == 0 {
		return nil, true, nil
	}
	return ids[0], true, nil
}

func parseFileIDs(stored interface{}) []string {
	if stored == nil {
		return nil
	}
	s := strings.TrimSpace(cast.ToString(stored))
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var ids []string
		if err := json.Unmarshal([]byte(s), &ids); err == nil {
			return ids
		}
	}
	return []string{s}
}
