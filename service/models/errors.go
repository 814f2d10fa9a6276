/*
 * @module service/models/errors
 * @description 动态实体存储引擎的错误分类，供网关、同步器与控制器统一识别
 * @architecture 分层架构 - 数据模型层
 * @documentReference DESIGN.md
 * @rules 校验类错误在任何变更前返回；存储引擎错误记录日志后以内部错误返回
 * @dependencies errors, fmt
 * @refs api/controllers/errors.go
 */

package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTemplateNotFound          = errors.New("实体模板不存在")
	ErrTemplateNameConflict      = errors.New("实体模板名称已存在")
	ErrTableNotFound             = errors.New("物理表不存在或尚未同步")
	ErrFieldNotFound             = errors.New("字段不存在")
	ErrFieldNotExists            = errors.New("模板中不存在该字段")
	ErrFieldNameConflict         = errors.New("字段名称已存在")
	ErrFieldRequired             = errors.New("字段为必填项")
	ErrFieldValidation           = errors.New("字段值校验失败")
	ErrInvalidFieldTypeForFile   = errors.New("该字段类型不接受文件")
	ErrInvalidImageFileType      = errors.New("文件不是有效的图片类型")
	ErrUniqueConstraintViolation = errors.New("违反唯一性约束")
	ErrFileUploadFailed          = errors.New("文件上传失败")
	ErrFileNotAttached           = errors.New("文件ID不属于该记录")
	ErrSchemaSyncPartialFailure  = errors.New("表结构同步部分失败")
	ErrUnknownFieldType          = errors.New("未知的字段类型")
	ErrRecordNotFound            = errors.New("记录不存在")
	ErrInvalidEntityName         = errors.New("实体名称不合法")
	ErrInvalidFieldName          = errors.New("字段名称不合法")
	ErrInvalidIdentifier         = errors.New("标识符不合法")
)

// FieldError 携带字段上下文的校验错误
type FieldError struct {
	Field  string
	Err    error
	Detail string
}

// NewFieldError 创建字段错误
func NewFieldError(field string, err error, detail string) *FieldError {
	return &FieldError{Field: field, Err: err, Detail: detail}
}

func (e *FieldError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("字段 %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("字段 %s: %v: %s", e.Field, e.Err, e.Detail)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// UniqueConstraintError 唯一性冲突，包含冲突字段与取值
type UniqueConstraintError struct {
	Field string
	Value interface{}
}

func (e *UniqueConstraintError) Error() string {
	return fmt.Sprintf("%v: 字段 %s 的值 %v 已存在", ErrUniqueConstraintViolation, e.Field, e.Value)
}

func (e *UniqueConstraintError) Is(target error) bool {
	return target == ErrUniqueConstraintViolation
}

// SchemaSyncError 同步部分失败，携带逐列结果以便调用方重试
type SchemaSyncError struct {
	Report *SyncReport
	Cause  error
}

func (e *SchemaSyncError) Error() string {
	failed := make([]string, 0)
	if e.Report != nil {
		for _, o := range e.Report.Outcomes {
			if o.Status == SyncStatusFailed {
				failed = append(failed, o.Column)
			}
		}
	}
	return fmt.Sprintf("%v: 失败列 [%s]: %v", ErrSchemaSyncPartialFailure, strings.Join(failed, ", "), e.Cause)
}

func (e *SchemaSyncError) Is(target error) bool {
	return target == ErrSchemaSyncPartialFailure
}

func (e *SchemaSyncError) Unwrap() error {
	return e.Cause
}
