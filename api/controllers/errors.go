/*
 * @module api/controllers/errors
 * @description 领域错误到 HTTP 状态码的映射
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @rules 校验类错误返回 4xx 并携带字段上下文；存储引擎内部错误只记录日志，对外返回通用消息
 * @dependencies github.com/go-chi/render, log/slog
 * @refs service/models/errors.go
 */

package controllers

import (
	"errors"
	"log/slog"
	"net/http"

	"baas-service/service/models"
)

// ErrorDetail 错误附带的上下文
type ErrorDetail struct {
	Field  string             `json:"field,omitempty"`
	Value  interface{}        `json:"value,omitempty"`
	Report *models.SyncReport `json:"report,omitempty"`
}

var errorStatus = []struct {
	err    error
	status int
}{
	{models.ErrTemplateNotFound, http.StatusNotFound},
	{models.ErrTableNotFound, http.StatusNotFound},
	{models.ErrFieldNotFound, http.StatusNotFound},
	{models.ErrRecordNotFound, http.StatusNotFound},
	{models.ErrTemplateNameConflict, http.StatusConflict},
	{models.ErrFieldNameConflict, http.StatusConflict},
	{models.ErrUniqueConstraintViolation, http.StatusConflict},
	{models.ErrFieldNotExists, http.StatusBadRequest},
	{models.ErrFieldRequired, http.StatusBadRequest},
	{models.ErrFieldValidation, http.StatusBadRequest},
	{models.ErrInvalidFieldTypeForFile, http.StatusBadRequest},
	{models.ErrInvalidImageFileType, http.StatusBadRequest},
	{models.ErrFileNotAttached, http.StatusBadRequest},
	{models.ErrUnknownFieldType, http.StatusBadRequest},
	{models.ErrInvalidEntityName, http.StatusBadRequest},
	{models.ErrInvalidFieldName, http.StatusBadRequest},
	{models.ErrInvalidIdentifier, http.StatusBadRequest},
	{models.ErrFileUploadFailed, http.StatusBadGateway},
	{models.ErrSchemaSyncPartialFailure, http.StatusInternalServerError},
}

// StatusFor 返回错误对应的 HTTP 状态码
func StatusFor(err error) int {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// writeError 写入错误响应
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := StatusFor(err)
	detail := &ErrorDetail{}

	var fieldErr *models.FieldError
	if errors.As(err, &fieldErr) {
		detail.Field = fieldErr.Field
	}
	var uniqueErr *models.UniqueConstraintError
	if errors.As(err, &uniqueErr) {
		detail.Field = uniqueErr.Field
		detail.Value = uniqueErr.Value
	}
	var syncErr *models.SchemaSyncError
	if errors.As(err, &syncErr) {
		detail.Report = syncErr.Report
	}

	msg := err.Error()
	if status == http.StatusInternalServerError && syncErr == nil {
		logger.Error("请求处理失败", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "服务内部错误"
	}

	var data interface{}
	if detail.Field != "" || detail.Report != nil {
		data = detail
	}
	respond(w, r, status, ErrorResponse(status, msg, data))
}
