/*
 * @module api/controllers/entity_controller
 * @description 实体数据API控制器，JSON 与 multipart 请求统一转换为网关写入数据
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @stateFlow HTTP请求 -> 作用域解析 -> 请求体解码 -> 实体网关 -> 错误映射
 * @rules 列表查询中 page/limit/sort_field/sort_direction 以外的查询参数都视为过滤条件
 * @dependencies baas-service/service/entity, github.com/go-chi/render
 * @refs api/routes.go, service/entity/gateway.go
 */

package controllers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"baas-service/service/entity"
	"baas-service/service/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/spf13/cast"
)

var reservedQueryParams = map[string]bool{
	"page":           true,
	"limit":          true,
	"sort_field":     true,
	"sort_direction": true,
}

// EntityController 实体数据控制器
type EntityController struct {
	gateway       *entity.Gateway
	maxUploadSize int64
	logger        *slog.Logger
}

// NewEntityController 创建实体数据控制器实例
func NewEntityController(gateway *entity.Gateway, maxUploadSize int64, logger *slog.Logger) *EntityController {
	if maxUploadSize <= 0 {
		maxUploadSize = 32 << 20
	}
	return &EntityController{gateway: gateway, maxUploadSize: maxUploadSize, logger: logger}
}

// List 分页查询记录
// @Summary 查询实体记录
// @Tags 实体数据
// @Produce json
// @Param entity path string true "实体名称"
// @Param page query int false "页码，从1开始"
// @Param limit query int false "每页条数，最大100"
// @Param sort_field query string false "排序字段"
// @Param sort_direction query string false "asc 或 desc"
// @Success 200 {object} PaginatedResponse
// @Router /tenants/{tenant}/projects/{project}/entities/{entity} [get]
func (c *EntityController) List(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	query := models.ListQuery{
		Page:          cast.ToInt(values.Get("page")),
		Limit:         cast.ToInt(values.Get("limit")),
		SortField:     values.Get("sort_field"),
		SortDirection: values.Get("sort_direction"),
		Filters:       make(map[string]string),
	}
	for key, vals := range values {
		if reservedQueryParams[key] || len(vals) == 0 {
			continue
		}
		query.Filters[key] = vals[0]
	}

	result, err := c.gateway.List(r.Context(), scopeOf(r), chi.URLParam(r, "entity"), query)
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	render.JSON(w, r, PaginatedResponse{
		Status: 0,
		Msg:    "查询成功",
		Data:   result.Rows,
		Total:  result.Total,
		Page:   result.Page,
		Size:   result.Limit,
	})
}

// Get 获取单条记录
func (c *EntityController) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := c.recordID(w, r)
	if !ok {
		return
	}
	record, err := c.gateway.Get(r.Context(), scopeOf(r), chi.URLParam(r, "entity"), id)
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询成功", record))
}

// Create 创建记录
// @Summary 创建实体记录
// @Tags 实体数据
// @Accept json,mpfd
// @Produce json
// @Param entity path string true "实体名称"
// @Success 201 {object} APIResponse
// @Failure 400 {object} APIResponse{data=ErrorDetail}
// @Failure 409 {object} APIResponse{data=ErrorDetail}
// @Router /tenants/{tenant}/projects/{project}/entities/{entity} [post]
func (c *EntityController) Create(w http.ResponseWriter, r *http.Request) {
	input, err := c.decodeInput(w, r)
	if err != nil {
		respond(w, r, http.StatusBadRequest, BadRequestResponse(err.Error(), nil))
		return
	}
	record, err := c.gateway.Create(r.Context(), scopeOf(r), chi.URLParam(r, "entity"), input)
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	respond(w, r, http.StatusCreated, SuccessResponse("创建成功", record))
}

// Update 部分更新记录，未提交的字段保持不变
func (c *EntityController) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := c.recordID(w, r)
	if !ok {
		return
	}
	input, err := c.decodeInput(w, r)
	if err != nil {
		respond(w, r, http.StatusBadRequest, BadRequestResponse(err.Error(), nil))
		return
	}
	record, err := c.gateway.Update(r.Context(), scopeOf(r), chi.URLParam(r, "entity"), id, input)
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	render.JSON(w, r, SuccessResponse("更新成功", record))
}

// Delete 删除记录，返回已删除的文件
func (c *EntityController) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := c.recordID(w, r)
	if !ok {
		return
	}
	deleted, err := c.gateway.Delete(r.Context(), scopeOf(r), chi.URLParam(r, "entity"), id)
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	if deleted == nil {
		deleted = []models.DeletedFile{}
	}
	render.JSON(w, r, SuccessResponse("删除成功", map[string]interface{}{"deleted_files": deleted}))
}

func (c *EntityController) recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respond(w, r, http.StatusBadRequest, BadRequestResponse("记录ID必须为正整数", nil))
		return 0, false
	}
	return id, true
}

// decodeInput 解码 JSON 或 multipart 请求体
func (c *EntityController) decodeInput(w http.ResponseWriter, r *http.Request) (models.WriteInput, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return c.decodeMultipart(w, r)
	}

	// 数字按 json.Number 解码，整数保持精度
	var input models.WriteInput
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, c.maxUploadSize))
	decoder.UseNumber()
	if err := decoder.Decode(&input); err != nil {
		return nil, fmt.Errorf("请求参数格式错误: %w", err)
	}
	if input == nil {
		return models.WriteInput{}, nil
	}
	for key, v := range input {
		input[key] = normalizeNumbers(v)
	}
	return input, nil
}

// normalizeNumbers 整数转为 int64，其余数字转为 float64
func normalizeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []interface{}:
		for i := range val {
			val[i] = normalizeNumbers(val[i])
		}
		return val
	case map[string]interface{}:
		for k := range val {
			val[k] = normalizeNumbers(val[k])
		}
		return val
	}
	return v
}

// decodeMultipart 普通表单项作为字段值，文件项转换为 *models.FileUpload；
// 同名的多个值或文件合并为列表
func (c *EntityController) decodeMultipart(w http.ResponseWriter, r *http.Request) (models.WriteInput, error) {
	r.Body = http.MaxBytesReader(w, r.Body, c.maxUploadSize)
	if err := r.ParseMultipartForm(c.maxUploadSize); err != nil {
		return nil, fmt.Errorf("解析上传表单失败: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	items := make(map[string][]interface{})
	for key, values := range r.MultipartForm.Value {
		for _, v := range values {
			items[key] = append(items[key], v)
		}
	}
	for key, headers := range r.MultipartForm.File {
		for _, header := range headers {
			upload, err := readUpload(header)
			if err != nil {
				return nil, err
			}
			items[key] = append(items[key], upload)
		}
	}

	input := make(models.WriteInput, len(items))
	for key, list := range items {
		if len(list) == 1 {
			input[key] = list[0]
			continue
		}
		input[key] = list
	}
	return input, nil
}

func readUpload(header *multipart.FileHeader) (*models.FileUpload, error) {
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("读取上传文件 %s 失败: %w", header.Filename, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取上传文件 %s 失败: %w", header.Filename, err)
	}
	return &models.FileUpload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}
