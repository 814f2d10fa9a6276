/*
 * @module api/controllers/template_controller
 * @description 实体模板与字段管理API控制器，处理HTTP请求和响应
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @stateFlow HTTP请求 -> 作用域解析 -> 模板服务 -> 同步报告/错误映射
 * @rules 统一的错误处理和响应格式；字段变更的同步失败返回报告，元数据保留
 * @dependencies baas-service/service/template, github.com/go-chi/render
 * @refs api/routes.go, service/template/service.go
 */

package controllers

import (
	"log/slog"
	"net/http"

	"baas-service/api/middleware"
	"baas-service/service/models"
	"baas-service/service/template"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/spf13/cast"
)

// TemplateController 实体模板控制器
type TemplateController struct {
	service *template.Service
	logger  *slog.Logger
}

// NewTemplateController 创建实体模板控制器实例
func NewTemplateController(service *template.Service, logger *slog.Logger) *TemplateController {
	return &TemplateController{service: service, logger: logger}
}

// TemplateResult 模板变更结果
type TemplateResult struct {
	Template *models.EntityTemplate `json:"template"`
	Report   *models.SyncReport     `json:"report,omitempty"`
}

// FieldResult 字段变更结果
type FieldResult struct {
	Field  *models.Field      `json:"field,omitempty"`
	Report *models.SyncReport `json:"report,omitempty"`
}

// StatusRequest 启用/停用请求
type StatusRequest struct {
	Status string `json:"status" example:"disabled"`
}

func scopeOf(r *http.Request) models.Scope {
	scope, _ := middleware.GetScopeFromContext(r.Context())
	return scope
}

// ListTemplates 获取模板列表
// @Summary 获取实体模板列表
// @Tags 实体模板
// @Produce json
// @Param include_disabled query bool false "是否包含已停用模板"
// @Success 200 {object} APIResponse{data=[]models.EntityTemplate}
// @Router /tenants/{tenant}/projects/{project}/templates [get]
func (c *TemplateController) ListTemplates(w http.ResponseWriter, r *http.Request) {
	includeDisabled := cast.ToBool(r.URL.Query().Get("include_disabled"))
	templates, err := c.service.ListTemplates(r.Context(), scopeOf(r), includeDisabled)
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询成功", templates))
}

// CreateTemplate 创建模板并建表
// @Summary 创建实体模板
// @Tags 实体模板
// @Accept json
// @Produce json
// @Param request body template.CreateTemplateRequest true "模板信息"
// @Success 201 {object} APIResponse{data=TemplateResult}
// @Failure 400 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Router /tenants/{tenant}/projects/{project}/templates [post]
func (c *TemplateController) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req template.CreateTemplateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respond(w, r, http.StatusBadRequest, BadRequestResponse("请求参数格式错误: "+err.Error(), nil))
		return
	}

	tpl, report, err := c.service.CreateTemplate(r.Context(), scopeOf(r), req)
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	respond(w, r, http.StatusCreated, SuccessResponse("创建成功", TemplateResult{Template: tpl, Report: report}))
}

// GetTemplate 获取模板详情
func (c *TemplateController) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := c.service.GetTemplate(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询成功", tpl))
}

// UpdateTemplate 更新模板展示信息
func (c *TemplateController) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var req template.UpdateTemplateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respond(w, r, http.StatusBadRequest, BadRequestResponse("请求参数格式错误: "+err.Error(), nil))
		return
	}

	tpl, err := c.service.UpdateTemplate(r.Context(), scopeOf(r), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	render.JSON(w, r, SuccessResponse("更新成功", tpl))
}

// SetTemplateStatus 启用或停用模板
func (c *TemplateController) SetTemplateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respond(w, r, http.StatusBadRequest, BadRequestResponse("请求参数格式错误: "+err.Error(), nil))
		return
	}

	tpl, err := c.service.SetTemplateStatus(r.Context(), scopeOf(r), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	render.JSON(w, r, SuccessResponse("状态已更新", tpl))
}

// ListFields 获取字段列表
func (c *TemplateController) ListFields(w http.ResponseWriter, r *http.Request) {
	fields, err := c.service.ListFields(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询成功", fields))
}

// GetField 获取字段详情
func (c *TemplateController) GetField(w http.ResponseWriter, r *http.Request) {
	field, err := c.service.GetField(r.Context(), scopeOf(r), chi.URLParam(r, "id"), chi.URLParam(r, "fieldID"))
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询成功", field))
}

// CreateField 新增字段并同步表结构
// @Summary 新增字段
// @Tags 实体模板
// @Accept json
// @Produce json
// @Param request body template.FieldRequest true "字段定义"
// @Success 201 {object} APIResponse{data=FieldResult}
// @Failure 500 {object} APIResponse{data=ErrorDetail} "同步部分失败，字段元数据已保存"
// @Router /tenants/{tenant}/projects/{project}/templates/{id}/fields [post]
func (c *TemplateController) CreateField(w http.ResponseWriter, r *http.Request) {
	var req template.FieldRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respond(w, r, http.StatusBadRequest, BadRequestResponse("请求参数格式错误: "+err.Error(), nil))
		return
	}

	field, report, err := c.service.CreateField(r.Context(), scopeOf(r), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	respond(w, r, http.StatusCreated, SuccessResponse("创建成功", FieldResult{Field: field, Report: report}))
}

// UpdateField 更新字段属性，字段名与类型不可修改
func (c *TemplateController) UpdateField(w http.ResponseWriter, r *http.Request) {
	var req template.UpdateFieldRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respond(w, r, http.StatusBadRequest, BadRequestResponse("请求参数格式错误: "+err.Error(), nil))
		return
	}

	field, report, err := c.service.UpdateField(r.Context(), scopeOf(r), chi.URLParam(r, "id"), chi.URLParam(r, "fieldID"), req)
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	render.JSON(w, r, SuccessResponse("更新成功", FieldResult{Field: field, Report: report}))
}

// DeleteField 删除字段，物理列保留为孤立列
func (c *TemplateController) DeleteField(w http.ResponseWriter, r *http.Request) {
	report, err := c.service.DeleteField(r.Context(), scopeOf(r), chi.URLParam(r, "id"), chi.URLParam(r, "fieldID"))
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	render.JSON(w, r, SuccessResponse("删除成功", FieldResult{Report: report}))
}

// Synchronize 手动同步表结构
func (c *TemplateController) Synchronize(w http.ResponseWriter, r *http.Request) {
	report, err := c.service.Synchronize(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	render.JSON(w, r, SuccessResponse("同步完成", report))
}

// Orphans 查看缺失列与孤立列
func (c *TemplateController) Orphans(w http.ResponseWriter, r *http.Request) {
	report, err := c.service.Orphans(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	render.JSON(w, r, SuccessResponse("查询成功", report))
}

// CleanupOrphans 删除孤立列，不可恢复
func (c *TemplateController) CleanupOrphans(w http.ResponseWriter, r *http.Request) {
	report, err := c.service.CleanupOrphans(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	render.JSON(w, r, SuccessResponse("清理完成", report))
}
