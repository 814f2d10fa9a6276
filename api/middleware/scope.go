/*
 * @module api/middleware/scope
 * @description 租户作用域中间件，从路径中解析租户与项目并注入请求上下文
 * @architecture 中间件模式 - HTTP请求拦截和验证
 * @documentReference DESIGN.md
 * @stateFlow 路径参数提取 -> 格式校验 -> 上下文注入 -> 下一个处理器
 * @rules 租户/项目ID只允许字母、数字、下划线、连字符和点，长度不超过128
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs api/routes.go, service/models/entity_template.go
 */

package middleware

import (
	"context"
	"net/http"
	"regexp"

	"baas-service/service/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// ContextKey 上下文键类型
type ContextKey string

// ScopeKey 作用域在上下文中的键
const ScopeKey ContextKey = "scope"

var scopeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

type errorBody struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

// Scope 解析 {tenant} 与 {project} 路径参数
func Scope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := models.Scope{
			TenantID:  chi.URLParam(r, "tenant"),
			ProjectID: chi.URLParam(r, "project"),
		}
		if !scopeIDPattern.MatchString(scope.TenantID) || !scopeIDPattern.MatchString(scope.ProjectID) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errorBody{Status: http.StatusBadRequest, Msg: "租户或项目ID不合法"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithScope(r.Context(), scope)))
	})
}

// WithScope 将作用域写入上下文
func WithScope(ctx context.Context, scope models.Scope) context.Context {
	return context.WithValue(ctx, ScopeKey, scope)
}

// GetScopeFromContext 从上下文获取作用域
func GetScopeFromContext(ctx context.Context) (models.Scope, bool) {
	scope, ok := ctx.Value(ScopeKey).(models.Scope)
	return scope, ok
}
