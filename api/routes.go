/*
 * @module api/routes
 * @description API路由配置模块，负责初始化和配置所有HTTP路由
 * @architecture RESTful API架构
 * @documentReference DESIGN.md
 * @stateFlow 无状态HTTP请求处理
 * @rules 遵循RESTful API设计规范，统一错误处理和响应格式；所有业务路由都在租户/项目作用域下
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/cors, github.com/go-chi/render
 * @refs service/bootstrap.go, api/middleware/rate_limit.go, main.go
 */

package api

import (
	"baas-service/api/controllers"
	apimiddleware "baas-service/api/middleware"
	"baas-service/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
)

// Version 服务版本
const Version = "1.0.0"

// InitRoute 初始化所有API路由
func InitRoute(r chi.Router, c *service.Container) {
	// 基础中间件
	r.Use(middleware.RequestID)
	r.Use(apimiddleware.RequestLogger(c.Logger))
	r.Use(middleware.Recoverer)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	// CORS配置
	if c.Config.Server.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   c.Config.Server.CORS.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// 健康检查
	healthController := controllers.NewHealthController(c.Ready, Version)
	r.Get("/health", healthController.Health)
	r.Get("/ready", healthController.Ready)

	// 表结构漂移巡检
	auditController := controllers.NewAuditController(c.Scheduler, c.Logger)
	r.Route("/schema-audit", func(r chi.Router) {
		r.Get("/", auditController.LastAudit)
		r.Post("/run", auditController.RunAudit)
	})

	templateController := controllers.NewTemplateController(c.Templates, c.Logger)
	entityController := controllers.NewEntityController(c.Gateway, c.Config.Server.MaxUploadSize, c.Logger)

	r.Route("/tenants/{tenant}/projects/{project}", func(r chi.Router) {
		r.Use(apimiddleware.Scope)
		if c.RateLimiter != nil {
			r.Use(apimiddleware.RateLimit(c.RateLimiter, c.Config.RateLimit, c.Metrics, c.Logger))
		}

		// 实体模板管理
		r.Route("/templates", func(r chi.Router) {
			r.Get("/", templateController.ListTemplates)
			r.Post("/", templateController.CreateTemplate)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", templateController.GetTemplate)
				r.Put("/", templateController.UpdateTemplate)
				r.Put("/status", templateController.SetTemplateStatus)

				// 表结构同步
				r.Post("/sync", templateController.Synchronize)
				r.Get("/orphans", templateController.Orphans)
				r.Post("/orphans/cleanup", templateController.CleanupOrphans)

				// 字段管理
				r.Route("/fields", func(r chi.Router) {
					r.Get("/", templateController.ListFields)
					r.Post("/", templateController.CreateField)
					r.Get("/{fieldID}", templateController.GetField)
					r.Put("/{fieldID}", templateController.UpdateField)
					r.Delete("/{fieldID}", templateController.DeleteField)
				})
			})
		})

		// 实体数据
		r.Route("/entities/{entity}", func(r chi.Router) {
			r.Get("/", entityController.List)
			r.Post("/", entityController.Create)
			r.Get("/{id}", entityController.Get)
			r.Put("/{id}", entityController.Update)
			r.Patch("/{id}", entityController.Update)
			r.Delete("/{id}", entityController.Delete)
		})
	})
}
