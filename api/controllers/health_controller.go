/*
 * @module api/controllers/health_controller
 * @description 健康检查控制器，提供服务健康状态检查
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @stateFlow HTTP请求处理流程
 * @rules 存活检查不访问依赖；就绪检查探测数据库与Redis
 * @dependencies net/http, github.com/go-chi/render
 * @refs service/bootstrap.go
 */

package controllers

import (
	"context"
	"net/http"
	"time"
)

const serviceName = "baas-service"

// ReadinessChecker 就绪探测
type ReadinessChecker func(ctx context.Context) error

// HealthController 健康检查控制器
type HealthController struct {
	ready   ReadinessChecker
	version string
}

// NewHealthController 创建健康检查控制器实例
func NewHealthController(ready ReadinessChecker, version string) *HealthController {
	return &HealthController{ready: ready, version: version}
}

// HealthResponse 健康检查响应结构
type HealthResponse struct {
	Status    string    `json:"status" example:"ok"`
	Timestamp time.Time `json:"timestamp" example:"2024-01-01T00:00:00Z"`
	Version   string    `json:"version" example:"1.0.0"`
	Service   string    `json:"service" example:"baas-service"`
	Error     string    `json:"error,omitempty"`
}

// Health 健康检查
func (c *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   c.version,
		Service:   serviceName,
	})
}

// Ready 就绪检查
func (c *HealthController) Ready(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   c.version,
		Service:   serviceName,
	}
	if c.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := c.ready(ctx); err != nil {
			response.Status = "unavailable"
			response.Error = err.Error()
			respond(w, r, http.StatusServiceUnavailable, response)
			return
		}
	}
	respond(w, r, http.StatusOK, response)
}
