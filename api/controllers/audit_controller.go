package controllers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"baas-service/service/scheduler"

	"github.com/go-chi/render"
)

// Auditor 表结构漂移巡检
type Auditor interface {
	RunAudit(ctx context.Context) ([]scheduler.AuditResult, error)
	LastResults() (time.Time, []scheduler.AuditResult)
}

// AuditController 漂移巡检控制器
type AuditController struct {
	auditor Auditor
	logger  *slog.Logger
}

// NewAuditController 创建漂移巡检控制器实例
func NewAuditController(auditor Auditor, logger *slog.Logger) *AuditController {
	return &AuditController{auditor: auditor, logger: logger}
}

// AuditResponse 巡检结果
type AuditResponse struct {
	RanAt   *time.Time              `json:"ran_at,omitempty"`
	Skipped bool                    `json:"skipped,omitempty"`
	Results []scheduler.AuditResult `json:"results"`
}

// LastAudit 最近一次巡检结果
func (c *AuditController) LastAudit(w http.ResponseWriter, r *http.Request) {
	ranAt, results := c.auditor.LastResults()
	response := AuditResponse{Results: results}
	if !ranAt.IsZero() {
		response.RanAt = &ranAt
	}
	if response.Results == nil {
		response.Results = []scheduler.AuditResult{}
	}
	render.JSON(w, r, SuccessResponse("查询成功", response))
}

// RunAudit 立即执行一次巡检，其他实例正在巡检时返回 skipped
func (c *AuditController) RunAudit(w http.ResponseWriter, r *http.Request) {
	results, err := c.auditor.RunAudit(r.Context())
	if err != nil {
		writeError(w, r, c.logger, err)
		return
	}
	response := AuditResponse{Results: results}
	if results == nil {
		response.Skipped = true
		response.Results = []scheduler.AuditResult{}
	} else {
		now := time.Now()
		response.RanAt = &now
	}
	render.JSON(w, r, SuccessResponse("巡检完成", response))
}
