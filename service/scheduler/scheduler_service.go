/**
 * @module SchedulerService
 * @description 表结构漂移巡检调度器，定时比对模板元数据与物理表
 * @architecture 基于 cron 的定时调度 + 有界并发巡检
 * @documentReference DESIGN.md
 * @stateFlow cron触发 -> 获取巡检锁 -> 逐模板Inspect -> 记录孤立列指标 -> 可选补齐缺失列
 * @rules 巡检只读，绝不删除孤立列；多实例部署时同一时刻只有一个实例执行巡检
 * @dependencies github.com/robfig/cron/v3, service/distributed_lock, service/monitoring
 * @refs service/database/synchronizer.go, service/template/service.go
 */

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"baas-service/service/distributed_lock"
	"baas-service/service/models"
	"baas-service/service/monitoring"

	"github.com/robfig/cron/v3"
)

const auditLockKey = "schema-drift-audit"

// TemplateLister 列出全部模板
type TemplateLister interface {
	ListAllTemplates(ctx context.Context) ([]models.EntityTemplate, error)
}

// SchemaInspector 表结构检查与同步
type SchemaInspector interface {
	Inspect(ctx context.Context, templateID string) (*models.SyncReport, error)
	Synchronize(ctx context.Context, templateID string, opts models.SyncOptions) (*models.SyncReport, error)
}

// Config 巡检调度配置
type Config struct {
	// Spec 六段式 cron 表达式（含秒），为空时不注册定时任务
	Spec string `json:"spec" yaml:"spec"`
	// RepairMissing 发现缺失列时执行一次非破坏性同步
	RepairMissing bool          `json:"repair_missing" yaml:"repair_missing"`
	MaxWorkers    int           `json:"max_workers" yaml:"max_workers"`
	LockTTL       time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
}

// AuditResult 单个模板的巡检结果
type AuditResult struct {
	TemplateID string   `json:"template_id"`
	TenantID   string   `json:"tenant_id"`
	ProjectID  string   `json:"project_id"`
	Entity     string   `json:"entity"`
	Table      string   `json:"table"`
	Missing    []string `json:"missing"`
	Orphans    []string `json:"orphans"`
	Repaired   []string `json:"repaired,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Drifted 是否存在漂移
func (r AuditResult) Drifted() bool {
	return len(r.Missing) > 0 || len(r.Orphans) > 0
}

// SchedulerService 漂移巡检调度器服务
type SchedulerService struct {
	templates TemplateLister
	inspector SchemaInspector
	locks     *distributed_lock.LockExecutor
	metrics   *monitoring.Metrics
	logger    *slog.Logger
	cfg       Config
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	lastRun time.Time
	last    []AuditResult
}

// NewSchedulerService 创建调度器服务
func NewSchedulerService(templates TemplateLister, inspector SchemaInspector, locks *distributed_lock.LockExecutor, metrics *monitoring.Metrics, logger *slog.Logger, cfg Config) *SchedulerService {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = distributed_lock.NewLockExecutor(distributed_lock.NewLocalLock(), logger)
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &SchedulerService{
		templates: templates,
		inspector: inspector,
		locks:     locks,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		cron:      cron.New(cron.WithSeconds()),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start 启动调度器
func (s *SchedulerService) Start() error {
	if s.cfg.Spec == "" {
		s.logger.Info("未配置漂移巡检计划，跳过调度器启动")
		return nil
	}

	_, err := s.cron.AddFunc(s.cfg.Spec, func() {
		if _, err := s.RunAudit(s.ctx); err != nil {
			s.logger.Error("表结构漂移巡检失败", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("注册漂移巡检任务失败: %w", err)
	}

	s.cron.Start()
	s.logger.Info("表结构漂移巡检调度器已启动", "spec", s.cfg.Spec)
	return nil
}

// Stop 停止调度器，等待正在执行的巡检结束
func (s *SchedulerService) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("表结构漂移巡检调度器已停止")
}

// RunAudit 执行一次巡检，其他实例持有巡检锁时返回 nil 结果
func (s *SchedulerService) RunAudit(ctx context.Context) ([]AuditResult, error) {
	var results []AuditResult
	acquired, err := s.locks.ExecuteWithLockAndRefresh(ctx, auditLockKey, s.cfg.LockTTL, s.cfg.LockTTL/3, func() error {
		var err error
		results, err = s.audit(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		s.logger.Debug("巡检锁被其他实例持有，跳过本轮巡检")
		return nil, nil
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.last = results
	s.mu.Unlock()
	return results, nil
}

// LastResults 最近一次巡检结果
func (s *SchedulerService) LastResults() (time.Time, []AuditResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, append([]AuditResult(nil), s.last...)
}

func (s *SchedulerService) audit(ctx context.Context) ([]AuditResult, error) {
	start := time.Now()
	templates, err := s.templates.ListAllTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取模板列表失败: %w", err)
	}

	results := make([]AuditResult, len(templates))
	workers := make(chan struct{}, s.cfg.MaxWorkers)
	var wg sync.WaitGroup
	for i := range templates {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		workers <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-workers }()
			results[i] = s.inspect(ctx, &templates[i])
		}(i)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	drifted := 0
	for _, r := range results {
		if r.Drifted() {
			drifted++
		}
	}
	s.logger.Info("表结构漂移巡检完成", "templates", len(results), "drifted", drifted, "duration", time.Since(start))
	return results, nil
}

func (s *SchedulerService) inspect(ctx context.Context, template *models.EntityTemplate) AuditResult {
	result := AuditResult{
		TemplateID: template.ID,
		TenantID:   template.TenantID,
		ProjectID:  template.ProjectID,
		Entity:     template.Name,
	}

	report, err := s.inspector.Inspect(ctx, template.ID)
	if err != nil {
		result.Error = err.Error()
		s.logger.Warn("检查表结构失败", "template_id", template.ID, "entity", template.Name, "error", err)
		return result
	}
	result.Table = report.Table
	result.Missing = report.Missing
	result.Orphans = report.Orphans
	s.metrics.SetOrphans(report.Table, len(report.Orphans))

	if len(report.Orphans) > 0 {
		s.logger.Warn("发现孤立列", "table", report.Table, "orphans", report.Orphans)
	}
	if len(report.Missing) == 0 {
		return result
	}

	s.logger.Warn("发现缺失列", "table", report.Table, "missing", report.Missing)
	if !s.cfg.RepairMissing {
		return result
	}
	repaired, err := s.inspector.Synchronize(ctx, template.ID, models.SyncOptions{})
	if err != nil {
		result.Error = err.Error()
		s.logger.Error("补齐缺失列失败", "table", report.Table, "error", err)
		return result
	}
	result.Repaired = repaired.Added
	if repaired.Created {
		result.Repaired = result.Missing
	}
	return result
}
