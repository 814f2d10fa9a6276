/*
 * @module service/database/synchronizer
 * @description 表结构同步器，使物理表的列与模板字段定义收敛一致
 * @architecture 分层架构 - 业务服务层
 * @documentReference DESIGN.md
 * @stateFlow 加载模板 -> 获取表锁 -> 建表 -> 比对列 -> 补列 -> (显式)删孤立列 -> 唯一索引对齐 -> 报告
 * @rules 1. 孤立列只在 DropOrphans 时删除，该选项只能由显式管理操作传入
 *        2. 系统列永远不会被报告为孤立列
 *        3. PostgreSQL/SQLite 上整个同步在一个事务中执行，失败即整体回滚
 *        4. 其他方言逐条执行，报告每一列的结果，重复执行可收敛
 *        5. 表名/列名/索引名只以 identifier.Ident 形式进入SQL
 * @dependencies gorm.io/gorm, log/slog
 * @refs service/template/service.go, service/scheduler/scheduler_service.go
 */

package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"baas-service/service/distributed_lock"
	"baas-service/service/field_types"
	"baas-service/service/identifier"
	"baas-service/service/models"
	"baas-service/service/monitoring"

	"gorm.io/gorm"
)

const defaultSchemaLockTTL = 2 * time.Minute

// 各方言的系统列定义，不含任何用户输入
var systemColumnsDDL = map[string]string{
	field_types.DialectPostgres: `id BIGSERIAL PRIMARY KEY,
		uuid VARCHAR(36) NOT NULL UNIQUE,
		tenant_id VARCHAR(128) NOT NULL,
		project_id VARCHAR(128) NOT NULL,
		created BIGINT NOT NULL,
		updated BIGINT NOT NULL`,
	field_types.DialectSQLite: `id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		created INTEGER NOT NULL,
		updated INTEGER NOT NULL`,
}

// SynchronizerOptions 同步器可选依赖
type SynchronizerOptions struct {
	Locks   *distributed_lock.LockExecutor
	LockTTL time.Duration
	Metrics *monitoring.Metrics
	Logger  *slog.Logger
}

// Synchronizer 表结构同步器
type Synchronizer struct {
	db        *gorm.DB
	generator *identifier.Generator
	types     *field_types.Registry
	locks     *distributed_lock.LockExecutor
	lockTTL   time.Duration
	metrics   *monitoring.Metrics
	logger    *slog.Logger
}

// NewSynchronizer 创建表结构同步器
func NewSynchronizer(db *gorm.DB, generator *identifier.Generator, types *field_types.Registry, opts SynchronizerOptions) *Synchronizer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locks := opts.Locks
	if locks == nil {
		locks = distributed_lock.NewLockExecutor(distributed_lock.NewLocalLock(), logger)
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = defaultSchemaLockTTL
	}
	return &Synchronizer{
		db:        db,
		generator: generator,
		types:     types,
		locks:     locks,
		lockTTL:   ttl,
		metrics:   opts.Metrics,
		logger:    logger,
	}
}

// step 一个DDL步骤
type step struct {
	action string
	column string
	// after 依赖的前置步骤列名，前置失败时跳过
	after string
	run   func(tx *gorm.DB) error
}

// Synchronize 同步模板对应的物理表
func (s *Synchronizer) Synchronize(ctx context.Context, templateID string, opts models.SyncOptions) (report *models.SyncReport, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("synchronizer", "synchronize", start, err) }()

	template, err := s.loadTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	table, err := s.generator.TableIdent(template.TenantID, template.ProjectID, template.Name)
	if err != nil {
		return nil, err
	}

	err = s.locks.ExecuteWithWait(ctx, "schema:"+table.String(), s.lockTTL, func() error {
		report, err = s.synchronize(ctx, template, table, opts)
		return err
	})
	return report, err
}

// CleanupOrphans 删除孤立列，管理操作
func (s *Synchronizer) CleanupOrphans(ctx context.Context, templateID string) (*models.SyncReport, error) {
	s.logger.Warn("执行孤立列清理", "template_id", templateID)
	return s.Synchronize(ctx, templateID, models.SyncOptions{DropOrphans: true})
}

// Inspect 只读检查，返回缺失列与孤立列
func (s *Synchronizer) Inspect(ctx context.Context, templateID string) (*models.SyncReport, error) {
	template, err := s.loadTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	table, err := s.generator.TableIdent(template.TenantID, template.ProjectID, template.Name)
	if err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	report := s.newReport(template, table, db)
	if !db.Migrator().HasTable(table.String()) {
		for _, f := range template.Fields {
			report.Missing = append(report.Missing, f.Name)
		}
		return report, nil
	}

	columns, err := s.listColumns(db, table)
	if err != nil {
		return nil, err
	}
	report.Missing, report.Orphans = diffColumns(template.Fields, columns)
	return report, nil
}

// TableFor 返回模板对应的物理表名
func (s *Synchronizer) TableFor(template *models.EntityTemplate) (identifier.Ident, error) {
	return s.generator.TableIdent(template.TenantID, template.ProjectID, template.Name)
}

func (s *Synchronizer) loadTemplate(ctx context.Context, templateID string) (*models.EntityTemplate, error) {
	var template models.EntityTemplate
	err := s.db.WithContext(ctx).
		Preload("Fields", func(db *gorm.DB) *gorm.DB { return db.Order("weight ASC, created_at ASC") }).
		First(&template, "id = ?", templateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrTemplateNotFound, templateID)
	}
	if err != nil {
		return nil, fmt.Errorf("加载模板失败: %w", err)
	}
	return &template, nil
}

func (s *Synchronizer) dialect(db *gorm.DB) string {
	return db.Dialector.Name()
}

func (s *Synchronizer) transactional(db *gorm.DB) bool {
	switch s.dialect(db) {
	case field_types.DialectPostgres, field_types.DialectSQLite:
		return true
	}
	return false
}

func (s *Synchronizer) newReport(template *models.EntityTemplate, table identifier.Ident, db *gorm.DB) *models.SyncReport {
	return &models.SyncReport{
		TemplateID:     template.ID,
		Table:          table.String(),
		Transactional:  s.transactional(db),
		Added:          []string{},
		Dropped:        []string{},
		Orphans:        []string{},
		Missing:        []string{},
		IndexesCreated: []string{},
		IndexesDropped: []string{},
		Outcomes:       []models.SyncOutcome{},
	}
}

func (s *Synchronizer) synchronize(ctx context.Context, template *models.EntityTemplate, table identifier.Ident, opts models.SyncOptions) (*models.SyncReport, error) {
	db := s.db.WithContext(ctx)
	report := s.newReport(template, table, db)

	if report.Transactional {
		err := db.Transaction(func(tx *gorm.DB) error {
			steps, err := s.plan(tx, template, table, opts, report)
			if err != nil {
				return err
			}
			return s.execute(tx, steps, report, true)
		})
		if err != nil {
			rollback(report)
			s.recordSteps(report)
			s.logger.Error("表结构同步失败，已回滚",
				"template_id", template.ID,
				"table", table.String(),
				"error", err)
			return report, &models.SchemaSyncError{Report: report, Cause: err}
		}
	} else {
		steps, err := s.plan(db, template, table, opts, report)
		if err != nil {
			return report, err
		}
		if err := s.execute(db, steps, report, false); err != nil {
			s.recordSteps(report)
			s.logger.Error("表结构同步部分失败",
				"template_id", template.ID,
				"table", table.String(),
				"error", err)
			return report, &models.SchemaSyncError{Report: report, Cause: err}
		}
	}

	s.recordSteps(report)
	if report.Changed() || len(report.Orphans) > 0 {
		s.logger.Info("表结构同步完成",
			"template_id", template.ID,
			"table", table.String(),
			"created", report.Created,
			"added", report.Added,
			"dropped", report.Dropped,
			"orphans", report.Orphans,
			"indexes_created", report.IndexesCreated,
			"indexes_dropped", report.IndexesDropped)
	}
	return report, nil
}

// plan 比对当前物理表与字段定义，生成DDL步骤
func (s *Synchronizer) plan(tx *gorm.DB, template *models.EntityTemplate, table identifier.Ident, opts models.SyncOptions, report *models.SyncReport) ([]step, error) {
	dialect := s.dialect(tx)
	var steps []step

	exists := tx.Migrator().HasTable(table.String())
	columns := map[string]bool{}
	if !exists {
		ddl, ok := systemColumnsDDL[dialect]
		if !ok {
			ddl = systemColumnsDDL[field_types.DialectPostgres]
		}
		steps = append(steps, step{
			action: models.SyncActionCreateTable,
			run: func(tx *gorm.DB) error {
				return tx.Exec("CREATE TABLE IF NOT EXISTS ? ("+ddl+")", table.Table()).Error
			},
		})
	} else {
		var err error
		columns, err = s.listColumns(tx, table)
		if err != nil {
			return nil, err
		}
	}

	missing, orphans := diffColumns(template.Fields, columns)
	report.Missing = missing
	report.Orphans = orphans

	missingSet := make(map[string]bool, len(missing))
	for _, name := range missing {
		missingSet[name] = true
	}

	for i := range template.Fields {
		field := template.Fields[i]
		column, err := s.generator.NewIdent(field.Name)
		if err != nil {
			return nil, err
		}
		plugin, err := s.types.Resolve(field.Type)
		if err != nil {
			return nil, fmt.Errorf("字段 %s: %w", field.Name, err)
		}

		if missingSet[field.Name] {
			colType := plugin.StorageType(field.Settings).SQL(dialect)
			steps = append(steps, step{
				action: models.SyncActionAddColumn,
				column: field.Name,
				run: func(tx *gorm.DB) error {
					return tx.Exec("ALTER TABLE ? ADD COLUMN ? "+colType, table.Table(), column.Column()).Error
				},
			})
		}

		index := s.generator.IndexName(table, column)
		wantUnique := field.IsUnique() && plugin.SupportsUnique(field.Settings)
		hasUnique := exists && !missingSet[field.Name] && tx.Migrator().HasIndex(table.String(), index.String())

		switch {
		case wantUnique && !hasUnique:
			steps = append(steps, step{
				action: models.SyncActionCreateIndex,
				column: field.Name,
				after:  field.Name,
				run: func(tx *gorm.DB) error {
					return tx.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ? ON ? (?)", index.Column(), table.Table(), column.Column()).Error
				},
			})
		case !wantUnique && hasUnique:
			steps = append(steps, step{
				action: models.SyncActionDropIndex,
				column: field.Name,
				run: func(tx *gorm.DB) error {
					return tx.Exec("DROP INDEX IF EXISTS ?", index.Column()).Error
				},
			})
		}
	}

	if opts.DropOrphans {
		for _, name := range orphans {
			column, err := s.generator.NewIdent(name)
			if err != nil {
				return nil, err
			}
			index := s.generator.IndexName(table, column)
			if tx.Migrator().HasIndex(table.String(), index.String()) {
				steps = append(steps, step{
					action: models.SyncActionDropIndex,
					column: name,
					run: func(tx *gorm.DB) error {
						return tx.Exec("DROP INDEX IF EXISTS ?", index.Column()).Error
					},
				})
			}
			steps = append(steps, step{
				action: models.SyncActionDropColumn,
				column: name,
				run: func(tx *gorm.DB) error {
					return tx.Exec("ALTER TABLE ? DROP COLUMN ?", table.Table(), column.Column()).Error
				},
			})
		}
	}

	return steps, nil
}

// execute 执行步骤；atomic 时遇错立即返回，由事务整体回滚
func (s *Synchronizer) execute(tx *gorm.DB, steps []step, report *models.SyncReport, atomic bool) error {
	failedColumns := map[string]bool{}
	var firstErr error

	for i, st := range steps {
		if st.after != "" && failedColumns[st.after] {
			report.Outcomes = append(report.Outcomes, models.SyncOutcome{Action: st.action, Column: st.column, Status: models.SyncStatusSkipped})
			continue
		}

		if err := st.run(tx); err != nil {
			report.Outcomes = append(report.Outcomes, models.SyncOutcome{
				Action: st.action,
				Column: st.column,
				Status: models.SyncStatusFailed,
				Error:  err.Error(),
			})
			failedColumns[st.column] = true
			if firstErr == nil {
				firstErr = fmt.Errorf("%s %s 失败: %w", st.action, st.column, err)
			}
			if atomic || st.action == models.SyncActionCreateTable {
				for _, rest := range steps[i+1:] {
					report.Outcomes = append(report.Outcomes, models.SyncOutcome{Action: rest.action, Column: rest.column, Status: models.SyncStatusSkipped})
				}
				return firstErr
			}
			continue
		}

		report.Outcomes = append(report.Outcomes, models.SyncOutcome{Action: st.action, Column: st.column, Status: models.SyncStatusApplied})
		switch st.action {
		case models.SyncActionCreateTable:
			report.Created = true
		case models.SyncActionAddColumn:
			report.Added = append(report.Added, st.column)
		case models.SyncActionDropColumn:
			report.Dropped = append(report.Dropped, st.column)
		case models.SyncActionCreateIndex:
			report.IndexesCreated = append(report.IndexesCreated, st.column)
		case models.SyncActionDropIndex:
			report.IndexesDropped = append(report.IndexesDropped, st.column)
		}
	}
	return firstErr
}

// rollback 事务回滚后，已执行的步骤标记为 rolled_back
func rollback(report *models.SyncReport) {
	for i := range report.Outcomes {
		if report.Outcomes[i].Status == models.SyncStatusApplied {
			report.Outcomes[i].Status = models.SyncStatusRolledBack
		}
	}
	report.Created = false
	report.Added = []string{}
	report.Dropped = []string{}
	report.IndexesCreated = []string{}
	report.IndexesDropped = []string{}
}

func (s *Synchronizer) recordSteps(report *models.SyncReport) {
	for _, o := range report.Outcomes {
		s.metrics.SyncStep(o.Action, o.Status)
	}
}

// listColumns 读取物理表的实际列
func (s *Synchronizer) listColumns(tx *gorm.DB, table identifier.Ident) (map[string]bool, error) {
	var names []string
	var err error
	switch s.dialect(tx) {
	case field_types.DialectSQLite:
		err = tx.Raw("SELECT name FROM pragma_table_info(?)", table.String()).Scan(&names).Error
	default:
		err = tx.Raw("SELECT column_name FROM information_schema.columns WHERE table_schema = CURRENT_SCHEMA() AND table_name = ?", table.String()).Scan(&names).Error
	}
	if err != nil {
		return nil, fmt.Errorf("读取表 %s 的列失败: %w", table, err)
	}

	columns := make(map[string]bool, len(names))
	for _, name := range names {
		columns[name] = true
	}
	return columns, nil
}

// diffColumns 计算缺失列和孤立列，孤立列不含系统列
func diffColumns(fields []models.Field, columns map[string]bool) (missing, orphans []string) {
	missing = []string{}
	orphans = []string{}

	declared := make(map[string]bool, len(fields))
	for _, f := range fields {
		declared[f.Name] = true
		if !columns[f.Name] {
			missing = append(missing, f.Name)
		}
	}
	for name := range columns {
		if models.IsSystemColumn(name) || declared[name] {
			continue
		}
		orphans = append(orphans, name)
	}
	sort.Strings(orphans)
	return missing, orphans
}
