package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"baas-service/service/database"
	"baas-service/service/distributed_lock"
	"baas-service/service/field_types"
	"baas-service/service/identifier"
	"baas-service/service/models"
	"baas-service/service/monitoring"
	"baas-service/service/template"
	"baas-service/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
)

type SchedulerServiceTestSuite struct {
	suite.Suite
	tdb       *testutil.TestDB
	factory   *testutil.TestDataFactory
	sync      *database.Synchronizer
	templates *template.Service
	lock      *distributed_lock.LocalLock
	locks     *distributed_lock.LockExecutor
	registry  *prometheus.Registry
	metrics   *monitoring.Metrics
	logger    *slog.Logger
	scope     models.Scope
	ctx       context.Context
}

func (s *SchedulerServiceTestSuite) SetupTest() {
	s.tdb = testutil.NewTestDB()
	s.factory = testutil.NewTestDataFactory(s.tdb.DB)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	generator := identifier.NewGenerator(identifier.PostgresIdentifierMaxLength)
	types := field_types.NewRegistry(field_types.Dependencies{Logger: s.logger})
	s.sync = database.NewSynchronizer(s.tdb.DB, generator, types, database.SynchronizerOptions{Logger: s.logger})
	s.templates = template.NewService(s.tdb.DB, generator, types, s.sync, s.logger)
	s.lock = distributed_lock.NewLocalLock()
	s.locks = distributed_lock.NewLockExecutor(s.lock, s.logger)
	s.registry = prometheus.NewRegistry()
	s.metrics = monitoring.NewMetrics(s.registry)
	s.scope = models.Scope{TenantID: "t1", ProjectID: "p1"}
	s.ctx = context.Background()
}

func (s *SchedulerServiceTestSuite) TearDownTest() {
	s.tdb.Close()
}

func (s *SchedulerServiceTestSuite) newService(cfg Config) *SchedulerService {
	cfg.MaxWorkers = 1
	return NewSchedulerService(s.templates, s.sync, s.locks, s.metrics, s.logger, cfg)
}

// driftedTemplate 返回一个带孤立列 legacy 且缺少列 note 的模板
func (s *SchedulerServiceTestSuite) driftedTemplate() *models.EntityTemplate {
	tpl := s.factory.CreateTemplate(s.scope, "orders")
	s.factory.CreateField(tpl.ID, "code", "text")
	_, err := s.sync.Synchronize(s.ctx, tpl.ID, models.SyncOptions{})
	s.Require().NoError(err)

	table, err := s.sync.TableFor(tpl)
	s.Require().NoError(err)
	s.Require().NoError(s.tdb.DB.Exec("ALTER TABLE " + table.String() + " ADD COLUMN legacy TEXT").Error)
	s.factory.CreateField(tpl.ID, "note", "text")
	return tpl
}

func (s *SchedulerServiceTestSuite) TestRunAuditReportsDrift() {
	tpl := s.driftedTemplate()
	clean := s.factory.CreateTemplate(s.scope, "customers")
	_, err := s.sync.Synchronize(s.ctx, clean.ID, models.SyncOptions{})
	s.Require().NoError(err)

	results, err := s.newService(Config{}).RunAudit(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(results, 2)

	byID := map[string]AuditResult{}
	for _, r := range results {
		byID[r.TemplateID] = r
	}
	drifted := byID[tpl.ID]
	s.True(drifted.Drifted())
	s.Equal([]string{"note"}, drifted.Missing)
	s.Equal([]string{"legacy"}, drifted.Orphans)
	s.Empty(drifted.Repaired)
	s.False(byID[clean.ID].Drifted())

	ordersTable, _ := s.sync.TableFor(tpl)
	customersTable, _ := s.sync.TableFor(clean)
	expected := fmt.Sprintf(`# HELP baas_schema_orphan_columns Orphan columns found by the last drift audit
# TYPE baas_schema_orphan_columns gauge
baas_schema_orphan_columns{table="%s"} 0
baas_schema_orphan_columns{table="%s"} 1
`, customersTable, ordersTable)
	s.NoError(promtestutil.GatherAndCompare(s.registry, strings.NewReader(expected), "baas_schema_orphan_columns"))

	// 巡检只读，孤立列与缺失列保持原样
	report, err := s.sync.Inspect(s.ctx, tpl.ID)
	s.Require().NoError(err)
	s.Equal([]string{"note"}, report.Missing)
	s.Equal([]string{"legacy"}, report.Orphans)
}

func (s *SchedulerServiceTestSuite) TestRunAuditRepairsMissingColumns() {
	tpl := s.driftedTemplate()

	service := s.newService(Config{RepairMissing: true})
	results, err := service.RunAudit(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Equal([]string{"note"}, results[0].Repaired)

	report, err := s.sync.Inspect(s.ctx, tpl.ID)
	s.Require().NoError(err)
	s.Empty(report.Missing)
	s.Equal([]string{"legacy"}, report.Orphans)

	ranAt, last := service.LastResults()
	s.False(ranAt.IsZero())
	s.Len(last, 1)
}

func (s *SchedulerServiceTestSuite) TestRunAuditSkipsWhenLockHeld() {
	s.driftedTemplate()
	locked, err := s.lock.TryLock(s.ctx, auditLockKey, time.Minute)
	s.Require().NoError(err)
	s.Require().True(locked)

	results, err := s.newService(Config{}).RunAudit(s.ctx)
	s.NoError(err)
	s.Nil(results)
}

func (s *SchedulerServiceTestSuite) TestInspectErrorIsRecorded() {
	tpl := s.factory.CreateTemplate(s.scope, "orders")
	service := NewSchedulerService(s.templates, failingInspector{}, s.locks, nil, s.logger, Config{})

	results, err := service.RunAudit(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Equal(tpl.ID, results[0].TemplateID)
	s.Contains(results[0].Error, "inspect failed")
}

func (s *SchedulerServiceTestSuite) TestStartStop() {
	s.NoError(s.newService(Config{}).Start())

	s.Error(s.newService(Config{Spec: "not a cron"}).Start())

	service := s.newService(Config{Spec: "0 */5 * * * *"})
	s.Require().NoError(service.Start())
	service.Stop()
}

func TestSchedulerServiceTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerServiceTestSuite))
}

type failingInspector struct{}

func (failingInspector) Inspect(ctx context.Context, templateID string) (*models.SyncReport, error) {
	return nil, errors.New("inspect failed")
}

func (failingInspector) Synchronize(ctx context.Context, templateID string, opts models.SyncOptions) (*models.SyncReport, error) {
	return nil, errors.New("sync failed")
}
