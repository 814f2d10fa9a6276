package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"baas-service/service/field_types"
	"baas-service/service/identifier"
	"baas-service/service/models"
	"baas-service/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type SynchronizerTestSuite struct {
	suite.Suite
	tdb     *testutil.TestDB
	factory *testutil.TestDataFactory
	sync    *Synchronizer
	scope   models.Scope
	ctx     context.Context
}

func (s *SynchronizerTestSuite) SetupTest() {
	s.tdb = testutil.NewTestDB()
	s.factory = testutil.NewTestDataFactory(s.tdb.DB)
	s.sync = NewSynchronizer(
		s.tdb.DB,
		identifier.NewGenerator(identifier.PostgresIdentifierMaxLength),
		field_types.NewRegistry(field_types.Dependencies{}),
		SynchronizerOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))},
	)
	s.scope = models.Scope{TenantID: "t1", ProjectID: "p1"}
	s.ctx = context.Background()
}

func (s *SynchronizerTestSuite) TearDownTest() {
	s.tdb.Close()
}

func (s *SynchronizerTestSuite) columns(template *models.EntityTemplate) map[string]bool {
	table, err := s.sync.TableFor(template)
	s.Require().NoError(err)
	cols, err := s.sync.listColumns(s.tdb.DB, table)
	s.Require().NoError(err)
	return cols
}

func (s *SynchronizerTestSuite) hasIndex(template *models.EntityTemplate, column string) bool {
	table, err := s.sync.TableFor(template)
	s.Require().NoError(err)
	index := s.sync.generator.IndexName(table, identifier.Ident(column))
	return s.tdb.DB.Migrator().HasIndex(table.String(), index.String())
}

func (s *SynchronizerTestSuite) TestCreatesTableWithSystemColumns() {
	template := s.factory.CreateTemplate(s.scope, "orders")

	report, err := s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().NoError(err)
	s.True(report.Created)
	s.True(report.Transactional)
	s.Empty(report.Orphans)

	cols := s.columns(template)
	for _, c := range models.SystemColumns {
		s.True(cols[c], c)
	}
	s.Len(cols, len(models.SystemColumns))
}

func (s *SynchronizerTestSuite) TestIdempotent() {
	template := s.factory.CreateTemplate(s.scope, "orders")
	s.factory.CreateField(template.ID, "order_number", "text", testutil.Unique())
	s.factory.CreateField(template.ID, "qty", "integer")

	first, err := s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().NoError(err)
	s.True(first.Changed())
	s.ElementsMatch([]string{"order_number", "qty"}, first.Added)
	s.Equal([]string{"order_number"}, first.IndexesCreated)

	second, err := s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().NoError(err)
	s.False(second.Changed())
	s.Empty(second.Outcomes)
	s.Empty(second.Orphans)
}

func (s *SynchronizerTestSuite) TestAddFieldAddsExactlyOneColumn() {
	template := s.factory.CreateTemplate(s.scope, "orders")
	_, err := s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().NoError(err)

	s.factory.CreateField(template.ID, "note", "text")
	report, err := s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().NoError(err)
	s.Equal([]string{"note"}, report.Added)
	s.Empty(report.Orphans)
	s.False(report.Created)
	s.True(s.columns(template)["note"])
}

func (s *SynchronizerTestSuite) TestOrphansReportedButKeptUntilCleanup() {
	template := s.factory.CreateTemplate(s.scope, "orders")
	keep := s.factory.CreateField(template.ID, "keep", "text")
	gone := s.factory.CreateField(template.ID, "gone", "text", testutil.Unique())
	_, err := s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().NoError(err)
	s.True(s.hasIndex(template, "gone"))

	s.Require().NoError(s.tdb.DB.Delete(gone).Error)

	report, err := s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().NoError(err)
	s.Equal([]string{"gone"}, report.Orphans)
	s.Empty(report.Dropped)
	s.True(s.columns(template)["gone"])

	report, err = s.sync.CleanupOrphans(s.ctx, template.ID)
	s.Require().NoError(err)
	s.Equal([]string{"gone"}, report.Dropped)
	s.Equal([]string{"gone"}, report.IndexesDropped)

	cols := s.columns(template)
	s.False(cols["gone"])
	s.True(cols[keep.Name])
	for _, c := range models.SystemColumns {
		s.True(cols[c], c)
	}
	s.Len(cols, len(models.SystemColumns)+1)
}

func (s *SynchronizerTestSuite) TestUniqueIndexFollowsFieldDefinition() {
	template := s.factory.CreateTemplate(s.scope, "orders")
	field := s.factory.CreateField(template.ID, "code", "text")
	_, err := s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().NoError(err)
	s.False(s.hasIndex(template, "code"))

	s.Require().NoError(s.tdb.DB.Model(field).Update("unique", true).Error)
	report, err := s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().NoError(err)
	s.Equal([]string{"code"}, report.IndexesCreated)
	s.True(s.hasIndex(template, "code"))

	s.Require().NoError(s.tdb.DB.Model(field).Update("unique", false).Error)
	report, err = s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().NoError(err)
	s.Equal([]string{"code"}, report.IndexesDropped)
	s.False(s.hasIndex(template, "code"))
}

func (s *SynchronizerTestSuite) TestUniqueIgnoredForUncomparableTypes() {
	template := s.factory.CreateTemplate(s.scope, "users")
	s.factory.CreateField(template.ID, "secret", "password", testutil.Unique())

	report, err := s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().NoError(err)
	s.Empty(report.IndexesCreated)
	s.False(s.hasIndex(template, "secret"))
}

func (s *SynchronizerTestSuite) TestFailureRollsBackWholePass() {
	template := s.factory.CreateTemplate(s.scope, "orders")
	code := s.factory.CreateField(template.ID, "code", "text", func(f *models.Field) { f.Weight = 10 })
	_, err := s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().NoError(err)

	table, _ := s.sync.TableFor(template)
	for _, uuid := range []string{"u1", "u2"} {
		s.Require().NoError(s.tdb.DB.Exec(
			"INSERT INTO "+table.String()+" (uuid, tenant_id, project_id, created, updated, code) VALUES (?, 't1', 'p1', 0, 0, 'dup')", uuid,
		).Error)
	}

	s.factory.CreateField(template.ID, "note", "text")
	s.Require().NoError(s.tdb.DB.Model(code).Update("unique", true).Error)

	report, err := s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().Error(err)
	s.True(errors.Is(err, models.ErrSchemaSyncPartialFailure))

	var syncErr *models.SchemaSyncError
	s.Require().ErrorAs(err, &syncErr)
	s.Same(report, syncErr.Report)
	s.True(report.Failed())
	s.Empty(report.Added)

	statuses := map[string]string{}
	for _, o := range report.Outcomes {
		statuses[o.Action+":"+o.Column] = o.Status
	}
	s.Equal(models.SyncStatusRolledBack, statuses["add_column:note"])
	s.Equal(models.SyncStatusFailed, statuses["create_index:code"])
	s.False(s.columns(template)["note"])

	// 修复数据后重试即可收敛
	s.Require().NoError(s.tdb.DB.Exec("UPDATE "+table.String()+" SET code = uuid").Error)
	report, err = s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().NoError(err)
	s.Equal([]string{"note"}, report.Added)
	s.Equal([]string{"code"}, report.IndexesCreated)
}

func (s *SynchronizerTestSuite) TestInspect() {
	template := s.factory.CreateTemplate(s.scope, "orders")
	s.factory.CreateField(template.ID, "a", "text")

	report, err := s.sync.Inspect(s.ctx, template.ID)
	s.Require().NoError(err)
	s.Equal([]string{"a"}, report.Missing)

	_, err = s.sync.Synchronize(s.ctx, template.ID, models.SyncOptions{})
	s.Require().NoError(err)

	table, _ := s.sync.TableFor(template)
	s.Require().NoError(s.tdb.DB.Exec("ALTER TABLE " + table.String() + " ADD COLUMN legacy TEXT").Error)

	report, err = s.sync.Inspect(s.ctx, template.ID)
	s.Require().NoError(err)
	s.Empty(report.Missing)
	s.Equal([]string{"legacy"}, report.Orphans)
	s.Empty(report.Outcomes)
	s.True(s.columns(template)["legacy"])
}

func (s *SynchronizerTestSuite) TestTemplateNotFound() {
	_, err := s.sync.Synchronize(s.ctx, "missing", models.SyncOptions{})
	s.ErrorIs(err, models.ErrTemplateNotFound)

	_, err = s.sync.Inspect(s.ctx, "missing")
	s.ErrorIs(err, models.ErrTemplateNotFound)
}

func TestSynchronizerTestSuite(t *testing.T) {
	suite.Run(t, new(SynchronizerTestSuite))
}

func TestDiffColumns(t *testing.T) {
	fields := []models.Field{{Name: "a"}, {Name: "b"}}
	columns := map[string]bool{"id": true, "uuid": true, "created": true, "a": true, "z": true, "y": true}

	missing, orphans := diffColumns(fields, columns)
	assert.Equal(t, []string{"b"}, missing)
	assert.Equal(t, []string{"y", "z"}, orphans)
}

func TestAutoMigrate(t *testing.T) {
	tdb := testutil.NewTestDB()
	defer tdb.Close()

	require.NoError(t, AutoMigrate(tdb.DB, slog.New(slog.NewTextHandler(io.Discard, nil))))
	assert.True(t, tdb.DB.Migrator().HasTable(&models.EntityTemplate{}))
	assert.True(t, tdb.DB.Migrator().HasTable(&models.Field{}))
}
