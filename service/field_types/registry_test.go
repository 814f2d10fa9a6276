package field_types

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"baas-service/service/identifier"
	"baas-service/service/models"
	"baas-service/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testScope = models.Scope{TenantID: "t1", ProjectID: "p1"}

func fieldCtx(name, fieldType string, settings models.JSONB) *FieldContext {
	if settings == nil {
		settings = models.JSONB{}
	}
	return &FieldContext{
		Scope:  testScope,
		Entity: "orders",
		Field:  &models.Field{Name: name, Type: fieldType, Settings: settings},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGenerator() *identifier.Generator {
	return identifier.NewGenerator(identifier.PostgresIdentifierMaxLength)
}

type stubResolver struct {
	records map[int64]interface{}
	// fieldTypes 展示字段的类型，未登记的字段视为 text，空字符串表示字段不存在
	fieldTypes map[string]string
	calls      int
	columns    []string
}

func (s *stubResolver) Lookup(ctx context.Context, scope models.Scope, entity, displayField string, ids []int64) (map[int64]interface{}, error) {
	s.calls++
	s.columns = append(s.columns, displayField)
	out := map[int64]interface{}{}
	for _, id := range ids {
		v, ok := s.records[id]
		if !ok {
			continue
		}
		if displayField == "id" {
			v = id
		}
		out[id] = v
	}
	return out, nil
}

func (s *stubResolver) Field(ctx context.Context, scope models.Scope, entity, name string) (*models.Field, error) {
	fieldType, ok := s.fieldTypes[name]
	if !ok {
		fieldType = "text"
	}
	if fieldType == "" {
		return nil, nil
	}
	return &models.Field{Name: name, Type: fieldType, Settings: models.JSONB{}}, nil
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry(Dependencies{})

	for _, kind := range []Kind{KindText, KindInteger, KindBoolean, KindDate, KindDatetime, KindFile, KindImage, KindPassword, KindReference} {
		p, err := r.Resolve(string(kind))
		require.NoError(t, err)
		assert.Equal(t, kind, p.Kind())
	}

	p, err := r.Resolve("TEXT")
	require.NoError(t, err)
	assert.Equal(t, KindText, p.Kind())

	_, err = r.Resolve("geometry")
	assert.ErrorIs(t, err, models.ErrUnknownFieldType)

	assert.Len(t, r.Kinds(), 9)
}

func TestRegistry_FilePluginsImplementCommit(t *testing.T) {
	r := NewRegistry(Dependencies{})
	for _, kind := range []string{"file", "image"} {
		p, err := r.Resolve(kind)
		require.NoError(t, err)
		_, ok := p.(FilePlugin)
		assert.True(t, ok, kind)
		assert.True(t, IsFileKind(kind))
	}
	assert.False(t, IsFileKind("text"))
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, IsEmpty(nil))
	assert.True(t, IsEmpty(""))
	assert.True(t, IsEmpty("   "))
	assert.True(t, IsEmpty([]interface{}{}))
	assert.True(t, IsEmpty([]*models.FileUpload{}))
	var upload *models.FileUpload
	assert.True(t, IsEmpty(upload))
	assert.False(t, IsEmpty(0))
	assert.False(t, IsEmpty(false))
	assert.False(t, IsEmpty("x"))
}

func TestStorageTypes(t *testing.T) {
	r := NewRegistry(Dependencies{})
	cases := []struct {
		fieldType string
		settings  models.JSONB
		want      ColumnType
	}{
		{"text", nil, ColumnType{Kind: ColumnVarchar, Length: 255}},
		{"text", models.JSONB{"max_length": 50}, ColumnType{Kind: ColumnVarchar, Length: 50}},
		{"text", models.JSONB{"max_length": 5000}, ColumnType{Kind: ColumnText}},
		{"integer", nil, ColumnType{Kind: ColumnBigInt}},
		{"boolean", nil, ColumnType{Kind: ColumnBoolean}},
		{"date", nil, ColumnType{Kind: ColumnDate}},
		{"datetime", nil, ColumnType{Kind: ColumnBigInt}},
		{"file", nil, ColumnType{Kind: ColumnVarchar, Length: 255}},
		{"image", models.JSONB{"multiple": true}, ColumnType{Kind: ColumnText}},
		{"password", nil, ColumnType{Kind: ColumnVarchar, Length: 255}},
		{"reference", nil, ColumnType{Kind: ColumnBigInt}},
		{"reference", models.JSONB{"multiple": true}, ColumnType{Kind: ColumnText}},
	}
	for _, tc := range cases {
		p, err := r.Resolve(tc.fieldType)
		require.NoError(t, err)
		assert.Equal(t, tc.want, p.StorageType(tc.settings), tc.fieldType)
	}
}

func TestColumnType_SQL(t *testing.T) {
	assert.Equal(t, "VARCHAR(100)", ColumnType{Kind: ColumnVarchar, Length: 100}.SQL(DialectPostgres))
	assert.Equal(t, "TEXT", ColumnType{Kind: ColumnVarchar, Length: 100}.SQL(DialectSQLite))
	assert.Equal(t, "BIGINT", ColumnType{Kind: ColumnBigInt}.SQL(DialectPostgres))
	assert.Equal(t, "INTEGER", ColumnType{Kind: ColumnBigInt}.SQL(DialectSQLite))
	assert.Equal(t, "BOOLEAN", ColumnType{Kind: ColumnBoolean}.SQL(DialectPostgres))
	assert.Equal(t, "DATE", ColumnType{Kind: ColumnDate}.SQL(DialectPostgres))
	assert.True(t, ColumnType{Kind: ColumnDate}.ExactMatch())
	assert.False(t, ColumnType{Kind: ColumnText}.ExactMatch())
}

func TestSupportsUnique(t *testing.T) {
	r := NewRegistry(Dependencies{})
	supported := map[string]bool{
		"text": true, "integer": true, "date": true, "datetime": true, "reference": true,
		"boolean": false, "password": false, "file": false, "image": false,
	}
	for fieldType, want := range supported {
		p, err := r.Resolve(fieldType)
		require.NoError(t, err)
		assert.Equal(t, want, p.SupportsUnique(models.JSONB{}), fieldType)
	}

	ref, _ := r.Resolve("reference")
	assert.False(t, ref.SupportsUnique(models.JSONB{"multiple": true}))
}

func TestTextPlugin(t *testing.T) {
	ctx := context.Background()
	p := &textPlugin{}
	fc := fieldCtx("title", "text", models.JSONB{"max_length": 5})

	assert.NoError(t, p.Validate(ctx, fc, "hello"))
	assert.NoError(t, p.Validate(ctx, fc, "你好世界啊"))

	err := p.Validate(ctx, fc, "too long")
	assert.ErrorIs(t, err, models.ErrFieldValidation)
	var fieldErr *models.FieldError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, "title", fieldErr.Field)

	stored, err := p.TransformForStorage(ctx, fc, "e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\u00e9", stored)
}

func TestIntegerPlugin(t *testing.T) {
	ctx := context.Background()
	p := &integerPlugin{}
	fc := fieldCtx("qty", "integer", models.JSONB{"min": 1, "max": 10})

	assert.NoError(t, p.Validate(ctx, fc, 5))
	assert.NoError(t, p.Validate(ctx, fc, "7"))
	assert.NoError(t, p.Validate(ctx, fc, float64(3)))
	assert.ErrorIs(t, p.Validate(ctx, fc, 2.5), models.ErrFieldValidation)
	assert.ErrorIs(t, p.Validate(ctx, fc, "abc"), models.ErrFieldValidation)
	assert.ErrorIs(t, p.Validate(ctx, fc, true), models.ErrFieldValidation)
	assert.ErrorIs(t, p.Validate(ctx, fc, 0), models.ErrFieldValidation)
	assert.ErrorIs(t, p.Validate(ctx, fc, 11), models.ErrFieldValidation)

	stored, err := p.TransformForStorage(ctx, fc, "7")
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored)

	// 字符串按十进制解析，不识别八进制与十六进制前缀
	unbounded := fieldCtx("n", "integer", nil)
	stored, err = p.TransformForStorage(ctx, unbounded, "010")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stored)
	stored, err = p.TransformForStorage(ctx, unbounded, " 42 ")
	require.NoError(t, err)
	assert.Equal(t, int64(42), stored)
	assert.ErrorIs(t, p.Validate(ctx, unbounded, "0x1F"), models.ErrFieldValidation)
	assert.ErrorIs(t, p.Validate(ctx, unbounded, "0b11"), models.ErrFieldValidation)
}

func TestBooleanPlugin(t *testing.T) {
	ctx := context.Background()
	p := &booleanPlugin{}
	fc := fieldCtx("active", "boolean", nil)

	stored, err := p.TransformForStorage(ctx, fc, "true")
	require.NoError(t, err)
	assert.Equal(t, true, stored)

	out, include, err := p.TransformForOutput(ctx, fc, int64(0))
	require.NoError(t, err)
	assert.True(t, include)
	assert.Equal(t, false, out)

	assert.ErrorIs(t, p.Validate(ctx, fc, "maybe"), models.ErrFieldValidation)
}

func TestDatePlugins(t *testing.T) {
	ctx := context.Background()

	date := &datePlugin{}
	fc := fieldCtx("due", "date", nil)
	stored, err := date.TransformForStorage(ctx, fc, "2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29", stored)
	assert.ErrorIs(t, date.Validate(ctx, fc, "2023-02-29"), models.ErrFieldValidation)
	assert.ErrorIs(t, date.Validate(ctx, fc, "29/02/2024"), models.ErrFieldValidation)

	out, _, err := date.TransformForOutput(ctx, fc, "2024-02-29T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29", out)

	dt := &datetimePlugin{}
	fc = fieldCtx("placed_at", "datetime", nil)
	stored, err = dt.TransformForStorage(ctx, fc, "2024-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1704164645), stored)

	stored, err = dt.TransformForStorage(ctx, fc, "2024-01-02 03:04:05")
	require.NoError(t, err)
	assert.Equal(t, int64(1704164645), stored)

	out, _, err = dt.TransformForOutput(ctx, fc, int64(1704164645))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T03:04:05Z", out)

	assert.ErrorIs(t, dt.Validate(ctx, fc, "yesterday"), models.ErrFieldValidation)
}

func TestPasswordPlugin(t *testing.T) {
	ctx := context.Background()
	p := &passwordPlugin{}
	fc := fieldCtx("secret", "password", nil)

	assert.ErrorIs(t, p.Validate(ctx, fc, "short"), models.ErrFieldValidation)
	require.NoError(t, p.Validate(ctx, fc, "s3cret-pass"))

	stored, err := p.TransformForStorage(ctx, fc, "s3cret-pass")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-pass", stored)
	assert.True(t, VerifyPassword(stored, "s3cret-pass"))
	assert.False(t, VerifyPassword(stored, "wrong"))
	assert.False(t, VerifyPassword("plain", "plain"))

	_, include, err := p.TransformForOutput(ctx, fc, stored)
	require.NoError(t, err)
	assert.False(t, include)

	visible := fieldCtx("secret", "password", models.JSONB{"hide_in_api": false})
	out, include, err := p.TransformForOutput(ctx, visible, stored)
	require.NoError(t, err)
	assert.True(t, include)
	assert.Equal(t, stored, out)
}

func TestFilePlugin_ImageSignals(t *testing.T) {
	ctx := context.Background()
	p := &filePlugin{kind: KindImage, logger: testLogger()}
	fc := fieldCtx("photo", "image", nil)

	// 三个信号都一致
	assert.NoError(t, p.Validate(ctx, fc, testutil.NewUpload("a.png", "image/png", testutil.PNGBytes())))
	// 只有扩展名是图片
	assert.NoError(t, p.Validate(ctx, fc, testutil.NewUpload("a.heic", "application/octet-stream", []byte("not really"))))
	// 只有客户端声明是图片
	assert.NoError(t, p.Validate(ctx, fc, testutil.NewUpload("blob", "image/jpeg", []byte("plain text"))))
	// 只有内容探测是图片
	assert.NoError(t, p.Validate(ctx, fc, testutil.NewUpload("upload.bin", "application/octet-stream", testutil.PNGBytes())))

	err := p.Validate(ctx, fc, testutil.NewUpload("notes.txt", "text/plain", []byte("hello world")))
	assert.ErrorIs(t, err, models.ErrInvalidImageFileType)
}

func TestFilePlugin_Limits(t *testing.T) {
	ctx := context.Background()
	p := &filePlugin{kind: KindFile, logger: testLogger()}

	fc := fieldCtx("doc", "file", models.JSONB{"max_size": 4})
	assert.ErrorIs(t, p.Validate(ctx, fc, testutil.NewUpload("a.txt", "text/plain", []byte("12345"))), models.ErrFieldValidation)
	assert.ErrorIs(t, p.Validate(ctx, fc, testutil.NewUpload("a.txt", "text/plain", nil)), models.ErrFieldValidation)

	single := fieldCtx("doc", "file", nil)
	two := []*models.FileUpload{
		testutil.NewUpload("a.txt", "text/plain", []byte("a")),
		testutil.NewUpload("b.txt", "text/plain", []byte("b")),
	}
	assert.ErrorIs(t, p.Validate(ctx, single, two), models.ErrFieldValidation)
	assert.NoError(t, p.Validate(ctx, fieldCtx("doc", "file", models.JSONB{"multiple": true}), two))
}

func TestFilePlugin_Commit(t *testing.T) {
	ctx := context.Background()
	files := testutil.NewMemoryFileManager()
	p := &filePlugin{kind: KindFile, files: files, logger: testLogger()}

	fc := fieldCtx("doc", "file", nil)
	stored, uploaded, err := p.Commit(ctx, fc, testutil.NewUpload("a.txt", "text/plain", []byte("a")))
	require.NoError(t, err)
	require.Len(t, uploaded, 1)
	assert.Equal(t, uploaded[0], stored)
	assert.True(t, files.Has(uploaded[0]))
	assert.Equal(t, []string{uploaded[0]}, p.StoredFileIDs(stored))

	multi := fieldCtx("docs", "file", models.JSONB{"multiple": true})
	stored, uploaded, err = p.Commit(ctx, multi, []interface{}{
		"existing-1",
		testutil.NewUpload("b.txt", "text/plain", []byte("b")),
	})
	require.NoError(t, err)
	require.Len(t, uploaded, 1)
	assert.Equal(t, []string{"existing-1", uploaded[0]}, p.StoredFileIDs(stored))

	out, _, err := p.TransformForOutput(ctx, multi, stored)
	require.NoError(t, err)
	assert.Equal(t, []string{"existing-1", uploaded[0]}, out)
}

func TestFilePlugin_CommitFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	files := testutil.NewMemoryFileManager()
	files.FailUploadAfter = 1
	p := &filePlugin{kind: KindFile, files: files, logger: testLogger()}

	fc := fieldCtx("docs", "file", models.JSONB{"multiple": true})
	_, _, err := p.Commit(ctx, fc, []*models.FileUpload{
		testutil.NewUpload("a.txt", "text/plain", []byte("a")),
		testutil.NewUpload("b.txt", "text/plain", []byte("b")),
	})
	assert.ErrorIs(t, err, models.ErrFileUploadFailed)
	assert.Equal(t, 0, files.Count())
	assert.Len(t, files.Deleted(), 1)

	rejecting := testutil.NewMemoryFileManager()
	rejecting.RejectUploads = true
	p = &filePlugin{kind: KindFile, files: rejecting, logger: testLogger()}
	_, _, err = p.Commit(ctx, fieldCtx("doc", "file", nil), testutil.NewUpload("a.txt", "text/plain", []byte("a")))
	assert.ErrorIs(t, err, models.ErrFileUploadFailed)
}

func TestReferencePlugin(t *testing.T) {
	ctx := context.Background()
	resolver := &stubResolver{records: map[int64]interface{}{1: "Alice", 2: "Bob"}}
	p := &referencePlugin{resolver: resolver}

	fc := fieldCtx("customer", "reference", models.JSONB{"target_entity": "customers", "display_field": "name"})
	assert.NoError(t, p.Validate(ctx, fc, 1))
	assert.NoError(t, p.Validate(ctx, fc, "2"))
	assert.NoError(t, p.Validate(ctx, fc, map[string]interface{}{"id": float64(1)}))
	assert.ErrorIs(t, p.Validate(ctx, fc, 99), models.ErrFieldValidation)
	assert.ErrorIs(t, p.Validate(ctx, fc, []interface{}{1, 2}), models.ErrFieldValidation)
	assert.ErrorIs(t, p.Validate(ctx, fieldCtx("customer", "reference", nil), 1), models.ErrFieldValidation)

	stored, err := p.TransformForStorage(ctx, fc, "2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored)
	stored, err = p.TransformForStorage(ctx, fc, "010")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stored)
	assert.ErrorIs(t, p.Validate(ctx, fc, "0x2"), models.ErrFieldValidation)

	out, include, err := p.TransformForOutput(ctx, fc, int64(2))
	require.NoError(t, err)
	assert.True(t, include)
	assert.Equal(t, map[string]interface{}{"id": int64(2), "display": "Bob"}, out)

	multi := fieldCtx("tags", "reference", models.JSONB{"target_entity": "customers", "multiple": true})
	stored, err = p.TransformForStorage(ctx, multi, []interface{}{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", stored)

	out, _, err = p.TransformForOutput(ctx, multi, stored)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestReferencePlugin_DisplayUsesTargetField(t *testing.T) {
	ctx := context.Background()
	resolver := &stubResolver{
		records:    map[int64]interface{}{1: "$2a$10$hash", 2: int64(1704164645)},
		fieldTypes: map[string]string{"secret": "password", "since": "datetime", "parent": "reference", "gone": ""},
	}
	p, err := NewRegistry(Dependencies{References: resolver}).Resolve("reference")
	require.NoError(t, err)

	// 密码、引用和已删除的字段回退为记录ID
	for _, column := range []string{"secret", "parent", "gone"} {
		fc := fieldCtx("author", "reference", models.JSONB{"target_entity": "users", "display_field": column})
		out, _, err := p.TransformForOutput(ctx, fc, int64(1))
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"id": int64(1), "display": int64(1)}, out, column)
	}
	assert.NotContains(t, resolver.columns, "secret")

	// 展示值经过目标字段的输出转换
	fc := fieldCtx("member", "reference", models.JSONB{"target_entity": "users", "display_field": "since"})
	out, _, err := p.TransformForOutput(ctx, fc, int64(2))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"id": int64(2), "display": "2024-01-02T03:04:05Z"}, out)

	assert.True(t, DisplayableField(&models.Field{Type: "text"}))
	assert.False(t, DisplayableField(&models.Field{Type: "password"}))
	assert.False(t, DisplayableField(nil))
}

func TestReferencePlugin_PrefetchBatchesLookups(t *testing.T) {
	resolver := &stubResolver{records: map[int64]interface{}{1: "Alice", 2: "Bob", 3: "Carol"}}
	p, err := NewRegistry(Dependencies{References: resolver}).Resolve("reference")
	require.NoError(t, err)
	prefetcher, ok := p.(Prefetcher)
	require.True(t, ok)

	ctx := WithReferenceCache(context.Background())
	fc := fieldCtx("customer", "reference", models.JSONB{"target_entity": "customers", "display_field": "name"})
	page := []interface{}{int64(1), int64(2), nil, int64(1), int64(3)}
	require.NoError(t, prefetcher.Prefetch(ctx, fc, page))
	assert.Equal(t, 1, resolver.calls)

	for _, stored := range page {
		_, _, err := p.TransformForOutput(ctx, fc, stored)
		require.NoError(t, err)
	}
	out, _, err := p.TransformForOutput(ctx, fc, int64(3))
	require.NoError(t, err)
	assert.Equal(t, "Carol", out.(map[string]interface{})["display"])
	assert.Equal(t, 1, resolver.calls)

	// 未携带缓存时每次输出单独查询
	_, _, err = p.TransformForOutput(context.Background(), fc, int64(1))
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.calls)
}

func TestDBReferenceResolver(t *testing.T) {
	tdb := testutil.NewTestDB()
	defer tdb.Close()

	gen := newTestGenerator()
	table := gen.GenerateTableName("t1", "p1", "customers")
	require.NoError(t, tdb.DB.Exec("CREATE TABLE "+table+" (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT)").Error)
	require.NoError(t, tdb.DB.Exec("INSERT INTO "+table+" (name) VALUES ('Alice'), ('Bob')").Error)

	resolver := NewDBReferenceResolver(tdb.DB, gen)
	found, err := resolver.Lookup(context.Background(), testScope, "customers", "name", []int64{2, 1, 7, 2})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, "Alice", found[1])
	assert.Equal(t, "Bob", found[2])

	_, err = resolver.Lookup(context.Background(), testScope, "suppliers", "name", []int64{1})
	assert.ErrorIs(t, err, models.ErrTableNotFound)

	_, err = resolver.Lookup(context.Background(), testScope, "customers", "name; DROP TABLE x", []int64{1})
	assert.ErrorIs(t, err, models.ErrInvalidIdentifier)

	factory := testutil.NewTestDataFactory(tdb.DB)
	customers := factory.CreateTemplate(testScope, "customers")
	factory.CreateField(customers.ID, "name", "text")

	field, err := resolver.Field(context.Background(), testScope, "customers", "name")
	require.NoError(t, err)
	require.NotNil(t, field)
	assert.Equal(t, "text", field.Type)

	field, err = resolver.Field(context.Background(), testScope, "customers", "nickname")
	require.NoError(t, err)
	assert.Nil(t, field)

	field, err = resolver.Field(context.Background(), models.Scope{TenantID: "t2", ProjectID: "p1"}, "customers", "name")
	require.NoError(t, err)
	assert.Nil(t, field)
}
