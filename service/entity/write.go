/*
 * @module service/entity/write
 * @description 实体写入流水线：全部校验 -> 唯一性预检 -> 上传文件 -> 事务写入 -> 清理旧文件
 * @architecture 分层架构 - 业务服务层
 * @documentReference DESIGN.md
 * @stateFlow WriteInput -> writePlan -> 上传 -> INSERT/UPDATE -> 输出记录 -> 发布事件
 * @rules 1. 任何校验失败都发生在上传与写库之前
 *        2. 上传后任一步骤失败，本次上传的文件全部回收
 *        3. 更新时空的文件/密码输入表示不修改
 *        4. 被替换的旧文件在行更新提交之后删除
 *        5. 已有文件ID只能是该记录同一字段上已存储的ID
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/field_types/file.go, service/database/synchronizer.go
 */

package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"baas-service/service/field_types"
	"baas-service/service/identifier"
	"baas-service/service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type pendingFile struct {
	field  *models.Field
	plugin field_types.FilePlugin
	raw    interface{}
}

type uniqueCheck struct {
	field  string
	column identifier.Ident
	stored interface{}
	value  interface{}
}

// writePlan 一次写入的准备结果
type writePlan struct {
	values  map[string]interface{}
	files   []pendingFile
	uniques []uniqueCheck
}

// uploadSet 本次写入新上传的文件
type uploadSet []string

// Create 创建记录
func (g *Gateway) Create(ctx context.Context, scope models.Scope, entity string, input models.WriteInput) (record models.Record, err error) {
	defer g.observe("create", time.Now(), &err)

	t, err := g.resolve(ctx, scope, entity)
	if err != nil {
		return nil, err
	}
	plan, err := g.prepare(ctx, t, input, nil)
	if err != nil {
		return nil, err
	}
	if err := g.checkUnique(ctx, t, plan.uniques, 0); err != nil {
		return nil, err
	}

	uploaded, err := g.commitFiles(ctx, t, plan)
	if err != nil {
		return nil, err
	}

	now := g.now().Unix()
	recordUUID := uuid.New().String()
	values := plan.values
	values[models.ColumnUUID] = recordUUID
	values[models.ColumnTenantID] = scope.TenantID
	values[models.ColumnProjectID] = scope.ProjectID
	values[models.ColumnCreated] = now
	values[models.ColumnUpdated] = now

	var row map[string]interface{}
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(t.table.String()).Create(values).Error; err != nil {
			return err
		}
		row = map[string]interface{}{}
		return tx.Table(t.table.String()).Where("uuid = ?", recordUUID).Take(&row).Error
	})
	if err != nil {
		g.discard(ctx, uploaded)
		return nil, g.writeError(ctx, t, "创建记录失败", plan.uniques, 0, err)
	}

	record, err = g.output(ctx, t, row)
	if err != nil {
		return nil, err
	}
	g.logger.Info("实体记录已创建",
		"tenant_id", scope.TenantID,
		"project_id", scope.ProjectID,
		"entity", entity,
		"id", record[models.ColumnID],
		"uploaded_files", len(uploaded))
	g.publish(ctx, models.EventEntityCreated, t, record)
	return record, nil
}

// Update 更新记录
func (g *Gateway) Update(ctx context.Context, scope models.Scope, entity string, id int64, input models.WriteInput) (record models.Record, err error) {
	defer g.observe("update", time.Now(), &err)

	t, err := g.resolve(ctx, scope, entity)
	if err != nil {
		return nil, err
	}
	existing, err := g.load(ctx, g.db.WithContext(ctx), t, id)
	if err != nil {
		return nil, err
	}
	plan, err := g.prepare(ctx, t, input, existing)
	if err != nil {
		return nil, err
	}
	if err := g.checkUnique(ctx, t, plan.uniques, id); err != nil {
		return nil, err
	}

	uploaded, err := g.commitFiles(ctx, t, plan)
	if err != nil {
		return nil, err
	}

	values := plan.values
	values[models.ColumnUpdated] = g.now().Unix()

	var row map[string]interface{}
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(t.table.String()).Where("id = ?", id).Updates(values).Error; err != nil {
			return err
		}
		row = map[string]interface{}{}
		return tx.Table(t.table.String()).Where("id = ?", id).Take(&row).Error
	})
	if err != nil {
		g.discard(ctx, uploaded)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s/%d", models.ErrRecordNotFound, entity, id)
		}
		return nil, g.writeError(ctx, t, "更新记录失败", plan.uniques, id, err)
	}

	// 行更新已提交，删除不再被引用的旧文件
	var replaced []string
	for _, pf := range plan.files {
		kept := make(map[string]bool)
		for _, fid := range pf.plugin.StoredFileIDs(values[pf.field.Name]) {
			kept[fid] = true
		}
		for _, fid := range pf.plugin.StoredFileIDs(existing[pf.field.Name]) {
			if !kept[fid] {
				replaced = append(replaced, fid)
			}
		}
	}
	g.deleteFiles(ctx, replaced)

	record, err = g.output(ctx, t, row)
	if err != nil {
		return nil, err
	}
	g.logger.Info("实体记录已更新",
		"tenant_id", scope.TenantID,
		"project_id", scope.ProjectID,
		"entity", entity,
		"id", id,
		"uploaded_files", len(uploaded),
		"replaced_files", len(replaced))
	g.publish(ctx, models.EventEntityUpdated, t, record)
	return record, nil
}

// Delete 删除记录及其引用的全部文件，返回已删除的文件信息
func (g *Gateway) Delete(ctx context.Context, scope models.Scope, entity string, id int64) (deleted []models.DeletedFile, err error) {
	defer g.observe("delete", time.Now(), &err)

	t, err := g.resolve(ctx, scope, entity)
	if err != nil {
		return nil, err
	}
	row, err := g.load(ctx, g.db.WithContext(ctx), t, id)
	if err != nil {
		return nil, err
	}

	var fileIDs []string
	for i := range t.fields {
		f := &t.fields[i]
		plugin, err := g.types.Resolve(f.Type)
		if err != nil {
			return nil, err
		}
		if fp, ok := plugin.(field_types.FilePlugin); ok {
			fileIDs = append(fileIDs, fp.StoredFileIDs(row[f.Name])...)
		}
	}

	result := g.db.WithContext(ctx).Table(t.table.String()).Where("id = ?", id).Delete(nil)
	if result.Error != nil {
		g.logger.Error("删除记录失败", "table", t.table, "id", id, "error", result.Error)
		return nil, fmt.Errorf("删除记录失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s/%d", models.ErrRecordNotFound, entity, id)
	}

	deleted = g.deleteFiles(ctx, fileIDs)
	g.logger.Info("实体记录已删除",
		"tenant_id", scope.TenantID,
		"project_id", scope.ProjectID,
		"entity", entity,
		"id", id,
		"deleted_files", len(deleted))

	record, err := g.output(ctx, t, row)
	if err != nil {
		record = models.Record{models.ColumnID: id}
	}
	g.publish(ctx, models.EventEntityDeleted, t, record)
	return deleted, nil
}

// prepare 校验全部输入并转换非文件字段，文件字段留待上传。
// existing 为更新前的存储行，创建时为 nil
func (g *Gateway) prepare(ctx context.Context, t *target, input models.WriteInput, existing map[string]interface{}) (*writePlan, error) {
	update := existing != nil
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if models.IsSystemColumn(key) {
			continue
		}
		f, ok := t.byName[key]
		if !ok {
			return nil, models.NewFieldError(key, models.ErrFieldNotExists, "")
		}
		if containsUpload(input[key]) && !field_types.IsFileKind(f.Type) {
			return nil, models.NewFieldError(key, models.ErrInvalidFieldTypeForFile, f.Type)
		}
	}

	plan := &writePlan{values: make(map[string]interface{})}
	for i := range t.fields {
		f := &t.fields[i]
		plugin, err := g.types.Resolve(f.Type)
		if err != nil {
			return nil, err
		}
		raw, present := input[f.Name]
		empty := !present || field_types.IsEmpty(raw)

		if empty {
			if update && !present {
				continue
			}
			// 更新时空的文件与密码表示保持原值
			if update && (field_types.IsFileKind(f.Type) || plugin.Kind() == field_types.KindPassword) {
				continue
			}
			if f.Required {
				return nil, models.NewFieldError(f.Name, models.ErrFieldRequired, "")
			}
			if present {
				plan.values[f.Name] = nil
			}
			continue
		}

		fc := t.fieldContext(f)
		if err := plugin.Validate(ctx, fc, raw); err != nil {
			return nil, err
		}

		if fp, ok := plugin.(field_types.FilePlugin); ok {
			if err := checkAttached(f, fp, raw, existing); err != nil {
				return nil, err
			}
			plan.files = append(plan.files, pendingFile{field: f, plugin: fp, raw: raw})
			continue
		}

		stored, err := plugin.TransformForStorage(ctx, fc, raw)
		if err != nil {
			return nil, err
		}
		plan.values[f.Name] = stored

		if f.IsUnique() && plugin.SupportsUnique(f.Settings) && stored != nil {
			column, err := g.column(f.Name)
			if err != nil {
				return nil, err
			}
			plan.uniques = append(plan.uniques, uniqueCheck{field: f.Name, column: column, stored: stored, value: raw})
		}
	}
	return plan, nil
}

// checkAttached 以ID提交的文件必须已挂在该记录的同一字段上
func checkAttached(f *models.Field, fp field_types.FilePlugin, raw interface{}, existing map[string]interface{}) error {
	ids := fp.InputFileIDs(raw)
	if len(ids) == 0 {
		return nil
	}
	attached := make(map[string]bool)
	for _, id := range fp.StoredFileIDs(existing[f.Name]) {
		attached[id] = true
	}
	for _, id := range ids {
		if !attached[id] {
			return models.NewFieldError(f.Name, models.ErrFileNotAttached, id)
		}
	}
	return nil
}

// checkUnique 唯一性预检，给出带字段与取值的友好错误；并发下以存储层唯一索引为准
func (g *Gateway) checkUnique(ctx context.Context, t *target, checks []uniqueCheck, excludeID int64) error {
	for _, c := range checks {
		query := g.table(ctx, t).Where(clause.Eq{Column: c.column.Column(), Value: c.stored})
		if excludeID > 0 {
			query = query.Where("id <> ?", excludeID)
		}
		var count int64
		if err := query.Count(&count).Error; err != nil {
			g.logger.Error("唯一性检查失败", "table", t.table, "field", c.field, "error", err)
			return fmt.Errorf("唯一性检查失败: %w", err)
		}
		if count > 0 {
			return &models.UniqueConstraintError{Field: c.field, Value: c.value}
		}
	}
	return nil
}

// commitFiles 上传全部待提交文件，失败时回收本次已上传的文件
func (g *Gateway) commitFiles(ctx context.Context, t *target, plan *writePlan) (uploadSet, error) {
	var uploaded uploadSet
	for _, pf := range plan.files {
		stored, ids, err := pf.plugin.Commit(ctx, t.fieldContext(pf.field), pf.raw)
		if err != nil {
			g.discard(ctx, uploaded)
			return nil, err
		}
		uploaded = append(uploaded, ids...)
		plan.values[pf.field.Name] = stored
	}
	return uploaded, nil
}

// discard 回收上传后未能落库的文件
func (g *Gateway) discard(ctx context.Context, uploaded uploadSet) {
	if len(uploaded) == 0 {
		return
	}
	g.logger.Warn("写入失败，回收本次上传的文件", "files", len(uploaded))
	g.deleteFiles(ctx, uploaded)
}

// deleteFiles 删除文件，失败只记录日志；请求取消后仍继续清理
func (g *Gateway) deleteFiles(ctx context.Context, fileIDs []string) []models.DeletedFile {
	deleted := make([]models.DeletedFile, 0, len(fileIDs))
	if g.files == nil || len(fileIDs) == 0 {
		return deleted
	}
	ctx = context.WithoutCancel(ctx)
	for _, id := range fileIDs {
		result, err := g.files.Delete(ctx, id)
		if err != nil {
			g.logger.Error("删除文件失败", "file_id", id, "error", err)
			continue
		}
		if result == nil {
			g.logger.Warn("文件不存在，跳过删除", "file_id", id)
			continue
		}
		if result.FileID == "" {
			result.FileID = id
		}
		deleted = append(deleted, *result)
	}
	return deleted
}

// writeError 将存储层唯一索引冲突映射为 UniqueConstraintError
func (g *Gateway) writeError(ctx context.Context, t *target, message string, checks []uniqueCheck, excludeID int64, err error) error {
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		g.logger.Error(message, "table", t.table, "error", err)
		return fmt.Errorf("%s: %w", message, err)
	}
	if conflict := g.checkUnique(ctx, t, checks, excludeID); conflict != nil {
		var unique *models.UniqueConstraintError
		if errors.As(conflict, &unique) {
			return unique
		}
	}
	g.logger.Warn("存储层唯一索引冲突", "table", t.table, "error", err)
	if len(checks) > 0 {
		return &models.UniqueConstraintError{Field: checks[0].field, Value: checks[0].value}
	}
	return &models.UniqueConstraintError{Field: models.ColumnUUID}
}

func containsUpload(v interface{}) bool {
	switch val := v.(type) {
	case *models.FileUpload:
		return val != nil
	case []*models.FileUpload:
		return len(val) > 0
	case []interface{}:
		for _, item := range val {
			if _, ok := item.(*models.FileUpload); ok {
				return true
			}
		}
	}
	return false
}
