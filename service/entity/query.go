package entity

import (
	"context"
	"sort"
	"strings"

	"baas-service/service/field_types"
	"baas-service/service/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// likeEscape LIKE 转义字符，避开反斜杠以兼容各方言的字符串字面量规则
const likeEscape = "!"

var likeReplacer = strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")

func normalizePaging(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return page, limit
}

// sortOrder 未知排序字段回退到 id，方向默认降序
func (g *Gateway) sortOrder(t *target, field, direction string) (string, bool) {
	desc := !strings.EqualFold(strings.TrimSpace(direction), models.SortAsc)

	column := models.ColumnID
	switch {
	case field == "":
	case models.IsSystemColumn(field):
		column = field
	default:
		if f, ok := t.byName[field]; ok && !strings.EqualFold(f.Type, string(field_types.KindPassword)) {
			column = f.Name
		}
	}
	return column, desc
}

func orderBy(column string, desc bool) clause.OrderBy {
	columns := []clause.OrderByColumn{{Column: clause.Column{Name: column}, Desc: desc}}
	// 非唯一排序列追加 id，保证分页稳定
	if column != models.ColumnID {
		columns = append(columns, clause.OrderByColumn{Column: clause.Column{Name: models.ColumnID}, Desc: desc})
	}
	return clause.OrderBy{Columns: columns}
}

// applyFilters 按字段存储类型构建过滤条件：数值/布尔/日期精确匹配，文本不区分大小写的子串匹配。
// 密码字段与未知键被忽略，计数与分页查询共用同一谓词
func (g *Gateway) applyFilters(ctx context.Context, t *target, query *gorm.DB, filters map[string]string) (*gorm.DB, error) {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := filters[key]
		f, ok := t.byName[key]
		if !ok || value == "" {
			continue
		}
		plugin, err := g.types.Resolve(f.Type)
		if err != nil {
			return nil, err
		}
		if plugin.Kind() == field_types.KindPassword {
			continue
		}
		column, err := g.column(f.Name)
		if err != nil {
			return nil, err
		}

		if plugin.StorageType(f.Settings).ExactMatch() {
			stored, err := plugin.TransformForStorage(ctx, t.fieldContext(f), value)
			if err != nil {
				return nil, err
			}
			query = query.Where(clause.Eq{Column: column.Column(), Value: stored})
			continue
		}

		pattern := "%" + likeReplacer.Replace(strings.ToLower(value)) + "%"
		query = query.Where(clause.Expr{
			SQL:  "LOWER(?) LIKE ? ESCAPE '" + likeEscape + "'",
			Vars: []interface{}{column.Column(), pattern},
		})
	}
	return query, nil
}
