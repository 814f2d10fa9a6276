package field_types

import "fmt"

// ColumnKind 逻辑列类型
type ColumnKind string

const (
	ColumnVarchar ColumnKind = "varchar"
	ColumnText    ColumnKind = "text"
	ColumnBigInt  ColumnKind = "bigint"
	ColumnBoolean ColumnKind = "boolean"
	ColumnDate    ColumnKind = "date"
)

// 方言名称，与 gorm Dialector.Name() 一致
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// ColumnType 字段的物理列类型
type ColumnType struct {
	Kind   ColumnKind
	Length int
}

// Numeric 数值列，列表过滤使用精确匹配
func (c ColumnType) Numeric() bool {
	return c.Kind == ColumnBigInt
}

// ExactMatch 是否使用精确匹配过滤
func (c ColumnType) ExactMatch() bool {
	switch c.Kind {
	case ColumnBigInt, ColumnBoolean, ColumnDate:
		return true
	}
	return false
}

// SQL 按方言渲染列类型，类型集合封闭，不含任何用户输入
func (c ColumnType) SQL(dialect string) string {
	switch c.Kind {
	case ColumnVarchar:
		length := c.Length
		if length <= 0 {
			length = 255
		}
		if dialect == DialectSQLite {
			return "TEXT"
		}
		return fmt.Sprintf("VARCHAR(%d)", length)
	case ColumnText:
		return "TEXT"
	case ColumnBigInt:
		if dialect == DialectSQLite {
			return "INTEGER"
		}
		return "BIGINT"
	case ColumnBoolean:
		if dialect == DialectSQLite {
			return "NUMERIC"
		}
		return "BOOLEAN"
	case ColumnDate:
		if dialect == DialectSQLite {
			return "TEXT"
		}
		return "DATE"
	default:
		return "TEXT"
	}
}
