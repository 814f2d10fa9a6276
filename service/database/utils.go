package database

import (
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// CheckSchemaExists 检查 PostgreSQL schema 是否存在
func CheckSchemaExists(db *gorm.DB, schemaName string) bool {
	var count int64
	db.Raw("SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = ?", schemaName).Scan(&count)
	return count > 0
}

// CreateSchema 创建数据 schema，名称由 pq.QuoteIdentifier 转义
func CreateSchema(db *gorm.DB, schemaName string, logger *slog.Logger) error {
	if CheckSchemaExists(db, schemaName) {
		return nil
	}
	logger.Info("开始创建 schema", "schema", schemaName)

	if err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(schemaName)).Error; err != nil {
		return fmt.Errorf("创建 schema %s 失败: %w", schemaName, err)
	}

	logger.Info("成功创建 schema", "schema", schemaName)
	return nil
}
