/*
 * @module service/database/migrate
 * @description 数据库迁移模块，负责创建和更新注册表的表结构
 * @architecture 数据访问层 - 迁移管理
 * @documentReference DESIGN.md
 * @stateFlow 应用启动时执行数据库迁移
 * @rules 只迁移模板/字段元数据表；物理实体表由 Synchronizer 管理，不走 AutoMigrate
 * @dependencies baas-service/service/models, gorm.io/gorm
 * @refs service/bootstrap.go
 */

package database

import (
	"fmt"
	"log/slog"

	"baas-service/service/models"

	"gorm.io/gorm"
)

// AutoMigrate 自动迁移注册表结构
func AutoMigrate(db *gorm.DB, logger *slog.Logger) error {
	logger.Info("开始数据库迁移...")

	err := db.AutoMigrate(
		&models.EntityTemplate{},
		&models.Field{},
	)
	if err != nil {
		return fmt.Errorf("迁移模板注册表失败: %w", err)
	}

	logger.Info("数据库迁移完成")
	return nil
}
