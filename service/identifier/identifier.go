/*
 * @module service/identifier/identifier
 * @description 物理表名生成器与标识符令牌，负责由 (tenant_id, project_id, entity_name) 派生确定性、有长度上限的表名
 * @architecture 工具层 - 纯函数
 * @documentReference DESIGN.md
 * @stateFlow 输入租户/项目/实体名 -> 计算指纹 -> 拼接表名
 * @rules 表名 = "baas_" + md5(tenant_id + "_" + project_id)[:6] + "_" + entity_name；
 *        指纹碰撞在统计上可忽略，属已知风险，运行时不做检测
 * @dependencies crypto/md5, gorm.io/gorm/clause
 * @refs service/database/synchronizer.go, service/entity/gateway.go
 */

package identifier

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"

	"baas-service/service/models"

	"gorm.io/gorm/clause"
)

const (
	// TablePrefix 物理表前缀
	TablePrefix = "baas_"
	// FingerprintLength 指纹长度
	FingerprintLength = 6
	// FixedPrefixLength "baas_" + 6位指纹 + "_"
	FixedPrefixLength = len(TablePrefix) + FingerprintLength + 1

	// PostgresIdentifierMaxLength PostgreSQL 标识符上限
	PostgresIdentifierMaxLength = 63
	// ShortIdentifierMaxLength 部分存储引擎使用的较短上限
	ShortIdentifierMaxLength = 32
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var entityNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Generator 表名生成器
type Generator struct {
	maxLength int
}

// NewGenerator 创建表名生成器，maxLength 为存储引擎的标识符长度上限
func NewGenerator(maxLength int) *Generator {
	if maxLength <= FixedPrefixLength {
		maxLength = PostgresIdentifierMaxLength
	}
	return &Generator{maxLength: maxLength}
}

// MaxLength 返回标识符长度上限
func (g *Generator) MaxLength() int {
	return g.maxLength
}

// Fingerprint 计算租户/项目指纹
func Fingerprint(tenantID, projectID string) string {
	sum := md5.Sum([]byte(tenantID + "_" + projectID))
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}

// GenerateTableName 生成物理表名，纯函数
func (g *Generator) GenerateTableName(tenantID, projectID, entityName string) string {
	return TablePrefix + Fingerprint(tenantID, projectID) + "_" + entityName
}

// CalculateMaxEntityNameLength 计算实体名允许的最大长度
func (g *Generator) CalculateMaxEntityNameLength(tenantID, projectID string) int {
	return g.maxLength - FixedPrefixLength
}

// TableIdent 生成并校验物理表名令牌
func (g *Generator) TableIdent(tenantID, projectID, entityName string) (Ident, error) {
	if err := g.ValidateEntityName(tenantID, projectID, entityName); err != nil {
		return "", err
	}
	return g.NewIdent(g.GenerateTableName(tenantID, projectID, entityName))
}

// ValidateEntityName 校验实体名称，防止生成的表名溢出
func (g *Generator) ValidateEntityName(tenantID, projectID, entityName string) error {
	if !entityNamePattern.MatchString(entityName) {
		return fmt.Errorf("%w: %q 只能包含小写字母、数字和下划线，且必须以字母开头", models.ErrInvalidEntityName, entityName)
	}
	if max := g.CalculateMaxEntityNameLength(tenantID, projectID); len(entityName) > max {
		return fmt.Errorf("%w: %q 长度不能超过 %d 个字符", models.ErrInvalidEntityName, entityName, max)
	}
	return nil
}

// ValidateFieldName 校验字段名称，系统列不可作为字段名
func (g *Generator) ValidateFieldName(name string) error {
	if !entityNamePattern.MatchString(name) || len(name) > g.maxLength {
		return fmt.Errorf("%w: %q", models.ErrInvalidFieldName, name)
	}
	if models.IsSystemColumn(name) {
		return fmt.Errorf("%w: %q 是系统列", models.ErrInvalidFieldName, name)
	}
	return nil
}

// IndexName 生成唯一索引名，长度固定，不受表名长度影响
func (g *Generator) IndexName(table Ident, column Ident) Ident {
	sum := md5.Sum([]byte(string(table) + "." + string(column)))
	return Ident("uq_" + hex.EncodeToString(sum[:])[:16])
}

// Ident 经过校验的SQL标识符（表名、列名、索引名），与参数值严格区分
type Ident string

// NewIdent 校验并创建标识符
func (g *Generator) NewIdent(name string) (Ident, error) {
	if len(name) == 0 || len(name) > g.maxLength || !identPattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidIdentifier, name)
	}
	return Ident(name), nil
}

// String 返回原始名称
func (i Ident) String() string {
	return string(i)
}

// Table 作为表名参与SQL构建，由gorm负责加引号
func (i Ident) Table() clause.Table {
	return clause.Table{Name: string(i)}
}

// Column 作为列名参与SQL构建，由gorm负责加引号
func (i Ident) Column() clause.Column {
	return clause.Column{Name: string(i)}
}
