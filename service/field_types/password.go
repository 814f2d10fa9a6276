package field_types

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"baas-service/service/models"

	"github.com/spf13/cast"
	"golang.org/x/crypto/bcrypt"
)

const defaultPasswordMinLength = 6

// passwordPlugin 密码类型，存储 bcrypt 哈希
// settings: min_length, hide_in_api（默认 true）
type passwordPlugin struct{}

func (p *passwordPlugin) Kind() Kind { return KindPassword }

func (p *passwordPlugin) StorageType(settings models.JSONB) ColumnType {
	return ColumnType{Kind: ColumnVarchar, Length: 255}
}

func (p *passwordPlugin) Validate(ctx context.Context, fc *FieldContext, raw interface{}) error {
	s, err := cast.ToStringE(raw)
	if err != nil {
		return fc.invalid("需要文本值")
	}
	if min := fc.Settings().Int("min_length", defaultPasswordMinLength); utf8.RuneCountInString(s) < min {
		return fc.invalid("长度不能少于 %d 个字符", min)
	}
	// bcrypt 只处理前72字节
	if len(s) > 72 {
		return fc.invalid("长度不能超过 72 字节")
	}
	return nil
}

func (p *passwordPlugin) TransformForStorage(ctx context.Context, fc *FieldContext, raw interface{}) (interface{}, error) {
	s, err := cast.ToStringE(raw)
	if err != nil {
		return nil, fc.invalid("需要文本值")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("密码哈希失败: %w", err)
	}
	return string(hashed), nil
}

func (p *passwordPlugin) TransformForOutput(ctx context.Context, fc *FieldContext, stored interface{}) (interface{}, bool, error) {
	if fc.Settings().BoolOr("hide_in_api", true) {
		return nil, false, nil
	}
	if stored == nil {
		return nil, true, nil
	}
	return cast.ToString(stored), true, nil
}

func (p *passwordPlugin) SupportsUnique(settings models.JSONB) bool { return false }

// VerifyPassword 校验明文与存储的哈希是否匹配
func VerifyPassword(stored interface{}, plain string) bool {
	hashed := cast.ToString(stored)
	if !strings.HasPrefix(hashed, "$2") {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}
