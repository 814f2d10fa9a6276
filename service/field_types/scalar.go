package field_types

import (
	"context"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"baas-service/service/models"

	"github.com/spf13/cast"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultTextMaxLength = 255
	// 超过该长度改用 TEXT 列
	varcharLimit = 1000
)

// textPlugin 文本类型，settings: max_length
type textPlugin struct{}

func (p *textPlugin) Kind() Kind { return KindText }

func (p *textPlugin) maxLength(settings models.JSONB) int {
	return settings.Int("max_length", defaultTextMaxLength)
}

func (p *textPlugin) StorageType(settings models.JSONB) ColumnType {
	n := p.maxLength(settings)
	if n <= 0 || n > varcharLimit {
		return ColumnType{Kind: ColumnText}
	}
	return ColumnType{Kind: ColumnVarchar, Length: n}
}

func (p *textPlugin) Validate(ctx context.Context, fc *FieldContext, raw interface{}) error {
	s, err := cast.ToStringE(raw)
	if err != nil {
		return fc.invalid("需要文本值")
	}
	if n := p.maxLength(fc.Settings()); n > 0 && utf8.RuneCountInString(s) > n {
		return fc.invalid("长度不能超过 %d 个字符", n)
	}
	return nil
}

func (p *textPlugin) TransformForStorage(ctx context.Context, fc *FieldContext, raw interface{}) (interface{}, error) {
	s, err := cast.ToStringE(raw)
	if err != nil {
		return nil, fc.invalid("需要文本值")
	}
	// 统一为 NFC，保证唯一性比较不受组合字符影响
	return norm.NFC.String(s), nil
}

func (p *textPlugin) TransformForOutput(ctx context.Context, fc *FieldContext, stored interface{}) (interface{}, bool, error) {
	if stored == nil {
		return nil, true, nil
	}
	return cast.ToString(stored), true, nil
}

func (p *textPlugin) SupportsUnique(settings models.JSONB) bool { return true }

// integerPlugin 整数类型，settings: min, max
type integerPlugin struct{}

func (p *integerPlugin) Kind() Kind { return KindInteger }

func (p *integerPlugin) StorageType(settings models.JSONB) ColumnType {
	return ColumnType{Kind: ColumnBigInt}
}

func (p *integerPlugin) coerce(fc *FieldContext, raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, fc.invalid("需要整数值")
		}
	case float32:
		if float64(v) != math.Trunc(float64(v)) {
			return 0, fc.invalid("需要整数值")
		}
	case bool:
		return 0, fc.invalid("需要整数值")
	}
	n, err := parseInt64(raw)
	if err != nil {
		return 0, fc.invalid("需要整数值")
	}
	return n, nil
}

// parseInt64 字符串一律按十进制解析，"010" 是 10 而不是八进制
func parseInt64(v interface{}) (int64, error) {
	if s, ok := v.(string); ok {
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	return cast.ToInt64E(v)
}

func (p *integerPlugin) Validate(ctx context.Context, fc *FieldContext, raw interface{}) error {
	n, err := p.coerce(fc, raw)
	if err != nil {
		return err
	}
	settings := fc.Settings()
	if min := settings.Int64Ptr("min"); min != nil && n < *min {
		return fc.invalid("不能小于 %d", *min)
	}
	if max := settings.Int64Ptr("max"); max != nil && n > *max {
		return fc.invalid("不能大于 %d", *max)
	}
	return nil
}

func (p *integerPlugin) TransformForStorage(ctx context.Context, fc *FieldContext, raw interface{}) (interface{}, error) {
	return p.coerce(fc, raw)
}

func (p *integerPlugin) TransformForOutput(ctx context.Context, fc *FieldContext, stored interface{}) (interface{}, bool, error) {
	if stored == nil {
		return nil, true, nil
	}
	return cast.ToInt64(stored), true, nil
}

func (p *integerPlugin) SupportsUnique(settings models.JSONB) bool { return true }

// booleanPlugin 布尔类型
type booleanPlugin struct{}

func (p *booleanPlugin) Kind() Kind { return KindBoolean }

func (p *booleanPlugin) StorageType(settings models.JSONB) ColumnType {
	return ColumnType{Kind: ColumnBoolean}
}

func (p *booleanPlugin) Validate(ctx context.Context, fc *FieldContext, raw interface{}) error {
	if _, err := cast.ToBoolE(raw); err != nil {
		return fc.invalid("需要布尔值")
	}
	return nil
}

func (p *booleanPlugin) TransformForStorage(ctx context.Context, fc *FieldContext, raw interface{}) (interface{}, error) {
	b, err := cast.ToBoolE(raw)
	if err != nil {
		return nil, fc.invalid("需要布尔值")
	}
	return b, nil
}

func (p *booleanPlugin) TransformForOutput(ctx context.Context, fc *FieldContext, stored interface{}) (interface{}, bool, error) {
	if stored == nil {
		return nil, true, nil
	}
	return cast.ToBool(stored), true, nil
}

func (p *booleanPlugin) SupportsUnique(settings models.JSONB) bool { return false }
