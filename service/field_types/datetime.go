package field_types

import (
	"context"
	"strings"
	"time"

	"baas-service/service/models"

	"github.com/spf13/cast"
)

const dateLayout = "2006-01-02"

var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	dateLayout,
}

// datePlugin 日期类型，格式 YYYY-MM-DD
type datePlugin struct{}

func (p *datePlugin) Kind() Kind { return KindDate }

func (p *datePlugin) StorageType(settings models.JSONB) ColumnType {
	return ColumnType{Kind: ColumnDate}
}

func (p *datePlugin) parse(fc *FieldContext, raw interface{}) (string, error) {
	if t, ok := raw.(time.Time); ok {
		return t.Format(dateLayout), nil
	}
	s, err := cast.ToStringE(raw)
	if err != nil {
		return "", fc.invalid("需要日期值")
	}
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return "", fc.invalid("日期格式应为 YYYY-MM-DD")
	}
	return t.Format(dateLayout), nil
}

func (p *datePlugin) Validate(ctx context.Context, fc *FieldContext, raw interface{}) error {
	_, err := p.parse(fc, raw)
	return err
}

func (p *datePlugin) TransformForStorage(ctx context.Context, fc *FieldContext, raw interface{}) (interface{}, error) {
	return p.parse(fc, raw)
}

func (p *datePlugin) TransformForOutput(ctx context.Context, fc *FieldContext, stored interface{}) (interface{}, bool, error) {
	switch v := stored.(type) {
	case nil:
		return nil, true, nil
	case time.Time:
		return v.Format(dateLayout), true, nil
	default:
		s := cast.ToString(v)
		if len(s) > len(dateLayout) {
			s = s[:len(dateLayout)]
		}
		return s, true, nil
	}
}

func (p *datePlugin) SupportsUnique(settings models.JSONB) bool { return true }

// datetimePlugin 日期时间类型，存储为 Unix 秒
type datetimePlugin struct{}

func (p *datetimePlugin) Kind() Kind { return KindDatetime }

func (p *datetimePlugin) StorageType(settings models.JSONB) ColumnType {
	return ColumnType{Kind: ColumnBigInt}
}

func (p *datetimePlugin) parse(fc *FieldContext, raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.Unix(), nil
	case int, int32, int64, uint, uint32, uint64:
		return cast.ToInt64(v), nil
	case float64:
		return int64(v), nil
	}
	s, err := cast.ToStringE(raw)
	if err != nil {
		return 0, fc.invalid("需要日期时间值")
	}
	s = strings.TrimSpace(s)
	for _, layout := range datetimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.Unix(), nil
		}
	}
	if n, err := parseInt64(s); err == nil {
		return n, nil
	}
	return 0, fc.invalid("无法解析日期时间 %q", s)
}

func (p *datetimePlugin) Validate(ctx context.Context, fc *FieldContext, raw interface{}) error {
	_, err := p.parse(fc, raw)
	return err
}

func (p *datetimePlugin) TransformForStorage(ctx context.Context, fc *FieldContext, raw interface{}) (interface{}, error) {
	return p.parse(fc, raw)
}

func (p *datetimePlugin) TransformForOutput(ctx context.Context, fc *FieldContext, stored interface{}) (interface{}, bool, error) {
	if stored == nil {
		return nil, true, nil
	}
	return time.Unix(cast.ToInt64(stored), 0).UTC().Format(time.RFC3339), true, nil
}

func (p *datetimePlugin) SupportsUnique(settings models.JSONB) bool { return true }
