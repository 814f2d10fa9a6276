package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"

	"github.com/spf13/cast"
)

// 通用 JSON 类型，用于模板与字段的 settings
type JSONB map[string]interface{}

// 实现 Scanner 接口
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("类型断言失败: 不是 []byte 或 string")
	}
	if len(bytes) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// 实现 Valuer 接口
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return "{}", nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Has 判断是否存在指定键
func (j JSONB) Has(key string) bool {
	if j == nil {
		return false
	}
	_, ok := j[key]
	return ok
}

// Bool 读取布尔配置，缺省为 false
func (j JSONB) Bool(key string) bool {
	return j.BoolOr(key, false)
}

// BoolOr 读取布尔配置，缺省返回 def
func (j JSONB) BoolOr(key string, def bool) bool {
	if !j.Has(key) {
		return def
	}
	v, err := cast.ToBoolE(j[key])
	if err != nil {
		return def
	}
	return v
}

// Int 读取整数配置，缺省返回 def
func (j JSONB) Int(key string, def int) int {
	if !j.Has(key) {
		return def
	}
	v, err := cast.ToIntE(j[key])
	if err != nil {
		return def
	}
	return v
}

// Int64Ptr 读取可选整数配置
func (j JSONB) Int64Ptr(key string) *int64 {
	if !j.Has(key) || j[key] == nil {
		return nil
	}
	v, err := cast.ToInt64E(j[key])
	if err != nil {
		return nil
	}
	return &v
}

// String 读取字符串配置
func (j JSONB) String(key string) string {
	if !j.Has(key) {
		return ""
	}
	return cast.ToString(j[key])
}
