/*
 * @module service/config/config
 * @description 应用配置加载，负责默认值、YAML 配置文件、.env 文件与环境变量的合并
 * @architecture 分层架构 - 基础设施层
 * @documentReference DESIGN.md
 * @stateFlow 默认配置 -> CONFIG_FILE(YAML) -> .env -> 环境变量覆盖 -> 校验
 * @rules 环境变量优先级最高；DATABASE_URL 存在时忽略分离的数据库参数
 * @dependencies gopkg.in/yaml.v3, github.com/joho/godotenv, github.com/spf13/cast
 * @refs service/bootstrap.go, main.go
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"baas-service/client"
	"baas-service/service/rate_limiter"
	"baas-service/service/scheduler"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// 数据库驱动
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config 应用配置
type Config struct {
	App         AppConfig                `json:"app" yaml:"app"`
	Server      ServerConfig             `json:"server" yaml:"server"`
	Database    DatabaseConfig           `json:"database" yaml:"database"`
	Redis       RedisConfig              `json:"redis" yaml:"redis"`
	Schema      SchemaConfig             `json:"schema" yaml:"schema"`
	Events      EventsConfig             `json:"events" yaml:"events"`
	FileManager client.FileManagerConfig `json:"file_manager" yaml:"file_manager"`
	Scheduler   scheduler.Config         `json:"scheduler" yaml:"scheduler"`
	RateLimit   rate_limiter.Config      `json:"rate_limit" yaml:"rate_limit"`
	Logging     LoggingConfig            `json:"logging" yaml:"logging"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name        string `json:"name" yaml:"name"`
	Environment string `json:"environment" yaml:"environment"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port          int        `json:"port" yaml:"port"`
	BaseContext   string     `json:"base_context" yaml:"base_context"`
	// MaxUploadSize multipart 请求体上限（字节）
	MaxUploadSize int64      `json:"max_upload_size" yaml:"max_upload_size"`
	CORS          CORSConfig `json:"cors" yaml:"cors"`
}

// CORSConfig CORS配置
type CORSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `json:"driver" yaml:"driver"`
	URL             string        `json:"url" yaml:"url"`
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	Database        string        `json:"database" yaml:"database"`
	Username        string        `json:"username" yaml:"username"`
	Password        string        `json:"password" yaml:"password"`
	SSLMode         string        `json:"ssl_mode" yaml:"ssl_mode"`
	Schema          string        `json:"schema" yaml:"schema"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// RedisConfig Redis配置，未启用时使用进程内锁
type RedisConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// Addr Redis地址
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SchemaConfig 表结构同步配置
type SchemaConfig struct {
	// IdentifierMaxLength 数据库标识符长度上限，PostgreSQL 为 63
	IdentifierMaxLength int           `json:"identifier_max_length" yaml:"identifier_max_length"`
	LockTTL             time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
}

// EventsConfig 变更事件配置
type EventsConfig struct {
	Driver          string        `json:"driver" yaml:"driver"`
	KafkaBrokers    []string      `json:"kafka_brokers" yaml:"kafka_brokers"`
	KafkaTopic      string        `json:"kafka_topic" yaml:"kafka_topic"`
	KafkaAcks       int           `json:"kafka_acks" yaml:"kafka_acks"`
	MQTTBroker      string        `json:"mqtt_broker" yaml:"mqtt_broker"`
	MQTTClientID    string        `json:"mqtt_client_id" yaml:"mqtt_client_id"`
	MQTTUsername    string        `json:"mqtt_username" yaml:"mqtt_username"`
	MQTTPassword    string        `json:"mqtt_password" yaml:"mqtt_password"`
	MQTTTopicPrefix string        `json:"mqtt_topic_prefix" yaml:"mqtt_topic_prefix"`
	MQTTQoS         int           `json:"mqtt_qos" yaml:"mqtt_qos"`
	PublishTimeout  time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "baas-service", Environment: "development"},
		Server: ServerConfig{
			Port:          80,
			MaxUploadSize: 32 << 20,
			CORS:          CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}},
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			Host:            "localhost",
			Port:            5432,
			Database:        "postgres",
			Username:        "postgres",
			SSLMode:         "disable",
			Schema:          "public",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379, Namespace: "baas"},
		Schema: SchemaConfig{
			IdentifierMaxLength: 63,
			LockTTL:             2 * time.Minute,
		},
		Events: EventsConfig{
			Driver:          "noop",
			KafkaTopic:      "baas.entity.changes",
			KafkaAcks:       1,
			MQTTTopicPrefix: "baas",
			PublishTimeout:  5 * time.Second,
		},
		FileManager: client.FileManagerConfig{
			BaseURL:    "http://file-manager:8080",
			Timeout:    30 * time.Second,
			MaxRetries: 2,
			RetryDelay: 200 * time.Millisecond,
		},
		Scheduler: scheduler.Config{
			Spec:       "0 */10 * * * *",
			MaxWorkers: 4,
			LockTTL:    5 * time.Minute,
		},
		RateLimit: rate_limiter.Config{
			Window:          time.Minute,
			TenantRequests:  6000,
			ProjectRequests: 1200,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load 按优先级加载配置
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	// .env 只补充尚未设置的环境变量
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("加载 %s 失败: %w", envFile, err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile 读取 YAML 配置文件覆盖当前配置
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}
	return nil
}

// ApplyEnv 用环境变量覆盖配置，lookup 通常为 os.LookupEnv
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("APP_ENV", &c.App.Environment)

	e.int("LISTEN_PORT", &c.Server.Port)
	e.str("BASE_CONTEXT", &c.Server.BaseContext)
	e.int64("MAX_UPLOAD_SIZE", &c.Server.MaxUploadSize)
	e.bool("CORS_ENABLED", &c.Server.CORS.Enabled)
	e.list("CORS_ALLOWED_ORIGINS", &c.Server.CORS.AllowedOrigins)

	e.str("DB_DRIVER", &c.Database.Driver)
	e.str("DATABASE_URL", &c.Database.URL)
	e.str("DB_HOST", &c.Database.Host)
	e.int("DB_PORT", &c.Database.Port)
	e.str("DB_NAME", &c.Database.Database)
	e.str("DB_USER", &c.Database.Username)
	e.str("DB_PASSWORD", &c.Database.Password)
	e.str("DB_SSLMODE", &c.Database.SSLMode)
	e.str("DB_SCHEMA", &c.Database.Schema)
	e.int("DB_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	e.int("DB_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	e.duration("DB_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetime)

	e.bool("REDIS_ENABLED", &c.Redis.Enabled)
	e.str("REDIS_HOST", &c.Redis.Host)
	e.int("REDIS_PORT", &c.Redis.Port)
	e.str("REDIS_PASSWORD", &c.Redis.Password)
	e.int("REDIS_DB", &c.Redis.DB)
	e.str("REDIS_NAMESPACE", &c.Redis.Namespace)

	e.int("IDENTIFIER_MAX_LENGTH", &c.Schema.IdentifierMaxLength)
	e.duration("SCHEMA_LOCK_TTL", &c.Schema.LockTTL)

	e.str("EVENT_DRIVER", &c.Events.Driver)
	e.list("KAFKA_BROKERS", &c.Events.KafkaBrokers)
	e.str("KAFKA_TOPIC", &c.Events.KafkaTopic)
	e.int("KAFKA_REQUIRED_ACKS", &c.Events.KafkaAcks)
	e.str("MQTT_BROKER", &c.Events.MQTTBroker)
	e.str("MQTT_CLIENT_ID", &c.Events.MQTTClientID)
	e.str("MQTT_USERNAME", &c.Events.MQTTUsername)
	e.str("MQTT_PASSWORD", &c.Events.MQTTPassword)
	e.str("MQTT_TOPIC_PREFIX", &c.Events.MQTTTopicPrefix)
	e.int("MQTT_QOS", &c.Events.MQTTQoS)
	e.duration("EVENT_PUBLISH_TIMEOUT", &c.Events.PublishTimeout)

	e.str("FILE_MANAGER_URL", &c.FileManager.BaseURL)
	e.duration("FILE_MANAGER_TIMEOUT", &c.FileManager.Timeout)
	e.int("FILE_MANAGER_MAX_RETRIES", &c.FileManager.MaxRetries)

	e.str("DRIFT_AUDIT_CRON", &c.Scheduler.Spec)
	e.bool("DRIFT_AUDIT_REPAIR", &c.Scheduler.RepairMissing)
	e.int("DRIFT_AUDIT_WORKERS", &c.Scheduler.MaxWorkers)

	e.bool("RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)
	e.duration("RATE_LIMIT_WINDOW", &c.RateLimit.Window)
	e.int("RATE_LIMIT_TENANT_REQUESTS", &c.RateLimit.TenantRequests)
	e.int("RATE_LIMIT_PROJECT_REQUESTS", &c.RateLimit.ProjectRequests)

	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_FORMAT", &c.Logging.Format)

	return errors.Join(e.errs...)
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("监听端口无效: %d", c.Server.Port))
	}
	if c.Schema.IdentifierMaxLength < 32 {
		errs = append(errs, fmt.Errorf("标识符长度上限过小: %d", c.Schema.IdentifierMaxLength))
	}
	if c.Events.MQTTQoS < 0 || c.Events.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("MQTT QoS 只能为 0、1、2: %d", c.Events.MQTTQoS))
	}
	if c.FileManager.BaseURL == "" {
		errs = append(errs, errors.New("文件服务地址未配置"))
	}
	if c.RateLimit.Enabled && c.RateLimit.Window < time.Second {
		errs = append(errs, fmt.Errorf("限流窗口不能小于1秒: %s", c.RateLimit.Window))
	}
	return errors.Join(errs...)
}

// DSN 数据库连接串
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	if d.Driver == DriverSQLite {
		return d.Database
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s search_path=%s TimeZone=Asia/Shanghai",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode, d.Schema)
}

// envReader 读取并转换环境变量，转换错误累积到 errs
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := cast.ToIntE(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("环境变量 %s 不是整数: %q", key, v))
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.get(key); ok {
		n, err := cast.ToInt64E(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("环境变量 %s 不是整数: %q", key, v))
			return
		}
		*dst = n
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := cast.ToBoolE(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("环境变量 %s 不是布尔值: %q", key, v))
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := cast.ToDurationE(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("环境变量 %s 不是有效的时长: %q", key, v))
			return
		}
		*dst = d
	}
}

// list 逗号分隔的列表
func (e *envReader) list(key string, dst *[]string) {
	if v, ok := e.get(key); ok {
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*dst = items
	}
}
