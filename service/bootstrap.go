/*
 * @module service/bootstrap
 * @description 服务装配模块，负责数据库连接、迁移、协作者创建与组件依赖注入
 * @architecture 分层架构 - 组合根
 * @documentReference DESIGN.md
 * @stateFlow 加载配置 -> 连接数据库 -> 迁移注册表 -> 创建锁/事件/文件客户端 -> 组装组件 -> 启动调度器
 * @rules 组件通过构造函数注入，不使用包级全局变量；确保所有依赖正常后才提供API服务
 * @dependencies gorm.io/gorm, gorm.io/driver/postgres, gorm.io/driver/sqlite, github.com/go-redis/redis/v8
 * @refs main.go, api/routes.go
 */

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"baas-service/client"
	"baas-service/service/config"
	"baas-service/service/database"
	"baas-service/service/distributed_lock"
	"baas-service/service/entity"
	"baas-service/service/event"
	"baas-service/service/field_types"
	"baas-service/service/identifier"
	"baas-service/service/models"
	"baas-service/service/monitoring"
	"baas-service/service/rate_limiter"
	"baas-service/service/scheduler"
	"baas-service/service/template"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Container 组件容器
type Container struct {
	Config    *config.Config
	Logger    *slog.Logger
	DB        *gorm.DB
	Redis     *redis.Client
	Metrics   *monitoring.Metrics
	Generator *identifier.Generator
	Types     *field_types.Registry
	Sync      *database.Synchronizer
	Templates *template.Service
	Gateway   *entity.Gateway
	Scheduler *scheduler.SchedulerService
	Publisher models.ChangePublisher
	Files     models.FileManager
	// RateLimiter 未启用限流时为 nil
	RateLimiter rate_limiter.Limiter
}

// NewContainer 按配置组装全部组件
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{Config: cfg, Logger: logger}

	db, err := OpenDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	c.DB = db

	if err := c.migrate(); err != nil {
		c.Close()
		return nil, err
	}

	locks, err := c.newLocks(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}

	publisher, err := event.NewPublisher(event.Config{
		Driver: cfg.Events.Driver,
		Kafka: event.KafkaOptions{
			Brokers:      cfg.Events.KafkaBrokers,
			Topic:        cfg.Events.KafkaTopic,
			RequiredAcks: cfg.Events.KafkaAcks,
			WriteTimeout: cfg.Events.PublishTimeout,
		},
		MQTT: event.MQTTOptions{
			Broker:         cfg.Events.MQTTBroker,
			ClientID:       cfg.Events.MQTTClientID,
			Username:       cfg.Events.MQTTUsername,
			Password:       cfg.Events.MQTTPassword,
			TopicPrefix:    cfg.Events.MQTTTopicPrefix,
			QoS:            byte(cfg.Events.MQTTQoS),
			PublishTimeout: cfg.Events.PublishTimeout,
		},
	}, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("创建事件发布器失败: %w", err)
	}
	c.Publisher = publisher

	fileManager := cfg.FileManager
	c.Files = client.NewFileManagerClient(&fileManager, logger)
	c.Metrics = monitoring.NewMetrics(reg)

	c.Generator = identifier.NewGenerator(cfg.Schema.IdentifierMaxLength)
	c.Types = field_types.NewRegistry(field_types.Dependencies{
		Files:      c.Files,
		References: field_types.NewDBReferenceResolver(db, c.Generator),
		Logger:     logger,
	})
	c.Sync = database.NewSynchronizer(db, c.Generator, c.Types, database.SynchronizerOptions{
		Locks:   locks,
		LockTTL: cfg.Schema.LockTTL,
		Metrics: c.Metrics,
		Logger:  logger,
	})
	c.Templates = template.NewService(db, c.Generator, c.Types, c.Sync, logger)
	c.Gateway = entity.NewGateway(db, c.Generator, c.Types, c.Templates, entity.Options{
		Files:     c.Files,
		Publisher: c.Publisher,
		Metrics:   c.Metrics,
		Logger:    logger,
	})
	c.Scheduler = scheduler.NewSchedulerService(c.Templates, c.Sync, locks, c.Metrics, logger, cfg.Scheduler)

	if cfg.RateLimit.Enabled {
		if c.Redis != nil {
			c.RateLimiter = rate_limiter.NewRedisRateLimiter(c.Redis, cfg.Redis.Namespace)
		} else {
			c.RateLimiter = rate_limiter.NewLocalRateLimiter()
		}
	}

	logger.Info("服务初始化完成",
		"db_driver", cfg.Database.Driver,
		"event_driver", cfg.Events.Driver,
		"distributed_lock", cfg.Redis.Enabled,
		"rate_limit", cfg.RateLimit.Enabled)
	return c, nil
}

// OpenDatabase 连接数据库并设置连接池
func OpenDatabase(cfg config.DatabaseConfig, logger *slog.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN())
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库连接池失败: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	// SQLite 内存库每个连接都是独立的数据库
	if cfg.Driver == config.DriverSQLite && cfg.DSN() == ":memory:" {
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	logger.Info("数据库连接成功", "driver", cfg.Driver)
	return db, nil
}

func (c *Container) migrate() error {
	schema := c.Config.Database.Schema
	if c.Config.Database.Driver == config.DriverPostgres && schema != "" && schema != "public" {
		if err := database.CreateSchema(c.DB, schema, c.Logger); err != nil {
			return err
		}
	}
	if err := database.AutoMigrate(c.DB, c.Logger); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	return nil
}

// newLocks 启用 Redis 时使用分布式锁，否则使用进程内锁
func (c *Container) newLocks(ctx context.Context) (*distributed_lock.LockExecutor, error) {
	if !c.Config.Redis.Enabled {
		c.Logger.Warn("未启用Redis，表结构锁仅在单实例内有效")
		return distributed_lock.NewLockExecutor(distributed_lock.NewLocalLock(), c.Logger), nil
	}

	c.Redis = redis.NewClient(&redis.Options{
		Addr:     c.Config.Redis.Addr(),
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	lock, err := distributed_lock.NewRedisLock(ctx, c.Redis, c.Config.Redis.Namespace, c.Logger)
	if err != nil {
		return nil, err
	}
	return distributed_lock.NewLockExecutor(lock, c.Logger), nil
}

// Start 启动后台任务
func (c *Container) Start() error {
	return c.Scheduler.Start()
}

// Ready 检查依赖是否可用
func (c *Container) Ready(ctx context.Context) error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return fmt.Errorf("获取数据库连接池失败: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("数据库不可用: %w", err)
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("Redis不可用: %w", err)
		}
	}
	return nil
}

// Close 停止后台任务并释放连接
func (c *Container) Close() error {
	var errs []error
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Publisher != nil {
		errs = append(errs, c.Publisher.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
