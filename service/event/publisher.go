/*
 * @module service/event/publisher
 * @description 实体变更事件发布器，按配置选择 Kafka、MQTT 或空实现
 * @architecture 适配器模式 - 统一的 models.ChangePublisher 接口
 * @documentReference DESIGN.md
 * @stateFlow 网关写入成功 -> Publish -> 消息中间件
 * @rules 发布失败只返回错误，由调用方记录日志，不影响写入结果
 * @dependencies github.com/segmentio/kafka-go, github.com/eclipse/paho.mqtt.golang
 * @refs service/entity/gateway.go, service/bootstrap.go
 */

package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"baas-service/service/models"
)

// 发布器驱动
const (
	DriverNoop  = "noop"
	DriverKafka = "kafka"
	DriverMQTT  = "mqtt"
)

// Config 事件发布配置
type Config struct {
	Driver string
	Kafka  KafkaOptions
	MQTT   MQTTOptions
}

// NewPublisher 按驱动创建发布器
func NewPublisher(cfg Config, logger *slog.Logger) (models.ChangePublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverNoop:
		return NewNoopPublisher(logger), nil
	case DriverKafka:
		return NewKafkaPublisher(cfg.Kafka, logger)
	case DriverMQTT:
		return NewMQTTPublisher(cfg.MQTT, logger)
	default:
		return nil, fmt.Errorf("不支持的事件发布驱动: %s", cfg.Driver)
	}
}

// encode 序列化事件
func encode(event models.ChangeEvent) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("序列化变更事件失败: %w", err)
	}
	return payload, nil
}

// partitionKey 同一实体的事件落在同一分区，保证顺序
func partitionKey(event models.ChangeEvent) string {
	return event.TenantID + ":" + event.ProjectID + ":" + event.Entity
}

// NoopPublisher 未配置消息中间件时使用
type NoopPublisher struct {
	logger *slog.Logger
}

// NewNoopPublisher 创建空发布器
func NewNoopPublisher(logger *slog.Logger) *NoopPublisher {
	return &NoopPublisher{logger: logger}
}

func (p *NoopPublisher) Publish(ctx context.Context, event models.ChangeEvent) error {
	p.logger.Debug("实体变更事件", "type", event.Type, "entity", event.Entity, "record_id", event.RecordID)
	return nil
}

func (p *NoopPublisher) Close() error {
	return nil
}

// MultiPublisher 同时发布到多个目标
type MultiPublisher []models.ChangePublisher

func (m MultiPublisher) Publish(ctx context.Context, event models.ChangeEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
