package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"baas-service/service/models"

	"github.com/segmentio/kafka-go"
)

// KafkaOptions Kafka 发布配置
type KafkaOptions struct {
	Brokers      []string
	Topic        string
	RequiredAcks int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// messageWriter kafka.Writer 的最小接口
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 将变更事件写入 Kafka 主题
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaPublisher 创建 Kafka 发布器
func NewKafkaPublisher(opts KafkaOptions, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("Kafka brokers 未配置")
	}
	if opts.Topic == "" {
		opts.Topic = "baas.entity.changes"
	}
	if opts.BatchTimeout == 0 {
		opts.BatchTimeout = 50 * time.Millisecond
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Topic:                  opts.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(opts.RequiredAcks),
		BatchTimeout:           opts.BatchTimeout,
		WriteTimeout:           opts.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	logger.Info("Kafka事件发布器已创建", "brokers", opts.Brokers, "topic", opts.Topic)
	return newKafkaPublisher(writer, opts.Topic, opts.WriteTimeout, logger), nil
}

func newKafkaPublisher(writer messageWriter, topic string, timeout time.Duration, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, topic: topic, timeout: timeout, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event models.ChangeEvent) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(partitionKey(event)),
		Value: payload,
		Time:  time.Unix(event.Timestamp, 0),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "tenant_id", Value: []byte(event.TenantID)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送Kafka消息失败 topic=%s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("关闭Kafka生产者失败: %w", err)
	}
	p.logger.Info("Kafka事件发布器已关闭", "topic", p.topic)
	return nil
}
