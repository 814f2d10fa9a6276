package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"baas-service/service/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions MQTT 发布配置
type MQTTOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	KeepAlive      time.Duration
	PublishTimeout time.Duration
}

// MQTTPublisher 将变更事件发布到 {prefix}/{tenant}/{project}/{entity}/{type}
type MQTTPublisher struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *slog.Logger
}

// NewMQTTPublisher 创建并连接 MQTT 发布器
func NewMQTTPublisher(opts MQTTOptions, logger *slog.Logger) (*MQTTPublisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("MQTT broker 未配置")
	}
	if opts.ClientID == "" {
		opts.ClientID = "baas-service"
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 30 * time.Second
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.SetKeepAlive(opts.KeepAlive)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT连接断开，等待自动重连", "broker", opts.Broker, "error", err)
	})

	client := mqtt.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("MQTT连接失败: %w", token.Error())
	}
	logger.Info("MQTT事件发布器已连接", "broker", opts.Broker)
	return newMQTTPublisher(client, opts, logger), nil
}

func newMQTTPublisher(client mqtt.Client, opts MQTTOptions, logger *slog.Logger) *MQTTPublisher {
	prefix := strings.Trim(opts.TopicPrefix, "/")
	if prefix == "" {
		prefix = "baas"
	}
	timeout := opts.PublishTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &MQTTPublisher{client: client, prefix: prefix, qos: opts.QoS, timeout: timeout, logger: logger}
}

// Topic 事件主题
func (p *MQTTPublisher) Topic(event models.ChangeEvent) string {
	return strings.Join([]string{p.prefix, event.TenantID, event.ProjectID, event.Entity, event.Type}, "/")
}

func (p *MQTTPublisher) Publish(ctx context.Context, event models.ChangeEvent) error {
	if !p.client.IsConnected() {
		return errors.New("MQTT客户端未连接")
	}
	payload, err := encode(event)
	if err != nil {
		return err
	}

	topic := p.Topic(event)
	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("发布MQTT消息超时 topic=%s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("发布MQTT消息失败 topic=%s: %w", topic, err)
	}
	return nil
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	p.logger.Info("MQTT事件发布器已断开")
	return nil
}
