package event

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"baas-service/service/models"
	"baas-service/testutil"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleEvent() models.ChangeEvent {
	return models.ChangeEvent{
		Type:      models.EventEntityCreated,
		TenantID:  "t1",
		ProjectID: "p1",
		Entity:    "orders",
		RecordID:  7,
		UUID:      "6f1c6a4e-0000-4000-8000-000000000000",
		Timestamp: 1704164645,
	}
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_Publish(t *testing.T) {
	writer := &fakeWriter{}
	p := newKafkaPublisher(writer, "baas.entity.changes", time.Second, discardLogger())

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "t1:p1:orders", string(msg.Key))
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, models.EventEntityCreated, string(msg.Headers[0].Value))

	var decoded models.ChangeEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, sampleEvent(), decoded)

	require.NoError(t, p.Close())
	assert.True(t, writer.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	p := newKafkaPublisher(&fakeWriter{err: errors.New("leader not available")}, "topic", time.Second, discardLogger())
	err := p.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestNewKafkaPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaOptions{}, discardLogger())
	assert.Error(t, err)
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeMQTTClient struct {
	mqtt.Client
	connected    bool
	publishErr   error
	messages     []published
	disconnected bool
}

func (c *fakeMQTTClient) IsConnected() bool { return c.connected }

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.messages = append(c.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return newFakeToken(c.publishErr)
}

func (c *fakeMQTTClient) Disconnect(quiesce uint) { c.disconnected = true }

func TestMQTTPublisher_Publish(t *testing.T) {
	client := &fakeMQTTClient{connected: true}
	p := newMQTTPublisher(client, MQTTOptions{TopicPrefix: "/things/", QoS: 1}, discardLogger())

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.Len(t, client.messages, 1)
	assert.Equal(t, "things/t1/p1/orders/entity.created", client.messages[0].topic)
	assert.Equal(t, byte(1), client.messages[0].qos)

	var decoded models.ChangeEvent
	require.NoError(t, json.Unmarshal(client.messages[0].payload, &decoded))
	assert.Equal(t, int64(7), decoded.RecordID)

	require.NoError(t, p.Close())
	assert.True(t, client.disconnected)
}

func TestMQTTPublisher_Errors(t *testing.T) {
	p := newMQTTPublisher(&fakeMQTTClient{connected: false}, MQTTOptions{}, discardLogger())
	assert.Error(t, p.Publish(context.Background(), sampleEvent()))

	p = newMQTTPublisher(&fakeMQTTClient{connected: true, publishErr: errors.New("not authorized")}, MQTTOptions{}, discardLogger())
	err := p.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baas/t1/p1/orders/entity.created")
}

func TestNewPublisher(t *testing.T) {
	p, err := NewPublisher(Config{}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &NoopPublisher{}, p)
	assert.NoError(t, p.Publish(context.Background(), sampleEvent()))

	_, err = NewPublisher(Config{Driver: "rabbitmq"}, discardLogger())
	assert.Error(t, err)
}

func TestMultiPublisher(t *testing.T) {
	ok := new(testutil.MockChangePublisher)
	ok.On("Publish", mock.Anything, mock.Anything).Return(nil)
	ok.On("Close").Return(nil)
	failing := new(testutil.MockChangePublisher)
	failing.On("Publish", mock.Anything, mock.Anything).Return(errors.New("down"))
	failing.On("Close").Return(nil)

	multi := MultiPublisher{ok, failing}
	err := multi.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.NoError(t, multi.Close())

	ok.AssertNumberOfCalls(t, "Publish", 1)
	failing.AssertNumberOfCalls(t, "Publish", 1)
}
