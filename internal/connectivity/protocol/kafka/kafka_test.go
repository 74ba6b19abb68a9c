package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
)

func testConnection() *connectivity.Connection {
	return &connectivity.Connection{
		ID:   "kafka-1",
		Type: connectivity.TypeKafka,
		URI:  "tcp://broker-a:9092",
		SpecificConfig: map[string]string{
			"bootstrap_servers": "broker-b:9092, broker-a:9092",
		},
		Sources: []connectivity.Source{
			{Addresses: []string{"telemetry"}, ConsumerCount: 1, QoS: 1},
			{Addresses: []string{"commands"}, ConsumerCount: 1, QoS: 1},
		},
	}
}

func TestBrokers(t *testing.T) {
	brokers, err := Brokers(testConnection())
	require.NoError(t, err)
	assert.Equal(t, []string{"broker-a:9092", "broker-b:9092"}, brokers)

	_, err = Brokers(&connectivity.Connection{ID: "x"})
	assert.ErrorIs(t, err, connectivity.ErrInvalidConnection)
}

func TestNew_Config(t *testing.T) {
	conn := testConnection()
	conn.SpecificConfig["username"] = "svc"
	conn.SpecificConfig["password"] = "secret"

	f, err := New(conn, Settings{GroupPrefix: "gw-", DialTimeout: 3 * time.Second}, nil)
	require.NoError(t, err)

	assert.Equal(t, "gw-kafka-1", f.group)
	assert.Equal(t, sarama.WaitForAll, f.config.Producer.RequiredAcks)
	assert.True(t, f.config.Net.SASL.Enable)
	assert.Equal(t, "svc", f.config.Net.SASL.User)
	assert.Equal(t, 3*time.Second, f.config.Net.DialTimeout)

	_, err = New(conn, Settings{Version: "not-a-version"}, nil)
	assert.ErrorIs(t, err, connectivity.ErrInvalidConnection)
}

func TestFacade_NotConnected(t *testing.T) {
	f, err := New(testConnection(), Settings{}, nil)
	require.NoError(t, err)

	_, err = f.Publish(context.Background(), connectivity.ExternalMessage{Address: "t"})
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
	_, err = f.Subscribe(context.Background(), nil)
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
	assert.NoError(t, f.Disconnect(context.Background()))
}

func TestFacade_Publish(t *testing.T) {
	f, err := New(testConnection(), Settings{}, nil)
	require.NoError(t, err)

	producer := mocks.NewSyncProducer(t, f.config)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		if pm.Topic != "commands" {
			return errors.New("wrong topic " + pm.Topic)
		}
		key, _ := pm.Key.Encode()
		if string(key) != "lamp-1" {
			return errors.New("wrong key " + string(key))
		}
		if len(pm.Headers) != 1 || string(pm.Headers[0].Key) != "correlation-id" {
			return errors.New("unexpected headers")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	f.producer = producer

	res, err := f.Publish(context.Background(), connectivity.ExternalMessage{
		Address: "commands",
		Headers: map[string]string{HeaderKey: "lamp-1", "correlation-id": "c1"},
		Payload: []byte(`{"on":true}`),
	})
	require.NoError(t, err)
	assert.True(t, res.Acknowledged)
	assert.Equal(t, "commands", res.Address)

	_, err = f.Publish(context.Background(), connectivity.ExternalMessage{Address: "commands"})
	assert.ErrorIs(t, err, protocol.ErrPublishFailed)

	f.producer = nil
	require.NoError(t, producer.Close())
}

// ============================================================================
// Consumer group handler
// ============================================================================

type fakeSession struct {
	ctx    context.Context
	marked chan *sarama.ConsumerMessage
}

func (s *fakeSession) Claims() map[string][]int32                               { return nil }
func (s *fakeSession) MemberID() string                                         { return "member" }
func (s *fakeSession) GenerationID() int32                                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)                  {}
func (s *fakeSession) Commit()                                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string)                 {}
func (s *fakeSession) Context() context.Context                                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) { s.marked <- msg }

type fakeClaim struct {
	topic    string
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return c.topic }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestGroupHandler_ConsumeClaim(t *testing.T) {
	f, err := New(testConnection(), Settings{}, nil)
	require.NoError(t, err)
	h := &groupHandler{facade: f, index: map[string]int{"telemetry": 0, "commands": 1}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := &fakeSession{ctx: ctx, marked: make(chan *sarama.ConsumerMessage, 4)}
	claim := &fakeClaim{topic: "commands", messages: make(chan *sarama.ConsumerMessage, 4)}

	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(session, claim) }()

	first := &sarama.ConsumerMessage{
		Topic: "commands", Partition: 0, Offset: 7,
		Key: []byte("lamp-1"), Value: []byte("on"),
		Headers: []*sarama.RecordHeader{{Key: []byte("content-type"), Value: []byte("text/plain")}},
	}
	second := &sarama.ConsumerMessage{Topic: "commands", Offset: 8, Value: []byte("off")}
	claim.messages <- first
	claim.messages <- second

	in := <-f.Messages()
	assert.Equal(t, 1, in.SourceIndex)
	assert.Equal(t, "on", string(in.Message.Payload))
	assert.Equal(t, "lamp-1", in.Message.Headers[HeaderKey])
	assert.Equal(t, "7", in.Message.Headers[HeaderOffset])
	assert.Equal(t, "text/plain", in.Message.Headers["content-type"])
	require.NoError(t, in.Ack())
	assert.Same(t, first, <-session.marked)

	in = <-f.Messages()
	require.NoError(t, in.Nack(true))
	select {
	case m := <-session.marked:
		t.Fatalf("requeued message was marked: offset %d", m.Offset)
	case <-time.After(50 * time.Millisecond):
	}

	close(claim.messages)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not return")
	}
}
