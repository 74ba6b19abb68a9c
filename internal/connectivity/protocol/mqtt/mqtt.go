// Package mqtt is the MQTT 3.1.1 protocol facade.
//
// It drives the paho-based client in internal/infrastructure/mqtt with
// manual acknowledgement: a consumed QoS 1/2 message is only confirmed
// to the broker once the pipeline acks it. MQTT has no negative
// acknowledgement, so Nack leaves the message unconfirmed for the broker
// to redeliver after a reconnect.
package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
	mqttclient "github.com/UnimibEsami/ditto/internal/infrastructure/mqtt"
)

// Transport headers set on consumed messages and read on publish.
const (
	HeaderRetain = "mqtt.retain"
	HeaderQoS    = "mqtt.qos"
	HeaderTopic  = "mqtt.topic"
)

const inboundBuffer = 1024

// Settings are the service-wide MQTT defaults.
type Settings struct {
	ClientIDPrefix   string
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	MaxReconnectWait time.Duration
	CleanSession     bool
}

// Facade implements protocol.Protocol over MQTT.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Facade struct {
	opts     mqttclient.Options
	logger   connectivity.Logger
	messages chan *connectivity.InboundMessage

	mu     sync.Mutex
	client      *mqttclient.Client
	onLost      func(error)
	onReconnect func()
}

var (
	_ protocol.Protocol               = (*Facade)(nil)
	_ protocol.ConnectionLossNotifier = (*Facade)(nil)
	_ protocol.ReconnectNotifier      = (*Facade)(nil)
)

// NewFactory returns the registry factory for mqtt connections.
func NewFactory(settings Settings) protocol.Factory {
	return func(conn *connectivity.Connection, logger connectivity.Logger) (protocol.Protocol, error) {
		return New(conn, settings, logger)
	}
}

// New creates a disconnected facade for conn.
//
// Specific config keys: client_id, username, password, clean_session.
func New(conn *connectivity.Connection, settings Settings, logger connectivity.Logger) (*Facade, error) {
	opts, err := clientOptions(conn, settings)
	if err != nil {
		return nil, err
	}
	return &Facade{
		opts:     opts,
		logger:   connectivity.LoggerOrNop(logger),
		messages: make(chan *connectivity.InboundMessage, inboundBuffer),
	}, nil
}

func clientOptions(conn *connectivity.Connection, s Settings) (mqttclient.Options, error) {
	clean := s.CleanSession
	if v := conn.Specific("clean_session", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return mqttclient.Options{}, fmt.Errorf("%w: clean_session: %w", connectivity.ErrInvalidConnection, err)
		}
		clean = b
	}

	return mqttclient.Options{
		BrokerURL:        conn.URI,
		ClientID:         conn.Specific("client_id", s.ClientIDPrefix+conn.ID),
		Username:         conn.Specific("username", ""),
		Password:         conn.Specific("password", ""),
		CleanSession:     clean,
		KeepAlive:        s.KeepAlive,
		ConnectTimeout:   s.ConnectTimeout,
		AutoReconnect:    conn.FailoverEnabled,
		MaxReconnectWait: s.MaxReconnectWait,
		ManualAck:        true,
	}, nil
}

// Connect opens the broker connection. Connecting twice is a no-op.
func (f *Facade) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil && f.client.IsConnected() {
		return nil
	}

	client, err := mqttclient.Connect(ctx, f.opts)
	if err != nil {
		return err
	}
	client.SetLogger(f.logger)
	client.SetOnDisconnect(f.connectionLost)
	client.SetOnConnect(f.reconnected)
	f.client = client
	return nil
}

func (f *Facade) connectionLost(err error) {
	f.mu.Lock()
	fn := f.onLost
	f.mu.Unlock()
	f.logger.Warn("mqtt connection lost", "client_id", f.opts.ClientID, "error", err)
	if fn != nil {
		fn(err)
	}
}

// reconnected runs after paho re-established the session and the
// subscriptions were restored. The callback for the initial connect may
// land here too; the client ignores it while the status is open.
func (f *Facade) reconnected() {
	f.mu.Lock()
	fn := f.onReconnect
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Disconnect closes the broker connection.
func (f *Facade) Disconnect(context.Context) error {
	f.mu.Lock()
	client := f.client
	f.client = nil
	f.mu.Unlock()
	if client == nil {
		return nil
	}
	client.SetOnDisconnect(nil)
	return client.Close()
}

// Subscribe subscribes every source address with the source's QoS.
func (f *Facade) Subscribe(ctx context.Context, sources []connectivity.Source) (protocol.SubscribeResult, error) {
	client := f.current()
	if client == nil {
		return protocol.SubscribeResult{}, protocol.ErrNotConnected
	}

	var res protocol.SubscribeResult
	for i, s := range sources {
		for _, addr := range s.Addresses {
			if err := client.Subscribe(ctx, addr, byte(s.QoS), f.handler(i)); err != nil {
				if res.Failed == nil {
					res.Failed = make(map[string]error)
				}
				res.Failed[addr] = err
				continue
			}
			res.Subscribed = append(res.Subscribed, addr)
		}
	}
	return res, nil
}

func (f *Facade) handler(source int) mqttclient.MessageHandler {
	return func(m mqttclient.Message) error {
		ext := connectivity.ExternalMessage{
			Address: m.Topic,
			Headers: map[string]string{
				HeaderTopic:  m.Topic,
				HeaderQoS:    strconv.Itoa(int(m.QoS)),
				HeaderRetain: strconv.FormatBool(m.Retained),
			},
			Payload:   m.Payload,
			QoS:       int(m.QoS),
			Timestamp: time.Now().UTC(),
		}
		f.messages <- connectivity.NewInboundMessage(ext, source, connectivity.SettlerFuncs{
			AckFunc: func() error {
				m.Ack()
				return nil
			},
		})
		return nil
	}
}

// Publish sends msg with its QoS. The retain flag is read from the
// mqtt.retain header.
func (f *Facade) Publish(ctx context.Context, msg connectivity.ExternalMessage) (protocol.PublishResult, error) {
	client := f.current()
	if client == nil {
		return protocol.PublishResult{}, protocol.ErrNotConnected
	}

	retain, _ := strconv.ParseBool(msg.Headers[HeaderRetain])
	if err := client.Publish(ctx, msg.Address, msg.Payload, byte(msg.QoS), retain); err != nil {
		return protocol.PublishResult{}, fmt.Errorf("%w: %w", protocol.ErrPublishFailed, err)
	}
	return protocol.PublishResult{Address: msg.Address, Acknowledged: msg.QoS > 0}, nil
}

// Messages returns the inbound stream.
func (f *Facade) Messages() <-chan *connectivity.InboundMessage {
	return f.messages
}

// OnConnectionLost registers fn for lost connections.
func (f *Facade) OnConnectionLost(fn func(error)) {
	f.mu.Lock()
	f.onLost = fn
	f.mu.Unlock()
}

// OnReconnected registers fn for connections paho restored on its own.
func (f *Facade) OnReconnected(fn func()) {
	f.mu.Lock()
	f.onReconnect = fn
	f.mu.Unlock()
}

func (f *Facade) current() *mqttclient.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client
}
