// Package nats is the NATS protocol facade.
//
// Sources subscribe to subjects; with a queue group set, each source
// opens ConsumerCount queue subscriptions sharing the group. Core NATS
// has no acknowledgements, so Ack and Nack are no-ops unless the
// connection enables JetStream, in which case subscriptions are durable
// and messages are acked, nak'ed (requeue) or terminated explicitly.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
)

// Transport headers set on consumed messages.
const (
	HeaderSubject = "nats.subject"
	HeaderReply   = "nats.reply"
)

const inboundBuffer = 1024

// Settings are the service-wide NATS defaults.
type Settings struct {
	ClientName     string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

// Facade implements protocol.Protocol over NATS.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Facade struct {
	url       string
	settings  Settings
	failover  bool
	queue     string
	jetStream bool
	username  string
	password  string
	token     string
	logger    connectivity.Logger
	messages  chan *connectivity.InboundMessage

	mu      sync.Mutex
	nc      *nats.Conn
	js      nats.JetStreamContext
	subs    []*nats.Subscription
	onLost      func(error)
	onReconnect func()
	closing     bool
}

var (
	_ protocol.Protocol               = (*Facade)(nil)
	_ protocol.ConnectionLossNotifier = (*Facade)(nil)
	_ protocol.ReconnectNotifier      = (*Facade)(nil)
)

// NewFactory returns the registry factory for nats connections.
func NewFactory(settings Settings) protocol.Factory {
	return func(conn *connectivity.Connection, logger connectivity.Logger) (protocol.Protocol, error) {
		return New(conn, settings, logger)
	}
}

// New creates a disconnected facade for conn.
//
// Specific config keys: queue_group, jetstream (bool), username,
// password, token.
func New(conn *connectivity.Connection, settings Settings, logger connectivity.Logger) (*Facade, error) {
	js := false
	if v := conn.Specific("jetstream", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: jetstream: %w", connectivity.ErrInvalidConnection, err)
		}
		js = b
	}
	queue := conn.Specific("queue_group", "")
	if js && queue == "" {
		// Durable JetStream consumers need a name.
		queue = conn.ID
	}
	return &Facade{
		url:       conn.URI,
		settings:  settings,
		failover:  conn.FailoverEnabled,
		queue:     queue,
		jetStream: js,
		username:  conn.Specific("username", ""),
		password:  conn.Specific("password", ""),
		token:     conn.Specific("token", ""),
		logger:    connectivity.LoggerOrNop(logger),
		messages:  make(chan *connectivity.InboundMessage, inboundBuffer),
	}, nil
}

func (f *Facade) options() []nats.Option {
	opts := []nats.Option{
		nats.DisconnectErrHandler(f.handleDisconnect),
		nats.ReconnectHandler(f.handleReconnect),
		nats.ClosedHandler(f.handleClosed),
		nats.ErrorHandler(f.handleError),
	}
	if f.failover {
		opts = append(opts, nats.MaxReconnects(f.settings.MaxReconnects))
		if f.settings.ReconnectWait > 0 {
			opts = append(opts, nats.ReconnectWait(f.settings.ReconnectWait))
		}
	} else {
		opts = append(opts, nats.NoReconnect())
	}
	if f.settings.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(f.settings.ConnectTimeout))
	}
	if f.settings.ClientName != "" {
		opts = append(opts, nats.Name(f.settings.ClientName))
	}
	if f.username != "" {
		opts = append(opts, nats.UserInfo(f.username, f.password))
	}
	if f.token != "" {
		opts = append(opts, nats.Token(f.token))
	}
	return opts
}

// Connect dials the server. nats.Connect has no context parameter, so
// ctx only short-circuits an already expired attempt; the dial itself is
// bounded by Settings.ConnectTimeout.
func (f *Facade) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nc != nil && f.nc.IsConnected() {
		return nil
	}

	nc, err := nats.Connect(f.url, f.options()...)
	if err != nil {
		return fmt.Errorf("nats: connect: %w", err)
	}
	if f.jetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return fmt.Errorf("nats: jetstream: %w", err)
		}
		f.js = js
	}
	f.nc = nc
	f.closing = false
	return nil
}

// handleDisconnect reports a dropped connection. With failover the
// library keeps reconnecting and handleReconnect clears the failure.
func (f *Facade) handleDisconnect(nc *nats.Conn, err error) {
	if err == nil {
		// Orderly close.
		return
	}
	f.lost(nc, err)
}

func (f *Facade) handleReconnect(nc *nats.Conn) {
	f.mu.Lock()
	report := f.nc == nc && !f.closing
	fn := f.onReconnect
	f.mu.Unlock()
	if !report {
		return
	}
	f.logger.Info("nats connection re-established", "url", nc.ConnectedUrl())
	if fn != nil {
		fn()
	}
}

func (f *Facade) handleClosed(nc *nats.Conn) {
	if !f.failover {
		return
	}
	err := nc.LastError()
	if err == nil {
		err = nats.ErrConnectionClosed
	}
	f.lost(nc, err)
}

func (f *Facade) lost(nc *nats.Conn, err error) {
	f.mu.Lock()
	report := f.nc == nc && !f.closing
	fn := f.onLost
	f.mu.Unlock()
	if !report {
		return
	}
	f.logger.Warn("nats connection lost", "url", f.url, "error", err)
	if fn != nil {
		fn(err)
	}
}

func (f *Facade) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	f.logger.Warn("nats async error", "subject", subject, "error", err)
}

// Disconnect drains the subscriptions and closes the connection.
func (f *Facade) Disconnect(context.Context) error {
	f.mu.Lock()
	nc, subs := f.nc, f.subs
	f.closing = true
	f.nc, f.js, f.subs = nil, nil, nil
	f.mu.Unlock()
	if nc == nil {
		return nil
	}

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	nc.Close()
	return errors.Join(errs...)
}

// Subscribe subscribes every source subject.
func (f *Facade) Subscribe(_ context.Context, sources []connectivity.Source) (protocol.SubscribeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nc == nil {
		return protocol.SubscribeResult{}, protocol.ErrNotConnected
	}

	var res protocol.SubscribeResult
	for i, s := range sources {
		n := 1
		if f.queue != "" {
			n = max(s.ConsumerCount, 1)
		}
		for _, subject := range s.Addresses {
			var err error
			for k := 0; k < n; k++ {
				var sub *nats.Subscription
				sub, err = f.subscribe(subject, f.handler(i))
				if err != nil {
					break
				}
				f.subs = append(f.subs, sub)
			}
			if err != nil {
				if res.Failed == nil {
					res.Failed = make(map[string]error)
				}
				res.Failed[subject] = err
				continue
			}
			res.Subscribed = append(res.Subscribed, subject)
		}
	}
	if err := f.nc.Flush(); err != nil {
		return res, fmt.Errorf("nats: flush subscriptions: %w", err)
	}
	return res, nil
}

func (f *Facade) subscribe(subject string, h nats.MsgHandler) (*nats.Subscription, error) {
	switch {
	case f.js != nil:
		return f.js.QueueSubscribe(subject, f.queue, h, nats.ManualAck(), nats.AckExplicit())
	case f.queue != "":
		return f.nc.QueueSubscribe(subject, f.queue, h)
	default:
		return f.nc.Subscribe(subject, h)
	}
}

func (f *Facade) handler(source int) nats.MsgHandler {
	jetStream := f.js != nil
	return func(m *nats.Msg) {
		f.messages <- inbound(source, m, jetStream)
	}
}

func inbound(source int, m *nats.Msg, jetStream bool) *connectivity.InboundMessage {
	headers := make(map[string]string, len(m.Header)+2)
	for k := range m.Header {
		headers[k] = m.Header.Get(k)
	}
	headers[HeaderSubject] = m.Subject
	if m.Reply != "" && !jetStream {
		headers[HeaderReply] = m.Reply
	}

	qos := 0
	var settler connectivity.Settler
	if jetStream {
		qos = 1
		settler = connectivity.SettlerFuncs{
			AckFunc: func() error { return m.Ack() },
			NackFunc: func(requeue bool) error {
				if requeue {
					return m.Nak()
				}
				return m.Term()
			},
		}
	}
	ext := connectivity.ExternalMessage{
		Address:   m.Subject,
		Headers:   headers,
		Payload:   m.Data,
		QoS:       qos,
		Timestamp: time.Now().UTC(),
	}
	return connectivity.NewInboundMessage(ext, source, settler)
}

// Publish sends msg to the subject msg.Address. With JetStream the
// stream's PubAck confirms the write; on core NATS a QoS above zero
// flushes the connection so the server has seen the message.
func (f *Facade) Publish(ctx context.Context, msg connectivity.ExternalMessage) (protocol.PublishResult, error) {
	f.mu.Lock()
	nc, js := f.nc, f.js
	f.mu.Unlock()
	if nc == nil {
		return protocol.PublishResult{}, protocol.ErrNotConnected
	}

	out := nats.NewMsg(msg.Address)
	out.Data = msg.Payload
	for k, v := range msg.Headers {
		if k == HeaderSubject || k == HeaderReply {
			continue
		}
		out.Header.Set(k, v)
	}
	if js != nil {
		if _, err := js.PublishMsg(out, nats.Context(ctx)); err != nil {
			return protocol.PublishResult{}, fmt.Errorf("%w: %w", protocol.ErrPublishFailed, err)
		}
		return protocol.PublishResult{Address: msg.Address, Acknowledged: true}, nil
	}

	out.Reply = msg.Headers[HeaderReply]
	if err := nc.PublishMsg(out); err != nil {
		return protocol.PublishResult{}, fmt.Errorf("%w: %w", protocol.ErrPublishFailed, err)
	}
	if msg.QoS == 0 {
		return protocol.PublishResult{Address: msg.Address}, nil
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return protocol.PublishResult{}, fmt.Errorf("%w: %w", protocol.ErrPublishFailed, err)
	}
	return protocol.PublishResult{Address: msg.Address, Acknowledged: true}, nil
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

// OnReconnected registers fn for connections the library restored.
func (f *Facade) OnReconnected(fn func()) {
	f.mu.Lock()
	f.onReconnect = fn
	f.mu.Unlock()
}
