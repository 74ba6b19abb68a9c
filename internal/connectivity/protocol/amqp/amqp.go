// Package amqp is the AMQP 0.9.1 protocol facade.
//
// Source addresses are queue names consumed with manual acknowledgement;
// the source's consumer count bounds the channel prefetch. Target
// addresses are "exchange/routing-key" pairs, or a bare queue name for
// the default exchange. Publishing uses publisher confirms so a
// successful Publish means the broker took ownership of the message.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
)

// Transport headers set on consumed messages.
const (
	HeaderExchange    = "amqp.exchange"
	HeaderRoutingKey  = "amqp.routing_key"
	HeaderRedelivered = "amqp.redelivered"
)

const (
	inboundBuffer    = 1024
	defaultHeartbeat = 10 * time.Second
	defaultPrefetch  = 10
)

// Settings are the service-wide AMQP defaults.
type Settings struct {
	Heartbeat time.Duration
	// Prefetch is the per-consumer prefetch count.
	Prefetch int
}

// Facade implements protocol.Protocol over AMQP 0.9.1.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Facade struct {
	uri      string
	settings Settings
	logger   connectivity.Logger
	messages chan *connectivity.InboundMessage

	mu        sync.Mutex
	conn      *amqp.Connection
	publisher *amqp.Channel
	consumers []*amqp.Channel
	onLost    func(error)
	wg        sync.WaitGroup

	// publishMu serialises publish+confirm on the shared channel.
	publishMu sync.Mutex
}

var (
	_ protocol.Protocol               = (*Facade)(nil)
	_ protocol.ConnectionLossNotifier = (*Facade)(nil)
)

// NewFactory returns the registry factory for amqp-091 connections.
func NewFactory(settings Settings) protocol.Factory {
	return func(conn *connectivity.Connection, logger connectivity.Logger) (protocol.Protocol, error) {
		return New(conn, settings, logger), nil
	}
}

// New creates a disconnected facade for conn.
func New(conn *connectivity.Connection, settings Settings, logger connectivity.Logger) *Facade {
	if settings.Heartbeat <= 0 {
		settings.Heartbeat = defaultHeartbeat
	}
	if settings.Prefetch <= 0 {
		settings.Prefetch = defaultPrefetch
	}
	return &Facade{
		uri:      conn.URI,
		settings: settings,
		logger:   connectivity.LoggerOrNop(logger),
		messages: make(chan *connectivity.InboundMessage, inboundBuffer),
	}
}

// Connect dials the broker and opens a confirming publisher channel.
func (f *Facade) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil && !f.conn.IsClosed() {
		return nil
	}

	cfg := amqp.Config{
		Heartbeat: f.settings.Heartbeat,
		Locale:    "en_US",
		Dial:      dialer(ctx),
	}
	conn, err := amqp.DialConfig(f.uri, cfg)
	if err != nil {
		return fmt.Errorf("amqp: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("amqp: enable confirms: %w", err)
	}

	f.conn = conn
	f.publisher = ch
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go f.watch(conn, closed)
	return nil
}

func (f *Facade) watch(conn *amqp.Connection, closed <-chan *amqp.Error) {
	amqpErr, ok := <-closed
	if !ok || amqpErr == nil {
		// Graceful close.
		return
	}
	f.mu.Lock()
	current := f.conn == conn
	fn := f.onLost
	f.mu.Unlock()
	if !current {
		return
	}
	f.logger.Warn("amqp connection lost", "code", amqpErr.Code, "reason", amqpErr.Reason)
	if fn != nil {
		fn(amqpErr)
	}
}

// Disconnect closes every channel and the connection.
func (f *Facade) Disconnect(context.Context) error {
	f.mu.Lock()
	conn, consumers := f.conn, f.consumers
	f.conn, f.publisher, f.consumers = nil, nil, nil
	f.mu.Unlock()

	if conn == nil {
		return nil
	}
	var errs []error
	for _, ch := range consumers {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	f.wg.Wait()
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Subscribe opens one channel per source with prefetch set to
// Prefetch x ConsumerCount and consumes every queue of the source on it.
// Missing queues are reported as failed; the broker closes a channel on
// such errors so each queue is checked passively on its own channel
// first.
func (f *Facade) Subscribe(_ context.Context, sources []connectivity.Source) (protocol.SubscribeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return protocol.SubscribeResult{}, protocol.ErrNotConnected
	}

	var res protocol.SubscribeResult
	fail := func(addr string, err error) {
		if res.Failed == nil {
			res.Failed = make(map[string]error)
		}
		res.Failed[addr] = err
	}

	for i, s := range sources {
		ch, err := f.conn.Channel()
		if err != nil {
			return res, fmt.Errorf("amqp: open channel: %w", err)
		}
		count := max(s.ConsumerCount, 1)
		if err := ch.Qos(f.settings.Prefetch*count, 0, false); err != nil {
			ch.Close()
			return res, fmt.Errorf("amqp: set qos: %w", err)
		}
		f.consumers = append(f.consumers, ch)

		for _, queue := range s.Addresses {
			if err := f.checkQueue(queue); err != nil {
				fail(queue, err)
				continue
			}
			deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
			if err != nil {
				fail(queue, err)
				continue
			}
			res.Subscribed = append(res.Subscribed, queue)
			f.wg.Add(1)
			go f.forward(i, queue, deliveries)
		}
	}
	return res, nil
}

func (f *Facade) checkQueue(queue string) error {
	ch, err := f.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	_, err = ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	return err
}

func (f *Facade) forward(source int, queue string, deliveries <-chan amqp.Delivery) {
	defer f.wg.Done()
	for d := range deliveries {
		f.messages <- inbound(source, queue, d)
	}
}

func inbound(source int, queue string, d amqp.Delivery) *connectivity.InboundMessage {
	headers := make(map[string]string, len(d.Headers)+5)
	for k, v := range d.Headers {
		headers[k] = fmt.Sprint(v)
	}
	headers[HeaderExchange] = d.Exchange
	headers[HeaderRoutingKey] = d.RoutingKey
	headers[HeaderRedelivered] = fmt.Sprint(d.Redelivered)
	if d.CorrelationId != "" {
		headers["correlation-id"] = d.CorrelationId
	}
	if d.ReplyTo != "" {
		headers["reply-to"] = d.ReplyTo
	}

	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ext := connectivity.ExternalMessage{
		Address:     queue,
		Headers:     headers,
		Payload:     d.Body,
		ContentType: d.ContentType,
		QoS:         1,
		Timestamp:   ts.UTC(),
	}
	return connectivity.NewInboundMessage(ext, source, connectivity.SettlerFuncs{
		AckFunc:  func() error { return d.Ack(false) },
		NackFunc: func(requeue bool) error { return d.Nack(false, requeue) },
	})
}

// Publish sends msg and waits for the broker confirm.
func (f *Facade) Publish(ctx context.Context, msg connectivity.ExternalMessage) (protocol.PublishResult, error) {
	f.mu.Lock()
	ch := f.publisher
	f.mu.Unlock()
	if ch == nil {
		return protocol.PublishResult{}, protocol.ErrNotConnected
	}

	exchange, key := SplitAddress(msg.Address)
	pub := publishing(msg)

	f.publishMu.Lock()
	defer f.publishMu.Unlock()
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, pub)
	if err != nil {
		return protocol.PublishResult{}, fmt.Errorf("%w: %w", protocol.ErrPublishFailed, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return protocol.PublishResult{}, fmt.Errorf("%w: %w", protocol.ErrPublishFailed, err)
	}
	if !acked {
		return protocol.PublishResult{}, fmt.Errorf("%w: broker nacked message", protocol.ErrPublishFailed)
	}
	return protocol.PublishResult{Address: msg.Address, Acknowledged: true}, nil
}

// SplitAddress splits a target address into exchange and routing key.
// An address without a slash routes through the default exchange.
func SplitAddress(address string) (exchange, key string) {
	if i := strings.IndexByte(address, '/'); i >= 0 {
		return address[:i], address[i+1:]
	}
	return "", address
}

func publishing(msg connectivity.ExternalMessage) amqp.Publishing {
	pub := amqp.Publishing{
		Body:         msg.Payload,
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
	}
	if msg.QoS == 0 {
		pub.DeliveryMode = amqp.Transient
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := msg.Headers[k]
		switch {
		case k == "correlation-id":
			pub.CorrelationId = v
		case k == "reply-to":
			pub.ReplyTo = v
		case k == "content-type" && pub.ContentType == "":
			pub.ContentType = v
		case strings.HasPrefix(k, "amqp."):
		default:
			if pub.Headers == nil {
				pub.Headers = amqp.Table{}
			}
			pub.Headers[k] = v
		}
	}
	return pub
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
