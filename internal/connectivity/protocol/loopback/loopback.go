// Package loopback provides an in-process protocol facade.
//
// Published messages are recorded and, when Echo is enabled, delivered
// back to any source subscribed to a matching address (MQTT filter
// semantics). Messages can also be injected directly. The facade backs
// the "loopback" connection type and the state machine and pipeline
// tests.
package loopback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
	"github.com/UnimibEsami/ditto/internal/infrastructure/mqtt"
)

// ErrNoSubscriber is returned by Inject when no source matches.
var ErrNoSubscriber = errors.New("loopback: no subscribed source matches address")

const inboundBuffer = 1024

// Hooks override individual operations. A nil hook uses the default
// in-memory behaviour.
type Hooks struct {
	Connect    func(ctx context.Context) error
	Disconnect func(ctx context.Context) error
	Subscribe  func(ctx context.Context, sources []connectivity.Source) (protocol.SubscribeResult, error)
	Publish    func(ctx context.Context, msg connectivity.ExternalMessage) (protocol.PublishResult, error)
}

// Options configure a Facade.
type Options struct {
	Echo  bool
	Hooks Hooks
}

type subscription struct {
	filter string
	source int
}

// Facade is an in-memory Protocol.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Facade struct {
	opts     Options
	messages chan *connectivity.InboundMessage

	mu            sync.Mutex
	connected     bool
	subscriptions []subscription
	published     []connectivity.ExternalMessage
	onLost        func(error)
	onReconnect   func()

	connects    atomic.Int32
	disconnects atomic.Int32
	acked       atomic.Int64
	nacked      atomic.Int64
}

var _ protocol.Protocol = (*Facade)(nil)

// New creates a facade.
func New(opts Options) *Facade {
	return &Facade{
		opts:     opts,
		messages: make(chan *connectivity.InboundMessage, inboundBuffer),
	}
}

// NewFactory returns a registry factory for the loopback connection type.
// Facades created by it echo published messages.
func NewFactory() protocol.Factory {
	return func(*connectivity.Connection, connectivity.Logger) (protocol.Protocol, error) {
		return New(Options{Echo: true}), nil
	}
}

// Connect marks the facade connected.
func (f *Facade) Connect(ctx context.Context) error {
	f.connects.Add(1)
	if h := f.opts.Hooks.Connect; h != nil {
		if err := h(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

// Disconnect marks the facade disconnected and drops subscriptions.
func (f *Facade) Disconnect(ctx context.Context) error {
	f.disconnects.Add(1)
	if h := f.opts.Hooks.Disconnect; h != nil {
		if err := h(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.connected = false
	f.subscriptions = nil
	f.mu.Unlock()
	return nil
}

// Subscribe registers every source address as a filter.
func (f *Facade) Subscribe(ctx context.Context, sources []connectivity.Source) (protocol.SubscribeResult, error) {
	if h := f.opts.Hooks.Subscribe; h != nil {
		res, err := h(ctx, sources)
		if err != nil || res.Err() != nil {
			return res, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return protocol.SubscribeResult{}, protocol.ErrNotConnected
	}

	res := protocol.SubscribeResult{}
	for i, s := range sources {
		for _, a := range s.Addresses {
			if err := mqtt.ValidateFilter(a); err != nil {
				if res.Failed == nil {
					res.Failed = make(map[string]error)
				}
				res.Failed[a] = err
				continue
			}
			f.subscriptions = append(f.subscriptions, subscription{filter: a, source: i})
			res.Subscribed = append(res.Subscribed, a)
		}
	}
	return res, nil
}

// Publish records msg and echoes it when enabled.
func (f *Facade) Publish(ctx context.Context, msg connectivity.ExternalMessage) (protocol.PublishResult, error) {
	if h := f.opts.Hooks.Publish; h != nil {
		res, err := h(ctx, msg)
		if err != nil {
			return res, err
		}
	}

	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return protocol.PublishResult{}, protocol.ErrNotConnected
	}
	f.published = append(f.published, msg)
	f.mu.Unlock()

	if f.opts.Echo {
		if _, err := f.Inject(msg); err != nil && !errors.Is(err, ErrNoSubscriber) {
			return protocol.PublishResult{}, err
		}
	}
	return protocol.PublishResult{Address: msg.Address, Acknowledged: true}, nil
}

// Messages returns the inbound stream.
func (f *Facade) Messages() <-chan *connectivity.InboundMessage {
	return f.messages
}

// OnConnectionLost registers the loss callback used by SimulateConnectionLoss.
func (f *Facade) OnConnectionLost(fn func(error)) {
	f.mu.Lock()
	f.onLost = fn
	f.mu.Unlock()
}

// Inject delivers msg to the first source whose filter matches its
// address. The returned message lets callers observe settlement.
func (f *Facade) Inject(msg connectivity.ExternalMessage) (*connectivity.InboundMessage, error) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil, protocol.ErrNotConnected
	}
	source := -1
	for _, s := range f.subscriptions {
		if mqtt.MatchTopic(s.filter, msg.Address) {
			source = s.source
			break
		}
	}
	f.mu.Unlock()

	if source < 0 {
		return nil, ErrNoSubscriber
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	in := connectivity.NewInboundMessage(msg, source, connectivity.SettlerFuncs{
		AckFunc:  func() error { f.acked.Add(1); return nil },
		NackFunc: func(bool) error { f.nacked.Add(1); return nil },
	})
	f.messages <- in
	return in, nil
}

// SimulateConnectionLoss marks the facade disconnected and notifies the
// registered callback.
func (f *Facade) SimulateConnectionLoss(err error) {
	f.mu.Lock()
	f.connected = false
	fn := f.onLost
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// OnReconnected registers the callback used by SimulateReconnect.
func (f *Facade) OnReconnected(fn func()) {
	f.mu.Lock()
	f.onReconnect = fn
	f.mu.Unlock()
}

// SimulateReconnect marks the facade connected again, keeping its
// subscriptions, and notifies the registered callback.
func (f *Facade) SimulateReconnect() {
	f.mu.Lock()
	f.connected = true
	fn := f.onReconnect
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Published returns a copy of every published message.
func (f *Facade) Published() []connectivity.ExternalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connectivity.ExternalMessage(nil), f.published...)
}

// IsConnected reports the connection flag.
func (f *Facade) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// ConnectCalls counts Connect invocations.
func (f *Facade) ConnectCalls() int { return int(f.connects.Load()) }

// DisconnectCalls counts Disconnect invocations.
func (f *Facade) DisconnectCalls() int { return int(f.disconnects.Load()) }

// Settled returns how many injected messages were acked and nacked.
func (f *Facade) Settled() (acked, nacked int64) {
	return f.acked.Load(), f.nacked.Load()
}
