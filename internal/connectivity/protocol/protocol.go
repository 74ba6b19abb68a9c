package protocol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/UnimibEsami/ditto/internal/connectivity"
)

// Facade errors.
var (
	// ErrUnsupportedType is returned by the registry for unknown connection types.
	ErrUnsupportedType = errors.New("protocol: unsupported connection type")

	// ErrNotConnected is returned for operations that need a connection.
	ErrNotConnected = errors.New("protocol: not connected")

	// ErrSubscribeFailed is returned when at least one source could not be subscribed.
	ErrSubscribeFailed = errors.New("protocol: subscribe failed")

	// ErrPublishFailed is returned when a publish was rejected by the transport.
	ErrPublishFailed = errors.New("protocol: publish failed")
)

// SubscribeResult summarises a Subscribe call.
type SubscribeResult struct {
	// Subscribed lists the addresses that were accepted.
	Subscribed []string
	// Failed maps rejected addresses to their errors.
	Failed map[string]error
}

// Err returns ErrSubscribeFailed wrapping the first failure, or nil.
func (r SubscribeResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	addrs := make([]string, 0, len(r.Failed))
	for a := range r.Failed {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, addrs[0], r.Failed[addrs[0]])
}

// PublishResult describes an accepted publish.
type PublishResult struct {
	Address string
	// Acknowledged is true when the transport confirmed receipt (QoS > 0,
	// Kafka sync produce, AMQP publisher confirm, HTTP 2xx).
	Acknowledged bool
	// Status is the transport's status code where it has one (HTTP).
	Status int
}

// Protocol is the transport facade of one connection.
type Protocol interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down. Disconnecting a facade that
	// is not connected succeeds.
	Disconnect(ctx context.Context) error

	// Subscribe consumes from every address of sources. Messages carry
	// the index of their source in the slice.
	Subscribe(ctx context.Context, sources []connectivity.Source) (SubscribeResult, error)

	// Publish sends msg to msg.Address.
	Publish(ctx context.Context, msg connectivity.ExternalMessage) (PublishResult, error)

	// Messages returns the inbound stream.
	Messages() <-chan *connectivity.InboundMessage
}

// ConnectionLossNotifier is implemented by facades that detect a lost
// connection after a successful Connect.
type ConnectionLossNotifier interface {
	OnConnectionLost(func(err error))
}

// ReconnectNotifier is implemented by facades whose transport
// re-establishes a lost connection by itself and restores its
// subscriptions.
type ReconnectNotifier interface {
	OnReconnected(func())
}

// Factory creates a facade for conn.
type Factory func(conn *connectivity.Connection, logger connectivity.Logger) (Protocol, error)

// Registry maps connection types to facade factories.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[connectivity.ConnectionType]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[connectivity.ConnectionType]Factory)}
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ connectivity.ConnectionType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// New creates a facade for conn.
func (r *Registry) New(conn *connectivity.Connection, logger connectivity.Logger) (Protocol, error) {
	r.mu.RLock()
	f, ok := r.factories[conn.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, conn.Type)
	}
	return f(conn, connectivity.LoggerOrNop(logger))
}

// Supports reports whether a factory is registered for typ.
func (r *Registry) Supports(typ connectivity.ConnectionType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Types lists the registered connection types, sorted.
func (r *Registry) Types() []connectivity.ConnectionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]connectivity.ConnectionType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
