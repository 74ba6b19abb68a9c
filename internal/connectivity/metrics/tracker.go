package metrics

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UnimibEsami/ditto/internal/connectivity"
)

// Direction separates inbound from outbound bookkeeping.
type Direction string

// Directions.
const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type addressState struct {
	status  connectivity.ConnectivityStatus
	details string
	count   atomic.Int64
	last    atomic.Int64
}

func (a *addressState) snapshot() connectivity.AddressMetric {
	m := connectivity.AddressMetric{
		Status:        a.status,
		StatusDetails: a.details,
		MessageCount:  a.count.Load(),
	}
	if ns := a.last.Load(); ns != 0 {
		ts := time.Unix(0, ns).UTC()
		m.LastMessageAt = &ts
	}
	return m
}

// Tracker counts consumed and published messages of one connection and
// keeps the status of each of its addresses.
type Tracker struct {
	connectionID string
	collectors   *Collectors

	consumed  atomic.Int64
	published atomic.Int64

	// declared holds the configured addresses of each source. They label
	// the exported counters; concrete addresses, which wildcards make
	// unbounded, are only kept in the snapshots.
	declared [][]string

	mu      sync.RWMutex
	sources map[string]*addressState
	targets map[string]*addressState
}

// NewTracker creates a tracker with the declared addresses registered in
// status unknown.
func NewTracker(conn *connectivity.Connection, collectors *Collectors) *Tracker {
	t := &Tracker{
		connectionID: conn.ID,
		collectors:   collectors,
		sources:      make(map[string]*addressState),
		targets:      make(map[string]*addressState),
	}
	for _, a := range conn.SourceAddresses() {
		t.sources[a] = &addressState{status: connectivity.StatusUnknown}
	}
	for _, src := range conn.Sources {
		t.declared = append(t.declared, append([]string(nil), src.Addresses...))
	}
	for _, a := range conn.TargetAddresses() {
		t.targets[a] = &addressState{status: connectivity.StatusUnknown}
	}
	return t
}

// ConnectionID returns the tracked connection id.
func (t *Tracker) ConnectionID() string { return t.connectionID }

func (t *Tracker) address(d Direction, address string) *addressState {
	m := t.sources
	if d == Outbound {
		m = t.targets
	}

	t.mu.RLock()
	a, ok := m[address]
	t.mu.RUnlock()
	if ok {
		return a
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok = m[address]; !ok {
		a = &addressState{status: connectivity.StatusOpen}
		m[address] = a
	}
	return a
}

// Consumed records one message consumed by the source with index
// source from the concrete address.
func (t *Tracker) Consumed(source int, address string) {
	a := t.address(Inbound, address)
	a.count.Add(1)
	a.last.Store(time.Now().UnixNano())
	t.consumed.Add(1)
	t.collectors.recordConsumed(t.connectionID, t.sourceLabel(source, address))
}

// sourceLabel maps address to the declared address of its source. A
// message that arrived through a wildcard is labelled with all of the
// source's declared addresses.
func (t *Tracker) sourceLabel(source int, address string) string {
	if source < 0 || source >= len(t.declared) {
		return "unknown"
	}
	declared := t.declared[source]
	for _, a := range declared {
		if a == address {
			return a
		}
	}
	return strings.Join(declared, ",")
}

// Published records one message published to address.
func (t *Tracker) Published(address string) {
	a := t.address(Outbound, address)
	a.count.Add(1)
	a.last.Store(time.Now().UnixNano())
	t.published.Add(1)
	t.collectors.recordPublished(t.connectionID, address)
}

// Failed marks address failed with detail.
func (t *Tracker) Failed(d Direction, address, detail string) {
	t.SetAddressStatus(d, address, connectivity.StatusFailed, detail)
	t.collectors.recordFailure(t.connectionID, d)
}

// SetAddressStatus sets the status of one address.
func (t *Tracker) SetAddressStatus(d Direction, address string, status connectivity.ConnectivityStatus, detail string) {
	a := t.address(d, address)
	t.mu.Lock()
	a.status = status
	a.details = detail
	t.mu.Unlock()
}

// SetAllStatus sets the status of every known address, e.g. on connect
// or disconnect.
func (t *Tracker) SetAllStatus(status connectivity.ConnectivityStatus, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range []map[string]*addressState{t.sources, t.targets} {
		for _, a := range m {
			a.status = status
			a.details = detail
		}
	}
}

// RecordState exports the client's new state.
func (t *Tracker) RecordState(state connectivity.ClientState) {
	t.collectors.recordState(t.connectionID, state)
}

// RecordAcknowledgements exports one aggregated acknowledgement outcome.
func (t *Tracker) RecordAcknowledgements(success bool) {
	t.collectors.recordAck(t.connectionID, success)
}

// Totals returns the consumed and published counters.
func (t *Tracker) Totals() (consumed, published int64) {
	return t.consumed.Load(), t.published.Load()
}

// SourceMetrics snapshots the inbound side.
func (t *Tracker) SourceMetrics() connectivity.SourceMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := connectivity.SourceMetrics{
		Addresses: make(map[string]connectivity.AddressMetric, len(t.sources)),
		Consumed:  t.consumed.Load(),
	}
	for addr, a := range t.sources {
		out.Addresses[addr] = a.snapshot()
	}
	return out
}

// TargetMetrics snapshots the outbound side.
func (t *Tracker) TargetMetrics() connectivity.TargetMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := connectivity.TargetMetrics{
		Addresses: make(map[string]connectivity.AddressMetric, len(t.targets)),
		Published: t.published.Load(),
	}
	for addr, a := range t.targets {
		out.Addresses[addr] = a.snapshot()
	}
	return out
}
