package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/client"
	"github.com/UnimibEsami/ditto/internal/connectivity/metrics"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
	"github.com/UnimibEsami/ditto/internal/connectivity/store"
	"github.com/UnimibEsami/ditto/internal/signal"
)

const (
	defaultEventBuffer = 1024
	eventWriteTimeout  = 5 * time.Second
)

// Status stream channels.
const (
	ChannelTransitions = "connection.transition"
	ChannelSignals     = "connection.signal"
)

// Broadcaster fans status events out to subscribers, e.g. the WebSocket
// hub of the API.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// MetricsWriter exports connection metrics, e.g. to InfluxDB.
type MetricsWriter interface {
	WriteConnectionMetrics(m connectivity.ConnectionMetrics, at time.Time)
	WriteTransition(connectionID string, from, to connectivity.ClientState, at time.Time)
	Flush()
}

// Config tunes a Manager.
type Config struct {
	// Client is the template for every connection client. Logger and
	// OnTransition are set by the manager.
	Client client.Config

	// MetricsInterval is how often metrics are written to the
	// MetricsWriter. Zero disables the periodic export.
	MetricsInterval time.Duration

	// DefinitionsDir is imported by Start when set.
	DefinitionsDir string

	// EventBuffer bounds transitions waiting to be recorded.
	EventBuffer int
}

// Deps holds the collaborators of a Manager. Repository and Registry
// are required.
type Deps struct {
	Repository  store.Repository
	Registry    *protocol.Registry
	Collectors  *metrics.Collectors
	Metrics     MetricsWriter
	Broadcaster Broadcaster
	Logger      connectivity.Logger
}

// ConnectionStatus combines a stored connection with its live state.
type ConnectionStatus struct {
	ID        string                          `json:"id"`
	Name      string                          `json:"name,omitempty"`
	Type      connectivity.ConnectionType     `json:"connection_type"`
	Desired   connectivity.ConnectivityStatus `json:"desired_status"`
	State     connectivity.ClientState        `json:"client_state"`
	Status    connectivity.ConnectivityStatus `json:"connection_status"`
	Detail    string                          `json:"status_details,omitempty"`
	Since     time.Time                       `json:"in_state_since"`
	Consumed  int64                           `json:"consumed_messages"`
	Published int64                           `json:"published_messages"`
	Revision  int64                           `json:"revision"`
}

// SignalEvent is broadcast for every consumed signal.
type SignalEvent struct {
	ConnectionID string        `json:"connection_id"`
	Signal       signal.Signal `json:"signal"`
}

// Manager owns the connection clients of the service.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Manager struct {
	cfg         Config
	repo        store.Repository
	registry    *protocol.Registry
	collectors  *metrics.Collectors
	points      MetricsWriter
	broadcaster Broadcaster
	logger      connectivity.Logger

	mu      sync.RWMutex
	clients map[string]*client.Client
	started bool

	transitions chan connectivity.Transition
	cancel      context.CancelFunc
	group       *errgroup.Group
}

// New creates a stopped manager.
//
// Parameters:
//   - cfg: Client template and export settings
//   - deps: Collaborators; Repository and Registry are required
//
// Returns:
//   - *Manager: Manager ready to Start
//   - error: ErrMissingDependency when a required dependency is nil
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("%w: repository", ErrMissingDependency)
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("%w: protocol registry", ErrMissingDependency)
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	return &Manager{
		cfg:         cfg,
		repo:        deps.Repository,
		registry:    deps.Registry,
		collectors:  deps.Collectors,
		points:      deps.Metrics,
		broadcaster: deps.Broadcaster,
		logger:      connectivity.LoggerOrNop(deps.Logger),
		clients:     make(map[string]*client.Client),
		transitions: make(chan connectivity.Transition, cfg.EventBuffer),
	}, nil
}

// Start imports the definitions directory, restores every stored
// connection and starts the background recorders. Connections whose
// desired status is open connect once their init timeout expires.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	m.cancel = cancel
	m.group = g
	m.mu.Unlock()

	g.Go(func() error {
		m.recordTransitions(gctx)
		return nil
	})
	if m.points != nil && m.cfg.MetricsInterval > 0 {
		g.Go(func() error {
			m.exportMetrics(gctx)
			return nil
		})
	}

	if m.cfg.DefinitionsDir != "" {
		if err := m.ImportDefinitions(ctx, m.cfg.DefinitionsDir); err != nil {
			return err
		}
	}

	records, err := m.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("restoring connections: %w", err)
	}
	restored := 0
	for _, rec := range records {
		if m.lookup(rec.Connection.ID) != nil {
			continue
		}
		if _, err := m.spawn(rec.Connection); err != nil {
			m.logger.Error("restoring connection failed",
				"connection_id", rec.Connection.ID,
				"connection_type", string(rec.Connection.Type),
				"error", err,
			)
			continue
		}
		restored++
	}

	m.logger.Info("connection manager started",
		"connections", restored,
		"connection_types", m.registry.Types(),
	)
	return nil
}

// Stop stops every client, then the recorders, and flushes the metrics
// writer. It returns ctx.Err() when the clients do not stop in time.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	clients := make([]*client.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*client.Client)
	cancel, group := m.cancel, m.group
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg errgroup.Group
		for _, c := range clients {
			c := c
			wg.Go(func() error {
				c.Stop()
				return nil
			})
		}
		_ = wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("stopping connection clients: %w", ctx.Err())
	}

	cancel()
	_ = group.Wait()
	if m.points != nil {
		m.points.Flush()
	}
	m.logger.Info("connection manager stopped", "connections", len(clients))
	return err
}

// spawn creates, registers and starts the client of conn.
func (m *Manager) spawn(conn *connectivity.Connection) (*client.Client, error) {
	facade, err := m.registry.New(conn, m.logger)
	if err != nil {
		return nil, err
	}

	cfg := m.cfg.Client
	cfg.Logger = m.logger
	cfg.OnTransition = m.onTransition

	c := client.New(conn, facade, routingSink{m: m}, metrics.NewTracker(conn, m.collectors), cfg)

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil, ErrNotStarted
	}
	m.clients[conn.ID] = c
	m.mu.Unlock()

	c.Start()
	return c, nil
}

// retire removes and stops the client of id, if any.
func (m *Manager) retire(id string) {
	m.mu.Lock()
	c := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()

	if c != nil {
		c.Stop()
	}
}

func (m *Manager) lookup(id string) *client.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[id]
}

func (m *Manager) mustLookup(id string) (*client.Client, error) {
	m.mu.RLock()
	started := m.started
	c := m.clients[id]
	m.mu.RUnlock()

	if !started {
		return nil, ErrNotStarted
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrConnectionNotFound, id)
	}
	return c, nil
}

// snapshotClients returns the running clients except skip.
func (m *Manager) snapshotClients(skip string) []*client.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*client.Client, 0, len(m.clients))
	for id, c := range m.clients {
		if id != skip {
			out = append(out, c)
		}
	}
	return out
}

// Create stores conn, starts its client and, unless its desired status
// is closed, opens it.
//
// Returns:
//   - connectivity.Reply: The client's answer to the create command
//   - error: Validation, persistence or context errors
func (m *Manager) Create(ctx context.Context, conn *connectivity.Connection) (connectivity.Reply, error) {
	c, conn, err := m.create(ctx, conn)
	if err != nil {
		return connectivity.Reply{}, err
	}
	if conn.DesiredStatus != connectivity.StatusOpen {
		return connectivity.Success(conn.ID, connectivity.StateDisconnected), nil
	}
	return c.Execute(ctx, connectivity.Command{
		Type:         connectivity.CommandCreate,
		ConnectionID: conn.ID,
		Connection:   conn,
	})
}

// create stores conn and starts its client without opening it.
func (m *Manager) create(ctx context.Context, conn *connectivity.Connection) (*client.Client, *connectivity.Connection, error) {
	if err := conn.Validate(); err != nil {
		return nil, nil, err
	}
	conn = conn.Clone()
	if conn.DesiredStatus == "" {
		conn.DesiredStatus = connectivity.StatusOpen
	}
	if err := m.checkStarted(); err != nil {
		return nil, nil, err
	}

	if _, err := m.repo.Create(ctx, conn); err != nil {
		return nil, nil, err
	}
	c, err := m.spawn(conn)
	if err != nil {
		if derr := m.repo.Delete(ctx, conn.ID); derr != nil {
			m.logger.Warn("rolling back stored connection failed", "connection_id", conn.ID, "error", derr)
		}
		return nil, nil, err
	}

	m.logger.Info("connection created",
		"connection_id", conn.ID,
		"connection_type", string(conn.Type),
		"desired_status", string(conn.DesiredStatus),
	)
	return c, conn, nil
}

// Modify replaces a stored connection. The old client is stopped, which
// disconnects it, and a new one is started from the new descriptor.
func (m *Manager) Modify(ctx context.Context, conn *connectivity.Connection) (connectivity.Reply, error) {
	if err := conn.Validate(); err != nil {
		return connectivity.Reply{}, err
	}
	if _, err := m.mustLookup(conn.ID); err != nil {
		return connectivity.Reply{}, err
	}
	conn = conn.Clone()
	if conn.DesiredStatus == "" {
		conn.DesiredStatus = connectivity.StatusOpen
	}
	if !m.registry.Supports(conn.Type) {
		return connectivity.Reply{}, fmt.Errorf("%w: %q", protocol.ErrUnsupportedType, conn.Type)
	}

	if _, err := m.repo.Update(ctx, conn); err != nil {
		return connectivity.Reply{}, err
	}
	m.retire(conn.ID)
	c, err := m.spawn(conn)
	if err != nil {
		return connectivity.Reply{}, err
	}

	m.logger.Info("connection modified", "connection_id", conn.ID)
	if conn.DesiredStatus != connectivity.StatusOpen {
		return connectivity.Success(conn.ID, connectivity.StateDisconnected), nil
	}
	return c.Execute(ctx, connectivity.Command{Type: connectivity.CommandOpen, ConnectionID: conn.ID})
}

// Open sets the desired status to open and opens the connection.
func (m *Manager) Open(ctx context.Context, id string) (connectivity.Reply, error) {
	return m.command(ctx, id, connectivity.CommandOpen, connectivity.StatusOpen)
}

// Close sets the desired status to closed and closes the connection.
func (m *Manager) Close(ctx context.Context, id string) (connectivity.Reply, error) {
	return m.command(ctx, id, connectivity.CommandClose, connectivity.StatusClosed)
}

func (m *Manager) command(ctx context.Context, id string, typ connectivity.CommandType, desired connectivity.ConnectivityStatus) (connectivity.Reply, error) {
	c, err := m.mustLookup(id)
	if err != nil {
		return connectivity.Reply{}, err
	}
	if err := m.repo.SetDesiredStatus(ctx, id, desired); err != nil {
		return connectivity.Reply{}, err
	}
	return c.Execute(ctx, connectivity.Command{Type: typ, ConnectionID: id})
}

// Delete closes the connection, stops its client and removes it with
// its event log.
func (m *Manager) Delete(ctx context.Context, id string) (connectivity.Reply, error) {
	c, err := m.mustLookup(id)
	if err != nil {
		return connectivity.Reply{}, err
	}
	reply, err := c.Execute(ctx, connectivity.Command{Type: connectivity.CommandDelete, ConnectionID: id})
	if err != nil {
		return connectivity.Reply{}, err
	}
	if !reply.IsSuccess() {
		return reply, nil
	}

	m.retire(id)
	m.collectors.Forget(id)
	if err := m.repo.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrConnectionNotFound) {
		return connectivity.Reply{}, err
	}
	m.logger.Info("connection deleted", "connection_id", id)
	return reply, nil
}

// Test runs the test flow for conn without storing it.
func (m *Manager) Test(ctx context.Context, conn *connectivity.Connection) (connectivity.Reply, error) {
	cfg := m.cfg.Client
	cfg.Logger = m.logger
	return TestConnection(ctx, m.registry, cfg, conn)
}

// RetrieveMetrics asks the client of id for its metrics.
func (m *Manager) RetrieveMetrics(ctx context.Context, id string) (*connectivity.ConnectionMetrics, error) {
	c, err := m.mustLookup(id)
	if err != nil {
		return nil, err
	}
	reply, err := c.Execute(ctx, connectivity.Command{Type: connectivity.CommandRetrieveMetrics, ConnectionID: id})
	if err != nil {
		return nil, err
	}
	if reply.Metrics == nil {
		return nil, ErrNoMetrics
	}
	return reply.Metrics, nil
}

// Get returns the stored descriptor of id.
func (m *Manager) Get(ctx context.Context, id string) (store.Record, error) {
	return m.repo.Get(ctx, id)
}

// Status returns the live state of id.
func (m *Manager) Status(ctx context.Context, id string) (ConnectionStatus, error) {
	rec, err := m.repo.Get(ctx, id)
	if err != nil {
		return ConnectionStatus{}, err
	}
	return m.status(rec), nil
}

// List returns the live state of every stored connection, ordered by id.
func (m *Manager) List(ctx context.Context) ([]ConnectionStatus, error) {
	records, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ConnectionStatus, 0, len(records))
	for _, rec := range records {
		out = append(out, m.status(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Manager) status(rec store.Record) ConnectionStatus {
	st := ConnectionStatus{
		ID:       rec.Connection.ID,
		Name:     rec.Connection.Name,
		Type:     rec.Connection.Type,
		Desired:  rec.Connection.DesiredStatus,
		State:    connectivity.StateDisconnected,
		Status:   connectivity.StatusUnknown,
		Revision: rec.Revision,
	}
	if c := m.lookup(rec.Connection.ID); c != nil {
		rt := c.Snapshot()
		st.State = rt.State
		st.Status = rt.Status
		st.Detail = rt.Detail
		st.Since = rt.Since
		st.Consumed = rt.Consumed
		st.Published = rt.Published
	}
	return st
}

// Events returns the newest transitions of id, newest first.
func (m *Manager) Events(ctx context.Context, id string, limit int) ([]connectivity.Transition, error) {
	return m.repo.Events(ctx, id, limit)
}

// Publish offers sig to the targets of every running connection and
// returns how many connections it was handed to.
func (m *Manager) Publish(sig signal.Signal) int {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	clients := m.snapshotClients("")
	for _, c := range clients {
		c.ForwardSignal(sig)
	}
	return len(clients)
}

func (m *Manager) checkStarted() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.started {
		return ErrNotStarted
	}
	return nil
}

// onTransition runs on a client goroutine and must not block.
func (m *Manager) onTransition(tr connectivity.Transition) {
	select {
	case m.transitions <- tr:
	default:
		m.logger.Warn("transition buffer full, dropping event",
			"connection_id", tr.ConnectionID,
			"to", tr.To.String(),
		)
	}
}

// recordTransitions persists, exports and broadcasts transitions until
// ctx is done, then drains what is left.
func (m *Manager) recordTransitions(ctx context.Context) {
	for {
		select {
		case tr := <-m.transitions:
			m.record(tr)
		case <-ctx.Done():
			for {
				select {
				case tr := <-m.transitions:
					m.record(tr)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) record(tr connectivity.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
	defer cancel()

	if err := m.repo.AppendEvent(ctx, tr); err != nil && !errors.Is(err, store.ErrConnectionNotFound) {
		m.logger.Warn("recording transition failed", "connection_id", tr.ConnectionID, "error", err)
	}
	if m.points != nil {
		m.points.WriteTransition(tr.ConnectionID, tr.From, tr.To, tr.At)
	}
	if m.broadcaster != nil {
		m.broadcaster.Broadcast(ChannelTransitions, tr)
	}
}

// exportMetrics writes a metrics snapshot of every client each interval.
func (m *Manager) exportMetrics(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, c := range m.snapshotClients("") {
				m.points.WriteConnectionMetrics(snapshotMetrics(c), now)
			}
		}
	}
}

// snapshotMetrics reads a client's metrics without going through its
// mailbox.
func snapshotMetrics(c *client.Client) connectivity.ConnectionMetrics {
	rt := c.Snapshot()
	return connectivity.ConnectionMetrics{
		ConnectionID:  c.ConnectionID(),
		Status:        rt.Status,
		StatusDetails: rt.Detail,
		State:         rt.State,
		InStateSince:  rt.Since,
		Sources:       c.Tracker().SourceMetrics(),
		Targets:       c.Tracker().TargetMetrics(),
	}
}
