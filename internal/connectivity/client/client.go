package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/metrics"
	"github.com/UnimibEsami/ditto/internal/connectivity/pipeline"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
	"github.com/UnimibEsami/ditto/internal/signal"
)

// Default timeouts applied to a zero Config.
const (
	DefaultInitTimeout          = 5 * time.Second
	DefaultConnectingTimeout    = 10 * time.Second
	DefaultDisconnectingTimeout = 10 * time.Second
	DefaultTestTimeout          = 10 * time.Second
	DefaultMailboxSize          = 256
)

// Config tunes a Client.
type Config struct {
	// InitTimeout bounds how long a new client waits for an opening
	// command before connecting on its own. Only connections whose
	// desired status is open advance automatically.
	InitTimeout time.Duration

	ConnectingTimeout    time.Duration
	DisconnectingTimeout time.Duration
	TestTimeout          time.Duration
	MailboxSize          int

	Pipeline pipeline.Config
	Logger   connectivity.Logger

	// OnTransition is called from the client's goroutine after every
	// state change. It must not block.
	OnTransition func(connectivity.Transition)
}

func (c Config) withDefaults() Config {
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.ConnectingTimeout <= 0 {
		c.ConnectingTimeout = DefaultConnectingTimeout
	}
	if c.DisconnectingTimeout <= 0 {
		c.DisconnectingTimeout = DefaultDisconnectingTimeout
	}
	if c.TestTimeout <= 0 {
		c.TestTimeout = DefaultTestTimeout
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	return c
}

// Runtime is a snapshot of a client's runtime record.
type Runtime struct {
	State     connectivity.ClientState
	Status    connectivity.ConnectivityStatus
	Detail    string
	Since     time.Time
	Consumed  int64
	Published int64
}

// record is the runtime record owned by the loop. It is replaced, never
// mutated, so Snapshot can read it without locking.
type record struct {
	state  connectivity.ClientState
	status connectivity.ConnectivityStatus
	detail string
	since  time.Time
	origin connectivity.Origin
}

// Client is the state machine of one connection.
//
// Thread Safety:
//   - Tell, Execute, Forward*, Snapshot and Stop are safe for concurrent use.
//   - All state lives on the loop goroutine.
type Client struct {
	cfg     Config
	facade  protocol.Protocol
	sink    pipeline.Sink
	tracker *metrics.Tracker
	logger  connectivity.Logger

	mailbox  chan event
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	startOne sync.Once
	stopOnce sync.Once
	ops      sync.WaitGroup

	// postMu guards stopped; post holds it shared while enqueueing so the
	// final drain sees every event that was accepted.
	postMu  sync.RWMutex
	stopped bool

	current atomic.Pointer[record]

	id string

	// Loop-owned fields.
	conn       *connectivity.Connection
	supervisor *pipeline.Supervisor
	timer      *time.Timer
	generation uint64
	testing    bool

	// attempt numbers connect attempts; cancelAttempt aborts the one in
	// flight when the state is entered again or left.
	attempt       uint64
	cancelAttempt context.CancelFunc
}

// New creates a stopped client in state DISCONNECTED.
//
// Parameters:
//   - conn: Connection descriptor; the client keeps its own copy
//   - facade: Transport of the connection
//   - sink: Receiver of the pipeline's signals and acknowledgements
//   - tracker: Metrics of the connection; nil creates one without exporters
//   - cfg: Timeouts and hooks; zero values use the defaults
func New(conn *connectivity.Connection, facade protocol.Protocol, sink pipeline.Sink, tracker *metrics.Tracker, cfg Config) *Client {
	cfg = cfg.withDefaults()
	if tracker == nil {
		tracker = metrics.NewTracker(conn, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		cfg:     cfg,
		facade:  facade,
		sink:    sink,
		tracker: tracker,
		logger:  connectivity.LoggerOrNop(cfg.Logger),
		mailbox: make(chan event, cfg.MailboxSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		id:      conn.ID,
		conn:    conn.Clone(),
	}
	c.current.Store(&record{
		state:  connectivity.StateDisconnected,
		status: connectivity.StatusClosed,
		since:  time.Now().UTC(),
	})

	if n, ok := facade.(protocol.ConnectionLossNotifier); ok {
		n.OnConnectionLost(func(err error) {
			c.post(failureEvent{err: connectivity.NewConnectionFailedError(c.id, err, "connection lost")})
		})
	}
	if n, ok := facade.(protocol.ReconnectNotifier); ok {
		n.OnReconnected(func() {
			c.post(reconnectedEvent{})
		})
	}
	return c
}

// ConnectionID returns the id of the governed connection.
func (c *Client) ConnectionID() string {
	return c.id
}

// Tracker returns the connection's metrics tracker.
func (c *Client) Tracker() *metrics.Tracker {
	return c.tracker
}

// Start launches the event loop. Later calls are no-ops.
func (c *Client) Start() {
	c.startOne.Do(func() {
		c.armTimer(connectivity.StateDisconnected)
		go c.run()
	})
}

// Stop ends the loop, stops the pipeline and disconnects the facade if
// it may be connected. Pending commands are answered with
// connectivity.ErrClientStopped. Stop blocks until the loop has exited.
func (c *Client) Stop() {
	c.Start()
	c.stopOnce.Do(c.cancel)
	<-c.done
}

// Done is closed once the loop has exited, including after a
// test-connection flow stopped the client.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Tell posts a command. Exactly one reply is sent to origin.
func (c *Client) Tell(cmd connectivity.Command, origin connectivity.Origin) {
	if origin == nil {
		origin = connectivity.OriginFunc(func(connectivity.Reply) {})
	}
	if !c.post(commandEvent{cmd: cmd, origin: origin}) {
		origin.Tell(connectivity.Failure(c.id, connectivity.ErrClientStopped))
	}
}

// Execute posts cmd and waits for its reply.
func (c *Client) Execute(ctx context.Context, cmd connectivity.Command) (connectivity.Reply, error) {
	replies := connectivity.NewReplyChannel()
	c.Tell(cmd, replies)
	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		return connectivity.Reply{}, ctx.Err()
	}
}

// ForwardSignal hands an outbound signal to the pipeline.
func (c *Client) ForwardSignal(sig signal.Signal) {
	c.post(signalEvent{sig: sig})
}

// ForwardMessage hands an inbound transport message to the pipeline.
func (c *Client) ForwardMessage(msg *connectivity.InboundMessage) {
	if !c.post(messageEvent{msg: msg}) {
		_ = msg.Nack(true)
	}
}

// ForwardAcknowledgement hands an acknowledgement to the pipeline.
func (c *Client) ForwardAcknowledgement(ack signal.Acknowledgement) {
	c.post(ackEvent{ack: ack})
}

// Snapshot returns the current runtime record and counters.
func (c *Client) Snapshot() Runtime {
	r := c.current.Load()
	consumed, published := c.tracker.Totals()
	return Runtime{
		State:     r.state,
		Status:    r.status,
		Detail:    r.detail,
		Since:     r.since,
		Consumed:  consumed,
		Published: published,
	}
}

// post enqueues ev. It reports false once the client is stopping, in
// which case the caller answers for the event itself.
func (c *Client) post(ev event) bool {
	c.postMu.RLock()
	defer c.postMu.RUnlock()
	if c.stopped || c.ctx.Err() != nil {
		return false
	}
	select {
	case c.mailbox <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) run() {
	defer close(c.done)
	defer c.shutdown()

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.mailbox:
			c.handle(ev)
		}
	}
}

// shutdown releases everything the loop owns.
func (c *Client) shutdown() {
	if c.timer != nil {
		c.timer.Stop()
	}

	rec := c.current.Load()
	if rec.origin != nil {
		rec.origin.Tell(connectivity.Failure(c.conn.ID, connectivity.ErrClientStopped))
	}

	if c.supervisor != nil {
		c.supervisor.Stop()
		c.supervisor = nil
	}

	switch rec.state {
	case connectivity.StateConnecting, connectivity.StateConnected, connectivity.StateDisconnecting:
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DisconnectingTimeout)
		if err := c.facade.Disconnect(ctx); err != nil {
			c.logger.Warn("disconnect on stop failed", "connection_id", c.conn.ID, "error", err)
		}
		cancel()
	}

	c.ops.Wait()

	// From here on post refuses, so the drain below is final.
	c.postMu.Lock()
	c.stopped = true
	c.postMu.Unlock()

	for {
		select {
		case ev := <-c.mailbox:
			switch e := ev.(type) {
			case commandEvent:
				e.origin.Tell(connectivity.Failure(c.conn.ID, connectivity.ErrClientStopped))
			case testResultEvent:
				e.origin.Tell(e.reply)
			case messageEvent:
				_ = e.msg.Nack(true)
			}
		default:
			c.logger.Debug("client stopped", "connection_id", c.conn.ID)
			return
		}
	}
}

// stopSelf ends the loop from inside, e.g. after a test-connection flow.
func (c *Client) stopSelf() {
	c.stopOnce.Do(c.cancel)
}

// goTo enters state to: replaces the record, re-arms the state timer,
// notifies the listener and runs the entry side effect.
func (c *Client) goTo(to connectivity.ClientState, origin connectivity.Origin, status connectivity.ConnectivityStatus, detail string) {
	from := c.current.Load()
	now := time.Now().UTC()
	c.current.Store(&record{state: to, status: status, detail: detail, since: now, origin: origin})
	c.armTimer(to)
	c.tracker.RecordState(to)
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}

	c.logger.Info("connection state changed",
		"connection_id", c.conn.ID,
		"from", from.state.String(),
		"to", to.String(),
		"status", string(status),
	)
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(connectivity.Transition{
			ConnectionID: c.conn.ID,
			From:         from.state,
			To:           to,
			Status:       status,
			Detail:       detail,
			At:           now,
		})
	}

	switch to {
	case connectivity.StateConnecting:
		c.connectAsync()
	case connectivity.StateDisconnecting:
		c.disconnectAsync()
	}
}

// stay replaces the record without leaving the state or touching its timer.
func (c *Client) stay(update func(r *record)) {
	r := *c.current.Load()
	update(&r)
	c.current.Store(&r)
}

func (c *Client) timeoutFor(state connectivity.ClientState) time.Duration {
	switch state {
	case connectivity.StateDisconnected:
		return c.cfg.InitTimeout
	case connectivity.StateConnecting:
		return c.cfg.ConnectingTimeout
	case connectivity.StateDisconnecting:
		return c.cfg.DisconnectingTimeout
	}
	return 0
}

// armTimer starts the timeout of a fresh state entry. Timeouts of
// earlier entries are ignored by their generation.
func (c *Client) armTimer(state connectivity.ClientState) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.generation++
	d := c.timeoutFor(state)
	if d <= 0 {
		return
	}
	gen := c.generation
	c.timer = time.AfterFunc(d, func() {
		c.post(timeoutEvent{generation: gen})
	})
}

// async runs fn on its own goroutine, tracked for shutdown.
func (c *Client) async(fn func(ctx context.Context)) {
	c.ops.Add(1)
	go func() {
		defer c.ops.Done()
		fn(c.ctx)
	}()
}

// connectAsync connects and subscribes, then posts the outcome tagged
// with a fresh attempt number.
func (c *Client) connectAsync() {
	c.attempt++
	attempt := c.attempt
	id := c.conn.ID
	sources := c.conn.Sources

	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelAttempt = cancel

	c.async(func(context.Context) {
		defer cancel()

		if err := c.facade.Connect(ctx); err != nil {
			c.post(failureEvent{
				err:     connectivity.NewConnectionFailedError(id, err, "connect failed"),
				attempt: attempt,
			})
			return
		}

		if len(sources) > 0 {
			res, err := c.facade.Subscribe(ctx, sources)
			if err == nil {
				err = res.Err()
			}
			if err != nil {
				if derr := c.facade.Disconnect(c.ctx); derr != nil {
					c.logger.Debug("disconnect after subscribe failure failed", "connection_id", id, "error", derr)
				}
				c.post(failureEvent{
					err:     connectivity.NewConnectionFailedError(id, err, "subscribing sources failed"),
					attempt: attempt,
				})
				return
			}
		}
		c.post(connectedEvent{attempt: attempt})
	})
}

// disconnectAsync disconnects and posts the outcome. A failed
// disconnect still counts as disconnected; one that never returns is
// resolved by the state timeout.
func (c *Client) disconnectAsync() {
	id := c.conn.ID

	c.async(func(ctx context.Context) {
		if err := c.facade.Disconnect(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("disconnect reported an error", "connection_id", id, "error", err)
		}
		c.post(disconnectedEvent{})
	})
}
