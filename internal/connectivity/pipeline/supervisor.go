package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/mapping"
	"github.com/UnimibEsami/ditto/internal/connectivity/metrics"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
	"github.com/UnimibEsami/ditto/internal/signal"
)

// Defaults applied to a zero Config.
const (
	DefaultPoolSize   = 5
	DefaultAckTimeout = 10 * time.Second

	outboundQueueSize = 256
)

// Sink receives what the pipeline produces for the rest of the service.
type Sink interface {
	// DeliverSignal forwards a consumed signal. An error leaves the
	// transport message unsettled for redelivery.
	DeliverSignal(ctx context.Context, connectionID string, sig signal.Signal) error

	// DeliverAcknowledgement forwards an acknowledgement issued by one
	// of the connection's targets.
	DeliverAcknowledgement(ctx context.Context, connectionID string, ack signal.Acknowledgement)
}

// DiscardSink drops everything. It backs pipelines that are built but
// never started, e.g. by the test-connection flow.
type DiscardSink struct{}

// DeliverSignal drops sig.
func (DiscardSink) DeliverSignal(context.Context, string, signal.Signal) error { return nil }

// DeliverAcknowledgement drops ack.
func (DiscardSink) DeliverAcknowledgement(context.Context, string, signal.Acknowledgement) {}

// Config tunes a Supervisor.
type Config struct {
	// PoolSize bounds concurrent mapping work. The connection's
	// ProcessorPoolSize takes precedence when set.
	PoolSize int

	// AckTimeout is how long requested acknowledgements are awaited.
	AckTimeout time.Duration

	Logger connectivity.Logger
}

// Supervisor runs the message pipeline of one connection.
//
// A supervisor is started once per successful connect and stopped
// before the facade disconnects. Stop waits for in-flight work.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Supervisor struct {
	conn       *connectivity.Connection
	facade     protocol.Protocol
	proc       *mapping.Processor
	sink       Sink
	tracker    *metrics.Tracker
	logger     connectivity.Logger
	poolSize   int
	ackTimeout time.Duration
	targets    []compiledTarget
	pending    *correlator

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	pool     *ants.Pool
	queues   []chan *connectivity.InboundMessage
	outbound chan signal.Signal
	wg       sync.WaitGroup
}

// New creates a stopped supervisor.
//
// Parameters:
//   - conn: Connection descriptor; sources and targets are read from it
//   - facade: Connected protocol facade
//   - proc: Payload mapper; nil builds one from conn.Mapping
//   - sink: Receiver of consumed signals and issued acknowledgements
//   - tracker: Metrics of the connection
//
// Returns:
//   - *Supervisor: Ready to Start
//   - error: Mapping configuration or target filter errors
func New(conn *connectivity.Connection, facade protocol.Protocol, proc *mapping.Processor, sink Sink, tracker *metrics.Tracker, cfg Config) (*Supervisor, error) {
	if proc == nil {
		var err error
		if proc, err = mapping.NewProcessor(conn.Mapping); err != nil {
			return nil, err
		}
	}
	targets, err := compileTargets(conn.Targets)
	if err != nil {
		return nil, err
	}
	if tracker == nil {
		tracker = metrics.NewTracker(conn, nil)
	}

	poolSize := cfg.PoolSize
	if conn.ProcessorPoolSize > 0 {
		poolSize = conn.ProcessorPoolSize
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}

	return &Supervisor{
		conn:       conn,
		facade:     facade,
		proc:       proc,
		sink:       sink,
		tracker:    tracker,
		logger:     connectivity.LoggerOrNop(cfg.Logger),
		poolSize:   poolSize,
		ackTimeout: ackTimeout,
		targets:    targets,
		pending:    newCorrelator(),
	}, nil
}

// Start launches the dispatcher and the source consumers.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}

	pool, err := ants.NewPool(s.poolSize, ants.WithPanicHandler(func(p any) {
		s.logger.Error("panic in mapping worker", "connection_id", s.conn.ID, "panic", p)
	}))
	if err != nil {
		return fmt.Errorf("creating processor pool: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.pool = pool
	s.running = true

	queues := make([]chan *connectivity.InboundMessage, len(s.conn.Sources))
	for i, src := range s.conn.Sources {
		n := max(src.ConsumerCount, 1)
		queues[i] = make(chan *connectivity.InboundMessage, n)
		for k := 0; k < n; k++ {
			s.wg.Add(1)
			go s.consume(s.ctx, i, queues[i])
		}
	}

	s.queues = queues
	s.outbound = make(chan signal.Signal, outboundQueueSize)

	s.wg.Add(2)
	go s.dispatch(s.ctx, queues)
	go s.publishLoop(s.ctx, s.outbound)

	s.logger.Info("pipeline started",
		"connection_id", s.conn.ID,
		"sources", len(s.conn.Sources),
		"targets", len(s.conn.Targets),
		"pool_size", s.poolSize,
	)
	return nil
}

// Stop cancels consumption, waits for in-flight work and releases the
// pool. Stopping a stopped supervisor is a no-op.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	pool := s.pool
	s.mu.Unlock()

	s.wg.Wait()
	pool.Release()
	s.logger.Info("pipeline stopped", "connection_id", s.conn.ID)
}

// Running reports whether the supervisor is started.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// PendingAcknowledgements counts correlation ids awaiting acknowledgements.
func (s *Supervisor) PendingAcknowledgements() int {
	return s.pending.size()
}

// HandleMessage queues a message that did not arrive through the
// facade's stream, e.g. one forwarded by the client. It never blocks.
func (s *Supervisor) HandleMessage(msg *connectivity.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotStarted
	}
	if msg.SourceIndex < 0 || msg.SourceIndex >= len(s.queues) {
		return fmt.Errorf("%w: source index %d", ErrUnknownSource, msg.SourceIndex)
	}
	select {
	case s.queues[msg.SourceIndex] <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

// Enqueue schedules sig for publishing in arrival order. It never blocks.
func (s *Supervisor) Enqueue(sig signal.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotStarted
	}
	select {
	case s.outbound <- sig:
		return nil
	default:
		return ErrBackpressure
	}
}

func (s *Supervisor) publishLoop(ctx context.Context, outbound <-chan signal.Signal) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-outbound:
			// Per-target failures are logged and counted by HandleSignal.
			_ = s.HandleSignal(ctx, sig)
		}
	}
}

// dispatch routes facade messages to their source queue.
func (s *Supervisor) dispatch(ctx context.Context, queues []chan *connectivity.InboundMessage) {
	defer s.wg.Done()
	messages := s.facade.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.SourceIndex < 0 || msg.SourceIndex >= len(queues) {
				s.logger.Warn("message for unknown source dropped",
					"connection_id", s.conn.ID,
					"address", msg.Message.Address,
					"source_index", msg.SourceIndex,
				)
				_ = msg.Nack(false)
				continue
			}
			select {
			case queues[msg.SourceIndex] <- msg:
			case <-ctx.Done():
				_ = msg.Nack(true)
				return
			}
		}
	}
}

// consume runs one consumer of a source. Each message is mapped on the
// pool; the consumer waits for it, so ConsumerCount bounds the messages
// in flight per source.
func (s *Supervisor) consume(ctx context.Context, source int, queue <-chan *connectivity.InboundMessage) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			done := make(chan struct{})
			err := s.pool.Submit(func() {
				defer close(done)
				s.processInbound(ctx, source, msg)
			})
			if err != nil {
				s.logger.Warn("processor pool rejected message",
					"connection_id", s.conn.ID,
					"error", err,
				)
				_ = msg.Nack(true)
				continue
			}
			<-done
		}
	}
}

// awaitedSignal is a delivered signal whose acknowledgements are pending.
type awaitedSignal struct {
	sig    signal.Signal
	corrID string
	acks   <-chan signal.Acknowledgement
}

func (s *Supervisor) processInbound(ctx context.Context, source int, msg *connectivity.InboundMessage) {
	src := s.conn.Sources[source]
	ext := msg.Message
	s.tracker.Consumed(source, ext.Address)

	sigs, err := s.proc.MapInbound(ext)
	if err != nil {
		s.rejectInbound(msg, err, false)
		return
	}
	if len(sigs) == 0 {
		s.logger.Debug("message mapped to no signal",
			"connection_id", s.conn.ID,
			"address", ext.Address,
		)
		_ = msg.Ack()
		return
	}

	for i := range sigs {
		if sigs[i], err = s.prepareInbound(src, ext, sigs[i]); err != nil {
			s.rejectInbound(msg, err, false)
			return
		}
	}

	var awaited []awaitedSignal
	release := func() {
		for _, a := range awaited {
			s.pending.remove(a.corrID)
		}
	}
	for i := range sigs {
		labels := sigs[i].RequestedAcks()
		if len(labels) == 0 {
			continue
		}
		corrID, _ := sigs[i].CorrelationID()
		ch, err := s.pending.register(corrID, labels)
		if errors.Is(err, ErrDuplicateCorrelationID) {
			corrID = uuid.NewString()
			sigs[i].Headers = sigs[i].Headers.WithCorrelationID(corrID)
			ch, err = s.pending.register(corrID, labels)
		}
		if err != nil {
			release()
			s.rejectInbound(msg, err, true)
			return
		}
		awaited = append(awaited, awaitedSignal{sig: sigs[i], corrID: corrID, acks: ch})
	}

	for _, sig := range sigs {
		if err := s.sink.DeliverSignal(ctx, s.conn.ID, sig); err != nil {
			release()
			s.rejectInbound(msg, fmt.Errorf("delivering signal: %w", err), true)
			return
		}
	}

	if len(awaited) == 0 {
		_ = msg.Ack()
		return
	}

	s.wg.Add(1)
	go s.awaitAcknowledgements(ctx, src, msg, awaited)
}

func (s *Supervisor) rejectInbound(msg *connectivity.InboundMessage, err error, requeue bool) {
	s.tracker.Failed(metrics.Inbound, msg.Message.Address, err.Error())
	s.logger.Warn("inbound message rejected",
		"connection_id", s.conn.ID,
		"address", msg.Message.Address,
		"requeue", requeue,
		"error", err,
	)
	_ = msg.Nack(requeue)
}

// prepareInbound enforces the source restrictions and decorates sig with
// the headers every consumed signal carries.
func (s *Supervisor) prepareInbound(src connectivity.Source, ext connectivity.ExternalMessage, sig signal.Signal) (signal.Signal, error) {
	if err := checkEnforcement(src.Enforcement, ext.Headers, sig); err != nil {
		return sig, err
	}

	headers := sig.Headers.Clone()
	if len(src.HeaderMapping) > 0 {
		mapped, errs := newPlaceholderScope(ext.Headers, &sig).applyHeaderMapping(src.HeaderMapping)
		for _, err := range errs {
			s.logger.Debug("header mapping skipped", "connection_id", s.conn.ID, "error", err)
		}
		for k, v := range mapped {
			headers[k] = v
		}
	}

	headers[signal.HeaderConnectionID] = s.conn.ID
	if _, ok := headers.CorrelationID(); !ok {
		headers = headers.WithCorrelationID(uuid.NewString())
	}
	if labels := append(headers.RequestedAcks(), src.RequestedAcks...); len(labels) > 0 {
		headers = headers.WithRequestedAcks(labels...)
	}

	sig.Headers = headers
	if sig.Timestamp.IsZero() {
		sig.Timestamp = ext.Timestamp
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	return sig, nil
}

// awaitAcknowledgements collects the acknowledgements of every awaited
// signal until all arrived or the timeout expires, then settles msg and
// answers the source's reply target.
func (s *Supervisor) awaitAcknowledgements(ctx context.Context, src connectivity.Source, msg *connectivity.InboundMessage, awaited []awaitedSignal) {
	defer s.wg.Done()
	defer func() {
		for _, a := range awaited {
			s.pending.remove(a.corrID)
		}
	}()

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()

	success, requeue := true, false
	expired := false
	for _, a := range awaited {
		agg, err := acksAggregator(a.sig, a.corrID)
		if err != nil {
			s.rejectInbound(msg, err, false)
			return
		}

	collect:
		for !expired && !agg.ReceivedAllRequestedAcknowledgements() {
			select {
			case ack := <-a.acks:
				if err := agg.AddReceivedAcknowledgement(ack); err != nil {
					s.logger.Debug("acknowledgement ignored",
						"connection_id", s.conn.ID,
						"correlation_id", a.corrID,
						"error", err,
					)
				}
			case <-timer.C:
				expired = true
			case <-ctx.Done():
				break collect
			}
		}
		s.pending.remove(a.corrID)

		result, err := agg.GetAggregatedAcknowledgements(signal.Headers{}.WithCorrelationID(a.corrID))
		if err != nil {
			s.logger.Warn("aggregating acknowledgements failed", "connection_id", s.conn.ID, "error", err)
			continue
		}
		ok := agg.IsSuccessful()
		s.tracker.RecordAcknowledgements(ok)
		if !ok {
			success = false
			for _, e := range result.Entries {
				if e.IsTimeout() || e.Status >= http.StatusInternalServerError {
					requeue = true
				}
			}
		}
		if ctx.Err() == nil {
			s.replyAcknowledgements(ctx, src, a.sig, result)
		}
	}

	switch {
	case ctx.Err() != nil:
		_ = msg.Nack(true)
	case success:
		_ = msg.Ack()
	default:
		s.logger.Info("requested acknowledgements not fulfilled",
			"connection_id", s.conn.ID,
			"address", msg.Message.Address,
			"requeue", requeue,
		)
		_ = msg.Nack(requeue)
	}
}

// replyAcknowledgements publishes the aggregated result to the source's
// reply target, if it has one.
func (s *Supervisor) replyAcknowledgements(ctx context.Context, src connectivity.Source, sig signal.Signal, result signal.Acknowledgements) {
	if src.ReplyTarget == nil {
		return
	}

	payload, err := marshalAcknowledgements(result)
	if err != nil {
		s.logger.Warn("encoding acknowledgements failed", "connection_id", s.conn.ID, "error", err)
		return
	}

	scope := newPlaceholderScope(map[string]string(sig.Headers), &sig)
	address, err := scope.resolve(src.ReplyTarget.Address)
	if err != nil {
		s.tracker.Failed(metrics.Outbound, src.ReplyTarget.Address, err.Error())
		s.logger.Warn("reply target unresolved", "connection_id", s.conn.ID, "error", err)
		return
	}

	headers := map[string]string{signal.HeaderCorrelationID: result.Headers[signal.HeaderCorrelationID]}
	mapped, _ := scope.applyHeaderMapping(src.ReplyTarget.HeaderMapping)
	for k, v := range mapped {
		headers[k] = v
	}

	ext := connectivity.ExternalMessage{
		Address:     address,
		Headers:     headers,
		Payload:     payload,
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
	}
	if _, err := s.facade.Publish(ctx, ext); err != nil {
		s.tracker.Failed(metrics.Outbound, src.ReplyTarget.Address, err.Error())
		s.logger.Warn("publishing acknowledgements failed",
			"connection_id", s.conn.ID,
			"address", address,
			"error", err,
		)
		return
	}
	s.tracker.Published(src.ReplyTarget.Address)
}

// HandleAcknowledgement routes an acknowledgement to the inbound message
// awaiting it. It reports false when nothing awaits the correlation id.
func (s *Supervisor) HandleAcknowledgement(ack signal.Acknowledgement) bool {
	return s.pending.deliver(ack)
}

// HandleSignal publishes sig to every matching target.
//
// A failure on one target does not stop delivery to the others; the
// joined errors are returned.
func (s *Supervisor) HandleSignal(ctx context.Context, sig signal.Signal) error {
	if !s.Running() {
		return ErrNotStarted
	}

	var env map[string]any
	lazyEnv := func() map[string]any {
		if env == nil {
			env = filterEnv(sig)
		}
		return env
	}

	var errs []error
	for _, t := range s.targets {
		ok, err := t.matches(sig, lazyEnv)
		if err != nil {
			s.logger.Warn("target filter failed",
				"connection_id", s.conn.ID,
				"target", t.target.Address,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}
		if err := s.publishToTarget(ctx, t.target, sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) publishToTarget(ctx context.Context, t connectivity.Target, sig signal.Signal) error {
	err := s.mapAndPublish(ctx, t, sig)
	if err != nil {
		s.tracker.Failed(metrics.Outbound, t.Address, err.Error())
		s.logger.Warn("publishing to target failed",
			"connection_id", s.conn.ID,
			"target", t.Address,
			"error", err,
		)
	}

	if t.IssuedAckLabel != "" {
		if corrID, ok := sig.CorrelationID(); ok {
			status := http.StatusOK
			if err != nil {
				status = http.StatusServiceUnavailable
			}
			ack := signal.NewAcknowledgement(t.IssuedAckLabel, sig.EntityID, status, corrID)
			if origin, ok := sig.Headers.Get(signal.HeaderConnectionID); ok {
				ack.Headers = ack.Headers.With(signal.HeaderConnectionID, origin)
			}
			s.sink.DeliverAcknowledgement(ctx, s.conn.ID, ack)
		}
	}
	return err
}

func (s *Supervisor) mapAndPublish(ctx context.Context, t connectivity.Target, sig signal.Signal) error {
	msgs, err := s.proc.MapOutbound(sig)
	if err != nil {
		return fmt.Errorf("mapping signal: %w", err)
	}

	scope := newPlaceholderScope(map[string]string(sig.Headers), &sig)
	address, err := scope.resolve(t.Address)
	if err != nil {
		return err
	}
	mapped, errs := scope.applyHeaderMapping(t.HeaderMapping)
	for _, err := range errs {
		s.logger.Debug("header mapping skipped", "connection_id", s.conn.ID, "error", err)
	}

	for _, m := range msgs {
		m.Address = address
		m.QoS = t.QoS
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		if len(mapped) > 0 {
			headers := make(map[string]string, len(m.Headers)+len(mapped))
			for k, v := range m.Headers {
				headers[k] = v
			}
			for k, v := range mapped {
				headers[k] = v
			}
			m.Headers = headers
		}
		if _, err := s.facade.Publish(ctx, m); err != nil {
			return fmt.Errorf("publishing to %q: %w", address, err)
		}
		s.tracker.Published(t.Address)
	}
	return nil
}
