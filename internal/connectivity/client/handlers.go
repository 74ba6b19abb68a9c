package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/mapping"
	"github.com/UnimibEsami/ditto/internal/connectivity/pipeline"
)

// testSuccessMessage is the reply of a passed test-connection flow.
const testSuccessMessage = "successfully connected + initialized mapper"

func stamp(prefix string) string {
	return prefix + " " + time.Now().UTC().Format(time.RFC3339)
}

// handle dispatches one event to the current state's handler and falls
// back to the handler shared by every state.
func (c *Client) handle(ev event) {
	var handled bool
	switch c.current.Load().state {
	case connectivity.StateDisconnected:
		handled = c.inDisconnected(ev)
	case connectivity.StateConnecting:
		handled = c.inConnecting(ev)
	case connectivity.StateConnected:
		handled = c.inConnected(ev)
	case connectivity.StateDisconnecting:
		handled = c.inDisconnecting(ev)
	case connectivity.StateFailed:
		handled = c.inFailed(ev)
	}
	if !handled {
		c.inAnyState(ev)
	}
}

func (c *Client) inDisconnected(ev event) bool {
	switch e := ev.(type) {
	case commandEvent:
		if c.testing && e.cmd.Type != connectivity.CommandRetrieveMetrics {
			c.reject(e)
			return true
		}
		switch e.cmd.Type {
		case connectivity.CommandCreate, connectivity.CommandOpen:
			c.conn.DesiredStatus = connectivity.StatusOpen
			detail := "opening connection at"
			if e.cmd.Type == connectivity.CommandCreate {
				detail = "creating connection at"
			}
			c.goTo(connectivity.StateConnecting, e.origin, connectivity.StatusClosed, stamp(detail))
			return true

		case connectivity.CommandClose, connectivity.CommandDelete:
			c.conn.DesiredStatus = connectivity.StatusClosed
			e.origin.Tell(connectivity.Success(c.id, connectivity.StateDisconnected))
			return true

		case connectivity.CommandTest:
			c.runTest(e)
			return true
		}

	case timeoutEvent:
		if e.generation != c.generation {
			return true
		}
		if c.testing || c.conn.DesiredStatus != connectivity.StatusOpen {
			return true
		}
		c.logger.Info("did not receive connect command within init timeout, connecting",
			"connection_id", c.id,
			"init_timeout", c.cfg.InitTimeout.String(),
		)
		c.goTo(connectivity.StateConnecting, nil, connectivity.StatusClosed, stamp("connecting at"))
		return true

	case testResultEvent:
		e.origin.Tell(e.reply)
		c.logger.Info("test connection finished, stopping client",
			"connection_id", c.id,
			"success", e.reply.IsSuccess(),
		)
		c.stopSelf()
		return true
	}
	return false
}

func (c *Client) inConnecting(ev event) bool {
	switch e := ev.(type) {
	case commandEvent:
		switch e.cmd.Type {
		case connectivity.CommandCreate, connectivity.CommandOpen:
			c.conn.DesiredStatus = connectivity.StatusOpen
			c.stay(func(r *record) { r.origin = connectivity.JoinOrigins(r.origin, e.origin) })
			return true

		case connectivity.CommandClose, connectivity.CommandDelete:
			c.conn.DesiredStatus = connectivity.StatusClosed
			if pending := c.current.Load().origin; pending != nil {
				pending.Tell(connectivity.Failure(c.id, fmt.Errorf("%w: %s", ErrSuperseded, e.cmd.Type)))
			}
			c.goTo(connectivity.StateDisconnecting, e.origin, connectivity.StatusClosed, stamp("closing or deleting connection at"))
			return true
		}

	case timeoutEvent:
		if e.generation != c.generation {
			return true
		}
		rec := c.current.Load()
		status, detail := rec.status, rec.detail
		if status != connectivity.StatusFailed {
			status, detail = connectivity.StatusFailed, stamp("Connecting timed out at")
		}
		c.logger.Warn("connecting timed out, retrying",
			"connection_id", c.id,
			"timeout", c.cfg.ConnectingTimeout.String(),
		)
		c.goTo(connectivity.StateConnecting, rec.origin, status, detail)
		return true

	case connectedEvent:
		if e.attempt != c.attempt {
			return false
		}
		c.onConnected()
		return true

	case failureEvent:
		if e.attempt == 0 {
			return false
		}
		if e.attempt != c.attempt {
			c.logger.Debug("ignoring failure of a superseded connect attempt", "connection_id", c.id, "error", e.err)
			return true
		}
		c.logger.Warn("connection attempt failed",
			"connection_id", c.id,
			"error", e.err,
		)
		if origin := c.current.Load().origin; origin != nil {
			origin.Tell(connectivity.Failure(c.id, e.err))
		}
		c.tracker.SetAllStatus(connectivity.StatusFailed, e.err.Description)
		c.goTo(connectivity.StateFailed, nil, connectivity.StatusFailed, e.err.Error())
		return true
	}
	return false
}

func (c *Client) inConnected(ev event) bool {
	e, ok := ev.(commandEvent)
	if !ok {
		return false
	}
	switch e.cmd.Type {
	case connectivity.CommandClose, connectivity.CommandDelete:
		c.conn.DesiredStatus = connectivity.StatusClosed
		c.goTo(connectivity.StateDisconnecting, e.origin, c.current.Load().status, stamp("closing or deleting connection at"))
		return true
	case connectivity.CommandOpen:
		c.conn.DesiredStatus = connectivity.StatusOpen
		e.origin.Tell(connectivity.Success(c.id, connectivity.StateConnected))
		return true
	}
	return false
}

func (c *Client) inDisconnecting(ev event) bool {
	switch e := ev.(type) {
	case commandEvent:
		switch e.cmd.Type {
		case connectivity.CommandClose, connectivity.CommandDelete:
			c.stay(func(r *record) { r.origin = connectivity.JoinOrigins(r.origin, e.origin) })
			return true
		}

	case disconnectedEvent:
		c.onDisconnected()
		return true

	case timeoutEvent:
		if e.generation != c.generation {
			return true
		}
		c.logger.Warn("disconnecting timed out, treating connection as still connected",
			"connection_id", c.id,
			"timeout", c.cfg.DisconnectingTimeout.String(),
		)
		if origin := c.current.Load().origin; origin != nil {
			origin.Tell(connectivity.Failure(c.id, ErrDisconnectTimedOut))
		}
		c.goTo(connectivity.StateConnected, nil, connectivity.StatusOpen, stamp("Disconnecting timed out, still connected at"))
		return true
	}
	return false
}

func (c *Client) inFailed(ev event) bool {
	e, ok := ev.(commandEvent)
	if !ok {
		return false
	}
	switch e.cmd.Type {
	case connectivity.CommandCreate, connectivity.CommandOpen:
		c.conn.DesiredStatus = connectivity.StatusOpen
		rec := c.current.Load()
		c.goTo(connectivity.StateConnecting, e.origin, rec.status, rec.detail)
		return true
	case connectivity.CommandClose, connectivity.CommandDelete:
		c.conn.DesiredStatus = connectivity.StatusClosed
		c.goTo(connectivity.StateDisconnecting, e.origin, connectivity.StatusFailed, stamp("closing or deleting connection at"))
		return true
	}
	return false
}

// inAnyState handles what every state supports.
func (c *Client) inAnyState(ev event) {
	switch e := ev.(type) {
	case commandEvent:
		if e.cmd.Type == connectivity.CommandRetrieveMetrics {
			e.origin.Tell(connectivity.Reply{
				Kind:         connectivity.ReplyMetrics,
				ConnectionID: c.id,
				State:        c.current.Load().state,
				Metrics:      c.metrics(),
			})
			return
		}
		c.reject(e)

	case connectedEvent:
		c.logger.Debug("ignoring late connect completion",
			"connection_id", c.id,
			"state", c.current.Load().state.String(),
		)

	case disconnectedEvent:
		c.logger.Debug("ignoring late disconnect completion",
			"connection_id", c.id,
			"state", c.current.Load().state.String(),
		)

	case failureEvent:
		if e.attempt != 0 {
			c.logger.Debug("ignoring failure of a superseded connect attempt",
				"connection_id", c.id,
				"state", c.current.Load().state.String(),
				"error", e.err,
			)
			return
		}
		c.logger.Warn("connection failure",
			"connection_id", c.id,
			"state", c.current.Load().state.String(),
			"error", e.err,
		)
		c.stay(func(r *record) {
			r.status = connectivity.StatusFailed
			r.detail = e.err.Error()
		})
		c.tracker.SetAllStatus(connectivity.StatusFailed, e.err.Description)

	case reconnectedEvent:
		rec := c.current.Load()
		if rec.state != connectivity.StateConnected || rec.status != connectivity.StatusFailed {
			c.logger.Debug("ignoring reconnect notification",
				"connection_id", c.id,
				"state", rec.state.String(),
			)
			return
		}
		detail := stamp("Reconnected at")
		c.logger.Info("transport reconnected", "connection_id", c.id)
		c.stay(func(r *record) {
			r.status = connectivity.StatusOpen
			r.detail = detail
		})
		c.tracker.SetAllStatus(connectivity.StatusOpen, detail)

	case timeoutEvent:
		// Timeouts of superseded state entries.

	case testResultEvent:
		e.origin.Tell(e.reply)

	case signalEvent:
		if c.supervisor == nil {
			c.logger.Debug("no pipeline, dropping signal",
				"connection_id", c.id,
				"signal_type", e.sig.Type,
			)
			return
		}
		if err := c.supervisor.Enqueue(e.sig); err != nil {
			c.logger.Warn("dropping outbound signal", "connection_id", c.id, "error", err)
		}

	case messageEvent:
		if c.supervisor == nil {
			c.logger.Debug("no pipeline, dropping message",
				"connection_id", c.id,
				"address", e.msg.Message.Address,
			)
			_ = e.msg.Nack(true)
			return
		}
		if err := c.supervisor.HandleMessage(e.msg); err != nil {
			c.logger.Warn("dropping inbound message", "connection_id", c.id, "error", err)
			_ = e.msg.Nack(!errors.Is(err, pipeline.ErrUnknownSource))
		}

	case ackEvent:
		if c.supervisor == nil || !c.supervisor.HandleAcknowledgement(e.ack) {
			c.logger.Debug("no request awaits acknowledgement",
				"connection_id", c.id,
				"label", string(e.ack.Label),
			)
		}
	}
}

func (c *Client) reject(e commandEvent) {
	err := &connectivity.CommandNotAllowedError{Command: e.cmd.Type, State: c.current.Load().state}
	c.logger.Debug("command rejected", "connection_id", c.id, "error", err)
	e.origin.Tell(connectivity.Failure(c.id, err))
}

// onConnected enters CONNECTED and starts the pipeline unless it runs.
// A pipeline that cannot be built leaves the connection up with status
// failed.
func (c *Client) onConnected() {
	origin := c.current.Load().origin
	detail := stamp("Connected at")
	c.tracker.SetAllStatus(connectivity.StatusOpen, detail)

	if err := c.startPipeline(); err != nil {
		c.logger.Error("starting message pipeline failed", "connection_id", c.id, "error", err)
		c.goTo(connectivity.StateConnected, nil, connectivity.StatusFailed, err.Error())
		if origin != nil {
			origin.Tell(connectivity.Failure(c.id, err))
		}
		return
	}

	c.goTo(connectivity.StateConnected, nil, connectivity.StatusOpen, detail)
	if origin != nil {
		origin.Tell(connectivity.Success(c.id, connectivity.StateConnected))
	}
}

func (c *Client) onDisconnected() {
	origin := c.current.Load().origin
	if c.supervisor != nil {
		c.supervisor.Stop()
		c.supervisor = nil
	}
	detail := stamp("Disconnected at")
	c.tracker.SetAllStatus(connectivity.StatusClosed, detail)
	c.goTo(connectivity.StateDisconnected, nil, connectivity.StatusClosed, detail)
	if origin != nil {
		origin.Tell(connectivity.Success(c.id, connectivity.StateDisconnected))
	}
}

func (c *Client) startPipeline() error {
	if c.supervisor != nil {
		return nil
	}

	proc, err := mapping.NewProcessor(c.conn.Mapping)
	if err != nil {
		return err
	}
	cfg := c.cfg.Pipeline
	cfg.Logger = c.logger
	sup, err := pipeline.New(c.conn, c.facade, proc, c.sink, c.tracker, cfg)
	if err != nil {
		return err
	}
	if err := sup.Start(); err != nil {
		return err
	}

	c.logger.Info("message pipeline started",
		"connection_id", c.id,
		"mapping_engine", proc.Engine(),
		"content_types", proc.SupportedContentTypes(),
		"default_content_type", proc.DefaultContentType(),
	)
	c.supervisor = sup
	return nil
}

func (c *Client) metrics() *connectivity.ConnectionMetrics {
	rec := c.current.Load()
	return &connectivity.ConnectionMetrics{
		ConnectionID:  c.id,
		Status:        rec.status,
		StatusDetails: rec.detail,
		State:         rec.state,
		InStateSince:  rec.since,
		Sources:       c.tracker.SourceMetrics(),
		Targets:       c.tracker.TargetMetrics(),
	}
}

// runTest connects the transport and builds the pipeline without starting
// it, concurrently. The combined reply is posted back; the client stops
// itself after delivering it.
func (c *Client) runTest(e commandEvent) {
	conn := c.conn
	if e.cmd.Connection != nil {
		// The facade was built for c.conn; another transport cannot be
		// tested through it.
		if e.cmd.Connection.Type != c.conn.Type || e.cmd.Connection.URI != c.conn.URI {
			e.origin.Tell(connectivity.Failure(c.id, fmt.Errorf("%w: test must use the transport of connection %q",
				connectivity.ErrInvalidConnection, c.id)))
			return
		}
		conn = e.cmd.Connection.Clone()
	}
	c.testing = true
	if c.timer != nil {
		c.timer.Stop()
	}

	pipeCfg := c.cfg.Pipeline
	pipeCfg.Logger = c.logger
	timeout := c.cfg.TestTimeout

	c.async(func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()

		var connectErr, mapErr error
		var g errgroup.Group
		g.Go(func() error {
			if err := c.facade.Connect(ctx); err != nil {
				connectErr = connectivity.NewConnectionFailedError(conn.ID, err, "connect failed")
				return nil
			}
			if err := c.facade.Disconnect(ctx); err != nil {
				c.logger.Debug("disconnect after test connect failed", "connection_id", conn.ID, "error", err)
			}
			return nil
		})
		g.Go(func() error {
			_, mapErr = pipeline.New(conn, c.facade, nil, pipeline.DiscardSink{}, nil, pipeCfg)
			return nil
		})
		_ = g.Wait()

		var reply connectivity.Reply
		switch {
		case connectErr != nil:
			reply = connectivity.Failure(conn.ID, connectErr)
		case mapErr != nil:
			reply = connectivity.Failure(conn.ID, mapErr)
		default:
			reply = connectivity.SuccessMessage(conn.ID, testSuccessMessage)
		}
		if !c.post(testResultEvent{reply: reply, origin: e.origin}) {
			e.origin.Tell(reply)
		}
	})
}
