// Package api provides the HTTP control surface and WebSocket status
// stream of the connectivity service.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/manager"
	"github.com/UnimibEsami/ditto/internal/connectivity/store"
	"github.com/UnimibEsami/ditto/internal/infrastructure/config"
	"github.com/UnimibEsami/ditto/internal/infrastructure/logging"
	"github.com/UnimibEsami/ditto/internal/signal"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultCommandTimeout bounds a command that waits for a client reply.
const defaultCommandTimeout = 30 * time.Second

// ConnectionService is the connection management surface the handlers
// call. *manager.Manager implements it.
type ConnectionService interface {
	Create(ctx context.Context, conn *connectivity.Connection) (connectivity.Reply, error)
	Modify(ctx context.Context, conn *connectivity.Connection) (connectivity.Reply, error)
	Open(ctx context.Context, id string) (connectivity.Reply, error)
	Close(ctx context.Context, id string) (connectivity.Reply, error)
	Delete(ctx context.Context, id string) (connectivity.Reply, error)
	Test(ctx context.Context, conn *connectivity.Connection) (connectivity.Reply, error)
	RetrieveMetrics(ctx context.Context, id string) (*connectivity.ConnectionMetrics, error)
	Get(ctx context.Context, id string) (store.Record, error)
	Status(ctx context.Context, id string) (manager.ConnectionStatus, error)
	List(ctx context.Context) ([]manager.ConnectionStatus, error)
	Events(ctx context.Context, id string, limit int) ([]connectivity.Transition, error)
	Publish(sig signal.Signal) int
}

// HealthChecker is a dependency reported by the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Security    config.SecurityConfig
	Logger      *logging.Logger
	Connections ConnectionService

	// Gatherer backs /metrics. Nil uses the default Prometheus registry.
	Gatherer prometheus.Gatherer

	// Checks are reported by /health by name, e.g. "database".
	Checks map[string]HealthChecker

	ExternalHub    *Hub          // If set, the server uses this hub instead of creating its own
	CommandTimeout time.Duration // Zero uses defaultCommandTimeout
	Version        string
}

// Server is the HTTP API server of the connectivity service.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg            config.APIConfig
	wsCfg          config.WebSocketConfig
	secCfg         config.SecurityConfig
	logger         *logging.Logger
	connections    ConnectionService
	gatherer       prometheus.Gatherer
	checks         map[string]HealthChecker
	commandTimeout time.Duration
	version        string
	startTime      time.Time
	server         *http.Server
	hub            *Hub
	tickets        *ticketStore
	limiter        *clientLimiter
	cancel         context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, connection service)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Connections == nil {
		return nil, fmt.Errorf("connection service is required")
	}

	s := &Server{
		cfg:            deps.Config,
		wsCfg:          deps.WS,
		secCfg:         deps.Security,
		logger:         deps.Logger,
		connections:    deps.Connections,
		gatherer:       deps.Gatherer,
		checks:         deps.Checks,
		commandTimeout: deps.CommandTimeout,
		version:        deps.Version,
		startTime:      time.Now(),
		hub:            deps.ExternalHub,
		tickets:        newTicketStore(),
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.commandTimeout <= 0 {
		s.commandTimeout = defaultCommandTimeout
	}
	if s.secCfg.RateLimit.Enabled {
		s.limiter = newClientLimiter(s.secCfg.RateLimit.RequestsPerMinute)
	}
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}

	return s, nil
}

// Hub returns the WebSocket hub, which doubles as the manager's
// status broadcaster.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and the ticket and rate limiter
// housekeeping, then launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.housekeepingLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, housekeeping)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// housekeepingLoop expires WebSocket tickets and idle rate limiter
// entries until the context is cancelled.
func (s *Server) housekeepingLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tickets.cleanExpired(now)
			s.limiter.prune(now)
		}
	}
}
