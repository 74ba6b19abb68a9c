package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/manager"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol/loopback"
	"github.com/UnimibEsami/ditto/internal/connectivity/store"
	"github.com/UnimibEsami/ditto/internal/infrastructure/config"
	"github.com/UnimibEsami/ditto/internal/infrastructure/database"
	"github.com/UnimibEsami/ditto/internal/infrastructure/logging"
	"github.com/UnimibEsami/ditto/migrations"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

var errBrokerDown = errors.New("broker down")

type testEnv struct {
	srv    *Server
	router http.Handler
	token  string
}

type options struct {
	rateLimit int
	checks    map[string]HealthChecker
	gatherer  prometheus.Gatherer
}

// testServer creates a Server backed by a started manager over an
// in-memory SQLite store. Loopback connections connect; mqtt
// connections always fail to connect.
func testServer(t *testing.T, opts options) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	wsCfg := config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
	hub := NewHub(wsCfg, log)

	reg := protocol.NewRegistry()
	reg.Register(connectivity.TypeLoopback, loopback.NewFactory())
	reg.Register(connectivity.TypeMQTT, func(*connectivity.Connection, connectivity.Logger) (protocol.Protocol, error) {
		return loopback.New(loopback.Options{Hooks: loopback.Hooks{
			Connect: func(context.Context) error { return errBrokerDown },
		}}), nil
	})

	mgrCfg := manager.Config{}
	mgrCfg.Client.InitTimeout = time.Hour
	mgr, err := manager.New(mgrCfg, manager.Deps{
		Repository:  store.NewSQLiteRepository(db),
		Registry:    reg,
		Broadcaster: hub,
		Logger:      log,
	})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("manager.Start: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Stop(context.Background()) })

	sec := config.SecurityConfig{
		JWT: config.JWTConfig{Secret: testSecret, Issuer: "connectivity-test"},
		RateLimit: config.RateLimitConfig{
			Enabled:           opts.rateLimit > 0,
			RequestsPerMinute: opts.rateLimit,
		},
	}
	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:             wsCfg,
		Security:       sec,
		Logger:         log,
		Connections:    mgr,
		Gatherer:       opts.gatherer,
		Checks:         opts.checks,
		ExternalHub:    hub,
		CommandTimeout: 5 * time.Second,
		Version:        "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	token, err := IssueToken(sec.JWT, "tester", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return &testEnv{srv: srv, router: srv.Handler(), token: token}
}

// do sends an authenticated request with an optional JSON body.
func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

func loopbackBody(id, status string) string {
	return fmt.Sprintf(`{"id":%q,"connection_type":"loopback","connection_status":%q}`, id, status)
}

type failingCheck struct{}

func (failingCheck) HealthCheck(context.Context) error { return errors.New("database is locked") }

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	log := logging.Default()
	if _, err := New(Deps{}); err == nil {
		t.Error("New without logger should fail")
	}
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Error("New without connection service should fail")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t, options{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestHealth_DegradedWhenCheckFails(t *testing.T) {
	env := testServer(t, options{checks: map[string]HealthChecker{"database": failingCheck{}}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	resp := decode[struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}](t, w)
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.Checks["database"] != "database is locked" {
		t.Errorf("database check = %q", resp.Checks["database"])
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	env := testServer(t, options{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	env := testServer(t, options{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t, options{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/connections", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t, options{})

	w := env.do(t, http.MethodGet, "/api/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAuth_RejectsMissingAndInvalidTokens(t *testing.T) {
	env := testServer(t, options{})

	expired, err := IssueToken(config.JWTConfig{Secret: testSecret, Issuer: "connectivity-test"}, "tester", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	foreign, err := IssueToken(config.JWTConfig{Secret: testSecret, Issuer: "someone-else"}, "tester", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	resigned, err := IssueToken(config.JWTConfig{Secret: strings.Repeat("x", 40), Issuer: "connectivity-test"}, "tester", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic dGVzdDp0ZXN0"},
		{"garbage", "Bearer not-a-jwt"},
		{"expired", "Bearer " + expired},
		{"wrong issuer", "Bearer " + foreign},
		{"wrong secret", "Bearer " + resigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	env := testServer(t, options{rateLimit: 2})

	for i := 0; i < 2; i++ {
		if w := env.do(t, http.MethodGet, "/api/v1/connections", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	w := env.do(t, http.MethodGet, "/api/v1/connections", "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestClientLimiter_Prune(t *testing.T) {
	l := newClientLimiter(10)
	now := time.Now()
	l.allow("10.0.0.1", now)
	l.allow("10.0.0.2", now.Add(limiterIdleTTL))

	l.prune(now.Add(limiterIdleTTL + time.Second))

	if _, ok := l.clients["10.0.0.1"]; ok {
		t.Error("idle limiter should be pruned")
	}
	if _, ok := l.clients["10.0.0.2"]; !ok {
		t.Error("recent limiter should be kept")
	}
}

// ─── Connection Tests ──────────────────────────────────────────────

func TestConnections_Lifecycle(t *testing.T) {
	env := testServer(t, options{})

	w := env.do(t, http.MethodPost, "/api/v1/connections", loopbackBody("lamps", "open"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	reply := decode[ReplyResponse](t, w)
	if reply.ConnectionID != "lamps" || reply.State != "CONNECTED" {
		t.Errorf("create reply = %+v", reply)
	}

	w = env.do(t, http.MethodGet, "/api/v1/connections/lamps", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	got := decode[ConnectionResponse](t, w)
	if got.Connection.ID != "lamps" || got.Status.State != connectivity.StateConnected || got.Revision != 1 {
		t.Errorf("get = %+v", got)
	}

	w = env.do(t, http.MethodPost, "/api/v1/connections/lamps/close", "")
	if w.Code != http.StatusOK {
		t.Fatalf("close status = %d, body %s", w.Code, w.Body.String())
	}
	if reply := decode[ReplyResponse](t, w); reply.State != "DISCONNECTED" {
		t.Errorf("close state = %q, want DISCONNECTED", reply.State)
	}

	w = env.do(t, http.MethodPost, "/api/v1/connections/lamps/open", "")
	if w.Code != http.StatusOK {
		t.Fatalf("open status = %d, body %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/connections", "")
	list := decode[struct {
		Connections []manager.ConnectionStatus `json:"connections"`
		Count       int                        `json:"count"`
	}](t, w)
	if list.Count != 1 || list.Connections[0].Desired != connectivity.StatusOpen {
		t.Errorf("list = %+v", list)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/connections/lamps", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body %s", w.Code, w.Body.String())
	}
	if w = env.do(t, http.MethodGet, "/api/v1/connections/lamps", ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestConnections_CreateErrors(t *testing.T) {
	env := testServer(t, options{})

	if w := env.do(t, http.MethodPost, "/api/v1/connections", loopbackBody("dup", "closed")); w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}

	tests := []struct {
		name string
		body string
		want int
		code string
	}{
		{"duplicate", loopbackBody("dup", "closed"), http.StatusConflict, ErrCodeConflict},
		{"invalid json", `{"id":`, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown field", `{"id":"x","connection_type":"loopback","colour":"red"}`, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing id", `{"connection_type":"loopback"}`, http.StatusBadRequest, ErrCodeValidation},
		{"bad uri", `{"id":"m","connection_type":"mqtt","uri":"nope"}`, http.StatusBadRequest, ErrCodeValidation},
		{"unregistered type", `{"id":"k","connection_type":"kafka","uri":"tcp://broker:9092"}`, http.StatusBadRequest, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/connections", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d, body %s", w.Code, tt.want, w.Body.String())
			}
			if e := decode[Error](t, w); e.Code != tt.code {
				t.Errorf("code = %q, want %q", e.Code, tt.code)
			}
		})
	}
}

func TestConnections_CreateFailingConnectionIsBadGateway(t *testing.T) {
	env := testServer(t, options{})

	w := env.do(t, http.MethodPost, "/api/v1/connections", `{"id":"broker","connection_type":"mqtt","uri":"tcp://broker:1883"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d, body %s", w.Code, http.StatusBadGateway, w.Body.String())
	}
	if e := decode[Error](t, w); e.Code != ErrCodeConnectionFailed {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeConnectionFailed)
	}

	// The descriptor is stored even though the connect attempt failed.
	if w = env.do(t, http.MethodGet, "/api/v1/connections/broker", ""); w.Code != http.StatusOK {
		t.Errorf("get status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestConnections_UnknownID(t *testing.T) {
	env := testServer(t, options{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/connections/ghost"},
		{http.MethodDelete, "/api/v1/connections/ghost"},
		{http.MethodPost, "/api/v1/connections/ghost/open"},
		{http.MethodPost, "/api/v1/connections/ghost/close"},
		{http.MethodGet, "/api/v1/connections/ghost/metrics"},
		{http.MethodGet, "/api/v1/connections/ghost/events"},
	} {
		if w := env.do(t, tc.method, tc.path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want %d", tc.method, tc.path, w.Code, http.StatusNotFound)
		}
	}
}

func TestConnections_Modify(t *testing.T) {
	env := testServer(t, options{})

	if w := env.do(t, http.MethodPost, "/api/v1/connections", loopbackBody("lamps", "open")); w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}

	// The path id overrides the body id.
	body := `{"id":"ignored","name":"Lamps","connection_type":"loopback","connection_status":"open"}`
	w := env.do(t, http.MethodPut, "/api/v1/connections/lamps", body)
	if w.Code != http.StatusOK {
		t.Fatalf("modify status = %d, body %s", w.Code, w.Body.String())
	}

	got := decode[ConnectionResponse](t, env.do(t, http.MethodGet, "/api/v1/connections/lamps", ""))
	if got.Revision != 2 || got.Connection.Name != "Lamps" {
		t.Errorf("after modify = %+v", got)
	}
	if w := env.do(t, http.MethodPut, "/api/v1/connections/ghost", loopbackBody("ghost", "open")); w.Code != http.StatusNotFound {
		t.Errorf("modify unknown status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestConnections_MetricsAndEvents(t *testing.T) {
	env := testServer(t, options{})

	if w := env.do(t, http.MethodPost, "/api/v1/connections", loopbackBody("lamps", "open")); w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}

	w := env.do(t, http.MethodGet, "/api/v1/connections/lamps/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, body %s", w.Code, w.Body.String())
	}
	m := decode[connectivity.ConnectionMetrics](t, w)
	if m.ConnectionID != "lamps" || m.State != connectivity.StateConnected {
		t.Errorf("metrics = %+v", m)
	}

	// Transitions are recorded asynchronously.
	deadline := time.Now().Add(3 * time.Second)
	for {
		w = env.do(t, http.MethodGet, "/api/v1/connections/lamps/events?limit=10", "")
		if w.Code != http.StatusOK {
			t.Fatalf("events status = %d, body %s", w.Code, w.Body.String())
		}
		if decode[struct {
			Count int `json:"count"`
		}](t, w).Count >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transitions never recorded: %s", w.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, limit := range []string{"0", "abc", "1001"} {
		if w := env.do(t, http.MethodGet, "/api/v1/connections/lamps/events?limit="+limit, ""); w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want %d", limit, w.Code, http.StatusBadRequest)
		}
	}
}

func TestConnections_Test(t *testing.T) {
	env := testServer(t, options{})

	w := env.do(t, http.MethodPost, "/api/v1/connections/test", loopbackBody("trial", "open"))
	if w.Code != http.StatusOK {
		t.Fatalf("test status = %d, body %s", w.Code, w.Body.String())
	}
	if reply := decode[ReplyResponse](t, w); reply.Result != "success" {
		t.Errorf("test reply = %+v", reply)
	}

	w = env.do(t, http.MethodPost, "/api/v1/connections/test", `{"id":"trial","connection_type":"mqtt","uri":"tcp://broker:1883"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("failing test status = %d, want %d, body %s", w.Code, http.StatusBadGateway, w.Body.String())
	}

	// Tested descriptors are never stored.
	if w = env.do(t, http.MethodGet, "/api/v1/connections/trial", ""); w.Code != http.StatusNotFound {
		t.Errorf("tested connection status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestPublishSignal(t *testing.T) {
	env := testServer(t, options{})

	if w := env.do(t, http.MethodPost, "/api/v1/connections", loopbackBody("lamps", "open")); w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}

	sig := `{"type":"thing.modified","topic":"twin/events","entityId":"org.example:lamp-1","value":true}`
	w := env.do(t, http.MethodPost, "/api/v1/signals", sig)
	if w.Code != http.StatusAccepted {
		t.Fatalf("publish status = %d, body %s", w.Code, w.Body.String())
	}
	if resp := decode[PublishResponse](t, w); resp.Connections != 1 {
		t.Errorf("connections = %d, want 1", resp.Connections)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/signals", `{"type":"thing.modified"}`); w.Code != http.StatusBadRequest {
		t.Errorf("publish without topic status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ─── Metrics Tests ─────────────────────────────────────────────────

func TestSystemMetrics(t *testing.T) {
	env := testServer(t, options{})

	env.do(t, http.MethodPost, "/api/v1/connections", loopbackBody("a", "open"))
	env.do(t, http.MethodPost, "/api/v1/connections", loopbackBody("b", "closed"))

	w := env.do(t, http.MethodGet, "/api/v1/system", "")
	if w.Code != http.StatusOK {
		t.Fatalf("system status = %d, body %s", w.Code, w.Body.String())
	}
	m := decode[SystemMetrics](t, w)
	if m.Connections.Total != 2 {
		t.Errorf("total = %d, want 2", m.Connections.Total)
	}
	if m.Connections.ByState["CONNECTED"] != 1 || m.Connections.ByState["DISCONNECTED"] != 1 {
		t.Errorf("by state = %v", m.Connections.ByState)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("expected goroutine count")
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "connectivity_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	env := testServer(t, options{gatherer: reg})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "connectivity_test_total 1") {
		t.Errorf("scrape missing counter:\n%s", w.Body.String())
	}
}

// ─── Error Mapping Tests ───────────────────────────────────────────

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", store.ErrConnectionNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", store.ErrConnectionExists), http.StatusConflict},
		{fmt.Errorf("%w: x", connectivity.ErrInvalidConnection), http.StatusBadRequest},
		{fmt.Errorf("%w: x", protocol.ErrUnsupportedType), http.StatusBadRequest},
		{&connectivity.CommandNotAllowedError{Command: connectivity.CommandOpen, State: connectivity.StateDisconnecting}, http.StatusConflict},
		{connectivity.NewConnectionFailedError("c", errBrokerDown, ""), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{manager.ErrNotStarted, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

// ─── WebSocket Ticket Tests ────────────────────────────────────────

func TestWSTicket_SingleUse(t *testing.T) {
	env := testServer(t, options{})

	w := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	resp := decode[map[string]any](t, w)
	ticket, ok := resp["ticket"].(string)
	if !ok || ticket == "" {
		t.Fatal("expected ticket to be a non-empty string")
	}

	entry, ok := env.srv.tickets.consume(ticket)
	if !ok {
		t.Fatal("ticket should be valid on first use")
	}
	if entry.subject != "tester" {
		t.Errorf("subject = %q, want tester", entry.subject)
	}
	if _, ok := env.srv.tickets.consume(ticket); ok {
		t.Error("ticket should not be valid on second use")
	}
}

func TestWSTicket_Expiry(t *testing.T) {
	ts := newTicketStore()
	ticket := generateTicket()
	ts.tickets[ticket] = ticketEntry{expiresAt: time.Now().Add(-1 * time.Second)}

	if _, ok := ts.consume(ticket); ok {
		t.Error("expired ticket should not be valid")
	}

	stale := generateTicket()
	ts.tickets[stale] = ticketEntry{expiresAt: time.Now().Add(-1 * time.Second)}
	ts.cleanExpired(time.Now())
	if len(ts.tickets) != 0 {
		t.Errorf("tickets after cleanup = %d, want 0", len(ts.tickets))
	}
}

func TestWebSocket_RequiresTicket(t *testing.T) {
	env := testServer(t, options{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ws", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/ws?ticket=forged", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("forged ticket status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestWebSocket_StreamsTransitions(t *testing.T) {
	env := testServer(t, options{})
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ticket := decode[map[string]any](t, env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", ""))["ticket"].(string)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?ticket=" + ticket
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{manager.ChannelTransitions}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck // test deadline
	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != WSTypeResponse {
		t.Fatalf("subscribe response = %+v, err %v", ack, err)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/connections", loopbackBody("lamps", "open")); w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}

	var event WSMessage
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != WSTypeEvent || event.EventType != manager.ChannelTransitions {
		t.Errorf("event = %+v", event)
	}
}

// ─── WebSocket Hub Tests ───────────────────────────────────────────

func testHub(t *testing.T) *Hub {
	t.Helper()
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

// subscribedClient registers a connectionless client on hub.
func subscribedClient(hub *Hub, sub WSSubscribePayload) *WSClient {
	client := newWSClient(hub, nil, "test")
	client.subscribe(sub)
	hub.Register(client)
	return client
}

func receive(t *testing.T, client *WSClient) (WSMessage, bool) {
	t.Helper()
	select {
	case data := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg, true
	case <-time.After(100 * time.Millisecond):
		return WSMessage{}, false
	}
}

func TestHub_BroadcastRouting(t *testing.T) {
	transition := connectivity.Transition{
		ConnectionID: "lamps",
		From:         connectivity.StateConnecting,
		To:           connectivity.StateConnected,
		Status:       connectivity.StatusOpen,
	}

	tests := []struct {
		name    string
		sub     WSSubscribePayload
		channel string
		payload any
		want    bool
	}{
		{"subscribed channel", WSSubscribePayload{Channels: []string{manager.ChannelTransitions}}, manager.ChannelTransitions, transition, true},
		{"other channel", WSSubscribePayload{Channels: []string{manager.ChannelSignals}}, manager.ChannelTransitions, transition, false},
		{"wildcard", WSSubscribePayload{Channels: []string{wsAllChannels}}, manager.ChannelSignals, manager.SignalEvent{ConnectionID: "lamps"}, true},
		{"matching connection", WSSubscribePayload{Channels: []string{wsAllChannels}, Connections: []string{"lamps"}}, manager.ChannelTransitions, transition, true},
		{"other connection", WSSubscribePayload{Channels: []string{wsAllChannels}, Connections: []string{"broker"}}, manager.ChannelTransitions, transition, false},
		{"unscoped event passes filter", WSSubscribePayload{Channels: []string{wsAllChannels}, Connections: []string{"broker"}}, manager.ChannelSignals, map[string]any{"note": "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := testHub(t)
			client := subscribedClient(hub, tt.sub)

			hub.Broadcast(tt.channel, tt.payload)

			msg, got := receive(t, client)
			if got != tt.want {
				t.Fatalf("received = %v, want %v", got, tt.want)
			}
			if got && msg.EventType != tt.channel {
				t.Errorf("event_type = %q, want %q", msg.EventType, tt.channel)
			}
		})
	}
}

func TestHub_EventCarriesConnectionID(t *testing.T) {
	hub := testHub(t)
	client := subscribedClient(hub, WSSubscribePayload{Channels: []string{manager.ChannelTransitions}})

	hub.Broadcast(manager.ChannelTransitions, connectivity.Transition{ConnectionID: "lamps"})

	msg, ok := receive(t, client)
	if !ok {
		t.Fatal("timed out waiting for broadcast message")
	}
	if msg.ConnectionID != "lamps" {
		t.Errorf("connection_id = %q, want lamps", msg.ConnectionID)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := testHub(t)
	client := subscribedClient(hub, WSSubscribePayload{Channels: []string{manager.ChannelTransitions, manager.ChannelSignals}})

	client.unsubscribe(WSSubscribePayload{Channels: []string{manager.ChannelTransitions}})
	hub.Broadcast(manager.ChannelTransitions, connectivity.Transition{ConnectionID: "lamps"})
	if _, ok := receive(t, client); ok {
		t.Error("unsubscribed channel should not be delivered")
	}

	hub.Broadcast(manager.ChannelSignals, manager.SignalEvent{ConnectionID: "lamps"})
	if _, ok := receive(t, client); !ok {
		t.Error("remaining subscription should still be delivered")
	}
}

func TestHub_DropsForSlowClient(t *testing.T) {
	hub := testHub(t)
	_ = subscribedClient(hub, WSSubscribePayload{Channels: []string{wsAllChannels}})

	for k := 0; k < wsSendBufferSize+3; k++ {
		hub.Broadcast(manager.ChannelSignals, manager.SignalEvent{ConnectionID: "lamps"})
	}
	if got := hub.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := testHub(t)

	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}

	client := subscribedClient(hub, WSSubscribePayload{})
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
	if client.trySend([]byte("late")) {
		t.Error("trySend after Unregister should report false")
	}
}

// ─── Token Tests ───────────────────────────────────────────────────

func TestIssueToken_RoundTrip(t *testing.T) {
	cfg := config.JWTConfig{Secret: testSecret, Issuer: "connectivity-test"}
	raw, err := IssueToken(cfg, "ops", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	claims, err := parseToken(cfg, raw)
	if err != nil {
		t.Fatalf("parseToken: %v", err)
	}
	if claims.Subject != "ops" || claims.Issuer != "connectivity-test" {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := IssueToken(config.JWTConfig{}, "ops", time.Minute); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("IssueToken without secret error = %v, want ErrInvalidToken", err)
	}
}
