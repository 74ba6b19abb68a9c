// Package httppush is the HTTP push protocol facade.
//
// It only has targets: each publish becomes one HTTP request against the
// connection URI. Target addresses take the form "METHOD:/path", e.g.
// "POST:/things/{{ thing:id }}"; a bare path defaults to POST. Requests
// are rate limited per connection.
package httppush

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
)

// ErrUnexpectedStatus is returned for non-2xx responses.
var ErrUnexpectedStatus = errors.New("httppush: unexpected response status")

const (
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 100
	maxErrorBody     = 512
)

// Settings are the service-wide HTTP push defaults.
type Settings struct {
	Timeout time.Duration
	// RateLimit is the request rate per connection in requests per
	// second; Burst defaults to the same value.
	RateLimit float64
	Burst     int
}

// Facade implements protocol.Protocol over HTTP requests.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Facade struct {
	base     *url.URL
	client   *http.Client
	limiter  *rate.Limiter
	username string
	password string
	messages chan *connectivity.InboundMessage

	mu        sync.Mutex
	connected bool
}

var _ protocol.Protocol = (*Facade)(nil)

// NewFactory returns the registry factory for http-push connections.
func NewFactory(settings Settings) protocol.Factory {
	return func(conn *connectivity.Connection, _ connectivity.Logger) (protocol.Protocol, error) {
		return New(conn, settings)
	}
}

// New creates a facade for conn. Credentials in the URI user info are
// sent as basic auth; the specific config key rate_limit overrides
// Settings.RateLimit.
func New(conn *connectivity.Connection, settings Settings) (*Facade, error) {
	base, err := url.Parse(conn.URI)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: http-push uri %q", connectivity.ErrInvalidConnection, conn.URI)
	}
	var user, pass string
	if base.User != nil {
		user = base.User.Username()
		pass, _ = base.User.Password()
		base.User = nil
	}

	limit := settings.RateLimit
	if v := conn.Specific("rate_limit", ""); v != "" {
		limit, err = strconv.ParseFloat(v, 64)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("%w: rate_limit %q", connectivity.ErrInvalidConnection, v)
		}
	}
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := settings.Burst
	if burst <= 0 {
		burst = max(int(limit), 1)
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Facade{
		base:     base,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(limit), burst),
		username: user,
		password: pass,
		messages: make(chan *connectivity.InboundMessage),
	}, nil
}

// Connect checks that the endpoint accepts TCP connections with a HEAD
// request on the base URI. Any HTTP response counts as reachable.
func (f *Facade) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.base.String(), nil)
	if err != nil {
		return err
	}
	f.authorize(req)
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("httppush: endpoint unreachable: %w", err)
	}
	resp.Body.Close()

	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

// Disconnect marks the facade disconnected and drops idle connections.
func (f *Facade) Disconnect(context.Context) error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.client.CloseIdleConnections()
	return nil
}

// Subscribe fails for every address: HTTP push has no consumers.
func (f *Facade) Subscribe(_ context.Context, sources []connectivity.Source) (protocol.SubscribeResult, error) {
	var res protocol.SubscribeResult
	for _, s := range sources {
		for _, a := range s.Addresses {
			if res.Failed == nil {
				res.Failed = make(map[string]error)
			}
			res.Failed[a] = errors.New("http-push does not support sources")
		}
	}
	return res, nil
}

// ParseAddress splits a target address into method and path.
func ParseAddress(address string) (method, path string) {
	if i := strings.IndexByte(address, ':'); i > 0 && !strings.Contains(address[:i], "/") {
		return strings.ToUpper(address[:i]), address[i+1:]
	}
	return http.MethodPost, address
}

// Publish sends msg as a request and waits for the response.
func (f *Facade) Publish(ctx context.Context, msg connectivity.ExternalMessage) (protocol.PublishResult, error) {
	f.mu.Lock()
	connected := f.connected
	f.mu.Unlock()
	if !connected {
		return protocol.PublishResult{}, protocol.ErrNotConnected
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return protocol.PublishResult{}, fmt.Errorf("%w: %w", protocol.ErrPublishFailed, err)
	}

	method, path := ParseAddress(msg.Address)
	target := f.base.JoinPath(path)
	if i := strings.IndexByte(path, '?'); i >= 0 {
		target = f.base.JoinPath(path[:i])
		target.RawQuery = path[i+1:]
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(msg.Payload))
	if err != nil {
		return protocol.PublishResult{}, fmt.Errorf("%w: %w", protocol.ErrPublishFailed, err)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	if msg.ContentType != "" {
		req.Header.Set("Content-Type", msg.ContentType)
	}
	f.authorize(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return protocol.PublishResult{}, fmt.Errorf("%w: %w", protocol.ErrPublishFailed, err)
	}
	defer resp.Body.Close()

	res := protocol.PublishResult{Address: msg.Address, Status: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return res, fmt.Errorf("%w: %w: %d %s", protocol.ErrPublishFailed, ErrUnexpectedStatus,
			resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	res.Acknowledged = true
	return res, nil
}

func (f *Facade) authorize(req *http.Request) {
	if f.username != "" {
		req.SetBasicAuth(f.username, f.password)
	}
}

// Messages returns a channel that never delivers.
func (f *Facade) Messages() <-chan *connectivity.InboundMessage {
	return f.messages
}
