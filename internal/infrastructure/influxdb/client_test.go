package influxdb

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/infrastructure/config"
)

// recordingWriter captures points instead of sending them.
type recordingWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (w *recordingWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *recordingWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
}

func (w *recordingWriter) byName(name string) []*write.Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*write.Point
	for _, p := range w.points {
		if p.Name() == name {
			out = append(out, p)
		}
	}
	return out
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func fields(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "connectivity-dev-token",
		Org:           "connectivity",
		Bucket:        "metrics",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := Connect(cfg)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_LiveServer(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION to test against a local InfluxDB")
	}

	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestClose_FlushesOnce(t *testing.T) {
	w := &recordingWriter{}
	client := newClient(testConfig(), w)

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1", w.flushes)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Write Tests
// =============================================================================

func TestWriteConnectionMetrics(t *testing.T) {
	w := &recordingWriter{}
	client := newClient(testConfig(), w)

	since := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	at := since.Add(90 * time.Second)
	client.WriteConnectionMetrics(connectivity.ConnectionMetrics{
		ConnectionID: "mqtt-1",
		Status:       connectivity.StatusOpen,
		State:        connectivity.StateConnected,
		InStateSince: since,
		Sources: connectivity.SourceMetrics{
			Consumed: 7,
			Addresses: map[string]connectivity.AddressMetric{
				"lamps/#": {Status: connectivity.StatusOpen, MessageCount: 7},
			},
		},
		Targets: connectivity.TargetMetrics{
			Published: 3,
			Addresses: map[string]connectivity.AddressMetric{
				"events/out": {Status: connectivity.StatusOpen, MessageCount: 2},
				"events/log": {Status: connectivity.StatusFailed, MessageCount: 1},
			},
		},
	}, at)

	conn := w.byName(MeasurementConnection)
	if len(conn) != 1 {
		t.Fatalf("connection points = %d, want 1", len(conn))
	}
	if got := tags(conn[0]); got["connection_id"] != "mqtt-1" || got["state"] != "CONNECTED" || got["status"] != "open" {
		t.Errorf("connection tags = %v", got)
	}
	f := fields(conn[0])
	if f["consumed"] != int64(7) || f["published"] != int64(3) || f["in_state_seconds"] != float64(90) {
		t.Errorf("connection fields = %v", f)
	}
	if !conn[0].Time().Equal(at) {
		t.Errorf("time = %v, want %v", conn[0].Time(), at)
	}

	addrs := w.byName(MeasurementAddress)
	if len(addrs) != 3 {
		t.Fatalf("address points = %d, want 3", len(addrs))
	}
	directions := map[string]int{}
	for _, p := range addrs {
		directions[tags(p)["direction"]]++
	}
	if directions["source"] != 1 || directions["target"] != 2 {
		t.Errorf("directions = %v", directions)
	}
}

func TestWriteTransition(t *testing.T) {
	w := &recordingWriter{}
	client := newClient(testConfig(), w)

	at := time.Now()
	client.WriteTransition("kafka-1", connectivity.StateConnecting, connectivity.StateFailed, at)

	points := w.byName(MeasurementTransition)
	if len(points) != 1 {
		t.Fatalf("transition points = %d, want 1", len(points))
	}
	if got := tags(points[0]); got["connection_id"] != "kafka-1" || got["to"] != "FAILED" {
		t.Errorf("tags = %v", got)
	}
	if got := fields(points[0]); got["from"] != "CONNECTING" || got["code"] != int64(connectivity.StateFailed) {
		t.Errorf("fields = %v", got)
	}
}

func TestWrite_AfterCloseIsDropped(t *testing.T) {
	w := &recordingWriter{}
	client := newClient(testConfig(), w)
	_ = client.Close()

	client.WriteTransition("x", connectivity.StateDisconnected, connectivity.StateConnecting, time.Now())
	client.WriteConnectionMetrics(connectivity.ConnectionMetrics{ConnectionID: "x"}, time.Now())
	client.Flush()

	if len(w.points) != 0 {
		t.Errorf("points written after Close = %d, want 0", len(w.points))
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1 (from Close only)", w.flushes)
	}
}
