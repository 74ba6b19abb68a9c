package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UnimibEsami/ditto/internal/connectivity"
)

func testConnection() *connectivity.Connection {
	return &connectivity.Connection{
		ID:      "c1",
		Sources: []connectivity.Source{{Addresses: []string{"in/a", "in/b"}, ConsumerCount: 1}},
		Targets: []connectivity.Target{{Address: "out/x"}},
	}
}

func TestTracker_Counts(t *testing.T) {
	tr := NewTracker(testConnection(), nil)

	var wg sync.WaitGroup
	for k := 0; k < 50; k++ {
		wg.Add(2)
		go func() { defer wg.Done(); tr.Consumed(0, "in/a") }()
		go func() { defer wg.Done(); tr.Published("out/x") }()
	}
	wg.Wait()
	tr.Consumed(0, "in/dynamic")

	consumed, published := tr.Totals()
	assert.Equal(t, int64(51), consumed)
	assert.Equal(t, int64(50), published)

	src := tr.SourceMetrics()
	assert.Equal(t, int64(50), src.Addresses["in/a"].MessageCount)
	assert.Equal(t, int64(0), src.Addresses["in/b"].MessageCount)
	assert.Equal(t, connectivity.StatusUnknown, src.Addresses["in/b"].Status)
	assert.Equal(t, int64(1), src.Addresses["in/dynamic"].MessageCount)
	assert.NotNil(t, src.Addresses["in/a"].LastMessageAt)
	assert.Nil(t, src.Addresses["in/b"].LastMessageAt)
}

func TestTracker_Status(t *testing.T) {
	tr := NewTracker(testConnection(), nil)

	tr.SetAllStatus(connectivity.StatusOpen, "connected")
	tr.Failed(Outbound, "out/x", "broker rejected")

	assert.Equal(t, connectivity.StatusOpen, tr.SourceMetrics().Addresses["in/a"].Status)
	target := tr.TargetMetrics().Addresses["out/x"]
	assert.Equal(t, connectivity.StatusFailed, target.Status)
	assert.Equal(t, "broker rejected", target.StatusDetails)
}

func TestCollectors_Export(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollectors(reg)
	require.NoError(t, err)

	tr := NewTracker(testConnection(), c)
	tr.Consumed(0, "in/a")
	tr.Consumed(0, "in/a")
	tr.RecordState(connectivity.StateConnected)
	tr.RecordAcknowledgements(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.consumed.WithLabelValues("c1", "in/a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.state.WithLabelValues("c1", "CONNECTED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.state.WithLabelValues("c1", "DISCONNECTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.acks.WithLabelValues("c1", "failure")))

	c.Forget("c1")
	assert.Equal(t, 0, testutil.CollectAndCount(c.consumed))
}

func TestCollectors_WildcardSourceLabelIsBounded(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollectors(reg)
	require.NoError(t, err)

	conn := &connectivity.Connection{
		ID:      "c1",
		Sources: []connectivity.Source{{Addresses: []string{"src/#"}, ConsumerCount: 1}},
	}
	tr := NewTracker(conn, c)
	for _, topic := range []string{"src/a", "src/b", "src/c/d"} {
		tr.Consumed(0, topic)
	}

	assert.Equal(t, 1, testutil.CollectAndCount(c.consumed), "one series per declared source")
	assert.Equal(t, 3.0, testutil.ToFloat64(c.consumed.WithLabelValues("c1", "src/#")))

	src := tr.SourceMetrics()
	assert.Equal(t, int64(1), src.Addresses["src/c/d"].MessageCount, "snapshots keep concrete topics")
	assert.Equal(t, int64(0), src.Addresses["src/#"].MessageCount)
}

func TestCollectors_NilIsDisabled(t *testing.T) {
	c, err := NewCollectors(nil)
	require.NoError(t, err)
	assert.Nil(t, c)
	c.Forget("c1")
}
