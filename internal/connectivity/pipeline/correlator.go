package pipeline

import (
	"sync"

	"github.com/UnimibEsami/ditto/internal/signal"
)

// correlator routes acknowledgements to the goroutine awaiting them,
// keyed by correlation id.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*waiter
}

// waiter accepts the first acknowledgement of every expected label.
// Later ones for the same label are duplicates, so the buffer never
// fills up before each label was answered once.
type waiter struct {
	ch      chan signal.Acknowledgement
	awaited map[signal.Label]bool
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*waiter)}
}

// register reserves id for the given labels.
func (c *correlator) register(id string, labels []signal.Label) (<-chan signal.Acknowledgement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; ok {
		return nil, ErrDuplicateCorrelationID
	}
	w := &waiter{
		ch:      make(chan signal.Acknowledgement, len(labels)),
		awaited: make(map[signal.Label]bool, len(labels)),
	}
	for _, l := range labels {
		w.awaited[l] = true
	}
	c.pending[id] = w
	return w.ch, nil
}

// deliver hands ack to its waiter. It returns false when nobody waits
// (e.g. after a timeout), the label was not requested or it was already
// answered.
func (c *correlator) deliver(ack signal.Acknowledgement) bool {
	id, ok := ack.Headers.CorrelationID()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.pending[id]
	if !ok || !w.awaited[ack.Label] {
		return false
	}
	w.awaited[ack.Label] = false
	w.ch <- ack
	return true
}

func (c *correlator) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
