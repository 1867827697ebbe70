package metrics

import "sync"

// Event names counted by the relay. Names are intentionally simple; a
// follow-up metrics task can standardize and export these via OTel.
const (
	EventConnectionsOpened = "connections_opened"
	EventConnectionsClosed = "connections_closed"
	EventMessagesRouted    = "messages_routed"
	EventRoutingMisses     = "routing_misses"
	EventMessagesMalformed = "messages_malformed"
	EventMessagesOversized = "messages_oversized"
	EventRateLimited       = "rate_limited"
	EventRoomsCreated      = "rooms_created"
)

// Metrics is a minimal, concurrency-safe counter registry. A nil *Metrics
// is valid and counts nothing, so callers never branch on instrumentation.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
