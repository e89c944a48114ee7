package metrics

import "sync"

// Counter names used across the relay.
const (
	MatchesTotal       = "matches_total"
	MatchRollbacks     = "match_rollbacks"
	MatchWaitTimeouts  = "match_wait_timeouts"
	PartnerDisconnects = "partner_disconnects"
	ChatMessages       = "chat_messages_relayed"
	DeliveryTimeouts   = "delivery_timeouts"
	RoomsJoined        = "rooms_joined"
	ConnectionsOpened  = "connections_opened"
	ConnectionsClosed  = "connections_closed"
	DropRateLimited    = "rate_limited"
	BadMessages        = "bad_messages"
	HandlerPanics      = "handler_panics"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists so enforcement and matching logic stay testable without a real
// metrics backend; the /metrics endpoint exposes it in Prometheus text format.
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
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
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
