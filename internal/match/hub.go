// Package match implements the matchmaking and signaling core: the
// connection registry, waiting pool, pair table, matchmaker, signaling
// router, presence broadcaster and disconnect reconciler.
//
// All mutable state lives behind one mutex. Acknowledged sends are
// suspension points and always happen after the lock is released; every
// state transition that must be atomic with respect to other matching
// attempts completes inside a single critical section.
package match

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pairwave/rendezvous/internal/metrics"
	"github.com/pairwave/rendezvous/internal/protocol"
	"github.com/pairwave/rendezvous/internal/ratelimit"
)

// Conn is the transport seam between the core and a connected client.
// Implementations must be safe for concurrent use.
type Conn interface {
	// ID returns the server-assigned connection id.
	ID() string

	// Deliver sends ev and blocks until the client acknowledges receipt,
	// ctx expires, or the connection closes.
	Deliver(ctx context.Context, ev protocol.Event) error

	// Push enqueues ev without waiting for acknowledgment.
	Push(ev protocol.Event)
}

type Config struct {
	// MaxWaitTime bounds how long an entry may sit in the waiting pool
	// before it is evicted with a match:timeout event.
	MaxWaitTime time.Duration

	// DeliveryTimeout bounds every acknowledged send.
	DeliveryTimeout time.Duration
}

const (
	DefaultMaxWaitTime     = 5 * time.Minute
	DefaultDeliveryTimeout = 10 * time.Second
)

// Hub owns the registry, waiting pool, pair table, presence counter and
// room memberships.
type Hub struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	mu        sync.Mutex
	conns     map[string]Conn
	pool      *waitingPool
	pairs     map[string]string // symmetric: pairs[a]==b iff pairs[b]==a
	peerIDs   map[string]string // last known peer-transport id per connection
	labels    map[string]string // display label from room:join
	rooms     map[string]map[string]Conn
	lastCount int
}

func NewHub(cfg Config, logger *slog.Logger, m *metrics.Metrics, clock ratelimit.Clock) *Hub {
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = DefaultMaxWaitTime
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Hub{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		clock:   clock,
		conns:   make(map[string]Conn),
		pool:    newWaitingPool(),
		pairs:   make(map[string]string),
		peerIDs: make(map[string]string),
		labels:  make(map[string]string),
		rooms:   make(map[string]map[string]Conn),
	}
}

// Register adds a live connection to the registry.
func (h *Hub) Register(conn Conn) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	h.mu.Unlock()

	h.metrics.Inc(metrics.ConnectionsOpened)
	h.log.Debug("connection registered", "conn_id", conn.ID())
}

// Unregister reconciles the departure of a connection: pool and pair-table
// cleanup first (never skipped), then best-effort notification, re-enqueue
// and rematch of the surviving partner, then the presence broadcast. A
// failure in one best-effort step must not prevent the following ones.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	_, known := h.conns[connID]
	delete(h.conns, connID)
	h.pool.Remove(connID)

	var (
		partner       Conn
		partnerID     string
		partnerPeerID string
	)
	if pid, paired := h.pairs[connID]; paired {
		delete(h.pairs, connID)
		delete(h.pairs, pid)
		partnerID = pid
		partner = h.conns[pid]
		partnerPeerID = h.peerIDs[pid]
	}
	delete(h.peerIDs, connID)
	delete(h.labels, connID)
	h.leaveRoomsLocked(connID)

	if partner != nil {
		// The survivor goes back to waiting with a fresh join time.
		h.pool.Add(&waitEntry{connID: partnerID, peerID: partnerPeerID, joinedAt: h.clock.Now()})
	}
	broadcast := h.presenceChangedLocked()
	h.mu.Unlock()

	if !known {
		return
	}
	h.metrics.Inc(metrics.ConnectionsClosed)
	h.log.Debug("connection unregistered", "conn_id", connID, "had_partner", partner != nil)

	if partner != nil {
		h.metrics.Inc(metrics.PartnerDisconnects)
		h.bestEffort("notify partner left", func() {
			partner.Push(protocol.Event{Type: protocol.EventPartnerLeft})
		})
		h.bestEffort("rematch survivor", func() {
			h.RequestMatch(context.Background(), partnerID, partnerPeerID)
		})
	}
	h.bestEffort("presence broadcast", broadcast)
}

// Next voluntarily abandons the current partner and runs a fresh match pass
// for the requester. The abandoned partner is treated like the survivor of a
// disconnect: notified, re-enqueued with a fresh join time and immediately
// eligible for matching.
func (h *Hub) Next(ctx context.Context, connID string) {
	h.mu.Lock()
	conn := h.conns[connID]
	if conn == nil {
		h.mu.Unlock()
		return
	}

	var (
		partner       Conn
		partnerID     string
		partnerPeerID string
	)
	if pid, paired := h.pairs[connID]; paired {
		delete(h.pairs, connID)
		delete(h.pairs, pid)
		partnerID = pid
		partner = h.conns[pid]
		partnerPeerID = h.peerIDs[pid]
		if partner != nil {
			h.pool.Add(&waitEntry{connID: partnerID, peerID: partnerPeerID, joinedAt: h.clock.Now()})
		}
	}
	peerID := h.peerIDs[connID]
	broadcast := h.presenceChangedLocked()
	h.mu.Unlock()

	if partner != nil {
		partner.Push(protocol.Event{Type: protocol.EventPartnerLeft})
	}
	broadcast()

	if peerID == "" {
		conn.Push(protocol.Event{
			Type:    protocol.EventMatchError,
			Message: "no peer id registered; send findMatch first",
		})
		return
	}
	h.RequestMatch(ctx, connID, peerID)
}

// lookup returns the registered connection for id, or nil.
func (h *Hub) lookup(id string) Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[id]
}

// deliver performs one acknowledged send bounded by the configured delivery
// timeout and the recipient's own session lifetime, never the caller's: a
// requester that disconnects with its partner's notification still in flight
// must not cancel that delivery. Unregister reconciles the disconnect.
func (h *Hub) deliver(ctx context.Context, to Conn, ev protocol.Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.DeliveryTimeout)
	defer cancel()
	err := to.Deliver(ctx, ev)
	if err != nil {
		h.metrics.Inc(metrics.DeliveryTimeouts)
		h.log.Warn("acknowledged delivery failed",
			"conn_id", to.ID(), "event", string(ev.Type), "err", err)
	}
	return err
}

// bestEffort runs step and turns a panic into a log line so the remaining
// reconciliation steps still run.
func (h *Hub) bestEffort(name string, step func()) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("reconciliation step failed", "step", name,
				"recover", rec, "stack", string(debug.Stack()))
		}
	}()
	step()
}

// presenceChangedLocked recomputes the presence count (waiting plus paired
// connections, each paired connection counted once) and, when it changed,
// returns a closure that broadcasts userCount to every connection. Must be
// called with h.mu held; the closure must be called after unlock.
func (h *Hub) presenceChangedLocked() func() {
	count := h.pool.Len() + len(h.pairs)
	if count == h.lastCount {
		return func() {}
	}
	h.lastCount = count

	targets := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	return func() {
		n := count
		ev := protocol.Event{Type: protocol.EventUserCount, Count: &n}
		for _, c := range targets {
			c.Push(ev)
		}
	}
}

// PresenceCount reports the current presence count.
func (h *Hub) PresenceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pool.Len() + len(h.pairs)
}

// PartnerOf reports the current partner of connID in the pair table.
func (h *Hub) PartnerOf(connID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pairs[connID]
	return p, ok
}

// Waiting reports whether connID is currently in the waiting pool.
func (h *Hub) Waiting(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pool.Contains(connID)
}
