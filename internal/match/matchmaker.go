package match

import (
	"context"
	"sync"

	"github.com/pairwave/rendezvous/internal/metrics"
	"github.com/pairwave/rendezvous/internal/protocol"
)

// RequestMatch runs one matching pass for connID.
//
// The pass garbage-collects the waiting pool, then selects the longest
// waiting live entry (strict FIFO). When a candidate is found, both parties
// are removed from the pool and entered into the pair table inside a single
// critical section, before the first acknowledged send; a third matching
// attempt running during the awaited notifications can never observe either
// party as available. If either notification fails, the transaction's
// rollback restores the pool entries, with their original join times, of the
// parties still live and not re-matched by the disconnect reconciler.
//
// Calling RequestMatch for an already-paired connection is a no-op.
func (h *Hub) RequestMatch(ctx context.Context, connID, peerID string) {
	conn := h.lookup(connID)
	if conn == nil {
		return
	}
	if peerID == "" {
		conn.Push(protocol.Event{
			Type:    protocol.EventMatchError,
			Message: "missing peer id",
		})
		return
	}

	h.mu.Lock()
	if _, paired := h.pairs[connID]; paired {
		h.mu.Unlock()
		return
	}
	h.peerIDs[connID] = peerID

	evicted := h.pool.Evict(h.clock.Now().Add(-h.cfg.MaxWaitTime), h.liveLocked)

	cand := h.pool.Oldest(connID, h.liveLocked)
	if cand == nil {
		// A retry while already waiting renegotiated its peer transport;
		// the pooled entry keeps its join time but must carry the new id.
		if !h.pool.Refresh(connID, peerID) {
			h.pool.Add(&waitEntry{connID: connID, peerID: peerID, joinedAt: h.clock.Now()})
		}
		broadcast := h.presenceChangedLocked()
		h.mu.Unlock()

		h.notifyEvicted(evicted)
		broadcast()
		return
	}

	h.pool.Remove(cand.connID)
	partner := h.conns[cand.connID]
	tx := h.beginPairingLocked(connID, peerID, cand)
	broadcast := h.presenceChangedLocked()
	h.mu.Unlock()

	h.notifyEvicted(evicted)
	broadcast()

	if partner == nil {
		// The candidate vanished between liveness check and here; put the
		// requester back and report failure.
		tx.rollback()
		conn.Push(protocol.Event{Type: protocol.EventMatchFailed})
		return
	}

	var (
		wg           sync.WaitGroup
		errRequester error
		errPartner   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errRequester = h.deliver(ctx, conn, protocol.Event{
			Type:      protocol.EventMatched,
			PartnerID: cand.peerID,
		})
	}()
	go func() {
		defer wg.Done()
		errPartner = h.deliver(ctx, partner, protocol.Event{
			Type:      protocol.EventMatched,
			PartnerID: peerID,
		})
	}()
	wg.Wait()

	if errRequester != nil || errPartner != nil {
		tx.rollback()
		h.metrics.Inc(metrics.MatchRollbacks)
		// A party already re-matched by the disconnect reconciler must not
		// hear about this pairing's failure.
		if _, paired := h.PartnerOf(connID); !paired {
			conn.Push(protocol.Event{Type: protocol.EventMatchFailed})
		}
		if _, paired := h.PartnerOf(cand.connID); !paired {
			partner.Push(protocol.Event{Type: protocol.EventMatchFailed})
		}
		h.log.Info("match rolled back",
			"requester", connID, "partner", cand.connID,
			"requester_notified", errRequester == nil,
			"partner_notified", errPartner == nil)
		return
	}

	h.metrics.Inc(metrics.MatchesTotal)
	h.log.Info("matched", "requester", connID, "partner", cand.connID)
}

// liveLocked reports whether connID still has a registered connection.
// Must be called with h.mu held.
func (h *Hub) liveLocked(connID string) bool {
	_, ok := h.conns[connID]
	return ok
}

// pairingTx is the rollback handle for one tentative pairing. The removal of
// both parties from the pool happens synchronously in beginPairingLocked;
// rollback undoes the pair-table entries and restores the pool entries of
// parties still live and unpaired, with their original join times.
type pairingTx struct {
	hub       *Hub
	requester *waitEntry
	candidate *waitEntry
}

// beginPairingLocked removes the requester from the pool (the candidate has
// already been removed by the caller) and inserts the symmetric pair-table
// entries. Must be called with h.mu held.
func (h *Hub) beginPairingLocked(connID, peerID string, cand *waitEntry) *pairingTx {
	req := h.pool.Remove(connID)
	if req == nil {
		// The requester was not waiting; its "original" join time is the
		// moment of this request.
		req = &waitEntry{connID: connID, peerID: peerID, joinedAt: h.clock.Now()}
	}
	h.pairs[connID] = cand.connID
	h.pairs[cand.connID] = connID
	return &pairingTx{hub: h, requester: req, candidate: cand}
}

func (tx *pairingTx) rollback() {
	h := tx.hub
	h.mu.Lock()
	if h.pairs[tx.requester.connID] == tx.candidate.connID {
		delete(h.pairs, tx.requester.connID)
		delete(h.pairs, tx.candidate.connID)
	}
	h.restoreLocked(tx.requester)
	h.restoreLocked(tx.candidate)
	broadcast := h.presenceChangedLocked()
	h.mu.Unlock()
	broadcast()
}

// restoreLocked returns a rolled-back party to the waiting pool. A party
// that disconnected, or that the disconnect reconciler already re-matched
// while the notifications were in flight, stays out: a paired connection in
// the pool would be handed out a second time. Must be called with h.mu held.
func (h *Hub) restoreLocked(e *waitEntry) {
	if !h.liveLocked(e.connID) {
		return
	}
	if _, paired := h.pairs[e.connID]; paired {
		return
	}
	h.pool.Add(e)
}

// notifyEvicted pushes the timeout signal to evicted waiters that are still
// connected. Entries swept because their connection is gone are not wait
// timeouts and stay out of that counter.
func (h *Hub) notifyEvicted(evicted []*waitEntry) {
	for _, e := range evicted {
		c := h.lookup(e.connID)
		if c == nil {
			h.log.Debug("dead waiting pool entry swept", "conn_id", e.connID)
			continue
		}
		h.metrics.Inc(metrics.MatchWaitTimeouts)
		c.Push(protocol.Event{Type: protocol.EventMatchTimeout})
		h.log.Debug("waiting pool entry evicted", "conn_id", e.connID)
	}
}
