package match

import (
	"context"
	"testing"
	"time"

	"github.com/pairwave/rendezvous/internal/metrics"
	"github.com/pairwave/rendezvous/internal/protocol"
)

func TestRequestMatch_FirstWaiterJustWaits(t *testing.T) {
	h, _ := newTestHub(t)
	a := register(t, h, "a")

	h.RequestMatch(context.Background(), "a", "peer-a")

	if !h.Waiting("a") {
		t.Fatalf("expected a in waiting pool")
	}
	if _, ok := h.PartnerOf("a"); ok {
		t.Fatalf("expected a unpaired")
	}
	if _, ok := a.lastOfType(protocol.EventMatched); ok {
		t.Fatalf("unexpected matched event")
	}
}

func TestRequestMatch_MissingPeerID(t *testing.T) {
	h, _ := newTestHub(t)
	a := register(t, h, "a")

	h.RequestMatch(context.Background(), "a", "")

	if _, ok := a.lastOfType(protocol.EventMatchError); !ok {
		t.Fatalf("expected match:error for missing peer id")
	}
	if h.Waiting("a") {
		t.Fatalf("expected no pool mutation on validation error")
	}
}

func TestRequestMatch_PairsAndNotifiesBoth(t *testing.T) {
	h, _ := newTestHub(t)
	a := register(t, h, "a")
	b := register(t, h, "b")

	h.RequestMatch(context.Background(), "a", "peer-a")
	h.RequestMatch(context.Background(), "b", "peer-b")

	if p, _ := h.PartnerOf("a"); p != "b" {
		t.Fatalf("partner of a = %q, want b", p)
	}
	if p, _ := h.PartnerOf("b"); p != "a" {
		t.Fatalf("partner of b = %q, want a", p)
	}
	if h.Waiting("a") || h.Waiting("b") {
		t.Fatalf("paired connections must not remain in waiting pool")
	}

	evA, ok := a.lastOfType(protocol.EventMatched)
	if !ok || evA.PartnerID != "peer-b" {
		t.Fatalf("a matched event = %+v, want partner peer-b", evA)
	}
	evB, ok := b.lastOfType(protocol.EventMatched)
	if !ok || evB.PartnerID != "peer-a" {
		t.Fatalf("b matched event = %+v, want partner peer-a", evB)
	}
}

func TestRequestMatch_FIFO(t *testing.T) {
	h, clk := newTestHub(t)
	a := register(t, h, "a")
	register(t, h, "b")
	register(t, h, "c")

	h.RequestMatch(context.Background(), "a", "peer-a")
	clk.Advance(time.Second)

	// A failed notification rolls the a/b pairing back, which is the only
	// way two connections end up waiting at once: a with its original join
	// time, b a second younger.
	a.failDeliveries = 1
	h.RequestMatch(context.Background(), "b", "peer-b")
	if !h.Waiting("a") || !h.Waiting("b") {
		t.Fatalf("setup: expected a and b both waiting after rollback")
	}

	clk.Advance(time.Second)
	h.RequestMatch(context.Background(), "c", "peer-c")

	// a joined strictly before b, so c pairs with a.
	if p, _ := h.PartnerOf("c"); p != "a" {
		t.Fatalf("partner of c = %q, want a (FIFO)", p)
	}
	if !h.Waiting("b") {
		t.Fatalf("expected b still waiting")
	}
}

func TestRequestMatch_IdempotentWhenPaired(t *testing.T) {
	h, _ := newTestHub(t)
	a := register(t, h, "a")
	register(t, h, "b")
	register(t, h, "c")

	h.RequestMatch(context.Background(), "a", "peer-a")
	h.RequestMatch(context.Background(), "b", "peer-b")
	h.RequestMatch(context.Background(), "c", "peer-c")

	matchedBefore := len(a.eventsOfType(protocol.EventMatched))
	h.RequestMatch(context.Background(), "a", "peer-a")

	if p, _ := h.PartnerOf("a"); p != "b" {
		t.Fatalf("pair table changed by redundant request")
	}
	if got := len(a.eventsOfType(protocol.EventMatched)); got != matchedBefore {
		t.Fatalf("redundant request produced %d extra matched events", got-matchedBefore)
	}
	// c must still be waiting, not stolen into a broken state.
	if !h.Waiting("c") {
		t.Fatalf("expected c still waiting")
	}
}

func TestRequestMatch_RollbackOnFailedNotification(t *testing.T) {
	h, clk := newTestHub(t)
	a := register(t, h, "a")
	b := register(t, h, "b")

	h.RequestMatch(context.Background(), "a", "peer-a")
	joined := clk.Now()
	clk.Advance(30 * time.Second)

	b.failDeliveries = 1 // b never acknowledges the matched event
	h.RequestMatch(context.Background(), "b", "peer-b")

	if _, ok := h.PartnerOf("a"); ok {
		t.Fatalf("pair table must contain no entry for a after rollback")
	}
	if _, ok := h.PartnerOf("b"); ok {
		t.Fatalf("pair table must contain no entry for b after rollback")
	}
	if !h.Waiting("a") || !h.Waiting("b") {
		t.Fatalf("both parties must be back in the waiting pool")
	}
	if _, ok := a.lastOfType(protocol.EventMatchFailed); !ok {
		t.Fatalf("expected match:failed for a")
	}
	if _, ok := b.lastOfType(protocol.EventMatchFailed); !ok {
		t.Fatalf("expected match:failed for b")
	}

	// Rollback keeps the original join time (fairness against newer
	// waiters), so a is still first in line for the next requester.
	h.mu.Lock()
	entry := h.pool.Remove("a")
	h.mu.Unlock()
	if entry == nil || !entry.joinedAt.Equal(joined) {
		t.Fatalf("join time = %v, want original %v", entry, joined)
	}
}

func TestRequestMatch_RollbackKeepsFIFOFairness(t *testing.T) {
	h, clk := newTestHub(t)
	a := register(t, h, "a")
	register(t, h, "b")
	register(t, h, "d")

	h.RequestMatch(context.Background(), "a", "peer-a")
	clk.Advance(time.Second)

	// First rollback leaves a and b waiting, a a second older.
	a.failDeliveries = 1
	h.RequestMatch(context.Background(), "b", "peer-b")
	if !h.Waiting("a") || !h.Waiting("b") {
		t.Fatalf("setup: expected a and b both waiting after rollback")
	}
	clk.Advance(time.Second)

	// a fails to acknowledge again, so the a/d pairing rolls back with a's
	// original join time intact.
	a.failDeliveries = 1
	h.RequestMatch(context.Background(), "d", "peer-d")
	if _, ok := h.PartnerOf("d"); ok {
		t.Fatalf("expected rollback to leave d unpaired")
	}

	// Next pass still prefers a over b.
	h.RequestMatch(context.Background(), "d", "peer-d")
	if p, _ := h.PartnerOf("d"); p != "a" {
		t.Fatalf("partner of d = %q, want a (original join time preserved)", p)
	}
}

// gatedConn holds every matched delivery open until the test feeds its gate,
// so hub operations can interleave with an in-flight notification.
type gatedConn struct {
	*fakeConn
	gate chan error
}

func (c *gatedConn) Deliver(ctx context.Context, ev protocol.Event) error {
	if ev.Type == protocol.EventMatched {
		if err := <-c.gate; err != nil {
			return err
		}
	}
	return c.fakeConn.Deliver(ctx, ev)
}

func TestRollback_SkipsSurvivorRematchedDuringNotification(t *testing.T) {
	h, _ := newTestHub(t)
	a := &gatedConn{fakeConn: newFakeConn("a"), gate: make(chan error, 1)}
	h.Register(a)
	register(t, h, "b")
	register(t, h, "c")

	h.RequestMatch(context.Background(), "b", "peer-b")

	// a's matched delivery is held open; the a/b pairing stays tentative.
	done := make(chan struct{})
	go func() {
		h.RequestMatch(context.Background(), "a", "peer-a")
		close(done)
	}()
	waitForPairing(t, h, "a")

	// a disconnects mid-notification: the reconciler re-enqueues b, and a
	// third connection snaps it up.
	h.Unregister("a")
	h.RequestMatch(context.Background(), "c", "peer-c")
	if p, _ := h.PartnerOf("b"); p != "c" {
		t.Fatalf("setup: partner of b = %q, want c", p)
	}

	// Releasing a's delivery with an error runs the rollback, which must
	// leave the b/c pairing alone.
	a.gate <- context.DeadlineExceeded
	<-done

	if h.Waiting("b") {
		t.Fatalf("paired survivor must not re-enter the waiting pool")
	}
	if p, _ := h.PartnerOf("b"); p != "c" {
		t.Fatalf("partner of b = %q, want c after rollback", p)
	}
	if p, _ := h.PartnerOf("c"); p != "b" {
		t.Fatalf("partner of c = %q, want b after rollback", p)
	}
}

func waitForPairing(t *testing.T, h *Hub, connID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.PartnerOf(connID); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s to be paired", connID)
		}
		time.Sleep(time.Millisecond)
	}
}

// ctxConn honors the delivery context, unlike fakeConn which ignores it.
type ctxConn struct {
	*fakeConn
}

func (c *ctxConn) Deliver(ctx context.Context, ev protocol.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.fakeConn.Deliver(ctx, ev)
}

func TestRequestMatch_DeliveryOutlivesRequesterContext(t *testing.T) {
	h, _ := newTestHub(t)
	a := &ctxConn{fakeConn: newFakeConn("a")}
	b := &ctxConn{fakeConn: newFakeConn("b")}
	h.Register(a)
	h.Register(b)

	// The requester's session context is already gone, as when a client
	// disconnects the instant its request is dispatched. The pairing
	// deliveries run on their own deadline and must still land.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.RequestMatch(ctx, "a", "peer-a")
	h.RequestMatch(ctx, "b", "peer-b")

	if p, _ := h.PartnerOf("a"); p != "b" {
		t.Fatalf("partner of a = %q, want b", p)
	}
	if _, ok := a.lastOfType(protocol.EventMatched); !ok {
		t.Fatalf("expected matched delivery to a")
	}
	if _, ok := b.lastOfType(protocol.EventMatched); !ok {
		t.Fatalf("expected matched delivery to b")
	}
	if got := h.metrics.Get(metrics.MatchRollbacks); got != 0 {
		t.Fatalf("match_rollbacks = %d, want 0", got)
	}
}

func TestRequestMatch_RetryRefreshesPeerID(t *testing.T) {
	h, clk := newTestHub(t)
	register(t, h, "a")
	b := register(t, h, "b")

	h.RequestMatch(context.Background(), "a", "peer-a-old")
	joined := clk.Now()
	clk.Advance(time.Second)

	// a renegotiated its peer transport while waiting; the retry keeps its
	// place in line but must replace the advertised id.
	h.RequestMatch(context.Background(), "a", "peer-a-new")

	h.mu.Lock()
	entry := h.pool.Oldest("", nil)
	h.mu.Unlock()
	if entry == nil || entry.connID != "a" || !entry.joinedAt.Equal(joined) {
		t.Fatalf("pool entry = %+v, want a with join time %v", entry, joined)
	}

	h.RequestMatch(context.Background(), "b", "peer-b")
	ev, ok := b.lastOfType(protocol.EventMatched)
	if !ok || ev.PartnerID != "peer-a-new" {
		t.Fatalf("b matched event = %+v, want partner peer-a-new", ev)
	}
}

func TestEviction_DeadEntriesNotCountedAsTimeouts(t *testing.T) {
	h, clk := newTestHub(t)
	register(t, h, "a")
	register(t, h, "b")

	h.RequestMatch(context.Background(), "a", "peer-a")
	// A pool entry whose connection is gone, as after a crashed session.
	h.mu.Lock()
	h.pool.Add(&waitEntry{connID: "ghost", peerID: "peer-ghost", joinedAt: clk.Now()})
	h.mu.Unlock()

	clk.Advance(time.Second)
	h.RequestMatch(context.Background(), "b", "peer-b")

	if h.Waiting("ghost") {
		t.Fatalf("dead entry must be swept")
	}
	if got := h.metrics.Get(metrics.MatchWaitTimeouts); got != 0 {
		t.Fatalf("match_wait_timeouts = %d, want 0 for a dead sweep", got)
	}

	// A live waiter past MaxWaitTime is a genuine timeout.
	c := register(t, h, "c")
	h.RequestMatch(context.Background(), "c", "peer-c")
	clk.Advance(6 * time.Minute)
	register(t, h, "d")
	h.RequestMatch(context.Background(), "d", "peer-d")

	if _, ok := c.lastOfType(protocol.EventMatchTimeout); !ok {
		t.Fatalf("expected match:timeout for overdue waiter")
	}
	if got := h.metrics.Get(metrics.MatchWaitTimeouts); got != 1 {
		t.Fatalf("match_wait_timeouts = %d, want 1", got)
	}
}

func TestWaitingPoolEviction(t *testing.T) {
	h, clk := newTestHub(t)
	a := register(t, h, "a")
	register(t, h, "b")

	h.RequestMatch(context.Background(), "a", "peer-a")
	clk.Advance(6 * time.Minute) // past MaxWaitTime

	h.RequestMatch(context.Background(), "b", "peer-b")

	if _, ok := a.lastOfType(protocol.EventMatchTimeout); !ok {
		t.Fatalf("expected match:timeout for evicted waiter")
	}
	if h.Waiting("a") {
		t.Fatalf("evicted entry must be absent from the pool")
	}
	if _, ok := h.PartnerOf("b"); ok {
		t.Fatalf("b must not be paired with an evicted entry")
	}
	if !h.Waiting("b") {
		t.Fatalf("expected b waiting after the eviction pass")
	}
}

func TestDisconnectSymmetry(t *testing.T) {
	h, clk := newTestHub(t)
	register(t, h, "a")
	b := register(t, h, "b")
	register(t, h, "d")

	h.RequestMatch(context.Background(), "a", "peer-a")
	clk.Advance(time.Second)
	h.RequestMatch(context.Background(), "b", "peer-b")
	if p, _ := h.PartnerOf("a"); p != "b" {
		t.Fatalf("setup: expected a/b paired")
	}

	clk.Advance(time.Minute)
	h.Unregister("a")

	if _, ok := b.lastOfType(protocol.EventPartnerLeft); !ok {
		t.Fatalf("expected partnerLeft for survivor")
	}
	if _, ok := h.PartnerOf("b"); ok {
		t.Fatalf("survivor must be unpaired")
	}
	if !h.Waiting("b") {
		t.Fatalf("survivor must be back in the waiting pool")
	}

	// Fresh join time: the survivor's entry is newer than its first enqueue.
	h.mu.Lock()
	entry := h.pool.Oldest("", nil)
	h.mu.Unlock()
	if entry == nil || entry.connID != "b" || !entry.joinedAt.Equal(clk.Now()) {
		t.Fatalf("survivor entry = %+v, want fresh join time %v", entry, clk.Now())
	}

	// Immediately eligible for a third connection.
	h.RequestMatch(context.Background(), "d", "peer-d")
	if p, _ := h.PartnerOf("d"); p != "b" {
		t.Fatalf("partner of d = %q, want b", p)
	}
}

func TestDisconnectRematchesSurvivorWithWaiter(t *testing.T) {
	h, clk := newTestHub(t)
	register(t, h, "a")
	b := register(t, h, "b")
	c := register(t, h, "c")

	h.RequestMatch(context.Background(), "a", "peer-a")
	clk.Advance(time.Second)
	h.RequestMatch(context.Background(), "b", "peer-b")
	clk.Advance(time.Second)
	h.RequestMatch(context.Background(), "c", "peer-c") // c waits

	h.Unregister("a")

	// The reconciler's matchmaker pass pairs the survivor with c without
	// waiting for either to act.
	if p, _ := h.PartnerOf("b"); p != "c" {
		t.Fatalf("partner of b = %q, want c", p)
	}
	if ev, ok := b.lastOfType(protocol.EventMatched); !ok || ev.PartnerID != "peer-c" {
		t.Fatalf("b matched event = %+v, want partner peer-c", ev)
	}
	if ev, ok := c.lastOfType(protocol.EventMatched); !ok || ev.PartnerID != "peer-b" {
		t.Fatalf("c matched event = %+v, want partner peer-b", ev)
	}
}

func TestNext_RematchesBothSides(t *testing.T) {
	h, clk := newTestHub(t)
	register(t, h, "a")
	b := register(t, h, "b")
	register(t, h, "c")

	h.RequestMatch(context.Background(), "a", "peer-a")
	clk.Advance(time.Second)
	h.RequestMatch(context.Background(), "b", "peer-b")
	clk.Advance(time.Second)
	h.RequestMatch(context.Background(), "c", "peer-c") // c waits
	clk.Advance(time.Second)

	h.Next(context.Background(), "a")

	if _, ok := b.lastOfType(protocol.EventPartnerLeft); !ok {
		t.Fatalf("expected partnerLeft for abandoned partner")
	}
	// c has waited longer than the re-enqueued b, so a pairs with c.
	if p, _ := h.PartnerOf("a"); p != "c" {
		t.Fatalf("partner of a = %q, want c", p)
	}
	if !h.Waiting("b") {
		t.Fatalf("expected abandoned partner back in the waiting pool")
	}
}

func TestNext_WithoutPriorFindMatch(t *testing.T) {
	h, _ := newTestHub(t)
	a := register(t, h, "a")

	h.Next(context.Background(), "a")

	if _, ok := a.lastOfType(protocol.EventMatchError); !ok {
		t.Fatalf("expected match:error when no peer id is registered")
	}
}

func TestPresenceCount_EdgeTriggered(t *testing.T) {
	h, clk := newTestHub(t)
	a := register(t, h, "a")
	register(t, h, "b")
	register(t, h, "c")

	if got := h.PresenceCount(); got != 0 {
		t.Fatalf("initial presence = %d, want 0", got)
	}

	h.RequestMatch(context.Background(), "a", "peer-a")
	clk.Advance(time.Second)
	h.RequestMatch(context.Background(), "b", "peer-b")
	clk.Advance(time.Second)
	h.RequestMatch(context.Background(), "c", "peer-c")

	// Two paired plus one waiting: every connection counts once.
	if got := h.PresenceCount(); got != 3 {
		t.Fatalf("presence = %d, want 3", got)
	}

	var counts []int
	for _, ev := range a.eventsOfType(protocol.EventUserCount) {
		counts = append(counts, *ev.Count)
	}
	want := []int{1, 2, 3}
	if len(counts) != len(want) {
		t.Fatalf("userCount broadcasts = %v, want %v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("userCount broadcasts = %v, want %v", counts, want)
		}
	}
}

func TestPresenceCount_UnchangedBySuccessfulPairing(t *testing.T) {
	h, clk := newTestHub(t)
	a := register(t, h, "a")
	register(t, h, "b")

	h.RequestMatch(context.Background(), "a", "peer-a")
	clk.Advance(time.Second)

	before := len(a.eventsOfType(protocol.EventUserCount))
	h.RequestMatch(context.Background(), "b", "peer-b")

	// 1 waiting -> 0 waiting + 2 paired: the total moved from 1 to 2, so one
	// more broadcast; pairing itself (pool -> pair table) adds exactly the
	// newly arrived connection, never double-counts the pair.
	if got := h.PresenceCount(); got != 2 {
		t.Fatalf("presence = %d, want 2", got)
	}
	evs := a.eventsOfType(protocol.EventUserCount)
	if len(evs) != before+1 || *evs[len(evs)-1].Count != 2 {
		t.Fatalf("expected exactly one broadcast with count 2, got %v", evs)
	}
}
