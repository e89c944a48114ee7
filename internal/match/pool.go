package match

import (
	"container/list"
	"time"
)

// waitEntry is one connection waiting for a partner.
type waitEntry struct {
	connID   string
	peerID   string
	joinedAt time.Time
}

// waitingPool holds connections seeking a partner. Insertion order is
// preserved: selection is by smallest join time with ties resolved by
// insertion order, and re-inserted entries keep their original join time
// without disturbing the order of everyone else.
type waitingPool struct {
	order *list.List // of *waitEntry
	index map[string]*list.Element
}

func newWaitingPool() *waitingPool {
	return &waitingPool{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (p *waitingPool) Len() int { return p.order.Len() }

func (p *waitingPool) Contains(connID string) bool {
	_, ok := p.index[connID]
	return ok
}

// Add appends e unless the connection is already pooled.
func (p *waitingPool) Add(e *waitEntry) {
	if _, ok := p.index[e.connID]; ok {
		return
	}
	p.index[e.connID] = p.order.PushBack(e)
}

// Refresh replaces the stored peer-transport id for a pooled connection,
// keeping its join time and position. Reports whether connID was pooled.
func (p *waitingPool) Refresh(connID, peerID string) bool {
	el, ok := p.index[connID]
	if !ok {
		return false
	}
	el.Value.(*waitEntry).peerID = peerID
	return true
}

// Remove deletes and returns the entry for connID, or nil.
func (p *waitingPool) Remove(connID string) *waitEntry {
	el, ok := p.index[connID]
	if !ok {
		return nil
	}
	delete(p.index, connID)
	return p.order.Remove(el).(*waitEntry)
}

// Oldest returns the entry with the smallest join time, skipping the
// requester and any entry keep reports false for. Strictly-less comparison
// keeps the earliest-inserted entry on equal timestamps.
func (p *waitingPool) Oldest(skipConnID string, keep func(connID string) bool) *waitEntry {
	var best *waitEntry
	for el := p.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*waitEntry)
		if e.connID == skipConnID {
			continue
		}
		if keep != nil && !keep(e.connID) {
			continue
		}
		if best == nil || e.joinedAt.Before(best.joinedAt) {
			best = e
		}
	}
	return best
}

// Evict removes and returns every entry that joined before cutoff or whose
// connection live reports false for.
func (p *waitingPool) Evict(cutoff time.Time, live func(connID string) bool) []*waitEntry {
	var out []*waitEntry
	for el := p.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*waitEntry)
		if e.joinedAt.Before(cutoff) || (live != nil && !live(e.connID)) {
			delete(p.index, e.connID)
			p.order.Remove(el)
			out = append(out, e)
		}
		el = next
	}
	return out
}
