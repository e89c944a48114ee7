package match

import (
	"github.com/pairwave/rendezvous/internal/metrics"
	"github.com/pairwave/rendezvous/internal/protocol"
)

// JoinRoom adds the connection to a labeled group for the direct-invite
// flow. This is pure grouping, kept apart from the matching engine: the
// requester gets the join echoed back, existing members get a user:joined
// notice carrying the newcomer's label and connection id, and members then
// address call/negotiation events to each other's connection ids directly.
// Labels are not deduplicated.
func (h *Hub) JoinRoom(connID, email, roomID string) {
	h.mu.Lock()
	conn := h.conns[connID]
	if conn == nil {
		h.mu.Unlock()
		return
	}
	room := h.rooms[roomID]
	if room == nil {
		room = make(map[string]Conn)
		h.rooms[roomID] = room
	}
	room[connID] = conn
	if email == "" {
		// Rejoins may omit the label; reuse the last one we saw.
		email = h.labels[connID]
	}
	h.labels[connID] = email

	others := make([]Conn, 0, len(room)-1)
	for id, c := range room {
		if id != connID {
			others = append(others, c)
		}
	}
	h.mu.Unlock()

	h.metrics.Inc(metrics.RoomsJoined)
	h.log.Debug("room joined", "conn_id", connID, "room_id", roomID, "members", len(others)+1)

	conn.Push(protocol.Event{Type: protocol.EventRoomJoin, Email: email, RoomID: roomID})
	for _, c := range others {
		c.Push(protocol.Event{Type: protocol.EventUserJoined, Email: email, ConnID: connID})
	}
}

// leaveRoomsLocked drops connID from every room, deleting rooms that become
// empty. Must be called with h.mu held.
func (h *Hub) leaveRoomsLocked(connID string) {
	for roomID, room := range h.rooms {
		if _, ok := room[connID]; !ok {
			continue
		}
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, roomID)
		}
	}
}
