package match

import (
	"context"

	"github.com/google/uuid"

	"github.com/pairwave/rendezvous/internal/metrics"
	"github.com/pairwave/rendezvous/internal/protocol"
)

// ForwardSignal relays one call/negotiation event from fromID to the target
// connection named inside the event. The offer/answer payloads are opaque:
// they are copied through without inspection. Delivery is acknowledged and
// timeout-bounded; on a missing recipient or a failed delivery the sender
// receives the kind-specific error event and no retry is attempted.
func (h *Hub) ForwardSignal(ctx context.Context, fromID string, ev protocol.Event) {
	from := h.lookup(fromID)
	if from == nil {
		return
	}

	var (
		targetID string
		out      protocol.Event
	)
	switch ev.Type {
	case protocol.EventCallIncoming:
		targetID = ev.To
		out = protocol.Event{Type: protocol.EventCallIncoming, OffererID: fromID, Offer: ev.Offer}
	case protocol.EventCallAccepted:
		targetID = ev.OffererID
		out = protocol.Event{Type: protocol.EventCallAccepted, AnswererID: fromID, Answer: ev.Answer}
	case protocol.EventNegotiationNeed:
		targetID = ev.AnswererID
		out = protocol.Event{Type: protocol.EventNegotiationNeed, OffererID: fromID, Offer: ev.Offer}
	case protocol.EventNegotiationDone:
		// The original offerer receives the final answer under a distinct name.
		targetID = ev.OffererID
		out = protocol.Event{Type: protocol.EventNegotiationFinal, AnswererID: fromID, Answer: ev.Answer}
	default:
		from.Push(protocol.Event{Type: protocol.EventError, Message: "unroutable event"})
		return
	}

	errType := protocol.ErrorEventFor(ev.Type)
	target := h.lookup(targetID)
	if target == nil {
		from.Push(protocol.Event{Type: errType, Message: "recipient not connected"})
		return
	}
	if err := h.deliver(ctx, target, out); err != nil {
		from.Push(protocol.Event{Type: errType, Message: "delivery failed"})
	}
}

// Chat relays a chat message to the sender's current partner. The server
// stamps the message with the sender id and a server-side timestamp, and
// confirms the send back to the sender with a chat:sent receipt distinct
// from the partner's delivery acknowledgment.
func (h *Hub) Chat(ctx context.Context, fromID, text string) {
	from := h.lookup(fromID)
	if from == nil {
		return
	}
	if text == "" {
		from.Push(protocol.Event{Type: protocol.EventChatError, Message: "empty message"})
		return
	}

	partner := h.partnerConn(fromID)
	if partner == nil {
		from.Push(protocol.Event{Type: protocol.EventChatError, Message: "no active partner"})
		return
	}

	ts := h.clock.Now().UnixMilli()
	if err := h.deliver(ctx, partner, protocol.Event{
		Type:      protocol.EventChatMessage,
		SenderID:  fromID,
		Message:   text,
		Timestamp: ts,
	}); err != nil {
		from.Push(protocol.Event{Type: protocol.EventChatError, Message: "delivery failed"})
		return
	}

	h.metrics.Inc(metrics.ChatMessages)
	from.Push(protocol.Event{
		Type:      protocol.EventChatSent,
		MessageID: uuid.NewString(),
		Timestamp: ts,
	})
}

// Typing relays a typing indicator to the sender's current partner.
func (h *Hub) Typing(ctx context.Context, fromID string, isTyping bool) {
	from := h.lookup(fromID)
	if from == nil {
		return
	}
	partner := h.partnerConn(fromID)
	if partner == nil {
		from.Push(protocol.Event{Type: protocol.EventChatError, Message: "no active partner"})
		return
	}
	t := isTyping
	if err := h.deliver(ctx, partner, protocol.Event{
		Type:     protocol.EventChatTyping,
		IsTyping: &t,
	}); err != nil {
		from.Push(protocol.Event{Type: protocol.EventChatError, Message: "delivery failed"})
	}
}

// partnerConn resolves fromID's current partner connection, or nil.
func (h *Hub) partnerConn(fromID string) Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	pid, ok := h.pairs[fromID]
	if !ok {
		return nil
	}
	return h.conns[pid]
}
