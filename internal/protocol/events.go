// Package protocol models the JSON wire surface between clients and the
// relay. It intentionally carries no transport or matching logic; payloads
// destined for the peer (session descriptions, ICE data) are opaque
// json.RawMessage pass-through.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type EventType string

// Client -> server event types.
const (
	EventFindMatch        EventType = "findMatch"
	EventNext             EventType = "next"
	EventChatMessage      EventType = "chat:message"
	EventChatTyping       EventType = "chat:typing"
	EventCallIncoming     EventType = "call:incoming"
	EventCallAccepted     EventType = "call:accepted"
	EventNegotiationNeed  EventType = "peer:negotiation:needed"
	EventNegotiationDone  EventType = "peer:negotiation:done"
	EventRoomJoin         EventType = "room:join"
	EventAck              EventType = "ack"
)

// Server -> client event types. call:incoming, call:accepted,
// peer:negotiation:needed, chat:message, chat:typing and room:join are reused
// in the outbound direction with server-resolved sender fields.
const (
	EventUserCount        EventType = "userCount"
	EventMatched          EventType = "matched"
	EventPartnerLeft      EventType = "partnerLeft"
	EventMatchTimeout     EventType = "match:timeout"
	EventMatchFailed      EventType = "match:failed"
	EventMatchError       EventType = "match:error"
	EventChatSent         EventType = "chat:sent"
	EventChatError        EventType = "chat:error"
	EventCallError        EventType = "call:error"
	EventNegotiationFinal EventType = "peer:negotiation:final"
	EventNegotiationError EventType = "negotiation:error"
	EventRoomError        EventType = "room:error"
	EventUserJoined       EventType = "user:joined"
	EventError            EventType = "error"
)

// Event is the single flat envelope for every message in either direction.
// Which fields are meaningful depends on Type; Validate enforces the
// per-type requirements for client events.
type Event struct {
	Type EventType `json:"type"`

	// AckID correlates acknowledged deliveries. The server sets it on events
	// that require receipt confirmation; the client answers with an ack event
	// carrying the same value.
	AckID uint64 `json:"ackId,omitempty"`

	// Matching.
	PeerID    string `json:"peerId,omitempty"`
	PartnerID string `json:"partnerId,omitempty"`
	Count     *int   `json:"count,omitempty"`

	// Call / negotiation signaling. Offer and Answer are opaque blobs owned
	// by the clients' media endpoints; the relay never decodes them.
	To         string          `json:"to,omitempty"`
	OffererID  string          `json:"offererId,omitempty"`
	AnswererID string          `json:"answererId,omitempty"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`

	// Chat.
	Text      string `json:"text,omitempty"`
	IsTyping  *bool  `json:"isTyping,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
	Message   string `json:"message,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// Room mode.
	Email  string `json:"email,omitempty"`
	RoomID string `json:"roomId,omitempty"`
	ConnID string `json:"connId,omitempty"`
}

// ParseClientEvent decodes a client message strictly: unknown fields and
// trailing data are rejected, and per-type required fields are enforced.
func ParseClientEvent(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Event{}, fmt.Errorf("unexpected trailing data")
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate checks a client event's required fields. Server-only event types
// are rejected outright.
func (e Event) Validate() error {
	switch e.Type {
	case EventFindMatch:
		if e.PeerID == "" {
			return fmt.Errorf("findMatch missing peerId")
		}
	case EventNext:
		// No payload.
	case EventChatMessage:
		if e.Text == "" {
			return fmt.Errorf("chat:message missing text")
		}
	case EventChatTyping:
		if e.IsTyping == nil {
			return fmt.Errorf("chat:typing missing isTyping")
		}
	case EventCallIncoming:
		if e.To == "" {
			return fmt.Errorf("call:incoming missing to")
		}
		if len(e.Offer) == 0 {
			return fmt.Errorf("call:incoming missing offer")
		}
	case EventCallAccepted:
		if e.OffererID == "" {
			return fmt.Errorf("call:accepted missing offererId")
		}
		if len(e.Answer) == 0 {
			return fmt.Errorf("call:accepted missing answer")
		}
	case EventNegotiationNeed:
		if e.AnswererID == "" {
			return fmt.Errorf("peer:negotiation:needed missing answererId")
		}
		if len(e.Offer) == 0 {
			return fmt.Errorf("peer:negotiation:needed missing offer")
		}
	case EventNegotiationDone:
		if e.OffererID == "" {
			return fmt.Errorf("peer:negotiation:done missing offererId")
		}
		if len(e.Answer) == 0 {
			return fmt.Errorf("peer:negotiation:done missing answer")
		}
	case EventRoomJoin:
		if e.RoomID == "" {
			return fmt.Errorf("room:join missing roomId")
		}
	case EventAck:
		if e.AckID == 0 {
			return fmt.Errorf("ack missing ackId")
		}
	default:
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	return nil
}

// ErrorEventFor maps a client event type to the named error event the sender
// should receive when handling fails.
func ErrorEventFor(t EventType) EventType {
	switch t {
	case EventFindMatch, EventNext:
		return EventMatchError
	case EventChatMessage, EventChatTyping:
		return EventChatError
	case EventCallIncoming, EventCallAccepted:
		return EventCallError
	case EventNegotiationNeed, EventNegotiationDone:
		return EventNegotiationError
	case EventRoomJoin:
		return EventRoomError
	default:
		return EventError
	}
}
