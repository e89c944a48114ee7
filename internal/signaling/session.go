package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pairwave/rendezvous/internal/metrics"
	"github.com/pairwave/rendezvous/internal/protocol"
	"github.com/pairwave/rendezvous/internal/ratelimit"
)

const (
	wsWriteWait = 1 * time.Second

	// inboundQueueSize bounds events waiting on the serial handler. Acks
	// bypass the queue, so a full queue means the client floods faster than
	// its own (possibly Deliver-blocked) handler can drain.
	inboundQueueSize = 64
)

var errSessionClosed = errors.New("session closed")

// session is one WebSocket connection. It implements match.Conn.
//
// Two goroutine rules keep the session deadlock-free. First, the read loop
// never calls the hub: it resolves acks inline and queues everything else
// onto in, so ack replies are always consumed even while a hub call is
// blocked inside Deliver. Second, handleLoop processes queued events one at
// a time, so hub calls for a single client never interleave.
type session struct {
	id      string
	srv     *Server
	conn    *websocket.Conn
	log     *slog.Logger
	limiter *ratelimit.TokenBucket

	ctx    context.Context
	cancel context.CancelFunc

	in chan protocol.Event

	writeMu sync.Mutex

	ackMu   sync.Mutex
	acks    map[uint64]chan struct{}
	nextAck uint64

	closeOnce sync.Once
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &session{
		id:      id,
		srv:     srv,
		conn:    conn,
		log:     srv.log.With("conn_id", id),
		limiter: ratelimit.NewTokenBucket(srv.clock, srv.cfg.MessagesPerSecond, srv.cfg.MessagesPerSecond),
		ctx:     ctx,
		cancel:  cancel,
		in:      make(chan protocol.Event, inboundQueueSize),
		acks:    make(map[uint64]chan struct{}),
	}
}

func (s *session) ID() string { return s.id }

// Deliver sends ev with a fresh ackId and blocks until the client echoes the
// ack, ctx expires, or the session closes. The hub treats any error as a
// failed notification.
func (s *session) Deliver(ctx context.Context, ev protocol.Event) error {
	s.ackMu.Lock()
	s.nextAck++
	ackID := s.nextAck
	ch := make(chan struct{})
	s.acks[ackID] = ch
	s.ackMu.Unlock()

	defer func() {
		s.ackMu.Lock()
		delete(s.acks, ackID)
		s.ackMu.Unlock()
	}()

	ev.AckID = ackID
	if err := s.send(ev); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errSessionClosed
	}
}

// Push sends ev without waiting for a receipt. A write failure closes the
// session; the read loop's exit then runs the usual unregister path.
func (s *session) Push(ev protocol.Event) {
	if err := s.send(ev); err != nil {
		s.close()
	}
}

func (s *session) send(ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) run() {
	s.srv.hub.Register(s)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pingLoop()
	}()
	go func() {
		defer wg.Done()
		s.handleLoop()
	}()

	// Shutdown order matters: cancel and close the socket so both loops
	// unwind, join them, then unregister so the hub never calls back into a
	// half-torn-down session.
	defer s.srv.hub.Unregister(s.id)
	defer wg.Wait()
	defer s.close()

	s.readLoop()
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(s.srv.cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.IdleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.IdleTimeout))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.IdleTimeout))

		// Rate limiting happens after the read so bytes already buffered by
		// the OS are consumed. Closing with unread data pending can turn the
		// close frame into an RST the client never sees.
		if !s.limiter.Allow() {
			s.srv.incMetric(metrics.DropRateLimited)
			s.fail(protocol.Event{Type: protocol.EventError, Message: "rate limit exceeded"},
				websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.fail(protocol.Event{Type: protocol.EventError, Message: "expected text message"},
				websocket.CloseUnsupportedData, "expected text message")
			return
		}

		ev, err := protocol.ParseClientEvent(data)
		if err != nil {
			s.srv.incMetric(metrics.BadMessages)
			s.Push(protocol.Event{Type: protocol.EventError, Message: err.Error()})
			continue
		}

		if ev.Type == protocol.EventAck {
			s.resolveAck(ev.AckID)
			continue
		}

		select {
		case s.in <- ev:
		default:
			s.fail(protocol.Event{Type: protocol.EventError, Message: "message backlog exceeded"},
				websocket.ClosePolicyViolation, "message backlog exceeded")
			return
		}
	}
}

func (s *session) resolveAck(ackID uint64) {
	s.ackMu.Lock()
	ch, ok := s.acks[ackID]
	if ok {
		delete(s.acks, ackID)
	}
	s.ackMu.Unlock()
	if ok {
		close(ch)
	}
	// Late or unknown acks are dropped silently; the delivery they confirm
	// has already been written off.
}

func (s *session) handleLoop() {
	for {
		select {
		case ev := <-s.in:
			s.dispatch(ev)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) dispatch(ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.srv.incMetric(metrics.HandlerPanics)
			s.log.Error("handler panic",
				"event", string(ev.Type),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			s.Push(protocol.Event{Type: protocol.ErrorEventFor(ev.Type), Message: "internal error"})
		}
	}()

	hub := s.srv.hub
	switch ev.Type {
	case protocol.EventFindMatch:
		hub.RequestMatch(s.ctx, s.id, ev.PeerID)
	case protocol.EventNext:
		hub.Next(s.ctx, s.id)
	case protocol.EventChatMessage:
		hub.Chat(s.ctx, s.id, ev.Text)
	case protocol.EventChatTyping:
		hub.Typing(s.ctx, s.id, *ev.IsTyping)
	case protocol.EventCallIncoming, protocol.EventCallAccepted,
		protocol.EventNegotiationNeed, protocol.EventNegotiationDone:
		hub.ForwardSignal(s.ctx, s.id, ev)
	case protocol.EventRoomJoin:
		hub.JoinRoom(s.id, ev.Email, ev.RoomID)
	}
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(s.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) fail(ev protocol.Event, closeCode int, reason string) {
	_ = s.send(ev)
	s.closeWith(closeCode, reason)
}

func (s *session) closeWith(code int, reason string) {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	s.writeMu.Unlock()
	s.close()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
	})
}

func (s *Server) incMetric(name string) {
	s.metrics.Inc(name)
}
