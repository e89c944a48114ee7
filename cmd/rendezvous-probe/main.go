// rendezvous-probe is a headless smoke test for a running relay. It opens two
// WebSocket connections, joins both into a private room, then negotiates a
// real WebRTC data channel between them with the relay carrying the
// offer/answer exchange. Exit status 0 means a message crossed the channel.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/pairwave/rendezvous/internal/protocol"
)

func main() {
	var (
		serverURL = flag.String("server", "ws://127.0.0.1:8080/ws", "relay WebSocket URL")
		stunURL   = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server for ICE (empty = host candidates only)")
		timeout   = flag.Duration("timeout", 30*time.Second, "overall probe deadline")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := probe(log, *serverURL, *stunURL, *timeout); err != nil {
		log.Error("probe failed", "err", err)
		os.Exit(1)
	}
	log.Info("probe succeeded")
}

func probe(log *slog.Logger, serverURL, stunURL string, timeout time.Duration) error {
	deadline := time.After(timeout)
	roomID := "probe-" + uuid.NewString()

	offerer, err := dial(log.With("role", "offerer"), serverURL)
	if err != nil {
		return fmt.Errorf("dial offerer: %w", err)
	}
	defer offerer.Close()

	answerer, err := dial(log.With("role", "answerer"), serverURL)
	if err != nil {
		return fmt.Errorf("dial answerer: %w", err)
	}
	defer answerer.Close()

	// The offerer joins first so it receives user:joined when the answerer
	// arrives; that event carries the connection id call:incoming needs.
	offerer.send(protocol.Event{Type: protocol.EventRoomJoin, Email: "offerer@probe", RoomID: roomID})
	if _, err := offerer.await(protocol.EventRoomJoin, deadline); err != nil {
		return err
	}
	answerer.send(protocol.Event{Type: protocol.EventRoomJoin, Email: "answerer@probe", RoomID: roomID})
	if _, err := answerer.await(protocol.EventRoomJoin, deadline); err != nil {
		return err
	}
	joined, err := offerer.await(protocol.EventUserJoined, deadline)
	if err != nil {
		return err
	}
	answererConnID := joined.ConnID

	var iceServers []webrtc.ICEServer
	if stunURL != "" {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{stunURL}})
	}
	rtcCfg := webrtc.Configuration{ICEServers: iceServers}

	offerPC, err := webrtc.NewPeerConnection(rtcCfg)
	if err != nil {
		return fmt.Errorf("offerer peer connection: %w", err)
	}
	defer offerPC.Close()

	answerPC, err := webrtc.NewPeerConnection(rtcCfg)
	if err != nil {
		return fmt.Errorf("answerer peer connection: %w", err)
	}
	defer answerPC.Close()

	received := make(chan string, 1)
	answerPC.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			select {
			case received <- string(msg.Data):
			default:
			}
		})
	})

	dc, err := offerPC.CreateDataChannel("probe", nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	dc.OnOpen(func() {
		_ = dc.SendText("ping through the relay")
	})

	offerSDP, err := localDescription(offerPC, nil)
	if err != nil {
		return fmt.Errorf("offerer description: %w", err)
	}
	offerer.send(protocol.Event{
		Type:  protocol.EventCallIncoming,
		To:    answererConnID,
		Offer: offerSDP,
	})

	incoming, err := answerer.await(protocol.EventCallIncoming, deadline)
	if err != nil {
		return err
	}
	var remoteOffer webrtc.SessionDescription
	if err := json.Unmarshal(incoming.Offer, &remoteOffer); err != nil {
		return fmt.Errorf("decode relayed offer: %w", err)
	}
	if err := answerPC.SetRemoteDescription(remoteOffer); err != nil {
		return fmt.Errorf("answerer set remote: %w", err)
	}

	answerSDP, err := localDescription(answerPC, &remoteOffer)
	if err != nil {
		return fmt.Errorf("answerer description: %w", err)
	}
	answerer.send(protocol.Event{
		Type:      protocol.EventCallAccepted,
		OffererID: incoming.OffererID,
		Answer:    answerSDP,
	})

	accepted, err := offerer.await(protocol.EventCallAccepted, deadline)
	if err != nil {
		return err
	}
	var remoteAnswer webrtc.SessionDescription
	if err := json.Unmarshal(accepted.Answer, &remoteAnswer); err != nil {
		return fmt.Errorf("decode relayed answer: %w", err)
	}
	if err := offerPC.SetRemoteDescription(remoteAnswer); err != nil {
		return fmt.Errorf("offerer set remote: %w", err)
	}

	select {
	case msg := <-received:
		log.Info("data channel delivered", "message", msg)
		return nil
	case <-deadline:
		return errors.New("timed out waiting for data channel message")
	}
}

// localDescription produces a fully gathered local description, so the SDP
// carries all ICE candidates and no trickle exchange is needed.
func localDescription(pc *webrtc.PeerConnection, remote *webrtc.SessionDescription) (json.RawMessage, error) {
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if remote == nil {
		desc, err = pc.CreateOffer(nil)
	} else {
		desc, err = pc.CreateAnswer(nil)
	}
	if err != nil {
		return nil, err
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}
	<-gathered

	local := pc.LocalDescription()
	if local == nil {
		return nil, errors.New("missing local description")
	}
	return json.Marshal(local)
}

// client is a minimal relay connection that acks acknowledged deliveries and
// fans events out to whoever is awaiting them.
type client struct {
	log  *slog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex
	events  chan protocol.Event
	done    chan struct{}
}

func dial(log *slog.Logger, serverURL string) (*client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err != nil {
		return nil, err
	}
	c := &client{
		log:    log,
		conn:   conn,
		events: make(chan protocol.Event, 32),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("undecodable event", "err", err)
			continue
		}
		if ev.AckID != 0 {
			c.send(protocol.Event{Type: protocol.EventAck, AckID: ev.AckID})
		}
		select {
		case c.events <- ev:
		default:
			c.log.Warn("event buffer full, dropping", "type", string(ev.Type))
		}
	}
}

func (c *client) send(ev protocol.Event) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(ev); err != nil {
		c.log.Warn("write failed", "err", err)
	}
}

func (c *client) await(want protocol.EventType, deadline <-chan time.Time) (protocol.Event, error) {
	for {
		select {
		case ev := <-c.events:
			if ev.Type == want {
				return ev, nil
			}
			c.log.Debug("skipping event", "type", string(ev.Type))
		case <-c.done:
			return protocol.Event{}, errors.New("connection closed")
		case <-deadline:
			return protocol.Event{}, fmt.Errorf("timed out waiting for %s", want)
		}
	}
}

func (c *client) Close() {
	_ = c.conn.Close()
}
