// Package signaling owns the WebSocket edge of the relay: upgrading
// connections, enforcing per-connection message limits and keepalive, and
// translating wire events into hub calls. All matching and routing decisions
// live in internal/match; this package only moves events across the socket.
package signaling

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairwave/rendezvous/internal/match"
	"github.com/pairwave/rendezvous/internal/metrics"
	"github.com/pairwave/rendezvous/internal/origin"
	"github.com/pairwave/rendezvous/internal/ratelimit"
)

// Config carries the knobs the WebSocket server needs. Zero values fall back
// to the defaults below.
type Config struct {
	Hub     *match.Hub
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock

	// IdleTimeout closes connections that produce no reads (including pongs)
	// for this long. PingInterval must be shorter than IdleTimeout.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int64

	// AllowedOrigins restricts browser origins for the upgrade handshake.
	// Entries must be normalized origins or "*"; empty means same-host only.
	// Requests without an Origin header (non-browser clients) always pass.
	AllowedOrigins []string
}

const (
	DefaultIdleTimeout       = 60 * time.Second
	DefaultPingInterval      = 20 * time.Second
	DefaultMaxMessageBytes   = 64 * 1024
	DefaultMessagesPerSecond = 50
)

// Server upgrades HTTP requests on /ws and runs one session per connection.
type Server struct {
	cfg      Config
	hub      *match.Hub
	log      *slog.Logger
	metrics  *metrics.Metrics
	clock    ratelimit.Clock
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = DefaultMessagesPerSecond
	}

	s := &Server{
		cfg:     cfg,
		hub:     cfg.Hub,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/ws", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.log.Debug("websocket upgrade rejected", "remote", r.RemoteAddr, "err", err)
		return
	}
	newSession(s, conn).run()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	hdr := r.Header.Get("Origin")
	if hdr == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(hdr)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins)
}
