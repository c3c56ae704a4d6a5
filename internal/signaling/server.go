package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/queue"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/room"
)

const (
	defaultIdleTimeout          = 60 * time.Second
	defaultPingInterval         = 20 * time.Second
	defaultMaxMessageBytes      = 64 * 1024
	defaultMaxMessagesPerSecond = 50
	defaultSendQueueBytes       = 1 << 20
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Hub     *room.Hub
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins is the browser origin allowlist for the WebSocket
	// handshake. Empty means same host only.
	AllowedOrigins []string

	// IdleTimeout closes connections that stop answering pings.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	// SendQueueBytes bounds queued outbound bytes per connection.
	SendQueueBytes int

	// NewParticipantID assigns ids to joins that do not request one.
	// Defaults to random UUIDs.
	NewParticipantID func() string

	Clock ratelimit.Clock
}

// Server implements the relay's WebSocket surface.
//
// Endpoints:
//   - GET /signal : WebSocket room signaling
//   - GET /rooms  : JSON listing of live rooms
type Server struct {
	hub     *room.Hub
	log     *slog.Logger
	metrics *metrics.Metrics

	allowedOrigins []string

	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int
	sendQueueBytes       int
	newParticipantID     func() string
	clock                ratelimit.Clock

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	s := &Server{
		hub:                  cfg.Hub,
		log:                  cfg.Logger,
		metrics:              cfg.Metrics,
		allowedOrigins:       cfg.AllowedOrigins,
		idleTimeout:          cfg.IdleTimeout,
		pingInterval:         cfg.PingInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		sendQueueBytes:       cfg.SendQueueBytes,
		newParticipantID:     cfg.NewParticipantID,
		clock:                cfg.Clock,
		conns:                make(map[*wsConn]struct{}),
	}
	if s.hub == nil {
		s.hub = room.NewHub(room.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = defaultIdleTimeout
	}
	if s.pingInterval <= 0 || s.pingInterval >= s.idleTimeout {
		s.pingInterval = min(defaultPingInterval, s.idleTimeout/2)
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = defaultMaxMessageBytes
	}
	if s.maxMessagesPerSecond <= 0 {
		s.maxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if s.sendQueueBytes <= 0 {
		s.sendQueueBytes = defaultSendQueueBytes
	}
	if s.newParticipantID == nil {
		s.newParticipantID = uuid.NewString
	}
	if s.clock == nil {
		s.clock = ratelimit.RealClock{}
	}
	return s
}

// Hub returns the room registry the server routes through.
func (s *Server) Hub() *room.Hub {
	return s.hub
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.ServeSignal)
	mux.HandleFunc("GET /rooms", s.ServeRooms)
}

// ServeHTTP provides minimal routing for tests and simple deployments.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/signal":
		s.ServeSignal(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/rooms":
		s.ServeRooms(w, r)
	default:
		http.NotFound(w, r)
	}
}

// Close disconnects every participant with a going-away close frame and
// waits for their handlers to finish. New connections are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.shutdown()
	}
	s.wg.Wait()
}

// ConnectionCount reports open signaling connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeRooms lists live rooms and their sizes.
func (s *Server) ServeRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Rooms []room.Info `json:"rooms"`
	}{Rooms: s.hub.Rooms()})
}

// ServeSignal upgrades the request to a signaling WebSocket and serves it
// until the participant disconnects.
func (s *Server) ServeSignal(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := origin.CheckRequest(r, s.allowedOrigins)
			return ok
		},
	}

	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	log := s.log.With("remote_addr", r.RemoteAddr)
	c := &wsConn{
		srv:      s,
		conn:     conn,
		log:      log,
		roomLog:  log,
		limiter:  ratelimit.NewPerSecond(s.clock, s.maxMessagesPerSecond),
		out:      queue.New(s.sendQueueBytes, outboundCost),
		pumpDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.shutdown()
		return
	}
	defer s.untrack(c)
	c.run()
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
