package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/matchmaking"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/protocol"
)

// Config wires the runtime dependencies of the signaling endpoint.
type Config struct {
	Lifecycle *matchmaking.Lifecycle
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// IdleTimeout closes connections that neither send a message nor answer
	// a ping within the window. PingInterval must be shorter.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// MaxMessageBytes is the transport read limit. Larger frames close the
	// connection with 1009.
	MaxMessageBytes int64
	// SendQueueBytes bounds the encoded frames waiting for one connection's
	// writer.
	SendQueueBytes int

	// CheckOrigin is passed to the upgrader. Origin policy is normally
	// enforced by the httpserver middleware, so nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Server implements the matchmaker's WebSocket surface.
//
// Endpoints:
//   - GET /ws : signaling
//   - GET /   : same handler, for clients that connect to the bare host
type Server struct {
	lifecycle *matchmaking.Lifecycle
	metrics   *metrics.Metrics
	log       *slog.Logger

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	sendQueueBytes  int

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	lifecycle := cfg.Lifecycle
	if lifecycle == nil {
		lifecycle = matchmaking.NewLifecycle(matchmaking.Config{Logger: logger, Metrics: cfg.Metrics})
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	s := &Server{
		lifecycle:       lifecycle,
		metrics:         cfg.Metrics,
		log:             logger,
		idleTimeout:     cfg.IdleTimeout,
		pingInterval:    cfg.PingInterval,
		maxMessageBytes: cfg.MaxMessageBytes,
		sendQueueBytes:  cfg.SendQueueBytes,
		upgrader:        websocket.Upgrader{CheckOrigin: checkOrigin},
		conns:           make(map[*conn]struct{}),
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = 60 * time.Second
	}
	if s.pingInterval <= 0 || s.pingInterval >= s.idleTimeout {
		s.pingInterval = s.idleTimeout / 3
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = 64 * 1024
	}
	if s.sendQueueBytes <= 0 {
		s.sendQueueBytes = 1 << 20
	}
	return s
}

func (s *Server) Lifecycle() *matchmaking.Lifecycle {
	return s.lifecycle
}

// Close sends a going-away close frame to every open connection and makes
// the endpoint refuse new ones. It does not wait for the connections to
// finish tearing down.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /{$}", s.handleWebSocket)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	id := uuid.NewString()
	c := newConn(id, ws, s.log.With("conn_id", id, "remote_addr", r.RemoteAddr), s.metrics, s.sendQueueBytes)
	s.metrics.Inc(metrics.WSConnections)
	c.log.Debug("websocket connected")

	if !s.track(c) {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	defer s.untrack(c)
	s.serveConn(c)
}

// serveConn runs the read loop on the calling goroutine and returns once the
// connection is fully torn down.
func (s *Server) serveConn(c *conn) {
	go c.writeLoop()
	go c.pingLoop(s.pingInterval)

	c.ws.SetReadLimit(s.maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.idleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	code, reason := s.readLoop(c)

	c.shutdown(code, reason)
	if c.identity != "" {
		s.lifecycle.Disconnect(c.identity, c)
	}
	<-c.written
	c.log.Debug("websocket closed", "identity", c.identity, "close_code", code)
}

func (s *Server) readLoop(c *conn) (int, string) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				s.metrics.Inc(metrics.WSIdleTimeout)
				c.log.Info("closing idle websocket", "identity", c.identity)
				return websocket.CloseNormalClosure, "idle timeout"
			case errors.Is(err, websocket.ErrReadLimit):
				return websocket.CloseMessageTooBig, "message too large"
			}
			return websocket.CloseNormalClosure, ""
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.idleTimeout))

		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.MessageMalformed)
			c.log.Warn("dropping non-text frame", "frame_type", msgType)
			continue
		}
		s.dispatch(c, data)
	}
}

func (s *Server) dispatch(c *conn, data []byte) {
	msg, err := protocol.ParseInbound(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownMessageType):
		s.metrics.Inc(metrics.MessageUnknownType)
		c.log.Debug("ignoring message", "err", err)
		return
	case err != nil:
		s.metrics.Inc(metrics.MessageMalformed)
		c.log.Warn("dropping malformed message", "err", err)
		return
	}

	switch msg.Type {
	case protocol.MessageTypeRegister:
		id := matchmaking.Identity(msg.UserID)
		if c.identity != "" && c.identity != id {
			_ = s.lifecycle.Leave(c.identity, c)
		}
		c.identity = id
		res, err := s.lifecycle.Register(id, c)
		if err != nil {
			c.log.Warn("register failed", "identity", id, "err", err)
			c.identity = ""
			return
		}
		c.log.Debug("registered", "identity", id, "paired", res.Paired, "peer_id", res.Peer)

	case protocol.MessageTypeSignal:
		if err := s.lifecycle.Signal(c.identity, matchmaking.Identity(msg.To), msg.SignalData, c); err != nil {
			c.log.Debug("signal not delivered", "identity", c.identity, "to", msg.To, "err", err)
		}

	case protocol.MessageTypeNext:
		if _, err := s.lifecycle.Next(c.identity, c); err != nil {
			c.log.Debug("next ignored", "err", err)
		}

	case protocol.MessageTypeLeave:
		if err := s.lifecycle.Leave(c.identity, c); err != nil {
			c.log.Debug("leave ignored", "err", err)
			return
		}
		c.identity = ""
	}
}
