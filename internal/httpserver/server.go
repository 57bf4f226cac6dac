package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/matchmaking"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Options carries the runtime components the HTTP surface reports on. Both
// fields may be nil; the matching endpoints then degrade gracefully.
type Options struct {
	Metrics   *metrics.Metrics
	Lifecycle *matchmaking.Lifecycle
}

type Server struct {
	log       *slog.Logger
	cfg       config.Config
	build     BuildInfo
	metrics   *metrics.Metrics
	lifecycle *matchmaking.Lifecycle
	origins   *origin.Policy
	turn      *turnrest.Generator

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, opts Options) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	origins, err := origin.NewPolicy(cfg.AllowedOrigins)
	if err != nil {
		return nil, fmt.Errorf("allowed origins: %w", err)
	}

	s := &Server{
		log:       logger,
		cfg:       cfg,
		build:     build,
		metrics:   opts.Metrics,
		lifecycle: opts.Lifecycle,
		origins:   origins,
		mux:       http.NewServeMux(),
	}

	if cfg.TURNREST.Enabled() {
		s.turn, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            cfg.TURNREST.TTL(),
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("turn rest: %w", err)
		}
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Signaling connections are long-lived; their deadlines are managed
		// per connection.
	}

	return s, nil
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Handler returns the full middleware chain. Tests use it with httptest.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// CheckOrigin applies the configured origin policy to a WebSocket upgrade.
// It has the signature expected by websocket.Upgrader.CheckOrigin.
func (s *Server) CheckOrigin(r *http.Request) bool {
	normalized, ok := s.origins.Check(r)
	if !ok {
		s.metrics.Inc(metrics.OriginRejected)
		s.log.Warn("rejected websocket origin", "origin", r.Header.Get("Origin"), "normalized", normalized, "remote_addr", r.RemoteAddr)
	}
	return ok
}

func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		if s.lifecycle != nil {
			if err := s.lifecycle.Check(); err != nil {
				s.log.Error("matchmaking state check failed", "err", err)
				WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
				return
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(s.handleICE))
	s.mux.HandleFunc("OPTIONS /webrtc/ice", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics))

	if s.cfg.Mode == config.ModeDev {
		s.mux.HandleFunc("GET /debug/matchmaking", s.handleDebugMatchmaking)
	}
}

type iceResponse struct {
	ICEServers any    `json:"iceServers"`
	ExpiresAt  string `json:"expiresAt,omitempty"`
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	resp := iceResponse{ICEServers: servers}

	if s.turn != nil {
		creds, err := s.turn.IssueRandom()
		if err != nil {
			s.log.Error("issue turn rest credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to issue TURN credentials"})
			return
		}
		s.metrics.Inc(metrics.TURNRESTIssued)
		resp.ICEServers = creds.Apply(servers)
		resp.ExpiresAt = creds.Expires.Format(time.RFC3339)
	}

	// Credentials are per request; intermediaries must not reuse them.
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDebugMatchmaking(w http.ResponseWriter, r *http.Request) {
	if s.lifecycle == nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "matchmaking not configured"})
		return
	}
	body := map[string]any{"stats": s.lifecycle.Stats(), "ok": true}
	if err := s.lifecycle.Check(); err != nil {
		body["ok"] = false
		body["error"] = err.Error()
	}
	WriteJSON(w, http.StatusOK, body)
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			r.Header.Set("X-Request-ID", reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over connections that pass
// through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
