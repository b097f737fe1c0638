package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/clarify"
	"github.com/parley-ai/parley/internal/logging"
)

// Config holds gateway server configuration.
type Config struct {
	// Addr is the listen address in host:port form.
	Addr string
	// Service is the chat orchestrator the gateway fronts.
	Service *chat.Service
	// FenceWindow tunes the clarification parser applied to finished
	// replies. Zero selects clarify.DefaultFenceWindow.
	FenceWindow int
	// RateLimit configures per-IP request limiting. A zero
	// RequestsPerSecond disables it.
	RateLimit RateLimitConfig
	// WS configures WebSocket behavior. Zero fields take defaults.
	WS WSConfig
	// Logger receives gateway diagnostics. Nil selects the web
	// component logger.
	Logger *slog.Logger
}

// Server is the HTTP and WebSocket gateway in front of a chat.Service.
// Create with NewServer, stop with Shutdown.
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	svc         *chat.Service
	hub         *sessionHub
	rateLimiter *RateLimiter
	tracker     *ConnectionTracker
	wsConfig    WSConfig
	logger      *slog.Logger

	mu       sync.Mutex
	shutdown bool
}

// NewServer creates a gateway server and registers it as an observer of the
// chat service. The server does not listen until ListenAndServe or Serve.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Web()
	}

	s := &Server{
		svc:         cfg.Service,
		rateLimiter: NewRateLimiter(cfg.RateLimit),
		wsConfig:    cfg.WS.withDefaults(),
		logger:      logger,
	}
	s.tracker = NewConnectionTracker(s.wsConfig.MaxConnectionsPerIP)
	s.hub = newSessionHub(cfg.Service, clarify.NewParser(cfg.FenceWindow), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleChatWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	s.handler = s.rateLimiter.Middleware(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.svc.AddObserver(s.hub)
	return s
}

// Handler exposes the gateway's HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on the configured address and serves until
// Shutdown. A shutdown-initiated close is not an error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Gateway listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve serves on an existing listener. Used by tests and by callers that
// bind the port themselves.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Gateway listening", "addr", l.Addr().String())
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// SetRateLimit applies a new per-IP rate limit to current and future
// clients. Used by configuration hot-reload.
func (s *Server) SetRateLimit(requestsPerSecond float64, burst int) {
	s.rateLimiter.SetRate(requestsPerSecond, burst)
}

// IsShutdown reports whether Shutdown has been called.
func (s *Server) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Shutdown detaches from the chat service, closes every client connection
// and stops the HTTP server. The chat service itself is left running; its
// lifecycle belongs to the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.logger.Info("Gateway shutting down")

	s.svc.RemoveObserver(s.hub)
	s.hub.closeAll()
	s.rateLimiter.Close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("Gateway shutdown incomplete", "error", err)
		return err
	}
	s.logger.Info("Gateway stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
		Clients  int    `json:"clients"`
	}{
		Status:   "ok",
		Sessions: len(s.svc.Sessions()),
		Clients:  s.hub.clientCount(),
	}
	code := http.StatusOK
	if s.IsShutdown() {
		resp.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
