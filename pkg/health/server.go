package health

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/openclaw/voicebridge/pkg/logging"
	"github.com/openclaw/voicebridge/pkg/metrics"
)

// Server exposes a GET /health probe with the current metrics snapshot.
// All other paths return 404.
type Server struct {
	registry *metrics.Registry
	startAt  time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	srv      *http.Server
	duration func() time.Duration
}

func NewServer(registry *metrics.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: registry,
		startAt:  time.Now(),
		logger:   logging.NewComponentLogger(logger, "health"),
	}
}

// SetSessionDuration installs the provider for the active session's
// duration; nil while no session is joined.
func (s *Server) SetSessionDuration(fn func() time.Duration) {
	s.mu.Lock()
	s.duration = fn
	s.mu.Unlock()
}

// Start listens on the given port. Returns the bound address so tests
// can pass port 0.
func (s *Server) Start(port int) (string, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return "", err
	}
	srv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server stopped", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("health server listening", slog.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/health" {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	duration := s.duration
	s.mu.Unlock()

	session := map[string]any{}
	if duration != nil {
		session["duration"] = duration().Seconds()
	}
	if s.registry != nil {
		session["metrics"] = s.registry.Snapshot()
	}
	body := map[string]any{
		"status":         "ok",
		"uptime":         time.Since(s.startAt).Seconds(),
		"currentSession": session,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
