package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/501336North/oss-supervisor/config"
	"github.com/501336North/oss-supervisor/metrics"
	"github.com/501336North/oss-supervisor/state"
)

// DefaultPort is the proxy listen port.
const DefaultPort = 3456

// Server routes canonical requests to provider handlers.
type Server struct {
	port     int
	routing  *config.Routing
	handlers map[string]Handler
	logger   *slog.Logger
	metrics  *metrics.Metrics

	httpServer *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPort overrides the listen port.
func WithPort(port int) ServerOption {
	return func(s *Server) {
		if port > 0 {
			s.port = port
		}
	}
}

// WithHandler registers (or replaces) a provider handler.
func WithHandler(h Handler) ServerOption {
	return func(s *Server) {
		s.handlers[h.Provider()] = h
	}
}

// WithServerLogger sets the structured logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches the instrumentation bundle and enables /metrics.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer builds a Server from the routing config. The local handler
// is always registered; the remote handler only when a key is present.
func NewServer(routing *config.Routing, opts ...ServerOption) *Server {
	s := &Server{
		port:     DefaultPort,
		routing:  routing,
		handlers: map[string]Handler{},
		logger:   slog.Default(),
	}

	s.handlers["ollama"] = NewOllamaHandler(routing.OllamaBaseURL)
	if key := routing.APIKeys["openrouter"]; key != "" {
		if h, err := NewOpenRouterHandler(key); err == nil {
			s.handlers["openrouter"] = h
		}
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Post("/*", s.handleComplete)

	return r
}

// ListenAndServe runs the proxy until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port)),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleHealth reports the health of the default target's handler.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	provider, model, ok := config.SplitTarget(s.routing.Default)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok": false, "reason": "default target has no provider prefix",
		})
		return
	}

	handler, ok := s.handlers[provider]
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok": false, "reason": "no handler for provider " + provider,
		})
		return
	}

	if err := handler.Healthy(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok": false, "reason": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"provider": provider, "model": model, "ok": true,
	})
}

// handleComplete routes a canonical request by model prefix.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "", http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, "", http.StatusBadRequest, err.Error())
		return
	}

	provider, model, ok := config.SplitTarget(req.Model)
	if !ok {
		s.writeError(w, "", http.StatusBadRequest,
			fmt.Sprintf("model %q has no provider prefix; expected e.g. ollama/<model> or openrouter/<model>", req.Model))
		return
	}

	handler, ok := s.handlers[provider]
	if !ok {
		s.writeError(w, provider, http.StatusBadRequest, "unknown provider prefix "+strconv.Quote(provider))
		return
	}

	resp, err := handler.Complete(r.Context(), model, &req)
	if err != nil {
		s.completionError(w, provider, err)
		return
	}

	s.count(provider, "ok")
	writeJSON(w, http.StatusOK, resp)
}

// completionError maps handler errors onto HTTP statuses: mirrored
// upstream statuses where known, 502 for unreachable services, 500
// otherwise.
func (s *Server) completionError(w http.ResponseWriter, provider string, err error) {
	if ue, ok := asUpstream(err); ok {
		status := ue.status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		s.writeError(w, provider, status, ue.message)
		return
	}
	if errors.Is(err, state.ErrUpstreamUnavailable) {
		s.writeError(w, provider, http.StatusBadGateway, err.Error())
		return
	}
	s.logger.Error("proxy completion failed", "provider", provider, "error", err)
	s.writeError(w, provider, http.StatusInternalServerError, "internal proxy error")
}

func (s *Server) writeError(w http.ResponseWriter, provider string, status int, message string) {
	if provider == "" {
		provider = "none"
	}
	s.count(provider, strconv.Itoa(status))
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": message},
	})
}

func (s *Server) count(provider, status string) {
	if s.metrics != nil {
		s.metrics.ProxyRequests.WithLabelValues(provider, status).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !strings.Contains(err.Error(), "broken pipe") {
		slog.Default().Debug("write response", "error", err)
	}
}
