// Package bridge serves readiness, health and metrics over local HTTP for UI
// surfaces that cannot subscribe in-process.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jrepp/deskhost/pkg/readiness"
)

// ReadyResponse is the body of GET /ready
type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	BaseURL string `json:"base_url,omitempty"`
	State   string `json:"state,omitempty"`
}

// Server is the local bridge HTTP server
type Server struct {
	addr        string
	broadcaster *readiness.Broadcaster
	gatherer    prometheus.Gatherer
	state       func() string
	logger      *slog.Logger

	srv      *http.Server
	listener net.Listener
}

// Option configures a Server
type Option func(*Server)

// WithGatherer exposes gatherer at /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithStateFunc adds the supervisor state to responses
func WithStateFunc(fn func() string) Option {
	return func(s *Server) {
		s.state = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a bridge for addr, e.g. "127.0.0.1:7777"
func New(addr string, b *readiness.Broadcaster, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		broadcaster: b,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the bridge routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens and serves in the background
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bridge listen on %s: %w", s.addr, err)
	}
	s.listener = l

	go func() {
		s.logger.Info("bridge server listening", "addr", l.Addr().String())
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("bridge server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "healthy"}
	if s.state != nil {
		body["state"] = s.state()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	latest, _ := s.broadcaster.Latest()

	resp := ReadyResponse{Ready: latest.Ready}
	if latest.Ready {
		resp.BaseURL = latest.BaseURL
	}
	if s.state != nil {
		resp.State = s.state()
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
