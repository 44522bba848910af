// Package api exposes the LeadPipe HTTP boundary: CRM webhooks, the manual
// batch trigger and read-only lead inspection endpoints.
//
// The handlers perform boundary filtering only (unrecognized stage labels and
// own-device replies are answered here and never reach the engine); all
// sequencing decisions live in the engine and dispatch packages.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/dispatch"
	"github.com/BTreeMap/LeadPipe/internal/engine"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown on context cancellation.
const shutdownTimeout = 5 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address (e.g. ":8080" or "127.0.0.1:9090").
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the HTTP handlers to the progression engine, the dispatch
// coordinator and the store.
type Server struct {
	engine      *engine.ProgressionEngine
	coordinator *dispatch.Coordinator
	st          store.Store
	addr        string
	mux         *http.ServeMux
	httpServer  *http.Server
}

// NewServer creates an API server over the given dependencies and registers
// the standard routes.
func NewServer(eng *engine.ProgressionEngine, coordinator *dispatch.Coordinator, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		engine:      eng,
		coordinator: coordinator,
		st:          st,
		addr:        cfg.Addr,
		mux:         http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/webhooks/stage", s.stageWebhookHandler)
	s.mux.HandleFunc("/webhooks/reply", s.replyWebhookHandler)
	s.mux.HandleFunc("/batch/run", s.batchRunHandler)
	s.mux.HandleFunc("/leads", s.leadsHandler)
	s.mux.HandleFunc("/leads/", s.leadByIDHandler)
	s.mux.HandleFunc("/health", s.healthHandler)
}

// Handle registers an extra route on the server mux. Used by main to mount
// gateway-specific webhooks (e.g. the Twilio inbound handler).
func (s *Server) Handle(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		slog.Info("Server.Run: shut down cleanly")
		return nil
	case err, ok := <-errCh:
		if !ok || err == nil {
			return nil
		}
		return fmt.Errorf("server listen: %w", err)
	}
}
