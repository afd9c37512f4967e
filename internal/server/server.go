// Package server exposes a read-only HTTP view of one run: a status
// snapshot, artifact listing and retrieval, and a live audit event stream.
// The server never writes to the run; every mutation goes through the CLI
// so the single-writer lock discipline holds.
package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sondeworks/sonde/internal/runstore"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. "127.0.0.1:8080"
}

// Server serves the run status API.
type Server struct {
	config  Config
	store   *runstore.Store
	tailer  *auditTailer
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *zap.Logger
}

// New builds a Server over an opened run store.
func New(st *runstore.Store, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		store:   st,
		tailer:  newAuditTailer(st, logger),
		baseCtx: ctx,
		cancel:  cancel,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/run", func(r chi.Router) {
		r.Get("/", s.handleSnapshot)
		r.Get("/gates", s.handleGates)
		r.Get("/ticks", s.handleTicks)
		r.Get("/artifacts", s.handleListArtifacts)
		r.Get("/artifacts/*", s.handleGetArtifact)
		r.Get("/events", s.handleEvents)
	})

	s.httpSrv = &http.Server{
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// ListenAndServe starts the audit tailer and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info("shutting down", zap.String("signal", sig.String()))
			s.Shutdown()
		case <-s.baseCtx.Done():
		}
	}()

	if err := s.tailer.Start(s.baseCtx); err != nil {
		return err
	}

	s.logger.Info("serving run status",
		zap.String("addr", s.config.Addr),
		zap.String("run_id", s.store.RunID))
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains HTTP connections and stops the tailer.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
	s.tailer.Close()
}
