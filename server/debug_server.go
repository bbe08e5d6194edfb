// Package server hosts the process-level HTTP and gRPC surfaces that
// cmd/tabletserver starts alongside a wal.Log and consensus.Driver: a debug
// mux for expvar/pprof/statsviz, and a gRPC listener carrying the health
// and reflection services.
package server

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/arl/statsviz"

	"github.com/nexusdb/tabletwal/walconf"
)

// DebugServer exposes expvar counters published by metrics.ExpvarSink,
// optional pprof profiling endpoints, and a live statsviz dashboard.
type DebugServer struct {
	server  *http.Server
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewDebugServer builds the debug mux from cfg. A zero-value ListenAddress
// defaults to ":8080".
func NewDebugServer(cfg walconf.DebugConfig, logger *slog.Logger) *DebugServer {
	mux := http.NewServeMux()
	logger = logger.With("component", "DebugServer")

	if cfg.EnabledProfiling {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}

	if cfg.EnabledMetrics {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")

		if err := statsviz.Register(mux, statsviz.Root("/viz"), statsviz.SendFrequency(250*time.Millisecond)); err != nil {
			logger.Warn("statsviz registration failed", "error", err)
		} else {
			logger.Info("statsviz dashboard available at /viz")
		}
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = ":8080"
	}

	return &DebugServer{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start runs the debug server. It blocks until Stop is called or the
// listener fails.
func (s *DebugServer) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("debug server listening", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("debug server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the debug server.
func (s *DebugServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("debug server shutdown failed", "error", err)
	} else {
		s.logger.Info("debug server stopped gracefully")
	}
}
