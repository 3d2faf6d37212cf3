// Package debugsrv exposes the pprof, expvar, and statsviz endpoints a
// running replica serves on its debug listener, separate from the
// transport port Raft traffic uses.
package debugsrv

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

	"github.com/nexusraft/waldb/config"
	"github.com/nexusraft/waldb/sys"
)

// preallocStatsPublished guards the expvar.Publish call below: expvar
// panics if the same variable name is published twice, which would
// otherwise happen if New is called more than once in a process (as
// tests do).
var preallocStatsPublished sync.Once

// Server manages the HTTP server for metrics and debugging.
type Server struct {
	server  *http.Server
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
}

// New creates a debug Server per cfg. Handlers are registered based on
// which sub-features are enabled; cfg.Enabled is not consulted here, so
// callers decide whether to construct and start the Server at all.
func New(cfg config.DebugConfig, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	logger = logger.With("component", "debugsrv")

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof endpoints enabled on /debug/pprof")
	}

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")

		preallocStatsPublished.Do(func() {
			expvar.Publish("wal_prealloc_stats", expvar.Func(func() interface{} {
				hits, misses := sys.PreallocCacheStats()
				return map[string]uint64{
					"cache_hits":   hits,
					"cache_misses": misses,
					"successes":    sys.PreallocSuccessCount(),
					"failures":     sys.PreallocFailureCount(),
					"unsupported":  sys.PreallocUnsupportedCount(),
				}
			}))
		})

		if cfg.MonitorUIEnabled {
			_ = statsviz.Register(mux,
				statsviz.Root("/viz"),
				statsviz.SendFrequency(250*time.Millisecond),
			)
			logger.Info("statsviz dashboard enabled on /viz")
		}
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = "0.0.0.0:6060"
	}

	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start listens and serves until Stop is called. It blocks.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("debug server listening", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("debugsrv: serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
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
	}
}
