// Package server wires the orchestrator behind a minimal HTTP surface: the
// one relay endpoint and a health check. There is no admin API in this
// deployment — accounts and API keys are provisioned directly against the
// store backend.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/apirelay/internal/config"
	"github.com/relaycore/apirelay/internal/orchestrator"
	"github.com/relaycore/apirelay/internal/transport"
)

// requestIDHeader carries the correlation ID a client can hand back when
// reporting an issue.
const requestIDHeader = "X-Request-Id"

// pinger is implemented by backends that can report liveness; backends
// that don't implement it (e.g. the in-memory store used in tests) are
// skipped by the health check rather than failing it.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server is the relay's HTTP server.
type Server struct {
	cfg          *config.Config
	orchestrator *orchestrator.Orchestrator
	transportMgr *transport.Manager
	backends     []pinger
	httpServer   *http.Server
	startTime    time.Time
}

// New wires the orchestrator into a mux and prepares (but does not start)
// the HTTP server. backends is every store backend the deployment opened;
// whichever of them implement Ping are checked by GET /health.
func New(cfg *config.Config, o *orchestrator.Orchestrator, tm *transport.Manager, backends ...any) *Server {
	srv := &Server{
		cfg:          cfg,
		orchestrator: o,
		transportMgr: tm,
		startTime:    time.Now(),
	}
	for _, b := range backends {
		if p, ok := b.(pinger); ok {
			srv.backends = append(srv.backends, p)
		}
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        withRequestID(requestLogger(mux)),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/v1/messages", http.HandlerFunc(s.orchestrator.ServeHTTP))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		for _, b := range s.backends {
			if err := b.Ping(r.Context()); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, `{"status":"error","detail":"%s"}`, err.Error())
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}

// Run starts the server and blocks until an OS signal triggers graceful
// shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.runTransportCleanup(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// runTransportCleanup evicts cached round-trippers idle for over 10
// minutes every 5 minutes, bounding the per-proxy connection cache.
func (s *Server) runTransportCleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.transportMgr.CloseIdle(10 * time.Minute)
		}
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "requestId", w.Header().Get(requestIDHeader))
		next.ServeHTTP(w, r)
	})
}

// withRequestID stamps every response with a fresh correlation ID, the
// same way the teacher stamps every admin session and account with one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(requestIDHeader, uuid.New().String())
		next.ServeHTTP(w, r)
	})
}
