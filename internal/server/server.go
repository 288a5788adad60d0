// Package server exposes the kernel over HTTP: run control verbs with etag
// preconditions and an SSE event stream with durable replay.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/EffortlessMetrics/switchyard/internal/kernel"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8484"
}

// Server is the HTTP front end for a kernel Runtime.
type Server struct {
	config  Config
	rt      *kernel.Runtime
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	log     zerolog.Logger
}

// New creates a Server over an already-configured Runtime. Flows must be
// registered on the runtime before runs can be created.
func New(cfg Config, rt *kernel.Runtime, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		rt:      rt,
		baseCtx: ctx,
		cancel:  cancel,
		log:     log,
	}

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(s.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler returns the route table without the CSRF wrapper, for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("POST /runs/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /runs/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /runs/{id}/inject", s.handleInject)
	mux.HandleFunc("POST /runs/{id}/interrupt", s.handleInterrupt)
	return mux
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.log.Info().Str("signal", sig.String()).Msg("shutting down")
		s.Shutdown()
	}()

	s.log.Info().Str("addr", s.config.Addr).Msg("listening")
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers always set the
// Origin header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI/programmatic callers (which either
// omit Origin or set it to match the server).
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server and the runtime beneath it.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	_ = s.rt.Close()
	s.cancel()
}
