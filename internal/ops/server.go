// Package ops serves the operational HTTP endpoints of the signing
// authority: liveness, readiness, metrics and an authenticated shutdown hook.
package ops

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"
)

type Config struct {
	ListenAddr  string
	AuthToken   string
	EnablePprof bool
	Log         *slog.Logger

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Ready is consulted by /readyz in addition to the drain flag.
	Ready func(ctx context.Context) error

	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

type Server struct {
	cfg      *Config
	isReady  atomic.Bool
	log      *slog.Logger
	srv      *http.Server
	shutdown chan string
}

func New(cfg *Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      log.With("component", "ops"),
		shutdown: make(chan string, 1),
	}
	s.isReady.Store(true)
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router returns the route table. Exposed for tests.
func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.With(s.httpLogger).Get("/livez", s.handleLivenessCheck)
	mux.With(s.httpLogger).Get("/readyz", s.handleReadinessCheck)
	mux.With(s.httpLogger, s.requireToken).Post("/admin/shutdown", s.handleShutdown)
	mux.With(s.httpLogger, s.requireToken).Post("/admin/drain", s.handleDrain)
	mux.With(s.httpLogger, s.requireToken).Post("/admin/undrain", s.handleUndrain)

	if s.cfg.Metrics != nil {
		mux.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}
	if s.cfg.EnablePprof {
		s.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

// ShutdownRequested delivers the reason of an operator shutdown request.
func (s *Server) ShutdownRequested() <-chan string {
	return s.shutdown
}

// SetReady flips the readiness flag reported by /readyz.
func (s *Server) SetReady(ready bool) {
	s.isReady.Store(ready)
}

func (s *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(s.log, next)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.cfg.AuthToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeStatus(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write([]byte(`{"status":"` + status + `"}`))
}

func (s *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.log.Warn("readiness check failed", "error", err)
			writeStatus(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeStatus(w, http.StatusOK, "ready")
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.isReady.Store(false)
	select {
	case s.shutdown <- "operator request from " + r.RemoteAddr:
		s.log.Warn("shutdown requested", "remote", r.RemoteAddr)
		writeStatus(w, http.StatusAccepted, "shutting down")
	default:
		writeStatus(w, http.StatusAccepted, "already shutting down")
	}
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}
	s.log.Info("server marked as not ready")
	writeStatus(w, http.StatusOK, "draining")
}

func (s *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if s.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}
	s.log.Info("server marked as ready")
	writeStatus(w, http.StatusOK, "ready")
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.log.Info("starting ops server", "listenAddress", s.cfg.ListenAddr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown() {
	timeout := s.cfg.GracefulShutdownDuration
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error("graceful ops server shutdown failed", "err", err)
	} else {
		s.log.Info("ops server gracefully stopped")
	}
}
