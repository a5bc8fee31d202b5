// Package api is the HTTP server of fieldsync-server: the assignments API
// the client syncs against and the device login endpoints.
package api

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"

	"github.com/marcus/fieldsync/internal/serverdb"
)

// Server is the HTTP API server for fieldsync-server.
type Server struct {
	config      Config
	http        *http.Server
	store       *serverdb.ServerDB
	metrics     *Metrics
	rateLimiter *RateLimiter
	tokenAuth   *jwtauth.JWTAuth
	addr        string
	cancel      context.CancelFunc
}

// NewServer creates a new Server with the given config and store.
func NewServer(cfg Config, store *serverdb.ServerDB) (*Server, error) {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.RateLimitAuth <= 0 {
		cfg.RateLimitAuth = 30
	}
	if cfg.RateLimitWrite <= 0 {
		cfg.RateLimitWrite = 120
	}

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		slog.Warn("no jwt secret configured, tokens will not survive a restart")
	}

	s := &Server{
		config:      cfg,
		store:       store,
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
		tokenAuth:   jwtauth.New("HS256", secret, nil),
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Addr returns the address the server listens on once started.
func (s *Server) Addr() string {
	return s.addr
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr = ln.Addr().String()

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.rateLimiter.RunCleanup(ctx, s.config.CleanupInterval)
	go s.runCleanup(ctx)

	return nil
}

// runCleanup periodically expires device logins nobody approved.
func (s *Server) runCleanup(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cleanup panic", "panic", r)
		}
	}()
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.CleanupExpiredAuthRequests(ctx)
			if err != nil {
				slog.Error("cleanup expired auth requests", "err", err)
			} else if n > 0 {
				slog.Info("cleaned up expired auth requests", "count", n)
			}
		}
	}
}

// Shutdown gracefully stops the server and its background work.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		recoveryMiddleware,
		middleware.RequestID,
		loggerMiddleware,
		metricsMiddleware(s.metrics),
		loggingMiddleware,
		middleware.RequestSize(10<<20),
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, ErrCodeBadRequest, "method not allowed")
	})

	// Health & metrics
	r.Get("/healthz", s.handleHealth)
	r.Get("/metricz", s.handleMetrics)

	// Device login (public)
	r.Group(func(r chi.Router) {
		r.Use(limitByIP(s.rateLimiter, s.config.RateLimitAuth))
		r.Post("/oauth/device/code", s.handleDeviceCode)
		r.Post("/oauth/token", s.handleToken)
		r.Get("/device", s.handleVerifyPage)
		r.Post("/device", s.handleVerifySubmit)
	})

	// Assignments
	r.Route("/assignments", func(r chi.Router) {
		r.Use(jwtauth.Verifier(s.tokenAuth), requireWorker)
		r.Get("/", s.handleListAssignments)
		r.Get("/{id}", s.handleGetAssignment)
		r.With(limitByWorker(s.rateLimiter, s.config.RateLimitWrite)).Put("/{id}/work", s.handleSubmitWork)
	})

	return r
}

// healthResponse is the body of GET /healthz.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// handleHealth returns a health check response, pinging the server DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, r, http.StatusServiceUnavailable, healthResponse{Status: "error", Detail: "db unreachable"})
		return
	}
	writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok", Version: s.config.Version})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.metrics.Snapshot())
}
