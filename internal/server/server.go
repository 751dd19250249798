package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pgverity/pgverity/internal/archive"
	"github.com/pgverity/pgverity/internal/capture"
	"github.com/pgverity/pgverity/internal/ratelimit"
	"github.com/pgverity/pgverity/internal/verify"
)

// Server is the engine's HTTP control plane.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	Store   *archive.Store
	Manager *verify.Manager
	Engine  *capture.Engine
	Logger  *slog.Logger

	// Optional (nil = disabled).
	RateLimiter ratelimit.Limiter
	RateLimit   ratelimit.Rule

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	Backend             string
	VerificationEnabled bool
	StartedAt           time.Time
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string
}

// New creates a new HTTP server with all control plane routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Manager:             cfg.Manager,
		Engine:              cfg.Engine,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		Backend:             cfg.Backend,
		VerificationEnabled: cfg.VerificationEnabled,
		StartedAt:           cfg.StartedAt,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	mux.Handle("GET /api/v1/state-root/latest", http.HandlerFunc(h.HandleLatestStateRoot))
	mux.Handle("GET /api/v1/state-root/{block}", http.HandlerFunc(h.HandleStateRootAtBlock))
	mux.Handle("GET /api/v1/transaction/{id}", http.HandlerFunc(h.HandleGetTransaction))
	mux.Handle("POST /api/v1/verify/transaction", http.HandlerFunc(h.HandleVerifyTransaction))
	mux.Handle("POST /api/v1/proof/row", http.HandlerFunc(h.HandleRowProof))
	mux.Handle("POST /api/v1/verify/proof/row", http.HandlerFunc(h.HandleVerifyRowProof))
	mux.Handle("POST /api/v1/challenge", http.HandlerFunc(h.HandleSubmitChallenge))
	mux.Handle("GET /api/v1/challenges", http.HandlerFunc(h.HandleListChallenges))
	mux.Handle("GET /api/v1/challenge/{id}", http.HandlerFunc(h.HandleGetChallenge))
	mux.Handle("GET /api/v1/state-commitments", http.HandlerFunc(h.HandleStateCommitments))
	mux.Handle("GET /api/v1/block/latest", http.HandlerFunc(h.HandleLatestBlock))
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID -> security headers -> CORS -> tracing -> logging -> recovery -> rateLimit -> handler.
	var handler http.Handler = mux
	if cfg.RateLimiter != nil {
		handler = ratelimit.Middleware(cfg.RateLimiter, cfg.RateLimit, ratelimit.IPKeyFunc)(handler)
	}
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  2 * cfg.ReadTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("control plane starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("control plane shutting down")
	return s.httpServer.Shutdown(ctx)
}
