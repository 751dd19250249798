package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pgverity/pgverity/internal/archive"
	"github.com/pgverity/pgverity/internal/capture"
	"github.com/pgverity/pgverity/internal/config"
	"github.com/pgverity/pgverity/internal/hashcore"
	"github.com/pgverity/pgverity/internal/ratelimit"
	"github.com/pgverity/pgverity/internal/server"
	"github.com/pgverity/pgverity/internal/telemetry"
	"github.com/pgverity/pgverity/internal/verify"
	"github.com/pgverity/pgverity/internal/wireproto"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("PGVERITY_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("pgverity starting", "version", version, "listen_port", cfg.ListenPort, "api_port", cfg.APIPort)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	algo, err := hashAlgorithm(cfg.HashAlgorithm)
	if err != nil {
		return err
	}
	hasher, err := hashcore.New(algo)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}

	store, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("archive close failed", "error", err)
		}
	}()

	backendDSN := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.PGUser, cfg.PGPassword, cfg.PGHost, cfg.PGPort, cfg.PGDatabase)

	backend, err := capture.NewBackend(ctx, backendDSN, logger)
	if err != nil {
		return fmt.Errorf("connect backend: %w", err)
	}
	defer backend.Close()

	manager := verify.NewManager(store, hasher)

	engine, err := buildEngine(ctx, backend, hasher, logger, manager)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	rateLimiter, rateRule := newRateLimiter(cfg, logger)
	defer func() { _ = rateLimiter.Close() }()

	srv := server.New(server.ServerConfig{
		Store:               store,
		Manager:             manager,
		Engine:              engine,
		Logger:              logger,
		RateLimiter:         rateLimiter,
		RateLimit:           rateRule,
		Port:                cfg.APIPort,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		Backend:             fmt.Sprintf("%s:%d/%s", cfg.PGHost, cfg.PGPort, cfg.PGDatabase),
		VerificationEnabled: cfg.VerificationEnabled,
		StartedAt:           time.Now(),
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
	})

	listener := wireproto.NewListener(
		fmt.Sprintf(":%d", cfg.ListenPort),
		wireproto.ConnConfig{
			BackendAddr:         fmt.Sprintf("%s:%d", cfg.PGHost, cfg.PGPort),
			FrameTimeout:        cfg.FrameTimeout,
			BackendTimeout:      cfg.BackendTimeout,
			EnforceVerification: cfg.EnforceVerification,
			Seed:                cfg.Seed,
		},
		engine, manager, logger, cfg.MaxConnectionsPerClient,
	)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)

	errCh := make(chan error, 1)
	go func() {
		httpSrv := &httpServerWrapper{srv: srv}
		errCh <- httpSrv.Start()
	}()

	g.Go(func() error {
		if err := listener.Run(gctx); err != nil {
			return fmt.Errorf("wireproto listener: %w", err)
		}
		return nil
	})

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("control plane stopped unexpectedly", "error", err)
		}
	}

	logger.Info("pgverity shutting down")

	// Cancel the wireproto listener's context before draining it, so a
	// control-plane failure also stops the wire-protocol side instead of
	// leaving it serving traffic with no control plane behind it.
	stop()

	shutdownCtx, cancel := contextWithOptionalTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("control plane shutdown failed", "error", err)
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

// httpServerWrapper adapts server.Server.Start's blocking ListenAndServe
// into the error-channel pattern used to race the HTTP server against
// context cancellation.
type httpServerWrapper struct {
	srv *server.Server
}

func (w *httpServerWrapper) Start() error {
	if err := w.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildEngine connects a fresh Snapshot to the backend's current schema
// and loads the genesis state: every row visible on the backend right
// now becomes block 0's committed state. Genesis is archived as block
// 0's transaction so Replay and the crash-restart rebuild have a
// pre-state to start from even when the proxied database already held
// rows before the engine started (intercept mode against a live
// deployment).
func buildEngine(ctx context.Context, backend *capture.Backend, hasher *hashcore.Hasher, logger *slog.Logger, manager *verify.Manager) (*capture.Engine, error) {
	schemas, err := backend.DiscoverSchema(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover schema: %w", err)
	}

	snap, err := capture.NewSnapshot(hasher)
	if err != nil {
		return nil, fmt.Errorf("new snapshot: %w", err)
	}

	genesisOps, err := backend.LoadGenesisSnapshot(ctx, snap, schemas, "id")
	if err != nil {
		return nil, fmt.Errorf("load genesis snapshot: %w", err)
	}

	if err := manager.ArchiveGenesis(ctx, snap.BlockState(), genesisOps); err != nil {
		return nil, fmt.Errorf("archive genesis: %w", err)
	}
	engine := capture.NewEngine(snap)

	logger.Info("genesis snapshot loaded", "tables", len(schemas), "rows", len(genesisOps), "state_root", snap.StateRoot())

	return engine, nil
}

func hashAlgorithm(name string) (hashcore.Algorithm, error) {
	switch name {
	case "sha256":
		return hashcore.SHA256, nil
	case "blake2s":
		return hashcore.Blake2s, nil
	case "keccak256":
		return hashcore.Keccak256, nil
	default:
		return 0, fmt.Errorf("unknown hash algorithm %q", name)
	}
}

// newRateLimiter selects a Redis-backed limiter, shared across proxy
// instances, when PGVERITY_REDIS_URL is configured, and falls back to an
// in-process MemoryLimiter otherwise so the control plane always enforces
// PGVERITY_RATE_LIMIT even on a single, Redis-less deployment.
func newRateLimiter(cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, ratelimit.Rule) {
	rule := ratelimit.Rule{
		Prefix: "api",
		Limit:  cfg.RateLimit,
		Window: time.Minute,
	}

	if cfg.RedisURL == "" {
		logger.Info("rate limiting: memory (in-process sliding window unavailable, Redis not configured)",
			"requests_per_minute", cfg.RateLimit)
		return ratelimit.NewMemoryLimiter(float64(cfg.RateLimit)/60, cfg.RateLimit), rule
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid PGVERITY_REDIS_URL, falling back to memory rate limiter", "error", err)
		return ratelimit.NewMemoryLimiter(float64(cfg.RateLimit)/60, cfg.RateLimit), rule
	}

	client := redis.NewClient(opts)
	logger.Info("rate limiting: redis", "requests_per_minute", cfg.RateLimit)
	return ratelimit.New(client, logger, false), rule
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
