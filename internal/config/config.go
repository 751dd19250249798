// Package config loads and validates engine configuration from environment
// variables, in the teacher's accumulated-validation-errors style.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all engine configuration.
type Config struct {
	// Client-facing wire protocol listener.
	ListenPort int

	// Backend PostgreSQL-wire-compatible connection this engine proxies.
	PGHost     string
	PGPort     int
	PGUser     string
	PGPassword string
	PGDatabase string

	// HTTP control plane.
	APIPort             int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string

	// Verification.
	VerificationEnabled    bool
	VerificationServiceURL string // external verification service, when not self-hosted
	EnforceVerification    bool   // reject non-deterministic statements instead of forwarding+flagging
	HashAlgorithm          string // "sha256" | "blake2s" | "keccak256"
	ArchivePath            string // sqlite path for internal/archive
	Seed                   uint64 // deployment-wide seed for the determinism rewriter's (tx_id, timestamp, seed) triple

	// Query pipeline limits.
	MaxQueryLength  int
	FrameTimeout    time.Duration // per-frame read timeout (spec default 30s)
	BackendTimeout  time.Duration // per-backend-response timeout
	WALReconnectFixedDelay time.Duration // fixed 5s WAL reconnect delay
	ControlPlaneRetryBase time.Duration // exponential backoff base for control-plane HTTP
	ControlPlaneRetryMax  int           // cap tries

	// Rate limiting / DoS shell.
	RateLimit                int // requests per window, control-plane sliding window
	MaxConnectionsPerClient  int // spec scenario 6 default 3
	RedisURL                 string

	// Challenge protocol.
	ChallengeDeadline time.Duration

	// Replication-mode WAL follower (optional acceleration; intercept mode
	// is the baseline per spec §4.3).
	ReplicationConnString string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	LogLevel string
}

// Load reads configuration from environment variables with sensible
// defaults. Returns an error if any environment variable contains an
// unparseable value; missing variables use defaults.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		PGHost:                 envStr("PGVERITY_PG_HOST", "localhost"),
		PGUser:                 envStr("PGVERITY_PG_USER", "postgres"),
		PGPassword:             envStr("PGVERITY_PG_PASSWORD", ""),
		PGDatabase:             envStr("PGVERITY_PG_DATABASE", "postgres"),
		VerificationServiceURL: envStr("PGVERITY_VERIFICATION_SERVICE_URL", ""),
		HashAlgorithm:          envStr("PGVERITY_HASH_ALGORITHM", "sha256"),
		ArchivePath:            envStr("PGVERITY_ARCHIVE_PATH", "pgverity.sqlite"),
		RedisURL:               envStr("PGVERITY_REDIS_URL", ""),
		ReplicationConnString:  envStr("PGVERITY_REPLICATION_CONN_STRING", ""),
		OTELEndpoint:           envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:            envStr("OTEL_SERVICE_NAME", "pgverity"),
		LogLevel:               envStr("PGVERITY_LOG_LEVEL", "info"),
		CORSAllowedOrigins:     envStrSlice("PGVERITY_CORS_ALLOWED_ORIGINS", nil),
	}

	cfg.ListenPort, errs = collectInt(errs, "PGVERITY_LISTEN_PORT", 6432)
	cfg.PGPort, errs = collectInt(errs, "PGVERITY_PG_PORT", 5432)
	cfg.APIPort, errs = collectInt(errs, "API_PORT", 8080)
	cfg.MaxQueryLength, errs = collectInt(errs, "PGVERITY_MAX_QUERY_LENGTH", 8192)
	cfg.RateLimit, errs = collectInt(errs, "PGVERITY_RATE_LIMIT", 100)
	cfg.MaxConnectionsPerClient, errs = collectInt(errs, "PGVERITY_MAX_CONNECTIONS_PER_CLIENT", 3)
	cfg.ControlPlaneRetryMax, errs = collectInt(errs, "PGVERITY_CONTROL_PLANE_RETRY_MAX", 3)

	var seedErr error
	cfg.Seed, seedErr = envUint64("PGVERITY_SEED", 0x9E3779B97F4A7C15)
	if seedErr != nil {
		errs = append(errs, seedErr)
	}

	var maxReqBody int
	maxReqBody, errs = collectInt(errs, "PGVERITY_MAX_REQUEST_BODY_BYTES", 1*1024*1024)
	cfg.MaxRequestBodyBytes = int64(maxReqBody)

	cfg.VerificationEnabled, errs = collectBool(errs, "PGVERITY_VERIFICATION_ENABLED", true)
	cfg.EnforceVerification, errs = collectBool(errs, "PGVERITY_ENFORCE_VERIFICATION", false)
	cfg.OTELInsecure, errs = collectBool(errs, "OTEL_EXPORTER_OTLP_INSECURE", false)

	cfg.ReadTimeout, errs = collectDuration(errs, "PGVERITY_READ_TIMEOUT", 30*time.Second)
	cfg.WriteTimeout, errs = collectDuration(errs, "PGVERITY_WRITE_TIMEOUT", 30*time.Second)
	cfg.FrameTimeout, errs = collectDuration(errs, "PGVERITY_FRAME_TIMEOUT", 30*time.Second)
	cfg.BackendTimeout, errs = collectDuration(errs, "PGVERITY_BACKEND_TIMEOUT", 60*time.Second)
	cfg.WALReconnectFixedDelay, errs = collectDuration(errs, "PGVERITY_WAL_RECONNECT_DELAY", 5*time.Second)
	cfg.ControlPlaneRetryBase, errs = collectDuration(errs, "PGVERITY_CONTROL_PLANE_RETRY_BASE", 10*time.Millisecond)
	cfg.ChallengeDeadline, errs = collectDuration(errs, "PGVERITY_CHALLENGE_DEADLINE", 24*time.Hour)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// collectInt parses an int env var, appending any error to the accumulator.
func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectBool parses a bool env var, appending any error to the accumulator.
func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v, err := envBool(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectDuration parses a duration env var, appending any error to the accumulator.
func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v, err := envDuration(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	var errs []error

	if c.PGHost == "" {
		errs = append(errs, errors.New("config: PGVERITY_PG_HOST is required"))
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		errs = append(errs, errors.New("config: PGVERITY_LISTEN_PORT must be between 1 and 65535"))
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		errs = append(errs, errors.New("config: API_PORT must be between 1 and 65535"))
	}
	if c.PGPort < 1 || c.PGPort > 65535 {
		errs = append(errs, errors.New("config: PGVERITY_PG_PORT must be between 1 and 65535"))
	}
	switch c.HashAlgorithm {
	case "sha256", "blake2s", "keccak256":
	default:
		errs = append(errs, fmt.Errorf("config: PGVERITY_HASH_ALGORITHM %q is not one of sha256, blake2s, keccak256", c.HashAlgorithm))
	}
	if c.MaxQueryLength <= 0 {
		errs = append(errs, errors.New("config: PGVERITY_MAX_QUERY_LENGTH must be positive"))
	}
	if c.MaxConnectionsPerClient <= 0 {
		errs = append(errs, errors.New("config: PGVERITY_MAX_CONNECTIONS_PER_CLIENT must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("config: PGVERITY_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("config: PGVERITY_READ_TIMEOUT must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("config: PGVERITY_WRITE_TIMEOUT must be positive"))
	}
	if c.FrameTimeout <= 0 {
		errs = append(errs, errors.New("config: PGVERITY_FRAME_TIMEOUT must be positive"))
	}
	if c.WALReconnectFixedDelay <= 0 {
		errs = append(errs, errors.New("config: PGVERITY_WAL_RECONNECT_DELAY must be positive"))
	}
	if c.ControlPlaneRetryBase <= 0 {
		errs = append(errs, errors.New("config: PGVERITY_CONTROL_PLANE_RETRY_BASE must be positive"))
	}
	if c.ControlPlaneRetryMax <= 0 {
		errs = append(errs, errors.New("config: PGVERITY_CONTROL_PLANE_RETRY_MAX must be positive"))
	}
	if c.ChallengeDeadline <= 0 {
		errs = append(errs, errors.New("config: PGVERITY_CHALLENGE_DEADLINE must be positive"))
	}
	if c.ArchivePath == "" {
		errs = append(errs, errors.New("config: PGVERITY_ARCHIVE_PATH is required"))
	}

	return errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envUint64(key string, fallback uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid unsigned integer", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envStrSlice reads a comma-separated env var into a string slice.
// Returns fallback if the env var is empty or unset.
func envStrSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
