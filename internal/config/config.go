package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hamed0406/regionwatch/internal/domain"
	"github.com/hamed0406/regionwatch/internal/worker"
)

var (
	ErrMissingRegion   = errors.New("config: REGION_ID is required")
	ErrMissingWorkerID = errors.New("config: WORKER_ID is required")
	ErrMissingRedis    = errors.New("config: REDIS_URL is required")
	ErrMissingDatabase = errors.New("config: DATABASE_URL is required")
)

type Config struct {
	Addr        string // API bind address, e.g. "127.0.0.1:8080" or ":8080" (Docker)
	LogDir      string
	DatabaseURL string // empty means in-memory store (API only)
	MetricsAddr string // optional /metrics listener for dispatcher and worker

	// Stream
	RedisURL     string
	StreamKey    string
	StreamMaxLen int64         // approximate MAXLEN on XADD; 0 keeps everything
	ClaimIdle    time.Duration // pending entries idle this long are redelivered
	ReadBlock    time.Duration // XREADGROUP BLOCK; 0 polls

	// Regional worker identity
	RegionID string
	WorkerID string

	BatchSize      int
	ProbeTimeout   time.Duration
	IdleBackoff    time.Duration
	MaxIdleBackoff time.Duration

	// Dispatcher
	DispatchInterval time.Duration
	MaxBacklog       int64 // 0 disables the high-water check

	// API
	PublicAPIKeys  []string
	AdminAPIKeys   []string
	PublicRPM      int
	PublicBurst    int
	AdminRPM       int
	AdminBurst     int
	AllowedOrigins []string
}

func FromEnv() Config {
	return Config{
		Addr:        envOr("API_ADDR", envOr("ADDR", "127.0.0.1:8080")),
		LogDir:      envOr("LOG_DIR", "logs"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),

		RedisURL:     envOr("REDIS_URL", "redis://localhost:6379/0"),
		StreamKey:    envOr("STREAM_KEY", "regionwatch:checks"),
		StreamMaxLen: int64(envInt("STREAM_MAXLEN", 0, 0)),
		ClaimIdle:    envMillis("STREAM_CLAIM_IDLE_MS", 30*time.Second, 1),
		ReadBlock:    envMillis("STREAM_BLOCK_MS", 2*time.Second, 0),

		RegionID: strings.TrimSpace(os.Getenv("REGION_ID")),
		WorkerID: strings.TrimSpace(os.Getenv("WORKER_ID")),

		BatchSize:      envInt("BATCH_SIZE", 10, 1),
		ProbeTimeout:   envMillis("HTTP_TIMEOUT_MS", 10*time.Second, 1),
		IdleBackoff:    envMillis("IDLE_BACKOFF_MS", 100*time.Millisecond, 1),
		MaxIdleBackoff: envMillis("MAX_IDLE_BACKOFF_MS", 5*time.Second, 1),

		DispatchInterval: envMillis("DISPATCH_INTERVAL_MS", 3*time.Second, 1),
		MaxBacklog:       int64(envInt("DISPATCH_MAX_BACKLOG", 0, 0)),

		PublicAPIKeys:  splitList(os.Getenv("PUBLIC_API_KEYS")),
		AdminAPIKeys:   splitList(os.Getenv("ADMIN_API_KEYS")),
		PublicRPM:      envInt("PUBLIC_RPM", 120, 0),
		PublicBurst:    envInt("PUBLIC_BURST", 60, 1),
		AdminRPM:       envInt("ADMIN_RPM", 60, 0),
		AdminBurst:     envInt("ADMIN_BURST", 30, 1),
		AllowedOrigins: splitList(os.Getenv("ALLOWED_ORIGINS")),
	}
}

// ValidateWorker reports the first missing setting a regional worker cannot
// start without.
func (c Config) ValidateWorker() error {
	switch {
	case c.RegionID == "":
		return ErrMissingRegion
	case c.WorkerID == "":
		return ErrMissingWorkerID
	case c.RedisURL == "":
		return ErrMissingRedis
	case c.DatabaseURL == "":
		return ErrMissingDatabase
	}
	return nil
}

func (c Config) ValidateDispatcher() error {
	switch {
	case c.RedisURL == "":
		return ErrMissingRedis
	case c.DatabaseURL == "":
		return ErrMissingDatabase
	}
	return nil
}

// Worker returns the immutable identity and tuning a worker.Worker is built from.
func (c Config) Worker() worker.Config {
	return worker.Config{
		RegionID:       domain.RegionID(c.RegionID),
		ConsumerID:     c.WorkerID,
		BatchSize:      c.BatchSize,
		ProbeTimeout:   c.ProbeTimeout,
		IdleBackoff:    c.IdleBackoff,
		MaxIdleBackoff: c.MaxIdleBackoff,
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback, min int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= min {
			return n
		}
	}
	return fallback
}

func envMillis(key string, fallback time.Duration, min int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= min {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
