// Package config loads cmd/saga-worker's environment-variable configuration,
// grounded in the teacher's cmd/server/config/config.go + env_parse.go
// required/optional parsing helpers.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StoreBackend selects which Record Store implementation cmd/saga-worker
// wires up.
type StoreBackend string

const (
	BackendMemory StoreBackend = "memory"
	BackendRedis  StoreBackend = "redis"
	BackendPostgres StoreBackend = "postgres"
)

// RedisConfig holds Redis connection settings for the redisstore backend and
// the notify.RedisStreamProducer.
type RedisConfig struct {
	URL                string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
	NotifyStream       string
	NotifyStreamMaxLen int64
}

// WorkerConfig is cmd/saga-worker's full runtime configuration.
type WorkerConfig struct {
	StoreBackend      StoreBackend
	DatabaseURL       string
	Redis             RedisConfig
	MaxConcurrentSagas int64
	BreakerFailThreshold int
	BreakerCooldown      time.Duration
	InProgressTimeout    time.Duration
	ObservabilityAddr    string
	RealtimeAddr         string
}

// Load reads the full worker configuration from the environment.
func Load() (WorkerConfig, error) {
	cfg := WorkerConfig{}

	backend, err := optionalString("SAGA_STORE_BACKEND", string(BackendMemory))
	if err != nil {
		return cfg, err
	}
	cfg.StoreBackend = StoreBackend(backend)

	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		cfg.DatabaseURL, err = requiredString("DATABASE_URL")
		if err != nil {
			return cfg, err
		}
	case BackendRedis:
		if cfg.Redis, err = loadRedis(); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("SAGA_STORE_BACKEND: unknown backend %q", backend)
	}

	if cfg.MaxConcurrentSagas, err = optionalInt64("SAGA_MAX_CONCURRENT", 64); err != nil {
		return cfg, err
	}
	if cfg.BreakerFailThreshold, err = optionalInt("SAGA_BREAKER_FAIL_THRESHOLD", 5); err != nil {
		return cfg, err
	}
	if cfg.BreakerCooldown, err = optionalDuration("SAGA_BREAKER_COOLDOWN", 60*time.Second); err != nil {
		return cfg, err
	}
	if cfg.InProgressTimeout, err = optionalDuration("SAGA_IN_PROGRESS_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ObservabilityAddr, err = optionalString("SAGA_OBSERVABILITY_ADDR", ":9090"); err != nil {
		return cfg, err
	}
	if cfg.RealtimeAddr, err = optionalString("SAGA_REALTIME_ADDR", ":9091"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func loadRedis() (RedisConfig, error) {
	cfg := RedisConfig{}
	var err error

	if cfg.URL, err = requiredString("REDIS_URL"); err != nil {
		return cfg, err
	}
	if cfg.DialTimeout, err = optionalDurationPtr("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDurationPtr("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDurationPtr("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalIntPtr("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalIntPtr("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalIntPtr("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.HealthcheckTimeout, err = optionalDuration("REDIS_HEALTHCHECK_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}
	if cfg.NotifyStream, err = optionalString("SAGA_NOTIFY_STREAM", "order_notifications"); err != nil {
		return cfg, err
	}
	if cfg.NotifyStreamMaxLen, err = optionalInt64("SAGA_NOTIFY_STREAM_MAXLEN", 100000); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func requiredString(name string) (string, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}

func optionalString(name, def string) (string, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	return v, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func optionalInt(name string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if v < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return v, nil
}

func optionalInt64(name string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if v < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return v, nil
}

func optionalDuration(name string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if v < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return v, nil
}

func optionalDurationPtr(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &v, nil
}

func optionalIntPtr(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &v, nil
}
