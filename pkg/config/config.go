package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all MasterChef orchestrator configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	Log        LogConfig        `yaml:"log"`
	Cache      CacheConfig      `yaml:"cache"`
	Backend    BackendConfig    `yaml:"backend"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// Cache store backends.
const (
	CacheSQLite   = "sqlite"
	CachePostgres = "postgres"
	CacheRedis    = "redis"
)

// CacheConfig selects and configures the completion cache store.
type CacheConfig struct {
	Backend       string         `yaml:"backend"`
	TTL           time.Duration  `yaml:"ttl"`
	PurgeSchedule string         `yaml:"purge_schedule"`
	SQLite        SQLiteConfig   `yaml:"sqlite"`
	Postgres      PostgresConfig `yaml:"postgres"`
	Redis         RedisConfig    `yaml:"redis"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Provider types.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

// BackendConfig defines the LLM providers and model routing.
type BackendConfig struct {
	DefaultModel string           `yaml:"default_model"`
	Providers    []ProviderConfig `yaml:"providers"`
	Routes       []RouteConfig    `yaml:"routes"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "ollama" (default), "openai" or "mock".
type ProviderConfig struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// RouteConfig maps a client-facing model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ResilienceConfig configures the policies wrapped around backend calls.
type ResilienceConfig struct {
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	// AttemptTimeout bounds a single backend call.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// Timeout bounds the whole call including retries and backoff.
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig allows Requests calls per Window for each caller.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// CircuitBreakerConfig configures the count-based sliding window breaker.
type CircuitBreakerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	WindowSize    int           `yaml:"window_size"`
	MinimumCalls  int           `yaml:"minimum_calls"`
	FailureRatio  float64       `yaml:"failure_ratio"`
	OpenTimeout   time.Duration `yaml:"open_timeout"`
	HalfOpenCalls int           `yaml:"half_open_calls"`
}

// RetryConfig configures exponential backoff between attempts.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			Backend:       CacheSQLite,
			TTL:           7 * 24 * time.Hour,
			PurgeSchedule: "0 * * * *",
			SQLite:        SQLiteConfig{Path: "masterchef-cache.db"},
			Redis:         RedisConfig{Addr: "localhost:6379", KeyPrefix: "masterchef:cache:"},
		},
		Backend: BackendConfig{
			DefaultModel: "mistral",
			Providers: []ProviderConfig{
				{Name: "ollama", Type: ProviderOllama, URL: "http://localhost:11434", Model: "mistral"},
			},
		},
		Resilience: ResilienceConfig{
			RateLimit: RateLimitConfig{
				Enabled:  true,
				Requests: 10,
				Window:   time.Minute,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:       true,
				WindowSize:    10,
				MinimumCalls:  5,
				FailureRatio:  0.5,
				OpenTimeout:   30 * time.Second,
				HalfOpenCalls: 3,
			},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     10 * time.Second,
				Multiplier:      2,
			},
			AttemptTimeout: 30 * time.Second,
			Timeout:        90 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "masterchef",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case CacheSQLite, CachePostgres, CacheRedis:
	default:
		return fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl: must not be negative")
	}
	if c.Cache.Backend == CachePostgres && c.Cache.Postgres.DSN == "" {
		return fmt.Errorf("cache.postgres.dsn: required for postgres backend")
	}

	if len(c.Backend.Providers) == 0 {
		return fmt.Errorf("backend.providers: at least one provider is required")
	}
	names := make(map[string]bool, len(c.Backend.Providers))
	for _, p := range c.Backend.Providers {
		if p.Name == "" {
			return fmt.Errorf("backend.providers: provider name is required")
		}
		if names[p.Name] {
			return fmt.Errorf("backend.providers: duplicate provider %q", p.Name)
		}
		names[p.Name] = true
		switch p.Type {
		case "", ProviderOllama, ProviderOpenAI, ProviderMock:
		default:
			return fmt.Errorf("backend.providers[%s]: unknown type %q", p.Name, p.Type)
		}
	}

	r := c.Resilience
	if r.RateLimit.Enabled && (r.RateLimit.Requests <= 0 || r.RateLimit.Window <= 0) {
		return fmt.Errorf("resilience.rate_limit: requests and window must be positive")
	}
	cb := r.CircuitBreaker
	if cb.Enabled {
		if cb.FailureRatio <= 0 || cb.FailureRatio > 1 {
			return fmt.Errorf("resilience.circuit_breaker.failure_ratio: must be in (0, 1], got %v", cb.FailureRatio)
		}
		if cb.WindowSize <= 0 || cb.MinimumCalls <= 0 || cb.HalfOpenCalls <= 0 || cb.OpenTimeout <= 0 {
			return fmt.Errorf("resilience.circuit_breaker: window_size, minimum_calls, half_open_calls and open_timeout must be positive")
		}
	}
	if r.Retry.MaxAttempts < 1 {
		return fmt.Errorf("resilience.retry.max_attempts: must be at least 1")
	}
	return nil
}

// ProviderType returns p.Type, defaulting to ollama.
func (p ProviderConfig) ProviderType() string {
	if p.Type == "" {
		return ProviderOllama
	}
	return p.Type
}
