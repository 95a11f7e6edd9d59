// Package app assembles an orchestrator and its dependencies from
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/rpat9/MasterChef-Claude/pkg/backend"
	"github.com/rpat9/MasterChef-Claude/pkg/backend/mock"
	"github.com/rpat9/MasterChef-Claude/pkg/backend/ollama"
	"github.com/rpat9/MasterChef-Claude/pkg/backend/openai"
	"github.com/rpat9/MasterChef-Claude/pkg/cache"
	"github.com/rpat9/MasterChef-Claude/pkg/cache/postgres"
	"github.com/rpat9/MasterChef-Claude/pkg/cache/redis"
	"github.com/rpat9/MasterChef-Claude/pkg/cache/sqlite"
	"github.com/rpat9/MasterChef-Claude/pkg/config"
	"github.com/rpat9/MasterChef-Claude/pkg/metrics"
	"github.com/rpat9/MasterChef-Claude/pkg/orchestrator"
	"github.com/rpat9/MasterChef-Claude/pkg/resilience"
	"github.com/rpat9/MasterChef-Claude/pkg/router"
)

const serviceName = "masterchef"

// App holds a wired orchestrator. Close releases everything it opened.
type App struct {
	Orchestrator *orchestrator.Orchestrator
	Store        cache.Store
	Router       *router.Router
	// Metrics is nil when metrics are disabled.
	Metrics *metrics.Prometheus

	tracer *sdktrace.TracerProvider
	logger *zap.Logger
}

// Option configures Build.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	traceWriter io.Writer
	httpClient  *http.Client
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTraceWriter sets where spans are written when tracing is enabled.
// Defaults to stderr.
func WithTraceWriter(w io.Writer) Option {
	return func(o *options) { o.traceWriter = w }
}

// WithHTTPClient sets the client used by HTTP backends.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// Build opens the configured cache store, creates the backend providers
// and assembles the orchestrator.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{
		logger:      zap.NewNop(),
		traceWriter: os.Stderr,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	store, err := OpenStore(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	providers, err := Providers(cfg.Backend, o.httpClient, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	rt := router.New(providers, cfg.Backend.Routes, cfg.Backend.DefaultModel, logger)

	a := &App{Store: store, Router: rt, logger: logger}

	orchOpts := []orchestrator.Option{
		orchestrator.WithEnvelope(resilience.FromConfig(cfg.Resilience, nil, logger)),
		orchestrator.WithLogger(logger),
		orchestrator.WithTTL(cfg.Cache.TTL),
		orchestrator.WithDefaultModel(cfg.Backend.DefaultModel),
	}
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.NewPrometheus(cfg.Metrics.Namespace, logger)
		orchOpts = append(orchOpts, orchestrator.WithMetrics(a.Metrics))
	}
	if cfg.Tracing.Enabled {
		tp, err := newTracerProvider(o.traceWriter)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.tracer = tp
		orchOpts = append(orchOpts, orchestrator.WithTracerProvider(tp))
	}

	a.Orchestrator = orchestrator.New(store, rt, orchOpts...)
	logger.Info("orchestrator ready",
		zap.String("cache", cfg.Cache.Backend),
		zap.Int("providers", len(providers)),
		zap.String("default_model", a.Orchestrator.ModelName()),
		zap.Bool("metrics", cfg.Metrics.Enabled),
		zap.Bool("tracing", cfg.Tracing.Enabled))
	return a, nil
}

// Close flushes spans and closes the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cache store: %w", err))
	}
	return errors.Join(errs...)
}

// OpenStore opens the cache store selected by cfg.Backend.
func OpenStore(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (cache.Store, error) {
	switch cfg.Backend {
	case config.CacheSQLite, "":
		s, err := sqlite.New(cfg.SQLite.Path, sqlite.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return s, nil
	case config.CachePostgres:
		s, err := postgres.New(ctx, cfg.Postgres.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open postgres cache: %w", err)
		}
		return s, nil
	case config.CacheRedis:
		var opts []redis.Option
		if cfg.Redis.KeyPrefix != "" {
			opts = append(opts, redis.WithKeyPrefix(cfg.Redis.KeyPrefix))
		}
		opts = append(opts, redis.WithLogger(logger))
		s, err := redis.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, opts...)
		if err != nil {
			return nil, fmt.Errorf("open redis cache: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Providers creates one backend client per configured provider, in order.
func Providers(cfg config.BackendConfig, httpClient *http.Client, logger *zap.Logger) ([]router.Provider, error) {
	providers := make([]router.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		model := pc.Model
		if model == "" {
			model = cfg.DefaultModel
		}

		var client backend.Client
		switch pc.ProviderType() {
		case config.ProviderOllama:
			c, err := ollama.New(pc.URL, model, httpClient,
				ollama.WithLogger(logger.With(zap.String("provider", pc.Name))))
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
			}
			client = c
		case config.ProviderOpenAI:
			c, err := openai.New(openai.Config{
				APIKey:       pc.APIKey,
				BaseURL:      pc.URL,
				DefaultModel: model,
				HTTPClient:   httpClient,
			}, logger.With(zap.String("provider", pc.Name)))
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
			}
			client = c
		case config.ProviderMock:
			client = mock.New()
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", pc.Name, pc.Type)
		}
		providers = append(providers, router.Provider{Name: pc.Name, Client: client})
	}
	return providers, nil
}

func newTracerProvider(w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	), nil
}
