// Package orchestrator answers generation requests from the completion cache
// when it can and from the LLM backend, through the resilience envelope, when
// it cannot. Only successful generations are cached.
package orchestrator

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/rpat9/MasterChef-Claude/pkg/backend"
	"github.com/rpat9/MasterChef-Claude/pkg/cache"
	"github.com/rpat9/MasterChef-Claude/pkg/fingerprint"
	"github.com/rpat9/MasterChef-Claude/pkg/metrics"
	"github.com/rpat9/MasterChef-Claude/pkg/models"
	"github.com/rpat9/MasterChef-Claude/pkg/resilience"
)

const tracerName = "github.com/rpat9/MasterChef-Claude/pkg/orchestrator"

// Orchestrator is safe for concurrent use. Hit and miss counts are process
// wide and never reset.
type Orchestrator struct {
	store        cache.Store
	client       backend.Client
	envelope     *resilience.Envelope
	metrics      metrics.Sink
	tracer       trace.Tracer
	logger       *zap.Logger
	ttl          time.Duration
	defaultModel string
	now          func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEnvelope sets the resilience envelope around backend calls.
func WithEnvelope(e *resilience.Envelope) Option {
	return func(o *Orchestrator) { o.envelope = e }
}

// WithMetrics sets the metrics sink.
func WithMetrics(s metrics.Sink) Option {
	return func(o *Orchestrator) { o.metrics = s }
}

// WithTracerProvider sets where spans go.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(tracerName) }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithTTL sets how long new cache entries stay valid.
func WithTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) { o.ttl = ttl }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(o *Orchestrator) { o.defaultModel = model }
}

// WithClock overrides the clock used for latency.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator over store and client.
func New(store cache.Store, client backend.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		client:   client,
		envelope: resilience.NewEnvelope(),
		metrics:  metrics.Nop{},
		tracer:   tracenoop.NewTracerProvider().Tracer(tracerName),
		logger:   zap.NewNop(),
		ttl:      cache.DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "orchestrator"))
	return o
}

// Generate answers req. It never fails: every outcome, including cache and
// backend failures, is reported through the result's Status.
func (o *Orchestrator) Generate(ctx context.Context, req models.GenerationRequest) models.GenerationResult {
	fp := fingerprint.Of(req)
	ctx, span := o.tracer.Start(ctx, "orchestrator.generate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("llm.caller", req.CallerID),
			attribute.String("llm.fingerprint", fp[:12]),
		),
	)
	defer span.End()

	log := o.logger.With(zap.String("fingerprint", fp), zap.String("caller", req.CallerID))

	if entry, ok := o.lookup(ctx, fp, log); ok {
		o.hits.Add(1)
		o.metrics.IncCounter(metrics.CacheHits)
		log.Debug("cache hit",
			zap.String("model", entry.Model),
			zap.Duration("age", o.now().Sub(entry.CreatedAt)))

		result := models.GenerationResult{
			Content:    entry.Response,
			Model:      entry.Model,
			TokensUsed: entry.TokensUsed,
			Status:     models.StatusCacheHit,
			LatencyMs:  0,
			Cached:     true,
		}
		o.finishSpan(span, result)
		return result
	}

	o.misses.Add(1)
	o.metrics.IncCounter(metrics.CacheMisses)

	prompt := models.Prompt{
		Text:        req.Prompt,
		Model:       o.resolveModel(req.Model),
		Temperature: req.TemperatureOrDefault(),
		MaxTokens:   req.MaxTokensOrZero(),
	}
	log.Info("cache miss, calling backend",
		zap.String("model", prompt.Model), zap.Int("prompt_length", len(prompt.Text)))

	start := o.now()
	res := o.envelope.Execute(ctx, req.CallerID, func(ctx context.Context) (models.Completion, error) {
		return o.client.Generate(ctx, prompt)
	})
	elapsed := o.now().Sub(start)
	o.metrics.RecordDuration(metrics.CallDuration, elapsed)
	o.metrics.IncCounter(metrics.GenerationCount + "." + strings.ToLower(string(res.Status)))

	result := models.GenerationResult{
		Model:     prompt.Model,
		Status:    res.Status,
		LatencyMs: elapsed.Milliseconds(),
	}
	switch res.Status {
	case models.StatusRateLimited, models.StatusServiceUnavailable:
		// Rejected before reaching the backend.
		result.LatencyMs = 0
	}

	if !res.Status.Cacheable() {
		if res.Err != nil {
			result.ErrorMessage = res.Err.Error()
		}
		log.Warn("generation did not succeed",
			zap.String("status", string(res.Status)), zap.Error(res.Err))
		o.finishSpan(span, result)
		return result
	}

	result.Content = res.Completion.Content
	result.TokensUsed = res.Completion.TokensUsed
	if res.Completion.Model != "" {
		result.Model = res.Completion.Model
	}
	o.populate(ctx, fp, result, log)
	o.finishSpan(span, result)
	return result
}

func (o *Orchestrator) lookup(ctx context.Context, fp string, log *zap.Logger) (*models.CacheEntry, bool) {
	entry, ok, err := o.store.Lookup(ctx, fp)
	if err != nil {
		o.metrics.IncCounter(metrics.CacheErrors)
		trace.SpanFromContext(ctx).RecordError(err)
		log.Warn("cache lookup failed, treating as miss", zap.Error(err))
		return nil, false
	}
	return entry, ok
}

// populate caches a successful result. Failures are logged; the result is
// still a success.
func (o *Orchestrator) populate(ctx context.Context, fp string, result models.GenerationResult, log *zap.Logger) {
	created, err := o.store.Insert(context.WithoutCancel(ctx), cache.NewEntry{
		Fingerprint: fp,
		Response:    result.Content,
		Model:       result.Model,
		TokensUsed:  result.TokensUsed,
		TTL:         o.ttl,
	})
	switch {
	case err != nil:
		o.metrics.IncCounter(metrics.CacheErrors)
		trace.SpanFromContext(ctx).RecordError(err)
		log.Warn("cache write failed", zap.Error(err))
	case !created:
		log.Debug("cache write skipped, entry already present")
	}
}

func (o *Orchestrator) finishSpan(span trace.Span, result models.GenerationResult) {
	span.SetAttributes(
		attribute.String("llm.model", result.Model),
		attribute.String("llm.status", string(result.Status)),
		attribute.Bool("llm.cached", result.Cached),
		attribute.Int64("llm.latency_ms", result.LatencyMs),
	)
	if result.Status == models.StatusSuccess || result.Status == models.StatusCacheHit {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, result.ErrorMessage)
	}
}

func (o *Orchestrator) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return o.ModelName()
}

// CacheStats reports cache contents and this process's hit and miss counts.
func (o *Orchestrator) CacheStats(ctx context.Context) (models.CacheStats, error) {
	valid, total, err := o.store.Stats(ctx)
	if err != nil {
		return models.CacheStats{}, err
	}
	stats := models.CacheStats{
		ValidEntries:   valid,
		TotalEntries:   total,
		ExpiredEntries: total - valid,
		Hits:           o.hits.Load(),
		Misses:         o.misses.Load(),
	}
	if lookups := stats.Hits + stats.Misses; lookups > 0 {
		stats.HitRate = float64(stats.Hits) / float64(lookups)
	}
	return stats, nil
}

// PurgeExpired deletes expired cache entries and returns how many.
func (o *Orchestrator) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := o.store.PurgeExpired(ctx)
	if err != nil {
		return 0, err
	}
	o.logger.Info("purged expired cache entries", zap.Int64("deleted", n))
	return n, nil
}

// IsAvailable reports backend health.
func (o *Orchestrator) IsAvailable(ctx context.Context) bool {
	return o.client.IsAvailable(ctx)
}

// ModelName is the model used for requests that name none.
func (o *Orchestrator) ModelName() string {
	if o.defaultModel != "" {
		return o.defaultModel
	}
	return o.client.ModelName()
}
