package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	"github.com/rpat9/MasterChef-Claude/pkg/backend"
	"github.com/rpat9/MasterChef-Claude/pkg/backend/mock"
	"github.com/rpat9/MasterChef-Claude/pkg/cache"
	"github.com/rpat9/MasterChef-Claude/pkg/cache/cachetest"
	"github.com/rpat9/MasterChef-Claude/pkg/cache/sqlite"
	"github.com/rpat9/MasterChef-Claude/pkg/config"
	"github.com/rpat9/MasterChef-Claude/pkg/fingerprint"
	"github.com/rpat9/MasterChef-Claude/pkg/metrics"
	"github.com/rpat9/MasterChef-Claude/pkg/models"
	"github.com/rpat9/MasterChef-Claude/pkg/resilience"
)

type fixture struct {
	orch    *Orchestrator
	store   *sqlite.Store
	client  *mock.Client
	metrics *metrics.Recorder
	clock   *cachetest.Clock
}

func testResilience() config.ResilienceConfig {
	cfg := config.Default().Resilience
	cfg.RateLimit.Enabled = false
	cfg.CircuitBreaker.Enabled = false
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Retry.MaxInterval = 2 * time.Millisecond
	cfg.AttemptTimeout = time.Second
	cfg.Timeout = 5 * time.Second
	return cfg
}

func newFixture(t *testing.T, rcfg config.ResilienceConfig, opts ...Option) *fixture {
	t.Helper()
	clock := cachetest.NewClock()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "cache.db"), sqlite.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := mock.New()
	rec := metrics.NewRecorder()
	all := append([]Option{
		WithEnvelope(resilience.FromConfig(rcfg, clock.Now, nil)),
		WithMetrics(rec),
	}, opts...)

	return &fixture{
		orch:    New(store, client, all...),
		store:   store,
		client:  client,
		metrics: rec,
		clock:   clock,
	}
}

func temp(v float64) *float64 { return &v }

func eggsRequest() models.GenerationRequest {
	return models.GenerationRequest{
		Prompt:      "eggs, flour, milk",
		Model:       "mistral",
		Temperature: temp(0.7),
		CallerID:    "alice",
	}
}

func TestGenerate_EndToEndCachesSuccess(t *testing.T) {
	f := newFixture(t, testResilience())
	ctx := context.Background()

	first := f.orch.Generate(ctx, eggsRequest())
	require.Equal(t, models.StatusSuccess, first.Status, first.ErrorMessage)
	assert.False(t, first.Cached)
	assert.Contains(t, first.Content, "eggs, flour, milk")
	assert.EqualValues(t, 1, f.client.Calls())

	entry, ok, err := f.store.Lookup(ctx, fingerprint.Of(eggsRequest()))
	require.NoError(t, err)
	require.True(t, ok, "successful generation should be cached under its fingerprint")
	assert.Equal(t, first.Content, entry.Response)
	assert.True(t, entry.ExpiresAt.Equal(entry.CreatedAt.Add(cache.DefaultTTL)))

	second := f.orch.Generate(ctx, eggsRequest())
	assert.Equal(t, models.StatusCacheHit, second.Status)
	assert.True(t, second.Cached)
	assert.Zero(t, second.LatencyMs)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.Model, second.Model)
	assert.Equal(t, first.TokensUsed, second.TokensUsed)
	assert.EqualValues(t, 1, f.client.Calls(), "cache hit must not reach the backend")

	stats, err := f.orch.CacheStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ValidEntries)
	assert.EqualValues(t, 1, stats.TotalEntries)
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
}

func TestGenerate_EquivalentRequestsShareEntry(t *testing.T) {
	f := newFixture(t, testResilience())
	ctx := context.Background()

	f.orch.Generate(ctx, eggsRequest())

	shouted := eggsRequest()
	shouted.Prompt = "  EGGS, Flour, MILK \n"
	shouted.CallerID = "bob"
	res := f.orch.Generate(ctx, shouted)

	assert.Equal(t, models.StatusCacheHit, res.Status)
	assert.EqualValues(t, 1, f.client.Calls())
}

func TestGenerate_CacheHitShortCircuit(t *testing.T) {
	f := newFixture(t, testResilience())
	ctx := context.Background()

	_, err := f.store.Insert(ctx, cache.NewEntry{
		Fingerprint: fingerprint.Of(eggsRequest()),
		Response:    "pre-populated crepes",
		Model:       "mistral",
		TokensUsed:  21,
		TTL:         time.Hour,
	})
	require.NoError(t, err)

	res := f.orch.Generate(ctx, eggsRequest())
	assert.Equal(t, models.StatusCacheHit, res.Status)
	assert.True(t, res.Cached)
	assert.Equal(t, "pre-populated crepes", res.Content)
	assert.Equal(t, 21, res.TokensUsed)
	assert.Zero(t, f.client.Calls())

	assert.EqualValues(t, 1, f.metrics.Counter(metrics.CacheHits))
	assert.Zero(t, f.metrics.Counter(metrics.CacheMisses))
	assert.Empty(t, f.metrics.Durations(metrics.CallDuration), "cache hits are not timed")
}

func TestGenerate_ExpiredEntryIsMiss(t *testing.T) {
	f := newFixture(t, testResilience(), WithTTL(time.Hour))
	ctx := context.Background()

	f.orch.Generate(ctx, eggsRequest())
	f.clock.Advance(time.Hour)

	res := f.orch.Generate(ctx, eggsRequest())
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.EqualValues(t, 2, f.client.Calls())

	// The expired entry blocks re-population until purged.
	n, err := f.orch.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	f.orch.Generate(ctx, eggsRequest())
	res = f.orch.Generate(ctx, eggsRequest())
	assert.Equal(t, models.StatusCacheHit, res.Status)
	assert.EqualValues(t, 3, f.client.Calls())
}

func TestGenerate_ZeroTTLNeverHits(t *testing.T) {
	f := newFixture(t, testResilience(), WithTTL(0))
	ctx := context.Background()

	f.orch.Generate(ctx, eggsRequest())
	res := f.orch.Generate(ctx, eggsRequest())
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.EqualValues(t, 2, f.client.Calls())
}

func TestGenerate_RejectionIsFailedAndNotCached(t *testing.T) {
	f := newFixture(t, testResilience())
	ctx := context.Background()

	f.client.FailNext(1, backend.Reject(errors.New("prompt too long")))
	res := f.orch.Generate(ctx, eggsRequest())
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "prompt too long")
	assert.False(t, res.Cached)
	assert.Empty(t, res.Content)
	assert.EqualValues(t, 1, f.client.Calls(), "rejections are not retried")

	_, total, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, total, "failures must not be cached")

	res = f.orch.Generate(ctx, eggsRequest())
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.EqualValues(t, 2, f.client.Calls())
}

func TestGenerate_TransientFailureRetriedThenError(t *testing.T) {
	f := newFixture(t, testResilience())
	ctx := context.Background()

	f.client.FailNext(2, errors.New("connection reset by peer"))
	res := f.orch.Generate(ctx, eggsRequest())
	assert.Equal(t, models.StatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "connection reset by peer")
	assert.EqualValues(t, 2, f.client.Calls())

	_, total, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.EqualValues(t, 1, f.metrics.Counter("llm.generation.error"))
}

func TestGenerate_RateLimited(t *testing.T) {
	rcfg := testResilience()
	rcfg.RateLimit = config.RateLimitConfig{Enabled: true, Requests: 2, Window: time.Minute}
	f := newFixture(t, rcfg)
	ctx := context.Background()

	var results []models.GenerationResult
	for i := 0; i < 3; i++ {
		req := eggsRequest()
		req.Prompt = fmt.Sprintf("recipe %d", i)
		results = append(results, f.orch.Generate(ctx, req))
	}

	assert.Equal(t, models.StatusSuccess, results[0].Status)
	assert.Equal(t, models.StatusSuccess, results[1].Status)
	assert.Equal(t, models.StatusRateLimited, results[2].Status)
	assert.Zero(t, results[2].LatencyMs)
	assert.NotEmpty(t, results[2].ErrorMessage)
	assert.EqualValues(t, 2, f.client.Calls())

	// Cache hits do not use quota.
	res := f.orch.Generate(ctx, models.GenerationRequest{Prompt: "recipe 0", Model: "mistral", Temperature: temp(0.7), CallerID: "alice"})
	assert.Equal(t, models.StatusCacheHit, res.Status)
}

func TestGenerate_CircuitBreaker(t *testing.T) {
	rcfg := testResilience()
	rcfg.Retry.MaxAttempts = 1
	rcfg.CircuitBreaker = config.CircuitBreakerConfig{
		Enabled: true, WindowSize: 4, MinimumCalls: 2, FailureRatio: 0.5,
		OpenTimeout: 30 * time.Second, HalfOpenCalls: 1,
	}
	f := newFixture(t, rcfg)
	ctx := context.Background()

	f.client.FailNext(2, errors.New("ollama: 503"))
	for i := 0; i < 2; i++ {
		assert.Equal(t, models.StatusError, f.orch.Generate(ctx, eggsRequest()).Status)
	}

	res := f.orch.Generate(ctx, eggsRequest())
	assert.Equal(t, models.StatusServiceUnavailable, res.Status)
	assert.Zero(t, res.LatencyMs)
	assert.EqualValues(t, 2, f.client.Calls(), "open circuit must not reach the backend")

	f.clock.Advance(30 * time.Second)
	res = f.orch.Generate(ctx, eggsRequest())
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.EqualValues(t, 3, f.client.Calls())
}

type failingStore struct {
	cache.Store
	err error
}

func (s failingStore) Lookup(context.Context, string) (*models.CacheEntry, bool, error) {
	return nil, false, cache.Wrap("lookup", s.err)
}

func (s failingStore) Insert(context.Context, cache.NewEntry) (bool, error) {
	return false, cache.Wrap("insert", s.err)
}

func (s failingStore) Stats(context.Context) (int64, int64, error) {
	return 0, 0, cache.Wrap("stats", s.err)
}

func TestGenerate_CacheFailureFailsOpen(t *testing.T) {
	client := mock.New()
	rec := metrics.NewRecorder()
	o := New(failingStore{err: errors.New("database is locked")}, client, WithMetrics(rec))

	res := o.Generate(context.Background(), eggsRequest())
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.False(t, res.Cached)
	assert.NotEmpty(t, res.Content)
	assert.EqualValues(t, 1, client.Calls())
	assert.EqualValues(t, 2, rec.Counter(metrics.CacheErrors), "both lookup and write failures are counted")
	assert.EqualValues(t, 1, rec.Counter(metrics.CacheMisses))

	_, err := o.CacheStats(context.Background())
	var storeErr *cache.StoreError
	assert.ErrorAs(t, err, &storeErr)
}

func TestGenerate_ConcurrentMissesKeepOneEntry(t *testing.T) {
	f := newFixture(t, testResilience())
	f.client.WithDelay(20 * time.Millisecond)
	ctx := context.Background()

	const callers = 8
	results := make([]models.GenerationResult, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			req := eggsRequest()
			req.CallerID = fmt.Sprintf("caller-%d", i)
			results[i] = f.orch.Generate(ctx, req)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, r := range results {
		assert.Contains(t, []models.Status{models.StatusSuccess, models.StatusCacheHit}, r.Status)
	}
	_, total, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	stats, err := f.orch.CacheStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, callers, stats.Hits+stats.Misses)
}

func TestGenerate_DefaultModelAndTemperature(t *testing.T) {
	f := newFixture(t, testResilience(), WithDefaultModel("llama3"))
	var seen models.Prompt
	f.client.Respond(func(p models.Prompt) (models.Completion, error) {
		seen = p
		return models.Completion{Content: "toast"}, nil
	})

	req := models.GenerationRequest{Prompt: "bread"}
	res := f.orch.Generate(context.Background(), req)
	require.Equal(t, models.StatusSuccess, res.Status)

	assert.Equal(t, "llama3", seen.Model)
	assert.Equal(t, models.DefaultTemperature, seen.Temperature)
	assert.Zero(t, seen.MaxTokens)
	assert.Equal(t, "llama3", res.Model)

	// The fingerprint keeps the literal default token for a blank model.
	_, ok, err := f.store.Lookup(context.Background(), fingerprint.Of(req))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGenerate_Metrics(t *testing.T) {
	f := newFixture(t, testResilience())
	ctx := context.Background()

	f.orch.Generate(ctx, eggsRequest())
	f.orch.Generate(ctx, eggsRequest())

	assert.EqualValues(t, 1, f.metrics.Counter(metrics.CacheHits))
	assert.EqualValues(t, 1, f.metrics.Counter(metrics.CacheMisses))
	assert.EqualValues(t, 1, f.metrics.Counter("llm.generation.success"))
	assert.Len(t, f.metrics.Durations(metrics.CallDuration), 1)
}

func TestGenerate_Tracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	f := newFixture(t, testResilience(), WithTracerProvider(tp))
	ctx := context.Background()

	f.orch.Generate(ctx, eggsRequest())
	f.orch.Generate(ctx, eggsRequest())

	spans := sr.Ended()
	require.Len(t, spans, 2)
	for _, s := range spans {
		assert.Equal(t, "orchestrator.generate", s.Name())
	}

	attrs := func(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
		m := make(map[attribute.Key]attribute.Value)
		for _, kv := range s.Attributes() {
			m[kv.Key] = kv.Value
		}
		return m
	}
	miss, hit := attrs(spans[0]), attrs(spans[1])
	assert.Equal(t, "SUCCESS", miss["llm.status"].AsString())
	assert.False(t, miss["llm.cached"].AsBool())
	assert.Equal(t, "alice", miss["llm.caller"].AsString())
	assert.Equal(t, fingerprint.Of(eggsRequest())[:12], miss["llm.fingerprint"].AsString())
	assert.Equal(t, "CACHE_HIT", hit["llm.status"].AsString())
	assert.True(t, hit["llm.cached"].AsBool())
}

func TestAvailabilityAndModelName(t *testing.T) {
	f := newFixture(t, testResilience())
	ctx := context.Background()

	assert.True(t, f.orch.IsAvailable(ctx))
	f.client.SetAvailable(false)
	assert.False(t, f.orch.IsAvailable(ctx))

	assert.Equal(t, mock.ModelName, f.orch.ModelName())
	assert.Equal(t, "mistral", New(f.store, f.client, WithDefaultModel("mistral")).ModelName())
}

func TestCacheStats_Empty(t *testing.T) {
	f := newFixture(t, testResilience())
	stats, err := f.orch.CacheStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.CacheStats{}, stats)
}
