package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Prometheus is a Sink that registers one counter or histogram per name on
// first use. Dotted names become underscored: llm.cache.hits is exported as
// <namespace>_llm_cache_hits_total.
type Prometheus struct {
	namespace string
	registry  *prometheus.Registry
	logger    *zap.Logger

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

// NewPrometheus returns a sink with its own registry, pre-populated with the
// Go runtime and process collectors.
func NewPrometheus(namespace string, logger *zap.Logger) *Prometheus {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Prometheus{
		namespace:  sanitize(namespace),
		registry:   reg,
		logger:     logger.With(zap.String("component", "metrics")),
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// IncCounter increments the counter called name.
func (p *Prometheus) IncCounter(name string) {
	if c := p.counter(name); c != nil {
		c.Inc()
	}
}

// RecordDuration observes d, in seconds, on the histogram called name.
func (p *Prometheus) RecordDuration(name string, d time.Duration) {
	if h := p.histogram(name); h != nil {
		h.Observe(d.Seconds())
	}
}

func (p *Prometheus) counter(name string) prometheus.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      sanitize(name) + "_total",
		Help:      "Count of " + name + " events.",
	})
	if err := p.registry.Register(c); err != nil {
		p.logger.Warn("register counter failed", zap.String("name", name), zap.Error(err))
		return nil
	}
	p.counters[name] = c
	return c
}

func (p *Prometheus) histogram(name string) prometheus.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      sanitize(name) + "_seconds",
		Help:      "Duration of " + name + " in seconds.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	if err := p.registry.Register(h); err != nil {
		p.logger.Warn("register histogram failed", zap.String("name", name), zap.Error(err))
		return nil
	}
	p.histograms[name] = h
	return h
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
}
