// Package metrics is the named counter and timer sink the orchestrator
// reports to.
package metrics

import (
	"sync"
	"time"
)

// Metric names emitted by the orchestrator.
const (
	CacheHits       = "llm.cache.hits"
	CacheMisses     = "llm.cache.misses"
	CacheErrors     = "llm.cache.errors"
	CallDuration    = "llm.call.duration"
	GenerationCount = "llm.generation"
)

// Sink accepts named counters and timers.
type Sink interface {
	IncCounter(name string)
	RecordDuration(name string, d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string)                    {}
func (Nop) RecordDuration(string, time.Duration) {}

// Recorder keeps every observation in memory.
type Recorder struct {
	mu        sync.Mutex
	counters  map[string]int64
	durations map[string][]time.Duration
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters:  make(map[string]int64),
		durations: make(map[string][]time.Duration),
	}
}

func (r *Recorder) IncCounter(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name]++
}

func (r *Recorder) RecordDuration(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[name] = append(r.durations[name], d)
}

// Counter returns the current value of a counter.
func (r *Recorder) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Durations returns a copy of the timings recorded under name.
func (r *Recorder) Durations(name string) []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.durations[name]...)
}
