package metrics

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferro-labs/cache-proxy/internal/logging"
	"github.com/ferro-labs/cache-proxy/internal/requestlog"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultEventBuffer = 1024

// Recorder is the default Sink. Counters are independent atomics; events are
// logged through slog and handed to an optional requestlog.Writer on a
// bounded buffer drained by one goroutine.
type Recorder struct {
	total  atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64
	start  atomic.Int64 // unix nanos of the elapsed-time baseline
	drops  atomic.Int64

	now      func() time.Time
	registry *prometheus.Registry
	c        *collectors
	logger   *slog.Logger

	writer  requestlog.Writer
	mu      sync.RWMutex // guards events against send-after-close
	events  chan requestlog.Entry
	closed  bool
	drained chan struct{}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithEventWriter forwards every OnLog event to w. buffer bounds the number
// of pending events; further events are dropped and counted.
func WithEventWriter(w requestlog.Writer, buffer int) Option {
	return func(r *Recorder) {
		if buffer <= 0 {
			buffer = defaultEventBuffer
		}
		r.writer = w
		r.events = make(chan requestlog.Entry, buffer)
	}
}

// WithLogger sets the logger used for events. Defaults to logging.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a Recorder with its own Prometheus registry.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		now:      time.Now,
		registry: prometheus.NewRegistry(),
		drained:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.c = newCollectors(r.registry)
	r.start.Store(r.now().UnixNano())

	if r.events != nil {
		go r.drain()
	} else {
		close(r.drained)
	}
	return r
}

// Registry returns the registry holding the recorder's Prometheus series.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return logging.Logger
}

// OnLog logs the event and queues it for the event writer without blocking.
func (r *Recorder) OnLog(category, subject, source, status string) {
	r.emit(context.Background(), requestlog.Entry{
		Category: category,
		Subject:  subject,
		Source:   source,
		Status:   status,
	})
}

// OnLogContext is OnLog with the trace ID taken from ctx.
func (r *Recorder) OnLogContext(ctx context.Context, category, subject, source, status string) {
	r.emit(ctx, requestlog.Entry{
		TraceID:  logging.TraceIDFromContext(ctx),
		Category: category,
		Subject:  subject,
		Source:   source,
		Status:   status,
	})
}

func (r *Recorder) emit(ctx context.Context, e requestlog.Entry) {
	e.CreatedAt = r.now().UTC()

	log := r.log()
	if e.TraceID != "" {
		log = log.With("trace_id", e.TraceID)
	}
	log.Log(ctx, levelFor(e.Status), "proxy event",
		"category", e.Category,
		"subject", e.Subject,
		"source", e.Source,
		"status", e.Status,
	)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.events == nil || r.closed {
		return
	}
	select {
	case r.events <- e:
	default:
		r.drops.Add(1)
		r.c.droppedEvents.Inc()
	}
}

func levelFor(status string) slog.Level {
	upper := strings.ToUpper(status)
	switch {
	case strings.HasPrefix(upper, "ERROR"):
		return slog.LevelError
	case strings.HasPrefix(upper, "WARN"):
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func (r *Recorder) drain() {
	defer close(r.drained)
	for e := range r.events {
		if err := r.writer.Write(context.Background(), e); err != nil {
			r.log().Warn("event log write failed", "error", err.Error())
		}
	}
}

// IncrementTotal counts one parsed request.
func (r *Recorder) IncrementTotal() {
	r.total.Add(1)
	r.c.requests.Inc()
}

// IncrementHit counts one cache hit.
func (r *Recorder) IncrementHit() {
	r.hits.Add(1)
	r.c.hits.Inc()
}

// IncrementMiss counts one cache miss.
func (r *Recorder) IncrementMiss() {
	r.misses.Add(1)
	r.c.misses.Inc()
}

// ResetMetrics zeroes the snapshot counters and restarts the throughput
// baseline. Prometheus series are monotonic and are left untouched.
func (r *Recorder) ResetMetrics() {
	r.total.Store(0)
	r.hits.Store(0)
	r.misses.Store(0)
	r.start.Store(r.now().UnixNano())
}

// Snapshot returns the current counters and derived rates.
func (r *Recorder) Snapshot() Stats {
	total := r.total.Load()
	hits := r.hits.Load()
	start := time.Unix(0, r.start.Load())
	elapsed := r.now().Sub(start).Milliseconds()
	return Stats{
		TotalRequests: total,
		CacheHits:     hits,
		CacheMisses:   r.misses.Load(),
		HitRate:       HitRate(hits, total),
		Throughput:    Throughput(total, elapsed),
		ElapsedMillis: elapsed,
		Since:         start.UTC(),
		DroppedEvents: r.drops.Load(),
	}
}

// ObserveRequest records how long one connection took, labelled by outcome
// ("hit", "miss", "forwarded", "error", "malformed").
func (r *Recorder) ObserveRequest(outcome string, d time.Duration) {
	r.c.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// OriginError counts one failed origin round-trip.
func (r *Recorder) OriginError(kind string) {
	r.c.originErrors.WithLabelValues(kind).Inc()
}

// CacheEvicted counts one LRU eviction.
func (r *Recorder) CacheEvicted() {
	r.c.evictions.Inc()
}

// SetCacheEntries records the current cache size.
func (r *Recorder) SetCacheEntries(n int) {
	r.c.cacheEntries.Set(float64(n))
}

// SetBreakerState records the origin circuit breaker state.
func (r *Recorder) SetBreakerState(state int) {
	r.c.breakerState.Set(float64(state))
}

// Close stops accepting events and waits until queued events are written or
// ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed && r.events != nil {
		close(r.events)
	}
	r.closed = true
	r.mu.Unlock()

	select {
	case <-r.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
