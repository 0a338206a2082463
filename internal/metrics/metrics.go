// Package metrics implements the proxy's metrics sink: process-wide request,
// hit and miss counters with an explicit reset, the derived throughput and
// hit-rate figures, and a Prometheus registry mirroring them for scraping.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink receives counters and log events from the proxy. Implementations must
// be safe for concurrent use and must not block the caller.
type Sink interface {
	// OnLog records a fire-and-forget event.
	OnLog(category, subject, source, status string)
	IncrementTotal()
	IncrementHit()
	IncrementMiss()
	// ResetMetrics zeroes the counters and restarts the elapsed-time baseline.
	ResetMetrics()
}

// ContextSink is implemented by sinks that tag events with the trace ID
// carried by ctx.
type ContextSink interface {
	OnLogContext(ctx context.Context, category, subject, source, status string)
}

// Emit sends an event to s, keeping ctx's trace ID when s is a ContextSink.
func Emit(ctx context.Context, s Sink, category, subject, source, status string) {
	if cs, ok := s.(ContextSink); ok {
		cs.OnLogContext(ctx, category, subject, source, status)
		return
	}
	s.OnLog(category, subject, source, status)
}

// Event categories used by the proxy.
const (
	CategoryServer    = "SERVER"
	CategoryProxy     = "PROXY"
	CategoryCacheHit  = "CACHE HIT"
	CategoryCacheMiss = "CACHE MISS"
	CategoryWarning   = "WARNING"
	CategoryError     = "PROXY ERROR"
)

// Stats is a point-in-time view of the counters. The three counters are read
// independently and may be momentarily inconsistent with each other.
type Stats struct {
	TotalRequests int64     `json:"total_requests"`
	CacheHits     int64     `json:"cache_hits"`
	CacheMisses   int64     `json:"cache_misses"`
	HitRate       float64   `json:"hit_rate"`
	Throughput    float64   `json:"throughput"`
	ElapsedMillis int64     `json:"elapsed_ms"`
	Since         time.Time `json:"since"`
	DroppedEvents int64     `json:"dropped_events"`
}

// HitRate returns hits*100/total, or 0 when total is 0.
func HitRate(hits, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(hits) * 100 / float64(total)
}

// Throughput returns total*1000/elapsedMillis (requests per second), or 0
// when no time has elapsed.
func Throughput(total, elapsedMillis int64) float64 {
	if elapsedMillis <= 0 {
		return 0
	}
	return float64(total) * 1000 / float64(elapsedMillis)
}

// collectors are the Prometheus series owned by one Recorder.
type collectors struct {
	requests        prometheus.Counter
	hits            prometheus.Counter
	misses          prometheus.Counter
	originErrors    *prometheus.CounterVec
	evictions       prometheus.Counter
	cacheEntries    prometheus.Gauge
	requestDuration *prometheus.HistogramVec
	breakerState    prometheus.Gauge
	droppedEvents   prometheus.Counter
}

func newCollectors(reg prometheus.Registerer) *collectors {
	f := promauto.With(reg)
	return &collectors{
		requests: f.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_requests_total",
			Help: "Total number of requests parsed by the proxy.",
		}),
		hits: f.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_cache_hits_total",
			Help: "Total number of requests served from the cache.",
		}),
		misses: f.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_cache_misses_total",
			Help: "Total number of cache-eligible requests forwarded to the origin.",
		}),
		// OriginErrors counts failed origin round-trips by kind
		// ("refused", "reset", "timeout", "malformed", "circuit_open", "other").
		originErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cacheproxy_origin_errors_total",
			Help: "Total origin round-trip failures by kind.",
		}, []string{"kind"}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_cache_evictions_total",
			Help: "Total number of LRU evictions.",
		}),
		cacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "cacheproxy_cache_entries",
			Help: "Number of entries currently cached.",
		}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cacheproxy_request_duration_seconds",
			Help:    "Connection handling duration in seconds by outcome.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		// 0 = closed, 1 = open, 2 = half_open.
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "cacheproxy_circuit_breaker_state",
			Help: "Origin circuit breaker state (0=closed 1=open 2=half_open).",
		}),
		droppedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "cacheproxy_events_dropped_total",
			Help: "Events dropped because the event log buffer was full.",
		}),
	}
}
