// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	Ticks          prometheus.Counter
	TickErrors     prometheus.Counter
	Joins          prometheus.Counter
	Leaves         prometheus.Counter
	EnrichLookups  prometheus.Counter
	EnrichErrors   prometheus.Counter
	TokenRefreshes prometheus.Counter

	// Histograms (seconds)
	TickDuration  prometheus.Observer
	DrainDuration prometheus.Observer

	// Gauges
	TenantsGauge     prometheus.Gauge
	QueueDepthGauge  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		Ticks = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_ticks_total", Help: "Number of reconciliation ticks executed"})
		TickErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_tick_errors_total", Help: "Number of reconciliation ticks that recorded an error"})
		Joins = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_joins_total", Help: "Number of join events persisted"})
		Leaves = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_leaves_total", Help: "Number of leave events persisted"})
		EnrichLookups = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_enrich_lookups_total", Help: "Number of usernames looked up by the enrichment queue"})
		EnrichErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_enrich_errors_total", Help: "Number of enrichment drain failures"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_token_refreshes_total", Help: "Number of OAuth token refreshes performed"})
		TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "presence_tick_duration_seconds", Help: "Reconciliation tick duration seconds", Buckets: prometheus.DefBuckets})
		DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "presence_enrich_drain_duration_seconds", Help: "Enrichment drain duration seconds", Buckets: prometheus.DefBuckets})
		TenantsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "presence_tenants", Help: "Number of registered tenants"})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "presence_enrich_queue_depth", Help: "Current number of usernames pending enrichment"})
	})
}

// SetTenants records the current registry size.
func SetTenants(n int) {
	if TenantsGauge != nil {
		TenantsGauge.Set(float64(n))
	}
}

// SetQueueDepth records the current enrichment backlog.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
