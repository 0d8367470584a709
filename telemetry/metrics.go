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

	// RPC surface
	RPCRequests  *prometheus.CounterVec   // procedure, code
	RPCDuration  *prometheus.HistogramVec // procedure
	RemoteErrors *prometheus.CounterVec   // operation

	// Streams and the room event bus
	StreamsActive    prometheus.Gauge
	BusSubscriptions prometheus.Gauge
	BusPublished     prometheus.Counter
	BusDelivered     prometheus.Counter
	BusDropped       prometheus.Counter

	// Sign-in and protection
	SignIns     *prometheus.CounterVec // result
	RateLimited *prometheus.CounterVec // scope
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "outer_rpc_requests_total", Help: "RPC calls by procedure and result code"}, []string{"procedure", "code"})
		RPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "outer_rpc_duration_seconds", Help: "RPC handling duration seconds (unary procedures)", Buckets: prometheus.DefBuckets}, []string{"procedure"})
		RemoteErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "outer_remote_failures_total", Help: "Failed Google API calls by operation"}, []string{"operation"})
		StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{Name: "outer_streams_active", Help: "Open onMessage streams"})
		BusSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Name: "outer_bus_subscriptions", Help: "Live room event bus subscriptions"})
		BusPublished = promauto.NewCounter(prometheus.CounterOpts{Name: "outer_bus_published_total", Help: "Messages published to the room event bus"})
		BusDelivered = promauto.NewCounter(prometheus.CounterOpts{Name: "outer_bus_delivered_total", Help: "Messages queued for a subscriber"})
		BusDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "outer_bus_dropped_total", Help: "Messages discarded because a subscriber buffer was full"})
		SignIns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "outer_signins_total", Help: "Google sign-in callbacks by result"}, []string{"result"})
		RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{Name: "outer_rate_limited_total", Help: "Requests rejected by the rate limiter"}, []string{"scope"})
	})
}

// ObserveRPC records one finished RPC call.
func ObserveRPC(procedure, code string, d time.Duration) {
	if RPCRequests != nil {
		RPCRequests.WithLabelValues(procedure, code).Inc()
	}
	if RPCDuration != nil && d > 0 {
		RPCDuration.WithLabelValues(procedure).Observe(d.Seconds())
	}
}

// RemoteFailure counts a failed Google API call.
func RemoteFailure(operation string) {
	if RemoteErrors != nil {
		RemoteErrors.WithLabelValues(operation).Inc()
	}
}

// StreamOpened and StreamClosed track live onMessage streams.
func StreamOpened() {
	if StreamsActive != nil {
		StreamsActive.Inc()
	}
}

func StreamClosed() {
	if StreamsActive != nil {
		StreamsActive.Dec()
	}
}

// MessagePublished counts a bus publish.
func MessagePublished() {
	if BusPublished != nil {
		BusPublished.Inc()
	}
}

// SignIn counts a sign-in outcome ("ok", "denied", "error").
func SignIn(result string) {
	if SignIns != nil {
		SignIns.WithLabelValues(result).Inc()
	}
}

// Limited counts a rate-limited request.
func Limited(scope string) {
	if RateLimited != nil {
		RateLimited.WithLabelValues(scope).Inc()
	}
}

// BusObserver feeds room event bus lifecycle callbacks into the bus metrics.
type BusObserver struct{}

func (BusObserver) Subscribed(string) {
	if BusSubscriptions != nil {
		BusSubscriptions.Inc()
	}
}

func (BusObserver) Unsubscribed(string) {
	if BusSubscriptions != nil {
		BusSubscriptions.Dec()
	}
}

func (BusObserver) Delivered(string) {
	if BusDelivered != nil {
		BusDelivered.Inc()
	}
}

func (BusObserver) Dropped(string) {
	if BusDropped != nil {
		BusDropped.Inc()
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

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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
