// Package metrics provides Prometheus instrumentation for CardGuard.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EvaluationsTotal counts evaluations by outcome and disposition.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardguard",
			Name:      "evaluations_total",
			Help:      "Total transaction evaluations by outcome and disposition.",
		},
		[]string{"outcome", "disposition"},
	)

	// RuleFailuresTotal counts failed checks per rule id.
	RuleFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardguard",
			Name:      "rule_failures_total",
			Help:      "Total rule failures by rule id.",
		},
		[]string{"rule"},
	)

	// LookupDegradationsTotal counts history or profile lookups that fell back to defaults.
	LookupDegradationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardguard",
			Name:      "lookup_degradations_total",
			Help:      "Lookups that failed or timed out and used a safe default.",
		},
		[]string{"lookup"},
	)

	// EvaluationDuration observes end-to-end evaluation latency.
	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cardguard",
			Name:      "evaluation_duration_seconds",
			Help:      "Transaction evaluation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// BusDroppedTotal counts messages a full subscriber buffer could not take.
	BusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardguard",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Messages dropped because a subscriber buffer was full.",
		},
		[]string{"topic"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cardguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// WorkerQueueDepth tracks transactions pulled but not yet evaluated.
	WorkerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Subsystem: "worker", Name: "queue_depth",
		Help: "Transactions handed to the pool and awaiting a worker.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		EvaluationsTotal,
		RuleFailuresTotal,
		LookupDegradationsTotal,
		EvaluationDuration,
		BusDroppedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WorkerQueueDepth,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector samples stats into gauges every interval until ctx
// is done. Call in a goroutine.
func StartDBStatsCollector(ctx context.Context, stats func() sql.DBStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := stats()
			DBOpenConnections.Set(float64(s.OpenConnections))
			DBInUseConnections.Set(float64(s.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request counts and latency keyed by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, route, statusBucket(status)).Inc()
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into classes.
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
