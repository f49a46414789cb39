package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dukapos/internal/domain"
)

var (
	// Registry holds the service's collectors; the default registry is left alone.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dukapos",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dukapos",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dukapos",
			Subsystem: "queue",
			Name:      "operations",
			Help:      "Queued operations by state.",
		},
		[]string{"state"},
	)

	flushRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dukapos",
			Subsystem: "sync",
			Name:      "flush_runs_total",
			Help:      "Flush runs by outcome.",
		},
		[]string{"outcome"},
	)

	flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dukapos",
			Subsystem: "sync",
			Name:      "flush_duration_seconds",
			Help:      "Duration of flush runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	replayedOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dukapos",
			Subsystem: "sync",
			Name:      "replayed_operations_total",
			Help:      "Queued operations replayed against the backend, by entity and outcome.",
		},
		[]string{"entity", "outcome"},
	)

	absorbedOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dukapos",
			Subsystem: "sync",
			Name:      "absorbed_operations_total",
			Help:      "Operations folded into another write by aggregation.",
		},
		[]string{"entity"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		queueDepth,
		flushRuns,
		flushDuration,
		replayedOps,
		absorbedOps,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency labelled by the matched chi
// route pattern, so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func RecordQueueStats(stats domain.QueueStats) {
	queueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	queueDepth.WithLabelValues("synced").Set(float64(stats.Synced))
	queueDepth.WithLabelValues("dead").Set(float64(stats.Dead))
}

func RecordFlush(report domain.FlushReport, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case report.Failed > 0:
		outcome = "partial"
	case report.Considered == 0:
		outcome = "empty"
	}
	flushRuns.WithLabelValues(outcome).Inc()
	if !report.FinishedAt.IsZero() && !report.StartedAt.IsZero() {
		flushDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}
}

// RecordReplay counts n operations that finished replay with the given outcome.
func RecordReplay(entity domain.EntityType, outcome string, n int) {
	if n <= 0 {
		return
	}
	if entity == "" {
		entity = "unknown"
	}
	replayedOps.WithLabelValues(string(entity), outcome).Add(float64(n))
}

func RecordAbsorbed(entity domain.EntityType, n int) {
	if n <= 0 {
		return
	}
	absorbedOps.WithLabelValues(string(entity)).Add(float64(n))
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
