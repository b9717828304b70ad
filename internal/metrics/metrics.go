package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripbell_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tripbell_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	pushDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripbell_push_dispatched_total",
			Help: "Push delivery attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	liveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tripbell_live_subscribers",
			Help: "Currently open live stream subscriptions",
		},
	)

	liveEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripbell_live_events_emitted_total",
			Help: "Events published to the live bus by type",
		},
		[]string{"type"},
	)

	streamFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tripbell_stream_frames_dropped_total",
			Help: "Events dropped because a connection's queue was full",
		},
	)

	registrationsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripbell_device_registrations_total",
			Help: "Device registration upserts by provider",
		},
		[]string{"provider"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPushDispatch records per-provider delivery counts for one dispatch.
func RecordPushDispatch(provider string, delivered, failed int) {
	if delivered > 0 {
		pushDispatched.WithLabelValues(provider, "delivered").Add(float64(delivered))
	}
	if failed > 0 {
		pushDispatched.WithLabelValues(provider, "failed").Add(float64(failed))
	}
}

// StreamOpened tracks a live connection entering the streaming state.
func StreamOpened() {
	liveSubscribers.Inc()
}

// StreamClosed tracks a live connection teardown.
func StreamClosed() {
	liveSubscribers.Dec()
}

// RecordEventEmitted records one event published to the live bus.
func RecordEventEmitted(eventType string) {
	liveEventsEmitted.WithLabelValues(eventType).Inc()
}

// RecordFrameDropped records an event dropped from a full connection queue.
func RecordFrameDropped() {
	streamFramesDropped.Inc()
}

// RecordRegistration records a device registration upsert.
func RecordRegistration(provider string) {
	registrationsUpserted.WithLabelValues(provider).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
