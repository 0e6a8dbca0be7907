package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	deliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_delivery_attempts_total",
			Help: "Notification delivery attempts by channel and outcome.",
		},
		[]string{"type", "outcome"},
	)

	reviewTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagnostic_review_transitions_total",
			Help: "Diagnostic review attempts by target status and outcome.",
		},
		[]string{"status", "outcome"},
	)

	resetTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "password_reset_tokens_total",
			Help: "Password reset token events.",
		},
		[]string{"event"},
	)

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_bus_dropped_total",
		Help: "Events dropped because the bus buffer was full.",
	})
)

// Init registers collectors with the default registry. Safe to call repeatedly.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			deliveryAttempts, reviewTransitions, resetTokens, eventsDropped,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveDelivery(channel, outcome string) {
	deliveryAttempts.WithLabelValues(channel, outcome).Inc()
}

func ObserveReview(status, outcome string) {
	reviewTransitions.WithLabelValues(status, outcome).Inc()
}

func ObserveResetToken(event string) {
	resetTokens.WithLabelValues(event).Inc()
}

func ObserveEventDropped() {
	eventsDropped.Inc()
}

// Instrument records request counts and latency keyed by the chi route pattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.code)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
