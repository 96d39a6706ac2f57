// Package metrics exposes Prometheus instrumentation for grading and HTTP.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	answersGraded   *prometheus.CounterVec
	apiAttempts     *prometheus.CounterVec
	passes          *prometheus.CounterVec
	passDuration    prometheus.Histogram
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	gradingInFlight prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		answersGraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgrader_answers_graded_total",
			Help: "Answers graded, by grading method.",
		}, []string{"method"}),
		apiAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgrader_llm_attempts_total",
			Help: "LLM grading attempts, by result.",
		}, []string{"result"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgrader_grading_passes_total",
			Help: "Grading passes finished, by final status.",
		}, []string{"status"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smartgrader_grading_pass_duration_seconds",
			Help:    "Duration of a full grading pass.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgrader_http_requests_total",
			Help: "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartgrader_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gradingInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartgrader_grading_in_flight",
			Help: "Grading passes currently running.",
		}),
	}
	reg.MustRegister(
		m.answersGraded, m.apiAttempts, m.passes, m.passDuration,
		m.httpRequests, m.httpDuration, m.gradingInFlight,
	)
	return m
}

// ObserveAnswer counts one graded answer.
func (m *Metrics) ObserveAnswer(method string) {
	if m == nil {
		return
	}
	m.answersGraded.WithLabelValues(method).Inc()
}

// ObserveAttempt counts one LLM call: "ok", "unparseable", "api_error" or "timeout".
func (m *Metrics) ObserveAttempt(result string) {
	if m == nil {
		return
	}
	m.apiAttempts.WithLabelValues(result).Inc()
}

// PassStarted marks a grading pass as running and returns a function that
// records its outcome.
func (m *Metrics) PassStarted() func(status string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.gradingInFlight.Inc()
	return func(status string) {
		m.gradingInFlight.Dec()
		m.passes.WithLabelValues(status).Inc()
		m.passDuration.Observe(time.Since(start).Seconds())
	}
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
