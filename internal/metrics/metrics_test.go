package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveAnswer("api")
	m.ObserveAnswer("api")
	m.ObserveAnswer("fallback")
	m.ObserveAttempt("timeout")
	done := m.PassStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gradingInFlight))
	done("completed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.answersGraded.WithLabelValues("api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.answersGraded.WithLabelValues("fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiAttempts.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.passes.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.gradingInFlight))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveAnswer("api")
	m.ObserveAttempt("ok")
	m.PassStarted()("failed")

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMiddlewareAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/exams/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", Handler(reg))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/exams/42", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/exams/{id}", "404")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "smartgrader_http_requests_total"))
}
