package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/campusdesk/campusdesk/internal/jobs"
)

// Metrics collects the console Prometheus metrics on a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	sessionTransitions *prometheus.CounterVec
	sessionAnomalies   *prometheus.CounterVec
	gateDecisions      *prometheus.CounterVec
	bootstrapAmbiguity prometheus.Counter
	provisionFailures  *prometheus.CounterVec

	jobs *jobmetrics.Metrics
}

// NewMetrics builds the registry and registers every console metric.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusdesk_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campusdesk_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusdesk_session_transitions_total",
		Help: "Session state transitions by resulting state.",
	}, []string{"state"})
	anomalies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusdesk_session_anomalies_total",
		Help: "Signed-in identities treated as unauthenticated, by reason.",
	}, []string{"reason"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusdesk_gate_decisions_total",
		Help: "Route gate outcomes by route access class.",
	}, []string{"outcome", "access"})
	ambiguity := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campusdesk_bootstrap_ambiguity_total",
		Help: "Admin existence checks that failed and assumed an admin exists.",
	})
	provisioning := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusdesk_provisioning_failures_total",
		Help: "Credential provisioning failures by failed step.",
	}, []string{"step"})
	registry.MustRegister(requests, duration, transitions, anomalies, decisions, ambiguity, provisioning)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		sessionTransitions: transitions,
		sessionAnomalies:   anomalies,
		gateDecisions:      decisions,
		bootstrapAmbiguity: ambiguity,
		provisionFailures:  provisioning,
		jobs:               jobmetrics.NewMetrics(registry),
	}
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records count and latency per route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for extra collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Jobs returns the background job collectors registered on this registry.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// SessionTransition counts a session state change.
func (m *Metrics) SessionTransition(label string) {
	if m == nil {
		return
	}
	m.sessionTransitions.WithLabelValues(label).Inc()
}

// SessionAnomaly counts a fail-closed session.
func (m *Metrics) SessionAnomaly(reason string) {
	if m == nil {
		return
	}
	m.sessionAnomalies.WithLabelValues(reason).Inc()
}

// GateDecision counts a route gate outcome.
func (m *Metrics) GateDecision(outcome, access string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(outcome, access).Inc()
}

// BootstrapAmbiguity counts failed admin existence checks.
func (m *Metrics) BootstrapAmbiguity() {
	if m == nil {
		return
	}
	m.bootstrapAmbiguity.Inc()
}

// ProvisioningFailure counts a failed provisioning step.
func (m *Metrics) ProvisioningFailure(step string) {
	if m == nil {
		return
	}
	m.provisionFailures.WithLabelValues(step).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
