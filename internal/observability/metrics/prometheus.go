// Package metrics provides Prometheus metrics for the validation services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-rxsafety/internal/validation"
)

// Validation sources
const (
	SourceAPI    = "api"
	SourceFHIR   = "fhir"
	SourceWorker = "worker"
	SourceCLI    = "cli"
)

// Metrics holds all application metrics
type Metrics struct {
	ValidationsTotal     *prometheus.CounterVec
	RuleHits             *prometheus.CounterVec
	ValidationDuration   *prometheus.HistogramVec
	InteractionFallbacks prometheus.Counter
	SubmissionsTotal     *prometheus.CounterVec
	WorkerVerdicts       *prometheus.CounterVec
	MessagesConsumed     *prometheus.CounterVec
	MessagesProduced     *prometheus.CounterVec
	OutboxPending        prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
	HTTPRequests         *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates metrics on the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry creates metrics registered on reg and served from g
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_validations_total",
			Help: "Draft validations by source and outcome",
		}, []string{"source", "outcome"}),
		RuleHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_validation_rule_hits_total",
			Help: "Validation messages by rule",
		}, []string{"rule"}),
		ValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rx_validation_duration_seconds",
			Help:    "Draft validation duration including catalog resolution",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"source"}),
		InteractionFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rx_interaction_source_fallbacks_total",
			Help: "Times the built-in interaction table replaced the remote source",
		}),
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_submissions_total",
			Help: "Submission attempts by resulting status",
		}, []string{"status"}),
		WorkerVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_worker_verdicts_total",
			Help: "Revalidation worker outcomes",
		}, []string{"outcome"}),
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_messages_consumed_total",
			Help: "Records consumed by topic",
		}, []string{"topic"}),
		MessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_messages_produced_total",
			Help: "Records produced by topic",
		}, []string{"topic"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rx_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rx_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rx_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gatherer: g,
	}

	reg.MustRegister(
		m.ValidationsTotal,
		m.RuleHits,
		m.ValidationDuration,
		m.InteractionFallbacks,
		m.SubmissionsTotal,
		m.WorkerVerdicts,
		m.MessagesConsumed,
		m.MessagesProduced,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// ObserveValidation records one verdict
func (m *Metrics) ObserveValidation(source string, result validation.Result, d time.Duration) {
	outcome := "valid"
	if !result.Valid() {
		outcome = "invalid"
	}
	m.ValidationsTotal.WithLabelValues(source, outcome).Inc()
	m.ValidationDuration.WithLabelValues(source).Observe(d.Seconds())

	for _, issue := range result.Issues() {
		m.RuleHits.WithLabelValues(RuleLabel(issue)).Inc()
	}
}

// RuleLabel names the rule behind an issue. Line issues collapse to their
// field so the label set stays bounded.
func RuleLabel(issue validation.Issue) string {
	if issue.Field == "" {
		return issue.Key
	}
	if issue.Warning {
		return "line." + string(issue.Field) + ".warning"
	}
	return "line." + string(issue.Field)
}

// ObserveHTTP records a served request
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// SetBreakerState records a breaker state by its gobreaker name
func (m *Metrics) SetBreakerState(name, state string) {
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for the gatherer
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
