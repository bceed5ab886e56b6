// Package metrics defines and registers all Prometheus metrics used by the
// vwsmock service, and serves them together with health and readiness
// probes. Metrics share the common "vwsmock_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector used by vwsmock.
type Metrics struct {
	// ---------------------------------------------------------------
	// HTTP
	// ---------------------------------------------------------------

	// RequestsTotal counts handled HTTP requests by API, method and status.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration observes request handling latency per API.
	RequestDuration *prometheus.HistogramVec

	// ---------------------------------------------------------------
	// Targets
	// ---------------------------------------------------------------

	// TargetsCreated counts targets added through the management API.
	TargetsCreated prometheus.Counter

	// TargetsUpdated counts target updates through the management API.
	TargetsUpdated prometheus.Counter

	// TargetsDeleted counts target deletions through the management API.
	TargetsDeleted prometheus.Counter

	// ---------------------------------------------------------------
	// Queries
	// ---------------------------------------------------------------

	// QueriesTotal counts recognition queries by outcome
	// ("success" or "transient_error").
	QueriesTotal *prometheus.CounterVec

	// ---------------------------------------------------------------
	// Databases
	// ---------------------------------------------------------------

	// DatabasesCreated counts databases provisioned through the admin API.
	DatabasesCreated prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics with the supplied
// registerer. Pass prometheus.DefaultRegisterer for global registration or a
// custom registry for testing.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	// -------------------------------------------------------------------
	// HTTP Metrics
	// -------------------------------------------------------------------

	m.RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vwsmock_requests_total",
		Help: "Total number of HTTP requests handled.",
	}, []string{"api", "method", "status"})
	registerer.MustRegister(m.RequestsTotal)

	m.RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vwsmock_request_duration_seconds",
		Help:    "Time taken to handle a request.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5},
	}, []string{"api"})
	registerer.MustRegister(m.RequestDuration)

	// -------------------------------------------------------------------
	// Target Metrics
	// -------------------------------------------------------------------

	m.TargetsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vwsmock_targets_created_total",
		Help: "Total targets added through the management API.",
	})
	registerer.MustRegister(m.TargetsCreated)

	m.TargetsUpdated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vwsmock_targets_updated_total",
		Help: "Total target updates through the management API.",
	})
	registerer.MustRegister(m.TargetsUpdated)

	m.TargetsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vwsmock_targets_deleted_total",
		Help: "Total target deletions through the management API.",
	})
	registerer.MustRegister(m.TargetsDeleted)

	// -------------------------------------------------------------------
	// Query Metrics
	// -------------------------------------------------------------------

	m.QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vwsmock_queries_total",
		Help: "Total recognition queries by outcome.",
	}, []string{"outcome"})
	registerer.MustRegister(m.QueriesTotal)

	// -------------------------------------------------------------------
	// Database Metrics
	// -------------------------------------------------------------------

	m.DatabasesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vwsmock_databases_created_total",
		Help: "Total databases provisioned through the admin API.",
	})
	registerer.MustRegister(m.DatabasesCreated)

	return m
}

// New creates a Metrics instance registered against the default Prometheus
// registry. This is a convenience wrapper for use in production code and
// tests that do not need an isolated registry.
func New() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// RegisterRepositoryGauges registers gauge functions that expose the current
// size of the target repository. The callbacks are invoked on every scrape.
func RegisterRepositoryGauges(registerer prometheus.Registerer, databases, targets, tombstones func() float64) {
	registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vwsmock_databases",
		Help: "Number of provisioned databases.",
	}, databases))

	registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vwsmock_targets",
		Help: "Number of live targets across all databases.",
	}, targets))

	registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vwsmock_target_tombstones",
		Help: "Number of deleted targets still held for deletion recognition.",
	}, tombstones))
}
