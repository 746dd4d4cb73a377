// Package metrics exposes the Sync Kernel's Prometheus metrics as an
// explicit Registry object rather than package-level global vars.
//
// Grounded on cuemby-warren/pkg/metrics (the only example repo wiring
// prometheus/client_golang): same NewCounterVec/GaugeVec/HistogramVec
// construction idiom and Timer helper, restructured into a constructed
// Registry per the design decision that global metric singletons become
// explicit context objects passed to the components that use them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the Sync Kernel emits, wired to its own
// prometheus.Registry so multiple Registry instances (e.g. in tests) never
// collide on the global default registry.
type Registry struct {
	reg *prometheus.Registry

	UpdateApplyLatency    *prometheus.HistogramVec
	VerificationOutcomes  *prometheus.CounterVec
	FailClosedTotal       *prometheus.CounterVec
	ConflictRetries       *prometheus.CounterVec
	MappingDuration       *prometheus.HistogramVec
	InvalidMessagesTotal  *prometheus.CounterVec
	HandshakeFailures     *prometheus.CounterVec
}

// New constructs a Registry with all metrics created and registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		UpdateApplyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lfcc_sync_update_apply_duration_seconds",
			Help:    "Latency of applying a doc_update on the server, in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"docId"}),
		VerificationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lfcc_sync_verification_outcomes_total",
			Help: "Count of update verification outcomes by result.",
		}, []string{"outcome"}),
		FailClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lfcc_fail_closed_total",
			Help: "Count of fail-closed terminations by reason.",
		}, []string{"reason"}),
		ConflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lfcc_sync_conflict_retries_total",
			Help: "Count of client-side rebase retries after a frontier conflict.",
		}, []string{"docId"}),
		MappingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lfcc_sync_mapping_duration_seconds",
			Help:    "Latency of mapping a remote update into the local CRDT.",
			Buckets: prometheus.DefBuckets,
		}, []string{"docId"}),
		InvalidMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lfcc_sync_invalid_messages_total",
			Help: "Count of messages rejected by structural validation, by source.",
		}, []string{"source"}),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lfcc_sync_handshake_failures_total",
			Help: "Count of failed handshakes, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.UpdateApplyLatency,
		m.VerificationOutcomes,
		m.FailClosedTotal,
		m.ConflictRetries,
		m.MappingDuration,
		m.InvalidMessagesTotal,
		m.HandshakeFailures,
	)
	return m
}

// Handler exposes the registry's metrics over HTTP in the Prometheus
// exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Timer measures an in-flight operation's duration for later observation
// against one of the registry's histograms.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveSeconds(hist *prometheus.HistogramVec, labels ...string) {
	hist.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Noop is a nil-safe Registry usable when metrics are not configured; every
// method is a no-op. Callers hold a *Registry either way, so business logic
// never branches on "is metrics configured".
func Noop() *Registry {
	reg := prometheus.NewRegistry()
	return &Registry{
		reg:                  reg,
		UpdateApplyLatency:   prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "noop_update_apply"}, []string{"docId"}),
		VerificationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "noop_verification"}, []string{"outcome"}),
		FailClosedTotal:      prometheus.NewCounterVec(prometheus.CounterOpts{Name: "noop_fail_closed"}, []string{"reason"}),
		ConflictRetries:      prometheus.NewCounterVec(prometheus.CounterOpts{Name: "noop_conflict_retries"}, []string{"docId"}),
		MappingDuration:      prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "noop_mapping_duration"}, []string{"docId"}),
		InvalidMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "noop_invalid_messages"}, []string{"source"}),
		HandshakeFailures:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "noop_handshake_failures"}, []string{"reason"}),
	}
}
