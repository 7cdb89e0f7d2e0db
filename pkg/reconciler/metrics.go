package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "runwatch"

// Finalize outcomes.
const (
	outcomeSaved         = "saved"
	outcomeDuplicate     = "duplicate"
	outcomePersistFailed = "persist_failed"
)

// Metrics holds the reconciler's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	scans           *prometheus.CounterVec
	scanDuration    prometheus.Histogram
	runningTests    prometheus.Gauge
	finalizes       *prometheus.CounterVec
	deleteFailures  prometheus.Counter
	publishFailures *prometheus.CounterVec
	archiveFailures prometheus.Counter
}

// NewMetrics registers the reconciler collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		scans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "scans_total",
			Help:      "Scan cycles by result.",
		}, []string{"result"}),
		scanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "scan_duration_seconds",
			Help:      "Time taken by a scan cycle including its finalizes.",
			Buckets:   prometheus.DefBuckets,
		}),
		runningTests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "running_tests",
			Help:      "Running tests seen by the last successful scan.",
		}),
		finalizes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "finalizes_total",
			Help:      "Finalized running tests by outcome.",
		}, []string{"outcome"}),
		deleteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delete_failures_total",
			Help:      "Running tests that could not be removed after finalize.",
		}),
		publishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publish_failures_total",
			Help:      "Notifications that failed to publish by event kind.",
		}, []string{"kind"}),
		archiveFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "archive_failures_total",
			Help:      "Finalized test runs that could not be archived.",
		}),
	}
}

func (m *Metrics) observeScan(result string, seconds float64) {
	if m == nil {
		return
	}

	m.scans.WithLabelValues(result).Inc()
	m.scanDuration.Observe(seconds)
}

func (m *Metrics) setRunningTests(n int) {
	if m == nil {
		return
	}

	m.runningTests.Set(float64(n))
}

func (m *Metrics) finalized(outcome string) {
	if m == nil {
		return
	}

	m.finalizes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) deleteFailed() {
	if m == nil {
		return
	}

	m.deleteFailures.Inc()
}

func (m *Metrics) publishFailed(kind string) {
	if m == nil {
		return
	}

	m.publishFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) archiveFailed() {
	if m == nil {
		return
	}

	m.archiveFailures.Inc()
}
