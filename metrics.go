package sagalock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records gate activity in Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	messages        *prometheus.CounterVec
	acquisitions    prometheus.Counter
	busyRetries     prometheus.Counter
	backendErrors   *prometheus.CounterVec
	releases        prometheus.Counter
	releaseFailures prometheus.Counter
	refreshes       prometheus.Counter
	leasesLost      prometheus.Counter
	acquireWait     prometheus.Histogram
	holdTime        prometheus.Histogram
}

// NewMetrics creates the gate collectors and registers them with reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagalock_messages_total",
			Help: "Messages passed through the gate, by path (unlocked or locked).",
		}, []string{"path"}),
		acquisitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagalock_bucket_acquisitions_total",
			Help: "Lock buckets successfully acquired.",
		}),
		busyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagalock_bucket_busy_retries_total",
			Help: "Acquire attempts that found the bucket busy.",
		}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagalock_backend_errors_total",
			Help: "Lock backend calls that failed structurally, by operation.",
		}, []string{"op"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagalock_bucket_releases_total",
			Help: "Lock buckets released.",
		}),
		releaseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagalock_bucket_release_failures_total",
			Help: "Lock bucket releases that failed.",
		}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagalock_bucket_refreshes_total",
			Help: "Lock bucket leases refreshed while a handler ran.",
		}),
		leasesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagalock_bucket_leases_lost_total",
			Help: "Lock bucket leases found expired or taken over at refresh.",
		}),
		acquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sagalock_acquire_wait_seconds",
			Help:    "Time spent obtaining the full lock set of a message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		holdTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sagalock_hold_seconds",
			Help:    "Time a message held its lock set, including downstream processing.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.messages, m.acquisitions, m.busyRetries, m.backendErrors,
			m.releases, m.releaseFailures, m.refreshes, m.leasesLost,
			m.acquireWait, m.holdTime,
		)
	}
	return m
}

func (m *Metrics) message(locked bool) {
	if m == nil {
		return
	}
	path := "unlocked"
	if locked {
		path = "locked"
	}
	m.messages.WithLabelValues(path).Inc()
}

func (m *Metrics) acquired() {
	if m != nil {
		m.acquisitions.Inc()
	}
}

func (m *Metrics) busy() {
	if m != nil {
		m.busyRetries.Inc()
	}
}

func (m *Metrics) backendError(op string) {
	if m != nil {
		m.backendErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) released(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.releases.Inc()
		return
	}
	m.releaseFailures.Inc()
}

func (m *Metrics) refreshed() {
	if m != nil {
		m.refreshes.Inc()
	}
}

func (m *Metrics) leaseLost() {
	if m != nil {
		m.leasesLost.Inc()
	}
}

func (m *Metrics) observeWait(d time.Duration) {
	if m != nil {
		m.acquireWait.Observe(d.Seconds())
	}
}

func (m *Metrics) observeHold(d time.Duration) {
	if m != nil {
		m.holdTime.Observe(d.Seconds())
	}
}
