package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sessiond/cmd/internal/outcome"
)

// Metrics collects per-operation counters for the Service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ops         *prometheus.CounterVec
	revocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics creates the session collectors and registers them with reg.
// reg may be nil, in which case the collectors are created but not registered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "session",
			Name:      "operations_total",
			Help:      "Session operations by operation and result kind.",
		}, []string{"op", "result"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "session",
			Name:      "revocations_total",
			Help:      "Sessions removed by revoke-all, by validation failure reason.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sessiond",
			Subsystem: "session",
			Name:      "operation_duration_seconds",
			Help:      "Session operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.ops, m.revocations, m.duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observe(op string, kind outcome.Kind, d time.Duration) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, kind.String()).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) revoked(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.revocations.WithLabelValues(reason).Add(float64(n))
}
