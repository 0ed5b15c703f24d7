package cap

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments a Parent's child lifecycle with Prometheus. A nil
// *Metrics (the zero value of an unconfigured Parent) is a complete no-op:
// every method here tolerates a nil receiver, so callers never need to
// guard a Metrics-less Parent themselves.
type Metrics struct {
	parentName string

	childrenTotal   prometheus.Gauge
	startsTotal     *prometheus.CounterVec
	restartsTotal   *prometheus.CounterVec
	stopDurationSec prometheus.Observer
}

// NewMetrics builds and registers against reg the four instruments a Parent
// named parentName reports through when configured via WithMetrics.
func NewMetrics(reg prometheus.Registerer, parentName string) *Metrics {
	childrenTotal := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "parent_children_total",
		Help:        "Number of children currently live under this parent.",
		ConstLabels: prometheus.Labels{"parent": parentName},
	})
	startsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "parent_child_starts_total",
		Help:        "Number of child start attempts, partitioned by outcome.",
		ConstLabels: prometheus.Labels{"parent": parentName},
	}, []string{"outcome"})
	restartsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "parent_child_restarts_total",
		Help:        "Number of restart attempts, partitioned by outcome.",
		ConstLabels: prometheus.Labels{"parent": parentName},
	}, []string{"outcome"})
	stopDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "parent_child_stop_duration_seconds",
		Help:        "Time spent in the Stopper per child.",
		ConstLabels: prometheus.Labels{"parent": parentName},
	})

	reg.MustRegister(childrenTotal, startsTotal, restartsTotal, stopDuration)

	return &Metrics{
		parentName:      parentName,
		childrenTotal:   childrenTotal,
		startsTotal:     startsTotal,
		restartsTotal:   restartsTotal,
		stopDurationSec: stopDuration,
	}
}

func (m *Metrics) setChildren(n int) {
	if m == nil {
		return
	}
	m.childrenTotal.Set(float64(n))
}

func (m *Metrics) observeStart(outcome string) {
	if m == nil {
		return
	}
	m.startsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRestart(outcome string) {
	if m == nil {
		return
	}
	m.restartsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeStopDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.stopDurationSec.Observe(d.Seconds())
}
