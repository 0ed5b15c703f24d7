package cap

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestMetrics_NilReceiverIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.setChildren(1)
		m.observeStart("started")
		m.observeRestart("ok")
		m.observeStopDuration(0)
	})
}

func TestMetrics_TracksLiveChildCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")
	p := newTestParent(WithMetrics(metrics))

	_, _, err := p.StartChild(NewChildSpec("a", blockUntilCancelled))
	require.NoError(t, err)

	assert.Equal(t, float64(1), gaugeValue(t, reg, "parent_children_total"))

	require.NoError(t, p.ShutdownChild("a"))
	assert.Equal(t, float64(0), gaugeValue(t, reg, "parent_children_total"))
}
