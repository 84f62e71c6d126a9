package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollector_ObserveCheckpointIncrementsCounter(t *testing.T) {
	c := NewCollector(prometheus.Labels{"role": "primary"})
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	c.ObserveCheckpoint(2*time.Millisecond, 5*time.Millisecond)
	c.ObserveCheckpoint(3*time.Millisecond, 6*time.Millisecond)

	require.Equal(t, float64(2), testutil.ToFloat64(c.checkpoints))
}

func TestCollector_GaugeFuncsAreSampledLive(t *testing.T) {
	c := NewCollector(nil)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	slabs := 3.0
	c.SetSlabGaugeFuncs(func() float64 { return slabs }, func() float64 { return 1024 })

	mfs, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range mfs {
		if mf.GetName() == "mccore_slab_ring_slabs" {
			found = true
			require.Equal(t, slabs, mf.Metric[0].GetGauge().GetValue())
		}
	}
	require.True(t, found)
}
