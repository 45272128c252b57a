package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.Observe(OpBuildContext, 100)
	w.Observe(OpBuildContext, 200)
	w.Observe(OpBuildContext, 300)
	w.ObserveIndicator("memory_block_dropped")
	w.ObserveIndicator("memory_block_dropped")

	snap := w.Snapshot()
	assert.Equal(t, 8, snap.WindowSize)
	require.Len(t, snap.Operations, 1)

	s := snap.Operations[0]
	assert.Equal(t, OpBuildContext, s.Operation)
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 300.0, s.LastMS)
	assert.Equal(t, 200.0, s.P50MS)
	assert.Greater(t, s.P95MS, 200.0)
	assert.LessOrEqual(t, s.P95MS, 300.0)
	assert.Equal(t, 400.0, s.TargetP95MS)

	require.Len(t, snap.Indicators, 1)
	assert.Equal(t, Indicator{Name: "memory_block_dropped", Count: 2}, snap.Indicators[0])
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := newLatencyWindow(2)
	w.Observe(OpAddTurn, 1)
	w.Observe(OpAddTurn, 2)
	w.Observe(OpAddTurn, 9)

	snap := w.Snapshot()
	require.Len(t, snap.Operations, 1)
	assert.Equal(t, 2, snap.Operations[0].Samples)
	assert.Equal(t, 5.5, snap.Operations[0].AvgMS)
}

func TestLatencyWindowIgnoresInvalidSamples(t *testing.T) {
	w := newLatencyWindow(4)
	w.Observe("", 10)
	w.Observe(OpClear, -1)
	w.ObserveIndicator("  ")
	snap := w.Snapshot()
	assert.Empty(t, snap.Operations)
	assert.Empty(t, snap.Indicators)

	w.Observe(OpClear, 5)
	w.Reset()
	assert.Empty(t, w.Snapshot().Operations)
}
