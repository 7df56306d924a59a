package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/bdus-go/internal/item"
	"github.com/behrlich/bdus-go/internal/slot"
)

func TestRecordCompletion_CountsOpsAndErrors(t *testing.T) {
	m := New()
	m.RecordCompletion(item.Read, 1000, true)
	m.RecordCompletion(item.Read, 2000, false)

	snap := m.Snapshot()
	require.EqualValues(t, 2, snap.ItemOps[item.Read])
	require.EqualValues(t, 1, snap.ItemErrors[item.Read])
	require.EqualValues(t, 2, snap.TotalOps)
	require.InDelta(t, 50.0, snap.ErrorRate, 0.001)
}

func TestRecordTransition_CountsByState(t *testing.T) {
	m := New()
	m.RecordTransition(slot.AwaitingGet)
	m.RecordTransition(slot.AwaitingGet)
	m.RecordTransition(slot.Free)

	snap := m.Snapshot()
	require.EqualValues(t, 2, snap.StateTransitions[slot.AwaitingGet])
	require.EqualValues(t, 1, snap.StateTransitions[slot.Free])
}

func TestSnapshot_AverageLatency(t *testing.T) {
	m := New()
	m.RecordCompletion(item.Write, 100, true)
	m.RecordCompletion(item.Write, 300, true)

	snap := m.Snapshot()
	require.EqualValues(t, 200, snap.AvgLatencyNs)
}

func TestSnapshot_NoOpsYieldsZeroedPercentiles(t *testing.T) {
	m := New()
	snap := m.Snapshot()
	require.Zero(t, snap.LatencyP50Ns)
	require.Zero(t, snap.AvgLatencyNs)
	require.Zero(t, snap.TotalOps)
}

func TestSnapshot_PercentilesFallWithinBucketRange(t *testing.T) {
	m := New()
	for i := 0; i < 100; i++ {
		m.RecordCompletion(item.Read, 500, true)
	}
	snap := m.Snapshot()
	require.GreaterOrEqual(t, snap.LatencyP50Ns, uint64(500))
	require.LessOrEqual(t, snap.LatencyP999Ns, LatencyBuckets[numLatencyBuckets-1])
}

func TestStop_SetsFixedUptime(t *testing.T) {
	m := New()
	m.Stop()
	snap1 := m.Snapshot()
	snap2 := m.Snapshot()
	require.Equal(t, snap1.UptimeNs, snap2.UptimeNs)
}
