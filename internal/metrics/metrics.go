// Package metrics tracks per-device operational counters: item-type
// throughput, slot-state transition counts, and completion-latency
// histograms, mirroring the teacher's atomic-counter Metrics type but
// keyed to slot/inverter concepts instead of ublk queue I/O.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/bdus-go/internal/item"
	"github.com/behrlich/bdus-go/internal/slot"
)

// LatencyBuckets are histogram bucket upper bounds in nanoseconds,
// covering 1us through 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics accumulates counters for one device. All fields are safe for
// concurrent use from the worker pool without additional locking.
type Metrics struct {
	ItemOps    [13]atomic.Uint64 // indexed by item.Type
	ItemErrors [13]atomic.Uint64

	StateTransitions [5]atomic.Uint64 // indexed by slot.State, count of entries into that state

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// New creates a Metrics instance with its start time set to now.
func New() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCompletion records one completed item of type t, with its
// service latency and whether it succeeded.
func (m *Metrics) RecordCompletion(t item.Type, latencyNs uint64, success bool) {
	m.ItemOps[t].Add(1)
	if !success {
		m.ItemErrors[t].Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordTransition increments the counter for entries into state s.
func (m *Metrics) RecordTransition(s slot.State) {
	m.StateTransitions[s].Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped for uptime accounting.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Snapshot is a point-in-time view of Metrics, safe to read without
// further synchronization.
type Snapshot struct {
	ItemOps    [13]uint64
	ItemErrors [13]uint64

	StateTransitions [5]uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps  uint64
	ErrorRate float64
}

// Snapshot computes a consistent-enough snapshot of m's current counters.
func (m *Metrics) Snapshot() Snapshot {
	var snap Snapshot

	var totalOps, totalErrors uint64
	for i := range m.ItemOps {
		snap.ItemOps[i] = m.ItemOps[i].Load()
		snap.ItemErrors[i] = m.ItemErrors[i].Load()
		totalOps += snap.ItemOps[i]
		totalErrors += snap.ItemErrors[i]
	}
	snap.TotalOps = totalOps
	if totalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(totalOps) * 100.0
	}

	for i := range m.StateTransitions {
		snap.StateTransitions[i] = m.StateTransitions[i].Load()
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates a latency percentile from the cumulative
// histogram buckets: it returns the upper bound of the first bucket whose
// cumulative count reaches the target, without interpolating within it.
func (m *Metrics) calculatePercentile(p float64) uint64 {
	opCount := m.OpCount.Load()
	if opCount == 0 {
		return 0
	}

	target := uint64(float64(opCount) * p)
	for i, bucket := range LatencyBuckets {
		if m.LatencyBuckets[i].Load() >= target {
			return bucket
		}
	}
	return LatencyBuckets[numLatencyBuckets-1]
}
