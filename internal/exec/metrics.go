package exec

import (
	"sync"

	"github.com/nucleus/pybridge/pkg/datasource"
)

// JobMetrics aggregates per-task counters at job completion. Tasks report
// concurrently; the engine's metrics store reads the aggregate once the
// job settles.
type JobMetrics struct {
	mu    sync.Mutex
	tasks map[int]datasource.MetricsSnapshot
}

// NewJobMetrics creates an empty aggregate.
func NewJobMetrics() *JobMetrics {
	return &JobMetrics{tasks: make(map[int]datasource.MetricsSnapshot)}
}

// Record stores one task's final counters. A re-report for the same index
// keeps the larger snapshot, so speculative duplicates cannot shrink the
// aggregate.
func (j *JobMetrics) Record(index int, snap datasource.MetricsSnapshot) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if prev, ok := j.tasks[index]; ok {
		if prev.BytesSent > snap.BytesSent {
			snap.BytesSent = prev.BytesSent
		}
		if prev.BytesReceived > snap.BytesReceived {
			snap.BytesReceived = prev.BytesReceived
		}
	}
	j.tasks[index] = snap
}

// Task returns one task's recorded snapshot.
func (j *JobMetrics) Task(index int) (datasource.MetricsSnapshot, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap, ok := j.tasks[index]
	return snap, ok
}

// Total sums every task's contribution.
func (j *JobMetrics) Total() datasource.MetricsSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	var total datasource.MetricsSnapshot
	for _, snap := range j.tasks {
		total = total.Add(snap)
	}
	return total
}

// Report renders the aggregate as the engine-facing named counters.
func (j *JobMetrics) Report() map[string]string {
	return j.Total().Report()
}
