package datasource

import (
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// Metric names exposed to the engine's execution-metrics store.
const (
	MetricBytesSent     = "bytesSent"
	MetricBytesReceived = "bytesReceived"
)

// Metrics tracks the bytes a task moved across the process boundary.
// Counters only ever grow during a task's lifetime.
type Metrics struct {
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
}

// AddSent records bytes pushed toward the extension process.
func (m *Metrics) AddSent(n int64) {
	if n > 0 {
		m.bytesSent.Add(n)
	}
}

// AddReceived records bytes pulled from the extension process.
func (m *Metrics) AddReceived(n int64) {
	if n > 0 {
		m.bytesReceived.Add(n)
	}
}

// BytesSent returns the running sent counter.
func (m *Metrics) BytesSent() int64 { return m.bytesSent.Load() }

// BytesReceived returns the running received counter.
func (m *Metrics) BytesReceived() int64 { return m.bytesReceived.Load() }

// Snapshot captures a point-in-time view of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		BytesSent:     m.bytesSent.Load(),
		BytesReceived: m.bytesReceived.Load(),
	}
}

// MetricsSnapshot is an immutable counter view, aggregated at job
// completion.
type MetricsSnapshot struct {
	BytesSent     int64
	BytesReceived int64
}

// Add merges another snapshot into this one.
func (s MetricsSnapshot) Add(other MetricsSnapshot) MetricsSnapshot {
	return MetricsSnapshot{
		BytesSent:     s.BytesSent + other.BytesSent,
		BytesReceived: s.BytesReceived + other.BytesReceived,
	}
}

// Report renders the two named counters as human-readable byte counts,
// the format the engine's metrics store displays.
func (s MetricsSnapshot) Report() map[string]string {
	return map[string]string{
		MetricBytesSent:     humanize.IBytes(uint64(s.BytesSent)),
		MetricBytesReceived: humanize.IBytes(uint64(s.BytesReceived)),
	}
}
