package exec

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/pybridge/internal/extension/inmem"
	"github.com/nucleus/pybridge/pkg/datasource"
)

// sliceRows adapts a fixed row slice to the iterator the write path
// consumes.
type sliceRows struct {
	rows    []datasource.Row
	pos     int
	current datasource.Row
	err     error
}

func rowsOf(rows ...datasource.Row) *sliceRows { return &sliceRows{rows: rows} }

func (s *sliceRows) Next() bool {
	if s.err != nil || s.pos >= len(s.rows) {
		return false
	}
	s.current = s.rows[s.pos]
	s.pos++
	return true
}

func (s *sliceRows) Value() datasource.Row { return s.current }
func (s *sliceRows) Err() error            { return s.err }
func (s *sliceRows) Close() error          { return nil }

func TestWriter_Unit_CommitMessageReturned(t *testing.T) {
	rt := inmem.New()
	rt.RegisterHandler("sink", &inmem.Handler{Writer: &inmem.WriterCapability{
		Write: func(task datasource.WriteTask, next func() (datasource.Row, bool)) (datasource.CommitMessage, error) {
			count := 0
			for {
				if _, ok := next(); !ok {
					break
				}
				count++
			}
			return datasource.CommitMessage(fmt.Sprintf(`{"task":%d,"rows":%d}`, task.Index, count)), nil
		},
	}})

	input := rowsOf(datasource.Row{0, "a"}, datasource.Row{1, "b"}, datasource.Row{2, "c"})
	res, err := RunWriteTask(context.Background(), rt, datasource.Definition{EntryPoint: "sink"}, datasource.WriteTask{Index: 4}, input)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 4, res.Index)
	assert.JSONEq(t, `{"task":4,"rows":3}`, string(res.Message))
	assert.Positive(t, res.Metrics.BytesSent)
	assert.Positive(t, res.Metrics.BytesReceived)
}

func TestWriter_Unit_RaiseMidStreamIsWriteError(t *testing.T) {
	rt := inmem.New()
	rt.RegisterHandler("flaky", &inmem.Handler{Writer: &inmem.WriterCapability{
		Write: func(_ datasource.WriteTask, next func() (datasource.Row, bool)) (datasource.CommitMessage, error) {
			for i := 0; i < 2; i++ {
				if _, ok := next(); !ok {
					break
				}
			}
			return nil, fmt.Errorf("disk full on batch 2")
		},
	}})

	input := rowsOf(datasource.Row{0}, datasource.Row{1}, datasource.Row{2}, datasource.Row{3})
	res, err := RunWriteTask(context.Background(), rt, datasource.Definition{EntryPoint: "flaky"}, datasource.WriteTask{Index: 0}, input)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, datasource.CodeWriteError, datasource.CodeOf(err))
	assert.True(t, datasource.IsExtensionFailure(err))
	assert.Contains(t, err.Error(), "disk full on batch 2")
}

func TestWriter_Unit_NoCommitMessage(t *testing.T) {
	rt := inmem.New()
	rt.RegisterHandler("silent", &inmem.Handler{Writer: &inmem.WriterCapability{
		Write: func(_ datasource.WriteTask, next func() (datasource.Row, bool)) (datasource.CommitMessage, error) {
			for {
				if _, ok := next(); !ok {
					return nil, nil
				}
			}
		},
	}})

	res, err := RunWriteTask(context.Background(), rt, datasource.Definition{EntryPoint: "silent"}, datasource.WriteTask{Index: 1}, rowsOf(datasource.Row{0}))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, datasource.CodeWriteNoCommitMessage, datasource.CodeOf(err))

	var coded *datasource.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, "1", coded.Params["taskIndex"])
}

func TestWriter_Unit_CancelledTaskYieldsNoMessage(t *testing.T) {
	rt := inmem.New()
	stall := make(chan struct{})
	t.Cleanup(func() { close(stall) })
	rt.RegisterHandler("stuck", &inmem.Handler{Writer: &inmem.WriterCapability{
		Write: func(_ datasource.WriteTask, _ func() (datasource.Row, bool)) (datasource.CommitMessage, error) {
			<-stall
			return datasource.CommitMessage(`{"late":true}`), nil
		},
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// More input than the sink buffers so the push loop must block on the
	// stalled handler until the deadline fires.
	var rows []datasource.Row
	for i := 0; i < 64; i++ {
		rows = append(rows, datasource.Row{i})
	}
	res, err := RunWriteTask(ctx, rt, datasource.Definition{EntryPoint: "stuck"}, datasource.WriteTask{Index: 0}, rowsOf(rows...))
	require.Error(t, err)
	assert.Nil(t, res, "a cancelled task must never surface a commit message")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWriter_Unit_InputFailureIsWriteError(t *testing.T) {
	rt := inmem.New()
	rt.RegisterHandler("sink", &inmem.Handler{Writer: &inmem.WriterCapability{
		Write: func(_ datasource.WriteTask, next func() (datasource.Row, bool)) (datasource.CommitMessage, error) {
			for {
				if _, ok := next(); !ok {
					return datasource.CommitMessage(`{}`), nil
				}
			}
		},
	}})

	input := rowsOf(datasource.Row{0})
	input.err = fmt.Errorf("upstream scan failed")
	res, err := RunWriteTask(context.Background(), rt, datasource.Definition{EntryPoint: "sink"}, datasource.WriteTask{Index: 0}, input)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, datasource.CodeWriteError, datasource.CodeOf(err))
	assert.Contains(t, err.Error(), "upstream scan failed")
}

func TestJobMetrics_Unit_AggregateAndDuplicates(t *testing.T) {
	jm := NewJobMetrics()
	jm.Record(0, datasource.MetricsSnapshot{BytesSent: 100, BytesReceived: 10})
	jm.Record(1, datasource.MetricsSnapshot{BytesSent: 50, BytesReceived: 5})

	// A speculative re-report with lower counters cannot shrink the task.
	jm.Record(0, datasource.MetricsSnapshot{BytesSent: 80, BytesReceived: 12})

	snap, ok := jm.Task(0)
	require.True(t, ok)
	assert.Equal(t, int64(100), snap.BytesSent)
	assert.Equal(t, int64(12), snap.BytesReceived)

	total := jm.Total()
	assert.Equal(t, int64(150), total.BytesSent)
	assert.Equal(t, int64(17), total.BytesReceived)
}
