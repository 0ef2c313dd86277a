package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/pybridge/pkg/datasource"
)

func msg(i int) datasource.CommitMessage {
	return datasource.CommitMessage(fmt.Sprintf(`{"task":%d}`, i))
}

func TestCoordinator_Unit_AllTasksReportCommits(t *testing.T) {
	j := NewJob(3, nil)
	j.ReportSuccess(0, msg(0))
	j.ReportSuccess(2, msg(2))
	assert.Equal(t, StateRunning, j.State())

	j.ReportSuccess(1, msg(1))
	assert.Equal(t, StateCommitted, j.State())

	require.NoError(t, j.Wait(context.Background()))
	messages := j.Messages()
	require.Len(t, messages, 3)
	for i, m := range messages {
		assert.Equal(t, string(msg(i)), string(m), "messages ordered by task index")
	}
}

func TestCoordinator_Unit_AnyFailureAbortsWholeJob(t *testing.T) {
	cancelled := false
	j := NewJob(3, func() { cancelled = true })
	j.ReportSuccess(0, msg(0))
	j.ReportSuccess(1, msg(1))
	j.ReportFailure(2, errors.New("disk full"))

	assert.Equal(t, StateAborted, j.State())
	assert.True(t, cancelled, "abort signals cancellation to in-flight tasks")
	assert.Nil(t, j.Messages(), "abort discards all messages, no partial commit")

	err := j.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestCoordinator_Unit_MissingMessageNeverCommits(t *testing.T) {
	j := NewJob(2, nil)
	j.ReportSuccess(0, msg(0))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := j.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateRunning, j.State())
}

func TestCoordinator_Unit_NilMessageAborts(t *testing.T) {
	j := NewJob(1, nil)
	j.ReportSuccess(0, nil)

	assert.Equal(t, StateAborted, j.State())
	assert.Equal(t, datasource.CodeWriteNoCommitMessage, datasource.CodeOf(j.Cause()))
}

func TestCoordinator_Unit_FailureAfterMessageAborts(t *testing.T) {
	// A task that raises after emitting its commit message does not keep
	// the message: failure always aborts.
	j := NewJob(2, nil)
	j.ReportSuccess(0, msg(0))
	j.ReportFailure(0, errors.New("raised after commit"))

	assert.Equal(t, StateAborted, j.State())
	assert.Nil(t, j.Messages())
}

func TestCoordinator_Unit_DuplicateSuccessIgnored(t *testing.T) {
	j := NewJob(2, nil)
	j.ReportSuccess(0, msg(0))
	j.ReportSuccess(0, msg(0)) // speculative duplicate
	assert.Equal(t, StateRunning, j.State(), "duplicate must not count toward required total")

	j.ReportSuccess(1, msg(1))
	assert.Equal(t, StateCommitted, j.State())
}

func TestCoordinator_Unit_OutOfRangeIndexAborts(t *testing.T) {
	j := NewJob(2, nil)
	j.ReportSuccess(5, msg(5))
	assert.Equal(t, StateAborted, j.State())
}

func TestCoordinator_Unit_ReportsAfterSettlementIgnored(t *testing.T) {
	j := NewJob(1, nil)
	j.ReportSuccess(0, msg(0))
	require.Equal(t, StateCommitted, j.State())

	j.ReportFailure(0, errors.New("late straggler"))
	assert.Equal(t, StateCommitted, j.State(), "settled jobs never change outcome")
	assert.Len(t, j.Messages(), 1)
}

func TestCoordinator_Unit_ConcurrentReportsSerialized(t *testing.T) {
	const n = 16
	j := NewJob(n, nil)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j.ReportSuccess(i, msg(i))
		}(i)
	}
	wg.Wait()

	require.NoError(t, j.Wait(context.Background()))
	assert.Len(t, j.Messages(), n)
}
