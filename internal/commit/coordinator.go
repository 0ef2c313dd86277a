// Package commit aggregates per-task write outcomes into one atomic job
// decision. Tasks report concurrently, but every state change is
// serialized here: a job is exactly one of running, committed or aborted,
// with no partial commit state.
package commit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nucleus/pybridge/pkg/datasource"
	"github.com/nucleus/pybridge/pkg/logger"
)

// State is the job's lifecycle phase.
type State string

const (
	StateRunning   State = "running"
	StateCommitted State = "committed"
	StateAborted   State = "aborted"
)

// Job tracks one distributed write. The job commits iff every task index
// 0..requiredTaskCount-1 reported a non-nil commit message before any
// failure; any failure aborts the whole job and discards all messages.
type Job struct {
	required int
	cancel   context.CancelFunc // best-effort cancellation of in-flight tasks

	mu       sync.Mutex
	state    State
	messages map[int]datasource.CommitMessage
	cause    error
	done     chan struct{}
}

// NewJob creates a running job expecting requiredTaskCount reports.
// cancel, if non-nil, is invoked once on abort to signal the other
// in-flight tasks; the scheduler owns actual process termination.
func NewJob(requiredTaskCount int, cancel context.CancelFunc) *Job {
	return &Job{
		required: requiredTaskCount,
		cancel:   cancel,
		state:    StateRunning,
		messages: make(map[int]datasource.CommitMessage),
		done:     make(chan struct{}),
	}
}

// ReportSuccess records one task's commit message. A nil message, or an
// index outside the job, aborts: commit accounting must stay exact. A
// duplicate report for an already-counted index is ignored so speculative
// task copies cannot double-count.
func (j *Job) ReportSuccess(index int, msg datasource.CommitMessage) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning {
		return
	}
	if index < 0 || index >= j.required {
		j.abortLocked(fmt.Errorf("task index %d outside job of %d tasks", index, j.required))
		return
	}
	if msg == nil {
		j.abortLocked(&datasource.Error{
			Code:   datasource.CodeWriteNoCommitMessage,
			Params: map[string]string{"taskIndex": fmt.Sprintf("%d", index)},
			Err:    fmt.Errorf("task reported success without a commit message"),
		})
		return
	}
	if _, dup := j.messages[index]; dup {
		return
	}
	j.messages[index] = msg
	if len(j.messages) == j.required {
		j.state = StateCommitted
		close(j.done)
		logger.Get().Debug("write job committed", "tasks", j.required)
	}
}

// ReportFailure aborts the job. This holds even when a commit message for
// the same index was already received: failure always wins and the stored
// messages are discarded.
func (j *Job) ReportFailure(index int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning {
		return
	}
	if err == nil {
		err = fmt.Errorf("task %d failed without detail", index)
	}
	j.abortLocked(err)
}

func (j *Job) abortLocked(cause error) {
	j.state = StateAborted
	j.cause = cause
	j.messages = make(map[int]datasource.CommitMessage)
	close(j.done)
	if j.cancel != nil {
		j.cancel()
	}
	logger.Get().Debug("write job aborted", "cause", cause)
}

// State returns the current lifecycle phase.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Cause returns the abort reason, nil unless aborted.
func (j *Job) Cause() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cause
}

// Messages returns the aggregated commit messages ordered by task index.
// Only a committed job has messages; an aborted job discarded them.
func (j *Job) Messages() []datasource.CommitMessage {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateCommitted {
		return nil
	}
	indices := make([]int, 0, len(j.messages))
	for i := range j.messages {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	out := make([]datasource.CommitMessage, 0, len(indices))
	for _, i := range indices {
		out = append(out, j.messages[i])
	}
	return out
}

// Wait blocks until the job settles or ctx expires. On commit it returns
// nil; on abort it returns the cause.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateAborted {
		return j.cause
	}
	return nil
}
