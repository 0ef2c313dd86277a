package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/nucleus/pybridge/internal/commit"
	"github.com/nucleus/pybridge/internal/exec"
	"github.com/nucleus/pybridge/pkg/datasource"
	"github.com/nucleus/pybridge/pkg/logger"
	"github.com/nucleus/pybridge/pkg/staging"
)

// WriteReport is a settled write job's outcome.
type WriteReport struct {
	State    commit.State
	Messages []datasource.CommitMessage
	Metrics  *exec.JobMetrics
}

// Write runs one write task per input stream and drives the job to an
// atomic decision: either every task's commit message is collected and
// the job commits, or the first failure aborts the whole job, cancels
// the in-flight tasks and discards every collected message. There is no
// state in which a subset of tasks is committed.
//
// Commit messages that decode as staging tokens have their stages
// finalized on commit and discarded on abort; opaque messages pass
// through untouched.
func (t *Table) Write(ctx context.Context, inputs []datasource.Iterator[datasource.Row]) (*WriteReport, error) {
	if t.plan.Mode != datasource.ModeWrite {
		return nil, fmt.Errorf("table was planned for %s, not write", t.plan.Mode)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("write needs at least one input stream")
	}

	tasks := t.plan.WriteTasks(len(inputs))
	metrics := exec.NewJobMetrics()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	job := commit.NewJob(len(tasks), cancel)

	// Messages observed so far, kept outside the job so an abort can
	// still discard the stages they name.
	var seenMu sync.Mutex
	var seen []datasource.CommitMessage

	var wg sync.WaitGroup
	for i, task := range tasks {
		task := task
		wg.Add(1)
		input := inputs[i]
		go func() {
			defer wg.Done()
			res, err := exec.RunWriteTask(jobCtx, t.bridge.runtime, t.plan.Definition, task, input)
			if err != nil {
				job.ReportFailure(task.Index, err)
				return
			}
			metrics.Record(res.Index, res.Metrics)
			seenMu.Lock()
			seen = append(seen, res.Message)
			seenMu.Unlock()
			job.ReportSuccess(res.Index, res.Message)
		}()
	}
	wg.Wait()

	if err := job.Wait(ctx); err != nil {
		t.bridge.discardStages(context.WithoutCancel(ctx), seen)
		return &WriteReport{State: job.State(), Metrics: metrics}, err
	}

	messages := job.Messages()
	if err := t.bridge.finalizeStages(ctx, messages); err != nil {
		return &WriteReport{State: job.State(), Messages: messages, Metrics: metrics}, err
	}
	logger.With("source", t.plan.Source).Info("write job committed",
		"tasks", len(tasks), "metrics", metrics.Report())
	return &WriteReport{State: job.State(), Messages: messages, Metrics: metrics}, nil
}

// WriteRows splits rows round-robin across n parallel write tasks.
func (t *Table) WriteRows(ctx context.Context, rows []datasource.Row, n int) (*WriteReport, error) {
	if n <= 0 {
		n = 1
	}
	chunks := make([][]datasource.Row, n)
	for i, row := range rows {
		chunks[i%n] = append(chunks[i%n], row)
	}
	inputs := make([]datasource.Iterator[datasource.Row], n)
	for i := range chunks {
		inputs[i] = newSliceIterator(chunks[i])
	}
	return t.Write(ctx, inputs)
}

// finalizeStages promotes every stage named by the job's commit tokens.
// A stage named by several tasks is finalized once.
func (b *Bridge) finalizeStages(ctx context.Context, messages []datasource.CommitMessage) error {
	if b.staging == nil {
		return nil
	}
	done := make(map[string]bool)
	for _, msg := range messages {
		tok, err := staging.DecodeCommitToken(msg)
		if err != nil {
			continue // opaque message, nothing to finalize
		}
		if done[tok.StageRef] {
			continue
		}
		providerID, _ := staging.ParseStageRef(tok.StageRef)
		provider, ok := b.staging.Get(providerID)
		if !ok {
			return fmt.Errorf("commit token names unknown staging provider %q", providerID)
		}
		if err := provider.FinalizeStage(ctx, tok.StageRef); err != nil {
			return fmt.Errorf("finalize stage %s: %w", tok.StageRef, err)
		}
		done[tok.StageRef] = true
	}
	return nil
}

// discardStages best-effort drops the stages named by messages collected
// before an abort.
func (b *Bridge) discardStages(ctx context.Context, messages []datasource.CommitMessage) {
	if b.staging == nil {
		return
	}
	done := make(map[string]bool)
	for _, msg := range messages {
		tok, err := staging.DecodeCommitToken(msg)
		if err != nil || done[tok.StageRef] {
			continue
		}
		providerID, _ := staging.ParseStageRef(tok.StageRef)
		if provider, ok := b.staging.Get(providerID); ok {
			if err := provider.DiscardStage(ctx, tok.StageRef); err != nil {
				logger.Get().Warn("discard stage failed", "stageRef", tok.StageRef, "error", err)
			}
		}
		done[tok.StageRef] = true
	}
}

// sliceIterator adapts an in-memory row slice to the write input stream.
type sliceIterator struct {
	rows    []datasource.Row
	pos     int
	current datasource.Row
}

func newSliceIterator(rows []datasource.Row) *sliceIterator {
	return &sliceIterator{rows: rows}
}

func (s *sliceIterator) Next() bool {
	if s.pos >= len(s.rows) {
		return false
	}
	s.current = s.rows[s.pos]
	s.pos++
	return true
}

func (s *sliceIterator) Value() datasource.Row { return s.current }
func (s *sliceIterator) Err() error            { return nil }
func (s *sliceIterator) Close() error          { return nil }
