package exec

import (
	"context"
	"fmt"

	"github.com/nucleus/pybridge/internal/extension"
	"github.com/nucleus/pybridge/pkg/datasource"
)

// WriteResult is one write task's successful outcome, reported to the
// commit coordinator.
type WriteResult struct {
	Index   int
	Message datasource.CommitMessage
	Metrics datasource.MetricsSnapshot
}

// RunWriteTask pushes the task's input rows into the extension process
// and waits for its commit token. Outcomes:
//
//   - non-nil CommitMessage: success, reported to the coordinator
//   - extension raise while consuming: WRITE_ERROR with the original
//     message preserved as cause
//   - clean completion with no token: WRITE_NO_COMMIT_MESSAGE
//
// A cancelled task returns the context error and never a CommitMessage.
func RunWriteTask(ctx context.Context, rt extension.Runtime, def datasource.Definition, task datasource.WriteTask, rows datasource.Iterator[datasource.Row]) (*WriteResult, error) {
	sink, err := rt.OpenWrite(ctx, def, task)
	if err != nil {
		return nil, writeError(task, err)
	}
	defer sink.Close()

	for rows.Next() {
		if err := sink.Push(ctx, rows.Value()); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, writeError(task, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, writeError(task, fmt.Errorf("input rows failed: %w", err))
	}

	msg, err := sink.Commit(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, writeError(task, err)
	}
	if ctx.Err() != nil {
		// Cancelled tasks must never report a commit message.
		return nil, ctx.Err()
	}
	if msg == nil {
		return nil, &datasource.Error{
			Code:   datasource.CodeWriteNoCommitMessage,
			Params: map[string]string{"taskIndex": fmt.Sprintf("%d", task.Index)},
			Err:    fmt.Errorf("writer consumed all rows but emitted no commit message"),
		}
	}
	return &WriteResult{
		Index:   task.Index,
		Message: msg,
		Metrics: sink.Metrics().Snapshot(),
	}, nil
}

func writeError(task datasource.WriteTask, cause error) error {
	return &datasource.Error{
		Code:   datasource.CodeWriteError,
		Params: map[string]string{"taskIndex": fmt.Sprintf("%d", task.Index)},
		Err:    cause,
	}
}
