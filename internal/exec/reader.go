// Package exec runs individual read and write tasks against the
// extension runtime. Each task owns its worker process exclusively and
// shares nothing with sibling tasks; the only blocking point is the
// bounded row channel between the task and its bound process.
package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/nucleus/pybridge/internal/extension"
	"github.com/nucleus/pybridge/pkg/datasource"
)

// DefaultRowBuffer bounds the rows in flight between the extension
// process and the consumer.
const DefaultRowBuffer = 64

// ReaderOptions tunes one read task's execution.
type ReaderOptions struct {
	RowBuffer int
}

// OpenReader starts one partition's read and returns a lazy iterator over
// its rows. Rows are validated against the schema's field count on
// arrival; a shape mismatch fails the task with READ_ERROR. End-of-stream
// is a clean iterator stop, never an error. Closing the iterator (or
// cancelling ctx) terminates the bound extension process.
func OpenReader(ctx context.Context, rt extension.Runtime, def datasource.Definition, schema *datasource.Schema, task datasource.ReadTask, opts ReaderOptions) (*RowIterator, error) {
	buffer := opts.RowBuffer
	if buffer <= 0 {
		buffer = DefaultRowBuffer
	}

	stream, err := rt.OpenRead(ctx, def, task)
	if err != nil {
		return nil, readError(task, err)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	it := &RowIterator{
		task:   task,
		rows:   make(chan datasource.Row, buffer),
		stream: stream,
		cancel: cancel,
	}

	go func() {
		defer close(it.rows)
		for {
			row, ok, err := stream.Next(pumpCtx)
			if err != nil {
				it.setErr(readError(task, err))
				return
			}
			if !ok {
				return
			}
			if err := schema.ValidateRow(row); err != nil {
				it.setErr(readError(task, err))
				return
			}
			select {
			case it.rows <- row:
			case <-pumpCtx.Done():
				it.setErr(pumpCtx.Err())
				return
			}
		}
	}()
	return it, nil
}

// RowIterator is the consumer side of one read task's row channel.
type RowIterator struct {
	task   datasource.ReadTask
	rows   chan datasource.Row
	stream extension.RowStream
	cancel context.CancelFunc

	current datasource.Row

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (it *RowIterator) setErr(err error) {
	it.mu.Lock()
	if it.err == nil {
		it.err = err
	}
	it.mu.Unlock()
}

// Next advances to the next row. Returns false at end-of-stream or on
// error; Err distinguishes the two.
func (it *RowIterator) Next() bool {
	row, ok := <-it.rows
	if !ok {
		return false
	}
	it.current = row
	return true
}

// Value returns the current row. Only valid after Next() returns true.
func (it *RowIterator) Value() datasource.Row { return it.current }

// Err returns the task failure, if any.
func (it *RowIterator) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

// Task returns the read task this iterator executes.
func (it *RowIterator) Task() datasource.ReadTask { return it.task }

// Metrics returns the task's transferred-bytes counters, live during the
// task's lifetime.
func (it *RowIterator) Metrics() *datasource.Metrics { return it.stream.Metrics() }

// Close terminates the bound extension process and releases the channel.
func (it *RowIterator) Close() error {
	var err error
	it.closeOnce.Do(func() {
		it.cancel()
		err = it.stream.Close()
		// Drain so the pump goroutine can exit.
		go func() {
			for range it.rows {
			}
		}()
	})
	return err
}

func readError(task datasource.ReadTask, cause error) error {
	return &datasource.Error{
		Code:   datasource.CodeReadError,
		Params: map[string]string{"taskIndex": fmt.Sprintf("%d", task.Index)},
		Err:    cause,
	}
}
