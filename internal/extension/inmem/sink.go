package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/nucleus/pybridge/internal/extension"
	"github.com/nucleus/pybridge/pkg/datasource"
)

// OpenWrite implements extension.Runtime. The handler's Write runs in its
// own goroutine consuming pushed rows; Push blocks while the handler has
// not drained the previous rows, and fails fast once the handler has
// already raised.
func (rt *Runtime) OpenWrite(ctx context.Context, def datasource.Definition, task datasource.WriteTask) (extension.RowSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := rt.handler(def.EntryPoint)
	if err != nil {
		return nil, err
	}
	if h.Writer == nil || h.Writer.Write == nil {
		return nil, fmt.Errorf("handler %q has no write method", def.EntryPoint)
	}

	s := &memSink{
		rows:    make(chan datasource.Row, rt.rowBuffer),
		done:    make(chan struct{}),
		metrics: &datasource.Metrics{},
	}

	go func() {
		defer close(s.done)
		msg, err := h.Writer.Write(task, func() (datasource.Row, bool) {
			row, ok := <-s.rows
			return row, ok
		})
		if err != nil {
			s.err = raise("write", err)
			return
		}
		s.msg = msg
	}()
	return s, nil
}

type memSink struct {
	rows    chan datasource.Row
	done    chan struct{}
	metrics *datasource.Metrics

	// Written by the handler goroutine before done closes.
	msg datasource.CommitMessage
	err error

	closeOnce sync.Once
}

func (s *memSink) Push(ctx context.Context, row datasource.Row) error {
	select {
	case s.rows <- row:
		s.metrics.AddSent(encodedSize(row))
		return nil
	case <-s.done:
		if s.err != nil {
			return s.err
		}
		return fmt.Errorf("writer finished before consuming all rows")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memSink) Commit(ctx context.Context) (datasource.CommitMessage, error) {
	s.closeInput()
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.msg != nil {
		s.metrics.AddReceived(int64(len(s.msg)))
	}
	return s.msg, nil
}

func (s *memSink) Metrics() *datasource.Metrics { return s.metrics }

func (s *memSink) closeInput() {
	s.closeOnce.Do(func() { close(s.rows) })
}

func (s *memSink) Close() error {
	s.closeInput()
	return nil
}
