package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/nucleus/pybridge/internal/extension"
	"github.com/nucleus/pybridge/pkg/datasource"
)

// OpenRead implements extension.Runtime. The handler's Read runs in its
// own goroutine, yielding into a bounded channel: the producer blocks
// when the consumer has not advanced, the consumer blocks when no row is
// ready. That mirrors the flow control of the process-backed runtime.
func (rt *Runtime) OpenRead(ctx context.Context, def datasource.Definition, task datasource.ReadTask) (extension.RowStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := rt.handler(def.EntryPoint)
	if err != nil {
		return nil, err
	}
	if h.Reader == nil || h.Reader.Read == nil {
		return nil, fmt.Errorf("handler %q has no read method", def.EntryPoint)
	}

	s := &memStream{
		rows:    make(chan datasource.Row, rt.rowBuffer),
		closed:  make(chan struct{}),
		metrics: &datasource.Metrics{},
	}
	s.metrics.AddSent(encodedSize(task))

	go func() {
		defer close(s.rows)
		err := h.Reader.Read(task.Descriptor, func(row datasource.Row) error {
			select {
			case s.rows <- row:
				return nil
			case <-s.closed:
				return fmt.Errorf("stream closed")
			}
		})
		if err != nil {
			s.setErr(raise("read", err))
		}
	}()
	return s, nil
}

type memStream struct {
	rows    chan datasource.Row
	closed  chan struct{}
	metrics *datasource.Metrics

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (s *memStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *memStream) Next(ctx context.Context) (datasource.Row, bool, error) {
	select {
	case row, ok := <-s.rows:
		if !ok {
			s.mu.Lock()
			err := s.err
			s.mu.Unlock()
			if err != nil {
				return nil, false, err
			}
			// Explicit end-of-stream, not an error.
			return nil, false, nil
		}
		s.metrics.AddReceived(encodedSize(row))
		return row, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (s *memStream) Metrics() *datasource.Metrics { return s.metrics }

func (s *memStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		// Drain so the producer goroutine can finish.
		go func() {
			for range s.rows {
			}
		}()
	})
	return nil
}
