package pyproc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nucleus/pybridge/pkg/datasource"
	"github.com/nucleus/pybridge/pkg/logger"
)

// Launcher spawns worker processes. A rate limiter keeps a crashing
// handler from turning task retries into a respawn storm.
type Launcher struct {
	pythonExec string
	args       []string
	limiter    *rate.Limiter
}

// NewLauncher creates a launcher for the given interpreter and worker args.
func NewLauncher(pythonExec string, args []string, spawnPerSec, burst int) *Launcher {
	if spawnPerSec <= 0 {
		spawnPerSec = 20
	}
	if burst <= 0 {
		burst = spawnPerSec * 2
	}
	return &Launcher{
		pythonExec: pythonExec,
		args:       args,
		limiter:    rate.NewLimiter(rate.Limit(spawnPerSec), burst),
	}
}

// Spawn starts one worker process bound to ctx: cancelling the context
// terminates the process. Each task owns its worker exclusively.
func (l *Launcher) Spawn(ctx context.Context, metrics *datasource.Metrics) (*Worker, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, l.pythonExec, l.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", l.pythonExec, err)
	}
	logger.Get().Debug("spawned extension worker", "pid", cmd.Process.Pid)

	if metrics == nil {
		metrics = &datasource.Metrics{}
	}
	return &Worker{
		cmd:     cmd,
		in:      &countingWriter{w: stdin, metrics: metrics},
		rawIn:   stdin,
		out:     bufio.NewReader(&countingReader{r: stdout, metrics: metrics}),
		metrics: metrics,
	}, nil
}

// Worker is one bound extension process plus its framed stdio channel.
type Worker struct {
	cmd     *exec.Cmd
	in      *countingWriter
	rawIn   io.Closer
	out     *bufio.Reader
	metrics *datasource.Metrics

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Send writes one frame to the worker.
func (w *Worker) Send(f *frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return encodeFrame(w.in, f)
}

// Recv blocks for the worker's next frame.
func (w *Worker) Recv() (*frame, error) {
	return decodeFrame(w.out)
}

// Call sends a request and waits for its single response frame.
func (w *Worker) Call(f *frame) (*frame, error) {
	if err := w.Send(f); err != nil {
		return nil, err
	}
	resp, err := w.Recv()
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error.toError()
	}
	return resp, nil
}

// Metrics returns the worker's transferred-bytes counters.
func (w *Worker) Metrics() *datasource.Metrics { return w.metrics }

// CloseInput half-closes the channel so the worker sees input exhaustion.
func (w *Worker) CloseInput() error {
	return w.rawIn.Close()
}

// Close terminates the worker and releases the channel. Safe to call more
// than once; a cancelled task must never leave its process running.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		_ = w.rawIn.Close()
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
		// The kill above is the normal teardown, so an exit status —
		// including "signal: killed" — is not a close failure. Handler
		// failures surface through the frame stream, not here.
		var exitErr *exec.ExitError
		if err := w.cmd.Wait(); err != nil && !errors.As(err, &exitErr) {
			w.closeErr = err
		}
	})
	return w.closeErr
}

// countingWriter tracks bytes pushed toward the extension process.
type countingWriter struct {
	w       io.Writer
	metrics *datasource.Metrics
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.metrics.AddSent(int64(n))
	return n, err
}

// countingReader tracks bytes pulled from the extension process.
type countingReader struct {
	r       io.Reader
	metrics *datasource.Metrics
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.metrics.AddReceived(int64(n))
	return n, err
}
