package pyproc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/pybridge/pkg/datasource"
)

// echoLauncher spawns /bin/cat, which reflects every frame back verbatim
// and exits on stdin EOF. That stands in for a worker process without
// needing a Python interpreter.
func echoLauncher() *Launcher {
	return NewLauncher("/bin/cat", nil, 0, 0)
}

func TestWorker_Integration_CallRoundTripOverPipes(t *testing.T) {
	metrics := &datasource.Metrics{}
	w, err := echoLauncher().Spawn(context.Background(), metrics)
	require.NoError(t, err)
	defer w.Close()

	req := &frame{
		Op:         opCreateSource,
		Name:       "echo",
		EntryPoint: "handler",
		Options:    map[string]string{"path": "/tmp/data"},
		Mode:       "read",
	}
	resp, err := w.Call(req)
	require.NoError(t, err)
	assert.Equal(t, req.Op, resp.Op)
	assert.Equal(t, req.Name, resp.Name)
	assert.Equal(t, req.EntryPoint, resp.EntryPoint)
	assert.Equal(t, req.Options, resp.Options)

	snap := w.Metrics().Snapshot()
	assert.Positive(t, snap.BytesSent)
	assert.Positive(t, snap.BytesReceived)
	assert.Equal(t, snap.BytesSent, snap.BytesReceived, "an echoed frame transfers the same bytes both ways")
}

func TestWorker_Integration_CloseInputSignalsEOF(t *testing.T) {
	w, err := echoLauncher().Spawn(context.Background(), nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Send(&frame{End: true}))
	resp, err := w.Recv()
	require.NoError(t, err)
	assert.True(t, resp.End)

	require.NoError(t, w.CloseInput())
	_, err = w.Recv()
	assert.ErrorIs(t, err, io.EOF, "the worker exits once its input is half-closed")
}

func TestWorker_Integration_CancelTerminatesProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w, err := echoLauncher().Spawn(ctx, nil)
	require.NoError(t, err)
	defer w.Close()

	recvErr := make(chan error, 1)
	go func() {
		_, err := w.Recv()
		recvErr <- err
	}()

	cancel()
	select {
	case err := <-recvErr:
		require.Error(t, err, "cancelling the bound context must tear down the stream")
	case <-time.After(2 * time.Second):
		t.Fatal("worker still streaming after context cancellation")
	}
}

func TestWorker_Integration_CloseIsCleanAfterKill(t *testing.T) {
	w, err := echoLauncher().Spawn(context.Background(), nil)
	require.NoError(t, err)

	_, err = w.Call(&frame{Op: opDeclaredSchema, Handle: "h1"})
	require.NoError(t, err)

	assert.NoError(t, w.Close(), "tearing down a healthy worker is not an error")
	assert.NoError(t, w.Close(), "close is idempotent")
}

func TestWorker_Integration_SpawnFailsForMissingExecutable(t *testing.T) {
	l := NewLauncher("/nonexistent/worker-binary", nil, 0, 0)
	_, err := l.Spawn(context.Background(), nil)
	require.Error(t, err)
}
