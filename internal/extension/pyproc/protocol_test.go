package pyproc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/pybridge/pkg/datasource"
)

func TestProtocol_Unit_FrameRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	out := &frame{
		Op:           opOpenRead,
		EntryPoint:   "DemoSource",
		Handle:       "h-1",
		Index:        3,
		HasPartition: true,
		Partition:    json.RawMessage(`{"slice":3}`),
	}
	require.NoError(t, encodeFrame(buf, out))

	in, err := decodeFrame(bufio.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, opOpenRead, in.Op)
	assert.Equal(t, "h-1", in.Handle)
	assert.Equal(t, 3, in.Index)
	assert.True(t, in.HasPartition)
	assert.JSONEq(t, `{"slice":3}`, string(in.Partition))
}

func TestProtocol_Unit_SentinelPartitionFrameHasNoPayload(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, encodeFrame(buf, &frame{Op: opOpenRead, Handle: "h-1"}))

	in, err := decodeFrame(bufio.NewReader(buf))
	require.NoError(t, err)
	// The sentinel is the absence of a partition, not an empty payload.
	assert.False(t, in.HasPartition)
	assert.Nil(t, in.Partition)
}

func TestProtocol_Unit_RowAndEndFrames(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, encodeFrame(buf, &frame{IsRow: true, Row: []any{float64(1), "a"}}))
	require.NoError(t, encodeFrame(buf, &frame{End: true}))

	r := bufio.NewReader(buf)
	row, err := decodeFrame(r)
	require.NoError(t, err)
	assert.True(t, row.IsRow)
	assert.Equal(t, []any{float64(1), "a"}, row.Row)

	end, err := decodeFrame(r)
	require.NoError(t, err)
	assert.True(t, end.End)

	_, err = decodeFrame(r)
	assert.Equal(t, io.EOF, err)
}

func TestProtocol_Unit_WireErrorKinds(t *testing.T) {
	ext := (&wireError{Kind: errKindExtension, Type: "ValueError", Origin: "read", Message: "boom"}).toError()
	require.Error(t, ext)
	assert.True(t, datasource.IsExtensionFailure(ext))
	assert.Contains(t, ext.Error(), "boom")

	proto := (&wireError{Kind: errKindProtocol, Message: "bad frame"}).toError()
	require.Error(t, proto)
	assert.False(t, datasource.IsExtensionFailure(proto))
}

func TestProtocol_Unit_CountingPipes(t *testing.T) {
	var m datasource.Metrics
	buf := &bytes.Buffer{}
	w := &countingWriter{w: buf, metrics: &m}
	require.NoError(t, encodeFrame(w, &frame{IsRow: true, Row: []any{1, 2}}))
	sentAfterOne := m.BytesSent()
	assert.Positive(t, sentAfterOne)

	require.NoError(t, encodeFrame(w, &frame{End: true}))
	assert.Greater(t, m.BytesSent(), sentAfterOne, "counter must not decrease")

	r := bufio.NewReader(&countingReader{r: bytes.NewReader(buf.Bytes()), metrics: &m})
	_, err := decodeFrame(r)
	require.NoError(t, err)
	assert.Positive(t, m.BytesReceived())
}
