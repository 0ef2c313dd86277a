// Package pyproc runs user handlers in external Python worker processes
// and speaks a newline-framed JSON protocol over the worker's stdio.
//
// Protocol sketch (driver -> worker, one JSON object per line):
//
//	{"op":"create_source", "name":..., "entryPoint":..., "definition":..., "options":..., "mode":...}
//	{"op":"declared_schema", "handle":...}
//	{"op":"capability", "handle":..., "mode":...}
//	{"op":"plan_partitions", "handle":...}
//	{"op":"open_read", "handle":..., "index":..., "partition":..., "hasPartition":...}
//	{"op":"open_write", "handle":..., "index":...}
//	{"isRow":true, "row":[...]}               row pushed to a writer
//	{"end":true}                              writer input exhausted
//
// Worker -> driver frames answer in kind: {"ok":true, ...fields}, row
// frames, an explicit {"end":true} end-of-stream signal, a {"commit":...}
// token, or {"error":{"kind":...,"type":...,"message":...}} where kind
// "extension" marks a raise in user code and "protocol" marks a bridge
// contract violation.
package pyproc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/nucleus/pybridge/pkg/datasource"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame ops.
const (
	opCreateSource   = "create_source"
	opDeclaredSchema = "declared_schema"
	opCapability     = "capability"
	opPlanPartitions = "plan_partitions"
	opCloseSource    = "close_source"
	opOpenRead       = "open_read"
	opOpenWrite      = "open_write"
)

// Wire error kinds.
const (
	errKindExtension = "extension"
	errKindProtocol  = "protocol"
)

// frame is the single envelope both directions share. Only the fields
// relevant to an op are populated.
type frame struct {
	// Requests.
	Op           string            `json:"op,omitempty"`
	Name         string            `json:"name,omitempty"`
	EntryPoint   string            `json:"entryPoint,omitempty"`
	Definition   []byte            `json:"definition,omitempty"`
	Options      map[string]string `json:"options,omitempty"`
	Mode         string            `json:"mode,omitempty"`
	Handle       string            `json:"handle,omitempty"`
	Index        int               `json:"index,omitempty"`
	Partition    json.RawMessage   `json:"partition,omitempty"`
	HasPartition bool              `json:"hasPartition,omitempty"`

	// Responses.
	OK         bool              `json:"ok,omitempty"`
	Schema     string            `json:"schema,omitempty"`
	Fields     []wireField       `json:"fields,omitempty"`
	HasSchema  bool              `json:"hasSchema,omitempty"`
	Capability string            `json:"capability,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Partitions []json.RawMessage `json:"partitions,omitempty"`

	// Streaming.
	IsRow  bool            `json:"isRow,omitempty"`
	Row    []any           `json:"row,omitempty"`
	End    bool            `json:"end,omitempty"`
	Commit json.RawMessage `json:"commit,omitempty"`

	Error *wireError `json:"error,omitempty"`
}

type wireField struct {
	Name     string `json:"name"`
	DataType string `json:"dataType"`
	Nullable bool   `json:"nullable"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Type    string `json:"type,omitempty"`
	Origin  string `json:"origin,omitempty"`
	Message string `json:"message"`
}

// toError converts a wire error into the bridge taxonomy's cause shapes.
func (e *wireError) toError() error {
	if e == nil {
		return nil
	}
	if e.Kind == errKindExtension {
		return &datasource.ExtensionError{Origin: e.Origin, TypeName: e.Type, Message: e.Message}
	}
	return fmt.Errorf("worker protocol error: %s", e.Message)
}

// encodeFrame writes one newline-terminated frame.
func encodeFrame(w io.Writer, f *frame) error {
	buf, err := codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// decodeFrame reads one frame, blocking until the worker produces a line.
func decodeFrame(r *bufio.Reader) (*frame, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		if err != io.EOF {
			return nil, fmt.Errorf("read frame: %w", err)
		}
	}
	f := &frame{}
	if err := codec.Unmarshal(line, f); err != nil {
		return nil, fmt.Errorf("decode frame %q: %w", truncate(line, 120), err)
	}
	return f, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
