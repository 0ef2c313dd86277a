// Package extension defines the contract the bridge consumes from the
// extension runtime hosting user-supplied reader/writer code.
//
// Architecture:
//
//	Runtime        - Entry point (CreateSource, OpenRead, OpenWrite)
//	SourceInstance - One plan session's handle into the runtime
//	RowStream      - Pull side of a read task
//	RowSink        - Push side of a write task
//
// Capability probing is an explicit query returning a typed answer, never
// an exception intercepted from the extension side: absence of a
// capability is a value, not an error.
package extension

import (
	"context"

	"github.com/nucleus/pybridge/pkg/datasource"
)

// CapabilityKind is the typed answer to a capability query.
type CapabilityKind string

const (
	// CapabilityReader and CapabilityWriter mean the handler returned a
	// well-shaped capability object for the requested mode.
	CapabilityReader CapabilityKind = "reader"
	CapabilityWriter CapabilityKind = "writer"

	// CapabilityUnsupported means the handler does not implement the
	// requested mode at all.
	CapabilityUnsupported CapabilityKind = "unsupported"

	// CapabilityMalformed means the handler returned something, but the
	// object lacks the expected shape (missing method, wrong kind).
	CapabilityMalformed CapabilityKind = "malformed"
)

// CapabilityAnswer carries the query result plus runtime-side detail for
// malformed answers.
type CapabilityAnswer struct {
	Kind   CapabilityKind
	Detail string
}

// CreateRequest instantiates a source object in the extension runtime.
type CreateRequest struct {
	Name       string
	Definition datasource.Definition
	Options    datasource.Options
	Mode       datasource.Mode
}

// SchemaDecl is a handler-declared schema, either a compact DDL string or
// a structured field list.
type SchemaDecl struct {
	DDL    string
	Fields []datasource.Field
}

// Runtime is the bridge's client into the extension runtime. The planner
// uses CreateSource once per query; each distributed task independently
// re-enters through OpenRead or OpenWrite with its own runtime process.
type Runtime interface {
	// CreateSource instantiates the handler's source object. Failures in
	// user code surface as *datasource.ExtensionError in the chain.
	CreateSource(ctx context.Context, req CreateRequest) (SourceInstance, error)

	// OpenRead starts the read method for one partition. The stream is
	// lazy, finite and non-restartable.
	OpenRead(ctx context.Context, def datasource.Definition, task datasource.ReadTask) (RowStream, error)

	// OpenWrite starts the write method for one partition. The sink
	// consumes pushed rows until Commit.
	OpenWrite(ctx context.Context, def datasource.Definition, task datasource.WriteTask) (RowSink, error)
}

// SourceInstance is the planner's view of an instantiated source. It is
// owned by the plan session and discarded once the physical plan is fixed.
type SourceInstance interface {
	// Handle returns the opaque reference tasks carry into execution.
	Handle() datasource.InstanceHandle

	// DeclaredSchema returns the handler-declared schema, or nil when the
	// handler declares none and the caller's schema applies.
	DeclaredSchema(ctx context.Context) (*SchemaDecl, error)

	// Capability performs the typed capability query for mode.
	Capability(ctx context.Context, mode datasource.Mode) (CapabilityAnswer, error)

	// PlanPartitions invokes the handler's partitioning method and
	// returns a finite, ordered descriptor list (possibly empty).
	PlanPartitions(ctx context.Context) ([]datasource.PartitionDescriptor, error)

	// Close releases the runtime-side instance.
	Close() error
}

// RowStream is the pull abstraction over a read task's generator: each
// Next blocks until the extension yields a row, signals end-of-stream or
// fails. End-of-stream is (nil, false, nil), never an error.
type RowStream interface {
	Next(ctx context.Context) (datasource.Row, bool, error)
	Metrics() *datasource.Metrics
	Close() error
}

// RowSink is the push abstraction over a write task. Push blocks while
// the extension process has not drained the previous row. Commit closes
// the input and waits for the handler's commit token; a (nil, nil) return
// means the handler finished without emitting one.
type RowSink interface {
	Push(ctx context.Context, row datasource.Row) error
	Commit(ctx context.Context) (datasource.CommitMessage, error)
	Metrics() *datasource.Metrics
	Close() error
}
