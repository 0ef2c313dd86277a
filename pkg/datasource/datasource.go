// Package datasource defines the contract between the host query engine and
// registered Python data source handlers.
//
// Architecture:
//
//	Definition          - Registered handler blob + entry point
//	Schema              - Struct-shaped row schema (declared or resolved)
//	PartitionDescriptor - Opaque unit of work produced by the handler
//	ReadTask/WriteTask  - Per-partition work descriptors embedded in the plan
//	CommitMessage       - Opaque success token a write task must produce
//
// The types here are deliberately transport-agnostic: the bridge's process
// protocol and the engine's physical operators both build on them.
package datasource

// Mode selects which capability of a handler a plan exercises.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// Options carries caller-supplied string options, unordered.
type Options map[string]string

// Clone returns a copy so a plan session cannot observe later mutation.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Definition is the opaque handler blob registered under a source name.
// Payload is the serialized handler; EntryPoint names the callable the
// extension runtime should instantiate.
type Definition struct {
	Payload    []byte
	EntryPoint string
}

// InstanceHandle is an opaque reference to a source instance living in the
// extension runtime. It stays valid for the life of the query.
type InstanceHandle string

// PartitionDescriptor is the opaque payload produced by the handler's
// partitioning method. The bridge never interprets Raw.
type PartitionDescriptor struct {
	Raw []byte
}

// SentinelPartition is the placeholder passed to a read task when
// partitioning yields zero descriptors. It is distinct from a descriptor
// with an empty payload: tasks carry *PartitionDescriptor and the sentinel
// is the nil pointer.
func SentinelPartition() *PartitionDescriptor { return nil }

// Row is one positional record conforming to the plan schema.
type Row []any

// CommitMessage is the opaque token a successful write task yields.
// A nil message is "no message", never a valid commit token.
type CommitMessage []byte

// ReadTask describes one partition's read work.
type ReadTask struct {
	Index      int
	Descriptor *PartitionDescriptor // nil means the sentinel, unpartitioned read
	Handle     InstanceHandle
}

// WriteTask describes one partition's write work.
type WriteTask struct {
	Index  int
	Handle InstanceHandle
}

// Iterator provides streaming access to rows or tasks.
type Iterator[T any] interface {
	// Next advances to the next element. Returns false when done or on error.
	Next() bool

	// Value returns the current element. Only valid after Next() returns true.
	Value() T

	// Err returns any error encountered during iteration.
	Err() error

	// Close releases resources. Must be called when done.
	Close() error
}
