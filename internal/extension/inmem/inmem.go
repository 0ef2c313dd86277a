// Package inmem is an in-process extension runtime. Handlers are Go
// functions instead of Python code, with the same capability, streaming
// and failure semantics as the process-backed runtime. It backs unit
// tests and local development the way the memory staging provider backs
// object-store staging.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/nucleus/pybridge/internal/extension"
	"github.com/nucleus/pybridge/pkg/datasource"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultRowBuffer bounds the in-flight rows between handler and task.
const DefaultRowBuffer = 16

// Handler models one registered source implementation. Nil capability
// pointers model absence; Malformed strings model a capability accessor
// returning an object of the wrong shape.
type Handler struct {
	// Construct is invoked once per plan session. A non-nil error models
	// the handler constructor raising.
	Construct func(opts datasource.Options) error

	// Schema optionally declares the source schema. A nil func (or nil
	// decl) means the caller-declared schema applies.
	Schema func() (*extension.SchemaDecl, error)

	Reader          *ReaderCapability
	ReaderMalformed string

	Writer          *WriterCapability
	WriterMalformed string
}

// ReaderCapability is the read side of a handler.
type ReaderCapability struct {
	// Construct models the reader sub-object constructor raising.
	Construct func(opts datasource.Options) error

	// Partitions produces the work descriptors for a scan.
	Partitions func() ([]datasource.PartitionDescriptor, error)

	// PartitionsMalformed models a non-sequence partitioning return.
	PartitionsMalformed string

	// Read yields rows for one partition. part is nil for the sentinel,
	// unpartitioned read.
	Read func(part *datasource.PartitionDescriptor, yield func(datasource.Row) error) error
}

// WriterCapability is the write side of a handler.
type WriterCapability struct {
	Construct func(opts datasource.Options) error

	// Write consumes rows until next reports exhaustion, then returns the
	// commit token. Returning (nil, nil) models a writer that completed
	// without emitting a commit message.
	Write func(task datasource.WriteTask, next func() (datasource.Row, bool)) (datasource.CommitMessage, error)
}

// Runtime hosts handlers in-process.
type Runtime struct {
	mu        sync.Mutex
	handlers  map[string]*Handler
	instances map[datasource.InstanceHandle]*instance
	rowBuffer int
}

// New creates an empty in-process runtime.
func New() *Runtime {
	return &Runtime{
		handlers:  make(map[string]*Handler),
		instances: make(map[datasource.InstanceHandle]*instance),
		rowBuffer: DefaultRowBuffer,
	}
}

// RegisterHandler binds a handler implementation to an entry point name.
func (rt *Runtime) RegisterHandler(entryPoint string, h *Handler) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.handlers[entryPoint] = h
}

func (rt *Runtime) handler(entryPoint string) (*Handler, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	h, ok := rt.handlers[entryPoint]
	if !ok {
		return nil, fmt.Errorf("no handler bound to entry point %q", entryPoint)
	}
	return h, nil
}

type instance struct {
	rt      *Runtime
	handler *Handler
	handle  datasource.InstanceHandle
	opts    datasource.Options
}

// CreateSource implements extension.Runtime.
func (rt *Runtime) CreateSource(ctx context.Context, req extension.CreateRequest) (extension.SourceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := rt.handler(req.Definition.EntryPoint)
	if err != nil {
		return nil, err
	}
	if h.Construct != nil {
		if err := h.Construct(req.Options); err != nil {
			return nil, raise("create", err)
		}
	}
	inst := &instance{
		rt:      rt,
		handler: h,
		handle:  datasource.InstanceHandle(uuid.NewString()),
		opts:    req.Options.Clone(),
	}
	rt.mu.Lock()
	rt.instances[inst.handle] = inst
	rt.mu.Unlock()
	return inst, nil
}

func (i *instance) Handle() datasource.InstanceHandle { return i.handle }

func (i *instance) DeclaredSchema(ctx context.Context) (*extension.SchemaDecl, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if i.handler.Schema == nil {
		return nil, nil
	}
	decl, err := i.handler.Schema()
	if err != nil {
		return nil, raise("schema", err)
	}
	return decl, nil
}

func (i *instance) Capability(ctx context.Context, mode datasource.Mode) (extension.CapabilityAnswer, error) {
	if err := ctx.Err(); err != nil {
		return extension.CapabilityAnswer{}, err
	}
	switch mode {
	case datasource.ModeRead:
		if i.handler.ReaderMalformed != "" {
			return extension.CapabilityAnswer{Kind: extension.CapabilityMalformed, Detail: i.handler.ReaderMalformed}, nil
		}
		if i.handler.Reader == nil {
			return extension.CapabilityAnswer{Kind: extension.CapabilityUnsupported}, nil
		}
		if i.handler.Reader.Construct != nil {
			if err := i.handler.Reader.Construct(i.opts); err != nil {
				return extension.CapabilityAnswer{}, raise("capability", err)
			}
		}
		return extension.CapabilityAnswer{Kind: extension.CapabilityReader}, nil
	case datasource.ModeWrite:
		if i.handler.WriterMalformed != "" {
			return extension.CapabilityAnswer{Kind: extension.CapabilityMalformed, Detail: i.handler.WriterMalformed}, nil
		}
		if i.handler.Writer == nil {
			return extension.CapabilityAnswer{Kind: extension.CapabilityUnsupported}, nil
		}
		if i.handler.Writer.Construct != nil {
			if err := i.handler.Writer.Construct(i.opts); err != nil {
				return extension.CapabilityAnswer{}, raise("capability", err)
			}
		}
		return extension.CapabilityAnswer{Kind: extension.CapabilityWriter}, nil
	}
	return extension.CapabilityAnswer{}, fmt.Errorf("unknown mode %q", mode)
}

func (i *instance) PlanPartitions(ctx context.Context) ([]datasource.PartitionDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := i.handler.Reader
	if r == nil {
		return nil, fmt.Errorf("handler has no reader capability")
	}
	if r.PartitionsMalformed != "" {
		return nil, fmt.Errorf("partitioning returned a non-sequence: %s", r.PartitionsMalformed)
	}
	if r.Partitions == nil {
		return nil, nil
	}
	parts, err := r.Partitions()
	if err != nil {
		return nil, raise("partitions", err)
	}
	return parts, nil
}

func (i *instance) Close() error {
	i.rt.mu.Lock()
	defer i.rt.mu.Unlock()
	delete(i.rt.instances, i.handle)
	return nil
}

// raise wraps a handler error as an extension-side failure unless the
// handler already produced one.
func raise(origin string, err error) error {
	var ext *datasource.ExtensionError
	if errors.As(err, &ext) {
		return err
	}
	return &datasource.ExtensionError{Origin: origin, Message: err.Error()}
}

func encodedSize(v any) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
