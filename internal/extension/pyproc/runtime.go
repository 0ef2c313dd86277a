package pyproc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nucleus/pybridge/internal/extension"
	"github.com/nucleus/pybridge/pkg/datasource"
)

// Runtime implements extension.Runtime over external worker processes.
// The planner's source instance keeps one worker for the plan round trip;
// every read or write task spawns its own worker bound to the task's
// context.
type Runtime struct {
	launcher *Launcher
}

// NewRuntime creates a process-backed runtime.
func NewRuntime(launcher *Launcher) *Runtime {
	return &Runtime{launcher: launcher}
}

// CreateSource implements extension.Runtime.
func (rt *Runtime) CreateSource(ctx context.Context, req extension.CreateRequest) (extension.SourceInstance, error) {
	w, err := rt.launcher.Spawn(ctx, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.Call(&frame{
		Op:         opCreateSource,
		Name:       req.Name,
		EntryPoint: req.Definition.EntryPoint,
		Definition: req.Definition.Payload,
		Options:    req.Options,
		Mode:       string(req.Mode),
	})
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	if resp.Handle == "" {
		_ = w.Close()
		return nil, fmt.Errorf("worker protocol error: create_source returned no handle")
	}
	return &procInstance{worker: w, handle: datasource.InstanceHandle(resp.Handle)}, nil
}

type procInstance struct {
	worker *Worker
	handle datasource.InstanceHandle
}

func (p *procInstance) Handle() datasource.InstanceHandle { return p.handle }

func (p *procInstance) DeclaredSchema(ctx context.Context) (*extension.SchemaDecl, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := p.worker.Call(&frame{Op: opDeclaredSchema, Handle: string(p.handle)})
	if err != nil {
		return nil, err
	}
	if !resp.HasSchema {
		return nil, nil
	}
	decl := &extension.SchemaDecl{DDL: resp.Schema}
	for _, f := range resp.Fields {
		decl.Fields = append(decl.Fields, datasource.Field{Name: f.Name, DataType: f.DataType, Nullable: f.Nullable})
	}
	return decl, nil
}

func (p *procInstance) Capability(ctx context.Context, mode datasource.Mode) (extension.CapabilityAnswer, error) {
	if err := ctx.Err(); err != nil {
		return extension.CapabilityAnswer{}, err
	}
	resp, err := p.worker.Call(&frame{Op: opCapability, Handle: string(p.handle), Mode: string(mode)})
	if err != nil {
		return extension.CapabilityAnswer{}, err
	}
	switch resp.Capability {
	case "reader":
		return extension.CapabilityAnswer{Kind: extension.CapabilityReader}, nil
	case "writer":
		return extension.CapabilityAnswer{Kind: extension.CapabilityWriter}, nil
	case "none":
		return extension.CapabilityAnswer{Kind: extension.CapabilityUnsupported}, nil
	case "mismatch":
		return extension.CapabilityAnswer{Kind: extension.CapabilityMalformed, Detail: resp.Detail}, nil
	}
	return extension.CapabilityAnswer{}, fmt.Errorf("worker protocol error: unknown capability answer %q", resp.Capability)
}

func (p *procInstance) PlanPartitions(ctx context.Context) ([]datasource.PartitionDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := p.worker.Call(&frame{Op: opPlanPartitions, Handle: string(p.handle)})
	if err != nil {
		return nil, err
	}
	parts := make([]datasource.PartitionDescriptor, 0, len(resp.Partitions))
	for _, raw := range resp.Partitions {
		parts = append(parts, datasource.PartitionDescriptor{Raw: raw})
	}
	return parts, nil
}

func (p *procInstance) Close() error {
	_, _ = p.worker.Call(&frame{Op: opCloseSource, Handle: string(p.handle)})
	return p.worker.Close()
}

// OpenRead implements extension.Runtime. The worker process blocks when
// the consumer has not advanced (the pipe fills) and the consumer blocks
// in Recv when no row is ready, so neither side buffers unboundedly.
func (rt *Runtime) OpenRead(ctx context.Context, def datasource.Definition, task datasource.ReadTask) (extension.RowStream, error) {
	metrics := &datasource.Metrics{}
	w, err := rt.launcher.Spawn(ctx, metrics)
	if err != nil {
		return nil, err
	}
	req := &frame{
		Op:         opOpenRead,
		EntryPoint: def.EntryPoint,
		Definition: def.Payload,
		Handle:     string(task.Handle),
		Index:      task.Index,
	}
	if task.Descriptor != nil {
		req.HasPartition = true
		req.Partition = json.RawMessage(task.Descriptor.Raw)
	}
	if err := w.Send(req); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &procStream{worker: w}, nil
}

type procStream struct {
	worker *Worker
	done   bool
}

func (s *procStream) Next(ctx context.Context) (datasource.Row, bool, error) {
	if s.done {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	f, err := s.worker.Recv()
	if err != nil {
		if err == io.EOF {
			return nil, false, fmt.Errorf("worker protocol error: stream ended without end-of-stream signal")
		}
		return nil, false, err
	}
	switch {
	case f.Error != nil:
		s.done = true
		return nil, false, f.Error.toError()
	case f.End:
		s.done = true
		return nil, false, nil
	case f.IsRow:
		return datasource.Row(f.Row), true, nil
	}
	return nil, false, fmt.Errorf("worker protocol error: unexpected frame in row stream")
}

func (s *procStream) Metrics() *datasource.Metrics { return s.worker.Metrics() }

func (s *procStream) Close() error { return s.worker.Close() }

// OpenWrite implements extension.Runtime.
func (rt *Runtime) OpenWrite(ctx context.Context, def datasource.Definition, task datasource.WriteTask) (extension.RowSink, error) {
	metrics := &datasource.Metrics{}
	w, err := rt.launcher.Spawn(ctx, metrics)
	if err != nil {
		return nil, err
	}
	req := &frame{
		Op:         opOpenWrite,
		EntryPoint: def.EntryPoint,
		Definition: def.Payload,
		Handle:     string(task.Handle),
		Index:      task.Index,
	}
	if err := w.Send(req); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &procSink{worker: w}, nil
}

type procSink struct {
	worker *Worker
}

func (s *procSink) Push(ctx context.Context, row datasource.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.worker.Send(&frame{IsRow: true, Row: row})
}

func (s *procSink) Commit(ctx context.Context) (datasource.CommitMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.worker.Send(&frame{End: true}); err != nil {
		return nil, err
	}
	// Half-close stdin so a handler looping on raw input sees EOF even
	// if it never inspects the end frame.
	_ = s.worker.CloseInput()
	f, err := s.worker.Recv()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("worker protocol error: writer exited without a result frame")
		}
		return nil, err
	}
	switch {
	case f.Error != nil:
		return nil, f.Error.toError()
	case len(f.Commit) > 0:
		return datasource.CommitMessage(f.Commit), nil
	case f.End:
		// Writer finished cleanly but never emitted a commit token.
		return nil, nil
	}
	return nil, fmt.Errorf("worker protocol error: unexpected frame after writer input")
}

func (s *procSink) Metrics() *datasource.Metrics { return s.worker.Metrics() }

func (s *procSink) Close() error { return s.worker.Close() }
