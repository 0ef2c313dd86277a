// Package planner runs the single driver-side round trip that turns a
// registered source name into a runnable plan: schema, ordered partition
// descriptors and the source instance handle. It executes synchronously
// under a hard timeout and must finish before any task is scheduled, so
// every failure here is an analysis-time failure, never a partially
// executed job.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/nucleus/pybridge/internal/extension"
	"github.com/nucleus/pybridge/internal/registry"
	"github.com/nucleus/pybridge/pkg/datasource"
	"github.com/nucleus/pybridge/pkg/logger"
)

// DefaultTimeout bounds the plan round trip when no override is set.
const DefaultTimeout = 60 * time.Second

// Request describes one query-use of a registered source.
type Request struct {
	Source         string
	Options        datasource.Options
	DeclaredSchema string // caller-declared compact DDL, used when the handler declares none
	Mode           datasource.Mode
}

// Plan is the planner's output, embedded into the physical plan. Tasks
// built from it hold only the handle's identity; the plan session itself
// is discarded once the plan is fixed.
type Plan struct {
	Source     string
	Mode       datasource.Mode
	Schema     *datasource.Schema
	Partitions []datasource.PartitionDescriptor
	Handle     datasource.InstanceHandle
	Definition datasource.Definition
}

// PartitionCount reports the minimum task parallelism of the plan: one
// task per descriptor, or a single task when there are none — the
// sentinel read, or a write plan, whose parallelism the engine raises
// via WriteTasks. Never zero: every plan runs at least one task.
func (p *Plan) PartitionCount() int {
	if len(p.Partitions) == 0 {
		return 1
	}
	return len(p.Partitions)
}

// ReadTasks materializes the scan's work descriptors, indices 0..N-1 in
// the order the handler returned them.
func (p *Plan) ReadTasks() []datasource.ReadTask {
	if len(p.Partitions) == 0 {
		return []datasource.ReadTask{{Index: 0, Descriptor: datasource.SentinelPartition(), Handle: p.Handle}}
	}
	tasks := make([]datasource.ReadTask, len(p.Partitions))
	for i := range p.Partitions {
		desc := p.Partitions[i]
		tasks[i] = datasource.ReadTask{Index: i, Descriptor: &desc, Handle: p.Handle}
	}
	return tasks
}

// WriteTasks materializes n write task descriptors; write parallelism is
// the engine's decision, not the handler's.
func (p *Plan) WriteTasks(n int) []datasource.WriteTask {
	if n <= 0 {
		n = 1
	}
	tasks := make([]datasource.WriteTask, n)
	for i := range tasks {
		tasks[i] = datasource.WriteTask{Index: i, Handle: p.Handle}
	}
	return tasks
}

// Runner executes plan round trips against one extension runtime.
type Runner struct {
	runtime  extension.Runtime
	registry *registry.Registry
	timeout  time.Duration
}

// NewRunner creates a planner bound to a runtime and registry.
func NewRunner(rt extension.Runtime, reg *registry.Registry, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{runtime: rt, registry: reg, timeout: timeout}
}

// Plan resolves the source and performs the four planning steps. Registry
// misses surface as NOT_FOUND; every other failure is a *datasource.PlanError
// carrying the specific reason.
func (r *Runner) Plan(ctx context.Context, req Request) (*Plan, error) {
	reg, err := r.registry.Resolve(req.Source)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	log := logger.FromContext(ctx).With("source", req.Source, "mode", req.Mode)

	// Step 1: instantiate the handler's source object.
	inst, err := r.runtime.CreateSource(ctx, extension.CreateRequest{
		Name:       req.Source,
		Definition: reg.Definition,
		Options:    req.Options.Clone(),
		Mode:       req.Mode,
	})
	if err != nil {
		return nil, planFail(req.Source, datasource.CodeCreateError, nil, err)
	}
	defer inst.Close()

	// Step 2: resolve the effective schema.
	schema, err := r.resolveSchema(ctx, inst, req)
	if err != nil {
		return nil, wrapPlan(req.Source, err)
	}

	// Step 3: typed capability query for the requested mode.
	answer, err := inst.Capability(ctx, req.Mode)
	if err != nil {
		return nil, planFail(req.Source, datasource.CodeCreateError, nil, err)
	}
	switch answer.Kind {
	case extension.CapabilityUnsupported:
		return nil, planFail(req.Source, datasource.CodeMethodNotImplemented,
			map[string]string{"mode": string(req.Mode)},
			fmt.Errorf("data source %q does not support %s", req.Source, req.Mode))
	case extension.CapabilityMalformed:
		return nil, planFail(req.Source, datasource.CodeTypeMismatch,
			map[string]string{"mode": string(req.Mode), "detail": answer.Detail},
			fmt.Errorf("capability object for %s has the wrong shape: %s", req.Mode, answer.Detail))
	case extension.CapabilityReader:
		if req.Mode != datasource.ModeRead {
			return nil, planFail(req.Source, datasource.CodeTypeMismatch,
				map[string]string{"mode": string(req.Mode)},
				fmt.Errorf("capability query answered reader for mode %s", req.Mode))
		}
	case extension.CapabilityWriter:
		if req.Mode != datasource.ModeWrite {
			return nil, planFail(req.Source, datasource.CodeTypeMismatch,
				map[string]string{"mode": string(req.Mode)},
				fmt.Errorf("capability query answered writer for mode %s", req.Mode))
		}
	}

	// Step 4: partitioning, read mode only. Any failure here means the
	// planner could not produce a runnable plan, so the partition reason
	// is re-wrapped as a creation failure.
	var partitions []datasource.PartitionDescriptor
	if req.Mode == datasource.ModeRead {
		partitions, err = inst.PlanPartitions(ctx)
		if err != nil {
			inner := &datasource.Error{Code: datasource.CodePartitionInvalid, Err: err}
			return nil, planFail(req.Source, datasource.CodeCreateError, nil, inner)
		}
	}

	log.Debug("plan complete", "partitions", len(partitions), "fields", schema.FieldCount())
	return &Plan{
		Source:     req.Source,
		Mode:       req.Mode,
		Schema:     schema,
		Partitions: partitions,
		Handle:     inst.Handle(),
		Definition: reg.Definition,
	}, nil
}

func (r *Runner) resolveSchema(ctx context.Context, inst extension.SourceInstance, req Request) (*datasource.Schema, error) {
	decl, err := inst.DeclaredSchema(ctx)
	if err != nil {
		return nil, &datasource.Error{Code: datasource.CodeCreateError, Err: err}
	}
	switch {
	case decl != nil && len(decl.Fields) > 0:
		return &datasource.Schema{Fields: decl.Fields}, nil
	case decl != nil && decl.DDL != "":
		return datasource.ParseSchema(decl.DDL)
	case decl != nil:
		return nil, &datasource.Error{
			Code:   datasource.CodeSchemaInvalid,
			Params: map[string]string{"input": "<declared>", "resolvedType": "<empty>"},
			Err:    fmt.Errorf("handler declared an empty schema"),
		}
	case req.DeclaredSchema != "":
		return datasource.ParseSchema(req.DeclaredSchema)
	}
	return nil, &datasource.Error{
		Code:   datasource.CodeSchemaInvalid,
		Params: map[string]string{"input": "<none>", "resolvedType": "<none>"},
		Err:    fmt.Errorf("no schema declared by handler or caller"),
	}
}

func planFail(source string, code datasource.ErrorCode, params map[string]string, cause error) *datasource.PlanError {
	return &datasource.PlanError{
		Source: source,
		Reason: &datasource.Error{Code: code, Params: params, Err: cause},
	}
}

// wrapPlan lifts an already-coded error into the umbrella plan failure.
func wrapPlan(source string, err error) *datasource.PlanError {
	if coded, ok := err.(*datasource.Error); ok {
		return &datasource.PlanError{Source: source, Reason: coded}
	}
	return planFail(source, datasource.CodeCreateError, nil, err)
}
