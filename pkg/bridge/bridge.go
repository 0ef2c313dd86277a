// Package bridge is the engine-facing surface of the Python data source
// bridge. It ties together the source registry, the plan round trip and
// the task bridges: register a handler definition under a name, then
// open a Table to scan or write it.
package bridge

import (
	"context"

	"github.com/nucleus/pybridge/internal/config"
	"github.com/nucleus/pybridge/internal/exec"
	"github.com/nucleus/pybridge/internal/extension"
	"github.com/nucleus/pybridge/internal/extension/pyproc"
	"github.com/nucleus/pybridge/internal/planner"
	"github.com/nucleus/pybridge/internal/registry"
	"github.com/nucleus/pybridge/pkg/datasource"
	"github.com/nucleus/pybridge/pkg/staging"
)

// Bridge binds a source registry to one extension runtime.
type Bridge struct {
	registry  *registry.Registry
	runtime   extension.Runtime
	planner   *planner.Runner
	staging   *staging.Registry
	rowBuffer int
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRegistry substitutes a source registry for the bridge-private one.
func WithRegistry(reg *registry.Registry) Option {
	return func(b *Bridge) { b.registry = reg }
}

// WithStaging attaches staging providers; committed write jobs finalize
// their stages through this registry.
func WithStaging(reg *staging.Registry) Option {
	return func(b *Bridge) { b.staging = reg }
}

// WithRowBuffer overrides the per-task row buffer.
func WithRowBuffer(n int) Option {
	return func(b *Bridge) { b.rowBuffer = n }
}

// New creates a bridge over the given extension runtime.
func New(rt extension.Runtime, opts ...Option) *Bridge {
	b := &Bridge{
		registry:  registry.NewRegistry(),
		runtime:   rt,
		rowBuffer: exec.DefaultRowBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.planner = planner.NewRunner(rt, b.registry, planner.DefaultTimeout)
	return b
}

// NewFromConfig builds a bridge whose runtime launches Python worker
// processes per the configuration.
func NewFromConfig(cfg *config.BridgeConfig, opts ...Option) *Bridge {
	if cfg == nil {
		cfg = config.Default()
	}
	launcher := pyproc.NewLauncher(cfg.PythonExec, cfg.WorkerArgs, cfg.SpawnRatePerSec, cfg.SpawnBurst)
	rt := pyproc.NewRuntime(launcher)

	b := &Bridge{
		registry:  registry.NewRegistry(),
		runtime:   rt,
		rowBuffer: cfg.RowBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.planner = planner.NewRunner(rt, b.registry, cfg.PlanTimeout())
	return b
}

// RegisterPython registers a handler definition under a source name.
// Re-registering a name replaces the previous definition for subsequent
// queries.
func (b *Bridge) RegisterPython(name string, def datasource.Definition) {
	b.registry.Register(name, def)
}

// DataSourceExists reports whether a source name is registered.
func (b *Bridge) DataSourceExists(name string) bool {
	return b.registry.Exists(name)
}

// DataSourceNames lists the registered source names.
func (b *Bridge) DataSourceNames() []string {
	return b.registry.Names()
}

// TableOptions parameterize one query-use of a source.
type TableOptions struct {
	// Options are caller-supplied string options passed to the handler
	// constructor.
	Options datasource.Options

	// DeclaredSchema is the caller's compact DDL, used only when the
	// handler declares no schema of its own.
	DeclaredSchema string
}

// Table runs the plan round trip for a scan and returns the planned
// table.
func (b *Bridge) Table(ctx context.Context, source string, opts TableOptions) (*Table, error) {
	return b.table(ctx, source, opts, datasource.ModeRead)
}

// WriteTable runs the plan round trip for a write.
func (b *Bridge) WriteTable(ctx context.Context, source string, opts TableOptions) (*Table, error) {
	return b.table(ctx, source, opts, datasource.ModeWrite)
}

func (b *Bridge) table(ctx context.Context, source string, opts TableOptions, mode datasource.Mode) (*Table, error) {
	plan, err := b.planner.Plan(ctx, planner.Request{
		Source:         source,
		Options:        opts.Options,
		DeclaredSchema: opts.DeclaredSchema,
		Mode:           mode,
	})
	if err != nil {
		return nil, err
	}
	return &Table{bridge: b, plan: plan}, nil
}
