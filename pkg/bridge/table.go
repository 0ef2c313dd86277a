package bridge

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nucleus/pybridge/internal/exec"
	"github.com/nucleus/pybridge/internal/planner"
	"github.com/nucleus/pybridge/pkg/datasource"
)

// Table is one planned use of a source: the effective schema, the fixed
// partition list and the instance handle, ready to scan or write.
type Table struct {
	bridge *Bridge
	plan   *planner.Plan
}

// Schema returns the effective struct schema the plan fixed.
func (t *Table) Schema() *datasource.Schema { return t.plan.Schema }

// PartitionCount reports the scan parallelism: one task per descriptor,
// or one sentinel task when partitioning yielded none.
func (t *Table) PartitionCount() int { return t.plan.PartitionCount() }

// ScanTasks materializes the scan's work descriptors in handler order.
func (t *Table) ScanTasks() []datasource.ReadTask { return t.plan.ReadTasks() }

// OpenPartition starts one partition's read and returns its row iterator.
// Each call binds a fresh extension process to the task.
func (t *Table) OpenPartition(ctx context.Context, task datasource.ReadTask) (*exec.RowIterator, error) {
	return exec.OpenReader(ctx, t.bridge.runtime, t.plan.Definition, t.plan.Schema, task, exec.ReaderOptions{
		RowBuffer: t.bridge.rowBuffer,
	})
}

// ScanResult is a fully-drained scan: every partition's rows plus the
// job's transfer counters.
type ScanResult struct {
	Schema  *datasource.Schema
	Rows    []datasource.Row
	Metrics *exec.JobMetrics
}

// ScanAll runs every partition task concurrently and collects the rows.
// Row order across partitions is not defined; within a partition the
// handler's yield order is preserved. The first task failure cancels the
// remaining tasks and fails the scan.
func (t *Table) ScanAll(ctx context.Context) (*ScanResult, error) {
	tasks := t.ScanTasks()
	metrics := exec.NewJobMetrics()

	var mu sync.Mutex
	var rows []datasource.Row

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			it, err := t.OpenPartition(gctx, task)
			if err != nil {
				return err
			}
			defer it.Close()

			var local []datasource.Row
			for it.Next() {
				local = append(local, it.Value())
			}
			if err := it.Err(); err != nil {
				return err
			}
			metrics.Record(task.Index, it.Metrics().Snapshot())

			mu.Lock()
			rows = append(rows, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &ScanResult{Schema: t.plan.Schema, Rows: rows, Metrics: metrics}, nil
}
