package staging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nucleus/pybridge/pkg/datasource"
)

type memoryStage struct {
	batches    map[string][]datasource.Row
	totalBytes int64
	finalized  bool
}

// MemoryProvider stores staged data in process memory with a strict byte cap.
type MemoryProvider struct {
	maxBytes int64

	mu     sync.Mutex
	stages map[string]*memoryStage
}

// NewMemoryProvider creates a memory-backed staging provider.
func NewMemoryProvider(maxBytes int64) *MemoryProvider {
	if maxBytes <= 0 {
		maxBytes = DefaultMemoryCapBytes
	}
	return &MemoryProvider{
		maxBytes: maxBytes,
		stages:   make(map[string]*memoryStage),
	}
}

func (p *MemoryProvider) ID() string { return ProviderMemory }

func (p *MemoryProvider) ensureStage(stageID string) *memoryStage {
	if stage, ok := p.stages[stageID]; ok {
		return stage
	}
	stage := &memoryStage{
		batches: make(map[string][]datasource.Row),
	}
	p.stages[stageID] = stage
	return stage
}

func (p *MemoryProvider) PutBatch(ctx context.Context, req *PutBatchRequest) (*PutBatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stageID := resolveStageID(req.StageRef, req.StageID)
	if stageID == "" {
		stageID = NewStageID()
	}

	size, err := rowsSizeBytes(req.Rows)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stage := p.ensureStage(stageID)
	if stage.finalized {
		return nil, fmt.Errorf("stage %s already finalized", stageID)
	}
	if stage.totalBytes+size > p.maxBytes {
		return nil, &Error{Code: CodeStageTooLarge, Retryable: false, Err: fmt.Errorf("stage %s exceeds memory cap (%d bytes)", stageID, p.maxBytes)}
	}

	batchSeq := req.BatchSeq
	if batchSeq <= 0 {
		batchSeq = len(stage.batches)
	}
	batchRef := batchKey(req.TaskIndex, batchSeq)

	stage.batches[batchRef] = cloneRows(req.Rows)
	stage.totalBytes += size

	return &PutBatchResult{
		StageRef: MakeStageRef(p.ID(), stageID),
		BatchRef: batchRef,
		Stats: BatchStats{
			Rows:  len(req.Rows),
			Bytes: size,
		},
	}, nil
}

func (p *MemoryProvider) ListBatches(ctx context.Context, stageRef string, taskIndex int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	defer p.mu.Unlock()

	stage, ok := p.stages[stageID]
	if !ok {
		return []string{}, nil
	}

	prefix := ""
	if taskIndex >= 0 {
		prefix = fmt.Sprintf("task-%05d/", taskIndex)
	}

	refs := make([]string, 0, len(stage.batches))
	for ref := range stage.batches {
		if prefix != "" && !strings.HasPrefix(ref, prefix) {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs, nil
}

func (p *MemoryProvider) GetBatch(ctx context.Context, stageRef string, batchRef string) ([]datasource.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	defer p.mu.Unlock()

	stage, ok := p.stages[stageID]
	if !ok {
		return nil, &Error{Code: CodeStageNotFound, Err: fmt.Errorf("stage not found: %s", stageID)}
	}
	rows, ok := stage.batches[batchRef]
	if !ok {
		return nil, fmt.Errorf("batch not found: %s", batchRef)
	}
	return cloneRows(rows), nil
}

// FinalizeStage seals the stage: staged batches become the committed
// result and further puts are rejected.
func (p *MemoryProvider) FinalizeStage(ctx context.Context, stageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	defer p.mu.Unlock()
	stage, ok := p.stages[stageID]
	if !ok {
		return &Error{Code: CodeStageNotFound, Err: fmt.Errorf("stage not found: %s", stageID)}
	}
	stage.finalized = true
	return nil
}

// DiscardStage drops the stage and everything staged under it.
func (p *MemoryProvider) DiscardStage(ctx context.Context, stageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stages, stageID)
	return nil
}

// Finalized reports whether a stage has been sealed. Test hook.
func (p *MemoryProvider) Finalized(stageRef string) bool {
	_, stageID := ParseStageRef(stageRef)
	p.mu.Lock()
	defer p.mu.Unlock()
	stage, ok := p.stages[stageID]
	return ok && stage.finalized
}
