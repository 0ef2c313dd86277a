package staging

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nucleus/pybridge/pkg/datasource"
)

// ObjectStoreProvider stores batches on disk under a deterministic prefix
// to mimic an object store. Stages live under staging/ while open;
// FinalizeStage renames the stage directory into committed/, so a crash
// between decision and promotion leaves no half-visible output.
type ObjectStoreProvider struct {
	root     string
	compress bool
	mu       sync.Mutex
}

// NewObjectStoreProvider creates an object-backed staging provider.
func NewObjectStoreProvider(root string) *ObjectStoreProvider {
	if root == "" {
		root = filepath.Join(os.TempDir(), "pybridge-object-store")
	}
	_ = os.MkdirAll(filepath.Join(root, "staging"), 0o755)
	_ = os.MkdirAll(filepath.Join(root, "committed"), 0o755)
	return &ObjectStoreProvider{
		root:     root,
		compress: true,
	}
}

func (p *ObjectStoreProvider) ID() string { return ProviderObjectStore }

func (p *ObjectStoreProvider) stagingDir(stageID string) string {
	return filepath.Join(p.root, "staging", stageID)
}

func (p *ObjectStoreProvider) committedDir(stageID string) string {
	return filepath.Join(p.root, "committed", stageID)
}

// stagePath resolves a stage's directory, preferring the open stage and
// falling back to the committed copy.
func (p *ObjectStoreProvider) stagePath(stageID string) (string, bool) {
	if fi, err := os.Stat(p.stagingDir(stageID)); err == nil && fi.IsDir() {
		return p.stagingDir(stageID), true
	}
	if fi, err := os.Stat(p.committedDir(stageID)); err == nil && fi.IsDir() {
		return p.committedDir(stageID), true
	}
	return "", false
}

func (p *ObjectStoreProvider) PutBatch(ctx context.Context, req *PutBatchRequest) (*PutBatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stageID := resolveStageID(req.StageRef, req.StageID)
	if stageID == "" {
		stageID = NewStageID()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	taskDir := filepath.Join(p.stagingDir(stageID), fmt.Sprintf("task-%05d", req.TaskIndex))
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return nil, fmt.Errorf("create stage dir: %w", err)
	}

	batchSeq := req.BatchSeq
	if batchSeq <= 0 {
		if existing, err := p.listBatchesLocked(stageID, req.TaskIndex); err == nil {
			batchSeq = len(existing)
		}
	}
	batchFile := fmt.Sprintf("%06d.jsonl", batchSeq)
	if p.compress {
		batchFile += ".gz"
	}
	batchRef := fmt.Sprintf("task-%05d/%s", req.TaskIndex, batchFile)
	fullPath := filepath.Join(p.stagingDir(stageID), filepath.FromSlash(batchRef))

	buf := &bytes.Buffer{}
	if err := writeJSONLines(buf, req.Rows, p.compress); err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	if err := os.WriteFile(fullPath, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write batch: %w", err)
	}

	return &PutBatchResult{
		StageRef: MakeStageRef(p.ID(), stageID),
		BatchRef: batchRef,
		Stats: BatchStats{
			Rows:  len(req.Rows),
			Bytes: int64(buf.Len()),
		},
	}, nil
}

func (p *ObjectStoreProvider) listBatchesLocked(stageID string, taskIndex int) ([]string, error) {
	base, ok := p.stagePath(stageID)
	if !ok {
		return []string{}, nil
	}
	walkRoot := base
	if taskIndex >= 0 {
		walkRoot = filepath.Join(base, fmt.Sprintf("task-%05d", taskIndex))
	}

	var batches []string
	err := filepath.WalkDir(walkRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return relErr
		}
		batches = append(batches, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Strings(batches)
	return batches, nil
}

func (p *ObjectStoreProvider) ListBatches(ctx context.Context, stageRef string, taskIndex int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listBatchesLocked(stageID, taskIndex)
}

func (p *ObjectStoreProvider) GetBatch(ctx context.Context, stageRef string, batchRef string) ([]datasource.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	base, ok := p.stagePath(stageID)
	p.mu.Unlock()
	if !ok {
		return nil, &Error{Code: CodeStageNotFound, Err: fmt.Errorf("stage not found: %s", stageID)}
	}

	path := filepath.Join(base, filepath.FromSlash(batchRef))
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open batch: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, gzErr := gzip.NewReader(file)
		if gzErr != nil {
			return nil, fmt.Errorf("gzip reader: %w", gzErr)
		}
		defer gz.Close()
		reader = gz
	}

	return readJSONLines(reader)
}

// FinalizeStage atomically renames the stage into the committed tree.
func (p *ObjectStoreProvider) FinalizeStage(ctx context.Context, stageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	defer p.mu.Unlock()

	src := p.stagingDir(stageID)
	dst := p.committedDir(stageID)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		if _, err := os.Stat(dst); err == nil {
			// Already finalized.
			return nil
		}
		return &Error{Code: CodeStageNotFound, Err: fmt.Errorf("stage not found: %s", stageID)}
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("finalize stage %s: %w", stageID, err)
	}
	return nil
}

// DiscardStage removes the open stage's directory. Committed output is
// untouched.
func (p *ObjectStoreProvider) DiscardStage(ctx context.Context, stageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	defer p.mu.Unlock()
	return os.RemoveAll(p.stagingDir(stageID))
}
