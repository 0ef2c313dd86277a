package staging

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nucleus/pybridge/pkg/datasource"
)

// MinIOConfig configures the MinIO-backed staging provider.
type MinIOConfig struct {
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
	BasePrefix      string
}

// MinIOProvider writes staged JSONL.GZ batches into a MinIO/S3 bucket.
// Open stages live under <base>/staging/; FinalizeStage copies every
// object into <base>/committed/ and removes the staged originals.
type MinIOProvider struct {
	client   *minio.Client
	bucket   string
	base     string
	compress bool
}

// NewMinIOProvider constructs a MinIO-backed staging provider and
// auto-provisions the bucket when it does not exist yet.
func NewMinIOProvider(ctx context.Context, cfg MinIOConfig) (*MinIOProvider, error) {
	if cfg.EndpointURL == "" {
		return nil, &Error{Code: CodeStagingUnavailable, Retryable: true, Err: fmt.Errorf("endpointUrl is required")}
	}
	if cfg.Bucket == "" {
		return nil, &Error{Code: CodeStagingUnavailable, Err: fmt.Errorf("bucket is required")}
	}

	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, &Error{Code: CodeStagingUnavailable, Retryable: true, Err: fmt.Errorf("invalid endpoint URL: %w", err)}
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL || u.Scheme == "https"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, &Error{Code: CodeStagingUnavailable, Retryable: true, Err: fmt.Errorf("create minio client: %w", err)}
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, &Error{Code: CodeStagingUnavailable, Retryable: true, Err: err}
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, &Error{Code: CodeStagingUnavailable, Retryable: true, Err: fmt.Errorf("bucket %s not found: %w", cfg.Bucket, err)}
		}
	}

	base := strings.Trim(cfg.BasePrefix, "/")
	if base == "" {
		base = "pybridge"
	}

	return &MinIOProvider{
		client:   client,
		bucket:   cfg.Bucket,
		base:     base,
		compress: true,
	}, nil
}

func (p *MinIOProvider) ID() string { return ProviderMinIO }

func (p *MinIOProvider) stagingPrefix(stageID string) string {
	return joinKey(p.base, "staging", stageID)
}

func (p *MinIOProvider) committedPrefix(stageID string) string {
	return joinKey(p.base, "committed", stageID)
}

func (p *MinIOProvider) PutBatch(ctx context.Context, req *PutBatchRequest) (*PutBatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stageID := resolveStageID(req.StageRef, req.StageID)
	if stageID == "" {
		stageID = NewStageID()
	}

	batchSeq := req.BatchSeq
	if batchSeq <= 0 {
		if existing, err := p.ListBatches(ctx, stageID, req.TaskIndex); err == nil {
			batchSeq = len(existing)
		}
	}

	buf := &bytes.Buffer{}
	if err := writeJSONLines(buf, req.Rows, p.compress); err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	batchFile := fmt.Sprintf("%06d.jsonl", batchSeq)
	if p.compress {
		batchFile += ".gz"
	}
	batchRef := fmt.Sprintf("task-%05d/%s", req.TaskIndex, batchFile)
	key := joinKey(p.stagingPrefix(stageID), batchRef)

	_, err := p.client.PutObject(ctx, p.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return nil, fmt.Errorf("stage batch %s: %w", batchRef, err)
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

func (p *MinIOProvider) ListBatches(ctx context.Context, stageRef string, taskIndex int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, stageID := ParseStageRef(stageRef)

	var refs []string
	for _, prefix := range []string{p.stagingPrefix(stageID), p.committedPrefix(stageID)} {
		listPrefix := prefix + "/"
		if taskIndex >= 0 {
			listPrefix = joinKey(prefix, fmt.Sprintf("task-%05d", taskIndex)) + "/"
		}
		for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: listPrefix, Recursive: true}) {
			if obj.Err != nil {
				return nil, obj.Err
			}
			refs = append(refs, strings.TrimPrefix(obj.Key, prefix+"/"))
		}
		if len(refs) > 0 {
			break
		}
	}
	sort.Strings(refs)
	return refs, nil
}

func (p *MinIOProvider) GetBatch(ctx context.Context, stageRef string, batchRef string) ([]datasource.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, stageID := ParseStageRef(stageRef)

	var data []byte
	var lastErr error
	for _, prefix := range []string{p.stagingPrefix(stageID), p.committedPrefix(stageID)} {
		obj, err := p.client.GetObject(ctx, p.bucket, joinKey(prefix, batchRef), minio.GetObjectOptions{})
		if err != nil {
			lastErr = err
			continue
		}
		b, err := io.ReadAll(obj)
		obj.Close()
		if err != nil {
			lastErr = err
			continue
		}
		data = b
		break
	}
	if data == nil {
		return nil, &Error{Code: CodeStageNotFound, Err: fmt.Errorf("batch %s in stage %s: %w", batchRef, stageID, lastErr)}
	}

	var reader io.Reader = bytes.NewReader(data)
	if strings.HasSuffix(batchRef, ".gz") {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	}
	return readJSONLines(reader)
}

// FinalizeStage server-side copies every staged object into the
// committed prefix, then removes the staged originals.
func (p *MinIOProvider) FinalizeStage(ctx context.Context, stageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, stageID := ParseStageRef(stageRef)
	staged := p.stagingPrefix(stageID)

	var keys []string
	for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: staged + "/", Recursive: true}) {
		if obj.Err != nil {
			return obj.Err
		}
		keys = append(keys, obj.Key)
	}

	for _, key := range keys {
		rel := strings.TrimPrefix(key, staged+"/")
		dst := joinKey(p.committedPrefix(stageID), rel)
		_, err := p.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: p.bucket, Object: dst},
			minio.CopySrcOptions{Bucket: p.bucket, Object: key})
		if err != nil {
			return fmt.Errorf("promote %s: %w", rel, err)
		}
	}
	for _, key := range keys {
		if err := p.client.RemoveObject(ctx, p.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove staged %s: %w", key, err)
		}
	}
	return nil
}

// DiscardStage removes every staged object under the stage prefix.
func (p *MinIOProvider) DiscardStage(ctx context.Context, stageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, stageID := ParseStageRef(stageRef)
	staged := p.stagingPrefix(stageID)

	for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: staged + "/", Recursive: true}) {
		if obj.Err != nil {
			return obj.Err
		}
		if err := p.client.RemoveObject(ctx, p.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("discard %s: %w", obj.Key, err)
		}
	}
	return nil
}

func joinKey(parts ...string) string {
	var out []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
