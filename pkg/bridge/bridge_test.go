package bridge

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/pybridge/internal/commit"
	"github.com/nucleus/pybridge/internal/extension"
	"github.com/nucleus/pybridge/internal/extension/inmem"
	"github.com/nucleus/pybridge/pkg/datasource"
	"github.com/nucleus/pybridge/pkg/staging"
)

func pairDef() datasource.Definition {
	return datasource.Definition{Payload: []byte("def pairs(): ..."), EntryPoint: "pairs"}
}

func pairHandler() *inmem.Handler {
	return &inmem.Handler{
		Schema: func() (*extension.SchemaDecl, error) {
			return &extension.SchemaDecl{DDL: "id INT, partitionValue INT"}, nil
		},
		Reader: &inmem.ReaderCapability{
			Partitions: func() ([]datasource.PartitionDescriptor, error) {
				return []datasource.PartitionDescriptor{
					{Raw: []byte(`{"value":0}`)},
					{Raw: []byte(`{"value":1}`)},
				}, nil
			},
			Read: func(part *datasource.PartitionDescriptor, yield func(datasource.Row) error) error {
				value := 0
				if part != nil && strings.Contains(string(part.Raw), `"value":1`) {
					value = 1
				}
				for id := 0; id < 3; id++ {
					if err := yield(datasource.Row{id, value}); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

func TestBridge_Integration_RegisterAndScan(t *testing.T) {
	rt := inmem.New()
	rt.RegisterHandler("pairs", pairHandler())
	b := New(rt)

	assert.False(t, b.DataSourceExists("pairs"))
	b.RegisterPython("pairs", pairDef())
	require.True(t, b.DataSourceExists("pairs"))
	assert.Equal(t, []string{"pairs"}, b.DataSourceNames())

	table, err := b.Table(context.Background(), "pairs", TableOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, table.PartitionCount())
	assert.Equal(t, 2, table.Schema().FieldCount())

	res, err := table.ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Rows, 6)

	seen := make(map[string]bool)
	for _, row := range res.Rows {
		seen[fmt.Sprintf("%v-%v", row[0], row[1])] = true
	}
	for _, key := range []string{"0-0", "1-0", "2-0", "0-1", "1-1", "2-1"} {
		assert.True(t, seen[key], "missing row %s", key)
	}

	total := res.Metrics.Total()
	assert.Positive(t, total.BytesSent)
	assert.Positive(t, total.BytesReceived)
}

func TestBridge_Integration_UnregisteredSourceNotFound(t *testing.T) {
	b := New(inmem.New())
	_, err := b.Table(context.Background(), "ghost", TableOptions{})
	require.Error(t, err)
	assert.Equal(t, datasource.CodeNotFound, datasource.CodeOf(err))
}

func TestBridge_Integration_ReregisterReplacesDefinition(t *testing.T) {
	rt := inmem.New()
	rt.RegisterHandler("v1", &inmem.Handler{
		Schema: func() (*extension.SchemaDecl, error) {
			return &extension.SchemaDecl{DDL: "id INT"}, nil
		},
		Reader: &inmem.ReaderCapability{
			Read: func(_ *datasource.PartitionDescriptor, yield func(datasource.Row) error) error {
				return yield(datasource.Row{1})
			},
		},
	})
	rt.RegisterHandler("v2", pairHandler())

	b := New(rt)
	b.RegisterPython("source", datasource.Definition{EntryPoint: "v1"})
	b.RegisterPython("source", datasource.Definition{EntryPoint: "v2"})

	table, err := b.Table(context.Background(), "source", TableOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, table.PartitionCount(), "subsequent queries must see the replacement")
}

// stagingWriter stages every consumed row batch and answers with the
// stage token.
func stagingWriter(provider *staging.MemoryProvider, stageRef *string) *inmem.WriterCapability {
	return &inmem.WriterCapability{
		Write: func(task datasource.WriteTask, next func() (datasource.Row, bool)) (datasource.CommitMessage, error) {
			var rows []datasource.Row
			for {
				row, ok := next()
				if !ok {
					break
				}
				rows = append(rows, row)
			}
			res, err := provider.PutBatch(context.Background(), &staging.PutBatchRequest{
				StageRef:  *stageRef,
				TaskIndex: task.Index,
				Rows:      rows,
			})
			if err != nil {
				return nil, err
			}
			return staging.EncodeCommitToken(staging.CommitToken{
				StageRef:  res.StageRef,
				BatchRefs: []string{res.BatchRef},
			})
		},
	}
}

func TestBridge_Integration_WriteCommitsAndFinalizes(t *testing.T) {
	provider := staging.NewMemoryProvider(0)
	stageRef := staging.MakeStageRef(staging.ProviderMemory, staging.NewStageID())

	rt := inmem.New()
	rt.RegisterHandler("sink", &inmem.Handler{
		Schema: func() (*extension.SchemaDecl, error) {
			return &extension.SchemaDecl{DDL: "id INT, name STRING"}, nil
		},
		Writer: stagingWriter(provider, &stageRef),
	})

	b := New(rt, WithStaging(staging.NewRegistry(provider)))
	b.RegisterPython("sink", datasource.Definition{EntryPoint: "sink"})

	table, err := b.WriteTable(context.Background(), "sink", TableOptions{})
	require.NoError(t, err)

	rows := []datasource.Row{{0, "a"}, {1, "b"}, {2, "c"}, {3, "d"}}
	report, err := table.WriteRows(context.Background(), rows, 2)
	require.NoError(t, err)
	assert.Equal(t, commit.StateCommitted, report.State)
	require.Len(t, report.Messages, 2)

	// Every task produced a decodable token against the same stage, and
	// the commit sealed it.
	for _, msg := range report.Messages {
		tok, err := staging.DecodeCommitToken(msg)
		require.NoError(t, err)
		assert.Equal(t, stageRef, tok.StageRef)
	}
	assert.True(t, provider.Finalized(stageRef))

	total := report.Metrics.Total()
	assert.Positive(t, total.BytesSent)
	assert.Positive(t, total.BytesReceived)
}

func TestBridge_Integration_WriteFailureAbortsWholeJob(t *testing.T) {
	rt := inmem.New()
	rt.RegisterHandler("flaky", &inmem.Handler{
		Schema: func() (*extension.SchemaDecl, error) {
			return &extension.SchemaDecl{DDL: "id INT"}, nil
		},
		Writer: &inmem.WriterCapability{
			Write: func(task datasource.WriteTask, next func() (datasource.Row, bool)) (datasource.CommitMessage, error) {
				for {
					if _, ok := next(); !ok {
						break
					}
				}
				if task.Index == 1 {
					return nil, fmt.Errorf("constraint violation on task 1")
				}
				return datasource.CommitMessage(`{"rows":2}`), nil
			},
		},
	})

	b := New(rt)
	b.RegisterPython("flaky", datasource.Definition{EntryPoint: "flaky"})

	table, err := b.WriteTable(context.Background(), "flaky", TableOptions{})
	require.NoError(t, err)

	report, err := table.WriteRows(context.Background(), []datasource.Row{{0}, {1}, {2}, {3}}, 2)
	require.Error(t, err)
	assert.Equal(t, commit.StateAborted, report.State)
	assert.Nil(t, report.Messages, "an aborted job exposes no commit messages")
	assert.Equal(t, datasource.CodeWriteError, datasource.CodeOf(err))
	assert.Contains(t, err.Error(), "constraint violation on task 1")
}

func TestBridge_Integration_WriterWithoutTokenAborts(t *testing.T) {
	rt := inmem.New()
	rt.RegisterHandler("silent", &inmem.Handler{
		Schema: func() (*extension.SchemaDecl, error) {
			return &extension.SchemaDecl{DDL: "id INT"}, nil
		},
		Writer: &inmem.WriterCapability{
			Write: func(_ datasource.WriteTask, next func() (datasource.Row, bool)) (datasource.CommitMessage, error) {
				for {
					if _, ok := next(); !ok {
						return nil, nil
					}
				}
			},
		},
	})

	b := New(rt)
	b.RegisterPython("silent", datasource.Definition{EntryPoint: "silent"})

	table, err := b.WriteTable(context.Background(), "silent", TableOptions{})
	require.NoError(t, err)

	report, err := table.WriteRows(context.Background(), []datasource.Row{{0}}, 1)
	require.Error(t, err)
	assert.Equal(t, commit.StateAborted, report.State)
	assert.Equal(t, datasource.CodeWriteNoCommitMessage, datasource.CodeOf(err))
}

func TestBridge_Unit_DiscardStagesDropsAbortedOutput(t *testing.T) {
	provider := staging.NewMemoryProvider(0)
	b := New(inmem.New(), WithStaging(staging.NewRegistry(provider)))

	res, err := provider.PutBatch(context.Background(), &staging.PutBatchRequest{
		TaskIndex: 0,
		Rows:      []datasource.Row{{0, "a"}},
	})
	require.NoError(t, err)

	msg, err := staging.EncodeCommitToken(staging.CommitToken{StageRef: res.StageRef, BatchRefs: []string{res.BatchRef}})
	require.NoError(t, err)

	b.discardStages(context.Background(), []datasource.CommitMessage{
		msg,
		datasource.CommitMessage(`opaque`), // non-token messages are skipped
	})
	_, err = provider.GetBatch(context.Background(), res.StageRef, res.BatchRef)
	assert.Error(t, err, "aborted stages must leave no visible output")
}
