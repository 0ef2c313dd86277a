package staging

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/nucleus/pybridge/pkg/datasource"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CommitToken is the structured form of a staging-aware writer's commit
// message: which stage it wrote to and the batches it produced. The
// coordinator finalizes every stage named by the job's tokens on commit.
type CommitToken struct {
	StageRef  string   `json:"stageRef"`
	BatchRefs []string `json:"batchRefs"`
}

// EncodeCommitToken renders a token as an opaque commit message.
func EncodeCommitToken(tok CommitToken) (datasource.CommitMessage, error) {
	b, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("encode commit token: %w", err)
	}
	return datasource.CommitMessage(b), nil
}

// DecodeCommitToken parses a commit message produced by a staging-aware
// writer. Messages from writers that do not stage fail to decode; the
// caller treats those as opaque.
func DecodeCommitToken(msg datasource.CommitMessage) (CommitToken, error) {
	var tok CommitToken
	if len(msg) == 0 {
		return tok, fmt.Errorf("empty commit message")
	}
	if err := json.Unmarshal(msg, &tok); err != nil {
		return tok, fmt.Errorf("decode commit token: %w", err)
	}
	if tok.StageRef == "" {
		return tok, fmt.Errorf("commit message carries no stage ref")
	}
	return tok, nil
}
