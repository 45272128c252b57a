// Package vector is the semantic index over conversation turns and summaries.
// It is best-effort: the relational history is the source of truth and nothing
// here may fail a primary write.
package vector

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Kind separates raw messages from summaries so hybrid search can query each
// pool on its own.
type Kind string

const (
	KindMessage Kind = "message"
	KindSummary Kind = "summary"
)

const (
	metaConversation = "conversation_id"
	metaKind         = "kind"
	metaCreatedAt    = "created_at"
	metaDocument     = "document"
)

// ErrIndexingFailed marks embedding or index failures. It is logged, never
// returned from write paths of the engine.
var ErrIndexingFailed = errors.New("vector indexing failed")

// Record is the indexed counterpart of a stored turn. ID equals the turn id.
type Record struct {
	ID             int64
	Document       string
	ConversationID string
	Kind           Kind
	CreatedAt      time.Time
	Embedding      []float32
}

// Hit is one query result.
type Hit struct {
	ID         int64   `json:"id"`
	Document   string  `json:"document"`
	Kind       Kind    `json:"kind"`
	Similarity float32 `json:"similarity"`
}

// Index is a vector database holding Records of every conversation.
type Index interface {
	Upsert(ctx context.Context, rec Record) error
	// Query returns up to n records of one conversation and kind, most similar first.
	Query(ctx context.Context, conversationID string, kind Kind, embedding []float32, n int) ([]Hit, error)
	// Delete removes records by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []int64) error
	DeleteConversation(ctx context.Context, conversationID string) error
	Close() error
}

// Embedder turns text into a fixed-width vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

func parseID(v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse record id %q", v)
	}
	return id, nil
}
