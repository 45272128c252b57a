package vector

import (
	"context"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/pkg/errors"
)

// ChromemIndex is an embedded, pure Go vector index. With a persistence directory
// it survives restarts; without one it lives in memory.
type ChromemIndex struct {
	db  *chromem.DB
	col *chromem.Collection
}

var _ Index = (*ChromemIndex)(nil)

func NewChromemIndex(persistDir, collection string) (*ChromemIndex, error) {
	var (
		db  *chromem.DB
		err error
	)
	if dir := strings.TrimSpace(persistDir); dir != "" {
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, errors.Wrapf(err, "open chromem db at %q", dir)
		}
	} else {
		db = chromem.NewDB()
	}
	col, err := db.GetOrCreateCollection(collection, map[string]string{"owner": "memoryd"}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "create collection %q", collection)
	}
	return &ChromemIndex{db: db, col: col}, nil
}

func (c *ChromemIndex) Upsert(ctx context.Context, rec Record) error {
	// AddDocument replaces a document with the same id.
	err := c.col.AddDocument(ctx, chromem.Document{
		ID:        formatID(rec.ID),
		Content:   rec.Document,
		Embedding: rec.Embedding,
		Metadata: map[string]string{
			metaConversation: rec.ConversationID,
			metaKind:         string(rec.Kind),
			metaCreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return errors.Wrap(err, "add document")
	}
	return nil
}

func (c *ChromemIndex) Query(ctx context.Context, conversationID string, kind Kind, embedding []float32, n int) ([]Hit, error) {
	// chromem rejects nResults above the collection size.
	if total := c.col.Count(); n > total {
		n = total
	}
	if n <= 0 {
		return []Hit{}, nil
	}
	results, err := c.col.QueryEmbedding(ctx, embedding, n, map[string]string{
		metaConversation: conversationID,
		metaKind:         string(kind),
	}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "chromem query")
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id, err := parseID(r.ID)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{ID: id, Document: r.Content, Kind: Kind(r.Metadata[metaKind]), Similarity: r.Similarity})
	}
	return hits, nil
}

func (c *ChromemIndex) Delete(ctx context.Context, ids []int64) error {
	existing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := c.col.GetByID(ctx, formatID(id)); err == nil {
			existing = append(existing, formatID(id))
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := c.col.Delete(ctx, nil, nil, existing...); err != nil {
		return errors.Wrap(err, "delete documents")
	}
	return nil
}

func (c *ChromemIndex) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := c.col.Delete(ctx, map[string]string{metaConversation: conversationID}, nil); err != nil {
		return errors.Wrap(err, "delete conversation documents")
	}
	return nil
}

// Count reports how many records the collection holds across all conversations.
func (c *ChromemIndex) Count() int { return c.col.Count() }

// Close is a no-op: a persistent chromem db writes through on every change.
func (c *ChromemIndex) Close() error { return nil }
