package vector

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantIndex stores records in a remote qdrant collection over gRPC. Point ids
// are the numeric turn ids.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
}

var _ Index = (*QdrantIndex)(nil)

type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	Dimension  uint64
}

func NewQdrantIndex(ctx context.Context, cfg QdrantConfig) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: cfg.Host, Port: cfg.Port})
	if err != nil {
		return nil, errors.Wrap(err, "connect qdrant")
	}
	idx := &QdrantIndex{client: client, collection: cfg.Collection}
	if err := idx.ensureCollection(ctx, cfg.Dimension); err != nil {
		_ = client.Close()
		return nil, err
	}
	return idx, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, dim uint64) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return errors.Wrap(err, "check qdrant collection")
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dim,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return errors.Wrapf(err, "create qdrant collection %s", q.collection)
	}
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, rec Record) error {
	if rec.ID < 0 {
		return errors.Errorf("qdrant point id must be non-negative, got %d", rec.ID)
	}
	wait := true
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDNum(uint64(rec.ID)),
			Vectors: qdrant.NewVectors(rec.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				metaConversation: rec.ConversationID,
				metaKind:         string(rec.Kind),
				metaCreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
				metaDocument:     rec.Document,
			}),
		}},
	})
	if err != nil {
		return errors.Wrap(err, "qdrant upsert")
	}
	return nil
}

func (q *QdrantIndex) Query(ctx context.Context, conversationID string, kind Kind, embedding []float32, n int) ([]Hit, error) {
	if n <= 0 {
		return []Hit{}, nil
	}
	limit := uint64(n)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          &limit,
		Filter:         conversationFilter(conversationID, kind),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "qdrant query")
	}
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		payload := p.GetPayload()
		hits = append(hits, Hit{
			ID:         int64(p.GetId().GetNum()),
			Document:   payload[metaDocument].GetStringValue(),
			Kind:       Kind(payload[metaKind].GetStringValue()),
			Similarity: p.GetScore(),
		})
	}
	return hits, nil
}

func (q *QdrantIndex) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		if id >= 0 {
			pointIDs = append(pointIDs, qdrant.NewIDNum(uint64(id)))
		}
	}
	wait := true
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return errors.Wrap(err, "qdrant delete points")
	}
	return nil
}

func (q *QdrantIndex) DeleteConversation(ctx context.Context, conversationID string) error {
	wait := true
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: conversationFilter(conversationID, ""),
			},
		},
	})
	if err != nil {
		return errors.Wrap(err, "qdrant delete conversation")
	}
	return nil
}

func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func conversationFilter(conversationID string, kind Kind) *qdrant.Filter {
	must := []*qdrant.Condition{qdrant.NewMatch(metaConversation, conversationID)}
	if kind != "" {
		must = append(must, qdrant.NewMatch(metaKind, string(kind)))
	}
	return &qdrant.Filter{Must: must}
}
