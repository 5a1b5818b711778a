// Package vectorindex wraps a Qdrant collection of knowledge chunk
// embeddings: batched upsert, owner/source-scoped delete, and dense+sparse
// search with Reciprocal Rank Fusion.
package vectorindex

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"dispatchengine/internal/models"
)

const (
	denseVectorName  = "text_dense"
	sparseVectorName = "text_sparse"

	defaultUpsertBatch   = 128
	defaultExpandTopnEach = 40
	defaultRRFWeightDense = 0.7
	defaultRRFWeightSparse = 0.3
	defaultRRFK            = 60
)

// Index wraps a Qdrant gRPC client bound to a single collection.
type Index struct {
	client     *qdrant.Client
	collection string
	dimension  uint64
}

// Config configures a new Index.
type Config struct {
	URL              string
	APIKey           string
	Collection       string
	Dimension        int
	CreateCollections bool // must be an explicit opt-in, never silent.
}

// New dials Qdrant and, if cfg.CreateCollections is set, ensures the
// collection exists with the named text_dense/text_sparse vectors.
// Production deployments keep creation off and provision the collection
// out of band.
func New(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("vector store URL is not configured")
	}
	host, port := splitHostPort(cfg.URL)
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:        host,
		Port:        port,
		APIKey:      cfg.APIKey,
		UseTLS:      isSecureScheme(cfg.URL),
		GrpcOptions: []grpc.DialOption{grpc.WithUserAgent("dispatchengine")},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	idx := &Index{client: client, collection: cfg.Collection, dimension: uint64(cfg.Dimension)}

	if cfg.CreateCollections {
		if err := idx.ensureCollection(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure collection %q: %w", cfg.Collection, err)
		}
	} else {
		log.Printf("[vectorindex] QDRANT_CREATE_COLLECTIONS is false; assuming %q already exists", cfg.Collection)
	}

	return idx, nil
}

func (idx *Index) ensureCollection(ctx context.Context) error {
	exists, err := idx.client.CollectionExists(ctx, idx.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}
	log.Printf("[vectorindex] creating collection %q (dense dim=%d, cosine; sparse=%s)", idx.collection, idx.dimension, sparseVectorName)
	return idx.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: idx.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {
				Size:     idx.dimension,
				Distance: qdrant.Distance_Cosine,
			},
		}),
		SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			sparseVectorName: {
				Index: &qdrant.SparseIndexConfig{OnDisk: qdrant.PtrOf(false)},
			},
		}),
	})
}

// Upsert writes chunks in batches of defaultUpsertBatch, tagging every point
// with owner_id/source_id/title/offset/text_preview/source_type payload.
func (idx *Index) Upsert(ctx context.Context, chunks []models.KnowledgeChunk) error {
	for start := 0; start < len(chunks); start += defaultUpsertBatch {
		end := start + defaultUpsertBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		points := make([]*qdrant.PointStruct, 0, len(batch))
		for _, c := range batch {
			if int(idx.dimension) != 0 && len(c.Dense) != int(idx.dimension) {
				log.Printf("[vectorindex] skipping chunk %s: dense dim %d != configured %d", c.ID, len(c.Dense), idx.dimension)
				continue
			}
			vectors := map[string]*qdrant.Vector{
				denseVectorName: qdrant.NewVectorDense(c.Dense),
			}
			if len(c.Sparse.Indexes) > 0 {
				vectors[sparseVectorName] = qdrant.NewVectorSparse(toUint32(c.Sparse.Indexes), toFloat32(c.Sparse.Values))
			}
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewID(c.ID),
				Vectors: qdrant.NewVectorsMap(vectors),
				Payload: qdrant.NewValueMap(map[string]interface{}{
					"owner_id":     c.OwnerID,
					"source_id":    c.SourceID,
					"title":        c.Title,
					"offset":       c.Offset,
					"text_preview": c.TextPreview,
					"source_type":  string(c.SourceType),
				}),
			})
		}
		if len(points) == 0 {
			continue
		}
		if _, err := idx.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: idx.collection,
			Points:         points,
		}); err != nil {
			return fmt.Errorf("failed to upsert batch [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

// DeleteForSource removes every point payload-matching (owner_id, source_id).
func (idx *Index) DeleteForSource(ctx context.Context, ownerID, sourceID string) error {
	_, err := idx.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: idx.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				matchKeyword("owner_id", ownerID),
				matchKeyword("source_id", sourceID),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points for source %s/%s: %w", ownerID, sourceID, err)
	}
	return nil
}

// DeleteForOwner removes every point payload-matching owner_id.
func (idx *Index) DeleteForOwner(ctx context.Context, ownerID string) error {
	_, err := idx.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: idx.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{matchKeyword("owner_id", ownerID)},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points for owner %s: %w", ownerID, err)
	}
	return nil
}

// SearchFilter scopes a search to an owner and, optionally, a set of allowed
// source ids / source types.
type SearchFilter struct {
	OwnerID           string
	AllowedSourceIDs  []string
	AllowedSourceTypes []string
}

func (f SearchFilter) toQdrant() *qdrant.Filter {
	must := []*qdrant.Condition{matchKeyword("owner_id", f.OwnerID)}
	if len(f.AllowedSourceIDs) > 0 {
		must = append(must, matchAnyKeyword("source_id", f.AllowedSourceIDs))
	}
	if len(f.AllowedSourceTypes) > 0 {
		must = append(must, matchAnyKeyword("source_type", f.AllowedSourceTypes))
	}
	return &qdrant.Filter{Must: must}
}

// Search runs a dense query and, when sparseVec is non-nil, a sparse query,
// fusing the two result sets with Reciprocal Rank Fusion using default
// weights dense=0.7/sparse=0.3 and rrf_k=60. denseVec's dimension is not
// checked here; chunks with a mismatched dimension are skipped at Upsert.
func (idx *Index) Search(ctx context.Context, denseVec []float32, sparseVec *models.SparseVector, filter SearchFilter, limit int) ([]models.RetrievalHit, error) {
	qf := filter.toQdrant()

	denseHits, err := idx.queryNamed(ctx, denseVectorName, qdrant.NewVectorInputDense(denseVec), qf, defaultExpandTopnEach)
	if err != nil {
		return nil, fmt.Errorf("dense search failed: %w", err)
	}
	if sparseVec == nil || len(sparseVec.Indexes) == 0 {
		return toHits(denseHits, limit), nil
	}

	sparseHits, err := idx.queryNamed(ctx, sparseVectorName, qdrant.NewVectorInputSparse(toUint32(sparseVec.Indexes), toFloat32(sparseVec.Values)), qf, defaultExpandTopnEach)
	if err != nil {
		return nil, fmt.Errorf("sparse search failed: %w", err)
	}

	fused := fuseRRF(
		[]rankedList{
			{hits: denseHits, weight: defaultRRFWeightDense},
			{hits: sparseHits, weight: defaultRRFWeightSparse},
		},
		defaultRRFK,
	)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

func (idx *Index) queryNamed(ctx context.Context, vectorName string, vec *qdrant.VectorInput, filter *qdrant.Filter, limit int) ([]*qdrant.ScoredPoint, error) {
	res, err := idx.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: idx.collection,
		Query:          qdrant.NewQueryNearest(vec),
		Using:          qdrant.PtrOf(vectorName),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type rankedList struct {
	hits   []*qdrant.ScoredPoint
	weight float64
}

// fuseRRF scores each candidate as Σ weight/(k+rank) per ranked list,
// tie-broken by first-seen ordering. Doubling an item's rank in every list
// can only lower its score.
func fuseRRF(lists []rankedList, k int) []models.RetrievalHit {
	type acc struct {
		point      *qdrant.ScoredPoint
		score      float64
		firstOrder int
	}
	scores := make(map[string]*acc)
	order := 0
	for _, list := range lists {
		for rank, p := range list.hits {
			id := pointIDString(p)
			a, ok := scores[id]
			if !ok {
				a = &acc{point: p, firstOrder: order}
				scores[id] = a
				order++
			}
			a.score += list.weight / float64(k+rank+1)
		}
	}

	accs := make([]*acc, 0, len(scores))
	for _, a := range scores {
		accs = append(accs, a)
	}
	sort.Slice(accs, func(i, j int) bool {
		if accs[i].score != accs[j].score {
			return accs[i].score > accs[j].score
		}
		return accs[i].firstOrder < accs[j].firstOrder
	})

	out := make([]models.RetrievalHit, 0, len(accs))
	for _, a := range accs {
		fused := a.score
		out = append(out, models.RetrievalHit{
			ID:          pointIDString(a.point),
			Score:       float64(a.point.GetScore()),
			FusedScore:  &fused,
			Payload:     payloadToMap(a.point.GetPayload()),
			TextPreview: stringFromPayload(a.point.GetPayload(), "text_preview"),
		})
	}
	return out
}

func toHits(points []*qdrant.ScoredPoint, limit int) []models.RetrievalHit {
	if len(points) > limit {
		points = points[:limit]
	}
	out := make([]models.RetrievalHit, 0, len(points))
	for _, p := range points {
		out = append(out, models.RetrievalHit{
			ID:          pointIDString(p),
			Score:       float64(p.GetScore()),
			Payload:     payloadToMap(p.GetPayload()),
			TextPreview: stringFromPayload(p.GetPayload(), "text_preview"),
		})
	}
	return out
}
