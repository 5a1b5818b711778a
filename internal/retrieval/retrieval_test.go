package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"dispatchengine/internal/models"
	"dispatchengine/internal/vectorindex"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vec, e.err
}

type fakeSearcher struct {
	lastFilter vectorindex.SearchFilter
	hits       []models.RetrievalHit
	err        error
}

func (s *fakeSearcher) Search(ctx context.Context, denseVec []float32, sparseVec *models.SparseVector, filter vectorindex.SearchFilter, limit int) ([]models.RetrievalHit, error) {
	s.lastFilter = filter
	return s.hits, s.err
}

type fakeSources struct {
	byKey map[string]*models.KnowledgeSource
}

func (f *fakeSources) Get(ctx context.Context, ownerID, sourceID string) (*models.KnowledgeSource, error) {
	return f.byKey[ownerID+"/"+sourceID], nil
}

func TestSearchAndFetchEmptyEmbeddingReturnsEmpty(t *testing.T) {
	svc := New(&fakeSearcher{}, &fakeEmbedder{vec: nil}, nil)
	hits, err := svc.SearchAndFetch(context.Background(), "owner1", "query", Options{})
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestSearchAndFetchAttachesSourcesAndScopesFilter(t *testing.T) {
	searcher := &fakeSearcher{
		hits: []models.RetrievalHit{
			{ID: "p1", Score: 0.9, Payload: map[string]interface{}{"source_id": "s1"}},
			{ID: "p2", Score: 0.8, Payload: map[string]interface{}{"source_id": "s2"}},
		},
	}
	sources := &fakeSources{byKey: map[string]*models.KnowledgeSource{
		"owner1/s1": {OwnerID: "owner1", SourceID: "s1", Title: "Doc One"},
		"owner1/s2": {OwnerID: "owner1", SourceID: "s2", Title: "Doc Two"},
	}}
	svc := New(searcher, &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}}, sources)

	hits, err := svc.SearchAndFetch(context.Background(), "owner1", "query",
		Options{AllowedSourceIDs: []string{"s1", "s2"}, TopN: 5})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		require.NotNil(t, h.Source)
	}
	require.Equal(t, "owner1", searcher.lastFilter.OwnerID)
	require.ElementsMatch(t, []string{"s1", "s2"}, searcher.lastFilter.AllowedSourceIDs)
}

func TestSearchAndFetchWithoutSourcesSkipsAttach(t *testing.T) {
	searcher := &fakeSearcher{
		hits: []models.RetrievalHit{{ID: "p1", Score: 0.5, Payload: map[string]interface{}{"source_id": "s1"}}},
	}
	svc := New(searcher, &fakeEmbedder{vec: []float32{0.1}}, nil)

	hits, err := svc.SearchAndFetch(context.Background(), "owner1", "query", Options{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Nil(t, hits[0].Source)
}
