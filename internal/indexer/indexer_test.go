package indexer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"dispatchengine/internal/models"
)

type fakeRepo struct {
	mu        sync.Mutex
	sources   map[string]*models.KnowledgeSource
	markCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sources: map[string]*models.KnowledgeSource{}}
}

func k(owner, id string) string { return owner + "/" + id }

func (f *fakeRepo) UpdateMetadata(ctx context.Context, ownerID, sourceID string, patch map[string]interface{}, status *models.SourceStatus, progress *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.sources[k(ownerID, sourceID)]
	if src == nil {
		return nil
	}
	if src.Metadata == nil {
		src.Metadata = map[string]interface{}{}
	}
	for kk, v := range patch {
		src.Metadata[kk] = v
	}
	if status != nil {
		src.Status = *status
	}
	if progress != nil {
		src.Progress = *progress
	}
	return nil
}

func (f *fakeRepo) MarkReindexRequested(ctx context.Context, ownerID, sourceID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls++
	src := f.sources[k(ownerID, sourceID)]
	if src == nil {
		return "", false, nil
	}
	if src.Status == models.StatusPending || src.Status == models.StatusIndexing {
		return "already_pending_or_indexing", false, nil
	}
	src.Status = models.StatusPending
	src.Progress = 0
	return "", true, nil
}

func (f *fakeRepo) Get(ctx context.Context, ownerID, sourceID string) (*models.KnowledgeSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[k(ownerID, sourceID)], nil
}

type fakeVectorIndex struct {
	deletedSources []string
	upsertedPoints []models.KnowledgeChunk
	deleteErr      error
	upsertErr      error
}

func (f *fakeVectorIndex) DeleteForSource(ctx context.Context, ownerID, sourceID string) error {
	f.deletedSources = append(f.deletedSources, k(ownerID, sourceID))
	return f.deleteErr
}

func (f *fakeVectorIndex) Upsert(ctx context.Context, chunks []models.KnowledgeChunk) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upsertedPoints = append(f.upsertedPoints, chunks...)
	return nil
}

// fakeEmbedder returns a fixed-size vector per input text, unless the text
// is in failTexts (simulating step 8's "dropped None embedding").
type fakeEmbedder struct {
	dim       int
	failTexts map[string]bool
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if e.failTexts[t] {
			out[i] = nil
			continue
		}
		vec := make([]float32, e.dim)
		for j := range vec {
			vec[j] = float32(len(t)) / float32(j+1)
		}
		out[i] = vec
	}
	return out, nil
}

func newTestWorker(repo *fakeRepo, idx *fakeVectorIndex, emb *fakeEmbedder) *Worker {
	return New(repo, idx, emb, nil, Config{EmbedConcurrency: 2})
}

func TestProcessHappyPath(t *testing.T) {
	repo := newFakeRepo()
	repo.sources[k("o1", "s1")] = &models.KnowledgeSource{
		OwnerID: "o1", SourceID: "s1", Kind: models.SourceKindText, Status: models.StatusPending,
		Metadata: map[string]interface{}{models.MetaText: "hello world, this is some text to index."},
	}
	idx := &fakeVectorIndex{}
	emb := &fakeEmbedder{dim: 4}
	w := newTestWorker(repo, idx, emb)

	w.Process(context.Background(), "o1", "s1", "", "My Title")

	src := repo.sources[k("o1", "s1")]
	require.Equal(t, models.StatusReady, src.Status)
	require.Equal(t, 100, src.Progress)
	require.Len(t, idx.deletedSources, 1)
	require.NotEmpty(t, idx.upsertedPoints)
}

func TestProcessNoTextSetsPendingTriedParse(t *testing.T) {
	repo := newFakeRepo()
	repo.sources[k("o1", "s1")] = &models.KnowledgeSource{
		OwnerID: "o1", SourceID: "s1", Kind: models.SourceKindText, Status: models.StatusPending,
	}
	idx := &fakeVectorIndex{}
	emb := &fakeEmbedder{dim: 4}
	w := newTestWorker(repo, idx, emb)

	w.Process(context.Background(), "o1", "s1", "", "title")

	src := repo.sources[k("o1", "s1")]
	require.Equal(t, models.StatusPending, src.Status)
	require.Equal(t, true, src.Metadata[models.MetaTriedParse])
	require.Empty(t, idx.deletedSources, "no vector work should happen without text")
}

func TestProcessAllEmbeddingsFailSetsError(t *testing.T) {
	text := "only one chunk of text"
	repo := newFakeRepo()
	repo.sources[k("o1", "s1")] = &models.KnowledgeSource{
		OwnerID: "o1", SourceID: "s1", Kind: models.SourceKindText, Status: models.StatusPending,
		Metadata: map[string]interface{}{models.MetaText: text},
	}
	idx := &fakeVectorIndex{}
	emb := &fakeEmbedder{dim: 4, failTexts: map[string]bool{text: true}}
	w := newTestWorker(repo, idx, emb)

	w.Process(context.Background(), "o1", "s1", "", "title")

	src := repo.sources[k("o1", "s1")]
	require.Equal(t, models.StatusError, src.Status)
	require.Equal(t, true, src.Metadata[models.MetaIndexingError])
	require.NotEmpty(t, src.Metadata[models.MetaIndexingErrorReason])
}

func TestRequestReindexRefusedWhilePending(t *testing.T) {
	repo := newFakeRepo()
	repo.sources[k("o1", "s1")] = &models.KnowledgeSource{
		OwnerID: "o1", SourceID: "s1", Kind: models.SourceKindText, Status: models.StatusReady,
		Metadata: map[string]interface{}{models.MetaText: "some text"},
	}
	idx := &fakeVectorIndex{}
	emb := &fakeEmbedder{dim: 4}
	w := newTestWorker(repo, idx, emb)

	scheduled, reason, err := w.RequestReindex(context.Background(), "o1", "s1", "", "title")
	require.NoError(t, err)
	require.True(t, scheduled)
	require.Empty(t, reason)

	// A second request against the now-pending source must lose the race.
	scheduled2, reason2, err := w.RequestReindex(context.Background(), "o1", "s1", "", "title")
	require.NoError(t, err)
	require.False(t, scheduled2)
	require.Equal(t, "already_pending_or_indexing", reason2)
}

func TestChunkTextOverlap(t *testing.T) {
	text := ""
	for i := 0; i < 500; i++ {
		text += "0123456789"
	}
	chunks := chunkText(text, 100, 20)
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		require.LessOrEqual(t, len([]rune(chunks[i])), 100)
		prev := []rune(chunks[i-1])
		require.Equal(t, string(prev[len(prev)-20:]), string([]rune(chunks[i])[:20]))
	}
}

func TestDeterministicChunkID(t *testing.T) {
	id1 := chunkID("owner1", "source1", 42)
	id2 := chunkID("owner1", "source1", 42)
	id3 := chunkID("owner1", "source1", 43)
	require.Equal(t, id1, id2, "same (owner, source, offset) must yield identical id")
	require.NotEqual(t, id1, id3)
}
