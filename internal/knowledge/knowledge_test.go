package knowledge

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"dispatchengine/internal/models"
)

// fakeStore is a minimal in-memory stand-in for *database.DB, scoped to the
// methods the Knowledge Repository depends on.
type fakeStore struct {
	rows map[string]models.KnowledgeSource
	// markWins, when false, makes every MarkReindexRequested call report a
	// lost race regardless of current status — used to simulate concurrent
	// callers contending for the same conditional UPDATE.
	markWins bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]models.KnowledgeSource{}, markWins: true}
}

func key(owner, id string) string { return owner + "/" + id }

func (f *fakeStore) CreateKnowledgeSource(ctx context.Context, s models.KnowledgeSource) error {
	f.rows[key(s.OwnerID, s.SourceID)] = s
	return nil
}

func (f *fakeStore) GetKnowledgeSource(ctx context.Context, ownerID, sourceID string) (*models.KnowledgeSource, error) {
	row, ok := f.rows[key(ownerID, sourceID)]
	if !ok {
		return nil, nil
	}
	cp := row
	return &cp, nil
}

func (f *fakeStore) ListKnowledgeSources(ctx context.Context, ownerID string) ([]models.KnowledgeSource, error) {
	var out []models.KnowledgeSource
	for _, r := range f.rows {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ListKnowledgeSourcesByIDs(ctx context.Context, ownerID string, sourceIDs []string) ([]models.KnowledgeSource, error) {
	want := map[string]bool{}
	for _, id := range sourceIDs {
		want[id] = true
	}
	var out []models.KnowledgeSource
	for _, r := range f.rows {
		if r.OwnerID == ownerID && want[r.SourceID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateKnowledgeSourceStatus(ctx context.Context, ownerID, sourceID string, status models.SourceStatus, progress int) error {
	row := f.rows[key(ownerID, sourceID)]
	row.Status = status
	row.Progress = progress
	f.rows[key(ownerID, sourceID)] = row
	return nil
}

func (f *fakeStore) UpdateKnowledgeSourceMetadata(ctx context.Context, ownerID, sourceID string, patch map[string]interface{}) error {
	row := f.rows[key(ownerID, sourceID)]
	if row.Metadata == nil {
		row.Metadata = map[string]interface{}{}
	}
	for k, v := range patch {
		if v == nil {
			delete(row.Metadata, k)
			continue
		}
		row.Metadata[k] = v
	}
	f.rows[key(ownerID, sourceID)] = row
	return nil
}

// MarkReindexRequested mimics the SQL conditional UPDATE: it only
// "wins" (transitions to pending) if the row's current status is neither
// pending nor indexing.
func (f *fakeStore) MarkReindexRequested(ctx context.Context, ownerID, sourceID string, patch map[string]interface{}) (bool, error) {
	row, ok := f.rows[key(ownerID, sourceID)]
	if !ok {
		return false, nil
	}
	if !f.markWins || row.Status == models.StatusPending || row.Status == models.StatusIndexing {
		return false, nil
	}
	row.Status = models.StatusPending
	row.Progress = 0
	if row.Metadata == nil {
		row.Metadata = map[string]interface{}{}
	}
	for k, v := range patch {
		row.Metadata[k] = v
	}
	f.rows[key(ownerID, sourceID)] = row
	return true, nil
}

func (f *fakeStore) DeleteKnowledgeSource(ctx context.Context, ownerID, sourceID string) error {
	delete(f.rows, key(ownerID, sourceID))
	return nil
}

func TestInsertTruncatesExtractedText(t *testing.T) {
	fs := newFakeStore()
	repo := New(fs)
	huge := strings.Repeat("x", maxExtractedTextChars+5000)

	err := repo.Insert(context.Background(), "owner1", "src1", models.SourceKindFile, "uri", "title",
		models.StatusPending, 0, map[string]interface{}{models.MetaExtractedText: huge})
	require.NoError(t, err)

	got, err := repo.Get(context.Background(), "owner1", "src1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Metadata[models.MetaExtractedText].(string), maxExtractedTextChars)
}

func TestMarkReindexRequestedIdempotency(t *testing.T) {
	fs := newFakeStore()
	repo := New(fs)
	require.NoError(t, repo.Insert(context.Background(), "owner1", "src1", models.SourceKindFile, "", "", models.StatusReady, 100, nil))

	reason, scheduled, err := repo.MarkReindexRequested(context.Background(), "owner1", "src1")
	require.NoError(t, err)
	require.True(t, scheduled)
	require.Empty(t, reason)

	row, err := repo.Get(context.Background(), "owner1", "src1")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, row.Status)
	require.Equal(t, 0, row.Progress)

	// A second request while the first is still pending must lose the race
	// and report already_pending_or_indexing without mutating status.
	reason, scheduled, err = repo.MarkReindexRequested(context.Background(), "owner1", "src1")
	require.NoError(t, err)
	require.False(t, scheduled)
	require.Equal(t, ReasonAlreadyPendingOrIndexing, reason)
}

func TestViewLiftsMetadata(t *testing.T) {
	s := models.KnowledgeSource{
		OwnerID:  "o1",
		SourceID: "s1",
		Metadata: map[string]interface{}{
			models.MetaExtractedText: "hello world",
			models.MetaPreviewPDF:    "/tmp/preview.pdf",
			models.MetaOrigFilename:  "doc.pdf",
			models.MetaSavedPath:     "/tmp/doc.pdf",
		},
	}
	v := View(s)
	require.Equal(t, "hello world", v.Content)
	require.Equal(t, "/tmp/preview.pdf", v.Preview)
	require.Equal(t, "doc.pdf", v.Filename)
	require.Equal(t, "/tmp/doc.pdf", v.FileURL)
}

func TestUpdateMetadataMergesShallow(t *testing.T) {
	fs := newFakeStore()
	repo := New(fs)
	require.NoError(t, repo.Insert(context.Background(), "o1", "s1", models.SourceKindText, "", "", models.StatusPending, 0,
		map[string]interface{}{"a": "1", "b": "2"}))

	status := models.StatusIndexing
	progress := 42
	require.NoError(t, repo.UpdateMetadata(context.Background(), "o1", "s1", map[string]interface{}{"b": nil, "c": "3"}, &status, &progress))

	row, err := repo.Get(context.Background(), "o1", "s1")
	require.NoError(t, err)
	require.Equal(t, models.StatusIndexing, row.Status)
	require.Equal(t, 42, row.Progress)
	require.Equal(t, "1", row.Metadata["a"])
	require.NotContains(t, row.Metadata, "b")
	require.Equal(t, "3", row.Metadata["c"])
}
