// Package knowledge implements the knowledge repository: the catalog of
// KnowledgeSource rows a given owner has created. It sits above
// internal/database, adding the invariants the raw SQL layer doesn't
// enforce on its own: extracted_text truncation, the
// content/preview/filename/file_url metadata lift, and the reindex-request
// idempotency contract.
package knowledge

import (
	"context"
	"fmt"
	"time"

	"dispatchengine/internal/models"
)

// maxExtractedTextChars caps metadata.extracted_text before any write.
const maxExtractedTextChars = 200_000

// store is the subset of *database.DB the repository depends on, named here
// so tests can supply an in-memory fake.
type store interface {
	CreateKnowledgeSource(ctx context.Context, s models.KnowledgeSource) error
	GetKnowledgeSource(ctx context.Context, ownerID, sourceID string) (*models.KnowledgeSource, error)
	ListKnowledgeSources(ctx context.Context, ownerID string) ([]models.KnowledgeSource, error)
	ListKnowledgeSourcesByIDs(ctx context.Context, ownerID string, sourceIDs []string) ([]models.KnowledgeSource, error)
	UpdateKnowledgeSourceStatus(ctx context.Context, ownerID, sourceID string, status models.SourceStatus, progress int) error
	UpdateKnowledgeSourceMetadata(ctx context.Context, ownerID, sourceID string, patch map[string]interface{}) error
	MarkReindexRequested(ctx context.Context, ownerID, sourceID string, patch map[string]interface{}) (bool, error)
	DeleteKnowledgeSource(ctx context.Context, ownerID, sourceID string) error
}

// Repository is the Knowledge Repository.
type Repository struct {
	db store
}

// New wraps a database handle (or test fake) as a Repository.
func New(db store) *Repository {
	return &Repository{db: db}
}

// ListByOwner returns every source owned by ownerID.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]models.KnowledgeSource, error) {
	return r.db.ListKnowledgeSources(ctx, ownerID)
}

// ListByIDs returns the subset of ownerID's sources named in sourceIDs,
// newest first.
func (r *Repository) ListByIDs(ctx context.Context, ownerID string, sourceIDs []string) ([]models.KnowledgeSource, error) {
	return r.db.ListKnowledgeSourcesByIDs(ctx, ownerID, sourceIDs)
}

// Insert creates a new KnowledgeSource row, truncating extracted_text if
// present in metadata before it ever reaches storage.
func (r *Repository) Insert(ctx context.Context, ownerID, sourceID string, kind models.SourceKind, uri, title string, status models.SourceStatus, progress int, metadata map[string]interface{}) error {
	metadata = truncateExtractedText(metadata)
	return r.db.CreateKnowledgeSource(ctx, models.KnowledgeSource{
		OwnerID:  ownerID,
		SourceID: sourceID,
		Kind:     kind,
		URI:      uri,
		Title:    title,
		Status:   status,
		Progress: progress,
		Metadata: metadata,
	})
}

// Get loads one (owner, id) row, or (nil, nil) if it doesn't exist.
func (r *Repository) Get(ctx context.Context, ownerID, sourceID string) (*models.KnowledgeSource, error) {
	return r.db.GetKnowledgeSource(ctx, ownerID, sourceID)
}

// UpdateMetadata shallow-merges patch into the row's metadata (JSON object
// merge; null values in patch remove the corresponding key in the storage
// layer's jsonb update), optionally also moving status/progress.
func (r *Repository) UpdateMetadata(ctx context.Context, ownerID, sourceID string, patch map[string]interface{}, status *models.SourceStatus, progress *int) error {
	patch = truncateExtractedText(patch)
	if err := r.db.UpdateKnowledgeSourceMetadata(ctx, ownerID, sourceID, patch); err != nil {
		return err
	}
	if status != nil || progress != nil {
		existing, err := r.db.GetKnowledgeSource(ctx, ownerID, sourceID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("knowledge source %s/%s not found", ownerID, sourceID)
		}
		newStatus := existing.Status
		if status != nil {
			newStatus = *status
		}
		newProgress := existing.Progress
		if progress != nil {
			newProgress = *progress
		}
		return r.db.UpdateKnowledgeSourceStatus(ctx, ownerID, sourceID, newStatus, newProgress)
	}
	return nil
}

// ReasonAlreadyPendingOrIndexing is surfaced (not as an error — as a
// result value) when a reindex request loses the race.
const ReasonAlreadyPendingOrIndexing = "already_pending_or_indexing"

// MarkReindexRequested attempts the atomic ready/error -> pending
// transition. It returns ("", true) on success, or
// (ReasonAlreadyPendingOrIndexing, false) if a job was already in flight.
func (r *Repository) MarkReindexRequested(ctx context.Context, ownerID, sourceID string) (reason string, scheduled bool, err error) {
	patch := map[string]interface{}{
		models.MetaReindexRequestedAt: time.Now().UTC().Format(time.RFC3339),
	}
	won, err := r.db.MarkReindexRequested(ctx, ownerID, sourceID, patch)
	if err != nil {
		return "", false, err
	}
	if !won {
		return ReasonAlreadyPendingOrIndexing, false, nil
	}
	return "", true, nil
}

// Delete removes the catalog row. Callers (the knowledge HTTP handler) are
// responsible for also deleting the source's vector points and any
// saved file — this method only owns the catalog row itself.
func (r *Repository) Delete(ctx context.Context, ownerID, sourceID string) error {
	return r.db.DeleteKnowledgeSource(ctx, ownerID, sourceID)
}

// truncateExtractedText caps metadata[extracted_text] at
// maxExtractedTextChars before any write. Returns a new map so callers'
// originals are never mutated in place.
func truncateExtractedText(metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	raw, ok := metadata[models.MetaExtractedText]
	if !ok {
		return metadata
	}
	text, ok := raw.(string)
	if !ok || len(text) <= maxExtractedTextChars {
		return metadata
	}
	out := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	out[models.MetaExtractedText] = text[:maxExtractedTextChars]
	return out
}

// View serializes a KnowledgeSource into the API-facing form, lifting
// content/preview/filename/file_url out of Metadata.
func View(s models.KnowledgeSource) models.KnowledgeSourceView {
	v := models.KnowledgeSourceView{
		OwnerID:  s.OwnerID,
		SourceID: s.SourceID,
		Kind:     s.Kind,
		URI:      s.URI,
		Title:    s.Title,
		Status:   s.Status,
		Progress: s.Progress,
		Metadata: s.Metadata,
	}
	if s.Metadata == nil {
		return v
	}
	if text, ok := s.Metadata[models.MetaExtractedText].(string); ok {
		v.Content = text
	}
	if preview, ok := s.Metadata["preview"].(string); ok {
		v.Preview = preview
	} else if pdf, ok := s.Metadata[models.MetaPreviewPDF].(string); ok {
		v.Preview = pdf
	}
	if fn, ok := s.Metadata[models.MetaOrigFilename].(string); ok {
		v.Filename = fn
	}
	if fu, ok := s.Metadata[models.MetaSavedPath].(string); ok {
		v.FileURL = fu
	}
	return v
}
