// This file contains database methods for the knowledge catalog: the
// KnowledgeSource rows a given owner has created, independent of the
// vector points held in Qdrant.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"dispatchengine/internal/models"
)

// CreateKnowledgeSource inserts a new KnowledgeSource row with the status and
// progress given in s.
func (db *DB) CreateKnowledgeSource(ctx context.Context, s models.KnowledgeSource) error {
	metaJSON, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = db.ExecContext(ctx, `
        INSERT INTO knowledge_sources (owner_id, source_id, type, uri, title, status, progress, metadata, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`,
		s.OwnerID, s.SourceID, s.Kind, s.URI, s.Title, s.Status, s.Progress, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to create knowledge source: %w", err)
	}
	return nil
}

// GetKnowledgeSource loads one (owner_id, source_id) row.
func (db *DB) GetKnowledgeSource(ctx context.Context, ownerID, sourceID string) (*models.KnowledgeSource, error) {
	type row struct {
		models.KnowledgeSource
		MetadataJSON []byte `db:"metadata"`
	}
	var r row
	err := db.GetContext(ctx, &r, `
        SELECT owner_id, source_id, type, uri, title, status, progress, metadata, created_at, updated_at
        FROM knowledge_sources WHERE owner_id = $1 AND source_id = $2`, ownerID, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge source: %w", err)
	}
	if err := unmarshalMeta(r.MetadataJSON, &r.KnowledgeSource); err != nil {
		return nil, err
	}
	return &r.KnowledgeSource, nil
}

// ListKnowledgeSources returns every source owned by ownerID, newest first.
func (db *DB) ListKnowledgeSources(ctx context.Context, ownerID string) ([]models.KnowledgeSource, error) {
	type row struct {
		models.KnowledgeSource
		MetadataJSON []byte `db:"metadata"`
	}
	var rows []row
	err := db.SelectContext(ctx, &rows, `
        SELECT owner_id, source_id, type, uri, title, status, progress, metadata, created_at, updated_at
        FROM knowledge_sources WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge sources: %w", err)
	}
	out := make([]models.KnowledgeSource, 0, len(rows))
	for _, r := range rows {
		if err := unmarshalMeta(r.MetadataJSON, &r.KnowledgeSource); err != nil {
			return nil, err
		}
		out = append(out, r.KnowledgeSource)
	}
	return out, nil
}

// ListKnowledgeSourcesByIDs loads the subset of ownerID's sources named in
// sourceIDs, newest first.
func (db *DB) ListKnowledgeSourcesByIDs(ctx context.Context, ownerID string, sourceIDs []string) ([]models.KnowledgeSource, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	type row struct {
		models.KnowledgeSource
		MetadataJSON []byte `db:"metadata"`
	}
	var rows []row
	query, args, err := sqlxIn(`
        SELECT owner_id, source_id, type, uri, title, status, progress, metadata, created_at, updated_at
        FROM knowledge_sources WHERE owner_id = ? AND source_id IN (?) ORDER BY created_at DESC`, ownerID, sourceIDs)
	if err != nil {
		return nil, err
	}
	query = db.Rebind(query)
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list knowledge sources by id: %w", err)
	}
	out := make([]models.KnowledgeSource, 0, len(rows))
	for _, r := range rows {
		if err := unmarshalMeta(r.MetadataJSON, &r.KnowledgeSource); err != nil {
			return nil, err
		}
		out = append(out, r.KnowledgeSource)
	}
	return out, nil
}

// UpdateKnowledgeSourceStatus sets status/progress, used by the Indexer
// as it works through a source.
func (db *DB) UpdateKnowledgeSourceStatus(ctx context.Context, ownerID, sourceID string, status models.SourceStatus, progress int) error {
	_, err := db.ExecContext(ctx, `
        UPDATE knowledge_sources SET status = $1, progress = $2, updated_at = NOW()
        WHERE owner_id = $3 AND source_id = $4`, status, progress, ownerID, sourceID)
	if err != nil {
		return fmt.Errorf("failed to update knowledge source status: %w", err)
	}
	return nil
}

// UpdateKnowledgeSourceMetadata merges the given keys into the row's
// metadata JSON, used to record saved_path, extracted_text, indexing
// errors, and reindex requests without clobbering the rest of the map.
// Top-level keys whose patch value is null are removed from the row.
func (db *DB) UpdateKnowledgeSourceMetadata(ctx context.Context, ownerID, sourceID string, patch map[string]interface{}) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata patch: %w", err)
	}
	_, err = db.ExecContext(ctx, `
        UPDATE knowledge_sources
        SET metadata = (metadata - ARRAY(SELECT key FROM jsonb_each($1::jsonb) WHERE jsonb_typeof(value) = 'null'))
                || COALESCE((SELECT jsonb_object_agg(key, value) FROM jsonb_each($1::jsonb) WHERE jsonb_typeof(value) <> 'null'), '{}'::jsonb),
            updated_at = NOW()
        WHERE owner_id = $2 AND source_id = $3`, patchJSON, ownerID, sourceID)
	if err != nil {
		return fmt.Errorf("failed to patch knowledge source metadata: %w", err)
	}
	return nil
}

// MarkReindexRequested atomically transitions a source to StatusPending with
// progress=0, but only if its current status is neither pending nor
// indexing. The conditional UPDATE is the source of truth for
// collapsing concurrent reindex requests; it reports whether this call was
// the one that won the transition.
func (db *DB) MarkReindexRequested(ctx context.Context, ownerID, sourceID string, patch map[string]interface{}) (bool, error) {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return false, fmt.Errorf("failed to marshal reindex patch: %w", err)
	}
	res, err := db.ExecContext(ctx, `
        UPDATE knowledge_sources
        SET status = 'pending', progress = 0, metadata = metadata || $1::jsonb, updated_at = NOW()
        WHERE owner_id = $2 AND source_id = $3 AND status NOT IN ('pending', 'indexing')`,
		patchJSON, ownerID, sourceID)
	if err != nil {
		return false, fmt.Errorf("failed to mark reindex requested: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read reindex rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteKnowledgeSource removes the catalog row. Callers are responsible for
// also deleting the source's vector points and any saved file.
func (db *DB) DeleteKnowledgeSource(ctx context.Context, ownerID, sourceID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM knowledge_sources WHERE owner_id = $1 AND source_id = $2`, ownerID, sourceID)
	if err != nil {
		return fmt.Errorf("failed to delete knowledge source: %w", err)
	}
	return nil
}

func unmarshalMeta(raw []byte, s *models.KnowledgeSource) error {
	if len(raw) == 0 {
		s.Metadata = map[string]interface{}{}
		return nil
	}
	if err := json.Unmarshal(raw, &s.Metadata); err != nil {
		return fmt.Errorf("failed to unmarshal knowledge source metadata: %w", err)
	}
	return nil
}
