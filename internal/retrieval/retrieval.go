// Package retrieval implements query-time fusion search against the
// vector index, joined with the knowledge repository for each unique
// source_id in the result set: embed -> filter -> dense(+sparse) search ->
// fuse -> concurrent per-source attach via errgroup.
package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"dispatchengine/internal/models"
	"dispatchengine/internal/vectorindex"
)

const defaultTopN = 6

// Embedder produces a dense embedding for a query string.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SparseEmbedder produces a sparse (TF-IDF-style) vector for a query
// string. Implemented by internal/sparseembed.Embedder.
type SparseEmbedder interface {
	EncodeBatch(texts []string) []models.SparseVector
}

// SourceFetcher loads one KnowledgeSource by (owner, id), matching
// internal/knowledge.Repository.Get.
type SourceFetcher interface {
	Get(ctx context.Context, ownerID, sourceID string) (*models.KnowledgeSource, error)
}

// searcher is the subset of *vectorindex.Index the service depends on,
// named as an interface so tests can supply an in-memory fake instead of a
// live Qdrant connection.
type searcher interface {
	Search(ctx context.Context, denseVec []float32, sparseVec *models.SparseVector, filter vectorindex.SearchFilter, limit int) ([]models.RetrievalHit, error)
}

// Service is the retrieval service.
type Service struct {
	index    searcher
	embedder Embedder
	sources  SourceFetcher
}

// New builds a Service. embedder must not be nil; sources may be nil if the
// caller only wants raw vector hits without the DB join. index is
// typically a *vectorindex.Index; tests may substitute any searcher.
func New(index searcher, embedder Embedder, sources SourceFetcher) *Service {
	return &Service{index: index, embedder: embedder, sources: sources}
}

// Options narrows a SearchAndFetch call.
type Options struct {
	AllowedSourceIDs   []string
	AllowedSourceTypes []string
	TopN               int            // default 6
	Sparse             SparseEmbedder // optional; nil skips the sparse leg of fusion
}

// SearchAndFetch embeds the query, searches the vector index scoped to
// owner (and, optionally, the allowed source ids/types), and attaches the
// owning KnowledgeSource to each unique hit. A query that embeds to
// nothing returns an empty result rather than an error.
func (s *Service) SearchAndFetch(ctx context.Context, owner, query string, opts Options) ([]models.RetrievalHit, error) {
	topN := opts.TopN
	if topN <= 0 {
		topN = defaultTopN
	}

	denseVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(denseVec) == 0 {
		return []models.RetrievalHit{}, nil
	}

	var sparseVec *models.SparseVector
	if opts.Sparse != nil {
		encoded := opts.Sparse.EncodeBatch([]string{query})
		if len(encoded) > 0 && len(encoded[0].Indexes) > 0 {
			sparseVec = &encoded[0]
		}
	}

	filter := vectorindex.SearchFilter{
		OwnerID:            owner,
		AllowedSourceIDs:   opts.AllowedSourceIDs,
		AllowedSourceTypes: opts.AllowedSourceTypes,
	}
	hits, err := s.index.Search(ctx, denseVec, sparseVec, filter, topN)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	if s.sources == nil || len(hits) == 0 {
		return hits, nil
	}

	return s.attachSources(ctx, owner, hits)
}

// attachSources fetches, for each unique source_id present in hits, the
// owning KnowledgeSource concurrently via errgroup, then stamps it onto
// every hit from that source.
func (s *Service) attachSources(ctx context.Context, owner string, hits []models.RetrievalHit) ([]models.RetrievalHit, error) {
	uniqueIDs := make(map[string]struct{})
	for _, h := range hits {
		if sid, ok := h.Payload["source_id"].(string); ok && sid != "" {
			uniqueIDs[sid] = struct{}{}
		}
	}

	fetched := make(map[string]*models.KnowledgeSource, len(uniqueIDs))

	g, gctx := errgroup.WithContext(ctx)
	results := make(chan struct {
		id  string
		src *models.KnowledgeSource
	}, len(uniqueIDs))
	for id := range uniqueIDs {
		id := id
		g.Go(func() error {
			src, err := s.sources.Get(gctx, owner, id)
			if err != nil {
				return fmt.Errorf("failed to fetch source %s: %w", id, err)
			}
			results <- struct {
				id  string
				src *models.KnowledgeSource
			}{id, src}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)
	for r := range results {
		fetched[r.id] = r.src
	}

	for i := range hits {
		if sid, ok := hits[i].Payload["source_id"].(string); ok {
			if src, ok := fetched[sid]; ok && src != nil {
				hits[i].Source = src
			}
		}
	}
	return hits, nil
}
