// Package indexer implements the background indexing pipeline that turns
// an uploaded or text-only KnowledgeSource into ready vector points:
// parse -> chunk -> embed -> upsert, updating status/progress at each
// step. Embedding calls are concurrency-capped with a weighted semaphore;
// concurrent reindex requests for the same source collapse through
// singleflight before reaching the database.
package indexer

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"dispatchengine/internal/models"
	"dispatchengine/internal/sparseembed"
)

const (
	chunkSize    = 3000
	chunkOverlap = 300
	embBatch     = 8
	textPreviewCap = 400
)

// chunkIDNamespace roots the deterministic point ids: re-indexing the
// same (owner, source, offset) always yields the identical uuid.
var chunkIDNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Embedder produces dense embeddings for a batch of chunk texts. A nil
// entry in the returned slice means that chunk failed to embed and must be
// dropped rather than failing the whole batch.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// repo is the subset of internal/knowledge.Repository the worker depends
// on, named as an interface so tests can supply an in-memory fake.
type repo interface {
	UpdateMetadata(ctx context.Context, ownerID, sourceID string, patch map[string]interface{}, status *models.SourceStatus, progress *int) error
	MarkReindexRequested(ctx context.Context, ownerID, sourceID string) (reason string, scheduled bool, err error)
	Get(ctx context.Context, ownerID, sourceID string) (*models.KnowledgeSource, error)
}

// vectorIndex is the subset of *vectorindex.Index the worker depends on,
// named as an interface so tests can supply an in-memory fake instead of a
// live Qdrant connection.
type vectorIndex interface {
	DeleteForSource(ctx context.Context, ownerID, sourceID string) error
	Upsert(ctx context.Context, chunks []models.KnowledgeChunk) error
}

// Worker is the background indexing worker.
type Worker struct {
	repo     repo
	index    vectorIndex
	embedder Embedder
	sparse   *sparseembed.Embedder // optional
	soffice  bool
	ocr      bool

	embedSem *semaphore.Weighted
	reindexSF singleflight.Group
}

// Config configures a new Worker.
type Config struct {
	EmbedConcurrency int  // default 4
	SofficeAvailable bool // headless office converter for PDF previews
	OCRAvailable     bool // OCR fallback for image-only PDFs
}

// New builds a Worker. index is typically a *vectorindex.Index; tests may
// substitute any vectorIndex implementation.
func New(repo repo, index vectorIndex, embedder Embedder, sparse *sparseembed.Embedder, cfg Config) *Worker {
	concurrency := int64(cfg.EmbedConcurrency)
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{
		repo:     repo,
		index:    index,
		embedder: embedder,
		sparse:   sparse,
		soffice:  cfg.SofficeAvailable,
		ocr:      cfg.OCRAvailable,
		embedSem: semaphore.NewWeighted(concurrency),
	}
}

// RequestReindex implements the idempotent reindex-request contract: it
// collapses concurrent callers for the same source via
// singleflight before ever reaching the conditional SQL UPDATE, then
// schedules Process as a detached background job exactly once. It returns
// scheduled=false with a reason when a job is already pending or indexing.
func (w *Worker) RequestReindex(ctx context.Context, owner, sourceID, savedPath, title string) (scheduled bool, reason string, err error) {
	key := owner + "/" + sourceID
	v, err, _ := w.reindexSF.Do(key, func() (interface{}, error) {
		reason, scheduled, err := w.repo.MarkReindexRequested(ctx, owner, sourceID)
		if err != nil {
			return nil, err
		}
		if scheduled {
			go w.Process(context.Background(), owner, sourceID, savedPath, title)
		}
		return struct {
			reason    string
			scheduled bool
		}{reason, scheduled}, nil
	})
	if err != nil {
		return false, "", err
	}
	res := v.(struct {
		reason    string
		scheduled bool
	})
	return res.scheduled, res.reason, nil
}

// Process runs the full pipeline for one source. It never returns an error
// to a scheduler that would retry it: all failures are recorded via
// metadata.indexing_error=true / status=error and logged.
func (w *Worker) Process(ctx context.Context, owner, sourceID string, savedPath, title string) {
	if err := w.process(ctx, owner, sourceID, savedPath, title); err != nil {
		log.Printf("[indexer] %s/%s failed: %v", owner, sourceID, err)
	}
}

func (w *Worker) process(ctx context.Context, owner, sourceID, savedPath, title string) error {
	src, err := w.repo.Get(ctx, owner, sourceID)
	if err != nil {
		return fmt.Errorf("failed to load source: %w", err)
	}
	if src == nil {
		return fmt.Errorf("source %s/%s not found", owner, sourceID)
	}

	text, parseErr := w.extractText(ctx, savedPath, src)
	if parseErr != nil {
		log.Printf("[indexer] %s/%s: parse error: %v", owner, sourceID, parseErr)
	}

	if strings.TrimSpace(text) == "" {
		status := models.StatusPending
		progress := 0
		return w.repo.UpdateMetadata(ctx, owner, sourceID,
			map[string]interface{}{models.MetaTriedParse: true}, &status, &progress)
	}

	if len(text) > 200_000 {
		text = text[:200_000]
	}
	status := models.StatusIndexing
	progress := 10
	if err := w.repo.UpdateMetadata(ctx, owner, sourceID, w.previewPatch(ctx, savedPath), &status, &progress); err != nil {
		return fmt.Errorf("failed to mark indexing: %w", err)
	}

	if err := w.index.DeleteForSource(ctx, owner, sourceID); err != nil {
		return w.fail(ctx, owner, sourceID, fmt.Errorf("failed to clear existing points: %w", err))
	}

	chunks := chunkText(text, chunkSize, chunkOverlap)
	if len(chunks) == 0 {
		return w.fail(ctx, owner, sourceID, fmt.Errorf("no chunks produced from %d chars of text", len(text)))
	}

	points, err := w.embedChunks(ctx, owner, sourceID, title, src.Kind, chunks)
	if err != nil {
		return w.fail(ctx, owner, sourceID, err)
	}
	if len(points) == 0 {
		return w.fail(ctx, owner, sourceID, fmt.Errorf("zero valid embeddings remained after validation"))
	}

	if err := w.index.Upsert(ctx, points); err != nil {
		return w.fail(ctx, owner, sourceID, fmt.Errorf("failed to upsert points: %w", err))
	}

	readyStatus := models.StatusReady
	readyProgress := 100
	return w.repo.UpdateMetadata(ctx, owner, sourceID, map[string]interface{}{}, &readyStatus, &readyProgress)
}

// embedChunks requests embeddings EMB_BATCH=8 chunks at a time, each batch
// gated by the shared concurrency semaphore, advancing progress linearly
// 10->90 across batches, then validates and optionally attaches sparse
// vectors before returning the upsert-ready points.
func (w *Worker) embedChunks(ctx context.Context, owner, sourceID, title string, kind models.SourceKind, chunks []string) ([]models.KnowledgeChunk, error) {
	type batchResult struct {
		offsets []int
		texts   []string
		vecs    [][]float32
		err     error
	}

	numBatches := (len(chunks) + embBatch - 1) / embBatch
	results := make([]batchResult, numBatches)
	var wg sync.WaitGroup
	var progressed int32
	var progressMu sync.Mutex

	for b := 0; b < numBatches; b++ {
		start := b * embBatch
		end := start + embBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batchTexts := chunks[start:end]
		offsets := make([]int, len(batchTexts))
		for i := range batchTexts {
			offsets[i] = start + i
		}

		if err := w.embedSem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("failed to acquire embedding concurrency slot: %w", err)
		}
		wg.Add(1)
		go func(idx int, texts []string, offsets []int) {
			defer wg.Done()
			defer w.embedSem.Release(1)
			vecs, err := w.embedder.EmbedBatch(ctx, texts)
			results[idx] = batchResult{offsets: offsets, texts: texts, vecs: vecs, err: err}

			progressMu.Lock()
			progressed++
			pct := 10 + int(float64(progressed)/float64(numBatches)*80)
			status := models.StatusIndexing
			_ = w.repo.UpdateMetadata(ctx, owner, sourceID, map[string]interface{}{}, &status, &pct)
			progressMu.Unlock()
		}(b, batchTexts, offsets)
	}
	wg.Wait()

	var sparseVecs []models.SparseVector
	if w.sparse != nil && w.sparse.Fitted() {
		sparseVecs = w.sparse.EncodeBatch(chunks)
	}

	var points []models.KnowledgeChunk
	for _, r := range results {
		if r.err != nil {
			log.Printf("[indexer] %s/%s: embedding batch failed: %v", owner, sourceID, r.err)
			continue
		}
		for i, vec := range r.vecs {
			if vec == nil {
				continue // dropped per step 8 (None embedding)
			}
			offset := r.offsets[i]
			text := r.texts[i]
			chunk := models.KnowledgeChunk{
				ID:          chunkID(owner, sourceID, offset),
				OwnerID:     owner,
				SourceID:    sourceID,
				Title:       title,
				Offset:      offset,
				TextPreview: preview(text, textPreviewCap),
				SourceType:  kind,
				Dense:       vec,
			}
			if sparseVecs != nil && offset < len(sparseVecs) {
				chunk.Sparse = sparseVecs[offset]
			}
			points = append(points, chunk)
		}
	}
	return points, nil
}

func (w *Worker) fail(ctx context.Context, owner, sourceID string, cause error) error {
	status := models.StatusError
	progress := 0
	patch := map[string]interface{}{
		models.MetaIndexingError:       true,
		models.MetaIndexingErrorReason: cause.Error(),
	}
	if uErr := w.repo.UpdateMetadata(ctx, owner, sourceID, patch, &status, &progress); uErr != nil {
		log.Printf("[indexer] %s/%s: failed to record error status: %v", owner, sourceID, uErr)
	}
	return cause
}

// extractText resolves the source text: parse the saved file if present,
// else fall back to metadata.text for kind=text sources. PDFs fall through
// embedded-text extraction -> external CLI -> OCR (when available).
func (w *Worker) extractText(ctx context.Context, savedPath string, src *models.KnowledgeSource) (string, error) {
	if savedPath != "" {
		text, err := extractFromPath(savedPath)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) == "" && strings.HasSuffix(strings.ToLower(savedPath), ".pdf") {
			if cliText, cliErr := pdfTextCLI(ctx, savedPath); cliErr == nil && strings.TrimSpace(cliText) != "" {
				return cliText, nil
			}
			if w.ocr {
				return ocrPDFText(ctx, savedPath)
			}
		}
		return text, nil
	}
	if src.Kind == models.SourceKindText {
		if text, ok := src.Metadata[models.MetaText].(string); ok {
			return text, nil
		}
	}
	return "", nil
}

// pdfTextCLI extracts text through the pdftotext CLI, the fallback for PDFs
// whose embedded text streams the regex pass can't read.
func pdfTextCLI(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, "pdftotext", path, "-").Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext failed: %w", err)
	}
	return string(out), nil
}

// ocrPDFText runs the OCR pipeline over an image-only PDF, reading the
// recognized text from ocrmypdf's sidecar file.
func ocrPDFText(ctx context.Context, path string) (string, error) {
	sidecar := path + ".ocr.txt"
	converted := path + ".ocr.pdf"
	defer os.Remove(sidecar)
	defer os.Remove(converted)
	if out, err := exec.CommandContext(ctx, "ocrmypdf", "--force-ocr", "--sidecar", sidecar, path, converted).CombinedOutput(); err != nil {
		return "", fmt.Errorf("ocrmypdf failed: %v (%s)", err, bytes.TrimSpace(out))
	}
	data, err := os.ReadFile(sidecar)
	if err != nil {
		return "", fmt.Errorf("failed to read OCR sidecar: %w", err)
	}
	return string(data), nil
}

func chunkID(owner, sourceID string, offset int) string {
	name := fmt.Sprintf("%s/%s/%d", owner, sourceID, offset)
	return uuid.NewSHA1(chunkIDNamespace, []byte(name)).String()
}

func preview(text string, capChars int) string {
	runes := []rune(text)
	if len(runes) <= capChars {
		return text
	}
	return string(runes[:capChars])
}

// chunkText splits s into overlapping windows of size chunkSize with
// chunkOverlap shared characters between consecutive chunks, so a sentence
// cut at a window boundary still appears whole in one of its neighbors.
func chunkText(s string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	runes := []rune(s)
	var chunks []string
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// previewPatch records the PDF-preview metadata for a file-backed source:
// an original that is already PDF is its own preview; other formats go
// through the headless office converter when one is available.
func (w *Worker) previewPatch(ctx context.Context, savedPath string) map[string]interface{} {
	patch := map[string]interface{}{}
	if savedPath == "" {
		return patch
	}
	if strings.HasSuffix(strings.ToLower(savedPath), ".pdf") {
		patch[models.MetaPreviewPDF] = savedPath
		return patch
	}
	if !w.soffice {
		patch[models.MetaPreviewPDFGeneration] = "skipped_no_soffice"
		return patch
	}
	preview, err := convertToPDF(ctx, savedPath)
	if err != nil {
		log.Printf("[indexer] preview conversion failed for %s: %v", savedPath, err)
		patch[models.MetaPreviewPDFGeneration] = "failed"
		return patch
	}
	patch[models.MetaPreviewPDF] = preview
	patch[models.MetaPreviewPDFGeneration] = "ok"
	return patch
}

// convertToPDF shells out to soffice, writing the converted PDF next to the
// original, and returns the preview's path.
func convertToPDF(ctx context.Context, path string) (string, error) {
	outDir := filepath.Dir(path)
	cmd := exec.CommandContext(ctx, "soffice", "--headless", "--convert-to", "pdf", "--outdir", outDir, path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("soffice conversion failed: %v (%s)", err, bytes.TrimSpace(out))
	}
	preview := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))+".pdf")
	if _, err := os.Stat(preview); err != nil {
		return "", fmt.Errorf("soffice produced no output: %w", err)
	}
	return preview, nil
}

// --- Document parsing ---

func extractFromPath(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return extractPDFText(data), nil
	case strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm"):
		return stripHTMLTags(string(data)), nil
	default:
		// .txt, .rtf, .doc, .docx, .odt: best-effort printable-text
		// extraction; the structured formats also flow through the soffice
		// preview conversion above.
		return stripNonPrintable(string(data)), nil
	}
}

var (
	pdfTextPattern = regexp.MustCompile(`\(([^)]*?)\)\s*Tj`)
	htmlTagPattern = regexp.MustCompile(`<[^>]*>`)
)

func extractPDFText(data []byte) string {
	if len(data) < 100 || !bytes.HasPrefix(data, []byte("%PDF-")) {
		return ""
	}
	var out strings.Builder
	matches := pdfTextPattern.FindAllStringSubmatch(string(data), -1)
	for _, m := range matches {
		if len(m) > 1 {
			out.WriteString(cleanPDFToken(m[1]))
			out.WriteByte(' ')
		}
	}
	return strings.TrimSpace(strings.Join(strings.Fields(out.String()), " "))
}

func cleanPDFToken(s string) string {
	s = strings.ReplaceAll(s, `\(`, "(")
	s = strings.ReplaceAll(s, `\)`, ")")
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

func stripHTMLTags(s string) string {
	return strings.TrimSpace(htmlTagPattern.ReplaceAllString(s, " "))
}

func stripNonPrintable(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\t' || (r >= 0x20 && r != 0x7f) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
