// Package sparseembed implements a TF-IDF-based sparse vector generator:
// a fixed-vocabulary bag-of-words encoder that produces the
// {indexes, values} pairs the vector index attaches as the text_sparse
// named vector. Fit accumulates document frequencies, encode trims to the
// top-k weighted entries, and the vocabulary persists atomically.
package sparseembed

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"dispatchengine/internal/models"
)

const (
	defaultMaxFeatures = 50000
	defaultTopK        = 64
)

// state is the persisted vocabulary + document-frequency table.
type state struct {
	MaxFeatures int
	NumDocs     int
	Vocab       map[string]int // token -> index
	DocFreq     []int          // index -> document frequency
}

// Embedder is a fit-once, encode-many TF-IDF sparse vectorizer.
type Embedder struct {
	mu          sync.RWMutex
	path        string
	maxFeatures int
	topK        int
	fitted      bool
	st          state
}

// Config configures a new Embedder.
type Config struct {
	PersistPath string
	MaxFeatures int // default 50000
	TopK        int // default 64
}

// New creates an Embedder. Callers should call Load to pick up any
// previously persisted vocabulary before the first Fit.
func New(cfg Config) *Embedder {
	maxFeatures := cfg.MaxFeatures
	if maxFeatures <= 0 {
		maxFeatures = defaultMaxFeatures
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Embedder{
		path:        cfg.PersistPath,
		maxFeatures: maxFeatures,
		topK:        topK,
	}
}

// Fitted reports whether the embedder has a usable vocabulary.
func (e *Embedder) Fitted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fitted
}

// Fit builds the vocabulary from texts and persists it atomically
// (write-temp-then-rename, 0o600 perms).
func (e *Embedder) Fit(texts []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	docFreq := make(map[string]int)
	vocab := make(map[string]int)
	for _, text := range texts {
		seen := make(map[string]bool)
		for _, tok := range tokenize(text) {
			if !seen[tok] {
				seen[tok] = true
				docFreq[tok]++
			}
		}
	}

	// Rank tokens by document frequency descending, keep at most
	// maxFeatures, assign stable indices in that order.
	type tf struct {
		token string
		df    int
	}
	ranked := make([]tf, 0, len(docFreq))
	for tok, df := range docFreq {
		ranked = append(ranked, tf{tok, df})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].df != ranked[j].df {
			return ranked[i].df > ranked[j].df
		}
		return ranked[i].token < ranked[j].token
	})
	if len(ranked) > e.maxFeatures {
		ranked = ranked[:e.maxFeatures]
	}

	docFreqByIdx := make([]int, len(ranked))
	for i, r := range ranked {
		vocab[r.token] = i
		docFreqByIdx[i] = r.df
	}

	e.st = state{
		MaxFeatures: e.maxFeatures,
		NumDocs:     len(texts),
		Vocab:       vocab,
		DocFreq:     docFreqByIdx,
	}
	e.fitted = true

	if e.path == "" {
		return nil
	}
	return e.persist()
}

// persist writes the current state to disk via write-temp-then-rename so a
// reader never observes a partially-written vocabulary file.
func (e *Embedder) persist() error {
	dir := filepath.Dir(e.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create sparse embedder persist dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".sparseembed-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := gob.NewEncoder(tmp).Encode(e.st); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode sparse embedder state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, e.path); err != nil {
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}
	return nil
}

// Load lazy-loads persisted state. On corruption or absence, fitted stays
// (or becomes) false rather than returning an error — a cold embedder is a
// valid starting state for the indexing pipeline.
func (e *Embedder) Load() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.path == "" {
		e.fitted = false
		return nil
	}
	f, err := os.Open(e.path)
	if err != nil {
		e.fitted = false
		return nil
	}
	defer f.Close()

	var st state
	if err := gob.NewDecoder(f).Decode(&st); err != nil {
		e.fitted = false
		return nil
	}
	e.st = st
	e.fitted = true
	return nil
}

// EncodeBatch vectorizes each text into a SparseVector keeping at most topK
// highest-value entries, sorted descending by value. Returns nil entries
// (zero-length SparseVector) for texts that contribute no known token.
func (e *Embedder) EncodeBatch(texts []string) []models.SparseVector {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]models.SparseVector, len(texts))
	if !e.fitted {
		return out
	}
	for i, text := range texts {
		out[i] = e.encodeOne(text)
	}
	return out
}

func (e *Embedder) encodeOne(text string) models.SparseVector {
	counts := make(map[int]int)
	total := 0
	for _, tok := range tokenize(text) {
		idx, ok := e.st.Vocab[tok]
		if !ok {
			continue
		}
		counts[idx]++
		total++
	}
	if total == 0 {
		return models.SparseVector{}
	}

	type iv struct {
		idx int
		val float64
	}
	entries := make([]iv, 0, len(counts))
	for idx, c := range counts {
		tf := float64(c) / float64(total)
		idf := math.Log(float64(e.st.NumDocs+1)/float64(e.st.DocFreq[idx]+1)) + 1
		entries = append(entries, iv{idx, tf * idf})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].val > entries[j].val })
	if len(entries) > e.topK {
		entries = entries[:e.topK]
	}

	sv := models.SparseVector{
		Indexes: make([]int, len(entries)),
		Values:  make([]float64, len(entries)),
	}
	for i, ent := range entries {
		// Indices are validated on the way in (ent.idx came from e.st.Vocab,
		// always 0 <= idx < maxFeatures), so no runtime check is needed here;
		// the mismatch-skip path applies to externally supplied indices, see
		// ValidateIndex.
		sv.Indexes[i] = ent.idx
		sv.Values[i] = ent.val
	}
	return sv
}

// ValidateIndex reports whether idx is a legal feature index for this
// embedder's configured dimension — used by callers that receive sparse
// vectors from outside the fit/encode path (e.g. deserialized from
// storage) and must skip mismatches with a warning.
func (e *Embedder) ValidateIndex(idx int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return idx >= 0 && idx < e.maxFeatures
}

var wordSepFunc = func(r rune) bool {
	return !(r == '_' || isAlnum(r))
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		(r >= 'а' && r <= 'я') || (r >= 'А' && r <= 'Я')
}

func tokenize(text string) []string {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, wordSepFunc)
	out := fields[:0:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}
