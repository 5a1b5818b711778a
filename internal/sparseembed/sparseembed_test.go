package sparseembed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fitCorpus = []string{
	"the quick brown fox jumps over the lazy dog",
	"the quick brown cat sleeps all day",
	"embedding vectors for sparse retrieval",
	"dense and sparse retrieval fusion",
}

func TestFitAndEncode(t *testing.T) {
	e := New(Config{})
	require.NoError(t, e.Fit(fitCorpus))
	require.True(t, e.Fitted())

	out := e.EncodeBatch([]string{"quick brown fox"})
	require.Len(t, out, 1)
	sv := out[0]
	require.NotEmpty(t, sv.Indexes)
	require.Equal(t, len(sv.Indexes), len(sv.Values))

	for i := 1; i < len(sv.Values); i++ {
		assert.LessOrEqual(t, sv.Values[i], sv.Values[i-1], "values must be sorted descending")
	}
	for _, idx := range sv.Indexes {
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, defaultMaxFeatures)
	}
}

func TestEncodeUnknownTokensYieldsEmpty(t *testing.T) {
	e := New(Config{})
	require.NoError(t, e.Fit(fitCorpus))

	out := e.EncodeBatch([]string{"zzzzz qqqqq"})
	require.Len(t, out, 1)
	assert.Empty(t, out[0].Indexes)
}

func TestEncodeBeforeFitIsEmpty(t *testing.T) {
	e := New(Config{})
	out := e.EncodeBatch([]string{"anything"})
	require.Len(t, out, 1)
	assert.Empty(t, out[0].Indexes)
}

func TestTopKTrimming(t *testing.T) {
	e := New(Config{TopK: 2})
	require.NoError(t, e.Fit(fitCorpus))

	out := e.EncodeBatch([]string{"the quick brown fox jumps over the lazy dog"})
	require.Len(t, out, 1)
	assert.LessOrEqual(t, len(out[0].Indexes), 2)
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.bin")

	first := New(Config{PersistPath: path})
	require.NoError(t, first.Fit(fitCorpus))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second := New(Config{PersistPath: path})
	require.NoError(t, second.Load())
	require.True(t, second.Fitted())

	query := []string{"sparse retrieval fusion"}
	assert.Equal(t, first.EncodeBatch(query), second.EncodeBatch(query))
}

func TestLoadCorruptedFileLeavesUnfitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a gob stream"), 0o600))

	e := New(Config{PersistPath: path})
	require.NoError(t, e.Load())
	assert.False(t, e.Fitted())
}

func TestLoadMissingFileLeavesUnfitted(t *testing.T) {
	e := New(Config{PersistPath: filepath.Join(t.TempDir(), "absent.bin")})
	require.NoError(t, e.Load())
	assert.False(t, e.Fitted())
}

func TestValidateIndex(t *testing.T) {
	e := New(Config{MaxFeatures: 100})
	assert.True(t, e.ValidateIndex(0))
	assert.True(t, e.ValidateIndex(99))
	assert.False(t, e.ValidateIndex(100))
	assert.False(t, e.ValidateIndex(-1))
}

func TestMaxFeaturesBoundsVocabulary(t *testing.T) {
	e := New(Config{MaxFeatures: 3})
	require.NoError(t, e.Fit(fitCorpus))
	assert.LessOrEqual(t, len(e.st.Vocab), 3)
}

func TestTokenizeDropsSingleCharTokens(t *testing.T) {
	toks := tokenize("a bb c ddd")
	assert.Equal(t, []string{"bb", "ddd"}, toks)
}
