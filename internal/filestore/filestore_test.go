package filestore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := New(t.TempDir(), maxBytes)
	require.NoError(t, err)
	return s
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "report.pdf", "report.pdf"},
		{"path traversal stripped", "../../etc/passwd", "passwd"},
		{"absolute path stripped", "/etc/shadow", "shadow"},
		{"control chars removed", "re\x00po\x1frt.txt", "re_po_rt.txt"},
		{"whitespace collapsed", "my    report .txt", "my report .txt"},
		{"empty becomes placeholder", "", "uploaded"},
		{"dot becomes placeholder", ".", "uploaded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SafeName(tc.in))
		})
	}
}

func TestSafeNameCapsLength(t *testing.T) {
	long := strings.Repeat("a", 500) + ".txt"
	got := SafeName(long)
	assert.LessOrEqual(t, len(got), 200)
}

// TestSaveStaysInsideBaseDir: whatever the client names its file, the
// written path resolves inside the store's base directory.
func TestSaveStaysInsideBaseDir(t *testing.T) {
	s := newTestStore(t, 0)

	path, _, size, err := s.Save(context.Background(), "../../../../escape.txt", strings.NewReader("contents"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("contents")), size)

	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	base, err := filepath.EvalSymlinks(s.BaseDir())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resolved, base+string(filepath.Separator)),
		"saved path %q must live under base dir %q", resolved, base)
}

func TestSaveSetsRestrictivePermissions(t *testing.T) {
	s := newTestStore(t, 0)

	path, _, _, err := s.Save(context.Background(), "doc.txt", strings.NewReader("x"))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSaveRejectsOversizedStream(t *testing.T) {
	s := newTestStore(t, 10)

	_, _, _, err := s.Save(context.Background(), "big.txt", strings.NewReader(strings.Repeat("x", 20)))
	var tooLarge *ErrTooLarge
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(10), tooLarge.Limit)

	entries, err := os.ReadDir(s.BaseDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "a rejected file must not remain on disk")
}

func TestSaveRejectsImageMIME(t *testing.T) {
	s := newTestStore(t, 0)

	// A minimal PNG header is enough for MIME sniffing to classify it.
	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
	_, _, _, err := s.Save(context.Background(), "photo.png", bytes.NewReader(png))
	require.ErrorIs(t, err, ErrUnsupportedImage)

	entries, err := os.ReadDir(s.BaseDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpenRefusesPathOutsideBase(t *testing.T) {
	s := newTestStore(t, 0)

	outside := filepath.Join(t.TempDir(), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))

	_, err := s.Open(outside)
	require.Error(t, err)
}

func TestDeleteMissingFileIsQuiet(t *testing.T) {
	s := newTestStore(t, 0)
	s.Delete(filepath.Join(s.BaseDir(), "never-existed.txt"))
}

func TestSaveThenOpenRoundTrip(t *testing.T) {
	s := newTestStore(t, 0)

	path, mime, _, err := s.Save(context.Background(), "note.txt", strings.NewReader("hello file store"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(mime, "text/"), "expected a text MIME, got %s", mime)

	f, err := s.Open(path)
	require.NoError(t, err)
	defer f.Close()

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(f)
	require.NoError(t, err)
	assert.Equal(t, "hello file store", buf.String())
}
