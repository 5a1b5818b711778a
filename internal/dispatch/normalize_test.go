package dispatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeResponse_SplitsOnPipeAndBlankLines(t *testing.T) {
	raw := "first part | second part\n\nthird part"
	blocks := NormalizeResponse(raw, false)

	require.Len(t, blocks, 3)
	assert.Equal(t, "first part", blocks[0].Text)
	assert.Equal(t, "second part", blocks[1].Text)
	assert.Equal(t, "third part", blocks[2].Text)
}

func TestNormalizeResponse_ProjectScopedNeverSplits(t *testing.T) {
	raw := "first part | second part\n\nthird part"
	blocks := NormalizeResponse(raw, true)

	require.Len(t, blocks, 1)
	assert.Contains(t, blocks[0].Text, "first part")
	assert.Contains(t, blocks[0].Text, "third part")
}

func TestNormalizeResponse_EmptyInput(t *testing.T) {
	assert.Nil(t, NormalizeResponse("", false))
	assert.Nil(t, NormalizeResponse("   \n\n  ", false))
}

func TestNormalizeResponse_StripsMarkdownAndForbiddenGlyphs(t *testing.T) {
	raw := "Check **this** out: [our site](https://example.com)"
	blocks := NormalizeResponse(raw, false)

	require.Len(t, blocks, 1)
	assert.NotContains(t, blocks[0].Text, "*")
	assert.NotContains(t, blocks[0].Text, "[")
	assert.Contains(t, blocks[0].Text, "our site")
}

func TestNormalizeResponse_MarkdownImageAttachesToPrecedingBlock(t *testing.T) {
	raw := "here's a photo\n\n![alt](https://example.com/pic.png)"
	blocks := NormalizeResponse(raw, false)

	require.Len(t, blocks, 1)
	assert.Equal(t, "here's a photo", blocks[0].Text)
	assert.Equal(t, "https://example.com/pic.png", blocks[0].ImageURL)
}

func TestNormalizeResponse_BareImageURLExtracted(t *testing.T) {
	raw := "look at https://example.com/photo.jpg please"
	blocks := NormalizeResponse(raw, false)

	require.Len(t, blocks, 1)
	assert.Equal(t, "https://example.com/photo.jpg", blocks[0].ImageURL)
	assert.NotContains(t, blocks[0].Text, "https://")
}

func TestNormalizeResponse_LongTextChunkedOnWordBoundaries(t *testing.T) {
	word := "wordword " // 9 chars incl space
	raw := strings.Repeat(word, 200)
	blocks := NormalizeResponse(raw, false)

	require.Greater(t, len(blocks), 1)
	for _, b := range blocks {
		assert.LessOrEqual(t, len(b.Text), maxBlockChars)
		assert.False(t, strings.HasPrefix(b.Text, " "))
		assert.False(t, strings.HasSuffix(b.Text, " "))
	}
}

func TestNormalizeResponse_WhitespaceCollapsed(t *testing.T) {
	raw := "too    many\tspaces   here"
	blocks := NormalizeResponse(raw, false)

	require.Len(t, blocks, 1)
	assert.Equal(t, "too many spaces here", blocks[0].Text)
}
