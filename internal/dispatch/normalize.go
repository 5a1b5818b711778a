// Normalization is split from orchestration: a pure function maps the
// agent's raw output string to a list of {text, image_url?} blocks,
// independent of any particular channel's wire format.
package dispatch

import (
	"regexp"
	"strings"

	"dispatchengine/internal/models"
)

const maxBlockChars = 999

var (
	splitPattern       = regexp.MustCompile(`\s*\|\s*|\n{2,}`)
	markdownLinkRegex  = regexp.MustCompile(`\[([^\]]*)\]\(([^)]*)\)`)
	imageMarkdownRegex = regexp.MustCompile(`!\[[^\]]*\]\((\S+?)\)`)
	bareImageURLRegex  = regexp.MustCompile(`https?://\S+\.(?:png|jpe?g|gif|webp)(?:\?\S*)?`)
	forbiddenGlyphs    = regexp.MustCompile("[`*_~]")
	whitespaceRegex    = regexp.MustCompile(`\s+`)
)

// NormalizeResponse maps raw into a sequence of presentation blocks.
// Project-scoped responses (projectScoped true) are not split at all —
// they pass through as a single block.
func NormalizeResponse(raw string, projectScoped bool) []models.NormalizedBlock {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var parts []string
	if projectScoped {
		parts = []string{raw}
	} else {
		parts = splitPattern.Split(raw, -1)
	}

	blocks := make([]models.NormalizedBlock, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		imageURL := extractFirstImageURL(p)
		text := stripArtifacts(p)
		text = whitespaceRegex.ReplaceAllString(text, " ")
		text = strings.TrimSpace(text)

		if text == "" {
			blocks = append(blocks, models.NormalizedBlock{ImageURL: imageURL})
			continue
		}
		for _, chunk := range wordSafeChunks(text, maxBlockChars) {
			blocks = append(blocks, models.NormalizedBlock{Text: chunk})
		}
		if imageURL != "" {
			blocks[len(blocks)-1].ImageURL = imageURL
		}
	}

	return mergeImageOnlyBlocks(blocks)
}

// extractFirstImageURL returns the first image URL referenced in s, either
// via markdown image syntax or a bare image URL.
func extractFirstImageURL(s string) string {
	if m := imageMarkdownRegex.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if m := bareImageURLRegex.FindString(s); m != "" {
		return m
	}
	return ""
}

// stripArtifacts removes markdown link/image syntax and forbidden glyphs,
// keeping link text and dropping bare image references entirely.
func stripArtifacts(s string) string {
	s = imageMarkdownRegex.ReplaceAllString(s, "")
	s = markdownLinkRegex.ReplaceAllString(s, "$1")
	s = bareImageURLRegex.ReplaceAllString(s, "")
	s = forbiddenGlyphs.ReplaceAllString(s, "")
	return s
}

// wordSafeChunks splits text into chunks of at most max characters,
// breaking on whitespace boundaries rather than mid-word.
func wordSafeChunks(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}

	var chunks []string
	words := strings.Fields(text)
	var cur strings.Builder
	for _, w := range words {
		if cur.Len() > 0 && cur.Len()+1+len(w) > max {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	if len(chunks) == 0 {
		return []string{text}
	}
	return chunks
}

// mergeImageOnlyBlocks folds each image-only block into the text block
// immediately preceding it.
func mergeImageOnlyBlocks(blocks []models.NormalizedBlock) []models.NormalizedBlock {
	out := make([]models.NormalizedBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Text == "" && b.ImageURL != "" && len(out) > 0 && out[len(out)-1].ImageURL == "" {
			out[len(out)-1].ImageURL = b.ImageURL
			continue
		}
		out = append(out, b)
	}
	return out
}
