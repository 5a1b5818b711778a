// Calendar-card fusion: an agent run can surface both raw "calendar" tool
// results (carrying a task_id) and a human-readable card describing the
// same task; this pass scores and merges the two representations rather
// than surfacing both. Similarity uses a Gestalt-style ratio over the
// longest common subsequence.
package dispatch

import (
	"regexp"
	"time"

	"dispatchengine/internal/models"
)

const (
	calendarToolName      = "calendar"
	titleSimilarityFloor  = 0.55
	defaultFusionAccept   = 0.45
	fusionTimeProximitySec = 600
)

var digitRun = regexp.MustCompile(`\d+`)

// FuseCalendarEntries merges raw calendar task entries with their
// human-readable card counterparts when a scored match clears accept.
// Unmatched raw tasks are returned as cards of their own (tool used as-is).
func FuseCalendarEntries(entries []models.ToolUsed, accept float64) []models.ToolUsed {
	if accept <= 0 {
		accept = defaultFusionAccept
	}

	var raws, cards, other []models.ToolUsed
	for _, e := range entries {
		if e.Tool != calendarToolName {
			other = append(other, e)
			continue
		}
		if e.TaskID != "" {
			raws = append(raws, e)
		} else {
			cards = append(cards, e)
		}
	}

	matchedCards := make(map[int]bool)
	fused := make([]models.ToolUsed, 0, len(raws)+len(cards)+len(other))

	for _, raw := range raws {
		bestIdx, bestScore := -1, 0.0
		for i, card := range cards {
			if matchedCards[i] {
				continue
			}
			score := fusionScore(raw, card)
			if score > bestScore {
				bestScore, bestIdx = score, i
			}
		}
		if bestIdx >= 0 && bestScore >= accept {
			merged := cards[bestIdx]
			merged.TaskID = raw.TaskID
			merged.ID = raw.ID
			fused = append(fused, merged)
			matchedCards[bestIdx] = true
		} else {
			fused = append(fused, raw)
		}
	}

	for i, card := range cards {
		if !matchedCards[i] {
			fused = append(fused, card)
		}
	}

	return append(fused, other...)
}

// fusionScore combines title similarity, date/time digit overlap, and
// created_at proximity into one score in [0, 1].
func fusionScore(raw, card models.ToolUsed) float64 {
	titleScore := stringRatio(raw.Result, card.Result)
	if titleScore <= titleSimilarityFloor {
		return 0
	}

	digitScore := 0.0
	if digitsOverlap(raw.Result, card.Result) {
		digitScore = 1
	}

	timeScore := 0.0
	if !raw.CreatedAt.IsZero() && !card.CreatedAt.IsZero() {
		delta := raw.CreatedAt.Sub(card.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= fusionTimeProximitySec*time.Second {
			timeScore = 1
		}
	}

	return (titleScore + digitScore + timeScore) / 3
}

// digitsOverlap reports whether raw and card share at least one run of
// digits (a date or time fragment like "2026" or "1430").
func digitsOverlap(a, b string) bool {
	seen := make(map[string]bool)
	for _, d := range digitRun.FindAllString(a, -1) {
		seen[d] = true
	}
	for _, d := range digitRun.FindAllString(b, -1) {
		if seen[d] {
			return true
		}
	}
	return false
}

// stringRatio computes a Gestalt-style similarity ratio in [0, 1]:
// 2*matches / (len(a)+len(b)), where matches is the longest common
// subsequence length.
func stringRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	lcs := longestCommonSubsequence(a, b)
	return 2 * float64(lcs) / float64(len(a)+len(b))
}

func longestCommonSubsequence(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
