package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchengine/internal/models"
)

func TestFuseCalendarEntries_MergesMatchingRawAndCard(t *testing.T) {
	now := time.Now()
	raw := models.ToolUsed{ID: "raw-1", Tool: "calendar", TaskID: "task-123", Result: "Dentist appointment 2026-08-01 1430", CreatedAt: now}
	card := models.ToolUsed{ID: "card-1", Tool: "calendar", Result: "Dentist appointment on 2026-08-01 at 1430", CreatedAt: now}

	fused := FuseCalendarEntries([]models.ToolUsed{raw, card}, defaultFusionAccept)

	require.Len(t, fused, 1, "a matching raw+card pair should collapse into one entry")
	assert.Equal(t, "task-123", fused[0].TaskID)
	assert.Equal(t, "raw-1", fused[0].ID)
	assert.Contains(t, fused[0].Result, "Dentist appointment on")
}

func TestFuseCalendarEntries_UnrelatedEntriesStaySeparate(t *testing.T) {
	raw := models.ToolUsed{ID: "raw-1", Tool: "calendar", TaskID: "task-123", Result: "Book flight to Tokyo", CreatedAt: time.Now()}
	card := models.ToolUsed{ID: "card-1", Tool: "calendar", Result: "Pay the electricity bill", CreatedAt: time.Now().Add(48 * time.Hour)}

	fused := FuseCalendarEntries([]models.ToolUsed{raw, card}, defaultFusionAccept)

	require.Len(t, fused, 2, "dissimilar raw/card entries must not be fused")
}

func TestFuseCalendarEntries_NonCalendarEntriesPassThrough(t *testing.T) {
	other := models.ToolUsed{ID: "x", Tool: "knowledge_search", Result: "some result"}
	fused := FuseCalendarEntries([]models.ToolUsed{other}, defaultFusionAccept)

	require.Len(t, fused, 1)
	assert.Equal(t, other, fused[0])
}

func TestFuseCalendarEntries_UnmatchedRawSurfacesAsOwnEntry(t *testing.T) {
	raw := models.ToolUsed{ID: "raw-1", Tool: "calendar", TaskID: "task-999", Result: "Team sync"}
	fused := FuseCalendarEntries([]models.ToolUsed{raw}, defaultFusionAccept)

	require.Len(t, fused, 1)
	assert.Equal(t, "task-999", fused[0].TaskID)
}

func TestStringRatio_IdenticalIsOne(t *testing.T) {
	assert.Equal(t, 1.0, stringRatio("hello world", "hello world"))
}

func TestStringRatio_EmptyBoth(t *testing.T) {
	assert.Equal(t, 1.0, stringRatio("", ""))
}

func TestStringRatio_OneEmpty(t *testing.T) {
	assert.Equal(t, 0.0, stringRatio("hello", ""))
}

func TestDigitsOverlap(t *testing.T) {
	assert.True(t, digitsOverlap("meeting at 1430", "starts 1430 sharp"))
	assert.False(t, digitsOverlap("meeting at 1430", "starts at 0900"))
}
