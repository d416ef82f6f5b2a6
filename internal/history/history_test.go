package history

import (
	"testing"

	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/stretchr/testify/assert"
)

func makeBar(openMs int64) models.Bar {
	return models.Bar{OpenTimeMs: openMs, CloseTimeMs: openMs + 60_000, Complete: true}
}

func TestClassify_Insufficient(t *testing.T) {
	tail := []models.Bar{makeBar(1000), makeBar(61000)}
	got := Classify(tail, Config{MinHistoryBars: 5, StaleK: 3.0, TfMs: 60_000}, 122_000)
	assert.Equal(t, models.HistoryInsufficient, got.State)
	assert.True(t, got.NeedsWarmup)
}

func TestClassify_ExactlyMinBarsIsOk(t *testing.T) {
	tail := []models.Bar{makeBar(0), makeBar(60_000), makeBar(120_000)}
	got := Classify(tail, Config{MinHistoryBars: 3, StaleK: 3.0, TfMs: 60_000}, 122_000)
	assert.Equal(t, models.HistoryOK, got.State)
}

func TestClassify_StaleBoundaryIsOkNotStale(t *testing.T) {
	tfMs := int64(60_000)
	lastOpen := int64(1_000_000)
	now := lastOpen + int64(3.0*float64(tfMs)) // age_ms == stale_k * tf_ms exactly
	tail := []models.Bar{makeBar(lastOpen)}
	got := Classify(tail, Config{MinHistoryBars: 1, StaleK: 3.0, TfMs: tfMs}, now)
	assert.Equal(t, models.HistoryOK, got.State, "boundary age must classify as ok, not stale_tail")
}

func TestClassify_PastStaleBoundaryIsStale(t *testing.T) {
	tfMs := int64(60_000)
	lastOpen := int64(1_000_000)
	now := lastOpen + int64(3.0*float64(tfMs)) + 1
	tail := []models.Bar{makeBar(lastOpen)}
	got := Classify(tail, Config{MinHistoryBars: 1, StaleK: 3.0, TfMs: tfMs}, now)
	assert.Equal(t, models.HistoryStaleTail, got.State)
	assert.True(t, got.NeedsBackfill)
}

func TestClassify_GappyTail(t *testing.T) {
	tfMs := int64(60_000)
	tail := []models.Bar{makeBar(0), makeBar(60_000), makeBar(60_000 + 100_000)} // gap > 1.5*tf
	got := Classify(tail, Config{MinHistoryBars: 1, StaleK: 10, TfMs: tfMs}, 170_000)
	assert.Equal(t, models.HistoryGappyTail, got.State)
	assert.True(t, got.NeedsBackfill)
	assert.Equal(t, 1, got.GapsCount)
}

func TestClassify_NonMonotonicTakesPrecedenceOverGappy(t *testing.T) {
	tfMs := int64(60_000)
	tail := []models.Bar{makeBar(0), makeBar(60_000 + 100_000), makeBar(60_000)} // regression + a gap
	got := Classify(tail, Config{MinHistoryBars: 1, StaleK: 10, TfMs: tfMs}, 170_000)
	assert.Equal(t, models.HistoryNonMonotonic, got.State)
}

func TestClassify_ZeroDeltaIgnored(t *testing.T) {
	tfMs := int64(60_000)
	tail := []models.Bar{makeBar(0), makeBar(0), makeBar(60_000)}
	got := Classify(tail, Config{MinHistoryBars: 1, StaleK: 10, TfMs: tfMs}, 65_000)
	assert.Equal(t, models.HistoryOK, got.State)
	assert.Equal(t, 0, got.GapsCount)
	assert.Equal(t, 0, got.NonMonotonicCount)
}

func TestOkForCompute(t *testing.T) {
	assert.True(t, OkForCompute(models.HistoryOK, models.MarketOpen, models.StateOK))
	assert.False(t, OkForCompute(models.HistoryStaleTail, models.MarketOpen, models.StateOK))
	assert.True(t, OkForCompute(models.HistoryStaleTail, models.MarketClosed, models.StateOK))
	assert.True(t, OkForCompute(models.HistoryStaleTail, models.MarketOpen, models.StateDelayed))
	assert.False(t, OkForCompute(models.HistoryGappyTail, models.MarketClosed, models.StateOK))
}
