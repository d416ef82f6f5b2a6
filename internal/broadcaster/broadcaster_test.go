package broadcaster

import (
	"encoding/json"
	"testing"

	"github.com/ai-one/smc-viewer/internal/metrics"
	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/ai-one/smc-viewer/internal/viewerstate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroadcaster() *Broadcaster {
	cfg := Config{
		SmcStateChannel:   "test:smc_state",
		SmcSnapshotKey:    "test:smc_snapshot",
		ViewerChannel:     "test:viewer",
		ViewerSnapshotKey: "test:viewer_snapshot",
	}
	return New(cfg, viewerstate.DefaultConfig(), zerolog.Nop(), metrics.New())
}

func envelopeJSON(t *testing.T, assets []models.AssetState, fxcm any) []byte {
	t.Helper()
	env := map[string]any{
		"meta":   map[string]any{"cycle_seq": 1},
		"assets": assets,
	}
	if fxcm != nil {
		env["fxcm"] = fxcm
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func TestProcessPayload_BuildsOneViewerStatePerAsset(t *testing.T) {
	b := newTestBroadcaster()
	raw := envelopeJSON(t, []models.AssetState{
		{Symbol: "eurusd", SmcHint: &models.Hint{Structure: map[string]any{"trend": "up"}}},
		{Symbol: "GBPUSD", SmcHint: &models.Hint{Structure: map[string]any{"trend": "down"}}},
	}, nil)

	states, ok := b.processPayload(raw)
	require.True(t, ok)
	require.Len(t, states, 2)
	assert.Contains(t, states, "EURUSD", "symbols must be normalised to upper case")
	assert.Contains(t, states, "GBPUSD")
}

func TestProcessPayload_BadAssetDoesNotAbortWholeBatch(t *testing.T) {
	b := newTestBroadcaster()
	raw := envelopeJSON(t, []models.AssetState{
		{Symbol: "", SmcHint: &models.Hint{}},
		{Symbol: "EURUSD", SmcHint: &models.Hint{Structure: map[string]any{"trend": "up"}}},
	}, nil)

	states, ok := b.processPayload(raw)
	require.True(t, ok)
	assert.Len(t, states, 1, "the symbol-less asset must be skipped, not abort the batch")
	assert.Contains(t, states, "EURUSD")
}

// FXCM session-override scenario: a later envelope carrying a fresh fxcm
// block overrides the per-symbol cache even when that particular cycle's
// asset list doesn't repeat it, and subsequent empty-fxcm cycles keep using
// the cached value rather than reverting to nil.
func TestProcessPayload_FxcmBlockPersistsAcrossCyclesViaCache(t *testing.T) {
	b := newTestBroadcaster()
	fxcm := map[string]any{"market_state": "closed", "session": "NY_CLOSE"}
	raw1 := envelopeJSON(t, []models.AssetState{
		{Symbol: "EURUSD", SmcHint: &models.Hint{Structure: map[string]any{"trend": "up"}}},
	}, fxcm)
	states1, ok := b.processPayload(raw1)
	require.True(t, ok)
	require.Contains(t, states1, "EURUSD")

	raw2 := envelopeJSON(t, []models.AssetState{
		{Symbol: "EURUSD", SmcHint: &models.Hint{Structure: map[string]any{"trend": "up"}}},
	}, nil)
	states2, ok := b.processPayload(raw2)
	require.True(t, ok)
	vs := states2["EURUSD"]
	assert.NotNil(t, vs.Fxcm, "cached fxcm meta must persist once set, even on a cycle that omits it")
}

// Applying the same payload twice must be idempotent: the second apply
// produces the same set of symbols and does not duplicate snapshot entries.
func TestProcessPayload_DoubleApplyIsIdempotent(t *testing.T) {
	b := newTestBroadcaster()
	raw := envelopeJSON(t, []models.AssetState{
		{Symbol: "EURUSD", SmcHint: &models.Hint{Structure: map[string]any{"trend": "up"}}},
	}, nil)

	_, ok1 := b.processPayload(raw)
	require.True(t, ok1)
	firstLen := len(b.Snapshot())

	_, ok2 := b.processPayload(raw)
	require.True(t, ok2)
	assert.Len(t, b.Snapshot(), firstLen)
}

func TestProcessPayload_InvalidJSONReturnsFalse(t *testing.T) {
	b := newTestBroadcaster()
	_, ok := b.processPayload([]byte("{not json"))
	assert.False(t, ok)
}
