package viewerstate

import (
	"testing"

	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zone(id string, min, max float64) map[string]any {
	return map[string]any{
		"zone_id":   id,
		"zone_type": "OB",
		"direction": "LONG",
		"role":      "demand",
		"timeframe": "5m",
		"price_min": min,
		"price_max": max,
	}
}

func TestBuild_RendersGivenStructureWithoutDroppingFields(t *testing.T) {
	// viewerstate itself is a pure transform of whatever AssetState it is
	// handed; gated-empty preservation happens one layer up in the producer
	// (preserveIfGated) before Build ever sees the merged hint. Here we just
	// confirm Build renders whatever structure it is given without dropping
	// fields.
	cache := models.NewViewerStateCache()
	asset := models.AssetState{
		Symbol: "EURUSD",
		SmcHint: &models.Hint{
			Structure: map[string]any{"trend": "up", "events": []any{}},
		},
	}
	vs := Build(asset, cache, DefaultConfig())
	structure := vs.Structure.(map[string]any)
	assert.Equal(t, "up", structure["trend"])
}

func TestBuild_NewbornZoneSuppressedUntilMinCloseSteps(t *testing.T) {
	cache := models.NewViewerStateCache()
	cfg := DefaultConfig()
	cfg.MinCloseStepsZones = 2

	asset := models.AssetState{
		Symbol: "EURUSD",
		SmcHint: &models.Hint{
			Meta:  models.HintMeta{ComputeKind: "close"},
			Zones: map[string]any{"zones": []any{zone("z1", 1.1, 1.2)}},
		},
	}

	vs1 := Build(asset, cache, cfg)
	require.NotNil(t, vs1.Zones)
	assert.Empty(t, vs1.Zones.Zones, "zone born this cycle must not show yet")

	vs2 := Build(asset, cache, cfg)
	assert.Empty(t, vs2.Zones.Zones, "age 1 is still below MinCloseStepsZones=2")

	vs3 := Build(asset, cache, cfg)
	require.Len(t, vs3.Zones.Zones, 1, "age 2 clears the gate")
}

func TestBuild_PreviewNeverPromotesZoneToBorn(t *testing.T) {
	cache := models.NewViewerStateCache()
	cfg := DefaultConfig()
	cfg.MinCloseStepsZones = 1

	asset := models.AssetState{
		Symbol: "EURUSD",
		SmcHint: &models.Hint{
			Meta:  models.HintMeta{ComputeKind: "preview"},
			Zones: map[string]any{"zones": []any{zone("z1", 1.1, 1.2)}},
		},
	}
	vs := Build(asset, cache, cfg)
	assert.Empty(t, vs.Zones.Zones)
	_, seen := cache.BornStepByKey["zid:z1"]
	assert.False(t, seen, "preview sightings must not be recorded as born")
}

func TestMergeZones_HighIoUZonesCollapseIntoOneBand(t *testing.T) {
	zones := map[string]any{
		"zones": []any{
			zone("a", 1.100, 1.200),
			zone("b", 1.105, 1.205),
		},
	}
	cfg := DefaultConfig()
	cfg.ZoneMergeIoU = 0.5

	out, meta := mergeZones(zones, cfg)
	require.Len(t, out, 1)
	assert.Equal(t, 2, meta.TruthCount)
	assert.Equal(t, 1, meta.ShownCount)
	assert.Equal(t, 1, meta.MergedClustersCount)
	assert.Equal(t, 1, meta.MergedAwayCount)
	assert.Equal(t, 2, meta.MaxStack)
}

func TestMergeZones_LowIoUZonesStaySeparate(t *testing.T) {
	zones := map[string]any{
		"zones": []any{
			zone("a", 1.100, 1.110),
			zone("b", 1.500, 1.510),
		},
	}
	cfg := DefaultConfig()
	cfg.ZoneMergeIoU = 0.5

	out, meta := mergeZones(zones, cfg)
	assert.Len(t, out, 2)
	assert.Equal(t, 0, meta.MergedClustersCount)
}

func TestMergeZones_MissingBoundsAreFilteredAndCounted(t *testing.T) {
	zones := map[string]any{
		"zones": []any{
			map[string]any{"zone_id": "a", "zone_type": "OB", "direction": "LONG", "role": "demand", "timeframe": "5m"},
		},
	}
	_, meta := mergeZones(zones, DefaultConfig())
	assert.Equal(t, 1, meta.FilteredMissingBoundsCount)
	assert.Equal(t, 0, meta.ShownCount)
}

func TestBuild_EventsBackfillFromCacheWhenFreshIsEmpty(t *testing.T) {
	cache := models.NewViewerStateCache()
	withEvents := models.AssetState{
		Symbol: "EURUSD",
		SmcHint: &models.Hint{
			Structure: map[string]any{"events": []any{map[string]any{"kind": "bos"}}},
		},
	}
	vs1 := Build(withEvents, cache, DefaultConfig())
	structure1 := vs1.Structure.(map[string]any)
	assert.Len(t, structure1["events"], 1)

	empty := models.AssetState{
		Symbol: "EURUSD",
		SmcHint: &models.Hint{
			Structure: map[string]any{"events": []any{}},
		},
	}
	vs2 := Build(empty, cache, DefaultConfig())
	structure2 := vs2.Structure.(map[string]any)
	assert.Len(t, structure2["events"], 1, "empty cycle must reuse last non-empty events")
}

func pool(level, strength, touches float64) map[string]any {
	return map[string]any{
		"liq_type":  "EQH",
		"role":      "target",
		"level":     level,
		"strength":  strength,
		"n_touches": touches,
	}
}

func TestSelectPools_CapEvictedPoolStaysHiddenWithinTTL(t *testing.T) {
	cache := models.NewViewerStateCache()
	cfg := DefaultConfig()
	cfg.MaxPools = 1
	cfg.MinCloseStepsPools = 0
	cfg.HiddenTTLSteps = 3

	truthRound1 := []map[string]any{pool(1.10, 10, 0), pool(1.20, 5, 0)}
	shown, meta := selectPools(truthRound1, cache, false, cfg, 1)
	require.Len(t, shown, 1)
	assert.Equal(t, 2, meta.TruthCount)

	// Round 2: the weaker pool's strength overtakes, bumping the first out
	// of the visible cap — it should be tracked as hidden, not vanish.
	truthRound2 := []map[string]any{pool(1.10, 10, 0), pool(1.20, 20, 0)}
	_, meta2 := selectPools(truthRound2, cache, false, cfg, 2)
	assert.Equal(t, 1, meta2.HiddenCount)
}

func TestQuantize_FormatsTwoDecimalPlaces(t *testing.T) {
	assert.Equal(t, "1.23", quantize(1.234, true))
	assert.Equal(t, "-", quantize(0, false))
}

func TestZoneKey_PrefersExplicitZoneID(t *testing.T) {
	z := zone("abc", 1.1, 1.2)
	assert.Equal(t, "zid:abc", zoneKey(z))
}

func TestBuild_PopulatesPriceFromStatsCurrentPrice(t *testing.T) {
	cache := models.NewViewerStateCache()
	asset := models.AssetState{
		Symbol: "EURUSD",
		Stats:  map[string]any{"current_price": 1.2345, "session_tag": "LONDON"},
	}
	vs := Build(asset, cache, DefaultConfig())
	require.NotNil(t, vs.Price)
	assert.Equal(t, 1.2345, *vs.Price)
	assert.Equal(t, "LONDON", vs.Session)
}

func TestBuild_PriceNilWhenNoCandidateStatPresent(t *testing.T) {
	cache := models.NewViewerStateCache()
	asset := models.AssetState{Symbol: "EURUSD", Stats: map[string]any{}}
	vs := Build(asset, cache, DefaultConfig())
	assert.Nil(t, vs.Price)
	assert.Empty(t, vs.Session)
}

func TestResolveSession_FallsBackToFxcmMetaWhenStatsEmpty(t *testing.T) {
	session := resolveSession(nil, map[string]any{"session": "NY_CLOSE"})
	assert.Equal(t, "NY_CLOSE", session)
}

func TestExtractPrice_PrefersCurrentPriceOverLivePriceMid(t *testing.T) {
	stats := map[string]any{"current_price": 1.5, "live_price_mid": 1.6}
	price := extractPrice(stats)
	require.NotNil(t, price)
	assert.Equal(t, 1.5, *price)
}

func TestPoolKey_WickClusterUsesClusterID(t *testing.T) {
	p := map[string]any{
		"liq_type": "WICK_CLUSTER",
		"role":     "target",
		"meta":     map[string]any{"cluster_id": "c1", "side": "ask"},
	}
	assert.Equal(t, "p:WICK_CLUSTER:target:ask:cid:c1", poolKey(p))
}
