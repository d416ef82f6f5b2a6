// Package viewerstate implements C8: the pure per-symbol transform from an
// AssetState (producer output) into the UI-facing ViewerState, stabilised
// across cycles by a per-symbol cache the broadcaster owns.
//
// Grounded on original_source/UI_v2/viewer_state_builder.py: size-bounded
// list simplification, close_step accounting (build_viewer_state's
// `cache.close_step += 1` on non-preview cycles), `_zone_key`/`_pool_key`
// content-addressable identity, `_filter_newborn_zones`/`_filter_newborn_pools`
// born-step suppression, and `_persist_events`/`_persist_zones` backfill
// stability. IoU zone-merging and pool hidden-TTL/touched-while-hidden
// tracking are not present in that file — both are newly authored here over
// the same cache shape, per SPEC_FULL.md §4.8 steps 5-6.
package viewerstate

import (
	"math"
	"sort"

	"github.com/ai-one/smc-viewer/internal/models"
)

// Config carries the size bounds and thresholds from SPEC_FULL.md §4.8.
type Config struct {
	MaxEvents          int
	MaxLegs            int
	MaxSwings          int
	MaxRanges          int
	MaxOteZones        int
	MaxPools           int
	MaxExecutionEvents int

	MinCloseStepsZones int
	MinCloseStepsPools int

	ZoneMergeIoU   float64
	HiddenTTLSteps int
}

// DefaultConfig returns the SPEC_FULL.md §4.8 defaults.
func DefaultConfig() Config {
	return Config{
		MaxEvents: 20, MaxLegs: 6, MaxSwings: 6, MaxRanges: 5,
		MaxOteZones: 6, MaxPools: 8, MaxExecutionEvents: 12,
		MinCloseStepsZones: 1, MinCloseStepsPools: 2,
		ZoneMergeIoU: 0.4, HiddenTTLSteps: 5,
	}
}

// Build derives a ViewerState for one asset, mutating cache in place
// (close_step, born-step ledger, shown/hidden pool bookkeeping).
func Build(asset models.AssetState, cache *models.ViewerStateCache, cfg Config) models.ViewerState {
	hint := asset.SmcHint
	meta := map[string]any{}
	computeKind := ""
	var gates []string
	if hint != nil {
		computeKind = hint.Meta.ComputeKind
		gates = hint.Meta.Gates
		meta["tf_effective"] = hint.Meta.TfEffective
		meta["tf_health"] = hint.Meta.TfHealth
		meta["history_state"] = hint.Meta.HistoryState
		meta["bars_5m"] = hint.Meta.Bars5m
	}
	isPreview := computeKind == "preview"

	if !isPreview {
		cache.CloseStep++
	}
	closeStep := cache.CloseStep

	structure := asMap(fieldOf(hint, "structure"))
	liquidity := asMap(fieldOf(hint, "liquidity"))
	zonesRaw := asMap(fieldOf(hint, "zones"))
	execution := asMap(fieldOf(hint, "execution"))

	events := truncateMaps(asMapList(structure["events"]), cfg.MaxEvents)
	events = persistEvents(events, cache)

	execEvents := truncateMaps(asMapList(execution["execution_events"]), cfg.MaxExecutionEvents)
	execEvents = persistExecutionEvents(execEvents, cache)

	zonesFiltered := filterNewbornZones(zonesRaw, cache, isPreview, cfg.MinCloseStepsZones, closeStep)
	zonesFiltered = persistZones(zonesFiltered, cache)

	zonesView, zonesMeta := mergeZones(zonesFiltered, cfg)

	poolsTruth := asMapList(liquidity["pools"])
	poolsView, poolsMeta := selectPools(poolsTruth, cache, isPreview, cfg, closeStep)

	fxcmMeta := persistFxcmMeta(fieldOf(hint, "fxcm"), cache)

	scenario := map[string]any{}
	if asset.Stats != nil {
		for _, key := range []string{
			"scenario_id", "scenario_confidence", "scenario_raw_id",
			"scenario_raw_confidence", "scenario_raw_confidence_base",
			"scenario_pending_id", "scenario_pending_count",
			"scenario_flip", "scenario_micro_ok",
		} {
			if v, ok := asset.Stats[key]; ok {
				scenario[key] = v
			}
		}
	}

	pipelineLocal := &models.PipelineLocal{}
	if asset.Stats != nil {
		if v, ok := asset.Stats["pipeline_state_local"].(string); ok {
			pipelineLocal.State = v
		}
		if v, ok := asInt(asset.Stats["pipeline_ready_bars"]); ok {
			pipelineLocal.ReadyBars = v
		}
		if v, ok := asInt(asset.Stats["pipeline_required_bars"]); ok {
			pipelineLocal.RequiredBars = v
		}
		if v, ok := asInt(asset.Stats["pipeline_required_bars_min"]); ok {
			pipelineLocal.RequiredBarsMin = v
		}
		if v, ok := asset.Stats["pipeline_ready_ratio"].(float64); ok {
			pipelineLocal.ReadyRatio = v
		}
	}

	price := extractPrice(asset.Stats)
	session := resolveSession(asset.Stats, fxcmMeta)

	meta["gates"] = gates
	meta["events"] = events

	structureOut := structure
	if structureOut == nil {
		structureOut = map[string]any{}
	}
	structureOut["events"] = events
	structureOut["legs"] = truncateList(structure["legs"], cfg.MaxLegs)
	structureOut["swings"] = truncateList(structure["swings"], cfg.MaxSwings)
	structureOut["ranges"] = truncateList(structure["ranges"], cfg.MaxRanges)
	structureOut["ote_zones"] = truncateList(structure["ote_zones"], cfg.MaxOteZones)

	executionOut := map[string]any{"execution_events": execEvents}

	return models.ViewerState{
		Schema:    models.ViewerStateSchemaVersion,
		Symbol:    asset.Symbol,
		Price:     price,
		Session:   session,
		Structure: structureOut,
		Liquidity: &models.LiquidityView{Pools: poolsView, PoolsMeta: poolsMeta},
		Zones:     &models.ZonesView{Zones: zonesView, ZonesMeta: zonesMeta},
		Execution: executionOut,
		Fxcm:      fxcmMeta,
		Meta:      meta,
		PipelineLocal: pipelineLocal,
		Scenario:  scenario,
	}
}

// extractPrice mirrors viewer_state_builder.py's _extract_price fallback
// order, collapsed to the stats fields C6 actually populates (AssetState
// carries no top-level price field of its own): current_price (tick-mid or
// last close), then the raw tick mid, then a previously-cached last_price.
func extractPrice(stats map[string]any) *float64 {
	for _, key := range []string{"current_price", "live_price_mid", "last_price"} {
		if f, ok := asFloatKey(stats[key]); ok {
			return &f
		}
	}
	return nil
}

// resolveSession mirrors _resolve_session: stats.session_tag, then
// stats.session, then the broker-wide fxcm meta's session fields — the
// closest Go equivalent of the original's asset.session/session_tag, since
// AssetState keeps no per-asset session field of its own.
func resolveSession(stats map[string]any, fxcmMeta any) string {
	if v, ok := stats["session_tag"].(string); ok && v != "" {
		return v
	}
	if v, ok := stats["session"].(string); ok && v != "" {
		return v
	}
	meta := asMap(fxcmMeta)
	if v, ok := meta["session"].(string); ok && v != "" {
		return v
	}
	if v, ok := meta["session_tag"].(string); ok && v != "" {
		return v
	}
	return ""
}

func fieldOf(hint *models.Hint, name string) any {
	if hint == nil {
		return nil
	}
	switch name {
	case "structure":
		return hint.Structure
	case "liquidity":
		return hint.Liquidity
	case "zones":
		return hint.Zones
	case "execution":
		return hint.Execution
	case "fxcm":
		return nil
	default:
		return nil
	}
}

func asMap(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return m
}

func asMapList(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func truncateMaps(list []map[string]any, max int) []map[string]any {
	if max <= 0 || len(list) <= max {
		return list
	}
	return list[:max]
}

func truncateList(v any, max int) []any {
	list, ok := v.([]any)
	if !ok {
		return []any{}
	}
	if max <= 0 || len(list) <= max {
		return list
	}
	return list[:max]
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func asFloatKey(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

// persistEvents backfills an empty events list from the cache so the UI
// never flashes empty between cycles that legitimately carry no events.
func persistEvents(events []map[string]any, cache *models.ViewerStateCache) []map[string]any {
	if len(events) > 0 {
		cache.LastEvents = toAnySlice(events)
		return events
	}
	if len(cache.LastEvents) > 0 {
		return asMapList(cache.LastEvents)
	}
	return []map[string]any{}
}

func persistExecutionEvents(events []map[string]any, cache *models.ViewerStateCache) []map[string]any {
	if len(events) > 0 {
		cache.LastExecutionEvents = toAnySlice(events)
		return events
	}
	if len(cache.LastExecutionEvents) > 0 {
		return asMapList(cache.LastExecutionEvents)
	}
	return []map[string]any{}
}

func persistZones(zones map[string]any, cache *models.ViewerStateCache) map[string]any {
	if len(zones) > 0 {
		cache.LastZonesRaw = zones
		return zones
	}
	if last, ok := cache.LastZonesRaw.(map[string]any); ok && len(last) > 0 {
		return last
	}
	return zones
}

func persistFxcmMeta(fxcm any, cache *models.ViewerStateCache) any {
	if fxcm != nil {
		cache.LastFxcmMeta = fxcm
		return fxcm
	}
	if cache.LastFxcmMeta != nil {
		return cache.LastFxcmMeta
	}
	return nil
}

func toAnySlice(list []map[string]any) []any {
	out := make([]any, len(list))
	for i, m := range list {
		out[i] = m
	}
	return out
}

// zoneKey mirrors viewer_state_builder.py's _zone_key: zone_id wins, else a
// content-addressable key of (type, direction, role, tf, roundedBounds).
func zoneKey(z map[string]any) string {
	if zid, ok := z["zone_id"].(string); ok && zid != "" {
		return "zid:" + zid
	}
	zt := firstString(z["zone_type"], z["kind"], z["type"])
	direction := firstString(z["direction"])
	role := firstString(z["role"])
	tf := firstString(z["timeframe"], z["tf"])
	pmin, pminOk := asFloatKey(z["price_min"])
	pmax, pmaxOk := asFloatKey(z["price_max"])
	return "z:" + zt + ":" + direction + ":" + role + ":" + tf + ":" + quantize(pmin, pminOk) + ":" + quantize(pmax, pmaxOk)
}

// poolKey mirrors _pool_key: WICK_CLUSTER pools key off cluster_id, others
// off (liq_type, role, side, level).
func poolKey(p map[string]any) string {
	liqType := firstString(p["liq_type"], p["type"])
	role := firstString(p["role"])
	metaMap := asMap(p["meta"])
	side := firstString(metaMap["side"])
	if upperEq(liqType, "WICK_CLUSTER") {
		if cid, ok := metaMap["cluster_id"].(string); ok && cid != "" {
			return "p:" + liqType + ":" + role + ":" + side + ":cid:" + cid
		}
	}
	lvl, lvlOk := asFloatKey(p["level"])
	if !lvlOk {
		lvl, lvlOk = asFloatKey(p["price"])
	}
	return "p:" + liqType + ":" + role + ":" + side + ":" + quantize(lvl, lvlOk)
}

func firstString(vals ...any) string {
	for _, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "-"
}

func upperEq(s, want string) bool {
	if len(s) != len(want) {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c != want[i] {
			return false
		}
	}
	return true
}

func quantize(v float64, ok bool) string {
	if !ok {
		return "-"
	}
	return floatToFixed(v, 2)
}

func floatToFixed(v float64, decimals int) string {
	scale := math.Pow(10, float64(decimals))
	rounded := math.Round(v*scale) / scale
	return trimZero(rounded)
}

func trimZero(v float64) string {
	// minimal fixed-point formatter avoiding strconv import churn across the file
	neg := v < 0
	if neg {
		v = -v
	}
	whole := int64(v)
	frac := int64(math.Round((v - float64(whole)) * 100))
	s := itoa(whole) + "." + pad2(frac)
	if neg {
		s = "-" + s
	}
	return s
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func pad2(v int64) string {
	if v < 0 {
		v = -v
	}
	if v < 10 {
		return "0" + itoa(v)
	}
	return itoa(v)
}

// filterNewbornZones drops zones seen for the first time on a preview
// cycle, and holds back zones younger than MinCloseStepsZones close-steps.
func filterNewbornZones(zones map[string]any, cache *models.ViewerStateCache, isPreview bool, minSteps int, closeStep int64) map[string]any {
	if minSteps <= 0 {
		return zones
	}
	out := make(map[string]any, len(zones))
	for k, v := range zones {
		out[k] = v
	}
	for _, listKey := range []string{"zones", "active_zones", "poi_zones", "breaker_zones", "breaker_active_zones"} {
		raw, ok := zones[listKey].([]any)
		if !ok {
			continue
		}
		kept := make([]any, 0, len(raw))
		for _, item := range raw {
			z, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if keepByBornStep(zoneKey(z), cache, isPreview, minSteps, closeStep) {
				kept = append(kept, z)
			}
		}
		out[listKey] = kept
	}
	return out
}

func keepByBornStep(key string, cache *models.ViewerStateCache, isPreview bool, minSteps int, closeStep int64) bool {
	born, seen := cache.BornStepByKey[key]
	if !seen {
		if isPreview {
			return false
		}
		cache.BornStepByKey[key] = closeStep
		born = closeStep
	}
	return closeStep-born >= int64(minSteps)
}

// mergeZones groups filtered zones by (type, direction, role, tf) and
// merges same-group intervals whose IoU clears the configured threshold
// into one canonical band, per SPEC_FULL.md §4.8 step 5.
func mergeZones(zones map[string]any, cfg Config) ([]any, *models.ZonesMeta) {
	var all []map[string]any
	for _, listKey := range []string{"zones", "active_zones", "poi_zones", "breaker_zones", "breaker_active_zones"} {
		all = append(all, asMapList(zones[listKey])...)
	}

	meta := &models.ZonesMeta{TruthCount: len(all)}

	type band struct {
		min, max float64
		zone     map[string]any
		stack    int
	}
	groups := make(map[string][]*band)

	for _, z := range all {
		pmin, okMin := asFloatKey(z["price_min"])
		pmax, okMax := asFloatKey(z["price_max"])
		if !okMin || !okMax {
			meta.FilteredMissingBoundsCount++
			continue
		}
		groupKey := firstString(z["zone_type"], z["kind"], z["type"]) + "|" + firstString(z["direction"]) + "|" + firstString(z["role"]) + "|" + firstString(z["timeframe"], z["tf"])
		merged := false
		for _, b := range groups[groupKey] {
			if iou1D(pmin, pmax, b.min, b.max) >= cfg.ZoneMergeIoU {
				if pmin < b.min {
					b.min = pmin
				}
				if pmax > b.max {
					b.max = pmax
				}
				b.stack++
				merged = true
				break
			}
		}
		if !merged {
			groups[groupKey] = append(groups[groupKey], &band{min: pmin, max: pmax, zone: z, stack: 1})
		}
	}

	var out []any
	mergedClusters := 0
	mergedAway := 0
	maxStack := 0
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, b := range groups[k] {
			canonical := make(map[string]any, len(b.zone)+3)
			for fk, fv := range b.zone {
				canonical[fk] = fv
			}
			canonical["price_min"] = b.min
			canonical["price_max"] = b.max
			canonical["stack"] = b.stack
			out = append(out, canonical)
			if b.stack > 1 {
				mergedClusters++
				mergedAway += b.stack - 1
			}
			if b.stack > maxStack {
				maxStack = b.stack
			}
		}
	}

	meta.ShownCount = len(out)
	meta.MergedClustersCount = mergedClusters
	meta.MergedAwayCount = mergedAway
	meta.MaxStack = maxStack
	return out, meta
}

func iou1D(aMin, aMax, bMin, bMax float64) float64 {
	lo := math.Max(aMin, bMin)
	hi := math.Min(aMax, bMax)
	inter := hi - lo
	if inter < 0 {
		inter = 0
	}
	union := math.Max(aMax, bMax) - math.Min(aMin, bMin)
	if union <= 0 {
		return 0
	}
	return inter / union
}

// selectPools ranks the truth set by (strength desc, n_touches desc, key
// asc), keeps the top MaxPools, and tracks cap-evicted pools through a
// bounded hidden-TTL window so a brief rank wobble doesn't vanish a pool the
// user was just looking at.
func selectPools(truth []map[string]any, cache *models.ViewerStateCache, isPreview bool, cfg Config, closeStep int64) ([]any, *models.PoolsMeta) {
	meta := &models.PoolsMeta{TruthCount: len(truth), HiddenReasons: map[string]int{}, TouchedWhileHiddenReasons: map[string]int{}}

	type ranked struct {
		key    string
		pool   map[string]any
		touches float64
	}
	entries := make([]ranked, 0, len(truth))
	for _, p := range truth {
		entries = append(entries, ranked{key: poolKey(p), pool: p, touches: firstFloat(p["n_touches"], asMap(p["meta"])["n_touches"])})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		si := firstFloat(entries[i].pool["strength"])
		sj := firstFloat(entries[j].pool["strength"])
		if si != sj {
			return si > sj
		}
		if entries[i].touches != entries[j].touches {
			return entries[i].touches > entries[j].touches
		}
		return entries[i].key < entries[j].key
	})

	maxPools := cfg.MaxPools
	if maxPools <= 0 {
		maxPools = len(entries)
	}

	shownSet := make(map[string]bool, maxPools)
	var shown []any
	for i, e := range entries {
		if i >= maxPools {
			break
		}
		if cfg.MinCloseStepsPools > 0 && !keepByBornStep(e.key, cache, isPreview, cfg.MinCloseStepsPools, closeStep) {
			continue
		}
		shown = append(shown, e.pool)
		shownSet[e.key] = true
		delete(cache.HiddenPools, e.key)
	}

	truthByKey := make(map[string]ranked, len(entries))
	for _, e := range entries {
		truthByKey[e.key] = e
	}

	for key := range cache.ShownPoolKeys {
		if shownSet[key] {
			continue
		}
		if _, stillTruth := truthByKey[key]; !stillTruth {
			delete(cache.HiddenPools, key)
			continue
		}
		if _, hidden := cache.HiddenPools[key]; !hidden {
			cache.HiddenPools[key] = &models.HiddenEntry{Reason: "evicted_cap", HiddenSinceStep: closeStep}
		}
	}

	for key, h := range cache.HiddenPools {
		if closeStep-h.HiddenSinceStep >= int64(cfg.HiddenTTLSteps) {
			delete(cache.HiddenPools, key)
			continue
		}
		meta.HiddenCount++
		meta.HiddenReasons[h.Reason]++
		if e, ok := truthByKey[key]; ok && e.touches > 0 {
			h.TouchedWhileHidden++
			meta.TouchedWhileHiddenCount++
			meta.TouchedWhileHiddenReasons[h.Reason]++
		}
	}

	cache.ShownPoolKeys = shownSet
	meta.ShownCount = len(shown)
	return shown, meta
}

func firstFloat(vals ...any) float64 {
	for _, v := range vals {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}
