// Package producer implements C6: the periodic scheduler that turns stored
// OHLCV tails into per-symbol analytic hints, runs them through the C7
// anti-flip gate, and publishes one batched envelope per cycle.
//
// Grounded on original_source/app/smc_producer.py: _apply_fast_symbols_update
// (add/pause-don't-delete), _history_ok_for_compute (stale-tail-on-weekend
// allowance), _preserve_previous_hint_if_gated (gated-empty preservation),
// _select_symbols_for_cycle (scheduler v0 slice), _classify_pipeline_state_local
// (COLD/WARMUP/LIVE), and _should_run_smc_cycle_by_fxcm_status (superseded
// here by internal/feedstate.Tracker.ShouldRunSmcCycle, C1's authoritative
// version of the same gate).
package producer

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ai-one/smc-viewer/internal/config"
	"github.com/ai-one/smc-viewer/internal/control"
	"github.com/ai-one/smc-viewer/internal/feedstate"
	"github.com/ai-one/smc-viewer/internal/history"
	"github.com/ai-one/smc-viewer/internal/metrics"
	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/ai-one/smc-viewer/internal/stage6"
	"github.com/ai-one/smc-viewer/internal/store"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Pipeline-local lifecycle states (UI-facing only).
const (
	PipelineCold   = "COLD"
	PipelineWarmup = "WARMUP"
	PipelineLive   = "LIVE"
)

// Engine is the boundary to the analytic core this module never implements
// (spec Non-goal): it turns an OHLCV tail into a Hint.
type Engine interface {
	Compute(ctx context.Context, symbol, tf string, tail []models.Bar) (*models.Hint, error)
}

// FastSymbolsFunc resolves the live fast-symbols membership list each cycle.
type FastSymbolsFunc func(ctx context.Context) []string

// Scheduler is the long-lived C6 cycle loop.
type Scheduler struct {
	cfg         config.Config
	store       store.Store
	feed        *feedstate.Tracker
	engine      Engine
	fastSymbols FastSymbolsFunc
	logger      zerolog.Logger
	metrics     *metrics.Registry
	control     *control.NATSControlBus

	mu        sync.RWMutex
	assets    map[string]*models.AssetState
	fsm       map[string]stage6.State
	fastMembers map[string]bool
	cycleSeq  int64
}

// New builds a Scheduler with an empty asset map.
func New(cfg config.Config, st store.Store, feed *feedstate.Tracker, engine Engine, fastSymbols FastSymbolsFunc, logger zerolog.Logger, reg *metrics.Registry, ctrl *control.NATSControlBus) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		store:       st,
		feed:        feed,
		engine:      engine,
		fastSymbols: fastSymbols,
		logger:      logger.With().Str("component", "producer").Logger(),
		metrics:     reg,
		control:     ctrl,
		assets:      make(map[string]*models.AssetState),
		fsm:         make(map[string]stage6.State),
		fastMembers: make(map[string]bool),
	}
}

// Run ticks every SmcRefreshInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, rdb *goredis.Client) {
	interval := s.cfg.SmcRefreshInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx, rdb)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	s.cycleSeq++
	seq := s.cycleSeq

	s.refreshFastSymbols(ctx)

	nowMs := start.UnixMilli()
	decision := s.feed.ShouldRunSmcCycle(nowMs)
	if !decision.Run {
		s.publishIdle(ctx, rdb, seq, decision.Reason, start)
		return
	}

	tf := s.cfg.DefaultTimeframe
	targetBars := s.cfg.DefaultLookback
	minBars := int(float64(targetBars) * s.cfg.MinReadyPct)
	if minBars < 1 {
		minBars = 1
	}

	symbols := s.symbolSnapshot()
	readyTarget := make([]string, 0, len(symbols))
	readyMin := make([]string, 0, len(symbols))
	barsBySymbol := make(map[string]int, len(symbols))

	for _, sym := range symbols {
		tail, err := s.store.Tail(ctx, sym, tf, targetBars)
		if err != nil {
			tail = nil
		}
		barsBySymbol[sym] = len(tail)

		tfMs := tfMillis(tf)
		s2 := history.Classify(tail, history.Config{
			MinHistoryBars: minBars,
			StaleK:         s.cfg.SmcS2StaleK,
			TfMs:           tfMs,
		}, nowMs)

		feedSnap := s.feed.Snapshot()
		okForCompute := history.OkForCompute(s2.State, feedSnap.MarketState, feedSnap.OhlcvState)
		if !okForCompute {
			continue
		}
		if len(tail) >= targetBars {
			readyTarget = append(readyTarget, sym)
		} else if len(tail) >= minBars {
			readyMin = append(readyMin, sym)
		}
	}

	sort.Strings(readyTarget)
	sort.Strings(readyMin)
	ready := append(append([]string(nil), readyTarget...), readyMin...)

	selected, skipped := selectSymbolsForCycle(ready, s.cfg.SmcMaxAssetsPerCycle)

	s.processBatches(ctx, selected, tf, targetBars, nowMs)
	s.applyLocalPipelineStats(barsBySymbol, minBars, targetBars)

	dur := time.Since(start)
	if s.metrics != nil {
		s.metrics.CycleSeq.Inc()
		s.metrics.CycleDurationMs.Observe(float64(dur.Milliseconds()))
		s.metrics.CycleSkippedAssets.Set(float64(len(skipped)))
	}

	pipelineState := classifyPipelineState(len(readyMin)+len(readyTarget), len(readyTarget), len(symbols))
	s.publishEnvelope(ctx, rdb, seq, start, dur, pipelineState, len(selected), len(skipped))

	if s.control != nil {
		s.control.Publish(ctx, models.ControlEvent{Kind: "cycle_complete", Detail: pipelineState, Ts: time.Now()})
	}
}

func (s *Scheduler) symbolSnapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.assets))
	for sym := range s.assets {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// refreshFastSymbols implements the add/pause-don't-delete policy: symbols
// newly present get init_asset; symbols that dropped out are marked
// SMC_PAUSED but keep their last known smc_hint and Stage6 state.
func (s *Scheduler) refreshFastSymbols(ctx context.Context) {
	if s.fastSymbols == nil {
		return
	}
	fresh := s.fastSymbols(ctx)
	if fresh == nil {
		return
	}
	freshSet := make(map[string]bool, len(fresh))
	for _, sym := range fresh {
		freshSet[upper(sym)] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for sym := range freshSet {
		if !s.fastMembers[sym] {
			if _, ok := s.assets[sym]; !ok {
				s.assets[sym] = &models.AssetState{
					Symbol:      sym,
					State:       models.AssetInit,
					Signal:      "SMC_NONE",
					Hints:       []string{"waiting for SMC data..."},
					Stats:       map[string]any{},
					LastUpdated: time.Now(),
				}
			} else {
				s.assets[sym].Stats["smc_fast_list_member"] = true
			}
		}
	}
	for sym := range s.fastMembers {
		if !freshSet[sym] {
			if asset, ok := s.assets[sym]; ok {
				asset.Signal = "SMC_PAUSED"
				asset.Hints = []string{"symbol temporarily absent from fast_symbols (state preserved)"}
				if asset.Stats == nil {
					asset.Stats = map[string]any{}
				}
				asset.Stats["smc_fast_list_member"] = false
				asset.LastUpdated = time.Now()
			}
		}
	}
	s.fastMembers = freshSet
}

func (s *Scheduler) processBatches(ctx context.Context, selected []string, tf string, targetBars int, nowMs int64) {
	batchSize := s.cfg.SmcBatchSize
	if batchSize <= 0 {
		batchSize = 8
	}
	for start := 0; start < len(selected); start += batchSize {
		end := start + batchSize
		if end > len(selected) {
			end = len(selected)
		}
		batch := selected[start:end]

		var wg sync.WaitGroup
		for _, sym := range batch {
			wg.Add(1)
			go func(symbol string) {
				defer wg.Done()
				s.processSymbol(ctx, symbol, tf, targetBars, nowMs)
			}(sym)
		}
		wg.Wait()
	}
}

func (s *Scheduler) processSymbol(ctx context.Context, symbol, tf string, targetBars int, nowMs int64) {
	tail, err := s.store.Tail(ctx, symbol, tf, targetBars)
	if err != nil {
		tail = nil
	}

	s.mu.Lock()
	asset, ok := s.assets[symbol]
	if !ok {
		asset = &models.AssetState{Symbol: symbol, Stats: map[string]any{}}
		s.assets[symbol] = asset
	}
	s.mu.Unlock()

	// Pull the tick cache first: show the last known price even with no or
	// insufficient OHLCV history, mirroring process_smc_batch's behavior of
	// populating these stats before the history-empty check.
	tickStats := s.tickStats(ctx, symbol, nowMs)
	if len(tail) > 0 {
		tickStats["bar_age_sec"] = float64(nowMs-tail[len(tail)-1].CloseTimeMs) / 1000.0
	}
	s.mu.Lock()
	for k, v := range tickStats {
		asset.Stats[k] = v
	}
	s.mu.Unlock()

	if len(tail) == 0 {
		s.finishSymbol(asset, models.AssetNoOhlcv, "SMC_NONE", []string{"no OHLCV yet — showing ticks only"}, nil, nowMs)
		return
	}
	if len(tail) < targetBars/2 {
		s.finishSymbol(asset, models.AssetWarmup, "SMC_NONE", []string{"warming up history"}, nil, nowMs)
		return
	}

	hint, err := s.engine.Compute(ctx, symbol, tf, tail)
	if err != nil {
		if s.metrics != nil {
			s.metrics.SymbolErrorsTotal.WithLabelValues(symbol, "engine").Inc()
		}
		s.finishSymbol(asset, models.AssetError, "NONE", []string{"error: " + err.Error()}, nil, nowMs)
		return
	}

	s.mu.RLock()
	previous := asset.SmcHint
	s.mu.RUnlock()

	merged, preserved := preserveIfGated(previous, hint)

	stats := map[string]any{
		"price_bars":       len(tail),
		"smc_hint_preserved": preserved,
	}
	if _, hasTickPrice := tickStats["current_price"]; !hasTickPrice {
		stats["current_price"] = tail[len(tail)-1].Close
	}

	s.mu.Lock()
	fsmState := s.fsm[symbol]
	s.mu.Unlock()

	if in, found := extractScenarioSignal(merged); found {
		stage6Cfg := s.stage6Config()
		newState, res := stage6.Apply(fsmState, in, stage6Cfg, float64(nowMs)/1000.0)

		s.mu.Lock()
		s.fsm[symbol] = newState
		s.mu.Unlock()

		stats["scenario_id"] = res.ScenarioID
		stats["scenario_confidence"] = newState.StableConf
		stats["scenario_raw_id"] = res.RawID
		stats["scenario_raw_confidence"] = res.RawConfidence
		stats["scenario_raw_confidence_base"] = res.RawConfidenceBase
		stats["scenario_pending_id"] = res.PendingID
		stats["scenario_pending_count"] = res.PendingCount
		if res.MicroOK {
			stats["scenario_micro_ok"] = true
		}
		if res.Flip != nil {
			stats["scenario_flip"] = map[string]any{"from": res.Flip.From, "to": res.Flip.To, "reason": res.Flip.Reason}
		}
	}

	s.finishSymbol(asset, models.AssetReady, "SMC_HINT", []string{
		boolHint(preserved, "SMC: compute skipped by gates — showing last known state", "SMC: data updated"),
	}, merged, nowMs)

	s.mu.Lock()
	for k, v := range stats {
		asset.Stats[k] = v
	}
	s.mu.Unlock()
}

// tickStats pulls the cached price tick for symbol and formats the
// live-price stats block, grounded on original_source/app/smc_producer.py's
// process_smc_batch (live_price_mid/bid/ask, tick_ts, tick_snap_ts,
// tick_age_sec, tick_is_stale, current_price, price_source). Returns an
// empty map if no tick has ever arrived for symbol.
func (s *Scheduler) tickStats(ctx context.Context, symbol string, nowMs int64) map[string]any {
	stats := map[string]any{}
	tick, ok := s.store.GetTick(ctx, symbol)
	if !ok {
		return stats
	}
	ageSec := float64(nowMs-tick.SnapTs) / 1000.0
	stats["live_price_mid"] = tick.Mid
	stats["live_price_bid"] = tick.Bid
	stats["live_price_ask"] = tick.Ask
	stats["tick_ts"] = tick.TickTs
	stats["tick_snap_ts"] = tick.SnapTs
	stats["tick_age_sec"] = ageSec
	stats["tick_is_stale"] = ageSec > float64(s.cfg.FxcmStaleLagSeconds)
	stats["current_price"] = tick.Mid
	stats["price_source"] = "price_stream"
	return stats
}

func (s *Scheduler) finishSymbol(asset *models.AssetState, state, signal string, hints []string, hint *models.Hint, nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset.State = state
	asset.Signal = signal
	asset.Hints = hints
	if hint != nil {
		asset.SmcHint = hint
	}
	asset.LastUpdated = time.UnixMilli(nowMs)
}

func (s *Scheduler) stage6Config() stage6.Config {
	c := s.cfg
	return stage6.Config{
		TTLSec:              c.Stage6TTLSec,
		ConfirmBars:         c.Stage6ConfirmBars,
		SwitchDelta:         c.Stage6SwitchDelta,
		DecayToUnclearAfter: c.Stage6DecayToUnclearAfter,
		StrongConf:          c.Stage6StrongConf,
		StrongScoreDiff:     c.Stage6StrongScoreDiff,
		MicroConfirmEnabled: c.Stage6MicroConfirmEnabled,
		MicroTTLSec:         c.Stage6MicroTTLSec,
		MicroDmaxAtr:        c.Stage6MicroDmaxAtr,
		MicroBoost:          c.Stage6MicroBoost,
		MicroBoostPartial:   c.Stage6MicroBoostPartial,
	}
}

func (s *Scheduler) applyLocalPipelineStats(barsBySymbol map[string]int, minBars, targetBars int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sym, asset := range s.assets {
		bars := barsBySymbol[sym]
		local := localPipelinePayload(bars, minBars, targetBars)
		if asset.Stats == nil {
			asset.Stats = map[string]any{}
		}
		asset.Stats["pipeline_state_local"] = local.State
		asset.Stats["pipeline_ready_bars"] = local.ReadyBars
		asset.Stats["pipeline_required_bars"] = local.RequiredBars
		asset.Stats["pipeline_required_bars_min"] = local.RequiredBarsMin
		asset.Stats["pipeline_ready_ratio"] = local.ReadyRatio
	}
}

func (s *Scheduler) publishIdle(ctx context.Context, rdb *goredis.Client, seq int64, reason string, start time.Time) {
	envelope := map[string]any{
		"meta": map[string]any{
			"cycle_seq":         seq,
			"cycle_started_ts":  start.UnixMilli(),
			"cycle_ready_ts":    time.Now().UnixMilli(),
			"cycle_duration_ms": time.Since(start).Milliseconds(),
			"status":            "IDLE",
			"reason":            reason,
		},
		"assets": []any{},
	}
	s.publish(ctx, rdb, envelope)
}

func (s *Scheduler) publishEnvelope(ctx context.Context, rdb *goredis.Client, seq int64, start time.Time, dur time.Duration, pipelineState string, processed, skipped int) {
	s.mu.RLock()
	assets := make([]models.AssetState, 0, len(s.assets))
	for _, a := range s.assets {
		assets = append(assets, a.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })

	envelope := map[string]any{
		"meta": map[string]any{
			"cycle_seq":                 seq,
			"cycle_started_ts":          start.UnixMilli(),
			"cycle_ready_ts":            time.Now().UnixMilli(),
			"cycle_duration_ms":         dur.Milliseconds(),
			"status":                    "OK",
			"pipeline_state":            pipelineState,
			"pipeline_processed_assets": processed,
			"pipeline_skipped_assets":   skipped,
		},
		"assets": assets,
	}
	s.publish(ctx, rdb, envelope)
}

func (s *Scheduler) publish(ctx context.Context, rdb *goredis.Client, envelope map[string]any) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal smc_state envelope")
		return
	}
	if rdb == nil {
		return
	}
	if err := rdb.Publish(ctx, s.cfg.SmcStateChannel(), payload).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish smc_state")
		return
	}
	if err := rdb.Set(ctx, s.cfg.SmcSnapshotKey(), payload, 0).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist smc_snapshot")
	}
}

// selectSymbolsForCycle is scheduler v0: a flat slice cap with no
// prioritisation beyond the caller's ordering. max<=0 disables the cap.
func selectSymbolsForCycle(ready []string, maxPerCycle int) (selected, skipped []string) {
	if maxPerCycle <= 0 {
		return append([]string(nil), ready...), nil
	}
	if maxPerCycle >= len(ready) {
		return append([]string(nil), ready...), nil
	}
	return append([]string(nil), ready[:maxPerCycle]...), append([]string(nil), ready[maxPerCycle:]...)
}

func classifyPipelineState(readyMinCount, readyTargetCount, total int) string {
	if readyMinCount == 0 {
		return PipelineCold
	}
	if readyTargetCount >= total {
		return PipelineLive
	}
	return PipelineWarmup
}

func localPipelinePayload(bars, minBars, targetBars int) models.PipelineLocal {
	if bars < 0 {
		bars = 0
	}
	minReady := minBars
	if minReady < 1 {
		minReady = 1
	}
	target := targetBars
	if target < minReady {
		target = minReady
	}
	ratio := float64(bars) / float64(target)
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	state := PipelineCold
	if bars >= minReady && bars < target {
		state = PipelineWarmup
	} else if bars >= target {
		state = PipelineLive
	}
	return models.PipelineLocal{
		State:           state,
		ReadyBars:       bars,
		RequiredBars:    target,
		RequiredBarsMin: minReady,
		ReadyRatio:      ratio,
	}
}

// preserveIfGated keeps the previous hint's core blocks when the new hint is
// gated-empty (all core blocks nil, meta.gates non-empty) and the previous
// hint had something to show.
func preserveIfGated(previous, fresh *models.Hint) (*models.Hint, bool) {
	if previous == nil || fresh == nil {
		return fresh, false
	}
	if len(fresh.Meta.Gates) == 0 {
		return fresh, false
	}
	if fresh.Structure != nil || fresh.Liquidity != nil || fresh.Zones != nil {
		return fresh, false
	}
	if previous.Structure == nil && previous.Liquidity == nil && previous.Zones == nil {
		return fresh, false
	}

	merged := *previous
	merged.Meta = fresh.Meta
	return &merged, true
}

// extractScenarioSignal finds the hint's primary SCENARIO signal and the
// micro-confirm execution context, translating the engine's loosely-typed
// boundary data into stage6's typed Input.
func extractScenarioSignal(hint *models.Hint) (stage6.Input, bool) {
	if hint == nil {
		return stage6.Input{}, false
	}
	for _, raw := range hint.Signals {
		sig, ok := raw.(map[string]any)
		if !ok || asString(sig["type"]) != "SCENARIO" {
			continue
		}
		meta, _ := sig["meta"].(map[string]any)
		in := stage6.Input{
			ScenarioID: asString(meta["scenario_id"]),
			Direction:  asString(sig["direction"]),
			Confidence: asFloat(sig["confidence"]),
		}
		if telemetry, ok := meta["telemetry"].(map[string]any); ok {
			in.Telemetry = extractTelemetry(telemetry)
		}
		in.Execution = extractExecution(hint.Execution)
		return in, true
	}
	return stage6.Input{}, false
}

func extractTelemetry(raw map[string]any) stage6.Telemetry {
	t := stage6.Telemetry{
		FailedHoldUp: asBool(raw["failed_hold_up"]),
		HoldAboveUp:  asBool(raw["hold_above_up"]),
	}
	if score, ok := raw["score"].(map[string]any); ok {
		t.Score = make(map[string]float64, len(score))
		for k, v := range score {
			t.Score[k] = asFloat(v)
		}
	}
	if sweep, ok := raw["events_after_sweep"].(map[string]any); ok {
		t.BosDownAfterSweep = asBool(sweep["bos_down"])
	}
	return t
}

func extractExecution(raw any) *stage6.Execution {
	exec, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	meta, _ := exec["meta"].(map[string]any)
	out := &stage6.Execution{InPlay: asBool(meta["in_play"]), AtrRef: asFloat(meta["atr_ref"])}
	if ref, ok := meta["in_play_ref"].(map[string]any); ok {
		out.InPlayRef = &stage6.InPlayRef{
			PoiZoneID: asString(ref["poi_zone_id"]),
			PoiMin:    asFloat(ref["poi_min"]),
			PoiMax:    asFloat(ref["poi_max"]),
		}
	}
	events, _ := exec["execution_events"].([]any)
	for _, raw := range events {
		ev, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		out.Events = append(out.Events, stage6.ExecutionEvent{
			EventType: asString(ev["event_type"]),
			Direction: asString(ev["direction"]),
			TimeUnix:  asFloat(ev["time_unix"]),
			Price:     asFloat(ev["price"]),
			Level:     asFloat(ev["level"]),
			PoiZoneID: asString(ev["poi_zone_id"]),
		})
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func boolHint(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}

func upper(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func tfMillis(tf string) int64 {
	switch tf {
	case "1m":
		return 60_000
	case "5m":
		return 5 * 60_000
	case "15m":
		return 15 * 60_000
	case "1h":
		return 60 * 60_000
	case "4h":
		return 4 * 60 * 60_000
	case "1d":
		return 24 * 60 * 60_000
	default:
		return 5 * 60_000
	}
}
