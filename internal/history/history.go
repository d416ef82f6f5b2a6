// Package history implements the S2 history classifier (C4): a pure
// function over a tail window of bars that decides whether stored history
// for a (symbol, tf) is ok, insufficient, stale, gappy, or non-monotonic.
//
// Grounded on the gap/staleness/precedence rules of the original feed's
// history-state classifier: gap_threshold = tf_ms * 1.5, precedence
// non_monotonic_tail > gappy_tail > ok.
package history

import "github.com/ai-one/smc-viewer/internal/models"

// Config carries the thresholds Classify needs. StaleK defaults to 3.0
// per spec §6 (SMC_S2_STALE_K).
type Config struct {
	MinHistoryBars int
	StaleK         float64
	TfMs           int64
}

// Classify derives a HistoryStatus from a tail window, already trimmed to
// min(desired_limit, contract_min) bars and sorted ascending by open time.
// NowMs is injected so the function stays pure and deterministic in tests.
func Classify(tail []models.Bar, cfg Config, nowMs int64) models.HistoryStatus {
	count := len(tail)
	if count < cfg.MinHistoryBars {
		return models.HistoryStatus{
			State:       models.HistoryInsufficient,
			BarsCount:   count,
			NeedsWarmup: true,
		}
	}

	last := tail[count-1]
	if last.OpenTimeMs == 0 {
		return models.HistoryStatus{
			State:     models.HistoryUnknown,
			BarsCount: count,
		}
	}

	ageMs := nowMs - last.OpenTimeMs
	staleThreshold := int64(cfg.StaleK * float64(cfg.TfMs))
	if ageMs > staleThreshold {
		return models.HistoryStatus{
			State:          models.HistoryStaleTail,
			BarsCount:      count,
			LastOpenTimeMs: last.OpenTimeMs,
			AgeMs:          ageMs,
			NeedsBackfill:  true,
		}
	}

	var (
		gapsCount         int
		maxGapMs          int64
		nonMonotonicCount int
	)
	gapThreshold := int64(1.5 * float64(cfg.TfMs))
	for i := 1; i < count; i++ {
		delta := tail[i].OpenTimeMs - tail[i-1].OpenTimeMs
		switch {
		case delta < 0:
			nonMonotonicCount++
		case delta == 0:
			// ignored
		case delta > gapThreshold:
			gapsCount++
			if delta > maxGapMs {
				maxGapMs = delta
			}
		}
	}

	status := models.HistoryStatus{
		BarsCount:         count,
		LastOpenTimeMs:    last.OpenTimeMs,
		AgeMs:             ageMs,
		GapsCount:         gapsCount,
		MaxGapMs:          maxGapMs,
		NonMonotonicCount: nonMonotonicCount,
	}

	switch {
	case nonMonotonicCount > 0:
		status.State = models.HistoryNonMonotonic
		status.NeedsBackfill = true
	case gapsCount > 0:
		status.State = models.HistoryGappyTail
		status.NeedsBackfill = true
	default:
		status.State = models.HistoryOK
	}
	return status
}

// OkForCompute implements the producer's ok-for-compute rule (spec §4.6
// step 3): state==ok, OR stale_tail when the market isn't open or ohlcv
// telemetry itself is degraded — this prevents weekend/maintenance gating.
func OkForCompute(state string, marketState, ohlcvState string) bool {
	if state == models.HistoryOK {
		return true
	}
	if state == models.HistoryStaleTail {
		if marketState != models.MarketOpen {
			return true
		}
		if ohlcvState == models.StateDelayed || ohlcvState == models.StateDown {
			return true
		}
	}
	return false
}
