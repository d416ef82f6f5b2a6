// Package stage6 implements the anti-flip hysteresis gate (C7) between the
// raw per-cycle scenario classification and the stable scenario surfaced to
// the UI: a confirm-bars counter, a minimum-dwell TTL, a decay-to-unclear
// streak, and three TTL bypasses (strong override, two hard-invalidation
// rules) plus a confidence-only micro-confirm boost.
//
// Grounded on original_source/tests/test_smc_stage6_hysteresis.py — the
// implementation this was distilled from (app/smc_state_manager.py's
// apply_stage6_hysteresis) was not carried into the retrieval pack, so this
// package is built directly off the test suite's observable behavior.
package stage6

import "math"

// Unclear is the neutral scenario id. It never becomes a pending candidate:
// a run of Unclear inputs instead counts toward DecayToUnclearAfter.
const Unclear = "UNCLEAR"

// Telemetry is the subset of the engine's per-cycle telemetry block this
// gate reads to evaluate hard-invalidation and strong-override bypasses.
type Telemetry struct {
	Score          map[string]float64
	FailedHoldUp   bool
	HoldAboveUp    bool
	BosDownAfterSweep bool
}

// ExecutionEvent is one micro-structure event (MICRO_CHOCH, RETEST_OK)
// the engine attached to its execution block.
type ExecutionEvent struct {
	EventType string
	Direction string
	TimeUnix  float64
	Price     float64
	Level     float64
	PoiZoneID string
}

// InPlayRef anchors the micro-confirm check to the zone the engine is
// currently tracking price inside.
type InPlayRef struct {
	PoiZoneID      string
	PoiMin, PoiMax float64
}

// Execution is the execution-block slice of the per-cycle hint relevant to
// micro-confirm.
type Execution struct {
	Events    []ExecutionEvent
	InPlay    bool
	AtrRef    float64
	InPlayRef *InPlayRef
}

// Input is one cycle's raw scenario classification for a symbol.
type Input struct {
	ScenarioID string
	Direction  string
	Confidence float64
	Telemetry  Telemetry
	Execution  *Execution
}

// Config carries the tunables the producer resolves from env/runtime params.
type Config struct {
	TTLSec               int
	ConfirmBars          int
	SwitchDelta          float64
	DecayToUnclearAfter  int
	StrongConf           float64
	StrongScoreDiff      float64
	MicroConfirmEnabled  bool
	MicroTTLSec          int
	MicroDmaxAtr         float64
	MicroBoost           float64
	MicroBoostPartial    float64
}

// Flip records one stable-scenario transition.
type Flip struct {
	From   string
	To     string
	Reason string
}

// State is the per-symbol gate memory, owned exclusively by the producer.
type State struct {
	StableID      string
	StableConf    float64
	StableSinceTs int64
	PendingID     string
	PendingCount  int
	UnclearStreak int
}

// Result is what the producer attaches to the asset's stats for this cycle.
type Result struct {
	ScenarioID          string
	RawID               string
	RawConfidenceBase   float64
	RawConfidence       float64
	PendingID           string
	PendingCount        int
	MicroOK             bool
	Flip                *Flip
}

// Apply advances State by one cycle's Input and returns the new state plus
// the cycle's Result. Pure and deterministic given (state, in, cfg, nowSec).
func Apply(state State, in Input, cfg Config, nowSec float64) (State, Result) {
	res := Result{RawID: in.ScenarioID, RawConfidenceBase: in.Confidence, RawConfidence: in.Confidence}

	if cfg.MicroConfirmEnabled {
		if ok, boost := evaluateMicroConfirm(in, cfg, nowSec); ok {
			res.MicroOK = true
			res.RawConfidence = in.Confidence + boost
		}
	}

	if state.StableID == "" {
		state.StableID = in.ScenarioID
		state.StableConf = in.Confidence
		state.StableSinceTs = int64(nowSec)
		res.ScenarioID = state.StableID
		return state, res
	}

	if in.ScenarioID == Unclear {
		state.PendingID = ""
		state.PendingCount = 0
		state.UnclearStreak++
		if cfg.DecayToUnclearAfter > 0 && state.UnclearStreak >= cfg.DecayToUnclearAfter && state.StableID != Unclear {
			flip := &Flip{From: state.StableID, To: Unclear, Reason: "decay"}
			state.StableID = Unclear
			state.StableConf = 0
			state.StableSinceTs = int64(nowSec)
			state.UnclearStreak = 0
			res.Flip = flip
		}
		res.ScenarioID = state.StableID
		return state, res
	}
	state.UnclearStreak = 0

	if in.ScenarioID == state.StableID {
		state.PendingID = ""
		state.PendingCount = 0
		res.ScenarioID = state.StableID
		return state, res
	}

	if to, reason, ok := evaluateHardInvalidation(state.StableID, in); ok {
		flip := &Flip{From: state.StableID, To: to, Reason: reason}
		applyFlip(&state, to, in.Confidence, nowSec)
		res.ScenarioID = to
		res.Flip = flip
		return state, res
	}

	if cfg.StrongConf > 0 && in.Confidence >= cfg.StrongConf {
		if diff, ok := scoreDiff(in.Telemetry.Score, in.ScenarioID, state.StableID); ok && diff >= cfg.StrongScoreDiff {
			flip := &Flip{From: state.StableID, To: in.ScenarioID, Reason: "strong_override"}
			applyFlip(&state, in.ScenarioID, in.Confidence, nowSec)
			res.ScenarioID = in.ScenarioID
			res.Flip = flip
			return state, res
		}
	}

	if state.PendingID != in.ScenarioID {
		state.PendingID = in.ScenarioID
		state.PendingCount = 1
	} else {
		state.PendingCount++
	}

	elapsed := nowSec - float64(state.StableSinceTs)
	confirmMet := state.PendingCount >= cfg.ConfirmBars
	ttlMet := elapsed >= float64(cfg.TTLSec)
	deltaMet := in.Confidence >= state.StableConf+cfg.SwitchDelta

	if confirmMet && ttlMet && deltaMet {
		flip := &Flip{From: state.StableID, To: in.ScenarioID, Reason: "confirmed"}
		applyFlip(&state, in.ScenarioID, in.Confidence, nowSec)
		res.ScenarioID = in.ScenarioID
		res.Flip = flip
		return state, res
	}

	res.ScenarioID = state.StableID
	res.PendingID = state.PendingID
	res.PendingCount = state.PendingCount
	return state, res
}

func applyFlip(state *State, to string, conf float64, nowSec float64) {
	state.StableID = to
	state.StableConf = conf
	state.StableSinceTs = int64(nowSec)
	state.PendingID = ""
	state.PendingCount = 0
}

// evaluateHardInvalidation encodes the two hard facts that bypass both TTL
// and confirm-bars entirely: a confirmed hold-above on the up side
// invalidates a stable 4_2 into 4_3, and a BOS-down after sweep with no
// failed hold-up invalidates a stable 4_3 straight to Unclear (not to
// whatever the raw scenario happened to be).
func evaluateHardInvalidation(stableID string, in Input) (to, reason string, ok bool) {
	if stableID == "4_2" && in.ScenarioID == "4_3" && in.Telemetry.HoldAboveUp {
		return "4_3", "hard_invalidation:hold_above_up", true
	}
	if stableID == "4_3" && in.Telemetry.BosDownAfterSweep && !in.Telemetry.FailedHoldUp {
		return Unclear, "hard_invalidation:bos_down_no_failed_hold", true
	}
	return "", "", false
}

func scoreDiff(score map[string]float64, rawID, stableID string) (float64, bool) {
	if score == nil {
		return 0, false
	}
	rawScore, rOk := score[rawID]
	stableScore, sOk := score[stableID]
	if !rOk || !sOk {
		return 0, false
	}
	return rawScore - stableScore, true
}

// evaluateMicroConfirm looks for MICRO_CHOCH/RETEST_OK events anchored to
// the engine's current in-play zone, fresh within MicroTTLSec and within
// MicroDmaxAtr*atr_ref of their reference level. Both event types present
// earns the full boost; either alone earns the partial boost.
func evaluateMicroConfirm(in Input, cfg Config, nowSec float64) (bool, float64) {
	if in.Execution == nil || !in.Execution.InPlay || in.Execution.InPlayRef == nil {
		return false, 0
	}
	ref := in.Execution.InPlayRef
	atr := in.Execution.AtrRef
	if atr <= 0 {
		atr = 1
	}
	maxDist := cfg.MicroDmaxAtr * atr

	var hasChoch, hasRetest bool
	for _, ev := range in.Execution.Events {
		if ev.PoiZoneID != ref.PoiZoneID || ev.Direction != in.Direction {
			continue
		}
		age := nowSec - ev.TimeUnix
		if age < 0 || age > float64(cfg.MicroTTLSec) {
			continue
		}
		if math.Abs(ev.Price-ev.Level) > maxDist {
			continue
		}
		switch ev.EventType {
		case "MICRO_CHOCH":
			hasChoch = true
		case "RETEST_OK":
			hasRetest = true
		}
	}

	switch {
	case hasChoch && hasRetest:
		return true, cfg.MicroBoost
	case hasChoch || hasRetest:
		return true, cfg.MicroBoostPartial
	default:
		return false, 0
	}
}
