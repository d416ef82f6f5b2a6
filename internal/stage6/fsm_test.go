package stage6

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseCfg() Config {
	return Config{ConfirmBars: 1, SwitchDelta: 0.01}
}

func TestApply_NoFlipWithoutConfirmBars(t *testing.T) {
	cfg := baseCfg()
	cfg.ConfirmBars = 2
	cfg.SwitchDelta = 0.05

	state, out1 := Apply(State{}, Input{ScenarioID: "4_2", Confidence: 0.75}, cfg, 1000)
	assert.Equal(t, "4_2", out1.ScenarioID)

	state, out2 := Apply(state, Input{ScenarioID: "4_3", Confidence: 0.90}, cfg, 1001)
	assert.Equal(t, "4_2", out2.ScenarioID)
	assert.Equal(t, "4_3", out2.PendingID)
	assert.Equal(t, 1, out2.PendingCount)

	_, out3 := Apply(state, Input{ScenarioID: "4_3", Confidence: 0.90}, cfg, 1002)
	assert.Equal(t, "4_3", out3.ScenarioID)
	require.NotNil(t, out3.Flip)
}

func TestApply_TTLBlocksFlipUntilExpired(t *testing.T) {
	cfg := Config{TTLSec: 10, ConfirmBars: 1, SwitchDelta: 0.01}

	state, out1 := Apply(State{}, Input{ScenarioID: "4_2", Confidence: 0.80}, cfg, 2000)
	assert.Equal(t, "4_2", out1.ScenarioID)

	state, out2 := Apply(state, Input{ScenarioID: "4_3", Confidence: 0.95}, cfg, 2005)
	assert.Equal(t, "4_2", out2.ScenarioID, "TTL not yet elapsed")

	_, out3 := Apply(state, Input{ScenarioID: "4_3", Confidence: 0.95}, cfg, 2011)
	assert.Equal(t, "4_3", out3.ScenarioID)
}

func TestApply_UnclearDoesNotOverrideStable(t *testing.T) {
	cfg := baseCfg()

	state, out1 := Apply(State{}, Input{ScenarioID: "4_2", Confidence: 0.75}, cfg, 3000)
	assert.Equal(t, "4_2", out1.ScenarioID)

	_, out2 := Apply(state, Input{ScenarioID: Unclear, Confidence: 0}, cfg, 3001)
	assert.Equal(t, "4_2", out2.ScenarioID)
	assert.Equal(t, Unclear, out2.RawID)
}

func TestApply_DecayToUnclearAfterNUnclear(t *testing.T) {
	cfg := Config{ConfirmBars: 1, SwitchDelta: 0.05, DecayToUnclearAfter: 3}

	state, out1 := Apply(State{}, Input{ScenarioID: "4_3", Confidence: 0.70}, cfg, 4000)
	assert.Equal(t, "4_3", out1.ScenarioID)

	state, out2 := Apply(state, Input{ScenarioID: Unclear}, cfg, 4001)
	assert.Equal(t, "4_3", out2.ScenarioID)

	state, out3 := Apply(state, Input{ScenarioID: Unclear}, cfg, 4002)
	assert.Equal(t, "4_3", out3.ScenarioID)

	_, out4 := Apply(state, Input{ScenarioID: Unclear}, cfg, 4003)
	assert.Equal(t, Unclear, out4.ScenarioID)
	require.NotNil(t, out4.Flip)
}

func TestApply_StrongOverrideCanBypassTTL(t *testing.T) {
	cfg := Config{TTLSec: 100, ConfirmBars: 1, SwitchDelta: 0.05, StrongConf: 0.86, StrongScoreDiff: 1.4}

	state, out1 := Apply(State{}, Input{ScenarioID: "4_3", Confidence: 0.60}, cfg, 5000)
	assert.Equal(t, "4_3", out1.ScenarioID)

	_, out2 := Apply(state, Input{
		ScenarioID: "4_2",
		Confidence: 0.92,
		Telemetry: Telemetry{
			Score:        map[string]float64{"4_2": 6.0, "4_3": 2.0},
			FailedHoldUp: true,
		},
	}, cfg, 5001)
	assert.Equal(t, "4_2", out2.ScenarioID)
	require.NotNil(t, out2.Flip)
	assert.Equal(t, "strong_override", out2.Flip.Reason)
}

func TestApply_HardInvalidation_42To43ViaHoldAboveUp(t *testing.T) {
	cfg := Config{TTLSec: 100, ConfirmBars: 2, SwitchDelta: 0.20}

	state, out1 := Apply(State{}, Input{ScenarioID: "4_2", Confidence: 0.85}, cfg, 6000)
	assert.Equal(t, "4_2", out1.ScenarioID)

	_, out2 := Apply(state, Input{
		ScenarioID: "4_3",
		Confidence: 0.55,
		Telemetry:  Telemetry{HoldAboveUp: true},
	}, cfg, 6001)
	assert.Equal(t, "4_3", out2.ScenarioID)
	require.NotNil(t, out2.Flip)
	assert.Contains(t, out2.Flip.Reason, "hard_invalidation:")
}

func TestApply_HardInvalidation_43ToUnclearOnBosDownNoFailedHold(t *testing.T) {
	cfg := Config{TTLSec: 100, ConfirmBars: 2, SwitchDelta: 0.10}

	state, out1 := Apply(State{}, Input{ScenarioID: "4_3", Confidence: 0.70}, cfg, 7000)
	assert.Equal(t, "4_3", out1.ScenarioID)

	_, out2 := Apply(state, Input{
		ScenarioID: "4_2",
		Confidence: 0.95,
		Telemetry: Telemetry{
			BosDownAfterSweep: true,
			FailedHoldUp:      false,
		},
	}, cfg, 7001)
	assert.Equal(t, Unclear, out2.ScenarioID)
	require.NotNil(t, out2.Flip)
	assert.Equal(t, "hard_invalidation:bos_down_no_failed_hold", out2.Flip.Reason)
}

func TestApply_MicroConfirmBoostsConfidenceOnly(t *testing.T) {
	cfg := Config{
		ConfirmBars:         1,
		SwitchDelta:         0.01,
		MicroConfirmEnabled: true,
		MicroTTLSec:         60,
		MicroDmaxAtr:        0.80,
		MicroBoost:          0.05,
		MicroBoostPartial:   0.02,
	}
	nowSec := 10_000.0
	evtTime := nowSec - 10.0

	in := Input{
		ScenarioID: "4_3",
		Direction:  "LONG",
		Confidence: 0.70,
		Execution: &Execution{
			InPlay: true,
			AtrRef: 1.0,
			InPlayRef: &InPlayRef{
				PoiZoneID: "z_poi",
				PoiMin:    100.0,
				PoiMax:    101.0,
			},
			Events: []ExecutionEvent{
				{EventType: "MICRO_CHOCH", Direction: "LONG", TimeUnix: evtTime, Price: 100.9, Level: 100.5, PoiZoneID: "z_poi"},
				{EventType: "RETEST_OK", Direction: "LONG", TimeUnix: evtTime, Price: 101.0, Level: 100.5, PoiZoneID: "z_poi"},
			},
		},
	}

	_, out := Apply(State{}, in, cfg, nowSec)

	assert.Equal(t, "4_3", out.ScenarioID)
	assert.Equal(t, "4_3", out.RawID)
	assert.True(t, out.MicroOK)
	assert.Equal(t, 0.70, out.RawConfidenceBase)
	assert.InDelta(t, 0.75, out.RawConfidence, 1e-9)
}
