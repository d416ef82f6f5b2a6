package warmup

import (
	"testing"

	"github.com/ai-one/smc-viewer/internal/config"
	"github.com/ai-one/smc-viewer/internal/feedstate"
	"github.com/ai-one/smc-viewer/internal/metrics"
	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/ai-one/smc-viewer/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestRequester(cfg config.Config) *Requester {
	st := store.NewInMemory()
	reg := metrics.New()
	feed := feedstate.New(30, zerolog.Nop(), reg)
	return New(cfg, st, feed, zerolog.Nop(), reg)
}

func testConfig() config.Config {
	return config.Config{
		SmcRuntimeLimit:      5,
		SmcS2StaleK:          3.0,
		SmcS3PollSec:         60,
		SmcS3CooldownSec:     900,
		SmcS3CommandsChannel: "fxcm:commands",
	}
}

func TestDecideCommand_InsufficientEmitsWarmup(t *testing.T) {
	cmdType, reason, grow, skip := decideCommand(models.HistoryStatus{State: models.HistoryInsufficient}, "5m", 300)
	assert.Equal(t, CmdWarmup, cmdType)
	assert.Equal(t, ReasonInsufficientHistory, reason)
	assert.False(t, grow)
	assert.False(t, skip)
}

// A stale 1m tail must fall back to fxcm_warmup rather than fxcm_backfill,
// since the broker adapter rarely implements 1m backfill.
func TestDecideCommand_Stale1mFallsBackToWarmup(t *testing.T) {
	cmdType, reason, _, skip := decideCommand(models.HistoryStatus{State: models.HistoryStaleTail}, "1m", 2000)
	assert.Equal(t, CmdWarmup, cmdType)
	assert.Equal(t, models.HistoryStaleTail, reason)
	assert.False(t, skip)
}

func TestDecideCommand_Stale5mRequestsBackfill(t *testing.T) {
	cmdType, reason, _, skip := decideCommand(models.HistoryStatus{State: models.HistoryGappyTail}, "5m", 400)
	assert.Equal(t, CmdBackfill, cmdType)
	assert.Equal(t, models.HistoryGappyTail, reason)
	assert.False(t, skip)
}

func TestDecideCommand_OkButBelowContractPrefetches(t *testing.T) {
	cmdType, reason, grow, skip := decideCommand(models.HistoryStatus{State: models.HistoryOK, BarsCount: 100}, "5m", 400)
	assert.Equal(t, CmdWarmup, cmdType)
	assert.Equal(t, ReasonPrefetchHistory, reason)
	assert.True(t, grow)
	assert.False(t, skip)
}

func TestDecideCommand_OkAndFullyStockedSkipsAndClears(t *testing.T) {
	cmdType, _, _, skip := decideCommand(models.HistoryStatus{State: models.HistoryOK, BarsCount: 400}, "5m", 400)
	assert.Empty(t, cmdType)
	assert.True(t, skip)
}

// Repeated ticks within the cooldown window must not re-emit the same
// (symbol, tf, cmd_type) command.
func TestCooldown_BlocksRepeatWithinWindow(t *testing.T) {
	cfg := testConfig()
	r := newTestRequester(cfg)

	key := cmdKey{symbol: "EURUSD", tf: "1m", kind: CmdWarmup}
	r.markEmitted(key, 1_000_000)

	assert.True(t, r.cooldownActive(key, 1_000_000+1000))
	assert.False(t, r.cooldownActive(key, 1_000_000+int64(cfg.SmcS3CooldownSec)*1000+1))
}

// clearCooldown resets both the emitted-at timestamp and the grown
// lookback size once a pair recovers to a fully-ready state.
func TestClearCooldown_ResetsBothMaps(t *testing.T) {
	r := newTestRequester(testConfig())
	key := cmdKey{symbol: "EURUSD", tf: "1m", kind: CmdWarmup}
	r.markEmitted(key, 5000)
	r.sizeByKey[key] = 42

	r.clearCooldown("EURUSD", "1m")

	assert.False(t, r.cooldownActive(key, 5000))
	_, ok := r.sizeByKey[key]
	assert.False(t, ok)
}

// lookbackSize grows by SmcRuntimeLimit on each successive prefetch request
// for the same key, never shrinking below the computed minimum.
func TestLookbackSize_GrowsMonotonically(t *testing.T) {
	cfg := testConfig()
	r := newTestRequester(cfg)
	key := cmdKey{symbol: "EURUSD", tf: "5m", kind: CmdWarmup}

	first := r.lookbackSize(key, true, cfg.SmcRuntimeLimit)
	second := r.lookbackSize(key, true, cfg.SmcRuntimeLimit)

	assert.Equal(t, cfg.SmcRuntimeLimit, first)
	assert.Greater(t, second, first)
}

func TestContractBarsForTf_OneDayTfNeedsFewerBarsThanOneMinute(t *testing.T) {
	barsFor1m := contractBarsForTf(TfMillis["1m"])
	barsFor1d := contractBarsForTf(TfMillis["1d"])
	assert.Greater(t, barsFor1m, barsFor1d)
}
