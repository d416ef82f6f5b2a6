// Package feedstate implements C1: a single mutable FeedState snapshot
// derived from the broker's fxcm:status channel and from bar close
// timestamps, with atomic reads and a shouldRunSmcCycle decision.
//
// Grounded on the original feed-status listener's singleton+lock pattern
// (apply-snapshot, note-bar-close, atomic read) and the teacher's
// StateManager (mu-guarded struct, deep-copy reads, non-blocking
// broadcast).
package feedstate

import (
	"context"
	"sync"
	"time"

	"github.com/ai-one/smc-viewer/internal/metrics"
	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/ai-one/smc-viewer/internal/wire"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Decision is the outcome of shouldRunSmcCycle.
type Decision struct {
	Run    bool
	Reason string
}

// Tracker is the FeedState holder. ApplyStatus is called from the
// status-subscribe goroutine and NoteBarClose from the OHLCV ingestor; both
// take the write lock. Snapshot/ShouldRun are safe for any number of reader
// goroutines.
type Tracker struct {
	mu    sync.RWMutex
	state models.FeedState

	staleLagSeconds int64
	logger          zerolog.Logger
	metrics         *metrics.Registry
	breaker         *gobreaker.CircuitBreaker
}

// New returns a Tracker initialised to the "unknown" lifecycle state.
func New(staleLagSeconds int64, logger zerolog.Logger, reg *metrics.Registry) *Tracker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "feedstate-redis",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Tracker{
		state: models.FeedState{
			MarketState:  models.MarketUnknown,
			ProcessState: models.StateOK,
			PriceState:   models.MarketUnknown,
			OhlcvState:   models.MarketUnknown,
		},
		staleLagSeconds: staleLagSeconds,
		logger:          logger.With().Str("component", "feedstate").Logger(),
		metrics:         reg,
		breaker:         cb,
	}
}

// ApplyStatus normalises an inbound fxcm:status message and replaces the
// snapshot atomically. Malformed input is logged and dropped — the prior
// snapshot survives.
func (t *Tracker) ApplyStatus(msg *wire.StatusMessage, nowMs int64) {
	if msg == nil {
		t.logger.Warn().Msg("dropping malformed fxcm:status message")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.Market != "" {
		t.state.MarketState = normaliseToken(msg.Market, models.MarketOpen, models.MarketClosed, models.MarketUnknown)
	}
	if msg.Process != "" {
		t.state.ProcessState = normaliseToken(msg.Process, models.StateOK, models.StateLag, models.StateDown)
	}
	if msg.Price != "" {
		t.state.PriceState = normaliseToken(msg.Price, models.StateOK, models.StateLag, models.StateDown)
	}
	if msg.Ohlcv != "" {
		t.state.OhlcvState = normaliseToken(msg.Ohlcv, models.StateOK, models.StateDelayed, models.StateDown)
	}
	if msg.Note != "" {
		t.state.Note = msg.Note
	}
	if msg.Session != nil {
		t.state.Session = msg.Session
	}
	ts := msg.Ts
	if ts == 0 {
		ts = nowMs
	}
	t.state.StatusTs = ts
	t.recomputeLagLocked(nowMs)

	if t.metrics != nil {
		t.metrics.SetFxcmFeedState(t.state.MarketState, t.state.ProcessState)
	}
}

func normaliseToken(v string, allowed ...string) string {
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return allowed[len(allowed)-1]
}

// NoteBarClose updates last_bar_close_ms and refreshes lag_seconds. Time
// never moves backward.
func (t *Tracker) NoteBarClose(closeTimeMs int64, nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if closeTimeMs > t.state.LastBarCloseMs {
		t.state.LastBarCloseMs = closeTimeMs
	}
	t.recomputeLagLocked(nowMs)
}

func (t *Tracker) recomputeLagLocked(nowMs int64) {
	if t.state.LastBarCloseMs == 0 {
		return
	}
	lagMs := nowMs - t.state.LastBarCloseMs
	if lagMs < 0 {
		lagMs = 0
	}
	t.state.LagSeconds = float64(lagMs) / 1000.0
	if t.metrics != nil {
		t.metrics.SetFxcmFeedLagSeconds(t.state.LagSeconds)
	}
}

// Snapshot returns a deep copy of the current FeedState.
func (t *Tracker) Snapshot() models.FeedState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Clone()
}

// ShouldRunSmcCycle implements the decision table in spec §4.1. A tripped
// circuit breaker additionally forces run=false regardless of the
// broker-reported market/price/ohlcv states.
func (t *Tracker) ShouldRunSmcCycle(nowMs int64) Decision {
	if t.breaker.State() == gobreaker.StateOpen {
		return Decision{Run: false, Reason: "fxcm_feed_breaker_open"}
	}

	s := t.Snapshot()
	switch s.MarketState {
	case models.MarketClosed:
		if s.PriceState == models.StateOK && (nowMs-s.StatusTs) <= 60_000 {
			return Decision{Run: true, Reason: "fxcm_market_closed_but_ticks_ok"}
		}
		return Decision{Run: false, Reason: "fxcm_market_closed"}
	case models.MarketUnknown:
		return Decision{Run: true, Reason: "fxcm_status_unknown"}
	case models.MarketOpen:
		if s.PriceState != models.StateOK {
			return Decision{Run: false, Reason: "fxcm_price_" + s.PriceState}
		}
		if s.OhlcvState != models.StateOK {
			return Decision{Run: true, Reason: "fxcm_ohlcv_" + s.OhlcvState + "_ignored"}
		}
		return Decision{Run: true, Reason: "fxcm_ok"}
	}
	return Decision{Run: true, Reason: "fxcm_status_unknown"}
}

// RunStatusListener subscribes to the fxcm:status channel and keeps the
// tracker up to date until ctx is cancelled. Reconnects with exponential
// backoff (base 1s, cap 60s) on transport errors.
func (t *Tracker) RunStatusListener(ctx context.Context, rdb *goredis.Client, channel string) {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, err := t.breaker.Execute(func() (any, error) {
			return nil, t.subscribeOnce(ctx, rdb, channel)
		})
		if err != nil && ctx.Err() == nil {
			t.logger.Warn().Err(err).Dur("backoff", backoff).Msg("fxcm:status subscribe failed, reconnecting")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		if ctx.Err() != nil {
			return
		}
	}
}

func (t *Tracker) subscribeOnce(ctx context.Context, rdb *goredis.Client, channel string) error {
	pubsub := rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			status := wire.ParseStatus([]byte(msg.Payload))
			t.ApplyStatus(status, time.Now().UnixMilli())
		}
	}
}
