// Package warmup implements C5: a periodic loop that consults the C4
// history classifier for every allow-listed (symbol, tf) and publishes
// rate-limited repair commands back to the broker adapter.
//
// Grounded on the original warmup requester's rate-limiting map
// (_last_request_ms keyed by (symbol, tf, cmd_type)), its active-issue
// clearing on recovery, and the tf=="1m"-always-warmup special case.
package warmup

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ai-one/smc-viewer/internal/config"
	"github.com/ai-one/smc-viewer/internal/feedstate"
	"github.com/ai-one/smc-viewer/internal/history"
	"github.com/ai-one/smc-viewer/internal/metrics"
	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/ai-one/smc-viewer/internal/store"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Command kinds and reasons (spec §4.5).
const (
	CmdWarmup   = "fxcm_warmup"
	CmdBackfill = "fxcm_backfill"

	ReasonInsufficientHistory = "insufficient_history"
	ReasonPrefetchHistory     = "prefetch_history"
)

// TfMillis converts a timeframe token to milliseconds.
var TfMillis = map[string]int64{
	"1m": 60_000, "5m": 5 * 60_000, "15m": 15 * 60_000,
	"1h": 60 * 60_000, "4h": 4 * 60 * 60_000, "1d": 24 * 60 * 60_000,
}

type cmdKey struct {
	symbol string
	tf     string
	kind   string
}

// Requester is the long-lived C5 poll loop.
type Requester struct {
	cfg     config.Config
	store   store.Store
	feed    *feedstate.Tracker
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu          sync.Mutex
	lastEmitted map[cmdKey]time.Time
	sizeByKey   map[cmdKey]int

	limiter *rate.Limiter
}

// New builds a Requester.
func New(cfg config.Config, st store.Store, feed *feedstate.Tracker, logger zerolog.Logger, reg *metrics.Registry) *Requester {
	return &Requester{
		cfg:         cfg,
		store:       st,
		feed:        feed,
		logger:      logger.With().Str("component", "warmup").Logger(),
		metrics:     reg,
		lastEmitted: make(map[cmdKey]time.Time),
		sizeByKey:   make(map[cmdKey]int),
		limiter:     rate.NewLimiter(rate.Limit(20), 40),
	}
}

// Run ticks every PollSec until ctx is cancelled, publishing commands on
// the configured Redis client.
func (r *Requester) Run(ctx context.Context, rdb *goredis.Client) {
	interval := time.Duration(r.cfg.SmcS3PollSec) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, rdb)
		}
	}
}

func (r *Requester) tick(ctx context.Context, rdb *goredis.Client) {
	pairs := append([]config.AllowedPair(nil), r.cfg.AllowList...)
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Symbol != pairs[j].Symbol {
			return pairs[i].Symbol < pairs[j].Symbol
		}
		return pairs[i].TF < pairs[j].TF
	})

	feedSnap := r.feed.Snapshot()
	nowMs := time.Now().UnixMilli()

	for _, p := range pairs {
		r.processPair(ctx, rdb, p.Symbol, p.TF, feedSnap, nowMs)
	}
}

func (r *Requester) processPair(ctx context.Context, rdb *goredis.Client, symbol, tf string, feed models.FeedState, nowMs int64) {
	tfMs, ok := TfMillis[tf]
	if !ok {
		return
	}
	contractBars := contractBarsForTf(tfMs)
	minBars := r.cfg.SmcRuntimeLimit
	if contractBars > minBars {
		minBars = contractBars
	}

	tail, err := r.store.Tail(ctx, symbol, tf, minBars)
	if err != nil {
		tail = nil
	}
	s2 := history.Classify(tail, history.Config{
		MinHistoryBars: minBars,
		StaleK:         r.cfg.SmcS2StaleK,
		TfMs:           tfMs,
	}, nowMs)

	cmdType, reason, grow, skip := decideCommand(s2, tf, contractBars)
	if skip {
		r.clearCooldown(symbol, tf)
		return
	}
	if cmdType == "" {
		return
	}

	key := cmdKey{symbol: symbol, tf: tf, kind: cmdType}
	if r.cooldownActive(key, nowMs) {
		if r.metrics != nil {
			r.metrics.WarmupRateLimitSkips.WithLabelValues(symbol, tf).Inc()
		}
		r.logger.Debug().Str("symbol", symbol).Str("tf", tf).Str("cmd_type", cmdType).Msg("rate-limit skip")
		return
	}
	if !r.limiter.Allow() {
		return
	}

	lookbackBars := r.lookbackSize(key, grow, minBars)
	lookbackMinutes := int(math.Ceil(float64(lookbackBars) * float64(tfMs) / 60_000.0))

	cmd := models.SmcCommand{
		Type:            cmdType,
		Symbol:          symbol,
		TF:              tf,
		MinHistoryBars:  minBars,
		LookbackBars:    lookbackBars,
		LookbackMinutes: lookbackMinutes,
		Reason:          reason,
		S2:              s2,
		FxcmStatus: map[string]any{
			"market": feed.MarketState,
			"price":  feed.PriceState,
			"ohlcv":  feed.OhlcvState,
		},
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return
	}
	if err := rdb.Publish(ctx, r.cfg.SmcS3CommandsChannel, payload).Err(); err != nil {
		r.logger.Warn().Err(err).Msg("failed to publish warmup command")
		return
	}

	r.markEmitted(key, nowMs)
	if r.metrics != nil {
		r.metrics.WarmupCommandsTotal.WithLabelValues(cmdType, reason).Inc()
	}
}

// decideCommand is the pure decision table of spec §4.5: given the current
// history classification, which command (if any) should be emitted. skip
// reports an ok-and-fully-stocked tail, which clears any standing cooldown.
func decideCommand(s2 models.HistoryStatus, tf string, contractBars int) (cmdType, reason string, grow, skip bool) {
	switch s2.State {
	case models.HistoryInsufficient:
		return CmdWarmup, ReasonInsufficientHistory, false, false
	case models.HistoryStaleTail, models.HistoryGappyTail, models.HistoryNonMonotonic:
		cmdType := CmdBackfill
		if tf == "1m" {
			cmdType = CmdWarmup // adapters rarely implement 1m backfill
		}
		return cmdType, s2.State, false, false
	case models.HistoryOK:
		if s2.BarsCount < contractBars {
			return CmdWarmup, ReasonPrefetchHistory, true, false
		}
		return "", "", false, true
	default:
		return "", "", false, false
	}
}

func contractBarsForTf(tfMs int64) int {
	const contract1mBars = 2000
	minutesPerBar := tfMs / 60_000
	if minutesPerBar <= 0 {
		minutesPerBar = 1
	}
	return int(math.Ceil(float64(contract1mBars) / float64(minutesPerBar)))
}

func (r *Requester) cooldownActive(key cmdKey, nowMs int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastEmitted[key]
	if !ok {
		return false
	}
	cooldown := time.Duration(r.cfg.SmcS3CooldownSec) * time.Second
	return time.UnixMilli(nowMs).Sub(last) < cooldown
}

func (r *Requester) markEmitted(key cmdKey, nowMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastEmitted[key] = time.UnixMilli(nowMs)
}

func (r *Requester) clearCooldown(symbol, tf string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range []string{CmdWarmup, CmdBackfill} {
		delete(r.lastEmitted, cmdKey{symbol: symbol, tf: tf, kind: kind})
		delete(r.sizeByKey, cmdKey{symbol: symbol, tf: tf, kind: kind})
	}
}

// lookbackSize grows monotonically in desired_limit steps for prefetch
// requests; otherwise it is simply the computed min_bars.
func (r *Requester) lookbackSize(key cmdKey, grow bool, minBars int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !grow {
		return minBars
	}
	prev, ok := r.sizeByKey[key]
	if !ok || prev < minBars {
		prev = minBars
	} else {
		prev += r.cfg.SmcRuntimeLimit
	}
	r.sizeByKey[key] = prev
	return prev
}
