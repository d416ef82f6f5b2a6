// Package ingest implements C3: subscribes to the broker's fxcm:ohlcv and
// fxcm:price_tik channels, filters by the (symbol, tf) allow-list, gates by
// market-open, verifies HMAC signatures when configured, and writes
// validated bars/ticks into the store.
//
// Grounded on spec §4.3 directly, reusing the same reconnect/backoff shape
// as the feed-state listener (base 1s, cap 60s).
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/ai-one/smc-viewer/internal/feedstate"
	"github.com/ai-one/smc-viewer/internal/metrics"
	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/ai-one/smc-viewer/internal/store"
	"github.com/ai-one/smc-viewer/internal/wire"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// AllowListFunc reports whether (symbol, tf) is permitted to ingest.
type AllowListFunc func(symbol, tf string) bool

// AllowSymbolFunc reports whether symbol carries any allow-listed (symbol,
// tf) pair at all. Ticks have no timeframe of their own, so they are
// filtered by symbol membership rather than by the full pair.
type AllowSymbolFunc func(symbol string) bool

// Config configures one Ingestor.
type Config struct {
	Channel      string
	PriceChannel string
	HmacRequired bool
	HmacAlgo     string
	HmacSecret   string
	Allow        AllowListFunc
	AllowSymbol  AllowSymbolFunc
}

// Ingestor is the long-lived subscribe goroutine for fxcm:ohlcv.
type Ingestor struct {
	cfg     Config
	store   store.Store
	feed    *feedstate.Tracker
	logger  zerolog.Logger
	metrics *metrics.Registry
	breaker *gobreaker.CircuitBreaker
}

// New builds an Ingestor.
func New(cfg Config, st store.Store, feed *feedstate.Tracker, logger zerolog.Logger, reg *metrics.Registry) *Ingestor {
	return &Ingestor{
		cfg:    cfg,
		store:  st,
		feed:   feed,
		logger: logger.With().Str("component", "ingest").Logger(),
		metrics: reg,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ingest-redis",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Run subscribes and processes messages until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context, rdb *goredis.Client) {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, err := in.breaker.Execute(func() (any, error) {
			return nil, in.subscribeOnce(ctx, rdb)
		})
		if err != nil && ctx.Err() == nil {
			if in.metrics != nil {
				in.metrics.IngestReconnectsTotal.Inc()
			}
			in.logger.Warn().Err(err).Dur("backoff", backoff).Msg("fxcm:ohlcv subscribe failed, reconnecting")
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

func (in *Ingestor) subscribeOnce(ctx context.Context, rdb *goredis.Client) error {
	channels := []string{in.cfg.Channel}
	if in.cfg.PriceChannel != "" {
		channels = append(channels, in.cfg.PriceChannel)
	}
	pubsub := rdb.Subscribe(ctx, channels...)
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
			if msg.Channel == in.cfg.PriceChannel {
				in.handlePriceMessage(ctx, []byte(msg.Payload))
				continue
			}
			in.handleMessage(ctx, []byte(msg.Payload))
		}
	}
}

// handlePriceMessage validates and caches one fxcm:price_tik message.
func (in *Ingestor) handlePriceMessage(ctx context.Context, raw []byte) {
	tick := wire.ParsePriceTick(raw)
	if tick == nil {
		in.countError("price_wire_contract_violation")
		return
	}
	if in.cfg.AllowSymbol != nil && !in.cfg.AllowSymbol(tick.Symbol) {
		return
	}
	if err := in.store.PutTick(ctx, tick.Tick); err != nil {
		in.countError("price_store_put_failed")
		return
	}
	if in.metrics != nil {
		in.metrics.IngestTicksTotal.WithLabelValues(tick.Symbol).Inc()
	}
}

func (in *Ingestor) handleMessage(ctx context.Context, raw []byte) {
	env := wire.ParseOhlcv(raw)
	if env == nil {
		in.countError("wire_contract_violation")
		return
	}

	if in.cfg.HmacRequired && !in.verifyHMAC(raw, env.Sig) {
		in.countError("hmac_mismatch")
		return
	}

	complete := make([]models.Bar, 0, len(env.Bars))
	for _, b := range env.Bars {
		if !b.Complete {
			continue
		}
		complete = append(complete, b)
	}
	if len(complete) == 0 {
		return
	}

	if in.cfg.Allow != nil && !in.cfg.Allow(env.Symbol, env.TF) {
		return
	}

	if in.feed != nil && in.feed.Snapshot().MarketState == models.MarketClosed {
		return
	}

	if err := in.store.PutBars(ctx, env.Symbol, env.TF, complete); err != nil {
		in.countError("store_put_failed")
		return
	}
	if in.metrics != nil {
		in.metrics.IngestBarsTotal.WithLabelValues(env.Symbol, env.TF).Add(float64(len(complete)))
	}

	maxClose := int64(0)
	for _, b := range complete {
		if b.CloseTimeMs > maxClose {
			maxClose = b.CloseTimeMs
		}
	}
	if in.feed != nil && maxClose > 0 {
		in.feed.NoteBarClose(maxClose, time.Now().UnixMilli())
	}
}

// verifyHMAC recomputes HMAC-SHA256(secret, raw) and compares it
// constant-time against the envelope's sig field (hex-encoded). The digest
// is always SHA-256; the HmacAlgo setting is not read.
func (in *Ingestor) verifyHMAC(raw []byte, sigHex string) bool {
	mac := hmac.New(sha256.New, []byte(in.cfg.HmacSecret))
	mac.Write(raw)
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, got) == 1
}

func (in *Ingestor) countError(reason string) {
	in.logger.Warn().Str("reason", reason).Msg("dropping fxcm:ohlcv message")
	if in.metrics != nil {
		in.metrics.IngestErrorsTotal.WithLabelValues(reason).Inc()
	}
}
