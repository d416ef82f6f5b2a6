// Package broadcaster implements C9: the smc_state -> viewer_state relay.
// It owns the per-symbol ViewerStateCache, maintains an in-memory
// snapshot_by_symbol, persists it to Redis, and republishes one message per
// symbol for thin HTTP/WS clients.
//
// Grounded on original_source/UI_v2/smc_viewer_broadcaster.go's Python
// counterpart (SmcViewerBroadcasterConfig.from_namespace channel naming,
// build_viewer_states_from_payload per-asset error isolation,
// load_initial_snapshot, _save_viewer_snapshot, run_forever reconnect/backoff,
// _publish_viewer_states per-symbol publish), reusing the same
// gobreaker-wrapped reconnect loop shape as internal/ingest (C3).
package broadcaster

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ai-one/smc-viewer/internal/metrics"
	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/ai-one/smc-viewer/internal/viewerstate"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Config names the channels/keys the broadcaster reads and writes.
type Config struct {
	SmcStateChannel  string
	SmcSnapshotKey   string
	ViewerChannel    string
	ViewerSnapshotKey string
}

// envelope is the producer's smc_state wire shape (see
// internal/producer.Scheduler.publishEnvelope).
type envelope struct {
	Meta   map[string]any      `json:"meta"`
	Assets []models.AssetState `json:"assets"`
	Fxcm   any                 `json:"fxcm,omitempty"`
}

// Broadcaster is the long-lived subscribe goroutine for smc_state.
type Broadcaster struct {
	cfg        Config
	builderCfg viewerstate.Config
	logger     zerolog.Logger
	metrics    *metrics.Registry
	breaker    *gobreaker.CircuitBreaker

	mu               sync.Mutex
	cacheBySymbol    map[string]*models.ViewerStateCache
	snapshotBySymbol map[string]models.ViewerState
}

// New builds a Broadcaster.
func New(cfg Config, builderCfg viewerstate.Config, logger zerolog.Logger, reg *metrics.Registry) *Broadcaster {
	return &Broadcaster{
		cfg:              cfg,
		builderCfg:       builderCfg,
		logger:           logger.With().Str("component", "broadcaster").Logger(),
		metrics:          reg,
		cacheBySymbol:    make(map[string]*models.ViewerStateCache),
		snapshotBySymbol: make(map[string]models.ViewerState),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "broadcaster-redis",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Run performs the cold-start snapshot replay then subscribes and relays
// messages until ctx is cancelled, reconnecting with exponential backoff.
func (b *Broadcaster) Run(ctx context.Context, rdb *goredis.Client) {
	b.loadInitialSnapshot(ctx, rdb)

	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, err := b.breaker.Execute(func() (any, error) {
			return nil, b.subscribeOnce(ctx, rdb)
		})
		if err != nil && ctx.Err() == nil {
			if b.metrics != nil {
				b.metrics.ViewerErrorsTotal.Inc()
			}
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("smc_state subscribe failed, reconnecting")
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

// loadInitialSnapshot reads smc_snapshot_key once at startup so the viewer
// snapshot is warm before the first live smc_state message arrives.
func (b *Broadcaster) loadInitialSnapshot(ctx context.Context, rdb *goredis.Client) {
	if rdb == nil {
		return
	}
	raw, err := rdb.Get(ctx, b.cfg.SmcSnapshotKey).Bytes()
	if err != nil {
		if err != goredis.Nil {
			b.logger.Warn().Err(err).Msg("failed to read SMC snapshot")
		}
		return
	}
	states, ok := b.processPayload(raw)
	if !ok || len(states) == 0 {
		b.logger.Info().Msg("SMC snapshot empty or invalid, starting cold")
		return
	}
	b.saveViewerSnapshot(ctx, rdb)
	b.logger.Info().Int("assets", len(states)).Msg("loaded initial viewer snapshot")
}

func (b *Broadcaster) subscribeOnce(ctx context.Context, rdb *goredis.Client) error {
	pubsub := rdb.Subscribe(ctx, b.cfg.SmcStateChannel)
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
			b.handleMessage(ctx, rdb, []byte(msg.Payload))
		}
	}
}

func (b *Broadcaster) handleMessage(ctx context.Context, rdb *goredis.Client, raw []byte) {
	start := time.Now()
	defer func() {
		if b.metrics != nil {
			b.metrics.ViewerBuildLatencyMs.Observe(float64(time.Since(start).Milliseconds()))
		}
	}()

	states, ok := b.processPayload(raw)
	if !ok || len(states) == 0 {
		return
	}
	b.saveViewerSnapshot(ctx, rdb)
	b.publishViewerStates(ctx, rdb, states)
}

// processPayload decodes one smc_state envelope, builds a ViewerState per
// asset, and merges the results into snapshot_by_symbol. A single bad asset
// never aborts the whole batch.
func (b *Broadcaster) processPayload(raw []byte) (map[string]models.ViewerState, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.logger.Warn().Err(err).Msg("invalid smc_state message")
		if b.metrics != nil {
			b.metrics.ViewerErrorsTotal.Inc()
		}
		return nil, false
	}

	built := make(map[string]models.ViewerState, len(env.Assets))

	b.mu.Lock()
	for _, asset := range env.Assets {
		symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if symbol == "" {
			continue
		}
		cache, ok := b.cacheBySymbol[symbol]
		if !ok {
			cache = models.NewViewerStateCache()
			b.cacheBySymbol[symbol] = cache
		}
		if env.Fxcm != nil {
			cache.LastFxcmMeta = env.Fxcm
		}

		vs := func() (vs models.ViewerState, ok bool) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn().Interface("panic", r).Str("symbol", symbol).Msg("failed to build viewer_state")
					if b.metrics != nil {
						b.metrics.ViewerErrorsTotal.Inc()
					}
					ok = false
				}
			}()
			return viewerstate.Build(asset, cache, b.builderCfg), true
		}
		state, built1 := vs()
		if !built1 {
			continue
		}
		built[symbol] = state
	}

	for symbol, state := range built {
		b.snapshotBySymbol[symbol] = state
	}
	b.mu.Unlock()

	return built, true
}

func (b *Broadcaster) saveViewerSnapshot(ctx context.Context, rdb *goredis.Client) {
	if rdb == nil {
		return
	}
	b.mu.Lock()
	payload, err := json.Marshal(b.snapshotBySymbol)
	b.mu.Unlock()
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to marshal viewer snapshot")
		return
	}
	if err := rdb.Set(ctx, b.cfg.ViewerSnapshotKey, payload, 0).Err(); err != nil {
		if b.metrics != nil {
			b.metrics.ViewerErrorsTotal.Inc()
		}
		b.logger.Debug().Err(err).Msg("failed to persist viewer snapshot")
	}
}

// publishViewerStates sends one {"symbol","viewer_state"} message per
// symbol so thin clients can subscribe to a single symbol cheaply.
func (b *Broadcaster) publishViewerStates(ctx context.Context, rdb *goredis.Client, states map[string]models.ViewerState) {
	if rdb == nil {
		return
	}
	for symbol, state := range states {
		payload, err := json.Marshal(map[string]any{"symbol": symbol, "viewer_state": state})
		if err != nil {
			continue
		}
		if err := rdb.Publish(ctx, b.cfg.ViewerChannel, payload).Err(); err != nil {
			if b.metrics != nil {
				b.metrics.ViewerErrorsTotal.Inc()
			}
			b.logger.Debug().Err(err).Str("symbol", symbol).Msg("failed to publish viewer_state")
		}
	}
}

// Snapshot returns a shallow copy of the current per-symbol viewer states,
// used by cold-start HTTP handlers that need the latest state without
// touching Redis.
func (b *Broadcaster) Snapshot() map[string]models.ViewerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]models.ViewerState, len(b.snapshotBySymbol))
	for k, v := range b.snapshotBySymbol {
		out[k] = v
	}
	return out
}
