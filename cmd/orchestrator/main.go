// Package main — smc-viewer orchestrator entry point.
//
// Responsibilities:
//   - Load config from the environment
//   - Subscribe to the broker's fxcm:ohlcv feed and maintain the bar store (C3)
//   - Track feed/process lifecycle from fxcm:status (C1)
//   - Poll history health and emit repair commands (C5)
//   - Run the per-cycle SMC scheduler: select symbols, invoke the analytic
//     engine, gate through Stage6 anti-flip, publish state (C6/C7)
//   - Rebuild per-symbol viewer state and re-publish it (C8/C9)
//   - Serve the read-only HTTP API and WebSocket stream (C10/C11)
//   - Serve the admin surface (health, redacted config, Prometheus metrics)
//
// Concurrency model: one goroutine per long-lived component, each wired to
// a shared context.Context and a shared *redis.Client, with signal-based
// graceful shutdown exactly as the original StateManager/HTTP pairing did.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ai-one/smc-viewer/internal/adminhttp"
	"github.com/ai-one/smc-viewer/internal/broadcaster"
	"github.com/ai-one/smc-viewer/internal/config"
	"github.com/ai-one/smc-viewer/internal/control"
	"github.com/ai-one/smc-viewer/internal/feedstate"
	"github.com/ai-one/smc-viewer/internal/httpapi"
	"github.com/ai-one/smc-viewer/internal/ingest"
	"github.com/ai-one/smc-viewer/internal/metrics"
	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/ai-one/smc-viewer/internal/producer"
	"github.com/ai-one/smc-viewer/internal/store"
	"github.com/ai-one/smc-viewer/internal/viewerstate"
	"github.com/ai-one/smc-viewer/internal/warmup"
	"github.com/ai-one/smc-viewer/internal/wsserver"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// noopEngine is the default C6 analytic-engine boundary: the structure/
// liquidity/zones computation is an external collaborator this module never
// implements (spec Non-goal). It always reports "no hint yet" so the
// pipeline runs end-to-end (COLD/WARMUP states, empty viewer payloads) even
// with no engine plugged in; a real deployment replaces this with an
// adapter that calls out to the actual engine process.
type noopEngine struct{}

func (noopEngine) Compute(_ context.Context, _, _ string, _ []models.Bar) (*models.Hint, error) {
	return nil, nil
}

func main() {
	cfg := config.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Str("service", "smc-viewer").
		Logger()

	reg := metrics.New()

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	st := store.NewInMemory()
	feed := feedstate.New(int64(cfg.FxcmStaleLagSeconds), logger, reg)
	ctrl := control.Connect(cfg.NatsURL, logger)
	defer ctrl.Close()

	allow := allowListFunc(cfg.AllowList)
	allowSymbol := allowSymbolFunc(cfg.AllowList)

	ingestor := ingest.New(ingest.Config{
		Channel:      cfg.FxcmOhlcvChannel,
		PriceChannel: cfg.FxcmPriceTikChannel,
		HmacRequired: cfg.HmacRequired,
		HmacAlgo:     cfg.HmacAlgo,
		HmacSecret:   cfg.HmacSecret,
		Allow:        allow,
		AllowSymbol:  allowSymbol,
	}, st, feed, logger, reg)

	warmer := warmup.New(cfg, st, feed, logger, reg)

	fastSymbols := fastSymbolsFromAllowList(cfg.AllowList)
	scheduler := producer.New(cfg, st, feed, noopEngine{}, fastSymbols, logger, reg, ctrl)

	builderCfg := viewerstate.Config{
		MaxEvents:          20,
		MaxLegs:            6,
		MaxSwings:          6,
		MaxRanges:          5,
		MaxOteZones:        6,
		MaxPools:           8,
		MaxExecutionEvents: 12,
		MinCloseStepsZones: 1,
		MinCloseStepsPools: 2,
		ZoneMergeIoU:       cfg.ViewerZoneMergeIoU,
		HiddenTTLSteps:     cfg.ViewerHiddenTTLSteps,
	}
	bc := broadcaster.New(broadcaster.Config{
		SmcStateChannel:   cfg.SmcStateChannel(),
		SmcSnapshotKey:    cfg.SmcSnapshotKey(),
		ViewerChannel:     cfg.ViewerChannel(),
		ViewerSnapshotKey: cfg.ViewerSnapshotKey(),
	}, builderCfg, logger, reg)

	httpSrv := httpapi.New(cfg.HTTPAddr, cfg.WebRoot, bc, httpapi.StoreOhlcvProvider{Store: st}, logger, reg)
	wsSrv := wsserver.New(cfg.WSAddr, cfg.ViewerChannel(), rdb, bc, logger, reg)
	adminSrv := adminhttp.New(cfg.AdminHTTPAddr, cfg, feed, reg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info().Str("component", name).Msg("starting")
			fn()
			logger.Info().Str("component", name).Msg("stopped")
		}()
	}

	run("feedstate", func() { feed.RunStatusListener(ctx, rdb, cfg.FxcmStatusChannel) })
	run("ingest", func() { ingestor.Run(ctx, rdb) })
	run("warmup", func() { warmer.Run(ctx, rdb) })
	run("producer", func() { scheduler.Run(ctx, rdb) })
	run("broadcaster", func() { bc.Run(ctx, rdb) })
	run("httpapi", func() {
		if err := httpSrv.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("httpapi server error")
		}
	})
	run("wsserver", func() {
		if err := wsSrv.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("wsserver error")
		}
	})
	run("adminhttp", func() {
		if err := adminSrv.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("adminhttp server error")
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received, stopping")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn().Msg("shutdown timed out, exiting anyway")
	}

	rdb.Close()
}

// allowListFunc builds an ingest.AllowListFunc from the configured pairs.
// An empty allow-list permits everything (no filtering configured).
func allowListFunc(pairs []config.AllowedPair) ingest.AllowListFunc {
	if len(pairs) == 0 {
		return func(_, _ string) bool { return true }
	}
	set := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		set[p.Symbol+"|"+p.TF] = true
	}
	return func(symbol, tf string) bool { return set[symbol+"|"+tf] }
}

// allowSymbolFunc builds an ingest.AllowSymbolFunc from the configured
// pairs: a symbol is permitted if it carries any allow-listed pair at all.
// An empty allow-list permits everything, matching allowListFunc.
func allowSymbolFunc(pairs []config.AllowedPair) ingest.AllowSymbolFunc {
	if len(pairs) == 0 {
		return func(_ string) bool { return true }
	}
	set := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		set[p.Symbol] = true
	}
	return func(symbol string) bool { return set[symbol] }
}

// fastSymbolsFromAllowList is the default C6 fast-symbols provider: the
// configured allow-list's distinct symbols. A real deployment can replace
// this with one backed by a live membership feed; the scheduler's
// add/pause-don't-delete policy handles either source identically.
func fastSymbolsFromAllowList(pairs []config.AllowedPair) producer.FastSymbolsFunc {
	seen := make(map[string]bool)
	symbols := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true
		symbols = append(symbols, p.Symbol)
	}
	return func(_ context.Context) []string { return symbols }
}
