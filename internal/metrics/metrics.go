// Package metrics centralises every Prometheus metric named across the
// spec's component sections into a single registry constructed once at
// startup and injected into each component, following the same
// single-constructor-registers-everything shape the wider example pack
// uses for its metrics glue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns every metric this process exports.
type Registry struct {
	reg *prometheus.Registry

	// C1 feed state
	FxcmFeedLagSeconds prometheus.Gauge
	FxcmFeedState      *prometheus.GaugeVec

	// C3 ingestor
	IngestBarsTotal       *prometheus.CounterVec
	IngestTicksTotal      *prometheus.CounterVec
	IngestErrorsTotal     *prometheus.CounterVec
	IngestReconnectsTotal prometheus.Counter

	// C5 warmup requester
	WarmupCommandsTotal  *prometheus.CounterVec
	WarmupRateLimitSkips *prometheus.CounterVec

	// C6 producer
	CycleDurationMs   prometheus.Histogram
	CycleSeq          prometheus.Counter
	CycleSkippedAssets prometheus.Gauge
	SymbolErrorsTotal *prometheus.CounterVec

	// C9 broadcaster
	ViewerErrorsTotal         prometheus.Counter
	ViewerBuildLatencyMs      prometheus.Histogram

	// C10 http
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPLatencyMs     *prometheus.HistogramVec

	// C11 websocket
	WSConnections    prometheus.Gauge
	WSMessagesTotal  *prometheus.CounterVec
	WSErrorsTotal    *prometheus.CounterVec
}

// New constructs and registers every metric exactly once.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,

		FxcmFeedLagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ai_one_fxcm_feed_lag_seconds",
			Help: "Seconds between now and the last observed bar close.",
		}),
		FxcmFeedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ai_one_fxcm_feed_state",
			Help: "Current broker feed state, a single gauge set to 1 for the current (market_state, process_state) combination.",
		}, []string{"market_state", "process_state"}),

		IngestBarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_one_ingest_bars_total",
			Help: "Bars accepted into the store, by symbol and timeframe.",
		}, []string{"symbol", "tf"}),
		IngestTicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_one_ingest_ticks_total",
			Help: "Price ticks accepted into the tick cache, by symbol.",
		}, []string{"symbol"}),
		IngestErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_one_ingest_errors_total",
			Help: "Dropped inbound messages, by reason.",
		}, []string{"reason"}),
		IngestReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ai_one_ingest_reconnects_total",
			Help: "Ingestor Redis reconnect attempts.",
		}),

		WarmupCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_one_warmup_commands_total",
			Help: "Repair commands published by the warmup requester, by cmd_type and reason.",
		}, []string{"cmd_type", "reason"}),
		WarmupRateLimitSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_one_warmup_rate_limit_skips_total",
			Help: "Commands skipped due to cooldown, by symbol and tf.",
		}, []string{"symbol", "tf"}),

		CycleDurationMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ai_one_smc_cycle_duration_ms",
			Help:    "Producer cycle wall-clock duration.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}),
		CycleSeq: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ai_one_smc_cycle_seq_total",
			Help: "Monotone count of completed producer cycles.",
		}),
		CycleSkippedAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ai_one_smc_cycle_skipped_assets",
			Help: "Symbols skipped in the most recent cycle due to the capacity cap.",
		}),
		SymbolErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_one_smc_symbol_errors_total",
			Help: "Per-symbol engine/store errors during producer cycles.",
		}, []string{"symbol", "kind"}),

		ViewerErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ai_one_smc_viewer_errors_total",
			Help: "Broadcaster parse/transform errors.",
		}),
		ViewerBuildLatencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ai_one_smc_viewer_build_latency_ms",
			Help:    "ViewerState build latency per envelope.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_one_smc_viewer_http_requests_total",
			Help: "HTTP requests served, by path and status.",
		}, []string{"path", "status"}),
		HTTPLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ai_one_smc_viewer_http_latency_ms",
			Help:    "HTTP request latency, by path.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"path"}),

		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ai_one_smc_viewer_ws_connections",
			Help: "Currently connected WebSocket clients.",
		}),
		WSMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_one_smc_viewer_ws_messages_total",
			Help: "WebSocket frames sent, by type.",
		}, []string{"type"}),
		WSErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_one_smc_viewer_ws_errors_total",
			Help: "WebSocket errors, by stage.",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		r.FxcmFeedLagSeconds, r.FxcmFeedState,
		r.IngestBarsTotal, r.IngestTicksTotal, r.IngestErrorsTotal, r.IngestReconnectsTotal,
		r.WarmupCommandsTotal, r.WarmupRateLimitSkips,
		r.CycleDurationMs, r.CycleSeq, r.CycleSkippedAssets, r.SymbolErrorsTotal,
		r.ViewerErrorsTotal, r.ViewerBuildLatencyMs,
		r.HTTPRequestsTotal, r.HTTPLatencyMs,
		r.WSConnections, r.WSMessagesTotal, r.WSErrorsTotal,
	)
	return r
}

// Registerer exposes the underlying *prometheus.Registry for promhttp.
func (r *Registry) Registerer() *prometheus.Registry { return r.reg }

// SetFxcmFeedState records the current (market_state, process_state) pair,
// clearing any previously-set combination first so stale labels don't
// linger as phantom series.
func (r *Registry) SetFxcmFeedState(market, process string) {
	r.FxcmFeedState.Reset()
	r.FxcmFeedState.WithLabelValues(market, process).Set(1)
}

// SetFxcmFeedLagSeconds records the current feed lag.
func (r *Registry) SetFxcmFeedLagSeconds(v float64) {
	r.FxcmFeedLagSeconds.Set(v)
}
