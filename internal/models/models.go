// Package models — core data shapes shared across the orchestrator.
//
// These types are the authoritative definitions for every cross-component
// record: feed state, history classification, producer output, and the
// UI-facing viewer state. They are serialised to JSON for Redis pub/sub and
// for the HTTP/WebSocket surfaces.

package models

import "time"

// Bar is one OHLCV candle for a (symbol, tf). Identity is
// (symbol, tf, open_time_ms). complete=false marks a view-only live bar
// that must never reach the store.
type Bar struct {
	OpenTimeMs  int64   `json:"open_time_ms"`
	CloseTimeMs int64   `json:"close_time_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	Complete    bool    `json:"complete"`
	Synthetic   bool    `json:"synthetic,omitempty"`
	Source      string  `json:"source,omitempty"`
}

// Tick is an ephemeral last-value price quote for a symbol.
type Tick struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Mid    float64 `json:"mid"`
	TickTs int64   `json:"tick_ts"`
	SnapTs int64   `json:"snap_ts"`
}

// Canonical FeedState tokens.
const (
	MarketOpen    = "open"
	MarketClosed  = "closed"
	MarketUnknown = "unknown"

	StateOK      = "ok"
	StateLag     = "lag"
	StateDown    = "down"
	StateDelayed = "delayed"
)

// SessionInfo carries the broker's trading-session context.
type SessionInfo struct {
	Name               string `json:"name,omitempty"`
	State              string `json:"state,omitempty"`
	SecondsToClose     int64  `json:"seconds_to_close,omitempty"`
	SecondsToNextOpen  int64  `json:"seconds_to_next_open,omitempty"`
}

// FeedState is the process-wide, single-writer snapshot of broker health
// (C1). Replaced atomically on every validated fxcm:status message.
type FeedState struct {
	MarketState    string       `json:"market_state"`
	ProcessState   string       `json:"process_state"`
	PriceState     string       `json:"price_state"`
	OhlcvState     string       `json:"ohlcv_state"`
	LastBarCloseMs int64        `json:"last_bar_close_ms"`
	LagSeconds     float64      `json:"lag_seconds"`
	NextOpenUTC    string       `json:"next_open_utc,omitempty"`
	Session        *SessionInfo `json:"session,omitempty"`
	StatusTs       int64        `json:"status_ts"`
	Note           string       `json:"note,omitempty"`
}

// Clone returns a deep copy safe to hand to a reader goroutine.
func (f FeedState) Clone() FeedState {
	out := f
	if f.Session != nil {
		s := *f.Session
		out.Session = &s
	}
	return out
}

// History classification states (S2, C4).
const (
	HistoryOK           = "ok"
	HistoryInsufficient = "insufficient"
	HistoryStaleTail    = "stale_tail"
	HistoryGappyTail    = "gappy_tail"
	HistoryNonMonotonic = "non_monotonic_tail"
	HistoryUnknown      = "unknown"
)

// HistoryStatus is the pure derivation of tail health for (symbol, tf).
type HistoryStatus struct {
	State             string `json:"state"`
	BarsCount         int    `json:"bars_count"`
	LastOpenTimeMs    int64  `json:"last_open_time_ms"`
	AgeMs             int64  `json:"age_ms"`
	GapsCount         int    `json:"gaps_count"`
	MaxGapMs          int64  `json:"max_gap_ms"`
	NonMonotonicCount int    `json:"non_monotonic_count"`
	NeedsWarmup       bool   `json:"needs_warmup"`
	NeedsBackfill     bool   `json:"needs_backfill"`
}

// Pipeline-local lifecycle states attached to AssetState for the UI.
const (
	AssetInit    = "SMC_INIT"
	AssetPaused  = "SMC_PAUSED"
	AssetNoOhlcv = "SMC_NO_OHLCV"
	AssetWarmup  = "SMC_WARMUP"
	AssetError   = "SMC_ERROR"
	AssetReady   = "SMC_READY"
)

// ScenarioFSMState is the per-symbol Stage6 anti-flip state, owned
// exclusively by the producer goroutine.
type ScenarioFSMState struct {
	StableID      string     `json:"stable_id"`
	StableConf    float64    `json:"stable_conf"`
	StableSinceTs int64      `json:"stable_since_ts"`
	PendingID     string     `json:"pending_id,omitempty"`
	PendingCount  int        `json:"pending_count"`
	PendingConf   float64    `json:"pending_conf,omitempty"`
	UnclearStreak int        `json:"unclear_streak"`
	LastFlip      *FlipEvent `json:"last_flip,omitempty"`
}

// FlipEvent records a single Stage6 stable-scenario transition.
type FlipEvent struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
	Ts     int64  `json:"ts"`
}

// HintMeta is the metadata the analytic engine attaches to every Hint.
type HintMeta struct {
	TfEffective   string         `json:"tf_effective,omitempty"`
	TfHealth      string         `json:"tf_health,omitempty"`
	Gates         []string       `json:"gates,omitempty"`
	HistoryState  string         `json:"history_state,omitempty"`
	Bars5m        int            `json:"bars_5m,omitempty"`
	Telemetry     map[string]any `json:"telemetry,omitempty"`
	ComputeKind   string         `json:"smc_compute_kind,omitempty"` // "preview" | "close"
	SchemaVersion int            `json:"schema_version,omitempty"`
}

// Hint is the (out-of-scope) analytic engine's output: a tagged union at
// the component boundary. Consumers pattern-match the populated blocks
// rather than introspecting a discriminant field.
type Hint struct {
	Structure any      `json:"structure,omitempty"`
	Liquidity any      `json:"liquidity,omitempty"`
	Zones     any      `json:"zones,omitempty"`
	Execution any      `json:"execution,omitempty"`
	Signals   []any    `json:"signals,omitempty"` // raw SCENARIO/etc engine signals, fed to stage6
	Meta      HintMeta `json:"meta"`
}

// AssetState is the producer-owned per-symbol record. Mutated only by the
// producer goroutine; never deleted when a symbol drops out of the
// fast-symbols list — only marked AssetPaused.
type AssetState struct {
	Symbol      string            `json:"symbol"`
	Signal      string            `json:"signal"`
	State       string            `json:"state"`
	Hints       []string          `json:"hints"`
	Stats       map[string]any    `json:"stats"`
	SmcHint     *Hint             `json:"smc_hint,omitempty"`
	ScenarioFSM *ScenarioFSMState `json:"scenario_fsm,omitempty"`
	LastUpdated time.Time         `json:"last_updated"`
}

// Clone returns a copy safe to publish to another goroutine.
func (a AssetState) Clone() AssetState {
	out := a
	out.Hints = append([]string(nil), a.Hints...)
	if a.Stats != nil {
		out.Stats = make(map[string]any, len(a.Stats))
		for k, v := range a.Stats {
			out.Stats[k] = v
		}
	}
	if a.ScenarioFSM != nil {
		fsm := *a.ScenarioFSM
		out.ScenarioFSM = &fsm
	}
	return out
}

// ViewerStateCache is the per-symbol bookkeeping the broadcaster keeps to
// stabilise the UI-facing ViewerState across cycles. Accessed only by the
// broadcaster goroutine; no locking needed.
type ViewerStateCache struct {
	LastEvents          []any
	LastExecutionEvents []any
	LastZonesRaw        any
	LastFxcmMeta        any
	CloseStep           int64
	BornStepByKey       map[string]int64
	ShownPoolKeys       map[string]bool
	HiddenPools         map[string]*HiddenEntry
}

// HiddenEntry tracks a cap-evicted pool during its bounded TTL window.
type HiddenEntry struct {
	Reason             string
	SelectedAt         int64
	HiddenSinceStep    int64
	TouchedWhileHidden int
}

// NewViewerStateCache returns an empty, ready-to-use cache for one symbol.
func NewViewerStateCache() *ViewerStateCache {
	return &ViewerStateCache{
		BornStepByKey: make(map[string]int64),
		ShownPoolKeys: make(map[string]bool),
		HiddenPools:   make(map[string]*HiddenEntry),
	}
}

// ZonesMeta summarises the zone-merge stabilisation pass.
type ZonesMeta struct {
	TruthCount                 int `json:"truth_count"`
	ShownCount                 int `json:"shown_count"`
	MergedClustersCount        int `json:"merged_clusters_count"`
	MergedAwayCount            int `json:"merged_away_count"`
	MaxStack                   int `json:"max_stack"`
	FilteredMissingBoundsCount int `json:"filtered_missing_bounds_count"`
}

// PoolsMeta summarises the pool cap/hidden-TTL stabilisation pass.
type PoolsMeta struct {
	TruthCount                int            `json:"truth_count"`
	ShownCount                int            `json:"shown_count"`
	HiddenCount               int            `json:"hidden_count"`
	HiddenReasons             map[string]int `json:"hidden_reasons,omitempty"`
	TouchedWhileHiddenCount   int            `json:"touched_while_hidden_count"`
	TouchedWhileHiddenReasons map[string]int `json:"touched_while_hidden_reasons,omitempty"`
}

// PipelineLocal is the ready/required-bars ratio surfaced for the UI.
type PipelineLocal struct {
	State           string  `json:"state"`
	ReadyBars       int     `json:"ready_bars"`
	RequiredBars    int     `json:"required_bars"`
	RequiredBarsMin int     `json:"required_bars_min"`
	ReadyRatio      float64 `json:"ready_ratio"`
}

// ViewerStateSchemaVersion is bumped whenever the ViewerState shape changes
// in a way consumers must branch on.
const ViewerStateSchemaVersion = 1

// ViewerState is the UI-facing, frozen per-symbol record. It carries no
// hidden state of its own — everything it needs is derived from AssetState
// plus the per-symbol ViewerStateCache at build time.
type ViewerState struct {
	Schema        int            `json:"schema"`
	Symbol        string         `json:"symbol"`
	Price         *float64       `json:"price,omitempty"`
	Session       string         `json:"session,omitempty"`
	Structure     any            `json:"structure,omitempty"`
	Liquidity     *LiquidityView `json:"liquidity,omitempty"`
	Zones         *ZonesView     `json:"zones,omitempty"`
	Execution     any            `json:"execution,omitempty"`
	Fxcm          any            `json:"fxcm,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	PipelineLocal *PipelineLocal `json:"pipeline_local,omitempty"`
	Scenario      map[string]any `json:"scenario,omitempty"`
}

// LiquidityView carries the filtered pool list and its stabilisation meta.
type LiquidityView struct {
	Pools     []any      `json:"pools"`
	PoolsMeta *PoolsMeta `json:"pools_meta"`
}

// ZonesView carries the merged zone list and its stabilisation meta.
type ZonesView struct {
	Zones     []any      `json:"zones"`
	ZonesMeta *ZonesMeta `json:"zones_meta"`
}

// ControlEvent is the supplementary, best-effort lifecycle notice published
// on the NATS control bus. Never authoritative; see internal/control.
type ControlEvent struct {
	Kind   string    `json:"kind"`
	Symbol string    `json:"symbol,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Ts     time.Time `json:"ts"`
}

// SmcCommand is the repair command C5 publishes back to the broker adapter.
type SmcCommand struct {
	Type            string         `json:"type"`
	Symbol          string         `json:"symbol"`
	TF              string         `json:"tf"`
	MinHistoryBars  int            `json:"min_history_bars"`
	LookbackBars    int            `json:"lookback_bars"`
	LookbackMinutes int            `json:"lookback_minutes"`
	Reason          string         `json:"reason"`
	S2              HistoryStatus  `json:"s2"`
	FxcmStatus      map[string]any `json:"fxcm_status"`
}

// OhlcvResponse is the HTTP /smc-viewer/ohlcv payload shape.
type OhlcvResponse struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Limit     int    `json:"limit"`
	Bars      []Bar  `json:"bars"`
}
