// Package config — runtime configuration for the SMC viewer orchestrator.
//
// Every knob is sourced from the environment with a sane default, following
// the same single-function DefaultConfig/Load shape used throughout this
// codebase.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved runtime configuration for the process.
type Config struct {
	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Namespace string // used to build <ns>:ui:* channel/key names

	// Feed channels (authoritative, spec §6)
	FxcmStatusChannel   string
	FxcmOhlcvChannel    string
	FxcmPriceTikChannel string
	FxcmCommandsChannel string
	FxcmStaleLagSeconds int

	// HMAC verification on inbound ohlcv envelopes
	HmacRequired bool
	HmacAlgo     string
	HmacSecret   string

	// Pair allow-list: "EURUSD:1m,EURUSD:5m,XAUUSD:1m"
	AllowList []AllowedPair

	// C6 scheduler / producer
	SmcPipelineEnabled      bool
	SmcRuntimeLimit         int
	SmcRuntimeEnabled       bool
	SmcBatchSize            int
	SmcMaxAssetsPerCycle    int
	SmcRefreshInterval      time.Duration
	SmcCycleBudgetMs        int
	SmcS2StaleK             float64
	MinReadyPct             float64
	DefaultTimeframe        string
	DefaultLookback         int

	// C5 warmup requester
	SmcS3RequesterEnabled bool
	SmcS3PollSec          int
	SmcS3CooldownSec      int
	SmcS3CommandsChannel  string

	// C7 stage6 anti-flip
	Stage6TTLSec              int
	Stage6ConfirmBars         int
	Stage6SwitchDelta         float64
	Stage6DecayToUnclearAfter int
	Stage6StrongConf          float64
	Stage6StrongScoreDiff     float64
	Stage6MicroConfirmEnabled bool
	Stage6MicroTTLSec         int
	Stage6MicroDmaxAtr        float64
	Stage6MicroBoost          float64
	Stage6MicroBoostPartial   float64

	// C8 viewer state builder
	ViewerZoneMergeIoU    float64
	ViewerHiddenTTLSteps  int

	// C10 HTTP server
	HTTPAddr   string
	WebRoot    string

	// C11 WebSocket server
	WSAddr string

	// Admin surface (additive)
	AdminHTTPAddr string

	// Control bus (additive, optional)
	NatsURL string

	// Ambient
	LogLevel string
}

// AllowedPair is one entry of the ingestor's (symbol, tf) allow-list.
type AllowedPair struct {
	Symbol string
	TF     string
}

// Load builds a Config from the environment, filling every unset value with
// its documented default.
func Load() Config {
	return Config{
		RedisAddr:     getenvStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenvStr("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Namespace: getenvStr("SMC_NAMESPACE", "ai_one"),

		FxcmStatusChannel:   getenvStr("FXCM_STATUS_CHANNEL", "fxcm:status"),
		FxcmOhlcvChannel:    getenvStr("FXCM_OHLCV_CHANNEL", "fxcm:ohlcv"),
		FxcmPriceTikChannel: getenvStr("FXCM_PRICE_TIK_CHANNEL", "fxcm:price_tik"),
		FxcmCommandsChannel: getenvStr("FXCM_COMMANDS_CHANNEL", "fxcm:commands"),
		FxcmStaleLagSeconds: getenvInt("FXCM_STALE_LAG_SECONDS", 30),

		HmacRequired: getenvBool("FXCM_HMAC_REQUIRED", false),
		HmacAlgo:     getenvStr("FXCM_HMAC_ALGO", "sha256"),
		HmacSecret:   getenvStr("FXCM_HMAC_SECRET", ""),

		AllowList: parseAllowList(getenvStr("SMC_ALLOW_LIST", "")),

		SmcPipelineEnabled:   getenvBool("SMC_PIPELINE_ENABLED", true),
		SmcRuntimeLimit:      getenvInt("SMC_RUNTIME_PARAMS_LIMIT", 300),
		SmcRuntimeEnabled:    getenvBool("SMC_RUNTIME_PARAMS_ENABLED", true),
		SmcBatchSize:         getenvInt("SMC_BATCH_SIZE", 8),
		SmcMaxAssetsPerCycle: getenvInt("SMC_MAX_ASSETS_PER_CYCLE", 0),
		SmcRefreshInterval:   time.Duration(getenvInt("SMC_REFRESH_INTERVAL", 5)) * time.Second,
		SmcCycleBudgetMs:     getenvInt("SMC_CYCLE_BUDGET_MS", 2000),
		SmcS2StaleK:          getenvFloat("SMC_S2_STALE_K", 3.0),
		MinReadyPct:          getenvFloat("MIN_READY_PCT", 0.8),
		DefaultTimeframe:     getenvStr("DEFAULT_TIMEFRAME", "5m"),
		DefaultLookback:      getenvInt("DEFAULT_LOOKBACK", 300),

		SmcS3RequesterEnabled: getenvBool("SMC_S3_REQUESTER_ENABLED", true),
		SmcS3PollSec:          getenvInt("SMC_S3_POLL_SEC", 60),
		SmcS3CooldownSec:      getenvInt("SMC_S3_COOLDOWN_SEC", 900),
		SmcS3CommandsChannel:  getenvStr("SMC_S3_COMMANDS_CHANNEL", "fxcm:commands"),

		Stage6TTLSec:              getenvInt("SMC_STAGE6_TTL_SEC", 300),
		Stage6ConfirmBars:         getenvInt("SMC_STAGE6_CONFIRM_BARS", 2),
		Stage6SwitchDelta:         getenvFloat("SMC_STAGE6_SWITCH_DELTA", 0.1),
		Stage6DecayToUnclearAfter: getenvInt("SMC_STAGE6_DECAY_TO_UNCLEAR_AFTER", 3),
		Stage6StrongConf:          getenvFloat("SMC_STAGE6_STRONG_CONF", 0.9),
		Stage6StrongScoreDiff:     getenvFloat("SMC_STAGE6_STRONG_SCORE_DIFF", 0.3),
		Stage6MicroConfirmEnabled: getenvBool("SMC_STAGE6_MICRO_CONFIRM_ENABLED", true),
		Stage6MicroTTLSec:         getenvInt("SMC_STAGE6_MICRO_TTL_SEC", 90),
		Stage6MicroDmaxAtr:        getenvFloat("SMC_STAGE6_MICRO_DMAX_ATR", 0.80),
		Stage6MicroBoost:          getenvFloat("SMC_STAGE6_MICRO_BOOST", 0.05),
		Stage6MicroBoostPartial:   getenvFloat("SMC_STAGE6_MICRO_BOOST_PARTIAL", 0.02),

		ViewerZoneMergeIoU:   getenvFloat("SMC_VIEWER_ZONE_MERGE_IOU", 0.4),
		ViewerHiddenTTLSteps: getenvInt("SMC_VIEWER_HIDDEN_TTL_STEPS", 5),

		HTTPAddr: getenvStr("SMC_VIEWER_HTTP_ADDR", ":8070"),
		WebRoot:  getenvStr("SMC_VIEWER_WEB_ROOT", "./web"),

		WSAddr: getenvStr("SMC_VIEWER_WS_ADDR", ":8071"),

		AdminHTTPAddr: getenvStr("ADMIN_HTTP_ADDR", ":9090"),

		NatsURL: getenvStr("NATS_URL", ""),

		LogLevel: getenvStr("LOG_LEVEL", "info"),
	}
}

// SmcStateChannel is the producer→broadcaster pub/sub channel name.
func (c Config) SmcStateChannel() string { return c.Namespace + ":ui:smc_state" }

// SmcSnapshotKey is the producer's last-envelope snapshot key.
func (c Config) SmcSnapshotKey() string { return c.Namespace + ":ui:smc_snapshot" }

// ViewerChannel is the broadcaster→HTTP/WS per-symbol update channel.
func (c Config) ViewerChannel() string { return c.Namespace + ":ui:smc_viewer_extended" }

// ViewerSnapshotKey is the broadcaster's persisted viewer-snapshot document key.
func (c Config) ViewerSnapshotKey() string { return c.Namespace + ":ui:smc_viewer_snapshot" }

func parseAllowList(raw string) []AllowedPair {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]AllowedPair, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, ":", 2)
		if len(kv) != 2 {
			continue
		}
		out = append(out, AllowedPair{Symbol: strings.ToUpper(strings.TrimSpace(kv[0])), TF: strings.TrimSpace(kv[1])})
	}
	return out
}

func getenvStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
