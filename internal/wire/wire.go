// Package wire implements the stateless wire contracts for inbound broker
// messages: fxcm:ohlcv, fxcm:price_tik, fxcm:status. Every function here
// fails closed — malformed input returns a nil/zero result, never an error
// that could propagate across a component boundary.
package wire

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/ai-one/smc-viewer/internal/models"
)

// OhlcvEnvelope is the raw fxcm:ohlcv payload shape.
type OhlcvEnvelope struct {
	Symbol string          `json:"symbol"`
	TF     string          `json:"tf"`
	Bars   []models.Bar    `json:"bars"`
	Sig    string          `json:"sig,omitempty"`
}

// ParseOhlcv validates a raw fxcm:ohlcv message. Bars missing any required
// finite numeric are dropped; the envelope survives if at least one valid
// bar remains. Returns nil on hard violations (non-object, missing symbol,
// or zero surviving bars).
func ParseOhlcv(raw []byte) *OhlcvEnvelope {
	var generic struct {
		Symbol string            `json:"symbol"`
		TF     string            `json:"tf"`
		Bars   []json.RawMessage `json:"bars"`
		Sig    string            `json:"sig"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil
	}
	if strings.TrimSpace(generic.Symbol) == "" {
		return nil
	}

	bars := make([]models.Bar, 0, len(generic.Bars))
	for _, rawBar := range generic.Bars {
		bar, ok := parseBar(rawBar)
		if !ok {
			continue
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil
	}
	return &OhlcvEnvelope{
		Symbol: strings.ToUpper(strings.TrimSpace(generic.Symbol)),
		TF:     strings.TrimSpace(generic.TF),
		Bars:   bars,
		Sig:    generic.Sig,
	}
}

func parseBar(raw json.RawMessage) (models.Bar, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return models.Bar{}, false
	}

	openTime, ok1 := asInt64(m["open_time"])
	closeTime, ok2 := asInt64(m["close_time"])
	open, ok3 := asFinite(m["open"])
	high, ok4 := asFinite(m["high"])
	low, ok5 := asFinite(m["low"])
	closeP, ok6 := asFinite(m["close"])
	volume, ok7 := asFinite(m["volume"])
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return models.Bar{}, false
	}

	complete := true
	if v, present := m["complete"]; present {
		if b, ok := v.(bool); ok {
			complete = b
		}
	}
	synthetic, _ := m["synthetic"].(bool)
	source, _ := m["source"].(string)

	return models.Bar{
		OpenTimeMs:  normaliseMs(openTime),
		CloseTimeMs: normaliseMs(closeTime),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closeP,
		Volume:      volume,
		Complete:    complete,
		Synthetic:   synthetic,
		Source:      source,
	}, true
}

// normaliseMs accepts open_time/close_time in seconds or milliseconds.
// Heuristic: values already above 1e12 are treated as milliseconds.
func normaliseMs(v int64) int64 {
	if v > 1_000_000_000_000 {
		return v
	}
	return v * 1000
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	}
	return 0, false
}

func asFinite(v any) (float64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// PriceTick is the raw fxcm:price_tik payload shape.
type PriceTick struct {
	models.Tick
}

// ParsePriceTick requires all of {symbol, bid, ask, mid, tick_ts, snap_ts}.
// Returns nil if any is missing or malformed.
func ParsePriceTick(raw []byte) *PriceTick {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	symbol, _ := m["symbol"].(string)
	if strings.TrimSpace(symbol) == "" {
		return nil
	}
	bid, ok1 := asFinite(m["bid"])
	ask, ok2 := asFinite(m["ask"])
	mid, ok3 := asFinite(m["mid"])
	tickTs, ok4 := asInt64(m["tick_ts"])
	snapTs, ok5 := asInt64(m["snap_ts"])
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return nil
	}
	return &PriceTick{models.Tick{
		Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
		Bid:    bid,
		Ask:    ask,
		Mid:    mid,
		TickTs: tickTs,
		SnapTs: snapTs,
	}}
}

// StatusMessage is the raw fxcm:status payload shape; any subset of fields
// is accepted, empty strings collapse to absence.
type StatusMessage struct {
	Ts      int64
	Market  string
	Process string
	Price   string
	Ohlcv   string
	Note    string
	Session *models.SessionInfo
}

// ParseStatus accepts any subset of {ts, market, process, price, ohlcv,
// note, session}. Returns nil only on non-object input.
func ParseStatus(raw []byte) *StatusMessage {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	out := &StatusMessage{}
	if ts, ok := asInt64(m["ts"]); ok {
		out.Ts = ts
	}
	out.Market = collapseEmpty(m["market"])
	out.Process = collapseEmpty(m["process"])
	out.Price = collapseEmpty(m["price"])
	out.Ohlcv = collapseEmpty(m["ohlcv"])
	out.Note = collapseEmpty(m["note"])
	if rawSession, ok := m["session"].(map[string]any); ok {
		s := &models.SessionInfo{}
		s.Name = collapseEmpty(rawSession["name"])
		s.State = collapseEmpty(rawSession["state"])
		if v, ok := asInt64(rawSession["seconds_to_close"]); ok {
			s.SecondsToClose = v
		}
		if v, ok := asInt64(rawSession["seconds_to_next_open"]); ok {
			s.SecondsToNextOpen = v
		}
		out.Session = s
	}
	return out
}

func collapseEmpty(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
