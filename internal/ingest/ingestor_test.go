package ingest

import (
	"context"
	"testing"

	"github.com/ai-one/smc-viewer/internal/feedstate"
	"github.com/ai-one/smc-viewer/internal/metrics"
	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/ai-one/smc-viewer/internal/store"
	"github.com/ai-one/smc-viewer/internal/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIngestor(allow AllowListFunc) (*Ingestor, *store.InMemory, *feedstate.Tracker) {
	st := store.NewInMemory()
	reg := metrics.New()
	feed := feedstate.New(30, zerolog.Nop(), reg)
	in := New(Config{Channel: "fxcm:ohlcv", Allow: allow}, st, feed, zerolog.Nop(), reg)
	return in, st, feed
}

func TestHandlePriceMessage_ValidTickCached(t *testing.T) {
	in, st, _ := newTestIngestor(func(string, string) bool { return true })
	raw := []byte(`{"symbol":"eurusd","bid":1.1,"ask":1.2,"mid":1.15,"tick_ts":1000,"snap_ts":1001}`)
	in.handlePriceMessage(context.Background(), raw)

	tick, ok := st.GetTick(context.Background(), "EURUSD")
	require.True(t, ok)
	assert.Equal(t, 1.15, tick.Mid)
	assert.Equal(t, int64(1000), tick.TickTs)
}

func TestHandlePriceMessage_WireViolationDropped(t *testing.T) {
	in, st, _ := newTestIngestor(func(string, string) bool { return true })
	in.handlePriceMessage(context.Background(), []byte(`{"symbol":"EURUSD"}`))
	_, ok := st.GetTick(context.Background(), "EURUSD")
	assert.False(t, ok)
}

func TestHandlePriceMessage_DropsDisallowedSymbol(t *testing.T) {
	in, st, _ := newTestIngestor(func(string, string) bool { return true })
	in.cfg.AllowSymbol = func(symbol string) bool { return symbol == "GBPUSD" }
	raw := []byte(`{"symbol":"EURUSD","bid":1.1,"ask":1.2,"mid":1.15,"tick_ts":1000,"snap_ts":1001}`)
	in.handlePriceMessage(context.Background(), raw)

	_, ok := st.GetTick(context.Background(), "EURUSD")
	assert.False(t, ok, "ticks for symbols outside the allow-list must not be cached")
}

func TestHandleMessage_CompleteFalseNeverReachesStore(t *testing.T) {
	in, st, _ := newTestIngestor(func(string, string) bool { return true })
	raw := []byte(`{"symbol":"EURUSD","tf":"1m","bars":[
		{"open_time":1000,"close_time":61000,"open":1,"high":1.1,"low":0.9,"close":1.05,"volume":10,"complete":false},
		{"open_time":61000,"close_time":121000,"open":1,"high":1.1,"low":0.9,"close":1.05,"volume":10,"complete":true}
	]}`)
	in.handleMessage(context.Background(), raw)

	tail, err := st.Tail(context.Background(), "EURUSD", "1m", 10)
	require.NoError(t, err)
	assert.Len(t, tail, 1, "only the complete bar should reach the store")
	assert.Equal(t, int64(61_000_000), tail[0].OpenTimeMs)
}

func TestHandleMessage_DropsDisallowedPair(t *testing.T) {
	in, st, _ := newTestIngestor(func(symbol, tf string) bool { return false })
	raw := []byte(`{"symbol":"GBPUSD","tf":"1m","bars":[{"open_time":1,"close_time":61,"open":1,"high":1,"low":1,"close":1,"volume":1,"complete":true}]}`)
	in.handleMessage(context.Background(), raw)

	tail, _ := st.Tail(context.Background(), "GBPUSD", "1m", 10)
	assert.Empty(t, tail)
}

func TestHandleMessage_GatedByMarketClosed(t *testing.T) {
	in, st, feed := newTestIngestor(func(string, string) bool { return true })
	feed.ApplyStatus(&wire.StatusMessage{Market: models.MarketClosed}, 0)

	raw := []byte(`{"symbol":"EURUSD","tf":"1m","bars":[{"open_time":1,"close_time":61,"open":1,"high":1,"low":1,"close":1,"volume":1,"complete":true}]}`)
	in.handleMessage(context.Background(), raw)

	tail, _ := st.Tail(context.Background(), "EURUSD", "1m", 10)
	assert.Empty(t, tail, "bars must not be written while market is closed")
}

func TestHandleMessage_HMACMismatchDropped(t *testing.T) {
	in, st, _ := newTestIngestor(func(string, string) bool { return true })
	in.cfg.HmacRequired = true
	in.cfg.HmacSecret = "shh"

	raw := []byte(`{"symbol":"EURUSD","tf":"1m","bars":[{"open_time":1,"close_time":61,"open":1,"high":1,"low":1,"close":1,"volume":1,"complete":true}],"sig":"deadbeef"}`)
	in.handleMessage(context.Background(), raw)

	tail, _ := st.Tail(context.Background(), "EURUSD", "1m", 10)
	assert.Empty(t, tail)
}

func TestHandleMessage_WireViolationDropped(t *testing.T) {
	in, st, _ := newTestIngestor(func(string, string) bool { return true })
	in.handleMessage(context.Background(), []byte(`not json`))
	tail, _ := st.Tail(context.Background(), "EURUSD", "1m", 10)
	assert.Empty(t, tail)
}
