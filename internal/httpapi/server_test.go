package httpapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ai-one/smc-viewer/internal/metrics"
	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshot struct {
	states map[string]models.ViewerState
}

func (f fakeSnapshot) Snapshot() map[string]models.ViewerState { return f.states }

type fakeOhlcv struct {
	bars []models.Bar
	err  error
}

func (f fakeOhlcv) FetchOhlcv(context.Context, string, string, int, *int64) ([]models.Bar, error) {
	return f.bars, f.err
}

func newTestServer(snap SnapshotProvider, ohlcv OhlcvProvider) *Server {
	return New(":0", "", snap, ohlcv, zerolog.Nop(), metrics.New())
}

// TestSnapshot_UnknownSymbolReturns404 covers the spec scenario of
// requesting a symbol the broadcaster has never seen.
func TestSnapshot_UnknownSymbolReturns404(t *testing.T) {
	s := newTestServer(fakeSnapshot{states: map[string]models.ViewerState{}}, nil)
	body, status := s.handleSnapshotSymbol("EURUSD")
	assert.Equal(t, 404, status)
	assert.Contains(t, string(body), "symbol_not_found")
}

func TestSnapshot_KnownSymbolReturns200WithBody(t *testing.T) {
	s := newTestServer(fakeSnapshot{states: map[string]models.ViewerState{
		"EURUSD": {Schema: 1, Symbol: "EURUSD"},
	}}, nil)
	body, status := s.handleSnapshotSymbol("eurusd")
	assert.Equal(t, 200, status)

	var sep int
	for i, b := range body {
		if b == '{' {
			sep = i
			break
		}
	}
	var decoded models.ViewerState
	require.NoError(t, json.Unmarshal(body[sep:], &decoded))
	assert.Equal(t, "EURUSD", decoded.Symbol)
}

func TestOhlcv_MissingSymbolOrTfReturns400(t *testing.T) {
	s := newTestServer(nil, fakeOhlcv{bars: []models.Bar{{Close: 1}}})
	_, status, path := s.route(context.Background(), "GET /smc-viewer/ohlcv HTTP/1.1")
	assert.Equal(t, 400, status)
	assert.Equal(t, "/smc-viewer/ohlcv", path)
}

func TestOhlcv_LimitOutOfRangeReturns400(t *testing.T) {
	s := newTestServer(nil, fakeOhlcv{bars: []models.Bar{{Close: 1}}})
	_, status, _ := s.route(context.Background(), "GET /smc-viewer/ohlcv?symbol=eurusd&tf=5m&limit=5000 HTTP/1.1")
	assert.Equal(t, 400, status)
}

func TestOhlcv_NoProviderReturns501(t *testing.T) {
	s := newTestServer(nil, nil)
	_, status, _ := s.route(context.Background(), "GET /smc-viewer/ohlcv?symbol=eurusd&tf=5m HTTP/1.1")
	assert.Equal(t, 501, status)
}

func TestOhlcv_NotFoundProviderReturns404(t *testing.T) {
	s := newTestServer(nil, fakeOhlcv{err: ErrOhlcvNotFound})
	_, status, _ := s.route(context.Background(), "GET /smc-viewer/ohlcv?symbol=eurusd&tf=5m HTTP/1.1")
	assert.Equal(t, 404, status)
}

func TestOhlcv_ValidRequestReturns200(t *testing.T) {
	s := newTestServer(nil, fakeOhlcv{bars: []models.Bar{{OpenTimeMs: 1, Close: 1.23, Complete: true}}})
	_, status, _ := s.route(context.Background(), "GET /smc-viewer/ohlcv?symbol=eurusd&tf=5m&limit=10 HTTP/1.1")
	assert.Equal(t, 200, status)
}

func TestOptionsRequestReturns200(t *testing.T) {
	s := newTestServer(nil, nil)
	_, status, _ := s.route(context.Background(), "OPTIONS /smc-viewer/snapshot HTTP/1.1")
	assert.Equal(t, 200, status)
}

func TestNonGetMethodReturns405(t *testing.T) {
	s := newTestServer(nil, nil)
	_, status, _ := s.route(context.Background(), "POST /smc-viewer/snapshot HTTP/1.1")
	assert.Equal(t, 405, status)
}

func TestUnknownRouteReturns404(t *testing.T) {
	s := newTestServer(nil, nil)
	_, status, _ := s.route(context.Background(), "GET /smc-viewer/unknown HTTP/1.1")
	assert.Equal(t, 404, status)
}

func TestStreamRouteReturns501(t *testing.T) {
	s := newTestServer(nil, nil)
	_, status, _ := s.route(context.Background(), "GET /smc-viewer/stream HTTP/1.1")
	assert.Equal(t, 501, status)
}
