package wsserver

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ai-one/smc-viewer/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestExtractSymbol_RequiresExactStreamPath(t *testing.T) {
	assert.Equal(t, "", extractSymbol(mustParse(t, "/other?symbol=EURUSD")))
}

func TestExtractSymbol_MissingQueryParamReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", extractSymbol(mustParse(t, "/smc-viewer/stream")))
}

func TestExtractSymbol_UppercasesAndTrims(t *testing.T) {
	assert.Equal(t, "EURUSD", extractSymbol(mustParse(t, "/smc-viewer/stream?symbol=  eurusd  ")))
}

// A connection with no symbol query parameter must be upgraded then
// immediately closed with the 4400 application close code, never streamed.
func TestHandleStream_MissingSymbolClosesWith4400(t *testing.T) {
	s := New(":0", "test:viewer", nil, nil, zerolog.Nop(), metrics.New())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/smc-viewer/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %T: %v", err, err)
	assert.Equal(t, closeMissingSymbol, closeErr.Code)
}
