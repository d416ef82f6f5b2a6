package adminhttp

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/ai-one/smc-viewer/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthz_ReturnsOkStatus(t *testing.T) {
	cfg := config.Config{}
	s := New(":0", cfg, nil, nil, zerolog.Nop())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestDebugConfig_RedactsSecrets(t *testing.T) {
	cfg := config.Config{HmacSecret: "super-secret", RedisPassword: "hunter2"}
	s := New(":0", cfg, nil, nil, zerolog.Nop())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/debug/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body config.Config
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "***redacted***", body.HmacSecret)
	assert.Equal(t, "***redacted***", body.RedisPassword)
}
