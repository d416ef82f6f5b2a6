// Package wsserver implements C11: the WebSocket live-stream surface for a
// single symbol per connection.
//
// Grounded on original_source/UI_v2/viewer_state_ws_server.py
// (ping_interval/ping_timeout=20s/20s, close code 4400 on a missing symbol,
// snapshot-then-live ordering, per-connection Redis pubsub filtered by
// symbol) and adapted from the teacher's internal/ws/hub.go client
// lifecycle shape (per-client done channel, backpressure-aware send),
// rewritten here as a per-symbol filtered stream instead of a
// broadcast-to-all hub, since the spec requires each connection to see
// only its own symbol's updates.
package wsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ai-one/smc-viewer/internal/metrics"
	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	pingInterval = 20 * time.Second
	pongWait     = 20 * time.Second
	closeMissingSymbol = 4400
)

// SnapshotProvider gives the WS handler the cold-start state for a symbol
// without waiting for the next live update.
type SnapshotProvider interface {
	Snapshot() map[string]models.ViewerState
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server serves GET /smc-viewer/stream?symbol=SYM.
type Server struct {
	addr     string
	channel  string
	rdb      *goredis.Client
	snapshot SnapshotProvider
	logger   zerolog.Logger
	metrics  *metrics.Registry
	stopping chan struct{}
}

// New builds a Server.
func New(addr, channel string, rdb *goredis.Client, snapshot SnapshotProvider, logger zerolog.Logger, reg *metrics.Registry) *Server {
	return &Server{
		addr:     addr,
		channel:  channel,
		rdb:      rdb,
		snapshot: snapshot,
		logger:   logger.With().Str("component", "wsserver").Logger(),
		metrics:  reg,
		stopping: make(chan struct{}),
	}
}

// Handler returns the HTTP handler serving /smc-viewer/stream, exposed
// separately from Run so it can be mounted under httptest in tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/smc-viewer/stream", s.handleStream)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.logger.Info().Str("addr", s.addr).Msg("smc-viewer WS listening")

	select {
	case <-ctx.Done():
		close(s.stopping)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	symbol := extractSymbol(r.URL)
	if symbol == "" {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeMissingSymbol, "symbol query parameter required"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	connID := uuid.New().String()
	s.logger.Info().Str("conn_id", connID).Str("symbol", symbol).Msg("client subscribed")

	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
	}
	defer func() {
		if s.metrics != nil {
			s.metrics.WSConnections.Dec()
		}
		conn.Close()
	}()

	s.runConn(r.Context(), conn, symbol)
}

func (s *Server) runConn(ctx context.Context, conn *websocket.Conn, symbol string) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Drain client-initiated control frames so read deadlines keep resetting
	// and the connection close is detected promptly.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.sendInitialState(conn, symbol)

	pubsub := s.rdb.Subscribe(ctx, s.channel)
	defer pubsub.Close()
	ch := pubsub.Channel()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopping:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.forwardIfMatches(conn, symbol, msg.Payload)
		}
	}
}

func (s *Server) sendInitialState(conn *websocket.Conn, symbol string) {
	var state any
	if s.snapshot != nil {
		if v, ok := s.snapshot.Snapshot()[symbol]; ok {
			state = v
		}
	}
	s.send(conn, "snapshot", symbol, state)
}

func (s *Server) forwardIfMatches(conn *websocket.Conn, symbol, payload string) {
	var env struct {
		Symbol      string          `json:"symbol"`
		ViewerState json.RawMessage `json:"viewer_state"`
	}
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		if s.metrics != nil {
			s.metrics.WSErrorsTotal.WithLabelValues("parse").Inc()
		}
		return
	}
	if strings.ToUpper(env.Symbol) != symbol {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, buildUpdate(symbol, env.ViewerState)); err != nil {
		if s.metrics != nil {
			s.metrics.WSErrorsTotal.WithLabelValues("send").Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.WSMessagesTotal.WithLabelValues("update").Inc()
	}
}

func (s *Server) send(conn *websocket.Conn, kind, symbol string, state any) {
	payload, err := json.Marshal(map[string]any{"type": kind, "symbol": symbol, "viewer_state": state})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.WSMessagesTotal.WithLabelValues(kind).Inc()
	}
}

func buildUpdate(symbol string, state json.RawMessage) []byte {
	payload, _ := json.Marshal(map[string]any{"type": "update", "symbol": symbol, "viewer_state": state})
	return payload
}

// extractSymbol mirrors _extract_symbol: the only accepted path is
// /smc-viewer/stream, and symbol is required and upper-cased.
func extractSymbol(u *url.URL) string {
	if u.Path != "/smc-viewer/stream" {
		return ""
	}
	symbol := strings.ToUpper(strings.TrimSpace(u.Query().Get("symbol")))
	return symbol
}
