// Package httpapi implements C10: the raw-TCP HTTP/1.1 server that serves
// /smc-viewer/snapshot, /smc-viewer/ohlcv, and the static dev UI. Grounded
// on original_source/UI_v2/viewer_state_server.py's exact routing and wire
// format; deliberately built on net/bufio, not net/http, per spec §4.10 —
// the one surface in this module where the ecosystem http stack is
// bypassed by explicit spec instruction rather than by omission.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"mime"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ai-one/smc-viewer/internal/metrics"
	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/rs/zerolog"
)

const (
	defaultOhlcvLimit = 600
	maxOhlcvLimit     = 2000
)

// SnapshotProvider exposes the broadcaster's current per-symbol ViewerState
// map without requiring a Redis round trip.
type SnapshotProvider interface {
	Snapshot() map[string]models.ViewerState
}

// OhlcvProvider fetches the last `limit` complete bars for (symbol, tf),
// optionally cut off at toMs for replay/offline scrubbing.
type OhlcvProvider interface {
	FetchOhlcv(ctx context.Context, symbol, tf string, limit int, toMs *int64) ([]models.Bar, error)
}

// ErrOhlcvNotFound signals an empty series for (symbol, tf).
var ErrOhlcvNotFound = fmt.Errorf("ohlcv not found")

// Server is the raw-accept-loop HTTP server.
type Server struct {
	addr     string
	webRoot  string
	snapshot SnapshotProvider
	ohlcv    OhlcvProvider
	logger   zerolog.Logger
	metrics  *metrics.Registry
}

// New builds a Server. ohlcv may be nil, in which case /smc-viewer/ohlcv
// always answers 501.
func New(addr, webRoot string, snapshot SnapshotProvider, ohlcv OhlcvProvider, logger zerolog.Logger, reg *metrics.Registry) *Server {
	return &Server{
		addr:     addr,
		webRoot:  webRoot,
		snapshot: snapshot,
		ohlcv:    ohlcv,
		logger:   logger.With().Str("component", "httpapi").Logger(),
		metrics:  reg,
	}
}

// Run accepts connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", s.addr).Msg("smc-viewer HTTP listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	start := time.Now()
	path := "unknown"
	status := 500

	reader := bufio.NewReader(conn)
	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	// drain headers; this server never inspects them.
	for {
		line, err := reader.ReadString('\n')
		if err != nil || strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	body, status, path := s.route(ctx, requestLine)
	conn.Write(body)

	if s.metrics != nil {
		s.metrics.HTTPRequestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
		s.metrics.HTTPLatencyMs.WithLabelValues(path).Observe(float64(time.Since(start).Milliseconds()))
	}
}

func (s *Server) route(ctx context.Context, requestLine string) (body []byte, status int, path string) {
	path = "unknown"
	fields := strings.Fields(requestLine)
	if len(fields) < 2 {
		return buildJSON(400, "Bad Request", map[string]any{"error": "bad_request"}), 400, path
	}
	method := strings.ToUpper(fields[0])
	target := fields[1]

	if method == "OPTIONS" {
		return buildJSON(200, "OK", nil), 200, path
	}
	if method != "GET" {
		return buildJSON(405, "Method Not Allowed", map[string]any{"error": "method_not_allowed"}), 405, path
	}

	u, err := url.Parse(target)
	if err != nil {
		return buildJSON(400, "Bad Request", map[string]any{"error": "bad_request"}), 400, path
	}
	path = u.Path
	if path == "" {
		path = "unknown"
	}
	query := u.Query()

	if path == "/favicon.ico" {
		return buildJSON(204, "No Content", nil), 204, path
	}

	if !strings.HasPrefix(path, "/smc-viewer/") {
		if b, st, ok := s.tryStatic(path); ok {
			return b, st, path
		}
	}

	switch {
	case path == "/smc-viewer/ohlcv":
		b, st := s.handleOhlcv(ctx, query)
		return b, st, path
	case path == "/smc-viewer/snapshot":
		symbol := query.Get("symbol")
		if symbol != "" {
			b, st := s.handleSnapshotSymbol(symbol)
			return b, st, path
		}
		b, st := s.handleSnapshotAll()
		return b, st, path
	case strings.HasPrefix(path, "/smc-viewer/stream"):
		return buildJSON(501, "Not Implemented", map[string]any{"error": "websocket_not_implemented"}), 501, path
	}

	return buildJSON(404, "Not Found", map[string]any{"error": "not_found"}), 404, path
}

func (s *Server) handleSnapshotAll() ([]byte, int) {
	if s.snapshot == nil {
		return buildJSON(200, "OK", map[string]models.ViewerState{}), 200
	}
	return buildJSON(200, "OK", s.snapshot.Snapshot()), 200
}

func (s *Server) handleSnapshotSymbol(symbol string) ([]byte, int) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if s.snapshot == nil {
		return buildJSON(404, "Not Found", map[string]any{"error": "symbol_not_found", "symbol": symbol}), 404
	}
	state, ok := s.snapshot.Snapshot()[symbol]
	if !ok {
		return buildJSON(404, "Not Found", map[string]any{"error": "symbol_not_found", "symbol": symbol}), 404
	}
	return buildJSON(200, "OK", state), 200
}

func (s *Server) handleOhlcv(ctx context.Context, query url.Values) ([]byte, int) {
	if s.ohlcv == nil {
		return buildJSON(501, "Not Implemented", map[string]any{"error": "ohlcv_not_enabled"}), 501
	}

	symbol := strings.ToLower(strings.TrimSpace(query.Get("symbol")))
	tf := strings.TrimSpace(query.Get("tf"))
	if symbol == "" || tf == "" {
		return buildJSON(400, "Bad Request", map[string]any{"error": "symbol_and_tf_required"}), 400
	}

	limitRaw := strings.TrimSpace(query.Get("limit"))
	limit := defaultOhlcvLimit
	if limitRaw != "" {
		v, err := strconv.Atoi(limitRaw)
		if err != nil {
			return buildJSON(400, "Bad Request", map[string]any{"error": "invalid_limit"}), 400
		}
		limit = v
	}
	if limit < 1 || limit > maxOhlcvLimit {
		return buildJSON(400, "Bad Request", map[string]any{"error": "limit_out_of_range"}), 400
	}

	var toMs *int64
	toMsRaw := strings.TrimSpace(query.Get("to_ms"))
	if toMsRaw == "" {
		toMsRaw = strings.TrimSpace(query.Get("cursor_ms"))
	}
	if toMsRaw != "" {
		v, err := strconv.ParseFloat(toMsRaw, 64)
		if err != nil {
			return buildJSON(400, "Bad Request", map[string]any{"error": "invalid_to_ms"}), 400
		}
		ms := int64(v)
		toMs = &ms
	} else if s.snapshot != nil {
		if state, ok := s.snapshot.Snapshot()[strings.ToUpper(symbol)]; ok {
			if cursor, ok := state.Meta["replay_cursor_ms"]; ok {
				if f, ok := cursor.(float64); ok && !math.IsNaN(f) {
					ms := int64(f)
					toMs = &ms
				}
			}
		}
	}

	bars, err := s.ohlcv.FetchOhlcv(ctx, symbol, tf, limit, toMs)
	if err == ErrOhlcvNotFound {
		return buildJSON(404, "Not Found", map[string]any{"error": "ohlcv_not_found"}), 404
	}
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Str("tf", tf).Msg("ohlcv fetch failed")
		return buildJSON(500, "Internal Server Error", map[string]any{"error": "ohlcv_internal_error"}), 500
	}

	return buildJSON(200, "OK", models.OhlcvResponse{Symbol: symbol, Timeframe: tf, Limit: limit, Bars: bars}), 200
}

// tryStatic serves a file under webRoot, guarding against path traversal.
func (s *Server) tryStatic(path string) ([]byte, int, bool) {
	if s.webRoot == "" {
		return nil, 0, false
	}
	rel := strings.TrimPrefix(path, "/")
	if rel == "" {
		rel = "index.html"
	}
	for _, part := range strings.Split(strings.ReplaceAll(rel, "\\", "/"), "/") {
		if part == ".." {
			return buildJSON(404, "Not Found", map[string]any{"error": "not_found"}), 404, true
		}
	}

	resolved := filepath.Join(s.webRoot, rel)
	rootAbs, err := filepath.Abs(s.webRoot)
	if err != nil {
		return nil, 0, false
	}
	resolvedAbs, err := filepath.Abs(resolved)
	if err != nil || !strings.HasPrefix(resolvedAbs, rootAbs) {
		return buildJSON(404, "Not Found", map[string]any{"error": "not_found"}), 404, true
	}

	data, err := os.ReadFile(resolvedAbs)
	if err != nil {
		return nil, 0, false
	}

	contentType := mime.TypeByExtension(filepath.Ext(resolvedAbs))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return buildRaw(200, "OK", data, contentType), 200, true
}

func buildJSON(status int, reason string, body any) []byte {
	var bodyBytes []byte
	if body != nil {
		bodyBytes, _ = json.Marshal(body)
	}
	return buildRaw(status, reason, bodyBytes, "application/json; charset=utf-8")
}

func buildRaw(status int, reason string, body []byte, contentType string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", status, reason)
	fmt.Fprintf(&sb, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(body))
	sb.WriteString("Connection: close\r\n")
	sb.WriteString("Access-Control-Allow-Origin: *\r\n")
	sb.WriteString("Access-Control-Allow-Headers: Content-Type\r\n")
	sb.WriteString("Access-Control-Allow-Methods: GET, OPTIONS\r\n")
	sb.WriteString("\r\n")
	return append([]byte(sb.String()), body...)
}
