// Package adminhttp is the secondary, operator-facing HTTP surface every
// service in this pack carries alongside its primary API: health checks,
// a redacted config dump, and Prometheus scraping. Grounded on the
// teacher's setupHTTPRoutes/corsMiddleware pattern, rebuilt on gorilla/mux
// instead of the teacher's raw net/http mux since this surface (unlike
// C10) has no spec mandate to avoid a router.
package adminhttp

import (
	"context"
	"net/http"
	"time"

	"github.com/ai-one/smc-viewer/internal/config"
	"github.com/ai-one/smc-viewer/internal/feedstate"
	"github.com/ai-one/smc-viewer/internal/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ai-one/smc-viewer/internal/metrics"
)

// Server is the admin HTTP surface: /healthz, /debug/config, /metrics.
type Server struct {
	addr   string
	cfg    config.Config
	feed   *feedstate.Tracker
	reg    *metrics.Registry
	logger zerolog.Logger
}

// New builds a Server.
func New(addr string, cfg config.Config, feed *feedstate.Tracker, reg *metrics.Registry, logger zerolog.Logger) *Server {
	return &Server{addr: addr, cfg: cfg, feed: feed, reg: reg, logger: logger.With().Str("component", "adminhttp").Logger()}
}

// Handler builds the gorilla/mux router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/debug/config", s.handleDebugConfig).Methods(http.MethodGet, http.MethodOptions)
	if s.reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.reg.Registerer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.logger.Info().Str("addr", s.addr).Msg("admin HTTP listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"ts":     time.Now().UTC(),
	}
	if s.feed != nil {
		snap := s.feed.Snapshot()
		body["feed"] = map[string]any{
			"market_state":  snap.MarketState,
			"process_state": snap.ProcessState,
			"lag_seconds":   snap.LagSeconds,
		}
	}
	handlers.WriteJSON(w, http.StatusOK, body)
}

// handleDebugConfig dumps the resolved config with secrets redacted.
func (s *Server) handleDebugConfig(w http.ResponseWriter, r *http.Request) {
	redacted := s.cfg
	if redacted.HmacSecret != "" {
		redacted.HmacSecret = "***redacted***"
	}
	if redacted.RedisPassword != "" {
		redacted.RedisPassword = "***redacted***"
	}
	handlers.WriteJSON(w, http.StatusOK, redacted)
}
