// Package control is an additive, best-effort lifecycle event fan-out over
// NATS. The teacher's orchestrator carried a NATSUrl config field but never
// actually dialed a client; this package is what that field was always
// pointing at — a non-authoritative side channel for cycle/feed lifecycle
// notices, never a source of truth for pipeline state.
package control

import (
	"context"
	"encoding/json"

	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Subject is the fixed NATS subject lifecycle events are published on.
const Subject = "smc.control.events"

// NATSControlBus publishes ControlEvents on a best-effort basis. A nil
// *NATSControlBus, or one built with an empty URL, is a safe no-op — callers
// never need to check for enablement before calling Publish.
type NATSControlBus struct {
	conn    *nats.Conn
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// Connect dials NATS if url is non-empty. On dial failure it logs and
// returns a disabled (nil-connection) bus rather than an error, since this
// channel is supplementary and must never block startup.
func Connect(url string, logger zerolog.Logger) *NATSControlBus {
	bus := &NATSControlBus{
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger.With().Str("component", "control").Logger(),
	}
	if url == "" {
		return bus
	}
	conn, err := nats.Connect(url, nats.Name("smc-viewer"), nats.MaxReconnects(-1))
	if err != nil {
		bus.logger.Warn().Err(err).Str("url", url).Msg("NATS control bus disabled: dial failed")
		return bus
	}
	bus.conn = conn
	return bus
}

// Publish best-effort sends one ControlEvent. Silently drops the event if
// the bus is disabled, rate-limited, or the publish itself errors.
func (b *NATSControlBus) Publish(_ context.Context, evt models.ControlEvent) {
	if b == nil || b.conn == nil {
		return
	}
	if !b.limiter.Allow() {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.conn.Publish(Subject, payload); err != nil {
		b.logger.Debug().Err(err).Msg("control event publish failed")
	}
}

// Close drains and closes the underlying connection, if any.
func (b *NATSControlBus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	_ = b.conn.Drain()
}
