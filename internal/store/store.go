// Package store defines the consumer-side tail/put API the rest of this
// module depends on. Persistent store internals are out of scope (spec
// §1); this package exists so C3/C6/C10 can be exercised and tested
// without a real time-series database.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ai-one/smc-viewer/internal/models"
)

// Store is the interface every consumer (ingestor, producer, HTTP server)
// programs against. The in-memory implementation accepts out-of-order bar
// writes and re-sorts each (symbol, tf) series by open_time on insert; it
// does not reject or deduplicate bars with an equal open_time.
type Store interface {
	PutBars(ctx context.Context, symbol, tf string, bars []models.Bar) error
	Tail(ctx context.Context, symbol, tf string, limit int) ([]models.Bar, error)
	TailBefore(ctx context.Context, symbol, tf string, limit int, beforeMs int64) ([]models.Bar, error)

	// PutTick replaces the last-value tick cache entry for tick.Symbol.
	PutTick(ctx context.Context, tick models.Tick) error
	// GetTick returns the last cached tick for symbol, if any.
	GetTick(ctx context.Context, symbol string) (models.Tick, bool)
}

type key struct {
	symbol string
	tf     string
}

// InMemory is a single-writer, many-reader reference implementation. Not
// for production persistence — see DESIGN.md.
type InMemory struct {
	mu    sync.RWMutex
	bars  map[key][]models.Bar
	ticks map[string]models.Tick
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{bars: make(map[key][]models.Bar), ticks: make(map[string]models.Tick)}
}

// PutBars appends bars, rejecting any with complete=false (spec invariant
// 2), keeping the per-(symbol,tf) series sorted by open_time.
func (s *InMemory) PutBars(_ context.Context, symbol, tf string, bars []models.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{symbol: symbol, tf: tf}
	existing := s.bars[k]
	for _, b := range bars {
		if !b.Complete {
			continue
		}
		existing = append(existing, b)
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].OpenTimeMs < existing[j].OpenTimeMs })
	s.bars[k] = existing
	return nil
}

// Tail returns the most recent `limit` bars for (symbol, tf).
func (s *InMemory) Tail(_ context.Context, symbol, tf string, limit int) ([]models.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.bars[key{symbol: symbol, tf: tf}]
	if len(all) <= limit {
		return append([]models.Bar(nil), all...), nil
	}
	return append([]models.Bar(nil), all[len(all)-limit:]...), nil
}

// TailBefore returns up to `limit` bars with close_time <= beforeMs.
func (s *InMemory) TailBefore(_ context.Context, symbol, tf string, limit int, beforeMs int64) ([]models.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.bars[key{symbol: symbol, tf: tf}]
	cut := len(all)
	for cut > 0 && all[cut-1].CloseTimeMs > beforeMs {
		cut--
	}
	windowed := all[:cut]
	if len(windowed) == 0 {
		return nil, fmt.Errorf("no bars for %s/%s before %d", symbol, tf, beforeMs)
	}
	if len(windowed) <= limit {
		return append([]models.Bar(nil), windowed...), nil
	}
	return append([]models.Bar(nil), windowed[len(windowed)-limit:]...), nil
}

// PutTick overwrites the last-value cache entry for tick.Symbol.
func (s *InMemory) PutTick(_ context.Context, tick models.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[tick.Symbol] = tick
	return nil
}

// GetTick returns the last cached tick for symbol, if one has ever arrived.
func (s *InMemory) GetTick(_ context.Context, symbol string) (models.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ticks[symbol]
	return t, ok
}
