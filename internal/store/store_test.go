package store

import (
	"context"
	"testing"

	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestTick_PutGetRoundTrip(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	_, ok := s.GetTick(ctx, "EURUSD")
	assert.False(t, ok, "no tick cached yet")

	err := s.PutTick(ctx, models.Tick{Symbol: "EURUSD", Bid: 1.1, Ask: 1.2, Mid: 1.15, TickTs: 1000, SnapTs: 1001})
	assert.NoError(t, err)

	tick, ok := s.GetTick(ctx, "EURUSD")
	assert.True(t, ok)
	assert.Equal(t, 1.15, tick.Mid)
}

func TestTick_PutOverwritesPreviousValue(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	_ = s.PutTick(ctx, models.Tick{Symbol: "EURUSD", Mid: 1.1, TickTs: 1000, SnapTs: 1000})
	_ = s.PutTick(ctx, models.Tick{Symbol: "EURUSD", Mid: 1.2, TickTs: 2000, SnapTs: 2000})

	tick, ok := s.GetTick(ctx, "EURUSD")
	assert.True(t, ok)
	assert.Equal(t, 1.2, tick.Mid, "last-value cache keeps only the most recent tick per symbol")
}
