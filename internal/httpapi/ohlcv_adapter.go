package httpapi

import (
	"context"

	"github.com/ai-one/smc-viewer/internal/models"
	"github.com/ai-one/smc-viewer/internal/store"
)

// StoreOhlcvProvider adapts the in-process Store to OhlcvProvider, mirroring
// original_source/UI_v2/ohlcv_provider.py's UnifiedStoreOhlcvProvider.
type StoreOhlcvProvider struct {
	Store store.Store
}

// FetchOhlcv returns up to limit complete bars, optionally cut off at toMs.
func (p StoreOhlcvProvider) FetchOhlcv(ctx context.Context, symbol, tf string, limit int, toMs *int64) ([]models.Bar, error) {
	var (
		bars []models.Bar
		err  error
	)
	if toMs != nil {
		bars, err = p.Store.TailBefore(ctx, symbol, tf, limit, *toMs)
	} else {
		bars, err = p.Store.Tail(ctx, symbol, tf, limit)
	}
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, ErrOhlcvNotFound
	}
	return bars, nil
}
