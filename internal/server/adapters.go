package server

import (
	"context"

	"github.com/vyx/signal-engine/pkg/binance"
	"github.com/vyx/signal-engine/pkg/cache"
	"github.com/vyx/signal-engine/pkg/types"
)

// MarketAdapter answers market endpoints from the cache first and falls
// back to the exchange REST API on a miss.
type MarketAdapter struct {
	Universe *binance.Universe
	Cache    *cache.KlineCache
	Client   *binance.Client
}

// Symbols returns the active symbol universe.
func (a *MarketAdapter) Symbols() []string {
	return a.Universe.Symbols()
}

// Klines serves cached klines, refetching from the exchange when the cache
// has nothing for the pair.
func (a *MarketAdapter) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	klines, err := a.Cache.Get(symbol, interval, limit)
	if err == nil {
		return klines, nil
	}

	klines, err = a.Client.GetKlines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}

	a.Cache.Set(symbol, interval, klines)
	return klines, nil
}
