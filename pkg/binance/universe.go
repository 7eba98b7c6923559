package binance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyx/signal-engine/internal/logger"
	"github.com/vyx/signal-engine/pkg/types"
)

// Universe holds the active symbol set (top-N USDT pairs by 24h quote volume
// above the configured floor) together with their latest tickers. It is the
// read-mostly answer to "which symbols do we screen, and at what price".
type Universe struct {
	client    *Client
	count     int
	minVolume float64

	mu      sync.RWMutex
	symbols []string
	tickers map[string]*types.SimplifiedTicker

	log zerolog.Logger
}

// NewUniverse creates a symbol universe refreshed from the given client.
func NewUniverse(client *Client, count int, minVolume float64) *Universe {
	return &Universe{
		client:    client,
		count:     count,
		minVolume: minVolume,
		tickers:   make(map[string]*types.SimplifiedTicker),
		log:       logger.WithComponent("universe"),
	}
}

// Refresh reloads the symbol set and tickers once.
func (u *Universe) Refresh(ctx context.Context) error {
	pairs, err := u.client.GetTopSymbols(ctx, u.count, u.minVolume)
	if err != nil {
		return err
	}

	symbols := make([]string, len(pairs))
	tickers := make(map[string]*types.SimplifiedTicker, len(pairs))
	for i, p := range pairs {
		symbols[i] = p.Symbol
		tickers[p.Symbol] = p.Ticker
	}

	u.mu.Lock()
	u.symbols = symbols
	u.tickers = tickers
	u.mu.Unlock()

	u.log.Info().Int("symbols", len(symbols)).Msg("Symbol universe refreshed")
	return nil
}

// RefreshLoop refreshes the universe on the given cadence until ctx ends.
func (u *Universe) RefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.Refresh(ctx); err != nil {
				u.log.Warn().Err(err).Msg("Universe refresh failed")
			}
		}
	}
}

// Symbols returns a snapshot of the active symbol set.
func (u *Universe) Symbols() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make([]string, len(u.symbols))
	copy(out, u.symbols)
	return out
}

// Ticker returns the cached ticker for a symbol, or nil when unknown.
func (u *Universe) Ticker(symbol string) *types.SimplifiedTicker {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.tickers[symbol]
}
