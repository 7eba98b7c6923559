package binance

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"

	"github.com/vyx/signal-engine/internal/logger"
	"github.com/vyx/signal-engine/pkg/errs"
	"github.com/vyx/signal-engine/pkg/types"
)

const (
	maxRetries   = 3
	retryBackoff = 500 * time.Millisecond

	// requestsPerSecond keeps REST usage far inside Binance weight limits.
	requestsPerSecond = 10
)

// Client wraps the Binance REST API. All calls are rate limited and retried
// with exponential backoff on upstream failures.
type Client struct {
	api     *gobinance.Client
	limiter ratelimit.Limiter
	log     zerolog.Logger
}

// NewClient creates a new Binance REST client. The engine only reads public
// market data, so no credentials are configured.
func NewClient(apiURL string) *Client {
	api := gobinance.NewClient("", "")
	if apiURL != "" {
		api.BaseURL = apiURL
	}

	return &Client{
		api:     api,
		limiter: ratelimit.New(requestsPerSecond),
		log:     logger.WithComponent("binance"),
	}
}

// retry runs fn up to maxRetries times with exponential backoff.
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	backoff := retryBackoff

	for attempt := 0; attempt < maxRetries; attempt++ {
		c.limiter.Take()

		if err = fn(); err == nil {
			return nil
		}

		c.log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("Binance request failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	return fmt.Errorf("%w: %s: %v", errs.ErrUpstream, op, err)
}

// SymbolTicker pairs a symbol with its 24h stats used for screening.
type SymbolTicker struct {
	Symbol string
	Ticker *types.SimplifiedTicker
}

// GetTopSymbols fetches USDT pairs above the volume floor, ordered by 24h
// quote volume descending and capped at count. The full ticker is returned
// alongside each symbol so callers can cache it.
func (c *Client) GetTopSymbols(ctx context.Context, count int, minVolume float64) ([]SymbolTicker, error) {
	var stats []*gobinance.PriceChangeStats
	err := c.retry(ctx, "ticker24h", func() error {
		var err error
		stats, err = c.api.NewListPriceChangeStatsService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	filtered := make([]SymbolTicker, 0, count)
	for _, st := range stats {
		symbol := st.Symbol

		if !strings.HasSuffix(symbol, "USDT") {
			continue
		}
		// Exclude futures/options listings
		if strings.Contains(symbol, "_") {
			continue
		}
		// Exclude leveraged tokens
		if strings.Contains(symbol, "UP") || strings.Contains(symbol, "DOWN") ||
			strings.Contains(symbol, "BEAR") || strings.Contains(symbol, "BULL") {
			continue
		}

		quoteVolume := parseFloat(st.QuoteVolume)
		if quoteVolume <= minVolume {
			continue
		}

		filtered = append(filtered, SymbolTicker{
			Symbol: symbol,
			Ticker: &types.SimplifiedTicker{
				LastPrice:          parseFloat(st.LastPrice),
				PriceChangePercent: parseFloat(st.PriceChangePercent),
				QuoteVolume:        quoteVolume,
			},
		})
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Ticker.QuoteVolume > filtered[j].Ticker.QuoteVolume
	})

	if len(filtered) > count {
		filtered = filtered[:count]
	}

	return filtered, nil
}

// GetKlines fetches historical klines for a symbol and interval.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	var raw []*gobinance.Kline
	err := c.retry(ctx, "klines", func() error {
		var err error
		raw, err = c.api.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	klines := make([]types.Kline, len(raw))
	for i, k := range raw {
		klines[i] = types.Kline{
			OpenTime:      k.OpenTime,
			Open:          parseFloat(k.Open),
			High:          parseFloat(k.High),
			Low:           parseFloat(k.Low),
			Close:         parseFloat(k.Close),
			Volume:        parseFloat(k.Volume),
			CloseTime:     k.CloseTime,
			QuoteVolume:   parseFloat(k.QuoteAssetVolume),
			Trades:        int(k.TradeNum),
			TakerBuyBase:  parseFloat(k.TakerBuyBaseAssetVolume),
			TakerBuyQuote: parseFloat(k.TakerBuyQuoteAssetVolume),
		}
	}

	return klines, nil
}

// GetTicker fetches current 24h ticker data for a single symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*types.SimplifiedTicker, error) {
	var stats []*gobinance.PriceChangeStats
	err := c.retry(ctx, "ticker", func() error {
		var err error
		stats, err = c.api.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("no ticker for symbol %s", symbol)
	}

	st := stats[0]
	return &types.SimplifiedTicker{
		LastPrice:          parseFloat(st.LastPrice),
		PriceChangePercent: parseFloat(st.PriceChangePercent),
		QuoteVolume:        parseFloat(st.QuoteVolume),
	}, nil
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
