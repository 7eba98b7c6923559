package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kline represents a single closed candlestick.
// Raw format from Binance: [openTime, open, high, low, close, volume,
// closeTime, quoteVolume, trades, takerBuyBase, takerBuyQuote, ignore]
type Kline struct {
	OpenTime      int64   `json:"openTime"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        float64 `json:"volume"`
	CloseTime     int64   `json:"closeTime"`
	QuoteVolume   float64 `json:"quoteVolume"`
	Trades        int     `json:"trades"`
	TakerBuyBase  float64 `json:"takerBuyBase"`
	TakerBuyQuote float64 `json:"takerBuyQuote"`
}

// SimplifiedTicker is the numeric ticker shape handed to filter code.
type SimplifiedTicker struct {
	LastPrice          float64 `json:"lastPrice"`
	PriceChangePercent float64 `json:"priceChangePercent"`
	QuoteVolume        float64 `json:"quoteVolume"`
}

// MarketData is the read-only bundle a filter snippet evaluates against.
// Klines are keyed by interval string ("5m", "1h", ...), oldest first.
type MarketData struct {
	Symbol    string             `json:"symbol"`
	Ticker    *SimplifiedTicker  `json:"ticker"`
	Klines    map[string][]Kline `json:"klines"`
	Timestamp time.Time          `json:"timestamp"`
}

// Trader is the persisted trader row. The filter payload is kept raw
// because the UI has historically written it both as an object and as a
// double-encoded JSON string; GetFilter handles both.
type Trader struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Enabled     bool            `json:"enabled"`
	IsBuiltIn   bool            `json:"is_built_in"`
	Filter      json.RawMessage `json:"filter"`
	Schedule    string          `json:"schedule_interval"`
	// DedupeBars is a pointer so an absent column can fall back to the
	// engine default while an explicit 0 disables dedup entirely.
	DedupeBars *int      `json:"dedupe_bars"`
	TierHint   string    `json:"tier_hint,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TraderFilter is the executable payload of a trader.
type TraderFilter struct {
	Code               string   `json:"code"`
	Description        []string `json:"description"`
	RequiredTimeframes []string `json:"requiredTimeframes"`
}

// GetFilter decodes the raw filter payload, tolerating double-encoding.
func (t *Trader) GetFilter() (*TraderFilter, error) {
	if len(t.Filter) == 0 {
		return nil, fmt.Errorf("trader %s has no filter", t.ID)
	}

	var filter TraderFilter
	if err := json.Unmarshal(t.Filter, &filter); err == nil && filter.Code != "" {
		return &filter, nil
	}

	// Double-encoded: the payload is a JSON string containing JSON.
	var encoded string
	if err := json.Unmarshal(t.Filter, &encoded); err != nil {
		return nil, fmt.Errorf("failed to decode filter for trader %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(encoded), &filter); err != nil {
		return nil, fmt.Errorf("failed to decode nested filter for trader %s: %w", t.ID, err)
	}

	return &filter, nil
}

// Signal is a persisted record of a filter returning true.
type Signal struct {
	ID                    string    `json:"id"`
	TraderID              string    `json:"trader_id"`
	UserID                *string   `json:"user_id,omitempty"`
	Symbol                string    `json:"symbol"`
	Interval              string    `json:"interval"`
	Timestamp             time.Time `json:"timestamp"`
	KlineTimestamp        int64     `json:"kline_timestamp"`
	PriceAtSignal         float64   `json:"price_at_signal"`
	ChangePercentAtSignal float64   `json:"change_percent_at_signal"`
	VolumeAtSignal        float64   `json:"volume_at_signal"`
	MatchedConditions     []string  `json:"matched_conditions,omitempty"`
	Count                 int       `json:"count"`
	Source                string    `json:"source"`
	MachineID             *string   `json:"machine_id,omitempty"`
}

// ExecutionHistory is the audit row written after each evaluation batch.
type ExecutionHistory struct {
	ID              string    `json:"id"`
	TraderID        string    `json:"trader_id"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	SymbolsChecked  int       `json:"symbols_checked"`
	SymbolsMatched  int       `json:"symbols_matched"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	Error           *string   `json:"error,omitempty"`
}

// HealthStatus is the health check response body.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Uptime    float64   `json:"uptimeSeconds"`
}

// ErrorResponse is the uniform API error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// KlineInterval represents supported timeframes.
type KlineInterval string

const (
	Interval1m  KlineInterval = "1m"
	Interval5m  KlineInterval = "5m"
	Interval15m KlineInterval = "15m"
	Interval30m KlineInterval = "30m"
	Interval1h  KlineInterval = "1h"
	Interval4h  KlineInterval = "4h"
	Interval1d  KlineInterval = "1d"
)

// SubscriptionTier represents user subscription levels.
type SubscriptionTier string

const (
	TierAnonymous SubscriptionTier = "ANONYMOUS"
	TierFree      SubscriptionTier = "FREE"
	TierPro       SubscriptionTier = "PRO"
	TierElite     SubscriptionTier = "ELITE"
)

// User is the minimal projection of a user the engine needs.
type User struct {
	ID               string           `json:"id"`
	Email            string           `json:"email"`
	SubscriptionTier SubscriptionTier `json:"subscription_tier"`
	CreatedAt        time.Time        `json:"created_at"`
}
