package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyx/signal-engine/pkg/types"
)

// series is one (symbol, interval) kline window with its own lock, so a
// writer appending BTCUSDT@1m never blocks readers of ETHUSDT@5m.
type series struct {
	mu     sync.RWMutex
	klines []types.Kline
}

// KlineCache provides thread-safe in-memory storage for kline data.
// The outer lock guards only map topology; each series guards its own data.
type KlineCache struct {
	mu      sync.RWMutex
	entries map[string]map[string]*series // [symbol][interval]
	maxLen  int
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewKlineCache creates a new kline cache keeping at most maxLen klines per
// symbol/interval pair.
func NewKlineCache(maxLen int) *KlineCache {
	return &KlineCache{
		entries: make(map[string]map[string]*series),
		maxLen:  maxLen,
	}
}

// getSeries returns the series for a pair, creating it when create is set.
func (c *KlineCache) getSeries(symbol, interval string, create bool) *series {
	c.mu.RLock()
	bySymbol, ok := c.entries[symbol]
	var s *series
	if ok {
		s = bySymbol[interval]
	}
	c.mu.RUnlock()

	if s != nil || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[symbol] == nil {
		c.entries[symbol] = make(map[string]*series)
	}
	if c.entries[symbol][interval] == nil {
		c.entries[symbol][interval] = &series{}
	}
	return c.entries[symbol][interval]
}

// Set bulk sets klines for a symbol/interval pair (used for bootstrap).
func (c *KlineCache) Set(symbol, interval string, klines []types.Kline) {
	s := c.getSeries(symbol, interval, true)

	if len(klines) > c.maxLen {
		klines = klines[len(klines)-c.maxLen:]
	}

	copied := make([]types.Kline, len(klines))
	copy(copied, klines)

	s.mu.Lock()
	s.klines = copied
	s.mu.Unlock()
}

// Get retrieves the latest N klines for a symbol/interval pair. The returned
// slice is a snapshot copy; callers may read it without holding any lock.
func (c *KlineCache) Get(symbol, interval string, limit int) ([]types.Kline, error) {
	s := c.getSeries(symbol, interval, false)
	if s == nil {
		c.misses.Add(1)
		return nil, fmt.Errorf("no klines cached for %s@%s", symbol, interval)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.klines) == 0 {
		c.misses.Add(1)
		return nil, fmt.Errorf("no klines cached for %s@%s", symbol, interval)
	}

	c.hits.Add(1)

	if limit <= 0 || limit > len(s.klines) {
		limit = len(s.klines)
	}

	result := make([]types.Kline, limit)
	copy(result, s.klines[len(s.klines)-limit:])
	return result, nil
}

// Update appends a new kline or replaces the last one when the open time
// matches (an update to the still-forming candle). Appends are O(1).
func (c *KlineCache) Update(symbol, interval string, kline types.Kline) {
	s := c.getSeries(symbol, interval, true)

	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.klines); n > 0 && s.klines[n-1].OpenTime == kline.OpenTime {
		s.klines[n-1] = kline
		return
	}

	s.klines = append(s.klines, kline)
	if len(s.klines) > c.maxLen {
		s.klines = s.klines[1:]
	}
}

// Has checks if the cache has data for a symbol/interval pair.
func (c *KlineCache) Has(symbol, interval string) bool {
	s := c.getSeries(symbol, interval, false)
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.klines) > 0
}

// Len returns the number of klines held for a symbol/interval pair.
func (c *KlineCache) Len(symbol, interval string) int {
	s := c.getSeries(symbol, interval, false)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.klines)
}

// GetSymbols returns all symbols currently in the cache.
func (c *KlineCache) GetSymbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	symbols := make([]string, 0, len(c.entries))
	for symbol := range c.entries {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// GetIntervals returns all intervals cached for a given symbol.
func (c *KlineCache) GetIntervals(symbol string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bySymbol, ok := c.entries[symbol]
	if !ok {
		return nil
	}

	intervals := make([]string, 0, len(bySymbol))
	for interval := range bySymbol {
		intervals = append(intervals, interval)
	}
	return intervals
}

// GetLatestKline returns the most recent kline for a symbol/interval.
func (c *KlineCache) GetLatestKline(symbol, interval string) (*types.Kline, error) {
	s := c.getSeries(symbol, interval, false)
	if s == nil {
		return nil, fmt.Errorf("no klines cached for %s@%s", symbol, interval)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.klines) == 0 {
		return nil, fmt.Errorf("no klines cached for %s@%s", symbol, interval)
	}

	latest := s.klines[len(s.klines)-1]
	return &latest, nil
}

// GetLastUpdateTime returns the close time of the latest cached kline.
func (c *KlineCache) GetLastUpdateTime(symbol, interval string) (time.Time, error) {
	kline, err := c.GetLatestKline(symbol, interval)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(kline.CloseTime/1000, 0), nil
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Symbols     int
	TotalKlines int
	Hits        int64
	Misses      int64
	HitRate     float64
}

// Stats returns cache statistics.
func (c *KlineCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := 0
	for _, bySymbol := range c.entries {
		for _, s := range bySymbol {
			s.mu.RLock()
			total += len(s.klines)
			s.mu.RUnlock()
		}
	}

	hits := c.hits.Load()
	misses := c.misses.Load()

	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses) * 100
	}

	return CacheStats{
		Symbols:     len(c.entries),
		TotalKlines: total,
		Hits:        hits,
		Misses:      misses,
		HitRate:     hitRate,
	}
}

// Clear removes all data from the cache and resets statistics.
func (c *KlineCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]map[string]*series)
	c.hits.Store(0)
	c.misses.Store(0)
}
