// Package marketdata holds the process-wide latest-value quote cache.
package marketdata

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"control_plane/internal/models"
)

type cacheKey struct {
	exchange string
	symbol   string
}

// Cache is a copy-on-read latest-value store keyed by (exchange, symbol).
// Writers replace whole rows; readers get value copies and never observe
// a partially updated quote.
type Cache struct {
	mu   sync.RWMutex
	rows map[cacheKey]models.MarketDataRow
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{rows: make(map[cacheKey]models.MarketDataRow)}
}

// Put replaces the row for its (exchange, symbol), stamping the update
// time if the writer did not. A row older than the cached one is
// dropped, so last_updated only ever moves forward.
func (c *Cache) Put(row models.MarketDataRow) {
	if row.LastUpdated.IsZero() {
		row.LastUpdated = time.Now()
	}
	key := cacheKey{row.Exchange, row.Symbol}
	c.mu.Lock()
	if cur, ok := c.rows[key]; !ok || !row.LastUpdated.Before(cur.LastUpdated) {
		c.rows[key] = row
	}
	c.mu.Unlock()
}

// Get returns a copy of the row, if present.
func (c *Cache) Get(exchange, symbol string) (models.MarketDataRow, bool) {
	c.mu.RLock()
	row, ok := c.rows[cacheKey{exchange, symbol}]
	c.mu.RUnlock()
	return row, ok
}

// LTP returns the last traded price, if a quote has been seen.
func (c *Cache) LTP(exchange, symbol string) (decimal.Decimal, bool) {
	row, ok := c.Get(exchange, symbol)
	if !ok {
		return decimal.Zero, false
	}
	return row.LTP, true
}

// Snapshot returns every row, ordered by exchange then symbol.
func (c *Cache) Snapshot() []models.MarketDataRow {
	c.mu.RLock()
	out := make([]models.MarketDataRow, 0, len(c.rows))
	for _, row := range c.rows {
		out = append(out, row)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Warm seeds the cache from persisted rows, typically at startup.
func (c *Cache) Warm(rows []*models.MarketDataRow) {
	c.mu.Lock()
	for _, row := range rows {
		c.rows[cacheKey{row.Exchange, row.Symbol}] = *row
	}
	c.mu.Unlock()
}
