// Package markcache holds the mark-price cache the OMS reads for
// pre-trade risk checks and margin accounting: single-writer (the
// gateway's feed), multi-reader (§5 "Shared resources").
package markcache

import "sync"

// Cache is a concurrent-safe symbol -> mark price map.
type Cache struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// New builds an empty cache.
func New() *Cache {
	return &Cache{prices: make(map[string]float64)}
}

// Set installs the latest mark price for symbol. cmd/engine calls it
// from its bus handlers for mark-price events and book-mid fallback.
func (c *Cache) Set(symbol string, price float64) {
	c.mu.Lock()
	c.prices[symbol] = price
	c.mu.Unlock()
}

// MarkPrice implements oms.MarkPriceSource.
func (c *Cache) MarkPrice(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[symbol]
	return p, ok
}
