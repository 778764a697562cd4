// Package cache holds the latest mark price per symbol.
package cache

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const numShards = 16

// Quote is a cached mark price.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Prices is a sharded latest-price cache, safe for concurrent use.
type Prices struct {
	shards [numShards]*shard
	now    func() time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[string]Quote
}

// NewPrices creates an empty cache.
func NewPrices() *Prices {
	return NewPricesWithClock(time.Now)
}

// NewPricesWithClock creates a cache stamping quotes with now.
func NewPricesWithClock(now func() time.Time) *Prices {
	c := &Prices{now: now}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]Quote)}
	}
	return c
}

func (c *Prices) shardFor(symbol string) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price. Non-positive prices are ignored.
func (c *Prices) Set(symbol string, price float64) {
	if price <= 0 || symbol == "" {
		return
	}
	s := c.shardFor(symbol)
	s.mu.Lock()
	s.items[symbol] = Quote{Symbol: symbol, Price: price, UpdatedAt: c.now()}
	s.mu.Unlock()
}

// Get returns the last price for symbol.
func (c *Prices) Get(symbol string) (float64, bool) {
	q, ok := c.Quote(symbol)
	return q.Price, ok
}

// Quote returns the cached quote with its timestamp.
func (c *Prices) Quote(symbol string) (Quote, bool) {
	s := c.shardFor(symbol)
	s.mu.RLock()
	q, ok := s.items[symbol]
	s.mu.RUnlock()
	return q, ok
}

// Fresh returns the price only if it is younger than maxAge.
func (c *Prices) Fresh(symbol string, maxAge time.Duration) (float64, bool) {
	q, ok := c.Quote(symbol)
	if !ok || c.now().Sub(q.UpdatedAt) > maxAge {
		return 0, false
	}
	return q.Price, true
}

// Delete removes a symbol.
func (c *Prices) Delete(symbol string) {
	s := c.shardFor(symbol)
	s.mu.Lock()
	delete(s.items, symbol)
	s.mu.Unlock()
}

// Len returns total items across all shards.
func (c *Prices) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Evict removes quotes older than maxAge and returns how many were dropped.
func (c *Prices) Evict(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, q := range s.items {
			if q.UpdatedAt.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// All returns every quote sorted by symbol.
func (c *Prices) All() []Quote {
	var out []Quote
	for _, s := range c.shards {
		s.mu.RLock()
		for _, q := range s.items {
			out = append(out, q)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
