// Package cache holds the latest trade per contract, sharded so that feed
// writers for different symbols do not contend.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Quote is the last trade seen for one contract.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Volume    float64   `json:"volume"` // cumulative since the quote was first seen
	UpdatedAt time.Time `json:"updated_at"`
}

// Quotes is a sharded last-trade cache.
type Quotes struct {
	shards [numShards]*shard
}

type shard struct {
	mu    sync.RWMutex
	items map[string]Quote
}

func NewQuotes() *Quotes {
	c := &Quotes{}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]Quote)}
	}
	return c
}

func (c *Quotes) shardFor(symbol string) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

// Record stores a trade print.
func (c *Quotes) Record(symbol string, price, size float64, at time.Time) {
	s := c.shardFor(symbol)
	s.mu.Lock()
	q := s.items[symbol]
	q.Symbol, q.Price, q.Size, q.UpdatedAt = symbol, price, size, at
	q.Volume += size
	s.items[symbol] = q
	s.mu.Unlock()
}

// Last returns the last trade price.
func (c *Quotes) Last(symbol string) (float64, bool) {
	q, ok := c.Get(symbol)
	return q.Price, ok
}

// Get returns the full quote.
func (c *Quotes) Get(symbol string) (Quote, bool) {
	s := c.shardFor(symbol)
	s.mu.RLock()
	q, ok := s.items[symbol]
	s.mu.RUnlock()
	return q, ok
}

// Fresh returns the price only if it was updated within maxAge of now.
func (c *Quotes) Fresh(symbol string, maxAge time.Duration, now time.Time) (float64, bool) {
	q, ok := c.Get(symbol)
	if !ok || now.Sub(q.UpdatedAt) > maxAge {
		return 0, false
	}
	return q.Price, true
}

// Retain drops every symbol not in keep, after a contract roll.
func (c *Quotes) Retain(keep []string) int {
	valid := make(map[string]bool, len(keep))
	for _, s := range keep {
		valid[s] = true
	}
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for sym := range s.items {
			if !valid[sym] {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Snapshot returns every quote.
func (c *Quotes) Snapshot() map[string]Quote {
	out := make(map[string]Quote)
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, q := range s.items {
			out[sym] = q
		}
		s.mu.RUnlock()
	}
	return out
}
