package market

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// MockFeed generates a random-walk tape for local runs.
type MockFeed struct {
	Symbols    []string
	StartPrice float64
	TickSize   float64
	Interval   time.Duration
	Seed       int64
}

// Start emits ticks to emit until ctx is cancelled. Prices stay on the tick
// grid and each print carries the aggressor implied by its direction.
func (m *MockFeed) Start(ctx context.Context, emit func(Tick)) {
	if emit == nil || len(m.Symbols) == 0 {
		return
	}
	start := m.StartPrice
	if start == 0 {
		start = 15000
	}
	tick := m.TickSize
	if tick <= 0 {
		tick = 0.25
	}
	interval := m.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	seed := m.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	prices := make(map[string]float64, len(m.Symbols))
	for _, s := range m.Symbols {
		prices[s] = start
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				for _, sym := range m.Symbols {
					steps := rng.Intn(5) - 2
					prev := prices[sym]
					price := math.Round((prev+float64(steps)*tick)/tick) * tick
					prices[sym] = price

					agg := AggressorUnknown
					if price > prev {
						agg = AggressorBuy
					} else if price < prev {
						agg = AggressorSell
					}
					emit(Tick{
						Symbol:    sym,
						Price:     price,
						Size:      float64(1 + rng.Intn(10)),
						Aggressor: agg,
						Timestamp: now,
					})
				}
			}
		}
	}()
}
