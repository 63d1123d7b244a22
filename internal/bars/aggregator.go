package bars

import (
	"time"

	"futures-core/internal/market"
)

// Aggregator folds ticks into time or tick-count bars. A bar is returned only
// once it has closed; the closing tick seeds the next bar's OHLC.
type Aggregator struct {
	symbol      string
	mode        Mode
	duration    time.Duration
	ticksPerBar int

	cur       *Bar
	lastPrice float64
	lastDir   market.Aggressor
}

// NewAggregator creates an aggregator. Unknown modes fall back to time bars.
func NewAggregator(symbol string, mode Mode, duration time.Duration, ticksPerBar int) *Aggregator {
	if duration <= 0 {
		duration = time.Minute
	}
	if ticksPerBar <= 0 {
		ticksPerBar = 200
	}
	if mode != ModeTicks {
		mode = ModeTime
	}
	return &Aggregator{symbol: symbol, mode: mode, duration: duration, ticksPerBar: ticksPerBar}
}

// Update folds one tick and returns any bar it closed.
func (a *Aggregator) Update(t market.Tick) []Bar {
	buy, sell := a.classify(t)

	if a.cur == nil {
		a.cur = &Bar{
			Symbol: a.symbol, Start: t.Timestamp,
			Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price,
			Volume: t.Size, BuyVolume: buy, SellVolume: sell, Ticks: 1,
		}
		return nil
	}

	c := a.cur
	c.High = max(c.High, t.Price)
	c.Low = min(c.Low, t.Price)
	c.Close = t.Price
	c.Volume += t.Size
	c.BuyVolume += buy
	c.SellVolume += sell
	c.Ticks++

	closed := false
	switch a.mode {
	case ModeTicks:
		closed = c.Ticks >= a.ticksPerBar
	default:
		closed = t.Timestamp.Sub(c.Start) >= a.duration
	}
	if !closed {
		return nil
	}

	done := *c
	done.End = t.Timestamp
	a.cur = &Bar{
		Symbol: a.symbol, Start: t.Timestamp,
		Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price,
	}
	return []Bar{done}
}

// classify splits a print into buy and sell volume. The explicit aggressor
// wins; otherwise the tick rule applies and flat prints inherit the last
// direction. With no history the print is split evenly.
func (a *Aggregator) classify(t market.Tick) (buy, sell float64) {
	dir := t.Aggressor
	if dir == market.AggressorUnknown && a.lastPrice != 0 {
		switch {
		case t.Price > a.lastPrice:
			dir = market.AggressorBuy
		case t.Price < a.lastPrice:
			dir = market.AggressorSell
		default:
			dir = a.lastDir
		}
	}
	a.lastPrice = t.Price
	if dir != market.AggressorUnknown {
		a.lastDir = dir
	}

	switch dir {
	case market.AggressorBuy:
		return t.Size, 0
	case market.AggressorSell:
		return 0, t.Size
	}
	return t.Size / 2, t.Size / 2
}

// Pending returns a copy of the bar under construction.
func (a *Aggregator) Pending() (Bar, bool) {
	if a.cur == nil {
		return Bar{}, false
	}
	return *a.cur, true
}
