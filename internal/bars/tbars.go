package bars

import (
	"time"

	"futures-core/internal/indicators"
	"futures-core/internal/market"
)

// TBars builds Heiken-Ashi range bars. The running bar is bounded by
// [min, max]; a print outside the bounds closes it at the bound and opens the
// next bar with a synthetic open shifted back by the open offset. Bounds after
// a close sit one trend offset ahead in the breakout direction and one
// reversal offset behind.
type TBars struct {
	symbol     string
	openOff    float64
	trendOff   float64
	reverseOff float64

	ha      indicators.HeikenAshi
	started bool
	start   time.Time
	open    float64
	high    float64
	low     float64
	close   float64
	volume  float64
	buy     float64
	sell    float64
	ticks   int
	dir     float64
	maxB    float64
	minB    float64
	last    float64
}

// NewTBars derives offsets from baseSize ticks: open = base, trend = base/2,
// reversal = base*2.
func NewTBars(symbol string, baseSize int, tickSize float64) *TBars {
	if baseSize <= 0 {
		baseSize = 12
	}
	if tickSize <= 0 {
		tickSize = 0.25
	}
	b := float64(baseSize)
	return &TBars{
		symbol:     symbol,
		openOff:    b * tickSize,
		trendOff:   b / 2 * tickSize,
		reverseOff: b * 2 * tickSize,
	}
}

// Update folds one tick and returns any bar it closed.
func (t *TBars) Update(tk market.Tick) []Bar {
	p := tk.Price
	if !t.started {
		t.started = true
		t.start = tk.Timestamp
		t.open, t.high, t.low, t.close = p, p, p, p
		t.maxB, t.minB = p, p
		t.ha.Update(indicators.Candle{Open: p, High: p, Low: p, Close: p})
		t.accumulate(tk)
		return nil
	}
	t.accumulate(tk)

	up := p > t.maxB
	down := p < t.minB
	if !up && !down {
		t.high = max(t.high, p)
		t.low = min(t.low, p)
		t.close = p
		return nil
	}

	var closeAt float64
	if up {
		closeAt = min(p, t.maxB)
		t.dir = 1
	} else {
		closeAt = max(p, t.minB)
		t.dir = -1
	}
	t.high = max(t.high, closeAt)
	t.low = min(t.low, closeAt)
	t.close = closeAt

	ha := t.ha.Update(indicators.Candle{Open: t.open, High: t.high, Low: t.low, Close: t.close})
	out := Bar{
		Symbol: t.symbol, Start: t.start, End: tk.Timestamp,
		Open: ha.Open, High: ha.High, Low: ha.Low, Close: ha.Close,
		Volume: t.volume, BuyVolume: t.buy, SellVolume: t.sell, Ticks: t.ticks,
	}

	fake := closeAt - t.openOff*t.dir
	t.start = tk.Timestamp
	t.open = fake
	t.close = closeAt
	if up {
		t.high, t.low = closeAt, fake
		t.maxB = closeAt + t.trendOff
		t.minB = closeAt - t.reverseOff
	} else {
		t.high, t.low = fake, closeAt
		t.maxB = closeAt + t.reverseOff
		t.minB = closeAt - t.trendOff
	}
	t.volume, t.buy, t.sell, t.ticks = 0, 0, 0, 0
	return []Bar{out}
}

func (t *TBars) accumulate(tk market.Tick) {
	t.volume += tk.Size
	t.ticks++
	switch {
	case tk.Aggressor == market.AggressorBuy || (tk.Aggressor == market.AggressorUnknown && t.last != 0 && tk.Price > t.last):
		t.buy += tk.Size
	case tk.Aggressor == market.AggressorSell || (tk.Aggressor == market.AggressorUnknown && t.last != 0 && tk.Price < t.last):
		t.sell += tk.Size
	default:
		t.buy += tk.Size / 2
		t.sell += tk.Size / 2
	}
	t.last = tk.Price
}
