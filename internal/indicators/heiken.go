package indicators

// Candle is a plain OHLC tuple.
type Candle struct {
	Open, High, Low, Close float64
}

// HeikenAshi transforms source candles into Heiken-Ashi candles.
type HeikenAshi struct {
	last   Candle
	seeded bool
}

// Update folds a source candle and returns the Heiken-Ashi candle.
func (h *HeikenAshi) Update(c Candle) Candle {
	out := Candle{Close: (c.Open + c.High + c.Low + c.Close) / 4}
	if !h.seeded {
		out.Open, out.High, out.Low = c.Open, c.High, c.Low
		h.seeded = true
	} else {
		out.Open = (h.last.Open + h.last.Close) / 2
		out.High = max(c.High, out.Open)
		out.Low = min(c.Low, out.Open)
	}
	h.last = out
	return out
}

// Last returns the most recent Heiken-Ashi candle.
func (h *HeikenAshi) Last() (Candle, bool) { return h.last, h.seeded }
