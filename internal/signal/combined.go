package signal

import (
	"futures-core/internal/bars"
	"futures-core/internal/features"
	"futures-core/internal/indicators"
	"futures-core/internal/order"
)

// TrendTracker derives trend state independently of the main engine: its
// own EMA21/55 alignment, plus a Heiken-Ashi ATR band trend that ratchets
// hl2 +/- mult*ATR and flips when price closes through the opposite band.
type TrendTracker struct {
	ema21, ema55 *indicators.EMA
	ha           indicators.HeikenAshi
	atr          *indicators.ATR
	mult         float64

	state   TrendState
	band    TrendState
	seeded  bool
	trendUp float64
	trendDn float64
}

// NewTrendTracker creates a tracker with cfg periods.
func NewTrendTracker(cfg Config) *TrendTracker {
	mult := cfg.BandMultiplier
	if mult <= 0 {
		mult = 1.3
	}
	return &TrendTracker{
		ema21: indicators.NewEMA(cfg.Periods.Trend),
		ema55: indicators.NewEMA(cfg.Periods.Slow),
		atr:   indicators.NewATR(cfg.BandATRPeriod),
		mult:  mult,
		band:  TrendBullish,
	}
}

// Update folds a closed bar and returns the EMA alignment trend state.
func (t *TrendTracker) Update(b bars.Bar) TrendState {
	p := b.Close
	e21 := t.ema21.Update(p)
	e55 := t.ema55.Update(p)
	t.state = TrendFromAlignment(p, e21, t.ema21.Slope(p), e55, t.ema55.Slope(p))

	ha := t.ha.Update(b.Candle())
	atr := t.atr.Update(ha.High, ha.Low, ha.Close)
	hl2 := (ha.High + ha.Low) / 2
	up := hl2 - t.mult*atr
	dn := hl2 + t.mult*atr
	if !t.seeded {
		t.trendUp, t.trendDn = up, dn
		t.seeded = true
		return t.state
	}
	prevUp, prevDn := t.trendUp, t.trendDn
	if ha.Close > prevUp {
		t.trendUp = max(up, prevUp)
	} else {
		t.trendUp = up
	}
	if ha.Close < prevDn {
		t.trendDn = min(dn, prevDn)
	} else {
		t.trendDn = dn
	}
	switch {
	case ha.Close > prevDn:
		t.band = TrendBullish
	case ha.Close < prevUp:
		t.band = TrendBearish
	}
	return t.state
}

// State returns the last EMA alignment state.
func (t *TrendTracker) State() TrendState { return t.state }

// BandTrend returns the last ATR band trend.
func (t *TrendTracker) BandTrend() TrendState { return t.band }

// Gate accepts a main decision only when its side agrees with trend.
func Gate(main Decision, trend TrendState) Decision {
	out := main
	out.TrendState = trend
	switch {
	case !main.Actionable():
		return out
	case main.Side == order.SideBuy && trend == TrendBullish:
		return out
	case main.Side == order.SideSell && trend == TrendBearish:
		return out
	}
	out.Side = order.SideNone
	out.Reason = ReasonTrendMismatch
	return out
}

// Combined runs the main engine and re-confirms its output against an
// independently tracked trend state.
type Combined struct {
	main  *Engine
	trend *TrendTracker
}

// NewCombined creates the two-layer engine.
func NewCombined(cfg Config) *Combined {
	return &Combined{main: NewEngine(cfg), trend: NewTrendTracker(cfg)}
}

// OnBar evaluates a closed bar. ok is false when features are not ready.
func (c *Combined) OnBar(b bars.Bar, f features.Snapshot, ready bool) (Evaluation, bool) {
	ts := c.trend.Update(b)
	ev, ok := c.main.OnBar(b, f, ready)
	ev.BandTrend = c.trend.BandTrend()
	if !ok {
		return ev, false
	}
	ev.Decision = Gate(ev.Main, ts)
	return ev, true
}

// TrendState returns the current confirmation trend.
func (c *Combined) TrendState() TrendState { return c.trend.State() }
