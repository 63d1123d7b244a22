package signal

import (
	"futures-core/internal/bars"
	"futures-core/internal/features"
	"futures-core/internal/indicators"
	"futures-core/internal/order"
)

// Evaluation is the full record of one bar's decision.
type Evaluation struct {
	Decision   Decision            `json:"decision"`
	Main       Decision            `json:"main"`
	Inputs     Inputs              `json:"-"`
	Conditions Conditions          `json:"conditions"`
	Indicators indicators.Snapshot `json:"indicators"`
	Features   features.Snapshot   `json:"features"`
	BandTrend  TrendState          `json:"band_trend"`
}

// Engine is the main per-symbol decision engine: EMA trend, candle strength,
// chop filters and delta-confidence gating. Not safe for concurrent use; the
// pipeline drives one engine per symbol from a single goroutine.
type Engine struct {
	cfg Config
	ind *indicators.Set
}

// NewEngine creates a main engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, ind: indicators.NewSet(cfg.Periods)}
}

// OnBar folds a closed bar into the indicators and evaluates it. ok is false
// when the feature snapshot is not ready; no decision exists in that case.
func (e *Engine) OnBar(b bars.Bar, f features.Snapshot, ready bool) (Evaluation, bool) {
	snap := e.ind.Update(b.Candle(), b.Volume)
	ev := Evaluation{Indicators: snap, Features: f}
	if !ready {
		return ev, false
	}

	candle := b.Candle()
	if e.cfg.UseHeikenAshi {
		candle = snap.HA
	}
	in := Inputs{
		Price:      b.Close,
		Candle:     candle,
		EMA8:       snap.EMA8,
		EMA13:      snap.EMA13,
		EMA21:      snap.EMA21,
		EMA55:      snap.EMA55,
		EMA21Slope: snap.EMA21Slope,
		EMA55Slope: snap.EMA55Slope,
		DIPlus:     snap.DIPlus,
		DIMinus:    snap.DIMinus,
		MFI:        snap.MFI,
		Confidence: f.DeltaConfidence,
	}
	side, reason, cond := e.cfg.Evaluate(in)

	ev.Inputs = in
	ev.Conditions = cond
	ev.Main = Decision{
		Symbol:     b.Symbol,
		Side:       side,
		Reason:     reason,
		Confidence: f.DeltaConfidence,
		TrendState: TrendFromAlignment(in.Price, in.EMA21, in.EMA21Slope, in.EMA55, in.EMA55Slope),
		Price:      b.Close,
		ATR:        snap.ATR,
		Source:     SourceInternal,
		Timestamp:  b.End,
	}
	ev.Decision = ev.Main
	return ev, true
}

// Side is a convenience for tests and logs.
func (ev Evaluation) Side() order.Side { return ev.Decision.Side }
