package signal

import (
	"time"

	"futures-core/internal/order"
)

// TrendState is the directional regime derived from EMA alignment.
type TrendState int

const (
	TrendBearish TrendState = -1
	TrendNeutral TrendState = 0
	TrendBullish TrendState = 1
)

func (t TrendState) String() string {
	switch t {
	case TrendBullish:
		return "bullish"
	case TrendBearish:
		return "bearish"
	}
	return "neutral"
}

// Reason codes attached to decisions.
const (
	ReasonBuy           = "SMM+delta>=thr"
	ReasonSell          = "SMM+delta<=1-thr"
	ReasonHold          = "hold"
	ReasonTrendMismatch = "trend_mismatch"
)

// SourceInternal marks decisions produced by the bar pipeline.
const SourceInternal = "smm"

// Decision is the directional output for one symbol and one bar, or one
// admitted external signal.
type Decision struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Side       order.Side `json:"side"`
	Reason     string     `json:"reason"`
	Confidence float64    `json:"confidence"`
	TrendState TrendState `json:"trend_state"`
	Price      float64    `json:"price"`
	ATR        float64    `json:"atr,omitempty"`
	Source     string     `json:"source"`
	Exit       bool       `json:"exit,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Actionable reports whether the decision asks for a trade.
func (d Decision) Actionable() bool {
	return d.Side == order.SideBuy || d.Side == order.SideSell
}

// Hold builds a no-trade decision with the given reason.
func Hold(symbol, reason string, at time.Time) Decision {
	return Decision{Symbol: symbol, Side: order.SideNone, Reason: reason, Source: SourceInternal, Timestamp: at}
}

// SideConfidence is the confidence in the decision's own direction. Internal
// SELL decisions fire on low delta confidence, so their strength is 1-conf.
func (d Decision) SideConfidence() float64 {
	if d.Source == SourceInternal && d.Side == order.SideSell {
		return 1 - d.Confidence
	}
	return d.Confidence
}
