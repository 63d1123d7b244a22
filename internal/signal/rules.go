package signal

import (
	"math"

	"futures-core/internal/indicators"
	"futures-core/internal/order"
)

// Config holds the gating thresholds.
type Config struct {
	DeltaThreshold float64            `yaml:"delta_confidence_threshold" json:"delta_confidence_threshold"`
	DIThreshold    float64            `yaml:"di_threshold" json:"di_threshold"`
	MFIBuy         float64            `yaml:"mfi_buy" json:"mfi_buy"`
	MFISell        float64            `yaml:"mfi_sell" json:"mfi_sell"`
	UseHeikenAshi  bool               `yaml:"use_heiken_ashi" json:"use_heiken_ashi"`
	Periods        indicators.Periods `yaml:"periods" json:"periods"`
	BandATRPeriod  int                `yaml:"band_atr_period" json:"band_atr_period"`
	BandMultiplier float64            `yaml:"band_multiplier" json:"band_multiplier"`
}

// DefaultConfig returns threshold 0.65, DI 45, MFI 52/48.
func DefaultConfig() Config {
	return Config{
		DeltaThreshold: 0.65,
		DIThreshold:    45,
		MFIBuy:         52,
		MFISell:        48,
		Periods:        indicators.DefaultPeriods(),
		BandATRPeriod:  8,
		BandMultiplier: 1.3,
	}
}

// Inputs is everything one evaluation looks at.
type Inputs struct {
	Price      float64
	Candle     indicators.Candle // raw or Heiken-Ashi candle for strength checks
	EMA8       float64
	EMA13      float64
	EMA21      float64
	EMA55      float64
	EMA21Slope float64
	EMA55Slope float64
	DIPlus     float64
	DIMinus    float64
	MFI        indicators.Value
	Confidence float64
}

// Conditions records each gate for observability and tests.
type Conditions struct {
	TrendBullish bool `json:"trend_bullish"`
	TrendBearish bool `json:"trend_bearish"`
	StrongBull   bool `json:"strong_bull"`
	StrongBear   bool `json:"strong_bear"`
	CanBuy       bool `json:"can_buy"`
	CanSell      bool `json:"can_sell"`
	MFIBuy       bool `json:"mfi_buy"`
	MFISell      bool `json:"mfi_sell"`
	MABuyOK      bool `json:"ma_buy_ok"`
	MASellOK     bool `json:"ma_sell_ok"`
}

// BuyEligible is trend, candle and all three chop filters for BUY.
func (c Conditions) BuyEligible() bool {
	return c.TrendBullish && c.StrongBull && c.CanBuy && c.MFIBuy && c.MABuyOK
}

// SellEligible mirrors BuyEligible.
func (c Conditions) SellEligible() bool {
	return c.TrendBearish && c.StrongBear && c.CanSell && c.MFISell && c.MASellOK
}

const priceEpsilon = 1e-9

func same(a, b float64) bool { return math.Abs(a-b) <= priceEpsilon }

// Conditions evaluates every gate for in.
func (cfg Config) Conditions(in Inputs) Conditions {
	p := in.Price
	c := in.Candle
	var out Conditions

	out.TrendBullish = p > in.EMA21 && in.EMA21Slope >= 0 && p > in.EMA55 && in.EMA55Slope >= 0
	out.TrendBearish = p < in.EMA21 && in.EMA21Slope <= 0 && p < in.EMA55 && in.EMA55Slope <= 0

	out.StrongBull = c.Close > c.Open && same(c.Open, c.Low) && p > in.EMA8 && p > in.EMA21
	out.StrongBear = c.Close < c.Open && same(c.Open, c.High) && p < in.EMA8 && p < in.EMA21

	out.CanBuy = in.DIPlus > in.DIMinus && in.DIPlus >= cfg.DIThreshold
	out.CanSell = in.DIMinus > in.DIPlus && in.DIMinus >= cfg.DIThreshold

	// Undefined MFI never blocks a side.
	if mfi, ok := in.MFI.Get(); ok {
		out.MFIBuy = mfi > cfg.MFIBuy
		out.MFISell = mfi < cfg.MFISell
	} else {
		out.MFIBuy, out.MFISell = true, true
	}

	out.MABuyOK = p > in.EMA13
	out.MASellOK = p < in.EMA13
	return out
}

// Evaluate applies the gates and the confidence threshold. BUY is checked
// before SELL; both cannot be eligible at once because their trend
// conditions are disjoint.
func (cfg Config) Evaluate(in Inputs) (order.Side, string, Conditions) {
	cond := cfg.Conditions(in)
	switch {
	case cond.BuyEligible() && in.Confidence >= cfg.DeltaThreshold:
		return order.SideBuy, ReasonBuy, cond
	case cond.SellEligible() && (1-in.Confidence) >= cfg.DeltaThreshold:
		return order.SideSell, ReasonSell, cond
	}
	return order.SideNone, ReasonHold, cond
}

// TrendFromAlignment maps the EMA21/55 alignment to a TrendState.
func TrendFromAlignment(price, ema21, slope21, ema55, slope55 float64) TrendState {
	switch {
	case price > ema21 && slope21 >= 0 && price > ema55 && slope55 >= 0:
		return TrendBullish
	case price < ema21 && slope21 <= 0 && price < ema55 && slope55 <= 0:
		return TrendBearish
	}
	return TrendNeutral
}
