// Package bracket computes target/stop levels for an entry and runs the exit
// state machine for open positions.
package bracket

import (
	"errors"
	"math"
	"time"

	"futures-core/internal/order"
	"futures-core/pkg/symbols"
)

// Level sources.
const (
	ModeSignal   = "signal"
	ModeATR      = "atr"
	ModeFallback = "fallback"
)

var ErrInvalidEntry = errors.New("bracket: entry price and side required")

// Config holds bracket sizing options.
type Config struct {
	UseSignalTargets        bool    `yaml:"use_signal_targets" json:"use_signal_targets"`
	UseATR                  bool    `yaml:"use_atr" json:"use_atr"`
	TargetMultiplier        float64 `yaml:"target_multiplier" json:"target_multiplier"`
	StopMultiplier          float64 `yaml:"stop_multiplier" json:"stop_multiplier"`
	ATRTargetMultiplier     float64 `yaml:"atr_target_multiplier" json:"atr_target_multiplier"`
	ATRStopMultiplier       float64 `yaml:"atr_stop_multiplier" json:"atr_stop_multiplier"`
	FallbackTargetTicks     int     `yaml:"fallback_target_ticks" json:"fallback_target_ticks"`
	FallbackStopTicks       int     `yaml:"fallback_stop_ticks" json:"fallback_stop_ticks"`
	TrailingActivationTicks int     `yaml:"trailing_activation_ticks" json:"trailing_activation_ticks"`
	TrailingStepTicks       int     `yaml:"trailing_step_ticks" json:"trailing_step_ticks"`
	TickSize                float64 `yaml:"tick_size" json:"tick_size"`
}

// DefaultConfig returns signal targets 1.5/0.8, ATR 1.5/0.8, fallback 16/8.
func DefaultConfig() Config {
	return Config{
		UseSignalTargets:        true,
		UseATR:                  true,
		TargetMultiplier:        1.5,
		StopMultiplier:          0.8,
		ATRTargetMultiplier:     1.5,
		ATRStopMultiplier:       0.8,
		FallbackTargetTicks:     16,
		FallbackStopTicks:       8,
		TrailingActivationTicks: 6,
		TrailingStepTicks:       2,
		TickSize:                symbols.DefaultTickSize,
	}
}

const (
	minSignalTicks    = 4
	minATRTargetTicks = 8
	minATRStopTicks   = 4
)

// Levels is computed once per decision and attached to its orders.
type Levels struct {
	Side                    order.Side `json:"side"`
	Entry                   float64    `json:"entry"`
	Target                  float64    `json:"target"`
	Stop                    float64    `json:"stop"`
	TargetTicks             int        `json:"target_ticks"`
	StopTicks               int        `json:"stop_ticks"`
	TrailingActivationTicks int        `json:"trailing_activation_ticks"`
	TrailingStepTicks       int        `json:"trailing_step_ticks"`
	Mode                    string     `json:"mode"`
}

// Calculator converts decisions into bracket levels.
type Calculator struct {
	cfg  Config
	tick symbols.TickSize
}

// NewCalculator validates the tick size and returns a calculator.
func NewCalculator(cfg Config) (*Calculator, error) {
	tick, err := symbols.NewTickSize(cfg.TickSize)
	if err != nil {
		return nil, err
	}
	return &Calculator{cfg: cfg, tick: tick}, nil
}

// TickSize returns the calculator's tick.
func (c *Calculator) TickSize() symbols.TickSize { return c.tick }

// Compute derives levels for an entry. signalPrice and atr are optional
// (zero when absent); when neither source is usable the fixed fallback
// ticks apply.
func (c *Calculator) Compute(side order.Side, entry, signalPrice, atr float64) (Levels, error) {
	dir := side.Sign()
	if dir == 0 || !usable(entry) {
		return Levels{}, ErrInvalidEntry
	}

	l := Levels{
		Side:                    side,
		Entry:                   entry,
		TrailingActivationTicks: c.cfg.TrailingActivationTicks,
		TrailingStepTicks:       c.cfg.TrailingStepTicks,
	}

	switch {
	case c.cfg.UseSignalTargets && usable(signalPrice):
		targetPrice := signalPrice * c.cfg.TargetMultiplier
		stopPrice := signalPrice * c.cfg.StopMultiplier
		if side == order.SideSell {
			targetPrice, stopPrice = signalPrice*c.cfg.StopMultiplier, signalPrice*c.cfg.TargetMultiplier
		}
		l.TargetTicks = max(minSignalTicks, c.tick.Ticks(targetPrice-entry))
		l.StopTicks = max(minSignalTicks, c.tick.Ticks(stopPrice-entry))
		l.Mode = ModeSignal
	case c.cfg.UseATR && usable(atr):
		l.TargetTicks = max(minATRTargetTicks, c.tick.Ticks(atr*c.cfg.ATRTargetMultiplier))
		l.StopTicks = max(minATRStopTicks, c.tick.Ticks(atr*c.cfg.ATRStopMultiplier))
		l.Mode = ModeATR
	default:
		l.TargetTicks = c.cfg.FallbackTargetTicks
		l.StopTicks = c.cfg.FallbackStopTicks
		l.Mode = ModeFallback
	}

	l.Target = c.tick.Offset(entry, l.TargetTicks, dir)
	l.Stop = c.tick.Offset(entry, l.StopTicks, -dir)
	return l, nil
}

// Orders builds the target and stop legs for a filled or submitted entry.
// Legs close the entry, so they take the opposite side and the same quantity.
func (l Levels) Orders(parent order.Order, now time.Time) []order.Order {
	exit := parent.Side.Opposite()
	legs := make([]order.Order, 0, 2)
	for _, leg := range []struct {
		kind  order.Kind
		price float64
	}{
		{order.KindBracketTarget, l.Target},
		{order.KindBracketStop, l.Stop},
	} {
		legs = append(legs, order.Order{
			ID:         parent.ID + "-" + leg.kind.Suffix(),
			DecisionID: parent.DecisionID,
			AccountID:  parent.AccountID,
			Symbol:     parent.Symbol,
			Side:       exit,
			Qty:        parent.Qty,
			Kind:       leg.kind,
			Price:      leg.price,
			State:      order.StatePending,
			ParentID:   parent.ID,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return legs
}

func usable(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
