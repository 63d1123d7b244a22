package symbols

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// DefaultTickSize is the NQ/MNQ minimum price increment.
const DefaultTickSize = 0.25

var ErrInvalidTickSize = errors.New("tick size must be positive")

// TickSize performs price arithmetic in whole ticks without float drift.
type TickSize struct {
	size decimal.Decimal
}

// NewTickSize validates and wraps a tick size.
func NewTickSize(size float64) (TickSize, error) {
	if size <= 0 || math.IsNaN(size) || math.IsInf(size, 0) {
		return TickSize{}, ErrInvalidTickSize
	}
	return TickSize{size: decimal.NewFromFloat(size)}, nil
}

// Float returns the tick size as float64.
func (t TickSize) Float() float64 {
	return t.size.InexactFloat64()
}

// Ticks converts an absolute price distance to whole ticks, truncating.
func (t TickSize) Ticks(distance float64) int {
	d := decimal.NewFromFloat(math.Abs(distance))
	return int(d.Div(t.size).Truncate(0).IntPart())
}

// Between returns the signed tick count from a to b.
func (t TickSize) Between(a, b float64) float64 {
	d := decimal.NewFromFloat(b).Sub(decimal.NewFromFloat(a))
	return d.Div(t.size).InexactFloat64()
}

// Offset moves price by n ticks in direction dir (+1 up, -1 down).
func (t TickSize) Offset(price float64, n int, dir int) float64 {
	step := t.size.Mul(decimal.NewFromInt(int64(n * dir)))
	return decimal.NewFromFloat(price).Add(step).InexactFloat64()
}

// Round snaps price to the nearest tick.
func (t TickSize) Round(price float64) float64 {
	p := decimal.NewFromFloat(price)
	return p.Div(t.size).Round(0).Mul(t.size).InexactFloat64()
}
