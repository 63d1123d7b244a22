package indicators

import "math"

// ATR is a running average true range whose window grows to period.
type ATR struct {
	period    int
	count     int
	prevClose float64
	value     float64
}

// NewATR creates an ATR over period bars.
func NewATR(period int) *ATR {
	if period <= 0 {
		period = 14
	}
	return &ATR{period: period}
}

// Update folds a bar and returns the new ATR.
func (a *ATR) Update(high, low, close float64) float64 {
	tr := high - low
	if a.count > 0 {
		tr = math.Max(math.Abs(low-a.prevClose), math.Max(high-low, math.Abs(high-a.prevClose)))
	}
	a.count++
	if a.count == 1 {
		a.value = tr
	} else {
		w := float64(min(a.count, a.period))
		a.value = ((w-1)*a.value + tr) / w
	}
	a.prevClose = close
	return a.value
}

// Value returns the current ATR, zero before the first bar.
func (a *ATR) Value() float64 { return a.value }
