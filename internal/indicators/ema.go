package indicators

// EMA is an exponential moving average seeded by its first input.
type EMA struct {
	period int
	k      float64
	value  float64
	seeded bool
}

// NewEMA creates an EMA with smoothing constant 2/(period+1).
func NewEMA(period int) *EMA {
	if period <= 0 {
		period = 1
	}
	return &EMA{period: period, k: 2.0 / (1.0 + float64(period))}
}

// Update folds v into the average and returns the new value.
func (e *EMA) Update(v float64) float64 {
	if !e.seeded {
		e.value = v
		e.seeded = true
		return e.value
	}
	e.value = v*e.k + (1-e.k)*e.value
	return e.value
}

// Value returns the current average.
func (e *EMA) Value() float64 { return e.value }

// K returns the smoothing constant.
func (e *EMA) K() float64 { return e.k }

// Slope is the lightweight slope proxy k*(price-ema).
func (e *EMA) Slope(price float64) float64 {
	return e.k * (price - e.value)
}
