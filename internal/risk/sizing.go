package risk

import "math"

// ConfidenceFactor scales size up with confidence above threshold, within
// [1.0, 1.5].
func ConfidenceFactor(confidence, threshold float64) float64 {
	if threshold <= 0 || math.IsNaN(confidence) {
		return 1
	}
	return math.Min(math.Max(confidence/threshold, 1), 1.5)
}

// VolatilityFactor shrinks size as ATR grows relative to price. It is 1 when
// ATR is unknown and never drops below 0.5.
func VolatilityFactor(atr, price float64) float64 {
	if atr <= 0 || price <= 0 {
		return 1
	}
	return math.Min(math.Max(0.5, 1-(atr/price)*100), 1)
}

// Size returns round(base * confidence factor * volatility factor) clamped
// to [1, maxSize].
func Size(base, maxSize int, confidence, threshold, atr, price float64) (int, float64, float64) {
	cf := ConfidenceFactor(confidence, threshold)
	vf := VolatilityFactor(atr, price)
	n := int(math.Round(float64(base) * cf * vf))
	if maxSize > 0 && n > maxSize {
		n = maxSize
	}
	if n < 1 {
		n = 1
	}
	return n, cf, vf
}
