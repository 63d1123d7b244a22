package indicators

// SMA averages the trailing period values. Undefined when fewer are held.
func SMA(values []float64, period int) Value {
	if period <= 0 || len(values) < period {
		return None()
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return Some(sum / float64(period))
}

// Mean averages every value. Undefined for an empty slice.
func Mean(values []float64) Value {
	return SMA(values, len(values))
}
