package indicators

// MFI is the Money Flow Index. It stays undefined until period+1 bars are held.
type MFI struct {
	period int
	tp     []float64 // newest last
	vol    []float64
	value  Value
}

// NewMFI creates an MFI over period bars.
func NewMFI(period int) *MFI {
	if period < 2 {
		period = 10
	}
	return &MFI{
		period: period,
		tp:     make([]float64, 0, period+1),
		vol:    make([]float64, 0, period+1),
	}
}

// Update folds a bar and returns the reading.
func (m *MFI) Update(high, low, close, volume float64) Value {
	m.tp = append(m.tp, (high+low+close)/3)
	m.vol = append(m.vol, volume)
	if len(m.tp) > m.period+1 {
		m.tp = m.tp[1:]
		m.vol = m.vol[1:]
	}
	if len(m.tp) < m.period+1 {
		m.value = None()
		return m.value
	}

	var pos, neg float64
	for i := 1; i < len(m.tp); i++ {
		cur, prev := m.tp[i], m.tp[i-1]
		switch {
		case cur > prev:
			pos += m.vol[i] * cur
		case cur < prev:
			neg += m.vol[i] * cur
		}
	}
	switch {
	case neg > 0:
		m.value = Some(100 - 100/(1+pos/neg))
	case pos > 0:
		m.value = Some(100)
	default:
		m.value = Some(50)
	}
	return m.value
}

// Value returns the last reading.
func (m *MFI) Value() Value { return m.value }
