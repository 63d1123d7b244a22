package indicators

// Periods configures the per-bar indicator set.
type Periods struct {
	Fast  int `yaml:"ema_fast" json:"ema_fast"`
	Mid   int `yaml:"ema_mid" json:"ema_mid"`
	Trend int `yaml:"ema_trend" json:"ema_trend"`
	Slow  int `yaml:"ema_slow" json:"ema_slow"`
	ATR   int `yaml:"atr" json:"atr"`
	MFI   int `yaml:"mfi" json:"mfi"`
	DI    int `yaml:"di" json:"di"`
}

// DefaultPeriods returns EMA 8/13/21/55, ATR 14, MFI 10, DI 14.
func DefaultPeriods() Periods {
	return Periods{Fast: 8, Mid: 13, Trend: 21, Slow: 55, ATR: 14, MFI: 10, DI: 14}
}

// Snapshot is the indicator state after a bar closes.
type Snapshot struct {
	EMA8       float64 `json:"ema8"`
	EMA13      float64 `json:"ema13"`
	EMA21      float64 `json:"ema21"`
	EMA55      float64 `json:"ema55"`
	EMA21Slope float64 `json:"ema21_slope"`
	EMA55Slope float64 `json:"ema55_slope"`
	ATR        float64 `json:"atr"`
	MFI        Value   `json:"mfi"`
	DIPlus     float64 `json:"di_plus"`
	DIMinus    float64 `json:"di_minus"`
	HA         Candle  `json:"ha"`
	Bars       int     `json:"bars"`
}

// Set holds the indicator state of one symbol.
type Set struct {
	fast, mid, trend, slow *EMA
	atr                    *ATR
	mfi                    *MFI
	dmi                    *DMI
	ha                     HeikenAshi
	bars                   int
}

// NewSet builds a fresh indicator set.
func NewSet(p Periods) *Set {
	return &Set{
		fast:  NewEMA(p.Fast),
		mid:   NewEMA(p.Mid),
		trend: NewEMA(p.Trend),
		slow:  NewEMA(p.Slow),
		atr:   NewATR(p.ATR),
		mfi:   NewMFI(p.MFI),
		dmi:   NewDMI(p.DI),
	}
}

// Update folds a closed bar and returns the resulting snapshot.
func (s *Set) Update(c Candle, volume float64) Snapshot {
	s.bars++
	price := c.Close
	snap := Snapshot{
		EMA8:  s.fast.Update(price),
		EMA13: s.mid.Update(price),
		EMA21: s.trend.Update(price),
		EMA55: s.slow.Update(price),
		ATR:   s.atr.Update(c.High, c.Low, c.Close),
		MFI:   s.mfi.Update(c.High, c.Low, c.Close, volume),
		HA:    s.ha.Update(c),
		Bars:  s.bars,
	}
	snap.EMA21Slope = s.trend.Slope(price)
	snap.EMA55Slope = s.slow.Slope(price)
	snap.DIPlus, snap.DIMinus = s.dmi.Update(c.High, c.Low, c.Close)
	return snap
}
