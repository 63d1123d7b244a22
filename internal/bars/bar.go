package bars

import (
	"time"

	"futures-core/internal/indicators"
	"futures-core/internal/market"
)

// Bar is a completed, immutable OHLCV interval.
type Bar struct {
	Symbol     string    `json:"symbol"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	BuyVolume  float64   `json:"buy_volume"`
	SellVolume float64   `json:"sell_volume"`
	Ticks      int       `json:"ticks"`
}

// Delta is buy volume minus sell volume.
func (b Bar) Delta() float64 { return b.BuyVolume - b.SellVolume }

// Candle returns the OHLC part for indicator input.
func (b Bar) Candle() indicators.Candle {
	return indicators.Candle{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close}
}

// Mode selects how bars close.
type Mode string

const (
	ModeTime  Mode = "time"
	ModeTicks Mode = "ticks"
	ModeTBars Mode = "tbars"
)

// Builder turns a tick stream into closed bars.
type Builder interface {
	Update(t market.Tick) []Bar
}

// Config selects and parameterizes a Builder.
type Config struct {
	Mode         Mode          `yaml:"mode" json:"mode"`
	Duration     time.Duration `yaml:"duration" json:"duration"`
	TicksPerBar  int           `yaml:"ticks_per_bar" json:"ticks_per_bar"`
	TBarBaseSize int           `yaml:"tbars_base_size" json:"tbars_base_size"`
}

// DefaultConfig returns one-minute time bars.
func DefaultConfig() Config {
	return Config{Mode: ModeTime, Duration: time.Minute, TicksPerBar: 200, TBarBaseSize: 12}
}

// NewBuilder returns the builder for cfg.Mode.
func NewBuilder(symbol string, cfg Config, tickSize float64) Builder {
	if cfg.Mode == ModeTBars {
		return NewTBars(symbol, cfg.TBarBaseSize, tickSize)
	}
	return NewAggregator(symbol, cfg.Mode, cfg.Duration, cfg.TicksPerBar)
}
