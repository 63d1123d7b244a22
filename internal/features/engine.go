package features

import (
	"math"
	"sync"
	"time"

	"futures-core/internal/bars"
	"futures-core/internal/indicators"
	"futures-core/internal/market"
)

// Config sizes the rolling window and scales the composite score.
type Config struct {
	Window       int     `yaml:"window" json:"window"`
	MinBars      int     `yaml:"min_bars" json:"min_bars"`
	BuyRatioBars int     `yaml:"buy_ratio_bars" json:"buy_ratio_bars"`
	MomentumBars int     `yaml:"momentum_bars" json:"momentum_bars"`
	CVDScale     float64 `yaml:"cvd_scale" json:"cvd_scale"`
	VolumeScale  float64 `yaml:"volume_scale" json:"volume_scale"`
}

// DefaultConfig returns W=20, ready at 5 bars, k1=0.01, k2=0.1.
func DefaultConfig() Config {
	return Config{Window: 20, MinBars: 5, BuyRatioBars: 10, MomentumBars: 5, CVDScale: 0.01, VolumeScale: 0.1}
}

// Snapshot is the feature state derived from the current window.
type Snapshot struct {
	CVD                float64   `json:"cvd"`
	CVDSlope           float64   `json:"cvd_slope"`
	VolumeTrend        float64   `json:"volume_trend"`
	AggressiveBuyRatio float64   `json:"aggressive_buy_ratio"`
	DeltaConfidence    float64   `json:"delta_confidence"`
	PriceMomentum      float64   `json:"price_momentum"`
	AvgBarSize         float64   `json:"avg_bar_size"`
	DepthImbalance     float64   `json:"depth_imbalance"`
	DepthSlope         float64   `json:"depth_slope"`
	Bars               int       `json:"bars"`
	Timestamp          time.Time `json:"timestamp"`
}

// Engine keeps the last Window bars of one symbol and derives snapshots
// from them. It is safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	cfg   Config
	bars  []bars.Bar
	cvd   []float64
	cum   float64
	depth *market.DepthUpdate
}

// NewEngine creates an engine, filling zero config fields with defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinBars <= 0 {
		cfg.MinBars = def.MinBars
	}
	if cfg.BuyRatioBars <= 0 {
		cfg.BuyRatioBars = def.BuyRatioBars
	}
	if cfg.MomentumBars <= 0 {
		cfg.MomentumBars = def.MomentumBars
	}
	if cfg.CVDScale == 0 {
		cfg.CVDScale = def.CVDScale
	}
	if cfg.VolumeScale == 0 {
		cfg.VolumeScale = def.VolumeScale
	}
	return &Engine{
		cfg:  cfg,
		bars: make([]bars.Bar, 0, cfg.Window),
		cvd:  make([]float64, 0, cfg.Window),
	}
}

// Update inserts a closed bar, evicting the oldest beyond Window, and
// returns the new snapshot. ok is false until MinBars bars are held.
func (e *Engine) Update(b bars.Bar) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cum += b.Delta()
	e.bars = append(e.bars, b)
	e.cvd = append(e.cvd, e.cum)
	if len(e.bars) > e.cfg.Window {
		e.bars = e.bars[1:]
		e.cvd = e.cvd[1:]
	}
	return e.snapshotLocked()
}

// UpdateDepth records the latest book ladder for depth features.
func (e *Engine) UpdateDepth(d market.DepthUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.depth = &d
}

// Snapshot returns the current snapshot without mutating the window.
func (e *Engine) Snapshot() (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Ready reports whether enough bars are held for a valid snapshot.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bars) >= e.cfg.MinBars
}

func (e *Engine) snapshotLocked() (Snapshot, bool) {
	n := len(e.bars)
	if n < e.cfg.MinBars {
		return Snapshot{Bars: n, AggressiveBuyRatio: 0.5, DeltaConfidence: 0.5}, false
	}

	volumes := make([]float64, n)
	closes := make([]float64, n)
	sizes := make([]float64, n)
	for i, b := range e.bars {
		volumes[i] = b.Volume
		closes[i] = b.Close
		sizes[i] = b.High - b.Low
	}

	s := Snapshot{
		CVD:                e.cum,
		CVDSlope:           Slope(e.cvd),
		VolumeTrend:        Slope(volumes),
		AggressiveBuyRatio: buyRatio(e.bars, e.cfg.BuyRatioBars),
		PriceMomentum:      Momentum(closes, e.cfg.MomentumBars),
		AvgBarSize:         indicators.Mean(sizes).Or(0),
		Bars:               n,
		Timestamp:          e.bars[n-1].End,
	}
	if e.depth != nil {
		s.DepthImbalance = DepthImbalance(*e.depth)
		s.DepthSlope = DepthSlope(*e.depth)
	}
	s.DeltaConfidence = DeltaConfidence(s.CVDSlope, s.VolumeTrend, s.AggressiveBuyRatio, e.cfg.CVDScale, e.cfg.VolumeScale)
	return s, true
}

// DeltaConfidence blends the three factors into [0,1]:
// 0.5*(0.4*tanh(cvd*k1) + 0.3*tanh(vol*k2) + 0.3*(ratio-0.5)*2 + 1).
func DeltaConfidence(cvdSlope, volumeTrend, buyRatio, k1, k2 float64) float64 {
	score := 0.4*math.Tanh(cvdSlope*k1) + 0.3*math.Tanh(volumeTrend*k2) + 0.3*((buyRatio-0.5)*2)
	if math.IsNaN(score) {
		return 0.5
	}
	return clamp01(0.5 * (score + 1))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Slope is the least-squares slope of series against its index. It is zero
// for fewer than two points.
func Slope(series []float64) float64 {
	n := len(series)
	if n < 2 {
		return 0
	}
	xMean := float64(n-1) / 2
	var yMean float64
	for _, y := range series {
		yMean += y
	}
	yMean /= float64(n)

	var num, den float64
	for i, y := range series {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Momentum is the fractional change across the last periods values.
func Momentum(series []float64, periods int) float64 {
	if periods < 2 || len(series) < periods {
		return 0
	}
	recent := series[len(series)-periods:]
	if recent[0] == 0 {
		return 0
	}
	return (recent[len(recent)-1] - recent[0]) / recent[0]
}

func buyRatio(window []bars.Bar, last int) float64 {
	if len(window) > last {
		window = window[len(window)-last:]
	}
	var buy, sell float64
	for _, b := range window {
		buy += b.BuyVolume
		sell += b.SellVolume
	}
	if buy+sell <= 0 {
		return 0.5
	}
	return buy / (buy + sell)
}
