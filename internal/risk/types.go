package risk

import (
	"time"

	"futures-core/internal/order"
)

// Policy rejection reasons. These are outcomes, not errors.
const (
	ReasonNotWhitelisted = "not_whitelisted"
	ReasonDrawdown       = "disabled_by_drawdown"
	ReasonMaxPosition    = "max_position_exceeded"
	ReasonRateLimited    = "rate_limited"
	ReasonNoPosition     = "no_position"
	ReasonNoSide         = "no_side"
)

// OrderRateWindow is the sliding window the per-minute order cap applies to.
const OrderRateWindow = time.Minute

// Config defines sizing bounds and per-account limits.
type Config struct {
	BaseSize           int      `yaml:"base_size" json:"base_size"`
	MaxSize            int      `yaml:"max_size" json:"max_size"`
	DeltaThreshold     float64  `yaml:"-" json:"delta_threshold"`
	MaxDailyDrawdown   float64  `yaml:"max_daily_drawdown" json:"max_daily_drawdown"`
	MaxPosition        int      `yaml:"max_position" json:"max_position"`
	MaxOrdersPerMinute int      `yaml:"max_orders_per_minute" json:"max_orders_per_minute"`
	Whitelist          []string `yaml:"-" json:"whitelist"`
}

// DefaultConfig returns base 1, max 2, drawdown 250, position 4, 60 orders/min.
func DefaultConfig() Config {
	return Config{
		BaseSize:           1,
		MaxSize:            2,
		DeltaThreshold:     0.65,
		MaxDailyDrawdown:   250,
		MaxPosition:        4,
		MaxOrdersPerMinute: 60,
	}
}

// Exposure is the account state a check looks at. It is a copy taken under
// the account's writer lock.
type Exposure struct {
	AccountID    string
	Position     int
	DailyPnL     float64
	RecentOrders []time.Time
}

// DrawdownUsed is the realized daily loss, zero when the day is positive.
func (e Exposure) DrawdownUsed() float64 {
	if e.DailyPnL >= 0 {
		return 0
	}
	return -e.DailyPnL
}

// OrdersInWindow counts orders newer than now-window.
func (e Exposure) OrdersInWindow(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, t := range e.RecentOrders {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Intent is what a decision asks for before sizing.
type Intent struct {
	Symbol     string
	Side       order.Side
	Confidence float64 // directional strength in [0,1]
	ATR        float64
	Price      float64
	Exit       bool
}

// RiskDecision represents the result of risk evaluation.
type RiskDecision struct {
	Allowed          bool    `json:"allowed"`
	Reason           string  `json:"reason,omitempty"`
	Side             string  `json:"side"`
	Size             int     `json:"size"`
	ConfidenceFactor float64 `json:"confidence_factor"`
	VolatilityFactor float64 `json:"volatility_factor"`
	ClientOrderID    string  `json:"client_order_id,omitempty"`
}

// RiskMetrics tracks evaluation counters.
type RiskMetrics struct {
	ChecksTotal     uint64            `json:"checks_total"`
	ApprovalsTotal  uint64            `json:"approvals_total"`
	RejectionsTotal uint64            `json:"rejections_total"`
	Rejections      map[string]uint64 `json:"rejections"`
}
