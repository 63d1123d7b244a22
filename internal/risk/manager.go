package risk

import (
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"futures-core/internal/order"
)

// Manager sizes decisions and enforces per-account policy limits. It holds no
// account state; callers pass an Exposure snapshot taken under the account's
// writer lock and record the order there when the decision is allowed.
type Manager struct {
	config    Config
	whitelist map[string]struct{}
	metrics   RiskMetrics
	mu        sync.RWMutex
}

// NewManager creates a risk manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{metrics: RiskMetrics{Rejections: make(map[string]uint64)}}
	m.setConfig(cfg)
	log.Printf("Risk Manager initialized: base=%d max=%d drawdown=%.2f position=%d rate=%d/min",
		cfg.BaseSize, cfg.MaxSize, cfg.MaxDailyDrawdown, cfg.MaxPosition, cfg.MaxOrdersPerMinute)
	return m
}

func (m *Manager) setConfig(cfg Config) {
	m.config = cfg
	m.whitelist = nil
	if len(cfg.Whitelist) > 0 {
		m.whitelist = make(map[string]struct{}, len(cfg.Whitelist))
		for _, id := range cfg.Whitelist {
			m.whitelist[id] = struct{}{}
		}
	}
}

// GetConfig returns a copy of current config.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Whitelisted reports whether the account may trade. An empty whitelist
// admits every account.
func (m *Manager) Whitelisted(accountID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.whitelist == nil {
		return true
	}
	_, ok := m.whitelist[accountID]
	return ok
}

// Evaluate sizes an intent for one account and applies the policy vetoes.
// Exit intents close the whole position and skip the drawdown, position and
// rate checks.
func (m *Manager) Evaluate(exp Exposure, in Intent, now time.Time) RiskDecision {
	listed := m.Whitelisted(exp.AccountID)
	cfg := m.GetConfig()

	dec := m.evaluate(cfg, listed, exp, in, now)

	m.mu.Lock()
	m.metrics.ChecksTotal++
	if dec.Allowed {
		m.metrics.ApprovalsTotal++
	} else {
		m.metrics.RejectionsTotal++
		m.metrics.Rejections[dec.Reason]++
	}
	m.mu.Unlock()

	if !dec.Allowed {
		log.Printf("⚠️ Risk rejected %s %s for %s: %s", in.Side, in.Symbol, exp.AccountID, dec.Reason)
	}
	return dec
}

func (m *Manager) evaluate(cfg Config, listed bool, exp Exposure, in Intent, now time.Time) RiskDecision {
	dec := RiskDecision{Side: string(in.Side)}

	if !listed {
		dec.Reason = ReasonNotWhitelisted
		return dec
	}

	if in.Exit {
		if exp.Position == 0 {
			dec.Reason = ReasonNoPosition
			return dec
		}
		dec.Allowed = true
		dec.Side = string(order.SideBuy)
		if exp.Position > 0 {
			dec.Side = string(order.SideSell)
		}
		dec.Size = int(math.Abs(float64(exp.Position)))
		dec.ClientOrderID = NewClientOrderID()
		return dec
	}

	if in.Side.Sign() == 0 {
		dec.Reason = ReasonNoSide
		return dec
	}

	if limit := math.Abs(cfg.MaxDailyDrawdown); limit > 0 && exp.DrawdownUsed() >= limit {
		dec.Reason = ReasonDrawdown
		return dec
	}

	size, cf, vf := Size(cfg.BaseSize, cfg.MaxSize, in.Confidence, cfg.DeltaThreshold, in.ATR, in.Price)
	dec.Size, dec.ConfidenceFactor, dec.VolatilityFactor = size, cf, vf

	if cfg.MaxPosition > 0 {
		next := exp.Position + in.Side.Sign()*size
		if abs(next) > cfg.MaxPosition {
			dec.Reason = ReasonMaxPosition
			return dec
		}
	}

	if cfg.MaxOrdersPerMinute > 0 && exp.OrdersInWindow(now, OrderRateWindow) >= cfg.MaxOrdersPerMinute {
		dec.Reason = ReasonRateLimited
		return dec
	}

	dec.Allowed = true
	dec.ClientOrderID = NewClientOrderID()
	return dec
}

// GetMetrics returns a copy of the counters.
func (m *Manager) GetMetrics() RiskMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.metrics
	out.Rejections = make(map[string]uint64, len(m.metrics.Rejections))
	for k, v := range m.metrics.Rejections {
		out.Rejections[k] = v
	}
	return out
}

// NewClientOrderID returns "acc-" followed by 12 hex characters.
func NewClientOrderID() string {
	return "acc-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
