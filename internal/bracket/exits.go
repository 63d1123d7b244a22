package bracket

import (
	"fmt"
	"sync"
	"time"

	"futures-core/internal/indicators"
	"futures-core/internal/order"
	"futures-core/pkg/symbols"
)

// ExitState is the lifecycle of one tracked position.
type ExitState string

const (
	StateOpen          ExitState = "OPEN"
	StateTrailingArmed ExitState = "TRAILING_ARMED"
	StateClosed        ExitState = "CLOSED"
)

// Exit reasons and transitions.
const (
	ReasonStopHit     = "stop_hit"
	ReasonTargetHit   = "target_hit"
	ReasonTimeExit    = "time_exit"
	ReasonEarlyProfit = "early_profit"
	ReasonMomentum    = "momentum_exit"
	ReasonBreakeven   = "breakeven_activated"
	ReasonTrailed     = "trailing_stop_moved"
	ReasonSignalExit  = "signal_exit"
)

// ExitConfig holds the exit rules.
type ExitConfig struct {
	TimeExit            bool          `yaml:"time_based_exit" json:"time_based_exit"`
	MaxHold             time.Duration `yaml:"-" json:"max_hold"`
	MaxHoldMinutes      int           `yaml:"max_hold_minutes" json:"max_hold_minutes"`
	ProfitTargetEarly   int           `yaml:"profit_target_early" json:"profit_target_early"`
	BreakevenActivation int           `yaml:"breakeven_activation" json:"breakeven_activation"`
	MomentumExit        bool          `yaml:"momentum_exit" json:"momentum_exit"`
	MomentumThreshold   float64       `yaml:"momentum_exit_threshold" json:"momentum_exit_threshold"`
}

// DefaultExitConfig returns 15 minute hold, 8 tick early profit, 6 tick
// breakeven, momentum threshold 0.3.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		TimeExit:            true,
		MaxHold:             15 * time.Minute,
		MaxHoldMinutes:      15,
		ProfitTargetEarly:   8,
		BreakevenActivation: 6,
		MomentumExit:        true,
		MomentumThreshold:   0.3,
	}
}

// Position is one tracked entry and its live exit state.
type Position struct {
	AccountID     string     `json:"account_id"`
	Symbol        string     `json:"symbol"`
	Side          order.Side `json:"side"`
	Qty           int        `json:"qty"`
	EntryOrderID  string     `json:"entry_order_id"`
	Levels        Levels     `json:"levels"`
	Stop          float64    `json:"stop"`
	State         ExitState  `json:"state"`
	OpenedAt      time.Time  `json:"opened_at"`
	LastPrice     float64    `json:"last_price"`
	TrailAnchor   float64    `json:"trail_anchor"`
	HighWaterMark float64    `json:"high_water_mark"`
}

// Key identifies a position by account and symbol.
func (p Position) Key() string { return PositionKey(p.AccountID, p.Symbol) }

// PositionKey creates a unique key for an (account, symbol) pair.
func PositionKey(accountID, symbol string) string {
	return accountID + ":" + symbol
}

// Event is a transition produced by Update. Close is set when the position
// must be flattened.
type Event struct {
	Key    string    `json:"key"`
	Reason string    `json:"reason"`
	Price  float64   `json:"price"`
	Stop   float64   `json:"stop"`
	State  ExitState `json:"state"`
	Close  bool      `json:"close"`
	Detail string    `json:"detail,omitempty"`
}

// Tracker runs the exit state machine for every open position.
type Tracker struct {
	cfg       ExitConfig
	tick      symbols.TickSize
	positions map[string]*Position
	mu        sync.RWMutex
}

// NewTracker creates an exit tracker.
func NewTracker(cfg ExitConfig, tick symbols.TickSize) *Tracker {
	if cfg.MaxHold == 0 && cfg.MaxHoldMinutes > 0 {
		cfg.MaxHold = time.Duration(cfg.MaxHoldMinutes) * time.Minute
	}
	return &Tracker{
		cfg:       cfg,
		tick:      tick,
		positions: make(map[string]*Position),
	}
}

// Open starts tracking a position with its initial stop from levels.
func (t *Tracker) Open(p Position) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p.State = StateOpen
	p.Stop = p.Levels.Stop
	p.HighWaterMark = p.Levels.Entry
	p.LastPrice = p.Levels.Entry
	t.positions[p.Key()] = &p
}

// Update feeds the latest price and momentum reading to one position.
// Undefined momentum never triggers a momentum exit.
func (t *Tracker) Update(key string, price float64, momentum indicators.Value, now time.Time) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[key]
	if !ok || pos.State == StateClosed {
		return Event{}, false
	}
	pos.LastPrice = price
	dir := pos.Side.Sign()
	if (price-pos.HighWaterMark)*float64(dir) > 0 {
		pos.HighWaterMark = price
	}
	profitTicks := t.tick.Between(pos.Levels.Entry, price) * float64(dir)

	closeWith := func(reason, detail string) (Event, bool) {
		pos.State = StateClosed
		return Event{Key: key, Reason: reason, Price: price, Stop: pos.Stop, State: StateClosed, Close: true, Detail: detail}, true
	}

	if (price-pos.Stop)*float64(dir) <= 0 {
		return closeWith(ReasonStopHit, fmt.Sprintf("stop %.2f", pos.Stop))
	}
	if (price-pos.Levels.Target)*float64(dir) >= 0 {
		return closeWith(ReasonTargetHit, fmt.Sprintf("target %.2f", pos.Levels.Target))
	}
	if t.cfg.TimeExit && t.cfg.MaxHold > 0 && !now.Before(pos.OpenedAt.Add(t.cfg.MaxHold)) {
		return closeWith(ReasonTimeExit, fmt.Sprintf("held %s", now.Sub(pos.OpenedAt).Round(time.Second)))
	}
	if t.cfg.ProfitTargetEarly > 0 && profitTicks >= float64(t.cfg.ProfitTargetEarly) {
		return closeWith(ReasonEarlyProfit, fmt.Sprintf("%.0f ticks", profitTicks))
	}

	if pos.State == StateOpen && t.cfg.BreakevenActivation > 0 && profitTicks >= float64(t.cfg.BreakevenActivation) {
		pos.State = StateTrailingArmed
		pos.TrailAnchor = price
		t.tighten(pos, pos.Levels.Entry)
		return Event{Key: key, Reason: ReasonBreakeven, Price: price, Stop: pos.Stop, State: pos.State}, true
	}

	if pos.State == StateTrailingArmed && pos.Levels.TrailingStepTicks > 0 {
		step := pos.Levels.TrailingStepTicks
		steps := int(t.tick.Between(pos.TrailAnchor, price)*float64(dir)) / step
		if steps > 0 {
			pos.TrailAnchor = t.tick.Offset(pos.TrailAnchor, steps*step, dir)
			if t.tighten(pos, t.tick.Offset(pos.Stop, steps*step, dir)) {
				return Event{Key: key, Reason: ReasonTrailed, Price: price, Stop: pos.Stop, State: pos.State}, true
			}
		}
	}

	if t.cfg.MomentumExit {
		if m, ok := momentum.Get(); ok && m < t.cfg.MomentumThreshold {
			return closeWith(ReasonMomentum, fmt.Sprintf("momentum %.2f", m))
		}
	}
	return Event{}, false
}

// tighten moves the stop toward price only; it never loosens.
func (t *Tracker) tighten(pos *Position, stop float64) bool {
	if (stop-pos.Stop)*float64(pos.Side.Sign()) <= 0 {
		return false
	}
	pos.Stop = stop
	return true
}

// CloseOut marks a position closed for an external reason (signal exit,
// broker flatten) and returns the closing event.
func (t *Tracker) CloseOut(key, reason string, price float64) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[key]
	if !ok || pos.State == StateClosed {
		return Event{}, false
	}
	pos.State = StateClosed
	return Event{Key: key, Reason: reason, Price: price, Stop: pos.Stop, State: StateClosed, Close: true}, true
}

// Remove stops tracking a position.
func (t *Tracker) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.positions, key)
}

// Get returns a copy of a tracked position.
func (t *Tracker) Get(key string) (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[key]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Keys returns the keys of positions still open for symbol.
func (t *Tracker) Keys(symbol string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for k, p := range t.positions {
		if p.Symbol == symbol && p.State != StateClosed {
			out = append(out, k)
		}
	}
	return out
}

// GetAllPositions returns all tracked positions.
func (t *Tracker) GetAllPositions() map[string]Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Position, len(t.positions))
	for k, v := range t.positions {
		out[k] = *v
	}
	return out
}
