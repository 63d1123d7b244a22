package accounts

import (
	"errors"
	"time"

	"futures-core/internal/risk"
)

var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrReconciliationMismatch = errors.New("position differs from broker")
)

// SyncStatus is the reconciliation state of one account.
type SyncStatus string

const (
	InSync     SyncStatus = "IN_SYNC"
	Diverged   SyncStatus = "DIVERGED"
	Recovering SyncStatus = "RECOVERING"
)

// Readiness results for Check.
const (
	StatusReady    = "ready"
	StatusNotFound = "not_found"
	StatusDisabled = "disabled"
	StatusCooldown = "cooldown"
	StatusDiverged = "diverged"
)

// Spec provisions one account at startup.
type Spec struct {
	ID        string `yaml:"id" json:"id"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	SyncGroup string `yaml:"sync_group" json:"sync_group"`
}

// Account is the tracked state of one brokerage sub-account. Positions are
// what fills and broker updates report; Intended is what fan-out submitted.
type Account struct {
	ID            string         `json:"id"`
	SyncGroup     string         `json:"sync_group"`
	Enabled       bool           `json:"enabled"`
	Positions     map[string]int `json:"positions"`
	Intended      map[string]int `json:"intended"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	RealizedPnL   float64        `json:"realized_pnl"`
	DailyPnL      float64        `json:"daily_pnl"`
	SyncStatus    SyncStatus     `json:"sync_status"`
	RecentOrders  []time.Time    `json:"-"`
	LastOrderAt   time.Time      `json:"last_order_at"`
	LastSignalAt  time.Time      `json:"last_signal_at"`
	LastSyncAt    time.Time      `json:"last_sync_at"`
	LastError     string         `json:"last_error,omitempty"`
}

func newAccount(s Spec) *Account {
	return &Account{
		ID:         s.ID,
		SyncGroup:  s.SyncGroup,
		Enabled:    s.Enabled,
		Positions:  make(map[string]int),
		Intended:   make(map[string]int),
		SyncStatus: InSync,
	}
}

func (a *Account) clone() Account {
	out := *a
	out.Positions = make(map[string]int, len(a.Positions))
	for k, v := range a.Positions {
		out.Positions[k] = v
	}
	out.Intended = make(map[string]int, len(a.Intended))
	for k, v := range a.Intended {
		out.Intended[k] = v
	}
	out.RecentOrders = append([]time.Time(nil), a.RecentOrders...)
	return out
}

// Position returns the known net position for symbol.
func (a *Account) Position(symbol string) int { return a.Positions[symbol] }

// OpenPositionCount is the number of symbols with a non-zero position.
func (a *Account) OpenPositionCount() int {
	n := 0
	for _, q := range a.Positions {
		if q != 0 {
			n++
		}
	}
	return n
}

// DrawdownUsed is the realized loss for the day.
func (a *Account) DrawdownUsed() float64 { return a.Exposure("").DrawdownUsed() }

// Exposure snapshots what the risk checks need for symbol. The intended
// position counts so that in-flight entries are not double-sized.
func (a *Account) Exposure(symbol string) risk.Exposure {
	pos := a.Intended[symbol]
	if p := a.Positions[symbol]; abs(p) > abs(pos) {
		pos = p
	}
	return risk.Exposure{
		AccountID:    a.ID,
		Position:     pos,
		DailyPnL:     a.DailyPnL,
		RecentOrders: a.RecentOrders,
	}
}

// RecordOrder marks an order submission in the rate window and moves the
// intended position by delta.
func (a *Account) RecordOrder(symbol string, delta int, now time.Time) {
	a.Intend(symbol, delta)
	a.RecentOrders = append(pruneBefore(a.RecentOrders, now.Add(-risk.OrderRateWindow)), now)
	a.LastOrderAt = now
	a.LastSignalAt = now
}

// RevertOrder undoes the intended move of a submission that finally failed.
// The rate window entry stays; the attempt still counted against the cap.
func (a *Account) RevertOrder(symbol string, delta int) {
	a.Intend(symbol, -delta)
}

// Intend moves the intended position without touching the rate window, for
// resting bracket legs that fill at the broker.
func (a *Account) Intend(symbol string, delta int) {
	a.Intended[symbol] += delta
	if a.Intended[symbol] == 0 {
		delete(a.Intended, symbol)
	}
}

// Matches reports whether known positions equal intended positions.
func (a *Account) Matches() bool {
	for sym, q := range a.Positions {
		if a.Intended[sym] != q {
			return false
		}
	}
	for sym, q := range a.Intended {
		if a.Positions[sym] != q {
			return false
		}
	}
	return true
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return append(ts[:0], ts[i:]...)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
