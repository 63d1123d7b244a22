// Package accounts tracks per-account position and order state, sync-group
// membership, and reconciliation status against broker-reported truth.
package accounts

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"futures-core/internal/market"
	"futures-core/internal/order"
)

// DefaultCooldown is the minimum gap between signals for one account.
const DefaultCooldown = 5 * time.Second

type entry struct {
	mu  sync.Mutex
	acc *Account
}

// Manager owns every Account. Each account has its own lock so fan-out
// submission and reconciliation for one account are serialized while
// different accounts never contend. Accounts are provisioned once in
// NewManager and never added or removed afterwards.
type Manager struct {
	accounts map[string]*entry
	order    []string
	groups   map[string][]string
	cooldown time.Duration

	diverged chan string

	attempted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// NewManager provisions accounts and derives sync groups from each spec's
// SyncGroup. extra groups are merged in; unknown members are kept so that
// ValidateGroups can report them.
func NewManager(specs []Spec, extra map[string][]string, cooldown time.Duration) (*Manager, error) {
	if cooldown < 0 {
		cooldown = 0
	}
	m := &Manager{
		accounts: make(map[string]*entry, len(specs)),
		groups:   make(map[string][]string),
		cooldown: cooldown,
		diverged: make(chan string, 64),
	}
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("account spec without id")
		}
		if _, dup := m.accounts[s.ID]; dup {
			return nil, fmt.Errorf("duplicate account %s", s.ID)
		}
		m.accounts[s.ID] = &entry{acc: newAccount(s)}
		m.order = append(m.order, s.ID)
		if s.SyncGroup != "" {
			m.groups[s.SyncGroup] = append(m.groups[s.SyncGroup], s.ID)
		}
	}
	for name, ids := range extra {
		for _, id := range ids {
			if !contains(m.groups[name], id) {
				m.groups[name] = append(m.groups[name], id)
			}
		}
	}
	log.Printf("✓ Account sync manager: %d accounts, %d sync groups", len(m.accounts), len(m.groups))
	return m, nil
}

// Update runs fn with exclusive access to one account. It is the only way
// account state changes.
func (m *Manager) Update(id string, fn func(*Account) error) error {
	e, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrAccountNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.acc)
}

// Get returns a copy of one account.
func (m *Manager) Get(id string) (Account, bool) {
	e, ok := m.accounts[id]
	if !ok {
		return Account{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc.clone(), true
}

// All returns copies of every account in provisioning order.
func (m *Manager) All() []Account {
	out := make([]Account, 0, len(m.order))
	for _, id := range m.order {
		if a, ok := m.Get(id); ok {
			out = append(out, a)
		}
	}
	return out
}

// IDs returns every account id in provisioning order.
func (m *Manager) IDs() []string { return append([]string(nil), m.order...) }

// Group returns the members of a sync group.
func (m *Manager) Group(name string) []string {
	return append([]string(nil), m.groups[name]...)
}

// GroupNames returns sync group names sorted.
func (m *Manager) GroupNames() []string {
	names := make([]string, 0, len(m.groups))
	for k := range m.groups {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ValidateGroups returns, per group, members that are unknown or disabled.
func (m *Manager) ValidateGroups() map[string][]string {
	invalid := make(map[string][]string)
	for name, ids := range m.groups {
		for _, id := range ids {
			a, ok := m.Get(id)
			if !ok || !a.Enabled {
				invalid[name] = append(invalid[name], id)
			}
		}
	}
	return invalid
}

// Check reports whether one account can take a new signal.
func (m *Manager) Check(id string, now time.Time) string {
	a, ok := m.Get(id)
	switch {
	case !ok:
		return StatusNotFound
	case !a.Enabled:
		return StatusDisabled
	case m.cooldown > 0 && !a.LastSignalAt.IsZero() && now.Sub(a.LastSignalAt) < m.cooldown:
		return StatusCooldown
	case a.SyncStatus != InSync:
		return StatusDiverged
	}
	return StatusReady
}

// CheckAll runs Check for each id.
func (m *Manager) CheckAll(ids []string, now time.Time) map[string]string {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id] = m.Check(id, now)
	}
	return out
}

// OnFill applies a broker fill. An overfill or a fill against the intended
// direction marks the account diverged.
func (m *Manager) OnFill(f market.Fill) {
	err := m.Update(f.AccountID, func(a *Account) error {
		a.Positions[f.Symbol] += f.Side.Sign() * f.Qty
		if a.Positions[f.Symbol] == 0 {
			delete(a.Positions, f.Symbol)
		}
		pos, want := a.Positions[f.Symbol], a.Intended[f.Symbol]
		if abs(pos) > abs(want) || pos*want < 0 {
			return m.divergeLocked(a, fmt.Sprintf("fill %s %d %s: position %d, intended %d", f.Side, f.Qty, f.Symbol, pos, want))
		}
		return nil
	})
	if err != nil {
		log.Printf("⚠️ Fill for %s: %v", f.AccountID, err)
	}
}

// OnPnL applies a broker position/PnL update. A reported position that
// differs from the intended one marks the account diverged.
func (m *Manager) OnPnL(u market.PnLUpdate) {
	err := m.Update(u.AccountID, func(a *Account) error {
		a.UnrealizedPnL = u.UnrealizedPnL
		if u.RealizedPnL != a.RealizedPnL {
			a.DailyPnL += u.RealizedPnL - a.RealizedPnL
			a.RealizedPnL = u.RealizedPnL
		}
		if u.Symbol == "" {
			return nil
		}
		a.Positions[u.Symbol] = u.Position
		if u.Position == 0 {
			delete(a.Positions, u.Symbol)
		}
		if want := a.Intended[u.Symbol]; want != u.Position {
			return m.divergeLocked(a, fmt.Sprintf("broker reports %d %s, intended %d", u.Position, u.Symbol, want))
		}
		return nil
	})
	if err != nil {
		log.Printf("⚠️ PnL update for %s: %v", u.AccountID, err)
	}
}

// OnOrderRejected rolls back the intended move of an order the broker
// rejected after acknowledging submission.
func (m *Manager) OnOrderRejected(accountID, symbol string, side order.Side, qty int) {
	_ = m.Update(accountID, func(a *Account) error {
		a.RevertOrder(symbol, side.Sign()*qty)
		return nil
	})
}

// divergeLocked must run inside Update.
func (m *Manager) divergeLocked(a *Account, detail string) error {
	a.LastError = detail
	if a.SyncStatus == InSync {
		a.SyncStatus = Diverged
		select {
		case m.diverged <- a.ID:
		default:
		}
	}
	return fmt.Errorf("%s: %w", detail, ErrReconciliationMismatch)
}

// DivergedAccounts delivers ids of accounts that just diverged, for the
// reconciliation service to schedule a pass.
func (m *Manager) DivergedAccounts() <-chan string { return m.diverged }

// PositionDiff is one symbol where local and broker positions differ.
type PositionDiff struct {
	Symbol     string `json:"symbol"`
	LocalQty   int    `json:"local_qty"`
	BrokerQty  int    `json:"broker_qty"`
	Difference int    `json:"difference"`
}

// BeginRecovery moves a diverged account to Recovering.
func (m *Manager) BeginRecovery(id string) error {
	return m.Update(id, func(a *Account) error {
		if a.SyncStatus == Diverged {
			a.SyncStatus = Recovering
		}
		return nil
	})
}

// Reconcile realigns one account to broker truth. Both known and intended
// positions take the broker values and the account returns to InSync.
func (m *Manager) Reconcile(id string, truth map[string]int, now time.Time) ([]PositionDiff, error) {
	m.attempted.Add(1)
	var diffs []PositionDiff
	err := m.Update(id, func(a *Account) error {
		seen := make(map[string]bool)
		for sym, local := range a.Intended {
			seen[sym] = true
			if broker := truth[sym]; broker != local {
				diffs = append(diffs, PositionDiff{Symbol: sym, LocalQty: local, BrokerQty: broker, Difference: local - broker})
			}
		}
		for sym, broker := range truth {
			if !seen[sym] && broker != 0 {
				diffs = append(diffs, PositionDiff{Symbol: sym, BrokerQty: broker, Difference: -broker})
			}
		}

		a.Positions = make(map[string]int, len(truth))
		a.Intended = make(map[string]int, len(truth))
		for sym, q := range truth {
			if q != 0 {
				a.Positions[sym] = q
				a.Intended[sym] = q
			}
		}
		a.SyncStatus = InSync
		a.LastSyncAt = now
		a.LastError = ""
		return nil
	})
	if err != nil {
		m.failed.Add(1)
		return nil, err
	}
	m.succeeded.Add(1)
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Symbol < diffs[j].Symbol })
	return diffs, nil
}

// ReconcileFailed records a pass that could not reach the broker. The account
// goes back to Diverged so the next pass retries.
func (m *Manager) ReconcileFailed(id string, cause error) {
	m.failed.Add(1)
	_ = m.Update(id, func(a *Account) error {
		a.LastError = cause.Error()
		if a.SyncStatus == Recovering {
			a.SyncStatus = Diverged
		}
		return nil
	})
}

// ResetDaily clears the daily PnL of every account.
func (m *Manager) ResetDaily() {
	for _, id := range m.order {
		_ = m.Update(id, func(a *Account) error {
			a.DailyPnL = 0
			return nil
		})
	}
	log.Printf("🔄 Daily account PnL reset")
}

// ResetStatus forces accounts back to InSync. An empty id resets all.
func (m *Manager) ResetStatus(id string) error {
	ids := m.order
	if id != "" {
		ids = []string{id}
	}
	for _, aid := range ids {
		if err := m.Update(aid, func(a *Account) error {
			a.SyncStatus = InSync
			a.LastError = ""
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Summary is the per-account positions view.
type Summary struct {
	Positions     map[string]int `json:"positions"`
	OpenSymbols   int            `json:"open_symbols"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	DailyPnL      float64        `json:"daily_pnl"`
	SyncStatus    SyncStatus     `json:"sync_status"`
	LastSignalAt  time.Time      `json:"last_signal_at"`
}

// PositionsSummary returns positions for enabled accounts.
func (m *Manager) PositionsSummary() map[string]Summary {
	out := make(map[string]Summary)
	for _, a := range m.All() {
		if !a.Enabled {
			continue
		}
		out[a.ID] = Summary{
			Positions:     a.Positions,
			OpenSymbols:   a.OpenPositionCount(),
			UnrealizedPnL: a.UnrealizedPnL,
			DailyPnL:      a.DailyPnL,
			SyncStatus:    a.SyncStatus,
			LastSignalAt:  a.LastSignalAt,
		}
	}
	return out
}

// Stats are synchronization statistics.
type Stats struct {
	TotalAccounts   int                `json:"total_accounts"`
	EnabledAccounts int                `json:"enabled_accounts"`
	SyncGroups      int                `json:"sync_groups"`
	StatusCounts    map[SyncStatus]int `json:"status_counts"`
	CooldownCount   int                `json:"cooldown_count"`
	CooldownSeconds float64            `json:"cooldown_seconds"`
	SyncsAttempted  uint64             `json:"syncs_attempted"`
	SyncsSucceeded  uint64             `json:"syncs_succeeded"`
	SyncsFailed     uint64             `json:"syncs_failed"`
	SuccessRate     float64            `json:"success_rate"`
}

// Stats returns current synchronization statistics.
func (m *Manager) Stats(now time.Time) Stats {
	s := Stats{
		TotalAccounts:   len(m.accounts),
		SyncGroups:      len(m.groups),
		StatusCounts:    make(map[SyncStatus]int),
		CooldownSeconds: m.cooldown.Seconds(),
		SyncsAttempted:  m.attempted.Load(),
		SyncsSucceeded:  m.succeeded.Load(),
		SyncsFailed:     m.failed.Load(),
	}
	for _, a := range m.All() {
		if a.Enabled {
			s.EnabledAccounts++
		}
		s.StatusCounts[a.SyncStatus]++
		if m.cooldown > 0 && !a.LastSignalAt.IsZero() && now.Sub(a.LastSignalAt) < m.cooldown {
			s.CooldownCount++
		}
	}
	if done := s.SyncsSucceeded + s.SyncsFailed; done > 0 {
		s.SuccessRate = float64(s.SyncsSucceeded) / float64(done)
	}
	return s
}

// ResetStats clears the sync counters.
func (m *Manager) ResetStats() {
	m.attempted.Store(0)
	m.succeeded.Store(0)
	m.failed.Store(0)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
