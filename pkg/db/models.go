package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Signal is a persisted decision record.
type Signal struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
	TrendState int       `json:"trend_state"`
	Price      float64   `json:"price"`
	ATR        float64   `json:"atr"`
	Source     string    `json:"source"`
	IsExit     bool      `json:"is_exit"`
	CreatedAt  time.Time `json:"created_at"`
}

// Order is a persisted order record.
type Order struct {
	ID         string    `json:"id"`
	DecisionID string    `json:"decision_id"`
	AccountID  string    `json:"account_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Qty        int       `json:"qty"`
	Kind       string    `json:"kind"`
	Price      float64   `json:"price"`
	State      string    `json:"state"`
	ParentID   string    `json:"parent_id"`
	BrokerID   string    `json:"broker_id"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Account is the last known state of one account, overwritten in place.
type Account struct {
	ID            string         `json:"id"`
	SyncGroup     string         `json:"sync_group"`
	Enabled       bool           `json:"enabled"`
	Positions     map[string]int `json:"positions"`
	DailyPnL      float64        `json:"daily_pnl"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	SyncStatus    string         `json:"sync_status"`
	LastError     string         `json:"last_error"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// MetricsSnapshot is a periodic JSON dump of system counters.
type MetricsSnapshot struct {
	ID        string    `json:"id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// ReconciliationReport is an audit record of one reconciliation pass.
type ReconciliationReport struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	HasDiffs  bool      `json:"has_diffs"`
	Diffs     string    `json:"diffs"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

// Statement is a prepared write, usable directly or through a batch writer.
// Key identifies the row an overwrite targets; statements sharing a Key
// supersede each other while queued. Appends leave it empty.
type Statement struct {
	Table string
	Key   string
	Query string
	Args  []any
}

// InsertSignalStmt builds the insert for a signal record.
func (d *Database) InsertSignalStmt(s Signal) Statement {
	return Statement{
		Table: "signals",
		Query: d.Rebind(`
			INSERT INTO signals (id, symbol, side, reason, confidence, trend_state, price, atr, source, is_exit, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`),
		Args: []any{s.ID, s.Symbol, s.Side, s.Reason, s.Confidence, s.TrendState, s.Price, s.ATR, s.Source, s.IsExit, nowIfZero(s.CreatedAt)},
	}
}

// UpsertOrderStmt builds an insert-or-update for an order record.
func (d *Database) UpsertOrderStmt(o Order) Statement {
	return Statement{
		Table: "orders",
		Key:   "orders:" + o.ID,
		Query: d.Rebind(`
			INSERT INTO orders (id, decision_id, account_id, symbol, side, qty, kind, price, state, parent_id, broker_id, reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				price = excluded.price,
				broker_id = excluded.broker_id,
				reason = excluded.reason,
				updated_at = excluded.updated_at
		`),
		Args: []any{o.ID, o.DecisionID, o.AccountID, o.Symbol, o.Side, o.Qty, o.Kind, o.Price, o.State, o.ParentID, o.BrokerID, o.Reason,
			nowIfZero(o.CreatedAt), nowIfZero(o.UpdatedAt)},
	}
}

// UpsertAccountStmt builds the overwrite for an account record.
func (d *Database) UpsertAccountStmt(a Account) Statement {
	positions, err := json.Marshal(a.Positions)
	if err != nil || a.Positions == nil {
		positions = []byte("{}")
	}
	return Statement{
		Table: "accounts",
		Key:   "accounts:" + a.ID,
		Query: d.Rebind(`
			INSERT INTO accounts (id, sync_group, enabled, positions, daily_pnl, unrealized_pnl, sync_status, last_error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				sync_group = excluded.sync_group,
				enabled = excluded.enabled,
				positions = excluded.positions,
				daily_pnl = excluded.daily_pnl,
				unrealized_pnl = excluded.unrealized_pnl,
				sync_status = excluded.sync_status,
				last_error = excluded.last_error,
				updated_at = excluded.updated_at
		`),
		Args: []any{a.ID, a.SyncGroup, a.Enabled, string(positions), a.DailyPnL, a.UnrealizedPnL, a.SyncStatus, a.LastError, nowIfZero(a.UpdatedAt)},
	}
}

// InsertMetricsStmt builds the insert for a metrics snapshot.
func (d *Database) InsertMetricsStmt(m MetricsSnapshot) Statement {
	return Statement{
		Table: "metrics_snapshots",
		Query: d.Rebind(`INSERT INTO metrics_snapshots (id, payload, created_at) VALUES (?, ?, ?)`),
		Args:  []any{m.ID, m.Payload, nowIfZero(m.CreatedAt)},
	}
}

// InsertReportStmt builds the insert for a reconciliation report.
func (d *Database) InsertReportStmt(r ReconciliationReport) Statement {
	return Statement{
		Table: "reconciliation_reports",
		Query: d.Rebind(`
			INSERT INTO reconciliation_reports (id, account_id, has_diffs, diffs, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`),
		Args: []any{r.ID, r.AccountID, r.HasDiffs, r.Diffs, r.Error, nowIfZero(r.CreatedAt)},
	}
}

// Exec runs a single statement.
func (d *Database) Exec(ctx context.Context, s Statement) error {
	if _, err := d.DB.ExecContext(ctx, s.Query, s.Args...); err != nil {
		return fmt.Errorf("write %s: %w", s.Table, err)
	}
	return nil
}

// CreateSignal inserts a signal record.
func (d *Database) CreateSignal(ctx context.Context, s Signal) error {
	return d.Exec(ctx, d.InsertSignalStmt(s))
}

// SaveOrder inserts or updates an order record.
func (d *Database) SaveOrder(ctx context.Context, o Order) error {
	return d.Exec(ctx, d.UpsertOrderStmt(o))
}

// SaveAccount overwrites an account record.
func (d *Database) SaveAccount(ctx context.Context, a Account) error {
	return d.Exec(ctx, d.UpsertAccountStmt(a))
}

// SaveMetrics inserts a metrics snapshot.
func (d *Database) SaveMetrics(ctx context.Context, m MetricsSnapshot) error {
	return d.Exec(ctx, d.InsertMetricsStmt(m))
}

// SaveReport inserts a reconciliation report.
func (d *Database) SaveReport(ctx context.Context, r ReconciliationReport) error {
	return d.Exec(ctx, d.InsertReportStmt(r))
}

// ListSignals returns the newest signals first.
func (d *Database) ListSignals(ctx context.Context, limit int) ([]Signal, error) {
	rows, err := d.DB.QueryContext(ctx, d.Rebind(`
		SELECT id, symbol, side, reason, confidence, trend_state, price, atr, source, is_exit, created_at
		FROM signals
		ORDER BY created_at DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		var s Signal
		if err := rows.Scan(&s.ID, &s.Symbol, &s.Side, &s.Reason, &s.Confidence, &s.TrendState, &s.Price, &s.ATR, &s.Source, &s.IsExit, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListAccounts returns every stored account.
func (d *Database) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, COALESCE(sync_group, ''), enabled, COALESCE(positions, '{}'), daily_pnl, unrealized_pnl,
		       sync_status, COALESCE(last_error, ''), updated_at
		FROM accounts
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var (
			a         Account
			positions string
		)
		if err := rows.Scan(&a.ID, &a.SyncGroup, &a.Enabled, &positions, &a.DailyPnL, &a.UnrealizedPnL, &a.SyncStatus, &a.LastError, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if err := json.Unmarshal([]byte(positions), &a.Positions); err != nil {
			return nil, fmt.Errorf("decode positions for %s: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LatestMetrics returns the newest metrics snapshot.
func (d *Database) LatestMetrics(ctx context.Context) (*MetricsSnapshot, error) {
	var m MetricsSnapshot
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, payload, created_at FROM metrics_snapshots ORDER BY created_at DESC LIMIT 1
	`).Scan(&m.ID, &m.Payload, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func nowIfZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
