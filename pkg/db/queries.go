package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrAccountIDRequired = errors.New("account_id is required")
	ErrNotFound          = errors.New("record not found")
)

// AccountQueries provides reads scoped to a single account.
type AccountQueries struct {
	d *Database
}

// NewAccountQueries creates a new AccountQueries instance.
func NewAccountQueries(d *Database) *AccountQueries {
	return &AccountQueries{d: d}
}

// GetOrdersByAccount returns the newest orders for one account.
func (q *AccountQueries) GetOrdersByAccount(ctx context.Context, accountID string, limit int) ([]Order, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}

	rows, err := q.d.DB.QueryContext(ctx, q.d.Rebind(`
		SELECT id, COALESCE(decision_id, ''), account_id, symbol, side, qty, kind, price, state,
		       COALESCE(parent_id, ''), COALESCE(broker_id, ''), COALESCE(reason, ''), created_at, updated_at
		FROM orders
		WHERE account_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`), accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.DecisionID, &o.AccountID, &o.Symbol, &o.Side, &o.Qty, &o.Kind, &o.Price, &o.State,
			&o.ParentID, &o.BrokerID, &o.Reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetOrder returns one order owned by accountID.
func (q *AccountQueries) GetOrder(ctx context.Context, accountID, id string) (*Order, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	var o Order
	err := q.d.DB.QueryRowContext(ctx, q.d.Rebind(`
		SELECT id, COALESCE(decision_id, ''), account_id, symbol, side, qty, kind, price, state,
		       COALESCE(parent_id, ''), COALESCE(broker_id, ''), COALESCE(reason, ''), created_at, updated_at
		FROM orders
		WHERE account_id = ? AND id = ?
	`), accountID, id).Scan(&o.ID, &o.DecisionID, &o.AccountID, &o.Symbol, &o.Side, &o.Qty, &o.Kind, &o.Price, &o.State,
		&o.ParentID, &o.BrokerID, &o.Reason, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// GetReportsByAccount returns reconciliation reports for one account.
func (q *AccountQueries) GetReportsByAccount(ctx context.Context, accountID string, limit int) ([]ReconciliationReport, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}

	rows, err := q.d.DB.QueryContext(ctx, q.d.Rebind(`
		SELECT id, account_id, has_diffs, COALESCE(diffs, ''), COALESCE(error, ''), created_at
		FROM reconciliation_reports
		WHERE account_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`), accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []ReconciliationReport
	for rows.Next() {
		var r ReconciliationReport
		if err := rows.Scan(&r.ID, &r.AccountID, &r.HasDiffs, &r.Diffs, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
