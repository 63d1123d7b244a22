package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestRebind(t *testing.T) {
	pg := &Database{Driver: DriverPostgres}
	if got := pg.Rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Fatalf("Rebind=%q", got)
	}
	lite := &Database{Driver: DriverSQLite}
	if got := lite.Rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite Rebind=%q, expected unchanged", got)
	}
	if _, err := Open("mysql", "", ""); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	d := newTestDB(t)
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}
}

func TestAccountQueriesRequireAccountID(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	if _, err := q.GetOrdersByAccount(ctx, "", 10); err != ErrAccountIDRequired {
		t.Fatalf("GetOrdersByAccount err=%v, expected ErrAccountIDRequired", err)
	}
	if _, err := q.GetOrder(ctx, "", "x"); err != ErrAccountIDRequired {
		t.Fatalf("GetOrder err=%v, expected ErrAccountIDRequired", err)
	}
	if _, err := q.GetReportsByAccount(ctx, "", 10); err != ErrAccountIDRequired {
		t.Fatalf("GetReportsByAccount err=%v, expected ErrAccountIDRequired", err)
	}
}

func TestOrdersAreIsolatedPerAccount(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	at := time.Date(2025, 10, 15, 13, 45, 0, 0, time.UTC)

	for _, o := range []Order{
		{ID: "acc-000000000001", AccountID: "166", Symbol: "NQZ5", Side: "BUY", Qty: 1, Kind: "ENTRY", State: "SUBMITTED", CreatedAt: at},
		{ID: "acc-000000000002", AccountID: "167", Symbol: "NQZ5", Side: "BUY", Qty: 1, Kind: "ENTRY", State: "SUBMITTED", CreatedAt: at},
	} {
		if err := d.SaveOrder(ctx, o); err != nil {
			t.Fatalf("SaveOrder: %v", err)
		}
	}
	if err := d.SaveOrder(ctx, Order{ID: "acc-000000000001", AccountID: "166", Symbol: "NQZ5", Side: "BUY", Qty: 1, Kind: "ENTRY", State: "FILLED", BrokerID: "B1", CreatedAt: at}); err != nil {
		t.Fatalf("SaveOrder update: %v", err)
	}

	q := d.Queries()
	orders, err := q.GetOrdersByAccount(ctx, "166", 10)
	if err != nil {
		t.Fatalf("GetOrdersByAccount: %v", err)
	}
	if len(orders) != 1 || orders[0].State != "FILLED" || orders[0].BrokerID != "B1" {
		t.Fatalf("orders=%+v, expected one FILLED order for 166", orders)
	}
	if _, err := q.GetOrder(ctx, "167", "acc-000000000001"); err != ErrNotFound {
		t.Fatalf("cross-account GetOrder err=%v, expected ErrNotFound", err)
	}
}

func TestSignalsAccountsAndReports(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if err := d.CreateSignal(ctx, Signal{ID: "s1", Symbol: "NQZ5", Side: "BUY", Reason: "SMM+delta>=thr", Confidence: 0.7, TrendState: 1, Source: "smm"}); err != nil {
		t.Fatalf("CreateSignal: %v", err)
	}
	signals, err := d.ListSignals(ctx, 10)
	if err != nil || len(signals) != 1 || signals[0].TrendState != 1 {
		t.Fatalf("ListSignals=%+v err=%v", signals, err)
	}

	acc := Account{ID: "166", SyncGroup: "main", Enabled: true, Positions: map[string]int{"NQZ5": 2}, SyncStatus: "IN_SYNC"}
	if err := d.SaveAccount(ctx, acc); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	acc.Positions["NQZ5"] = 0
	acc.SyncStatus = "DIVERGED"
	if err := d.SaveAccount(ctx, acc); err != nil {
		t.Fatalf("SaveAccount overwrite: %v", err)
	}
	accounts, err := d.ListAccounts(ctx)
	if err != nil || len(accounts) != 1 || accounts[0].SyncStatus != "DIVERGED" || accounts[0].Positions["NQZ5"] != 0 {
		t.Fatalf("ListAccounts=%+v err=%v", accounts, err)
	}

	if err := d.SaveReport(ctx, ReconciliationReport{ID: "r1", AccountID: "166", HasDiffs: true, Diffs: `[{"symbol":"NQZ5"}]`}); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	reports, err := d.Queries().GetReportsByAccount(ctx, "166", 5)
	if err != nil || len(reports) != 1 || !reports[0].HasDiffs {
		t.Fatalf("reports=%+v err=%v", reports, err)
	}

	if err := d.SaveMetrics(ctx, MetricsSnapshot{ID: "m1", Payload: `{"bars":3}`}); err != nil {
		t.Fatalf("SaveMetrics: %v", err)
	}
	m, err := d.LatestMetrics(ctx)
	if err != nil || m.Payload != `{"bars":3}` {
		t.Fatalf("LatestMetrics=%+v err=%v", m, err)
	}
}
