// Package engine runs the per-symbol decision pipeline and exposes the
// control surface the API layer talks to.
package engine

import (
	"context"

	"futures-core/internal/accounts"
	"futures-core/internal/bracket"
	"futures-core/internal/connection"
	"futures-core/internal/external"
	"futures-core/internal/monitor"
)

// Service defines the operations the API layer may call. The API only
// interacts with the core through this interface.
type Service interface {
	// Signal ingestion and filters
	SubmitSignal(ctx context.Context, sig external.Signal) (external.Admission, error)
	SetFilters(long, short *bool) external.Filters
	Filters() external.Filters
	SignalStats() external.Stats

	// Accounts
	Accounts() []accounts.Account
	PositionsSummary() map[string]accounts.Summary
	CheckAccount(id string) string
	CheckAccounts() map[string]string
	SyncStats() accounts.Stats
	ResetSyncStats() accounts.Stats
	TrackedPositions() map[string]bracket.Position

	// System
	Connections() []connection.Status
	Metrics() monitor.MetricsSnapshot
	Status() SystemStatus
}

var _ Service = (*Impl)(nil)
