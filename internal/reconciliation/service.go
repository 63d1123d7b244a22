// Package reconciliation periodically compares account state with
// broker-reported positions and realigns diverged accounts.
package reconciliation

import (
	"context"
	"log"
	"sync"
	"time"

	"futures-core/internal/accounts"
	"futures-core/internal/persistence"
)

// BrokerTruth reports what the broker holds for one account.
type BrokerTruth interface {
	Positions(ctx context.Context, accountID string) (map[string]int, error)
}

// DefaultInFlightGrace is how long after its last order an in-sync account
// whose intent is still ahead of the broker is left out of periodic passes.
const DefaultInFlightGrace = 30 * time.Second

// Service handles periodic and on-demand reconciliation.
type Service struct {
	broker   BrokerTruth
	accounts *accounts.Manager
	recorder *persistence.Recorder
	interval time.Duration
	timeout  time.Duration
	grace    time.Duration
	mu       sync.Mutex
	last     map[string]Report
	now      func() time.Time
}

// Report contains the result of one account pass.
type Report struct {
	AccountID     string                  `json:"account_id"`
	Timestamp     time.Time               `json:"timestamp"`
	PositionDiffs []accounts.PositionDiff `json:"position_diffs"`
	HasDiffs      bool                    `json:"has_diffs"`
	Skipped       bool                    `json:"skipped,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

// NewService creates a new reconciliation service. recorder may be nil.
func NewService(broker BrokerTruth, mgr *accounts.Manager, recorder *persistence.Recorder, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		broker:   broker,
		accounts: mgr,
		recorder: recorder,
		interval: interval,
		timeout:  10 * time.Second,
		grace:    DefaultInFlightGrace,
		last:     make(map[string]Report),
		now:      time.Now,
	}
}

// Start runs a full pass every interval and an immediate pass for every
// account that reports divergence.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.ReconcileAll(ctx)
			case id := <-s.accounts.DivergedAccounts():
				s.Reconcile(ctx, id)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("✓ Reconciliation service started (interval: %v)", s.interval)
}

// ReconcileAll runs a pass for every account. Each account is independent;
// one failure does not stop the others. Accounts with orders still in
// flight are skipped so the broker snapshot does not overwrite their intent.
func (s *Service) ReconcileAll(ctx context.Context) []Report {
	ids := s.accounts.IDs()
	out := make([]Report, 0, len(ids))
	for _, id := range ids {
		if now := s.now(); s.inFlight(id, now) {
			out = append(out, Report{AccountID: id, Timestamp: now, Skipped: true})
			continue
		}
		out = append(out, s.Reconcile(ctx, id))
	}
	return out
}

// inFlight reports whether id is in sync but still waiting on fills for a
// recent order.
func (s *Service) inFlight(id string, now time.Time) bool {
	a, ok := s.accounts.Get(id)
	if !ok || a.SyncStatus != accounts.InSync || a.Matches() {
		return false
	}
	return now.Sub(a.LastOrderAt) < s.grace
}

// Reconcile re-queries broker truth for one account and realigns it.
func (s *Service) Reconcile(ctx context.Context, id string) Report {
	report := Report{AccountID: id, Timestamp: s.now()}
	if s.broker == nil {
		return report
	}

	if err := s.accounts.BeginRecovery(id); err != nil {
		report.Error = err.Error()
		return report
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	truth, err := s.broker.Positions(cctx, id)
	cancel()
	if err != nil {
		log.Printf("❌ Reconciliation %s: %v", id, err)
		s.accounts.ReconcileFailed(id, err)
		report.Error = err.Error()
		s.recorder.Report(id, nil, err)
		s.remember(report)
		return report
	}

	diffs, err := s.accounts.Reconcile(id, truth, report.Timestamp)
	if err != nil {
		report.Error = err.Error()
		s.remember(report)
		return report
	}
	report.PositionDiffs = diffs
	report.HasDiffs = len(diffs) > 0
	s.handleReport(report)
	return report
}

// handleReport logs and persists a report.
func (s *Service) handleReport(report Report) {
	s.remember(report)
	if !report.HasDiffs {
		return
	}
	log.Printf("⚠️ Reconciliation %s - position differences realigned to broker:", report.AccountID)
	for _, diff := range report.PositionDiffs {
		log.Printf("  %s: Local=%d, Broker=%d, Diff=%d", diff.Symbol, diff.LocalQty, diff.BrokerQty, diff.Difference)
	}
	s.recorder.Report(report.AccountID, report.PositionDiffs, nil)
}

func (s *Service) remember(r Report) {
	s.mu.Lock()
	s.last[r.AccountID] = r
	s.mu.Unlock()
}

// LastReports returns the latest report per account.
func (s *Service) LastReports() map[string]Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Report, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}
