package persistence

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"futures-core/internal/accounts"
	"futures-core/internal/order"
	"futures-core/internal/signal"
	"futures-core/pkg/db"
)

// Recorder maps domain records onto batched statements. A nil Recorder
// drops everything, so callers need no persistence checks.
type Recorder struct {
	db *db.Database
	bw *BatchWriter
}

// NewRecorder wires a recorder to a batch writer.
func NewRecorder(database *db.Database, bw *BatchWriter) *Recorder {
	return &Recorder{db: database, bw: bw}
}

// Decision appends a signal record.
func (r *Recorder) Decision(d signal.Decision) {
	if r == nil {
		return
	}
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	r.bw.Write(r.db.InsertSignalStmt(db.Signal{
		ID:         id,
		Symbol:     d.Symbol,
		Side:       string(d.Side),
		Reason:     d.Reason,
		Confidence: d.Confidence,
		TrendState: int(d.TrendState),
		Price:      d.Price,
		ATR:        d.ATR,
		Source:     d.Source,
		IsExit:     d.Exit,
		CreatedAt:  d.Timestamp,
	}))
}

// Order inserts or updates an order record.
func (r *Recorder) Order(o order.Order) {
	if r == nil {
		return
	}
	r.bw.Write(r.db.UpsertOrderStmt(db.Order{
		ID:         o.ID,
		DecisionID: o.DecisionID,
		AccountID:  o.AccountID,
		Symbol:     o.Symbol,
		Side:       string(o.Side),
		Qty:        o.Qty,
		Kind:       string(o.Kind),
		Price:      o.Price,
		State:      string(o.State),
		ParentID:   o.ParentID,
		BrokerID:   o.BrokerID,
		Reason:     o.Reason,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}))
}

// Account overwrites an account record.
func (r *Recorder) Account(a accounts.Account) {
	if r == nil {
		return
	}
	r.bw.Write(r.db.UpsertAccountStmt(db.Account{
		ID:            a.ID,
		SyncGroup:     a.SyncGroup,
		Enabled:       a.Enabled,
		Positions:     a.Positions,
		DailyPnL:      a.DailyPnL,
		UnrealizedPnL: a.UnrealizedPnL,
		SyncStatus:    string(a.SyncStatus),
		LastError:     a.LastError,
		UpdatedAt:     time.Now(),
	}))
}

// Metrics appends a metrics snapshot encoded as JSON.
func (r *Recorder) Metrics(v any) error {
	if r == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.bw.Write(r.db.InsertMetricsStmt(db.MetricsSnapshot{ID: uuid.NewString(), Payload: string(payload)}))
	return nil
}

// Report appends a reconciliation report.
func (r *Recorder) Report(accountID string, diffs []accounts.PositionDiff, cause error) {
	if r == nil {
		return
	}
	rep := db.ReconciliationReport{ID: uuid.NewString(), AccountID: accountID, HasDiffs: len(diffs) > 0}
	if len(diffs) > 0 {
		if b, err := json.Marshal(diffs); err == nil {
			rep.Diffs = string(b)
		}
	}
	if cause != nil {
		rep.Error = cause.Error()
	}
	r.bw.Write(r.db.InsertReportStmt(rep))
}

// Flush writes everything buffered.
func (r *Recorder) Flush() error {
	if r == nil {
		return nil
	}
	return r.bw.Flush()
}
