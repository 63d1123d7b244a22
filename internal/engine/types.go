package engine

import (
	"time"

	"futures-core/internal/bars"
	"futures-core/internal/bracket"
	"futures-core/internal/features"
	"futures-core/internal/risk"
	"futures-core/internal/signal"
)

// Drop reasons recorded when a decision is withheld before fan-out.
const (
	DropWindowClosed   = "window_closed"
	DropFilterDisabled = "filter_disabled"
	DropTrendMismatch  = signal.ReasonTrendMismatch
	DropPositionOpen   = "position_open"
	DropNoAccounts     = "no_accounts"
	DropNoEntryPrice   = "no_entry_price"
)

// SourceExit tags decisions raised by the exit state machine.
const SourceExit = "exit_manager"

// BarUpdate is published for every closed bar.
type BarUpdate struct {
	Bar      bars.Bar          `json:"bar"`
	Features features.Snapshot `json:"features"`
	Ready    bool              `json:"ready"`
}

// ExitNotice is published when the exit state machine acts on a position.
type ExitNotice struct {
	AccountID string        `json:"account_id"`
	Symbol    string        `json:"symbol"`
	Event     bracket.Event `json:"event"`
	Action    string        `json:"action"` // close, move_stop, broker_leg
	Timestamp time.Time     `json:"timestamp"`
}

// SymbolStatus is the live state of one symbol pipeline.
type SymbolStatus struct {
	Symbol       string             `json:"symbol"`
	Bars         int                `json:"bars"`
	Ready        bool               `json:"ready"`
	Trend        string             `json:"trend"`
	LastPrice    float64            `json:"last_price"`
	LastDecision *signal.Decision   `json:"last_decision,omitempty"`
	Features     *features.Snapshot `json:"features,omitempty"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Identity      string         `json:"identity"`
	Venue         string         `json:"venue"`
	Paper         bool           `json:"paper"`
	Symbols       []SymbolStatus `json:"symbols"`
	WindowOpen    bool           `json:"window_open"`
	Window        string         `json:"window"`
	AllConnected  bool           `json:"all_connected"`
	OpenPositions int            `json:"open_positions"`
	Risk          *risk.RiskMetrics `json:"risk,omitempty"`
	Version       string         `json:"version"`
	ServerTime    time.Time      `json:"server_time"`
}
