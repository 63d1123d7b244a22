package market

import (
	"time"

	"futures-core/internal/order"
)

// Aggressor identifies which side lifted or hit on a trade print.
type Aggressor int8

const (
	AggressorUnknown Aggressor = 0
	AggressorBuy     Aggressor = 1
	AggressorSell    Aggressor = -1
)

// Tick is a single trade print.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Aggressor Aggressor `json:"aggressor"`
	Timestamp time.Time `json:"timestamp"`
}

// DepthLevel is one price level of the book.
type DepthLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// DepthUpdate is a top-of-book ladder snapshot, best level first.
type DepthUpdate struct {
	Symbol    string       `json:"symbol"`
	Bids      []DepthLevel `json:"bids"`
	Asks      []DepthLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// Fill is an execution report from the order plant.
type Fill struct {
	AccountID string     `json:"account_id"`
	OrderID   string     `json:"order_id"`
	Symbol    string     `json:"symbol"`
	Side      order.Side `json:"side"`
	Qty       int        `json:"qty"`
	Price     float64    `json:"price"`
	Timestamp time.Time  `json:"timestamp"`
}

// OrderAck is the order plant's response to a submission.
type OrderAck struct {
	AccountID string      `json:"account_id"`
	OrderID   string      `json:"order_id"`
	BrokerID  string      `json:"broker_id"`
	State     order.State `json:"state"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PnLUpdate is a position/PnL report from the PnL plant.
type PnLUpdate struct {
	AccountID     string    `json:"account_id"`
	Symbol        string    `json:"symbol"`
	Position      int       `json:"position"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	Timestamp     time.Time `json:"timestamp"`
}
