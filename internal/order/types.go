package order

import (
	"fmt"
	"time"
)

// Side is the direction of an order or decision. SideNone means no trade.
type Side string

const (
	SideNone Side = ""
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for BUY, -1 for SELL and 0 otherwise.
func (s Side) Sign() int {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	}
	return 0
}

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	}
	return SideNone
}

// ParseSide accepts BUY/SELL in any case, plus LONG/SHORT aliases.
func ParseSide(v string) (Side, error) {
	switch v {
	case "BUY", "buy", "Buy", "LONG", "long":
		return SideBuy, nil
	case "SELL", "sell", "Sell", "SHORT", "short":
		return SideSell, nil
	}
	return SideNone, fmt.Errorf("unknown side %q", v)
}

// Kind distinguishes the entry from its bracket legs.
type Kind string

const (
	KindEntry         Kind = "ENTRY"
	KindBracketTarget Kind = "BRACKET_TARGET"
	KindBracketStop   Kind = "BRACKET_STOP"
	KindExit          Kind = "EXIT"
)

// Suffix is the short tag appended to a parent id for linked legs.
func (k Kind) Suffix() string {
	switch k {
	case KindBracketTarget:
		return "tp"
	case KindBracketStop:
		return "sl"
	case KindExit:
		return "x"
	}
	return "e"
}

// State is the order lifecycle state.
type State string

const (
	StatePending   State = "PENDING"
	StateSubmitted State = "SUBMITTED"
	StateAcked     State = "ACKED"
	StateRejected  State = "REJECTED"
	StateFilled    State = "FILLED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateRejected
}

var transitions = map[State][]State{
	StatePending:   {StateSubmitted, StateRejected, StateCancelled},
	StateSubmitted: {StateAcked, StateRejected, StateFilled, StateCancelled},
	StateAcked:     {StateFilled, StateCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Order is one leg submitted to one account.
type Order struct {
	ID         string    `json:"id"`
	DecisionID string    `json:"decision_id"`
	AccountID  string    `json:"account_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Qty        int       `json:"qty"`
	Kind       Kind      `json:"kind"`
	Price      float64   `json:"price,omitempty"` // limit/stop trigger for bracket legs
	State      State     `json:"state"`
	ParentID   string    `json:"parent_id,omitempty"`
	BrokerID   string    `json:"broker_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Transition moves the order to next, rejecting illegal steps.
func (o *Order) Transition(next State, at time.Time) error {
	if o.State == next {
		return nil
	}
	if !CanTransition(o.State, next) {
		return fmt.Errorf("order %s: illegal transition %s -> %s", o.ID, o.State, next)
	}
	o.State = next
	o.UpdatedAt = at
	return nil
}

// SignedQty returns qty with the side's sign.
func (o *Order) SignedQty() int {
	return o.Qty * o.Side.Sign()
}

// CalculatePnL returns realized PnL in price points times qty for a round trip.
func CalculatePnL(side Side, qty int, entry, exit, pointValue float64) float64 {
	if qty == 0 {
		return 0
	}
	if pointValue <= 0 {
		pointValue = 1
	}
	return float64(side.Sign()) * (exit - entry) * float64(qty) * pointValue
}
