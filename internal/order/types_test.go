package order

import (
	"testing"
	"time"
)

func TestOrderTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		wantErr bool
	}{
		{"submit", StatePending, StateSubmitted, false},
		{"ack", StateSubmitted, StateAcked, false},
		{"fill after ack", StateAcked, StateFilled, false},
		{"reject pending", StatePending, StateRejected, false},
		{"filled is terminal", StateFilled, StateCancelled, true},
		{"no skip to ack", StatePending, StateAcked, true},
		{"rejected is terminal", StateRejected, StateSubmitted, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Order{ID: "o1", State: tt.from}
			err := o.Transition(tt.to, time.Now())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Transition err=%v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && o.State != tt.to {
				t.Fatalf("State=%s, expected %s", o.State, tt.to)
			}
		})
	}
}

func TestSideHelpers(t *testing.T) {
	if SideBuy.Sign() != 1 || SideSell.Sign() != -1 || SideNone.Sign() != 0 {
		t.Fatalf("unexpected Sign values")
	}
	if SideBuy.Opposite() != SideSell {
		t.Fatalf("Opposite(BUY)=%s", SideBuy.Opposite())
	}
	if s, err := ParseSide("short"); err != nil || s != SideSell {
		t.Fatalf("ParseSide(short)=%s,%v", s, err)
	}
	if _, err := ParseSide("flat"); err == nil {
		t.Fatalf("expected error for unknown side")
	}
}

func TestCalculatePnL(t *testing.T) {
	if got := CalculatePnL(SideBuy, 2, 15000, 15004, 20); got != 160 {
		t.Fatalf("long PnL=%v, expected 160", got)
	}
	if got := CalculatePnL(SideSell, 1, 15000, 15002, 1); got != -2 {
		t.Fatalf("short PnL=%v, expected -2", got)
	}
}
