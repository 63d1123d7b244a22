package execution

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"futures-core/internal/accounts"
	"futures-core/internal/bracket"
	"futures-core/internal/order"
	"futures-core/internal/risk"
	"futures-core/internal/signal"
)

type fakeBroker struct {
	mu        sync.Mutex
	block     map[string]bool
	reject    map[string]bool
	failFirst map[string]bool
	calls     map[string]int
	submitted []order.Order
	cancelled []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		block:     map[string]bool{},
		reject:    map[string]bool{},
		failFirst: map[string]bool{},
		calls:     map[string]int{},
	}
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, accountID string, o order.Order) (string, error) {
	f.mu.Lock()
	f.calls[accountID]++
	n := f.calls[accountID]
	block, reject, flaky := f.block[accountID], f.reject[accountID], f.failFirst[accountID]
	f.mu.Unlock()

	switch {
	case block:
		<-ctx.Done()
		return "", ctx.Err()
	case reject:
		return "", fmt.Errorf("%w: insufficient margin", ErrOrderRejected)
	case flaky && n == 1:
		return "", fmt.Errorf("connection reset")
	}
	f.mu.Lock()
	f.submitted = append(f.submitted, o)
	f.mu.Unlock()
	return "b-" + o.ID, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func newHarness(t *testing.T, ids ...string) (*Executor, *fakeBroker, *accounts.Manager) {
	t.Helper()
	specs := make([]accounts.Spec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, accounts.Spec{ID: id, Enabled: true, SyncGroup: "g1"})
	}
	mgr, err := accounts.NewManager(specs, nil, 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	fb := newFakeBroker()
	cfg := Config{MaxRetries: 1, RetryBackoff: time.Millisecond, SubmitTimeout: 30 * time.Millisecond, MaxInFlight: 4}
	return NewExecutor(cfg, fb, mgr, risk.NewManager(risk.DefaultConfig())), fb, mgr
}

func buyDecision() signal.Decision {
	return signal.Decision{
		ID:         "d-1",
		Symbol:     "NQZ5",
		Side:       order.SideBuy,
		Reason:     signal.ReasonBuy,
		Confidence: 0.7,
		Price:      15000,
		Source:     signal.SourceInternal,
		Timestamp:  time.Now(),
	}
}

func TestFanOutIsolatesTimedOutAccount(t *testing.T) {
	ex, fb, mgr := newHarness(t, "166", "167")
	fb.block["166"] = true

	res := ex.Execute(context.Background(), Plan{Decision: buyDecision()}, mgr.Group("g1"))

	if !reflect.DeepEqual(res.Submitted, []string{"167"}) {
		t.Fatalf("submitted=%v, expected [167]", res.Submitted)
	}
	if !reflect.DeepEqual(res.Failed, []string{"166"}) {
		t.Fatalf("failed=%v, expected [166]", res.Failed)
	}
	if got := res.Accounts["166"].Reason; got != "timeout" {
		t.Fatalf("reason=%q, expected timeout", got)
	}
	if got := res.Accounts["166"].Attempts; got != 2 {
		t.Fatalf("attempts=%d, expected 2", got)
	}

	failed, _ := mgr.Get("166")
	if failed.Intended["NQZ5"] != 0 {
		t.Fatalf("intended=%d, expected revert to 0", failed.Intended["NQZ5"])
	}
	ok, _ := mgr.Get("167")
	if ok.Intended["NQZ5"] != 1 {
		t.Fatalf("intended=%d, expected 1", ok.Intended["NQZ5"])
	}
}

func TestRejectionIsNotRetried(t *testing.T) {
	ex, fb, mgr := newHarness(t, "a")
	fb.reject["a"] = true

	res := ex.Execute(context.Background(), Plan{Decision: buyDecision()}, mgr.Group("g1"))
	if res.Accounts["a"].Reason != "rejected" || fb.calls["a"] != 1 {
		t.Fatalf("result=%+v calls=%d, expected one rejected attempt", res.Accounts["a"], fb.calls["a"])
	}
}

func TestTransientErrorIsRetried(t *testing.T) {
	ex, fb, mgr := newHarness(t, "a")
	fb.failFirst["a"] = true

	res := ex.Execute(context.Background(), Plan{Decision: buyDecision()}, mgr.Group("g1"))
	if len(res.Submitted) != 1 || res.Accounts["a"].Attempts != 2 {
		t.Fatalf("result=%+v, expected success on second attempt", res.Accounts["a"])
	}
}

func TestSkipsAndRiskRejections(t *testing.T) {
	ex, _, mgr := newHarness(t, "a", "b")
	_ = mgr.Update("b", func(a *accounts.Account) error {
		a.Positions["NQZ5"] = 4
		a.Intended["NQZ5"] = 4
		return nil
	})

	res := ex.Execute(context.Background(), Plan{Decision: buyDecision()}, []string{"a", "b", "ghost"})
	if res.Rejected["b"] != risk.ReasonMaxPosition {
		t.Fatalf("rejected=%v, expected b at max position", res.Rejected)
	}
	if res.Skipped["ghost"] != accounts.StatusNotFound {
		t.Fatalf("skipped=%v, expected ghost not_found", res.Skipped)
	}

	if !reflect.DeepEqual(res.Submitted, []string{"a"}) {
		t.Fatalf("submitted=%v, expected [a]", res.Submitted)
	}
}

func TestBracketLegsAndOCO(t *testing.T) {
	ex, fb, mgr := newHarness(t, "a")
	calc, err := bracket.NewCalculator(bracket.DefaultConfig())
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	levels, err := calc.Compute(order.SideBuy, 15000, 0, 0)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	var mu sync.Mutex
	states := map[string]order.State{}
	ex.OnOrder(func(o order.Order) {
		mu.Lock()
		states[o.ID] = o.State
		mu.Unlock()
	})

	res := ex.Execute(context.Background(), Plan{Decision: buyDecision(), Levels: levels, HasLevels: true}, []string{"a"})
	ids := res.OrderIDs["a"]
	if len(ids) != 3 {
		t.Fatalf("order ids=%v, expected entry plus two legs", ids)
	}
	legs := ex.RestingLegs("a", "NQZ5")
	if len(legs) != 2 {
		t.Fatalf("resting=%v, expected 2", legs)
	}

	if err := ex.MoveStop(context.Background(), "a", "NQZ5", 15000); err != nil {
		t.Fatalf("MoveStop: %v", err)
	}
	legs = ex.RestingLegs("a", "NQZ5")
	stopID := legs[1]
	if stopID == ids[2] {
		t.Fatalf("stop id unchanged after move")
	}

	_ = mgr.Update("a", func(acc *accounts.Account) error {
		acc.Positions["NQZ5"] = 1
		return nil
	})
	kind, ok := ex.OnFill(context.Background(), "a", "NQZ5", stopID, -1)
	if !ok || kind != order.KindBracketStop {
		t.Fatalf("kind=%v ok=%v, expected stop leg fill", kind, ok)
	}
	acc, _ := mgr.Get("a")
	if acc.Intended["NQZ5"] != 0 {
		t.Fatalf("intended=%d, expected 0 after stop fill", acc.Intended["NQZ5"])
	}
	if ex.RestingLegs("a", "NQZ5") != nil {
		t.Fatalf("legs still resting after OCO")
	}

	mu.Lock()
	defer mu.Unlock()
	if states[ids[1]] != order.StateCancelled || states[ids[2]] != order.StateCancelled {
		t.Fatalf("states=%v, expected target and original stop cancelled", states)
	}
	if len(fb.cancelled) != 2 {
		t.Fatalf("cancelled=%v, expected 2", fb.cancelled)
	}
}

func TestExitClosesPositionAndCancelsLegs(t *testing.T) {
	ex, fb, mgr := newHarness(t, "a")
	calc, _ := bracket.NewCalculator(bracket.DefaultConfig())
	levels, _ := calc.Compute(order.SideBuy, 15000, 0, 0)
	ex.Execute(context.Background(), Plan{Decision: buyDecision(), Levels: levels, HasLevels: true}, []string{"a"})

	exit := buyDecision()
	exit.ID, exit.Exit, exit.Side = "d-2", true, order.SideSell
	res := ex.Execute(context.Background(), Plan{Decision: exit}, []string{"a"})
	if len(res.Submitted) != 1 {
		t.Fatalf("exit result=%+v", res)
	}
	last := fb.submitted[len(fb.submitted)-1]
	if last.Kind != order.KindExit || last.Side != order.SideSell || last.Qty != 1 {
		t.Fatalf("exit order=%+v, expected SELL 1 exit", last)
	}
	if len(fb.cancelled) != 2 {
		t.Fatalf("cancelled=%v, expected both legs", fb.cancelled)
	}
	acc, _ := mgr.Get("a")
	if acc.Intended["NQZ5"] != 0 {
		t.Fatalf("intended=%d, expected flat", acc.Intended["NQZ5"])
	}
}
