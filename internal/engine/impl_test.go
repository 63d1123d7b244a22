package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"futures-core/internal/accounts"
	"futures-core/internal/bars"
	"futures-core/internal/bracket"
	"futures-core/internal/events"
	"futures-core/internal/execution"
	"futures-core/internal/external"
	"futures-core/internal/features"
	"futures-core/internal/market"
	"futures-core/internal/order"
	"futures-core/internal/risk"
	"futures-core/internal/signal"
	"futures-core/pkg/symbols"
)

type stubBroker struct {
	mu        sync.Mutex
	submitted []order.Order
	cancelled []string
}

func (s *stubBroker) SubmitOrder(_ context.Context, _ string, o order.Order) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, o)
	return fmt.Sprintf("stub-%d", len(s.submitted)), nil
}

func (s *stubBroker) CancelOrder(_ context.Context, _ string, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, orderID)
	return nil
}

func (s *stubBroker) orders() []order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]order.Order(nil), s.submitted...)
}

func (s *stubBroker) kinds(k order.Kind) int {
	n := 0
	for _, o := range s.orders() {
		if o.Kind == k {
			n++
		}
	}
	return n
}

const sym = "NQZ5"

func newTestEngine(t *testing.T, ids ...string) (*Impl, *stubBroker, *accounts.Manager) {
	t.Helper()
	return newTestEngineWith(t, nil, ids...)
}

// newTestEngineWith lets a test adjust the config before the pipelines are
// built.
func newTestEngineWith(t *testing.T, adjust func(*Config), ids ...string) (*Impl, *stubBroker, *accounts.Manager) {
	t.Helper()
	specs := make([]accounts.Spec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, accounts.Spec{ID: id, Enabled: true, SyncGroup: "main"})
	}
	mgr, err := accounts.NewManager(specs, nil, 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	sb := &stubBroker{}
	rm := risk.NewManager(risk.DefaultConfig())
	ex := execution.NewExecutor(execution.Config{RetryBackoff: time.Millisecond, SubmitTimeout: time.Second, MaxInFlight: 8}, sb, mgr, rm)
	calc, err := bracket.NewCalculator(bracket.DefaultConfig())
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	cfg := Config{
		Symbols:    []string{sym},
		Bars:       bars.DefaultConfig(),
		Features:   features.DefaultConfig(),
		Signal:     signal.DefaultConfig(),
		Calculator: calc,
		Tracker:    bracket.NewTracker(bracket.DefaultExitConfig(), calc.TickSize()),
		Executor:   ex,
		Accounts:   mgr,
		Risk:       rm,
		External:   external.NewAdapter(external.Config{LongEnabled: true, ShortEnabled: true}),
	}
	if adjust != nil {
		adjust(&cfg)
	}
	e, err := NewImpl(cfg)
	if err != nil {
		t.Fatalf("NewImpl: %v", err)
	}
	return e, sb, mgr
}

func tick(price float64) market.Tick {
	return market.Tick{Symbol: sym, Price: price, Size: 1, Timestamp: time.Now()}
}

func entrySignal(ts int64) external.Signal {
	return external.Signal{Timestamp: ts, Symbol: sym, Side: "BUY", SignalType: "ENTRY", Source: "tv", ConfidenceScore: 0.8, ATRValue: 4}
}

func enter(t *testing.T, e *Impl) {
	t.Helper()
	e.OnTick(tick(15000))
	adm, err := e.SubmitSignal(context.Background(), entrySignal(1))
	if err != nil || !adm.Accepted {
		t.Fatalf("SubmitSignal = %+v, %v", adm, err)
	}
	e.Wait()
}

func TestExternalEntryFansOutAndTracksPositions(t *testing.T) {
	e, sb, _ := newTestEngine(t, "166", "167")
	enter(t, e)

	tracked := e.TrackedPositions()
	if len(tracked) != 2 {
		t.Fatalf("tracked=%d, expected 2", len(tracked))
	}
	for key, p := range tracked {
		if p.Levels.Mode != bracket.ModeATR || p.Levels.Entry != 15000 {
			t.Fatalf("%s levels=%+v, expected ATR bracket at 15000", key, p.Levels)
		}
	}
	if got := len(sb.orders()); got != 6 {
		t.Fatalf("orders=%d, expected 2 entries plus 4 legs", got)
	}

	// A second entry while positions are tracked reaches no account.
	if _, err := e.SubmitSignal(context.Background(), entrySignal(2)); err != nil {
		t.Fatalf("SubmitSignal: %v", err)
	}
	e.Wait()
	if got := len(sb.orders()); got != 6 {
		t.Fatalf("orders=%d, expected no new submissions", got)
	}
	m := e.Metrics()
	if m.Drops[DropPositionOpen] != 2 || m.Drops[DropNoAccounts] != 1 {
		t.Fatalf("drops=%v", m.Drops)
	}
	if m.ExternalAccepted != 2 || m.OrdersSubmitted != 2 {
		t.Fatalf("external=%d submitted=%d", m.ExternalAccepted, m.OrdersSubmitted)
	}
}

func TestEarlyProfitExitClosesPosition(t *testing.T) {
	e, sb, mgr := newTestEngine(t, "166")
	enter(t, e)

	// 8 ticks in favor reaches the early profit target.
	e.OnTick(tick(15002))
	e.Wait()

	orders := sb.orders()
	last := orders[len(orders)-1]
	if last.Kind != order.KindExit || last.Side != order.SideSell || last.Qty != 1 {
		t.Fatalf("last order=%+v, expected SELL 1 exit", last)
	}
	if len(sb.cancelled) != 2 {
		t.Fatalf("cancelled=%v, expected both legs", sb.cancelled)
	}
	if n := len(e.TrackedPositions()); n != 0 {
		t.Fatalf("tracked=%d, expected 0", n)
	}
	if got := e.Metrics().Exits; got != 1 {
		t.Fatalf("exits=%d, expected 1", got)
	}
	acc, _ := mgr.Get("166")
	if acc.Intended[sym] != 0 {
		t.Fatalf("intended=%d, expected flat", acc.Intended[sym])
	}
}

func TestStopHitIsLeftToRestingLeg(t *testing.T) {
	e, sb, _ := newTestEngine(t, "166")
	enter(t, e)
	before := len(sb.orders())

	e.OnTick(tick(14990))
	e.Wait()

	if got := len(sb.orders()); got != before {
		t.Fatalf("orders=%d, expected no exit order while the stop leg rests", got)
	}
	if n := len(e.TrackedPositions()); n != 0 {
		t.Fatalf("tracked=%d, expected 0", n)
	}
}

func TestLegFillKeepsAccountInSync(t *testing.T) {
	e, sb, mgr := newTestEngine(t, "166")
	enter(t, e)

	entry := sb.orders()[0]
	e.OnFill(market.Fill{AccountID: "166", OrderID: entry.ID, Symbol: sym, Side: order.SideBuy, Qty: 1, Price: 15000})

	legs := e.cfg.Executor.RestingLegs("166", sym)
	if len(legs) != 2 {
		t.Fatalf("legs=%v, expected 2", legs)
	}
	e.OnFill(market.Fill{AccountID: "166", OrderID: legs[1], Symbol: sym, Side: order.SideSell, Qty: 1, Price: 14997})

	acc, _ := mgr.Get("166")
	if acc.SyncStatus != accounts.InSync || acc.Positions[sym] != 0 || acc.Intended[sym] != 0 {
		t.Fatalf("account=%+v, expected flat and in sync", acc)
	}
	if n := len(e.TrackedPositions()); n != 0 {
		t.Fatalf("tracked=%d, expected 0 after stop fill", n)
	}
}

func TestExternalExitClosesHolders(t *testing.T) {
	e, sb, _ := newTestEngine(t, "166", "167")
	enter(t, e)

	exit := external.Signal{Timestamp: 3, Symbol: sym, Side: "SELL", SignalType: "EXIT", Source: "tv-exit", ConfidenceScore: 1}
	adm, err := e.SubmitSignal(context.Background(), exit)
	if err != nil || !adm.Accepted || !adm.Decision.Exit {
		t.Fatalf("exit admission=%+v, %v", adm, err)
	}
	e.Wait()

	if got := sb.kinds(order.KindExit); got != 2 {
		t.Fatalf("exit orders=%d, expected 2", got)
	}
	if n := len(e.TrackedPositions()); n != 0 {
		t.Fatalf("tracked=%d, expected 0", n)
	}

	// A BUY exit closes shorts only; nobody is short.
	_, _ = e.SubmitSignal(context.Background(), external.Signal{Timestamp: 4, Symbol: sym, Side: "BUY", SignalType: "EXIT", Source: "tv-exit2", ConfidenceScore: 1})
	e.Wait()
	if got := sb.kinds(order.KindExit); got != 2 {
		t.Fatalf("exit orders=%d, expected unchanged", got)
	}
}

func TestGateAppliesWindowAndFilters(t *testing.T) {
	e, _, _ := newTestEngine(t, "166")
	w, err := symbols.NewTradingWindow(true, "09:30", "10:00", "America/New_York", "")
	if err != nil {
		t.Fatalf("NewTradingWindow: %v", err)
	}
	e.cfg.Window = w
	ny, _ := time.LoadLocation("America/New_York")

	buy := signal.Decision{Symbol: sym, Side: order.SideBuy}
	sell := signal.Decision{Symbol: sym, Side: order.SideSell}
	exit := signal.Decision{Symbol: sym, Side: order.SideSell, Exit: true}

	e.now = func() time.Time { return time.Date(2026, 10, 12, 12, 0, 0, 0, ny) }
	if got := e.gate(buy); got != DropWindowClosed {
		t.Fatalf("gate=%q, expected %q", got, DropWindowClosed)
	}
	if got := e.gate(exit); got != "" {
		t.Fatalf("exit gate=%q, expected pass", got)
	}

	e.now = func() time.Time { return time.Date(2026, 10, 12, 9, 45, 0, 0, ny) }
	off := false
	e.SetFilters(&off, nil)
	tests := []struct {
		name string
		d    signal.Decision
		want string
	}{
		{"long disabled", buy, DropFilterDisabled},
		{"short enabled", sell, ""},
		{"exit ignores filters", exit, ""},
	}
	for _, tt := range tests {
		if got := e.gate(tt.d); got != tt.want {
			t.Fatalf("%s: gate=%q, expected %q", tt.name, got, tt.want)
		}
	}
}

func TestStatusReportsPipelines(t *testing.T) {
	e, _, _ := newTestEngine(t, "166")
	e.OnTick(tick(15000))
	st := e.Status()
	if len(st.Symbols) != 1 || st.Symbols[0].LastPrice != 15000 || st.Symbols[0].Ready {
		t.Fatalf("status=%+v", st.Symbols)
	}
	if !st.WindowOpen || st.Window != "always" {
		t.Fatalf("window=%v %q, expected always open", st.WindowOpen, st.Window)
	}
	if st.Risk == nil || st.Risk.ChecksTotal != 0 {
		t.Fatalf("risk=%+v, expected empty counters", st.Risk)
	}

	enter(t, e)
	if got := e.Status().Risk.ApprovalsTotal; got != 1 {
		t.Fatalf("risk approvals=%d, expected 1", got)
	}
	if got := e.CheckAccounts(); got["166"] != accounts.StatusReady {
		t.Fatalf("CheckAccounts=%v, expected 166 ready", got)
	}
}

func TestRejectedExitReleasesTrackedPosition(t *testing.T) {
	e, sb, mgr := newTestEngine(t, "166")
	enter(t, e)

	// The broker reports the account flat, so the time exit has nothing to
	// close and risk rejects it.
	if _, err := mgr.Reconcile("166", map[string]int{}, time.Now()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	e.OnTick(market.Tick{Symbol: sym, Price: 15000, Size: 1, Timestamp: time.Now().Add(30 * time.Minute)})
	e.Wait()

	if got := e.Metrics().Drops["risk_"+risk.ReasonNoPosition]; got != 1 {
		t.Fatalf("no_position drops=%d, expected 1", got)
	}
	if n := len(e.TrackedPositions()); n != 0 {
		t.Fatalf("tracked=%d, expected 0 after rejected exit", n)
	}

	if _, err := e.SubmitSignal(context.Background(), entrySignal(5)); err != nil {
		t.Fatalf("SubmitSignal: %v", err)
	}
	e.Wait()
	if got := sb.kinds(order.KindEntry); got != 2 {
		t.Fatalf("entries=%d, expected the account to trade again", got)
	}

	// A position already closed in the tracker no longer holds the account.
	key := bracket.PositionKey("166", sym)
	if _, ok := e.cfg.Tracker.CloseOut(key, bracket.ReasonSignalExit, 15000); !ok {
		t.Fatalf("CloseOut(%s) found nothing", key)
	}
	if _, err := e.SubmitSignal(context.Background(), entrySignal(6)); err != nil {
		t.Fatalf("SubmitSignal: %v", err)
	}
	e.Wait()
	if got := sb.kinds(order.KindEntry); got != 3 {
		t.Fatalf("entries=%d, expected a closed position to be skipped by the guard", got)
	}
}

func TestBrokerRejectedEntryRollsBack(t *testing.T) {
	e, sb, mgr := newTestEngine(t, "166")
	enter(t, e)

	entry := sb.orders()[0]
	if entry.Kind != order.KindEntry {
		t.Fatalf("first order=%+v, expected entry", entry)
	}
	e.OnOrderAck(market.OrderAck{AccountID: "166", OrderID: entry.ID, State: order.StateRejected, Reason: "margin"})

	acc, _ := mgr.Get("166")
	if acc.Intended[sym] != 0 {
		t.Fatalf("intended=%d, expected rollback to 0", acc.Intended[sym])
	}
	if n := len(e.TrackedPositions()); n != 0 {
		t.Fatalf("tracked=%d, expected 0", n)
	}
	if legs := e.cfg.Executor.RestingLegs("166", sym); len(legs) != 0 {
		t.Fatalf("legs=%v, expected none", legs)
	}
	if len(sb.cancelled) != 2 {
		t.Fatalf("cancelled=%v, expected both legs", sb.cancelled)
	}

	// The broker confirms flat; intent agrees, so the account stays in sync.
	e.OnPnL(market.PnLUpdate{AccountID: "166", Symbol: sym, Position: 0})
	acc, _ = mgr.Get("166")
	if acc.SyncStatus != accounts.InSync {
		t.Fatalf("sync=%s (%s), expected %s", acc.SyncStatus, acc.LastError, accounts.InSync)
	}

	// A second rejection for the same order is a no-op.
	e.OnOrderAck(market.OrderAck{AccountID: "166", OrderID: entry.ID, State: order.StateRejected})
	acc, _ = mgr.Get("166")
	if acc.Intended[sym] != 0 {
		t.Fatalf("intended=%d after duplicate rejection, expected 0", acc.Intended[sym])
	}
}

func TestEntryWithoutPriceIsHeld(t *testing.T) {
	e, sb, _ := newTestEngine(t, "166")

	// No quote yet and no signal price: nothing to bracket around.
	adm, err := e.SubmitSignal(context.Background(), entrySignal(1))
	if err != nil || !adm.Accepted {
		t.Fatalf("SubmitSignal = %+v, %v", adm, err)
	}
	e.Wait()

	if got := len(sb.orders()); got != 0 {
		t.Fatalf("orders=%d, expected none", got)
	}
	if n := len(e.TrackedPositions()); n != 0 {
		t.Fatalf("tracked=%d, expected 0", n)
	}
	if got := e.Metrics().Drops[DropNoEntryPrice]; got != 1 {
		t.Fatalf("drops=%v, expected one %s", e.Metrics().Drops, DropNoEntryPrice)
	}
}

const ticksPerBar = 4

func tickBars(c *Config) {
	c.Bars = bars.Config{Mode: bars.ModeTicks, TicksPerBar: ticksPerBar}
}

// risingTicks steps up one tick per print with buyers lifting the offer, so
// every bar after the first opens on its low and closes on its high.
func risingTicks(n int, start time.Time) []market.Tick {
	out := make([]market.Tick, n)
	for i := range out {
		out[i] = market.Tick{
			Symbol:    sym,
			Price:     15000 + 0.25*float64(i),
			Size:      50,
			Aggressor: market.AggressorBuy,
			Timestamp: start.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

// barDecisions splits a bar/decision stream and fails unless every decision
// directly follows the bar it was made on.
func barDecisions(t *testing.T, seq []events.Envelope) ([]BarUpdate, []signal.Evaluation) {
	t.Helper()
	var bs []BarUpdate
	var ds []signal.Evaluation
	for i, env := range seq {
		switch p := env.Payload.(type) {
		case BarUpdate:
			bs = append(bs, p)
		case signal.Evaluation:
			if i == 0 {
				t.Fatalf("decision before any bar")
			}
			prev, ok := seq[i-1].Payload.(BarUpdate)
			if !ok || !prev.Bar.End.Equal(p.Decision.Timestamp) {
				t.Fatalf("decision %d at %v does not follow its bar", len(ds), p.Decision.Timestamp)
			}
			ds = append(ds, p)
		default:
			t.Fatalf("unexpected payload %T", env.Payload)
		}
	}
	return bs, ds
}

func TestRisingBarsDecideOncePerBarAndBuy(t *testing.T) {
	e, sb, _ := newTestEngineWith(t, tickBars, "166")
	stream, unsub := e.cfg.Bus.SubscribeTopics([]events.Event{events.EventBar, events.EventDecision}, 256)
	defer unsub()

	const nBars = 8
	for _, tk := range risingTicks(nBars*ticksPerBar, time.Now()) {
		e.OnTick(tk)
	}
	e.Wait()
	unsub()

	var seq []events.Envelope
	for env := range stream {
		seq = append(seq, env)
	}
	bs, ds := barDecisions(t, seq)

	minBars := features.DefaultConfig().MinBars
	if len(bs) != nBars {
		t.Fatalf("bars=%d, expected %d", len(bs), nBars)
	}
	for i, b := range bs {
		if b.Ready != (i+1 >= minBars) {
			t.Fatalf("bar %d ready=%v", i+1, b.Ready)
		}
		if i > 0 && !b.Bar.End.After(bs[i-1].Bar.End) {
			t.Fatalf("bar %d out of order", i+1)
		}
	}
	if len(ds) != nBars-minBars+1 {
		t.Fatalf("decisions=%d, expected one per ready bar (%d)", len(ds), nBars-minBars+1)
	}

	first := ds[0].Decision
	if first.Side != order.SideBuy || first.Reason != signal.ReasonBuy {
		t.Fatalf("first decision=%s %s (conditions %+v, confidence %.3f), expected BUY",
			first.Side, first.Reason, ds[0].Conditions, first.Confidence)
	}
	if first.TrendState != signal.TrendBullish {
		t.Fatalf("trend=%v, expected bullish", first.TrendState)
	}

	var dispatched bool
	for _, o := range sb.orders() {
		if o.Kind == order.KindEntry && o.DecisionID == first.ID && o.Side == order.SideBuy {
			dispatched = true
		}
	}
	if !dispatched {
		t.Fatalf("no entry order for decision %s", first.ID)
	}
	if st := e.Status(); st.Symbols[0].Bars != nBars || st.Symbols[0].LastDecision == nil {
		t.Fatalf("status=%+v", st.Symbols[0])
	}
}

func TestConcurrentTicksKeepBarDecisionOrder(t *testing.T) {
	e, _, _ := newTestEngineWith(t, tickBars, "166")
	stream, unsub := e.cfg.Bus.SubscribeTopics([]events.Event{events.EventBar, events.EventDecision}, 256)
	defer unsub()

	const perFeeder = 40
	start := time.Now()
	var wg sync.WaitGroup
	for f := 0; f < 2; f++ {
		wg.Add(1)
		go func(offset time.Duration) {
			defer wg.Done()
			for _, tk := range risingTicks(perFeeder, start.Add(offset)) {
				e.OnTick(tk)
			}
		}(time.Duration(f) * time.Millisecond)
	}
	wg.Wait()
	e.Wait()
	unsub()

	var seq []events.Envelope
	for env := range stream {
		seq = append(seq, env)
	}
	bs, ds := barDecisions(t, seq)

	nBars := 2 * perFeeder / ticksPerBar
	if len(bs) != nBars {
		t.Fatalf("bars=%d, expected %d", len(bs), nBars)
	}
	if want := nBars - features.DefaultConfig().MinBars + 1; len(ds) != want {
		t.Fatalf("decisions=%d, expected %d", len(ds), want)
	}
}
