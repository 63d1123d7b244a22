package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"futures-core/internal/accounts"
	"futures-core/internal/bars"
	"futures-core/internal/bracket"
	"futures-core/internal/connection"
	"futures-core/internal/events"
	"futures-core/internal/execution"
	"futures-core/internal/external"
	"futures-core/internal/features"
	"futures-core/internal/indicators"
	"futures-core/internal/market"
	"futures-core/internal/monitor"
	"futures-core/internal/order"
	"futures-core/internal/persistence"
	"futures-core/internal/risk"
	"futures-core/internal/signal"
	"futures-core/pkg/broker"
	"futures-core/pkg/cache"
	"futures-core/pkg/symbols"
)

// Config holds the collaborators the engine composes. Executor, Accounts,
// Calculator and External are required.
type Config struct {
	Identity string
	Venue    string
	Paper    bool
	Version  string
	Symbols  []string // resolved contracts
	Depth    int      // book levels requested per symbol

	Bars     bars.Config
	Features features.Config
	Signal   signal.Config

	Calculator   *bracket.Calculator
	Tracker      *bracket.Tracker
	Window       *symbols.TradingWindow
	Executor     *execution.Executor
	Accounts     *accounts.Manager
	Risk         *risk.Manager // optional; reported in Status
	External     *external.Adapter
	Orchestrator *connection.Orchestrator
	Quotes       *cache.Quotes
	Bus          *events.Bus
	Recorder     *persistence.Recorder
	Metrics      *monitor.SystemMetrics
}

// pipeline is the per-symbol decision chain. mu serializes bars of one
// symbol so a bar's decision is dispatched before the next bar is computed.
type pipeline struct {
	mu       sync.Mutex
	symbol   string
	builder  bars.Builder
	features *features.Engine
	signals  *signal.Combined
	bars     int
	last     float64
	decision *signal.Decision
}

// Impl implements Service by composing the core modules.
type Impl struct {
	cfg       Config
	pipelines map[string]*pipeline

	ctxMu sync.RWMutex
	ctx   context.Context
	wg    sync.WaitGroup

	now func() time.Time
}

// NewImpl creates the engine and hooks order updates into persistence and
// the event bus.
func NewImpl(cfg Config) (*Impl, error) {
	switch {
	case cfg.Executor == nil:
		return nil, errors.New("engine: executor is required")
	case cfg.Accounts == nil:
		return nil, errors.New("engine: account manager is required")
	case cfg.Calculator == nil:
		return nil, errors.New("engine: bracket calculator is required")
	case cfg.External == nil:
		return nil, errors.New("engine: external adapter is required")
	}
	if cfg.Tracker == nil {
		cfg.Tracker = bracket.NewTracker(bracket.DefaultExitConfig(), cfg.Calculator.TickSize())
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitor.NewSystemMetrics()
	}
	cfg.Metrics.WatchBus(cfg.Bus)
	if cfg.Quotes == nil {
		cfg.Quotes = cache.NewQuotes()
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 10
	}

	e := &Impl{
		cfg:       cfg,
		pipelines: make(map[string]*pipeline, len(cfg.Symbols)),
		ctx:       context.Background(),
		now:       time.Now,
	}
	tick := cfg.Calculator.TickSize().Float()
	for _, sym := range cfg.Symbols {
		e.pipelines[sym] = &pipeline{
			symbol:   sym,
			builder:  bars.NewBuilder(sym, cfg.Bars, tick),
			features: features.NewEngine(cfg.Features),
			signals:  signal.NewCombined(cfg.Signal),
		}
	}

	cfg.Executor.OnOrder(func(o order.Order) {
		cfg.Recorder.Order(o)
		cfg.Bus.Publish(events.EventOrderUpdate, o)
	})
	return e, nil
}

// Handlers routes upstream events into the engine.
func (e *Impl) Handlers() broker.Handlers {
	return broker.Handlers{
		OnTick:     e.OnTick,
		OnDepth:    e.OnDepth,
		OnFill:     e.OnFill,
		OnPnL:      e.OnPnL,
		OnOrderAck: e.OnOrderAck,
	}
}

// Start subscribes the symbols and accounts on the orchestrator and runs the
// daily reset. Fan-outs started after ctx ends are cancelled.
func (e *Impl) Start(ctx context.Context) {
	e.ctxMu.Lock()
	e.ctx = ctx
	e.ctxMu.Unlock()

	if o := e.cfg.Orchestrator; o != nil {
		for _, sym := range e.cfg.Symbols {
			if err := o.Subscribe(sym, e.cfg.Depth, false); err != nil {
				log.Printf("⚠️ Subscribe %s: %v", sym, err)
			}
		}
		o.WatchAccounts(e.cfg.Accounts.IDs())
	}

	go e.dailyReset(ctx)
	log.Printf("✓ Engine started: %d symbol(s), %d account(s), window %s",
		len(e.pipelines), len(e.cfg.Accounts.IDs()), e.windowString())
}

// Wait blocks until in-flight fan-outs and stop moves finish.
func (e *Impl) Wait() { e.wg.Wait() }

func (e *Impl) baseContext() context.Context {
	e.ctxMu.RLock()
	defer e.ctxMu.RUnlock()
	return e.ctx
}

func (e *Impl) dailyReset(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	day := e.now().YearDay()
	for {
		select {
		case <-ticker.C:
			if d := e.now().YearDay(); d != day {
				day = d
				e.cfg.Accounts.ResetDaily()
				log.Printf("🔄 Daily PnL reset")
			}
		case <-ctx.Done():
			return
		}
	}
}

// --- Market data ---

// OnTick folds one trade print into its symbol pipeline and runs the exit
// state machine for positions open on that symbol.
func (e *Impl) OnTick(t market.Tick) {
	e.cfg.Metrics.IncrementTicks()
	e.cfg.Quotes.Record(t.Symbol, t.Price, t.Size, t.Timestamp)

	p, ok := e.pipelines[t.Symbol]
	if !ok {
		return
	}
	p.mu.Lock()
	p.last = t.Price
	for _, b := range p.builder.Update(t) {
		e.onBar(p, b)
	}
	snap, ready := p.features.Snapshot()
	p.mu.Unlock()

	e.checkExits(t.Symbol, t.Price, snap, ready, t.Timestamp)
}

// OnDepth updates the depth features of a symbol.
func (e *Impl) OnDepth(d market.DepthUpdate) {
	if p, ok := e.pipelines[d.Symbol]; ok {
		p.features.UpdateDepth(d)
	}
}

// onBar must run with p.mu held.
func (e *Impl) onBar(p *pipeline, b bars.Bar) {
	timer := monitor.NewTimer(e.cfg.Metrics.DecisionLatency)
	defer timer.Stop()

	e.cfg.Metrics.IncrementBars()
	p.bars++
	snap, ready := p.features.Update(b)
	e.cfg.Bus.Publish(events.EventBar, BarUpdate{Bar: b, Features: snap, Ready: ready})

	ev, ok := p.signals.OnBar(b, snap, ready)
	if !ok {
		return
	}
	d := ev.Decision
	d.ID = uuid.NewString()
	ev.Decision = d
	p.decision = &d

	e.cfg.Metrics.RecordDecision(d.Actionable())
	e.cfg.Recorder.Decision(d)
	e.cfg.Bus.Publish(events.EventDecision, ev)

	if !d.Actionable() {
		if d.Reason == signal.ReasonTrendMismatch {
			e.drop(d, DropTrendMismatch)
		}
		return
	}
	if reason := e.gate(d); reason != "" {
		e.drop(d, reason)
		return
	}
	log.Printf("✅ Decision %s %s @ %.2f (%s, confidence %.2f)", d.Side, d.Symbol, d.Price, d.Reason, d.Confidence)
	e.dispatch(d, 0)
}

// gate applies the trading window and the direction filters to new entries.
func (e *Impl) gate(d signal.Decision) string {
	if d.Exit {
		return ""
	}
	if w := e.cfg.Window; w != nil && !w.IsOpen(e.now()) {
		return DropWindowClosed
	}
	f := e.cfg.External.Filters()
	if (d.Side == order.SideBuy && !f.LongEnabled) || (d.Side == order.SideSell && !f.ShortEnabled) {
		return DropFilterDisabled
	}
	return ""
}

func (e *Impl) drop(d signal.Decision, reason string) {
	e.cfg.Metrics.RecordDrop(reason)
	log.Printf("⚠️ Decision %s %s dropped: %s", d.Side, d.Symbol, reason)
}

// --- External signals ---

// SubmitSignal admits an external signal and routes it like an internal
// decision. Policy rejections are returned in the admission, not as errors.
func (e *Impl) SubmitSignal(ctx context.Context, sig external.Signal) (external.Admission, error) {
	if root := strings.ToUpper(strings.TrimSpace(sig.Symbol)); root != "" && !symbols.IsContract(root) {
		sig.Symbol = symbols.FrontMonth(root, e.now())
	}
	adm, err := e.cfg.External.Admit(sig)
	if err != nil || !adm.Accepted {
		if err == nil {
			e.cfg.Metrics.RecordDrop("external_" + adm.Reason)
		}
		return adm, err
	}
	e.cfg.Metrics.IncrementExternal()

	d := adm.Decision
	signalPrice := d.Price
	if d.Price <= 0 {
		if last, ok := e.cfg.Quotes.Last(d.Symbol); ok {
			d.Price = last
		}
	}
	adm.Decision = d
	e.cfg.Recorder.Decision(d)
	e.cfg.Bus.Publish(events.EventDecision, d)

	if reason := e.gate(d); reason != "" {
		e.drop(d, reason)
		return adm, nil
	}
	log.Printf("✅ External %s %s from %s admitted (exit=%v)", d.Side, d.Symbol, d.Source, d.Exit)
	e.dispatch(d, signalPrice)
	return adm, nil
}

// --- Dispatch ---

// dispatch starts the fan-out of d and returns once it is kicked off.
// signalPrice is the price an external source quoted, zero for internal
// decisions, which bracket on ATR.
func (e *Impl) dispatch(d signal.Decision, signalPrice float64) {
	if d.Exit {
		ids := e.holders(d)
		if len(ids) == 0 {
			e.drop(d, DropNoAccounts)
			return
		}
		for _, id := range ids {
			e.cfg.Tracker.CloseOut(bracket.PositionKey(id, d.Symbol), bracket.ReasonSignalExit, d.Price)
		}
		e.launch(execution.Plan{Decision: d}, ids)
		return
	}

	plan := execution.Plan{Decision: d}
	entry := d.Price
	if last, ok := e.cfg.Quotes.Last(d.Symbol); ok {
		entry = last
	}
	levels, err := e.cfg.Calculator.Compute(d.Side, entry, signalPrice, d.ATR)
	if err != nil {
		// An entry without a bracket would be untracked and unprotected.
		log.Printf("⚠️ Bracket for %s %s: %v", d.Side, d.Symbol, err)
		e.drop(d, DropNoEntryPrice)
		return
	}
	plan.Levels, plan.HasLevels = levels, true

	launched := 0
	for _, group := range e.cfg.Accounts.GroupNames() {
		var ids []string
		for _, id := range e.cfg.Accounts.Group(group) {
			if p, open := e.cfg.Tracker.Get(bracket.PositionKey(id, d.Symbol)); open && p.State != bracket.StateClosed {
				e.cfg.Metrics.RecordDrop(DropPositionOpen)
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			continue
		}
		e.launch(plan, ids)
		launched++
	}
	if launched == 0 {
		e.drop(d, DropNoAccounts)
	}
}

// holders returns the accounts whose position d closes: longs for a SELL
// exit, shorts for a BUY exit.
func (e *Impl) holders(d signal.Decision) []string {
	var ids []string
	for _, a := range e.cfg.Accounts.All() {
		pos := a.Exposure(d.Symbol).Position
		if pos != 0 && pos*d.Side.Sign() < 0 {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

func (e *Impl) launch(plan execution.Plan, ids []string) {
	ctx := e.baseContext()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res := e.cfg.Executor.Execute(ctx, plan, ids)
		e.settle(plan, res)
	}()
}

// settle applies a fan-out result: opens or closes tracked positions,
// records metrics and publishes the outcome.
func (e *Impl) settle(plan execution.Plan, res execution.Result) {
	d := plan.Decision
	m := e.cfg.Metrics
	m.RecordOrders(len(res.Submitted), len(res.Failed))
	m.FanOutLatency.RecordDuration(res.Latency)
	for id, reason := range res.Rejected {
		m.RecordDrop("risk_" + reason)
		log.Printf("⚠️ Risk rejected %s for %s: %s", d.Symbol, id, reason)
	}

	now := e.now()
	for _, id := range res.Submitted {
		ar := res.Accounts[id]
		m.OrderLatency.RecordDuration(ar.Latency)
		key := bracket.PositionKey(id, d.Symbol)
		switch {
		case d.Exit:
			e.cfg.Tracker.Remove(key)
			m.IncrementExits()
		case plan.HasLevels && len(ar.OrderIDs) > 0:
			e.cfg.Tracker.Open(bracket.Position{
				AccountID:    id,
				Symbol:       d.Symbol,
				Side:         d.Side,
				Qty:          ar.Size,
				EntryOrderID: ar.OrderIDs[0],
				Levels:       plan.Levels,
				OpenedAt:     now,
			})
		}
	}
	if d.Exit {
		// Exits that did not go out stay visible to reconciliation rather
		// than the tracker, which would otherwise hold the account.
		for _, id := range res.Failed {
			e.cfg.Tracker.Remove(bracket.PositionKey(id, d.Symbol))
		}
		for id := range res.Rejected {
			e.cfg.Tracker.Remove(bracket.PositionKey(id, d.Symbol))
		}
		for id := range res.Skipped {
			e.cfg.Tracker.Remove(bracket.PositionKey(id, d.Symbol))
		}
	}

	e.cfg.Bus.Publish(events.EventExecution, res)
	e.publishAccounts(res)
	if len(res.Failed) > 0 {
		e.cfg.Bus.Publish(events.EventAlert, fmt.Sprintf("fan-out %s %s %s failed for %v", d.ID, d.Side, d.Symbol, res.Failed))
	}
}

func (e *Impl) publishAccounts(res execution.Result) {
	ids := make([]string, 0, len(res.Accounts))
	for id := range res.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e.publishAccount(id)
	}
}

func (e *Impl) publishAccount(id string) {
	a, ok := e.cfg.Accounts.Get(id)
	if !ok {
		return
	}
	e.cfg.Recorder.Account(a)
	e.cfg.Bus.Publish(events.EventAccountUpdate, a)
}

// --- Exits ---

// checkExits advances every position open on symbol. Momentum is the delta
// confidence in the position's direction, undefined until features are
// ready.
func (e *Impl) checkExits(symbol string, price float64, snap features.Snapshot, ready bool, at time.Time) {
	for _, key := range e.cfg.Tracker.Keys(symbol) {
		pos, ok := e.cfg.Tracker.Get(key)
		if !ok {
			continue
		}
		momentum := indicators.None()
		if ready {
			mv := snap.DeltaConfidence
			if pos.Side == order.SideSell {
				mv = 1 - mv
			}
			momentum = indicators.Some(mv)
		}
		ev, fired := e.cfg.Tracker.Update(key, price, momentum, at)
		if fired {
			e.onExitEvent(pos, ev, at)
		}
	}
}

func (e *Impl) onExitEvent(pos bracket.Position, ev bracket.Event, at time.Time) {
	notice := ExitNotice{AccountID: pos.AccountID, Symbol: pos.Symbol, Event: ev, Timestamp: at}

	switch {
	case !ev.Close:
		notice.Action = "move_stop"
		ctx := e.baseContext()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.cfg.Executor.MoveStop(ctx, pos.AccountID, pos.Symbol, ev.Stop); err != nil {
				log.Printf("⚠️ Stop move %s to %.2f: %v", ev.Key, ev.Stop, err)
			}
		}()
		log.Printf("🔄 %s %s: stop -> %.2f", ev.Key, ev.Reason, ev.Stop)

	case (ev.Reason == bracket.ReasonStopHit || ev.Reason == bracket.ReasonTargetHit) &&
		len(e.cfg.Executor.RestingLegs(pos.AccountID, pos.Symbol)) > 0:
		// The resting leg at the broker closes the position.
		notice.Action = "broker_leg"
		e.cfg.Tracker.Remove(ev.Key)
		e.cfg.Metrics.IncrementExits()

	default:
		notice.Action = "close"
		d := signal.Decision{
			ID:         uuid.NewString(),
			Symbol:     pos.Symbol,
			Side:       pos.Side.Opposite(),
			Reason:     ev.Reason,
			Confidence: 1,
			Price:      ev.Price,
			Source:     SourceExit,
			Exit:       true,
			Timestamp:  at,
		}
		e.cfg.Recorder.Decision(d)
		log.Printf("🚨 Exit %s: %s at %.2f (%s)", ev.Key, ev.Reason, ev.Price, ev.Detail)
		e.launch(execution.Plan{Decision: d}, []string{pos.AccountID})
	}
	e.cfg.Bus.Publish(events.EventPositionExit, notice)
}

// --- Order plant ---

// OnFill applies a broker fill: bracket legs first so the intended position
// already reflects them, then the account state.
func (e *Impl) OnFill(f market.Fill) {
	signed := f.Side.Sign() * f.Qty
	kind, leg := e.cfg.Executor.OnFill(e.baseContext(), f.AccountID, f.Symbol, f.OrderID, signed)
	e.cfg.Accounts.OnFill(f)
	if leg {
		key := bracket.PositionKey(f.AccountID, f.Symbol)
		if _, tracked := e.cfg.Tracker.Get(key); tracked {
			e.cfg.Tracker.Remove(key)
			e.cfg.Metrics.IncrementExits()
		}
		log.Printf("✓ %s leg filled for %s %s @ %.2f", kind, f.AccountID, f.Symbol, f.Price)
	}
	e.publishAccount(f.AccountID)
}

// OnPnL applies a position/PnL report.
func (e *Impl) OnPnL(u market.PnLUpdate) {
	e.cfg.Accounts.OnPnL(u)
	e.publishAccount(u.AccountID)
}

// OnOrderAck rolls back orders the broker rejects after accepting them.
func (e *Impl) OnOrderAck(ack market.OrderAck) {
	if ack.State != order.StateRejected {
		return
	}
	log.Printf("❌ Order %s rejected by broker for %s: %s", ack.OrderID, ack.AccountID, ack.Reason)
	e.cfg.Metrics.IncrementErrors()
	e.cfg.Bus.Publish(events.EventAlert, fmt.Sprintf("order %s rejected for %s: %s", ack.OrderID, ack.AccountID, ack.Reason))

	o, ok := e.cfg.Executor.OnReject(e.baseContext(), ack.AccountID, ack.OrderID, ack.Reason)
	if !ok {
		return
	}
	switch o.Kind {
	case order.KindEntry, order.KindExit:
		e.cfg.Accounts.OnOrderRejected(o.AccountID, o.Symbol, o.Side, o.Qty)
	}
	if o.Kind == order.KindEntry {
		key := bracket.PositionKey(o.AccountID, o.Symbol)
		if pos, tracked := e.cfg.Tracker.Get(key); tracked && pos.EntryOrderID == o.ID {
			e.cfg.Tracker.Remove(key)
		}
	}
	e.publishAccount(o.AccountID)
}

// --- Queries ---

func (e *Impl) SetFilters(long, short *bool) external.Filters {
	f := e.cfg.External.SetFilters(long, short)
	log.Printf("🔄 Filters: long=%v short=%v", f.LongEnabled, f.ShortEnabled)
	return f
}

func (e *Impl) Filters() external.Filters       { return e.cfg.External.Filters() }
func (e *Impl) SignalStats() external.Stats      { return e.cfg.External.Stats() }
func (e *Impl) Accounts() []accounts.Account     { return e.cfg.Accounts.All() }
func (e *Impl) SyncStats() accounts.Stats        { return e.cfg.Accounts.Stats(e.now()) }
func (e *Impl) CheckAccount(id string) string    { return e.cfg.Accounts.Check(id, e.now()) }

// CheckAccounts reports the readiness of every provisioned account.
func (e *Impl) CheckAccounts() map[string]string {
	return e.cfg.Accounts.CheckAll(e.cfg.Accounts.IDs(), e.now())
}

// ResetSyncStats clears the sync counters and returns the fresh stats.
func (e *Impl) ResetSyncStats() accounts.Stats {
	e.cfg.Accounts.ResetStats()
	log.Printf("🔄 Sync stats reset")
	return e.SyncStats()
}
func (e *Impl) Metrics() monitor.MetricsSnapshot { return e.cfg.Metrics.GetSnapshot() }

func (e *Impl) PositionsSummary() map[string]accounts.Summary {
	return e.cfg.Accounts.PositionsSummary()
}

func (e *Impl) TrackedPositions() map[string]bracket.Position {
	return e.cfg.Tracker.GetAllPositions()
}

func (e *Impl) Connections() []connection.Status {
	if e.cfg.Orchestrator == nil {
		return nil
	}
	return e.cfg.Orchestrator.Statuses()
}

func (e *Impl) Status() SystemStatus {
	now := e.now()
	st := SystemStatus{
		Identity:      e.cfg.Identity,
		Venue:         e.cfg.Venue,
		Paper:         e.cfg.Paper,
		WindowOpen:    e.cfg.Window == nil || e.cfg.Window.IsOpen(now),
		Window:        e.windowString(),
		OpenPositions: len(e.cfg.Tracker.GetAllPositions()),
		Version:       e.cfg.Version,
		ServerTime:    now,
	}
	if e.cfg.Orchestrator != nil {
		st.AllConnected = e.cfg.Orchestrator.AllConnected()
	}
	if e.cfg.Risk != nil {
		rm := e.cfg.Risk.GetMetrics()
		st.Risk = &rm
	}
	for _, sym := range e.cfg.Symbols {
		p := e.pipelines[sym]
		p.mu.Lock()
		ss := SymbolStatus{
			Symbol:    sym,
			Bars:      p.bars,
			Ready:     p.features.Ready(),
			Trend:     p.signals.TrendState().String(),
			LastPrice: p.last,
		}
		if p.decision != nil {
			d := *p.decision
			ss.LastDecision = &d
		}
		p.mu.Unlock()
		if snap, ok := p.features.Snapshot(); ok {
			ss.Features = &snap
		}
		st.Symbols = append(st.Symbols, ss)
	}
	return st
}

func (e *Impl) windowString() string {
	if e.cfg.Window == nil {
		return "always"
	}
	return e.cfg.Window.String()
}
