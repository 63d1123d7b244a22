// Package execution fans a sized decision out to every account of a sync
// group. Each account is submitted independently: one account timing out or
// being rejected never blocks or aborts its siblings.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"futures-core/internal/accounts"
	"futures-core/internal/bracket"
	"futures-core/internal/order"
	"futures-core/internal/risk"
	"futures-core/internal/signal"
)

var (
	ErrOrderRejected = errors.New("order rejected")
	ErrSubmitTimeout = errors.New("order submission timed out")
)

// Broker is the order side of the upstream adapter.
type Broker interface {
	SubmitOrder(ctx context.Context, accountID string, o order.Order) (string, error)
	CancelOrder(ctx context.Context, accountID, orderID string) error
}

// Config bounds retries, timeouts and concurrency.
type Config struct {
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	SubmitTimeout time.Duration `yaml:"submit_timeout" json:"submit_timeout"`
	MaxInFlight   int64         `yaml:"max_in_flight" json:"max_in_flight"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:    2,
		RetryBackoff:  200 * time.Millisecond,
		SubmitTimeout: 5 * time.Second,
		MaxInFlight:   16,
	}
}

// Per-account outcomes.
const (
	OutcomeSubmitted = "submitted"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeSkipped   = "skipped"
)

// Plan is a decision ready for fan-out. Levels are set for entries that
// carry a bracket.
type Plan struct {
	Decision  signal.Decision
	Levels    bracket.Levels
	HasLevels bool
}

// AccountResult is the outcome for one account.
type AccountResult struct {
	AccountID string        `json:"account_id"`
	Outcome   string        `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
	Size      int           `json:"size,omitempty"`
	OrderIDs  []string      `json:"order_ids,omitempty"`
	Attempts  int           `json:"attempts"`
	Error     error         `json:"-"`
	ErrorMsg  string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// Result aggregates one fan-out.
type Result struct {
	DecisionID string                   `json:"decision_id"`
	Symbol     string                   `json:"symbol"`
	Side       order.Side               `json:"side"`
	Exit       bool                     `json:"exit,omitempty"`
	Submitted  []string                 `json:"accounts_submitted"`
	Failed     []string                 `json:"accounts_failed"`
	Rejected   map[string]string        `json:"accounts_rejected,omitempty"`
	Skipped    map[string]string        `json:"accounts_skipped,omitempty"`
	OrderIDs   map[string][]string      `json:"order_ids"`
	Accounts   map[string]AccountResult `json:"-"`
	Latency    time.Duration            `json:"latency_ms"`
}

// legSet is the resting bracket of one account position.
type legSet struct {
	parentID string
	target   order.Order
	stop     order.Order
	rev      int
}

// Executor submits plans to accounts through the broker.
type Executor struct {
	cfg      Config
	broker   Broker
	accounts *accounts.Manager
	risk     *risk.Manager
	inFlight *semaphore.Weighted

	mu   sync.Mutex
	legs map[string]*legSet
	live map[string]order.Order // entries and exits awaiting a fill

	onOrder func(order.Order)
	now     func() time.Time
}

// NewExecutor wires an executor. Zero config fields take defaults.
func NewExecutor(cfg Config, broker Broker, accts *accounts.Manager, rm *risk.Manager) *Executor {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	return &Executor{
		cfg:      cfg,
		broker:   broker,
		accounts: accts,
		risk:     rm,
		inFlight: semaphore.NewWeighted(cfg.MaxInFlight),
		legs:     make(map[string]*legSet),
		live:     make(map[string]order.Order),
		onOrder:  func(order.Order) {},
		now:      time.Now,
	}
}

// OnOrder registers a hook called on every order state change.
func (e *Executor) OnOrder(fn func(order.Order)) {
	if fn != nil {
		e.onOrder = fn
	}
}

// Execute submits plan to every account in ids concurrently and waits for
// all of them. It never returns an error: per-account failures are in the
// result.
func (e *Executor) Execute(ctx context.Context, plan Plan, ids []string) Result {
	start := time.Now()
	d := plan.Decision
	res := Result{
		DecisionID: d.ID,
		Symbol:     d.Symbol,
		Side:       d.Side,
		Exit:       d.Exit,
		Submitted:  []string{},
		Failed:     []string{},
		Rejected:   make(map[string]string),
		Skipped:    make(map[string]string),
		OrderIDs:   make(map[string][]string),
		Accounts:   make(map[string]AccountResult, len(ids)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ar := e.executeAccount(ctx, plan, id)

			mu.Lock()
			defer mu.Unlock()
			res.Accounts[id] = ar
			switch ar.Outcome {
			case OutcomeSubmitted:
				res.Submitted = append(res.Submitted, id)
				res.OrderIDs[id] = ar.OrderIDs
			case OutcomeFailed:
				res.Failed = append(res.Failed, id)
			case OutcomeRejected:
				res.Rejected[id] = ar.Reason
			default:
				res.Skipped[id] = ar.Reason
			}
		}(id)
	}
	wg.Wait()

	sort.Strings(res.Submitted)
	sort.Strings(res.Failed)
	res.Latency = time.Since(start)

	log.Printf("📤 Fan-out %s %s %s: submitted=%v failed=%v rejected=%d skipped=%d (latency: %v)",
		d.ID, d.Side, d.Symbol, res.Submitted, res.Failed, len(res.Rejected), len(res.Skipped), res.Latency)
	return res
}

func (e *Executor) executeAccount(ctx context.Context, plan Plan, id string) AccountResult {
	start := time.Now()
	d := plan.Decision
	now := e.now()
	ar := AccountResult{AccountID: id, Timestamp: now}
	finish := func() AccountResult {
		ar.Latency = time.Since(start)
		if ar.Error != nil {
			ar.ErrorMsg = ar.Error.Error()
		}
		return ar
	}

	// Exits close what is already open, so cooldown and divergence do not
	// hold them back.
	status := e.accounts.Check(id, now)
	if status != accounts.StatusReady && !(d.Exit && (status == accounts.StatusCooldown || status == accounts.StatusDiverged)) {
		ar.Outcome, ar.Reason = OutcomeSkipped, status
		return finish()
	}

	intent := risk.Intent{
		Symbol:     d.Symbol,
		Side:       d.Side,
		Confidence: d.SideConfidence(),
		ATR:        d.ATR,
		Price:      d.Price,
		Exit:       d.Exit,
	}
	var dec risk.RiskDecision
	err := e.accounts.Update(id, func(a *accounts.Account) error {
		dec = e.risk.Evaluate(a.Exposure(d.Symbol), intent, now)
		if dec.Allowed {
			a.RecordOrder(d.Symbol, order.Side(dec.Side).Sign()*dec.Size, now)
		}
		return nil
	})
	if err != nil {
		ar.Outcome, ar.Reason, ar.Error = OutcomeSkipped, accounts.StatusNotFound, err
		return finish()
	}
	if !dec.Allowed {
		ar.Outcome, ar.Reason = OutcomeRejected, dec.Reason
		return finish()
	}
	ar.Size = dec.Size

	kind := order.KindEntry
	if d.Exit {
		kind = order.KindExit
		e.cancelLegs(ctx, id, d.Symbol)
	}
	entry := order.Order{
		ID:         dec.ClientOrderID,
		DecisionID: d.ID,
		AccountID:  id,
		Symbol:     d.Symbol,
		Side:       order.Side(dec.Side),
		Qty:        dec.Size,
		Kind:       kind,
		State:      order.StatePending,
		Reason:     d.Reason,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.onOrder(entry)

	attempts, err := e.submit(ctx, &entry)
	ar.Attempts = attempts
	if err != nil {
		_ = e.accounts.Update(id, func(a *accounts.Account) error {
			a.RevertOrder(d.Symbol, entry.SignedQty())
			return nil
		})
		ar.Outcome, ar.Reason, ar.Error = OutcomeFailed, failureReason(err), err
		log.Printf("❌ Order %s for %s failed after %d attempt(s): %v", entry.ID, id, attempts, err)
		return finish()
	}
	ar.Outcome = OutcomeSubmitted
	ar.OrderIDs = append(ar.OrderIDs, entry.ID)
	e.mu.Lock()
	e.live[entry.ID] = entry
	e.mu.Unlock()

	if d.Exit || !plan.HasLevels {
		return finish()
	}

	set := &legSet{parentID: entry.ID}
	for _, leg := range plan.Levels.Orders(entry, e.now()) {
		e.onOrder(leg)
		if _, err := e.submit(ctx, &leg); err != nil {
			log.Printf("⚠️ Bracket leg %s for %s not placed: %v", leg.ID, id, err)
			continue
		}
		ar.OrderIDs = append(ar.OrderIDs, leg.ID)
		if leg.Kind == order.KindBracketTarget {
			set.target = leg
		} else {
			set.stop = leg
		}
	}
	e.mu.Lock()
	e.legs[bracket.PositionKey(id, d.Symbol)] = set
	e.mu.Unlock()
	return finish()
}

// submit sends o with retries. A broker rejection is final; timeouts and
// transport errors are retried with linear backoff. Each attempt holds one
// slot of the global in-flight cap.
func (e *Executor) submit(ctx context.Context, o *order.Order) (int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, time.Duration(attempt)*e.cfg.RetryBackoff); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		brokerID, err := e.submitOnce(ctx, *o)
		if err == nil {
			o.BrokerID = brokerID
			if terr := o.Transition(order.StateSubmitted, e.now()); terr != nil {
				log.Printf("⚠️ %v", terr)
			}
			e.onOrder(*o)
			return attempts, nil
		}
		lastErr = err
		if errors.Is(err, ErrOrderRejected) || ctx.Err() != nil {
			break
		}
		log.Printf("🔄 Retrying order %s for %s: %v", o.ID, o.AccountID, err)
	}

	o.Reason = lastErr.Error()
	_ = o.Transition(order.StateRejected, e.now())
	e.onOrder(*o)
	return attempts, lastErr
}

func (e *Executor) submitOnce(ctx context.Context, o order.Order) (string, error) {
	if err := e.inFlight.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer e.inFlight.Release(1)

	sctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	brokerID, err := e.broker.SubmitOrder(sctx, o.AccountID, o)
	if err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return "", fmt.Errorf("%w after %v", ErrSubmitTimeout, e.cfg.SubmitTimeout)
	}
	return brokerID, err
}

// OnFill handles a broker fill of a resting bracket leg: it moves the
// intended position with it and cancels the sibling leg. It reports the
// leg kind when the fill closed a bracket.
func (e *Executor) OnFill(ctx context.Context, accountID, symbol, orderID string, signedQty int) (order.Kind, bool) {
	key := bracket.PositionKey(accountID, symbol)
	e.mu.Lock()
	if _, live := e.live[orderID]; live {
		delete(e.live, orderID)
		e.mu.Unlock()
		return "", false
	}
	set, ok := e.legs[key]
	var sibling order.Order
	var kind order.Kind
	switch {
	case !ok:
	case set.target.ID != "" && set.target.ID == orderID:
		kind, sibling = order.KindBracketTarget, set.stop
	case set.stop.ID != "" && set.stop.ID == orderID:
		kind, sibling = order.KindBracketStop, set.target
	default:
		ok = false
	}
	if ok {
		delete(e.legs, key)
	}
	e.mu.Unlock()
	if !ok {
		return "", false
	}

	_ = e.accounts.Update(accountID, func(a *accounts.Account) error {
		a.Intend(symbol, signedQty)
		return nil
	})
	if sibling.ID != "" {
		e.cancel(ctx, sibling)
	}
	return kind, true
}

// OnReject handles a broker rejection that arrives after the submission
// succeeded. A rejected entry takes its resting legs down with it; a
// rejected leg is forgotten. It returns the order as known locally.
func (e *Executor) OnReject(ctx context.Context, accountID, orderID, reason string) (order.Order, bool) {
	if orderID == "" {
		return order.Order{}, false
	}
	e.mu.Lock()
	o, ok := e.live[orderID]
	if ok && o.AccountID != accountID {
		ok = false
	}
	var legs []order.Order
	if ok {
		delete(e.live, orderID)
		key := bracket.PositionKey(accountID, o.Symbol)
		if set, has := e.legs[key]; has && o.Kind == order.KindEntry && set.parentID == o.ID {
			delete(e.legs, key)
			legs = append(legs, set.target, set.stop)
		}
	} else {
		for _, set := range e.legs {
			switch {
			case set.target.ID == orderID && set.target.AccountID == accountID:
				o, ok = set.target, true
				set.target = order.Order{}
			case set.stop.ID == orderID && set.stop.AccountID == accountID:
				o, ok = set.stop, true
				set.stop = order.Order{}
			}
			if ok {
				break
			}
		}
	}
	e.mu.Unlock()
	if !ok {
		return order.Order{}, false
	}

	o.Reason = reason
	if err := o.Transition(order.StateRejected, e.now()); err != nil {
		log.Printf("⚠️ %v", err)
	}
	e.onOrder(o)
	for _, leg := range legs {
		if leg.ID != "" {
			e.cancel(ctx, leg)
		}
	}
	return o, true
}

// MoveStop replaces the resting stop leg of one account position.
func (e *Executor) MoveStop(ctx context.Context, accountID, symbol string, stop float64) error {
	key := bracket.PositionKey(accountID, symbol)
	e.mu.Lock()
	set, ok := e.legs[key]
	if !ok || set.stop.ID == "" {
		e.mu.Unlock()
		return fmt.Errorf("no resting stop for %s", key)
	}
	old := set.stop
	set.rev++
	next := old
	next.ID = fmt.Sprintf("%s-%s%d", set.parentID, order.KindBracketStop.Suffix(), set.rev)
	next.Price = stop
	next.State = order.StatePending
	next.BrokerID = ""
	next.CreatedAt = e.now()
	next.UpdatedAt = next.CreatedAt
	e.mu.Unlock()

	e.cancel(ctx, old)
	e.onOrder(next)
	if _, err := e.submit(ctx, &next); err != nil {
		return fmt.Errorf("replace stop for %s: %w", key, err)
	}

	e.mu.Lock()
	if cur, ok := e.legs[key]; ok && cur == set {
		set.stop = next
	}
	e.mu.Unlock()
	return nil
}

// RestingLegs returns the order ids of the resting bracket for a position.
func (e *Executor) RestingLegs(accountID, symbol string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.legs[bracket.PositionKey(accountID, symbol)]
	if !ok {
		return nil
	}
	var out []string
	for _, o := range []order.Order{set.target, set.stop} {
		if o.ID != "" {
			out = append(out, o.ID)
		}
	}
	return out
}

func (e *Executor) cancelLegs(ctx context.Context, accountID, symbol string) {
	key := bracket.PositionKey(accountID, symbol)
	e.mu.Lock()
	set, ok := e.legs[key]
	delete(e.legs, key)
	e.mu.Unlock()
	if !ok {
		return
	}
	for _, o := range []order.Order{set.target, set.stop} {
		if o.ID != "" {
			e.cancel(ctx, o)
		}
	}
}

func (e *Executor) cancel(ctx context.Context, o order.Order) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()
	if err := e.broker.CancelOrder(cctx, o.AccountID, o.ID); err != nil {
		log.Printf("⚠️ Cancel %s for %s failed: %v", o.ID, o.AccountID, err)
		return
	}
	if err := o.Transition(order.StateCancelled, e.now()); err == nil {
		e.onOrder(o)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrSubmitTimeout):
		return "timeout"
	case errors.Is(err, ErrOrderRejected):
		return "rejected"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "error"
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
