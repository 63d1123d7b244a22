// Package connection keeps the market data, order and PnL plants connected.
// Each plant runs its own reconnect loop and owns a desired subscription set
// that survives disconnects; every connect re-applies it.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

var ErrConnection = errors.New("connection error")

// PlantName identifies one broker connection.
type PlantName string

const (
	PlantMarket PlantName = "market"
	PlantOrder  PlantName = "order"
	PlantPnL    PlantName = "pnl"
)

// State is a plant's connection state.
type State string

const (
	Disconnected  State = "DISCONNECTED"
	Connecting    State = "CONNECTING"
	Connected     State = "CONNECTED"
	Resubscribing State = "RESUBSCRIBING"
)

// Subscription is one stream a plant should carry. Key is a symbol on the
// market plant and an account id on the order and PnL plants.
type Subscription struct {
	Key   string `json:"key"`
	Depth int    `json:"depth,omitempty"`
	MBO   bool   `json:"mbo,omitempty"`
}

// Transport is one plant's link to the broker. Connect returns a channel
// that delivers the cause when the link drops.
type Transport interface {
	Connect(ctx context.Context) (<-chan error, error)
	Close() error
	Subscribe(ctx context.Context, sub Subscription) error
	Unsubscribe(ctx context.Context, key string) error
}

// Config holds plant timing. The backoff only resets once a link has been
// resubscribed and up for StableAfter, so a flapping gateway keeps backing
// off.
type Config struct {
	Backoff            BackoffConfig `yaml:"backoff" json:"backoff"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	ResubscribeTimeout time.Duration `yaml:"resubscribe_timeout" json:"resubscribe_timeout"`
	StableAfter        time.Duration `yaml:"stable_after" json:"stable_after"`
}

func DefaultConfig() Config {
	return Config{
		Backoff:            DefaultBackoffConfig(),
		ConnectTimeout:     10 * time.Second,
		ResubscribeTimeout: 10 * time.Second,
		StableAfter:        5 * time.Second,
	}
}

// Status is a point-in-time view of one plant.
type Status struct {
	Plant         PlantName `json:"plant"`
	State         State     `json:"state"`
	Since         time.Time `json:"since"`
	Reconnects    int       `json:"reconnects"`
	LastError     string    `json:"last_error,omitempty"`
	Desired       []string  `json:"desired"`
	Subscribed    []string  `json:"subscribed"`
	NextAttemptIn string    `json:"next_attempt_in,omitempty"`
}

// Plant drives one transport through the connection state machine.
type Plant struct {
	name      PlantName
	transport Transport
	cfg       Config
	backoff   *Backoff

	mu         sync.Mutex
	desired    map[string]Subscription
	subscribed map[string]Subscription
	state      State
	since      time.Time
	reconnects int
	lastErr    string
	nextDelay  time.Duration

	kick     chan struct{}
	onChange func(Status)
	done     chan struct{}
}

func newPlant(name PlantName, t Transport, cfg Config, onChange func(Status)) *Plant {
	return &Plant{
		name:       name,
		transport:  t,
		cfg:        cfg,
		backoff:    NewBackoff(cfg.Backoff),
		desired:    make(map[string]Subscription),
		subscribed: make(map[string]Subscription),
		state:      Disconnected,
		since:      time.Now(),
		kick:       make(chan struct{}, 1),
		onChange:   onChange,
		done:       make(chan struct{}),
	}
}

// Subscribe adds sub to the desired set. It is applied now if the plant is
// connected, otherwise on the next connect.
func (p *Plant) Subscribe(sub Subscription) {
	p.mu.Lock()
	p.desired[sub.Key] = sub
	p.mu.Unlock()
	p.nudge()
}

// Unsubscribe removes key from the desired set.
func (p *Plant) Unsubscribe(key string) {
	p.mu.Lock()
	delete(p.desired, key)
	p.mu.Unlock()
	p.nudge()
}

func (p *Plant) nudge() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Status returns the current view of the plant.
func (p *Plant) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Plant) statusLocked() Status {
	s := Status{
		Plant:      p.name,
		State:      p.state,
		Since:      p.since,
		Reconnects: p.reconnects,
		LastError:  p.lastErr,
		Desired:    keys(p.desired),
		Subscribed: keys(p.subscribed),
	}
	if p.state == Disconnected && p.nextDelay > 0 {
		s.NextAttemptIn = p.nextDelay.String()
	}
	return s
}

func (p *Plant) setState(s State, cause error) {
	p.mu.Lock()
	if p.state == s && cause == nil {
		p.mu.Unlock()
		return
	}
	p.state = s
	p.since = time.Now()
	if cause != nil {
		p.lastErr = cause.Error()
	}
	if s != Disconnected {
		p.nextDelay = 0
	}
	st := p.statusLocked()
	p.mu.Unlock()

	if p.onChange != nil {
		p.onChange(st)
	}
}

// run is the plant's state machine. It returns when ctx is cancelled.
func (p *Plant) run(ctx context.Context) {
	defer close(p.done)
	for {
		p.setState(Connecting, nil)
		dropped, err := p.connect(ctx)
		if err == nil {
			p.setState(Connected, nil)
			err = p.serve(ctx, dropped)
		}
		_ = p.transport.Close()

		p.mu.Lock()
		p.subscribed = make(map[string]Subscription)
		p.mu.Unlock()

		if ctx.Err() != nil {
			p.setState(Disconnected, nil)
			return
		}

		delay := p.backoff.Next()
		p.mu.Lock()
		p.reconnects++
		p.nextDelay = delay
		p.mu.Unlock()
		p.setState(Disconnected, err)
		log.Printf("🔄 %s plant disconnected: %v (attempt %d, retry in %v)", p.name, err, p.backoff.Attempts(), delay)

		if !p.wait(ctx, delay) {
			p.setState(Disconnected, nil)
			return
		}
	}
}

func (p *Plant) connect(ctx context.Context) (<-chan error, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	dropped, err := p.transport.Connect(cctx)
	if err != nil {
		return nil, fmt.Errorf("%s connect: %w: %w", p.name, ErrConnection, err)
	}
	return dropped, nil
}

// serve holds the Connected state: it resubscribes on entry and whenever the
// desired set changes, until the link drops or ctx ends.
func (p *Plant) serve(ctx context.Context, dropped <-chan error) error {
	if err := p.resubscribe(ctx); err != nil {
		return err
	}
	stable := time.NewTimer(p.cfg.StableAfter)
	defer stable.Stop()
	for {
		select {
		case <-stable.C:
			p.backoff.Reset()
		case <-ctx.Done():
			return ctx.Err()
		case err := <-dropped:
			if err == nil {
				err = errors.New("link closed")
			}
			return fmt.Errorf("%s: %w: %w", p.name, ErrConnection, err)
		case <-p.kick:
			if err := p.apply(ctx); err != nil {
				return err
			}
		}
	}
}

func (p *Plant) resubscribe(ctx context.Context) error {
	p.mu.Lock()
	pending := len(p.desired) > 0
	p.mu.Unlock()
	if !pending {
		return nil
	}
	p.setState(Resubscribing, nil)
	if err := p.apply(ctx); err != nil {
		return err
	}
	p.setState(Connected, nil)
	log.Printf("✓ %s plant resubscribed: %v", p.name, p.Status().Subscribed)
	return nil
}

// apply diffs desired against subscribed and issues the difference.
func (p *Plant) apply(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, p.cfg.ResubscribeTimeout)
	defer cancel()

	p.mu.Lock()
	var add []Subscription
	var drop []string
	for k, sub := range p.desired {
		if cur, ok := p.subscribed[k]; !ok || cur != sub {
			add = append(add, sub)
		}
	}
	for k := range p.subscribed {
		if _, ok := p.desired[k]; !ok {
			drop = append(drop, k)
		}
	}
	p.mu.Unlock()

	for _, k := range drop {
		if err := p.transport.Unsubscribe(actx, k); err != nil {
			return fmt.Errorf("%s unsubscribe %s: %w: %w", p.name, k, ErrConnection, err)
		}
		p.mu.Lock()
		delete(p.subscribed, k)
		p.mu.Unlock()
	}
	for _, sub := range add {
		if err := p.transport.Subscribe(actx, sub); err != nil {
			return fmt.Errorf("%s subscribe %s: %w: %w", p.name, sub.Key, ErrConnection, err)
		}
		p.mu.Lock()
		p.subscribed[sub.Key] = sub
		p.mu.Unlock()
	}
	return nil
}

// wait sleeps for d. Desired-set changes made meanwhile are kept and applied
// on the next connect.
func (p *Plant) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case <-p.kick:
		}
	}
}

// Orchestrator owns the plants of one broker identity.
type Orchestrator struct {
	identity string
	plants   map[PlantName]*Plant
	order    []PlantName
	started  bool
	mu       sync.Mutex
}

// NewOrchestrator creates one plant per transport. onChange, if set, is
// called on every state transition of any plant.
func NewOrchestrator(identity string, cfg Config, transports map[PlantName]Transport, onChange func(Status)) *Orchestrator {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ResubscribeTimeout <= 0 {
		cfg.ResubscribeTimeout = def.ResubscribeTimeout
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = def.StableAfter
	}
	o := &Orchestrator{identity: identity, plants: make(map[PlantName]*Plant, len(transports))}
	for _, name := range []PlantName{PlantMarket, PlantOrder, PlantPnL} {
		t, ok := transports[name]
		if !ok || t == nil {
			continue
		}
		o.plants[name] = newPlant(name, t, cfg, onChange)
		o.order = append(o.order, name)
	}
	return o
}

// Identity is the broker session identity the plants log in with.
func (o *Orchestrator) Identity() string { return o.identity }

// Start launches every plant loop. Plants share no lock and reconnect
// independently.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	for _, name := range o.order {
		go o.plants[name].run(ctx)
	}
	log.Printf("✓ Connection orchestrator started for %s: %v", o.identity, o.order)
}

// Wait blocks until every started plant loop has returned.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return
	}
	for _, name := range o.order {
		<-o.plants[name].done
	}
}

// Plant returns one plant, or nil.
func (o *Orchestrator) Plant(name PlantName) *Plant { return o.plants[name] }

// Subscribe adds a market data subscription.
func (o *Orchestrator) Subscribe(symbol string, depth int, mbo bool) error {
	p := o.plants[PlantMarket]
	if p == nil {
		return fmt.Errorf("no market plant: %w", ErrConnection)
	}
	p.Subscribe(Subscription{Key: symbol, Depth: depth, MBO: mbo})
	return nil
}

// Unsubscribe removes a market data subscription.
func (o *Orchestrator) Unsubscribe(symbol string) error {
	p := o.plants[PlantMarket]
	if p == nil {
		return fmt.Errorf("no market plant: %w", ErrConnection)
	}
	p.Unsubscribe(symbol)
	return nil
}

// WatchAccounts subscribes the order and PnL plants to each account.
func (o *Orchestrator) WatchAccounts(ids []string) {
	for _, name := range []PlantName{PlantOrder, PlantPnL} {
		p := o.plants[name]
		if p == nil {
			continue
		}
		for _, id := range ids {
			p.Subscribe(Subscription{Key: id})
		}
	}
}

// Statuses returns every plant's status in plant order.
func (o *Orchestrator) Statuses() []Status {
	out := make([]Status, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.plants[name].Status())
	}
	return out
}

// AllConnected reports whether every plant is Connected.
func (o *Orchestrator) AllConnected() bool {
	for _, name := range o.order {
		if o.plants[name].Status().State != Connected {
			return false
		}
	}
	return len(o.order) > 0
}

func keys(m map[string]Subscription) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
