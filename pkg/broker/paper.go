package broker

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"futures-core/internal/connection"
	"futures-core/internal/execution"
	"futures-core/internal/market"
	"futures-core/internal/order"
	"futures-core/pkg/cache"
	"futures-core/pkg/symbols"
)

// PaperConfig shapes the simulated venue.
type PaperConfig struct {
	Symbols       []string
	StartPrice    float64
	TickSize      float64
	TickInterval  time.Duration
	PointValue    float64 // currency per point per contract
	SlippageTicks int
	LatencyMin    time.Duration
	LatencyMax    time.Duration
	DepthLevels   int
	Seed          int64
}

func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		StartPrice:   15000,
		TickSize:     symbols.DefaultTickSize,
		TickInterval: 250 * time.Millisecond,
		PointValue:   20,
		DepthLevels:  5,
	}
}

type book struct {
	position int
	avg      float64
	realized float64
}

// Paper is an in-process venue. Market entries and exits fill at the last
// trade plus slippage; bracket legs rest until the tape crosses them.
type Paper struct {
	cfg    PaperConfig
	tick   symbols.TickSize
	quotes *cache.Quotes

	mu        sync.Mutex
	handlers  Handlers
	connected map[connection.PlantName]bool
	drops     map[connection.PlantName]chan error
	symbols   map[string]connection.Subscription
	watched   map[connection.PlantName]map[string]bool
	books     map[string]map[string]*book
	resting   map[string]order.Order
	rng       *rand.Rand

	seq atomic.Uint64
}

// NewPaper creates a paper venue.
func NewPaper(cfg PaperConfig) (*Paper, error) {
	def := DefaultPaperConfig()
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = def.StartPrice
	}
	if cfg.TickSize <= 0 {
		cfg.TickSize = def.TickSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.PointValue <= 0 {
		cfg.PointValue = def.PointValue
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = def.DepthLevels
	}
	if cfg.LatencyMin > cfg.LatencyMax {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	tick, err := symbols.NewTickSize(cfg.TickSize)
	if err != nil {
		return nil, fmt.Errorf("paper broker: %w", err)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Paper{
		cfg:       cfg,
		tick:      tick,
		quotes:    cache.NewQuotes(),
		connected: make(map[connection.PlantName]bool),
		drops:     make(map[connection.PlantName]chan error),
		symbols:   make(map[string]connection.Subscription),
		watched:   make(map[connection.PlantName]map[string]bool),
		books:     make(map[string]map[string]*book),
		resting:   make(map[string]order.Order),
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

// Quotes exposes the last-trade cache the venue fills against.
func (p *Paper) Quotes() *cache.Quotes { return p.quotes }

func (p *Paper) SetHandlers(h Handlers) {
	p.mu.Lock()
	p.handlers = h
	p.mu.Unlock()
}

// Start runs the random-walk tape until ctx ends.
func (p *Paper) Start(ctx context.Context) {
	feed := &market.MockFeed{
		Symbols:    p.cfg.Symbols,
		StartPrice: p.cfg.StartPrice,
		TickSize:   p.cfg.TickSize,
		Interval:   p.cfg.TickInterval,
		Seed:       p.cfg.Seed,
	}
	feed.Start(ctx, p.OnTape)
	log.Printf("✓ Paper venue started: %v @ %.2f", p.cfg.Symbols, p.cfg.StartPrice)
}

// OnTape processes one print from the simulated exchange. Subscribed symbols
// are forwarded to the market handlers, and resting legs crossed by the print
// are filled.
func (p *Paper) OnTape(t market.Tick) {
	p.quotes.Record(t.Symbol, t.Price, t.Size, t.Timestamp)

	p.mu.Lock()
	h := p.handlers
	sub, live := p.symbols[t.Symbol]
	live = live && p.connected[connection.PlantMarket]
	var depth market.DepthUpdate
	if live && sub.Depth > 0 {
		depth = p.syntheticDepth(t, min(sub.Depth, p.cfg.DepthLevels))
	}
	var crossed []order.Order
	for id, o := range p.resting {
		if o.Symbol == t.Symbol && legCrossed(o, t.Price) {
			crossed = append(crossed, o)
			delete(p.resting, id)
		}
	}
	p.mu.Unlock()

	if live {
		if h.OnTick != nil {
			h.OnTick(t)
		}
		if h.OnDepth != nil && len(depth.Bids) > 0 {
			h.OnDepth(depth)
		}
	}
	for _, o := range crossed {
		p.fill(o, o.Price, t.Timestamp)
	}
}

func legCrossed(o order.Order, price float64) bool {
	switch o.Kind {
	case order.KindBracketTarget:
		if o.Side == order.SideSell {
			return price >= o.Price
		}
		return price <= o.Price
	case order.KindBracketStop:
		if o.Side == order.SideSell {
			return price <= o.Price
		}
		return price >= o.Price
	}
	return false
}

// syntheticDepth must run with p.mu held.
func (p *Paper) syntheticDepth(t market.Tick, levels int) market.DepthUpdate {
	d := market.DepthUpdate{Symbol: t.Symbol, Timestamp: t.Timestamp}
	for i := 1; i <= levels; i++ {
		d.Bids = append(d.Bids, market.DepthLevel{Price: p.tick.Offset(t.Price, i, -1), Size: float64(1 + p.rng.Intn(20))})
		d.Asks = append(d.Asks, market.DepthLevel{Price: p.tick.Offset(t.Price, i, 1), Size: float64(1 + p.rng.Intn(20))})
	}
	return d
}

// SubmitOrder accepts an order on the order plant.
func (p *Paper) SubmitOrder(ctx context.Context, accountID string, o order.Order) (string, error) {
	if err := p.latency(ctx); err != nil {
		return "", err
	}

	p.mu.Lock()
	up := p.connected[connection.PlantOrder]
	h := p.handlers
	p.mu.Unlock()
	if !up {
		return "", fmt.Errorf("order plant: %w: %w", connection.ErrConnection, ErrNotConnected)
	}
	if o.Qty <= 0 {
		return "", fmt.Errorf("%w: quantity %d", execution.ErrOrderRejected, o.Qty)
	}
	last, ok := p.quotes.Last(o.Symbol)
	if !ok {
		return "", fmt.Errorf("%w: no market for %s", execution.ErrOrderRejected, o.Symbol)
	}

	brokerID := fmt.Sprintf("paper-%d", p.seq.Add(1))
	o.AccountID = accountID
	o.BrokerID = brokerID
	now := time.Now()
	if h.OnOrderAck != nil {
		h.OnOrderAck(market.OrderAck{AccountID: accountID, OrderID: o.ID, BrokerID: brokerID, State: order.StateAcked, Timestamp: now})
	}

	switch o.Kind {
	case order.KindBracketTarget, order.KindBracketStop:
		p.mu.Lock()
		p.resting[o.ID] = o
		p.mu.Unlock()
	default:
		slip := p.cfg.SlippageTicks * o.Side.Sign()
		price := p.tick.Offset(last, abs(slip), sign(slip))
		p.fill(o, price, now)
	}
	return brokerID, nil
}

// CancelOrder removes a resting leg.
func (p *Paper) CancelOrder(_ context.Context, accountID, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected[connection.PlantOrder] {
		return fmt.Errorf("order plant: %w: %w", connection.ErrConnection, ErrNotConnected)
	}
	o, ok := p.resting[orderID]
	if !ok || o.AccountID != accountID {
		return fmt.Errorf("%s: %w", orderID, ErrUnknownOrder)
	}
	delete(p.resting, orderID)
	return nil
}

// Positions reports broker-side positions for reconciliation.
func (p *Paper) Positions(_ context.Context, accountID string) (map[string]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected[connection.PlantPnL] {
		return nil, fmt.Errorf("pnl plant: %w: %w", connection.ErrConnection, ErrNotConnected)
	}
	out := make(map[string]int)
	for sym, b := range p.books[accountID] {
		if b.position != 0 {
			out[sym] = b.position
		}
	}
	return out, nil
}

func (p *Paper) fill(o order.Order, price float64, at time.Time) {
	signed := o.Side.Sign() * o.Qty

	p.mu.Lock()
	books := p.books[o.AccountID]
	if books == nil {
		books = make(map[string]*book)
		p.books[o.AccountID] = books
	}
	b := books[o.Symbol]
	if b == nil {
		b = &book{}
		books[o.Symbol] = b
	}
	applyFill(b, signed, price, p.cfg.PointValue)
	var realized float64
	for _, ob := range books {
		realized += ob.realized
	}
	update := market.PnLUpdate{
		AccountID:     o.AccountID,
		Symbol:        o.Symbol,
		Position:      b.position,
		UnrealizedPnL: float64(b.position) * (price - b.avg) * p.cfg.PointValue,
		RealizedPnL:   realized,
		Timestamp:     at,
	}
	h := p.handlers
	pnlUp := p.connected[connection.PlantPnL] && p.watched[connection.PlantPnL][o.AccountID]
	orderUp := p.connected[connection.PlantOrder] && p.watched[connection.PlantOrder][o.AccountID]
	p.mu.Unlock()

	if orderUp && h.OnFill != nil {
		h.OnFill(market.Fill{AccountID: o.AccountID, OrderID: o.ID, Symbol: o.Symbol, Side: o.Side, Qty: o.Qty, Price: price, Timestamp: at})
	}
	if pnlUp && h.OnPnL != nil {
		h.OnPnL(update)
	}
}

// applyFill moves a book by signed contracts at price, realizing PnL on the
// closed part.
func applyFill(b *book, signed int, price, pointValue float64) {
	switch {
	case b.position == 0 || sign(b.position) == sign(signed):
		total := b.position + signed
		b.avg = (b.avg*float64(abs(b.position)) + price*float64(abs(signed))) / float64(abs(total))
		b.position = total
	default:
		closed := min(abs(signed), abs(b.position))
		side := order.SideBuy
		if b.position < 0 {
			side = order.SideSell
		}
		b.realized += order.CalculatePnL(side, closed, b.avg, price, pointValue)
		b.position += signed
		switch {
		case b.position == 0:
			b.avg = 0
		case sign(b.position) == sign(signed):
			b.avg = price
		}
	}
}

func (p *Paper) latency(ctx context.Context) error {
	if p.cfg.LatencyMax <= 0 {
		return ctx.Err()
	}
	p.mu.Lock()
	d := p.cfg.LatencyMin
	if span := p.cfg.LatencyMax - p.cfg.LatencyMin; span > 0 {
		d += time.Duration(p.rng.Int63n(int64(span) + 1))
	}
	p.mu.Unlock()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Transport returns the paper link for one plant.
func (p *Paper) Transport(plant connection.PlantName) connection.Transport {
	return &paperLink{p: p, plant: plant}
}

// Drop severs one plant's link, as a venue-side disconnect would.
func (p *Paper) Drop(plant connection.PlantName, cause error) {
	p.mu.Lock()
	ch := p.drops[plant]
	delete(p.drops, plant)
	p.connected[plant] = false
	p.mu.Unlock()
	if ch != nil {
		ch <- cause
	}
}

type paperLink struct {
	p     *Paper
	plant connection.PlantName
}

func (l *paperLink) Connect(ctx context.Context) (<-chan error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := l.p
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan error, 1)
	p.drops[l.plant] = ch
	p.connected[l.plant] = true
	switch l.plant {
	case connection.PlantMarket:
		p.symbols = make(map[string]connection.Subscription)
	default:
		p.watched[l.plant] = make(map[string]bool)
	}
	return ch, nil
}

func (l *paperLink) Close() error {
	p := l.p
	p.mu.Lock()
	p.connected[l.plant] = false
	delete(p.drops, l.plant)
	p.mu.Unlock()
	return nil
}

func (l *paperLink) Subscribe(_ context.Context, sub connection.Subscription) error {
	p := l.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected[l.plant] {
		return ErrNotConnected
	}
	if l.plant == connection.PlantMarket {
		p.symbols[sub.Key] = sub
	} else {
		if p.watched[l.plant] == nil {
			p.watched[l.plant] = make(map[string]bool)
		}
		p.watched[l.plant][sub.Key] = true
	}
	return nil
}

func (l *paperLink) Unsubscribe(_ context.Context, key string) error {
	p := l.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.plant == connection.PlantMarket {
		delete(p.symbols, key)
	} else {
		delete(p.watched[l.plant], key)
	}
	return nil
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
