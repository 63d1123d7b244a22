// Package external admits trading signals produced outside the core. An
// admitted signal becomes a Decision that skips feature and trend gating and
// follows the same risk and fan-out path as internal decisions.
package external

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"futures-core/internal/order"
	"futures-core/internal/signal"
)

var ErrInvalidSignal = errors.New("invalid external signal")

// Drop reasons. These are policy outcomes, not errors.
const (
	ReasonCooldown       = "cooldown_active"
	ReasonRateLimited    = "rate_limit_exceeded"
	ReasonFilterDisabled = "filter_disabled"
	ReasonDuplicate      = "duplicate"
)

// Signal types.
const (
	TypeEntry = "ENTRY"
	TypeExit  = "EXIT"
)

// DefaultSource tags signals that do not name their origin.
const DefaultSource = "external"

// Signal is the ingestion payload.
type Signal struct {
	Timestamp       int64   `json:"timestamp"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	SignalType      string  `json:"signal_type"`
	Price           float64 `json:"price"`
	Reason          string  `json:"reason"`
	Source          string  `json:"source"`
	ConfidenceScore float64 `json:"confidence_score"`
	ATRValue        float64 `json:"atr_value,omitempty"`
	Exchange        string  `json:"exchange"`
}

// Key identifies a signal for duplicate suppression.
func (s Signal) Key() string {
	return fmt.Sprintf("%s_%s_%s_%s_%d", s.Source, s.Symbol, s.Side, s.SignalType, s.Timestamp)
}

// Validate normalizes case and checks required fields.
func (s *Signal) Validate() error {
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	s.Side = strings.ToUpper(strings.TrimSpace(s.Side))
	s.SignalType = strings.ToUpper(strings.TrimSpace(s.SignalType))
	if s.SignalType == "" {
		s.SignalType = TypeEntry
	}
	if s.Source == "" {
		s.Source = DefaultSource
	}
	switch {
	case s.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidSignal)
	case s.Side != string(order.SideBuy) && s.Side != string(order.SideSell):
		return fmt.Errorf("%w: side %q", ErrInvalidSignal, s.Side)
	case s.SignalType != TypeEntry && s.SignalType != TypeExit:
		return fmt.Errorf("%w: signal_type %q", ErrInvalidSignal, s.SignalType)
	case s.ConfidenceScore < 0 || s.ConfidenceScore > 1:
		return fmt.Errorf("%w: confidence_score %.3f outside [0,1]", ErrInvalidSignal, s.ConfidenceScore)
	case s.Price < 0 || s.ATRValue < 0:
		return fmt.Errorf("%w: negative price or atr", ErrInvalidSignal)
	}
	return nil
}

// Config holds admission limits.
type Config struct {
	Cooldown            time.Duration `yaml:"cooldown" json:"cooldown"`
	MaxSignalsPerMinute int           `yaml:"max_signals_per_minute" json:"max_signals_per_minute"`
	LongEnabled         bool          `yaml:"long_enabled" json:"long_enabled"`
	ShortEnabled        bool          `yaml:"short_enabled" json:"short_enabled"`
}

func DefaultConfig() Config {
	return Config{Cooldown: 30 * time.Second, MaxSignalsPerMinute: 10, LongEnabled: true, ShortEnabled: true}
}

// Filters are the direction switches of the control surface.
type Filters struct {
	LongEnabled  bool `json:"long_signals_enabled"`
	ShortEnabled bool `json:"short_signals_enabled"`
}

// Admission is the outcome of one signal.
type Admission struct {
	Accepted bool            `json:"accepted"`
	Reason   string          `json:"reason,omitempty"`
	Decision signal.Decision `json:"decision"`
}

// Stats summarizes ingestion.
type Stats struct {
	TotalReceived  uint64            `json:"total_received"`
	Accepted       uint64            `json:"accepted"`
	Rejected       map[string]uint64 `json:"rejected"`
	LastProcessed  time.Time         `json:"last_processed"`
	AcceptedLast5m int               `json:"accepted_last_5m"`
	Filters        Filters           `json:"filters"`
}

const (
	recentWindow = 5 * time.Minute
	dedupeTTL    = time.Hour
)

// Adapter applies cooldown, rate limit, direction filters and duplicate
// suppression to incoming signals.
type Adapter struct {
	mu         sync.Mutex
	cfg        Config
	filters    Filters
	limiter    *rate.Limiter
	lastSource map[string]time.Time
	seen       map[string]time.Time
	recent     []time.Time
	stats      Stats
	now        func() time.Time
}

// NewAdapter creates an adapter. A non-positive rate cap disables the limit.
func NewAdapter(cfg Config) *Adapter {
	a := &Adapter{
		cfg:        cfg,
		filters:    Filters{LongEnabled: cfg.LongEnabled, ShortEnabled: cfg.ShortEnabled},
		lastSource: make(map[string]time.Time),
		seen:       make(map[string]time.Time),
		stats:      Stats{Rejected: make(map[string]uint64)},
		now:        time.Now,
	}
	if cfg.MaxSignalsPerMinute > 0 {
		a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxSignalsPerMinute)), cfg.MaxSignalsPerMinute)
	}
	return a
}

// Admit checks sig against every policy. Only a malformed signal returns an
// error; policy drops come back as a rejected Admission.
func (a *Adapter) Admit(sig Signal) (Admission, error) {
	if err := sig.Validate(); err != nil {
		a.mu.Lock()
		a.stats.TotalReceived++
		a.stats.Rejected["invalid"]++
		a.mu.Unlock()
		return Admission{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.stats.TotalReceived++
	a.stats.LastProcessed = now

	reason := a.check(sig, now)
	if reason != "" {
		a.stats.Rejected[reason]++
		log.Printf("⚠️ External signal %s dropped: %s", sig.Key(), reason)
		return Admission{Reason: reason}, nil
	}

	a.lastSource[sig.Source] = now
	a.seen[sig.Key()] = now
	a.recent = append(a.recent, now)
	a.stats.Accepted++
	a.prune(now)

	d := toDecision(sig, now)
	log.Printf("✅ External signal accepted: %s %s %s from %s (conf %.2f)", sig.SignalType, sig.Side, sig.Symbol, sig.Source, sig.ConfidenceScore)
	return Admission{Accepted: true, Decision: d}, nil
}

// check returns the first failing policy. The rate limiter is consulted last
// so rejected signals do not spend tokens.
func (a *Adapter) check(sig Signal, now time.Time) string {
	if sig.SignalType == TypeEntry {
		if sig.Side == string(order.SideBuy) && !a.filters.LongEnabled {
			return ReasonFilterDisabled
		}
		if sig.Side == string(order.SideSell) && !a.filters.ShortEnabled {
			return ReasonFilterDisabled
		}
	}
	if _, dup := a.seen[sig.Key()]; dup {
		return ReasonDuplicate
	}
	if last, ok := a.lastSource[sig.Source]; ok && a.cfg.Cooldown > 0 && now.Sub(last) < a.cfg.Cooldown {
		return ReasonCooldown
	}
	if a.limiter != nil && !a.limiter.AllowN(now, 1) {
		return ReasonRateLimited
	}
	return ""
}

func (a *Adapter) prune(now time.Time) {
	for k, at := range a.seen {
		if now.Sub(at) > dedupeTTL {
			delete(a.seen, k)
		}
	}
	i := 0
	for i < len(a.recent) && now.Sub(a.recent[i]) > recentWindow {
		i++
	}
	a.recent = append(a.recent[:0], a.recent[i:]...)
}

func toDecision(sig Signal, now time.Time) signal.Decision {
	at := now
	if sig.Timestamp > 0 {
		at = time.Unix(sig.Timestamp, 0)
	}
	reason := sig.Reason
	if reason == "" {
		reason = strings.ToLower(sig.SignalType)
	}
	return signal.Decision{
		ID:         uuid.NewString(),
		Symbol:     sig.Symbol,
		Side:       order.Side(sig.Side),
		Reason:     reason,
		Confidence: sig.ConfidenceScore,
		TrendState: signal.TrendNeutral,
		Price:      sig.Price,
		ATR:        sig.ATRValue,
		Source:     sig.Source,
		Exit:       sig.SignalType == TypeExit,
		Timestamp:  at,
	}
}

// SetFilters updates the direction switches. Nil leaves a switch unchanged.
// The change applies to the next signal.
func (a *Adapter) SetFilters(long, short *bool) Filters {
	a.mu.Lock()
	defer a.mu.Unlock()
	if long != nil {
		a.filters.LongEnabled = *long
	}
	if short != nil {
		a.filters.ShortEnabled = *short
	}
	log.Printf("✓ Signal filters: long=%v short=%v", a.filters.LongEnabled, a.filters.ShortEnabled)
	return a.filters
}

// Filters returns the current direction switches.
func (a *Adapter) Filters() Filters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filters
}

// Stats returns a copy of the ingestion counters.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.stats
	out.Rejected = make(map[string]uint64, len(a.stats.Rejected))
	for k, v := range a.stats.Rejected {
		out.Rejected[k] = v
	}
	now := a.now()
	for _, at := range a.recent {
		if now.Sub(at) <= recentWindow {
			out.AcceptedLast5m++
		}
	}
	out.Filters = a.filters
	return out
}
