package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"futures-core/internal/accounts"
	"futures-core/internal/bars"
	"futures-core/internal/bracket"
	"futures-core/internal/connection"
	"futures-core/internal/execution"
	"futures-core/internal/external"
	"futures-core/internal/features"
	"futures-core/internal/risk"
	"futures-core/internal/signal"
	"futures-core/pkg/symbols"
)

// WindowConfig bounds when new decisions may be emitted.
type WindowConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Start    string `yaml:"start" json:"start"`
	End      string `yaml:"end" json:"end"`
	Timezone string `yaml:"timezone" json:"timezone"`
	Calendar string `yaml:"calendar" json:"calendar"` // exchange MIC
}

// TradingConfig enumerates every trading option. It is loaded once at
// startup; only the signal filters change afterwards, through the control
// surface.
type TradingConfig struct {
	Symbols         []string            `yaml:"symbols" json:"symbols"`
	Signal          signal.Config       `yaml:"signal" json:"signal"`
	Features        features.Config     `yaml:"features" json:"features"`
	Bars            bars.Config         `yaml:"bars" json:"bars"`
	Bracket         bracket.Config      `yaml:"bracket" json:"bracket"`
	Exits           bracket.ExitConfig  `yaml:"exits" json:"exits"`
	Risk            risk.Config         `yaml:"risk" json:"risk"`
	Window          WindowConfig        `yaml:"trading_window" json:"trading_window"`
	External        external.Config     `yaml:"external" json:"external"`
	Execution       execution.Config    `yaml:"execution" json:"execution"`
	Connection      connection.Config   `yaml:"connection" json:"connection"`
	Accounts        []accounts.Spec     `yaml:"accounts" json:"accounts"`
	SyncGroups      map[string][]string `yaml:"sync_groups" json:"sync_groups"`
	Whitelist       []string            `yaml:"whitelist" json:"whitelist"`
	AccountCooldown time.Duration       `yaml:"account_cooldown" json:"account_cooldown"`
}

// DefaultTradingConfig returns the defaults every missing field falls back to.
func DefaultTradingConfig() TradingConfig {
	return TradingConfig{
		Symbols:   []string{"NQ"},
		Signal:    signal.DefaultConfig(),
		Features:  features.DefaultConfig(),
		Bars:      bars.DefaultConfig(),
		Bracket:   bracket.DefaultConfig(),
		Exits:     bracket.DefaultExitConfig(),
		Risk:      risk.DefaultConfig(),
		External:  external.DefaultConfig(),
		Execution: execution.DefaultConfig(),
		Window: WindowConfig{
			Enabled:  true,
			Start:    "09:30",
			End:      "10:00",
			Timezone: "America/New_York",
			Calendar: "xnys",
		},
		Connection:      connection.DefaultConfig(),
		Accounts:        []accounts.Spec{{ID: "paper-1", Enabled: true, SyncGroup: "default"}},
		AccountCooldown: accounts.DefaultCooldown,
	}
}

// LoadTrading reads the YAML file at path over the defaults. An empty path
// returns the defaults. The result is not validated; call Validate once all
// overrides are applied.
func LoadTrading(path string) (TradingConfig, error) {
	cfg := DefaultTradingConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read trading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse trading config %s: %w", path, err)
	}
	if cfg.Exits.MaxHoldMinutes > 0 {
		cfg.Exits.MaxHold = time.Duration(cfg.Exits.MaxHoldMinutes) * time.Minute
	}
	return cfg, nil
}

// RiskConfig is the risk section joined with the signal threshold and the
// account whitelist.
func (c TradingConfig) RiskConfig() risk.Config {
	r := c.Risk
	r.DeltaThreshold = c.Signal.DeltaThreshold
	r.Whitelist = append([]string(nil), c.Whitelist...)
	return r
}

// ConfigValidationError lists every invalid option.
type ConfigValidationError struct {
	Problems []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid trading config: %s", strings.Join(e.Problems, "; "))
}

// Validate checks every option and reports all violations together.
func (c TradingConfig) Validate() error {
	var p []string
	add := func(format string, args ...any) { p = append(p, fmt.Sprintf(format, args...)) }

	if len(c.Symbols) == 0 {
		add("symbols: at least one root required")
	}

	s := c.Signal
	if s.DeltaThreshold < 0.5 || s.DeltaThreshold > 1 {
		add("signal.delta_confidence_threshold %.3f outside [0.5,1]", s.DeltaThreshold)
	}
	if s.DIThreshold < 0 || s.DIThreshold > 100 {
		add("signal.di_threshold %.1f outside [0,100]", s.DIThreshold)
	}
	if s.MFIBuy < 0 || s.MFIBuy > 100 || s.MFISell < 0 || s.MFISell > 100 || s.MFISell > s.MFIBuy {
		add("signal.mfi_buy/mfi_sell %.1f/%.1f must be within [0,100] with sell <= buy", s.MFIBuy, s.MFISell)
	}
	per := s.Periods
	if per.Fast <= 0 || per.Mid <= per.Fast || per.Trend <= per.Mid || per.Slow <= per.Trend {
		add("signal.periods EMA %d/%d/%d/%d must be positive and increasing", per.Fast, per.Mid, per.Trend, per.Slow)
	}
	if per.ATR <= 0 || per.MFI <= 0 || per.DI <= 0 {
		add("signal.periods atr/mfi/di must be positive")
	}

	if c.Features.Window < c.Features.MinBars || c.Features.MinBars <= 0 {
		add("features.window %d must be >= min_bars %d > 0", c.Features.Window, c.Features.MinBars)
	}

	switch c.Bars.Mode {
	case bars.ModeTime:
		if c.Bars.Duration <= 0 {
			add("bars.duration must be positive")
		}
	case bars.ModeTicks:
		if c.Bars.TicksPerBar <= 0 {
			add("bars.ticks_per_bar must be positive")
		}
	case bars.ModeTBars:
		if c.Bars.TBarBaseSize <= 0 {
			add("bars.tbars_base_size must be positive")
		}
	default:
		add("bars.mode %q unknown", c.Bars.Mode)
	}

	b := c.Bracket
	if _, err := symbols.NewTickSize(b.TickSize); err != nil {
		add("bracket.tick_size: %v", err)
	}
	if b.TargetMultiplier <= 0 || b.StopMultiplier <= 0 || b.ATRTargetMultiplier <= 0 || b.ATRStopMultiplier <= 0 {
		add("bracket multipliers must be positive")
	}
	if b.FallbackTargetTicks <= 0 || b.FallbackStopTicks <= 0 {
		add("bracket fallback ticks must be positive")
	}
	if b.TrailingActivationTicks < 0 || b.TrailingStepTicks <= 0 {
		add("bracket trailing activation must be >= 0 and step > 0")
	}

	e := c.Exits
	if e.MaxHoldMinutes < 0 || e.ProfitTargetEarly < 0 || e.BreakevenActivation < 0 {
		add("exits: hold minutes and tick thresholds must be >= 0")
	}
	if e.MomentumThreshold < 0 || e.MomentumThreshold > 1 {
		add("exits.momentum_exit_threshold %.2f outside [0,1]", e.MomentumThreshold)
	}

	r := c.Risk
	if r.BaseSize < 1 || r.MaxSize < r.BaseSize {
		add("risk.base_size/max_size %d/%d must satisfy 1 <= base <= max", r.BaseSize, r.MaxSize)
	}
	if r.MaxDailyDrawdown < 0 || r.MaxPosition < 1 || r.MaxOrdersPerMinute < 1 {
		add("risk limits: drawdown >= 0, position >= 1, orders per minute >= 1")
	}

	w := c.Window
	if _, err := symbols.NewTradingWindow(w.Enabled, w.Start, w.End, w.Timezone, w.Calendar); err != nil {
		add("trading_window: %v", err)
	}

	if c.External.Cooldown < 0 || c.External.MaxSignalsPerMinute < 0 {
		add("external cooldown and max_signals_per_minute must be >= 0")
	}

	x := c.Execution
	if x.MaxRetries < 0 || x.SubmitTimeout <= 0 || x.MaxInFlight <= 0 || x.RetryBackoff < 0 {
		add("execution: retries >= 0, submit_timeout > 0, max_in_flight > 0")
	}

	bo := c.Connection.Backoff
	if bo.Base <= 0 || bo.Cap < bo.Base || bo.Jitter < 0 || bo.Jitter > 1 {
		add("connection.backoff: base > 0, cap >= base, jitter in [0,1]")
	}
	if c.Connection.ConnectTimeout <= 0 || c.Connection.ResubscribeTimeout <= 0 {
		add("connection timeouts must be positive")
	}

	if c.AccountCooldown < 0 {
		add("account_cooldown must be >= 0")
	}
	known := make(map[string]bool, len(c.Accounts))
	if len(c.Accounts) == 0 {
		add("accounts: at least one required")
	}
	for _, a := range c.Accounts {
		if a.ID == "" {
			add("accounts: entry without id")
			continue
		}
		if known[a.ID] {
			add("accounts: duplicate id %s", a.ID)
		}
		known[a.ID] = true
	}
	for name, ids := range c.SyncGroups {
		for _, id := range ids {
			if !known[id] {
				add("sync_groups.%s: unknown account %s", name, id)
			}
		}
	}
	for _, id := range c.Whitelist {
		if !known[id] {
			add("whitelist: unknown account %s", id)
		}
	}

	if len(p) > 0 {
		return &ConfigValidationError{Problems: p}
	}
	return nil
}
