package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDefaultTradingConfigIsValid(t *testing.T) {
	if err := DefaultTradingConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v, expected nil", err)
	}
}

func TestLoadTradingOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trading.yaml")
	body := `
symbols: [NQ, ES]
signal:
  delta_confidence_threshold: 0.7
bars:
  mode: ticks
  ticks_per_bar: 500
exits:
  max_hold_minutes: 30
connection:
  backoff:
    base: 250ms
    cap: 10s
accounts:
  - {id: "166", enabled: true, sync_group: main}
  - {id: "167", enabled: true, sync_group: main}
whitelist: ["166"]
account_cooldown: 2s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadTrading(path)
	if err != nil {
		t.Fatalf("LoadTrading: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !reflect.DeepEqual(cfg.Symbols, []string{"NQ", "ES"}) {
		t.Fatalf("symbols=%v", cfg.Symbols)
	}
	if cfg.Signal.DIThreshold != 45 {
		t.Fatalf("di_threshold=%v, expected default 45", cfg.Signal.DIThreshold)
	}
	if cfg.Exits.MaxHold != 30*time.Minute {
		t.Fatalf("max hold=%v, expected 30m", cfg.Exits.MaxHold)
	}
	if cfg.Connection.Backoff.Base != 250*time.Millisecond || cfg.AccountCooldown != 2*time.Second {
		t.Fatalf("durations=%v/%v", cfg.Connection.Backoff.Base, cfg.AccountCooldown)
	}

	rc := cfg.RiskConfig()
	if rc.DeltaThreshold != 0.7 || !reflect.DeepEqual(rc.Whitelist, []string{"166"}) {
		t.Fatalf("risk config=%+v", rc)
	}
}

func TestLoadTradingEmptyPathAndMissingFile(t *testing.T) {
	cfg, err := LoadTrading("")
	if err != nil || len(cfg.Symbols) == 0 {
		t.Fatalf("LoadTrading(\"\") = %+v, %v", cfg, err)
	}
	if _, err := LoadTrading(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := DefaultTradingConfig()
	cfg.Signal.DeltaThreshold = 0.3
	cfg.Signal.MFISell = 60
	cfg.Signal.Periods.Mid = 1
	cfg.Bars.Mode = "weekly"
	cfg.Bracket.TickSize = 0
	cfg.Window.Start = "25:00"
	cfg.SyncGroups = map[string][]string{"main": {"ghost"}}
	cfg.Accounts = append(cfg.Accounts, cfg.Accounts[0])

	err := cfg.Validate()
	var verr *ConfigValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err=%v, expected ConfigValidationError", err)
	}
	for _, want := range []string{"delta_confidence_threshold", "mfi_buy", "periods EMA", "bars.mode", "tick_size", "trading_window", "duplicate id", "unknown account ghost"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err.Error(), want)
		}
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_DUR", "45")
	if got := getEnvDuration("TEST_DUR", time.Second); got != 45*time.Second {
		t.Fatalf("duration=%v, expected 45s", got)
	}
	t.Setenv("TEST_DUR", "2m")
	if got := getEnvDuration("TEST_DUR", time.Second); got != 2*time.Minute {
		t.Fatalf("duration=%v, expected 2m", got)
	}
	if got := splitAndTrim(" NQ, ES ,,"); !reflect.DeepEqual(got, []string{"NQ", "ES"}) {
		t.Fatalf("split=%v", got)
	}

	t.Setenv("SYMBOLS", "RTY")
	t.Setenv("DB_DRIVER", "Postgres")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBDriver != "postgres" || !reflect.DeepEqual(cfg.Symbols, []string{"RTY"}) {
		t.Fatalf("cfg=%+v", cfg)
	}
}
