package symbols

import (
	"testing"
	"time"
)

func TestFrontMonth(t *testing.T) {
	tests := []struct {
		root string
		at   time.Time
		want string
	}{
		{"NQ", time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC), "NQZ5"},
		{"mnq", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), "MNQH6"},
		{"ES", time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC), "ESM6"},
		{"ES", time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), "ESU6"},
	}
	for _, tt := range tests {
		if got := FrontMonth(tt.root, tt.at); got != tt.want {
			t.Fatalf("FrontMonth(%s)=%s, expected %s", tt.root, got, tt.want)
		}
	}
}

func TestResolveAllKeepsContractsAndDedupes(t *testing.T) {
	now := time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC)
	got := ResolveAll([]string{"NQ", "NQZ5", " esh6 ", ""}, now)
	want := []string{"NQZ5", "ESH6"}
	if len(got) != len(want) {
		t.Fatalf("ResolveAll=%v, expected %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ResolveAll[%d]=%s, expected %s", i, got[i], want[i])
		}
	}
	if Root("NQZ5") != "NQ" {
		t.Fatalf("Root(NQZ5)=%s, expected NQ", Root("NQZ5"))
	}
}

func TestTickSizeArithmetic(t *testing.T) {
	ts, err := NewTickSize(0.25)
	if err != nil {
		t.Fatalf("NewTickSize: %v", err)
	}
	if got := ts.Ticks(2.0); got != 8 {
		t.Fatalf("Ticks(2.0)=%d, expected 8", got)
	}
	if got := ts.Ticks(-1.3); got != 5 {
		t.Fatalf("Ticks(-1.3)=%d, expected 5", got)
	}
	if got := ts.Offset(15000, 16, 1); got != 15004 {
		t.Fatalf("Offset up=%v, expected 15004", got)
	}
	if got := ts.Offset(15000, 8, -1); got != 14998 {
		t.Fatalf("Offset down=%v, expected 14998", got)
	}
	if got := ts.Round(15000.13); got != 15000.25 {
		t.Fatalf("Round=%v, expected 15000.25", got)
	}
	if got := ts.Between(15000, 14998.5); got != -6 {
		t.Fatalf("Between=%v, expected -6", got)
	}
	if _, err := NewTickSize(0); err == nil {
		t.Fatalf("expected error for zero tick size")
	}
}

func TestTradingWindow(t *testing.T) {
	w, err := NewTradingWindow(true, "09:30", "10:00", "America/New_York", "")
	if err != nil {
		t.Fatalf("NewTradingWindow: %v", err)
	}
	ny, _ := time.LoadLocation("America/New_York")

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"inside", time.Date(2025, 10, 15, 9, 45, 0, 0, ny), true},
		{"start inclusive", time.Date(2025, 10, 15, 9, 30, 0, 0, ny), true},
		{"end exclusive", time.Date(2025, 10, 15, 10, 0, 0, 0, ny), false},
		{"before", time.Date(2025, 10, 15, 9, 29, 0, 0, ny), false},
		{"weekend", time.Date(2025, 10, 18, 9, 45, 0, 0, ny), false},
		{"utc input", time.Date(2025, 10, 15, 13, 40, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.IsOpen(tt.at); got != tt.want {
				t.Fatalf("IsOpen=%v, expected %v", got, tt.want)
			}
		})
	}

	w.Enabled = false
	if !w.IsOpen(time.Date(2025, 10, 18, 3, 0, 0, 0, ny)) {
		t.Fatalf("disabled window should always be open")
	}

	if _, err := NewTradingWindow(true, "10:00", "09:30", "America/New_York", ""); err == nil {
		t.Fatalf("expected error for inverted window")
	}
}
