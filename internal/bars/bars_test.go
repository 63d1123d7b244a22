package bars

import (
	"testing"
	"time"

	"futures-core/internal/market"
)

var t0 = time.Date(2025, 10, 15, 13, 30, 0, 0, time.UTC)

func tick(sec int, price, size float64) market.Tick {
	return market.Tick{Symbol: "NQZ5", Price: price, Size: size, Timestamp: t0.Add(time.Duration(sec) * time.Second)}
}

func TestTimeBarsEmitOnlyWhenClosed(t *testing.T) {
	a := NewAggregator("NQZ5", ModeTime, time.Minute, 0)

	if out := a.Update(tick(0, 100, 1)); len(out) != 0 {
		t.Fatalf("first tick emitted %d bars", len(out))
	}
	if out := a.Update(tick(30, 102, 2)); len(out) != 0 {
		t.Fatalf("mid-bar tick emitted %d bars", len(out))
	}
	if out := a.Update(tick(45, 99, 3)); len(out) != 0 {
		t.Fatalf("mid-bar tick emitted %d bars", len(out))
	}
	out := a.Update(tick(60, 101, 4))
	if len(out) != 1 {
		t.Fatalf("expected one closed bar, got %d", len(out))
	}
	b := out[0]
	if b.Open != 100 || b.High != 102 || b.Low != 99 || b.Close != 101 {
		t.Fatalf("OHLC=%v/%v/%v/%v", b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume != 10 {
		t.Fatalf("Volume=%v, expected 10", b.Volume)
	}
	// 100 unknown (split), 102 up, 99 down, 101 up
	if b.BuyVolume != 6.5 || b.SellVolume != 3.5 {
		t.Fatalf("buy/sell=%v/%v, expected 6.5/3.5", b.BuyVolume, b.SellVolume)
	}
	if !b.End.Equal(t0.Add(time.Minute)) {
		t.Fatalf("End=%v", b.End)
	}

	next, ok := a.Pending()
	if !ok || next.Open != 101 || next.Volume != 0 {
		t.Fatalf("next bar not seeded from closing tick: %+v", next)
	}
}

func TestTickBars(t *testing.T) {
	a := NewAggregator("NQZ5", ModeTicks, 0, 3)
	var closed []Bar
	for i, p := range []float64{10, 11, 12, 13, 14, 15} {
		closed = append(closed, a.Update(tick(i, p, 1))...)
	}
	if len(closed) != 2 {
		t.Fatalf("closed=%d, expected 2", len(closed))
	}
	if closed[0].Close != 12 || closed[1].Open != 12 || closed[1].Close != 15 {
		t.Fatalf("unexpected bars %+v", closed)
	}
}

func TestExplicitAggressorWins(t *testing.T) {
	a := NewAggregator("NQZ5", ModeTicks, 0, 2)
	a.Update(tick(0, 100, 1))
	tk := tick(1, 101, 5)
	tk.Aggressor = market.AggressorSell
	out := a.Update(tk)
	if len(out) != 1 {
		t.Fatalf("expected bar")
	}
	if out[0].SellVolume != 5.5 {
		t.Fatalf("SellVolume=%v, expected 5.5", out[0].SellVolume)
	}
}

func TestTBarsBreakout(t *testing.T) {
	tb := NewTBars("NQZ5", 4, 0.25) // open 1.0, trend 0.5, reversal 2.0
	if out := tb.Update(tick(0, 100, 1)); len(out) != 0 {
		t.Fatalf("seed tick emitted bars")
	}
	out := tb.Update(tick(1, 100.5, 1))
	if len(out) != 1 {
		t.Fatalf("first move should close seed bar, got %d", len(out))
	}
	if out[0].Close == 0 {
		t.Fatalf("closed bar has no close")
	}
	// Closed at the seed bound 100; new bounds are [98, 100.5].
	if out := tb.Update(tick(2, 100.25, 1)); len(out) != 0 {
		t.Fatalf("inside bounds emitted bar")
	}
	if out := tb.Update(tick(3, 98.5, 1)); len(out) != 0 {
		t.Fatalf("inside reversal bound emitted bar")
	}
	out = tb.Update(tick(4, 101, 1))
	if len(out) != 1 {
		t.Fatalf("trend breakout should close bar")
	}
	if out[0].Volume != 3 {
		t.Fatalf("Volume=%v, expected 3", out[0].Volume)
	}
}

func TestNewBuilderModes(t *testing.T) {
	if _, ok := NewBuilder("NQZ5", Config{Mode: ModeTBars}, 0.25).(*TBars); !ok {
		t.Fatalf("tbars mode should build TBars")
	}
	if _, ok := NewBuilder("NQZ5", DefaultConfig(), 0.25).(*Aggregator); !ok {
		t.Fatalf("time mode should build Aggregator")
	}
}
