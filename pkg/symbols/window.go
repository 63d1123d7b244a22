package symbols

import (
	"fmt"
	"log"
	"time"

	"github.com/scmhub/calendar"
)

// TradingWindow gates new decisions to a daily session slice on exchange
// business days.
type TradingWindow struct {
	Enabled bool
	start   int // minutes after midnight
	end     int
	loc     *time.Location
	cal     *calendar.Calendar
}

// NewTradingWindow parses "15:04" bounds in the given timezone. mic selects
// the exchange calendar (e.g. "xnys"); empty mic checks weekdays only.
func NewTradingWindow(enabled bool, start, end, tz, mic string) (*TradingWindow, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	s, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("window start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("window end: %w", err)
	}
	if e <= s {
		return nil, fmt.Errorf("window end %s must be after start %s", end, start)
	}

	w := &TradingWindow{Enabled: enabled, start: s, end: e, loc: loc}
	if mic != "" {
		w.cal = calendar.GetCalendar(mic)
		if w.cal == nil {
			log.Printf("⚠️ No exchange calendar for MIC %q, falling back to weekdays", mic)
		}
	}
	return w, nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// IsOpen reports whether new decisions may be emitted at t. A disabled
// window is always open.
func (w *TradingWindow) IsOpen(t time.Time) bool {
	if w == nil || !w.Enabled {
		return true
	}
	local := t.In(w.loc)
	if !w.isBusinessDay(local) {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	return m >= w.start && m < w.end
}

func (w *TradingWindow) isBusinessDay(t time.Time) bool {
	if w.cal != nil {
		return w.cal.IsBusinessDay(t)
	}
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// String renders the window for logs.
func (w *TradingWindow) String() string {
	if w == nil || !w.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d %s", w.start/60, w.start%60, w.end/60, w.end%60, w.loc)
}
