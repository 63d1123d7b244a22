package symbols

import (
	"fmt"
	"strings"
	"time"
)

// Quarterly CME equity index contract months.
var quarterCodes = [4]string{"H", "M", "U", "Z"}

// FrontMonth resolves a root like NQ or MNQ to the contract of the current
// calendar quarter with a one-digit year, e.g. NQ in November 2025 is NQZ5.
func FrontMonth(root string, now time.Time) string {
	root = strings.ToUpper(strings.TrimSpace(root))
	q := (int(now.Month()) - 1) / 3
	return fmt.Sprintf("%s%s%d", root, quarterCodes[q], now.Year()%10)
}

// ResolveAll maps every root to its front-month contract. Entries that
// already carry a month code are returned unchanged.
func ResolveAll(roots []string, now time.Time) []string {
	out := make([]string, 0, len(roots))
	seen := make(map[string]bool, len(roots))
	for _, r := range roots {
		sym := strings.ToUpper(strings.TrimSpace(r))
		if sym == "" {
			continue
		}
		if !IsContract(sym) {
			sym = FrontMonth(sym, now)
		}
		if seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}

// IsContract reports whether sym ends in a quarterly month code plus year digit.
func IsContract(sym string) bool {
	n := len(sym)
	if n < 3 {
		return false
	}
	last := sym[n-1]
	if last < '0' || last > '9' {
		return false
	}
	code := sym[n-2 : n-1]
	for _, c := range quarterCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Root strips the month code and year digit from a contract symbol.
func Root(sym string) string {
	if IsContract(sym) {
		return sym[:len(sym)-2]
	}
	return sym
}
