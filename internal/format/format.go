// Package format renders amounts and timestamps the way the shop displays
// them: Chilean pesos with dot grouping and day-first dates.
package format

import (
	"strconv"
	"strings"
	"time"
)

// Currency formats whole pesos, e.g. 1234567 -> "$1.234.567".
func Currency(amount int64) string {
	neg := amount < 0
	digits := strconv.FormatInt(amount, 10)
	if neg {
		digits = digits[1:]
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	lead := len(digits) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(digits[:lead])
	for i := lead; i < len(digits); i += 3 {
		b.WriteByte('.')
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// DateTime formats t in its own location as "dd/mm/yyyy, hh:mm" (24h).
func DateTime(t time.Time) string {
	return t.Format("02/01/2006, 15:04")
}

// ParseDay parses a YYYY-MM-DD date as local midnight.
func ParseDay(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation("2006-01-02", strings.TrimSpace(value), loc)
}
