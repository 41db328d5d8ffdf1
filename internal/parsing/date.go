package parsing

import (
	"fmt"
	"strings"
	"time"
)

// DateOrder says how an all-numeric date is read.
type DateOrder string

const (
	DayFirst   DateOrder = "day-first"
	MonthFirst DateOrder = "month-first"
)

// ParseDateOrder accepts the flag spellings of a DateOrder.
func ParseDateOrder(s string) (DateOrder, error) {
	switch DateOrder(strings.ToLower(strings.TrimSpace(s))) {
	case "", DayFirst, "dmy":
		return DayFirst, nil
	case MonthFirst, "mdy":
		return MonthFirst, nil
	}
	return "", fmt.Errorf("unknown date order %q: valid orders are day-first, month-first", s)
}

var (
	dayFirstLayouts   = []string{"2/1/2006", "2-1-2006", "2/1/06", "2-1-06"}
	monthFirstLayouts = []string{"1/2/2006", "1-2-2006", "1/2/06", "1-2-06"}
	namedLayouts      = []string{"2 Jan 2006", "2006-1-2", "2006/1/2"}
)

// NormalizeDate converts a raw date to YYYY-MM-DD, reading numeric dates in
// the given order. It reports false when the value is not a calendar date.
func NormalizeDate(raw string, order DateOrder) (string, bool) {
	raw = strings.Join(strings.Fields(raw), " ")
	if raw == "" {
		return "", false
	}

	layouts := dayFirstLayouts
	if order == MonthFirst {
		layouts = monthFirstLayouts
	}
	for _, set := range [][]string{layouts, namedLayouts} {
		for _, layout := range set {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.Format(time.DateOnly), true
			}
		}
	}
	return "", false
}
