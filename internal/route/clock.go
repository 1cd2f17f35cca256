package route

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseClock parses HH:MM or HH:MM:SS into seconds since midnight. Hours may
// exceed 23 for services running past midnight.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid clock time %q", s)
		}
		vals[i] = v
	}
	if vals[1] > 59 || vals[2] > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return vals[0]*3600 + vals[1]*60 + vals[2], nil
}

// Midnight returns the start of t's day in t's location.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// OnDay resolves seconds-since-midnight against the service day of day.
func OnDay(day time.Time, sec int) time.Time {
	return Midnight(day).Add(time.Duration(sec) * time.Second)
}

// ResolveClock parses s and resolves it against day.
func ResolveClock(day time.Time, s string) (time.Time, error) {
	sec, err := ParseClock(s)
	if err != nil {
		return time.Time{}, err
	}
	return OnDay(day, sec), nil
}

// FormatClock renders t as local wall-clock HH:MM.
func FormatClock(t time.Time) string {
	return t.Format("15:04")
}
