// Package duration renders test-run durations the way the dashboard has
// always displayed them.
package duration

import (
	"strconv"
	"strings"
	"time"
)

// Format renders durationMs as a human readable phrase.
//
// The components are taken from the UTC calendar fields of the instant
// epoch+durationMs, so "days" is the day of month minus one and wraps at
// month boundaries. Stored runs carry strings produced this way, so the
// calculation must not be replaced by a true elapsed-day count.
//
// Seconds are only shown when the minute component is zero.
func Format(durationMs int64) string {
	t := time.UnixMilli(durationMs).UTC()

	days := t.Day() - 1
	hours := t.Hour()
	minutes := t.Minute()
	seconds := t.Second()

	var b strings.Builder

	if days > 0 {
		b.WriteString(strconv.Itoa(days))
		b.WriteString(label(days, " day, ", " days, "))
	}

	if hours > 0 {
		b.WriteString(strconv.Itoa(hours))
		b.WriteString(label(hours, " hour, ", " hours, "))
	}

	if minutes > 0 {
		b.WriteString(strconv.Itoa(minutes))
		b.WriteString(label(minutes, " minute", " minutes"))
	}

	if minutes == 0 && (seconds > 0 || b.Len() == 0) {
		b.WriteString(strconv.Itoa(seconds))
		b.WriteString(label(seconds, "  second", "  seconds"))
	}

	return b.String()
}

// Between formats the span between start and end.
func Between(start, end time.Time) string {
	return Format(end.UnixMilli() - start.UnixMilli())
}

func label(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}

	return plural
}
