package fetchlib

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// RecurrenceKind tags the recurrence variant of a task.
type RecurrenceKind string

const (
	RecurrenceNone     RecurrenceKind = "none"
	RecurrenceInterval RecurrenceKind = "interval"
	RecurrenceDaily    RecurrenceKind = "daily"
	RecurrenceWeekly   RecurrenceKind = "weekly"
	RecurrenceMonthly  RecurrenceKind = "monthly"
	RecurrenceCron     RecurrenceKind = "cron"
)

// Recurrence is a tagged union over the supported recurrence kinds.
// Only the fields of the tagged variant are meaningful:
//
//	interval: Every
//	daily:    Hour, Minute
//	weekly:   Weekday, Hour, Minute
//	monthly:  Day, Hour, Minute
//	cron:     Hour, Minute (fixed minute/hour, wildcard day/month/weekday)
type Recurrence struct {
	Kind    RecurrenceKind `json:"kind"`
	Every   time.Duration  `json:"every,omitempty"`
	Weekday time.Weekday   `json:"weekday,omitempty"`
	Day     int            `json:"day,omitempty"`
	Hour    int            `json:"hour,omitempty"`
	Minute  int            `json:"minute,omitempty"`
}

// NextRun computes the earliest instant strictly after now at which the
// recurrence fires. It returns false for RecurrenceNone and for malformed
// specs; the caller is expected to log a warning and keep going rather
// than treat that as fatal.
func (r Recurrence) NextRun(now time.Time) (time.Time, bool) {
	switch r.Kind {
	case RecurrenceInterval:
		if r.Every <= 0 {
			return time.Time{}, false
		}
		return now.Add(r.Every), true

	case RecurrenceDaily:
		if !validClock(r.Hour, r.Minute) {
			return time.Time{}, false
		}
		next := atClock(now, r.Hour, r.Minute)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, true

	case RecurrenceWeekly:
		if !validClock(r.Hour, r.Minute) || r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return time.Time{}, false
		}
		next := atClock(now, r.Hour, r.Minute)
		days := (int(r.Weekday) - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next, true

	case RecurrenceMonthly:
		if !validClock(r.Hour, r.Minute) || r.Day < 1 || r.Day > 31 {
			return time.Time{}, false
		}
		next := monthlyOccurrence(now.Year(), now.Month(), r.Day, r.Hour, r.Minute, now.Location())
		if !next.After(now) {
			y, m := now.Year(), now.Month()+1
			next = monthlyOccurrence(y, m, r.Day, r.Hour, r.Minute, now.Location())
		}
		return next, true

	case RecurrenceCron:
		if !validClock(r.Hour, r.Minute) {
			return time.Time{}, false
		}
		expr := fmt.Sprintf("%d %d * * *", r.Minute, r.Hour)
		next, err := gronx.NextTickAfter(expr, now, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true

	default:
		return time.Time{}, false
	}
}

// atClock returns the instant on now's calendar day with the given
// time-of-day, in now's location.
func atClock(now time.Time, hour, minute int) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
}

func validClock(hour, minute int) bool {
	return hour >= 0 && hour <= 23 && minute >= 0 && minute <= 59
}

// monthlyOccurrence returns the instant in the given month at day/hour/minute.
// Months lacking the configured day clamp to their last day: day 31 in
// February yields Feb 28 (or 29), never a rollover into March.
func monthlyOccurrence(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	// Normalize month overflow (month 13 -> January next year).
	base := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	if last := daysIn(base.Year(), base.Month()); day > last {
		day = last
	}
	return time.Date(base.Year(), base.Month(), day, hour, minute, 0, 0, loc)
}

// daysIn returns the number of days in the given month.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ParseCron parses the restricted cron subset "M H * * *" (fixed minute and
// hour, wildcard day, month and weekday) into a cron Recurrence. Anything
// outside the subset is rejected so the caller can warn and skip it instead
// of scheduling something it cannot represent.
func ParseCron(expr string) (Recurrence, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return Recurrence{}, fmt.Errorf("cron %q: expected 5 fields, got %d", expr, len(fields))
	}
	if fields[2] != "*" || fields[3] != "*" || fields[4] != "*" {
		return Recurrence{}, fmt.Errorf("cron %q: only wildcard day/month/weekday is supported", expr)
	}
	var minute, hour int
	if _, err := fmt.Sscanf(fields[0], "%d", &minute); err != nil {
		return Recurrence{}, fmt.Errorf("cron %q: minute: %w", expr, err)
	}
	if _, err := fmt.Sscanf(fields[1], "%d", &hour); err != nil {
		return Recurrence{}, fmt.Errorf("cron %q: hour: %w", expr, err)
	}
	if !validClock(hour, minute) {
		return Recurrence{}, fmt.Errorf("cron %q: minute/hour out of range", expr)
	}
	return Recurrence{Kind: RecurrenceCron, Hour: hour, Minute: minute}, nil
}
