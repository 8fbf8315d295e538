// Package deadline computes the legal send window of a reporting period.
package deadline

import (
	"fmt"
	"strings"
	"time"
)

// Periodicity enumerates the supported declaration rhythms.
type Periodicity string

const (
	PeriodicityDecade    Periodicity = "decade"
	PeriodicityMonthly   Periodicity = "monthly"
	PeriodicityBimonthly Periodicity = "bimonthly"
	PeriodicityQuarterly Periodicity = "quarterly"
)

// ParsePeriodicity normalises the textual periodicity. Empty input yields the
// decade default.
func ParsePeriodicity(v string) (Periodicity, error) {
	switch p := Periodicity(strings.ToLower(strings.TrimSpace(v))); p {
	case "":
		return PeriodicityDecade, nil
	case PeriodicityDecade, PeriodicityMonthly, PeriodicityBimonthly, PeriodicityQuarterly:
		return p, nil
	default:
		return "", fmt.Errorf("deadline: unknown periodicity %q", v)
	}
}

// Override pins the window to days of the current month. Both bounds must be
// set for the override to apply.
type Override struct {
	Start *int
	End   *int
}

// Active reports whether both override bounds are configured.
func (o Override) Active() bool {
	return o.Start != nil && o.End != nil
}

// Window is an inclusive range of calendar days.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether the calendar day of t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(w.Start) && !d.After(w.End)
}

// IsLastDay reports whether t is the final day of the window.
func (w Window) IsLastDay(t time.Time) bool {
	return Day(t).Equal(w.End)
}

// String renders the window as YYYY-MM-DD..YYYY-MM-DD.
func (w Window) String() string {
	return w.Start.Format(time.DateOnly) + ".." + w.End.Format(time.DateOnly)
}

// ComputeWindow returns the send window for a period ending on periodEnd.
// now only matters for manual overrides, which are anchored on the current
// month. The boolean is false when no period end is known.
func ComputeWindow(periodEnd time.Time, periodicity Periodicity, override Override, now time.Time) (Window, bool) {
	if override.Active() {
		year, month, _ := now.Date()
		last := daysIn(year, month)
		start := clamp(*override.Start, 1, last)
		end := clamp(*override.End, start, last)
		return Window{Start: date(year, month, start), End: date(year, month, end)}, true
	}
	if periodEnd.IsZero() {
		return Window{}, false
	}
	year, month, day := periodEnd.Date()
	nextYear, nextMonth := following(year, month)
	switch periodicity {
	case PeriodicityBimonthly:
		last := daysIn(nextYear, nextMonth)
		return Window{
			Start: date(nextYear, nextMonth, clamp(25, 1, last)),
			End:   date(nextYear, nextMonth, clamp(30, 1, last)),
		}, true
	case PeriodicityQuarterly:
		return single(date(nextYear, nextMonth, clamp(24, 1, daysIn(nextYear, nextMonth)))), true
	case PeriodicityMonthly:
		return single(date(nextYear, nextMonth, clamp(10, 1, daysIn(nextYear, nextMonth)))), true
	default:
		switch {
		case day <= 10:
			return single(date(year, month, 20)), true
		case day <= 20:
			return single(date(year, month, daysIn(year, month))), true
		default:
			return single(date(nextYear, nextMonth, 10)), true
		}
	}
}

// IsWithinWindow evaluates the window against now.
func IsWithinWindow(periodEnd time.Time, periodicity Periodicity, override Override, now time.Time) bool {
	w, ok := ComputeWindow(periodEnd, periodicity, override, now)
	return ok && w.Contains(now)
}

// IsLastSendDay reports whether now is the final day of the window.
func IsLastSendDay(periodEnd time.Time, periodicity Periodicity, override Override, now time.Time) bool {
	w, ok := ComputeWindow(periodEnd, periodicity, override, now)
	return ok && w.IsLastDay(now)
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return date(y, m, d)
}

func single(d time.Time) Window {
	return Window{Start: d, End: d}
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func following(year int, month time.Month) (int, time.Month) {
	if month == time.December {
		return year + 1, time.January
	}
	return year, month + 1
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
