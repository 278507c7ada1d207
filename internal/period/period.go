// Package period maps metering period kinds onto concrete UTC calendar
// windows.
package period

import (
	"errors"
	"time"
)

// Kind is the metering period granularity for a feature.
type Kind string

const (
	Daily   Kind = "DAILY"
	Weekly  Kind = "WEEKLY"
	Monthly Kind = "MONTHLY"
	Yearly  Kind = "YEARLY"
)

var ErrInvalidKind = errors.New("invalid_period_kind")

// Window is a half-open [Start, End) interval at UTC day granularity.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(w.Start) && t.Before(w.End)
}

// Compute returns the window of the given kind containing now. Weeks start on
// ISO Monday. Month and year boundaries use calendar arithmetic so leap years
// and month lengths come out exact.
func Compute(kind Kind, now time.Time) (Window, error) {
	now = now.UTC()
	year, month, day := now.Date()

	switch kind {
	case Daily:
		start := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		return Window{Start: start, End: start.AddDate(0, 0, 1)}, nil
	case Weekly:
		offset := (int(now.Weekday()) + 6) % 7 // Monday = 0
		start := time.Date(year, month, day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -offset)
		return Window{Start: start, End: start.AddDate(0, 0, 7)}, nil
	case Monthly:
		start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		return Window{Start: start, End: start.AddDate(0, 1, 0)}, nil
	case Yearly:
		start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		return Window{Start: start, End: start.AddDate(1, 0, 0)}, nil
	default:
		return Window{}, ErrInvalidKind
	}
}

// Valid reports whether kind is a known period kind.
func Valid(kind Kind) bool {
	switch kind {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}
