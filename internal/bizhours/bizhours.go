// Package bizhours computes dispatch timestamps constrained to business
// hours. It is the single authoritative rollover implementation: both
// webhook-driven scheduling and the polling batch use it.
package bizhours

import (
	"time"
)

// Default business-hour policy values.
const (
	// DefaultWorkStartHour is the first hour of the work day (inclusive).
	DefaultWorkStartHour = 9
	// DefaultWorkEndHour is the end of the work day (exclusive).
	DefaultWorkEndHour = 18
	// DefaultInterval is the pause between consecutive contact stages.
	DefaultInterval = 24 * time.Hour
)

// Policy describes the work-hour and work-week constraints applied to
// computed dispatch moments.
type Policy struct {
	WorkStartHour int
	WorkEndHour   int
	WorkDays      map[time.Weekday]bool
}

// DefaultPolicy returns the Monday-Friday 09:00-18:00 policy.
func DefaultPolicy() Policy {
	return Policy{
		WorkStartHour: DefaultWorkStartHour,
		WorkEndHour:   DefaultWorkEndHour,
		WorkDays: map[time.Weekday]bool{
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
		},
	}
}

// workDay reports whether d is a configured work day.
func (p Policy) workDay(d time.Weekday) bool {
	return p.WorkDays[d]
}

// Next computes the next valid business moment at or after base+interval.
//
// The rollover rules are applied in a fixed order: (a) a candidate on a
// non-work day rolls forward to the next work day at WorkStartHour; (b) a
// candidate before WorkStartHour clamps to WorkStartHour the same day; (c) a
// candidate at or past WorkEndHour rolls to the next calendar day at
// WorkStartHour, re-applying (a) in case that day is outside the work week.
// The start boundary is inclusive and the end boundary exclusive. Next is
// pure and its result is always strictly at or after base.
func Next(base time.Time, interval time.Duration, p Policy) time.Time {
	candidate := base.Add(interval)

	if !p.workDay(candidate.Weekday()) {
		return rollToNextWorkDay(candidate, p)
	}
	if candidate.Hour() < p.WorkStartHour {
		return atHour(candidate, p.WorkStartHour)
	}
	if candidate.Hour() >= p.WorkEndHour {
		next := candidate.AddDate(0, 0, 1)
		if !p.workDay(next.Weekday()) {
			return rollToNextWorkDay(next, p)
		}
		return atHour(next, p.WorkStartHour)
	}
	return candidate
}

// rollToNextWorkDay advances t one day at a time until it lands on a work
// day, then clamps to WorkStartHour.
func rollToNextWorkDay(t time.Time, p Policy) time.Time {
	next := t
	for i := 0; i < 7; i++ {
		next = next.AddDate(0, 0, 1)
		if p.workDay(next.Weekday()) {
			return atHour(next, p.WorkStartHour)
		}
	}
	// Policy with no work days configured; leave the candidate untouched.
	return t
}

// atHour returns t with the clock set to hour:00:00 in t's location.
func atHour(t time.Time, hour int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location())
}
