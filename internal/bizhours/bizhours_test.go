package bizhours

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestNextWithinBusinessHours(t *testing.T) {
	p := DefaultPolicy()
	// Monday 10:30 + 24h lands Tuesday 10:30, already valid.
	base := date(2025, time.March, 3, 10, 30)
	got := Next(base, 24*time.Hour, p)
	want := date(2025, time.March, 4, 10, 30)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextClampsEarlyMorning(t *testing.T) {
	p := DefaultPolicy()
	// Monday 07:15 + 1h -> Monday 08:15, before opening: clamp to 09:00.
	base := date(2025, time.March, 3, 7, 15)
	got := Next(base, time.Hour, p)
	want := date(2025, time.March, 3, 9, 0)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextRollsPastClosing(t *testing.T) {
	p := DefaultPolicy()
	// Monday 19:00 + 1h -> Monday 20:00, past closing: Tuesday 09:00.
	base := date(2025, time.March, 3, 19, 0)
	got := Next(base, time.Hour, p)
	want := date(2025, time.March, 4, 9, 0)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextFridayEveningLandsMonday(t *testing.T) {
	p := DefaultPolicy()
	// Friday 17:50 + 24h -> Saturday 17:50: weekend rolls to Monday 09:00.
	base := date(2025, time.March, 7, 17, 50)
	got := Next(base, 24*time.Hour, p)
	want := date(2025, time.March, 10, 9, 0)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
	if got.Weekday() != time.Monday {
		t.Errorf("expected Monday, got %v", got.Weekday())
	}
}

func TestNextSaturdayAndSundayOffsets(t *testing.T) {
	p := DefaultPolicy()
	// Friday base lands Saturday, Saturday base lands Sunday; both must
	// resolve to Monday 09:00 despite the different day offsets.
	fromFriday := Next(date(2025, time.March, 7, 12, 0), 24*time.Hour, p)
	fromSaturday := Next(date(2025, time.March, 8, 12, 0), 24*time.Hour, p)
	want := date(2025, time.March, 10, 9, 0)
	if !fromFriday.Equal(want) {
		t.Errorf("from Friday: got %v, want %v", fromFriday, want)
	}
	if !fromSaturday.Equal(want) {
		t.Errorf("from Saturday: got %v, want %v", fromSaturday, want)
	}
}

func TestNextClosePastClosingFridayReappliesWeekendRule(t *testing.T) {
	p := DefaultPolicy()
	// Friday 17:30 + 1h -> Friday 18:30, past closing. The next calendar day
	// is Saturday, so rule (a) re-applies and the result is Monday 09:00.
	base := date(2025, time.March, 7, 17, 30)
	got := Next(base, time.Hour, p)
	want := date(2025, time.March, 10, 9, 0)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextBoundaries(t *testing.T) {
	p := DefaultPolicy()

	// Candidate exactly at opening is kept (inclusive start).
	atOpen := Next(date(2025, time.March, 3, 9, 0), 24*time.Hour, p)
	if !atOpen.Equal(date(2025, time.March, 4, 9, 0)) {
		t.Errorf("opening boundary: got %v", atOpen)
	}

	// Candidate exactly at closing rolls to the next day (exclusive end).
	atClose := Next(date(2025, time.March, 3, 18, 0), 24*time.Hour, p)
	if !atClose.Equal(date(2025, time.March, 5, 9, 0)) {
		t.Errorf("closing boundary: got %v", atClose)
	}
}

func TestNextAlwaysInsideBusinessWindow(t *testing.T) {
	p := DefaultPolicy()
	base := date(2025, time.January, 1, 0, 0)
	for i := 0; i < 14*24; i++ {
		b := base.Add(time.Duration(i) * time.Hour)
		got := Next(b, 24*time.Hour, p)
		if got.Before(b) {
			t.Fatalf("Next(%v) = %v is before base", b, got)
		}
		if !p.WorkDays[got.Weekday()] {
			t.Fatalf("Next(%v) = %v lands on %v", b, got, got.Weekday())
		}
		if got.Hour() < p.WorkStartHour || got.Hour() >= p.WorkEndHour {
			t.Fatalf("Next(%v) = %v outside business hours", b, got)
		}
	}
}
