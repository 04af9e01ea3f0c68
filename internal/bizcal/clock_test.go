package bizcal

import (
	"math"
	"testing"
	"time"
)

func standardCalendar(t *testing.T, holidays ...string) Calendar {
	t.Helper()
	cal, err := New(
		[]time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		9, 17, time.UTC, holidays,
	)
	if err != nil {
		t.Fatalf("build calendar: %v", err)
	}
	return cal
}

func TestNewRejectsInvertedWindow(t *testing.T) {
	t.Parallel()

	if _, err := New([]time.Weekday{time.Monday}, 17, 9, time.UTC, nil); err == nil {
		t.Fatalf("expected error for start >= end")
	}
	if _, err := New(nil, 9, 17, time.UTC, nil); err == nil {
		t.Fatalf("expected error for empty weekday set")
	}
	if _, err := New([]time.Weekday{time.Monday}, 9, 17, time.UTC, []string{"25.12.2026"}); err == nil {
		t.Fatalf("expected error for malformed holiday date")
	}
}

func TestElapsedZeroOutsideBusinessTime(t *testing.T) {
	t.Parallel()

	cal := standardCalendar(t)

	// 2026-08-22/23 is a Saturday/Sunday pair.
	saturday := time.Date(2026, 8, 22, 8, 0, 0, 0, time.UTC)
	sunday := time.Date(2026, 8, 23, 20, 0, 0, 0, time.UTC)
	if got := cal.Elapsed(saturday, sunday); got != 0 {
		t.Fatalf("weekend elapsed = %v, want 0", got)
	}

	holidayCal := standardCalendar(t, "2026-08-24")
	holidayStart := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	holidayEnd := time.Date(2026, 8, 24, 17, 0, 0, 0, time.UTC)
	if got := holidayCal.Elapsed(holidayStart, holidayEnd); got != 0 {
		t.Fatalf("holiday elapsed = %v, want 0", got)
	}

	end := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	if got := cal.Elapsed(end, end); got != 0 {
		t.Fatalf("empty interval elapsed = %v, want 0", got)
	}
	if got := cal.Elapsed(end.Add(time.Hour), end); got != 0 {
		t.Fatalf("inverted interval elapsed = %v, want 0", got)
	}
}

func TestElapsedIsMinuteExact(t *testing.T) {
	t.Parallel()

	cal := standardCalendar(t)

	// Monday 2026-08-24 10:15 to 12:45 is 2.5 business hours.
	start := time.Date(2026, 8, 24, 10, 15, 0, 0, time.UTC)
	end := time.Date(2026, 8, 24, 12, 45, 0, 0, time.UTC)
	if got := cal.Elapsed(start, end); math.Abs(got-2.5) > 1e-9 {
		t.Fatalf("elapsed = %v, want 2.5", got)
	}
}

func TestFridayAfternoonCrossesWeekend(t *testing.T) {
	t.Parallel()

	cal := standardCalendar(t)

	// Friday 2026-08-21 15:00 plus 17 business hours:
	// 2h Friday + 8h Monday + 7h Tuesday lands on Tuesday 16:00.
	friday := time.Date(2026, 8, 21, 15, 0, 0, 0, time.UTC)
	deadline := cal.DeadlineFrom(friday, 17)
	want := time.Date(2026, 8, 25, 16, 0, 0, 0, time.UTC)
	if !deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", deadline, want)
	}

	if got := cal.Elapsed(friday, deadline); math.Abs(got-17) > 1e-9 {
		t.Fatalf("elapsed to deadline = %v, want 17", got)
	}
}

func TestDeadlineRollsForwardFromClosedTime(t *testing.T) {
	t.Parallel()

	cal := standardCalendar(t)

	// Saturday start accrues nothing until Monday 09:00.
	saturday := time.Date(2026, 8, 22, 13, 30, 0, 0, time.UTC)
	deadline := cal.DeadlineFrom(saturday, 4)
	want := time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC)
	if !deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", deadline, want)
	}

	// Zero budget resolves to the next opening itself.
	opening := cal.DeadlineFrom(saturday, 0)
	if !opening.Equal(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("zero-budget deadline = %v", opening)
	}
}

func TestDeadlineSkipsHolidayRunAtomically(t *testing.T) {
	t.Parallel()

	// Thursday + Friday holidays create a four-day closed run.
	cal := standardCalendar(t, "2026-08-27", "2026-08-28")

	wednesday := time.Date(2026, 8, 26, 16, 0, 0, 0, time.UTC)
	deadline := cal.DeadlineFrom(wednesday, 2)
	want := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	if !deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", deadline, want)
	}
}

func TestElapsedDeadlineRoundTrip(t *testing.T) {
	t.Parallel()

	cal := standardCalendar(t, "2026-09-07")

	starts := []time.Time{
		time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),  // Monday morning
		time.Date(2026, 8, 21, 16, 45, 0, 0, time.UTC), // Friday near close
		time.Date(2026, 8, 22, 3, 0, 0, 0, time.UTC),   // Saturday night
		time.Date(2026, 9, 4, 12, 30, 0, 0, time.UTC),  // Friday before holiday Monday
	}
	budgets := []float64{0.25, 1, 7.5, 8, 16, 24, 40.5}

	for _, start := range starts {
		for _, budget := range budgets {
			deadline := cal.DeadlineFrom(start, budget)
			if deadline.IsZero() {
				t.Fatalf("deadline scan exhausted for start=%v budget=%v", start, budget)
			}
			rolled := cal.NextOpening(start)
			got := cal.Elapsed(rolled, deadline)
			if math.Abs(got-budget) > 1e-6 {
				t.Fatalf("round trip start=%v budget=%v got=%v", start, budget, got)
			}
		}
	}
}

func TestUntilSignsOverdue(t *testing.T) {
	t.Parallel()

	cal := standardCalendar(t)

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	due := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)
	if got := cal.Until(now, due); math.Abs(got-5) > 1e-9 {
		t.Fatalf("until = %v, want 5", got)
	}
	if got := cal.Until(due, now); math.Abs(got+5) > 1e-9 {
		t.Fatalf("until = %v, want -5", got)
	}
}

func TestInBusinessHoursGate(t *testing.T) {
	t.Parallel()

	cal := standardCalendar(t)

	inside := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	if !cal.InBusinessHours(inside) {
		t.Fatalf("expected %v inside business hours", inside)
	}
	atClose := time.Date(2026, 8, 24, 17, 0, 0, 0, time.UTC)
	if cal.InBusinessHours(atClose) {
		t.Fatalf("expected closing instant outside business hours")
	}
	weekend := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	if cal.InBusinessHours(weekend) {
		t.Fatalf("expected weekend outside business hours")
	}
}
