// Package bizcal implements the business calendar and the business-hours
// clock arithmetic the SLA engine is built on. All computations are exact to
// the minute; weekends and holidays contribute zero business time.
package bizcal

import (
	"errors"
	"fmt"
	"time"
)

const holidayDateLayout = "2006-01-02"

// scanDayLimit bounds calendar walks so a misconfigured calendar cannot spin.
const scanDayLimit = 3700

// Calendar defines working weekdays, daily working window, and holidays.
// Params: immutable configuration loaded once at process start.
// Returns: pure time-classification functions for the clock.
type Calendar struct {
	weekdays  map[time.Weekday]struct{}
	startHour int
	endHour   int
	loc       *time.Location
	holidays  map[string]struct{}
}

// New builds a validated calendar.
// Params: working weekdays, daily start/end hour, location, and holiday dates.
// Returns: calendar or validation error.
func New(weekdays []time.Weekday, startHour, endHour int, loc *time.Location, holidays []string) (Calendar, error) {
	if len(weekdays) == 0 {
		return Calendar{}, errors.New("calendar requires at least one working weekday")
	}
	if startHour < 0 || startHour > 23 {
		return Calendar{}, fmt.Errorf("start hour %d out of range", startHour)
	}
	if endHour < 1 || endHour > 24 {
		return Calendar{}, fmt.Errorf("end hour %d out of range", endHour)
	}
	if startHour >= endHour {
		return Calendar{}, fmt.Errorf("start hour %d must be before end hour %d", startHour, endHour)
	}
	if loc == nil {
		loc = time.UTC
	}

	daySet := make(map[time.Weekday]struct{}, len(weekdays))
	for _, day := range weekdays {
		daySet[day] = struct{}{}
	}

	holidaySet := make(map[string]struct{}, len(holidays))
	for _, holiday := range holidays {
		parsed, err := time.Parse(holidayDateLayout, holiday)
		if err != nil {
			return Calendar{}, fmt.Errorf("holiday %q is not a calendar date: %w", holiday, err)
		}
		holidaySet[parsed.Format(holidayDateLayout)] = struct{}{}
	}

	return Calendar{
		weekdays:  daySet,
		startHour: startHour,
		endHour:   endHour,
		loc:       loc,
		holidays:  holidaySet,
	}, nil
}

// Location returns the calendar timezone.
// Params: none.
// Returns: configured location.
func (c Calendar) Location() *time.Location {
	return c.loc
}

// HoursPerDay returns the length of one working day in hours.
// Params: none.
// Returns: configured daily business-hours capacity.
func (c Calendar) HoursPerDay() float64 {
	return float64(c.endHour - c.startHour)
}

// IsWorkday reports whether the date of t is a working non-holiday day.
// Params: instant to classify; evaluated in calendar timezone.
// Returns: true for configured weekdays that are not holidays.
func (c Calendar) IsWorkday(t time.Time) bool {
	local := t.In(c.loc)
	if _, ok := c.weekdays[local.Weekday()]; !ok {
		return false
	}
	_, holiday := c.holidays[local.Format(holidayDateLayout)]
	return !holiday
}

// InBusinessHours reports whether t falls inside the working window.
// Params: instant to classify.
// Returns: true when t is on a workday within [start hour, end hour).
func (c Calendar) InBusinessHours(t time.Time) bool {
	if !c.IsWorkday(t) {
		return false
	}
	local := t.In(c.loc)
	return !local.Before(c.opening(local)) && local.Before(c.closing(local))
}

// NextOpening rolls t forward to the next instant of business time.
// Params: arbitrary instant.
// Returns: t itself when already within the window, otherwise the next
// working-day opening; zero time when the scan limit is exhausted.
func (c Calendar) NextOpening(t time.Time) time.Time {
	cursor := t.In(c.loc)
	for i := 0; i < scanDayLimit; i++ {
		if c.IsWorkday(cursor) {
			open := c.opening(cursor)
			if cursor.Before(open) {
				return open
			}
			if cursor.Before(c.closing(cursor)) {
				return cursor
			}
		}
		cursor = c.nextMidnight(cursor)
	}
	return time.Time{}
}

// opening returns the working-window start for the date of local.
// Params: instant already converted to calendar timezone.
// Returns: opening instant of that date.
func (c Calendar) opening(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(), c.startHour, 0, 0, 0, c.loc)
}

// closing returns the working-window end for the date of local.
// Params: instant already converted to calendar timezone.
// Returns: closing instant of that date.
func (c Calendar) closing(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(), c.endHour, 0, 0, 0, c.loc)
}

// nextMidnight returns the start of the day after local.
// Params: instant already converted to calendar timezone.
// Returns: next midnight in calendar timezone.
func (c Calendar) nextMidnight(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, c.loc)
}
