package bizcal

import "time"

// Elapsed computes business hours between two instants.
// Params: interval start and end.
// Returns: fractional business hours; 0 when end is not after start. Closed
// days are skipped whole, partial days count minute-exact overlap.
func (c Calendar) Elapsed(start, end time.Time) float64 {
	if !end.After(start) {
		return 0
	}

	from := start.In(c.loc)
	to := end.In(c.loc)

	var total time.Duration
	cursor := from
	for i := 0; i < scanDayLimit && cursor.Before(to); i++ {
		if c.IsWorkday(cursor) {
			open := c.opening(cursor)
			dayClose := c.closing(cursor)
			lo := cursor
			if lo.Before(open) {
				lo = open
			}
			hi := to
			if hi.After(dayClose) {
				hi = dayClose
			}
			if hi.After(lo) {
				total += hi.Sub(lo)
			}
		}
		cursor = c.nextMidnight(cursor)
	}
	return total.Hours()
}

// DeadlineFrom advances from start accumulating business time until the
// required budget is exhausted.
// Params: start instant and required business hours.
// Returns: deadline instant; Elapsed(start, deadline) equals the budget
// within floating-point tolerance. A start outside business hours rolls
// forward to the next opening before accumulation begins.
func (c Calendar) DeadlineFrom(start time.Time, requiredHours float64) time.Time {
	cursor := c.NextOpening(start)
	if cursor.IsZero() {
		return time.Time{}
	}
	remaining := time.Duration(requiredHours * float64(time.Hour))
	if remaining <= 0 {
		return cursor
	}

	for i := 0; i < scanDayLimit; i++ {
		available := c.closing(cursor).Sub(cursor)
		if remaining <= available {
			return cursor.Add(remaining)
		}
		remaining -= available
		cursor = c.NextOpening(c.closing(cursor))
		if cursor.IsZero() {
			return time.Time{}
		}
	}
	return time.Time{}
}

// Until computes signed remaining business hours from now to a due instant.
// Params: current time and due instant.
// Returns: positive business hours until due, negative business hours
// overdue when due has passed.
func (c Calendar) Until(now, due time.Time) float64 {
	if due.After(now) {
		return c.Elapsed(now, due)
	}
	return -c.Elapsed(due, now)
}
