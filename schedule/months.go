package schedule

import "time"

// MaxDay is the highest day of month AddMonths produces when the source
// day does not exist in every month.
const MaxDay = 28

// AddMonths advances t by n months, keeping the time of day. Days after the
// 28th are clamped to the 28th so the result is valid in every month. This
// shortens periods that start near month end; it is a policy, not an
// accident.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	if d > MaxDay {
		d = MaxDay
	}
	total := int(m) - 1 + n
	y += total / 12
	total %= 12
	if total < 0 {
		total += 12
		y--
	}
	return time.Date(y, time.Month(total+1), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
