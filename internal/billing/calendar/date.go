// Package calendar maps nominal billing days to real calendar dates and
// holds the date comparisons every date-driven billing transition uses.
//
// Dates are time.Time values at midnight UTC carrying the civil date, so
// day arithmetic never crosses a DST boundary.
package calendar

import (
	"math"
	"time"
)

const day = 24 * time.Hour

// Date returns the civil date y-m-d. Out-of-range values normalize the
// way time.Date does.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateOf returns the civil date of instant t as observed in loc.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return Date(y, m, d)
}

// Day drops the clock part of t, keeping t's own civil date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return Date(y, m, d)
}

// Parse reads a YYYY-MM-DD date.
func Parse(s string) (time.Time, error) {
	return time.ParseInLocation(time.DateOnly, s, time.UTC)
}

// EndOfMonth returns the last day of t's month.
func EndOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return Date(y, m+1, 0)
}

// DaysIn returns the number of days in month m of year y.
func DaysIn(y int, m time.Month) int {
	return EndOfMonth(Date(y, m, 1)).Day()
}

func AddDays(t time.Time, n int) time.Time {
	return Day(t).AddDate(0, 0, n)
}

// AddMonths adds n months, clamping the day to the target month's length
// (Jan 31 + 1 month = Feb 28/29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := Date(y, m+time.Month(n), 1)
	if last := DaysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return Date(first.Year(), first.Month(), d)
}

// AddYears adds n years, clamping Feb 29 to Feb 28 in common years.
func AddYears(t time.Time, n int) time.Time {
	return AddMonths(t, 12*n)
}

// DaysUntil returns ceil((to - from) / 1 day). Negative when to is earlier.
func DaysUntil(from, to time.Time) int {
	return int(math.Ceil(float64(to.Sub(from)) / float64(day)))
}

// SameDay reports whether a and b fall on the same civil date.
func SameDay(a, b time.Time) bool {
	return Day(a).Equal(Day(b))
}

// Before reports whether a's date is strictly earlier than b's.
func Before(a, b time.Time) bool {
	return Day(a).Before(Day(b))
}

// OnOrAfter reports whether a's date is b's date or later.
func OnOrAfter(a, b time.Time) bool {
	return !Before(a, b)
}

// IsDaysBefore reports whether today is exactly n days before target.
func IsDaysBefore(today, target time.Time, n int) bool {
	return SameDay(AddDays(today, n), target)
}
