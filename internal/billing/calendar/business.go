package calendar

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BusinessCalendar decides which dates are billable business days.
type BusinessCalendar interface {
	IsBusinessDay(d time.Time) bool
}

// Weekends treats Saturday and Sunday as closed.
type Weekends struct{}

func (Weekends) IsBusinessDay(d time.Time) bool {
	wd := d.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// Holidays is a calendar of explicitly closed dates, optionally also
// closing weekends.
type Holidays struct {
	closeWeekends bool
	dates         map[time.Time]string
}

// NewHolidays builds a calendar from dates; names are informational.
func NewHolidays(closeWeekends bool, dates map[time.Time]string) *Holidays {
	h := &Holidays{closeWeekends: closeWeekends, dates: make(map[time.Time]string, len(dates))}
	for d, name := range dates {
		h.dates[Day(d)] = name
	}
	return h
}

func (h *Holidays) IsBusinessDay(d time.Time) bool {
	if h.closeWeekends && !(Weekends{}).IsBusinessDay(d) {
		return false
	}
	_, closed := h.dates[Day(d)]
	return !closed
}

// Name returns the holiday name for d, if any.
func (h *Holidays) Name(d time.Time) (string, bool) {
	name, ok := h.dates[Day(d)]
	return name, ok
}

type holidayFile struct {
	Weekends *bool `yaml:"weekends"`
	Holidays []struct {
		Date string `yaml:"date"`
		Name string `yaml:"name"`
	} `yaml:"holidays"`
}

// LoadHolidays parses a YAML holiday calendar:
//
//	weekends: true
//	holidays:
//	  - date: 2025-01-01
//	    name: New Year's Day
//
// Weekends default to closed when the key is absent.
func LoadHolidays(r io.Reader) (*Holidays, error) {
	var f holidayFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode holidays: %w", err)
	}

	closeWeekends := true
	if f.Weekends != nil {
		closeWeekends = *f.Weekends
	}

	dates := make(map[time.Time]string, len(f.Holidays))
	for _, h := range f.Holidays {
		d, err := Parse(h.Date)
		if err != nil {
			return nil, fmt.Errorf("parse holiday %q: %w", h.Date, err)
		}
		dates[d] = h.Name
	}
	return NewHolidays(closeWeekends, dates), nil
}

// LoadHolidaysFile reads a YAML holiday calendar from path.
func LoadHolidaysFile(path string) (*Holidays, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open holidays file: %w", err)
	}
	defer f.Close()
	return LoadHolidays(f)
}

// AdjustedBillingDate returns the date to bill in referenceMonth's month
// for a nominal day-of-month. Days past the month's end clamp to its last
// day. A non-business day moves back to the nearest earlier business day
// in the same month, or forward when no earlier one exists. A nil
// calendar treats every day as a business day.
func AdjustedBillingDate(cal BusinessCalendar, nominalDay int, referenceMonth time.Time) time.Time {
	y, m, _ := referenceMonth.Date()
	d := nominalDay
	if last := DaysIn(y, m); d > last {
		d = last
	}
	if d < 1 {
		d = 1
	}
	date := Date(y, m, d)
	if cal == nil || cal.IsBusinessDay(date) {
		return date
	}

	for c := AddDays(date, -1); c.Month() == m; c = AddDays(c, -1) {
		if cal.IsBusinessDay(c) {
			return c
		}
	}
	for c := AddDays(date, 1); c.Month() == m; c = AddDays(c, 1) {
		if cal.IsBusinessDay(c) {
			return c
		}
	}
	return date
}
