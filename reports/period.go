// Package reports turns raw tickets into the periodized numbers the
// dashboard serves: fixed-timezone reporting periods, deterministic
// aggregation and period bucketing.
package reports

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Period is one reporting window at day granularity. Start and End are
// midnights in the reporting timezone and End is the last day in the
// period, so a Monday-Sunday week has Start=Monday, End=Sunday.
type Period struct {
	Start time.Time
	End   time.Time
	Label string
}

func (p Period) StartDate() string {
	return p.Start.Format("2006-01-02")
}

func (p Period) EndDate() string {
	return p.End.Format("2006-01-02")
}

// ClosedAt reports whether the period lies entirely before now's date.
// A period whose last day is yesterday or older never changes again.
func (p Period) ClosedAt(now time.Time) bool {
	loc := p.Start.Location()
	n := now.In(loc)
	today := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
	return p.End.Before(today)
}

// Contains reports whether t falls on one of the period's days, judged in
// the reporting timezone regardless of t's own location.
func (p Period) Contains(t time.Time) bool {
	loc := p.Start.Location()
	lt := t.In(loc)
	day := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	return !day.Before(p.Start) && !day.After(p.End)
}

// Calendar derives reporting periods in one fixed timezone. All stores
// report on the same calendar no matter where a request comes from. Now is
// a field so tests can pin the clock.
type Calendar struct {
	loc *time.Location
	Now func() time.Time
}

func NewCalendar() (*Calendar, error) {
	tz := strings.TrimSpace(os.Getenv("REPORT_TIMEZONE"))
	if tz == "" {
		tz = "America/Denver"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid REPORT_TIMEZONE %q: %w", tz, err)
	}
	return &Calendar{loc: loc, Now: time.Now}, nil
}

func NewCalendarIn(loc *time.Location, now func() time.Time) *Calendar {
	if now == nil {
		now = time.Now
	}
	return &Calendar{loc: loc, Now: now}
}

func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Today returns midnight of the current day in the reporting timezone.
func (c *Calendar) Today() time.Time {
	n := c.Now().In(c.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, c.loc)
}

// WeekRange returns the Monday-Sunday week weeksBack weeks before the one
// containing today. WeekRange(0) is the current, still-open week.
func (c *Calendar) WeekRange(weeksBack int) Period {
	today := c.Today()
	wd := int(today.Weekday())
	if wd == 0 {
		wd = 7
	}
	monday := today.AddDate(0, 0, -(wd - 1 + 7*weeksBack))
	sunday := monday.AddDate(0, 0, 6)
	return Period{
		Start: monday,
		End:   sunday,
		Label: monday.Format("2006-01-02"),
	}
}

// LastWeeks returns the n most recent weeks oldest first, ending with the
// current week.
func (c *Calendar) LastWeeks(n int) []Period {
	if n <= 0 {
		return nil
	}
	periods := make([]Period, 0, n)
	for i := n - 1; i >= 0; i-- {
		periods = append(periods, c.WeekRange(i))
	}
	return periods
}

// DayRange returns today as a single-day period.
func (c *Calendar) DayRange() Period {
	today := c.Today()
	return Period{Start: today, End: today, Label: today.Format("2006-01-02")}
}

// YearToDateRange runs from January 1st through today.
func (c *Calendar) YearToDateRange() Period {
	today := c.Today()
	jan1 := time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, c.loc)
	return Period{Start: jan1, End: today, Label: fmt.Sprintf("%d YTD", today.Year())}
}

// ParseDate parses a YYYY-MM-DD string as midnight in the reporting
// timezone.
func (c *Calendar) ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", strings.TrimSpace(value), c.loc)
}
