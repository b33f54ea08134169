/*
calendar.go - Periodicity calendar

PURPOSE:
  Pure date arithmetic for recurring series. Given a periodicity and a
  reference date, returns the next occurrence date. No state, no I/O.

INCREMENT TABLE:
  DAILY       +1 day
  WEEKLY      +7 days
  BIWEEKLY    +14 days
  MONTHLY     +1 month  (day-of-month clamped to the target month)
  SEMIANNUAL  +6 months (clamped)
  ANNUAL      +1 year   (Feb 29 -> Feb 28 on non-leap years)

  Every periodicity lives in this single table. Adding one means adding a
  row here; nothing else special-cases periodicity values.

CLAMPING POLICY:
  Clamp to the last valid day of the target month. NextDate clamps from the
  reference date's own day. NextAnchored takes the day from the series
  anchor (its start date), so a series started on Jan 31 yields
  Feb 29 -> Mar 31 -> Apr 30 instead of drifting to the 29th.

RRULE:
  RRule renders a series as an RFC 5545 rule for calendar consumers.
  Clamped month days are expressed with BYMONTHDAY + BYSETPOS=-1.
*/
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// =============================================================================
// PERIODICITY
// =============================================================================

type Periodicity string

const (
	Daily      Periodicity = "DAILY"
	Weekly     Periodicity = "WEEKLY"
	Biweekly   Periodicity = "BIWEEKLY"
	Monthly    Periodicity = "MONTHLY"
	Semiannual Periodicity = "SEMIANNUAL"
	Annual     Periodicity = "ANNUAL"
)

type increment struct {
	days   int
	months int
}

func (i increment) monthBased() bool { return i.months > 0 }

var increments = map[Periodicity]increment{
	Daily:      {days: 1},
	Weekly:     {days: 7},
	Biweekly:   {days: 14},
	Monthly:    {months: 1},
	Semiannual: {months: 6},
	Annual:     {months: 12},
}

// aliases maps every spelling seen in stored data to its canonical value.
var aliases = map[string]Periodicity{
	"DAILY":       Daily,
	"DIARIO":      Daily,
	"DIARIA":      Daily,
	"WEEKLY":      Weekly,
	"SEMANAL":     Weekly,
	"BIWEEKLY":    Biweekly,
	"FORTNIGHTLY": Biweekly,
	"QUINCENAL":   Biweekly,
	"MONTHLY":     Monthly,
	"MENSUAL":     Monthly,
	"SEMIANNUAL":  Semiannual,
	"SEMESTRAL":   Semiannual,
	"ANNUAL":      Annual,
	"YEARLY":      Annual,
	"ANUAL":       Annual,
}

// ParsePeriodicity normalises a user or legacy spelling to a canonical value.
func ParsePeriodicity(s string) (Periodicity, error) {
	p, ok := aliases[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "", &UnsupportedPeriodicityError{Periodicity: Periodicity(s)}
	}
	return p, nil
}

// Supported reports whether p has an increment.
func (p Periodicity) Supported() bool {
	_, ok := increments[p]
	return ok
}

// Periodicities lists the supported values in increasing step size.
func Periodicities() []Periodicity {
	return []Periodicity{Daily, Weekly, Biweekly, Monthly, Semiannual, Annual}
}

// =============================================================================
// NEXT DATE
// =============================================================================

// NextDate returns the occurrence following from.
func NextDate(p Periodicity, from Date) (Date, error) {
	return step(p, from, from.Day())
}

// NextAnchored returns the occurrence following from for a series whose
// schedule is anchored on anchor. Month-based periodicities target
// anchor's day-of-month, clamped per month; day-based ones equal NextDate.
func NextAnchored(p Periodicity, anchor, from Date) (Date, error) {
	day := from.Day()
	if !anchor.IsZero() {
		day = anchor.Day()
	}
	return step(p, from, day)
}

func step(p Periodicity, from Date, day int) (Date, error) {
	inc, ok := increments[p]
	if !ok {
		return Date{}, &UnsupportedPeriodicityError{Periodicity: p}
	}
	if !inc.monthBased() {
		return from.AddDays(inc.days), nil
	}
	return addMonthsClamped(from, inc.months, day), nil
}

func addMonthsClamped(from Date, months, day int) Date {
	first := time.Date(from.Year(), from.Month()+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	if last := DaysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return NewDate(first.Year(), first.Month(), day)
}

// =============================================================================
// RFC 5545 RENDERING
// =============================================================================

// RRule renders the schedule of a series starting at start (and ending at
// end when set) as an RRULE value, e.g. "FREQ=MONTHLY;BYMONTHDAY=28,29,30,31;BYSETPOS=-1".
func RRule(p Periodicity, start, end Date) (string, error) {
	r, err := rruleSet(p, start, end)
	if err != nil {
		return "", err
	}
	return r.OrigOptions.RRuleString(), nil
}

// rruleSet builds the rrule-go iterator for a schedule.
func rruleSet(p Periodicity, start, end Date) (*rrule.RRule, error) {
	opt, err := rruleOption(p, start, end)
	if err != nil {
		return nil, err
	}
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("build rrule: %w", err)
	}
	return r, nil
}

func rruleOption(p Periodicity, start, end Date) (*rrule.ROption, error) {
	if _, ok := increments[p]; !ok {
		return nil, &UnsupportedPeriodicityError{Periodicity: p}
	}

	opt := &rrule.ROption{Dtstart: start.Time, Interval: 1}
	if !end.IsZero() {
		opt.Until = end.Time
	}

	switch p {
	case Daily:
		opt.Freq = rrule.DAILY
	case Weekly:
		opt.Freq = rrule.WEEKLY
	case Biweekly:
		opt.Freq = rrule.WEEKLY
		opt.Interval = 2
	case Monthly, Semiannual:
		opt.Freq = rrule.MONTHLY
		opt.Interval = increments[p].months
		if start.Day() > 28 {
			opt.Bymonthday = daysFrom28(start.Day())
			opt.Bysetpos = []int{-1}
		}
	case Annual:
		opt.Freq = rrule.YEARLY
		if start.Month() == time.February && start.Day() == 29 {
			opt.Bymonth = []int{2}
			opt.Bymonthday = []int{28, 29}
			opt.Bysetpos = []int{-1}
		}
	}
	return opt, nil
}

func daysFrom28(day int) []int {
	days := make([]int, 0, day-27)
	for d := 28; d <= day; d++ {
		days = append(days, d)
	}
	return days
}
