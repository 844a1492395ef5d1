package timeutils

import (
	"time"
)

// ClockTimePeriod represents a period of time that is defined by local clock time, without any date information, e.g. "10pm to 5am".
// Periods whose end precedes their start wrap across midnight.
type ClockTimePeriod struct {
	Start ClockTime `json:"start" yaml:"start"`
	End   ClockTime `json:"end" yaml:"end"`
}

// Contains returns true if the given t is contained in the ClockTimePeriod.
// The period is inclusive of Start and exclusive of End.
//
// A period of "22:00 to 05:00" contains 23:30 and 04:59 but not 05:00 or
// 12:00. A period whose start equals its end contains nothing.
func (p *ClockTimePeriod) Contains(t time.Time) bool {
	// Make sure that `t` is in the relevant timezone for the ClockTimePeriod configuration, otherwise the day can be wrong
	// if it is near midnight and there is a timezone offset
	t = t.In(p.Start.Location)

	secsT := t.Hour()*3600 + t.Minute()*60 + t.Second()
	secsStart := p.Start.SecondsIntoDay()
	secsEnd := p.End.SecondsIntoDay()

	if secsStart == secsEnd {
		return false
	}
	if secsStart < secsEnd {
		return secsT >= secsStart && secsT < secsEnd
	}
	// wraps midnight
	return secsT >= secsStart || secsT < secsEnd
}

// AbsolutePeriod returns the equivilent `Period` instance for the given `ClockTimePeriod`, using `t` as the
// reference time that must be within the `ClockTimePeriod`.
// If `t` is outside of the `ClockTimePeriod` then the `ok` boolean is returned as false.
//
// For a period that wraps midnight the returned Period spans two dates, e.g.
// "22:00 to 05:00" referenced at "2023/10/20 01:00:00" yields
// "2023/10/19 22:00:00 to 2023/10/20 05:00:00".
func (p *ClockTimePeriod) AbsolutePeriod(t time.Time) (Period, bool) {
	if !p.Contains(t) {
		return Period{}, false
	}

	t = t.In(p.Start.Location)
	year, month, day := t.Date()

	start := p.Start.OnDate(year, month, day)
	end := p.End.OnDate(year, month, day)

	if p.Start.SecondsIntoDay() > p.End.SecondsIntoDay() {
		// the period wraps midnight: one of the bounds is on a neighbouring day
		if start.After(t) {
			start = start.AddDate(0, 0, -1)
		} else {
			end = end.AddDate(0, 0, 1)
		}
	}

	return Period{Start: start, End: end}, true
}
