package timeutils

import (
	"fmt"
	"time"
)

// ClockTime represents a time of day in the given locale, without a date.
type ClockTime struct {
	Hour     int
	Minute   int
	Second   int
	Location *time.Location
}

// ParseClockTime parses a "HH:MM" string, as used by the night charging
// schedule, into a ClockTime in the given location.
func ParseClockTime(s string, location *time.Location) (ClockTime, error) {
	var hour, minute int
	n, err := fmt.Sscanf(s, "%d:%d", &hour, &minute)
	if err != nil || n != 2 {
		return ClockTime{}, fmt.Errorf("parse clock time %q: expected HH:MM", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return ClockTime{}, fmt.Errorf("parse clock time %q: out of range", s)
	}
	return ClockTime{Hour: hour, Minute: minute, Location: location}, nil
}

// OnDate returns a time with the given clock time on the given date
func (c *ClockTime) OnDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, c.Hour, c.Minute, c.Second, 0, c.Location)
}

// SecondsIntoDay returns the number of seconds from midnight to this clock time.
func (c *ClockTime) SecondsIntoDay() int {
	return c.Hour*3600 + c.Minute*60 + c.Second
}
