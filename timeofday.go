package quartz

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock time without a date, at second resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// NewTimeOfDay validates and builds a TimeOfDay.
func NewTimeOfDay(hour, minute, second int) (TimeOfDay, error) {
	tod := TimeOfDay{Hour: hour, Minute: minute, Second: second}
	return tod, tod.Validate()
}

// Validate checks the hour, minute and second ranges.
func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 {
		return invalidArgument("hour must be in [0, 23], got %d", t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return invalidArgument("minute must be in [0, 59], got %d", t.Minute)
	}
	if t.Second < 0 || t.Second > 59 {
		return invalidArgument("second must be in [0, 59], got %d", t.Second)
	}
	return nil
}

// Seconds returns the offset from midnight.
func (t TimeOfDay) Seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// Before reports whether t is earlier in the day than other.
func (t TimeOfDay) Before(other TimeOfDay) bool {
	return t.Seconds() < other.Seconds()
}

// On returns the instant at this time of day on the date of day, in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, t.Second, 0, loc)
}

// String returns HH:MM:SS.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var tod TimeOfDay
	if n, _ := fmt.Sscanf(s, "%d:%d:%d", &tod.Hour, &tod.Minute, &tod.Second); n == 3 {
		return tod, tod.Validate()
	}
	tod = TimeOfDay{}
	if n, _ := fmt.Sscanf(s, "%d:%d", &tod.Hour, &tod.Minute); n == 2 {
		return tod, tod.Validate()
	}
	return TimeOfDay{}, invalidArgument("invalid time of day %q", s)
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	d := t.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
}

func nextDay(t time.Time, loc *time.Location) time.Time {
	d := t.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, loc)
}

func loadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
