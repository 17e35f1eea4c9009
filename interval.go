package quartz

import (
	"time"
)

// IntervalUnit is the unit of a calendar or daily interval.
type IntervalUnit string

const (
	UnitSecond IntervalUnit = "SECOND"
	UnitMinute IntervalUnit = "MINUTE"
	UnitHour   IntervalUnit = "HOUR"
	UnitDay    IntervalUnit = "DAY"
	UnitWeek   IntervalUnit = "WEEK"
	UnitMonth  IntervalUnit = "MONTH"
	UnitYear   IntervalUnit = "YEAR"
)

func (u IntervalUnit) fixed() (time.Duration, bool) {
	switch u {
	case UnitSecond:
		return time.Second, true
	case UnitMinute:
		return time.Minute, true
	case UnitHour:
		return time.Hour, true
	}
	return 0, false
}

// CalendarIntervalSchedule fires every Interval units from StartTime. Day and
// larger units step on the calendar in TimeZone, so the wall-clock hour is
// kept across daylight saving changes. Month steps clamp to the last day of
// shorter months.
type CalendarIntervalSchedule struct {
	Interval int
	Unit     IntervalUnit
	TimeZone string
}

// Instance is the storage discriminator.
func (s *CalendarIntervalSchedule) Instance() string { return "calendar_interval_trigger" }

// Validate checks the interval and the time zone.
func (s *CalendarIntervalSchedule) Validate() error {
	if s.Interval < 1 {
		return scheduleError("interval must be >= 1, got %d", s.Interval)
	}
	switch s.Unit {
	case UnitSecond, UnitMinute, UnitHour, UnitDay, UnitWeek, UnitMonth, UnitYear:
	default:
		return scheduleError("unknown interval unit %q", s.Unit)
	}
	if s.TimeZone != "" {
		if _, err := time.LoadLocation(s.TimeZone); err != nil {
			return invalidArgument("unknown time zone %q", s.TimeZone)
		}
	}
	return nil
}

// step returns the n-th occurrence after start.
func (s *CalendarIntervalSchedule) step(start time.Time, n int) time.Time {
	if d, ok := s.Unit.fixed(); ok {
		return start.Add(time.Duration(n*s.Interval) * d)
	}
	switch s.Unit {
	case UnitDay:
		return start.AddDate(0, 0, n*s.Interval)
	case UnitWeek:
		return start.AddDate(0, 0, 7*n*s.Interval)
	case UnitMonth:
		return addMonthsClamped(start, n*s.Interval)
	default:
		return addMonthsClamped(start, 12*n*s.Interval)
	}
}

// estimate returns a step count whose occurrence is at or before after.
func (s *CalendarIntervalSchedule) estimate(start, after time.Time) int {
	if d, ok := s.Unit.fixed(); ok {
		return int(after.Sub(start) / (time.Duration(s.Interval) * d))
	}
	var n int
	switch s.Unit {
	case UnitDay:
		n = int(after.Sub(start).Hours()/24) / s.Interval
	case UnitWeek:
		n = int(after.Sub(start).Hours()/24/7) / s.Interval
	case UnitMonth:
		n = monthsBetween(start, after) / s.Interval
	default:
		n = monthsBetween(start, after) / (12 * s.Interval)
	}
	for n > 0 && s.step(start, n).After(after) {
		n--
	}
	return n
}

func (s *CalendarIntervalSchedule) fireTimeAfter(tr *Trigger, after time.Time) *time.Time {
	start := tr.StartTime.In(loadLocation(s.TimeZone))
	if tr.EndTime != nil && !after.Before(*tr.EndTime) {
		return nil
	}
	if after.Before(start) {
		return &start
	}
	n := s.estimate(start, after)
	next := s.step(start, n)
	for !next.After(after) {
		n++
		next = s.step(start, n)
	}
	if next.Year() > yearToGiveUpSchedulingAt {
		return nil
	}
	if tr.EndTime != nil && next.After(*tr.EndTime) {
		return nil
	}
	return &next
}

func (s *CalendarIntervalSchedule) smartPolicy(*Trigger) MisfireInstruction {
	return MisfireRescheduleNextWithExistingCount
}

func (s *CalendarIntervalSchedule) supports(instr MisfireInstruction) bool {
	return instr == MisfireFireOnceNow || instr == MisfireRescheduleNextWithExistingCount
}

func (s *CalendarIntervalSchedule) applyMisfire(tr *Trigger, instr MisfireInstruction, now time.Time, cal Calendar) error {
	return applyCommonMisfire(tr, instr, now, cal)
}

func (s *CalendarIntervalSchedule) clone() Schedule {
	c := *s
	return &c
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func addMonthsClamped(t time.Time, months int) time.Time {
	loc := t.Location()
	y, m := t.Year(), int(t.Month())-1+months
	y += m / 12
	m %= 12
	if m < 0 {
		m += 12
		y--
	}
	month := time.Month(m + 1)
	day := t.Day()
	if last := daysIn(y, month, loc); day > last {
		day = last
	}
	return time.Date(y, month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// DailyTimeIntervalSchedule fires every Interval units inside the window
// [StartTimeOfDay, EndTimeOfDay] on the allowed days of the week. An empty
// DaysOfWeek allows every day. RepeatCount RepeatIndefinitely has no limit.
type DailyTimeIntervalSchedule struct {
	StartTimeOfDay TimeOfDay
	EndTimeOfDay   TimeOfDay
	Interval       int
	Unit           IntervalUnit
	DaysOfWeek     []time.Weekday
	RepeatCount    int
	TimeZone       string
}

// Instance is the storage discriminator.
func (s *DailyTimeIntervalSchedule) Instance() string { return "daily_time_interval_trigger" }

// Validate checks the window, the unit and the weekday set.
func (s *DailyTimeIntervalSchedule) Validate() error {
	if s.Interval < 1 {
		return scheduleError("interval must be >= 1, got %d", s.Interval)
	}
	if _, ok := s.Unit.fixed(); !ok {
		return scheduleError("daily interval unit must be SECOND, MINUTE or HOUR, got %q", s.Unit)
	}
	if err := s.StartTimeOfDay.Validate(); err != nil {
		return err
	}
	if err := s.EndTimeOfDay.Validate(); err != nil {
		return err
	}
	if s.EndTimeOfDay.Before(s.StartTimeOfDay) {
		return scheduleError("end time of day %s is before start %s", s.EndTimeOfDay, s.StartTimeOfDay)
	}
	if s.RepeatCount < RepeatIndefinitely {
		return scheduleError("repeat count must be >= 0 or RepeatIndefinitely, got %d", s.RepeatCount)
	}
	for _, d := range s.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			return scheduleError("invalid day of week %d", d)
		}
	}
	if s.TimeZone != "" {
		if _, err := time.LoadLocation(s.TimeZone); err != nil {
			return invalidArgument("unknown time zone %q", s.TimeZone)
		}
	}
	return nil
}

func (s *DailyTimeIntervalSchedule) allowed(d time.Weekday) bool {
	if len(s.DaysOfWeek) == 0 {
		return true
	}
	for _, w := range s.DaysOfWeek {
		if w == d {
			return true
		}
	}
	return false
}

func (s *DailyTimeIntervalSchedule) fireTimeAfter(tr *Trigger, after time.Time) *time.Time {
	if s.RepeatCount != RepeatIndefinitely && tr.TimesTriggered > s.RepeatCount {
		return nil
	}
	if after.Before(tr.StartTime) {
		after = tr.StartTime.Add(-time.Nanosecond)
	}
	if tr.EndTime != nil && !after.Before(*tr.EndTime) {
		return nil
	}

	unit, _ := s.Unit.fixed()
	step := time.Duration(s.Interval) * unit
	loc := loadLocation(s.TimeZone)
	day := startOfDay(after, loc)

	// Each allowed day has at least the window start, so a week plus one day
	// always finds a candidate.
	for i := 0; i < 8; i++ {
		if s.allowed(day.Weekday()) {
			windowStart := s.StartTimeOfDay.On(day, loc)
			windowEnd := s.EndTimeOfDay.On(day, loc)
			next := windowStart
			if !after.Before(windowStart) {
				next = windowStart.Add((after.Sub(windowStart)/step + 1) * step)
			}
			if !next.After(windowEnd) {
				if tr.EndTime != nil && next.After(*tr.EndTime) {
					return nil
				}
				if next.Year() > yearToGiveUpSchedulingAt {
					return nil
				}
				return &next
			}
		}
		day = nextDay(day, loc)
	}
	return nil
}

func (s *DailyTimeIntervalSchedule) smartPolicy(*Trigger) MisfireInstruction {
	return MisfireRescheduleNextWithExistingCount
}

func (s *DailyTimeIntervalSchedule) supports(instr MisfireInstruction) bool {
	return instr == MisfireFireOnceNow || instr == MisfireRescheduleNextWithExistingCount
}

func (s *DailyTimeIntervalSchedule) applyMisfire(tr *Trigger, instr MisfireInstruction, now time.Time, cal Calendar) error {
	return applyCommonMisfire(tr, instr, now, cal)
}

func (s *DailyTimeIntervalSchedule) clone() Schedule {
	c := *s
	c.DaysOfWeek = append([]time.Weekday(nil), s.DaysOfWeek...)
	return &c
}
