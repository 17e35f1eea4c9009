package quartz

import (
	"time"
)

// Calendar excludes blocks of time from a trigger's schedule. Calendars form
// a chain through their base calendar; a timestamp is included only when every
// calendar of the chain includes it.
type Calendar interface {
	Model

	// IsTimeIncluded reports whether t is allowed by this calendar and its
	// base chain. It fails with ErrInvalidArgument for non-positive times.
	IsTimeIncluded(t time.Time) (bool, error)

	// NextIncludedTime returns the smallest time >= t included by the chain.
	NextIncludedTime(t time.Time) (time.Time, error)
}

// maxCalendarSteps bounds the search for an included time. Each step skips at
// least one excluded block, so the bound only trips on calendars that exclude
// everything.
const maxCalendarSteps = 100000

// BaseCalendar holds what every calendar shares. Used on its own it includes
// every time its base calendar includes.
type BaseCalendar struct {
	Base        Calendar
	Description string
	TimeZone    string
}

// Instance is the storage discriminator.
func (c *BaseCalendar) Instance() string { return "base_calendar" }

// Location resolves TimeZone, falling back to UTC.
func (c *BaseCalendar) Location() *time.Location { return loadLocation(c.TimeZone) }

// IsTimeIncluded defers to the base calendar, if any.
func (c *BaseCalendar) IsTimeIncluded(t time.Time) (bool, error) {
	if err := validateTimestamp(t); err != nil {
		return false, err
	}
	if c.Base != nil {
		return c.Base.IsTimeIncluded(t)
	}
	return true, nil
}

// NextIncludedTime defers to the base calendar, if any.
func (c *BaseCalendar) NextIncludedTime(t time.Time) (time.Time, error) {
	if err := validateTimestamp(t); err != nil {
		return time.Time{}, err
	}
	if c.Base != nil {
		return c.Base.NextIncludedTime(t)
	}
	return t, nil
}

// chainNext finds the first time >= t accepted by both the base chain and
// the variant's own rule. skip must return a time strictly after t.
func (c *BaseCalendar) chainNext(t time.Time, own func(time.Time) bool, skip func(time.Time) time.Time) (time.Time, error) {
	if err := validateTimestamp(t); err != nil {
		return time.Time{}, err
	}
	for i := 0; i < maxCalendarSteps; i++ {
		if c.Base != nil {
			next, err := c.Base.NextIncludedTime(t)
			if err != nil {
				return time.Time{}, err
			}
			t = next
		}
		if own(t) {
			return t, nil
		}
		t = skip(t)
	}
	return time.Time{}, scheduleError("calendar excludes every time after %s", t.Format(time.RFC3339))
}

func (c *BaseCalendar) chainIncluded(t time.Time, own func(time.Time) bool) (bool, error) {
	if err := validateTimestamp(t); err != nil {
		return false, err
	}
	if !own(t) {
		return false, nil
	}
	if c.Base != nil {
		return c.Base.IsTimeIncluded(t)
	}
	return true, nil
}

func validateTimestamp(t time.Time) error {
	if t.IsZero() || t.UnixMilli() <= 0 {
		return invalidArgument("timestamp must be positive, got %s", t.Format(time.RFC3339Nano))
	}
	return nil
}

// HolidayCalendar excludes whole days. Dates are normalized to midnight in the
// calendar's time zone and compared by day.
type HolidayCalendar struct {
	BaseCalendar
	dates map[string]time.Time
}

// NewHolidayCalendar creates a calendar excluding whole days, chained to base.
func NewHolidayCalendar(base Calendar) *HolidayCalendar {
	return &HolidayCalendar{BaseCalendar: BaseCalendar{Base: base}}
}

// Instance is the storage discriminator.
func (c *HolidayCalendar) Instance() string { return "holiday_calendar" }

func dayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// AddExcludedDate excludes the day containing d.
func (c *HolidayCalendar) AddExcludedDate(d time.Time) {
	loc := c.Location()
	if c.dates == nil {
		c.dates = make(map[string]time.Time)
	}
	c.dates[dayKey(d, loc)] = startOfDay(d, loc)
}

// RemoveExcludedDate includes the day containing d again.
func (c *HolidayCalendar) RemoveExcludedDate(d time.Time) {
	delete(c.dates, dayKey(d, c.Location()))
}

// ExcludedDates returns the excluded days, each at midnight, in ascending order.
func (c *HolidayCalendar) ExcludedDates() []time.Time {
	out := make([]time.Time, 0, len(c.dates))
	for _, d := range c.dates {
		out = append(out, d)
	}
	sortTimes(out)
	return out
}

func (c *HolidayCalendar) own(t time.Time) bool {
	_, excluded := c.dates[dayKey(t, c.Location())]
	return !excluded
}

// IsTimeIncluded reports whether t is accepted by this calendar and its base.
func (c *HolidayCalendar) IsTimeIncluded(t time.Time) (bool, error) {
	return c.chainIncluded(t, c.own)
}

// NextIncludedTime returns the first time at or after t accepted by the chain.
func (c *HolidayCalendar) NextIncludedTime(t time.Time) (time.Time, error) {
	loc := c.Location()
	return c.chainNext(t, c.own, func(t time.Time) time.Time { return nextDay(t, loc) })
}

// WeeklyCalendar excludes days of the week. Saturday and Sunday are excluded
// by NewWeeklyCalendar.
type WeeklyCalendar struct {
	BaseCalendar
	excluded [7]bool
}

// NewWeeklyCalendar creates a calendar that excludes Saturday and Sunday.
func NewWeeklyCalendar(base Calendar) *WeeklyCalendar {
	c := &WeeklyCalendar{BaseCalendar: BaseCalendar{Base: base}}
	c.excluded[time.Saturday] = true
	c.excluded[time.Sunday] = true
	return c
}

// Instance is the storage discriminator.
func (c *WeeklyCalendar) Instance() string { return "weekly_calendar" }

// SetDayExcluded excludes or includes a weekday.
func (c *WeeklyCalendar) SetDayExcluded(d time.Weekday, excluded bool) { c.excluded[d] = excluded }

// IsDayExcluded reports whether the day is excluded.
func (c *WeeklyCalendar) IsDayExcluded(d time.Weekday) bool { return c.excluded[d] }

// ExcludedDays returns the excluded weekdays in order.
func (c *WeeklyCalendar) ExcludedDays() []time.Weekday {
	var out []time.Weekday
	for d, ex := range c.excluded {
		if ex {
			out = append(out, time.Weekday(d))
		}
	}
	return out
}

func (c *WeeklyCalendar) own(t time.Time) bool {
	return !c.excluded[t.In(c.Location()).Weekday()]
}

// IsTimeIncluded reports whether t is accepted by this calendar and its base.
func (c *WeeklyCalendar) IsTimeIncluded(t time.Time) (bool, error) {
	return c.chainIncluded(t, c.own)
}

// NextIncludedTime returns the first time at or after t accepted by the chain.
func (c *WeeklyCalendar) NextIncludedTime(t time.Time) (time.Time, error) {
	if len(c.ExcludedDays()) == 7 {
		return time.Time{}, scheduleError("weekly calendar excludes every day")
	}
	loc := c.Location()
	return c.chainNext(t, c.own, func(t time.Time) time.Time { return nextDay(t, loc) })
}

// MonthlyCalendar excludes days of the month (1..31).
type MonthlyCalendar struct {
	BaseCalendar
	excluded [32]bool
}

// NewMonthlyCalendar creates a calendar excluding days of the month.
func NewMonthlyCalendar(base Calendar) *MonthlyCalendar {
	return &MonthlyCalendar{BaseCalendar: BaseCalendar{Base: base}}
}

// Instance is the storage discriminator.
func (c *MonthlyCalendar) Instance() string { return "monthly_calendar" }

// SetDayExcluded excludes or includes day 1-31 of every month.
func (c *MonthlyCalendar) SetDayExcluded(day int, excluded bool) error {
	if day < 1 || day > 31 {
		return invalidArgument("day of month must be in [1, 31], got %d", day)
	}
	c.excluded[day] = excluded
	return nil
}

// ExcludedDays returns the excluded days in order.
func (c *MonthlyCalendar) ExcludedDays() []int {
	var out []int
	for d := 1; d <= 31; d++ {
		if c.excluded[d] {
			out = append(out, d)
		}
	}
	return out
}

func (c *MonthlyCalendar) own(t time.Time) bool {
	return !c.excluded[t.In(c.Location()).Day()]
}

// IsTimeIncluded reports whether t is accepted by this calendar and its base.
func (c *MonthlyCalendar) IsTimeIncluded(t time.Time) (bool, error) {
	return c.chainIncluded(t, c.own)
}

// NextIncludedTime returns the first time at or after t accepted by the chain.
func (c *MonthlyCalendar) NextIncludedTime(t time.Time) (time.Time, error) {
	if len(c.ExcludedDays()) == 31 {
		return time.Time{}, scheduleError("monthly calendar excludes every day")
	}
	loc := c.Location()
	return c.chainNext(t, c.own, func(t time.Time) time.Time { return nextDay(t, loc) })
}

// AnnualCalendar excludes the same month/day pairs every year.
type AnnualCalendar struct {
	BaseCalendar
	days map[[2]int]bool
}

// NewAnnualCalendar creates a calendar excluding month/day pairs every year.
func NewAnnualCalendar(base Calendar) *AnnualCalendar {
	return &AnnualCalendar{BaseCalendar: BaseCalendar{Base: base}}
}

// Instance is the storage discriminator.
func (c *AnnualCalendar) Instance() string { return "annual_calendar" }

// SetDayExcluded excludes or includes a month/day pair.
func (c *AnnualCalendar) SetDayExcluded(month time.Month, day int, excluded bool) {
	if c.days == nil {
		c.days = make(map[[2]int]bool)
	}
	k := [2]int{int(month), day}
	if excluded {
		c.days[k] = true
	} else {
		delete(c.days, k)
	}
}

// IsDayExcluded reports whether the day is excluded.
func (c *AnnualCalendar) IsDayExcluded(month time.Month, day int) bool {
	return c.days[[2]int{int(month), day}]
}

func (c *AnnualCalendar) own(t time.Time) bool {
	d := t.In(c.Location())
	return !c.IsDayExcluded(d.Month(), d.Day())
}

// IsTimeIncluded reports whether t is accepted by this calendar and its base.
func (c *AnnualCalendar) IsTimeIncluded(t time.Time) (bool, error) {
	return c.chainIncluded(t, c.own)
}

// NextIncludedTime returns the first time at or after t accepted by the chain.
func (c *AnnualCalendar) NextIncludedTime(t time.Time) (time.Time, error) {
	loc := c.Location()
	return c.chainNext(t, c.own, func(t time.Time) time.Time { return nextDay(t, loc) })
}

// DailyCalendar excludes the time-of-day range [Start, End) on every day. With
// Invert set, only that range is included.
type DailyCalendar struct {
	BaseCalendar
	Start  TimeOfDay
	End    TimeOfDay
	Invert bool
}

// NewDailyCalendar excludes the [start, end) time-of-day range; end must follow start.
func NewDailyCalendar(base Calendar, start, end TimeOfDay) (*DailyCalendar, error) {
	if err := start.Validate(); err != nil {
		return nil, err
	}
	if err := end.Validate(); err != nil {
		return nil, err
	}
	if !start.Before(end) {
		return nil, invalidArgument("daily calendar range start %s must be before end %s", start, end)
	}
	return &DailyCalendar{BaseCalendar: BaseCalendar{Base: base}, Start: start, End: end}, nil
}

// Instance is the storage discriminator.
func (c *DailyCalendar) Instance() string { return "daily_calendar" }

func (c *DailyCalendar) inRange(t time.Time) bool {
	loc := c.Location()
	return !t.Before(c.Start.On(t, loc)) && t.Before(c.End.On(t, loc))
}

func (c *DailyCalendar) own(t time.Time) bool {
	return c.inRange(t) == c.Invert
}

func (c *DailyCalendar) skip(t time.Time) time.Time {
	loc := c.Location()
	if !c.Invert {
		return c.End.On(t, loc)
	}
	if t.Before(c.Start.On(t, loc)) {
		return c.Start.On(t, loc)
	}
	return c.Start.On(nextDay(t, loc), loc)
}

// IsTimeIncluded reports whether t is accepted by this calendar and its base.
func (c *DailyCalendar) IsTimeIncluded(t time.Time) (bool, error) {
	return c.chainIncluded(t, c.own)
}

// NextIncludedTime returns the first time at or after t accepted by the chain.
func (c *DailyCalendar) NextIncludedTime(t time.Time) (time.Time, error) {
	return c.chainNext(t, c.own, c.skip)
}

// CronCalendar excludes every second matched by a cron expression.
type CronCalendar struct {
	BaseCalendar
	expression string
	schedule   cronSchedule
}

// NewCronCalendar excludes every second matched by expression.
func NewCronCalendar(base Calendar, expression string) (*CronCalendar, error) {
	sched, err := parseCron(expression)
	if err != nil {
		return nil, err
	}
	return &CronCalendar{BaseCalendar: BaseCalendar{Base: base}, expression: expression, schedule: sched}, nil
}

// Instance is the storage discriminator.
func (c *CronCalendar) Instance() string { return "cron_calendar" }

// Expression returns the cron expression.
func (c *CronCalendar) Expression() string { return c.expression }

func (c *CronCalendar) matches(t time.Time) bool {
	sec := t.In(c.Location()).Truncate(time.Second)
	return c.schedule.Next(sec.Add(-time.Second)).Equal(sec)
}

func (c *CronCalendar) own(t time.Time) bool { return !c.matches(t) }

func (c *CronCalendar) skip(t time.Time) time.Time {
	next := t.Truncate(time.Second).Add(time.Second)
	for i := 0; i < 1<<20 && c.matches(next); i++ {
		next = next.Add(time.Second)
	}
	return next
}

// IsTimeIncluded reports whether t is accepted by this calendar and its base.
func (c *CronCalendar) IsTimeIncluded(t time.Time) (bool, error) {
	return c.chainIncluded(t, c.own)
}

// NextIncludedTime returns the first time at or after t accepted by the chain.
func (c *CronCalendar) NextIncludedTime(t time.Time) (time.Time, error) {
	return c.chainNext(t, c.own, c.skip)
}
