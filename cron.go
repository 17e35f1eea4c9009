package quartz

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 5 fields (minute first) or 6 fields (second first) and
// the @every/@daily style descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// cronSchedule wraps a parsed expression. Next returns the first matching
// second strictly after t, evaluated in t's location, or the zero time when
// nothing matches within five years.
type cronSchedule struct {
	cron.Schedule
}

func parseCron(expr string) (cronSchedule, error) {
	if expr == "" {
		return cronSchedule{}, scheduleError("cron expression cannot be empty")
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return cronSchedule{}, scheduleError("invalid cron expression %q: %v", expr, err)
	}
	return cronSchedule{Schedule: s}, nil
}

// ValidateCronExpression reports whether expr can be used by a cron trigger
// or a CronCalendar.
func ValidateCronExpression(expr string) error {
	_, err := parseCron(expr)
	return err
}

// CronSchedule fires on every second matched by a cron expression, evaluated
// in TimeZone (UTC when empty).
type CronSchedule struct {
	Expression string
	TimeZone   string

	parsed *cronSchedule
}

// NewCronSchedule parses the expression up front so malformed input fails at
// construction.
func NewCronSchedule(expr, timeZone string) (*CronSchedule, error) {
	s := &CronSchedule{Expression: expr, TimeZone: timeZone}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Instance is the storage discriminator.
func (s *CronSchedule) Instance() string { return "cron_trigger" }

// Validate parses the expression and resolves the time zone.
func (s *CronSchedule) Validate() error {
	p, err := parseCron(s.Expression)
	if err != nil {
		return err
	}
	if s.TimeZone != "" {
		if _, err := time.LoadLocation(s.TimeZone); err != nil {
			return invalidArgument("unknown time zone %q", s.TimeZone)
		}
	}
	s.parsed = &p
	return nil
}

// schedule never writes to s: a schedule may be read from several goroutines
// once it is shared through clone.
func (s *CronSchedule) schedule() *cronSchedule {
	if s.parsed != nil {
		return s.parsed
	}
	p, err := parseCron(s.Expression)
	if err != nil {
		return nil
	}
	return &p
}

func (s *CronSchedule) fireTimeAfter(tr *Trigger, after time.Time) *time.Time {
	sched := s.schedule()
	if sched == nil {
		return nil
	}
	if after.Before(tr.StartTime) {
		after = tr.StartTime.Add(-time.Nanosecond)
	}
	if tr.EndTime != nil && !after.Before(*tr.EndTime) {
		return nil
	}
	next := sched.Next(after.In(loadLocation(s.TimeZone)))
	if next.IsZero() || next.Year() > yearToGiveUpSchedulingAt {
		return nil
	}
	if tr.EndTime != nil && next.After(*tr.EndTime) {
		return nil
	}
	return &next
}

func (s *CronSchedule) smartPolicy(*Trigger) MisfireInstruction {
	return MisfireRescheduleNextWithExistingCount
}

func (s *CronSchedule) supports(instr MisfireInstruction) bool {
	return instr == MisfireFireOnceNow || instr == MisfireRescheduleNextWithExistingCount
}

func (s *CronSchedule) applyMisfire(tr *Trigger, instr MisfireInstruction, now time.Time, cal Calendar) error {
	return applyCommonMisfire(tr, instr, now, cal)
}

func (s *CronSchedule) clone() Schedule {
	c := *s
	if c.parsed == nil {
		c.parsed = s.schedule()
	}
	return &c
}

// applyCommonMisfire handles the instructions shared by every schedule that
// has no repeat count: fire now, or skip to the next future occurrence.
func applyCommonMisfire(tr *Trigger, instr MisfireInstruction, now time.Time, cal Calendar) error {
	if instr == MisfireFireOnceNow {
		tr.NextFireTime = &now
		return nil
	}
	return tr.skipToNext(now, cal)
}
