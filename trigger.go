package quartz

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"
)

// TriggerState is the persisted lifecycle state of a trigger.
type TriggerState string

const (
	StateNone          TriggerState = "NONE"
	StateWaiting       TriggerState = "WAITING"
	StateAcquired      TriggerState = "ACQUIRED"
	StatePaused        TriggerState = "PAUSED"
	StateBlocked       TriggerState = "BLOCKED"
	StatePausedBlocked TriggerState = "PAUSED_BLOCKED"
	StateComplete      TriggerState = "COMPLETE"
	StateError         TriggerState = "ERROR"
)

// MisfireInstruction selects what happens to a trigger whose fire time passed
// by more than the misfire threshold before it could be acquired.
type MisfireInstruction int

const (
	// MisfireDoNothing leaves the next fire time untouched: the overdue fire
	// runs as soon as possible and the following ones are caught up one per tick.
	MisfireDoNothing MisfireInstruction = -1
	// MisfireSmartPolicy skips to the next future occurrence. A simple trigger
	// that fires only once fires now instead.
	MisfireSmartPolicy MisfireInstruction = 0
	// MisfireFireOnceNow fires once immediately, then resumes the schedule.
	MisfireFireOnceNow MisfireInstruction = 1

	// Simple trigger only.
	MisfireRescheduleNowWithExistingRepeatCount  MisfireInstruction = 2
	MisfireRescheduleNowWithRemainingRepeatCount MisfireInstruction = 3
	MisfireRescheduleNextWithRemainingCount      MisfireInstruction = 4

	// MisfireRescheduleNextWithExistingCount skips to the next future
	// occurrence. Every schedule accepts it.
	MisfireRescheduleNextWithExistingCount MisfireInstruction = 5
)

// CompletedExecutionInstruction tells the store what to do with a trigger
// once the fire it started has finished.
type CompletedExecutionInstruction int

const (
	InstructionNoop CompletedExecutionInstruction = iota
	InstructionReExecuteJob
	InstructionSetTriggerComplete
	InstructionDeleteTrigger
	InstructionSetAllJobTriggersComplete
	InstructionSetTriggerError
	InstructionSetAllJobTriggersError
)

const (
	DefaultPriority = 5

	// RepeatIndefinitely is the repeat count of a trigger with no count limit.
	RepeatIndefinitely = -1

	yearToGiveUpSchedulingAt = 2299
)

// Schedule is the variant part of a trigger. The set of variants is closed:
// SimpleSchedule, CronSchedule, CalendarIntervalSchedule and
// DailyTimeIntervalSchedule.
type Schedule interface {
	// Instance is the discriminator stored with the trigger.
	Instance() string
	Validate() error

	fireTimeAfter(tr *Trigger, after time.Time) *time.Time
	smartPolicy(tr *Trigger) MisfireInstruction
	supports(instr MisfireInstruction) bool
	applyMisfire(tr *Trigger, instr MisfireInstruction, now time.Time, cal Calendar) error
	values() map[string]interface{}
	clone() Schedule
}

// Trigger is a schedule bound to a job.
type Trigger struct {
	Key          Key
	JobKey       Key
	Description  string
	CalendarName string

	StartTime        time.Time
	EndTime          *time.Time
	NextFireTime     *time.Time
	PreviousFireTime *time.Time

	Priority           int
	MisfireInstruction MisfireInstruction
	State              TriggerState
	JobDataMap         map[string]interface{}

	// FireInstanceID is set while the trigger is acquired or executing.
	FireInstanceID string
	ErrorMessage   string
	// ErrorCount counts consecutive failed executions.
	ErrorCount     int
	TimesTriggered int

	Schedule Schedule
}

// Instance returns the schedule discriminator.
func (tr *Trigger) Instance() string {
	if tr.Schedule == nil {
		return ""
	}
	return tr.Schedule.Instance()
}

// Validate checks the trigger before it is stored.
func (tr *Trigger) Validate() error {
	if err := tr.Key.Validate(); err != nil {
		return errors.Wrap(err, "trigger key")
	}
	if err := tr.JobKey.Validate(); err != nil {
		return errors.Wrap(err, "trigger job key")
	}
	if tr.Schedule == nil {
		return invalidArgument("trigger %s has no schedule", tr.Key)
	}
	if err := tr.Schedule.Validate(); err != nil {
		return err
	}
	if tr.StartTime.IsZero() {
		return invalidArgument("trigger %s has no start time", tr.Key)
	}
	if tr.EndTime != nil && tr.EndTime.Before(tr.StartTime) {
		return invalidArgument("trigger %s end time is before start time", tr.Key)
	}
	if tr.MisfireInstruction != MisfireDoNothing && tr.MisfireInstruction != MisfireSmartPolicy &&
		!tr.Schedule.supports(tr.MisfireInstruction) {
		return invalidArgument("misfire instruction %d is not valid for %s", tr.MisfireInstruction, tr.Schedule.Instance())
	}
	return nil
}

// ComputeFirstFireTime sets and returns the first fire time at or after the
// start time that the calendar accepts. Nil means the trigger never fires.
func (tr *Trigger) ComputeFirstFireTime(cal Calendar) (*time.Time, error) {
	next := tr.Schedule.fireTimeAfter(tr, tr.StartTime.Add(-time.Nanosecond))
	next, err := tr.skipExcluded(next, cal)
	if err != nil {
		return nil, err
	}
	tr.NextFireTime = next
	return next, nil
}

// FireTimeAfter returns the next fire time strictly after the given time that
// the calendar accepts, or nil when the schedule is exhausted.
func (tr *Trigger) FireTimeAfter(after time.Time, cal Calendar) (*time.Time, error) {
	return tr.skipExcluded(tr.Schedule.fireTimeAfter(tr, after), cal)
}

func (tr *Trigger) skipExcluded(next *time.Time, cal Calendar) (*time.Time, error) {
	for next != nil && cal != nil {
		ok, err := cal.IsTimeIncluded(*next)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		next = tr.Schedule.fireTimeAfter(tr, *next)
		if next != nil && next.Year() > yearToGiveUpSchedulingAt {
			return nil, nil
		}
	}
	return next, nil
}

// Triggered advances the trigger after a fire: the current next fire time
// becomes the previous one and the next is recomputed.
func (tr *Trigger) Triggered(cal Calendar) error {
	tr.TimesTriggered++
	tr.PreviousFireTime = tr.NextFireTime
	if tr.NextFireTime == nil {
		return nil
	}
	next, err := tr.FireTimeAfter(*tr.NextFireTime, cal)
	if err != nil {
		return err
	}
	tr.NextFireTime = next
	return nil
}

// IsMisfired reports whether the next fire time is older than now minus the
// threshold.
func (tr *Trigger) IsMisfired(now time.Time, threshold time.Duration) bool {
	return tr.NextFireTime != nil && tr.NextFireTime.Before(now.Add(-threshold))
}

// UpdateAfterMisfire applies the misfire instruction. A nil next fire time
// afterwards means the trigger is complete.
func (tr *Trigger) UpdateAfterMisfire(now time.Time, cal Calendar) error {
	instr := tr.MisfireInstruction
	switch instr {
	case MisfireDoNothing:
		return nil
	case MisfireSmartPolicy:
		instr = tr.Schedule.smartPolicy(tr)
	}
	if !tr.Schedule.supports(instr) {
		instr = tr.Schedule.smartPolicy(tr)
	}
	return tr.Schedule.applyMisfire(tr, instr, now, cal)
}

// skipToNext moves the trigger to its first accepted fire time after now.
func (tr *Trigger) skipToNext(now time.Time, cal Calendar) error {
	next, err := tr.FireTimeAfter(now, cal)
	if err != nil {
		return err
	}
	tr.NextFireTime = next
	return nil
}

// UpdateWithNewCalendar recomputes the next fire time after the trigger's
// calendar changed. Fire times further in the past than the misfire threshold
// are skipped.
func (tr *Trigger) UpdateWithNewCalendar(cal Calendar, now time.Time, misfireThreshold time.Duration) error {
	var next *time.Time
	var err error
	if tr.PreviousFireTime != nil {
		next, err = tr.FireTimeAfter(*tr.PreviousFireTime, cal)
	} else {
		next, err = tr.FireTimeAfter(tr.StartTime.Add(-time.Nanosecond), cal)
	}
	if err != nil {
		return err
	}
	if next != nil && next.Before(now.Add(-misfireThreshold)) {
		next, err = tr.FireTimeAfter(now, cal)
		if err != nil {
			return err
		}
	}
	tr.NextFireTime = next
	return nil
}

// MayFireAgain reports whether the trigger has another fire scheduled.
func (tr *Trigger) MayFireAgain() bool {
	return tr.NextFireTime != nil
}

// ExecutionComplete maps the result of a job body to the instruction the store
// applies to this trigger.
func (tr *Trigger) ExecutionComplete(jobErr error) CompletedExecutionInstruction {
	var jee *JobExecutionError
	if errors.As(jobErr, &jee) {
		switch {
		case jee.RefireImmediately:
			return InstructionReExecuteJob
		case jee.UnscheduleFiringTrigger:
			return InstructionSetTriggerComplete
		case jee.UnscheduleAllTriggers:
			return InstructionSetAllJobTriggersComplete
		}
	}
	if !tr.MayFireAgain() {
		return InstructionDeleteTrigger
	}
	return InstructionNoop
}

// FinalFireTime returns the last time a simple trigger will fire, or nil when
// it repeats forever or the schedule kind cannot tell.
func (tr *Trigger) FinalFireTime() *time.Time {
	if s, ok := tr.Schedule.(*SimpleSchedule); ok {
		return s.finalFireTime(tr)
	}
	return nil
}

// Clone returns a deep copy.
func (tr *Trigger) Clone() *Trigger {
	if tr == nil {
		return nil
	}
	c := *tr
	c.EndTime = copyTime(tr.EndTime)
	c.NextFireTime = copyTime(tr.NextFireTime)
	c.PreviousFireTime = copyTime(tr.PreviousFireTime)
	c.JobDataMap = copyMap(tr.JobDataMap)
	if tr.Schedule != nil {
		c.Schedule = tr.Schedule.clone()
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortTimes(ts []time.Time) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
}

// TriggerLess orders triggers by next fire time, then priority (higher first),
// then key. Triggers without a next fire time sort last.
func TriggerLess(a, b *Trigger) bool {
	switch {
	case a.NextFireTime == nil && b.NextFireTime == nil:
	case a.NextFireTime == nil:
		return false
	case b.NextFireTime == nil:
		return true
	case !a.NextFireTime.Equal(*b.NextFireTime):
		return a.NextFireTime.Before(*b.NextFireTime)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Key.Compare(b.Key) < 0
}
