package quartz

import "time"

// SimpleSchedule fires at StartTime and then every RepeatInterval, RepeatCount
// more times. RepeatCount RepeatIndefinitely repeats until EndTime.
type SimpleSchedule struct {
	RepeatInterval time.Duration
	RepeatCount    int
}

// Instance is the storage discriminator.
func (s *SimpleSchedule) Instance() string { return "simple_trigger" }

// Validate checks the repeat count and the interval.
func (s *SimpleSchedule) Validate() error {
	if s.RepeatCount < RepeatIndefinitely {
		return scheduleError("repeat count must be >= 0 or RepeatIndefinitely, got %d", s.RepeatCount)
	}
	if s.RepeatCount != 0 && s.RepeatInterval <= 0 {
		return scheduleError("repeat interval must be positive for a repeating trigger")
	}
	if s.RepeatInterval < 0 {
		return scheduleError("repeat interval cannot be negative")
	}
	return nil
}

func (s *SimpleSchedule) fireTimeAfter(tr *Trigger, after time.Time) *time.Time {
	if s.RepeatCount != RepeatIndefinitely && tr.TimesTriggered > s.RepeatCount {
		return nil
	}
	if tr.EndTime != nil && !after.Before(*tr.EndTime) {
		return nil
	}
	start := tr.StartTime
	if after.Before(start) {
		return &start
	}
	if s.RepeatCount == 0 {
		return nil
	}

	n := int(after.Sub(start)/s.RepeatInterval) + 1
	if s.RepeatCount != RepeatIndefinitely && n > s.RepeatCount {
		return nil
	}
	next := start.Add(time.Duration(n) * s.RepeatInterval)
	if tr.EndTime != nil && !next.Before(*tr.EndTime) {
		return nil
	}
	if next.Year() > yearToGiveUpSchedulingAt {
		return nil
	}
	return &next
}

// timesFiredBetween counts the fires of the schedule in [from, to).
func (s *SimpleSchedule) timesFiredBetween(from, to time.Time) int {
	if s.RepeatInterval <= 0 || !from.Before(to) {
		return 0
	}
	return int(to.Sub(from) / s.RepeatInterval)
}

func (s *SimpleSchedule) finalFireTime(tr *Trigger) *time.Time {
	start := tr.StartTime
	switch {
	case s.RepeatCount == 0:
		if tr.EndTime == nil || start.Before(*tr.EndTime) {
			return &start
		}
		return nil
	case s.RepeatCount == RepeatIndefinitely:
		if tr.EndTime == nil {
			return nil
		}
		return s.fireTimeBefore(start, *tr.EndTime)
	}
	last := start.Add(time.Duration(s.RepeatCount) * s.RepeatInterval)
	if tr.EndTime == nil || last.Before(*tr.EndTime) {
		return &last
	}
	return s.fireTimeBefore(start, *tr.EndTime)
}

func (s *SimpleSchedule) fireTimeBefore(start, end time.Time) *time.Time {
	if !start.Before(end) {
		return nil
	}
	n := (end.Sub(start) - 1) / s.RepeatInterval
	t := start.Add(n * s.RepeatInterval)
	return &t
}

func (s *SimpleSchedule) smartPolicy(*Trigger) MisfireInstruction {
	if s.RepeatCount == 0 {
		return MisfireFireOnceNow
	}
	return MisfireRescheduleNextWithRemainingCount
}

func (s *SimpleSchedule) supports(instr MisfireInstruction) bool {
	return instr >= MisfireFireOnceNow && instr <= MisfireRescheduleNextWithExistingCount
}

func (s *SimpleSchedule) applyMisfire(tr *Trigger, instr MisfireInstruction, now time.Time, cal Calendar) error {
	if instr == MisfireFireOnceNow && s.RepeatCount != 0 {
		instr = MisfireRescheduleNowWithRemainingRepeatCount
	}

	switch instr {
	case MisfireFireOnceNow:
		tr.NextFireTime = &now

	case MisfireRescheduleNextWithExistingCount:
		return tr.skipToNext(now, cal)

	case MisfireRescheduleNextWithRemainingCount:
		missedFrom := tr.NextFireTime
		if err := tr.skipToNext(now, cal); err != nil {
			return err
		}
		if tr.NextFireTime != nil && missedFrom != nil {
			tr.TimesTriggered += s.timesFiredBetween(*missedFrom, *tr.NextFireTime)
		}

	case MisfireRescheduleNowWithExistingRepeatCount:
		if s.RepeatCount != 0 && s.RepeatCount != RepeatIndefinitely {
			s.RepeatCount -= tr.TimesTriggered
			tr.TimesTriggered = 0
		}
		s.rescheduleNow(tr, now)

	case MisfireRescheduleNowWithRemainingRepeatCount:
		if s.RepeatCount != 0 && s.RepeatCount != RepeatIndefinitely {
			missed := 0
			if tr.NextFireTime != nil {
				missed = s.timesFiredBetween(*tr.NextFireTime, now)
			}
			remaining := s.RepeatCount - (tr.TimesTriggered + missed)
			if remaining < 0 {
				remaining = 0
			}
			s.RepeatCount = remaining
			tr.TimesTriggered = 0
		}
		s.rescheduleNow(tr, now)
	}
	return nil
}

func (s *SimpleSchedule) rescheduleNow(tr *Trigger, now time.Time) {
	if tr.EndTime != nil && tr.EndTime.Before(now) {
		tr.NextFireTime = nil
		return
	}
	tr.StartTime = now
	tr.NextFireTime = &now
}

func (s *SimpleSchedule) clone() Schedule {
	c := *s
	return &c
}
