package quartz

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

var t0 = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func fireTimes(t *testing.T, tr *Trigger, max int) []time.Time {
	t.Helper()
	if _, err := tr.ComputeFirstFireTime(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out []time.Time
	for len(out) < max && tr.NextFireTime != nil {
		out = append(out, *tr.NextFireTime)
		if err := tr.Triggered(nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	return out
}

func assertTimes(t *testing.T, got []time.Time, want ...time.Time) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d fire times, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("fire %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestSimpleSchedule(t *testing.T) {
	t.Run("fires repeat count plus one times", func(t *testing.T) {
		tr := NewTrigger(MustKey("s"), MustKey("j"), t0, &SimpleSchedule{RepeatInterval: 10 * time.Second, RepeatCount: 2})
		assertTimes(t, fireTimes(t, tr, 10), t0, t0.Add(10*time.Second), t0.Add(20*time.Second))
		if tr.TimesTriggered != 3 {
			t.Errorf("expected 3 fires counted, got %d", tr.TimesTriggered)
		}
	})

	t.Run("end time bounds an indefinite repeat", func(t *testing.T) {
		end := t0.Add(30 * time.Second)
		tr := NewTrigger(MustKey("s"), MustKey("j"), t0, &SimpleSchedule{RepeatInterval: 10 * time.Second, RepeatCount: RepeatIndefinitely})
		tr.EndTime = &end
		assertTimes(t, fireTimes(t, tr, 10), t0, t0.Add(10*time.Second), t0.Add(20*time.Second))
	})

	t.Run("final fire time", func(t *testing.T) {
		tr := NewTrigger(MustKey("s"), MustKey("j"), t0, &SimpleSchedule{RepeatInterval: time.Minute, RepeatCount: 3})
		if got := tr.FinalFireTime(); got == nil || !got.Equal(t0.Add(3*time.Minute)) {
			t.Errorf("expected %v, got %v", t0.Add(3*time.Minute), got)
		}

		end := t0.Add(10*time.Minute + 30*time.Second)
		tr = NewTrigger(MustKey("s"), MustKey("j"), t0, &SimpleSchedule{RepeatInterval: time.Minute, RepeatCount: RepeatIndefinitely})
		tr.EndTime = &end
		if got := tr.FinalFireTime(); got == nil || !got.Equal(t0.Add(10*time.Minute)) {
			t.Errorf("expected %v, got %v", t0.Add(10*time.Minute), got)
		}

		tr.EndTime = nil
		if got := tr.FinalFireTime(); got != nil {
			t.Errorf("expected nil for an endless trigger, got %v", got)
		}
	})

	t.Run("validation", func(t *testing.T) {
		for _, s := range []*SimpleSchedule{
			{RepeatCount: -2},
			{RepeatCount: 3},
			{RepeatInterval: -time.Second},
		} {
			if err := s.Validate(); !errors.Is(err, ErrSchedule) {
				t.Errorf("%+v: expected a schedule error, got %v", s, err)
			}
		}
	})
}

func TestSimpleMisfire(t *testing.T) {
	now := t0.Add(5*time.Minute + 30*time.Second)
	newTrigger := func(count int, instr MisfireInstruction) *Trigger {
		tr := NewTrigger(MustKey("s"), MustKey("j"), t0, &SimpleSchedule{RepeatInterval: time.Minute, RepeatCount: count})
		tr.MisfireInstruction = instr
		if _, err := tr.ComputeFirstFireTime(nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return tr
	}

	t.Run("smart policy fires a one-shot trigger now", func(t *testing.T) {
		tr := newTrigger(0, MisfireSmartPolicy)
		if err := tr.UpdateAfterMisfire(now, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tr.NextFireTime == nil || !tr.NextFireTime.Equal(now) {
			t.Errorf("expected %v, got %v", now, tr.NextFireTime)
		}
	})

	t.Run("smart policy skips ahead and counts the missed fires", func(t *testing.T) {
		tr := newTrigger(10, MisfireSmartPolicy)
		if err := tr.UpdateAfterMisfire(now, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := t0.Add(6 * time.Minute); tr.NextFireTime == nil || !tr.NextFireTime.Equal(want) {
			t.Errorf("expected %v, got %v", want, tr.NextFireTime)
		}
		if tr.TimesTriggered != 6 {
			t.Errorf("expected 6 fires counted, got %d", tr.TimesTriggered)
		}
	})

	t.Run("reschedule now with remaining count", func(t *testing.T) {
		tr := newTrigger(10, MisfireRescheduleNowWithRemainingRepeatCount)
		if err := tr.UpdateAfterMisfire(now, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		s := tr.Schedule.(*SimpleSchedule)
		if s.RepeatCount != 5 {
			t.Errorf("expected 5 repeats left, got %d", s.RepeatCount)
		}
		if !tr.StartTime.Equal(now) || tr.NextFireTime == nil || !tr.NextFireTime.Equal(now) {
			t.Errorf("expected restart at %v, got start %v next %v", now, tr.StartTime, tr.NextFireTime)
		}
	})

	t.Run("do nothing keeps the overdue fire", func(t *testing.T) {
		tr := newTrigger(10, MisfireDoNothing)
		if err := tr.UpdateAfterMisfire(now, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tr.NextFireTime == nil || !tr.NextFireTime.Equal(t0) {
			t.Errorf("expected %v, got %v", t0, tr.NextFireTime)
		}
	})

	t.Run("threshold", func(t *testing.T) {
		tr := newTrigger(0, MisfireSmartPolicy)
		if tr.IsMisfired(t0.Add(time.Minute), time.Minute) {
			t.Error("a fire exactly at the threshold is not misfired")
		}
		if !tr.IsMisfired(t0.Add(time.Minute+time.Millisecond), time.Minute) {
			t.Error("expected misfire past the threshold")
		}
	})
}

func TestCalendarIntervalSchedule(t *testing.T) {
	t.Run("months clamp to the last day", func(t *testing.T) {
		start := time.Date(2024, 1, 31, 8, 0, 0, 0, time.UTC)
		tr := NewTrigger(MustKey("c"), MustKey("j"), start, &CalendarIntervalSchedule{Interval: 1, Unit: UnitMonth})
		assertTimes(t, fireTimes(t, tr, 3),
			start,
			time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC),
			time.Date(2024, 3, 31, 8, 0, 0, 0, time.UTC))
	})

	t.Run("days keep the wall clock across daylight saving", func(t *testing.T) {
		berlin, err := time.LoadLocation("Europe/Berlin")
		if err != nil {
			t.Skipf("no tzdata: %v", err)
		}
		start := time.Date(2024, 3, 30, 9, 0, 0, 0, berlin)
		tr := NewTrigger(MustKey("c"), MustKey("j"), start, &CalendarIntervalSchedule{Interval: 1, Unit: UnitDay, TimeZone: "Europe/Berlin"})
		got := fireTimes(t, tr, 2)
		assertTimes(t, got, start, time.Date(2024, 3, 31, 9, 0, 0, 0, berlin))
		if d := got[1].Sub(got[0]); d != 23*time.Hour {
			t.Errorf("expected a 23h day, got %v", d)
		}
	})

	t.Run("rejects a zero interval", func(t *testing.T) {
		s := &CalendarIntervalSchedule{Unit: UnitDay}
		if err := s.Validate(); !errors.Is(err, ErrSchedule) {
			t.Errorf("expected a schedule error, got %v", err)
		}
	})
}

func TestDailyTimeIntervalSchedule(t *testing.T) {
	nine, _ := NewTimeOfDay(9, 0, 0)
	ten, _ := NewTimeOfDay(10, 0, 0)
	s := &DailyTimeIntervalSchedule{
		StartTimeOfDay: nine,
		EndTimeOfDay:   ten,
		Interval:       30,
		Unit:           UnitMinute,
		DaysOfWeek:     []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		RepeatCount:    RepeatIndefinitely,
	}
	// 2024-06-07 is a Friday.
	start := time.Date(2024, 6, 7, 9, 45, 0, 0, time.UTC)
	tr := NewTrigger(MustKey("d"), MustKey("j"), start, s)
	assertTimes(t, fireTimes(t, tr, 4),
		time.Date(2024, 6, 7, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC),
		time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC))

	bad := *s
	bad.Unit = UnitDay
	if err := bad.Validate(); !errors.Is(err, ErrSchedule) {
		t.Errorf("expected a schedule error for a day unit, got %v", err)
	}
}

func TestTriggerValidate(t *testing.T) {
	cron, err := NewCronSchedule("0 0 * * * *", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tr := NewTrigger(MustKey("t"), MustKey("j"), t0, cron)
	tr.MisfireInstruction = MisfireRescheduleNowWithExistingRepeatCount
	if err := tr.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected invalid argument for a simple-only instruction, got %v", err)
	}

	tr = NewTrigger(MustKey("t"), MustKey("j"), t0, cron)
	end := t0.Add(-time.Hour)
	tr.EndTime = &end
	if err := tr.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected invalid argument for end before start, got %v", err)
	}

	tr = NewTrigger(MustKey("t"), MustKey("j"), time.Time{}, cron)
	if err := tr.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected invalid argument for a missing start, got %v", err)
	}
}

func TestExecutionComplete(t *testing.T) {
	repeating := NewTrigger(MustKey("t"), MustKey("j"), t0, &SimpleSchedule{RepeatInterval: time.Minute, RepeatCount: RepeatIndefinitely})
	if _, err := repeating.ComputeFirstFireTime(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := NewTrigger(MustKey("t"), MustKey("j"), t0, &SimpleSchedule{})

	tests := []struct {
		name string
		tr   *Trigger
		err  error
		want CompletedExecutionInstruction
	}{
		{"success keeps a live trigger", repeating, nil, InstructionNoop},
		{"plain failure keeps a live trigger", repeating, errors.New("boom"), InstructionNoop},
		{"exhausted trigger is deleted", last, nil, InstructionDeleteTrigger},
		{"refire", repeating, &JobExecutionError{RefireImmediately: true}, InstructionReExecuteJob},
		{"unschedule firing", repeating, &JobExecutionError{UnscheduleFiringTrigger: true}, InstructionSetTriggerComplete},
		{"unschedule all", repeating, errors.Wrap(&JobExecutionError{UnscheduleAllTriggers: true}, "wrapped"), InstructionSetAllJobTriggersComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tr.ExecutionComplete(tt.err); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestPlanCompletion(t *testing.T) {
	next := t0.Add(time.Minute)
	stored := NewTrigger(MustKey("t"), MustKey("j"), t0, &SimpleSchedule{RepeatInterval: time.Minute, RepeatCount: RepeatIndefinitely})
	stored.NextFireTime = &next
	stored.FireInstanceID = "fire-1"

	t.Run("failures move the trigger to error after the retry limit", func(t *testing.T) {
		tr := stored
		for i := 1; i <= DefaultMaxErrorRetries; i++ {
			c := PlanCompletion(tr, "fire-1", Outcome{ErrorMessage: "boom"}, DefaultMaxErrorRetries)
			tr = c.Trigger
			if tr.ErrorCount != i {
				t.Fatalf("expected error count %d, got %d", i, tr.ErrorCount)
			}
		}
		if tr.State != StateError {
			t.Errorf("expected %s, got %s", StateError, tr.State)
		}
		if tr.ErrorMessage != "boom" || tr.FireInstanceID != "" {
			t.Errorf("unexpected trigger %+v", tr)
		}
		if stored.ErrorCount != 0 {
			t.Error("the stored trigger must not be modified")
		}
	})

	t.Run("success resets the error count", func(t *testing.T) {
		failed := stored.Clone()
		failed.ErrorCount = 2
		failed.ErrorMessage = "boom"
		c := PlanCompletion(failed, "fire-1", Outcome{}, DefaultMaxErrorRetries)
		if c.Trigger.ErrorCount != 0 || c.Trigger.ErrorMessage != "" {
			t.Errorf("expected a clean trigger, got %+v", c.Trigger)
		}
		if c.Trigger.State != StateWaiting {
			t.Errorf("expected %s, got %s", StateWaiting, c.Trigger.State)
		}
	})

	t.Run("delete retires only an exhausted trigger", func(t *testing.T) {
		c := PlanCompletion(stored, "fire-1", Outcome{Instruction: InstructionDeleteTrigger}, DefaultMaxErrorRetries)
		if c.Retire {
			t.Error("a rescheduled trigger must not be retired")
		}
		done := stored.Clone()
		done.NextFireTime = nil
		c = PlanCompletion(done, "fire-1", Outcome{Instruction: InstructionDeleteTrigger}, DefaultMaxErrorRetries)
		if !c.Retire {
			t.Error("expected the exhausted trigger to be retired")
		}
	})

	t.Run("job wide instructions", func(t *testing.T) {
		c := PlanCompletion(stored, "fire-1", Outcome{Instruction: InstructionSetAllJobTriggersError}, DefaultMaxErrorRetries)
		if c.JobTriggersState != StateError || c.Trigger.State != StateError {
			t.Errorf("unexpected completion %+v", c)
		}
	})
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		fn   func(TriggerState) TriggerState
		in   TriggerState
		want TriggerState
	}{
		{Blocked, StateWaiting, StateBlocked},
		{Blocked, StatePaused, StatePausedBlocked},
		{Blocked, StateComplete, StateComplete},
		{Unblocked, StateBlocked, StateWaiting},
		{Unblocked, StatePausedBlocked, StatePaused},
		{Paused, StateAcquired, StatePaused},
		{Paused, StateBlocked, StatePausedBlocked},
		{Paused, StateError, StateError},
		{Resumed, StatePaused, StateWaiting},
		{Resumed, StatePausedBlocked, StateBlocked},
	}
	for _, tt := range tests {
		if got := tt.fn(tt.in); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestTriggerLess(t *testing.T) {
	later := t0.Add(time.Second)
	a := &Trigger{Key: MustKey("a"), NextFireTime: &t0, Priority: 5}
	b := &Trigger{Key: MustKey("b"), NextFireTime: &t0, Priority: 7}
	c := &Trigger{Key: MustKey("c"), NextFireTime: &later, Priority: 10}
	d := &Trigger{Key: MustKey("d")}

	if !TriggerLess(b, a) {
		t.Error("higher priority sorts first at the same fire time")
	}
	if !TriggerLess(a, c) {
		t.Error("earlier fire time sorts first")
	}
	if !TriggerLess(c, d) || TriggerLess(d, c) {
		t.Error("triggers without a fire time sort last")
	}
	e := &Trigger{Key: MustKey("e"), NextFireTime: &t0, Priority: 5}
	if !TriggerLess(a, e) {
		t.Error("ties break on key")
	}
}
