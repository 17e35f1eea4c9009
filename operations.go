package quartz

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// ManualTriggerGroup is the group of the one-shot triggers made by TriggerJob.
const ManualTriggerGroup = "MANUAL_TRIGGER"

// NewJob builds a job detail bound to a registered job class.
func NewJob(key Key, jobClass string) *JobDetail {
	return &JobDetail{Key: key, JobClass: jobClass}
}

// NewTrigger builds a trigger for jobKey that starts at start, with the
// default priority and misfire policy.
func NewTrigger(key, jobKey Key, start time.Time, sched Schedule) *Trigger {
	return &Trigger{
		Key:                key,
		JobKey:             jobKey,
		StartTime:          start,
		Priority:           DefaultPriority,
		MisfireInstruction: MisfireSmartPolicy,
		State:              StateWaiting,
		Schedule:           sched,
	}
}

func (s *Scheduler) validateState() error {
	if s.IsShutdown() {
		return ErrSchedulerShutdown
	}
	return nil
}

// prepareTrigger validates the trigger and computes its first fire time.
func (s *Scheduler) prepareTrigger(ctx context.Context, tr *Trigger) (time.Time, error) {
	if err := tr.Validate(); err != nil {
		return time.Time{}, err
	}
	cal, err := s.calendarFor(ctx, tr)
	if err != nil {
		return time.Time{}, err
	}
	if tr.CalendarName != "" && cal == nil {
		return time.Time{}, invalidArgument("calendar %q not found for trigger %s", tr.CalendarName, tr.Key)
	}
	ft, err := tr.ComputeFirstFireTime(cal)
	if err != nil {
		return time.Time{}, err
	}
	if ft == nil {
		return time.Time{}, scheduleError("trigger %s will never fire", tr.Key)
	}
	tr.State = StateWaiting
	tr.FireInstanceID = ""
	tr.PreviousFireTime = nil
	tr.TimesTriggered = 0
	return *ft, nil
}

// ScheduleJob stores job and a trigger for it, and returns the first fire
// time. The trigger's job key defaults to the job's key.
func (s *Scheduler) ScheduleJob(ctx context.Context, job *JobDetail, tr *Trigger) (time.Time, error) {
	if err := s.validateState(); err != nil {
		return time.Time{}, err
	}
	if err := job.Validate(); err != nil {
		return time.Time{}, err
	}
	if tr.JobKey.IsZero() {
		tr.JobKey = job.Key
	}
	if !tr.JobKey.Equals(job.Key) {
		return time.Time{}, invalidArgument("trigger %s does not reference job %s", tr.Key, job.Key)
	}
	ft, err := s.prepareTrigger(ctx, tr)
	if err != nil {
		return time.Time{}, err
	}
	if err := s.store.StoreJobAndTrigger(ctx, job, tr); err != nil {
		return time.Time{}, err
	}
	s.log.Infow("Job scheduled", "job", job.Key.String(), "trigger", tr.Key.String(), "next_fire_time", ft)
	s.emit(ctx, Event{Name: EventJobAdded, Job: job})
	s.emit(ctx, Event{Name: EventJobScheduled, Trigger: tr, Job: job})
	s.wake()
	return ft, nil
}

// ScheduleTrigger stores a trigger for a job that is already stored.
func (s *Scheduler) ScheduleTrigger(ctx context.Context, tr *Trigger) (time.Time, error) {
	if err := s.validateState(); err != nil {
		return time.Time{}, err
	}
	ft, err := s.prepareTrigger(ctx, tr)
	if err != nil {
		return time.Time{}, err
	}
	if err := s.store.StoreTrigger(ctx, tr, false); err != nil {
		return time.Time{}, err
	}
	s.log.Infow("Trigger scheduled", "job", tr.JobKey.String(), "trigger", tr.Key.String(), "next_fire_time", ft)
	s.emit(ctx, Event{Name: EventJobScheduled, Trigger: tr})
	s.wake()
	return ft, nil
}

// AddJob stores a job without scheduling it. Such a job must be durable.
func (s *Scheduler) AddJob(ctx context.Context, job *JobDetail, replace bool) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := job.Validate(); err != nil {
		return err
	}
	if !job.Durable {
		return invalidArgument("job %s is added without a trigger and must be durable", job.Key)
	}
	if err := s.store.StoreJob(ctx, job, replace); err != nil {
		return err
	}
	s.emit(ctx, Event{Name: EventJobAdded, Job: job})
	return nil
}

// DeleteJob removes the job and all of its triggers.
func (s *Scheduler) DeleteJob(ctx context.Context, key Key) (bool, error) {
	if err := s.validateState(); err != nil {
		return false, err
	}
	ok, err := s.store.RemoveJob(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	s.emit(ctx, Event{Name: EventJobDeleted, JobKey: key})
	return true, nil
}

// UnscheduleJob removes one trigger.
func (s *Scheduler) UnscheduleJob(ctx context.Context, triggerKey Key) (bool, error) {
	if err := s.validateState(); err != nil {
		return false, err
	}
	ok, err := s.store.RemoveTrigger(ctx, triggerKey)
	if err != nil || !ok {
		return ok, err
	}
	s.emit(ctx, Event{Name: EventJobUnscheduled, TriggerKey: triggerKey})
	s.wake()
	return true, nil
}

// RescheduleJob replaces the trigger stored under key with newTrigger, bound
// to the same job. It returns nil when no trigger was stored under key.
func (s *Scheduler) RescheduleJob(ctx context.Context, key Key, newTrigger *Trigger) (*time.Time, error) {
	if err := s.validateState(); err != nil {
		return nil, err
	}
	old, err := s.store.RetrieveTrigger(ctx, key)
	if err != nil || old == nil {
		return nil, err
	}
	newTrigger.JobKey = old.JobKey
	ft, err := s.prepareTrigger(ctx, newTrigger)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.ReplaceTrigger(ctx, key, newTrigger)
	if err != nil || !ok {
		return nil, err
	}
	s.emit(ctx, Event{Name: EventJobUnscheduled, TriggerKey: key})
	s.emit(ctx, Event{Name: EventJobScheduled, Trigger: newTrigger})
	s.wake()
	return &ft, nil
}

// TriggerJob fires a stored job once, now, with data overlaid on its job data.
func (s *Scheduler) TriggerJob(ctx context.Context, jobKey Key, data map[string]interface{}) error {
	if err := s.validateState(); err != nil {
		return err
	}
	tr := NewTrigger(Key{Name: UniqueName("MT"), Group: ManualTriggerGroup}, jobKey, s.now(), &SimpleSchedule{})
	tr.MisfireInstruction = MisfireFireOnceNow
	tr.JobDataMap = copyMap(data)
	if _, err := s.prepareTrigger(ctx, tr); err != nil {
		return err
	}
	if err := s.store.StoreTrigger(ctx, tr, false); err != nil {
		return err
	}
	s.wake()
	return nil
}

// PauseTrigger pauses one trigger.
func (s *Scheduler) PauseTrigger(ctx context.Context, key Key) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.PauseTrigger(ctx, key); err != nil {
		return err
	}
	s.emit(ctx, Event{Name: EventTriggersPaused, TriggerKey: key})
	return nil
}

// PauseTriggerGroup pauses every trigger of group, including triggers added to
// it later.
func (s *Scheduler) PauseTriggerGroup(ctx context.Context, group string) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.PauseTriggerGroup(ctx, group); err != nil {
		return err
	}
	s.emit(ctx, Event{Name: EventTriggersPaused, Group: group})
	return nil
}

// PauseJob pauses every trigger of one job.
func (s *Scheduler) PauseJob(ctx context.Context, key Key) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.PauseJob(ctx, key); err != nil {
		return err
	}
	s.emit(ctx, Event{Name: EventJobsPaused, JobKey: key})
	return nil
}

// PauseJobGroup pauses every trigger of every job of group.
func (s *Scheduler) PauseJobGroup(ctx context.Context, group string) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.PauseJobGroup(ctx, group); err != nil {
		return err
	}
	s.emit(ctx, Event{Name: EventJobsPaused, Group: group})
	return nil
}

// ResumeTrigger resumes one trigger.
func (s *Scheduler) ResumeTrigger(ctx context.Context, key Key) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.ResumeTrigger(ctx, key); err != nil {
		return err
	}
	s.emit(ctx, Event{Name: EventTriggersResumed, TriggerKey: key})
	s.wake()
	return nil
}

// ResumeTriggerGroup resumes every trigger of group.
func (s *Scheduler) ResumeTriggerGroup(ctx context.Context, group string) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.ResumeTriggerGroup(ctx, group); err != nil {
		return err
	}
	s.emit(ctx, Event{Name: EventTriggersResumed, Group: group})
	s.wake()
	return nil
}

// ResumeJob resumes every trigger of one job.
func (s *Scheduler) ResumeJob(ctx context.Context, key Key) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.ResumeJob(ctx, key); err != nil {
		return err
	}
	s.emit(ctx, Event{Name: EventJobsResumed, JobKey: key})
	s.wake()
	return nil
}

// ResumeJobGroup resumes every trigger of every job of group.
func (s *Scheduler) ResumeJobGroup(ctx context.Context, group string) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.ResumeJobGroup(ctx, group); err != nil {
		return err
	}
	s.emit(ctx, Event{Name: EventJobsResumed, Group: group})
	s.wake()
	return nil
}

// PauseAll pauses every trigger group.
func (s *Scheduler) PauseAll(ctx context.Context) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.PauseAll(ctx); err != nil {
		return err
	}
	s.emit(ctx, Event{Name: EventTriggersPaused})
	return nil
}

// ResumeAll resumes every trigger group.
func (s *Scheduler) ResumeAll(ctx context.Context) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.ResumeAll(ctx); err != nil {
		return err
	}
	s.emit(ctx, Event{Name: EventTriggersResumed})
	s.wake()
	return nil
}

// AddCalendar stores cal under name. With updateTriggers the triggers that
// reference it get new next fire times.
func (s *Scheduler) AddCalendar(ctx context.Context, name string, cal Calendar, replace, updateTriggers bool) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if name == "" {
		return invalidArgument("calendar name cannot be empty")
	}
	if cal == nil {
		return invalidArgument("calendar %q is nil", name)
	}
	if err := s.store.StoreCalendar(ctx, name, cal, replace, updateTriggers); err != nil {
		return err
	}
	s.wake()
	return nil
}

// DeleteCalendar removes a calendar no trigger references.
func (s *Scheduler) DeleteCalendar(ctx context.Context, name string) (bool, error) {
	if err := s.validateState(); err != nil {
		return false, err
	}
	return s.store.RemoveCalendar(ctx, name)
}

// GetCalendar returns the named calendar, or nil.
func (s *Scheduler) GetCalendar(ctx context.Context, name string) (Calendar, error) {
	return s.store.RetrieveCalendar(ctx, name)
}

// GetCalendarNames lists the stored calendar names.
func (s *Scheduler) GetCalendarNames(ctx context.Context) ([]string, error) {
	return s.store.CalendarNames(ctx)
}

// GetJobDetail returns the job, or nil.
func (s *Scheduler) GetJobDetail(ctx context.Context, key Key) (*JobDetail, error) {
	return s.store.RetrieveJob(ctx, key)
}

// GetTrigger returns the trigger, or nil.
func (s *Scheduler) GetTrigger(ctx context.Context, key Key) (*Trigger, error) {
	return s.store.RetrieveTrigger(ctx, key)
}

// GetTriggerState returns the state of a trigger, StateNone if it is missing.
func (s *Scheduler) GetTriggerState(ctx context.Context, key Key) (TriggerState, error) {
	return s.store.TriggerState(ctx, key)
}

// GetTriggersOfJob returns the triggers of a job.
func (s *Scheduler) GetTriggersOfJob(ctx context.Context, jobKey Key) ([]*Trigger, error) {
	return s.store.TriggersForJob(ctx, jobKey)
}

// GetJobKeys lists job keys in group; an empty group means all.
func (s *Scheduler) GetJobKeys(ctx context.Context, group string) ([]Key, error) {
	return s.store.JobKeys(ctx, group)
}

// GetTriggerKeys lists trigger keys in group; an empty group means all.
func (s *Scheduler) GetTriggerKeys(ctx context.Context, group string) ([]Key, error) {
	return s.store.TriggerKeys(ctx, group)
}

// GetPausedTriggerGroups lists the paused trigger groups.
func (s *Scheduler) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	return s.store.PausedTriggerGroups(ctx)
}

// CheckJobExists reports whether a job is stored under key.
func (s *Scheduler) CheckJobExists(ctx context.Context, key Key) (bool, error) {
	job, err := s.store.RetrieveJob(ctx, key)
	return job != nil, err
}

// CheckTriggerExists reports whether a trigger is stored under key.
func (s *Scheduler) CheckTriggerExists(ctx context.Context, key Key) (bool, error) {
	tr, err := s.store.RetrieveTrigger(ctx, key)
	return tr != nil, err
}

// Clear deletes all scheduling data. Callers are expected to have confirmed
// the operation.
func (s *Scheduler) Clear(ctx context.Context) error {
	if err := s.validateState(); err != nil {
		return err
	}
	if err := s.store.ClearAllSchedulingData(ctx); err != nil {
		return errors.Wrap(err, "clear scheduling data")
	}
	s.log.Warnw("Scheduling data cleared")
	s.emit(ctx, Event{Name: EventSchedulingCleared})
	return nil
}
