package quartz

import (
	"context"
	"time"
)

// Lock names used with a Locker.
const (
	LockTriggerAccess = "TRIGGER_ACCESS"
	LockStateAccess   = "STATE_ACCESS"
)

// RecoveringJobsGroup holds the one-shot triggers created for jobs that
// requested recovery after their scheduler died mid-fire.
const RecoveringJobsGroup = "RECOVERING_JOBS"

// Locker is the cluster-wide mutual exclusion primitive a store holds while it
// scans and transitions triggers. Lock blocks up to an implementation-defined
// bound and then fails with ErrLockTimeout.
type Locker interface {
	Lock(ctx context.Context, name string) (unlock func(context.Context) error, err error)
}

// JobStore is the persistence boundary of the scheduler. Every operation must
// be atomic with respect to other scheduler instances sharing the same store.
// Connectivity failures are reported as ErrStore.
//
// Retrieve methods return a nil value and a nil error when the entity does not
// exist.
type JobStore interface {
	StoreJob(ctx context.Context, job *JobDetail, replaceExisting bool) error
	StoreTrigger(ctx context.Context, trigger *Trigger, replaceExisting bool) error
	StoreJobAndTrigger(ctx context.Context, job *JobDetail, trigger *Trigger) error
	// RemoveJob deletes the job and all of its triggers.
	RemoveJob(ctx context.Context, key Key) (bool, error)
	// RemoveTrigger deletes the trigger, and its job too when the job is not
	// durable and has no other trigger.
	RemoveTrigger(ctx context.Context, key Key) (bool, error)
	// ReplaceTrigger swaps the trigger stored under key for newTrigger, which
	// must point at the same job.
	ReplaceTrigger(ctx context.Context, key Key, newTrigger *Trigger) (bool, error)
	RetrieveJob(ctx context.Context, key Key) (*JobDetail, error)
	RetrieveTrigger(ctx context.Context, key Key) (*Trigger, error)

	// StoreCalendar saves cal under name. With updateTriggers, the next fire
	// times of the triggers referencing it are recomputed.
	StoreCalendar(ctx context.Context, name string, cal Calendar, replaceExisting, updateTriggers bool) error
	// RemoveCalendar fails with ErrInvalidArgument while a trigger references it.
	RemoveCalendar(ctx context.Context, name string) (bool, error)
	RetrieveCalendar(ctx context.Context, name string) (Calendar, error)

	// JobKeys and TriggerKeys list every key of group, or of every group when
	// group is empty, sorted.
	JobKeys(ctx context.Context, group string) ([]Key, error)
	TriggerKeys(ctx context.Context, group string) ([]Key, error)
	CalendarNames(ctx context.Context) ([]string, error)
	TriggersForJob(ctx context.Context, jobKey Key) ([]*Trigger, error)
	// TriggerState returns StateNone for an unknown trigger.
	TriggerState(ctx context.Context, key Key) (TriggerState, error)

	// Pause and resume operations are idempotent. Pausing a group also pauses
	// triggers later stored in it.
	PauseTrigger(ctx context.Context, key Key) error
	PauseTriggerGroup(ctx context.Context, group string) error
	PauseJob(ctx context.Context, key Key) error
	PauseJobGroup(ctx context.Context, group string) error
	ResumeTrigger(ctx context.Context, key Key) error
	ResumeTriggerGroup(ctx context.Context, group string) error
	ResumeJob(ctx context.Context, key Key) error
	ResumeJobGroup(ctx context.Context, group string) error
	PauseAll(ctx context.Context) error
	ResumeAll(ctx context.Context) error
	PausedTriggerGroups(ctx context.Context) ([]string, error)

	// ClearAllSchedulingData deletes every job, trigger, calendar and fired
	// record.
	ClearAllSchedulingData(ctx context.Context) error

	// AcquireNextTriggers returns up to maxCount WAITING triggers whose next
	// fire time is at or before noLaterThan+timeWindow, in TriggerLess order,
	// and moves them to ACQUIRED with a fresh fire instance id. The scan and
	// transition run under the cluster lock.
	AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]*Trigger, error)
	// ReleaseAcquiredTrigger hands an acquired trigger back without firing it.
	// Its fire-cycle fields are persisted; a trigger with no next fire time
	// completes.
	ReleaseAcquiredTrigger(ctx context.Context, trigger *Trigger) error
	// TriggersFired confirms acquired triggers. Triggers no longer ACQUIRED
	// under the same fire instance id, or whose job is gone, are left out of
	// the result.
	TriggersFired(ctx context.Context, triggers []*Trigger) ([]*TriggerFiredBundle, error)
	// TriggeredJobComplete deletes the fired record of trigger.FireInstanceID
	// and applies outcome to the trigger and its job.
	TriggeredJobComplete(ctx context.Context, trigger *Trigger, job *JobDetail, outcome Outcome) error
	RetrieveFiredTrigger(ctx context.Context, fireInstanceID string) (*FiredTrigger, error)

	// NextFireTime is the earliest next fire time of any WAITING trigger.
	NextFireTime(ctx context.Context) (*time.Time, error)

	// RecoverJobs runs once when a scheduler starts. It returns the triggers
	// and fired records this store's instance left behind to a consistent
	// state and schedules recovery fires for jobs that requested them.
	RecoverJobs(ctx context.Context) error
}

// FiredState is the state of a fired record.
type FiredState string

const (
	FiredAcquired  FiredState = "ACQUIRED"
	FiredExecuting FiredState = "EXECUTING"
)

// FiredTrigger records one acquisition of a trigger. It lives from
// acquisition until the fire completes or is released.
type FiredTrigger struct {
	FireInstanceID    string
	InstanceID        string
	TriggerKey        Key
	JobKey            Key
	Priority          int
	ScheduledFireTime time.Time
	FiredTime         time.Time
	State             FiredState

	RequestsRecovery              bool
	ConcurrentExecutionDisallowed bool
}

// Instance is the storage discriminator.
func (f *FiredTrigger) Instance() string { return "fired_trigger" }

// TriggerFiredBundle is what the engine needs to run one confirmed fire.
type TriggerFiredBundle struct {
	Job          *JobDetail
	Trigger      *Trigger
	FiredTrigger *FiredTrigger
	Calendar     Calendar
	Recovering   bool
}

// Outcome is the result of a fire as reported to TriggeredJobComplete.
type Outcome struct {
	Instruction CompletedExecutionInstruction
	// ErrorMessage is set when the job body failed.
	ErrorMessage string
	// JobDataMap is written back to the job when it persists data after
	// execution.
	JobDataMap map[string]interface{}
}

// Instance is the storage discriminator.
func (o *Outcome) Instance() string { return "outcome" }

// Failed reports whether the body failed.
func (o Outcome) Failed() bool { return o.ErrorMessage != "" }

// Completion is the set of mutations a store applies for one completed fire.
// It is computed by PlanCompletion so every store shares the retry policy.
type Completion struct {
	// Trigger is the updated copy of the stored trigger.
	Trigger *Trigger
	// Retire completes the trigger, removing it with its job when the job is
	// not durable and has no other live trigger.
	Retire bool
	// JobTriggersState, when set, is applied to every trigger of the job.
	JobTriggersState TriggerState
}

// DefaultMaxErrorRetries is the number of consecutive failed executions after
// which a trigger moves to ERROR.
const DefaultMaxErrorRetries = 3

// PlanCompletion applies outcome to a copy of the stored trigger. Failures
// increment the trigger's error count; reaching maxErrorRetries moves the
// trigger to ERROR. A success resets the count.
func PlanCompletion(stored *Trigger, fireInstanceID string, outcome Outcome, maxErrorRetries int) Completion {
	tr := stored.Clone()
	if tr.FireInstanceID == fireInstanceID {
		tr.FireInstanceID = ""
	}

	instr := outcome.Instruction
	if outcome.Failed() {
		tr.ErrorCount++
		tr.ErrorMessage = outcome.ErrorMessage
		if maxErrorRetries > 0 && tr.ErrorCount >= maxErrorRetries &&
			(instr == InstructionNoop || instr == InstructionDeleteTrigger) {
			instr = InstructionSetTriggerError
		}
	} else if instr != InstructionSetTriggerError && instr != InstructionSetAllJobTriggersError {
		tr.ErrorCount = 0
		tr.ErrorMessage = ""
	}

	c := Completion{Trigger: tr}
	switch instr {
	case InstructionSetTriggerComplete:
		tr.State = StateComplete
		tr.NextFireTime = nil
	case InstructionDeleteTrigger:
		// The trigger may have been rescheduled since the fire started.
		c.Retire = tr.NextFireTime == nil
	case InstructionSetTriggerError:
		tr.State = StateError
	case InstructionSetAllJobTriggersComplete:
		c.JobTriggersState = StateComplete
		tr.State = StateComplete
	case InstructionSetAllJobTriggersError:
		c.JobTriggersState = StateError
		tr.State = StateError
	}
	return c
}

// RemovesOrphanJob reports whether retiring the trigger retiring leaves job
// without a live trigger, so a non-durable job must go with it.
func RemovesOrphanJob(job *JobDetail, jobTriggers []*Trigger, retiring Key) bool {
	if job == nil || job.Durable {
		return false
	}
	for _, t := range jobTriggers {
		if !t.Key.Equals(retiring) && t.State != StateComplete {
			return false
		}
	}
	return true
}

// Blocked maps a trigger state to the state it takes while its job runs a
// fire that disallows concurrency.
func Blocked(s TriggerState) TriggerState {
	switch s {
	case StateWaiting, StateAcquired:
		return StateBlocked
	case StatePaused:
		return StatePausedBlocked
	}
	return s
}

// Unblocked reverses Blocked.
func Unblocked(s TriggerState) TriggerState {
	switch s {
	case StateBlocked:
		return StateWaiting
	case StatePausedBlocked:
		return StatePaused
	}
	return s
}

// Paused maps a trigger state to its paused counterpart.
func Paused(s TriggerState) TriggerState {
	switch s {
	case StateWaiting, StateAcquired:
		return StatePaused
	case StateBlocked:
		return StatePausedBlocked
	}
	return s
}

// Resumed reverses Paused.
func Resumed(s TriggerState) TriggerState {
	switch s {
	case StatePaused:
		return StateWaiting
	case StatePausedBlocked:
		return StateBlocked
	}
	return s
}

// NewRecoveryTrigger builds the one-shot trigger that refires a job whose
// scheduler died while executing it.
func NewRecoveryTrigger(rec *FiredTrigger, jobData map[string]interface{}, now time.Time) *Trigger {
	data := copyMap(jobData)
	if data == nil {
		data = make(map[string]interface{})
	}
	data[RecoveringTriggerNameKey] = rec.TriggerKey.Name
	data[RecoveringTriggerGroupKey] = rec.TriggerKey.Group
	data[RecoveringFireTimeKey] = rec.ScheduledFireTime.UnixMilli()
	return &Trigger{
		Key:                Key{Name: "recover_" + rec.InstanceID + "_" + UniqueName(), Group: RecoveringJobsGroup},
		JobKey:             rec.JobKey,
		StartTime:          now,
		NextFireTime:       &now,
		Priority:           rec.Priority,
		MisfireInstruction: MisfireFireOnceNow,
		State:              StateWaiting,
		JobDataMap:         data,
		Schedule:           &SimpleSchedule{},
	}
}

// Job data keys set on recovery triggers.
const (
	RecoveringTriggerNameKey  = "QRTZ_FAILED_JOB_ORIG_TRIGGER_NAME"
	RecoveringTriggerGroupKey = "QRTZ_FAILED_JOB_ORIG_TRIGGER_GROUP"
	RecoveringFireTimeKey     = "QRTZ_FAILED_JOB_ORIG_TRIGGER_FIRETIME_IN_MILLISECONDS"
)
