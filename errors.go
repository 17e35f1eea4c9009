package quartz

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Sentinel error kinds. Match them with errors.Is; concrete errors are marked
// with one or more of these so the message can carry context.
var (
	// ErrInvalidArgument reports a malformed key, name, timestamp or payload.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSchedule reports a schedule that cannot be built (bad cron expression,
	// non-positive interval, trigger that will never fire).
	ErrSchedule = errors.New("schedule error")

	// ErrStore reports a transient persistence failure. The engine retries the
	// tick after a backoff.
	ErrStore = errors.New("job store error")

	// ErrLockTimeout is returned when the cluster lock could not be obtained
	// within the bounded wait. It is also an ErrStore.
	ErrLockTimeout = errors.Mark(errors.New("cluster lock wait timed out"), ErrStore)

	ErrObjectAlreadyExists = errors.New("object already exists")
	ErrNotFound            = errors.New("not found")

	// ErrJobExecution marks a failure returned by a job body.
	ErrJobExecution = errors.New("job execution failed")

	// ErrTimeout reports a remote call that did not receive a reply in time.
	ErrTimeout = errors.New("operation timed out")

	ErrSchedulerShutdown = errors.New("scheduler has been shutdown")
)

func invalidArgument(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}

func scheduleError(format string, args ...interface{}) error {
	return errors.Mark(errors.Mark(errors.Newf(format, args...), ErrSchedule), ErrInvalidArgument)
}

func markNotFound(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// NotFound builds an error marked with ErrNotFound.
func NotFound(format string, args ...interface{}) error {
	return markNotFound(format, args...)
}

// InvalidArgument builds an error marked with ErrInvalidArgument. Adapter
// packages use it so validation failures look the same everywhere.
func InvalidArgument(format string, args ...interface{}) error {
	return invalidArgument(format, args...)
}

// StoreError wraps err as a transient store failure.
func StoreError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrStore)
}

// AlreadyExists builds an ErrObjectAlreadyExists error for the named entity.
func AlreadyExists(kind string, name interface{}) error {
	return errors.Mark(errors.Newf("%s %v already exists", kind, name), ErrObjectAlreadyExists)
}

// JobExecutionError is returned by a job body that wants to influence what the
// engine does with its trigger after a failure.
type JobExecutionError struct {
	Err error

	// RefireImmediately runs the job again straight away with the same fire.
	RefireImmediately bool
	// UnscheduleFiringTrigger completes the trigger that caused this fire.
	UnscheduleFiringTrigger bool
	// UnscheduleAllTriggers completes every trigger of the job.
	UnscheduleAllTriggers bool
}

// Error implements error.
func (e *JobExecutionError) Error() string {
	if e.Err == nil {
		return ErrJobExecution.Error()
	}
	return fmt.Sprintf("%s: %s", ErrJobExecution.Error(), e.Err.Error())
}

// Unwrap returns the job body's error.
func (e *JobExecutionError) Unwrap() error { return e.Err }

// Is matches ErrJobExecution.
func (e *JobExecutionError) Is(target error) bool { return target == ErrJobExecution }
