package rpc

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/DEEJ4Y/quartz"
	"github.com/DEEJ4Y/quartz/transport"
)

// RemoteConfig configures a RemoteScheduler.
type RemoteConfig struct {
	// Transport carries the calls. Required.
	Transport transport.Transport

	// Destination defaults to DefaultDestination.
	Destination string

	// Timeout bounds every call. Default: 10 seconds
	Timeout time.Duration

	// Codec defaults to NewCodec(nil, nil).
	Codec *Codec
}

// RemoteScheduler forwards Scheduler calls to a Server. A call that gets no
// reply within Timeout fails with quartz.ErrTimeout; an exception raised on
// the server is returned as an *Exception.
type RemoteScheduler struct {
	config RemoteConfig
}

// NewRemoteScheduler creates a scheduler façade that forwards calls over config.Transport.
func NewRemoteScheduler(config RemoteConfig) (*RemoteScheduler, error) {
	if config.Transport == nil {
		return nil, quartz.InvalidArgument("remote scheduler needs a transport")
	}
	if config.Destination == "" {
		config.Destination = DefaultDestination
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Codec == nil {
		config.Codec = NewCodec(nil, nil)
	}
	return &RemoteScheduler{config: config}, nil
}

// Call invokes method with args and returns the decoded result.
func (r *RemoteScheduler) Call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	req, err := r.config.Codec.EncodeRequest(method, args...)
	if err != nil {
		return nil, err
	}
	payload, err := Marshal(req)
	if err != nil {
		return nil, err
	}
	data, err := r.config.Transport.Call(ctx, r.config.Destination, payload, r.config.Timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	raw, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	result, err := r.config.Codec.DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	if exc, ok := result.(*Exception); ok {
		return nil, exc
	}
	return result, nil
}

func (r *RemoteScheduler) exec(ctx context.Context, method string, args ...interface{}) error {
	_, err := r.Call(ctx, method, args...)
	return err
}

func (r *RemoteScheduler) boolCall(ctx context.Context, method string, args ...interface{}) (bool, error) {
	v, err := r.Call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, unexpected(method, v)
	}
	return b, nil
}

func (r *RemoteScheduler) timeCall(ctx context.Context, method string, args ...interface{}) (*time.Time, error) {
	v, err := r.Call(ctx, method, args...)
	if err != nil || v == nil {
		return nil, err
	}
	t, ok := v.(time.Time)
	if !ok {
		return nil, unexpected(method, v)
	}
	return &t, nil
}

func (r *RemoteScheduler) stringsCall(ctx context.Context, method string, args ...interface{}) ([]string, error) {
	v, err := r.Call(ctx, method, args...)
	if err != nil || v == nil {
		return nil, err
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, unexpected(method, v)
	}
	out := make([]string, len(list))
	for i, e := range list {
		if out[i], ok = e.(string); !ok {
			return nil, unexpected(method, e)
		}
	}
	return out, nil
}

func (r *RemoteScheduler) keysCall(ctx context.Context, method string, args ...interface{}) ([]quartz.Key, error) {
	v, err := r.Call(ctx, method, args...)
	if err != nil || v == nil {
		return nil, err
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, unexpected(method, v)
	}
	out := make([]quartz.Key, len(list))
	for i, e := range list {
		if out[i], ok = e.(quartz.Key); !ok {
			return nil, unexpected(method, e)
		}
	}
	return out, nil
}

func unexpected(method string, v interface{}) error {
	return quartz.InvalidArgument("%s: unexpected reply of type %T", method, v)
}

// ScheduleJob stores job with its first trigger on the remote scheduler and returns the first fire time.
func (r *RemoteScheduler) ScheduleJob(ctx context.Context, job *quartz.JobDetail, trigger *quartz.Trigger) (time.Time, error) {
	t, err := r.timeCall(ctx, MethodScheduleJob, job, trigger)
	if err != nil || t == nil {
		return time.Time{}, err
	}
	return *t, nil
}

// ScheduleTrigger schedules a trigger for an existing remote job.
func (r *RemoteScheduler) ScheduleTrigger(ctx context.Context, trigger *quartz.Trigger) (time.Time, error) {
	t, err := r.timeCall(ctx, MethodScheduleTrigger, trigger)
	if err != nil || t == nil {
		return time.Time{}, err
	}
	return *t, nil
}

// AddJob runs AddJob on the remote scheduler.
func (r *RemoteScheduler) AddJob(ctx context.Context, job *quartz.JobDetail, replace bool) error {
	return r.exec(ctx, MethodAddJob, job, replace)
}

// DeleteJob runs DeleteJob on the remote scheduler.
func (r *RemoteScheduler) DeleteJob(ctx context.Context, key quartz.Key) (bool, error) {
	return r.boolCall(ctx, MethodDeleteJob, key)
}

// UnscheduleJob runs UnscheduleJob on the remote scheduler.
func (r *RemoteScheduler) UnscheduleJob(ctx context.Context, triggerKey quartz.Key) (bool, error) {
	return r.boolCall(ctx, MethodUnscheduleJob, triggerKey)
}

// RescheduleJob runs RescheduleJob on the remote scheduler.
func (r *RemoteScheduler) RescheduleJob(ctx context.Context, key quartz.Key, newTrigger *quartz.Trigger) (*time.Time, error) {
	return r.timeCall(ctx, MethodRescheduleJob, key, newTrigger)
}

// TriggerJob runs TriggerJob on the remote scheduler.
func (r *RemoteScheduler) TriggerJob(ctx context.Context, jobKey quartz.Key, data map[string]interface{}) error {
	return r.exec(ctx, MethodTriggerJob, jobKey, data)
}

// PauseTrigger runs PauseTrigger on the remote scheduler.
func (r *RemoteScheduler) PauseTrigger(ctx context.Context, key quartz.Key) error {
	return r.exec(ctx, MethodPauseTrigger, key)
}

// PauseTriggerGroup runs PauseTriggerGroup on the remote scheduler.
func (r *RemoteScheduler) PauseTriggerGroup(ctx context.Context, group string) error {
	return r.exec(ctx, MethodPauseTriggerGroup, group)
}

// PauseJob runs PauseJob on the remote scheduler.
func (r *RemoteScheduler) PauseJob(ctx context.Context, key quartz.Key) error {
	return r.exec(ctx, MethodPauseJob, key)
}

// PauseJobGroup runs PauseJobGroup on the remote scheduler.
func (r *RemoteScheduler) PauseJobGroup(ctx context.Context, group string) error {
	return r.exec(ctx, MethodPauseJobGroup, group)
}

// ResumeTrigger runs ResumeTrigger on the remote scheduler.
func (r *RemoteScheduler) ResumeTrigger(ctx context.Context, key quartz.Key) error {
	return r.exec(ctx, MethodResumeTrigger, key)
}

// ResumeTriggerGroup runs ResumeTriggerGroup on the remote scheduler.
func (r *RemoteScheduler) ResumeTriggerGroup(ctx context.Context, group string) error {
	return r.exec(ctx, MethodResumeTriggerGroup, group)
}

// ResumeJob runs ResumeJob on the remote scheduler.
func (r *RemoteScheduler) ResumeJob(ctx context.Context, key quartz.Key) error {
	return r.exec(ctx, MethodResumeJob, key)
}

// ResumeJobGroup runs ResumeJobGroup on the remote scheduler.
func (r *RemoteScheduler) ResumeJobGroup(ctx context.Context, group string) error {
	return r.exec(ctx, MethodResumeJobGroup, group)
}

// PauseAll runs PauseAll on the remote scheduler.
func (r *RemoteScheduler) PauseAll(ctx context.Context) error {
	return r.exec(ctx, MethodPauseAll)
}

// ResumeAll runs ResumeAll on the remote scheduler.
func (r *RemoteScheduler) ResumeAll(ctx context.Context) error {
	return r.exec(ctx, MethodResumeAll)
}

// AddCalendar runs AddCalendar on the remote scheduler.
func (r *RemoteScheduler) AddCalendar(ctx context.Context, name string, cal quartz.Calendar, replace, updateTriggers bool) error {
	return r.exec(ctx, MethodAddCalendar, name, cal, replace, updateTriggers)
}

// DeleteCalendar runs DeleteCalendar on the remote scheduler.
func (r *RemoteScheduler) DeleteCalendar(ctx context.Context, name string) (bool, error) {
	return r.boolCall(ctx, MethodDeleteCalendar, name)
}

// GetCalendar fetches a calendar by name, nil if missing.
func (r *RemoteScheduler) GetCalendar(ctx context.Context, name string) (quartz.Calendar, error) {
	v, err := r.Call(ctx, MethodGetCalendar, name)
	if err != nil || v == nil {
		return nil, err
	}
	cal, ok := v.(quartz.Calendar)
	if !ok {
		return nil, unexpected(MethodGetCalendar, v)
	}
	return cal, nil
}

// GetCalendarNames runs GetCalendarNames on the remote scheduler.
func (r *RemoteScheduler) GetCalendarNames(ctx context.Context) ([]string, error) {
	return r.stringsCall(ctx, MethodGetCalendarNames)
}

// GetJobDetail fetches a job, nil if missing.
func (r *RemoteScheduler) GetJobDetail(ctx context.Context, key quartz.Key) (*quartz.JobDetail, error) {
	v, err := r.Call(ctx, MethodGetJobDetail, key)
	if err != nil || v == nil {
		return nil, err
	}
	job, ok := v.(*quartz.JobDetail)
	if !ok {
		return nil, unexpected(MethodGetJobDetail, v)
	}
	return job, nil
}

// GetTrigger fetches a trigger, nil if missing.
func (r *RemoteScheduler) GetTrigger(ctx context.Context, key quartz.Key) (*quartz.Trigger, error) {
	v, err := r.Call(ctx, MethodGetTrigger, key)
	if err != nil || v == nil {
		return nil, err
	}
	tr, ok := v.(*quartz.Trigger)
	if !ok {
		return nil, unexpected(MethodGetTrigger, v)
	}
	return tr, nil
}

// GetTriggerState runs GetTriggerState on the remote scheduler.
func (r *RemoteScheduler) GetTriggerState(ctx context.Context, key quartz.Key) (quartz.TriggerState, error) {
	v, err := r.Call(ctx, MethodGetTriggerState, key)
	if err != nil {
		return quartz.StateNone, err
	}
	s, ok := v.(string)
	if !ok {
		return quartz.StateNone, unexpected(MethodGetTriggerState, v)
	}
	return quartz.TriggerState(s), nil
}

// GetTriggersOfJob runs GetTriggersOfJob on the remote scheduler.
func (r *RemoteScheduler) GetTriggersOfJob(ctx context.Context, jobKey quartz.Key) ([]*quartz.Trigger, error) {
	v, err := r.Call(ctx, MethodGetTriggersOfJob, jobKey)
	if err != nil || v == nil {
		return nil, err
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, unexpected(MethodGetTriggersOfJob, v)
	}
	out := make([]*quartz.Trigger, len(list))
	for i, e := range list {
		if out[i], ok = e.(*quartz.Trigger); !ok {
			return nil, unexpected(MethodGetTriggersOfJob, e)
		}
	}
	return out, nil
}

// GetJobKeys runs GetJobKeys on the remote scheduler.
func (r *RemoteScheduler) GetJobKeys(ctx context.Context, group string) ([]quartz.Key, error) {
	return r.keysCall(ctx, MethodGetJobKeys, group)
}

// GetTriggerKeys runs GetTriggerKeys on the remote scheduler.
func (r *RemoteScheduler) GetTriggerKeys(ctx context.Context, group string) ([]quartz.Key, error) {
	return r.keysCall(ctx, MethodGetTriggerKeys, group)
}

// GetPausedTriggerGroups runs GetPausedTriggerGroups on the remote scheduler.
func (r *RemoteScheduler) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	return r.stringsCall(ctx, MethodGetPausedTriggerGroups)
}

// CheckJobExists runs CheckJobExists on the remote scheduler.
func (r *RemoteScheduler) CheckJobExists(ctx context.Context, key quartz.Key) (bool, error) {
	return r.boolCall(ctx, MethodCheckJobExists, key)
}

// CheckTriggerExists runs CheckTriggerExists on the remote scheduler.
func (r *RemoteScheduler) CheckTriggerExists(ctx context.Context, key quartz.Key) (bool, error) {
	return r.boolCall(ctx, MethodCheckTriggerExists, key)
}

// Clear deletes all scheduling data on the server. Callers are expected to
// have confirmed the operation.
func (r *RemoteScheduler) Clear(ctx context.Context) error {
	return r.exec(ctx, MethodClear)
}
