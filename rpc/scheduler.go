package rpc

import (
	"context"
	"time"

	"github.com/DEEJ4Y/quartz"
)

// Scheduler is the management surface shared by a local *quartz.Scheduler and
// a RemoteScheduler.
type Scheduler interface {
	ScheduleJob(ctx context.Context, job *quartz.JobDetail, trigger *quartz.Trigger) (time.Time, error)
	ScheduleTrigger(ctx context.Context, trigger *quartz.Trigger) (time.Time, error)
	AddJob(ctx context.Context, job *quartz.JobDetail, replace bool) error
	DeleteJob(ctx context.Context, key quartz.Key) (bool, error)
	UnscheduleJob(ctx context.Context, triggerKey quartz.Key) (bool, error)
	RescheduleJob(ctx context.Context, key quartz.Key, newTrigger *quartz.Trigger) (*time.Time, error)
	TriggerJob(ctx context.Context, jobKey quartz.Key, data map[string]interface{}) error

	PauseTrigger(ctx context.Context, key quartz.Key) error
	PauseTriggerGroup(ctx context.Context, group string) error
	PauseJob(ctx context.Context, key quartz.Key) error
	PauseJobGroup(ctx context.Context, group string) error
	ResumeTrigger(ctx context.Context, key quartz.Key) error
	ResumeTriggerGroup(ctx context.Context, group string) error
	ResumeJob(ctx context.Context, key quartz.Key) error
	ResumeJobGroup(ctx context.Context, group string) error
	PauseAll(ctx context.Context) error
	ResumeAll(ctx context.Context) error

	AddCalendar(ctx context.Context, name string, cal quartz.Calendar, replace, updateTriggers bool) error
	DeleteCalendar(ctx context.Context, name string) (bool, error)
	GetCalendar(ctx context.Context, name string) (quartz.Calendar, error)
	GetCalendarNames(ctx context.Context) ([]string, error)

	GetJobDetail(ctx context.Context, key quartz.Key) (*quartz.JobDetail, error)
	GetTrigger(ctx context.Context, key quartz.Key) (*quartz.Trigger, error)
	GetTriggerState(ctx context.Context, key quartz.Key) (quartz.TriggerState, error)
	GetTriggersOfJob(ctx context.Context, jobKey quartz.Key) ([]*quartz.Trigger, error)
	GetJobKeys(ctx context.Context, group string) ([]quartz.Key, error)
	GetTriggerKeys(ctx context.Context, group string) ([]quartz.Key, error)
	GetPausedTriggerGroups(ctx context.Context) ([]string, error)
	CheckJobExists(ctx context.Context, key quartz.Key) (bool, error)
	CheckTriggerExists(ctx context.Context, key quartz.Key) (bool, error)

	Clear(ctx context.Context) error
}

var (
	_ Scheduler = (*quartz.Scheduler)(nil)
	_ Scheduler = (*RemoteScheduler)(nil)
)

// args reads typed call arguments.
type args []interface{}

func (a args) want(n int) error {
	if len(a) != n {
		return quartz.InvalidArgument("expected %d arguments, got %d", n, len(a))
	}
	return nil
}

func (a args) key(i int) (quartz.Key, error) {
	k, ok := a[i].(quartz.Key)
	if !ok {
		return quartz.Key{}, quartz.InvalidArgument("argument %d: expected key, got %T", i, a[i])
	}
	return k, nil
}

func (a args) str(i int) (string, error) {
	s, ok := a[i].(string)
	if !ok {
		return "", quartz.InvalidArgument("argument %d: expected string, got %T", i, a[i])
	}
	return s, nil
}

func (a args) boolean(i int) (bool, error) {
	b, ok := a[i].(bool)
	if !ok {
		return false, quartz.InvalidArgument("argument %d: expected bool, got %T", i, a[i])
	}
	return b, nil
}

func (a args) job(i int) (*quartz.JobDetail, error) {
	j, ok := a[i].(*quartz.JobDetail)
	if !ok {
		return nil, quartz.InvalidArgument("argument %d: expected job detail, got %T", i, a[i])
	}
	return j, nil
}

func (a args) trigger(i int) (*quartz.Trigger, error) {
	tr, ok := a[i].(*quartz.Trigger)
	if !ok {
		return nil, quartz.InvalidArgument("argument %d: expected trigger, got %T", i, a[i])
	}
	return tr, nil
}

func (a args) calendar(i int) (quartz.Calendar, error) {
	c, ok := a[i].(quartz.Calendar)
	if !ok {
		return nil, quartz.InvalidArgument("argument %d: expected calendar, got %T", i, a[i])
	}
	return c, nil
}

func (a args) data(i int) (map[string]interface{}, error) {
	if a[i] == nil {
		return nil, nil
	}
	m, ok := a[i].(map[string]interface{})
	if !ok {
		return nil, quartz.InvalidArgument("argument %d: expected map, got %T", i, a[i])
	}
	return m, nil
}
