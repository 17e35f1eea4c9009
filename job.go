package quartz

import (
	"context"
	"sync"
	"time"
)

// JobDetail is the persisted definition of a job. It carries no behavior: the
// body is resolved from JobClass through a JobRegistry when a trigger fires.
type JobDetail struct {
	// Key is the unique identity of the job.
	Key Key

	Description string

	// JobClass names the body registered in the JobRegistry.
	JobClass string

	// Durable jobs stay in the store when no trigger references them.
	// Non-durable jobs are removed with their last trigger.
	Durable bool

	// RequestsRecovery asks for the job to be fired again when the scheduler
	// that was running it died mid-execution.
	RequestsRecovery bool

	// ConcurrentExecutionDisallowed blocks the other triggers of the job while
	// one fire of it is executing.
	ConcurrentExecutionDisallowed bool

	// PersistJobDataAfterExecution writes JobDataMap changes made by the body
	// back to the store when the fire completes.
	PersistJobDataAfterExecution bool

	// JobDataMap contains the job's custom fields and payload.
	JobDataMap map[string]interface{}
}

// Instance is the storage discriminator.
func (j *JobDetail) Instance() string { return "job_detail" }

// Validate checks the job before it is stored.
func (j *JobDetail) Validate() error {
	if err := j.Key.Validate(); err != nil {
		return err
	}
	if j.JobClass == "" {
		return invalidArgument("job %s has no job class", j.Key)
	}
	return nil
}

// Clone returns a deep copy.
func (j *JobDetail) Clone() *JobDetail {
	if j == nil {
		return nil
	}
	c := *j
	c.JobDataMap = copyMap(j.JobDataMap)
	return &c
}

// JobContext is handed to a job body for one fire.
type JobContext struct {
	JobDetail      *JobDetail
	Trigger        *Trigger
	FireInstanceID string
	ScheduledTime  time.Time
	FireTime       time.Time
	RefireCount    int

	// MergedJobDataMap is the job data overlaid with the trigger data. It is
	// not persisted; a job with PersistJobDataAfterExecution writes back
	// JobDetail.JobDataMap instead.
	MergedJobDataMap map[string]interface{}

	// Result is free for the body to set; it is reported in the
	// job-was-executed event.
	Result interface{}
}

func newJobContext(fired *TriggerFiredBundle) *JobContext {
	merged := copyMap(fired.Job.JobDataMap)
	if merged == nil {
		merged = make(map[string]interface{})
	}
	for k, v := range fired.Trigger.JobDataMap {
		merged[k] = v
	}
	scheduled := fired.FiredTrigger.ScheduledFireTime
	return &JobContext{
		JobDetail:        fired.Job,
		Trigger:          fired.Trigger,
		FireInstanceID:   fired.FiredTrigger.FireInstanceID,
		ScheduledTime:    scheduled,
		FireTime:         fired.FiredTrigger.FiredTime,
		MergedJobDataMap: merged,
	}
}

// Job is the body run when a trigger fires. Returning a *JobExecutionError
// lets the body steer what happens to its triggers.
type Job interface {
	Execute(ctx context.Context, jc *JobContext) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, jc *JobContext) error

// Execute calls f.
func (f JobFunc) Execute(ctx context.Context, jc *JobContext) error { return f(ctx, jc) }

// JobRegistry maps job class names to job factories. It is safe for
// concurrent use.
type JobRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() Job
}

// NewJobRegistry creates an empty registry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{factories: make(map[string]func() Job)}
}

// Register binds class to a factory called once per fire.
func (r *JobRegistry) Register(class string, factory func() Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[class] = factory
}

// RegisterFunc binds class to a stateless function body.
func (r *JobRegistry) RegisterFunc(class string, fn JobFunc) {
	r.Register(class, func() Job { return fn })
}

// New builds a body for class, failing with ErrNotFound when nothing is
// registered under that name.
func (r *JobRegistry) New(class string) (Job, error) {
	r.mu.RLock()
	f, ok := r.factories[class]
	r.mu.RUnlock()
	if !ok {
		return nil, markNotFound("no job registered for class %q", class)
	}
	return f(), nil
}
