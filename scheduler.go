package quartz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds the configuration for a Scheduler.
type Config struct {
	// Store is the required persistence layer.
	Store JobStore

	// Shell runs job bodies. Default: a synchronous LocalShell.
	Shell Shell

	// Jobs resolves JobDetail.JobClass to a body. Default: an empty registry.
	Jobs *JobRegistry

	// Logger receives structured logs. Default: no-op.
	Logger *zap.SugaredLogger

	// InstanceID identifies this scheduler in logs and events.
	// Default: a random UUID.
	InstanceID string

	// Lifecycle hooks (all optional)

	// OnStart is called when the scheduler starts for the first time.
	OnStart func(ctx context.Context) error

	// OnStop is called once the scheduler has shut down.
	OnStop func(ctx context.Context) error

	// OnError is called when an error occurs in the tick loop.
	// If OnError is not set, errors are only logged.
	OnError func(ctx context.Context, err error)

	// Timing Configuration

	// MisfireThreshold is how late a fire may be before the trigger's misfire
	// instruction applies.
	// Default: 60 seconds
	MisfireThreshold time.Duration

	// MaxBatchSize is the most triggers acquired per tick.
	// Default: 1
	MaxBatchSize int

	// BatchTimeWindow lets a tick acquire triggers due up to this long after
	// now. The tick waits for the first of them before firing the batch.
	// Default: 0
	BatchTimeWindow time.Duration

	// IdleWaitTime bounds the sleep between ticks when nothing is due.
	// Default: 30 seconds
	IdleWaitTime time.Duration

	// StoreFailureRetryInterval is the pause after a failed store call.
	// Default: 15 seconds
	StoreFailureRetryInterval time.Duration

	// StoreFailureThreshold is the number of consecutive store failures after
	// which a scheduler error event is emitted.
	// Default: 3
	StoreFailureThreshold int

	// Clock returns the current time. Default: time.Now
	Clock func() time.Time
}

// SchedulerState is the lifecycle state of a Scheduler.
type SchedulerState int32

const (
	SchedulerStandby SchedulerState = iota
	SchedulerRunning
	SchedulerShutdown
)

// String returns the upper-case state name.
func (s SchedulerState) String() string {
	switch s {
	case SchedulerStandby:
		return "STANDBY"
	case SchedulerRunning:
		return "RUNNING"
	case SchedulerShutdown:
		return "SHUTDOWN"
	}
	return fmt.Sprintf("SchedulerState(%d)", int32(s))
}

// Scheduler acquires due triggers from a JobStore and fires their jobs
// through a Shell. Several schedulers may share one store; the store's cluster
// lock guarantees a trigger is acquired by one of them at a time.
type Scheduler struct {
	store  JobStore
	shell  Shell
	jobs   *JobRegistry
	config Config
	log    *zap.SugaredLogger
	events events

	vetoMu sync.RWMutex
	vetoes []Veto

	// State tracking
	state         atomic.Int32
	processing    atomic.Bool
	idle          atomic.Bool
	storeFailures atomic.Int32

	// signal wakes the idle wait when scheduling data changes.
	signal chan struct{}

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New creates a new Scheduler with the given configuration.
// It returns an error if the configuration is invalid.
func New(config Config) (*Scheduler, error) {
	if config.Store == nil {
		return nil, invalidArgument("store is required")
	}

	// Set defaults
	if config.Jobs == nil {
		config.Jobs = NewJobRegistry()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.MisfireThreshold == 0 {
		config.MisfireThreshold = 60 * time.Second
	}
	if config.MaxBatchSize < 1 {
		config.MaxBatchSize = 1
	}
	if config.IdleWaitTime <= 0 {
		config.IdleWaitTime = 30 * time.Second
	}
	if config.StoreFailureRetryInterval <= 0 {
		config.StoreFailureRetryInterval = 15 * time.Second
	}
	if config.StoreFailureThreshold < 1 {
		config.StoreFailureThreshold = 3
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Shell == nil {
		config.Shell = NewLocalShell(0, config.Logger)
	}

	s := &Scheduler{
		store:  config.Store,
		shell:  config.Shell,
		jobs:   config.Jobs,
		config: config,
		log:    config.Logger.Named("scheduler").With("instance", config.InstanceID),
		signal: make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if err := s.shell.Initialize(s); err != nil {
		return nil, errors.Wrap(err, "initialize shell")
	}
	return s, nil
}

// InstanceID returns the scheduler's instance id.
func (s *Scheduler) InstanceID() string { return s.config.InstanceID }

// Jobs returns the registry used to resolve job bodies.
func (s *Scheduler) Jobs() *JobRegistry { return s.jobs }

// Store returns the scheduler's job store.
func (s *Scheduler) Store() JobStore { return s.store }

// Subscribe registers a handler for one event name. Handlers run
// synchronously in registration order.
func (s *Scheduler) Subscribe(name EventName, h EventHandler) {
	s.events.subscribe(name, h)
}

// SubscribeAll registers a handler for every event.
func (s *Scheduler) SubscribeAll(h EventHandler) {
	s.events.subscribeAll(h)
}

// AddVeto registers a hook consulted before every job execution.
func (s *Scheduler) AddVeto(v Veto) {
	s.vetoMu.Lock()
	defer s.vetoMu.Unlock()
	s.vetoes = append(s.vetoes, v)
}

func (s *Scheduler) emit(ctx context.Context, ev Event) {
	s.events.emit(ctx, ev)
}

func (s *Scheduler) now() time.Time { return s.config.Clock() }

// Start moves the scheduler from standby to running. The first call recovers
// the jobs this instance left behind and starts the tick loop. Calling Start
// on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	switch SchedulerState(s.state.Load()) {
	case SchedulerShutdown:
		return ErrSchedulerShutdown
	case SchedulerRunning:
		return nil
	}

	s.emit(ctx, Event{Name: EventSchedulerStarting})

	if err := s.startLoop(ctx); err != nil {
		return err
	}

	if !s.state.CompareAndSwap(int32(SchedulerStandby), int32(SchedulerRunning)) {
		return ErrSchedulerShutdown
	}
	s.wake()
	s.log.Infow("Scheduler started")
	s.emit(ctx, Event{Name: EventSchedulerStarted})
	return nil
}

func (s *Scheduler) startLoop(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return nil
	}
	if err := s.store.RecoverJobs(ctx); err != nil {
		return errors.Wrap(err, "recover jobs")
	}
	if s.config.OnStart != nil {
		if err := s.config.OnStart(ctx); err != nil {
			return errors.Wrap(err, "OnStart handler failed")
		}
	}
	s.started = true
	s.wg.Add(1)
	go s.run()
	return nil
}

// Standby pauses ticking without releasing anything. Start resumes it.
func (s *Scheduler) Standby(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(SchedulerRunning), int32(SchedulerStandby)) {
		if SchedulerState(s.state.Load()) == SchedulerShutdown {
			return ErrSchedulerShutdown
		}
		return nil
	}
	s.wake()
	s.log.Infow("Scheduler in standby")
	s.emit(ctx, Event{Name: EventSchedulerStandby})
	return nil
}

// Shutdown stops the tick loop and waits for the fire sequence in progress
// and the shell's in-flight bodies before returning. It's safe to call
// Shutdown multiple times.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.emit(ctx, Event{Name: EventSchedulerShuttingdown})
		s.state.Store(int32(SchedulerShutdown))
		s.cancel()

		// Wait for the loop to finish its current fire sequence
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}

		if d, ok := s.shell.(interface{ Drain(context.Context) error }); ok {
			if drainErr := d.Drain(ctx); drainErr != nil {
				err = errors.Wrap(drainErr, "drain shell")
				return
			}
		}

		if s.config.OnStop != nil {
			if stopErr := s.config.OnStop(context.Background()); stopErr != nil {
				err = errors.Wrap(stopErr, "OnStop handler failed")
			}
		}
		s.log.Infow("Scheduler shutdown")
		s.emit(ctx, Event{Name: EventSchedulerShutdown})
	})
	return err
}

// State returns the scheduler's lifecycle state.
func (s *Scheduler) State() SchedulerState { return SchedulerState(s.state.Load()) }

// IsStarted returns true if the scheduler is running.
func (s *Scheduler) IsStarted() bool { return s.State() == SchedulerRunning }

// IsShutdown returns true once Shutdown was called.
func (s *Scheduler) IsShutdown() bool { return s.State() == SchedulerShutdown }

// IsProcessing returns true while a tick is acquiring or firing triggers.
func (s *Scheduler) IsProcessing() bool { return s.processing.Load() }

// IsIdle returns true if the last tick found nothing to fire.
func (s *Scheduler) IsIdle() bool { return s.idle.Load() }

// wake interrupts the idle wait.
func (s *Scheduler) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// run is the main processing loop.
func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		if s.ctx.Err() != nil {
			return
		}
		if s.State() != SchedulerRunning {
			select {
			case <-s.signal:
			case <-s.ctx.Done():
				return
			}
			continue
		}
		s.sleep(s.Tick(s.ctx))
	}
}

func (s *Scheduler) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.signal:
	case <-s.ctx.Done():
	}
}

// Tick runs one acquire and fire cycle and returns how long to wait before
// the next one. Cancelling ctx interrupts waiting for the batch fire time; a
// fire sequence that has started always runs to the end.
func (s *Scheduler) Tick(ctx context.Context) time.Duration {
	s.processing.Store(true)
	defer s.processing.Store(false)

	now := s.now()
	acquired, err := s.store.AcquireNextTriggers(ctx, now, s.config.MaxBatchSize, s.config.BatchTimeWindow)
	if err != nil {
		return s.storeFailed(ctx, errors.Wrap(err, "acquire next triggers"))
	}
	s.storeFailures.Store(0)

	fireCtx := context.WithoutCancel(ctx)
	due := make([]*Trigger, 0, len(acquired))
	for _, tr := range acquired {
		if s.handleMisfire(fireCtx, tr, now) {
			due = append(due, tr)
		}
	}

	if len(due) == 0 {
		return s.idleWait(ctx, len(acquired) > 0)
	}
	s.idle.Store(false)

	if !s.waitForFireTime(ctx, due[0]) {
		s.release(fireCtx, due)
		return 0
	}

	bundles, err := s.store.TriggersFired(fireCtx, due)
	if err != nil {
		s.release(fireCtx, due)
		return s.storeFailed(ctx, errors.Wrap(err, "triggers fired"))
	}

	for _, b := range bundles {
		s.log.Debugw("Trigger fired", "trigger", b.Trigger.Key.String(), "job", b.Job.Key.String(),
			"fire_instance_id", b.FiredTrigger.FireInstanceID)
		s.emit(fireCtx, Event{Name: EventTriggerFired, Trigger: b.Trigger, Job: b.Job})
		if err := s.shell.Execute(fireCtx, b.Trigger); err != nil {
			s.log.Errorw("Shell could not execute fire", "trigger", b.Trigger.Key.String(),
				"fire_instance_id", b.FiredTrigger.FireInstanceID, "error", err)
			s.handleError(ctx, errors.Wrapf(err, "execute %s", b.Trigger.Key))
			_ = s.complete(fireCtx, b.Trigger, b.Job, Outcome{
				Instruction:  InstructionSetAllJobTriggersError,
				ErrorMessage: err.Error(),
			})
		}
	}
	return 0
}

// handleMisfire applies the misfire instruction to an acquired trigger. It
// returns false when the trigger was handed back to the store instead of being
// fired now.
func (s *Scheduler) handleMisfire(ctx context.Context, tr *Trigger, now time.Time) bool {
	if !tr.IsMisfired(now, s.config.MisfireThreshold) {
		return true
	}
	if tr.MisfireInstruction == MisfireDoNothing {
		return true
	}

	cal, err := s.calendarFor(ctx, tr)
	if err == nil {
		err = tr.UpdateAfterMisfire(now, cal)
	}
	if err != nil {
		s.log.Warnw("Misfire handling failed", "trigger", tr.Key.String(), "error", err)
		s.release(ctx, []*Trigger{tr})
		return false
	}
	s.log.Infow("Trigger misfired", "trigger", tr.Key.String(), "next_fire_time", tr.NextFireTime)
	s.emit(ctx, Event{Name: EventTriggerMisfired, Trigger: tr})

	if tr.NextFireTime == nil {
		s.release(ctx, []*Trigger{tr})
		s.emit(ctx, Event{Name: EventTriggerComplete, Trigger: tr, Instruction: InstructionDeleteTrigger})
		return false
	}
	if tr.NextFireTime.After(now.Add(s.config.BatchTimeWindow)) {
		s.release(ctx, []*Trigger{tr})
		return false
	}
	return true
}

func (s *Scheduler) calendarFor(ctx context.Context, tr *Trigger) (Calendar, error) {
	if tr.CalendarName == "" {
		return nil, nil
	}
	return s.store.RetrieveCalendar(ctx, tr.CalendarName)
}

// waitForFireTime sleeps until tr is due. It returns false if ctx was
// cancelled first.
func (s *Scheduler) waitForFireTime(ctx context.Context, tr *Trigger) bool {
	if tr.NextFireTime == nil {
		return true
	}
	d := tr.NextFireTime.Sub(s.now())
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) release(ctx context.Context, triggers []*Trigger) {
	for _, tr := range triggers {
		if err := s.store.ReleaseAcquiredTrigger(ctx, tr); err != nil {
			s.log.Warnw("Release acquired trigger failed", "trigger", tr.Key.String(), "error", err)
		}
	}
}

// idleWait computes the sleep before the next tick: until the earliest
// known fire time, bounded by IdleWaitTime.
func (s *Scheduler) idleWait(ctx context.Context, released bool) time.Duration {
	if released {
		return 0
	}
	if !s.idle.Swap(true) {
		s.log.Debugw("Scheduler idle")
	}
	wait := s.config.IdleWaitTime
	next, err := s.store.NextFireTime(ctx)
	if err != nil {
		return s.storeFailed(ctx, errors.Wrap(err, "next fire time"))
	}
	if next != nil {
		if d := next.Sub(s.now()); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// storeFailed counts a failed store call and returns the retry backoff. The
// scheduler error event fires when the count reaches the threshold.
func (s *Scheduler) storeFailed(ctx context.Context, err error) time.Duration {
	n := int(s.storeFailures.Add(1))
	s.log.Warnw("Job store failure", "error", err, "count", n)
	if n == s.config.StoreFailureThreshold {
		s.log.Errorw("Job store keeps failing", "error", err, "count", n)
		s.emit(ctx, Event{Name: EventSchedulerError, Err: err})
		s.handleError(ctx, err)
	}
	return s.config.StoreFailureRetryInterval
}

// handleError calls the OnError handler if configured.
func (s *Scheduler) handleError(ctx context.Context, err error) {
	if s.config.OnError != nil {
		s.config.OnError(ctx, err)
	}
}

// RunFired runs the body of the confirmed fire fireInstanceID and completes
// it. Failures of the body are recorded on the trigger; the returned error
// only reports that the fire could not be run or settled.
func (s *Scheduler) RunFired(ctx context.Context, fireInstanceID string) error {
	rec, tr, job, err := s.loadFire(ctx, fireInstanceID)
	if err != nil {
		return err
	}
	tr.FireInstanceID = fireInstanceID

	body, err := s.jobs.New(job.JobClass)
	if err != nil {
		s.log.Errorw("Job class not registered", "job", job.Key.String(), "trigger", tr.Key.String(), "error", err)
		return s.complete(ctx, tr, job, Outcome{
			Instruction:  InstructionSetAllJobTriggersError,
			ErrorMessage: err.Error(),
		})
	}

	jc := newJobContext(&TriggerFiredBundle{Job: job, Trigger: tr, FiredTrigger: rec})

	if s.vetoed(ctx, jc) {
		s.log.Infow("Job execution vetoed", "job", job.Key.String(), "trigger", tr.Key.String())
		s.emit(ctx, Event{Name: EventJobVetoed, Trigger: tr, Job: job, Context: jc})
		return s.complete(ctx, tr, job, Outcome{Instruction: tr.ExecutionComplete(nil)})
	}

	var (
		jobErr error
		instr  CompletedExecutionInstruction
	)
	for {
		s.emit(ctx, Event{Name: EventJobToBeExecuted, Trigger: tr, Job: job, Context: jc})
		start := time.Now()
		jobErr = s.execute(ctx, body, jc)
		instr = tr.ExecutionComplete(jobErr)
		s.log.Infow("Job executed", "job", job.Key.String(), "trigger", tr.Key.String(),
			"fire_instance_id", fireInstanceID, "duration_ms", time.Since(start).Milliseconds(), "error", jobErr)
		s.emit(ctx, Event{Name: EventJobWasExecuted, Trigger: tr, Job: job, Context: jc, Err: jobErr})
		if instr != InstructionReExecuteJob {
			break
		}
		jc.RefireCount++
	}

	outcome := Outcome{Instruction: instr}
	if jobErr != nil {
		outcome.ErrorMessage = jobErr.Error()
	}
	if job.PersistJobDataAfterExecution {
		outcome.JobDataMap = jc.JobDetail.JobDataMap
	}
	return s.complete(ctx, tr, job, outcome)
}

// execute runs the body, turning a panic into a job error.
func (s *Scheduler) execute(ctx context.Context, body Job, jc *JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &JobExecutionError{Err: errors.Newf("job panicked: %v", r)}
		}
	}()
	return body.Execute(ctx, jc)
}

func (s *Scheduler) vetoed(ctx context.Context, jc *JobContext) bool {
	s.vetoMu.RLock()
	defer s.vetoMu.RUnlock()
	for _, v := range s.vetoes {
		if v(ctx, jc) {
			return true
		}
	}
	return false
}

// CompleteFire settles a fire whose body ran outside this scheduler.
func (s *Scheduler) CompleteFire(ctx context.Context, fireInstanceID string, outcome Outcome) error {
	_, tr, job, err := s.loadFire(ctx, fireInstanceID)
	if err != nil {
		return err
	}
	tr.FireInstanceID = fireInstanceID
	return s.complete(ctx, tr, job, outcome)
}

// loadFire reads a fired record with its trigger and job. A record whose
// trigger or job is gone is settled and reported as ErrNotFound.
func (s *Scheduler) loadFire(ctx context.Context, fireInstanceID string) (*FiredTrigger, *Trigger, *JobDetail, error) {
	rec, err := s.store.RetrieveFiredTrigger(ctx, fireInstanceID)
	if err != nil {
		return nil, nil, nil, err
	}
	if rec == nil {
		return nil, nil, nil, markNotFound("no fired trigger %q", fireInstanceID)
	}
	tr, err := s.store.RetrieveTrigger(ctx, rec.TriggerKey)
	if err != nil {
		return nil, nil, nil, err
	}
	job, err := s.store.RetrieveJob(ctx, rec.JobKey)
	if err != nil {
		return nil, nil, nil, err
	}
	if tr == nil || job == nil {
		stub := &Trigger{Key: rec.TriggerKey, JobKey: rec.JobKey, FireInstanceID: fireInstanceID}
		if err := s.store.TriggeredJobComplete(ctx, stub, job, Outcome{}); err != nil {
			return nil, nil, nil, err
		}
		return nil, nil, nil, markNotFound("trigger %s or job %s of fire %q no longer exists",
			rec.TriggerKey, rec.JobKey, fireInstanceID)
	}
	return rec, tr, job, nil
}

func (s *Scheduler) complete(ctx context.Context, tr *Trigger, job *JobDetail, outcome Outcome) error {
	if err := s.store.TriggeredJobComplete(ctx, tr, job, outcome); err != nil {
		s.log.Errorw("Triggered job complete failed", "trigger", tr.Key.String(),
			"fire_instance_id", tr.FireInstanceID, "error", err)
		s.handleError(ctx, err)
		return err
	}
	if outcome.Failed() {
		s.log.Warnw("Job failed", "trigger", tr.Key.String(), "job", tr.JobKey.String(), "error", outcome.ErrorMessage)
	}
	s.emit(ctx, Event{Name: EventTriggerComplete, Trigger: tr, Job: job, Instruction: outcome.Instruction})
	s.wake()
	return nil
}
