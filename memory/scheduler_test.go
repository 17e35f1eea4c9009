package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEEJ4Y/quartz"
)

type recorder struct {
	mu    sync.Mutex
	fires []time.Time
}

func (r *recorder) job(err error) quartz.JobFunc {
	return func(ctx context.Context, jc *quartz.JobContext) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.fires = append(r.fires, jc.ScheduledTime)
		return err
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func newScheduler(t *testing.T, clock *fakeClock, s *Store) *quartz.Scheduler {
	t.Helper()
	sched, err := quartz.New(quartz.Config{
		Store:      s,
		InstanceID: "test-instance",
		Clock:      clock.Now,
	})
	require.NoError(t, err)
	return sched
}

func TestSimpleTriggerFiresUntilEndTime(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	s := newStore(clock)
	sched := newScheduler(t, clock, s)
	rec := &recorder{}
	sched.Jobs().RegisterFunc("tick", rec.job(nil))

	job := quartz.NewJob(quartz.MustKey("tick"), "tick")
	job.Durable = true
	end := t0.Add(time.Minute)
	tr := quartz.NewTrigger(quartz.MustKey("every-5s"), job.Key, t0,
		&quartz.SimpleSchedule{RepeatInterval: 5 * time.Second, RepeatCount: quartz.RepeatIndefinitely})
	tr.EndTime = &end
	first, err := sched.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)
	assert.Equal(t, t0, first)

	for i := 0; i < 20; i++ {
		sched.Tick(ctx)
		clock.Advance(5 * time.Second)
	}

	require.Equal(t, 12, rec.count())
	for i, ft := range rec.fires {
		assert.Equal(t, t0.Add(time.Duration(i)*5*time.Second), ft)
	}

	state, err := sched.GetTriggerState(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, quartz.StateComplete, state)

	got, err := s.AcquireNextTriggers(ctx, clock.Now(), 10, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNonDurableJobRemovedAfterLastFire(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	s := newStore(clock)
	sched := newScheduler(t, clock, s)
	rec := &recorder{}
	sched.Jobs().RegisterFunc("once", rec.job(nil))

	job := quartz.NewJob(quartz.MustKey("once"), "once")
	tr := quartz.NewTrigger(quartz.MustKey("once"), job.Key, t0, &quartz.SimpleSchedule{})
	_, err := sched.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)

	sched.Tick(ctx)
	assert.Equal(t, 1, rec.count())
	exists, err := sched.CheckJobExists(ctx, job.Key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMisfirePolicies(t *testing.T) {
	tests := []struct {
		name      string
		policy    quartz.MisfireInstruction
		wantFires int
		wantFirst time.Time
	}{
		// Fires every missed occurrence, oldest first.
		{name: "do nothing catches up", policy: quartz.MisfireDoNothing, wantFires: 4, wantFirst: t0},
		// Skips to the next occurrence after now.
		{name: "smart policy skips", policy: quartz.MisfireSmartPolicy, wantFires: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock(t0)
			s := newStore(clock)
			sched := newScheduler(t, clock, s)
			rec := &recorder{}
			sched.Jobs().RegisterFunc("cron", rec.job(nil))

			sc, err := quartz.NewCronSchedule("0 */5 * * * *", "UTC")
			require.NoError(t, err)
			job := quartz.NewJob(quartz.MustKey("cron"), "cron")
			tr := quartz.NewTrigger(quartz.MustKey("cron"), job.Key, t0, sc)
			tr.MisfireInstruction = tt.policy
			_, err = sched.ScheduleJob(ctx, job, tr)
			require.NoError(t, err)

			// The scheduler was down for 17 minutes: 12:00, 12:05, 12:10
			// and 12:15 were missed.
			clock.Advance(17 * time.Minute)
			for i := 0; i < 10; i++ {
				sched.Tick(ctx)
			}

			require.Equal(t, tt.wantFires, rec.count())
			if tt.wantFires > 0 {
				assert.Equal(t, tt.wantFirst, rec.fires[0])
			}
			stored, err := sched.GetTrigger(ctx, tr.Key)
			require.NoError(t, err)
			assert.Equal(t, t0.Add(20*time.Minute), *stored.NextFireTime)
		})
	}
}

func TestFireOnceNowMisfire(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	s := newStore(clock)
	sched := newScheduler(t, clock, s)
	rec := &recorder{}
	sched.Jobs().RegisterFunc("cron", rec.job(nil))

	sc, err := quartz.NewCronSchedule("0 0 * * * *", "UTC")
	require.NoError(t, err)
	job := quartz.NewJob(quartz.MustKey("hourly"), "cron")
	tr := quartz.NewTrigger(quartz.MustKey("hourly"), job.Key, t0, sc)
	tr.MisfireInstruction = quartz.MisfireFireOnceNow
	_, err = sched.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)

	clock.Advance(150 * time.Minute)
	sched.Tick(ctx)
	sched.Tick(ctx)

	require.Equal(t, 1, rec.count())
	assert.Equal(t, t0.Add(150*time.Minute), rec.fires[0])
	stored, _ := sched.GetTrigger(ctx, tr.Key)
	assert.Equal(t, t0.Add(3*time.Hour), *stored.NextFireTime)
}

func TestJobFailuresMoveTriggerToError(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	s := newStore(clock)
	sched := newScheduler(t, clock, s)
	rec := &recorder{}
	sched.Jobs().RegisterFunc("flaky", rec.job(assert.AnError))

	var completions []quartz.CompletedExecutionInstruction
	sched.Subscribe(quartz.EventTriggerComplete, func(ctx context.Context, ev quartz.Event) {
		completions = append(completions, ev.Instruction)
	})

	job := quartz.NewJob(quartz.MustKey("flaky"), "flaky")
	tr := quartz.NewTrigger(quartz.MustKey("flaky"), job.Key, t0,
		&quartz.SimpleSchedule{RepeatInterval: time.Second, RepeatCount: quartz.RepeatIndefinitely})
	_, err := sched.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		sched.Tick(ctx)
		clock.Advance(time.Second)
	}

	assert.Equal(t, quartz.DefaultMaxErrorRetries, rec.count())
	assert.Len(t, completions, quartz.DefaultMaxErrorRetries)
	stored, _ := sched.GetTrigger(ctx, tr.Key)
	assert.Equal(t, quartz.StateError, stored.State)
	assert.Equal(t, assert.AnError.Error(), stored.ErrorMessage)
}

func TestJobExecutionErrorInstructions(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	s := newStore(clock)
	sched := newScheduler(t, clock, s)

	attempts := 0
	sched.Jobs().RegisterFunc("refire", func(ctx context.Context, jc *quartz.JobContext) error {
		attempts++
		if jc.RefireCount < 2 {
			return &quartz.JobExecutionError{Err: assert.AnError, RefireImmediately: true}
		}
		return &quartz.JobExecutionError{Err: assert.AnError, UnscheduleAllTriggers: true}
	})

	job := quartz.NewJob(quartz.MustKey("refire"), "refire")
	job.Durable = true
	tr := quartz.NewTrigger(quartz.MustKey("a"), job.Key, t0,
		&quartz.SimpleSchedule{RepeatInterval: time.Minute, RepeatCount: quartz.RepeatIndefinitely})
	_, err := sched.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)
	other := quartz.NewTrigger(quartz.MustKey("b"), job.Key, t0.Add(time.Hour),
		&quartz.SimpleSchedule{RepeatInterval: time.Minute, RepeatCount: quartz.RepeatIndefinitely})
	_, err = sched.ScheduleTrigger(ctx, other)
	require.NoError(t, err)

	sched.Tick(ctx)
	assert.Equal(t, 3, attempts)
	for _, k := range []quartz.Key{tr.Key, other.Key} {
		state, _ := sched.GetTriggerState(ctx, k)
		assert.Equal(t, quartz.StateComplete, state, k.String())
	}
}

func TestVetoedFireDoesNotRunBody(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	s := newStore(clock)
	sched := newScheduler(t, clock, s)
	rec := &recorder{}
	sched.Jobs().RegisterFunc("job", rec.job(nil))

	vetoed := 0
	sched.AddVeto(func(ctx context.Context, jc *quartz.JobContext) bool { return true })
	sched.Subscribe(quartz.EventJobVetoed, func(ctx context.Context, ev quartz.Event) { vetoed++ })

	job := quartz.NewJob(quartz.MustKey("job"), "job")
	tr := quartz.NewTrigger(quartz.MustKey("t"), job.Key, t0,
		&quartz.SimpleSchedule{RepeatInterval: time.Minute, RepeatCount: 3})
	_, err := sched.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)

	sched.Tick(ctx)
	assert.Zero(t, rec.count())
	assert.Equal(t, 1, vetoed)
	stored, _ := sched.GetTrigger(ctx, tr.Key)
	assert.Equal(t, t0.Add(time.Minute), *stored.NextFireTime)
}

func TestTriggerJobFiresImmediately(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	s := newStore(clock)
	sched := newScheduler(t, clock, s)

	var got map[string]interface{}
	sched.Jobs().RegisterFunc("manual", func(ctx context.Context, jc *quartz.JobContext) error {
		got = jc.MergedJobDataMap
		return nil
	})
	job := quartz.NewJob(quartz.MustKey("manual"), "manual")
	job.Durable = true
	job.JobDataMap = map[string]interface{}{"a": "job", "b": "job"}
	require.NoError(t, sched.AddJob(ctx, job, false))

	require.NoError(t, sched.TriggerJob(ctx, job.Key, map[string]interface{}{"b": "trigger"}))
	sched.Tick(ctx)

	assert.Equal(t, map[string]interface{}{"a": "job", "b": "trigger"}, got)
	keys, _ := sched.GetTriggerKeys(ctx, quartz.ManualTriggerGroup)
	require.Len(t, keys, 1)
	state, _ := sched.GetTriggerState(ctx, keys[0])
	assert.Equal(t, quartz.StateComplete, state)
}

func TestPersistJobDataAfterExecution(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	s := newStore(clock)
	sched := newScheduler(t, clock, s)
	sched.Jobs().RegisterFunc("counter", func(ctx context.Context, jc *quartz.JobContext) error {
		n, _ := jc.JobDetail.JobDataMap["runs"].(int)
		jc.JobDetail.JobDataMap["runs"] = n + 1
		return nil
	})

	job := quartz.NewJob(quartz.MustKey("counter"), "counter")
	job.PersistJobDataAfterExecution = true
	job.JobDataMap = map[string]interface{}{"runs": 0}
	tr := quartz.NewTrigger(quartz.MustKey("t"), job.Key, t0,
		&quartz.SimpleSchedule{RepeatInterval: time.Second, RepeatCount: quartz.RepeatIndefinitely})
	_, err := sched.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		sched.Tick(ctx)
		clock.Advance(time.Second)
	}
	stored, _ := sched.GetJobDetail(ctx, job.Key)
	assert.Equal(t, 3, stored.JobDataMap["runs"])
}

func TestPausedTriggerDoesNotFire(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	s := newStore(clock)
	sched := newScheduler(t, clock, s)
	rec := &recorder{}
	sched.Jobs().RegisterFunc("job", rec.job(nil))

	job := quartz.NewJob(quartz.MustKey("job"), "job")
	tr := quartz.NewTrigger(quartz.MustKey("t"), job.Key, t0,
		&quartz.SimpleSchedule{RepeatInterval: time.Second, RepeatCount: quartz.RepeatIndefinitely})
	_, err := sched.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)
	require.NoError(t, sched.PauseJob(ctx, job.Key))

	sched.Tick(ctx)
	assert.Zero(t, rec.count())

	require.NoError(t, sched.ResumeJob(ctx, job.Key))
	sched.Tick(ctx)
	assert.Equal(t, 1, rec.count())
}

func TestStartAndShutdown(t *testing.T) {
	s := New(Config{})
	fired := make(chan struct{}, 1)
	jobs := quartz.NewJobRegistry()
	jobs.RegisterFunc("ping", func(ctx context.Context, jc *quartz.JobContext) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})
	sched, err := quartz.New(quartz.Config{
		Store:        s,
		Jobs:         jobs,
		Shell:        quartz.NewLocalShell(4, nil),
		IdleWaitTime: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	var lifecycle []quartz.EventName
	var mu sync.Mutex
	sched.SubscribeAll(func(ctx context.Context, ev quartz.Event) {
		switch ev.Name {
		case quartz.EventSchedulerStarted, quartz.EventSchedulerShutdown:
			mu.Lock()
			lifecycle = append(lifecycle, ev.Name)
			mu.Unlock()
		}
	})

	require.NoError(t, sched.Start(ctx))
	assert.True(t, sched.IsStarted())

	job := quartz.NewJob(quartz.MustKey("ping"), "ping")
	tr := quartz.NewTrigger(quartz.MustKey("ping"), job.Key, time.Now(), &quartz.SimpleSchedule{})
	_, err = sched.ScheduleJob(ctx, job, tr)
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not fire")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, sched.Shutdown(shutdownCtx))
	assert.True(t, sched.IsShutdown())

	_, err = sched.ScheduleJob(ctx, job, tr)
	assert.ErrorIs(t, err, quartz.ErrSchedulerShutdown)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []quartz.EventName{quartz.EventSchedulerStarted, quartz.EventSchedulerShutdown}, lifecycle)
}

func TestLateSchedulerLeavesRunningFiresAlone(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})

	var runs atomic.Int32
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	newSched := func(id string) *quartz.Scheduler {
		jobs := quartz.NewJobRegistry()
		jobs.RegisterFunc("slow", func(ctx context.Context, jc *quartz.JobContext) error {
			runs.Add(1)
			started <- struct{}{}
			<-release
			return nil
		})
		sched, err := quartz.New(quartz.Config{
			Store:        s,
			Shell:        quartz.NewLocalShell(2, nil),
			Jobs:         jobs,
			InstanceID:   id,
			IdleWaitTime: 20 * time.Millisecond,
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sched.Shutdown(stopCtx)
		})
		return sched
	}

	first := newSched("first")
	require.NoError(t, first.Start(ctx))

	job := quartz.NewJob(quartz.MustKey("slow"), "slow")
	job.RequestsRecovery = true
	job.ConcurrentExecutionDisallowed = true
	_, err := first.ScheduleJob(ctx, job, quartz.NewTrigger(quartz.MustKey("once"), job.Key, time.Now(), &quartz.SimpleSchedule{}))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job body did not start")
	}

	second := newSched("second")
	require.NoError(t, second.Start(ctx))
	time.Sleep(200 * time.Millisecond)

	keys, err := s.TriggerKeys(ctx, quartz.RecoveringJobsGroup)
	require.NoError(t, err)
	assert.Empty(t, keys, "a running fire must not be recovered")
	s.mu.Lock()
	assert.Len(t, s.fired, 1)
	s.mu.Unlock()
	assert.Equal(t, int32(1), runs.Load())

	close(release)
	exists := func() bool {
		ok, err := first.CheckJobExists(ctx, job.Key)
		return err == nil && ok
	}
	require.Eventually(t, func() bool { return !exists() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}
