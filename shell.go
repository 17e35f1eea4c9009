package quartz

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine is the handle an execution shell uses to run and settle fires. The
// two operations are tied together only by the fire instance id, so a shell
// may run the body in another process.
type Engine interface {
	// RunFired runs the job body of a confirmed fire and completes it.
	RunFired(ctx context.Context, fireInstanceID string) error
	// CompleteFire settles a fire whose body ran elsewhere.
	CompleteFire(ctx context.Context, fireInstanceID string, outcome Outcome) error
}

// Shell runs the job body for a confirmed fire. Execute receives the trigger
// with its FireInstanceID set and must cause the body to run exactly once.
// Failures of the body itself are not Execute errors: they are recorded on the
// trigger when the fire completes. An Execute error means the fire could not
// be started at all.
type Shell interface {
	Initialize(engine Engine) error
	Execute(ctx context.Context, trigger *Trigger) error
}

// LocalShell runs bodies in the scheduler's process. With MaxConcurrency 0 the
// body runs on the tick loop; otherwise up to MaxConcurrency bodies run on
// their own goroutines and Execute blocks while all slots are busy.
type LocalShell struct {
	MaxConcurrency int
	Logger         *zap.SugaredLogger

	engine Engine
	group  errgroup.Group
}

// NewLocalShell creates a shell running up to maxConcurrency bodies at once; 0 runs them on the tick loop.
func NewLocalShell(maxConcurrency int, logger *zap.SugaredLogger) *LocalShell {
	return &LocalShell{MaxConcurrency: maxConcurrency, Logger: logger}
}

// Initialize binds the shell to its scheduler.
func (l *LocalShell) Initialize(engine Engine) error {
	if engine == nil {
		return invalidArgument("local shell needs an engine")
	}
	l.engine = engine
	if l.Logger == nil {
		l.Logger = zap.NewNop().Sugar()
	}
	l.Logger = l.Logger.Named("shell")
	if l.MaxConcurrency > 0 {
		l.group.SetLimit(l.MaxConcurrency)
	}
	return nil
}

// Execute runs the fire, blocking while every slot is busy.
func (l *LocalShell) Execute(ctx context.Context, trigger *Trigger) error {
	if l.engine == nil {
		return invalidArgument("local shell is not initialized")
	}
	id := trigger.FireInstanceID
	if id == "" {
		return invalidArgument("trigger %s has no fire instance id", trigger.Key)
	}
	run := func(ctx context.Context) {
		if err := l.engine.RunFired(ctx, id); err != nil {
			l.Logger.Warnw("Fire failed", "trigger", trigger.Key.String(), "fire_instance_id", id, "error", err)
		}
	}
	if l.MaxConcurrency <= 0 {
		run(ctx)
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	l.group.Go(func() error {
		run(ctx)
		return nil
	})
	return nil
}

// Drain waits for the bodies started by Execute.
func (l *LocalShell) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = l.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
