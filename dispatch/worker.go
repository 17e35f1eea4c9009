package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DEEJ4Y/quartz"
	"github.com/DEEJ4Y/quartz/transport"
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Engine runs and completes fires. A scheduler built on the shared store
	// serves; it does not need to be started.
	Engine quartz.Engine

	// Server delivers the fire instance ids.
	Server transport.Server

	// Destination defaults to DefaultDestination.
	Destination string

	// Concurrency is the number of fires run at once. Default: 1
	Concurrency int

	Logger *zap.SugaredLogger
}

// Worker consumes fire instance ids and runs their bodies.
type Worker struct {
	config    WorkerConfig
	log       *zap.SugaredLogger
	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker validates the configuration and applies defaults.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Engine == nil {
		return nil, quartz.InvalidArgument("worker needs an engine")
	}
	if config.Server == nil {
		return nil, quartz.InvalidArgument("worker needs a transport server")
	}
	if config.Destination == "" {
		config.Destination = DefaultDestination
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	return &Worker{config: config, log: config.Logger.Named("worker")}, nil
}

// Run serves fires until ctx is done. Each of the Concurrency loops handles
// one fire at a time; a fire that has started runs to completion.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Infow("Worker started", "destination", w.config.Destination, "concurrency", w.config.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		g.Go(func() error {
			return w.config.Server.Serve(gctx, w.config.Destination, w.handle)
		})
	}
	err := g.Wait()
	w.log.Infow("Worker stopped", "count", w.processed.Load(), "failed", w.failed.Load())
	return errors.Wrap(err, "serve fires")
}

func (w *Worker) handle(ctx context.Context, payload []byte) ([]byte, error) {
	id := string(payload)
	if id == "" {
		w.log.Warnw("Dropping empty fire instance id")
		return nil, nil
	}
	err := w.config.Engine.RunFired(context.WithoutCancel(ctx), id)
	w.processed.Add(1)
	if err != nil {
		w.failed.Add(1)
		w.log.Warnw("Fire failed", "fire_instance_id", id, "error", err)
		return nil, err
	}
	return nil, nil
}

// Processed returns the number of fires handled and how many of them could
// not be run.
func (w *Worker) Processed() (total, failed int64) {
	return w.processed.Load(), w.failed.Load()
}
