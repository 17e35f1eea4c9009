package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	redigo "github.com/gomodule/redigo/redis"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/DEEJ4Y/quartz"
	"github.com/DEEJ4Y/quartz/dispatch"
	"github.com/DEEJ4Y/quartz/mongodb"
	"github.com/DEEJ4Y/quartz/redis"
)

// runtime holds the connections shared by the commands.
type runtime struct {
	cfg    *Config
	log    *zap.SugaredLogger
	client *mongo.Client
	pool   *redigo.Pool
	store  *mongodb.Store
}

func openRuntime(ctx context.Context, cfg *Config, log *zap.SugaredLogger) (*runtime, error) {
	rt := &runtime{cfg: cfg, log: log}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, errors.Wrap(err, "connect to MongoDB")
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping MongoDB")
	}
	rt.client = client

	var locker quartz.Locker
	if cfg.Scheduler.Lock == "redis" {
		lock, err := redis.NewLock(redis.LockConfig{Pool: rt.redisPool()})
		if err != nil {
			rt.Close()
			return nil, err
		}
		locker = lock
	}

	store, err := mongodb.NewStore(mongodb.Config{
		Database:         client.Database(cfg.Mongo.Database),
		CollectionPrefix: cfg.Mongo.CollectionPrefix,
		InstanceID:       cfg.Scheduler.InstanceID,
		Locker:           locker,
		MaxErrorRetries:  cfg.Scheduler.MaxErrorRetries,
		MisfireThreshold: cfg.Scheduler.MisfireThreshold,
		Logger:           log,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.store = store
	return rt, nil
}

func (rt *runtime) redisPool() *redigo.Pool {
	if rt.pool == nil {
		rt.pool = redis.NewPool(rt.cfg.Redis.URL)
	}
	return rt.pool
}

func (rt *runtime) transport() (*redis.Transport, error) {
	return newTransport(rt.cfg, rt.redisPool(), rt.log)
}

func newTransport(cfg *Config, pool *redigo.Pool, log *zap.SugaredLogger) (*redis.Transport, error) {
	return redis.NewTransport(redis.TransportConfig{
		Pool:   pool,
		Prefix: cfg.Redis.Prefix,
		Logger: log,
	})
}

// scheduler builds a scheduler on the shared store. Schedulers that only
// serve workers or remote calls are never started.
func (rt *runtime) scheduler(shell quartz.Shell) (*quartz.Scheduler, error) {
	sc := rt.cfg.Scheduler
	return quartz.New(quartz.Config{
		Store:            rt.store,
		Shell:            shell,
		Jobs:             builtinJobs(rt.log),
		Logger:           rt.log,
		InstanceID:       sc.InstanceID,
		MisfireThreshold: sc.MisfireThreshold,
		MaxBatchSize:     sc.MaxBatchSize,
		BatchTimeWindow:  sc.BatchTimeWindow,
		IdleWaitTime:     sc.IdleWaitTime,
		OnError: func(ctx context.Context, err error) {
			rt.log.Errorw("Scheduler error", "error", err)
		},
	})
}

// shell returns the execution shell selected by scheduler.shell.
func (rt *runtime) shell() (quartz.Shell, error) {
	if rt.cfg.Scheduler.Shell == "dispatch" {
		t, err := rt.transport()
		if err != nil {
			return nil, err
		}
		return dispatch.NewShell(t, rt.cfg.Worker.Destination, rt.log), nil
	}
	return quartz.NewLocalShell(rt.cfg.Scheduler.Concurrency, rt.log), nil
}

// Close releases the redis pool and the Mongo client.
func (rt *runtime) Close() {
	if rt.pool != nil {
		_ = rt.pool.Close()
	}
	if rt.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.client.Disconnect(ctx)
	}
}
