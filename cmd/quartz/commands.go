package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/DEEJ4Y/quartz"
	"github.com/DEEJ4Y/quartz/dispatch"
	"github.com/DEEJ4Y/quartz/redis"
	"github.com/DEEJ4Y/quartz/rpc"
)

const shutdownTimeout = 30 * time.Second

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduling engine until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := openRuntime(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		shell, err := rt.shell()
		if err != nil {
			return err
		}
		sched, err := rt.scheduler(shell)
		if err != nil {
			return err
		}
		sched.SubscribeAll(func(ctx context.Context, ev quartz.Event) {
			if ev.Name == quartz.EventSchedulerError {
				log.Errorw("Scheduler error event", "error", ev.Err)
			}
		})

		if cfg.Scheduler.ServeRPC {
			if err := serveRPC(ctx, rt, sched); err != nil {
				return err
			}
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		log.Infow("Scheduler running", "instance", sched.InstanceID(), "shell", cfg.Scheduler.Shell)

		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return sched.Shutdown(stopCtx)
	},
}

// serveRPC answers remote calls for sched in the background until ctx is done.
func serveRPC(ctx context.Context, rt *runtime, sched rpc.Scheduler) error {
	t, err := rt.transport()
	if err != nil {
		return err
	}
	srv, err := rpc.NewServer(rpc.ServerConfig{Scheduler: sched, Logger: log})
	if err != nil {
		return err
	}
	go func() {
		if err := srv.Serve(ctx, t, cfg.RPC.Destination); err != nil {
			log.Errorw("RPC server stopped", "error", err)
		}
	}()
	return nil
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run dispatched job bodies until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := openRuntime(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		engine, err := rt.scheduler(nil)
		if err != nil {
			return err
		}
		t, err := rt.transport()
		if err != nil {
			return err
		}
		w, err := dispatch.NewWorker(dispatch.WorkerConfig{
			Engine:      engine,
			Server:      t,
			Destination: cfg.Worker.Destination,
			Concurrency: cfg.Worker.Concurrency,
			Logger:      log,
		})
		if err != nil {
			return err
		}
		return w.Run(ctx)
	},
}

var rpcServerCmd = &cobra.Command{
	Use:   "rpc-server",
	Short: "Answer remote scheduler calls until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := openRuntime(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		sched, err := rt.scheduler(nil)
		if err != nil {
			return err
		}
		t, err := rt.transport()
		if err != nil {
			return err
		}
		srv, err := rpc.NewServer(rpc.ServerConfig{Scheduler: sched, Logger: log})
		if err != nil {
			return err
		}
		return srv.Serve(ctx, t, cfg.RPC.Destination)
	},
}

// remoteScheduler connects to the rpc-server named in the config.
func remoteScheduler() (*rpc.RemoteScheduler, func(), error) {
	pool := redis.NewPool(cfg.Redis.URL)
	t, err := newTransport(cfg, pool, log)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	r, err := rpc.NewRemoteScheduler(rpc.RemoteConfig{
		Transport:   t,
		Destination: cfg.RPC.Destination,
		Timeout:     cfg.RPC.Timeout,
	})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return r, func() { pool.Close() }, nil
}

var scheduleFlags struct {
	name, group, class, cron, timezone string
	every                              time.Duration
	repeat                             int
	durable                            bool
	data                               map[string]string
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Schedule a job through the rpc-server",
	Example: `  quartz schedule --name backup --class shell --cron "0 0 3 * * ?" --data command=/usr/local/bin/backup
  quartz schedule --name ping --class log --every 30s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := scheduleFlags
		key, err := quartz.NewKey(f.name, f.group)
		if err != nil {
			return err
		}

		var sched quartz.Schedule
		switch {
		case f.cron != "":
			sched, err = quartz.NewCronSchedule(f.cron, f.timezone)
			if err != nil {
				return err
			}
		case f.every > 0:
			sched = &quartz.SimpleSchedule{RepeatInterval: f.every, RepeatCount: f.repeat}
		default:
			sched = &quartz.SimpleSchedule{}
		}

		job := quartz.NewJob(key, f.class)
		job.Durable = f.durable
		if len(f.data) > 0 {
			job.JobDataMap = make(map[string]interface{}, len(f.data))
			for k, v := range f.data {
				job.JobDataMap[k] = v
			}
		}
		tr := quartz.NewTrigger(key, key, time.Now(), sched)

		r, closeFn, err := remoteScheduler()
		if err != nil {
			return err
		}
		defer closeFn()
		first, err := r.ScheduleJob(cmd.Context(), job, tr)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scheduled %s, first fire at %s\n", key, first.Format(time.RFC3339))
		return nil
	},
}

var triggersCmd = &cobra.Command{
	Use:   "triggers [group]",
	Short: "List triggers and their states through the rpc-server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		group := ""
		if len(args) == 1 {
			group = args[0]
		}
		r, closeFn, err := remoteScheduler()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := cmd.Context()
		keys, err := r.GetTriggerKeys(ctx, group)
		if err != nil {
			return err
		}
		for _, k := range keys {
			tr, err := r.GetTrigger(ctx, k)
			if err != nil {
				return err
			}
			if tr == nil {
				continue
			}
			next := "-"
			if tr.NextFireTime != nil {
				next = tr.NextFireTime.Format(time.RFC3339)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-40s %-15s %s\n", k, tr.State, next)
		}
		return nil
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create store indexes and transport queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.store.CreateIndexes(ctx); err != nil {
			return errors.Wrap(err, "create indexes")
		}
		log.Infow("Store indexes created", "database", cfg.Mongo.Database)

		t, err := rt.transport()
		if err != nil {
			return err
		}
		if err := t.Setup(ctx, cfg.Worker.Destination, cfg.RPC.Destination); err != nil {
			return errors.Wrap(err, "create transport queues")
		}
		return nil
	},
}

var clearYes bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all jobs, triggers, calendars and fired records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearYes {
			return errors.New("refusing to clear scheduling data without --yes")
		}
		ctx := cmd.Context()
		rt, err := openRuntime(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		sched, err := rt.scheduler(nil)
		if err != nil {
			return err
		}
		return sched.Clear(ctx)
	},
}

func init() {
	f := scheduleCmd.Flags()
	f.StringVar(&scheduleFlags.name, "name", "", "job and trigger name (required)")
	f.StringVar(&scheduleFlags.group, "group", quartz.DefaultGroup, "job and trigger group")
	f.StringVar(&scheduleFlags.class, "class", "log", "registered job class")
	f.StringVar(&scheduleFlags.cron, "cron", "", "cron expression (5 or 6 fields)")
	f.StringVar(&scheduleFlags.timezone, "timezone", "", "time zone of the cron expression")
	f.DurationVar(&scheduleFlags.every, "every", 0, "repeat interval of a simple trigger")
	f.IntVar(&scheduleFlags.repeat, "repeat", quartz.RepeatIndefinitely, "repeat count of a simple trigger")
	f.BoolVar(&scheduleFlags.durable, "durable", false, "keep the job after its trigger completes")
	f.StringToStringVar(&scheduleFlags.data, "data", nil, "job data as key=value pairs")
	_ = scheduleCmd.MarkFlagRequired("name")

	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "confirm deleting all scheduling data")
}
