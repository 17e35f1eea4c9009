package main

import (
	"context"
	"os/exec"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/DEEJ4Y/quartz"
)

// builtinJobs registers the job classes the binary can run.
//
//	log   logs the merged job data
//	shell runs job data "command" with "args" and fails on a non-zero exit
func builtinJobs(log *zap.SugaredLogger) *quartz.JobRegistry {
	jobs := quartz.NewJobRegistry()
	log = log.Named("job")

	jobs.RegisterFunc("log", func(ctx context.Context, jc *quartz.JobContext) error {
		log.Infow("Job fired", "job", jc.JobDetail.Key.String(), "trigger", jc.Trigger.Key.String(),
			"fire_instance_id", jc.FireInstanceID, "scheduled", jc.ScheduledTime.Format(time.RFC3339),
			"data", jc.MergedJobDataMap)
		return nil
	})

	jobs.RegisterFunc("shell", func(ctx context.Context, jc *quartz.JobContext) error {
		command, _ := jc.MergedJobDataMap["command"].(string)
		if command == "" {
			return &quartz.JobExecutionError{
				Err:                     errors.New("shell job without command"),
				UnscheduleFiringTrigger: true,
			}
		}
		var args []string
		if raw, ok := jc.MergedJobDataMap["args"].([]interface{}); ok {
			for _, a := range raw {
				if s, ok := a.(string); ok {
					args = append(args, s)
				}
			}
		}
		out, err := exec.CommandContext(ctx, command, args...).CombinedOutput()
		jc.Result = string(out)
		if err != nil {
			return errors.Wrapf(err, "run %s", command)
		}
		log.Debugw("Command finished", "job", jc.JobDetail.Key.String(), "command", command)
		return nil
	})
	return jobs
}
