package rpc

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/DEEJ4Y/quartz"
	"github.com/DEEJ4Y/quartz/transport"
)

// DefaultDestination is the queue remote scheduler calls are sent to.
const DefaultDestination = "scheduler"

// Method names on the wire.
const (
	MethodScheduleJob            = "schedule_job"
	MethodScheduleTrigger        = "schedule_trigger"
	MethodAddJob                 = "add_job"
	MethodDeleteJob              = "delete_job"
	MethodUnscheduleJob          = "unschedule_job"
	MethodRescheduleJob          = "reschedule_job"
	MethodTriggerJob             = "trigger_job"
	MethodPauseTrigger           = "pause_trigger"
	MethodPauseTriggerGroup      = "pause_trigger_group"
	MethodPauseJob               = "pause_job"
	MethodPauseJobGroup          = "pause_job_group"
	MethodResumeTrigger          = "resume_trigger"
	MethodResumeTriggerGroup     = "resume_trigger_group"
	MethodResumeJob              = "resume_job"
	MethodResumeJobGroup         = "resume_job_group"
	MethodPauseAll               = "pause_all"
	MethodResumeAll              = "resume_all"
	MethodAddCalendar            = "add_calendar"
	MethodDeleteCalendar         = "delete_calendar"
	MethodGetCalendar            = "get_calendar"
	MethodGetCalendarNames       = "get_calendar_names"
	MethodGetJobDetail           = "get_job_detail"
	MethodGetTrigger             = "get_trigger"
	MethodGetTriggerState        = "get_trigger_state"
	MethodGetTriggersOfJob       = "get_triggers_of_job"
	MethodGetJobKeys             = "get_job_keys"
	MethodGetTriggerKeys         = "get_trigger_keys"
	MethodGetPausedTriggerGroups = "get_paused_trigger_groups"
	MethodCheckJobExists         = "check_job_exists"
	MethodCheckTriggerExists     = "check_trigger_exists"
	MethodClear                  = "clear"
)

type method func(ctx context.Context, a args) (interface{}, error)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Scheduler receives the calls. Required.
	Scheduler Scheduler
	// Codec defaults to NewCodec(nil, nil).
	Codec  *Codec
	Logger *zap.SugaredLogger
}

// Server dispatches decoded requests to a Scheduler through an explicit
// method table. Every failure, including a panic in the scheduler, is
// returned to the caller as an encoded exception.
type Server struct {
	scheduler Scheduler
	codec     *Codec
	log       *zap.SugaredLogger
	methods   map[string]method
}

// NewServer builds the method table for config.Scheduler.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Scheduler == nil {
		return nil, quartz.InvalidArgument("rpc server needs a scheduler")
	}
	if config.Codec == nil {
		config.Codec = NewCodec(nil, nil)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	s := &Server{
		scheduler: config.Scheduler,
		codec:     config.Codec,
		log:       config.Logger.Named("rpc-server"),
	}
	s.methods = s.table()
	return s, nil
}

// Serve answers calls arriving at destination until ctx is done.
func (s *Server) Serve(ctx context.Context, server transport.Server, destination string) error {
	if destination == "" {
		destination = DefaultDestination
	}
	s.log.Infow("Serving remote scheduler", "destination", destination)
	return server.Serve(ctx, destination, s.Handle)
}

// Handle decodes one request payload, runs it and encodes the reply. The
// returned error is always nil; failures travel inside the reply.
func (s *Server) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	start := time.Now()
	name, result, err := s.call(ctx, payload)

	var reply interface{}
	if err != nil {
		s.log.Warnw("Remote call failed", "method", name, "error", err,
			"duration_ms", time.Since(start).Milliseconds())
		reply, _ = s.codec.EncodeValue(err)
	} else {
		s.log.Debugw("Remote call", "method", name, "duration_ms", time.Since(start).Milliseconds())
		reply, err = s.codec.EncodeValue(result)
		if err != nil {
			reply, _ = s.codec.EncodeValue(errors.Wrapf(err, "encode reply of %s", name))
		}
	}
	data, err := Marshal(reply)
	if err != nil {
		enc, _ := s.codec.EncodeValue(err)
		return Marshal(enc)
	}
	return data, nil
}

func (s *Server) call(ctx context.Context, payload []byte) (name string, result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("%s panicked: %v", name, r)
		}
	}()
	raw, err := Unmarshal(payload)
	if err != nil {
		return "", nil, err
	}
	req, err := s.codec.DecodeRequest(raw)
	if err != nil {
		return "", nil, err
	}
	m, ok := s.methods[req.Method]
	if !ok {
		return req.Method, nil, quartz.InvalidArgument("unknown method %q", req.Method)
	}
	result, err = m(ctx, args(req.Args))
	return req.Method, result, err
}

func (s *Server) table() map[string]method {
	sc := s.scheduler
	return map[string]method{
		MethodScheduleJob: func(ctx context.Context, a args) (interface{}, error) {
			if err := a.want(2); err != nil {
				return nil, err
			}
			job, err := a.job(0)
			if err != nil {
				return nil, err
			}
			tr, err := a.trigger(1)
			if err != nil {
				return nil, err
			}
			return sc.ScheduleJob(ctx, job, tr)
		},
		MethodScheduleTrigger: func(ctx context.Context, a args) (interface{}, error) {
			if err := a.want(1); err != nil {
				return nil, err
			}
			tr, err := a.trigger(0)
			if err != nil {
				return nil, err
			}
			return sc.ScheduleTrigger(ctx, tr)
		},
		MethodAddJob: func(ctx context.Context, a args) (interface{}, error) {
			if err := a.want(2); err != nil {
				return nil, err
			}
			job, err := a.job(0)
			if err != nil {
				return nil, err
			}
			replace, err := a.boolean(1)
			if err != nil {
				return nil, err
			}
			return nil, sc.AddJob(ctx, job, replace)
		},
		MethodDeleteJob:     byKey(sc.DeleteJob),
		MethodUnscheduleJob: byKey(sc.UnscheduleJob),
		MethodRescheduleJob: func(ctx context.Context, a args) (interface{}, error) {
			if err := a.want(2); err != nil {
				return nil, err
			}
			key, err := a.key(0)
			if err != nil {
				return nil, err
			}
			tr, err := a.trigger(1)
			if err != nil {
				return nil, err
			}
			return sc.RescheduleJob(ctx, key, tr)
		},
		MethodTriggerJob: func(ctx context.Context, a args) (interface{}, error) {
			if err := a.want(2); err != nil {
				return nil, err
			}
			key, err := a.key(0)
			if err != nil {
				return nil, err
			}
			data, err := a.data(1)
			if err != nil {
				return nil, err
			}
			return nil, sc.TriggerJob(ctx, key, data)
		},

		MethodPauseTrigger:       onKey(sc.PauseTrigger),
		MethodPauseTriggerGroup:  onGroup(sc.PauseTriggerGroup),
		MethodPauseJob:           onKey(sc.PauseJob),
		MethodPauseJobGroup:      onGroup(sc.PauseJobGroup),
		MethodResumeTrigger:      onKey(sc.ResumeTrigger),
		MethodResumeTriggerGroup: onGroup(sc.ResumeTriggerGroup),
		MethodResumeJob:          onKey(sc.ResumeJob),
		MethodResumeJobGroup:     onGroup(sc.ResumeJobGroup),
		MethodPauseAll:           noArgs(sc.PauseAll),
		MethodResumeAll:          noArgs(sc.ResumeAll),

		MethodAddCalendar: func(ctx context.Context, a args) (interface{}, error) {
			if err := a.want(4); err != nil {
				return nil, err
			}
			name, err := a.str(0)
			if err != nil {
				return nil, err
			}
			cal, err := a.calendar(1)
			if err != nil {
				return nil, err
			}
			replace, err := a.boolean(2)
			if err != nil {
				return nil, err
			}
			update, err := a.boolean(3)
			if err != nil {
				return nil, err
			}
			return nil, sc.AddCalendar(ctx, name, cal, replace, update)
		},
		MethodDeleteCalendar: func(ctx context.Context, a args) (interface{}, error) {
			if err := a.want(1); err != nil {
				return nil, err
			}
			name, err := a.str(0)
			if err != nil {
				return nil, err
			}
			return sc.DeleteCalendar(ctx, name)
		},
		MethodGetCalendar: func(ctx context.Context, a args) (interface{}, error) {
			if err := a.want(1); err != nil {
				return nil, err
			}
			name, err := a.str(0)
			if err != nil {
				return nil, err
			}
			return sc.GetCalendar(ctx, name)
		},
		MethodGetCalendarNames: func(ctx context.Context, a args) (interface{}, error) {
			return sc.GetCalendarNames(ctx)
		},

		MethodGetJobDetail: func(ctx context.Context, a args) (interface{}, error) {
			key, err := oneKey(a)
			if err != nil {
				return nil, err
			}
			return sc.GetJobDetail(ctx, key)
		},
		MethodGetTrigger: func(ctx context.Context, a args) (interface{}, error) {
			key, err := oneKey(a)
			if err != nil {
				return nil, err
			}
			return sc.GetTrigger(ctx, key)
		},
		MethodGetTriggerState: func(ctx context.Context, a args) (interface{}, error) {
			key, err := oneKey(a)
			if err != nil {
				return nil, err
			}
			return sc.GetTriggerState(ctx, key)
		},
		MethodGetTriggersOfJob: func(ctx context.Context, a args) (interface{}, error) {
			key, err := oneKey(a)
			if err != nil {
				return nil, err
			}
			return sc.GetTriggersOfJob(ctx, key)
		},
		MethodGetJobKeys:     keysOfGroup(sc.GetJobKeys),
		MethodGetTriggerKeys: keysOfGroup(sc.GetTriggerKeys),
		MethodGetPausedTriggerGroups: func(ctx context.Context, a args) (interface{}, error) {
			return sc.GetPausedTriggerGroups(ctx)
		},
		MethodCheckJobExists:     byKey(sc.CheckJobExists),
		MethodCheckTriggerExists: byKey(sc.CheckTriggerExists),
		MethodClear:              noArgs(sc.Clear),
	}
}

func oneKey(a args) (quartz.Key, error) {
	if err := a.want(1); err != nil {
		return quartz.Key{}, err
	}
	return a.key(0)
}

func byKey(fn func(context.Context, quartz.Key) (bool, error)) method {
	return func(ctx context.Context, a args) (interface{}, error) {
		key, err := oneKey(a)
		if err != nil {
			return nil, err
		}
		return fn(ctx, key)
	}
}

func onKey(fn func(context.Context, quartz.Key) error) method {
	return func(ctx context.Context, a args) (interface{}, error) {
		key, err := oneKey(a)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, key)
	}
}

func onGroup(fn func(context.Context, string) error) method {
	return func(ctx context.Context, a args) (interface{}, error) {
		if err := a.want(1); err != nil {
			return nil, err
		}
		group, err := a.str(0)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, group)
	}
}

func keysOfGroup(fn func(context.Context, string) ([]quartz.Key, error)) method {
	return func(ctx context.Context, a args) (interface{}, error) {
		if err := a.want(1); err != nil {
			return nil, err
		}
		group, err := a.str(0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, group)
	}
}

func noArgs(fn func(context.Context) error) method {
	return func(ctx context.Context, a args) (interface{}, error) {
		return nil, fn(ctx)
	}
}
