// Package dispatch runs job bodies outside the scheduler process. The Shell
// hands each confirmed fire instance id to a transport; a Worker on the other
// end runs the body through its own engine handle against the shared store.
package dispatch

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/DEEJ4Y/quartz"
	"github.com/DEEJ4Y/quartz/transport"
)

// DefaultDestination is the queue fire instance ids are sent to.
const DefaultDestination = "fires"

// Shell is an asynchronous quartz.Shell. Execute returns once the fire
// instance id is queued; the trigger stays fired until a worker completes it.
type Shell struct {
	Transport   transport.Transport
	Destination string
	Logger      *zap.SugaredLogger

	engine quartz.Engine
}

var _ quartz.Shell = (*Shell)(nil)

// NewShell creates a shell that sends fire instance ids to destination.
func NewShell(t transport.Transport, destination string, logger *zap.SugaredLogger) *Shell {
	return &Shell{Transport: t, Destination: destination, Logger: logger}
}

// Initialize checks the transport and applies defaults.
func (s *Shell) Initialize(engine quartz.Engine) error {
	if s.Transport == nil {
		return quartz.InvalidArgument("dispatch shell needs a transport")
	}
	if s.Destination == "" {
		s.Destination = DefaultDestination
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop().Sugar()
	}
	s.Logger = s.Logger.Named("dispatch")
	s.engine = engine
	return nil
}

// Execute sends the fire instance id and returns without waiting for the body.
func (s *Shell) Execute(ctx context.Context, trigger *quartz.Trigger) error {
	id := trigger.FireInstanceID
	if id == "" {
		return quartz.InvalidArgument("trigger %s has no fire instance id", trigger.Key)
	}
	if err := s.Transport.Send(ctx, s.Destination, []byte(id)); err != nil {
		return errors.Wrapf(err, "dispatch fire %s", id)
	}
	s.Logger.Debugw("Fire dispatched", "trigger", trigger.Key.String(), "fire_instance_id", id,
		"destination", s.Destination)
	return nil
}
