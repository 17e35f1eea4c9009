package quartz

import (
	"context"
	"sync"
)

// EventName identifies a scheduler lifecycle notification.
type EventName string

const (
	EventSchedulerStarting     EventName = "scheduler_starting"
	EventSchedulerStarted      EventName = "scheduler_started"
	EventSchedulerStandby      EventName = "scheduler_standby"
	EventSchedulerShuttingdown EventName = "scheduler_shuttingdown"
	EventSchedulerShutdown     EventName = "scheduler_shutdown"
	EventSchedulerError        EventName = "scheduler_error"

	EventJobToBeExecuted EventName = "job_to_be_executed"
	EventJobWasExecuted  EventName = "job_was_executed"
	EventJobVetoed       EventName = "job_execution_vetoed"

	EventTriggerFired    EventName = "trigger_fired"
	EventTriggerComplete EventName = "trigger_complete"
	EventTriggerMisfired EventName = "trigger_misfired"

	EventJobAdded          EventName = "job_added"
	EventJobDeleted        EventName = "job_deleted"
	EventJobScheduled      EventName = "job_scheduled"
	EventJobUnscheduled    EventName = "job_unscheduled"
	EventTriggersPaused    EventName = "triggers_paused"
	EventTriggersResumed   EventName = "triggers_resumed"
	EventJobsPaused        EventName = "jobs_paused"
	EventJobsResumed       EventName = "jobs_resumed"
	EventSchedulingCleared EventName = "scheduling_data_cleared"
)

// Event carries the entities relevant to a notification. Unused fields are
// zero.
type Event struct {
	Name EventName

	Trigger *Trigger
	Job     *JobDetail
	Context *JobContext

	// TriggerKey and JobKey are set by operations that only have keys.
	TriggerKey Key
	JobKey     Key
	// Group is set by group-wide pause and resume.
	Group string

	Instruction CompletedExecutionInstruction
	Err         error
}

// EventHandler receives notifications synchronously on the goroutine that
// emitted them. A handler that blocks stalls the tick loop.
type EventHandler func(ctx context.Context, ev Event)

// events is the per-scheduler subscriber table. Handlers run in registration
// order.
type events struct {
	mu       sync.RWMutex
	handlers map[EventName][]EventHandler
	all      []EventHandler
}

func (e *events) subscribe(name EventName, h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[EventName][]EventHandler)
	}
	e.handlers[name] = append(e.handlers[name], h)
}

func (e *events) subscribeAll(h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, h)
}

func (e *events) emit(ctx context.Context, ev Event) {
	e.mu.RLock()
	hs := append(append([]EventHandler(nil), e.all...), e.handlers[ev.Name]...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(ctx, ev)
	}
}

// Veto lets a subscriber stop a confirmed fire before the job body runs.
// Returning true vetoes the execution.
type Veto func(ctx context.Context, jc *JobContext) bool
