// Package memory implements quartz.JobStore in process memory. All operations
// run under one mutex, which doubles as the cluster lock for the schedulers
// sharing the store. Fired records are recovered only by the first scheduler
// to start.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DEEJ4Y/quartz"
)

// Config holds the configuration for a Store.
type Config struct {
	// InstanceID owns the fired records this store creates.
	// Default: a random UUID.
	InstanceID string

	// MaxErrorRetries is the number of consecutive failed executions after
	// which a trigger moves to ERROR.
	// Default: quartz.DefaultMaxErrorRetries
	MaxErrorRetries int

	// MisfireThreshold is used when a stored calendar updates its triggers.
	// Default: 60 seconds
	MisfireThreshold time.Duration

	Logger *zap.SugaredLogger

	// Clock returns the current time. Default: time.Now
	Clock func() time.Time
}

// Store is an in-memory quartz.JobStore.
type Store struct {
	mu  sync.Mutex
	cfg Config
	log *zap.SugaredLogger

	jobs      map[quartz.Key]*quartz.JobDetail
	triggers  map[quartz.Key]*quartz.Trigger
	calendars map[string]quartz.Calendar
	fired     map[string]*quartz.FiredTrigger

	pausedTriggerGroups map[string]bool
	pausedJobGroups     map[string]bool
	allPaused           bool
	blockedJobs         map[quartz.Key]bool

	// recovered is set by the first RecoverJobs; it survives Clear.
	recovered bool
}

var _ quartz.JobStore = (*Store)(nil)

// New creates an empty store.
func New(cfg Config) *Store {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.MaxErrorRetries == 0 {
		cfg.MaxErrorRetries = quartz.DefaultMaxErrorRetries
	}
	if cfg.MisfireThreshold == 0 {
		cfg.MisfireThreshold = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	s := &Store{cfg: cfg, log: cfg.Logger.Named("memory-store")}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.jobs = make(map[quartz.Key]*quartz.JobDetail)
	s.triggers = make(map[quartz.Key]*quartz.Trigger)
	s.calendars = make(map[string]quartz.Calendar)
	s.fired = make(map[string]*quartz.FiredTrigger)
	s.pausedTriggerGroups = make(map[string]bool)
	s.pausedJobGroups = make(map[string]bool)
	s.blockedJobs = make(map[quartz.Key]bool)
	s.allPaused = false
}

// StoreJob saves a job, failing with ErrObjectAlreadyExists unless replaceExisting is set.
func (s *Store) StoreJob(ctx context.Context, job *quartz.JobDetail, replaceExisting bool) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Key]; ok && !replaceExisting {
		return quartz.AlreadyExists("job", job.Key)
	}
	s.jobs[job.Key] = job.Clone()
	return nil
}

// StoreTrigger saves a trigger whose job must already exist.
func (s *Store) StoreTrigger(ctx context.Context, tr *quartz.Trigger, replaceExisting bool) error {
	if err := tr.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeTrigger(tr, replaceExisting)
}

func (s *Store) storeTrigger(tr *quartz.Trigger, replaceExisting bool) error {
	if _, ok := s.triggers[tr.Key]; ok && !replaceExisting {
		return quartz.AlreadyExists("trigger", tr.Key)
	}
	if _, ok := s.jobs[tr.JobKey]; !ok {
		return quartz.NotFound("job %s referenced by trigger %s does not exist", tr.JobKey, tr.Key)
	}
	if tr.CalendarName != "" {
		if _, ok := s.calendars[tr.CalendarName]; !ok {
			return quartz.NotFound("calendar %q referenced by trigger %s does not exist", tr.CalendarName, tr.Key)
		}
	}
	c := tr.Clone()
	c.FireInstanceID = ""
	c.State = s.initialState(c)
	s.triggers[c.Key] = c
	return nil
}

// initialState is the state of a newly stored trigger given the paused groups
// and the jobs currently blocked.
func (s *Store) initialState(tr *quartz.Trigger) quartz.TriggerState {
	state := quartz.StateWaiting
	if s.allPaused || s.pausedTriggerGroups[tr.Key.Group] || s.pausedJobGroups[tr.JobKey.Group] {
		state = quartz.StatePaused
	}
	if s.blockedJobs[tr.JobKey] {
		state = quartz.Blocked(state)
	}
	return state
}

// StoreJobAndTrigger saves a new job together with its first trigger.
func (s *Store) StoreJobAndTrigger(ctx context.Context, job *quartz.JobDetail, tr *quartz.Trigger) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := tr.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Key]; ok {
		return quartz.AlreadyExists("job", job.Key)
	}
	if _, ok := s.triggers[tr.Key]; ok {
		return quartz.AlreadyExists("trigger", tr.Key)
	}
	s.jobs[job.Key] = job.Clone()
	if err := s.storeTrigger(tr, false); err != nil {
		delete(s.jobs, job.Key)
		return err
	}
	return nil
}

// RemoveJob deletes a job and all of its triggers.
func (s *Store) RemoveJob(ctx context.Context, key quartz.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	for _, tr := range s.jobTriggers(key) {
		delete(s.triggers, tr.Key)
	}
	delete(s.jobs, key)
	return ok, nil
}

// RemoveTrigger deletes a trigger, and its job when the job is not durable and has no other trigger.
func (s *Store) RemoveTrigger(ctx context.Context, key quartz.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[key]
	if !ok {
		return false, nil
	}
	s.removeTrigger(tr)
	return true, nil
}

// removeTrigger deletes tr and its job when the job is left without a live
// trigger and is not durable.
func (s *Store) removeTrigger(tr *quartz.Trigger) {
	job := s.jobs[tr.JobKey]
	siblings := s.jobTriggers(tr.JobKey)
	delete(s.triggers, tr.Key)
	if quartz.RemovesOrphanJob(job, siblings, tr.Key) {
		for _, t := range siblings {
			delete(s.triggers, t.Key)
		}
		delete(s.jobs, job.Key)
		s.log.Debugw("Removed orphan job", "job", job.Key.String())
	}
}

// retire completes tr, or removes it with its job when nothing keeps the job.
func (s *Store) retire(tr *quartz.Trigger) {
	job := s.jobs[tr.JobKey]
	if quartz.RemovesOrphanJob(job, s.jobTriggers(tr.JobKey), tr.Key) {
		s.removeTrigger(tr)
		return
	}
	tr.State = quartz.StateComplete
	tr.NextFireTime = nil
	tr.FireInstanceID = ""
	s.triggers[tr.Key] = tr
}

// ReplaceTrigger swaps the trigger under key for newTrigger, which must point at the same job.
func (s *Store) ReplaceTrigger(ctx context.Context, key quartz.Key, newTrigger *quartz.Trigger) (bool, error) {
	if err := newTrigger.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.triggers[key]
	if !ok {
		return false, nil
	}
	if !old.JobKey.Equals(newTrigger.JobKey) {
		return false, quartz.InvalidArgument("new trigger %s must reference job %s", newTrigger.Key, old.JobKey)
	}
	delete(s.triggers, key)
	if err := s.storeTrigger(newTrigger, false); err != nil {
		s.triggers[key] = old
		return false, err
	}
	return true, nil
}

// RetrieveJob returns a copy of the job, or nil if it does not exist.
func (s *Store) RetrieveJob(ctx context.Context, key quartz.Key) (*quartz.JobDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[key].Clone(), nil
}

// RetrieveTrigger returns a copy of the trigger, or nil if it does not exist.
func (s *Store) RetrieveTrigger(ctx context.Context, key quartz.Key) (*quartz.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggers[key].Clone(), nil
}

func copyData(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// copyCalendar decouples a stored calendar from the caller's instance.
func copyCalendar(cal quartz.Calendar) (quartz.Calendar, error) {
	return quartz.CalendarFromValues(cal.Values())
}

// StoreCalendar saves a calendar and, when updateTriggers is set, recomputes the next fire times of the triggers that use it.
func (s *Store) StoreCalendar(ctx context.Context, name string, cal quartz.Calendar, replaceExisting, updateTriggers bool) error {
	c, err := copyCalendar(cal)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calendars[name]; ok && !replaceExisting {
		return quartz.AlreadyExists("calendar", name)
	}
	s.calendars[name] = c
	if !updateTriggers {
		return nil
	}
	now := s.cfg.Clock()
	for _, tr := range s.triggers {
		if tr.CalendarName != name || tr.State == quartz.StateComplete {
			continue
		}
		if err := tr.UpdateWithNewCalendar(c, now, s.cfg.MisfireThreshold); err != nil {
			return err
		}
		if tr.NextFireTime == nil && tr.State == quartz.StateWaiting {
			s.retire(tr)
		}
	}
	return nil
}

// RemoveCalendar deletes a calendar that no trigger references.
func (s *Store) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calendars[name]; !ok {
		return false, nil
	}
	for _, tr := range s.triggers {
		if tr.CalendarName == name {
			return false, quartz.InvalidArgument("calendar %q is referenced by trigger %s", name, tr.Key)
		}
	}
	delete(s.calendars, name)
	return true, nil
}

// RetrieveCalendar returns the named calendar, or nil.
func (s *Store) RetrieveCalendar(ctx context.Context, name string) (quartz.Calendar, error) {
	s.mu.Lock()
	cal, ok := s.calendars[name]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return copyCalendar(cal)
}

func sortKeys(keys []quartz.Key) []quartz.Key {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

// JobKeys lists job keys in group, or in every group when group is empty.
func (s *Store) JobKeys(ctx context.Context, group string) ([]quartz.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := []quartz.Key{}
	for k := range s.jobs {
		if group == "" || k.Group == group {
			keys = append(keys, k)
		}
	}
	return sortKeys(keys), nil
}

// TriggerKeys lists trigger keys in group, or in every group when group is empty.
func (s *Store) TriggerKeys(ctx context.Context, group string) ([]quartz.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := []quartz.Key{}
	for k := range s.triggers {
		if group == "" || k.Group == group {
			keys = append(keys, k)
		}
	}
	return sortKeys(keys), nil
}

// CalendarNames lists the stored calendar names.
func (s *Store) CalendarNames(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := []string{}
	for n := range s.calendars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// jobTriggers returns the stored triggers of a job, sorted by key.
func (s *Store) jobTriggers(jobKey quartz.Key) []*quartz.Trigger {
	var out []*quartz.Trigger
	for _, tr := range s.triggers {
		if tr.JobKey.Equals(jobKey) {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out
}

// TriggersForJob returns copies of the triggers pointing at jobKey.
func (s *Store) TriggersForJob(ctx context.Context, jobKey quartz.Key) ([]*quartz.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*quartz.Trigger{}
	for _, tr := range s.jobTriggers(jobKey) {
		out = append(out, tr.Clone())
	}
	return out, nil
}

// TriggerState returns the state of a trigger, StateNone if it does not exist.
func (s *Store) TriggerState(ctx context.Context, key quartz.Key) (quartz.TriggerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[key]
	if !ok {
		return quartz.StateNone, nil
	}
	return tr.State, nil
}

func (s *Store) pause(tr *quartz.Trigger) {
	tr.State = quartz.Paused(tr.State)
}

func (s *Store) resume(tr *quartz.Trigger) {
	if s.allPaused || s.pausedTriggerGroups[tr.Key.Group] || s.pausedJobGroups[tr.JobKey.Group] {
		return
	}
	tr.State = quartz.Resumed(tr.State)
	if tr.State == quartz.StateWaiting && s.blockedJobs[tr.JobKey] {
		tr.State = quartz.StateBlocked
	}
}

// PauseTrigger pauses one trigger.
func (s *Store) PauseTrigger(ctx context.Context, key quartz.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.triggers[key]; ok {
		s.pause(tr)
	}
	return nil
}

// PauseTriggerGroup pauses every trigger in group and the triggers later added to it.
func (s *Store) PauseTriggerGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedTriggerGroups[group] = true
	for _, tr := range s.triggers {
		if tr.Key.Group == group {
			s.pause(tr)
		}
	}
	return nil
}

// PauseJob pauses every trigger of a job.
func (s *Store) PauseJob(ctx context.Context, key quartz.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.jobTriggers(key) {
		s.pause(tr)
	}
	return nil
}

// PauseJobGroup pauses the triggers of every job in group.
func (s *Store) PauseJobGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedJobGroups[group] = true
	for _, tr := range s.triggers {
		if tr.JobKey.Group == group {
			s.pause(tr)
		}
	}
	return nil
}

// ResumeTrigger resumes a paused trigger, applying its misfire policy if it fell behind.
func (s *Store) ResumeTrigger(ctx context.Context, key quartz.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.triggers[key]; ok {
		tr.State = quartz.Resumed(tr.State)
		if tr.State == quartz.StateWaiting && s.blockedJobs[tr.JobKey] {
			tr.State = quartz.StateBlocked
		}
	}
	return nil
}

// ResumeTriggerGroup resumes every trigger in group.
func (s *Store) ResumeTriggerGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pausedTriggerGroups, group)
	for _, tr := range s.triggers {
		if tr.Key.Group == group {
			s.resume(tr)
		}
	}
	return nil
}

// ResumeJob resumes every trigger of a job.
func (s *Store) ResumeJob(ctx context.Context, key quartz.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.jobTriggers(key) {
		tr.State = quartz.Resumed(tr.State)
		if tr.State == quartz.StateWaiting && s.blockedJobs[tr.JobKey] {
			tr.State = quartz.StateBlocked
		}
	}
	return nil
}

// ResumeJobGroup resumes the triggers of every job in group.
func (s *Store) ResumeJobGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pausedJobGroups, group)
	for _, tr := range s.triggers {
		if tr.JobKey.Group == group {
			s.resume(tr)
		}
	}
	return nil
}

// PauseAll pauses every trigger group.
func (s *Store) PauseAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allPaused = true
	for _, tr := range s.triggers {
		s.pausedTriggerGroups[tr.Key.Group] = true
		s.pause(tr)
	}
	return nil
}

// ResumeAll resumes every trigger group.
func (s *Store) ResumeAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allPaused = false
	s.pausedTriggerGroups = make(map[string]bool)
	s.pausedJobGroups = make(map[string]bool)
	for _, tr := range s.triggers {
		s.resume(tr)
	}
	return nil
}

// PausedTriggerGroups lists the paused trigger groups.
func (s *Store) PausedTriggerGroups(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := []string{}
	for g := range s.pausedTriggerGroups {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups, nil
}

// ClearAllSchedulingData deletes every job, trigger, calendar and fired record.
func (s *Store) ClearAllSchedulingData(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// AcquireNextTriggers moves the next due WAITING triggers to ACQUIRED under the cluster lock.
func (s *Store) AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]*quartz.Trigger, error) {
	if maxCount < 1 {
		maxCount = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := noLaterThan.Add(timeWindow)
	var candidates []*quartz.Trigger
	for _, tr := range s.triggers {
		if tr.State == quartz.StateWaiting && tr.NextFireTime != nil && !tr.NextFireTime.After(limit) {
			candidates = append(candidates, tr)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return quartz.TriggerLess(candidates[i], candidates[j]) })

	now := s.cfg.Clock()
	exclusive := make(map[quartz.Key]bool)
	out := make([]*quartz.Trigger, 0, maxCount)
	for _, tr := range candidates {
		if len(out) == maxCount {
			break
		}
		job := s.jobs[tr.JobKey]
		if job == nil {
			continue
		}
		if job.ConcurrentExecutionDisallowed {
			if exclusive[job.Key] {
				continue
			}
			exclusive[job.Key] = true
		}
		id := quartz.NewFireInstanceID()
		tr.State = quartz.StateAcquired
		tr.FireInstanceID = id
		s.fired[id] = &quartz.FiredTrigger{
			FireInstanceID:                id,
			InstanceID:                    s.cfg.InstanceID,
			TriggerKey:                    tr.Key,
			JobKey:                        tr.JobKey,
			Priority:                      tr.Priority,
			ScheduledFireTime:             *tr.NextFireTime,
			FiredTime:                     now,
			State:                         quartz.FiredAcquired,
			RequestsRecovery:              job.RequestsRecovery,
			ConcurrentExecutionDisallowed: job.ConcurrentExecutionDisallowed,
		}
		out = append(out, tr.Clone())
	}
	return out, nil
}

// acquiredBy returns the stored trigger if it is still acquired under the
// given fire instance id.
func (s *Store) acquiredBy(key quartz.Key, fireInstanceID string) *quartz.Trigger {
	stored, ok := s.triggers[key]
	if !ok || stored.State != quartz.StateAcquired || stored.FireInstanceID != fireInstanceID {
		return nil
	}
	return stored
}

// ReleaseAcquiredTrigger returns an acquired trigger to WAITING.
func (s *Store) ReleaseAcquiredTrigger(ctx context.Context, tr *quartz.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fired, tr.FireInstanceID)
	if s.acquiredBy(tr.Key, tr.FireInstanceID) == nil {
		return nil
	}
	c := tr.Clone()
	c.FireInstanceID = ""
	c.State = quartz.StateWaiting
	if s.blockedJobs[c.JobKey] {
		c.State = quartz.StateBlocked
	}
	if c.NextFireTime == nil {
		s.retire(c)
		return nil
	}
	s.triggers[c.Key] = c
	return nil
}

// TriggersFired confirms acquired triggers, records their fires and advances their schedules.
func (s *Store) TriggersFired(ctx context.Context, triggers []*quartz.Trigger) ([]*quartz.TriggerFiredBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock()
	var out []*quartz.TriggerFiredBundle
	for _, tr := range triggers {
		id := tr.FireInstanceID
		rec := s.fired[id]
		stored := s.acquiredBy(tr.Key, id)
		if rec == nil || stored == nil {
			delete(s.fired, id)
			continue
		}
		job := s.jobs[stored.JobKey]
		if job == nil {
			delete(s.fired, id)
			continue
		}
		var cal quartz.Calendar
		if stored.CalendarName != "" {
			if cal = s.calendars[stored.CalendarName]; cal == nil {
				delete(s.fired, id)
				stored.State = quartz.StateWaiting
				stored.FireInstanceID = ""
				continue
			}
		}

		c := tr.Clone()
		scheduled := *c.NextFireTime
		if err := c.Triggered(cal); err != nil {
			s.log.Warnw("Computing next fire time failed", "trigger", c.Key.String(), "error", err)
			stored.State = quartz.StateError
			stored.ErrorMessage = err.Error()
			stored.FireInstanceID = ""
			delete(s.fired, id)
			continue
		}
		c.State = quartz.StateWaiting
		c.FireInstanceID = id
		s.triggers[c.Key] = c

		rec.State = quartz.FiredExecuting
		rec.FiredTime = now
		rec.ScheduledFireTime = scheduled

		if job.ConcurrentExecutionDisallowed {
			s.blockedJobs[job.Key] = true
			for _, t := range s.jobTriggers(job.Key) {
				t.State = quartz.Blocked(t.State)
			}
		}

		recCopy := *rec
		out = append(out, &quartz.TriggerFiredBundle{
			Job:          job.Clone(),
			Trigger:      c.Clone(),
			FiredTrigger: &recCopy,
			Calendar:     cal,
			Recovering:   c.Key.Group == quartz.RecoveringJobsGroup,
		})
	}
	return out, nil
}

// executing reports whether another fire of the job is still running.
func (s *Store) executing(jobKey quartz.Key) bool {
	for _, rec := range s.fired {
		if rec.State == quartz.FiredExecuting && rec.JobKey.Equals(jobKey) {
			return true
		}
	}
	return false
}

// TriggeredJobComplete settles a fire and applies the completion instruction.
func (s *Store) TriggeredJobComplete(ctx context.Context, tr *quartz.Trigger, job *quartz.JobDetail, outcome quartz.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.fired, tr.FireInstanceID)

	if stored := s.jobs[tr.JobKey]; stored != nil {
		if stored.PersistJobDataAfterExecution && outcome.JobDataMap != nil {
			stored.JobDataMap = copyData(outcome.JobDataMap)
		}
		if stored.ConcurrentExecutionDisallowed && !s.executing(stored.Key) {
			delete(s.blockedJobs, stored.Key)
			for _, t := range s.jobTriggers(stored.Key) {
				t.State = quartz.Unblocked(t.State)
			}
		}
	}

	stored, ok := s.triggers[tr.Key]
	if !ok {
		return nil
	}
	plan := quartz.PlanCompletion(stored, tr.FireInstanceID, outcome, s.cfg.MaxErrorRetries)
	s.triggers[tr.Key] = plan.Trigger
	if plan.JobTriggersState != "" {
		for _, t := range s.jobTriggers(tr.JobKey) {
			t.State = plan.JobTriggersState
			if plan.JobTriggersState == quartz.StateComplete {
				t.NextFireTime = nil
			}
		}
	}
	if plan.Retire {
		s.retire(plan.Trigger)
	}
	if plan.Trigger.State == quartz.StateError {
		s.log.Warnw("Trigger moved to ERROR", "trigger", tr.Key.String(), "count", plan.Trigger.ErrorCount,
			"error", plan.Trigger.ErrorMessage)
	}
	return nil
}

// RetrieveFiredTrigger returns the fired record for fireInstanceID, or nil.
func (s *Store) RetrieveFiredTrigger(ctx context.Context, fireInstanceID string) (*quartz.FiredTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.fired[fireInstanceID]
	if !ok {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

// NextFireTime returns the earliest next fire time of a WAITING trigger.
func (s *Store) NextFireTime(ctx context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *time.Time
	for _, tr := range s.triggers {
		if tr.State != quartz.StateWaiting || tr.NextFireTime == nil {
			continue
		}
		if next == nil || tr.NextFireTime.Before(*next) {
			t := *tr.NextFireTime
			next = &t
		}
	}
	return next, nil
}

// RecoverJobs only acts on its first call. The store lives and dies with its
// process, so every fired record a later caller sees belongs to a scheduler
// that is still running.
func (s *Store) RecoverJobs(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recovered {
		return nil
	}
	s.recovered = true

	now := s.cfg.Clock()
	recovered := 0
	for id, rec := range s.fired {
		if rec.InstanceID != s.cfg.InstanceID {
			continue
		}
		if rec.State == quartz.FiredExecuting && rec.RequestsRecovery {
			if job := s.jobs[rec.JobKey]; job != nil {
				rt := quartz.NewRecoveryTrigger(rec, job.JobDataMap, now)
				rt.State = s.initialState(rt)
				s.triggers[rt.Key] = rt
				recovered++
			}
		}
		delete(s.fired, id)
	}

	s.blockedJobs = make(map[quartz.Key]bool)
	for _, rec := range s.fired {
		if rec.State == quartz.FiredExecuting && rec.ConcurrentExecutionDisallowed {
			s.blockedJobs[rec.JobKey] = true
		}
	}
	for _, tr := range s.triggers {
		switch tr.State {
		case quartz.StateAcquired:
			if _, live := s.fired[tr.FireInstanceID]; !live {
				tr.State = quartz.StateWaiting
				tr.FireInstanceID = ""
			}
		case quartz.StateBlocked, quartz.StatePausedBlocked:
			if !s.blockedJobs[tr.JobKey] {
				tr.State = quartz.Unblocked(tr.State)
			}
		}
	}
	if recovered > 0 {
		s.log.Infow("Recovered jobs", "count", recovered)
	}
	return nil
}
