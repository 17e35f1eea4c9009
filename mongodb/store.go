// Package mongodb implements quartz.JobStore on MongoDB. Several schedulers
// pointed at the same database form a cluster: every mutation runs under a
// cluster lock held in the locks collection.
package mongodb

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/DEEJ4Y/quartz"
)

// Config holds the configuration for the MongoDB job store.
type Config struct {
	// Database holds the store's collections.
	// Required.
	Database *mongo.Database

	// CollectionPrefix is prepended to every collection name.
	// Default: "qrtz_"
	CollectionPrefix string

	// InstanceID owns the fired records this store creates. Schedulers in a
	// cluster must use distinct ids.
	// Default: a random UUID
	InstanceID string

	// Locker guards mutations across the cluster.
	// Default: a Lock on the locks collection
	Locker quartz.Locker

	// MaxErrorRetries is the number of consecutive failed executions after
	// which a trigger moves to ERROR.
	// Default: quartz.DefaultMaxErrorRetries
	MaxErrorRetries int

	// MisfireThreshold is used when a stored calendar updates its triggers.
	// Default: 60 seconds
	MisfireThreshold time.Duration

	Logger *zap.SugaredLogger
	Clock  func() time.Time
}

// Store implements quartz.JobStore for MongoDB.
type Store struct {
	jobs      *mongo.Collection
	triggers  *mongo.Collection
	calendars *mongo.Collection
	fired     *mongo.Collection
	paused    *mongo.Collection
	locks     *mongo.Collection

	locker     quartz.Locker
	instanceID string
	maxRetries int
	threshold  time.Duration
	log        *zap.SugaredLogger
	clock      func() time.Time
}

var _ quartz.JobStore = (*Store)(nil)

// NewStore creates a new MongoDB job store with the given configuration.
func NewStore(config Config) (*Store, error) {
	if config.Database == nil {
		return nil, quartz.InvalidArgument("database is required")
	}

	// Set defaults
	if config.CollectionPrefix == "" {
		config.CollectionPrefix = "qrtz_"
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.MaxErrorRetries == 0 {
		config.MaxErrorRetries = quartz.DefaultMaxErrorRetries
	}
	if config.MisfireThreshold == 0 {
		config.MisfireThreshold = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	db, p := config.Database, config.CollectionPrefix
	s := &Store{
		jobs:       db.Collection(p + "jobs"),
		triggers:   db.Collection(p + "triggers"),
		calendars:  db.Collection(p + "calendars"),
		fired:      db.Collection(p + "fired_triggers"),
		paused:     db.Collection(p + "paused_groups"),
		locks:      db.Collection(p + "locks"),
		locker:     config.Locker,
		instanceID: config.InstanceID,
		maxRetries: config.MaxErrorRetries,
		threshold:  config.MisfireThreshold,
		log:        config.Logger.Named("mongodb-store").With("instance", config.InstanceID),
		clock:      config.Clock,
	}
	if s.locker == nil {
		lock, err := NewLock(LockConfig{Collection: s.locks})
		if err != nil {
			return nil, err
		}
		s.locker = lock
	}
	return s, nil
}

// CreateIndexes creates the indexes the store's queries rely on. It is
// idempotent.
func (s *Store) CreateIndexes(ctx context.Context) error {
	specs := map[*mongo.Collection][]mongo.IndexModel{
		s.triggers: {
			{Keys: bson.D{{Key: fieldState, Value: 1}, {Key: fieldNextFireTime, Value: 1}, {Key: fieldPriority, Value: -1}}},
			{Keys: bson.D{{Key: fieldJobID, Value: 1}}},
			{Keys: bson.D{{Key: fieldGroup, Value: 1}}},
			{Keys: bson.D{{Key: fieldCalendarName, Value: 1}}, Options: options.Index().SetSparse(true)},
		},
		s.jobs: {
			{Keys: bson.D{{Key: fieldGroup, Value: 1}}},
		},
		s.fired: {
			{Keys: bson.D{{Key: fieldInstanceID, Value: 1}}},
			{Keys: bson.D{{Key: fieldJobID, Value: 1}, {Key: fieldState, Value: 1}}},
		},
		s.locks: {
			{Keys: bson.D{{Key: "expireAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		},
	}
	for coll, models := range specs {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return quartz.StoreError(err, "create indexes on "+coll.Name())
		}
	}
	return nil
}

// withLock runs fn under the cluster trigger lock. fn must not call another
// locking method.
func (s *Store) withLock(ctx context.Context, fn func() error) (err error) {
	unlock, err := s.locker.Lock(ctx, quartz.LockTriggerAccess)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn()
}

// StoreJob saves a job, failing with ErrObjectAlreadyExists unless replaceExisting is set.
func (s *Store) StoreJob(ctx context.Context, job *quartz.JobDetail, replaceExisting bool) error {
	if err := job.Validate(); err != nil {
		return err
	}
	return s.withLock(ctx, func() error {
		return s.saveJob(ctx, job, replaceExisting)
	})
}

func (s *Store) saveJob(ctx context.Context, job *quartz.JobDetail, replaceExisting bool) error {
	doc := encodeJob(job)
	if !replaceExisting {
		if _, err := s.jobs.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return quartz.AlreadyExists("job", job.Key)
			}
			return quartz.StoreError(err, "insert job")
		}
		return nil
	}
	_, err := s.jobs.ReplaceOne(ctx, bson.M{fieldID: doc[fieldID]}, doc, options.Replace().SetUpsert(true))
	return quartz.StoreError(err, "replace job")
}

// StoreTrigger saves a trigger whose job must already exist.
func (s *Store) StoreTrigger(ctx context.Context, tr *quartz.Trigger, replaceExisting bool) error {
	if err := tr.Validate(); err != nil {
		return err
	}
	return s.withLock(ctx, func() error {
		return s.storeTrigger(ctx, tr, replaceExisting)
	})
}

func (s *Store) storeTrigger(ctx context.Context, tr *quartz.Trigger, replaceExisting bool) error {
	job, err := s.loadJob(ctx, tr.JobKey)
	if err != nil {
		return err
	}
	if job == nil {
		return quartz.NotFound("job %s referenced by trigger %s does not exist", tr.JobKey, tr.Key)
	}
	if tr.CalendarName != "" {
		n, err := s.calendars.CountDocuments(ctx, bson.M{fieldID: tr.CalendarName})
		if err != nil {
			return quartz.StoreError(err, "count calendars")
		}
		if n == 0 {
			return quartz.NotFound("calendar %q referenced by trigger %s does not exist", tr.CalendarName, tr.Key)
		}
	}

	c := tr.Clone()
	c.FireInstanceID = ""
	if c.State, err = s.initialState(ctx, c); err != nil {
		return err
	}
	doc := encodeTrigger(c)
	if !replaceExisting {
		if _, err := s.triggers.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return quartz.AlreadyExists("trigger", tr.Key)
			}
			return quartz.StoreError(err, "insert trigger")
		}
		return nil
	}
	_, err = s.triggers.ReplaceOne(ctx, bson.M{fieldID: doc[fieldID]}, doc, options.Replace().SetUpsert(true))
	return quartz.StoreError(err, "replace trigger")
}

// pauses is a snapshot of the paused groups.
type pauses struct {
	all           bool
	triggerGroups map[string]bool
	jobGroups     map[string]bool
}

func (p pauses) holds(tr *quartz.Trigger) bool {
	return p.all || p.triggerGroups[tr.Key.Group] || p.jobGroups[tr.JobKey.Group]
}

const (
	pausedAll     = "all"
	pausedTrigger = "trigger"
	pausedJob     = "job"
)

func pausedID(kind, group string) string { return kind + "/" + group }

func (s *Store) loadPauses(ctx context.Context) (pauses, error) {
	p := pauses{triggerGroups: map[string]bool{}, jobGroups: map[string]bool{}}
	cur, err := s.paused.Find(ctx, bson.M{})
	if err != nil {
		return p, quartz.StoreError(err, "find paused groups")
	}
	var docs []struct {
		Kind  string `bson:"kind"`
		Group string `bson:"group"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return p, quartz.StoreError(err, "decode paused groups")
	}
	for _, d := range docs {
		switch d.Kind {
		case pausedAll:
			p.all = true
		case pausedTrigger:
			p.triggerGroups[d.Group] = true
		case pausedJob:
			p.jobGroups[d.Group] = true
		}
	}
	return p, nil
}

func (s *Store) setPaused(ctx context.Context, kind, group string) error {
	_, err := s.paused.ReplaceOne(ctx, bson.M{fieldID: pausedID(kind, group)},
		bson.M{fieldID: pausedID(kind, group), "kind": kind, "group": group}, options.Replace().SetUpsert(true))
	return quartz.StoreError(err, "store paused group")
}

// jobBlocked reports whether a fire of a non-concurrent job is executing.
func (s *Store) jobBlocked(ctx context.Context, jobKey quartz.Key) (bool, error) {
	n, err := s.fired.CountDocuments(ctx, bson.M{
		fieldJobID:                        jobKey.String(),
		fieldState:                        string(quartz.FiredExecuting),
		"concurrent_execution_disallowed": true,
	})
	if err != nil {
		return false, quartz.StoreError(err, "count executing fires")
	}
	return n > 0, nil
}

func (s *Store) initialState(ctx context.Context, tr *quartz.Trigger) (quartz.TriggerState, error) {
	p, err := s.loadPauses(ctx)
	if err != nil {
		return "", err
	}
	state := quartz.StateWaiting
	if p.holds(tr) {
		state = quartz.StatePaused
	}
	blocked, err := s.jobBlocked(ctx, tr.JobKey)
	if err != nil {
		return "", err
	}
	if blocked {
		state = quartz.Blocked(state)
	}
	return state, nil
}

// StoreJobAndTrigger saves a new job together with its first trigger.
func (s *Store) StoreJobAndTrigger(ctx context.Context, job *quartz.JobDetail, tr *quartz.Trigger) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := tr.Validate(); err != nil {
		return err
	}
	return s.withLock(ctx, func() error {
		if err := s.saveJob(ctx, job, false); err != nil {
			return err
		}
		if err := s.storeTrigger(ctx, tr, false); err != nil {
			if _, derr := s.jobs.DeleteOne(ctx, bson.M{fieldID: job.Key.String()}); derr != nil {
				s.log.Warnw("Rollback of job insert failed", "job", job.Key.String(), "error", derr)
			}
			return err
		}
		return nil
	})
}

// RemoveJob deletes a job and all of its triggers.
func (s *Store) RemoveJob(ctx context.Context, key quartz.Key) (removed bool, err error) {
	err = s.withLock(ctx, func() error {
		if _, err := s.triggers.DeleteMany(ctx, bson.M{fieldJobID: key.String()}); err != nil {
			return quartz.StoreError(err, "delete job triggers")
		}
		res, err := s.jobs.DeleteOne(ctx, bson.M{fieldID: key.String()})
		if err != nil {
			return quartz.StoreError(err, "delete job")
		}
		removed = res.DeletedCount > 0
		return nil
	})
	return removed, err
}

// RemoveTrigger deletes a trigger, and its job when the job is not durable and has no other trigger.
func (s *Store) RemoveTrigger(ctx context.Context, key quartz.Key) (removed bool, err error) {
	err = s.withLock(ctx, func() error {
		tr, err := s.loadTrigger(ctx, key)
		if err != nil || tr == nil {
			return err
		}
		removed = true
		return s.removeTrigger(ctx, tr)
	})
	return removed, err
}

// removeTrigger deletes tr and its job when the job is left without a live
// trigger and is not durable.
func (s *Store) removeTrigger(ctx context.Context, tr *quartz.Trigger) error {
	job, err := s.loadJob(ctx, tr.JobKey)
	if err != nil {
		return err
	}
	siblings, err := s.jobTriggers(ctx, tr.JobKey)
	if err != nil {
		return err
	}
	if _, err := s.triggers.DeleteOne(ctx, bson.M{fieldID: tr.Key.String()}); err != nil {
		return quartz.StoreError(err, "delete trigger")
	}
	if !quartz.RemovesOrphanJob(job, siblings, tr.Key) {
		return nil
	}
	if _, err := s.triggers.DeleteMany(ctx, bson.M{fieldJobID: job.Key.String()}); err != nil {
		return quartz.StoreError(err, "delete job triggers")
	}
	if _, err := s.jobs.DeleteOne(ctx, bson.M{fieldID: job.Key.String()}); err != nil {
		return quartz.StoreError(err, "delete orphan job")
	}
	s.log.Debugw("Removed orphan job", "job", job.Key.String())
	return nil
}

// retire completes tr, or removes it with its job when nothing keeps the job.
func (s *Store) retire(ctx context.Context, tr *quartz.Trigger) error {
	job, err := s.loadJob(ctx, tr.JobKey)
	if err != nil {
		return err
	}
	siblings, err := s.jobTriggers(ctx, tr.JobKey)
	if err != nil {
		return err
	}
	if quartz.RemovesOrphanJob(job, siblings, tr.Key) {
		return s.removeTrigger(ctx, tr)
	}
	tr.State = quartz.StateComplete
	tr.NextFireTime = nil
	tr.FireInstanceID = ""
	return s.saveTrigger(ctx, tr)
}

func (s *Store) saveTrigger(ctx context.Context, tr *quartz.Trigger) error {
	doc := encodeTrigger(tr)
	_, err := s.triggers.ReplaceOne(ctx, bson.M{fieldID: doc[fieldID]}, doc, options.Replace().SetUpsert(true))
	return quartz.StoreError(err, "save trigger")
}

func (s *Store) setTriggerState(ctx context.Context, tr *quartz.Trigger, state quartz.TriggerState) error {
	if tr.State == state {
		return nil
	}
	tr.State = state
	_, err := s.triggers.UpdateOne(ctx, bson.M{fieldID: tr.Key.String()}, bson.M{"$set": bson.M{fieldState: string(state)}})
	return quartz.StoreError(err, "update trigger state")
}

// ReplaceTrigger swaps the trigger under key for newTrigger, which must point at the same job.
func (s *Store) ReplaceTrigger(ctx context.Context, key quartz.Key, newTrigger *quartz.Trigger) (replaced bool, err error) {
	if err := newTrigger.Validate(); err != nil {
		return false, err
	}
	err = s.withLock(ctx, func() error {
		old, err := s.loadTrigger(ctx, key)
		if err != nil || old == nil {
			return err
		}
		if !old.JobKey.Equals(newTrigger.JobKey) {
			return quartz.InvalidArgument("new trigger %s must reference job %s", newTrigger.Key, old.JobKey)
		}
		if _, err := s.triggers.DeleteOne(ctx, bson.M{fieldID: key.String()}); err != nil {
			return quartz.StoreError(err, "delete replaced trigger")
		}
		if err := s.storeTrigger(ctx, newTrigger, false); err != nil {
			if rerr := s.saveTrigger(ctx, old); rerr != nil {
				s.log.Warnw("Restoring replaced trigger failed", "trigger", key.String(), "error", rerr)
			}
			return err
		}
		replaced = true
		return nil
	})
	return replaced, err
}

func (s *Store) loadJob(ctx context.Context, key quartz.Key) (*quartz.JobDetail, error) {
	var doc bson.M
	err := s.jobs.FindOne(ctx, bson.M{fieldID: key.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, quartz.StoreError(err, "find job")
	}
	return decodeJob(doc)
}

func (s *Store) loadTrigger(ctx context.Context, key quartz.Key) (*quartz.Trigger, error) {
	var doc bson.M
	err := s.triggers.FindOne(ctx, bson.M{fieldID: key.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, quartz.StoreError(err, "find trigger")
	}
	return decodeTrigger(doc)
}

func (s *Store) loadCalendar(ctx context.Context, name string) (quartz.Calendar, error) {
	var doc bson.M
	err := s.calendars.FindOne(ctx, bson.M{fieldID: name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, quartz.StoreError(err, "find calendar")
	}
	return decodeCalendar(doc)
}

func (s *Store) loadFired(ctx context.Context, id string) (*quartz.FiredTrigger, error) {
	var doc bson.M
	err := s.fired.FindOne(ctx, bson.M{fieldID: id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, quartz.StoreError(err, "find fired trigger")
	}
	return decodeFired(doc)
}

func (s *Store) findTriggers(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]*quartz.Trigger, error) {
	cur, err := s.triggers.Find(ctx, filter, opts...)
	if err != nil {
		return nil, quartz.StoreError(err, "find triggers")
	}
	defer cur.Close(ctx)
	var out []*quartz.Trigger
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, quartz.StoreError(err, "decode trigger")
		}
		tr, err := decodeTrigger(doc)
		if err != nil {
			s.log.Warnw("Skipping undecodable trigger", "id", doc[fieldID], "error", err)
			continue
		}
		out = append(out, tr)
	}
	return out, quartz.StoreError(cur.Err(), "iterate triggers")
}

func (s *Store) jobTriggers(ctx context.Context, jobKey quartz.Key) ([]*quartz.Trigger, error) {
	return s.findTriggers(ctx, bson.M{fieldJobID: jobKey.String()},
		options.Find().SetSort(bson.D{{Key: fieldID, Value: 1}}))
}

// RetrieveJob returns a copy of the job, or nil if it does not exist.
func (s *Store) RetrieveJob(ctx context.Context, key quartz.Key) (*quartz.JobDetail, error) {
	return s.loadJob(ctx, key)
}

// RetrieveTrigger returns a copy of the trigger, or nil if it does not exist.
func (s *Store) RetrieveTrigger(ctx context.Context, key quartz.Key) (*quartz.Trigger, error) {
	return s.loadTrigger(ctx, key)
}

// StoreCalendar saves a calendar and, when updateTriggers is set, recomputes the next fire times of the triggers that use it.
func (s *Store) StoreCalendar(ctx context.Context, name string, cal quartz.Calendar, replaceExisting, updateTriggers bool) error {
	if name == "" {
		return quartz.InvalidArgument("calendar name cannot be empty")
	}
	return s.withLock(ctx, func() error {
		doc := encodeCalendar(name, cal)
		if !replaceExisting {
			if _, err := s.calendars.InsertOne(ctx, doc); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return quartz.AlreadyExists("calendar", name)
				}
				return quartz.StoreError(err, "insert calendar")
			}
		} else if _, err := s.calendars.ReplaceOne(ctx, bson.M{fieldID: name}, doc, options.Replace().SetUpsert(true)); err != nil {
			return quartz.StoreError(err, "replace calendar")
		}
		if !updateTriggers {
			return nil
		}

		triggers, err := s.findTriggers(ctx, bson.M{
			fieldCalendarName: name,
			fieldState:        bson.M{"$ne": string(quartz.StateComplete)},
		})
		if err != nil {
			return err
		}
		now := s.clock()
		for _, tr := range triggers {
			if err := tr.UpdateWithNewCalendar(cal, now, s.threshold); err != nil {
				return err
			}
			if tr.NextFireTime == nil && tr.State == quartz.StateWaiting {
				err = s.retire(ctx, tr)
			} else {
				err = s.saveTrigger(ctx, tr)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveCalendar deletes a calendar that no trigger references.
func (s *Store) RemoveCalendar(ctx context.Context, name string) (removed bool, err error) {
	err = s.withLock(ctx, func() error {
		n, err := s.triggers.CountDocuments(ctx, bson.M{fieldCalendarName: name})
		if err != nil {
			return quartz.StoreError(err, "count calendar triggers")
		}
		if n > 0 {
			return quartz.InvalidArgument("calendar %q is referenced by %d triggers", name, n)
		}
		res, err := s.calendars.DeleteOne(ctx, bson.M{fieldID: name})
		if err != nil {
			return quartz.StoreError(err, "delete calendar")
		}
		removed = res.DeletedCount > 0
		return nil
	})
	return removed, err
}

// RetrieveCalendar returns the named calendar, or nil.
func (s *Store) RetrieveCalendar(ctx context.Context, name string) (quartz.Calendar, error) {
	return s.loadCalendar(ctx, name)
}

func (s *Store) keys(ctx context.Context, coll *mongo.Collection, group string) ([]quartz.Key, error) {
	filter := bson.M{}
	if group != "" {
		filter[fieldGroup] = group
	}
	cur, err := coll.Find(ctx, filter, options.Find().SetProjection(bson.M{"name": 1, fieldGroup: 1}))
	if err != nil {
		return nil, quartz.StoreError(err, "find keys")
	}
	var docs []struct {
		Name  string `bson:"name"`
		Group string `bson:"group"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, quartz.StoreError(err, "decode keys")
	}
	keys := make([]quartz.Key, 0, len(docs))
	for _, d := range docs {
		keys = append(keys, quartz.Key{Name: d.Name, Group: d.Group})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys, nil
}

// JobKeys lists job keys in group, or in every group when group is empty.
func (s *Store) JobKeys(ctx context.Context, group string) ([]quartz.Key, error) {
	return s.keys(ctx, s.jobs, group)
}

// TriggerKeys lists trigger keys in group, or in every group when group is empty.
func (s *Store) TriggerKeys(ctx context.Context, group string) ([]quartz.Key, error) {
	return s.keys(ctx, s.triggers, group)
}

// CalendarNames lists the stored calendar names.
func (s *Store) CalendarNames(ctx context.Context) ([]string, error) {
	cur, err := s.calendars.Find(ctx, bson.M{}, options.Find().
		SetProjection(bson.M{fieldID: 1}).
		SetSort(bson.D{{Key: fieldID, Value: 1}}))
	if err != nil {
		return nil, quartz.StoreError(err, "find calendars")
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, quartz.StoreError(err, "decode calendars")
	}
	names := make([]string, 0, len(docs))
	for _, d := range docs {
		names = append(names, d.ID)
	}
	return names, nil
}

// TriggersForJob returns copies of the triggers pointing at jobKey.
func (s *Store) TriggersForJob(ctx context.Context, jobKey quartz.Key) ([]*quartz.Trigger, error) {
	out, err := s.jobTriggers(ctx, jobKey)
	if out == nil && err == nil {
		out = []*quartz.Trigger{}
	}
	return out, err
}

// TriggerState returns the state of a trigger, StateNone if it does not exist.
func (s *Store) TriggerState(ctx context.Context, key quartz.Key) (quartz.TriggerState, error) {
	var doc struct {
		State string `bson:"state"`
	}
	err := s.triggers.FindOne(ctx, bson.M{fieldID: key.String()},
		options.FindOne().SetProjection(bson.M{fieldState: 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return quartz.StateNone, nil
	}
	if err != nil {
		return "", quartz.StoreError(err, "find trigger state")
	}
	return quartz.TriggerState(doc.State), nil
}

// pauseWhere pauses every trigger matching filter.
func (s *Store) pauseWhere(ctx context.Context, filter bson.M) error {
	triggers, err := s.findTriggers(ctx, filter)
	if err != nil {
		return err
	}
	for _, tr := range triggers {
		if err := s.setTriggerState(ctx, tr, quartz.Paused(tr.State)); err != nil {
			return err
		}
	}
	return nil
}

// resumeWhere resumes every trigger matching filter. With respectGroups a
// trigger still held by a paused group stays paused.
func (s *Store) resumeWhere(ctx context.Context, filter bson.M, respectGroups bool) error {
	p, err := s.loadPauses(ctx)
	if err != nil {
		return err
	}
	triggers, err := s.findTriggers(ctx, filter)
	if err != nil {
		return err
	}
	for _, tr := range triggers {
		if respectGroups && p.holds(tr) {
			continue
		}
		state := quartz.Resumed(tr.State)
		if state == quartz.StateWaiting {
			blocked, err := s.jobBlocked(ctx, tr.JobKey)
			if err != nil {
				return err
			}
			if blocked {
				state = quartz.StateBlocked
			}
		}
		if err := s.setTriggerState(ctx, tr, state); err != nil {
			return err
		}
	}
	return nil
}

func jobGroupFilter(group string) bson.M {
	return bson.M{"job_group": group}
}

// PauseTrigger pauses one trigger.
func (s *Store) PauseTrigger(ctx context.Context, key quartz.Key) error {
	return s.withLock(ctx, func() error {
		return s.pauseWhere(ctx, bson.M{fieldID: key.String()})
	})
}

// PauseTriggerGroup pauses every trigger in group and the triggers later added to it.
func (s *Store) PauseTriggerGroup(ctx context.Context, group string) error {
	return s.withLock(ctx, func() error {
		if err := s.setPaused(ctx, pausedTrigger, group); err != nil {
			return err
		}
		return s.pauseWhere(ctx, bson.M{fieldGroup: group})
	})
}

// PauseJob pauses every trigger of a job.
func (s *Store) PauseJob(ctx context.Context, key quartz.Key) error {
	return s.withLock(ctx, func() error {
		return s.pauseWhere(ctx, bson.M{fieldJobID: key.String()})
	})
}

// PauseJobGroup pauses the triggers of every job in group.
func (s *Store) PauseJobGroup(ctx context.Context, group string) error {
	return s.withLock(ctx, func() error {
		if err := s.setPaused(ctx, pausedJob, group); err != nil {
			return err
		}
		return s.pauseWhere(ctx, jobGroupFilter(group))
	})
}

// ResumeTrigger resumes a paused trigger, applying its misfire policy if it fell behind.
func (s *Store) ResumeTrigger(ctx context.Context, key quartz.Key) error {
	return s.withLock(ctx, func() error {
		return s.resumeWhere(ctx, bson.M{fieldID: key.String()}, false)
	})
}

// ResumeTriggerGroup resumes every trigger in group.
func (s *Store) ResumeTriggerGroup(ctx context.Context, group string) error {
	return s.withLock(ctx, func() error {
		if _, err := s.paused.DeleteOne(ctx, bson.M{fieldID: pausedID(pausedTrigger, group)}); err != nil {
			return quartz.StoreError(err, "delete paused group")
		}
		return s.resumeWhere(ctx, bson.M{fieldGroup: group}, true)
	})
}

// ResumeJob resumes every trigger of a job.
func (s *Store) ResumeJob(ctx context.Context, key quartz.Key) error {
	return s.withLock(ctx, func() error {
		return s.resumeWhere(ctx, bson.M{fieldJobID: key.String()}, false)
	})
}

// ResumeJobGroup resumes the triggers of every job in group.
func (s *Store) ResumeJobGroup(ctx context.Context, group string) error {
	return s.withLock(ctx, func() error {
		if _, err := s.paused.DeleteOne(ctx, bson.M{fieldID: pausedID(pausedJob, group)}); err != nil {
			return quartz.StoreError(err, "delete paused group")
		}
		return s.resumeWhere(ctx, jobGroupFilter(group), true)
	})
}

// PauseAll pauses every trigger group.
func (s *Store) PauseAll(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		if err := s.setPaused(ctx, pausedAll, ""); err != nil {
			return err
		}
		groups, err := s.triggers.Distinct(ctx, fieldGroup, bson.M{})
		if err != nil {
			return quartz.StoreError(err, "list trigger groups")
		}
		for _, g := range groups {
			if name, ok := g.(string); ok {
				if err := s.setPaused(ctx, pausedTrigger, name); err != nil {
					return err
				}
			}
		}
		return s.pauseWhere(ctx, bson.M{})
	})
}

// ResumeAll resumes every trigger group.
func (s *Store) ResumeAll(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		if _, err := s.paused.DeleteMany(ctx, bson.M{}); err != nil {
			return quartz.StoreError(err, "clear paused groups")
		}
		return s.resumeWhere(ctx, bson.M{}, false)
	})
}

// PausedTriggerGroups lists the paused trigger groups.
func (s *Store) PausedTriggerGroups(ctx context.Context) ([]string, error) {
	p, err := s.loadPauses(ctx)
	if err != nil {
		return nil, err
	}
	groups := make([]string, 0, len(p.triggerGroups))
	for g := range p.triggerGroups {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups, nil
}

// ClearAllSchedulingData deletes every job, trigger, calendar and fired record.
func (s *Store) ClearAllSchedulingData(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		for _, coll := range []*mongo.Collection{s.triggers, s.jobs, s.calendars, s.fired, s.paused} {
			if _, err := coll.DeleteMany(ctx, bson.M{}); err != nil {
				return quartz.StoreError(err, "clear "+coll.Name())
			}
		}
		return nil
	})
}

// AcquireNextTriggers scans the due triggers under the cluster lock. The
// conditional update on state keeps a trigger from being acquired twice even
// if a lock lease expired mid-scan.
func (s *Store) AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) (acquired []*quartz.Trigger, err error) {
	if maxCount < 1 {
		maxCount = 1
	}
	err = s.withLock(ctx, func() error {
		cur, err := s.triggers.Find(ctx, bson.M{
			fieldState:        string(quartz.StateWaiting),
			fieldNextFireTime: bson.M{"$ne": nil, "$lte": noLaterThan.Add(timeWindow)},
		}, options.Find().SetSort(bson.D{
			{Key: fieldNextFireTime, Value: 1},
			{Key: fieldPriority, Value: -1},
			{Key: fieldID, Value: 1},
		}))
		if err != nil {
			return quartz.StoreError(err, "find due triggers")
		}
		defer cur.Close(ctx)

		now := s.clock()
		jobs := make(map[quartz.Key]*quartz.JobDetail)
		exclusive := make(map[quartz.Key]bool)
		for len(acquired) < maxCount && cur.Next(ctx) {
			var doc bson.M
			if err := cur.Decode(&doc); err != nil {
				return quartz.StoreError(err, "decode trigger")
			}
			tr, err := decodeTrigger(doc)
			if err != nil {
				s.log.Warnw("Skipping undecodable trigger", "id", doc[fieldID], "error", err)
				continue
			}

			job, ok := jobs[tr.JobKey]
			if !ok {
				if job, err = s.loadJob(ctx, tr.JobKey); err != nil {
					return err
				}
				jobs[tr.JobKey] = job
			}
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
			res, err := s.triggers.UpdateOne(ctx,
				bson.M{fieldID: doc[fieldID], fieldState: string(quartz.StateWaiting)},
				bson.M{"$set": bson.M{fieldState: string(quartz.StateAcquired), fieldFireInstanceID: id}})
			if err != nil {
				return quartz.StoreError(err, "acquire trigger")
			}
			if res.ModifiedCount == 0 {
				continue
			}
			rec := &quartz.FiredTrigger{
				FireInstanceID:                id,
				InstanceID:                    s.instanceID,
				TriggerKey:                    tr.Key,
				JobKey:                        tr.JobKey,
				Priority:                      tr.Priority,
				ScheduledFireTime:             *tr.NextFireTime,
				FiredTime:                     now,
				State:                         quartz.FiredAcquired,
				RequestsRecovery:              job.RequestsRecovery,
				ConcurrentExecutionDisallowed: job.ConcurrentExecutionDisallowed,
			}
			if _, err := s.fired.InsertOne(ctx, encodeFired(rec)); err != nil {
				return quartz.StoreError(err, "insert fired trigger")
			}
			tr.State = quartz.StateAcquired
			tr.FireInstanceID = id
			acquired = append(acquired, tr)
		}
		return quartz.StoreError(cur.Err(), "iterate due triggers")
	})
	return acquired, err
}

// acquiredBy loads the stored trigger if it is still acquired under the given
// fire instance id.
func (s *Store) acquiredBy(ctx context.Context, key quartz.Key, fireInstanceID string) (*quartz.Trigger, error) {
	stored, err := s.loadTrigger(ctx, key)
	if err != nil || stored == nil {
		return nil, err
	}
	if stored.State != quartz.StateAcquired || stored.FireInstanceID != fireInstanceID {
		return nil, nil
	}
	return stored, nil
}

// ReleaseAcquiredTrigger returns an acquired trigger to WAITING.
func (s *Store) ReleaseAcquiredTrigger(ctx context.Context, tr *quartz.Trigger) error {
	return s.withLock(ctx, func() error {
		if _, err := s.fired.DeleteOne(ctx, bson.M{fieldID: tr.FireInstanceID}); err != nil {
			return quartz.StoreError(err, "delete fired trigger")
		}
		stored, err := s.acquiredBy(ctx, tr.Key, tr.FireInstanceID)
		if err != nil || stored == nil {
			return err
		}
		c := tr.Clone()
		c.FireInstanceID = ""
		c.State = quartz.StateWaiting
		blocked, err := s.jobBlocked(ctx, c.JobKey)
		if err != nil {
			return err
		}
		if blocked {
			c.State = quartz.StateBlocked
		}
		if c.NextFireTime == nil {
			return s.retire(ctx, c)
		}
		return s.saveTrigger(ctx, c)
	})
}

// blockJob moves the job's runnable triggers to their blocked states.
func (s *Store) blockJob(ctx context.Context, jobKey quartz.Key) error {
	return s.mapJobStates(ctx, jobKey, map[quartz.TriggerState]quartz.TriggerState{
		quartz.StateWaiting:  quartz.StateBlocked,
		quartz.StateAcquired: quartz.StateBlocked,
		quartz.StatePaused:   quartz.StatePausedBlocked,
	})
}

func (s *Store) unblockJob(ctx context.Context, jobKey quartz.Key) error {
	return s.mapJobStates(ctx, jobKey, map[quartz.TriggerState]quartz.TriggerState{
		quartz.StateBlocked:       quartz.StateWaiting,
		quartz.StatePausedBlocked: quartz.StatePaused,
	})
}

func (s *Store) mapJobStates(ctx context.Context, jobKey quartz.Key, transitions map[quartz.TriggerState]quartz.TriggerState) error {
	for from, to := range transitions {
		_, err := s.triggers.UpdateMany(ctx,
			bson.M{fieldJobID: jobKey.String(), fieldState: string(from)},
			bson.M{"$set": bson.M{fieldState: string(to)}})
		if err != nil {
			return quartz.StoreError(err, "update job trigger states")
		}
	}
	return nil
}

// TriggersFired confirms acquired triggers, records their fires and advances their schedules.
func (s *Store) TriggersFired(ctx context.Context, triggers []*quartz.Trigger) (bundles []*quartz.TriggerFiredBundle, err error) {
	err = s.withLock(ctx, func() error {
		now := s.clock()
		for _, tr := range triggers {
			b, err := s.triggerFired(ctx, tr, now)
			if err != nil {
				return err
			}
			if b != nil {
				bundles = append(bundles, b)
			}
		}
		return nil
	})
	return bundles, err
}

func (s *Store) triggerFired(ctx context.Context, tr *quartz.Trigger, now time.Time) (*quartz.TriggerFiredBundle, error) {
	id := tr.FireInstanceID
	drop := func() (*quartz.TriggerFiredBundle, error) {
		_, err := s.fired.DeleteOne(ctx, bson.M{fieldID: id})
		return nil, quartz.StoreError(err, "delete fired trigger")
	}

	rec, err := s.loadFired(ctx, id)
	if err != nil {
		return nil, err
	}
	stored, err := s.acquiredBy(ctx, tr.Key, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || stored == nil {
		return drop()
	}
	job, err := s.loadJob(ctx, stored.JobKey)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return drop()
	}
	var cal quartz.Calendar
	if stored.CalendarName != "" {
		if cal, err = s.loadCalendar(ctx, stored.CalendarName); err != nil {
			return nil, err
		}
		if cal == nil {
			stored.FireInstanceID = ""
			if err := s.setTriggerState(ctx, stored, quartz.StateWaiting); err != nil {
				return nil, err
			}
			return drop()
		}
	}

	c := tr.Clone()
	scheduled := *c.NextFireTime
	if err := c.Triggered(cal); err != nil {
		s.log.Warnw("Computing next fire time failed", "trigger", c.Key.String(), "error", err)
		stored.State = quartz.StateError
		stored.ErrorMessage = err.Error()
		stored.FireInstanceID = ""
		if err := s.saveTrigger(ctx, stored); err != nil {
			return nil, err
		}
		return drop()
	}
	c.State = quartz.StateWaiting
	c.FireInstanceID = id
	if err := s.saveTrigger(ctx, c); err != nil {
		return nil, err
	}

	rec.State = quartz.FiredExecuting
	rec.FiredTime = now
	rec.ScheduledFireTime = scheduled
	if _, err := s.fired.ReplaceOne(ctx, bson.M{fieldID: id}, encodeFired(rec)); err != nil {
		return nil, quartz.StoreError(err, "update fired trigger")
	}

	if job.ConcurrentExecutionDisallowed {
		if err := s.blockJob(ctx, job.Key); err != nil {
			return nil, err
		}
		c.State = quartz.StateBlocked
	}
	return &quartz.TriggerFiredBundle{
		Job:          job,
		Trigger:      c,
		FiredTrigger: rec,
		Calendar:     cal,
		Recovering:   c.Key.Group == quartz.RecoveringJobsGroup,
	}, nil
}

// TriggeredJobComplete settles a fire and applies the completion instruction.
func (s *Store) TriggeredJobComplete(ctx context.Context, tr *quartz.Trigger, job *quartz.JobDetail, outcome quartz.Outcome) error {
	return s.withLock(ctx, func() error {
		if _, err := s.fired.DeleteOne(ctx, bson.M{fieldID: tr.FireInstanceID}); err != nil {
			return quartz.StoreError(err, "delete fired trigger")
		}

		stored, err := s.loadJob(ctx, tr.JobKey)
		if err != nil {
			return err
		}
		if stored != nil {
			if stored.PersistJobDataAfterExecution && outcome.JobDataMap != nil {
				_, err := s.jobs.UpdateOne(ctx, bson.M{fieldID: stored.Key.String()},
					bson.M{"$set": bson.M{fieldJobDataMap: outcome.JobDataMap}})
				if err != nil {
					return quartz.StoreError(err, "persist job data")
				}
			}
			if stored.ConcurrentExecutionDisallowed {
				blocked, err := s.jobBlocked(ctx, stored.Key)
				if err != nil {
					return err
				}
				if !blocked {
					if err := s.unblockJob(ctx, stored.Key); err != nil {
						return err
					}
				}
			}
		}

		current, err := s.loadTrigger(ctx, tr.Key)
		if err != nil || current == nil {
			return err
		}
		plan := quartz.PlanCompletion(current, tr.FireInstanceID, outcome, s.maxRetries)
		if err := s.saveTrigger(ctx, plan.Trigger); err != nil {
			return err
		}
		if plan.JobTriggersState != "" {
			set := bson.M{fieldState: string(plan.JobTriggersState)}
			if plan.JobTriggersState == quartz.StateComplete {
				set[fieldNextFireTime] = nil
			}
			if _, err := s.triggers.UpdateMany(ctx, bson.M{fieldJobID: tr.JobKey.String()}, bson.M{"$set": set}); err != nil {
				return quartz.StoreError(err, "update job triggers")
			}
		}
		if plan.Retire {
			if err := s.retire(ctx, plan.Trigger); err != nil {
				return err
			}
		}
		if plan.Trigger.State == quartz.StateError {
			s.log.Warnw("Trigger moved to ERROR", "trigger", tr.Key.String(), "count", plan.Trigger.ErrorCount,
				"error", plan.Trigger.ErrorMessage)
		}
		return nil
	})
}

// RetrieveFiredTrigger returns the fired record for fireInstanceID, or nil.
func (s *Store) RetrieveFiredTrigger(ctx context.Context, fireInstanceID string) (*quartz.FiredTrigger, error) {
	return s.loadFired(ctx, fireInstanceID)
}

// NextFireTime returns the earliest next fire time of a WAITING trigger.
func (s *Store) NextFireTime(ctx context.Context) (*time.Time, error) {
	var doc bson.M
	err := s.triggers.FindOne(ctx,
		bson.M{fieldState: string(quartz.StateWaiting), fieldNextFireTime: bson.M{"$ne": nil}},
		options.FindOne().
			SetSort(bson.D{{Key: fieldNextFireTime, Value: 1}}).
			SetProjection(bson.M{fieldNextFireTime: 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, quartz.StoreError(err, "find next fire time")
	}
	t, ok := normalize(doc[fieldNextFireTime]).(time.Time)
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// RecoverJobs releases this instance's acquired triggers and fired records and creates recovery triggers for jobs that request it.
func (s *Store) RecoverJobs(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		cur, err := s.fired.Find(ctx, bson.M{fieldInstanceID: s.instanceID})
		if err != nil {
			return quartz.StoreError(err, "find own fired triggers")
		}
		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return quartz.StoreError(err, "decode fired triggers")
		}

		now := s.clock()
		recovered := 0
		for _, doc := range docs {
			rec, err := decodeFired(doc)
			if err != nil {
				s.log.Warnw("Dropping undecodable fired trigger", "id", doc[fieldID], "error", err)
			} else if rec.State == quartz.FiredExecuting && rec.RequestsRecovery {
				job, err := s.loadJob(ctx, rec.JobKey)
				if err != nil {
					return err
				}
				if job != nil {
					rt := quartz.NewRecoveryTrigger(rec, job.JobDataMap, now)
					if _, err := s.triggers.InsertOne(ctx, encodeTrigger(rt)); err != nil {
						return quartz.StoreError(err, "insert recovery trigger")
					}
					recovered++
				}
			}
			if _, err := s.fired.DeleteOne(ctx, bson.M{fieldID: doc[fieldID]}); err != nil {
				return quartz.StoreError(err, "delete fired trigger")
			}
		}

		// Acquisitions whose fired record is gone go back to WAITING.
		acquired, err := s.findTriggers(ctx, bson.M{fieldState: string(quartz.StateAcquired)})
		if err != nil {
			return err
		}
		for _, tr := range acquired {
			rec, err := s.loadFired(ctx, tr.FireInstanceID)
			if err != nil {
				return err
			}
			if rec == nil {
				_, err := s.triggers.UpdateOne(ctx, bson.M{fieldID: tr.Key.String()},
					bson.M{"$set": bson.M{fieldState: string(quartz.StateWaiting), fieldFireInstanceID: ""}})
				if err != nil {
					return quartz.StoreError(err, "release orphan acquisition")
				}
			}
		}

		blocked, err := s.findTriggers(ctx, bson.M{fieldState: bson.M{"$in": bson.A{
			string(quartz.StateBlocked), string(quartz.StatePausedBlocked),
		}}})
		if err != nil {
			return err
		}
		checked := make(map[quartz.Key]bool)
		for _, tr := range blocked {
			if checked[tr.JobKey] {
				continue
			}
			checked[tr.JobKey] = true
			stillBlocked, err := s.jobBlocked(ctx, tr.JobKey)
			if err != nil {
				return err
			}
			if !stillBlocked {
				if err := s.unblockJob(ctx, tr.JobKey); err != nil {
					return err
				}
			}
		}

		if recovered > 0 {
			s.log.Infow("Recovered jobs", "count", recovered)
		}
		return nil
	})
}
