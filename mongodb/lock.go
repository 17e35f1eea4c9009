package mongodb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/DEEJ4Y/quartz"
)

// LockConfig holds the configuration for a Lock.
type LockConfig struct {
	// Collection holds one document per held lock. Required.
	Collection *mongo.Collection

	// LeaseDuration is how long a lock document stays valid. A holder that
	// dies releases the lock when its lease expires.
	// Default: 30 seconds
	LeaseDuration time.Duration

	// MaxWait bounds how long Lock waits before failing with
	// quartz.ErrLockTimeout.
	// Default: 10 seconds
	MaxWait time.Duration

	// RetryInterval is the pause between attempts on a held lock.
	// Default: 25 milliseconds
	RetryInterval time.Duration
}

// Lock is a quartz.Locker backed by a MongoDB collection. The unique _id
// index makes the insert of a lock document the acquisition.
type Lock struct {
	coll  *mongo.Collection
	lease time.Duration
	wait  time.Duration
	retry time.Duration
}

var _ quartz.Locker = (*Lock)(nil)

// NewLock creates a lock over the given collection.
func NewLock(config LockConfig) (*Lock, error) {
	if config.Collection == nil {
		return nil, quartz.InvalidArgument("lock collection is required")
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = 30 * time.Second
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 10 * time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 25 * time.Millisecond
	}
	return &Lock{
		coll:  config.Collection,
		lease: config.LeaseDuration,
		wait:  config.MaxWait,
		retry: config.RetryInterval,
	}, nil
}

// Lock blocks until the named lock is held or MaxWait elapses.
func (l *Lock) Lock(ctx context.Context, name string) (func(context.Context) error, error) {
	owner := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		now := time.Now()
		_, err := l.coll.InsertOne(ctx, bson.M{
			"_id":      name,
			"owner":    owner,
			"expireAt": now.Add(l.lease),
		})
		if err == nil {
			return l.unlock(name, owner), nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, quartz.StoreError(err, "acquire lock "+name)
		}

		// Take over a lease whose holder died.
		res, err := l.coll.DeleteOne(ctx, bson.M{"_id": name, "expireAt": bson.M{"$lt": now}})
		if err != nil {
			return nil, quartz.StoreError(err, "expire lock "+name)
		}
		if res.DeletedCount > 0 {
			continue
		}

		if now.After(deadline) {
			return nil, errors.Wrapf(quartz.ErrLockTimeout, "lock %s", name)
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, quartz.StoreError(ctx.Err(), "wait for lock "+name)
		case <-timer.C:
		}
	}
}

func (l *Lock) unlock(name, owner string) func(context.Context) error {
	return func(ctx context.Context) error {
		if _, err := l.coll.DeleteOne(ctx, bson.M{"_id": name, "owner": owner}); err != nil {
			return quartz.StoreError(err, "release lock "+name)
		}
		return nil
	}
}
