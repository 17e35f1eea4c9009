package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	redigo "github.com/gomodule/redigo/redis"
	"github.com/google/uuid"

	"github.com/DEEJ4Y/quartz"
)

// LockConfig configures a Lock.
type LockConfig struct {
	// Pool is required.
	Pool *redigo.Pool

	// Prefix is prepended to lock names. Default: "quartz:lock:"
	Prefix string

	// LeaseDuration is how long a lock survives its holder. Default: 30s
	LeaseDuration time.Duration

	// MaxWait bounds how long Lock waits. Default: 10s
	MaxWait time.Duration

	// RetryInterval is the pause between attempts. Default: 25ms
	RetryInterval time.Duration
}

// unlockScript deletes the lock only while the caller still owns it.
var unlockScript = redigo.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a quartz.Locker holding each lock as a key written with SET NX PX.
// A holder that dies loses the lock when the lease expires.
type Lock struct {
	config LockConfig
}

// NewLock creates a redis-backed Locker.
func NewLock(config LockConfig) (*Lock, error) {
	if config.Pool == nil {
		return nil, quartz.InvalidArgument("redis pool is required")
	}
	if config.Prefix == "" {
		config.Prefix = "quartz:lock:"
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
	return &Lock{config: config}, nil
}

// Lock waits for the named lock and returns the function that releases it.
func (l *Lock) Lock(ctx context.Context, name string) (func(context.Context) error, error) {
	key := l.config.Prefix + name
	owner := uuid.NewString()
	deadline := time.Now().Add(l.config.MaxWait)

	for {
		ok, err := l.tryLock(key, owner)
		if err != nil {
			return nil, quartz.StoreError(err, "acquire lock "+name)
		}
		if ok {
			return func(context.Context) error { return l.unlock(key, owner) }, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(quartz.ErrLockTimeout, "lock %s held for more than %s", name, l.config.MaxWait)
		}
		select {
		case <-time.After(l.config.RetryInterval):
		case <-ctx.Done():
			return nil, quartz.StoreError(ctx.Err(), "acquire lock "+name)
		}
	}
}

func (l *Lock) tryLock(key, owner string) (bool, error) {
	conn := l.config.Pool.Get()
	defer conn.Close()
	_, err := redigo.String(conn.Do("SET", key, owner, "NX", "PX", l.config.LeaseDuration.Milliseconds()))
	if err == redigo.ErrNil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Lock) unlock(key, owner string) error {
	conn := l.config.Pool.Get()
	defer conn.Close()
	_, err := unlockScript.Do(conn, key, owner)
	return quartz.StoreError(err, "release lock "+key)
}
