// Package redis implements the cluster lock and the message transport on top
// of Redis.
package redis

import (
	"time"

	redigo "github.com/gomodule/redigo/redis"
)

// NewPool creates a redis connection pool for url, e.g.
// "redis://127.0.0.1:6379/0".
func NewPool(url string) *redigo.Pool {
	return &redigo.Pool{
		MaxIdle:     10,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redigo.Conn, error) {
			return redigo.DialURL(url)
		},
		TestOnBorrow: func(c redigo.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}
