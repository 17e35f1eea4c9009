package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	redigo "github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DEEJ4Y/quartz"
	"github.com/DEEJ4Y/quartz/transport"
)

// TransportConfig configures a Transport.
type TransportConfig struct {
	// Pool is required.
	Pool *redigo.Pool

	// Prefix is prepended to queue names. Default: "quartz:queue:"
	Prefix string

	// PollInterval is the BRPOP timeout of Serve and Call; it bounds how long
	// they take to notice a cancelled context. Default: 1s
	PollInterval time.Duration

	// ReplyTTL expires reply queues nobody read. Default: 1m
	ReplyTTL time.Duration

	Logger *zap.SugaredLogger
}

// envelope is the wire form of one queued payload.
type envelope struct {
	CorrelationID string `json:"correlation_id"`
	ReplyTo       string `json:"reply_to,omitempty"`
	Body          []byte `json:"body"`
	Error         string `json:"error,omitempty"`
}

// Transport is a transport.Transport and transport.Server over Redis lists.
// Producers LPUSH envelopes; consumers BRPOP them, so each payload reaches
// one consumer. Replies travel on a per-call list.
type Transport struct {
	config TransportConfig
	log    *zap.SugaredLogger
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Server    = (*Transport)(nil)
)

// NewTransport creates a transport over redis lists.
func NewTransport(config TransportConfig) (*Transport, error) {
	if config.Pool == nil {
		return nil, quartz.InvalidArgument("redis pool is required")
	}
	if config.Prefix == "" {
		config.Prefix = "quartz:queue:"
	}
	if config.PollInterval < time.Second {
		config.PollInterval = time.Second
	}
	if config.ReplyTTL <= 0 {
		config.ReplyTTL = time.Minute
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	return &Transport{config: config, log: config.Logger.Named("redis-transport")}, nil
}

func (t *Transport) queue(destination string) string {
	return t.config.Prefix + destination
}

// Setup checks the server is reachable. Redis lists need no declaration.
func (t *Transport) Setup(ctx context.Context, destinations ...string) error {
	conn := t.config.Pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		return quartz.StoreError(err, "ping redis")
	}
	for _, d := range destinations {
		t.log.Infow("Queue ready", "queue", t.queue(d))
	}
	return nil
}

func (t *Transport) push(queue string, env envelope, ttl time.Duration) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	conn := t.config.Pool.Get()
	defer conn.Close()
	if _, err := conn.Do("LPUSH", queue, data); err != nil {
		return quartz.StoreError(err, "push to "+queue)
	}
	if ttl > 0 {
		if _, err := conn.Do("PEXPIRE", queue, ttl.Milliseconds()); err != nil {
			return quartz.StoreError(err, "expire "+queue)
		}
	}
	return nil
}

// pop waits up to wait for an envelope on queue. It returns nil when the
// queue stayed empty.
func (t *Transport) pop(queue string, wait time.Duration) (*envelope, error) {
	conn := t.config.Pool.Get()
	defer conn.Close()
	secs := int(wait / time.Second)
	if secs < 1 {
		secs = 1
	}
	reply, err := redigo.ByteSlices(conn.Do("BRPOP", queue, secs))
	if err == redigo.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, quartz.StoreError(err, "pop from "+queue)
	}
	if len(reply) != 2 {
		return nil, errors.Newf("unexpected BRPOP reply with %d elements", len(reply))
	}
	var env envelope
	if err := json.Unmarshal(reply[1], &env); err != nil {
		return nil, quartz.InvalidArgument("malformed envelope on %s: %v", queue, err)
	}
	return &env, nil
}

// Send pushes payload onto the destination queue.
func (t *Transport) Send(ctx context.Context, destination string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.push(t.queue(destination), envelope{CorrelationID: uuid.NewString(), Body: payload}, 0)
}

// Call pushes payload with a reply queue and waits up to timeout for the answer.
func (t *Transport) Call(ctx context.Context, destination string, payload []byte, timeout time.Duration) ([]byte, error) {
	id := uuid.NewString()
	replyTo := t.queue("reply:" + id)
	if err := t.push(t.queue(destination), envelope{CorrelationID: id, ReplyTo: replyTo, Body: payload}, 0); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.Timeout(destination, timeout)
		}
		env, err := t.pop(replyTo, minDuration(remaining, t.config.PollInterval))
		if err != nil {
			return nil, err
		}
		if env == nil {
			continue
		}
		if env.CorrelationID != id {
			t.log.Warnw("Dropping reply with foreign correlation id", "queue", replyTo, "correlation_id", env.CorrelationID)
			continue
		}
		if env.Error != "" {
			return nil, errors.Newf("remote handler failed: %s", env.Error)
		}
		return env.Body, nil
	}
}

// Serve pops requests from destination until ctx is done, answering calls with h's reply.
func (t *Transport) Serve(ctx context.Context, destination string, h transport.Handler) error {
	queue := t.queue(destination)
	t.log.Infow("Serving queue", "queue", queue)
	for ctx.Err() == nil {
		env, err := t.pop(queue, t.config.PollInterval)
		if err != nil {
			if errors.Is(err, quartz.ErrInvalidArgument) {
				t.log.Warnw("Dropping message", "queue", queue, "error", err)
				continue
			}
			t.log.Warnw("Receive failed", "queue", queue, "error", err)
			select {
			case <-time.After(t.config.PollInterval):
			case <-ctx.Done():
			}
			continue
		}
		if env == nil {
			continue
		}

		body, herr := h(ctx, env.Body)
		if env.ReplyTo == "" {
			if herr != nil {
				t.log.Warnw("Handler failed", "queue", queue, "correlation_id", env.CorrelationID, "error", herr)
			}
			continue
		}
		out := envelope{CorrelationID: env.CorrelationID, Body: body}
		if herr != nil {
			out.Error = herr.Error()
		}
		if err := t.push(env.ReplyTo, out, t.config.ReplyTTL); err != nil {
			t.log.Warnw("Reply failed", "queue", env.ReplyTo, "correlation_id", env.CorrelationID, "error", err)
		}
	}
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
