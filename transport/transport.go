// Package transport moves opaque payloads between scheduler processes. The
// execution shell uses Send to hand fire instance ids to workers; the RPC
// layer uses Call for request/response. Serialization belongs to the caller.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/DEEJ4Y/quartz"
)

// Transport delivers payloads to a named destination.
type Transport interface {
	// Send enqueues payload for destination and returns without waiting for a
	// consumer.
	Send(ctx context.Context, destination string, payload []byte) error
	// Call sends payload and waits up to timeout for the reply. It fails with
	// quartz.ErrTimeout when no reply arrives in time.
	Call(ctx context.Context, destination string, payload []byte, timeout time.Duration) ([]byte, error)
}

// Handler processes one inbound payload. The reply is delivered to the caller
// of Call and discarded for Send.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Server consumes payloads addressed to a destination.
type Server interface {
	// Serve runs h for every payload sent to destination until ctx is done.
	// Several Serve loops on one destination share its payloads.
	Serve(ctx context.Context, destination string, h Handler) error
}

// Timeout builds the error returned when a call gets no reply in time.
func Timeout(destination string, timeout time.Duration) error {
	return errors.Wrapf(quartz.ErrTimeout, "no reply from %q within %s", destination, timeout)
}

type message struct {
	payload []byte
	reply   chan reply
}

type reply struct {
	body []byte
	err  error
}

// Channel is an in-process Transport and Server backed by buffered channels.
// It connects a scheduler and its workers inside one binary and is what the
// tests use.
type Channel struct {
	mu     sync.Mutex
	queues map[string]chan message
	buffer int
}

// NewChannel returns a Channel whose queues hold up to buffer pending
// payloads; Send blocks while a queue is full.
func NewChannel(buffer int) *Channel {
	if buffer < 1 {
		buffer = 64
	}
	return &Channel{queues: make(map[string]chan message), buffer: buffer}
}

func (c *Channel) queue(destination string) chan message {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[destination]
	if !ok {
		q = make(chan message, c.buffer)
		c.queues[destination] = q
	}
	return q
}

// Send queues payload for destination.
func (c *Channel) Send(ctx context.Context, destination string, payload []byte) error {
	select {
	case c.queue(destination) <- message{payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call queues payload and waits up to timeout for the handler's reply.
func (c *Channel) Call(ctx context.Context, destination string, payload []byte, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	msg := message{payload: payload, reply: make(chan reply, 1)}
	select {
	case c.queue(destination) <- msg:
	case <-timer.C:
		return nil, Timeout(destination, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-msg.reply:
		return r.body, r.err
	case <-timer.C:
		return nil, Timeout(destination, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve handles messages for destination until ctx is done.
func (c *Channel) Serve(ctx context.Context, destination string, h Handler) error {
	q := c.queue(destination)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q:
			body, err := h(ctx, msg.payload)
			if msg.reply != nil {
				msg.reply <- reply{body: body, err: err}
			}
		}
	}
}

// Pending returns the number of undelivered payloads for destination.
func (c *Channel) Pending(destination string) int {
	return len(c.queue(destination))
}
