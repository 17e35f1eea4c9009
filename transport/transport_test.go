package transport

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEEJ4Y/quartz"
)

func serve(t *testing.T, c *Channel, destination string, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Serve(ctx, destination, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestChannelCall(t *testing.T) {
	c := NewChannel(0)
	serve(t, c, "upper", func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte(strings.ToUpper(string(payload))), nil
	})

	got, err := c.Call(context.Background(), "upper", []byte("hello"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(got))
}

func TestChannelCallReturnsHandlerError(t *testing.T) {
	c := NewChannel(0)
	boom := errors.New("boom")
	serve(t, c, "fail", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, boom
	})

	_, err := c.Call(context.Background(), "fail", nil, time.Second)
	assert.True(t, errors.Is(err, boom))
}

func TestChannelCallTimesOut(t *testing.T) {
	c := NewChannel(0)
	start := time.Now()
	_, err := c.Call(context.Background(), "nobody", []byte("ping"), 50*time.Millisecond)
	assert.True(t, errors.Is(err, quartz.ErrTimeout))
	assert.Less(t, time.Since(start), time.Second)
}

func TestChannelSendIsConsumedOnce(t *testing.T) {
	c := NewChannel(0)
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	wg.Add(100)
	handler := func(ctx context.Context, payload []byte) ([]byte, error) {
		mu.Lock()
		seen[string(payload)]++
		mu.Unlock()
		wg.Done()
		return nil, nil
	}
	for i := 0; i < 4; i++ {
		serve(t, c, "work", handler)
	}

	for i := 0; i < 100; i++ {
		require.NoError(t, c.Send(context.Background(), "work", []byte(quartz.UniqueName())))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 100)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestChannelSendRespectsContext(t *testing.T) {
	c := NewChannel(1)
	require.NoError(t, c.Send(context.Background(), "full", []byte("a")))
	assert.Equal(t, 1, c.Pending("full"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Send(ctx, "full", []byte("b"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
