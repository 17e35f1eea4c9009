package redis

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	redigo "github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEEJ4Y/quartz"
)

// testPool connects to REDIS_URL (default the local server, database 15) and
// skips the test when it is not reachable. Keys are namespaced per test.
func testPool(t *testing.T) (*redigo.Pool, string) {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://127.0.0.1:6379/15"
	}
	pool := NewPool(url)
	conn := pool.Get()
	_, err := conn.Do("PING")
	conn.Close()
	if err != nil {
		pool.Close()
		t.Skipf("Skipping test: Redis not available: %v", err)
	}
	prefix := "quartz-test:" + quartz.UniqueName() + ":"
	t.Cleanup(func() {
		conn := pool.Get()
		keys, _ := redigo.Strings(conn.Do("KEYS", prefix+"*"))
		for _, k := range keys {
			_, _ = conn.Do("DEL", k)
		}
		conn.Close()
		pool.Close()
	})
	return pool, prefix
}

func TestLockIsExclusive(t *testing.T) {
	pool, prefix := testPool(t)
	lock, err := NewLock(LockConfig{Pool: pool, Prefix: prefix, RetryInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				unlock, err := lock.Lock(context.Background(), quartz.LockTriggerAccess)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				holders++
				if holders > maxSeen {
					maxSeen = holders
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				holders--
				mu.Unlock()
				assert.NoError(t, unlock(context.Background()))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestLockTimesOut(t *testing.T) {
	pool, prefix := testPool(t)
	lock, err := NewLock(LockConfig{Pool: pool, Prefix: prefix, MaxWait: 50 * time.Millisecond})
	require.NoError(t, err)

	unlock, err := lock.Lock(context.Background(), "x")
	require.NoError(t, err)
	_, err = lock.Lock(context.Background(), "x")
	assert.True(t, errors.Is(err, quartz.ErrLockTimeout))
	assert.True(t, errors.Is(err, quartz.ErrStore))
	require.NoError(t, unlock(context.Background()))
}

func TestUnlockKeepsForeignLease(t *testing.T) {
	pool, prefix := testPool(t)
	lock, err := NewLock(LockConfig{Pool: pool, Prefix: prefix, LeaseDuration: 50 * time.Millisecond})
	require.NoError(t, err)

	unlock, err := lock.Lock(context.Background(), "x")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	// The lease expired, so another holder takes it over.
	other, err := lock.Lock(context.Background(), "x")
	require.NoError(t, err)
	require.NoError(t, unlock(context.Background()))

	conn := pool.Get()
	defer conn.Close()
	exists, err := redigo.Bool(conn.Do("EXISTS", prefix+"x"))
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, other(context.Background()))
}

func TestTransportCall(t *testing.T) {
	pool, prefix := testPool(t)
	tr, err := NewTransport(TransportConfig{Pool: pool, Prefix: prefix})
	require.NoError(t, err)
	require.NoError(t, tr.Setup(context.Background(), "upper"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Serve(ctx, "upper", func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte(strings.ToUpper(string(payload))), nil
		})
	}()
	defer func() {
		cancel()
		<-done
	}()

	got, err := tr.Call(context.Background(), "upper", []byte("fire"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "FIRE", string(got))
}

func TestTransportCallTimesOut(t *testing.T) {
	pool, prefix := testPool(t)
	tr, err := NewTransport(TransportConfig{Pool: pool, Prefix: prefix})
	require.NoError(t, err)

	_, err = tr.Call(context.Background(), "nobody", []byte("ping"), 500*time.Millisecond)
	assert.True(t, errors.Is(err, quartz.ErrTimeout))
}

func TestTransportSend(t *testing.T) {
	pool, prefix := testPool(t)
	tr, err := NewTransport(TransportConfig{Pool: pool, Prefix: prefix})
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, tr.Send(context.Background(), "fires", []byte(id)))
	}

	got := make(chan string, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Serve(ctx, "fires", func(ctx context.Context, payload []byte) ([]byte, error) {
			got <- string(payload)
			return nil, nil
		})
	}()

	var ids []string
	for len(ids) < 3 {
		select {
		case id := <-got:
			ids = append(ids, id)
		case <-time.After(5 * time.Second):
			t.Fatalf("received only %v", ids)
		}
	}
	cancel()
	<-done
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}
