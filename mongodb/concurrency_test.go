package mongodb

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/DEEJ4Y/quartz"
)

// testDatabase connects to the MongoDB named by MONGODB_URI (default
// localhost) and returns a fresh database that is dropped after the test.
func testDatabase(t *testing.T) *mongo.Database {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("Skipping test: MongoDB not available: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		t.Skipf("Skipping test: Cannot ping MongoDB: %v", err)
	}

	db := client.Database(fmt.Sprintf("quartz_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return db
}

// TestDistributedLocking validates that one-shot triggers fire exactly once
// when many schedulers share the store.
func TestDistributedLocking(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrency test in short mode")
	}

	const (
		numSchedulers = 10
		numJobs       = 500
		testTimeout   = 2 * time.Minute
	)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	db := testDatabase(t)

	fires := newFireLog()

	var (
		schedulers []*quartz.Scheduler
		errorCount atomic.Int64
		stopping   atomic.Bool
	)
	for i := 0; i < numSchedulers; i++ {
		schedulerID := i
		instanceID := fmt.Sprintf("scheduler-%02d", i)
		store, err := NewStore(Config{Database: db, InstanceID: instanceID})
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		if i == 0 {
			if err := store.CreateIndexes(ctx); err != nil {
				t.Fatalf("Failed to create indexes: %v", err)
			}
		}
		jobs := quartz.NewJobRegistry()
		jobs.RegisterFunc("record", func(ctx context.Context, jc *quartz.JobContext) error {
			fires.add(jc.JobDetail.Key.Name, instanceID, jc.FireInstanceID)
			return nil
		})
		sched, err := quartz.New(quartz.Config{
			Store:        store,
			Jobs:         jobs,
			InstanceID:   instanceID,
			Shell:        quartz.NewLocalShell(4, nil),
			MaxBatchSize: 10,
			IdleWaitTime: 100 * time.Millisecond,
			OnError: func(ctx context.Context, err error) {
				// Ignore context canceled errors during shutdown
				if stopping.Load() && strings.Contains(err.Error(), "context canceled") {
					return
				}
				errorCount.Add(1)
				t.Logf("Scheduler %d error: %v", schedulerID, err)
			},
		})
		if err != nil {
			t.Fatalf("Failed to create scheduler: %v", err)
		}
		schedulers = append(schedulers, sched)
	}

	// Schedule through the first scheduler; every scheduler sees the store.
	now := time.Now()
	startInsert := time.Now()
	for j := 0; j < numJobs; j++ {
		name := fmt.Sprintf("job-%06d", j)
		job := quartz.NewJob(quartz.MustKey(name), "record")
		tr := quartz.NewTrigger(quartz.MustKey(name), job.Key, now, &quartz.SimpleSchedule{})
		if _, err := schedulers[0].ScheduleJob(ctx, job, tr); err != nil {
			t.Fatalf("Failed to schedule %s: %v", name, err)
		}
	}
	t.Logf("Scheduled %d jobs in %v", numJobs, time.Since(startInsert))

	startTime := time.Now()
	var wg sync.WaitGroup
	for i, sched := range schedulers {
		wg.Add(1)
		go func(idx int, s *quartz.Scheduler) {
			defer wg.Done()
			if err := s.Start(ctx); err != nil {
				t.Errorf("Scheduler %d failed to start: %v", idx, err)
			}
		}(i, sched)
	}
	wg.Wait()

	for fires.total() < numJobs {
		select {
		case <-ctx.Done():
			t.Fatalf("Test timeout reached with %d/%d executions", fires.total(), numJobs)
		case <-time.After(200 * time.Millisecond):
		}
	}
	// Give duplicate fires a chance to show up.
	time.Sleep(time.Second)
	duration := time.Since(startTime)

	stopping.Store(true)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	for i, sched := range schedulers {
		if err := sched.Shutdown(stopCtx); err != nil {
			t.Logf("Warning: Scheduler %d shutdown error: %v", i, err)
		}
	}

	fires.mu.Lock()
	defer fires.mu.Unlock()
	t.Logf("Executions: %d, unique: %d, errors: %d, duration: %v",
		fires.count, len(fires.byJob), errorCount.Load(), duration)
	for instance, n := range fires.byInstance {
		t.Logf("  %s fired %d", instance, n)
	}

	for name, instances := range fires.byJob {
		if len(instances) > 1 {
			t.Errorf("Job %s fired %d times, by %v", name, len(instances), instances)
		}
	}
	if len(fires.byJob) != numJobs {
		t.Errorf("Expected %d unique jobs executed, got %d", numJobs, len(fires.byJob))
	}
	if len(fires.ids) != fires.count {
		t.Errorf("Fire instance ids are not unique: %d ids for %d fires", len(fires.ids), fires.count)
	}
}

// fireLog records which instance ran each job.
type fireLog struct {
	mu         sync.Mutex
	count      int
	byJob      map[string][]string
	byInstance map[string]int
	ids        map[string]struct{}
}

func newFireLog() *fireLog {
	return &fireLog{
		byJob:      make(map[string][]string),
		byInstance: make(map[string]int),
		ids:        make(map[string]struct{}),
	}
}

func (l *fireLog) add(job, instance, fireID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	l.byJob[job] = append(l.byJob[job], instance)
	l.byInstance[instance]++
	l.ids[fireID] = struct{}{}
}

func (l *fireLog) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
