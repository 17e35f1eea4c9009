//go:build !race

package quartz_test

import (
	"testing"
	"time"
)

// TestConcurrentSchedulersLarge is a stress test with 100 schedulers and 10,000 jobs.
// Skipped in race detector mode as it's intentionally creating high concurrency.
func TestConcurrentSchedulersLarge(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping large concurrency test in short mode")
	}

	runConcurrentSchedulers(t, concurrencyConfig{
		numSchedulers: 100,   // High concurrency
		numJobs:       10000, // Large job count
		batchSize:     25,
		shellSlots:    8,
		work:          100 * time.Microsecond, // Very light work
		timeout:       5 * time.Minute,
	})
}
