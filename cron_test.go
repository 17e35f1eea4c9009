package quartz

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func cronTrigger(t *testing.T, expr, zone string, start time.Time) *Trigger {
	t.Helper()
	s, err := NewCronSchedule(expr, zone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return NewTrigger(MustKey("cron"), MustKey("job"), start, s)
}

func TestCronSchedule(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 7, 0, 0, time.UTC)

	t.Run("first fire is the next match at or after start", func(t *testing.T) {
		tr := cronTrigger(t, "0 */15 * * * *", "", start)
		first, err := tr.ComputeFirstFireTime(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC)
		if first == nil || !first.Equal(want) {
			t.Errorf("expected %v, got %v", want, first)
		}
	})

	t.Run("start time on a match fires at start", func(t *testing.T) {
		at := time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC)
		tr := cronTrigger(t, "0 */15 * * * *", "", at)
		first, err := tr.ComputeFirstFireTime(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if first == nil || !first.Equal(at) {
			t.Errorf("expected %v, got %v", at, first)
		}
	})

	t.Run("five field expressions start at the minute", func(t *testing.T) {
		tr := cronTrigger(t, "30 12 * * *", "", start)
		first, err := tr.ComputeFirstFireTime(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)
		if first == nil || !first.Equal(want) {
			t.Errorf("expected %v, got %v", want, first)
		}
	})

	t.Run("evaluated in the schedule time zone", func(t *testing.T) {
		tr := cronTrigger(t, "0 0 3 * * *", "Europe/Berlin", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		first, err := tr.ComputeFirstFireTime(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
		if first == nil || !first.Equal(want) {
			t.Errorf("expected %v, got %v", want, first)
		}
	})

	t.Run("fire times advance strictly", func(t *testing.T) {
		tr := cronTrigger(t, "*/5 * * * * *", "", start)
		if _, err := tr.ComputeFirstFireTime(nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i := 1; i <= 3; i++ {
			if err := tr.Triggered(nil); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			want := start.Add(time.Duration(i) * 5 * time.Second)
			if tr.NextFireTime == nil || !tr.NextFireTime.Equal(want) {
				t.Errorf("fire %d: expected %v, got %v", i, want, tr.NextFireTime)
			}
		}
		if tr.TimesTriggered != 3 {
			t.Errorf("expected 3 fires counted, got %d", tr.TimesTriggered)
		}
	})

	t.Run("nothing after the end time", func(t *testing.T) {
		tr := cronTrigger(t, "0 0 * * * *", "", start)
		end := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		tr.EndTime = &end

		next, err := tr.FireTimeAfter(time.Date(2024, 1, 1, 11, 30, 0, 0, time.UTC), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next == nil || !next.Equal(end) {
			t.Errorf("expected the end time itself, got %v", next)
		}

		next, err = tr.FireTimeAfter(end, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next != nil {
			t.Errorf("expected nil after end time, got %v", next)
		}
	})

	t.Run("impossible dates never fire", func(t *testing.T) {
		tr := cronTrigger(t, "0 0 0 30 2 *", "", start)
		first, err := tr.ComputeFirstFireTime(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if first != nil {
			t.Errorf("expected no fire time, got %v", first)
		}
	})
}

func TestCronMisfireSkipsToNextMatch(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := cronTrigger(t, "0 0 * * * *", "", start)
	if _, err := tr.ComputeFirstFireTime(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := start.Add(5*time.Hour + 10*time.Minute)
	if !tr.IsMisfired(now, time.Minute) {
		t.Fatal("expected trigger to be misfired")
	}
	if err := tr.UpdateAfterMisfire(now, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := start.Add(6 * time.Hour)
	if tr.NextFireTime == nil || !tr.NextFireTime.Equal(want) {
		t.Errorf("expected %v, got %v", want, tr.NextFireTime)
	}

	tr.NextFireTime = &start
	tr.MisfireInstruction = MisfireFireOnceNow
	if err := tr.UpdateAfterMisfire(now, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.NextFireTime == nil || !tr.NextFireTime.Equal(now) {
		t.Errorf("expected fire now at %v, got %v", now, tr.NextFireTime)
	}
}

func TestValidateCronExpression(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"every second", "* * * * * *", false},
		{"every minute", "0 * * * * *", false},
		{"every hour", "0 0 * * * *", false},
		{"every 5 seconds", "*/5 * * * * *", false},
		{"every 15 minutes", "0 */15 * * * *", false},
		{"specific time", "0 0 12 * * *", false},
		{"five fields", "*/10 * * * *", false},
		{"descriptor", "@daily", false},
		{"empty", "", true},
		{"invalid", "not a cron", true},
		{"too few fields", "* *", true},
		{"out of range", "0 0 25 * * *", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCronExpression(tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got none")
				} else if !errors.Is(err, ErrSchedule) {
					t.Errorf("expected a schedule error, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNewCronScheduleRejectsUnknownZone(t *testing.T) {
	_, err := NewCronSchedule("0 0 * * * *", "Mars/Olympus_Mons")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", err)
	}
}

func TestCronScheduleSharedAcrossGoroutines(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 7, 0, 0, time.UTC)
	s := &CronSchedule{Expression: "0 */15 * * * *"}
	tr := NewTrigger(MustKey("cron"), MustKey("job"), start, s)

	if next, _ := tr.FireTimeAfter(start, nil); next == nil {
		t.Fatal("expected a fire time")
	}
	if s.parsed != nil {
		t.Error("computing a fire time should not write to the schedule")
	}

	c := s.clone().(*CronSchedule)
	if c.parsed == nil {
		t.Error("a clone should carry the parsed expression")
	}

	want := time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp := tr.Clone()
			for j := 0; j < 100; j++ {
				next, err := cp.FireTimeAfter(start, nil)
				if err != nil || next == nil || !next.Equal(want) {
					t.Errorf("expected %v, got %v (%v)", want, next, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
