package quartz

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func date(y int, m time.Month, d, hh, mm, ss int) time.Time {
	return time.Date(y, m, d, hh, mm, ss, 0, time.UTC)
}

func mustIncluded(t *testing.T, cal Calendar, at time.Time) bool {
	t.Helper()
	ok, err := cal.IsTimeIncluded(at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return ok
}

func mustNext(t *testing.T, cal Calendar, at time.Time) time.Time {
	t.Helper()
	next, err := cal.NextIncludedTime(at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return next
}

func TestHolidayCalendar(t *testing.T) {
	cal := NewHolidayCalendar(nil)
	cal.AddExcludedDate(date(2012, 12, 12, 15, 0, 0))

	t.Run("excludes whole days", func(t *testing.T) {
		tests := []struct {
			at   time.Time
			want bool
		}{
			{date(2012, 12, 11, 23, 59, 59), true},
			{date(2012, 12, 12, 0, 0, 0), false},
			{date(2012, 12, 12, 23, 59, 59), false},
			{date(2012, 12, 13, 0, 0, 0), true},
		}
		for _, tt := range tests {
			if got := mustIncluded(t, cal, tt.at); got != tt.want {
				t.Errorf("IsTimeIncluded(%v) = %v, want %v", tt.at, got, tt.want)
			}
		}
	})

	t.Run("next included skips to the following midnight", func(t *testing.T) {
		multi := NewHolidayCalendar(nil)
		for d := 10; d <= 13; d++ {
			multi.AddExcludedDate(date(2012, 12, d, 0, 0, 0))
		}
		got := mustNext(t, multi, date(2012, 12, 11, 13, 12, 12))
		if want := date(2012, 12, 14, 0, 0, 0); !got.Equal(want) {
			t.Errorf("expected %v, got %v", want, got)
		}

		at := date(2012, 12, 9, 8, 0, 0)
		if got := mustNext(t, multi, at); !got.Equal(at) {
			t.Errorf("an included time is its own next included time, got %v", got)
		}
	})

	t.Run("dates are normalized and sorted", func(t *testing.T) {
		c := NewHolidayCalendar(nil)
		c.AddExcludedDate(date(2020, 5, 2, 18, 30, 0))
		c.AddExcludedDate(date(2020, 5, 1, 9, 0, 0))
		c.AddExcludedDate(date(2020, 5, 1, 10, 0, 0))
		got := c.ExcludedDates()
		if len(got) != 2 {
			t.Fatalf("expected 2 dates, got %v", got)
		}
		if !got[0].Equal(date(2020, 5, 1, 0, 0, 0)) || !got[1].Equal(date(2020, 5, 2, 0, 0, 0)) {
			t.Errorf("unexpected dates %v", got)
		}

		c.RemoveExcludedDate(date(2020, 5, 1, 23, 0, 0))
		if !mustIncluded(t, c, date(2020, 5, 1, 12, 0, 0)) {
			t.Error("removed date is still excluded")
		}
	})

	t.Run("rejects non-positive timestamps", func(t *testing.T) {
		_, err := cal.IsTimeIncluded(time.Time{})
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("expected invalid argument, got %v", err)
		}
		_, err = cal.NextIncludedTime(time.Unix(-10, 0))
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("expected invalid argument, got %v", err)
		}
	})
}

func TestWeeklyCalendar(t *testing.T) {
	cal := NewWeeklyCalendar(nil)

	// 2024-06-01 is a Saturday.
	if mustIncluded(t, cal, date(2024, 6, 1, 12, 0, 0)) {
		t.Error("saturday should be excluded by default")
	}
	if !mustIncluded(t, cal, date(2024, 6, 3, 12, 0, 0)) {
		t.Error("monday should be included")
	}
	if got, want := mustNext(t, cal, date(2024, 6, 1, 12, 0, 0)), date(2024, 6, 3, 0, 0, 0); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	for d := time.Sunday; d <= time.Saturday; d++ {
		cal.SetDayExcluded(d, true)
	}
	_, err := cal.NextIncludedTime(date(2024, 6, 1, 12, 0, 0))
	if !errors.Is(err, ErrSchedule) {
		t.Errorf("expected a schedule error when every day is excluded, got %v", err)
	}
}

func TestMonthlyAndAnnualCalendars(t *testing.T) {
	monthly := NewMonthlyCalendar(nil)
	if err := monthly.SetDayExcluded(1, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := monthly.SetDayExcluded(32, true); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected invalid argument for day 32, got %v", err)
	}
	if mustIncluded(t, monthly, date(2024, 3, 1, 8, 0, 0)) {
		t.Error("the first of the month should be excluded")
	}
	if got, want := mustNext(t, monthly, date(2024, 3, 1, 8, 0, 0)), date(2024, 3, 2, 0, 0, 0); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	annual := NewAnnualCalendar(nil)
	annual.SetDayExcluded(time.December, 25, true)
	for _, year := range []int{2023, 2024, 2030} {
		if mustIncluded(t, annual, date(year, 12, 25, 10, 0, 0)) {
			t.Errorf("christmas %d should be excluded", year)
		}
	}
	annual.SetDayExcluded(time.December, 25, false)
	if !mustIncluded(t, annual, date(2024, 12, 25, 10, 0, 0)) {
		t.Error("christmas should be included again")
	}
}

func TestDailyCalendar(t *testing.T) {
	start, _ := NewTimeOfDay(9, 0, 0)
	end, _ := NewTimeOfDay(17, 0, 0)
	cal, err := NewDailyCalendar(nil, start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mustIncluded(t, cal, date(2024, 6, 3, 12, 0, 0)) {
		t.Error("noon should be excluded")
	}
	if !mustIncluded(t, cal, date(2024, 6, 3, 17, 0, 0)) {
		t.Error("the end of the range should be included")
	}
	if got, want := mustNext(t, cal, date(2024, 6, 3, 12, 0, 0)), date(2024, 6, 3, 17, 0, 0); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	cal.Invert = true
	if !mustIncluded(t, cal, date(2024, 6, 3, 12, 0, 0)) {
		t.Error("inverted: noon should be included")
	}
	if got, want := mustNext(t, cal, date(2024, 6, 3, 18, 0, 0)), date(2024, 6, 4, 9, 0, 0); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if _, err := NewDailyCalendar(nil, end, start); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected invalid argument for a reversed range, got %v", err)
	}
}

func TestCronCalendar(t *testing.T) {
	// Excludes every second of the 2 o'clock hour.
	cal, err := NewCronCalendar(nil, "* * 2 * * *")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mustIncluded(t, cal, date(2024, 6, 3, 2, 30, 0)) {
		t.Error("02:30 should be excluded")
	}
	if !mustIncluded(t, cal, date(2024, 6, 3, 3, 0, 0)) {
		t.Error("03:00 should be included")
	}
	if got, want := mustNext(t, cal, date(2024, 6, 3, 2, 59, 0)), date(2024, 6, 3, 3, 0, 0); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if _, err := NewCronCalendar(nil, "bogus"); !errors.Is(err, ErrSchedule) {
		t.Errorf("expected a schedule error, got %v", err)
	}
}

func TestCalendarChain(t *testing.T) {
	holidays := NewHolidayCalendar(nil)
	holidays.AddExcludedDate(date(2024, 6, 3, 0, 0, 0)) // Monday
	weekdays := NewWeeklyCalendar(holidays)

	if mustIncluded(t, weekdays, date(2024, 6, 3, 12, 0, 0)) {
		t.Error("the base calendar's holiday should be excluded")
	}
	// Saturday 1st, Sunday 2nd and the Monday holiday are all skipped.
	if got, want := mustNext(t, weekdays, date(2024, 6, 1, 10, 0, 0)), date(2024, 6, 4, 0, 0, 0); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestTriggerSkipsExcludedFireTimes(t *testing.T) {
	holidays := NewHolidayCalendar(nil)
	holidays.AddExcludedDate(date(2024, 6, 2, 0, 0, 0))

	tr := NewTrigger(MustKey("daily"), MustKey("job"), date(2024, 6, 1, 8, 0, 0),
		&SimpleSchedule{RepeatInterval: 24 * time.Hour, RepeatCount: RepeatIndefinitely})
	if _, err := tr.ComputeFirstFireTime(holidays); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.Triggered(holidays); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := date(2024, 6, 3, 8, 0, 0); tr.NextFireTime == nil || !tr.NextFireTime.Equal(want) {
		t.Errorf("expected %v, got %v", want, tr.NextFireTime)
	}
}
