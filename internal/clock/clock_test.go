package clock

import (
	"testing"
	"time"
)

func TestDayKeyCrossesOffsetBoundary(t *testing.T) {
	c := New(8)
	// 23:30 UTC + 8h = 07:30 next day.
	c.Now = func() time.Time {
		return time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	}
	if got := c.DayKey(); got != "2026-03-02" {
		t.Fatalf("DayKey() = %q, want 2026-03-02", got)
	}
}

func TestHourKeyFormat(t *testing.T) {
	c := New(0)
	c.Now = func() time.Time {
		return time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC)
	}
	if got := c.HourKey(); got != "2026-01-05:13" {
		t.Fatalf("HourKey() = %q, want 2026-01-05:13", got)
	}
}

func TestMonthKeyNegativeOffset(t *testing.T) {
	c := New(-12)
	c.Now = func() time.Time {
		return time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)
	}
	if got := c.MonthKey(); got != "2025-12" {
		t.Fatalf("MonthKey() = %q, want 2025-12", got)
	}
}
