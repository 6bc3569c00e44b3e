// Package clock produces usage-counter bucket keys in a configured fixed
// UTC offset, per the timezone rule: a bucket key is computed from
// UTC(now) + offset, reading back UTC components of the shifted instant.
package clock

import (
	"fmt"
	"time"
)

// Clock derives day/month/hour bucket keys from a fixed UTC offset.
type Clock struct {
	offset time.Duration
	// Now is overridable in tests; defaults to time.Now.
	Now func() time.Time
}

// New builds a Clock for the given offset in hours, clamped to [-12, 14]
// by the caller (config.Validate enforces the range before this is built).
func New(offsetHours int) *Clock {
	return &Clock{
		offset: time.Duration(offsetHours) * time.Hour,
		Now:    time.Now,
	}
}

func (c *Clock) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// shifted returns UTC(now) + offset, read back as UTC components.
func (c *Clock) shifted() time.Time {
	return c.now().UTC().Add(c.offset)
}

// DayKey returns a YYYY-MM-DD bucket key.
func (c *Clock) DayKey() string {
	t := c.shifted()
	return fmt.Sprintf("%04d-%02d-%02d", t.Year(), t.Month(), t.Day())
}

// MonthKey returns a YYYY-MM bucket key.
func (c *Clock) MonthKey() string {
	t := c.shifted()
	return fmt.Sprintf("%04d-%02d", t.Year(), t.Month())
}

// HourKey returns a YYYY-MM-DD:HH bucket key.
func (c *Clock) HourKey() string {
	t := c.shifted()
	return fmt.Sprintf("%04d-%02d-%02d:%02d", t.Year(), t.Month(), t.Day(), t.Hour())
}

// QuotaResetDue reports whether the configured daily HH:MM reset time (in
// now's location) has passed since lastReset. Nothing on the request path
// calls it.
func QuotaResetDue(resetHHMM string, lastReset, now time.Time) bool {
	if resetHHMM == "" {
		return false
	}
	var hh, mm int
	if _, err := fmt.Sscanf(resetHHMM, "%d:%d", &hh, &mm); err != nil {
		return false
	}
	todayReset := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
	if now.Before(todayReset) {
		todayReset = todayReset.AddDate(0, 0, -1)
	}
	return lastReset.Before(todayReset)
}
