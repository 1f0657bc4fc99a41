package clock

import (
	"fmt"
	"sync"
	"time"
)

const DateLayout = "2006-01-02"

// Clock is the wall clock used for calendar decisions. Every time-of-day
// check is evaluated in the configured location, which may change at runtime.
type Clock struct {
	mu    sync.RWMutex
	loc   *time.Location
	now   func() time.Time
	fired map[string]string
}

type Option func(*Clock)

// WithNow replaces the time source.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

func New(timezone string, opts ...Option) (*Clock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	c := &Clock{
		loc:   loc,
		now:   time.Now,
		fired: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetTimezone switches the location used by Now and the daily checks.
func (c *Clock) SetTimezone(timezone string) error {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	c.mu.Lock()
	c.loc = loc
	c.mu.Unlock()
	return nil
}

func (c *Clock) Location() *time.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loc
}

// Now returns the current time in the configured location.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	now, loc := c.now, c.loc
	c.mu.RUnlock()
	return now().In(loc)
}

// Today returns the local date as YYYY-MM-DD.
func (c *Clock) Today() string {
	return c.Now().Format(DateLayout)
}

// LocalDate formats t as a date in the configured location.
func (c *Clock) LocalDate(t time.Time) string {
	return t.In(c.Location()).Format(DateLayout)
}

// Within reports whether t lies within tolerance of hour:minute on t's
// local date.
func (c *Clock) Within(t time.Time, hour, minute int, tolerance time.Duration) bool {
	local := t.In(c.Location())
	target := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, local.Location())
	diff := local.Sub(target)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// IsAt is Within for the current instant, reporting true at most once per
// local date for key.
func (c *Clock) IsAt(key string, hour, minute int, tolerance time.Duration) bool {
	now := c.Now()
	if !c.Within(now, hour, minute, tolerance) {
		return false
	}
	today := now.Format(DateLayout)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fired[key] == today {
		return false
	}
	c.fired[key] = today
	return true
}

// Hour returns the local hour of t.
func (c *Clock) Hour(t time.Time) int {
	return t.In(c.Location()).Hour()
}
