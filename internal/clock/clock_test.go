package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNow struct{ t time.Time }

func (f *fakeNow) Now() time.Time { return f.t }

func newPhoenix(t *testing.T, start time.Time) (*Clock, *fakeNow) {
	t.Helper()
	f := &fakeNow{t: start}
	c, err := New("America/Phoenix", WithNow(f.Now))
	require.NoError(t, err)
	return c, f
}

func TestNew_RejectsUnknownZone(t *testing.T) {
	_, err := New("Mars/Olympus")
	assert.Error(t, err)
}

func TestClock_TodayUsesLocation(t *testing.T) {
	// 05:30 UTC on the 11th is still the 10th in Phoenix.
	c, _ := newPhoenix(t, time.Date(2024, 3, 11, 5, 30, 0, 0, time.UTC))
	assert.Equal(t, "2024-03-10", c.Today())

	require.NoError(t, c.SetTimezone("UTC"))
	assert.Equal(t, "2024-03-11", c.Today())
}

func TestClock_Within(t *testing.T) {
	c, _ := newPhoenix(t, time.Time{})
	loc := c.Location()

	at := func(h, m, s int) time.Time { return time.Date(2024, 3, 10, h, m, s, 0, loc) }

	assert.True(t, c.Within(at(6, 0, 0), 6, 0, time.Minute))
	assert.True(t, c.Within(at(6, 0, 59), 6, 0, time.Minute))
	assert.True(t, c.Within(at(5, 59, 0), 6, 0, time.Minute))
	assert.False(t, c.Within(at(6, 1, 1), 6, 0, time.Minute))
	assert.False(t, c.Within(at(18, 0, 0), 6, 0, time.Minute))
}

func TestClock_IsAt_OncePerLocalDay(t *testing.T) {
	loc, _ := time.LoadLocation("America/Phoenix")
	c, f := newPhoenix(t, time.Date(2024, 3, 10, 5, 59, 30, 0, loc))

	fired := 0
	for i := 0; i < 6; i++ {
		if c.IsAt("battery", 6, 0, time.Minute) {
			fired++
		}
		f.t = f.t.Add(30 * time.Second)
	}
	assert.Equal(t, 1, fired)

	f.t = time.Date(2024, 3, 11, 6, 0, 0, 0, loc)
	assert.True(t, c.IsAt("battery", 6, 0, time.Minute))
	assert.True(t, c.IsAt("peak", 6, 0, time.Minute), "keys are independent")
}

func TestClock_IsAt_SurvivesDSTTransition(t *testing.T) {
	// New York springs forward on 2024-03-10; 06:00 local happens once
	// on each side of the change.
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	f := &fakeNow{t: time.Date(2024, 3, 9, 6, 0, 0, 0, loc)}
	c, err := New("America/New_York", WithNow(f.Now))
	require.NoError(t, err)

	fired := 0
	for f.t.Before(time.Date(2024, 3, 11, 12, 0, 0, 0, loc)) {
		if c.IsAt("battery", 6, 0, time.Minute) {
			fired++
		}
		f.t = f.t.Add(30 * time.Second)
	}
	assert.Equal(t, 3, fired)
}

func TestClock_HourFollowsTimezoneChange(t *testing.T) {
	c, f := newPhoenix(t, time.Date(2024, 6, 1, 21, 0, 0, 0, time.UTC))
	assert.Equal(t, 14, c.Hour(f.t))
	require.NoError(t, c.SetTimezone("America/Los_Angeles"))
	assert.Equal(t, 14, c.Hour(f.t))
	require.NoError(t, c.SetTimezone("UTC"))
	assert.Equal(t, 21, c.Hour(f.t))
}

func TestThrottle_Allow(t *testing.T) {
	start := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	f := &fakeNow{t: start}
	th := NewThrottle(30 * time.Second).WithNow(f.Now)

	ok, _ := th.Allow("eg4")
	assert.True(t, ok)

	f.t = start.Add(10 * time.Second)
	ok, wait := th.Allow("eg4")
	assert.False(t, ok)
	assert.InDelta(t, (20 * time.Second).Seconds(), wait.Seconds(), 0.01)

	ok, _ = th.Allow("srp")
	assert.True(t, ok, "each key has its own budget")

	f.t = start.Add(31 * time.Second)
	ok, _ = th.Allow("eg4")
	assert.True(t, ok)
}

func TestThrottle_RejectionDoesNotExtendWait(t *testing.T) {
	start := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	f := &fakeNow{t: start}
	th := NewThrottle(30 * time.Second).WithNow(f.Now)

	ok, _ := th.Allow("eg4")
	require.True(t, ok)
	for i := 1; i <= 5; i++ {
		f.t = start.Add(time.Duration(i) * 5 * time.Second)
		ok, _ = th.Allow("eg4")
		assert.False(t, ok)
	}
	f.t = start.Add(30*time.Second + time.Millisecond)
	ok, _ = th.Allow("eg4")
	assert.True(t, ok)
}
