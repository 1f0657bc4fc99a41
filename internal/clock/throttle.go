package clock

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle admits at most one call per interval for each key.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	now      func() time.Time
	limiters map[string]*rate.Limiter
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// WithNow replaces the time source and returns t.
func (t *Throttle) WithNow(now func() time.Time) *Throttle {
	t.now = now
	return t
}

// Allow reserves the key. When rejected it returns the remaining wait.
func (t *Throttle) Allow(key string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lim, ok := t.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[key] = lim
	}

	now := t.now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, t.interval
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}
