package batteryclient

import (
	"sync"
	"time"
)

// Clock abstracts timer scheduling so reconciliation delays can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn after d and returns a cancel function.
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// NewRealClock returns a Clock backed by the time package.
func NewRealClock() Clock { return realClock{} }

// realClock delegates to the time package.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) func() {
	timer := time.AfterFunc(d, fn)
	return func() { timer.Stop() }
}

// FakeClock is a manually advanced Clock for tests.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	pending map[int]fakeTimer
}

type fakeTimer struct {
	at time.Time
	fn func()
}

// NewFakeClock constructs a FakeClock starting at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC(), pending: map[int]fakeTimer{}}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers fn to fire once the clock advances past d.
func (c *FakeClock) AfterFunc(d time.Duration, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.pending[id] = fakeTimer{at: c.now.Add(d), fn: fn}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.pending, id)
	}
}

// Advance moves the clock forward and fires any due timers.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for id, timer := range c.pending {
		if !timer.at.After(c.now) {
			due = append(due, timer.fn)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, fn := range due {
		fn()
	}
}
