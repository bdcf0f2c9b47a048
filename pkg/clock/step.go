package clock

import (
	"sync"
	"time"
)

// StepClock is a Clock whose time advances only when a caller waits on it.
// Each After call moves the clock forward by d and returns an already fired
// channel. Waits are recorded so tests can assert the exact poll schedule.
//
// StepClock is safe for concurrent use.
type StepClock struct {
	mu      sync.Mutex
	current time.Time
	waits   []time.Duration
	onWait  []func(now time.Time)
}

// Step returns a StepClock starting at initial.
func Step(initial time.Time) *StepClock {
	return &StepClock{current: initial}
}

func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *StepClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)

	c.mu.Lock()
	if d > 0 {
		c.current = c.current.Add(d)
	}
	c.waits = append(c.waits, d)
	now := c.current
	hooks := append([]func(time.Time){}, c.onWait...)
	c.mu.Unlock()

	for _, hook := range hooks {
		hook(now)
	}
	ch <- now
	return ch
}

// Advance moves the clock forward without recording a wait.
func (c *StepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

// OnWait registers fn to run after every wait, with the clock's new time.
func (c *StepClock) OnWait(fn func(now time.Time)) {
	c.mu.Lock()
	c.onWait = append(c.onWait, fn)
	c.mu.Unlock()
}

// Waits returns the durations passed to After, in call order.
func (c *StepClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}
