// Package clock provides an injectable time source. Production code
// uses Real(); tests use Fake() and move time explicitly with Advance.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts the parts of the time package ticketchain depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the time once d has
	// elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// UnixMilli is shorthand for c.Now().UnixMilli(), the timestamp unit
// used by blocks, transactions, and tokens.
func UnixMilli(c Clock) int64 {
	return c.Now().UnixMilli()
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// FakeClock is a deterministic Clock. Time stands still until Advance
// or Set is called. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// Fake returns a FakeClock initialized to initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.current
		return ch
	}
	f.waiters = append(f.waiters, waiter{deadline: f.current.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline has passed.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
	f.fireLocked()
}

// Set jumps the clock to t. Moving backwards is allowed; waiters only
// fire when their deadline is reached.
func (f *FakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = t
	f.fireLocked()
}

// Waiters returns the number of pending After channels.
func (f *FakeClock) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

func (f *FakeClock) fireLocked() {
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !f.current.Before(w.deadline) {
			w.ch <- f.current
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining
}
