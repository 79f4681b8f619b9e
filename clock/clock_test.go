package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	ch := c.After(5 * time.Second)
	if c.Waiters() != 1 {
		t.Fatalf("expected 1 waiter, got %d", c.Waiters())
	}

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Errorf("fired with %v, want %v", got, start.Add(5*time.Second))
		}
	default:
		t.Fatal("waiter did not fire at deadline")
	}
	if c.Waiters() != 0 {
		t.Errorf("expected no waiters left, got %d", c.Waiters())
	}
}

func TestUnixMilli(t *testing.T) {
	c := Fake(time.UnixMilli(1234567))
	if got := UnixMilli(c); got != 1234567 {
		t.Errorf("UnixMilli = %d, want 1234567", got)
	}
}
