package utils

import (
	"testing"
	"time"
)

func TestFakeClockFiresInOrder(t *testing.T) {
	start := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	var fired []string
	c.AfterFunc(2*time.Minute, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Minute, func() {
		fired = append(fired, "a")
		c.AfterFunc(30*time.Second, func() { fired = append(fired, "a2") })
	})
	stopped := c.AfterFunc(90*time.Second, func() { fired = append(fired, "never") })
	if !stopped.Stop() {
		t.Fatal("Stop() on an armed timer returned false")
	}

	c.Advance(time.Minute + 30*time.Second)
	if len(fired) != 2 || fired[0] != "a" || fired[1] != "a2" {
		t.Fatalf("fired = %v", fired)
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d", c.Pending())
	}
	c.Advance(time.Minute)
	if len(fired) != 3 || fired[2] != "b" {
		t.Fatalf("fired = %v", fired)
	}
	if got := c.Now(); !got.Equal(start.Add(2*time.Minute + 30*time.Second)) {
		t.Fatalf("Now() = %s", got)
	}
}
