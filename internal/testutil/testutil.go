package testutil

import (
	"testing"
	"time"
)

const (
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 100 * time.Millisecond
	DefaultWait         = 5 * time.Second
)

func CapBytes(b []byte, max int) []byte {
	if max > 0 && len(b) > max {
		return b[:max]
	}
	return b
}

// WithTimeout runs fn and fails t if it does not return within d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}

// Clock is a manually advanced time source.
type Clock struct {
	now chan time.Time
}

func NewClock(start time.Time) *Clock {
	c := &Clock{now: make(chan time.Time, 1)}
	c.now <- start
	return c
}

func (c *Clock) Now() time.Time {
	t := <-c.now
	c.now <- t
	return t
}

func (c *Clock) Advance(d time.Duration) time.Time {
	t := <-c.now
	t = t.Add(d)
	c.now <- t
	return t
}
