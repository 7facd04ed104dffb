package playback

import "time"

// Clock is the output timeline. Now is monotonic and relative to an
// arbitrary origin.
type Clock interface {
	Now() time.Duration
	After(d time.Duration) <-chan time.Time
}

// MonotonicClock measures time since it was created.
type MonotonicClock struct {
	origin time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{origin: time.Now()}
}

func (c *MonotonicClock) Now() time.Duration {
	return time.Since(c.origin)
}

func (c *MonotonicClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
