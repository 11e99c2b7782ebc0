package cake

import "time"

// Time is a monotonic nanosecond timestamp, relative to an arbitrary origin
// fixed when a Scheduler is created. Only differences between Time values
// are meaningful; never compare it against wall-clock epochs.
type Time int64

// Since returns t - u as a time.Duration, for logging and tests.
func (t Time) Since(u Time) time.Duration {
	return time.Duration(t - u)
}

// Clock supplies the monotonic nanosecond time the scheduler runs on. It is
// the "monotonic nanosecond clock" external collaborator named in spec §6.
type Clock interface {
	Now() Time
}

// SystemClock is a Clock backed by the runtime monotonic clock, pinned to an
// origin captured at construction so returned values fit comfortably in a
// Time without wrapping for the life of a process.
type SystemClock struct {
	origin time.Time
}

// NewSystemClock returns a SystemClock whose origin is the current instant.
func NewSystemClock() *SystemClock {
	return &SystemClock{origin: time.Now()}
}

// Now implements Clock.
func (c *SystemClock) Now() Time {
	return Time(time.Since(c.origin))
}
