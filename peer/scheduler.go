package peer

import "time"

// Timer is a pending delayed call. Stop is safe after the call has fired.
type Timer interface {
	Stop() bool
}

// Scheduler runs delayed calls. It abstracts the clock for deterministic tests.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Timer
}

// ClockScheduler schedules calls on the wall clock.
type ClockScheduler struct{}

// Schedule calls fn in its own goroutine after d.
func (ClockScheduler) Schedule(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
