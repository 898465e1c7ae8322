package activity

import "time"

// Timer is a cancellable deferred call.
type Timer interface {
	Stop() bool
}

// Scheduler abstracts clock and timer creation so tests can drive timer
// fires deterministically.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

// wallClock is the production Scheduler backed by the time package.
type wallClock struct{}

// NewScheduler returns the wall-clock Scheduler.
func NewScheduler() Scheduler { return wallClock{} }

func (wallClock) AfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
func (wallClock) Now() time.Time                             { return time.Now() }
