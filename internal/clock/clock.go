// Package clock provides time to the application. Using an interface
// enables deterministic tests via a controllable implementation.
package clock

import "time"

// Clock reports the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from firing. It returns false if the
	// callback already fired or the timer was already stopped.
	Stop() bool
}

// System returns the current wall-clock time.
type System struct{}

// NewSystem creates a wall-clock Clock.
func NewSystem() System { return System{} }

func (System) Now() time.Time { return time.Now().UTC() }

func (System) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
