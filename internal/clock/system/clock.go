// Package system provides the wall clock and a pinned clock for drills.
package system

import "time"

// Clock implements tiering.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Pinned always reports the same instant. Drills use it to exercise UTC day
// boundaries deterministically.
type Pinned struct {
	at time.Time
}

// NewPinned returns a clock stuck at at.
func NewPinned(at time.Time) *Pinned {
	return &Pinned{at: at.UTC()}
}

// Now returns the pinned instant.
func (p *Pinned) Now() time.Time {
	return p.at
}
