// Package platform supplies OS-backed implementations of the capability
// interfaces the core consumes (spec §9): Clock, Hasher, Filesystem, and the
// default polling EventSource. Every type here is a thin, swappable shim so
// tests can substitute deterministic fakes without touching the core.
package platform

import "time"

// SystemClock is the production interfaces.Clock backed by the real wall clock.
type SystemClock struct{}

// NewSystemClock constructs a SystemClock.
func NewSystemClock() SystemClock { return SystemClock{} }

func (SystemClock) Now() time.Time                     { return time.Now().UTC() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (SystemClock) Sleep(d time.Duration)               { time.Sleep(d) }
