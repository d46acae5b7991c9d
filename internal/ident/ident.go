// Package ident provides session identifiers and the mockable clock shared
// by components that schedule, heartbeat or expire work.
package ident

import (
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Clock is re-exported so callers do not import the clock module directly.
type Clock = clock.Clock

// NewSessionID returns a fresh UUIDv4 string.
func NewSessionID() string {
	return uuid.NewString()
}

// SystemClock returns the real wall clock.
func SystemClock() Clock {
	return clock.New()
}

// MockClock returns a controllable clock for tests.
func MockClock() *clock.Mock {
	return clock.NewMock()
}
