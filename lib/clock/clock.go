// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time operations for testability. Production code
// injects Real(); tests inject Fake() with deterministic time control.
//
// The relay loops only read the time (for liveness deadlines and
// keepalive scheduling) and sleep between idle iterations, so the
// interface is kept to those operations plus After for bounded waits.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the current goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Deadline reports the point in time d after now according to c.
func Deadline(c Clock, d time.Duration) time.Time {
	return c.Now().Add(d)
}

// Expired reports whether deadline has passed according to c. A zero
// deadline never expires.
func Expired(c Clock, deadline time.Time) bool {
	if deadline.IsZero() {
		return false
	}
	return !c.Now().Before(deadline)
}

// Real returns the wall clock. Relay loops pace on it in production.
func Real() Clock { return wallClock{} }

type wallClock struct{}

func (wallClock) Now() time.Time                         { return time.Now() }
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (wallClock) Sleep(d time.Duration)                  { time.Sleep(d) }
