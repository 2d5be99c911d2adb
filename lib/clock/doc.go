// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock instead of calling time.Now,
// time.After or time.Sleep directly. Real() provides the standard
// library behavior. Fake() provides a deterministic clock for tests.
//
// # Fake time and polling loops
//
// The relay worker loops are cooperative: they never block on a timer,
// they sleep for the poll interval when an iteration did no work and
// compare Now against deadlines. A fake clock that only moved on an
// explicit Advance would stall such a loop forever, so FakeClock.Sleep
// advances the clock by the requested duration and returns at once.
// Tests that need to expire a deadline without a loop running call
// Advance directly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	state := newLiveness(c, 3*time.Second)
//	c.Advance(4 * time.Second)
//	// state.expired() is now true
package clock
