// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package slotpool provides fixed-size, exclusively locked buffer slots
// for staging network operations.
//
// A Pool holds up to MaxRegions regions, each identified by a caller
// chosen Tag. A region is divided into equal-size slots. A slot is
// free or held by exactly one in-flight operation: the caller locks it
// before posting a send, receive or write that uses its memory, and
// unlocks it when that operation's completion (or definitive failure)
// is observed. Lock never blocks; it claims the first free slot with a
// compare-and-swap and returns ErrNoneFree when there is none, which
// callers treat as backpressure.
//
// Every slot has a stable completion Handle. Operations are posted with
// the slot's handle and the completion that comes back carries it;
// Resolve maps it back to (tag, index) through a lookup table.
//
// A region may carry a per-slot extension value (AttachExtension), used
// to remember what an in-flight operation was for: the ring message a
// frame write must acknowledge, or the remote index a cursor shape
// occupies.
//
// Allocation happens once, before the pool is shared. Lock, Unlock and
// the accessors are safe for concurrent use; the relay uses one
// goroutine per channel and never shares a region across channels.
// Out-of-range tags and indices are caller bugs and panic.
package slotpool
