// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/framerelay/lib/slotpool"
)

var (
	// ErrWouldBlock means the endpoint's queue for the operation is
	// full. The caller keeps its slot and retries later.
	ErrWouldBlock = errors.New("fabric: operation would block")

	// ErrClosed means the endpoint was closed or the peer went away.
	ErrClosed = errors.New("fabric: endpoint closed")

	// ErrTooLarge means a payload exceeds the endpoint limit or the
	// receive buffer it landed in.
	ErrTooLarge = errors.New("fabric: payload too large")

	// ErrOutOfBounds means a write targets memory outside the
	// exported region it names.
	ErrOutOfBounds = errors.New("fabric: remote access out of bounds")

	// ErrIntegrity means a write payload failed digest verification.
	ErrIntegrity = errors.New("fabric: payload digest mismatch")
)

// Operation identifies what a Completion completes.
type Operation uint8

const (
	OperationSend Operation = iota + 1
	OperationReceive
	OperationWrite
)

func (o Operation) String() string {
	switch o {
	case OperationSend:
		return "send"
	case OperationReceive:
		return "receive"
	case OperationWrite:
		return "write"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// Completion reports the outcome of one posted operation.
type Completion struct {
	Operation Operation

	// Handle is the handle the operation was posted with.
	Handle slotpool.Handle

	// Length is the number of bytes received, for receives.
	Length int

	// Err is set when the operation failed. The slot behind Handle is
	// released back to the caller either way.
	Err error
}

// RemoteRegion addresses memory a peer exported for one-sided writes.
type RemoteRegion struct {
	Base   uint64
	Key    uint64
	Length uint64
}

// Contains reports whether [offset, offset+length) lies inside the
// region.
func (r RemoteRegion) Contains(offset, length uint64) bool {
	return offset <= r.Length && length <= r.Length-offset
}

// Endpoint is one side of a reliable connection with its own
// completion queue.
type Endpoint interface {
	// PostReceive lends buffer to the endpoint for one inbound
	// message. Returns ErrWouldBlock when the receive queue is full.
	PostReceive(buffer []byte, handle slotpool.Handle) error

	// Send transmits payload as one two-sided message. Returns
	// ErrWouldBlock when the send queue is full.
	Send(payload []byte, handle slotpool.Handle) error

	// Write places payload at remote.Base+offset in the peer's
	// exported memory. Returns ErrWouldBlock when the send queue is
	// full.
	Write(payload []byte, remote RemoteRegion, offset uint64, handle slotpool.Handle) error

	// Poll returns the next completion if one is ready. It returns an
	// error once the connection has failed and no completions remain.
	Poll() (Completion, bool, error)

	// Export registers buffer as a target for the peer's one-sided
	// writes and returns the region the peer must address.
	Export(buffer []byte) RemoteRegion

	// Close tears the connection down.
	Close() error
}
