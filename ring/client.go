// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ring

import "fmt"

// Queue identifiers published by the capture host.
const (
	QueuePointer uint32 = 1
	QueueFrame   uint32 = 2
)

// Queue lengths the capture host allocates. The relay sizes its
// write-completion slots and pending queues from these.
const (
	FrameQueueLength   = 2
	PointerQueueLength = 20
)

// Status is the result code of a ring client operation.
type Status uint8

const (
	StatusOK Status = iota
	StatusQueueEmpty
	StatusQueueFull
	StatusNoSession
	StatusInvalidSession
	StatusNoSuchQueue
	StatusInvalidVersion
	StatusCorrupted
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusQueueEmpty:
		return "queue empty"
	case StatusQueueFull:
		return "queue full"
	case StatusNoSession:
		return "no session"
	case StatusInvalidSession:
		return "invalid session"
	case StatusNoSuchQueue:
		return "no such queue"
	case StatusInvalidVersion:
		return "invalid version"
	case StatusCorrupted:
		return "corrupted"
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Message is one ring message. Data is a view into shared memory and
// stays valid only until the message is acknowledged.
type Message struct {
	// UserData is the per-message word the host attached (cursor
	// flags on the pointer queue).
	UserData uint32

	// Offset is the position of Data within the shared region.
	Offset int

	// Data is the message memory.
	Data []byte
}

// Client is a connection to the host side of the ring. Methods are
// non-blocking; a Client is used from one goroutine.
type Client interface {
	// Init attaches to the host's current session and returns the
	// session user data.
	Init() ([]byte, Status)

	// SessionValid reports whether the session Init attached to is
	// still the host's current one.
	SessionValid() bool

	// Subscribe starts receiving messages from queue.
	Subscribe(queue uint32) Status

	// Process returns the oldest unacknowledged message on queue.
	Process(queue uint32) (Message, Status)

	// MessageDone acknowledges the message Process returned, handing
	// its memory back to the host.
	MessageDone(queue uint32) Status

	// Send posts data to the host (for example a cursor position).
	Send(data []byte) Status

	// Close detaches from the session.
	Close()
}
