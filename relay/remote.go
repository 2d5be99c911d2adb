// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/bureau-foundation/framerelay/fabric"
	"github.com/bureau-foundation/framerelay/protocol"
)

var (
	// ErrNoneFree is returned by RemoteTable.Lock when every remote
	// buffer is in flight.
	ErrNoneFree = errors.New("relay: no free remote buffer")

	// ErrBadIndex means the peer named a remote buffer outside its
	// own exported table.
	ErrBadIndex = errors.New("relay: remote buffer index out of range")

	// ErrBadImport means a buffer export message cannot be imported.
	ErrBadImport = errors.New("relay: invalid remote buffer export")
)

// RemoteTable tracks the buffers a peer exported for one channel and
// which of them hold data the peer has not yet handed back. It is
// owned by a single channel loop and is not safe for concurrent use.
type RemoteTable struct {
	// Logger receives double-reclaim warnings. Nil uses
	// slog.Default().
	Logger *slog.Logger

	kind      protocol.BufferKind
	region    fabric.RemoteRegion
	maxLength uint64
	offsets   []uint64
	inUse     []bool
	imported  bool

	doubleReclaims atomic.Uint64
}

func (t *RemoteTable) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// Import replaces the table with the buffers described by message.
// All buffers start free.
func (t *RemoteTable) Import(message protocol.ClientBuffers) error {
	count := len(message.Offsets)
	if count == 0 || count > protocol.MaxBuffers {
		return fmt.Errorf("%w: %d %s buffers (want 1..%d)", ErrBadImport, count, message.Kind, protocol.MaxBuffers)
	}
	if message.MaxLength == 0 {
		return fmt.Errorf("%w: %s buffers have zero length", ErrBadImport, message.Kind)
	}
	highest := slices.Max(message.Offsets)
	if highest > ^uint64(0)-message.MaxLength {
		return fmt.Errorf("%w: %s buffer offset %#x overflows", ErrBadImport, message.Kind, highest)
	}

	t.kind = message.Kind
	t.maxLength = message.MaxLength
	t.offsets = slices.Clone(message.Offsets)
	t.inUse = make([]bool, count)
	t.region = fabric.RemoteRegion{
		Base:   message.Base,
		Key:    message.Key,
		Length: highest + message.MaxLength,
	}
	t.imported = true
	t.logger().Debug("imported remote buffers",
		"kind", message.Kind,
		"count", count,
		"max_length", message.MaxLength,
	)
	return nil
}

// Imported reports whether Import has succeeded.
func (t *RemoteTable) Imported() bool { return t.imported }

// Lock marks the lowest free buffer in flight and returns its index,
// or ErrNoneFree.
func (t *RemoteTable) Lock() (int, error) {
	for index, used := range t.inUse {
		if !used {
			t.inUse[index] = true
			return index, nil
		}
	}
	return -1, ErrNoneFree
}

// Unlock frees index without the peer having seen it, when a write
// could not be issued or its metadata was dropped. It panics if index
// is outside the table.
func (t *RemoteTable) Unlock(index int) {
	if index < 0 || index >= len(t.inUse) {
		panic(fmt.Sprintf("relay: remote %s index %d out of range (%d buffers)", t.kind, index, len(t.inUse)))
	}
	t.inUse[index] = false
}

// Reclaim frees each index the peer handed back. Negative indices are
// padding and skipped. An index beyond the table is a protocol
// violation; reclaiming a free buffer is logged and counted.
func (t *RemoteTable) Reclaim(indices []int8) error {
	for _, index := range indices {
		if index < 0 {
			continue
		}
		if int(index) >= len(t.inUse) {
			return fmt.Errorf("%w: %s index %d, table has %d", ErrBadIndex, t.kind, index, len(t.inUse))
		}
		if !t.inUse[index] {
			t.doubleReclaims.Add(1)
			t.logger().Warn("peer reclaimed a free remote buffer", "kind", t.kind, "index", index)
			continue
		}
		t.inUse[index] = false
	}
	return nil
}

// ReleaseAll frees every buffer and returns how many were in flight.
func (t *RemoteTable) ReleaseAll() int {
	released := 0
	for index, used := range t.inUse {
		if used {
			t.inUse[index] = false
			released++
		}
	}
	return released
}

// ReleaseExcept frees every buffer not named in keep and returns how
// many were released.
func (t *RemoteTable) ReleaseExcept(keep func(index int) bool) int {
	released := 0
	for index, used := range t.inUse {
		if used && !keep(index) {
			t.inUse[index] = false
			released++
		}
	}
	return released
}

// InUse reports whether index is in flight.
func (t *RemoteTable) InUse(index int) bool {
	return index >= 0 && index < len(t.inUse) && t.inUse[index]
}

// Available is the number of free buffers.
func (t *RemoteTable) Available() int {
	free := 0
	for _, used := range t.inUse {
		if !used {
			free++
		}
	}
	return free
}

// Len is the number of imported buffers.
func (t *RemoteTable) Len() int { return len(t.offsets) }

// Region is the peer memory one-sided writes target.
func (t *RemoteTable) Region() fabric.RemoteRegion { return t.region }

// Offset is the position of buffer index within Region. It panics if
// index is outside the table.
func (t *RemoteTable) Offset(index int) uint64 {
	return t.offsets[index]
}

// MaxLength is the capacity of each buffer.
func (t *RemoteTable) MaxLength() uint64 { return t.maxLength }

// DoubleReclaims counts reclaims of buffers that were already free. It
// may be called from any goroutine.
func (t *RemoteTable) DoubleReclaims() uint64 { return t.doubleReclaims.Load() }
