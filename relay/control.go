// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Channel identifies one of the two relay streams.
type Channel uint8

const (
	ChannelCursor Channel = iota
	ChannelFrame
)

func (c Channel) String() string {
	switch c {
	case ChannelCursor:
		return "cursor"
	case ChannelFrame:
		return "frame"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// State is a set of pause flags for one channel. The zero State is
// active.
type State uint32

const (
	// LocalPauseUnsynced: the ring has no consumer or producer and the
	// PAUSE announcing it has not been confirmed sent.
	LocalPauseUnsynced State = 1 << iota
	// LocalPauseSynced: the PAUSE send completed.
	LocalPauseSynced
	// RemotePaused: the peer asked us to stop sending.
	RemotePaused

	localPause = LocalPauseUnsynced | LocalPauseSynced
	anyPause   = localPause | RemotePaused
	stateMask  = anyPause
)

// Paused reports whether any pause flag is set.
func (s State) Paused() bool { return s&anyPause != 0 }

// LocalPaused reports whether either local pause flag is set.
func (s State) LocalPaused() bool { return s&localPause != 0 }

// Has reports whether every flag in flags is set.
func (s State) Has(flags State) bool { return s&flags == flags }

func (s State) String() string {
	if s == 0 {
		return "active"
	}
	var names []string
	if s&LocalPauseUnsynced != 0 {
		names = append(names, "local-pause-unsynced")
	}
	if s&LocalPauseSynced != 0 {
		names = append(names, "local-pause-synced")
	}
	if s&RemotePaused != 0 {
		names = append(names, "remote-paused")
	}
	return strings.Join(names, "|")
}

// Bit layout of Control: bit 0 is exit, then three state bits per
// channel.
const (
	exitBit      uint32 = 1
	stateBits           = 3
	channelShift        = 1
)

func shift(channel Channel) uint32 {
	return channelShift + uint32(channel)*stateBits
}

// Control is the control word shared by both channel loops. Every
// transition is a single compare-and-swap, so a channel never observes
// a half-applied change made by the other.
type Control struct {
	bits atomic.Uint32
}

// update applies transform with a CAS loop and returns the word before
// and after.
func (c *Control) update(transform func(uint32) uint32) (before, after uint32) {
	for {
		before = c.bits.Load()
		after = transform(before)
		if before == after || c.bits.CompareAndSwap(before, after) {
			return before, after
		}
	}
}

// State returns the pause flags of channel.
func (c *Control) State(channel Channel) State {
	return State(c.bits.Load()>>shift(channel)) & stateMask
}

// Set sets flags on channel and reports whether any was newly set.
func (c *Control) Set(channel Channel, flags State) bool {
	mask := uint32(flags&stateMask) << shift(channel)
	before, after := c.update(func(bits uint32) uint32 { return bits | mask })
	return before != after
}

// Clear clears flags on channel and reports whether any was set.
func (c *Control) Clear(channel Channel, flags State) bool {
	mask := uint32(flags&stateMask) << shift(channel)
	before, after := c.update(func(bits uint32) uint32 { return bits &^ mask })
	return before != after
}

// Transition replaces flags from with flags to on channel, but only if
// every flag in from is currently set. It reports whether it applied.
func (c *Control) Transition(channel Channel, from, to State) bool {
	s := shift(channel)
	fromMask := uint32(from&stateMask) << s
	toMask := uint32(to&stateMask) << s
	for {
		before := c.bits.Load()
		if before&fromMask != fromMask {
			return false
		}
		if c.bits.CompareAndSwap(before, before&^fromMask|toMask) {
			return true
		}
	}
}

// RaiseExit sets the exit flag. It reports whether this call raised
// it.
func (c *Control) RaiseExit() bool {
	before, _ := c.update(func(bits uint32) uint32 { return bits | exitBit })
	return before&exitBit == 0
}

// Exiting reports whether exit has been raised.
func (c *Control) Exiting() bool {
	return c.bits.Load()&exitBit != 0
}
