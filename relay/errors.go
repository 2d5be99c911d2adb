// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
)

// Reason classifies why a channel stopped.
type Reason uint8

const (
	// ReasonLocalExit: the relay was asked to stop.
	ReasonLocalExit Reason = iota
	// ReasonPeerDisconnect: the peer sent DISCONNECT.
	ReasonPeerDisconnect
	// ReasonTimeout: nothing was received before the liveness
	// deadline.
	ReasonTimeout
	// ReasonProtocol: the peer sent a malformed or unexpected message.
	ReasonProtocol
	// ReasonVersion: the ring host is incompatible.
	ReasonVersion
	// ReasonFabric: the network connection failed.
	ReasonFabric
	// ReasonRing: the ring host never presented a session.
	ReasonRing
)

func (r Reason) String() string {
	switch r {
	case ReasonLocalExit:
		return "local exit"
	case ReasonPeerDisconnect:
		return "peer disconnect"
	case ReasonTimeout:
		return "peer timeout"
	case ReasonProtocol:
		return "protocol violation"
	case ReasonVersion:
		return "version mismatch"
	case ReasonFabric:
		return "fabric failure"
	case ReasonRing:
		return "ring unavailable"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// ChannelError reports the termination of a channel loop.
type ChannelError struct {
	Channel Channel
	Reason  Reason
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s channel: %s", e.Channel, e.Reason)
	}
	return fmt.Sprintf("%s channel: %s: %v", e.Channel, e.Reason, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Recoverable reports whether a server may go on to serve another
// client after this error. Version mismatches and ring failures are
// local problems that a new client would hit again.
func (e *ChannelError) Recoverable() bool {
	switch e.Reason {
	case ReasonPeerDisconnect, ReasonTimeout, ReasonProtocol, ReasonFabric:
		return true
	default:
		return false
	}
}

// IsRecoverable reports whether err is a recoverable ChannelError.
func IsRecoverable(err error) bool {
	var channelErr *ChannelError
	return errors.As(err, &channelErr) && channelErr.Recoverable()
}

// errBackpressure means a slot, remote buffer or endpoint queue was
// unavailable. The operation is retried on a later iteration.
var errBackpressure = errors.New("relay: backpressure")

// errProtocol marks a violation detected by the relay itself rather
// than by the wire decoder.
var errProtocol = errors.New("relay: protocol violation")
