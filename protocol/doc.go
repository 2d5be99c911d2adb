// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the messages exchanged between the relay
// and a remote viewer over each channel.
//
// Every message starts with an 8-byte header: a 4-byte magic, a 1-byte
// protocol version, a 1-byte message type and two reserved zero bytes.
// Bodies are fixed little-endian layouts, except for the variable tail
// of buffer exports and acknowledgements and the CBOR body of host
// metadata. Messages fit in one receive slot (MaxMessageLength).
//
// Decode verifies the header once and returns a concrete Message value
// (State, FrameMetadata, CursorMetadata, CursorAlign, ClientAck,
// ClientBuffers or HostMetadata); callers switch on its type. Decode
// never retains the input slice, so the receive slot can be reposted
// as soon as Decode returns.
//
// Direction:
//
//	relay -> viewer   FrameMetadata, CursorMetadata, HostMetadata, State
//	viewer -> relay   ClientBuffers, ClientAck, CursorAlign, State
package protocol
