// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay forwards a capture host's frame and cursor rings to a
// remote viewer.
//
// A [Session] runs two channel loops, cursor and frame, each on its
// own goroutine with its own [fabric.Endpoint] and [ring.Bridge]. Every
// iteration of a loop, in order: keeps the ring session connected,
// posts free receive slots, applies pause transitions, polls one
// network completion, drains pending queues, and polls one ring
// message. Nothing blocks except the bounded ring and buffer
// handshakes at startup.
//
// Buffer ownership is explicit. Local staging memory comes from a
// [slotpool.Pool] whose slots stay locked from the moment an operation
// is posted until its completion is polled. Viewer memory is tracked
// by a [RemoteTable] per channel: a remote buffer stays in flight from
// the write that fills it until the viewer's CLIENT_ACK reclaims it.
//
// Frames are written straight from ring memory and the ring message is
// acknowledged only once that write completes. Cursor shapes are
// copied out and the ring message acknowledged at once; a shape that
// cannot be staged is dropped but its position is still sent.
//
// Pause state lives in a [Control] word shared by both loops. A
// channel whose ring has gone away sends PAUSE and treats it as
// confirmed only when the send completes; it sends RESUME when the
// ring returns. The viewer pauses a channel with PAUSE and resumes it
// with RESUME or by sending data on it. DISCONNECT from the viewer, a
// liveness timeout, or a protocol violation ends both channels; each
// releases every slot and remote buffer on the way out.
package relay
