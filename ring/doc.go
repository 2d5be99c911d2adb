// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ring connects the relay to the capture agent's shared-memory
// message ring.
//
// The ring itself (session handshake, queue bookkeeping, memory
// layout) is owned by the host side and reached through the [Client]
// interface: Init, Subscribe, Process, MessageDone and Send, each
// reporting a [Status]. [Bridge] wraps one Client and one queue into
// what a relay channel loop needs: a non-blocking [Bridge.TryNext]
// that implicitly acknowledges the previous message, an explicit
// [Bridge.Acknowledge] for messages whose hand-back must wait, a
// [Bridge.Connected] health query, automatic resubscription, and
// transparent re-initialization after the host reports corruption.
//
// Messages are views into shared memory. [DecodeFrame] and
// [DecodeCursor] read the fixed record at the start of a message in
// place; [FrameRecord.Texture] and [CursorRecord.Shape] slice the pixel
// data without copying it.
//
// The session user data published by the host is parsed by
// [ParseSession] into a [SessionInfo] that the relay forwards to the
// viewer.
//
// [MemoryHost] is an in-process host over any byte slice. Tests use it
// directly; [Synthetic] drives it with a generated test pattern so a
// relay and viewer can be checked end to end without a capture agent.
package ring
