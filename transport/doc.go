// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport sets up the two connections a relay session runs
// on: the cursor (data) channel and the frame channel.
//
// [Listener] accepts inbound connections and [Dialer] opens outbound
// ones; [TCPListener] and [TCPDialer] are the TCP implementations. A
// new connection starts with a hello exchange ([ServerHandshake],
// [ClientHandshake]): each side sends a length-prefixed CBOR [Hello]
// naming the channel the connection carries and the protocol version
// it speaks. A version mismatch is reported with [ErrVersionMismatch]
// and is not retried.
//
// [AcceptSession] accepts connections until one cursor and one frame
// channel have completed the hello, which is how the relay pairs the
// two connections of one viewer. After the hello the connection is
// handed to package fabric.
package transport
