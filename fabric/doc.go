// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fabric is the network layer under the relay: reliable,
// ordered endpoints with RDMA-style semantics.
//
// An Endpoint accepts three kinds of operation, each tagged with a
// slot pool handle:
//
//   - PostReceive lends the endpoint a buffer for the next inbound
//     two-sided message.
//   - Send transmits a two-sided message that lands in one of the
//     peer's posted receive buffers.
//   - Write is one-sided: the payload is placed directly into memory
//     the peer exported (Export), at a base address plus offset, and
//     the peer's application sees no event for it.
//
// Completion of every operation is reported through Poll, which never
// blocks and returns at most one Completion. The buffer given to an
// operation belongs to the endpoint until its completion has been
// polled: it must not be modified or reused before then. This is the
// ownership rule of registered RDMA memory, and it is what lets the
// relay hand a frame texture straight out of shared memory.
//
// StreamEndpoint implements Endpoint over any net.Conn by framing the
// operations on the byte stream. Write payloads can be compressed (lz4
// or zstd) and carry a blake3 digest the receiver verifies before
// touching its exported memory. Pipe returns two connected endpoints
// for tests.
package fabric
