// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the relay's CBOR encoding configuration.
//
// Fixed-layout wire messages (frame and cursor metadata, acks, buffer
// exports) are encoded by package protocol with encoding/binary. The
// variable, descriptive payloads ride as CBOR: the host metadata
// message forwarded to the viewer and the transport hello exchanged at
// connection setup. Encoding is Core Deterministic (RFC 8949 §4.2), so
// the same metadata always produces identical bytes.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Decoding is bounded (nesting depth, array length, map size) because
// every CBOR payload the relay decodes comes from the network peer.
//
// Types serialized here use `cbor` struct tags.
package codec
