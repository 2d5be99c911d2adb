// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for relay packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so that individual
// tests do not need direct time.After calls. [Eventually] polls a
// condition for tests that drive cooperative loops running in another
// goroutine, where there is no channel to wait on.
//
// These are the only place in the test suite where real wall-clock
// timeouts are used. All helpers call t.Fatalf on failure rather than
// returning errors, since test setup failures are not recoverable.
package testutil
