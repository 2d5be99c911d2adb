// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the relay.
//
// Version information is injected at build time via -ldflags, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/framerelay/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// The relay name reported to the viewer in the host metadata message is
// built from the same variables, so a viewer can tell which relay build
// it is talking to.
package version
