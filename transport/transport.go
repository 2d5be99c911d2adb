// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
)

// Listener accepts inbound viewer connections.
type Listener interface {
	// Accept blocks until a connection arrives, ctx is cancelled, or
	// the listener is closed.
	Accept(ctx context.Context) (net.Conn, error)

	// Address returns the listening address in "host:port" form.
	Address() string

	// Close stops the listener. Blocked Accept calls return.
	Close() error
}

// Dialer opens connections to a relay.
type Dialer interface {
	// DialContext opens a network connection to address.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
