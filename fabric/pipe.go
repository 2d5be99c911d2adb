// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fabric

import "net"

// Pipe returns two StreamEndpoints connected by an in-memory net.Pipe.
// Both sides use the same options apart from Name.
func Pipe(options Options) (*StreamEndpoint, *StreamEndpoint, error) {
	left, right := net.Pipe()

	leftOptions := options
	leftOptions.Name = options.Name + "-local"
	local, err := NewStreamEndpoint(left, leftOptions)
	if err != nil {
		left.Close()
		right.Close()
		return nil, nil, err
	}

	rightOptions := options
	rightOptions.Name = options.Name + "-remote"
	remote, err := NewStreamEndpoint(right, rightOptions)
	if err != nil {
		local.Close()
		right.Close()
		return nil, nil, err
	}
	return local, remote, nil
}
