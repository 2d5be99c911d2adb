// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/bureau-foundation/framerelay/lib/codec"
	"github.com/bureau-foundation/framerelay/lib/netutil"
)

// Channel names the logical stream a connection carries.
type Channel string

const (
	// ChannelCursor carries cursor updates, host metadata and the
	// session-level control messages.
	ChannelCursor Channel = "cursor"

	// ChannelFrame carries frame metadata; frame pixels arrive by
	// one-sided writes on the same connection.
	ChannelFrame Channel = "frame"
)

// helloMagic identifies a relay hello.
const helloMagic = "framerelay"

// maxHelloLength bounds a hello on the wire.
const maxHelloLength = 4096

var (
	// ErrVersionMismatch means the peer speaks a different protocol
	// version. It is not retried.
	ErrVersionMismatch = errors.New("transport: protocol version mismatch")

	// ErrBadHello means the peer did not send a valid hello.
	ErrBadHello = errors.New("transport: invalid hello")
)

// Hello is the first message on every connection, in both directions.
type Hello struct {
	Magic    string  `cbor:"magic"`
	Version  uint8   `cbor:"version"`
	Channel  Channel `cbor:"channel"`
	Software string  `cbor:"software,omitempty"`

	// Error is set in a server reply that rejects the client.
	Error string `cbor:"error,omitempty"`
}

// NewHello returns a hello for channel at the given protocol version.
func NewHello(channel Channel, version uint8, software string) Hello {
	return Hello{Magic: helloMagic, Version: version, Channel: channel, Software: software}
}

func writeHello(conn net.Conn, hello Hello) error {
	encoded, err := codec.Marshal(hello)
	if err != nil {
		return fmt.Errorf("encoding hello: %w", err)
	}
	frame := make([]byte, 4+len(encoded))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(encoded)))
	copy(frame[4:], encoded)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("writing hello: %w", err)
	}
	return nil
}

func readHello(conn net.Conn) (Hello, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return Hello{}, fmt.Errorf("reading hello: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > maxHelloLength {
		return Hello{}, fmt.Errorf("%w: length %d", ErrBadHello, length)
	}
	encoded := make([]byte, length)
	if _, err := io.ReadFull(conn, encoded); err != nil {
		return Hello{}, fmt.Errorf("reading hello: %w", err)
	}
	var hello Hello
	if err := codec.Unmarshal(encoded, &hello); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrBadHello, err)
	}
	if hello.Magic != helloMagic {
		return Hello{}, fmt.Errorf("%w: magic %q", ErrBadHello, hello.Magic)
	}
	return hello, nil
}

// applyDeadline bounds conn I/O by ctx and returns a function that
// clears the deadline again.
func applyDeadline(ctx context.Context, conn net.Conn) func() {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		conn.SetDeadline(time.Time{})
	}
}

// ServerHandshake reads the client's hello, checks its version against
// local.Version, and replies with local. On a version mismatch the
// reply carries an error and ErrVersionMismatch is returned.
func ServerHandshake(ctx context.Context, conn net.Conn, local Hello) (Hello, error) {
	defer applyDeadline(ctx, conn)()

	remote, err := readHello(conn)
	if err != nil {
		return Hello{}, err
	}
	if remote.Channel != ChannelCursor && remote.Channel != ChannelFrame {
		return remote, fmt.Errorf("%w: unknown channel %q", ErrBadHello, remote.Channel)
	}

	reply := local
	reply.Channel = remote.Channel
	if remote.Version != local.Version {
		reply.Error = fmt.Sprintf("version mismatch: relay speaks %d, client %d", local.Version, remote.Version)
		// Best effort: the client learns why before the close.
		_ = writeHello(conn, reply)
		return remote, fmt.Errorf("%w: client version %d, relay version %d",
			ErrVersionMismatch, remote.Version, local.Version)
	}
	if err := writeHello(conn, reply); err != nil {
		return remote, err
	}
	return remote, nil
}

// ClientHandshake sends local and reads the server's reply.
func ClientHandshake(ctx context.Context, conn net.Conn, local Hello) (Hello, error) {
	defer applyDeadline(ctx, conn)()

	if err := writeHello(conn, local); err != nil {
		return Hello{}, err
	}
	reply, err := readHello(conn)
	if err != nil {
		return Hello{}, err
	}
	if reply.Version != local.Version {
		return reply, fmt.Errorf("%w: relay version %d, client version %d",
			ErrVersionMismatch, reply.Version, local.Version)
	}
	if reply.Error != "" {
		return reply, fmt.Errorf("transport: relay rejected %s channel: %s", local.Channel, reply.Error)
	}
	return reply, nil
}

// SessionConns holds the two connections of one viewer session.
type SessionConns struct {
	Cursor net.Conn
	Frame  net.Conn

	// Peer is the cursor channel's hello.
	Peer Hello
}

// Close closes whichever connections are set.
func (s *SessionConns) Close() {
	if s.Cursor != nil {
		s.Cursor.Close()
	}
	if s.Frame != nil {
		s.Frame.Close()
	}
}

// AcceptSession accepts connections from listener until one cursor and
// one frame channel have completed the hello. Connections that fail
// the hello or repeat a channel are closed and skipped. A version
// mismatch is returned immediately. Each hello is bounded by
// handshakeTimeout.
func AcceptSession(ctx context.Context, listener Listener, local Hello, handshakeTimeout time.Duration, logger *slog.Logger) (*SessionConns, error) {
	if logger == nil {
		logger = slog.Default()
	}
	session := &SessionConns{}

	for session.Cursor == nil || session.Frame == nil {
		conn, err := listener.Accept(ctx)
		if err != nil {
			session.Close()
			return nil, err
		}

		handshakeContext, cancel := context.WithTimeout(ctx, handshakeTimeout)
		remote, err := ServerHandshake(handshakeContext, conn, local)
		cancel()
		if err != nil {
			conn.Close()
			if errors.Is(err, ErrVersionMismatch) {
				session.Close()
				return nil, err
			}
			if ctx.Err() != nil {
				session.Close()
				return nil, ctx.Err()
			}
			if !netutil.IsExpectedCloseError(err) {
				logger.Warn("rejected connection", "remote", conn.RemoteAddr().String(), "error", err)
			}
			continue
		}

		switch remote.Channel {
		case ChannelCursor:
			if session.Cursor != nil {
				logger.Warn("duplicate cursor channel, closing", "remote", conn.RemoteAddr().String())
				conn.Close()
				continue
			}
			session.Cursor = conn
			session.Peer = remote
		case ChannelFrame:
			if session.Frame != nil {
				logger.Warn("duplicate frame channel, closing", "remote", conn.RemoteAddr().String())
				conn.Close()
				continue
			}
			session.Frame = conn
		}
		logger.Debug("channel connected",
			"channel", remote.Channel,
			"remote", conn.RemoteAddr().String(),
			"software", remote.Software,
		)
	}
	return session, nil
}
