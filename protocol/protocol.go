// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic opens every message.
var Magic = [4]byte{'F', 'R', 'L', 'Y'}

// Version is the message format version carried in every header. It is
// also the version both sides announce in the transport hello.
const Version uint8 = 1

// HeaderLength is the size of the common message header.
const HeaderLength = 8

// MaxMessageLength bounds every encoded message. Receive and transmit
// slots are this size.
const MaxMessageLength = 1024

// NoBuffer is the buffer index of a metadata message that names no
// remote buffer: a cursor position update without a shape.
const NoBuffer int8 = -1

// MaxBuffers is the largest number of remote buffers one export may
// describe. Buffer indices travel as signed bytes and -1 is reserved.
const MaxBuffers = 126

var (
	// ErrTruncated means the message is shorter than its type requires.
	ErrTruncated = errors.New("protocol: truncated message")

	// ErrBadMagic means the header does not start with Magic.
	ErrBadMagic = errors.New("protocol: bad magic")

	// ErrVersion means the header carries a different protocol version.
	ErrVersion = errors.New("protocol: unsupported version")

	// ErrUnknownType means the header names no known message type.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrMalformed means the body is structurally invalid.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrBufferTooSmall means Encode was given less room than the
	// message needs.
	ErrBufferTooSmall = errors.New("protocol: buffer too small")
)

// MessageType identifies the message body that follows the header.
type MessageType uint8

const (
	TypeState MessageType = iota + 1
	TypeFrameMetadata
	TypeCursorMetadata
	TypeCursorAlign
	TypeClientAck
	TypeClientFrameBuffers
	TypeClientCursorBuffers
	TypeHostMetadata
)

func (t MessageType) String() string {
	switch t {
	case TypeState:
		return "state"
	case TypeFrameMetadata:
		return "frame-metadata"
	case TypeCursorMetadata:
		return "cursor-metadata"
	case TypeCursorAlign:
		return "cursor-align"
	case TypeClientAck:
		return "client-ack"
	case TypeClientFrameBuffers:
		return "client-frame-buffers"
	case TypeClientCursorBuffers:
		return "client-cursor-buffers"
	case TypeHostMetadata:
		return "host-metadata"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Message is one decoded or to-be-encoded protocol message.
type Message interface {
	// Type returns the header type of the message.
	Type() MessageType

	// bodyLength returns the encoded size after the header.
	bodyLength() int

	// encodeBody writes the body into dst, which is exactly
	// bodyLength() bytes.
	encodeBody(dst []byte)
}

// Length returns the encoded size of message including the header.
func Length(message Message) int {
	return HeaderLength + message.bodyLength()
}

// Encode writes message into dst and returns the number of bytes
// written.
func Encode(dst []byte, message Message) (int, error) {
	length := Length(message)
	if length > MaxMessageLength {
		return 0, fmt.Errorf("%w: %s message is %d bytes, limit %d",
			ErrBufferTooSmall, message.Type(), length, MaxMessageLength)
	}
	if len(dst) < length {
		return 0, fmt.Errorf("%w: %s message needs %d bytes, have %d",
			ErrBufferTooSmall, message.Type(), length, len(dst))
	}
	copy(dst[0:4], Magic[:])
	dst[4] = Version
	dst[5] = byte(message.Type())
	dst[6] = 0
	dst[7] = 0
	message.encodeBody(dst[HeaderLength:length])
	return length, nil
}

// Append encodes message onto the end of dst.
func Append(dst []byte, message Message) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, Length(message))...)
	if _, err := Encode(dst[start:], message); err != nil {
		return dst[:start], err
	}
	return dst, nil
}

// PeekType verifies the header of data and returns its message type
// without decoding the body.
func PeekType(data []byte) (MessageType, error) {
	if len(data) < HeaderLength {
		return 0, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(data), HeaderLength)
	}
	if [4]byte(data[0:4]) != Magic {
		return 0, fmt.Errorf("%w: %x", ErrBadMagic, data[0:4])
	}
	if data[4] != Version {
		return 0, fmt.Errorf("%w: %d (want %d)", ErrVersion, data[4], Version)
	}
	return MessageType(data[5]), nil
}

// Decode verifies the header of data and decodes the body into the
// message type the header names.
func Decode(data []byte) (Message, error) {
	messageType, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	body := data[HeaderLength:]

	switch messageType {
	case TypeState:
		return decodeState(body)
	case TypeFrameMetadata:
		return decodeFrameMetadata(body)
	case TypeCursorMetadata:
		return decodeCursorMetadata(body)
	case TypeCursorAlign:
		return decodeCursorAlign(body)
	case TypeClientAck:
		return decodeClientAck(body)
	case TypeClientFrameBuffers:
		return decodeClientBuffers(BufferKindFrame, body)
	case TypeClientCursorBuffers:
		return decodeClientBuffers(BufferKindCursor, body)
	case TypeHostMetadata:
		return decodeHostMetadata(body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(messageType))
	}
}

func requireBody(messageType MessageType, body []byte, length int) error {
	if len(body) < length {
		return fmt.Errorf("%w: %s body needs %d bytes, got %d", ErrTruncated, messageType, length, len(body))
	}
	return nil
}

var byteOrder = binary.LittleEndian
