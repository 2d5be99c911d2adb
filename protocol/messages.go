// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/bureau-foundation/framerelay/lib/codec"
)

// StateCode is the control state carried by a State message.
type StateCode uint8

const (
	// StateKeepalive refreshes the receiver's liveness deadline.
	StateKeepalive StateCode = iota
	// StatePause asks the receiver to stop sending data on this channel.
	StatePause
	// StateResume lifts a previous StatePause.
	StateResume
	// StateDisconnect ends the session on both channels.
	StateDisconnect
)

func (s StateCode) String() string {
	switch s {
	case StateKeepalive:
		return "keepalive"
	case StatePause:
		return "pause"
	case StateResume:
		return "resume"
	case StateDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// State is a channel control message.
type State struct {
	Code StateCode
}

func (State) Type() MessageType { return TypeState }
func (State) bodyLength() int   { return 4 }

func (m State) encodeBody(dst []byte) {
	dst[0] = byte(m.Code)
	dst[1], dst[2], dst[3] = 0, 0, 0
}

func decodeState(body []byte) (State, error) {
	if err := requireBody(TypeState, body, 4); err != nil {
		return State{}, err
	}
	code := StateCode(body[0])
	if code > StateDisconnect {
		return State{}, fmt.Errorf("%w: state code %d", ErrMalformed, body[0])
	}
	return State{Code: code}, nil
}

// FrameMetadata describes a frame whose pixels were written into remote
// buffer Buffer.
type FrameMetadata struct {
	Buffer   int8
	Serial   uint32
	Width    uint32
	Height   uint32
	RowBytes uint32
	Format   uint32
	Rotation uint32
	Flags    uint32
}

func (FrameMetadata) Type() MessageType { return TypeFrameMetadata }
func (FrameMetadata) bodyLength() int   { return 32 }

func (m FrameMetadata) encodeBody(dst []byte) {
	dst[0] = byte(m.Buffer)
	dst[1], dst[2], dst[3] = 0, 0, 0
	byteOrder.PutUint32(dst[4:8], m.Serial)
	byteOrder.PutUint32(dst[8:12], m.Width)
	byteOrder.PutUint32(dst[12:16], m.Height)
	byteOrder.PutUint32(dst[16:20], m.RowBytes)
	byteOrder.PutUint32(dst[20:24], m.Format)
	byteOrder.PutUint32(dst[24:28], m.Rotation)
	byteOrder.PutUint32(dst[28:32], m.Flags)
}

func decodeFrameMetadata(body []byte) (FrameMetadata, error) {
	if err := requireBody(TypeFrameMetadata, body, 32); err != nil {
		return FrameMetadata{}, err
	}
	return FrameMetadata{
		Buffer:   int8(body[0]),
		Serial:   byteOrder.Uint32(body[4:8]),
		Width:    byteOrder.Uint32(body[8:12]),
		Height:   byteOrder.Uint32(body[12:16]),
		RowBytes: byteOrder.Uint32(body[16:20]),
		Format:   byteOrder.Uint32(body[20:24]),
		Rotation: byteOrder.Uint32(body[24:28]),
		Flags:    byteOrder.Uint32(body[28:32]),
	}, nil
}

// CursorMetadata describes a cursor update. Buffer names the remote
// buffer holding a new shape, or is NoBuffer for a position-only
// update; Width, Height and RowBytes describe the shape when present.
type CursorMetadata struct {
	Buffer   int8
	X        int16
	Y        int16
	HotX     int16
	HotY     int16
	Flags    uint32
	Format   uint32
	Width    uint32
	Height   uint32
	RowBytes uint32
}

func (CursorMetadata) Type() MessageType { return TypeCursorMetadata }
func (CursorMetadata) bodyLength() int   { return 32 }

func (m CursorMetadata) encodeBody(dst []byte) {
	dst[0] = byte(m.Buffer)
	dst[1] = 0
	byteOrder.PutUint16(dst[2:4], uint16(m.X))
	byteOrder.PutUint16(dst[4:6], uint16(m.Y))
	byteOrder.PutUint16(dst[6:8], uint16(m.HotX))
	byteOrder.PutUint16(dst[8:10], uint16(m.HotY))
	dst[10], dst[11] = 0, 0
	byteOrder.PutUint32(dst[12:16], m.Flags)
	byteOrder.PutUint32(dst[16:20], m.Format)
	byteOrder.PutUint32(dst[20:24], m.Width)
	byteOrder.PutUint32(dst[24:28], m.Height)
	byteOrder.PutUint32(dst[28:32], m.RowBytes)
}

func decodeCursorMetadata(body []byte) (CursorMetadata, error) {
	if err := requireBody(TypeCursorMetadata, body, 32); err != nil {
		return CursorMetadata{}, err
	}
	return CursorMetadata{
		Buffer:   int8(body[0]),
		X:        int16(byteOrder.Uint16(body[2:4])),
		Y:        int16(byteOrder.Uint16(body[4:6])),
		HotX:     int16(byteOrder.Uint16(body[6:8])),
		HotY:     int16(byteOrder.Uint16(body[8:10])),
		Flags:    byteOrder.Uint32(body[12:16]),
		Format:   byteOrder.Uint32(body[16:20]),
		Width:    byteOrder.Uint32(body[20:24]),
		Height:   byteOrder.Uint32(body[24:28]),
		RowBytes: byteOrder.Uint32(body[28:32]),
	}, nil
}

// CursorAlign carries a cursor position the viewer wants applied to the
// guest.
type CursorAlign struct {
	X int32
	Y int32
}

func (CursorAlign) Type() MessageType { return TypeCursorAlign }
func (CursorAlign) bodyLength() int   { return 8 }

func (m CursorAlign) encodeBody(dst []byte) {
	byteOrder.PutUint32(dst[0:4], uint32(m.X))
	byteOrder.PutUint32(dst[4:8], uint32(m.Y))
}

func decodeCursorAlign(body []byte) (CursorAlign, error) {
	if err := requireBody(TypeCursorAlign, body, 8); err != nil {
		return CursorAlign{}, err
	}
	return CursorAlign{
		X: int32(byteOrder.Uint32(body[0:4])),
		Y: int32(byteOrder.Uint32(body[4:8])),
	}, nil
}

// BufferKind selects which remote buffer set a ClientAck or
// ClientBuffers message refers to.
type BufferKind uint8

const (
	BufferKindFrame BufferKind = iota
	BufferKindCursor
)

func (k BufferKind) String() string {
	switch k {
	case BufferKindFrame:
		return "frame"
	case BufferKindCursor:
		return "cursor"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ClientAck returns remote buffers to the relay. Negative indices are
// padding and are ignored by the receiver.
type ClientAck struct {
	Kind    BufferKind
	Indices []int8
}

func (ClientAck) Type() MessageType { return TypeClientAck }
func (m ClientAck) bodyLength() int { return 1 + len(m.Indices) }

func (m ClientAck) encodeBody(dst []byte) {
	dst[0] = byte(m.Kind)
	for i, index := range m.Indices {
		dst[1+i] = byte(index)
	}
}

func decodeClientAck(body []byte) (ClientAck, error) {
	if err := requireBody(TypeClientAck, body, 1); err != nil {
		return ClientAck{}, err
	}
	kind := BufferKind(body[0])
	if kind > BufferKindCursor {
		return ClientAck{}, fmt.Errorf("%w: ack kind %d", ErrMalformed, body[0])
	}
	indices := make([]int8, len(body)-1)
	for i := range indices {
		indices[i] = int8(body[1+i])
	}
	return ClientAck{Kind: kind, Indices: indices}, nil
}

// ClientBuffers exports the viewer's receive buffers for one channel:
// buffer i lives at Base+Offsets[i] and holds at most MaxLength bytes,
// writable with Key.
type ClientBuffers struct {
	Kind      BufferKind
	Base      uint64
	Key       uint64
	MaxLength uint64
	Offsets   []uint64
}

func (m ClientBuffers) Type() MessageType {
	if m.Kind == BufferKindCursor {
		return TypeClientCursorBuffers
	}
	return TypeClientFrameBuffers
}

func (m ClientBuffers) bodyLength() int { return 24 + 8*len(m.Offsets) }

func (m ClientBuffers) encodeBody(dst []byte) {
	byteOrder.PutUint64(dst[0:8], m.Base)
	byteOrder.PutUint64(dst[8:16], m.Key)
	byteOrder.PutUint64(dst[16:24], m.MaxLength)
	for i, offset := range m.Offsets {
		byteOrder.PutUint64(dst[24+8*i:], offset)
	}
}

func decodeClientBuffers(kind BufferKind, body []byte) (ClientBuffers, error) {
	messageType := ClientBuffers{Kind: kind}.Type()
	if err := requireBody(messageType, body, 24); err != nil {
		return ClientBuffers{}, err
	}
	tail := body[24:]
	if len(tail)%8 != 0 {
		return ClientBuffers{}, fmt.Errorf("%w: %s offsets occupy %d bytes, not a multiple of 8",
			ErrMalformed, messageType, len(tail))
	}
	offsets := make([]uint64, len(tail)/8)
	for i := range offsets {
		offsets[i] = byteOrder.Uint64(tail[8*i:])
	}
	return ClientBuffers{
		Kind:      kind,
		Base:      byteOrder.Uint64(body[0:8]),
		Key:       byteOrder.Uint64(body[8:16]),
		MaxLength: byteOrder.Uint64(body[16:24]),
		Offsets:   offsets,
	}, nil
}

// HostInfo is the descriptive host and guest information forwarded to
// the viewer once per session. The relay passes the guest fields
// through from the ring session without interpreting them.
type HostInfo struct {
	RelayName   string  `cbor:"relay_name"`
	Proxied     bool    `cbor:"proxied"`
	HostVersion string  `cbor:"host_version,omitempty"`
	Features    uint32  `cbor:"features,omitempty"`
	VM          *VMInfo `cbor:"vm,omitempty"`
	OS          *OSInfo `cbor:"os,omitempty"`
}

// VMInfo describes the guest machine.
type VMInfo struct {
	UUID          string `cbor:"uuid"`
	CaptureMethod string `cbor:"capture_method,omitempty"`
	CPUs          uint8  `cbor:"cpus"`
	Cores         uint8  `cbor:"cores"`
	Sockets       uint8  `cbor:"sockets"`
	CPUModel      string `cbor:"cpu_model,omitempty"`
}

// OSInfo describes the guest operating system.
type OSInfo struct {
	ID   uint8  `cbor:"id"`
	Name string `cbor:"name,omitempty"`
}

// HostMetadata carries HostInfo as a CBOR body. Encoded holds the body
// bytes; build it with NewHostMetadata.
type HostMetadata struct {
	Info    HostInfo
	encoded []byte
}

// NewHostMetadata encodes info into a HostMetadata message.
func NewHostMetadata(info HostInfo) (HostMetadata, error) {
	encoded, err := codec.Marshal(info)
	if err != nil {
		return HostMetadata{}, fmt.Errorf("encoding host metadata: %w", err)
	}
	if HeaderLength+len(encoded) > MaxMessageLength {
		return HostMetadata{}, fmt.Errorf("%w: host metadata is %d bytes", ErrBufferTooSmall, len(encoded))
	}
	return HostMetadata{Info: info, encoded: encoded}, nil
}

func (HostMetadata) Type() MessageType { return TypeHostMetadata }
func (m HostMetadata) bodyLength() int { return len(m.encoded) }

func (m HostMetadata) encodeBody(dst []byte) { copy(dst, m.encoded) }

func decodeHostMetadata(body []byte) (HostMetadata, error) {
	var info HostInfo
	if err := codec.Unmarshal(body, &info); err != nil {
		return HostMetadata{}, fmt.Errorf("%w: host metadata: %v", ErrMalformed, err)
	}
	encoded := make([]byte, len(body))
	copy(encoded, body)
	return HostMetadata{Info: info, encoded: encoded}, nil
}
