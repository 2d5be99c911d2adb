// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrBadRecord means a ring message does not hold a well-formed record.
var ErrBadRecord = errors.New("ring: malformed record")

// FrameType is the pixel format of a frame.
type FrameType uint32

const (
	FrameTypeInvalid FrameType = iota
	FrameTypeBGRA
	FrameTypeRGBA
	FrameTypeRGBA10
	FrameTypeRGBA16F
	FrameTypeBGR32
	FrameTypeRGB24
)

// BytesPerPixel returns the storage size of one pixel, or 0 for an
// unknown type.
func (t FrameType) BytesPerPixel() int {
	switch t {
	case FrameTypeBGRA, FrameTypeRGBA, FrameTypeRGBA10, FrameTypeBGR32:
		return 4
	case FrameTypeRGBA16F:
		return 8
	case FrameTypeRGB24:
		return 3
	default:
		return 0
	}
}

// Rotation of a frame, clockwise.
type Rotation uint32

const (
	Rotation0 Rotation = iota
	Rotation90
	Rotation180
	Rotation270
)

// Frame flags.
const (
	FrameFlagBlockScreensaver  uint32 = 1 << 0
	FrameFlagRequestActivation uint32 = 1 << 1
	FrameFlagTruncated         uint32 = 1 << 2
)

// Frame record layout at the start of a frame message. All fields are
// little-endian uint32.
const (
	frameFormatVersion = 0
	frameSerial        = 4
	frameType          = 8
	frameScreenWidth   = 12
	frameScreenHeight  = 16
	frameDataWidth     = 20
	frameDataHeight    = 24
	frameFrameWidth    = 28
	frameFrameHeight   = 32
	frameRotation      = 36
	frameStride        = 40
	framePitch         = 44
	frameOffset        = 48
	frameFlags         = 52
	frameDamageCount   = 56

	// FrameRecordLength is the size of the frame record.
	FrameRecordLength = 64

	// FramebufferHeaderLength is the framebuffer write-pointer header
	// that precedes the pixels at the record's offset.
	FramebufferHeaderLength = 8
)

// FrameRecord is the description of one captured frame.
type FrameRecord struct {
	FormatVersion uint32
	Serial        uint32
	Type          FrameType
	ScreenWidth   uint32
	ScreenHeight  uint32
	DataWidth     uint32
	DataHeight    uint32
	FrameWidth    uint32
	FrameHeight   uint32
	Rotation      Rotation
	Stride        uint32
	Pitch         uint32

	// Offset is the distance from the record to the framebuffer.
	Offset      uint32
	Flags       uint32
	DamageCount uint32
}

// TextureLength is the number of pixel bytes the frame occupies.
func (f FrameRecord) TextureLength() int {
	return int(f.Pitch) * int(f.DataHeight)
}

// Texture returns the frame's pixels within message memory data,
// without copying.
func (f FrameRecord) Texture(data []byte) ([]byte, error) {
	start := int(f.Offset) + FramebufferHeaderLength
	end := start + f.TextureLength()
	if int(f.Offset) < FrameRecordLength || end > len(data) || end < start {
		return nil, fmt.Errorf("%w: texture [%d, %d) outside %d-byte message", ErrBadRecord, start, end, len(data))
	}
	return data[start:end:end], nil
}

// DecodeFrame reads the frame record at the start of data.
func DecodeFrame(data []byte) (FrameRecord, error) {
	if len(data) < FrameRecordLength {
		return FrameRecord{}, fmt.Errorf("%w: frame message of %d bytes", ErrBadRecord, len(data))
	}
	u32 := func(at int) uint32 { return binary.LittleEndian.Uint32(data[at:]) }
	record := FrameRecord{
		FormatVersion: u32(frameFormatVersion),
		Serial:        u32(frameSerial),
		Type:          FrameType(u32(frameType)),
		ScreenWidth:   u32(frameScreenWidth),
		ScreenHeight:  u32(frameScreenHeight),
		DataWidth:     u32(frameDataWidth),
		DataHeight:    u32(frameDataHeight),
		FrameWidth:    u32(frameFrameWidth),
		FrameHeight:   u32(frameFrameHeight),
		Rotation:      Rotation(u32(frameRotation)),
		Stride:        u32(frameStride),
		Pitch:         u32(framePitch),
		Offset:        u32(frameOffset),
		Flags:         u32(frameFlags),
		DamageCount:   u32(frameDamageCount),
	}
	if record.Type == FrameTypeInvalid || record.Type.BytesPerPixel() == 0 {
		return FrameRecord{}, fmt.Errorf("%w: frame type %d", ErrBadRecord, record.Type)
	}
	return record, nil
}

// EncodeFrame writes record into the start of data. Used by hosts.
func EncodeFrame(data []byte, record FrameRecord) {
	put := func(at int, value uint32) { binary.LittleEndian.PutUint32(data[at:], value) }
	put(frameFormatVersion, record.FormatVersion)
	put(frameSerial, record.Serial)
	put(frameType, uint32(record.Type))
	put(frameScreenWidth, record.ScreenWidth)
	put(frameScreenHeight, record.ScreenHeight)
	put(frameDataWidth, record.DataWidth)
	put(frameDataHeight, record.DataHeight)
	put(frameFrameWidth, record.FrameWidth)
	put(frameFrameHeight, record.FrameHeight)
	put(frameRotation, uint32(record.Rotation))
	put(frameStride, record.Stride)
	put(framePitch, record.Pitch)
	put(frameOffset, record.Offset)
	put(frameFlags, record.Flags)
	put(frameDamageCount, record.DamageCount)
	put(60, 0)
}

// Cursor flags carried in the pointer message's UserData.
const (
	CursorFlagPosition uint32 = 1 << 0
	CursorFlagVisible  uint32 = 1 << 1
	CursorFlagShape    uint32 = 1 << 2
)

// CursorType is the pixel format of a cursor shape.
type CursorType uint32

const (
	CursorTypeColor CursorType = iota
	CursorTypeMonochrome
	CursorTypeMaskedColor
)

// Cursor record layout at the start of a pointer message.
const (
	cursorX      = 0
	cursorY      = 2
	cursorHotX   = 4
	cursorHotY   = 6
	cursorType   = 8
	cursorWidth  = 12
	cursorHeight = 16
	cursorPitch  = 20

	// CursorRecordLength is the size of the cursor record. Shape
	// bytes follow it directly.
	CursorRecordLength = 24

	// MaxCursorSize is the largest shape dimension the host sends.
	MaxCursorSize = 512

	// MaxCursorShapeLength is the largest shape payload in bytes.
	MaxCursorShapeLength = MaxCursorSize * MaxCursorSize * 4
)

// CursorRecord is one pointer update.
type CursorRecord struct {
	X      int16
	Y      int16
	HotX   int16
	HotY   int16
	Type   CursorType
	Width  uint32
	Height uint32
	Pitch  uint32
}

// ShapeLength is the number of shape bytes following the record.
func (c CursorRecord) ShapeLength() int {
	return int(c.Pitch) * int(c.Height)
}

// Shape returns the shape bytes within message memory data, without
// copying.
func (c CursorRecord) Shape(data []byte) ([]byte, error) {
	length := c.ShapeLength()
	if length > MaxCursorShapeLength || CursorRecordLength+length > len(data) {
		return nil, fmt.Errorf("%w: %d-byte shape in %d-byte message", ErrBadRecord, length, len(data))
	}
	end := CursorRecordLength + length
	return data[CursorRecordLength:end:end], nil
}

// DecodeCursor reads the cursor record at the start of data.
func DecodeCursor(data []byte) (CursorRecord, error) {
	if len(data) < CursorRecordLength {
		return CursorRecord{}, fmt.Errorf("%w: pointer message of %d bytes", ErrBadRecord, len(data))
	}
	i16 := func(at int) int16 { return int16(binary.LittleEndian.Uint16(data[at:])) }
	u32 := func(at int) uint32 { return binary.LittleEndian.Uint32(data[at:]) }
	return CursorRecord{
		X:      i16(cursorX),
		Y:      i16(cursorY),
		HotX:   i16(cursorHotX),
		HotY:   i16(cursorHotY),
		Type:   CursorType(u32(cursorType)),
		Width:  u32(cursorWidth),
		Height: u32(cursorHeight),
		Pitch:  u32(cursorPitch),
	}, nil
}

// EncodeCursor writes record into the start of data. Used by hosts.
func EncodeCursor(data []byte, record CursorRecord) {
	binary.LittleEndian.PutUint16(data[cursorX:], uint16(record.X))
	binary.LittleEndian.PutUint16(data[cursorY:], uint16(record.Y))
	binary.LittleEndian.PutUint16(data[cursorHotX:], uint16(record.HotX))
	binary.LittleEndian.PutUint16(data[cursorHotY:], uint16(record.HotY))
	binary.LittleEndian.PutUint32(data[cursorType:], uint32(record.Type))
	binary.LittleEndian.PutUint32(data[cursorWidth:], record.Width)
	binary.LittleEndian.PutUint32(data[cursorHeight:], record.Height)
	binary.LittleEndian.PutUint32(data[cursorPitch:], record.Pitch)
}

// Messages the relay sends to the host.
const (
	// MessageSetCursorPosition asks the guest to move its cursor.
	MessageSetCursorPosition uint32 = 1

	// SetCursorPositionLength is the encoded size of that message.
	SetCursorPositionLength = 12
)

// EncodeSetCursorPosition returns a host message moving the guest
// cursor to (x, y).
func EncodeSetCursorPosition(x, y int32) []byte {
	data := make([]byte, SetCursorPositionLength)
	binary.LittleEndian.PutUint32(data[0:], MessageSetCursorPosition)
	binary.LittleEndian.PutUint32(data[4:], uint32(x))
	binary.LittleEndian.PutUint32(data[8:], uint32(y))
	return data
}

// DecodeSetCursorPosition parses a host message built by
// EncodeSetCursorPosition.
func DecodeSetCursorPosition(data []byte) (x, y int32, err error) {
	if len(data) != SetCursorPositionLength || binary.LittleEndian.Uint32(data) != MessageSetCursorPosition {
		return 0, 0, fmt.Errorf("%w: not a set-cursor-position message", ErrBadRecord)
	}
	return int32(binary.LittleEndian.Uint32(data[4:])), int32(binary.LittleEndian.Uint32(data[8:])), nil
}
