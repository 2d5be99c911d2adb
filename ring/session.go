// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ring

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrVersionMismatch means the host speaks an incompatible ring or
// session format. It is never retried.
var ErrVersionMismatch = errors.New("ring: incompatible host version")

// Session user data layout.
const (
	// SessionMagic opens the host's session user data.
	SessionMagic = "KVMFR---"

	// SessionVersion is the session format this relay understands.
	SessionVersion uint32 = 20

	sessionHostVersionLength = 32
	sessionHeaderLength      = 8 + 4 + sessionHostVersionLength + 4
	recordHeaderLength       = 5
)

// Session record types following the header.
const (
	RecordVMInfo uint8 = 1
	RecordOSInfo uint8 = 2
)

// Session feature bits.
const (
	FeatureSetCursorPosition uint32 = 1 << 0
)

// VMInfo is the VM description record.
type VMInfo struct {
	UUID          uuid.UUID
	CaptureMethod string
	CPUs          uint8
	Cores         uint8
	Sockets       uint8
	CPUModel      string
}

const (
	vmInfoCaptureLength = 32
	vmInfoFixedLength   = 16 + vmInfoCaptureLength + 3
)

// OSInfo is the guest OS record.
type OSInfo struct {
	ID   uint8
	Name string
}

// SessionInfo is the parsed session user data.
type SessionInfo struct {
	Version     uint32
	HostVersion string
	Features    uint32
	VM          *VMInfo
	OS          *OSInfo
}

// ParseSession decodes the user data returned by [Client.Init].
// Unknown record types are skipped.
func ParseSession(data []byte) (SessionInfo, error) {
	if len(data) < sessionHeaderLength {
		return SessionInfo{}, fmt.Errorf("%w: session data of %d bytes", ErrBadRecord, len(data))
	}
	if string(data[:8]) != SessionMagic {
		return SessionInfo{}, fmt.Errorf("%w: session magic %q", ErrBadRecord, data[:8])
	}
	info := SessionInfo{
		Version:     binary.LittleEndian.Uint32(data[8:]),
		HostVersion: cString(data[12 : 12+sessionHostVersionLength]),
		Features:    binary.LittleEndian.Uint32(data[12+sessionHostVersionLength:]),
	}
	if info.Version != SessionVersion {
		return info, fmt.Errorf("%w: session version %d, want %d (host %s)",
			ErrVersionMismatch, info.Version, SessionVersion, info.HostVersion)
	}

	rest := data[sessionHeaderLength:]
	for len(rest) > 0 {
		if len(rest) < recordHeaderLength {
			return info, fmt.Errorf("%w: truncated session record header", ErrBadRecord)
		}
		kind := rest[0]
		size := int(binary.LittleEndian.Uint32(rest[1:]))
		rest = rest[recordHeaderLength:]
		if size > len(rest) {
			return info, fmt.Errorf("%w: session record %d claims %d bytes, %d remain", ErrBadRecord, kind, size, len(rest))
		}
		body := rest[:size]
		rest = rest[size:]

		switch kind {
		case RecordVMInfo:
			if size < vmInfoFixedLength {
				return info, fmt.Errorf("%w: VM record of %d bytes", ErrBadRecord, size)
			}
			vm := &VMInfo{
				CaptureMethod: cString(body[16 : 16+vmInfoCaptureLength]),
				CPUs:          body[48],
				Cores:         body[49],
				Sockets:       body[50],
				CPUModel:      cString(body[vmInfoFixedLength:]),
			}
			copy(vm.UUID[:], body[:16])
			info.VM = vm
		case RecordOSInfo:
			if size < 1 {
				return info, fmt.Errorf("%w: empty OS record", ErrBadRecord)
			}
			info.OS = &OSInfo{ID: body[0], Name: cString(body[1:])}
		}
	}
	return info, nil
}

// EncodeSession builds session user data for info. Used by hosts.
func EncodeSession(info SessionInfo) []byte {
	var buffer bytes.Buffer
	buffer.WriteString(SessionMagic)
	buffer.Write(binary.LittleEndian.AppendUint32(nil, info.Version))
	buffer.Write(fixedString(info.HostVersion, sessionHostVersionLength))
	buffer.Write(binary.LittleEndian.AppendUint32(nil, info.Features))

	if info.VM != nil {
		body := make([]byte, 0, vmInfoFixedLength+len(info.VM.CPUModel)+1)
		body = append(body, info.VM.UUID[:]...)
		body = append(body, fixedString(info.VM.CaptureMethod, vmInfoCaptureLength)...)
		body = append(body, info.VM.CPUs, info.VM.Cores, info.VM.Sockets)
		body = append(body, info.VM.CPUModel...)
		body = append(body, 0)
		writeRecord(&buffer, RecordVMInfo, body)
	}
	if info.OS != nil {
		body := append([]byte{info.OS.ID}, info.OS.Name...)
		body = append(body, 0)
		writeRecord(&buffer, RecordOSInfo, body)
	}
	return buffer.Bytes()
}

func writeRecord(buffer *bytes.Buffer, kind uint8, body []byte) {
	buffer.WriteByte(kind)
	buffer.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(body))))
	buffer.Write(body)
}

// cString returns the bytes of data up to the first NUL.
func cString(data []byte) string {
	if end := bytes.IndexByte(data, 0); end >= 0 {
		data = data[:end]
	}
	return string(data)
}

// fixedString pads or truncates s to length bytes, always leaving a
// terminating NUL.
func fixedString(s string, length int) []byte {
	out := make([]byte, length)
	copy(out[:length-1], s)
	return out
}
