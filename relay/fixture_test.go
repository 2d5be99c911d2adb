// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/framerelay/fabric"
	"github.com/bureau-foundation/framerelay/lib/clock"
	"github.com/bureau-foundation/framerelay/lib/slotpool"
	"github.com/bureau-foundation/framerelay/protocol"
	"github.com/bureau-foundation/framerelay/ring"
)

// scriptedEndpoint is a fabric.Endpoint whose completions the test
// produces by hand, so a channel can be stepped deterministically.
type scriptedEndpoint struct {
	receives    []scriptedReceive
	sends       []scriptedSend
	writes      []scriptedWrite
	completions []fabric.Completion

	blockSends  bool
	blockWrites bool
	closed      bool
}

type scriptedReceive struct {
	buffer []byte
	handle slotpool.Handle
}

type scriptedSend struct {
	payload   []byte
	handle    slotpool.Handle
	completed bool
}

type scriptedWrite struct {
	payload   []byte
	remote    fabric.RemoteRegion
	offset    uint64
	handle    slotpool.Handle
	completed bool
}

var _ fabric.Endpoint = (*scriptedEndpoint)(nil)

func (e *scriptedEndpoint) PostReceive(buffer []byte, handle slotpool.Handle) error {
	e.receives = append(e.receives, scriptedReceive{buffer: buffer, handle: handle})
	return nil
}

func (e *scriptedEndpoint) Send(payload []byte, handle slotpool.Handle) error {
	if e.blockSends {
		return fabric.ErrWouldBlock
	}
	e.sends = append(e.sends, scriptedSend{payload: bytes.Clone(payload), handle: handle})
	return nil
}

func (e *scriptedEndpoint) Write(payload []byte, remote fabric.RemoteRegion, offset uint64, handle slotpool.Handle) error {
	if e.blockWrites {
		return fabric.ErrWouldBlock
	}
	e.writes = append(e.writes, scriptedWrite{
		payload: bytes.Clone(payload),
		remote:  remote,
		offset:  offset,
		handle:  handle,
	})
	return nil
}

func (e *scriptedEndpoint) Poll() (fabric.Completion, bool, error) {
	if len(e.completions) == 0 {
		return fabric.Completion{}, false, nil
	}
	completion := e.completions[0]
	e.completions = e.completions[1:]
	return completion, true, nil
}

func (e *scriptedEndpoint) Export(buffer []byte) fabric.RemoteRegion {
	return fabric.RemoteRegion{Length: uint64(len(buffer))}
}

func (e *scriptedEndpoint) Close() error {
	e.closed = true
	return nil
}

// deliver places message in the oldest posted receive and queues its
// completion.
func (e *scriptedEndpoint) deliver(t *testing.T, message protocol.Message) {
	t.Helper()
	if len(e.receives) == 0 {
		t.Fatal("no receive posted")
	}
	receive := e.receives[0]
	e.receives = e.receives[1:]
	length, err := protocol.Encode(receive.buffer, message)
	if err != nil {
		t.Fatalf("Encode(%s): %v", message.Type(), err)
	}
	e.completions = append(e.completions, fabric.Completion{
		Operation: fabric.OperationReceive,
		Handle:    receive.handle,
		Length:    length,
	})
}

// completeSends queues a completion for every send not yet completed.
func (e *scriptedEndpoint) completeSends() {
	for i := range e.sends {
		if !e.sends[i].completed {
			e.sends[i].completed = true
			e.completions = append(e.completions, fabric.Completion{Operation: fabric.OperationSend, Handle: e.sends[i].handle})
		}
	}
}

// completeWrites queues a completion for every write not yet
// completed.
func (e *scriptedEndpoint) completeWrites() {
	for i := range e.writes {
		if !e.writes[i].completed {
			e.writes[i].completed = true
			e.completions = append(e.completions, fabric.Completion{Operation: fabric.OperationWrite, Handle: e.writes[i].handle})
		}
	}
}

// messages decodes everything sent so far.
func (e *scriptedEndpoint) messages(t *testing.T) []protocol.Message {
	t.Helper()
	out := make([]protocol.Message, 0, len(e.sends))
	for _, send := range e.sends {
		message, err := protocol.Decode(send.payload)
		if err != nil {
			t.Fatalf("relay sent an undecodable message: %v", err)
		}
		out = append(out, message)
	}
	return out
}

// lastMessage returns the most recent message sent.
func (e *scriptedEndpoint) lastMessage(t *testing.T) protocol.Message {
	t.Helper()
	messages := e.messages(t)
	if len(messages) == 0 {
		t.Fatal("nothing sent")
	}
	return messages[len(messages)-1]
}

// countState counts sent STATE messages with code.
func (e *scriptedEndpoint) countState(t *testing.T, code protocol.StateCode) int {
	t.Helper()
	count := 0
	for _, message := range e.messages(t) {
		if state, ok := message.(protocol.State); ok && state.Code == code {
			count++
		}
	}
	return count
}

const (
	fixtureTimeout = 10 * time.Second

	cursorBuffersBase = 0x100000
	cursorBuffersKey  = 11
	cursorBufferSize  = 64 * 64 * 4

	frameBuffersBase = 0x800000
	frameBuffersKey  = 12
	frameBufferSize  = 64 * 1024

	// Layout of the fixture's ring region: two frame slots, then
	// cursor slots.
	frameSlotSize  = 32 * 1024
	cursorSlotBase = 2 * frameSlotSize
	cursorSlotSize = 8 * 1024
	regionSize     = cursorSlotBase + 32*cursorSlotSize

	frameWidth  = 32
	frameHeight = 16
)

func testRingSession() ring.SessionInfo {
	return ring.SessionInfo{
		Version:     ring.SessionVersion,
		HostVersion: "B7",
		Features:    ring.FeatureSetCursorPosition,
		VM: &ring.VMInfo{
			UUID:          uuid.MustParse("0b7e8a1c-5d0f-4f0a-8b7e-2c9d4a6f1e33"),
			CaptureMethod: "NvFBC",
			CPUs:          4,
			Cores:         2,
			Sockets:       1,
			CPUModel:      "Fixture CPU",
		},
		OS: &ring.OSInfo{ID: 2, Name: "Debian"},
	}
}

func newTestHost() *ring.MemoryHost {
	host := ring.NewMemoryHost(make([]byte, regionSize), ring.EncodeSession(testRingSession()))
	host.AddQueue(ring.QueuePointer, ring.PointerQueueLength)
	host.AddQueue(ring.QueueFrame, ring.FrameQueueLength)
	return host
}

// fixture is a Session over scripted endpoints whose channels the test
// steps by hand.
type fixture struct {
	t        *testing.T
	host     *ring.MemoryHost
	clock    *clock.FakeClock
	cursorEP *scriptedEndpoint
	frameEP  *scriptedEndpoint
	session  *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		host:     newTestHost(),
		clock:    clock.Fake(time.Unix(1_700_000_000, 0)),
		cursorEP: &scriptedEndpoint{},
		frameEP:  &scriptedEndpoint{},
	}
	session, err := NewSession(Config{
		Cursor:  f.cursorEP,
		Frame:   f.frameEP,
		Ring:    f.host.Open,
		Timeout: fixtureTimeout,
		Clock:   f.clock,
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	f.session = session
	return f
}

func (f *fixture) step(c *channel) {
	f.t.Helper()
	if _, err := c.step(); err != nil {
		f.t.Fatalf("%s step: %v", c.id, err)
	}
}

// drain steps c until its endpoint has no queued completions.
func (f *fixture) drain(c *channel, endpoint *scriptedEndpoint) {
	f.t.Helper()
	for range 100 {
		if len(endpoint.completions) == 0 {
			return
		}
		f.step(c)
	}
	f.t.Fatal("completions never drained")
}

// activateCursor connects the cursor channel, imports three cursor
// buffers and resumes it.
func (f *fixture) activateCursor() {
	f.t.Helper()
	f.step(f.session.cursor)
	f.cursorEP.deliver(f.t, protocol.ClientBuffers{
		Kind:      protocol.BufferKindCursor,
		Base:      cursorBuffersBase,
		Key:       cursorBuffersKey,
		MaxLength: cursorBufferSize,
		Offsets:   []uint64{0, cursorBufferSize, 2 * cursorBufferSize},
	})
	f.cursorEP.deliver(f.t, protocol.State{Code: protocol.StateResume})
	f.drain(f.session.cursor, f.cursorEP)
	if state := f.session.control.State(ChannelCursor); state != 0 {
		f.t.Fatalf("cursor state after activation = %v, want active", state)
	}
}

// activateFrame connects the frame channel, imports two frame buffers
// and resumes it.
func (f *fixture) activateFrame() {
	f.t.Helper()
	f.step(f.session.frame)
	f.frameEP.deliver(f.t, protocol.ClientBuffers{
		Kind:      protocol.BufferKindFrame,
		Base:      frameBuffersBase,
		Key:       frameBuffersKey,
		MaxLength: frameBufferSize,
		Offsets:   []uint64{0, frameBufferSize},
	})
	f.frameEP.deliver(f.t, protocol.State{Code: protocol.StateResume})
	f.drain(f.session.frame, f.frameEP)
	if state := f.session.control.State(ChannelFrame); state != 0 {
		f.t.Fatalf("frame state after activation = %v, want active", state)
	}
}

func (f *fixture) postFrame(slot int, fill byte) []byte {
	f.t.Helper()
	return postFrame(f.t, f.host, slot, fill)
}

func (f *fixture) postCursor(slot int, x, y int16, flags uint32, size int) []byte {
	f.t.Helper()
	return postCursor(f.t, f.host, slot, x, y, flags, size)
}

// postFrame writes a frame into ring slot and posts it, returning a
// copy of its pixels.
func postFrame(t *testing.T, host *ring.MemoryHost, slot int, fill byte) []byte {
	t.Helper()
	offset := slot * frameSlotSize
	data := host.Region()[offset : offset+frameSlotSize]
	record := ring.FrameRecord{
		FormatVersion: 1,
		Type:          ring.FrameTypeBGRA,
		ScreenWidth:   frameWidth,
		ScreenHeight:  frameHeight,
		DataWidth:     frameWidth,
		DataHeight:    frameHeight,
		FrameWidth:    frameWidth,
		FrameHeight:   frameHeight,
		Stride:        frameWidth,
		Pitch:         frameWidth * 4,
		Offset:        ring.FrameRecordLength,
	}
	ring.EncodeFrame(data, record)
	texture := data[ring.FrameRecordLength+ring.FramebufferHeaderLength:][:record.TextureLength()]
	for i := range texture {
		texture[i] = fill + byte(i)
	}
	posted, err := host.Post(ring.QueueFrame, offset, frameSlotSize, 0)
	if err != nil || !posted {
		t.Fatalf("posting frame: posted %v, error %v", posted, err)
	}
	return bytes.Clone(texture)
}

// postCursor writes a pointer update into ring slot and posts it. A
// non-zero size attaches a size×size colour shape, returned as a copy.
func postCursor(t *testing.T, host *ring.MemoryHost, slot int, x, y int16, flags uint32, size int) []byte {
	t.Helper()
	offset := cursorSlotBase + slot*cursorSlotSize
	data := host.Region()[offset : offset+cursorSlotSize]
	record := ring.CursorRecord{X: x, Y: y, HotX: 1, HotY: 2}
	var shape []byte
	if size > 0 {
		record.Type = ring.CursorTypeColor
		record.Width = uint32(size)
		record.Height = uint32(size)
		record.Pitch = uint32(size * 4)
		shape = data[ring.CursorRecordLength : ring.CursorRecordLength+record.ShapeLength()]
		for i := range shape {
			shape[i] = byte(i) ^ byte(x)
		}
	}
	ring.EncodeCursor(data, record)
	posted, err := host.Post(ring.QueuePointer, offset, cursorSlotSize, flags)
	if err != nil || !posted {
		t.Fatalf("posting cursor: posted %v, error %v", posted, err)
	}
	return bytes.Clone(shape)
}
