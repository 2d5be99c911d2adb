// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bureau-foundation/framerelay/fabric"
	"github.com/bureau-foundation/framerelay/lib/slotpool"
	"github.com/bureau-foundation/framerelay/lib/testutil"
	"github.com/bureau-foundation/framerelay/protocol"
	"github.com/bureau-foundation/framerelay/ring"
)

const (
	waitTimeout = 5 * time.Second

	viewerReceives     = 16
	viewerCursorBuffer = 64 * 64 * 4
	viewerFrameBuffer  = 64 * 1024
)

// viewerSide is the viewer's end of one channel.
type viewerSide struct {
	t          *testing.T
	endpoint   *fabric.StreamEndpoint
	buffers    map[slotpool.Handle][]byte
	sendHandle slotpool.Handle
}

func newViewerSide(t *testing.T, endpoint *fabric.StreamEndpoint) *viewerSide {
	t.Helper()
	v := &viewerSide{
		t:          t,
		endpoint:   endpoint,
		buffers:    make(map[slotpool.Handle][]byte),
		sendHandle: viewerReceives,
	}
	for i := range viewerReceives {
		handle := slotpool.Handle(i + 1)
		buffer := make([]byte, protocol.MaxMessageLength)
		v.buffers[handle] = buffer
		if err := endpoint.PostReceive(buffer, handle); err != nil {
			t.Fatalf("PostReceive: %v", err)
		}
	}
	return v
}

func (v *viewerSide) send(message protocol.Message) {
	v.t.Helper()
	payload, err := protocol.Append(nil, message)
	if err != nil {
		v.t.Fatalf("encoding %s: %v", message.Type(), err)
	}
	v.sendHandle++
	if err := v.endpoint.Send(payload, v.sendHandle); err != nil {
		v.t.Fatalf("sending %s: %v", message.Type(), err)
	}
}

// receive returns the next message other than KEEPALIVE.
func (v *viewerSide) receive() protocol.Message {
	v.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		completion, ok, err := v.endpoint.Poll()
		if err != nil {
			v.t.Fatalf("viewer Poll: %v", err)
		}
		if !ok {
			time.Sleep(100 * time.Microsecond)
			continue
		}
		if completion.Operation != fabric.OperationReceive {
			continue
		}
		if completion.Err != nil {
			v.t.Fatalf("viewer receive: %v", completion.Err)
		}
		buffer := v.buffers[completion.Handle]
		message, err := protocol.Decode(buffer[:completion.Length])
		if err != nil {
			v.t.Fatalf("viewer decode: %v", err)
		}
		if err := v.endpoint.PostReceive(buffer, completion.Handle); err != nil {
			v.t.Fatalf("PostReceive: %v", err)
		}
		if state, ok := message.(protocol.State); ok && state.Code == protocol.StateKeepalive {
			continue
		}
		return message
	}
	v.t.Fatal("timed out waiting for a message from the relay")
	return nil
}

// running is a Session on its own goroutine with a viewer on the other
// end of both channels.
type running struct {
	host    *ring.MemoryHost
	session *Session
	cursor  *viewerSide
	frame   *viewerSide

	cursorMemory []byte
	frameMemory  []byte

	result   chan error
	finished chan struct{}
}

func newPipe(t *testing.T, name string, options fabric.Options) (*fabric.StreamEndpoint, *fabric.StreamEndpoint) {
	t.Helper()
	options.Name = name
	options.Logger = quietLogger()
	local, remote, err := fabric.Pipe(options)
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local, remote
}

func startSession(t *testing.T, host *ring.MemoryHost, options fabric.Options, timeout time.Duration) *running {
	t.Helper()
	relayCursor, viewerCursor := newPipe(t, "cursor", options)
	relayFrame, viewerFrame := newPipe(t, "frame", options)

	session, err := NewSession(Config{
		Cursor:    relayCursor,
		Frame:     relayFrame,
		Ring:      host.Open,
		Timeout:   timeout,
		RelayName: "test-relay",
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	r := &running{
		host:     host,
		session:  session,
		cursor:   newViewerSide(t, viewerCursor),
		frame:    newViewerSide(t, viewerFrame),
		result:   make(chan error, 1),
		finished: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		r.result <- session.Run(ctx)
		close(r.finished)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, r.finished, waitTimeout, "session did not stop")
	})
	return r
}

// handshake performs the viewer side of session setup and waits until
// both channels are active.
func (r *running) handshake(t *testing.T) protocol.HostMetadata {
	t.Helper()
	metadata, ok := r.cursor.receive().(protocol.HostMetadata)
	if !ok {
		t.Fatal("first cursor message is not HOST_METADATA")
	}

	r.cursorMemory = make([]byte, 3*viewerCursorBuffer)
	region := r.cursor.endpoint.Export(r.cursorMemory)
	r.cursor.send(protocol.ClientBuffers{
		Kind:      protocol.BufferKindCursor,
		Base:      region.Base,
		Key:       region.Key,
		MaxLength: viewerCursorBuffer,
		Offsets:   []uint64{0, viewerCursorBuffer, 2 * viewerCursorBuffer},
	})
	r.frameMemory = make([]byte, 2*viewerFrameBuffer)
	region = r.frame.endpoint.Export(r.frameMemory)
	r.frame.send(protocol.ClientBuffers{
		Kind:      protocol.BufferKindFrame,
		Base:      region.Base,
		Key:       region.Key,
		MaxLength: viewerFrameBuffer,
		Offsets:   []uint64{0, viewerFrameBuffer},
	})
	r.cursor.send(protocol.State{Code: protocol.StateResume})
	r.frame.send(protocol.State{Code: protocol.StateResume})

	testutil.Eventually(t, waitTimeout, func() bool {
		return r.session.control.State(ChannelCursor) == 0 &&
			r.session.control.State(ChannelFrame) == 0 &&
			r.host.Subscribed(ring.QueuePointer) &&
			r.host.Subscribed(ring.QueueFrame)
	}, "channels never became active")
	return metadata
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	return testutil.RequireReceive(t, r.result, waitTimeout, "session did not stop")
}

func TestSessionRelaysFramesAndCursor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		options fabric.Options
	}{
		{"plain", fabric.Options{}},
		{"lz4 with digest", fabric.Options{Compression: fabric.CompressionLZ4, Integrity: true}},
		{"zstd", fabric.Options{Compression: fabric.CompressionZstd}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			r := startSession(t, newTestHost(), test.options, 2*time.Second)
			metadata := r.handshake(t)
			info := metadata.Info
			want := testRingSession()
			if info.RelayName != "test-relay" || !info.Proxied || info.HostVersion != want.HostVersion {
				t.Fatalf("host info = %+v, want relay test-relay proxying host %s", info, want.HostVersion)
			}
			if info.VM == nil || info.VM.UUID != want.VM.UUID.String() || info.VM.CPUModel != want.VM.CPUModel {
				t.Fatalf("VM info = %+v, want %+v", info.VM, want.VM)
			}
			if info.OS == nil || info.OS.Name != want.OS.Name {
				t.Fatalf("OS info = %+v, want %+v", info.OS, want.OS)
			}

			pixels := postFrame(t, r.host, 0, 0x40)
			frame, ok := r.frame.receive().(protocol.FrameMetadata)
			if !ok {
				t.Fatal("expected FRAME_METADATA")
			}
			if frame.Serial != 1 || frame.Width != frameWidth || frame.Height != frameHeight {
				t.Fatalf("frame metadata = %+v, want serial 1 at %dx%d", frame, frameWidth, frameHeight)
			}
			landed := r.frameMemory[int(frame.Buffer)*viewerFrameBuffer:][:len(pixels)]
			if !bytes.Equal(landed, pixels) {
				t.Fatal("frame buffer contents differ from the ring texture")
			}
			r.frame.send(protocol.ClientAck{Kind: protocol.BufferKindFrame, Indices: []int8{frame.Buffer}})

			flags := ring.CursorFlagPosition | ring.CursorFlagVisible | ring.CursorFlagShape
			shape := postCursor(t, r.host, 0, 10, 20, flags, 32)
			cursor, ok := r.cursor.receive().(protocol.CursorMetadata)
			if !ok {
				t.Fatal("expected CURSOR_METADATA")
			}
			if cursor.Buffer < 0 || cursor.X != 10 || cursor.Y != 20 || cursor.Flags != flags {
				t.Fatalf("cursor metadata = %+v, want a shape update at (10, 20)", cursor)
			}
			landed = r.cursorMemory[int(cursor.Buffer)*viewerCursorBuffer:][:len(shape)]
			if !bytes.Equal(landed, shape) {
				t.Fatal("cursor buffer contents differ from the ring shape")
			}
			r.cursor.send(protocol.ClientAck{Kind: protocol.BufferKindCursor, Indices: []int8{cursor.Buffer}})

			r.cursor.send(protocol.CursorAlign{X: 3, Y: 4})
			align, ok := r.cursor.receive().(protocol.CursorAlign)
			if !ok || align.X != 3 || align.Y != 4 {
				t.Fatalf("echo = %#v, want CURSOR_ALIGN (3, 4)", align)
			}
			received := r.host.Received()
			if len(received) != 1 {
				t.Fatalf("host received %d messages, want 1", len(received))
			}
			if x, y, err := ring.DecodeSetCursorPosition(received[0]); err != nil || x != 3 || y != 4 {
				t.Fatalf("host message = (%d, %d, %v), want (3, 4)", x, y, err)
			}

			r.cursor.send(protocol.State{Code: protocol.StateDisconnect})
			requireChannelError(t, r.wait(t), ReasonPeerDisconnect)

			stats := r.session.Stats()
			if stats.FramesForwarded != 1 || stats.CursorUpdates != 1 || stats.AlignsForwarded != 1 {
				t.Errorf("stats = %+v, want one frame, one cursor update and one align", stats)
			}
			for _, tag := range []slotpool.Tag{
				TagMessageReceive, TagMessageTransmit, TagCursorShape,
				TagFrameReceive, TagFrameTransmit, TagFrameWrite,
			} {
				if got := r.session.pool.InUse(tag); got != 0 {
					t.Errorf("%s slots in use after shutdown = %d, want 0", r.session.pool.Name(tag), got)
				}
			}
		})
	}
}

func TestSessionStreamsFramesWhileCursorActive(t *testing.T) {
	t.Parallel()

	r := startSession(t, newTestHost(), fabric.Options{}, 5*time.Second)
	r.handshake(t)

	for i := range 4 {
		x, y := int16(10+i), int16(20+i)
		postCursor(t, r.host, i, x, y, ring.CursorFlagPosition|ring.CursorFlagVisible, 0)
		pixels := postFrame(t, r.host, i%2, byte(0x10+i))

		frame, ok := r.frame.receive().(protocol.FrameMetadata)
		if !ok {
			t.Fatalf("frame %d: expected FRAME_METADATA", i)
		}
		if frame.Serial != uint32(i+1) {
			t.Fatalf("frame %d: serial = %d, want %d", i, frame.Serial, i+1)
		}
		landed := r.frameMemory[int(frame.Buffer)*viewerFrameBuffer:][:len(pixels)]
		if !bytes.Equal(landed, pixels) {
			t.Fatalf("frame %d: buffer contents differ from the ring texture", i)
		}
		r.frame.send(protocol.ClientAck{Kind: protocol.BufferKindFrame, Indices: []int8{frame.Buffer}})

		cursor, ok := r.cursor.receive().(protocol.CursorMetadata)
		if !ok {
			t.Fatalf("update %d: expected CURSOR_METADATA", i)
		}
		if cursor.Buffer != protocol.NoBuffer || cursor.X != x || cursor.Y != y {
			t.Fatalf("update %d: cursor metadata = %+v, want position (%d, %d) without a buffer", i, cursor, x, y)
		}

		if r.session.control.Exiting() {
			t.Fatalf("session exiting after frame %d: %v", i, r.session.cause.Load())
		}
		if got := r.session.control.State(ChannelCursor); got != 0 {
			t.Fatalf("cursor channel state after frame %d = %v, want active", i, got)
		}
	}

	r.session.Stop()
	if err := r.wait(t); err != nil {
		t.Fatalf("Run after Stop = %v, want nil", err)
	}
	if stats := r.session.Stats(); stats.FramesForwarded != 4 || stats.CursorUpdates != 4 {
		t.Errorf("stats = %+v, want four frames and four cursor updates", stats)
	}
}

func TestSessionStopNotifiesViewer(t *testing.T) {
	t.Parallel()

	r := startSession(t, newTestHost(), fabric.Options{}, 2*time.Second)
	r.handshake(t)

	r.session.Stop()
	if err := r.wait(t); err != nil {
		t.Fatalf("Run after Stop = %v, want nil", err)
	}
	for _, side := range []*viewerSide{r.cursor, r.frame} {
		state, ok := side.receive().(protocol.State)
		if !ok || state.Code != protocol.StateDisconnect {
			t.Fatalf("viewer got %#v, want DISCONNECT", state)
		}
	}
	if r.host.Subscribed(ring.QueuePointer) || r.host.Subscribed(ring.QueueFrame) {
		t.Fatal("ring queues still subscribed")
	}
}

func TestSessionTimesOutWithoutBuffers(t *testing.T) {
	t.Parallel()

	r := startSession(t, newTestHost(), fabric.Options{}, 200*time.Millisecond)
	if _, ok := r.cursor.receive().(protocol.HostMetadata); !ok {
		t.Fatal("first cursor message is not HOST_METADATA")
	}
	channelErr := requireChannelError(t, r.wait(t), ReasonTimeout)
	if channelErr.Channel != ChannelCursor {
		t.Fatalf("timed out on %s, want cursor", channelErr.Channel)
	}
}

func TestSessionRingVersionMismatch(t *testing.T) {
	t.Parallel()

	host := newTestHost()
	host.SetIncompatible(true)
	r := startSession(t, host, fabric.Options{}, 2*time.Second)

	err := r.wait(t)
	requireChannelError(t, err, ReasonVersion)
	if IsRecoverable(err) {
		t.Fatal("version mismatch reported as recoverable")
	}
}

func TestSessionRingUnavailable(t *testing.T) {
	t.Parallel()

	host := newTestHost()
	host.Stop()
	r := startSession(t, host, fabric.Options{}, 200*time.Millisecond)

	requireChannelError(t, r.wait(t), ReasonRing)
}

func TestSessionWithSyntheticHost(t *testing.T) {
	t.Parallel()

	const width, height = 64, 32
	synthetic, err := ring.NewSynthetic(make([]byte, ring.SyntheticRegionSize(width, height)), ring.SyntheticConfig{
		Width:  width,
		Height: height,
		FPS:    200,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewSynthetic: %v", err)
	}
	r := startSession(t, synthetic.Host(), fabric.Options{Compression: fabric.CompressionLZ4}, 5*time.Second)
	r.handshake(t)

	ctx, cancel := context.WithCancel(context.Background())
	produced := make(chan error, 1)
	go func() { produced <- synthetic.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, produced, waitTimeout, "synthetic producer did not stop")
	})

	var last uint32
	for range 3 {
		frame, ok := r.frame.receive().(protocol.FrameMetadata)
		if !ok {
			t.Fatal("expected FRAME_METADATA")
		}
		if frame.Serial != last+1 {
			t.Fatalf("serial = %d, want %d", frame.Serial, last+1)
		}
		last = frame.Serial
		if frame.Width != width || frame.Height != height || frame.RowBytes != width*4 {
			t.Fatalf("frame metadata = %+v, want %dx%d", frame, width, height)
		}
		pixels := r.frameMemory[int(frame.Buffer)*viewerFrameBuffer:][:width*4*height]
		for i := 3; i < len(pixels); i += 4 {
			if pixels[i] != 0xff {
				t.Fatalf("pixel %d alpha = %#x, want 0xff", i/4, pixels[i])
			}
		}
		r.frame.send(protocol.ClientAck{Kind: protocol.BufferKindFrame, Indices: []int8{frame.Buffer}})
	}

	r.session.Stop()
	if err := r.wait(t); err != nil {
		t.Fatalf("Run after Stop = %v, want nil", err)
	}
}
