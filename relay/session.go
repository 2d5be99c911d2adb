// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/framerelay/fabric"
	"github.com/bureau-foundation/framerelay/lib/clock"
	"github.com/bureau-foundation/framerelay/lib/slotpool"
	"github.com/bureau-foundation/framerelay/lib/version"
	"github.com/bureau-foundation/framerelay/protocol"
	"github.com/bureau-foundation/framerelay/ring"
)

// Slot pool tags. The cursor channel owns the Message and CursorShape
// regions, the frame channel the Frame regions.
const (
	TagMessageReceive slotpool.Tag = iota
	TagMessageTransmit
	TagCursorShape
	TagFrameReceive
	TagFrameTransmit
	TagFrameWrite
)

const (
	cursorMessageSlots = 32
	frameMessageSlots  = 8
	cursorShapeSlots   = 3
	pageSize           = 4096
)

// Defaults for Config.
const (
	DefaultInterval = 100 * time.Microsecond
	DefaultTimeout  = 3 * time.Second
)

// Config configures a Session.
type Config struct {
	// Cursor and Frame are the peer connections for each channel.
	Cursor fabric.Endpoint
	Frame  fabric.Endpoint

	// Ring opens a client on the capture host's ring. Each channel
	// opens its own.
	Ring func() ring.Client

	// Interval is how long an idle loop sleeps. Defaults to 100µs.
	Interval time.Duration

	// Timeout is the peer liveness deadline and the ring init
	// deadline. Defaults to 3s.
	Timeout time.Duration

	// Keepalive is the send silence after which a KEEPALIVE goes out.
	// Defaults to Timeout/3.
	Keepalive time.Duration

	// RelayName is reported to the viewer. Defaults to the version
	// string.
	RelayName string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Stats is a snapshot of a session's counters.
type Stats struct {
	FramesForwarded uint64
	FramesDeferred  uint64
	FramesDiscarded uint64
	CursorUpdates   uint64
	CursorDiscarded uint64
	ShapesDropped   uint64
	AlignsForwarded uint64
	DoubleReleases  uint64
	DoubleReclaims  uint64
}

type counters struct {
	framesForwarded atomic.Uint64
	framesDeferred  atomic.Uint64
	framesDiscarded atomic.Uint64
	cursorUpdates   atomic.Uint64
	cursorDiscarded atomic.Uint64
	shapesDropped   atomic.Uint64
	alignsForwarded atomic.Uint64
}

// Session relays one viewer connection: a cursor channel and a frame
// channel, each on its own goroutine, sharing a Control word and a
// slot pool. The frame channel starts only after the cursor channel
// has sent the host metadata and imported the cursor buffers.
type Session struct {
	config  Config
	logger  *slog.Logger
	control Control
	pool    *slotpool.Pool
	stats   counters

	cursor         *channel
	frame          *channel
	cursorPipeline *cursorPipeline
	framePipeline  *framePipeline

	gate     chan struct{}
	gateOnce sync.Once

	cause atomic.Pointer[ChannelError]

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSession allocates the slot pool and both channels.
func NewSession(config Config) (*Session, error) {
	if config.Cursor == nil || config.Frame == nil {
		return nil, errors.New("relay: both endpoints are required")
	}
	if config.Ring == nil {
		return nil, errors.New("relay: ring client factory is required")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Keepalive <= 0 {
		config.Keepalive = config.Timeout / 3
	}
	if config.RelayName == "" {
		config.RelayName = version.Name()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Session{
		config: config,
		logger: config.Logger,
		pool:   &slotpool.Pool{Logger: config.Logger},
		gate:   make(chan struct{}),
	}

	regions := []struct {
		tag   slotpool.Tag
		name  string
		size  int
		count int
	}{
		{TagMessageReceive, "MessageReceive", protocol.MaxMessageLength, cursorMessageSlots},
		{TagMessageTransmit, "MessageTransmit", protocol.MaxMessageLength, cursorMessageSlots},
		{TagCursorShape, "CursorShape", slotpool.AlignUp(ring.MaxCursorShapeLength+ring.CursorRecordLength, pageSize), cursorShapeSlots},
		{TagFrameReceive, "FrameReceive", protocol.MaxMessageLength, frameMessageSlots},
		{TagFrameTransmit, "FrameTransmit", protocol.MaxMessageLength, frameMessageSlots},
		{TagFrameWrite, "FrameWrite", 0, ring.FrameQueueLength},
	}
	for _, region := range regions {
		if err := s.pool.Allocate(region.tag, region.name, region.size, region.count); err != nil {
			return nil, fmt.Errorf("allocating %s slots: %w", region.name, err)
		}
	}
	s.pool.AttachExtension(TagFrameWrite, func() any { return new(frameWrite) })
	s.pool.AttachExtension(TagCursorShape, func() any { return new(cursorUpdate) })

	s.cursor = s.newChannel(ChannelCursor, config.Cursor, ring.QueuePointer, TagMessageReceive, TagMessageTransmit)
	s.frame = s.newChannel(ChannelFrame, config.Frame, ring.QueueFrame, TagFrameReceive, TagFrameTransmit)
	s.cursorPipeline = newCursorPipeline(s.cursor, &s.stats)
	s.cursor.pipeline = s.cursorPipeline
	s.framePipeline = newFramePipeline(s.frame, &s.stats)
	s.frame.pipeline = s.framePipeline

	// The peer must resume each channel explicitly.
	s.control.Set(ChannelCursor, RemotePaused)
	s.control.Set(ChannelFrame, RemotePaused)
	return s, nil
}

func (s *Session) newChannel(id Channel, endpoint fabric.Endpoint, queue uint32, receiveTag, transmitTag slotpool.Tag) *channel {
	logger := s.logger.With("channel", id.String())
	now := s.config.Clock.Now()
	return &channel{
		id:       id,
		session:  s,
		endpoint: endpoint,
		pool:     s.pool,
		control:  &s.control,
		bridge: ring.NewBridge(ring.BridgeConfig{
			Open:          s.config.Ring,
			Queue:         queue,
			InitTimeout:   s.config.Timeout,
			RetryInterval: max(s.config.Interval, time.Millisecond),
			Clock:         s.config.Clock,
			Logger:        logger,
		}),
		clock:       s.config.Clock,
		logger:      logger,
		receiveTag:  receiveTag,
		transmitTag: transmitTag,
		interval:    s.config.Interval,
		timeout:     s.config.Timeout,
		keepalive:   s.config.Keepalive,
		deadline:    now.Add(s.config.Timeout),
		lastSend:    now,
		pauseSlot:   -1,
		resumeSlot:  -1,
	}
}

// Run relays until the peer disconnects, a channel fails, Stop is
// called, or ctx is cancelled. It returns nil for a local stop and the
// first *ChannelError otherwise. A Session runs once.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	if s.control.Exiting() {
		cancel()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.runChannel(groupCtx, s.cursor, s.startCursor) })
	group.Go(func() error { return s.runChannel(groupCtx, s.frame, s.startFrame) })
	err := group.Wait()

	if cause := s.cause.Load(); cause != nil {
		if cause.Reason == ReasonLocalExit {
			return nil
		}
		return cause
	}
	return err
}

// Stop asks both channels to unwind.
func (s *Session) Stop() {
	s.stop(&ChannelError{Reason: ReasonLocalExit})
}

// stop records the first terminal condition and raises exit.
func (s *Session) stop(err *ChannelError) {
	if s.cause.CompareAndSwap(nil, err) {
		switch err.Reason {
		case ReasonLocalExit, ReasonPeerDisconnect:
			s.logger.Info("session ending", "channel", err.Channel.String(), "reason", err.Reason.String())
		default:
			s.logger.Error("session failed", "channel", err.Channel.String(), "reason", err.Reason.String(), "error", err.Err)
		}
	}
	s.control.RaiseExit()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// runChannel starts c and runs its loop. The start gate opens as soon
// as start returns, successful or not, so the frame channel runs
// alongside the cursor channel.
func (s *Session) runChannel(ctx context.Context, c *channel, start func(context.Context) error) error {
	err := start(ctx)
	s.openGate()
	if err == nil && !s.control.Exiting() {
		err = c.run(ctx)
	}
	c.shutdown(s.notifyPeer())
	return err
}

// notifyPeer reports whether a DISCONNECT should be sent on unwind.
func (s *Session) notifyPeer() bool {
	cause := s.cause.Load()
	return cause == nil || (cause.Reason != ReasonPeerDisconnect && cause.Reason != ReasonFabric)
}

func (s *Session) openGate() {
	s.gateOnce.Do(func() { close(s.gate) })
}

// startCursor attaches to the ring, sends the host metadata, and waits
// for the cursor buffers before opening the frame channel's gate.
func (s *Session) startCursor(ctx context.Context) error {
	c := s.cursor
	info, err := c.bridge.Init(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ring.ErrVersionMismatch):
		return c.fail(ReasonVersion, err)
	case errors.Is(err, ring.ErrTimeout):
		return c.fail(ReasonRing, err)
	default:
		return c.fail(ReasonLocalExit, err)
	}

	metadata, err := protocol.NewHostMetadata(hostInfo(s.config.RelayName, info))
	if err != nil {
		return c.fail(ReasonLocalExit, err)
	}
	c.logger.Info("ring session established, sending host metadata", "host_version", info.HostVersion)

	c.refresh()
	sent := false
	for !s.cursorPipeline.table.Imported() {
		if s.control.Exiting() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return c.fail(ReasonLocalExit, err)
		}
		if err := c.postReceives(); err != nil {
			return err
		}
		if !sent {
			switch _, err := c.send(metadata); {
			case err == nil:
				sent = true
			case !errors.Is(err, errBackpressure):
				return err
			}
		}
		progressed, err := c.pollCompletion()
		if err != nil {
			return err
		}
		if clock.Expired(c.clock, c.deadline) {
			return c.fail(ReasonTimeout, errors.New("peer sent no cursor buffers"))
		}
		if !progressed {
			c.clock.Sleep(c.interval)
		}
	}
	c.logger.Info("cursor handshake complete")
	return nil
}

// startFrame waits for the cursor handshake.
func (s *Session) startFrame(ctx context.Context) error {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return nil
	}
	s.frame.refresh()
	s.frame.lastSend = s.frame.clock.Now()
	return nil
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesForwarded: s.stats.framesForwarded.Load(),
		FramesDeferred:  s.stats.framesDeferred.Load(),
		FramesDiscarded: s.stats.framesDiscarded.Load(),
		CursorUpdates:   s.stats.cursorUpdates.Load(),
		CursorDiscarded: s.stats.cursorDiscarded.Load(),
		ShapesDropped:   s.stats.shapesDropped.Load(),
		AlignsForwarded: s.stats.alignsForwarded.Load(),
		DoubleReleases:  s.pool.DoubleReleases(),
		DoubleReclaims:  s.cursorPipeline.table.DoubleReclaims() + s.framePipeline.table.DoubleReclaims(),
	}
}

// hostInfo builds the viewer-facing description of the ring session.
func hostInfo(name string, session ring.SessionInfo) protocol.HostInfo {
	info := protocol.HostInfo{
		RelayName:   name,
		Proxied:     true,
		HostVersion: session.HostVersion,
		Features:    session.Features,
	}
	if vm := session.VM; vm != nil {
		info.VM = &protocol.VMInfo{
			UUID:          vm.UUID.String(),
			CaptureMethod: vm.CaptureMethod,
			CPUs:          vm.CPUs,
			Cores:         vm.Cores,
			Sockets:       vm.Sockets,
			CPUModel:      vm.CPUModel,
		}
	}
	if guest := session.OS; guest != nil {
		info.OS = &protocol.OSInfo{ID: guest.ID, Name: guest.Name}
	}
	return info
}
