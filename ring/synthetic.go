// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ring

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/framerelay/lib/clock"
	"github.com/bureau-foundation/framerelay/lib/slotpool"
)

const (
	syntheticPage        = 4096
	syntheticCursorSize  = 32
	syntheticShapeEvery  = 30
	syntheticFrameSlots  = FrameQueueLength + 1
	syntheticCursorSlots = PointerQueueLength + 1
)

// SyntheticConfig configures a Synthetic producer.
type SyntheticConfig struct {
	Width  int
	Height int

	// FPS is the frame rate Run produces. Defaults to 30.
	FPS int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Synthetic is a capture host that renders a moving test pattern and
// a circling cursor into a [MemoryHost].
type Synthetic struct {
	config SyntheticConfig
	host   *MemoryHost
	clock  clock.Clock
	logger *slog.Logger

	frameSlotSize  int
	cursorSlotSize int
	cursorBase     int

	frameIndex  int
	cursorIndex int
	serial      uint32
	x, y        int32

	frames  atomic.Uint64
	dropped atomic.Uint64
}

func syntheticFrameSlotSize(width, height int) int {
	return slotpool.AlignUp(FrameRecordLength+FramebufferHeaderLength+width*4*height, syntheticPage)
}

func syntheticCursorSlotSize() int {
	return slotpool.AlignUp(CursorRecordLength+syntheticCursorSize*syntheticCursorSize*4, syntheticPage)
}

// SyntheticRegionSize is the shared-memory size a Synthetic of the
// given dimensions needs.
func SyntheticRegionSize(width, height int) int {
	return syntheticFrameSlots*syntheticFrameSlotSize(width, height) +
		syntheticCursorSlots*syntheticCursorSlotSize()
}

// NewSynthetic lays out region for a width x height BGRA stream and
// returns a producer with a live host session.
func NewSynthetic(region []byte, config SyntheticConfig) (*Synthetic, error) {
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("ring: synthetic size %dx%d", config.Width, config.Height)
	}
	if need := SyntheticRegionSize(config.Width, config.Height); len(region) < need {
		return nil, fmt.Errorf("ring: synthetic %dx%d needs %d bytes, region has %d",
			config.Width, config.Height, need, len(region))
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	session := EncodeSession(SessionInfo{
		Version:     SessionVersion,
		HostVersion: "synthetic",
		Features:    FeatureSetCursorPosition,
		VM: &VMInfo{
			UUID:          uuid.New(),
			CaptureMethod: "synthetic",
			CPUs:          1,
			Cores:         1,
			Sockets:       1,
			CPUModel:      "synthetic",
		},
		OS: &OSInfo{ID: 0, Name: "synthetic"},
	})
	host := NewMemoryHost(region, session)
	host.AddQueue(QueueFrame, FrameQueueLength)
	host.AddQueue(QueuePointer, PointerQueueLength)

	frameSlotSize := syntheticFrameSlotSize(config.Width, config.Height)
	return &Synthetic{
		config:         config,
		host:           host,
		clock:          config.Clock,
		logger:         config.Logger,
		frameSlotSize:  frameSlotSize,
		cursorSlotSize: syntheticCursorSlotSize(),
		cursorBase:     syntheticFrameSlots * frameSlotSize,
		x:              int32(config.Width / 2),
		y:              int32(config.Height / 2),
	}, nil
}

// Host returns the host the producer posts to.
func (s *Synthetic) Host() *MemoryHost {
	return s.host
}

// Frames is the number of frames posted.
func (s *Synthetic) Frames() uint64 {
	return s.frames.Load()
}

// Dropped is the number of frames skipped because the frame queue was
// full.
func (s *Synthetic) Dropped() uint64 {
	return s.dropped.Load()
}

// Run produces frames until ctx is cancelled.
func (s *Synthetic) Run(ctx context.Context) error {
	period := time.Second / time.Duration(s.config.FPS)
	s.logger.Info("synthetic capture starting",
		"width", s.config.Width,
		"height", s.config.Height,
		"fps", s.config.FPS,
	)
	defer func() {
		s.logger.Info("synthetic capture stopped", "frames", s.Frames(), "dropped", s.Dropped())
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(period):
			if err := s.Step(); err != nil {
				return err
			}
		}
	}
}

// Step applies cursor moves the client requested, then posts one frame
// and one cursor update.
func (s *Synthetic) Step() error {
	for _, message := range s.host.DrainReceived() {
		x, y, err := DecodeSetCursorPosition(message)
		if err != nil {
			s.logger.Warn("synthetic host ignoring client message", "error", err)
			continue
		}
		s.x, s.y = x, y
	}
	if err := s.postFrame(); err != nil {
		return err
	}
	return s.postCursor()
}

func (s *Synthetic) postFrame() error {
	offset := s.frameIndex * s.frameSlotSize
	slot := s.host.Region()[offset : offset+s.frameSlotSize]
	pitch := s.config.Width * 4
	record := FrameRecord{
		FormatVersion: 1,
		Serial:        s.serial + 1,
		Type:          FrameTypeBGRA,
		ScreenWidth:   uint32(s.config.Width),
		ScreenHeight:  uint32(s.config.Height),
		DataWidth:     uint32(s.config.Width),
		DataHeight:    uint32(s.config.Height),
		FrameWidth:    uint32(s.config.Width),
		FrameHeight:   uint32(s.config.Height),
		Rotation:      Rotation0,
		Stride:        uint32(s.config.Width),
		Pitch:         uint32(pitch),
		Offset:        FrameRecordLength,
	}
	EncodeFrame(slot, record)
	pixels := slot[FrameRecordLength+FramebufferHeaderLength:]
	shift := byte(record.Serial)
	for row := range s.config.Height {
		line := pixels[row*pitch : (row+1)*pitch]
		for column := range s.config.Width {
			pixel := line[column*4 : column*4+4]
			pixel[0] = byte(column) + shift
			pixel[1] = byte(row) + shift
			pixel[2] = shift
			pixel[3] = 0xff
		}
	}

	posted, err := s.host.Post(QueueFrame, offset, s.frameSlotSize, 0)
	if err != nil {
		return err
	}
	if !posted {
		s.dropped.Add(1)
		return nil
	}
	s.serial++
	s.frames.Add(1)
	s.frameIndex = (s.frameIndex + 1) % syntheticFrameSlots
	return nil
}

func (s *Synthetic) postCursor() error {
	offset := s.cursorBase + s.cursorIndex*s.cursorSlotSize
	slot := s.host.Region()[offset : offset+s.cursorSlotSize]

	s.x = (s.x + 1) % int32(s.config.Width)
	flags := CursorFlagPosition | CursorFlagVisible
	record := CursorRecord{X: int16(s.x), Y: int16(s.y)}
	if s.serial%syntheticShapeEvery == 1 {
		flags |= CursorFlagShape
		record.Type = CursorTypeColor
		record.Width = syntheticCursorSize
		record.Height = syntheticCursorSize
		record.Pitch = syntheticCursorSize * 4
		shape := slot[CursorRecordLength : CursorRecordLength+record.ShapeLength()]
		for i := range shape {
			shape[i] = byte(i) ^ byte(s.serial)
		}
	}
	EncodeCursor(slot, record)

	posted, err := s.host.Post(QueuePointer, offset, s.cursorSlotSize, flags)
	if err != nil {
		return err
	}
	if posted {
		s.cursorIndex = (s.cursorIndex + 1) % syntheticCursorSlots
	}
	return nil
}
