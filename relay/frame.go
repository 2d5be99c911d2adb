// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/framerelay/fabric"
	"github.com/bureau-foundation/framerelay/lib/slotpool"
	"github.com/bureau-foundation/framerelay/protocol"
	"github.com/bureau-foundation/framerelay/ring"
)

// framePendingLength bounds frame metadata waiting to be sent.
const framePendingLength = 2

// frameWrite is the extension of a TagFrameWrite slot: the frame a
// one-sided write is carrying and the remote buffer it targets.
type frameWrite struct {
	remote int
	record ring.FrameRecord
}

// framePipeline writes frame textures straight from ring memory into
// the peer's frame buffers. A ring message is acknowledged only once
// its write has completed, so at most one frame is in flight.
type framePipeline struct {
	c       *channel
	stats   *counters
	table   RemoteTable
	pending *Pending[protocol.FrameMetadata]

	// held is a ring message that could not be written yet for lack
	// of a remote buffer, write slot or send queue space.
	held   *ring.Message
	writes int
	serial uint32

	awaitingBuffers bool
}

func newFramePipeline(c *channel, stats *counters) *framePipeline {
	p := &framePipeline{
		c:               c,
		stats:           stats,
		pending:         NewPending[protocol.FrameMetadata](framePendingLength),
		awaitingBuffers: true,
	}
	p.table.Logger = c.logger
	return p
}

func (p *framePipeline) handle(message protocol.Message) error {
	switch m := message.(type) {
	case protocol.ClientBuffers:
		if m.Kind != protocol.BufferKindFrame || !p.awaitingBuffers {
			return fmt.Errorf("%w: unexpected %s", errProtocol, m.Type())
		}
		if err := p.table.Import(m); err != nil {
			return err
		}
		p.awaitingBuffers = false
		p.c.logger.Info("frame buffers imported", "count", p.table.Len(), "max_length", p.table.MaxLength())
		return nil
	case protocol.ClientAck:
		if m.Kind != protocol.BufferKindFrame {
			return fmt.Errorf("%w: %s acknowledgement on the frame channel", errProtocol, m.Kind)
		}
		p.c.implicitResume()
		return p.table.Reclaim(m.Indices)
	case protocol.CursorAlign:
		p.c.implicitResume()
		return nil
	default:
		return fmt.Errorf("%w: unexpected %s", errProtocol, message.Type())
	}
}

// acknowledge hands the delivered ring message back to the host.
func (p *framePipeline) acknowledge() {
	if err := p.c.bridge.Acknowledge(); err != nil && !errors.Is(err, ring.ErrNothingPending) {
		p.c.logger.Debug("frame acknowledge failed", "error", err)
	}
}

func (p *framePipeline) poll() (bool, error) {
	if p.writes > 0 {
		return false, nil
	}
	if !p.c.bridge.Connected() {
		p.held = nil
		return false, nil
	}

	message := p.held
	p.held = nil
	if message == nil {
		next, ok, err := p.c.bridge.TryNext()
		if err != nil {
			return false, p.c.fail(ReasonVersion, err)
		}
		if !ok {
			return false, nil
		}
		message = &next
	}

	if p.c.paused() || !p.table.Imported() {
		p.acknowledge()
		p.stats.framesDiscarded.Add(1)
		return true, nil
	}

	err := p.write(*message)
	if errors.Is(err, errBackpressure) {
		p.held = message
		return false, nil
	}
	return err == nil, err
}

// write issues the one-sided write of message's texture.
func (p *framePipeline) write(message ring.Message) error {
	record, err := ring.DecodeFrame(message.Data)
	if err == nil {
		var texture []byte
		texture, err = record.Texture(message.Data)
		if err == nil && uint64(len(texture)) > p.table.MaxLength() {
			err = fmt.Errorf("%d-byte frame exceeds the %d-byte remote buffer", len(texture), p.table.MaxLength())
		}
		if err == nil {
			return p.issue(record, texture)
		}
	}
	p.c.logger.Warn("dropping unusable frame", "error", err)
	p.acknowledge()
	p.stats.framesDiscarded.Add(1)
	return nil
}

func (p *framePipeline) issue(record ring.FrameRecord, texture []byte) error {
	remote, err := p.table.Lock()
	if err != nil {
		p.stats.framesDeferred.Add(1)
		return errBackpressure
	}
	slot, err := p.c.pool.Lock(TagFrameWrite)
	if err != nil {
		p.table.Unlock(remote)
		p.stats.framesDeferred.Add(1)
		return errBackpressure
	}
	write := p.c.pool.Extension(TagFrameWrite, slot).(*frameWrite)
	write.remote = remote
	write.record = record

	err = p.c.endpoint.Write(texture, p.table.Region(), p.table.Offset(remote), p.c.pool.Handle(TagFrameWrite, slot))
	if err != nil {
		p.table.Unlock(remote)
		p.c.pool.Unlock(TagFrameWrite, slot)
		if errors.Is(err, fabric.ErrWouldBlock) {
			p.stats.framesDeferred.Add(1)
			return errBackpressure
		}
		return p.c.fail(ReasonFabric, err)
	}
	p.writes++
	p.c.wrote()
	return nil
}

func (p *framePipeline) complete(tag slotpool.Tag, index int, completion fabric.Completion) error {
	if tag != TagFrameWrite {
		panic(fmt.Sprintf("relay: frame channel got a completion for tag %d", tag))
	}
	write := *p.c.pool.Extension(TagFrameWrite, index).(*frameWrite)
	p.writes--
	p.c.pool.Unlock(TagFrameWrite, index)

	// The write is finished with ring memory either way.
	p.acknowledge()

	if completion.Err != nil {
		p.table.Unlock(write.remote)
		if errors.Is(completion.Err, errShuttingDown) {
			return nil
		}
		return p.c.fail(ReasonFabric, completion.Err)
	}
	if p.c.paused() {
		p.table.Unlock(write.remote)
		return nil
	}

	p.serial++
	metadata := protocol.FrameMetadata{
		Buffer:   int8(write.remote),
		Serial:   p.serial,
		Width:    write.record.DataWidth,
		Height:   write.record.DataHeight,
		RowBytes: write.record.Pitch,
		Format:   uint32(write.record.Type),
		Rotation: uint32(write.record.Rotation),
		Flags:    write.record.Flags,
	}
	if old, evicted := p.pending.Push(metadata); evicted {
		p.table.Unlock(int(old.Buffer))
		p.c.logger.Debug("frame metadata overflow, dropped oldest", "serial", old.Serial)
	}
	return nil
}

func (p *framePipeline) drain() (bool, error) {
	if p.c.paused() {
		return false, nil
	}
	progressed := false
	for {
		metadata, ok := p.pending.Peek()
		if !ok {
			return progressed, nil
		}
		if _, err := p.c.send(metadata); err != nil {
			if errors.Is(err, errBackpressure) {
				return progressed, nil
			}
			return progressed, err
		}
		p.pending.Pop()
		p.stats.framesForwarded.Add(1)
		progressed = true
	}
}

// inFlight reports whether a one-sided write targets remote buffer
// index.
func (p *framePipeline) inFlight(index int) bool {
	for slot := range p.c.pool.SlotCount(TagFrameWrite) {
		if p.c.pool.Locked(TagFrameWrite, slot) && p.c.pool.Extension(TagFrameWrite, slot).(*frameWrite).remote == index {
			return true
		}
	}
	return false
}

// discard drops queued frames while paused and returns every remote
// index that no in-flight write targets to the free pool without
// waiting for the viewer's CLIENT_ACK. A paused viewer is not reading
// those buffers, and the next frame after RESUME may use any of them.
func (p *framePipeline) discard() {
	p.pending.Clear(func(metadata protocol.FrameMetadata) {
		p.table.Unlock(int(metadata.Buffer))
	})
	if p.table.Imported() {
		p.table.ReleaseExcept(p.inFlight)
	}
	if p.held != nil {
		p.held = nil
		p.acknowledge()
		p.stats.framesDiscarded.Add(1)
	}
}

func (p *framePipeline) busy() bool {
	return p.writes > 0
}

func (p *framePipeline) release() {
	p.pending.Clear(nil)
	p.table.ReleaseAll()
	p.c.pool.UnlockAll(TagFrameWrite)
	p.writes = 0
	p.held = nil
	if p.c.bridge.Pending() {
		p.acknowledge()
	}
}
