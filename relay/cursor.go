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

// alignPendingLength bounds peer cursor moves waiting for the ring.
const alignPendingLength = 8

// cursorUpdate is one pointer message taken off the ring. When shape
// and remote are set the shape has been copied into that CursorShape
// slot and remote buffer remote is reserved for it.
type cursorUpdate struct {
	record ring.CursorRecord
	flags  uint32
	shape  int
	remote int
	length int
}

func (u cursorUpdate) metadata(buffer int8) protocol.CursorMetadata {
	metadata := protocol.CursorMetadata{
		Buffer: buffer,
		X:      u.record.X,
		Y:      u.record.Y,
		HotX:   u.record.HotX,
		HotY:   u.record.HotY,
		Flags:  u.flags,
	}
	if buffer != protocol.NoBuffer {
		metadata.Format = uint32(u.record.Type)
		metadata.Width = u.record.Width
		metadata.Height = u.record.Height
		metadata.RowBytes = u.record.Pitch
	}
	return metadata
}

type alignRequest struct {
	align  protocol.CursorAlign
	posted bool
}

// cursorPipeline forwards pointer updates. Ring messages are copied
// and acknowledged at once so the pointer queue never backs up; shape
// bytes go out as one-sided writes from CursorShape slots.
type cursorPipeline struct {
	c     *channel
	stats *counters
	table RemoteTable

	updates *Pending[cursorUpdate]
	shapes  *Pending[protocol.CursorMetadata]
	aligns  *Pending[alignRequest]
	writes  int

	awaitingBuffers bool
}

func newCursorPipeline(c *channel, stats *counters) *cursorPipeline {
	p := &cursorPipeline{
		c:               c,
		stats:           stats,
		updates:         NewPending[cursorUpdate](ring.PointerQueueLength + cursorShapeSlots),
		shapes:          NewPending[protocol.CursorMetadata](cursorShapeSlots),
		aligns:          NewPending[alignRequest](alignPendingLength),
		awaitingBuffers: true,
	}
	p.table.Logger = c.logger
	return p
}

func (p *cursorPipeline) handle(message protocol.Message) error {
	switch m := message.(type) {
	case protocol.ClientBuffers:
		if m.Kind != protocol.BufferKindCursor || !p.awaitingBuffers {
			return fmt.Errorf("%w: unexpected %s", errProtocol, m.Type())
		}
		if err := p.table.Import(m); err != nil {
			return err
		}
		p.awaitingBuffers = false
		p.c.logger.Info("cursor buffers imported", "count", p.table.Len(), "max_length", p.table.MaxLength())
		return nil
	case protocol.ClientAck:
		if m.Kind != protocol.BufferKindCursor {
			return fmt.Errorf("%w: %s acknowledgement on the cursor channel", errProtocol, m.Kind)
		}
		p.c.implicitResume()
		return p.table.Reclaim(m.Indices)
	case protocol.CursorAlign:
		p.c.implicitResume()
		if old, evicted := p.aligns.Push(alignRequest{align: m}); evicted {
			p.c.logger.Debug("cursor align overflow, dropped oldest", "x", old.align.X, "y", old.align.Y)
		}
		return nil
	default:
		return fmt.Errorf("%w: unexpected %s", errProtocol, message.Type())
	}
}

func (p *cursorPipeline) acknowledge() {
	if err := p.c.bridge.Acknowledge(); err != nil && !errors.Is(err, ring.ErrNothingPending) {
		p.c.logger.Debug("cursor acknowledge failed", "error", err)
	}
}

func (p *cursorPipeline) poll() (bool, error) {
	message, ok, err := p.c.bridge.TryNext()
	if err != nil {
		return false, p.c.fail(ReasonVersion, err)
	}
	if !ok {
		return false, nil
	}
	defer p.acknowledge()

	if p.c.paused() || !p.table.Imported() {
		p.stats.cursorDiscarded.Add(1)
		return true, nil
	}
	record, err := ring.DecodeCursor(message.Data)
	if err != nil {
		p.c.logger.Warn("dropping unusable cursor update", "error", err)
		p.stats.cursorDiscarded.Add(1)
		return true, nil
	}

	update := cursorUpdate{record: record, flags: message.UserData, shape: -1, remote: -1}
	if update.flags&ring.CursorFlagShape != 0 && !p.captureShape(&update, message.Data) {
		update.flags &^= ring.CursorFlagShape
		p.stats.shapesDropped.Add(1)
	}
	if old, evicted := p.updates.Push(update); evicted {
		p.releaseUpdate(old)
		p.c.logger.Debug("cursor queue overflow, dropped oldest")
	}
	return true, nil
}

// captureShape copies the shape out of ring memory into a CursorShape
// slot and reserves a remote buffer for it. It reports false, holding
// nothing, when the shape cannot be forwarded this time.
func (p *cursorPipeline) captureShape(update *cursorUpdate, data []byte) bool {
	shape, err := update.record.Shape(data)
	if err != nil {
		p.c.logger.Warn("dropping malformed cursor shape", "error", err)
		return false
	}
	if len(shape) > p.c.pool.SlotSize(TagCursorShape) || uint64(len(shape)) > p.table.MaxLength() {
		p.c.logger.Warn("dropping oversized cursor shape", "length", len(shape))
		return false
	}
	slot, err := p.c.pool.Lock(TagCursorShape)
	if err != nil {
		p.c.logger.Debug("no free cursor shape slot")
		return false
	}
	remote, err := p.table.Lock()
	if err != nil {
		p.c.pool.Unlock(TagCursorShape, slot)
		p.c.logger.Debug("no free remote cursor buffer")
		return false
	}
	copy(p.c.pool.Buffer(TagCursorShape, slot), shape)
	update.shape = slot
	update.remote = remote
	update.length = len(shape)
	return true
}

func (p *cursorPipeline) releaseUpdate(update cursorUpdate) {
	if update.shape >= 0 {
		p.c.pool.Unlock(TagCursorShape, update.shape)
	}
	if update.remote >= 0 {
		p.table.Unlock(update.remote)
	}
}

func (p *cursorPipeline) complete(tag slotpool.Tag, index int, completion fabric.Completion) error {
	if tag != TagCursorShape {
		panic(fmt.Sprintf("relay: cursor channel got a completion for tag %d", tag))
	}
	update := *p.c.pool.Extension(TagCursorShape, index).(*cursorUpdate)
	p.writes--
	p.c.pool.Unlock(TagCursorShape, index)

	if completion.Err != nil {
		p.table.Unlock(update.remote)
		if errors.Is(completion.Err, errShuttingDown) {
			return nil
		}
		return p.c.fail(ReasonFabric, completion.Err)
	}
	if p.c.paused() {
		p.table.Unlock(update.remote)
		return nil
	}
	if old, evicted := p.shapes.Push(update.metadata(int8(update.remote))); evicted {
		p.table.Unlock(int(old.Buffer))
	}
	return nil
}

func (p *cursorPipeline) drain() (bool, error) {
	progressed, err := p.drainAligns()
	if err != nil || p.c.paused() {
		return progressed, err
	}

	for {
		metadata, ok := p.shapes.Peek()
		if !ok {
			break
		}
		if _, err := p.c.send(metadata); err != nil {
			if errors.Is(err, errBackpressure) {
				return progressed, nil
			}
			return progressed, err
		}
		p.shapes.Pop()
		p.stats.cursorUpdates.Add(1)
		progressed = true
	}

	for {
		update, ok := p.updates.Peek()
		if !ok {
			return progressed, nil
		}
		var err error
		if update.remote >= 0 {
			err = p.writeShape(update)
		} else {
			// Position-only updates do not wait for an earlier shape
			// write, so the viewer may see this position before that
			// shape's metadata.
			_, err = p.c.send(update.metadata(protocol.NoBuffer))
			if err == nil {
				p.stats.cursorUpdates.Add(1)
			}
		}
		if err != nil {
			if errors.Is(err, errBackpressure) {
				return progressed, nil
			}
			return progressed, err
		}
		p.updates.Pop()
		progressed = true
	}
}

// writeShape issues the one-sided write of a captured shape. Its
// metadata is sent when the write completes.
func (p *cursorPipeline) writeShape(update cursorUpdate) error {
	*p.c.pool.Extension(TagCursorShape, update.shape).(*cursorUpdate) = update
	payload := p.c.pool.Buffer(TagCursorShape, update.shape)[:update.length]
	err := p.c.endpoint.Write(payload, p.table.Region(), p.table.Offset(update.remote),
		p.c.pool.Handle(TagCursorShape, update.shape))
	if err != nil {
		if errors.Is(err, fabric.ErrWouldBlock) {
			return errBackpressure
		}
		return p.c.fail(ReasonFabric, err)
	}
	p.writes++
	p.c.wrote()
	return nil
}

// drainAligns posts the peer's cursor moves to the ring host and
// echoes each accepted move back to the peer.
func (p *cursorPipeline) drainAligns() (bool, error) {
	progressed := false
	for {
		request := p.aligns.Front()
		if request == nil {
			return progressed, nil
		}
		if !request.posted {
			err := p.c.bridge.Post(ring.EncodeSetCursorPosition(request.align.X, request.align.Y))
			switch {
			case err == nil:
				request.posted = true
			case errors.Is(err, ring.ErrQueueFull):
				return progressed, nil
			default:
				p.c.logger.Debug("dropping cursor align", "error", err)
				p.aligns.Pop()
				continue
			}
		}
		if _, err := p.c.send(request.align); err != nil {
			if errors.Is(err, errBackpressure) {
				return progressed, nil
			}
			return progressed, err
		}
		p.aligns.Pop()
		p.stats.alignsForwarded.Add(1)
		progressed = true
	}
}

func (p *cursorPipeline) discard() {
	p.updates.Clear(p.releaseUpdate)
	p.shapes.Clear(func(metadata protocol.CursorMetadata) {
		p.table.Unlock(int(metadata.Buffer))
	})
}

func (p *cursorPipeline) busy() bool {
	return p.writes > 0
}

func (p *cursorPipeline) release() {
	p.updates.Clear(nil)
	p.shapes.Clear(nil)
	p.aligns.Clear(nil)
	p.table.ReleaseAll()
	p.c.pool.UnlockAll(TagCursorShape)
	p.writes = 0
}
