// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package slotpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// MaxRegions is the number of regions a Pool can hold. Tags range over
// [0, MaxRegions).
const MaxRegions = 8

// Tag names a region within a Pool.
type Tag uint8

// Handle identifies one slot in completion events. The zero Handle is
// never issued.
type Handle uint32

// ErrNoneFree is returned by Lock when every slot in the region is held.
var ErrNoneFree = errors.New("slotpool: no free slot")

// Pool is a set of slot regions. The zero value is ready for Allocate.
type Pool struct {
	// Logger receives double-release warnings. Nil uses slog.Default().
	Logger *slog.Logger

	regions [MaxRegions]*region

	// handles maps Handle-1 to the slot it was issued for.
	handles []slotReference

	doubleReleases atomic.Uint64
}

type region struct {
	name     string
	slotSize int
	memory   []byte
	slots    []slot
}

type slot struct {
	locked    atomic.Bool
	handle    Handle
	extension any
}

type slotReference struct {
	tag   Tag
	index int
}

func (p *Pool) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Allocate creates region tag with slotCount slots of slotSize bytes.
// A slotSize of zero is valid: such a region only tracks in-flight
// operations whose payload lives elsewhere (frame writes read straight
// from shared memory). Allocate must complete before the pool is used
// concurrently.
func (p *Pool) Allocate(tag Tag, name string, slotSize, slotCount int) error {
	if int(tag) >= MaxRegions {
		return fmt.Errorf("slotpool: tag %d out of range (max %d)", tag, MaxRegions-1)
	}
	if p.regions[tag] != nil {
		return fmt.Errorf("slotpool: tag %d already allocated as %q", tag, p.regions[tag].name)
	}
	if slotSize < 0 || slotCount <= 0 {
		return fmt.Errorf("slotpool: invalid geometry for %q: %d slots of %d bytes", name, slotCount, slotSize)
	}

	allocated := &region{
		name:     name,
		slotSize: slotSize,
		memory:   make([]byte, slotSize*slotCount),
		slots:    make([]slot, slotCount),
	}
	for index := range allocated.slots {
		p.handles = append(p.handles, slotReference{tag: tag, index: index})
		allocated.slots[index].handle = Handle(len(p.handles))
	}
	p.regions[tag] = allocated
	return nil
}

func (p *Pool) region(tag Tag) *region {
	if int(tag) >= MaxRegions || p.regions[tag] == nil {
		panic(fmt.Sprintf("slotpool: tag %d is not allocated", tag))
	}
	return p.regions[tag]
}

func (r *region) slot(index int) *slot {
	if index < 0 || index >= len(r.slots) {
		panic(fmt.Sprintf("slotpool: index %d out of range for region %q (%d slots)", index, r.name, len(r.slots)))
	}
	return &r.slots[index]
}

// Lock claims the first free slot in region tag and returns its index,
// or ErrNoneFree.
func (p *Pool) Lock(tag Tag) (int, error) {
	r := p.region(tag)
	for index := range r.slots {
		if r.slots[index].locked.CompareAndSwap(false, true) {
			return index, nil
		}
	}
	return -1, ErrNoneFree
}

// LockIndex claims a specific slot. It reports false if the slot is
// already held.
func (p *Pool) LockIndex(tag Tag, index int) bool {
	return p.region(tag).slot(index).locked.CompareAndSwap(false, true)
}

// Unlock releases a slot. Releasing a free slot leaves it free and logs
// a warning: it means an operation's completion was handled twice.
func (p *Pool) Unlock(tag Tag, index int) {
	r := p.region(tag)
	if r.slot(index).locked.CompareAndSwap(true, false) {
		return
	}
	p.doubleReleases.Add(1)
	p.logger().Warn("slot released while already free",
		"region", r.name,
		"index", index,
	)
}

// UnlockAll releases every held slot in region tag and returns how many
// were held. Used when a channel unwinds and no completion will arrive.
func (p *Pool) UnlockAll(tag Tag) int {
	r := p.region(tag)
	released := 0
	for index := range r.slots {
		if r.slots[index].locked.CompareAndSwap(true, false) {
			released++
		}
	}
	return released
}

// Locked reports whether a slot is held.
func (p *Pool) Locked(tag Tag, index int) bool {
	return p.region(tag).slot(index).locked.Load()
}

// InUse returns the number of held slots in region tag.
func (p *Pool) InUse(tag Tag) int {
	r := p.region(tag)
	count := 0
	for index := range r.slots {
		if r.slots[index].locked.Load() {
			count++
		}
	}
	return count
}

// Buffer returns the memory of one slot. Its capacity is limited to
// the slot so appends cannot spill into the neighbor.
func (p *Pool) Buffer(tag Tag, index int) []byte {
	r := p.region(tag)
	r.slot(index)
	start := index * r.slotSize
	end := start + r.slotSize
	return r.memory[start:end:end]
}

// AttachExtension gives every slot in region tag its own value from
// newExtension. Call it after Allocate and before use.
func (p *Pool) AttachExtension(tag Tag, newExtension func() any) {
	r := p.region(tag)
	for index := range r.slots {
		r.slots[index].extension = newExtension()
	}
}

// Extension returns the value attached to a slot, or nil.
func (p *Pool) Extension(tag Tag, index int) any {
	return p.region(tag).slot(index).extension
}

// Handle returns the completion handle of a slot.
func (p *Pool) Handle(tag Tag, index int) Handle {
	return p.region(tag).slot(index).handle
}

// Resolve maps a completion handle back to its slot. An unknown handle
// means a completion arrived for an operation this pool never issued,
// and panics.
func (p *Pool) Resolve(handle Handle) (Tag, int) {
	if handle == 0 || int(handle) > len(p.handles) {
		panic(fmt.Sprintf("slotpool: unknown completion handle %d", handle))
	}
	reference := p.handles[handle-1]
	return reference.tag, reference.index
}

// Name returns the name region tag was allocated with.
func (p *Pool) Name(tag Tag) string { return p.region(tag).name }

// SlotCount returns the number of slots in region tag.
func (p *Pool) SlotCount(tag Tag) int { return len(p.region(tag).slots) }

// SlotSize returns the byte size of each slot in region tag.
func (p *Pool) SlotSize(tag Tag) int { return p.region(tag).slotSize }

// Allocated reports whether region tag exists.
func (p *Pool) Allocated(tag Tag) bool {
	return int(tag) < MaxRegions && p.regions[tag] != nil
}

// DoubleReleases returns how many times Unlock found a slot already
// free.
func (p *Pool) DoubleReleases() uint64 { return p.doubleReleases.Load() }

// AlignUp rounds size up to a multiple of alignment, which must be a
// power of two.
func AlignUp(size, alignment int) int {
	return (size + alignment - 1) &^ (alignment - 1)
}
