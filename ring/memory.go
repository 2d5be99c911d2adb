// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ring

import (
	"fmt"
	"sync"
)

// MemoryHost is an in-process ring host over a byte region. Each queue
// supports a single subscriber; a message stays queued until that
// subscriber acknowledges it. Posting to a queue with no subscriber
// drops the message, as the capture host does.
//
// All methods are safe for concurrent use.
type MemoryHost struct {
	mu sync.Mutex

	region   []byte
	userData []byte
	session  uint32
	live     bool

	incompatible bool
	initFailures []Status
	corrupt      map[uint32]bool

	queues map[uint32]*memoryQueue

	received     [][]byte
	receiveLimit int
}

type memoryQueue struct {
	length     int
	messages   []Message
	subscriber *memoryClient
}

// NewMemoryHost returns a live host over region publishing userData
// as its session data.
func NewMemoryHost(region []byte, userData []byte) *MemoryHost {
	return &MemoryHost{
		region:       region,
		userData:     userData,
		session:      1,
		live:         true,
		corrupt:      make(map[uint32]bool),
		queues:       make(map[uint32]*memoryQueue),
		receiveLimit: 64,
	}
}

// AddQueue creates a queue holding at most length messages.
func (h *MemoryHost) AddQueue(id uint32, length int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queues[id] = &memoryQueue{length: length}
}

// Region returns the shared region.
func (h *MemoryHost) Region() []byte {
	return h.region
}

// Post queues the region bytes [offset, offset+size) on queue. It
// returns false if the queue is full; the caller keeps the memory.
func (h *MemoryHost) Post(queue uint32, offset, size int, userData uint32) (bool, error) {
	if offset < 0 || size < 0 || offset+size > len(h.region) {
		return false, fmt.Errorf("ring: message [%d, %d) outside %d-byte region", offset, offset+size, len(h.region))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[queue]
	if !ok {
		return false, fmt.Errorf("ring: no queue %d", queue)
	}
	if q.subscriber == nil {
		return true, nil
	}
	if len(q.messages) >= q.length {
		return false, nil
	}
	end := offset + size
	q.messages = append(q.messages, Message{
		UserData: userData,
		Offset:   offset,
		Data:     h.region[offset:end:end],
	})
	return true, nil
}

// Pending is the number of unacknowledged messages on queue.
func (h *MemoryHost) Pending(queue uint32) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if q, ok := h.queues[queue]; ok {
		return len(q.messages)
	}
	return 0
}

// Subscribed reports whether queue has a subscriber.
func (h *MemoryHost) Subscribed(queue uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[queue]
	return ok && q.subscriber != nil
}

// Restart starts a new session, invalidating every attached client
// and discarding queued messages.
func (h *MemoryHost) Restart() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session++
	h.live = true
	h.resetQueues()
}

// Stop ends the session without starting a new one. Init reports
// StatusNoSession until Restart.
func (h *MemoryHost) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live = false
	h.resetQueues()
}

func (h *MemoryHost) resetQueues() {
	for _, q := range h.queues {
		q.messages = nil
		q.subscriber = nil
	}
}

// FailInit makes the next Init calls return statuses, in order.
func (h *MemoryHost) FailInit(statuses ...Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initFailures = append(h.initFailures, statuses...)
}

// SetIncompatible makes every Init report StatusInvalidVersion.
func (h *MemoryHost) SetIncompatible(incompatible bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.incompatible = incompatible
}

// Corrupt makes the next Process on queue report StatusCorrupted.
func (h *MemoryHost) Corrupt(queue uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.corrupt[queue] = true
}

// Received returns copies of the messages clients have sent.
func (h *MemoryHost) Received() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.received))
	copy(out, h.received)
	return out
}

// DrainReceived returns and clears the messages clients have sent.
func (h *MemoryHost) DrainReceived() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.received
	h.received = nil
	return out
}

// Open returns a new, unattached client. It matches
// [BridgeConfig.Open].
func (h *MemoryHost) Open() Client {
	return &memoryClient{host: h}
}

type memoryClient struct {
	host     *MemoryHost
	session  uint32
	attached bool
	closed   bool
}

func (c *memoryClient) Init() ([]byte, Status) {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return nil, StatusNoSession
	}
	if len(h.initFailures) > 0 {
		status := h.initFailures[0]
		h.initFailures = h.initFailures[1:]
		return nil, status
	}
	if h.incompatible {
		return nil, StatusInvalidVersion
	}
	if !h.live {
		return nil, StatusNoSession
	}
	c.session = h.session
	c.attached = true
	data := make([]byte, len(h.userData))
	copy(data, h.userData)
	return data, StatusOK
}

// valid must be called with the host lock held.
func (c *memoryClient) valid() bool {
	h := c.host
	return c.attached && !c.closed && h.live && c.session == h.session
}

func (c *memoryClient) SessionValid() bool {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	return c.valid()
}

func (c *memoryClient) Subscribe(queue uint32) Status {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.valid() {
		return StatusInvalidSession
	}
	q, ok := h.queues[queue]
	if !ok {
		return StatusNoSuchQueue
	}
	q.subscriber = c
	return StatusOK
}

// queue returns the queue c is subscribed to, or a failure status.
// Must be called with the host lock held.
func (c *memoryClient) queue(id uint32) (*memoryQueue, Status) {
	h := c.host
	if !c.valid() {
		return nil, StatusInvalidSession
	}
	q, ok := h.queues[id]
	if !ok || q.subscriber != c {
		return nil, StatusNoSuchQueue
	}
	return q, StatusOK
}

func (c *memoryClient) Process(id uint32) (Message, Status) {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	q, status := c.queue(id)
	if status != StatusOK {
		return Message{}, status
	}
	if h.corrupt[id] {
		delete(h.corrupt, id)
		return Message{}, StatusCorrupted
	}
	if len(q.messages) == 0 {
		return Message{}, StatusQueueEmpty
	}
	return q.messages[0], StatusOK
}

func (c *memoryClient) MessageDone(id uint32) Status {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	q, status := c.queue(id)
	if status != StatusOK {
		return status
	}
	if len(q.messages) == 0 {
		return StatusQueueEmpty
	}
	q.messages[0] = Message{}
	q.messages = q.messages[1:]
	return StatusOK
}

func (c *memoryClient) Send(data []byte) Status {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.valid() {
		return StatusInvalidSession
	}
	if len(h.received) >= h.receiveLimit {
		return StatusQueueFull
	}
	message := make([]byte, len(data))
	copy(message, data)
	h.received = append(h.received, message)
	return StatusOK
}

func (c *memoryClient) Close() {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range h.queues {
		if q.subscriber == c {
			q.subscriber = nil
			q.messages = nil
		}
	}
	c.closed = true
}
