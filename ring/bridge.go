// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/framerelay/lib/clock"
)

var (
	// ErrTimeout means the host did not present a usable session
	// before the init deadline.
	ErrTimeout = errors.New("ring: timed out waiting for host session")

	// ErrNotConnected means the bridge has no live session.
	ErrNotConnected = errors.New("ring: not connected")

	// ErrQueueFull means the host is not draining relay messages.
	ErrQueueFull = errors.New("ring: host queue full")

	// ErrNothingPending means Acknowledge was called with no
	// delivered message outstanding.
	ErrNothingPending = errors.New("ring: no message to acknowledge")
)

const (
	defaultInitTimeout   = 3 * time.Second
	defaultRetryInterval = 10 * time.Millisecond
)

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// Open creates a fresh Client. It is called on first use and after
	// every re-initialization.
	Open func() Client

	// Queue is the queue the bridge subscribes to.
	Queue uint32

	// InitTimeout bounds [Bridge.Init]. Defaults to 3s.
	InitTimeout time.Duration

	// RetryInterval is the pause between Init attempts and the initial
	// reconnect backoff. Defaults to 10ms.
	RetryInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Bridge adapts one ring queue to a relay channel loop. It is not safe
// for concurrent use; each channel owns its own Bridge.
type Bridge struct {
	config BridgeConfig
	clock  clock.Clock
	logger *slog.Logger

	client     Client
	session    SessionInfo
	hasSession bool
	subscribed bool
	delivered  bool

	retryAt time.Time
	backoff time.Duration

	reinitializations int
}

// NewBridge returns a Bridge for config. No session is attached until
// Init or EnsureConnected is called.
func NewBridge(config BridgeConfig) *Bridge {
	if config.InitTimeout <= 0 {
		config.InitTimeout = defaultInitTimeout
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaultRetryInterval
	}
	bridge := &Bridge{
		config: config,
		clock:  config.Clock,
		logger: config.Logger,
	}
	if bridge.clock == nil {
		bridge.clock = clock.Real()
	}
	if bridge.logger == nil {
		bridge.logger = slog.Default()
	}
	bridge.logger = bridge.logger.With("queue", config.Queue)
	bridge.backoff = config.RetryInterval
	return bridge
}

// Init attaches to the host session, retrying until InitTimeout
// elapses. A version mismatch fails immediately.
func (b *Bridge) Init(ctx context.Context) (SessionInfo, error) {
	deadline := clock.Deadline(b.clock, b.config.InitTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return SessionInfo{}, err
		}
		status, err := b.attempt()
		if err != nil {
			return SessionInfo{}, err
		}
		if status == StatusOK {
			return b.session, nil
		}
		if clock.Expired(b.clock, deadline) {
			return SessionInfo{}, fmt.Errorf("%w after %s (last status: %s)", ErrTimeout, b.config.InitTimeout, status)
		}
		b.clock.Sleep(b.config.RetryInterval)
	}
}

// attempt makes one Init call. Retryable failures come back as a
// non-OK status with a nil error.
func (b *Bridge) attempt() (Status, error) {
	if b.client == nil {
		b.client = b.config.Open()
	}
	data, status := b.client.Init()
	switch status {
	case StatusOK:
	case StatusInvalidVersion:
		return status, fmt.Errorf("%w: ring protocol", ErrVersionMismatch)
	default:
		return status, nil
	}

	info, err := ParseSession(data)
	if err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return status, err
		}
		b.logger.Warn("host session data unreadable, retrying", "error", err)
		return StatusInvalidSession, nil
	}
	b.session = info
	b.hasSession = true
	b.subscribed = false
	b.delivered = false
	b.logger.Debug("ring session attached", "host_version", info.HostVersion)
	return StatusOK, nil
}

// EnsureConnected brings the bridge towards a subscribed session
// without blocking: at most one Init attempt and one Subscribe call
// are made per call. Only a version mismatch is returned as an error.
func (b *Bridge) EnsureConnected() error {
	if b.hasSession && !b.client.SessionValid() {
		b.drop("host session ended")
	}
	if !b.hasSession {
		if b.clock.Now().Before(b.retryAt) {
			return nil
		}
		status, err := b.attempt()
		if err != nil {
			return err
		}
		if status != StatusOK {
			b.retryAt = b.clock.Now().Add(b.backoff)
			b.backoff = min(b.backoff*2, b.config.InitTimeout)
			return nil
		}
		b.backoff = b.config.RetryInterval
	}
	if !b.subscribed {
		status := b.client.Subscribe(b.config.Queue)
		switch status {
		case StatusOK:
			b.subscribed = true
			b.logger.Info("subscribed to ring queue")
		case StatusInvalidVersion:
			return fmt.Errorf("%w: subscribing", ErrVersionMismatch)
		case StatusInvalidSession, StatusNoSession:
			b.drop("session invalid on subscribe")
		default:
			b.logger.Debug("ring subscribe failed", "status", status)
		}
	}
	return nil
}

// Connected reports whether the bridge holds a subscribed session.
func (b *Bridge) Connected() bool {
	return b.hasSession && b.subscribed
}

// Session returns the attached session's information.
func (b *Bridge) Session() (SessionInfo, bool) {
	return b.session, b.hasSession
}

// TryNext returns the next message on the queue, if any. A message
// returned by the previous call that was not explicitly acknowledged
// is acknowledged first.
func (b *Bridge) TryNext() (Message, bool, error) {
	if !b.Connected() {
		return Message{}, false, nil
	}
	if b.delivered {
		if err := b.Acknowledge(); err != nil {
			return Message{}, false, nil
		}
	}

	message, status := b.client.Process(b.config.Queue)
	switch status {
	case StatusOK:
		b.delivered = true
		return message, true, nil
	case StatusQueueEmpty:
		return Message{}, false, nil
	case StatusCorrupted:
		b.reinitialize()
		return Message{}, false, nil
	case StatusInvalidVersion:
		return Message{}, false, fmt.Errorf("%w: processing", ErrVersionMismatch)
	case StatusInvalidSession, StatusNoSession:
		b.drop("session invalid on process")
		return Message{}, false, nil
	default:
		b.logger.Debug("ring process failed, resubscribing", "status", status)
		b.subscribed = false
		return Message{}, false, nil
	}
}

// Acknowledge hands the last delivered message back to the host.
func (b *Bridge) Acknowledge() error {
	if !b.delivered {
		return ErrNothingPending
	}
	b.delivered = false
	status := b.client.MessageDone(b.config.Queue)
	switch status {
	case StatusOK:
		return nil
	case StatusCorrupted:
		b.reinitialize()
	case StatusInvalidSession, StatusNoSession:
		b.drop("session invalid on acknowledge")
	default:
		b.logger.Debug("ring acknowledge failed", "status", status)
	}
	return fmt.Errorf("ring: acknowledge: %s", status)
}

// Pending reports whether a delivered message awaits acknowledgement.
func (b *Bridge) Pending() bool {
	return b.delivered
}

// Post sends data to the host.
func (b *Bridge) Post(data []byte) error {
	if !b.hasSession {
		return ErrNotConnected
	}
	switch status := b.client.Send(data); status {
	case StatusOK:
		return nil
	case StatusQueueFull:
		return ErrQueueFull
	default:
		return fmt.Errorf("ring: post: %s", status)
	}
}

// Reinitializations counts sessions torn down after corruption.
func (b *Bridge) Reinitializations() int {
	return b.reinitializations
}

// Close detaches from the host.
func (b *Bridge) Close() {
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	b.hasSession = false
	b.subscribed = false
	b.delivered = false
}

// reinitialize discards the client after the host reported
// corruption. The next EnsureConnected opens a new one, attaches, and
// resubscribes to the same queue.
func (b *Bridge) reinitialize() {
	b.reinitializations++
	b.logger.Warn("ring corrupted, reinitializing session")
	b.Close()
	b.retryAt = time.Time{}
}

func (b *Bridge) drop(reason string) {
	b.logger.Info("ring session lost", "reason", reason)
	b.hasSession = false
	b.subscribed = false
	b.delivered = false
}
