// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/framerelay/fabric"
	"github.com/bureau-foundation/framerelay/lib/clock"
	"github.com/bureau-foundation/framerelay/lib/slotpool"
	"github.com/bureau-foundation/framerelay/protocol"
	"github.com/bureau-foundation/framerelay/ring"
)

// pipeline is the data path of one channel: what it forwards from the
// ring and how it reacts to the peer's data messages.
type pipeline interface {
	// handle processes a data message from the peer. A returned error
	// is a protocol violation.
	handle(message protocol.Message) error

	// complete processes a completion for one of the pipeline's own
	// slot tags.
	complete(tag slotpool.Tag, index int, completion fabric.Completion) error

	// drain forwards pending entries to the peer.
	drain() (bool, error)

	// poll consumes at most one ring message.
	poll() (bool, error)

	// discard drops queued work while the channel is paused.
	discard()

	// busy reports whether one-sided writes are in flight.
	busy() bool

	// release frees every slot and remote buffer the pipeline holds.
	release()
}

// channel runs the loop shared by both streams: receive posting,
// control messages, the pause handshake, completion routing and
// liveness. The pipeline supplies the data path.
type channel struct {
	id       Channel
	session  *Session
	endpoint fabric.Endpoint
	pool     *slotpool.Pool
	control  *Control
	bridge   *ring.Bridge
	clock    clock.Clock
	logger   *slog.Logger

	receiveTag  slotpool.Tag
	transmitTag slotpool.Tag

	interval  time.Duration
	timeout   time.Duration
	keepalive time.Duration

	deadline time.Time
	lastSend time.Time

	// Transmit slots carrying an unconfirmed PAUSE or RESUME, or -1.
	pauseSlot  int
	resumeSlot int

	pipeline pipeline
}

func (c *channel) paused() bool {
	return c.control.State(c.id).Paused()
}

// fail records a terminal condition for the session and returns it.
func (c *channel) fail(reason Reason, err error) *ChannelError {
	channelErr := &ChannelError{Channel: c.id, Reason: reason, Err: err}
	c.session.stop(channelErr)
	return channelErr
}

// refresh pushes the liveness deadline out by one timeout.
func (c *channel) refresh() {
	c.deadline = clock.Deadline(c.clock, c.timeout)
}

// run drives the channel until exit is raised or the channel fails.
func (c *channel) run(ctx context.Context) error {
	c.logger.Info("channel started")
	for {
		if c.control.Exiting() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return c.fail(ReasonLocalExit, err)
		}
		progressed, err := c.step()
		if err != nil {
			return err
		}
		if !progressed {
			c.clock.Sleep(c.interval)
		}
	}
}

// step is one loop iteration. It reports whether anything moved.
func (c *channel) step() (bool, error) {
	if err := c.bridge.EnsureConnected(); err != nil {
		return false, c.fail(ReasonVersion, err)
	}
	if err := c.postReceives(); err != nil {
		return false, err
	}
	if err := c.applyPause(); err != nil {
		return false, err
	}
	completed, err := c.pollCompletion()
	if err != nil {
		return false, err
	}
	if c.control.Exiting() {
		return completed, nil
	}

	if c.paused() {
		c.pipeline.discard()
	}
	drained, err := c.pipeline.drain()
	if err != nil {
		return false, err
	}
	polled, err := c.pipeline.poll()
	if err != nil {
		return false, err
	}

	if clock.Expired(c.clock, c.deadline) {
		return false, c.fail(ReasonTimeout, fmt.Errorf("nothing received for %s", c.timeout))
	}
	if err := c.sendKeepalive(); err != nil {
		return false, err
	}
	return completed || drained || polled, nil
}

// postReceives hands every free receive slot to the endpoint.
func (c *channel) postReceives() error {
	for {
		index, err := c.pool.Lock(c.receiveTag)
		if err != nil {
			return nil
		}
		buffer := c.pool.Buffer(c.receiveTag, index)
		if err := c.endpoint.PostReceive(buffer, c.pool.Handle(c.receiveTag, index)); err != nil {
			c.pool.Unlock(c.receiveTag, index)
			if errors.Is(err, fabric.ErrWouldBlock) {
				return nil
			}
			return c.fail(ReasonFabric, err)
		}
	}
}

// send encodes message into a transmit slot and posts it, returning
// the slot index. Backpressure comes back as errBackpressure and is
// never fatal.
func (c *channel) send(message protocol.Message) (int, error) {
	index, err := c.pool.Lock(c.transmitTag)
	if err != nil {
		return -1, errBackpressure
	}
	buffer := c.pool.Buffer(c.transmitTag, index)
	length, err := protocol.Encode(buffer, message)
	if err != nil {
		c.pool.Unlock(c.transmitTag, index)
		return -1, fmt.Errorf("encoding %s: %w", message.Type(), err)
	}
	if err := c.endpoint.Send(buffer[:length], c.pool.Handle(c.transmitTag, index)); err != nil {
		c.pool.Unlock(c.transmitTag, index)
		if errors.Is(err, fabric.ErrWouldBlock) {
			return -1, errBackpressure
		}
		return -1, c.fail(ReasonFabric, err)
	}
	c.lastSend = c.clock.Now()
	return index, nil
}

// wrote records that a one-sided write was issued.
func (c *channel) wrote() {
	c.lastSend = c.clock.Now()
}

func (c *channel) sendKeepalive() error {
	if c.clock.Now().Sub(c.lastSend) < c.keepalive {
		return nil
	}
	if _, err := c.send(protocol.State{Code: protocol.StateKeepalive}); err != nil && !errors.Is(err, errBackpressure) {
		return err
	}
	return nil
}

// applyPause moves the local pause flags towards the ring's
// connectivity. A pause is only confirmed when its send completes.
func (c *channel) applyPause() error {
	state := c.control.State(c.id)
	if !c.bridge.Connected() {
		if state.Has(LocalPauseSynced) || c.pauseSlot >= 0 {
			return nil
		}
		if c.control.Set(c.id, LocalPauseUnsynced) {
			c.logger.Info("ring not connected, pausing peer")
			c.pipeline.discard()
		}
		index, err := c.send(protocol.State{Code: protocol.StatePause})
		if err != nil {
			if errors.Is(err, errBackpressure) {
				return nil
			}
			return err
		}
		c.pauseSlot = index
		return nil
	}

	if c.pauseSlot >= 0 || c.resumeSlot >= 0 {
		return nil
	}
	switch {
	case state.Has(LocalPauseSynced):
		index, err := c.send(protocol.State{Code: protocol.StateResume})
		if err != nil {
			if errors.Is(err, errBackpressure) {
				return nil
			}
			return err
		}
		c.resumeSlot = index
	case state.Has(LocalPauseUnsynced):
		// The ring came back before the pause went out.
		c.control.Clear(c.id, LocalPauseUnsynced)
	}
	return nil
}

// pollCompletion consumes at most one completion.
func (c *channel) pollCompletion() (bool, error) {
	completion, ok, err := c.endpoint.Poll()
	if err != nil {
		return false, c.fail(ReasonFabric, err)
	}
	if !ok {
		return false, nil
	}
	tag, index := c.pool.Resolve(completion.Handle)
	switch tag {
	case c.receiveTag:
		return true, c.received(index, completion)
	case c.transmitTag:
		return true, c.sent(index, completion)
	default:
		return true, c.pipeline.complete(tag, index, completion)
	}
}

func (c *channel) sent(index int, completion fabric.Completion) error {
	c.pool.Unlock(c.transmitTag, index)
	switch index {
	case c.pauseSlot:
		c.pauseSlot = -1
		if completion.Err == nil && c.control.Transition(c.id, LocalPauseUnsynced, LocalPauseSynced) {
			c.logger.Info("pause confirmed")
		}
	case c.resumeSlot:
		c.resumeSlot = -1
		if completion.Err == nil && c.control.Clear(c.id, localPause) {
			c.logger.Info("resume confirmed")
		}
	}
	if completion.Err != nil {
		return c.fail(ReasonFabric, completion.Err)
	}
	return nil
}

func (c *channel) received(index int, completion fabric.Completion) error {
	defer c.pool.Unlock(c.receiveTag, index)
	if completion.Err != nil {
		return c.fail(ReasonProtocol, completion.Err)
	}
	data := c.pool.Buffer(c.receiveTag, index)[:completion.Length]
	message, err := protocol.Decode(data)
	if err != nil {
		return c.fail(ReasonProtocol, err)
	}
	c.refresh()

	if state, ok := message.(protocol.State); ok {
		return c.handleState(state)
	}
	if err := c.pipeline.handle(message); err != nil {
		var channelErr *ChannelError
		if errors.As(err, &channelErr) {
			return err
		}
		return c.fail(ReasonProtocol, err)
	}
	return nil
}

func (c *channel) handleState(state protocol.State) error {
	switch state.Code {
	case protocol.StateKeepalive:
	case protocol.StatePause:
		if c.control.Set(c.id, RemotePaused) {
			c.logger.Info("peer paused channel")
		}
	case protocol.StateResume:
		if c.control.Clear(c.id, RemotePaused) {
			c.logger.Info("peer resumed channel")
		}
	case protocol.StateDisconnect:
		return c.fail(ReasonPeerDisconnect, nil)
	}
	return nil
}

// implicitResume clears RemotePaused when the peer sends data on a
// channel it paused.
func (c *channel) implicitResume() {
	if c.control.Clear(c.id, RemotePaused) {
		c.logger.Debug("peer resumed channel implicitly")
	}
}

// drainTimeout bounds how long shutdown waits for in-flight
// operations.
func (c *channel) drainTimeout() time.Duration {
	return min(c.timeout, 500*time.Millisecond)
}

// shutdown lets in-flight operations finish, releases every slot and
// remote buffer, and optionally tells the peer the session is over.
func (c *channel) shutdown(notify bool) {
	deadline := clock.Deadline(c.clock, c.drainTimeout())
	c.settle(deadline)
	c.pipeline.release()

	if notify {
		if _, err := c.send(protocol.State{Code: protocol.StateDisconnect}); err == nil {
			c.settle(deadline)
		}
	}

	c.pool.UnlockAll(c.transmitTag)
	c.pool.UnlockAll(c.receiveTag)
	c.pauseSlot, c.resumeSlot = -1, -1
	c.bridge.Close()
	c.logger.Info("channel stopped")
}

// settle polls completions, releasing their slots without acting on
// them, until nothing is in flight or deadline passes.
func (c *channel) settle(deadline time.Time) {
	for c.pool.InUse(c.transmitTag) > 0 || c.pipeline.busy() {
		if clock.Expired(c.clock, deadline) {
			c.logger.Debug("operations still in flight at shutdown")
			return
		}
		completion, ok, err := c.endpoint.Poll()
		if err != nil {
			return
		}
		if !ok {
			c.clock.Sleep(c.interval)
			continue
		}
		tag, index := c.pool.Resolve(completion.Handle)
		switch tag {
		case c.receiveTag, c.transmitTag:
			c.pool.Unlock(tag, index)
		default:
			c.pipeline.complete(tag, index, fabric.Completion{
				Operation: completion.Operation,
				Handle:    completion.Handle,
				Err:       errShuttingDown,
			})
		}
	}
}

// errShuttingDown is passed to pipelines for completions drained at
// shutdown so they release resources without forwarding.
var errShuttingDown = errors.New("relay: shutting down")
