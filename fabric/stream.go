// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/framerelay/lib/netutil"
	"github.com/bureau-foundation/framerelay/lib/slotpool"
)

// Wire framing of one operation on the stream:
//
//	[1 kind] [1 flags] [2 reserved]
//	[4 wire length] [4 raw length] [4 reserved]
//	[8 remote address] [8 key]
//	[wire length bytes of payload] [32-byte digest if flagDigest]
const operationHeaderLength = 32

const (
	kindSend  byte = 1
	kindWrite byte = 2
)

const (
	flagLZ4    byte = 1 << 0
	flagZstd   byte = 1 << 1
	flagDigest byte = 1 << 2
)

// Compression is only attempted for write payloads at least this long.
const compressionThreshold = 512

// Defaults for Options.
const (
	DefaultSendQueueDepth    = 64
	DefaultReceiveQueueDepth = 64
	DefaultMaxPayload        = 64 << 20
)

// Options configures a StreamEndpoint.
type Options struct {
	// Name identifies the endpoint in logs ("frame", "cursor").
	Name string

	// Compression applies to write payloads.
	Compression Compression

	// Integrity appends a blake3 digest to write payloads.
	Integrity bool

	// SendQueueDepth bounds sends and writes not yet polled as
	// complete. Zero uses DefaultSendQueueDepth.
	SendQueueDepth int

	// ReceiveQueueDepth bounds posted receives not yet polled as
	// complete. Zero uses DefaultReceiveQueueDepth.
	ReceiveQueueDepth int

	// MaxPayload bounds a single operation. Zero uses
	// DefaultMaxPayload.
	MaxPayload int

	// Logger receives connection diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// StreamEndpoint is an Endpoint over a reliable byte stream. A writer
// goroutine drains the send queue onto the connection and a reader
// goroutine applies inbound writes and fills posted receives; both
// report to a completion channel that Poll drains.
type StreamEndpoint struct {
	conn    net.Conn
	options Options
	logger  *slog.Logger

	outbound    chan outboundOperation
	receives    chan postedReceive
	completions chan Completion

	// Counts of operations accepted but not yet polled as complete.
	sendsOutstanding    atomic.Int64
	receivesOutstanding atomic.Int64

	exportsMu sync.RWMutex
	exports   map[uint64]exportedRegion
	nextKey   uint64

	done      chan struct{}
	closeOnce sync.Once
	failOnce  sync.Once
	failure   atomic.Pointer[error]
	wg        sync.WaitGroup
}

type outboundOperation struct {
	kind    byte
	payload []byte
	address uint64
	key     uint64
	handle  slotpool.Handle
}

type postedReceive struct {
	buffer []byte
	handle slotpool.Handle
}

type exportedRegion struct {
	base   uint64
	memory []byte
}

// exportBase is the first synthetic base address handed out by Export.
// Each export gets its own 4 GiB window so addresses from different
// regions never overlap.
const exportBase = 1 << 40

var _ Endpoint = (*StreamEndpoint)(nil)

// NewStreamEndpoint starts an endpoint on conn. The endpoint owns conn
// and closes it on Close.
func NewStreamEndpoint(conn net.Conn, options Options) (*StreamEndpoint, error) {
	if options.SendQueueDepth <= 0 {
		options.SendQueueDepth = DefaultSendQueueDepth
	}
	if options.ReceiveQueueDepth <= 0 {
		options.ReceiveQueueDepth = DefaultReceiveQueueDepth
	}
	if options.MaxPayload <= 0 {
		options.MaxPayload = DefaultMaxPayload
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if options.Name != "" {
		logger = logger.With("endpoint", options.Name)
	}

	writerCodec, err := newCodec(options.Compression)
	if err != nil {
		return nil, err
	}

	e := &StreamEndpoint{
		conn:        conn,
		options:     options,
		logger:      logger,
		outbound:    make(chan outboundOperation, options.SendQueueDepth),
		receives:    make(chan postedReceive, options.ReceiveQueueDepth),
		completions: make(chan Completion, options.SendQueueDepth+options.ReceiveQueueDepth),
		exports:     make(map[uint64]exportedRegion),
		done:        make(chan struct{}),
	}

	e.wg.Add(2)
	go e.writeLoop(writerCodec)
	go e.readLoop()
	return e, nil
}

// PostReceive implements Endpoint.
func (e *StreamEndpoint) PostReceive(buffer []byte, handle slotpool.Handle) error {
	if err := e.err(); err != nil {
		return err
	}
	if e.receivesOutstanding.Add(1) > int64(e.options.ReceiveQueueDepth) {
		e.receivesOutstanding.Add(-1)
		return ErrWouldBlock
	}
	e.receives <- postedReceive{buffer: buffer, handle: handle}
	return nil
}

// Send implements Endpoint.
func (e *StreamEndpoint) Send(payload []byte, handle slotpool.Handle) error {
	return e.enqueue(outboundOperation{kind: kindSend, payload: payload, handle: handle})
}

// Write implements Endpoint.
func (e *StreamEndpoint) Write(payload []byte, remote RemoteRegion, offset uint64, handle slotpool.Handle) error {
	if !remote.Contains(offset, uint64(len(payload))) {
		return fmt.Errorf("%w: %d bytes at offset %d of a %d-byte region",
			ErrOutOfBounds, len(payload), offset, remote.Length)
	}
	return e.enqueue(outboundOperation{
		kind:    kindWrite,
		payload: payload,
		address: remote.Base + offset,
		key:     remote.Key,
		handle:  handle,
	})
}

func (e *StreamEndpoint) enqueue(operation outboundOperation) error {
	if err := e.err(); err != nil {
		return err
	}
	if len(operation.payload) > e.options.MaxPayload {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(operation.payload), e.options.MaxPayload)
	}
	if e.sendsOutstanding.Add(1) > int64(e.options.SendQueueDepth) {
		e.sendsOutstanding.Add(-1)
		return ErrWouldBlock
	}
	e.outbound <- operation
	return nil
}

// Poll implements Endpoint.
func (e *StreamEndpoint) Poll() (Completion, bool, error) {
	select {
	case completion := <-e.completions:
		switch completion.Operation {
		case OperationReceive:
			e.receivesOutstanding.Add(-1)
		default:
			e.sendsOutstanding.Add(-1)
		}
		return completion, true, nil
	default:
	}
	if err := e.err(); err != nil {
		return Completion{}, false, err
	}
	return Completion{}, false, nil
}

// Export implements Endpoint.
func (e *StreamEndpoint) Export(buffer []byte) RemoteRegion {
	e.exportsMu.Lock()
	defer e.exportsMu.Unlock()

	e.nextKey++
	key := e.nextKey
	base := uint64(exportBase) + key<<32
	e.exports[key] = exportedRegion{base: base, memory: buffer}
	return RemoteRegion{Base: base, Key: key, Length: uint64(len(buffer))}
}

// Close implements Endpoint. It is safe to call more than once.
func (e *StreamEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.fail(ErrClosed)
		close(e.done)
		err = e.conn.Close()
		e.wg.Wait()
	})
	if netutil.IsExpectedCloseError(err) {
		return nil
	}
	return err
}

// err returns the failure that ended the endpoint, or nil.
func (e *StreamEndpoint) err() error {
	if failure := e.failure.Load(); failure != nil {
		return *failure
	}
	return nil
}

// fail records the first failure and closes the connection so the
// other goroutine unblocks.
func (e *StreamEndpoint) fail(err error) {
	e.failOnce.Do(func() {
		e.failure.Store(&err)
		e.conn.Close()
	})
}

// connectionError classifies an I/O error from the connection.
func (e *StreamEndpoint) connectionError(direction string, err error) error {
	if netutil.IsExpectedCloseError(err) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: %v", ErrClosed, direction, err)
	}
	e.logger.Error("fabric connection failed", "direction", direction, "error", err)
	return fmt.Errorf("fabric: %s: %w", direction, err)
}

func (e *StreamEndpoint) complete(completion Completion) {
	select {
	case e.completions <- completion:
	case <-e.done:
	}
}

func (e *StreamEndpoint) writeLoop(writerCodec *codec) {
	defer e.wg.Done()
	defer writerCodec.close()

	var header [operationHeaderLength]byte
	for {
		var operation outboundOperation
		select {
		case <-e.done:
			return
		case operation = <-e.outbound:
		}

		if err := e.writeOperation(writerCodec, header[:], operation); err != nil {
			if e.err() == nil {
				e.fail(e.connectionError("write", err))
			}
			return
		}

		completion := Completion{Operation: OperationSend, Handle: operation.handle}
		if operation.kind == kindWrite {
			completion.Operation = OperationWrite
		}
		e.complete(completion)
	}
}

func (e *StreamEndpoint) writeOperation(writerCodec *codec, header []byte, operation outboundOperation) error {
	payload := operation.payload
	var flags byte

	if operation.kind == kindWrite && len(payload) >= compressionThreshold {
		compressed, err := writerCodec.compress(payload, e.options.Compression)
		switch {
		case err == nil:
			payload = compressed
			if e.options.Compression == CompressionLZ4 {
				flags |= flagLZ4
			} else {
				flags |= flagZstd
			}
		case !errors.Is(err, errIncompressible):
			return err
		}
	}

	var sum [digestLength]byte
	if operation.kind == kindWrite && e.options.Integrity {
		flags |= flagDigest
		sum = digest(operation.payload)
	}

	clear(header)
	header[0] = operation.kind
	header[1] = flags
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(operation.payload)))
	binary.LittleEndian.PutUint64(header[16:24], operation.address)
	binary.LittleEndian.PutUint64(header[24:32], operation.key)

	buffers := net.Buffers{header, payload}
	if flags&flagDigest != 0 {
		buffers = append(buffers, sum[:])
	}
	_, err := buffers.WriteTo(e.conn)
	return err
}

func (e *StreamEndpoint) readLoop() {
	defer e.wg.Done()

	readerCodec, err := newCodec(CompressionNone)
	if err != nil {
		e.fail(err)
		return
	}
	defer readerCodec.close()

	var header [operationHeaderLength]byte
	for {
		if _, err := io.ReadFull(e.conn, header[:]); err != nil {
			if e.err() == nil {
				e.fail(e.connectionError("read", err))
			}
			return
		}
		if err := e.readOperation(readerCodec, header[:]); err != nil {
			if e.err() == nil {
				e.fail(err)
			}
			return
		}
	}
}

func (e *StreamEndpoint) readOperation(readerCodec *codec, header []byte) error {
	kind := header[0]
	flags := header[1]
	wireLength := int(binary.LittleEndian.Uint32(header[4:8]))
	rawLength := int(binary.LittleEndian.Uint32(header[8:12]))
	address := binary.LittleEndian.Uint64(header[16:24])
	key := binary.LittleEndian.Uint64(header[24:32])

	if rawLength > e.options.MaxPayload || wireLength > e.options.MaxPayload {
		return fmt.Errorf("%w: inbound operation of %d bytes", ErrTooLarge, rawLength)
	}
	compressed := flags&(flagLZ4|flagZstd) != 0
	if !compressed && wireLength != rawLength {
		return fmt.Errorf("fabric: inconsistent operation lengths %d/%d", wireLength, rawLength)
	}

	switch kind {
	case kindSend:
		return e.receiveSend(wireLength)
	case kindWrite:
		return e.receiveWrite(readerCodec, flags, wireLength, rawLength, address, key)
	default:
		return fmt.Errorf("fabric: unknown operation kind %d", kind)
	}
}

func (e *StreamEndpoint) receiveSend(length int) error {
	var receive postedReceive
	select {
	case receive = <-e.receives:
	case <-e.done:
		return ErrClosed
	}

	if length > len(receive.buffer) {
		// Consume the payload so the stream stays framed, then fail
		// only this receive.
		if _, err := io.CopyN(io.Discard, e.conn, int64(length)); err != nil {
			return e.connectionError("read", err)
		}
		e.complete(Completion{
			Operation: OperationReceive,
			Handle:    receive.handle,
			Err:       fmt.Errorf("%w: %d-byte message for a %d-byte receive buffer", ErrTooLarge, length, len(receive.buffer)),
		})
		return nil
	}

	if _, err := io.ReadFull(e.conn, receive.buffer[:length]); err != nil {
		return e.connectionError("read", err)
	}
	e.complete(Completion{Operation: OperationReceive, Handle: receive.handle, Length: length})
	return nil
}

func (e *StreamEndpoint) receiveWrite(readerCodec *codec, flags byte, wireLength, rawLength int, address, key uint64) error {
	e.exportsMu.RLock()
	region, ok := e.exports[key]
	e.exportsMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: write with unknown key %d", ErrOutOfBounds, key)
	}
	if address < region.base || address-region.base > uint64(len(region.memory)) ||
		uint64(rawLength) > uint64(len(region.memory))-(address-region.base) {
		return fmt.Errorf("%w: %d bytes at %#x, region %#x+%d",
			ErrOutOfBounds, rawLength, address, region.base, len(region.memory))
	}
	target := region.memory[address-region.base:][:rawLength]

	// Fast path: nothing to decode or verify, read straight into the
	// exported memory.
	if flags == 0 {
		if _, err := io.ReadFull(e.conn, target); err != nil {
			return e.connectionError("read", err)
		}
		return nil
	}

	readerCodec.scratch = grow(readerCodec.scratch, wireLength)
	if _, err := io.ReadFull(e.conn, readerCodec.scratch); err != nil {
		return e.connectionError("read", err)
	}
	var sum [digestLength]byte
	if flags&flagDigest != 0 {
		if _, err := io.ReadFull(e.conn, sum[:]); err != nil {
			return e.connectionError("read", err)
		}
	}

	// Stage the decoded payload so memory the viewer may be reading is
	// only touched once the payload is known to be intact.
	staged := make([]byte, rawLength)
	switch {
	case flags&flagLZ4 != 0:
		if err := readerCodec.decompress(readerCodec.scratch, CompressionLZ4, staged); err != nil {
			return fmt.Errorf("fabric: %w", err)
		}
	case flags&flagZstd != 0:
		if err := readerCodec.decompress(readerCodec.scratch, CompressionZstd, staged); err != nil {
			return fmt.Errorf("fabric: %w", err)
		}
	default:
		copy(staged, readerCodec.scratch)
	}

	if flags&flagDigest != 0 && digest(staged) != sum {
		return fmt.Errorf("%w: %d bytes at %#x", ErrIntegrity, rawLength, address)
	}
	copy(target, staged)
	return nil
}
