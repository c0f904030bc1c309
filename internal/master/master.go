// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package master implements the Modbus RTU bus serializer: one goroutine
// owns the RS-485 serial port and every other caller talks to it through a
// single, strictly-ordered Request operation.
package master

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/grid-x/serial"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/modbus"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/modbus/crc"
)

// Error kinds returned by Request, matching spec §4.1/§7.
var (
	ErrTimeout         = errors.New("master: request timed out")
	ErrCRCMismatch     = errors.New("master: response crc mismatch")
	ErrShortFrame      = errors.New("master: response frame too short")
	ErrAddressMismatch = errors.New("master: response unit id mismatch")
	ErrBusClosed       = errors.New("master: serial port closed")
)

const (
	rtuMinSize = 4 // unitId + function + crcLo + crcHi
	rtuMaxSize = 256

	// reopenMaxElapsed is the backoff's own elapsed-time cap for reopen.
	reopenMaxElapsed = 0 // no cap: retries end only when the requesting caller's context does
)

// Config describes the physical serial port and its RS-485 timing.
type Config struct {
	Device   string
	BaudRate int
	DataBits int
	Parity   string
	StopBits int

	// RS485 enables half-duplex driver-enable gating via grid-x/serial's
	// built-in RS485 struct rather than hand-toggled GPIO.
	RS485              bool
	DelayRtsBeforeSend time.Duration
	DelayRtsAfterSend  time.Duration
	RtsHighDuringSend  bool
	RtsHighAfterSend   bool
	RxDuringTx         bool

	// OperationalTimeout is the default per-transaction timeout (§6.3
	// MODBUS_TIMEOUT, default 300ms). Discovery calls pass their own
	// shorter timeout explicitly to Request.
	OperationalTimeout time.Duration
}

// Stats is a point-in-time snapshot of the master's counters. Counters are
// readable but never reset by callers, per §4.1.
type Stats struct {
	TX         uint64
	RXOk       uint64
	CRCErrors  uint64
	Timeouts   uint64
	Exceptions uint64
}

type busRequest struct {
	ctx      context.Context
	unitID   byte
	function byte
	payload  []byte
	timeout  time.Duration
	reply    chan busReply
}

type busReply struct {
	pdu modbus.ProtocolDataUnit
	err error
}

// Bus is the bus serializer: a single goroutine that owns a grid-x/serial
// port and drains a request channel in FIFO order.
type Bus struct {
	cfg Config

	requests chan busRequest
	done     chan struct{}
	closed   chan struct{}
	closeErr error
	closeMu  sync.Mutex

	port io.ReadWriteCloser

	tx, rxOk, crcErrors, timeouts, exceptions atomic.Uint64
}

// New constructs a Bus. Callers must call Run in a goroutine before issuing
// any Request.
func New(cfg Config) *Bus {
	if cfg.OperationalTimeout <= 0 {
		cfg.OperationalTimeout = 300 * time.Millisecond
	}
	return &Bus{
		cfg:      cfg,
		requests: make(chan busRequest, 16),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// Run is the bus serializer's worker loop. It opens the port, drains
// requests one at a time, and reopens with backoff if the port disappears.
// Run returns when ctx is cancelled, after draining in-flight requests.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.closed)

	if b.port == nil {
		if err := b.open(); err != nil {
			slog.Error("master: initial serial open failed", "device", b.cfg.Device, "err", err)
		}
	}
	defer b.closePort()

	b.loop(ctx)
}

// loop drains requests one at a time until ctx is cancelled. Split out from
// Run so tests can install a fake port and drive the serializer without a
// real serial.Open call.
func (b *Bus) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.drain(ErrBusClosed)
			return
		case <-b.done:
			b.drain(ErrBusClosed)
			return
		case req := <-b.requests:
			b.handle(req)
		}
	}
}

// drain replies to every request still queued with err, so callers never
// block forever past shutdown.
func (b *Bus) drain(err error) {
	for {
		select {
		case req := <-b.requests:
			req.reply <- busReply{err: err}
		default:
			return
		}
	}
}

func (b *Bus) handle(req busRequest) {
	if b.port == nil {
		if err := b.reopen(req.ctx); err != nil {
			req.reply <- busReply{err: fmt.Errorf("%w: %w", ErrBusClosed, err)}
			return
		}
	}

	pdu, err := b.transact(req)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		b.closePort()
		err = fmt.Errorf("%w: %w", ErrBusClosed, err)
	}
	req.reply <- busReply{pdu: pdu, err: err}
}

// reopen retries opening the serial port with exponential backoff,
// honoring ctx cancellation so a caller can give up rather than wait
// forever for hardware to reappear.
func (b *Bus) reopen(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = reopenMaxElapsed
	bctx := backoff.WithContext(bo, ctx)

	return backoff.Retry(func() error {
		err := b.open()
		if err != nil {
			slog.Warn("master: serial reopen failed, retrying", "device", b.cfg.Device, "err", err)
		}
		return err
	}, bctx)
}

func (b *Bus) open() error {
	sc := &serial.Config{
		Address:  b.cfg.Device,
		BaudRate: b.cfg.BaudRate,
		DataBits: b.cfg.DataBits,
		Parity:   b.cfg.Parity,
		StopBits: b.cfg.StopBits,
		Timeout:  b.cfg.OperationalTimeout,
	}
	if b.cfg.RS485 {
		sc.RS485.Enabled = true
		sc.RS485.DelayRtsBeforeSend = b.cfg.DelayRtsBeforeSend
		sc.RS485.DelayRtsAfterSend = b.cfg.DelayRtsAfterSend
		sc.RS485.RtsHighDuringSend = b.cfg.RtsHighDuringSend
		sc.RS485.RtsHighAfterSend = b.cfg.RtsHighAfterSend
		sc.RS485.RxDuringTx = b.cfg.RxDuringTx
	}
	port, err := serial.Open(sc)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", b.cfg.Device, err)
	}
	b.port = port
	return nil
}

func (b *Bus) closePort() {
	if b.port != nil {
		_ = b.port.Close()
		b.port = nil
	}
}

// Close stops the bus serializer's worker goroutine and waits for it to
// exit, releasing the serial port. Callers should cancel the context
// passed to Run instead when orchestrating ordered shutdown; Close exists
// for standalone use (e.g. in tests).
func (b *Bus) Close() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	<-b.closed
}

// Request posts a transaction to the bus serializer and blocks until the
// reply arrives, FIFO with respect to every other caller. Broadcast
// (unitID == modbus.BroadcastUnitID) for FuncCodeWriteSingleRegister
// returns immediately without waiting on a slave response, per §4.1.
func (b *Bus) Request(ctx context.Context, unitID, function byte, payload []byte, timeout time.Duration) (modbus.ProtocolDataUnit, error) {
	if timeout <= 0 {
		timeout = b.cfg.OperationalTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply := make(chan busReply, 1)
	select {
	case b.requests <- busRequest{ctx: reqCtx, unitID: unitID, function: function, payload: payload, timeout: timeout, reply: reply}:
	case <-reqCtx.Done():
		return modbus.ProtocolDataUnit{}, ErrTimeout
	}

	select {
	case r := <-reply:
		return r.pdu, r.err
	case <-reqCtx.Done():
		return modbus.ProtocolDataUnit{}, ErrTimeout
	}
}

// Stats returns a point-in-time snapshot of the master's counters.
func (b *Bus) Stats() Stats {
	return Stats{
		TX:         b.tx.Load(),
		RXOk:       b.rxOk.Load(),
		CRCErrors:  b.crcErrors.Load(),
		Timeouts:   b.timeouts.Load(),
		Exceptions: b.exceptions.Load(),
	}
}

// transact builds the RTU ADU, writes it to the port, waits out the
// transmission+turnaround delay, and reads the reply frame.
func (b *Bus) transact(req busRequest) (modbus.ProtocolDataUnit, error) {
	adu, err := encodeADU(req.unitID, req.function, req.payload)
	if err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	b.tx.Add(1)

	if req.unitID == modbus.BroadcastUnitID && req.function == modbus.FuncCodeWriteSingleRegister {
		if _, err := b.port.Write(adu); err != nil {
			return modbus.ProtocolDataUnit{}, err
		}
		return modbus.ProtocolDataUnit{}, nil
	}

	if _, err := b.port.Write(adu); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	expected := calculateResponseLength(adu)
	select {
	case <-req.ctx.Done():
		b.timeouts.Add(1)
		return modbus.ProtocolDataUnit{}, ErrTimeout
	case <-time.After(calculateDelay(b.cfg.BaudRate, len(adu)+expected)):
	}

	deadline, _ := req.ctx.Deadline()
	data, err := readIncrementally(req.unitID, req.function, b.port, deadline)
	if err != nil {
		if errors.Is(err, errShortFrame) {
			return modbus.ProtocolDataUnit{}, ErrShortFrame
		}
		if errors.Is(err, errTimedOut) {
			b.timeouts.Add(1)
			return modbus.ProtocolDataUnit{}, ErrTimeout
		}
		return modbus.ProtocolDataUnit{}, err
	}

	pdu, err := decodeADU(req.unitID, req.function, data)
	if err != nil {
		var crcErr *crcMismatchError
		if errors.As(err, &crcErr) {
			b.crcErrors.Add(1)
		}
		var exErr *modbus.ExceptionError
		if errors.As(err, &exErr) {
			b.exceptions.Add(1)
		}
		return modbus.ProtocolDataUnit{}, err
	}

	b.rxOk.Add(1)
	return pdu, nil
}

func encodeADU(unitID, function byte, payload []byte) ([]byte, error) {
	length := len(payload) + 4
	if length > rtuMaxSize {
		return nil, fmt.Errorf("master: payload of %d bytes exceeds max ADU size", len(payload))
	}

	adu := make([]byte, length)
	adu[0] = unitID
	adu[1] = function
	copy(adu[2:], payload)

	var c crc.CRC
	c.Reset().PushBytes(adu[:length-2])
	checksum := c.Value()
	adu[length-2] = byte(checksum)
	adu[length-1] = byte(checksum >> 8)

	return adu, nil
}

type crcMismatchError struct {
	got, want uint16
}

func (e *crcMismatchError) Error() string {
	return fmt.Sprintf("%s: got %04X want %04X", ErrCRCMismatch, e.got, e.want)
}

func (e *crcMismatchError) Unwrap() error { return ErrCRCMismatch }

func decodeADU(expectUnitID, expectFunction byte, frame []byte) (modbus.ProtocolDataUnit, error) {
	if len(frame) < rtuMinSize {
		return modbus.ProtocolDataUnit{}, ErrShortFrame
	}

	n := len(frame)
	var c crc.CRC
	c.Reset().PushBytes(frame[:n-2])
	want := c.Value()
	got := uint16(frame[n-1])<<8 | uint16(frame[n-2])
	if got != want {
		return modbus.ProtocolDataUnit{}, &crcMismatchError{got: got, want: want}
	}

	if frame[0] != expectUnitID {
		return modbus.ProtocolDataUnit{}, ErrAddressMismatch
	}

	fc := frame[1]
	if fc == expectFunction|modbus.ExceptionBit {
		return modbus.ProtocolDataUnit{}, &modbus.ExceptionError{Function: expectFunction, Code: frame[2]}
	}

	return modbus.ProtocolDataUnit{
		FunctionCode: fc,
		Data:         frame[2 : n-2],
	}, nil
}

// calculateDelay mirrors the teacher's inter-character/frame-delay formula:
// character time and t3.5 frame silence both scale with baud rate (t3.5 is
// about 303µs at 115200). A non-positive baud rate falls back to fixed
// 750µs/1750µs.
func calculateDelay(baudRate, chars int) time.Duration {
	var characterDelay, frameDelay int
	if baudRate <= 0 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / baudRate
		frameDelay = 35000000 / baudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}

// calculateResponseLength predicts the reply length so the writer can wait
// out the slave's processing time before polling for a response.
func calculateResponseLength(adu []byte) int {
	length := rtuMinSize
	switch adu[1] {
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		count := int(binary.BigEndian.Uint16(adu[4:6]))
		length += 1 + count*2
	case modbus.FuncCodeWriteSingleRegister, modbus.FuncCodeWriteMultipleRegisters:
		length += 4
	case modbus.FuncCodeReportSlaveID, modbus.FuncCodeIdentify:
		length += 64 // unknown length class, generous upper bound for the turnaround wait only
	default:
	}
	return length
}

var (
	errShortFrame = errors.New("short frame")
	errTimedOut   = errors.New("timed out")
)

const (
	stateUnitID = iota
	stateFunction
	stateReadLength
	stateReadPayload
	stateCRC
)

// readIncrementally reassembles a reply byte by byte, framing it by function
// code and byte count rather than by measured t3.5 silence: each read blocks
// for at most the serial port's configured Timeout (the operational
// timeout), so a stalled reply surfaces as a read error rather than
// hanging, matching the teacher's readIncrementally exactly in spirit.
func readIncrementally(unitID, function byte, r io.Reader, deadline time.Time) ([]byte, error) {
	buf := make([]byte, 1)
	data := make([]byte, rtuMaxSize)

	state := stateUnitID
	var toRead int
	var n, crcCount int

	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, errTimedOut
		}

		if _, err := io.ReadAtLeast(r, buf, 1); err != nil {
			return nil, err
		}

		switch state {
		case stateUnitID:
			if buf[0] != unitID {
				continue
			}
			data[n] = buf[0]
			n++
			state = stateFunction

		case stateFunction:
			switch {
			case buf[0] == function:
				switch function {
				case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters, modbus.FuncCodeReportSlaveID, modbus.FuncCodeIdentify:
					state = stateReadLength
				case modbus.FuncCodeWriteSingleRegister, modbus.FuncCodeWriteMultipleRegisters:
					state = stateReadPayload
					toRead = 4
				default:
					return nil, fmt.Errorf("master: unhandled function code 0x%02X", buf[0])
				}
				data[n] = buf[0]
				n++
			case buf[0] == function|modbus.ExceptionBit:
				data[n] = buf[0]
				n++
				state = stateReadPayload
				toRead = 1
			default:
				return nil, fmt.Errorf("master: unexpected function code 0x%02X in reply", buf[0])
			}

		case stateReadLength:
			length := int(buf[0])
			if length == 0 || length > rtuMaxSize-5 {
				return nil, errShortFrame
			}
			toRead = length
			data[n] = buf[0]
			n++
			state = stateReadPayload

		case stateReadPayload:
			data[n] = buf[0]
			n++
			toRead--
			if toRead == 0 {
				state = stateCRC
			}

		case stateCRC:
			data[n] = buf[0]
			n++
			crcCount++
			if crcCount == 2 {
				return data[:n], nil
			}
		}
	}
}
