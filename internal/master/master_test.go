// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package master

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/modbus"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/modbus/crc"
)

// fakeSlave is an in-memory io.ReadWriteCloser that answers one ADU per
// Write call, simulating a single RTU slave sitting on the bus.
type fakeSlave struct {
	mu       sync.Mutex
	respond  func(req []byte) []byte
	pending  []byte
	writeLog [][]byte
	writes   int
}

func (f *fakeSlave) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	req := append([]byte(nil), p...)
	f.writeLog = append(f.writeLog, req)
	if f.respond != nil {
		f.pending = append(f.pending, f.respond(req)...)
	}
	return len(p), nil
}

func (f *fakeSlave) Read(p []byte) (int, error) {
	for {
		f.mu.Lock()
		if len(f.pending) > 0 {
			n := copy(p, f.pending)
			f.pending = f.pending[n:]
			f.mu.Unlock()
			return n, nil
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeSlave) Close() error { return nil }

func encodeHoldingReply(unitID byte, words []uint16) []byte {
	data := make([]byte, 1+len(words)*2)
	data[0] = byte(len(words) * 2)
	for i, w := range words {
		binary.BigEndian.PutUint16(data[1+i*2:], w)
	}
	frame := append([]byte{unitID, modbus.FuncCodeReadHoldingRegisters}, data...)
	var c crc.CRC
	c.Reset().PushBytes(frame)
	sum := c.Value()
	return append(frame, byte(sum), byte(sum>>8))
}

func newTestBus(port *fakeSlave) *Bus {
	b := New(Config{Device: "fake", BaudRate: 19200, OperationalTimeout: 200 * time.Millisecond})
	b.port = port
	return b
}

func TestRequest_ReadHoldingRegistersRoundTrip(t *testing.T) {
	slave := &fakeSlave{respond: func(req []byte) []byte {
		return encodeHoldingReply(req[0], []uint16{0x00AA, 0x00BB})
	}}
	b := newTestBus(slave)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.loop(ctx)

	payload := []byte{0x00, 0x00, 0x00, 0x02}
	pdu, err := b.Request(context.Background(), 2, modbus.FuncCodeReadHoldingRegisters, payload, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pdu.FunctionCode != modbus.FuncCodeReadHoldingRegisters {
		t.Fatalf("unexpected function code: %x", pdu.FunctionCode)
	}
	if len(pdu.Data) != 5 || pdu.Data[0] != 4 {
		t.Fatalf("unexpected data: %x", pdu.Data)
	}

	stats := b.Stats()
	if stats.TX != 1 || stats.RXOk != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRequest_CRCMismatch(t *testing.T) {
	slave := &fakeSlave{respond: func(req []byte) []byte {
		frame := encodeHoldingReply(req[0], []uint16{1})
		frame[len(frame)-1] ^= 0xFF // flip the trailing CRC byte
		return frame
	}}
	b := newTestBus(slave)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.loop(ctx)

	_, err := b.Request(context.Background(), 2, modbus.FuncCodeReadHoldingRegisters, []byte{0, 0, 0, 1}, 0)
	if !errors.Is(err, ErrCRCMismatch) {
		t.Fatalf("expected ErrCRCMismatch, got %v", err)
	}
	if b.Stats().CRCErrors != 1 {
		t.Fatalf("expected crc error counted, got %+v", b.Stats())
	}
}

func TestRequest_ExceptionResponse(t *testing.T) {
	slave := &fakeSlave{respond: func(req []byte) []byte {
		frame := []byte{req[0], req[1] | modbus.ExceptionBit, modbus.ExceptionCodeIllegalDataAddress}
		var c crc.CRC
		c.Reset().PushBytes(frame)
		sum := c.Value()
		return append(frame, byte(sum), byte(sum>>8))
	}}
	b := newTestBus(slave)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.loop(ctx)

	_, err := b.Request(context.Background(), 2, modbus.FuncCodeReadHoldingRegisters, []byte{0, 0, 0, 1}, 0)
	var exErr *modbus.ExceptionError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExceptionError, got %v", err)
	}
	if exErr.Code != modbus.ExceptionCodeIllegalDataAddress {
		t.Fatalf("unexpected exception code: %x", exErr.Code)
	}
}

func TestRequest_Timeout(t *testing.T) {
	slave := &fakeSlave{respond: func(req []byte) []byte { return nil }}
	b := newTestBus(slave)
	b.cfg.OperationalTimeout = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.loop(ctx)

	_, err := b.Request(context.Background(), 2, modbus.FuncCodeReadHoldingRegisters, []byte{0, 0, 0, 1}, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRequest_BroadcastReturnsImmediately(t *testing.T) {
	slave := &fakeSlave{}
	b := newTestBus(slave)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.loop(ctx)

	start := time.Now()
	_, err := b.Request(context.Background(), modbus.BroadcastUnitID, modbus.FuncCodeWriteSingleRegister, []byte{0, 0x13, 0, 5}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("broadcast should not wait for a reply")
	}
}

// TestBusExclusivity asserts the witness from spec §8: no two writes ever
// overlap on the serial resource, and each transaction's write is observed
// strictly after the previous one's reply was produced.
func TestBusExclusivity(t *testing.T) {
	var mu sync.Mutex
	inFlight := false
	violated := false

	slave := &fakeSlave{respond: func(req []byte) []byte {
		mu.Lock()
		if inFlight {
			violated = true
		}
		inFlight = true
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight = false
		mu.Unlock()

		return encodeHoldingReply(req[0], []uint16{1})
	}}
	b := newTestBus(slave)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.loop(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(unit byte) {
			defer wg.Done()
			_, err := b.Request(context.Background(), unit, modbus.FuncCodeReadHoldingRegisters, []byte{0, 0, 0, 1}, 200*time.Millisecond)
			if err != nil {
				t.Errorf("request %d failed: %v", unit, err)
			}
		}(byte(i + 1))
	}
	wg.Wait()

	if violated {
		t.Fatalf("bus exclusivity violated: overlapping transactions observed")
	}
	if slave.writes != 10 {
		t.Fatalf("expected 10 writes, got %d", slave.writes)
	}
}

func TestEncodeADU_CRCRoundTrip(t *testing.T) {
	adu, err := encodeADU(0x11, modbus.FuncCodeReadHoldingRegisters, []byte{0x00, 0x6B, 0x00, 0x03})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n := len(adu)
	var c crc.CRC
	c.Reset().PushBytes(adu[:n-2])
	want := c.Value()
	got := uint16(adu[n-1])<<8 | uint16(adu[n-2])
	if got != want {
		t.Fatalf("crc mismatch: got %04X want %04X", got, want)
	}
}
