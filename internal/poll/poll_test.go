// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package poll

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/device"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/master"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/modbus"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/normalize"
)

type fakeBus struct {
	mu        sync.Mutex
	responses map[byte][]byte // successive register blocks to return, consumed in order
	errOnce   map[byte]bool   // if set, the first request for unitID fails, the retry succeeds
	calls     []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{responses: make(map[byte][]byte), errOnce: make(map[byte]bool)}
}

func (f *fakeBus) Request(ctx context.Context, unitID, function byte, payload []byte, timeout time.Duration) (modbus.ProtocolDataUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, unitID)

	if f.errOnce[unitID] {
		f.errOnce[unitID] = false
		return modbus.ProtocolDataUnit{}, master.ErrTimeout
	}

	regs, ok := f.responses[unitID]
	if !ok {
		return modbus.ProtocolDataUnit{}, master.ErrTimeout
	}
	data := append([]byte{byte(len(regs))}, regs...)
	return modbus.ProtocolDataUnit{FunctionCode: function, Data: data}, nil
}

type fakeDevices struct {
	mu       sync.Mutex
	caps     map[byte]device.Capabilities
	outcomes map[byte][]device.Outcome
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{caps: make(map[byte]device.Capabilities), outcomes: make(map[byte][]device.Outcome)}
}

func (f *fakeDevices) Get(unitID byte) (device.Device, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	caps, ok := f.caps[unitID]
	if !ok {
		return device.Device{}, false
	}
	d := device.Device{UnitID: unitID}
	d.Capabilities = caps
	return d, true
}

func (f *fakeDevices) StatusUpdate(unitID byte, outcome device.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[unitID] = append(f.outcomes[unitID], outcome)
}

type recordingSink struct {
	mu       sync.Mutex
	samples  []byte
	failures []byte
}

func (r *recordingSink) OnSample(unitID byte, sample normalize.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, unitID)
}

func (r *recordingSink) OnFailure(unitID byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, unitID)
}

func mpuBlock() []byte {
	regs := make([]byte, normalize.BlockRegisters*2)
	binary.BigEndian.PutUint16(regs[0:2], uint16(int16(150))) // angleX = 1.50 deg
	return regs
}

func TestTick_PollsEachKnownDeviceInOrderAndNormalizes(t *testing.T) {
	bus := newFakeBus()
	bus.responses[2] = mpuBlock()
	bus.responses[5] = mpuBlock()

	devices := newFakeDevices()
	devices.caps[2] = device.CapMPU6050
	devices.caps[5] = device.CapMPU6050

	sink := &recordingSink{}
	s := New(bus, devices, sink)
	s.interFrameDelay = time.Millisecond

	s.tick(context.Background(), []byte{2, 5})

	if len(sink.samples) != 2 || sink.samples[0] != 2 || sink.samples[1] != 5 {
		t.Fatalf("expected samples for unit 2 then 5, got %v", sink.samples)
	}
	devices.mu.Lock()
	defer devices.mu.Unlock()
	if len(devices.outcomes[2]) != 1 || devices.outcomes[2][0] != device.OutcomeOK {
		t.Fatalf("expected OutcomeOK for unit 2, got %v", devices.outcomes[2])
	}
}

func TestTick_SkipsUnknownDevice(t *testing.T) {
	bus := newFakeBus()
	devices := newFakeDevices()
	sink := &recordingSink{}
	s := New(bus, devices, sink)

	s.tick(context.Background(), []byte{9})

	if len(sink.samples) != 0 || len(sink.failures) != 0 {
		t.Fatalf("expected no fan-out for an unknown device, got samples=%v failures=%v", sink.samples, sink.failures)
	}
}

func TestPollOne_RetriesOnceThenSucceeds(t *testing.T) {
	bus := newFakeBus()
	bus.errOnce[3] = true
	bus.responses[3] = mpuBlock()

	devices := newFakeDevices()
	devices.caps[3] = device.CapMPU6050

	sink := &recordingSink{}
	s := New(bus, devices, sink)

	s.pollOne(context.Background(), 3)

	if len(sink.samples) != 1 {
		t.Fatalf("expected retry to succeed and produce a sample, got %v", sink.samples)
	}
	if len(bus.calls) != 2 {
		t.Fatalf("expected exactly one retry (2 calls), got %d", len(bus.calls))
	}
}

func TestPollOne_FailsAfterRetryExhausted(t *testing.T) {
	bus := newFakeBus() // no response registered: every request times out
	devices := newFakeDevices()
	devices.caps[4] = device.CapMPU6050

	sink := &recordingSink{}
	s := New(bus, devices, sink)

	s.pollOne(context.Background(), 4)

	if len(sink.failures) != 1 || sink.failures[0] != 4 {
		t.Fatalf("expected one failure notification for unit 4, got %v", sink.failures)
	}
	devices.mu.Lock()
	defer devices.mu.Unlock()
	if devices.outcomes[4][0] != device.OutcomeTimeout {
		t.Fatalf("expected OutcomeTimeout, got %v", devices.outcomes[4])
	}
}

func TestStartStop_TransitionsCleanly(t *testing.T) {
	bus := newFakeBus()
	bus.responses[2] = mpuBlock()
	devices := newFakeDevices()
	devices.caps[2] = device.CapMPU6050
	sink := &recordingSink{}

	s := New(bus, devices, sink)
	s.interFrameDelay = time.Millisecond
	s.Start([]byte{2}, 20*time.Millisecond)
	if !s.Status().Running {
		t.Fatalf("expected scheduler to report running after Start")
	}

	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if s.Status().Running {
		t.Fatalf("expected scheduler to report stopped after Stop")
	}
	sink.mu.Lock()
	n := len(sink.samples)
	sink.mu.Unlock()
	if n == 0 {
		t.Fatalf("expected at least one tick to have run before Stop")
	}
}

func TestStart_OrdersUnitIDsAscending(t *testing.T) {
	bus := newFakeBus()
	bus.responses[2] = mpuBlock()
	bus.responses[5] = mpuBlock()
	bus.responses[9] = mpuBlock()
	devices := newFakeDevices()
	devices.caps[2] = device.CapMPU6050
	devices.caps[5] = device.CapMPU6050
	devices.caps[9] = device.CapMPU6050
	sink := &recordingSink{}

	s := New(bus, devices, sink)
	s.interFrameDelay = time.Millisecond
	s.Start([]byte{9, 2, 5}, time.Hour)
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	status := s.Status()
	if len(status.UnitIDs) != 3 || status.UnitIDs[0] != 2 || status.UnitIDs[1] != 5 || status.UnitIDs[2] != 9 {
		t.Fatalf("expected Start to sort unit ids ascending, got %v", status.UnitIDs)
	}
}
