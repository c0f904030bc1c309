// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package poll is the polling scheduler: on a cadence it reads telemetry
// for a selected set of devices, hands each read to the normalizer, and
// fans the result out, per spec §4.3.
package poll

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/device"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/master"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/modbus"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/normalize"
)

// Bus is the narrow slice of master.Bus the scheduler needs.
type Bus interface {
	Request(ctx context.Context, unitID, function byte, payload []byte, timeout time.Duration) (modbus.ProtocolDataUnit, error)
}

// DeviceSource is the narrow slice of device.Manager the scheduler needs:
// read a device's capabilities and report transaction outcomes back.
type DeviceSource interface {
	Get(unitID byte) (device.Device, bool)
	StatusUpdate(unitID byte, outcome device.Outcome)
}

// Sink receives every successfully normalized sample, per tick, in read
// order. It also receives a notification for every device poll that fails
// (after its one retry) or fails to decode, so a caller can track offline
// deadlines independent of the device cache.
type Sink interface {
	OnSample(unitID byte, sample normalize.Sample)
	OnFailure(unitID byte, err error)
}

const (
	defaultInterFrameDelay = 10 * time.Millisecond
	defaultTimeout         = 300 * time.Millisecond
)

// State is a point-in-time snapshot returned by Status.
type State struct {
	Running     bool
	UnitIDs     []byte
	IntervalSec int
}

// Scheduler is the single polling worker. All Modbus transactions it
// issues go through Bus's lock; the scheduler itself never holds the bus
// across more than one device's transaction, per spec §4.3's concurrency
// contract.
type Scheduler struct {
	bus     Bus
	devices DeviceSource
	sink    Sink

	interFrameDelay time.Duration
	timeout         time.Duration

	mu       sync.Mutex
	running  bool
	unitIDs  []byte
	interval time.Duration
	cancel   context.CancelFunc
	stopped  chan struct{}
}

// New constructs a Scheduler in the stopped state.
func New(bus Bus, devices DeviceSource, sink Sink) *Scheduler {
	return &Scheduler{
		bus:             bus,
		devices:         devices,
		sink:            sink,
		interFrameDelay: defaultInterFrameDelay,
		timeout:         defaultTimeout,
	}
}

// Start transitions to running, replacing any prior selection, and
// spawns the worker goroutine.
func (s *Scheduler) Start(unitIDs []byte, interval time.Duration) {
	s.mu.Lock()
	if s.running {
		s.cancel()
		<-s.stopped
	}

	ordered := append([]byte(nil), unitIDs...)
	sortBytes(ordered)

	ctx, cancel := context.WithCancel(context.Background())
	s.unitIDs = ordered
	s.interval = interval
	s.running = true
	s.cancel = cancel
	s.stopped = make(chan struct{})
	stopped := s.stopped
	s.mu.Unlock()

	go func() {
		defer close(stopped)
		s.run(ctx, ordered, interval)
	}()
}

// Stop transitions to stopped, letting any in-flight transaction
// complete before returning (bounded by its own timeout), per spec §5.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	stopped := s.stopped
	s.mu.Unlock()

	cancel()
	<-stopped
}

// Status returns a snapshot of the scheduler's current state.
func (s *Scheduler) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Running:     s.running,
		UnitIDs:     append([]byte(nil), s.unitIDs...),
		IntervalSec: int(s.interval / time.Second),
	}
}

func (s *Scheduler) run(ctx context.Context, unitIDs []byte, interval time.Duration) {
	for {
		start := time.Now()
		s.tick(ctx, unitIDs)

		elapsed := time.Since(start)
		remaining := interval - elapsed
		if remaining <= 0 {
			select {
			case <-ctx.Done():
				return
			default:
				continue // tick already exceeded the interval: no pile-up, proceed immediately
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(remaining):
		}
	}
}

// tick reads every selected device once, in stable order, pausing
// interFrameDelay between devices.
func (s *Scheduler) tick(ctx context.Context, unitIDs []byte) {
	for i, unitID := range unitIDs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.pollOne(ctx, unitID)

		if i < len(unitIDs)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interFrameDelay):
			}
		}
	}
}

func (s *Scheduler) pollOne(ctx context.Context, unitID byte) {
	dev, known := s.devices.Get(unitID)
	if !known {
		return
	}

	data, outcome, err := s.readWithRetry(ctx, unitID)
	s.devices.StatusUpdate(unitID, outcome)

	if err != nil {
		slog.Warn("poll: read failed", "unit", unitID, "err", err)
		if s.sink != nil {
			s.sink.OnFailure(unitID, err)
		}
		return
	}

	sample, err := normalize.Decode(unitID, dev.Capabilities, data)
	if err != nil {
		slog.Warn("poll: decode failed", "unit", unitID, "err", err)
		if s.sink != nil {
			s.sink.OnFailure(unitID, err)
		}
		return
	}

	if s.sink != nil {
		s.sink.OnSample(unitID, sample)
	}
}

// readWithRetry reads the telemetry input-register block, retrying once
// immediately on failure before giving up for this tick, per spec §4.3.
func (s *Scheduler) readWithRetry(ctx context.Context, unitID byte) ([]byte, device.Outcome, error) {
	payload := encodeReadPayload(0, normalize.BlockRegisters)

	// Stop cancels ctx; the transaction runs without that cancellation so
	// one already started completes (bounded by s.timeout), and no retry
	// is issued once Stop has been called.
	reqCtx := context.WithoutCancel(ctx)
	pdu, err := s.bus.Request(reqCtx, unitID, modbus.FuncCodeReadInputRegisters, payload, s.timeout)
	if err != nil && ctx.Err() == nil {
		pdu, err = s.bus.Request(reqCtx, unitID, modbus.FuncCodeReadInputRegisters, payload, s.timeout)
	}
	if err != nil {
		return nil, outcomeFor(err), err
	}

	if len(pdu.Data) < 1 {
		return nil, device.OutcomeCRC, errShortReply
	}
	byteCount := int(pdu.Data[0])
	if len(pdu.Data) < 1+byteCount {
		return nil, device.OutcomeCRC, errShortReply
	}
	return pdu.Data[1 : 1+byteCount], device.OutcomeOK, nil
}

var errShortReply = shortReplyError{}

type shortReplyError struct{}

func (shortReplyError) Error() string { return "poll: short input-register reply" }

func outcomeFor(err error) device.Outcome {
	var exErr *modbus.ExceptionError
	if errors.As(err, &exErr) {
		return device.OutcomeException
	}
	if errors.Is(err, master.ErrCRCMismatch) {
		return device.OutcomeCRC
	}
	return device.OutcomeTimeout
}

func encodeReadPayload(addr, quantity uint16) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], addr)
	binary.BigEndian.PutUint16(out[2:4], quantity)
	return out
}

func sortBytes(b []byte) {
	for i := 1; i < len(b); i++ {
		for j := i; j > 0 && b[j-1] > b[j]; j-- {
			b[j-1], b[j] = b[j], b[j-1]
		}
	}
}
