// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package device is the authoritative cache of Modbus slaves on the bus
// and the executor for operator-initiated identity/alias/unit-id commands.
// Every operation consumes the bus serializer and thus holds its lock for
// the duration of the transaction, per spec §4.2.
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/modbus"
)

// Capabilities is the device capability bitmask read from holding
// register 0x0005.
type Capabilities uint16

const (
	CapRS485    Capabilities = 1 << 0
	CapMPU6050  Capabilities = 1 << 1
	CapIdentify Capabilities = 1 << 2
	CapWind     Capabilities = 1 << 3
	CapLoad     Capabilities = 1 << 4
)

// Has reports whether the bitmask advertises capability bit.
func (c Capabilities) Has(bit Capabilities) bool { return c&bit != 0 }

// Status is the device's connectivity state, per spec §3.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// Outcome is the result of one polling/command transaction, reported to
// StatusUpdate.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCRC       Outcome = "crc"
	OutcomeException Outcome = "exception"
)

// offlineThreshold is the consecutive-error count that flips a device
// from online to offline, per spec §4.2.
const offlineThreshold = 3

// Holding register addresses, bit-exact per spec §6.1.
const (
	regVendorID          = 0x0000
	regProductID         = 0x0001
	regHwVersion         = 0x0002
	regFwVersion         = 0x0003
	regUnitIDEcho        = 0x0004
	regCapabilities      = 0x0005
	regUptimeLo          = 0x0006
	regStatus            = 0x0008
	regErrors            = 0x0009
	regBaudCode          = 0x0010
	regFilterHz          = 0x0011
	regSaveEEPROM        = 0x0012
	regIdentifySeconds   = 0x0013
	regUnitIDConfig      = 0x0014
	regVendorStringBase  = 0x0026
	regProductStringBase = 0x002B
	regAliasLength       = 0x0030
	regAliasData         = 0x0031
	aliasMaxBytes        = 64

	saveEEPROMMagic = 0xA55A
)

// Identity is the decoded identity block read during discovery.
type Identity struct {
	VendorCode   uint16
	ProductCode  uint16
	HwVersion    uint16
	FwVersion    uint16
	Capabilities Capabilities
	StatusBits   uint16
	ErrorBits    uint16
	VendorName   string
	ProductName  string
}

// Device is the live cache entry for one Modbus RTU slave: the persisted
// row plus the runtime fields the spec's Device type carries (§3).
type Device struct {
	UnitID byte
	Alias  string
	Identity

	LastSeen          time.Time
	Status            Status
	ConsecutiveErrors int

	// PollIntervalOverride is exposed per the Open Question in spec §9;
	// internal/poll does not read it and polls every device at the
	// scheduler-wide interval.
	PollIntervalOverride time.Duration
}

// Bus is the narrow slice of master.Bus the device manager needs. Defined
// here (rather than importing master directly into a struct field type)
// so device stays independently testable against a fake.
type Bus interface {
	Request(ctx context.Context, unitID, function byte, payload []byte, timeout time.Duration) (modbus.ProtocolDataUnit, error)
}

// Persistence is the subset of internal/store's write surface the device
// manager needs on discovery and on explicit mutation commands.
type Persistence interface {
	UpsertDevice(ctx context.Context, d Device) error
	UpsertSensor(ctx context.Context, unitID byte, sensorType, unit string, register uint16) error
}

// EventSink is the subset of eventbus.Bus the device manager publishes
// connectivity transitions to.
type EventSink interface {
	PublishOnline(unitID byte)
	PublishOffline(unitID byte)
}

// Manager is the authoritative device cache and command executor.
type Manager struct {
	bus    Bus
	store  Persistence
	events EventSink

	discoveryTimeout    time.Duration
	operationalTimeout  time.Duration
	discoveryRetryCount int

	mu    sync.RWMutex
	cache map[byte]*Device
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithDiscoveryTimeout overrides the default 80ms probe timeout.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(m *Manager) { m.discoveryTimeout = d }
}

// WithOperationalTimeout overrides the default 300ms transaction timeout.
func WithOperationalTimeout(d time.Duration) Option {
	return func(m *Manager) { m.operationalTimeout = d }
}

// New constructs a Manager. store and events may be nil for tests that do
// not exercise persistence or event fan-out.
func New(bus Bus, store Persistence, events EventSink, opts ...Option) *Manager {
	m := &Manager{
		bus:                 bus,
		store:               store,
		events:              events,
		discoveryTimeout:    80 * time.Millisecond,
		operationalTimeout:  300 * time.Millisecond,
		discoveryRetryCount: 1,
		cache:               make(map[byte]*Device),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a copy of the cached device, if present.
func (m *Manager) Get(unitID byte) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.cache[unitID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Snapshot returns a copy of every cached device, in ascending unit-id
// order.
func (m *Manager) Snapshot() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, 0, len(m.cache))
	for _, d := range m.cache {
		out = append(out, *d)
	}
	sortDevicesByUnitID(out)
	return out
}

func sortDevicesByUnitID(devs []Device) {
	for i := 1; i < len(devs); i++ {
		for j := i; j > 0 && devs[j-1].UnitID > devs[j].UnitID; j-- {
			devs[j-1], devs[j] = devs[j], devs[j-1]
		}
	}
}

// Discover probes every unit-id in [min, max] with a short identity read
// and upserts every device that answers. Per spec §4.2, a failed probe is
// retried discoveryRetryCount times before the candidate is skipped.
func (m *Manager) Discover(ctx context.Context, min, max byte) ([]Device, error) {
	if max < min {
		return nil, fmt.Errorf("device: invalid discovery range [%d, %d]", min, max)
	}

	var found []Device
	for unit := int(min); unit <= int(max); unit++ {
		id := byte(unit)

		var probeErr error
		for attempt := 0; attempt <= m.discoveryRetryCount; attempt++ {
			_, probeErr = m.bus.Request(ctx, id, modbus.FuncCodeReadHoldingRegisters, encodeReadPayload(regVendorID, 1), m.discoveryTimeout)
			if probeErr == nil {
				break
			}
		}
		if probeErr != nil {
			continue
		}

		identity, err := m.readIdentity(ctx, id)
		if err != nil {
			continue
		}
		alias, err := m.readAlias(ctx, id)
		if err != nil {
			alias = ""
		}

		dev := Device{
			UnitID:   id,
			Alias:    alias,
			Identity: identity,
			LastSeen: time.Now().UTC(),
			Status:   StatusOnline,
		}

		m.mu.Lock()
		m.cache[id] = &dev
		m.mu.Unlock()

		if m.store != nil {
			_ = m.store.UpsertDevice(ctx, dev)
			for _, s := range sensorsForCapabilities(dev.Identity.Capabilities) {
				_ = m.store.UpsertSensor(ctx, id, s.sensorType, s.unit, s.register)
			}
		}
		if m.events != nil {
			m.events.PublishOnline(id)
		}

		found = append(found, dev)
	}

	return found, nil
}

type sensorDef struct {
	sensorType string
	unit       string
	register   uint16
}

// sensorsForCapabilities returns the fixed sensor set a capability
// bitmask implies, per spec §3.
func sensorsForCapabilities(caps Capabilities) []sensorDef {
	var out []sensorDef
	if caps.Has(CapMPU6050) {
		out = append(out,
			sensorDef{"tilt-x", "deg", 0x00},
			sensorDef{"tilt-y", "deg", 0x01},
			sensorDef{"temperature", "degC", 0x02},
			sensorDef{"accel-x", "g", 0x03},
			sensorDef{"accel-y", "g", 0x04},
			sensorDef{"accel-z", "g", 0x05},
			sensorDef{"gyro-x", "deg/s", 0x06},
			sensorDef{"gyro-y", "deg/s", 0x07},
			sensorDef{"gyro-z", "deg/s", 0x08},
		)
	}
	if caps.Has(CapLoad) {
		out = append(out, sensorDef{"load", "kg", 0x0C})
	}
	if caps.Has(CapWind) {
		out = append(out, sensorDef{"wind-speed", "m/s", 0x0D})
	}
	return out
}

func (m *Manager) readIdentity(ctx context.Context, unitID byte) (Identity, error) {
	pdu, err := m.bus.Request(ctx, unitID, modbus.FuncCodeReadHoldingRegisters, encodeReadPayload(regVendorID, 6), m.operationalTimeout)
	if err != nil {
		return Identity{}, err
	}
	words, err := decodeHoldingWords(pdu)
	if err != nil || len(words) < 6 {
		return Identity{}, fmt.Errorf("device: short identity block from unit %d", unitID)
	}

	id := Identity{
		VendorCode:   words[0],
		ProductCode:  words[1],
		HwVersion:    words[2],
		FwVersion:    words[3],
		Capabilities: Capabilities(words[5]),
	}

	statusPDU, err := m.bus.Request(ctx, unitID, modbus.FuncCodeReadHoldingRegisters, encodeReadPayload(regStatus, 2), m.operationalTimeout)
	if err == nil {
		if sw, err := decodeHoldingWords(statusPDU); err == nil && len(sw) >= 2 {
			id.StatusBits = sw[0]
			id.ErrorBits = sw[1]
		}
	}

	if id.VendorName, err = m.readPackedString(ctx, unitID, regVendorStringBase); err != nil {
		id.VendorName = ""
	}
	if id.ProductName, err = m.readPackedString(ctx, unitID, regProductStringBase); err != nil {
		id.ProductName = ""
	}

	return id, nil
}

// readPackedString reads a length-prefixed, MSB-first packed ASCII block
// starting at base: base holds the byte length, base+1..base+4 hold the
// packed pairs (up to 8 bytes).
func (m *Manager) readPackedString(ctx context.Context, unitID byte, base uint16) (string, error) {
	pdu, err := m.bus.Request(ctx, unitID, modbus.FuncCodeReadHoldingRegisters, encodeReadPayload(base, 5), m.operationalTimeout)
	if err != nil {
		return "", err
	}
	words, err := decodeHoldingWords(pdu)
	if err != nil || len(words) < 5 {
		return "", fmt.Errorf("device: short string block")
	}
	length := int(words[0])
	return unpackASCII(words[1:], length), nil
}

// unpackASCII decodes MSB-first packed ASCII pairs, clamping to length
// rather than the full buffer per spec §4.2, and trimming non-printable
// bytes.
func unpackASCII(words []uint16, length int) string {
	var b strings.Builder
	for i, w := range words {
		hi := byte(w >> 8)
		lo := byte(w)
		for j, c := range []byte{hi, lo} {
			idx := i*2 + j
			if idx >= length {
				break
			}
			if c >= 0x20 && c < 0x7F {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}

func (m *Manager) readAlias(ctx context.Context, unitID byte) (string, error) {
	lenPDU, err := m.bus.Request(ctx, unitID, modbus.FuncCodeReadHoldingRegisters, encodeReadPayload(regAliasLength, 1), m.operationalTimeout)
	if err != nil {
		return "", err
	}
	lenWords, err := decodeHoldingWords(lenPDU)
	if err != nil || len(lenWords) < 1 {
		return "", fmt.Errorf("device: short alias length read")
	}
	length := int(lenWords[0])
	if length <= 0 {
		return "", nil
	}
	if length > aliasMaxBytes {
		length = aliasMaxBytes
	}

	wordCount := (length + 1) / 2
	pdu, err := m.bus.Request(ctx, unitID, modbus.FuncCodeReadHoldingRegisters, encodeReadPayload(regAliasData, uint16(wordCount)), m.operationalTimeout)
	if err != nil {
		return "", err
	}
	words, err := decodeHoldingWords(pdu)
	if err != nil {
		return "", err
	}
	return unpackASCII(words, length), nil
}

// ErrAliasTooLong and ErrAliasNotPrintable are spec-§4.2 validation errors
// for setAlias; callers surface them as ValidationError (spec §7).
var (
	ErrAliasTooLong      = errors.New("device: alias exceeds 64 bytes")
	ErrAliasNotPrintable = errors.New("device: alias contains non-printable characters")
	ErrBroadcastRejected = errors.New("device: broadcast unit id rejected for this operation")
	ErrDuplicateUnitID   = errors.New("device: unit id already in use")
	ErrUnknownDevice     = errors.New("device: unit id not in cache")
)

// Identify issues a 0x06 write of seconds to the identify-seconds
// register; the slave blinks its LED. Broadcast is rejected, per §4.2.
func (m *Manager) Identify(ctx context.Context, unitID byte, seconds uint16) error {
	if unitID == modbus.BroadcastUnitID {
		return ErrBroadcastRejected
	}
	_, err := m.bus.Request(ctx, unitID, modbus.FuncCodeWriteSingleRegister, encodeWriteSingle(regIdentifySeconds, seconds), m.operationalTimeout)
	return err
}

// SetAlias validates, packs, and writes a new alias, then issues the
// EEPROM save magic. Both writes succeed or neither is reflected in the
// cache, per §4.2's atomicity contract.
func (m *Manager) SetAlias(ctx context.Context, unitID byte, alias string) error {
	if len(alias) > aliasMaxBytes {
		return ErrAliasTooLong
	}
	for _, c := range alias {
		if c < 0x20 || c > 0x7E {
			return ErrAliasNotPrintable
		}
	}

	payload := packAlias(alias)
	if _, err := m.bus.Request(ctx, unitID, modbus.FuncCodeWriteMultipleRegisters, payload, m.operationalTimeout); err != nil {
		return err
	}
	if _, err := m.bus.Request(ctx, unitID, modbus.FuncCodeWriteSingleRegister, encodeWriteSingle(regSaveEEPROM, saveEEPROMMagic), m.operationalTimeout); err != nil {
		return err
	}

	m.mu.Lock()
	if d, ok := m.cache[unitID]; ok {
		d.Alias = alias
	}
	m.mu.Unlock()

	if m.store != nil {
		if d, ok := m.Get(unitID); ok {
			_ = m.store.UpsertDevice(ctx, d)
		}
	}
	return nil
}

// packAlias builds the write-multiple-registers payload for the alias
// block: address(2) + quantity(2) + byteCount(1) + [length][packed pairs],
// padding with zero on odd length, per §4.2/§8 scenario 2.
func packAlias(alias string) []byte {
	b := []byte(alias)
	dataLen := len(b)
	if dataLen%2 != 0 {
		b = append(b, 0)
	}
	wordCount := 1 + len(b)/2 // length word + packed pairs

	regData := make([]byte, 0, wordCount*2)
	regData = append(regData, 0, byte(dataLen))
	for i := 0; i < len(b); i += 2 {
		regData = append(regData, b[i], b[i+1])
	}

	out := make([]byte, 5+len(regData))
	binary.BigEndian.PutUint16(out[0:2], regAliasLength)
	binary.BigEndian.PutUint16(out[2:4], uint16(wordCount))
	out[4] = byte(len(regData))
	copy(out[5:], regData)
	return out
}

// SetUnitID rejects duplicates against the cache, writes the new unit id,
// then the EEPROM save magic, and re-keys the cache. Per §4.2 the caller
// is advised to re-run discovery to confirm.
func (m *Manager) SetUnitID(ctx context.Context, unitID, newUnitID byte) error {
	if _, exists := m.Get(newUnitID); exists {
		return ErrDuplicateUnitID
	}

	if _, err := m.bus.Request(ctx, unitID, modbus.FuncCodeWriteSingleRegister, encodeWriteSingle(regUnitIDConfig, uint16(newUnitID)), m.operationalTimeout); err != nil {
		return err
	}
	if _, err := m.bus.Request(ctx, unitID, modbus.FuncCodeWriteSingleRegister, encodeWriteSingle(regSaveEEPROM, saveEEPROMMagic), m.operationalTimeout); err != nil {
		return err
	}

	m.mu.Lock()
	if d, ok := m.cache[unitID]; ok {
		delete(m.cache, unitID)
		d.UnitID = newUnitID
		m.cache[newUnitID] = d
	}
	m.mu.Unlock()
	return nil
}

// StatusUpdate is called by the polling scheduler on every transaction
// outcome. It updates last-seen/consecutive-errors and emits connectivity
// transitions, per §4.2.
func (m *Manager) StatusUpdate(unitID byte, outcome Outcome) {
	m.mu.Lock()
	d, ok := m.cache[unitID]
	if !ok {
		m.mu.Unlock()
		return
	}

	wasOffline := d.Status == StatusOffline
	var justWentOffline bool

	if outcome == OutcomeOK {
		d.LastSeen = time.Now().UTC()
		d.ConsecutiveErrors = 0
		if wasOffline {
			d.Status = StatusOnline
		}
	} else {
		d.ConsecutiveErrors++
		if d.ConsecutiveErrors >= offlineThreshold && !wasOffline {
			d.Status = StatusOffline
			justWentOffline = true
		}
	}
	goesOnline := outcome == OutcomeOK && wasOffline
	m.mu.Unlock()

	if m.events == nil {
		return
	}
	if goesOnline {
		m.events.PublishOnline(unitID)
	}
	if justWentOffline {
		m.events.PublishOffline(unitID)
	}
}

func encodeReadPayload(addr, quantity uint16) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], addr)
	binary.BigEndian.PutUint16(out[2:4], quantity)
	return out
}

func encodeWriteSingle(addr, value uint16) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], addr)
	binary.BigEndian.PutUint16(out[2:4], value)
	return out
}

// decodeHoldingWords extracts the 16-bit words from a 0x03 reply PDU
// (byteCount byte followed by byteCount data bytes).
func decodeHoldingWords(pdu modbus.ProtocolDataUnit) ([]uint16, error) {
	if len(pdu.Data) < 1 {
		return nil, fmt.Errorf("device: empty reply data")
	}
	byteCount := int(pdu.Data[0])
	if len(pdu.Data) < 1+byteCount || byteCount%2 != 0 {
		return nil, fmt.Errorf("device: malformed reply byte count")
	}
	words := make([]uint16, byteCount/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(pdu.Data[1+i*2 : 3+i*2])
	}
	return words, nil
}
