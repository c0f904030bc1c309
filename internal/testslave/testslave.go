// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package testslave is a simulated bank of Modbus RTU sensor slaves,
// adapted from the teacher's internal/local-slave command-dispatch model
// (one Process(req) per function code, register-table backed) to speak
// the gateway's own register map from spec §6.1 instead of a generic flat
// coil/register table. It implements the same narrow Request signature
// internal/device and internal/poll depend on, so it drives the gateway's
// actual discovery/polling/command logic end to end without real hardware
// or a live serial port.
package testslave

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/device"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/modbus"
)

// Holding and input register addresses, mirrored from internal/device and
// internal/normalize's unexported layout constants (kept duplicated here,
// not imported, since the real map is a wire contract the slave is a
// stand-in for — it should not change merely because an importer renames
// a private offset).
const (
	regVendorID           = 0x0000
	regProductID          = 0x0001
	regHwVersion          = 0x0002
	regFwVersion          = 0x0003
	regCapabilities       = 0x0005
	regStatus             = 0x0008
	regErrors             = 0x0009
	regSaveEEPROM         = 0x0012
	regIdentifySeconds    = 0x0013
	regUnitIDConfig       = 0x0014
	regVendorStringBase   = 0x0026
	regProductStringBase  = 0x002B
	regAliasLength        = 0x0030
	regAliasData          = 0x0031

	saveEEPROMMagic = 0xA55A

	holdingWords = 0x60
	inputWords   = 0x10
)

// Device is one simulated slave's register state and fault-injection
// knobs.
type Device struct {
	UnitID       byte
	Capabilities device.Capabilities
	VendorCode   uint16
	ProductCode  uint16
	HwVersion    uint16
	FwVersion    uint16

	// Telemetry values in the units the real firmware scales from, set
	// directly by the test: AngleX in hundredths of a degree, and so on,
	// matching internal/normalize's Decode scale factors exactly.
	AngleXCenti, AngleYCenti, TempCenti int16
	AccelXMilli, AccelYMilli, AccelZMilli int16
	GyroXMilli, GyroYMilli, GyroZMilli    int16
	LoadCenti                             int16
	WindSpeedCenti                        uint16
	WindDirDeci                           uint16
	SampleCounter                         uint32

	holding [holdingWords]uint16
	alias   string

	identifySeconds uint16
	pendingUnitID   *byte
	savedAt         time.Time

	mu sync.Mutex

	// FailNextReads makes the next N requests to this unit fail with
	// errNoSlave, the error an absent unit gives, simulating a slave that
	// has dropped off the bus.
	FailNextReads int
}

// NewDevice builds a simulated slave at unitID with the given
// capabilities, a fixed default vendor/product/hw/fw identity, and zeroed
// telemetry.
func NewDevice(unitID byte, caps device.Capabilities) *Device {
	d := &Device{
		UnitID:       unitID,
		Capabilities: caps,
		VendorCode:   0x0001,
		ProductCode:  0x0001,
		HwVersion:    0x0100,
		FwVersion:    0x0100,
	}
	d.holding[regVendorID] = d.VendorCode
	d.holding[regProductID] = d.ProductCode
	d.holding[regHwVersion] = d.HwVersion
	d.holding[regFwVersion] = d.FwVersion
	d.holding[regCapabilities] = uint16(caps)
	return d
}

// SetAlias seeds the slave's alias as if it had been configured earlier,
// without going through the write-multiple-registers wire path.
func (d *Device) SetAlias(alias string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alias = alias
}

// SetIdentityStrings seeds the packed vendor/product name blocks
// readIdentity reads at regVendorStringBase/regProductStringBase.
func (d *Device) SetIdentityStrings(vendor, product string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	packString(d.holding[:], regVendorStringBase, vendor)
	packString(d.holding[:], regProductStringBase, product)
}

// packString writes a length word followed by MSB-first packed ASCII
// pairs, matching internal/device's unpackASCII/readPackedString layout.
func packString(holding []uint16, base uint16, s string) {
	b := []byte(s)
	holding[base] = uint16(len(b))
	for i := 0; i*2 < len(b); i++ {
		hi := b[i*2]
		var lo byte
		if i*2+1 < len(b) {
			lo = b[i*2+1]
		}
		holding[int(base)+1+i] = uint16(hi)<<8 | uint16(lo)
	}
}

// Bank is a collection of simulated slaves addressed by unit id,
// implementing the Request signature internal/device.Bus and
// internal/poll.Bus require.
type Bank struct {
	mu      sync.Mutex
	devices map[byte]*Device
}

// NewBank constructs an empty bank. Add devices with Add.
func NewBank() *Bank {
	return &Bank{devices: make(map[byte]*Device)}
}

// Add registers a simulated device on the bank.
func (b *Bank) Add(d *Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[d.UnitID] = d
}

// Get returns the simulated device at unitID, if present.
func (b *Bank) Get(unitID byte) (*Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[unitID]
	return d, ok
}

var errNoSlave = fmt.Errorf("testslave: no slave answers unit id")

// Request implements the narrow Bus interface: looks up the addressed
// slave and dispatches to its Process method, simulating the timeout a
// real master sees when no slave is present on the bus.
func (b *Bank) Request(ctx context.Context, unitID, function byte, payload []byte, timeout time.Duration) (modbus.ProtocolDataUnit, error) {
	b.mu.Lock()
	d, ok := b.devices[unitID]
	b.mu.Unlock()
	if !ok {
		return modbus.ProtocolDataUnit{}, errNoSlave
	}
	return d.process(b, modbus.ProtocolDataUnit{FunctionCode: function, Data: payload})
}

func (d *Device) process(bank *Bank, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	d.mu.Lock()
	if d.FailNextReads > 0 {
		d.FailNextReads--
		d.mu.Unlock()
		return modbus.ProtocolDataUnit{}, errNoSlave
	}
	d.mu.Unlock()

	switch req.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters:
		return d.readHolding(req)
	case modbus.FuncCodeReadInputRegisters:
		return d.readInput(req)
	case modbus.FuncCodeWriteSingleRegister:
		return d.writeSingle(bank, req)
	case modbus.FuncCodeWriteMultipleRegisters:
		return d.writeMultiple(req)
	default:
		return d.exception(req.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
	}
}

func (d *Device) exception(funcCode, code byte) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{FunctionCode: funcCode | modbus.ExceptionBit, Data: []byte{code}}
}

func (d *Device) readHolding(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return d.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	d.mu.Lock()
	defer d.mu.Unlock()

	d.holding[regStatus] = 0
	d.holding[regErrors] = 0
	d.refreshAliasRegistersLocked()

	if int(addr)+int(quantity) > len(d.holding) {
		return d.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}

	out := make([]byte, 1+int(quantity)*2)
	out[0] = byte(quantity * 2)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(out[1+i*2:], d.holding[addr+i])
	}
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: out}, nil
}

// refreshAliasRegistersLocked packs the current alias into the register
// block readAlias expects, every read, so SetAlias (the Go-level seed) and
// the wire-level write path both stay visible to discovery.
func (d *Device) refreshAliasRegistersLocked() {
	b := []byte(d.alias)
	length := len(b)
	if length%2 != 0 {
		b = append(b, 0)
	}
	d.holding[regAliasLength] = uint16(length)
	for i := 0; i*2 < len(b) && regAliasData+i < len(d.holding); i++ {
		d.holding[regAliasData+i] = uint16(b[i*2])<<8 | uint16(b[i*2+1])
	}
}

func (d *Device) readInput(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return d.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	d.mu.Lock()
	regs := d.inputRegistersLocked()
	d.mu.Unlock()

	if int(addr)+int(quantity) > len(regs) {
		return d.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}

	out := make([]byte, 1+int(quantity)*2)
	out[0] = byte(quantity * 2)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(out[1+i*2:], regs[addr+i])
	}
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: out}, nil
}

func (d *Device) inputRegistersLocked() [inputWords]uint16 {
	var regs [inputWords]uint16
	regs[0x00] = uint16(d.AngleXCenti)
	regs[0x01] = uint16(d.AngleYCenti)
	regs[0x02] = uint16(d.TempCenti)
	regs[0x03] = uint16(d.AccelXMilli)
	regs[0x04] = uint16(d.AccelYMilli)
	regs[0x05] = uint16(d.AccelZMilli)
	regs[0x06] = uint16(d.GyroXMilli)
	regs[0x07] = uint16(d.GyroYMilli)
	regs[0x08] = uint16(d.GyroZMilli)
	regs[0x09] = uint16(d.SampleCounter)
	regs[0x0A] = uint16(d.SampleCounter >> 16)
	regs[0x0C] = uint16(d.LoadCenti)
	regs[0x0D] = d.WindSpeedCenti
	regs[0x0E] = d.WindDirDeci
	return regs
}

func (d *Device) writeSingle(bank *Bank, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return d.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	d.mu.Lock()
	switch addr {
	case regIdentifySeconds:
		d.identifySeconds = value
	case regUnitIDConfig:
		newID := byte(value)
		d.pendingUnitID = &newID
	case regSaveEEPROM:
		if value == saveEEPROMMagic {
			d.savedAt = time.Now()
			if d.pendingUnitID != nil {
				newID := *d.pendingUnitID
				d.pendingUnitID = nil
				d.mu.Unlock()
				bank.rekey(d, newID)
				d.mu.Lock()
			}
		}
	default:
		if int(addr) < len(d.holding) {
			d.holding[addr] = value
		}
	}
	d.mu.Unlock()

	return req, nil // echo, matching the teacher's write-single convention
}

// rekey moves d to its new unit id in the bank's map, mirroring
// internal/device.Manager's own cache re-key on SetUnitID.
func (b *Bank) rekey(d *Device, newUnitID byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, d.UnitID)
	d.UnitID = newUnitID
	b.devices[newUnitID] = d
}

func (d *Device) writeMultiple(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) < 5 {
		return d.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]
	if byte(len(req.Data)-5) != byteCount || quantity == 0 {
		return d.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if int(addr)+int(quantity) > len(d.holding) {
		return d.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}
	regData := req.Data[5:]
	for i := uint16(0); i < quantity; i++ {
		d.holding[addr+i] = binary.BigEndian.Uint16(regData[i*2 : i*2+2])
	}
	if addr == regAliasLength {
		length := int(d.holding[regAliasLength])
		d.alias = unpackASCIIFromHolding(d.holding[regAliasData:], length)
	}

	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], addr)
	binary.BigEndian.PutUint16(out[2:4], quantity)
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: out}, nil
}

func unpackASCIIFromHolding(words []uint16, length int) string {
	b := make([]byte, 0, length)
	for i, w := range words {
		hi := byte(w >> 8)
		lo := byte(w)
		for j, c := range []byte{hi, lo} {
			idx := i*2 + j
			if idx >= length {
				return string(b)
			}
			b = append(b, c)
		}
	}
	return string(b)
}
