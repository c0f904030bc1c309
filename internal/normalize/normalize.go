// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package normalize decodes the raw input-register block a poll reads into
// typed, scaled, physically-meaningful sensor values, gated by the
// device's advertised capability bitmask.
package normalize

import (
	"encoding/binary"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/device"
)

// Quality bands attached to every normalized sample, per spec §3/§4.4.
type Quality string

const (
	QualityOK         Quality = "OK"
	QualityWarn       Quality = "WARN"
	QualityAlarm      Quality = "ALARM"
	QualityErrorComms Quality = "ERROR_COMMS"
)

// Sensor type names, stable across the cache, persistence, and fan-out.
const (
	TypeAngleX      = "tilt-x"
	TypeAngleY      = "tilt-y"
	TypeTemperature = "temperature"
	TypeAccelX      = "accel-x"
	TypeAccelY      = "accel-y"
	TypeAccelZ      = "accel-z"
	TypeGyroX       = "gyro-x"
	TypeGyroY       = "gyro-y"
	TypeGyroZ       = "gyro-z"
	TypeLoad        = "load"
	TypeWindSpeed   = "wind-speed"
	TypeWindDir     = "wind-direction"
)

// Input-register offsets, bit-exact per spec §6.1.
const (
	regAngleX      = 0x00
	regAngleY      = 0x01
	regTemperature = 0x02
	regAccelX      = 0x03
	regAccelY      = 0x04
	regAccelZ      = 0x05
	regGyroX       = 0x06
	regGyroY       = 0x07
	regGyroZ       = 0x08
	regSampleLo    = 0x09
	regSampleHi    = 0x0A
	regQualityBits = 0x0B
	regLoad        = 0x0C
	regWindSpeed   = 0x0D
	regWindDir     = 0x0E

	// BlockRegisters is the contiguous input-register block width a full
	// read covers: every field named in spec §6.1's input register table.
	BlockRegisters = 0x0F
)

// Plausibility ceilings for the MPU6050 block, per spec §4.4: a raw word
// corrupted by a sign-extension bug or a dropped byte decodes to a
// magnitude no real sensor produces. Past these the sample as a whole is
// untrustworthy, not just out of the sensor's normal operating range.
const (
	maxPlausibleAngleDeg = 1000.0
	maxPlausibleAccelG   = 50.0
	maxPlausibleGyroDegS = 4000.0
)

// Value is one decoded, scaled field.
type Value struct {
	Type  string
	Value float64
	Unit  string
}

// Sample is the normalized carrier handed to the fan-out (persistence,
// alert engine, WS push, MQTT bridge) for one successful poll.
type Sample struct {
	UnitID        byte
	SampleCounter uint32
	Values        []Value
	Quality       Quality
}

// ErrDecode reports an input-register block too short to hold the
// mandatory MPU6050 fields; no sample is produced. Implausible magnitudes
// are not errors: Decode reports them through the sample's Quality
// (QualityErrorComms) with a nil error.
type ErrDecode struct {
	Reason string
}

func (e *ErrDecode) Error() string { return "normalize: " + e.Reason }

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Decode scales the raw input-register block into a Sample, consulting
// caps to decide which fields are present. regs must hold at least the
// nine MPU6050 words (len(regs)/2 >= 9), else ErrDecode; a full read is
// BlockRegisters words, and shorter blocks for devices lacking wind/load
// capability are tolerated — fields beyond the slice bounds are simply
// absent.
func Decode(unitID byte, caps device.Capabilities, regs []byte) (Sample, error) {
	words := len(regs) / 2
	if words < 9 {
		return Sample{}, &ErrDecode{Reason: "input register block shorter than the mandatory MPU6050 fields"}
	}

	word := func(i int) uint16 {
		if i >= words {
			return 0
		}
		return binary.BigEndian.Uint16(regs[i*2 : i*2+2])
	}
	signed := func(i int) int16 { return int16(word(i)) }

	sample := Sample{UnitID: unitID, Quality: QualityOK}

	if words > regSampleHi {
		sample.SampleCounter = uint32(word(regSampleHi))<<16 | uint32(word(regSampleLo))
	}

	if caps.Has(device.CapMPU6050) {
		angleX := float64(signed(regAngleX)) / 100
		angleY := float64(signed(regAngleY)) / 100
		temp := float64(signed(regTemperature)) / 100
		accelX := float64(signed(regAccelX)) / 1000
		accelY := float64(signed(regAccelY)) / 1000
		accelZ := float64(signed(regAccelZ)) / 1000
		gyroX := float64(signed(regGyroX)) / 1000
		gyroY := float64(signed(regGyroY)) / 1000
		gyroZ := float64(signed(regGyroZ)) / 1000

		if abs(angleX) > maxPlausibleAngleDeg || abs(angleY) > maxPlausibleAngleDeg ||
			abs(accelX) > maxPlausibleAccelG || abs(accelY) > maxPlausibleAccelG || abs(accelZ) > maxPlausibleAccelG ||
			abs(gyroX) > maxPlausibleGyroDegS || abs(gyroY) > maxPlausibleGyroDegS || abs(gyroZ) > maxPlausibleGyroDegS {
			sample.Quality = QualityErrorComms
			sample.Values = nil
			return sample, nil
		}

		sample.Values = append(sample.Values,
			Value{Type: TypeAngleX, Value: angleX, Unit: "deg"},
			Value{Type: TypeAngleY, Value: angleY, Unit: "deg"},
			Value{Type: TypeTemperature, Value: temp, Unit: "degC"},
			Value{Type: TypeAccelX, Value: accelX, Unit: "g"},
			Value{Type: TypeAccelY, Value: accelY, Unit: "g"},
			Value{Type: TypeAccelZ, Value: accelZ, Unit: "g"},
			Value{Type: TypeGyroX, Value: gyroX, Unit: "deg/s"},
			Value{Type: TypeGyroY, Value: gyroY, Unit: "deg/s"},
			Value{Type: TypeGyroZ, Value: gyroZ, Unit: "deg/s"},
		)
		if angleX > 180 || angleX < -180 || angleY > 180 || angleY < -180 {
			sample.Quality = QualityWarn
		}
	}

	if caps.Has(device.CapLoad) && words > regLoad {
		sample.Values = append(sample.Values, Value{Type: TypeLoad, Value: float64(signed(regLoad)) / 100, Unit: "kg"})
	}

	if caps.Has(device.CapWind) && words > regWindDir {
		sample.Values = append(sample.Values,
			Value{Type: TypeWindSpeed, Value: float64(word(regWindSpeed)) / 100, Unit: "m/s"},
			Value{Type: TypeWindDir, Value: float64(word(regWindDir)), Unit: "deg"},
		)
	}

	return sample, nil
}
