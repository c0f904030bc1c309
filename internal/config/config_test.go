// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"testing"
	"time"
)

func TestLoad_AppliesDefaultsWhenUnset(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Serial.BaudRate != 115200 {
		t.Fatalf("expected default baud rate 115200, got %d", cfg.Serial.BaudRate)
	}
	if cfg.Serial.Timeout != 300*time.Millisecond {
		t.Fatalf("expected default timeout 300ms, got %v", cfg.Serial.Timeout)
	}
	if cfg.Poll.IntervalSec != 1 {
		t.Fatalf("expected default poll interval 1s, got %d", cfg.Poll.IntervalSec)
	}
	if cfg.Device.UnitIDMax != 247 {
		t.Fatalf("expected default unit id max 247, got %d", cfg.Device.UnitIDMax)
	}
}

func TestLoad_EnvironmentOverridesDefault(t *testing.T) {
	t.Setenv("MODBUS_BAUDRATE", "9600")
	t.Setenv("POLL_INTERVAL_SEC", "5")
	t.Setenv("DB_PATH", "/var/lib/gateway/gateway.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Serial.BaudRate != 9600 {
		t.Fatalf("expected overridden baud rate 9600, got %d", cfg.Serial.BaudRate)
	}
	if cfg.Poll.IntervalSec != 5 {
		t.Fatalf("expected overridden poll interval 5, got %d", cfg.Poll.IntervalSec)
	}
	if cfg.Store.DBPath != "/var/lib/gateway/gateway.db" {
		t.Fatalf("expected overridden db path, got %q", cfg.Store.DBPath)
	}
}

func TestFixupSerial_UppercasesParityAndAppliesTimeoutFloor(t *testing.T) {
	s := &SerialConfig{Parity: "none"}
	fixupSerial(s)

	if s.Parity != "NONE" {
		t.Fatalf("expected parity upper-cased, got %q", s.Parity)
	}
	if s.Timeout != 300*time.Millisecond {
		t.Fatalf("expected timeout defaulted to 300ms, got %v", s.Timeout)
	}
	if s.DataBits != 8 || s.StopBits != 1 {
		t.Fatalf("expected data/stop bit defaults applied, got %d/%d", s.DataBits, s.StopBits)
	}
}
