// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/alert"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/device"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/master"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/modbus"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/normalize"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/poll"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/store"
)

// fakeBus answers every identity probe with a fixed register block so
// device.Manager.Discover finds exactly the unit ids in found.
type fakeBus struct {
	found map[byte]bool
}

func (f *fakeBus) Request(ctx context.Context, unitID, function byte, payload []byte, timeout time.Duration) (modbus.ProtocolDataUnit, error) {
	if !f.found[unitID] {
		return modbus.ProtocolDataUnit{}, master.ErrTimeout
	}
	quantity := int(binary.BigEndian.Uint16(payload[2:4]))
	data := make([]byte, 1+quantity*2)
	data[0] = byte(quantity * 2)
	return modbus.ProtocolDataUnit{FunctionCode: function, Data: data}, nil
}

type noopPollBus struct{}

func (noopPollBus) Request(ctx context.Context, unitID, function byte, payload []byte, timeout time.Duration) (modbus.ProtocolDataUnit, error) {
	return modbus.ProtocolDataUnit{}, master.ErrTimeout
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	devices := device.New(&fakeBus{found: map[byte]bool{5: true}}, nil, nil)
	bus := master.New(master.Config{Device: "/dev/null"})
	alerts := alert.New(alertStoreAdapter{st}, nil)
	scheduler := poll.New(noopPollBus{}, devices, nopSink{})

	return &Server{
		Bus:       bus,
		Devices:   devices,
		Scheduler: scheduler,
		Store:     st,
		Alerts:    alerts,
	}
}

type nopSink struct{}

func (nopSink) OnSample(unitID byte, sample normalize.Sample) {}
func (nopSink) OnFailure(unitID byte, err error)              {}

// alertStoreAdapter lets the real store back the alert engine under test.
// GetActiveAlerts is only read by Rebuild, which these tests never call.
type alertStoreAdapter struct{ st *store.Store }

func (a alertStoreAdapter) InsertAlert(ctx context.Context, sa alert.StoreAlert) (int64, error) {
	return a.st.InsertAlert(ctx, store.Alert{Timestamp: sa.Timestamp, SensorID: sa.SensorID, DeviceID: sa.DeviceID, Level: sa.Level, Code: sa.Code, Message: sa.Message})
}

func (a alertStoreAdapter) AcknowledgeAlert(ctx context.Context, id int64, reason string) error {
	return a.st.AcknowledgeAlert(ctx, id, reason)
}

func (a alertStoreAdapter) GetActiveAlerts(ctx context.Context) ([]alert.StoreAlert, error) {
	return nil, nil
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestHandleDiscover_ReturnsFoundDevices(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(discoverRequest{UnitIDMin: 1, UnitIDMax: 10})
	req := httptest.NewRequest(http.MethodPost, "/api/discover", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var found []device.Device
	if err := json.Unmarshal(rr.Body.Bytes(), &found); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(found) != 1 || found[0].UnitID != 5 {
		t.Fatalf("expected exactly unit 5 discovered, got %+v", found)
	}
}

func TestHandleDiscover_RejectsInvalidRange(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(discoverRequest{UnitIDMin: 10, UnitIDMax: 1})
	req := httptest.NewRequest(http.MethodPost, "/api/discover", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHandleSetAlias_RejectsUnknownDevice(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(aliasRequest{Alias: "crane-east"})
	req := httptest.NewRequest(http.MethodPut, "/api/devices/9/alias", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown device, got %d: %s", rr.Code, rr.Body.String())
	}
	var apiErr apiError
	if err := json.Unmarshal(rr.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if apiErr.Code != "ValidationError" {
		t.Fatalf("expected ValidationError code, got %q", apiErr.Code)
	}
}

func TestHandlePollingStartStop_ReflectsInStatus(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(pollingStartRequest{IntervalSec: 1, UnitIDs: []byte{5}})
	req := httptest.NewRequest(http.MethodPost, "/api/polling/start", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 starting polling, got %d: %s", rr.Code, rr.Body.String())
	}
	var st poll.State
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Running {
		t.Fatalf("expected polling running after start")
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/polling/stop", nil)
	s.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 stopping polling, got %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Running {
		t.Fatalf("expected polling stopped")
	}
}

func TestHandleGetAlerts_RejectsMalformedAck(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/alerts?ack=maybe", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHandleAcknowledgeAlert_RejectsUnknownID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/alerts/999/acknowledge", bytes.NewReader([]byte(`{"reason":"checked"}`)))
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unknown alert id, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleAdapter_ReportsZeroedStatsBeforeTraffic(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/adapter", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var stats map[string]float64
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats["tx"] != 0 {
		t.Fatalf("expected zeroed tx count before any traffic, got %v", stats["tx"])
	}
}
