// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gatewayrt

import (
	"context"
	"testing"
	"time"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/alert"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/config"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/eventbus"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/normalize"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.Store.DBPath = ":memory:"
	cfg.Serial.Port = "/dev/null"
	cfg.HTTP.Port = 0
	cfg.MQTT.BrokerHost = "127.0.0.1"
	cfg.MQTT.BrokerPort = 1
	return cfg
}

func TestNew_WiresEveryComponentWithoutError(t *testing.T) {
	rt, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.store.Close()

	if rt.bus == nil || rt.devices == nil || rt.scheduler == nil || rt.alerts == nil || rt.hub == nil || rt.bridge == nil {
		t.Fatalf("expected every component constructed, got %+v", rt)
	}
}

func TestRun_ShutsDownCleanlyOnContextCancel(t *testing.T) {
	rt, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestPollSink_OnSamplePersistsAndEvaluatesKnownSensor(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.UpsertSensor(ctx, 2, normalize.TypeAngleX, "deg", 0); err != nil {
		t.Fatalf("UpsertSensor: %v", err)
	}
	hi := 5.0
	if err := st.SetThresholds(ctx, store.SensorID(2, normalize.TypeAngleX), nil, &hi); err != nil {
		t.Fatalf("SetThresholds: %v", err)
	}

	events := eventbus.New(eventbus.DefaultBufferSize)
	alerts := alert.New(&alertStore{st}, events)
	sink := &pollSink{store: st, alerts: alerts, events: events}

	sink.OnSample(2, normalize.Sample{
		UnitID:  2,
		Quality: normalize.QualityOK,
		Values:  []normalize.Value{{Type: normalize.TypeAngleX, Value: 6.2, Unit: "deg"}},
	})

	rows, err := st.GetMeasurements(ctx, store.SensorID(2, normalize.TypeAngleX), time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("GetMeasurements: %v", err)
	}
	if len(rows) != 1 || rows[0].Value != 6.2 {
		t.Fatalf("expected one persisted measurement of 6.2, got %+v", rows)
	}

	active, err := st.GetAlerts(ctx, boolPtr(false), "", 10)
	if err != nil {
		t.Fatalf("GetAlerts: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected one active alert from the threshold breach, got %d", len(active))
	}
}

func boolPtr(b bool) *bool { return &b }
