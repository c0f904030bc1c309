// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package alert

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	alerts  map[int64]*StoreAlert
	inserts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{alerts: make(map[int64]*StoreAlert)}
}

func (f *fakeStore) InsertAlert(ctx context.Context, a StoreAlert) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	a.ID = f.nextID
	f.alerts[a.ID] = &a
	f.inserts++
	return a.ID, nil
}

func (f *fakeStore) AcknowledgeAlert(ctx context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alerts, id)
	return nil
}

func (f *fakeStore) GetActiveAlerts(ctx context.Context) ([]StoreAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []StoreAlert
	for _, a := range f.alerts {
		out = append(out, *a)
	}
	return out, nil
}

type fakeSink struct {
	mu          sync.Mutex
	newAlerts   int
	acks        int
	autoAcks    int
}

func (f *fakeSink) PublishNewAlert(id int64, level, code, message string, sensorID *string, deviceID *byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newAlerts++
}

func (f *fakeSink) PublishAlertAcknowledged(id int64, auto bool, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	if auto {
		f.autoAcks++
	}
}

func ptr(f float64) *float64 { return &f }

func TestEvaluateMeasurement_FiresOnThresholdExceeded(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	e := New(store, sink)

	e.EvaluateMeasurement(context.Background(), Measurement{SensorID: "unit-2-tilt-x", Value: 6.2, AlarmHi: ptr(5.0)})

	if store.inserts != 1 {
		t.Fatalf("expected 1 alert inserted, got %d", store.inserts)
	}
	if sink.newAlerts != 1 {
		t.Fatalf("expected 1 new_alert event, got %d", sink.newAlerts)
	}
}

func TestEvaluateMeasurement_AutoResolvesWhenNormalized(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	e := New(store, sink)

	e.EvaluateMeasurement(context.Background(), Measurement{SensorID: "unit-2-tilt-x", Value: 6.2, AlarmHi: ptr(5.0)})
	e.EvaluateMeasurement(context.Background(), Measurement{SensorID: "unit-2-tilt-x", Value: 3.1, AlarmHi: ptr(5.0)})

	if sink.autoAcks != 1 {
		t.Fatalf("expected one auto-acknowledgement, got %d", sink.autoAcks)
	}
	if len(store.alerts) != 0 {
		t.Fatalf("expected no active alerts remaining, got %d", len(store.alerts))
	}
}

func TestEvaluateMeasurement_Debounced(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	e := New(store, sink)

	e.EvaluateMeasurement(context.Background(), Measurement{SensorID: "unit-2-tilt-x", Value: 6.2, AlarmHi: ptr(5.0)})
	e.EvaluateMeasurement(context.Background(), Measurement{SensorID: "unit-2-tilt-x", Value: 6.3, AlarmHi: ptr(5.0)})
	e.EvaluateMeasurement(context.Background(), Measurement{SensorID: "unit-2-tilt-x", Value: 6.4, AlarmHi: ptr(5.0)})

	if store.inserts != 1 {
		t.Fatalf("expected exactly 1 alert within debounce window, got %d", store.inserts)
	}
}

func TestDeviceOfflineDeadline_FiresAfter30Seconds(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	e := New(store, sink)

	e.mu.Lock()
	e.lastSeen[16] = time.Now().Add(-31 * time.Second)
	e.mu.Unlock()

	e.checkDeadlines(context.Background())

	if store.inserts != 1 {
		t.Fatalf("expected DEVICE_OFFLINE alert fired, got %d inserts", store.inserts)
	}

	e.NoteSuccessfulPoll(context.Background(), 16)
	if sink.autoAcks != 1 {
		t.Fatalf("expected auto-acknowledgement on recovery, got %d", sink.autoAcks)
	}
}

func TestAcknowledgeOperator_RemovesFromActiveSet(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	e := New(store, sink)

	e.EvaluateMeasurement(context.Background(), Measurement{SensorID: "unit-2-tilt-x", Value: 6.2, AlarmHi: ptr(5.0)})

	e.mu.Lock()
	var id int64
	for _, a := range e.active {
		id = a.id
	}
	e.mu.Unlock()

	if err := e.AcknowledgeOperator(context.Background(), id, "operator reviewed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.acks != 1 || sink.autoAcks != 0 {
		t.Fatalf("expected one non-auto acknowledgement, got acks=%d autoAcks=%d", sink.acks, sink.autoAcks)
	}

	e.mu.Lock()
	_, stillActive := e.active[Key{ID: "unit-2-tilt-x", Code: CodeThresholdExceededHi}]
	e.mu.Unlock()
	if stillActive {
		t.Fatalf("expected alert removed from active set after operator ack")
	}
}
