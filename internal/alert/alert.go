// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package alert turns measurement and connectivity streams into alert
// events, debounces repeated firings, and auto-resolves alerts once their
// triggering condition clears, per spec §4.6.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Alert codes, a closed enumeration per spec §3.
const (
	CodeThresholdExceededHi = "THRESHOLD_EXCEEDED_HI"
	CodeThresholdExceededLo = "THRESHOLD_EXCEEDED_LO"
	CodeDeviceOffline       = "DEVICE_OFFLINE"
)

// Levels, per spec §3.
const (
	LevelInfo     = "INFO"
	LevelWarn     = "WARN"
	LevelAlarm    = "ALARM"
	LevelCritical = "CRITICAL"
)

const (
	debounceWindow   = 60 * time.Second
	offlineDeadline  = 30 * time.Second
	deadlineInterval = 10 * time.Second
)

// Key is the debounce/uniqueness key: at most one active alert per
// (sensorOrDeviceID, code), per spec §3/§8.
type Key struct {
	ID   string // sensorID for threshold alerts, "unit-N" for device alerts
	Code string
}

// Measurement is the minimal shape the engine needs from a normalized
// sample to evaluate thresholds — decoupled from internal/normalize so
// alert has no import-time dependency on the Modbus decode path.
type Measurement struct {
	SensorID string
	UnitID   byte
	Value    float64
	AlarmLo  *float64
	AlarmHi  *float64
}

// Store is the persistence surface the engine needs.
type Store interface {
	InsertAlert(ctx context.Context, a StoreAlert) (int64, error)
	AcknowledgeAlert(ctx context.Context, id int64, reason string) error
	GetActiveAlerts(ctx context.Context) ([]StoreAlert, error)
}

// StoreAlert is the subset of store.Alert the engine reads/writes,
// redeclared here so alert doesn't import store's full persisted schema.
type StoreAlert struct {
	ID        int64
	Timestamp time.Time
	SensorID  *string
	DeviceID  *byte
	Level     string
	Code      string
	Message   string
}

// EventSink is the subset of eventbus.Bus the engine publishes to.
type EventSink interface {
	PublishNewAlert(id int64, level, code, message string, sensorID *string, deviceID *byte)
	PublishAlertAcknowledged(id int64, auto bool, reason string)
}

type activeAlert struct {
	id      int64
	firedAt time.Time
}

// Engine is the background worker converting measurement/connectivity
// streams into alert rows, with debounce and auto-resolution.
type Engine struct {
	store  Store
	events EventSink

	mu        sync.Mutex
	active    map[Key]*activeAlert
	lastFired map[Key]time.Time // survives auto-resolution, for the debounce window

	lastSeen map[byte]time.Time // mirrors device manager's last-seen, for the deadline watcher
}

// New constructs an Engine. The active set is empty until Rebuild is
// called (typically once at startup, from persistence).
func New(store Store, events EventSink) *Engine {
	return &Engine{
		store:     store,
		events:    events,
		active:    make(map[Key]*activeAlert),
		lastFired: make(map[Key]time.Time),
		lastSeen:  make(map[byte]time.Time),
	}
}

// Rebuild repopulates the in-memory active set from persistence, per the
// Design Notes §9 "alert state held both in persistence and in-memory".
func (e *Engine) Rebuild(ctx context.Context) error {
	alerts, err := e.store.GetActiveAlerts(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range alerts {
		key := keyFor(a.SensorID, a.DeviceID, a.Code)
		e.active[key] = &activeAlert{id: a.ID, firedAt: a.Timestamp}
		e.lastFired[key] = a.Timestamp
	}
	return nil
}

func keyFor(sensorID *string, deviceID *byte, code string) Key {
	if sensorID != nil {
		return Key{ID: *sensorID, Code: code}
	}
	if deviceID != nil {
		return Key{ID: fmt.Sprintf("unit-%d", *deviceID), Code: code}
	}
	return Key{Code: code}
}

// EvaluateMeasurement implements the threshold rule of spec §4.6: fires
// THRESHOLD_EXCEEDED_HI/LO when a threshold is breached, auto-resolves an
// active alert of either code when the value normalizes.
func (e *Engine) EvaluateMeasurement(ctx context.Context, m Measurement) {
	hiBreached := m.AlarmHi != nil && m.Value > *m.AlarmHi
	loBreached := m.AlarmLo != nil && m.Value < *m.AlarmLo

	switch {
	case hiBreached:
		e.fire(ctx, Key{ID: m.SensorID, Code: CodeThresholdExceededHi}, LevelAlarm, &m.SensorID, nil,
			fmt.Sprintf("value %.3f exceeds high threshold %.3f", m.Value, *m.AlarmHi))
	case loBreached:
		e.fire(ctx, Key{ID: m.SensorID, Code: CodeThresholdExceededLo}, LevelAlarm, &m.SensorID, nil,
			fmt.Sprintf("value %.3f below low threshold %.3f", m.Value, *m.AlarmLo))
	default:
		e.autoResolve(ctx, Key{ID: m.SensorID, Code: CodeThresholdExceededHi}, "value normalized")
		e.autoResolve(ctx, Key{ID: m.SensorID, Code: CodeThresholdExceededLo}, "value normalized")
	}
}

// NoteSuccessfulPoll records that unitID produced a successful measurement
// just now, for the offline-deadline watcher, and auto-resolves any active
// DEVICE_OFFLINE alert.
func (e *Engine) NoteSuccessfulPoll(ctx context.Context, unitID byte) {
	e.mu.Lock()
	e.lastSeen[unitID] = time.Now()
	e.mu.Unlock()

	e.autoResolve(ctx, Key{ID: fmt.Sprintf("unit-%d", unitID), Code: CodeDeviceOffline}, "device recovered")
}

// RunDeadlineWatcher is the alert deadline watcher worker: it wakes every
// 10s and fires DEVICE_OFFLINE for any tracked device that has not
// produced a successful poll within offlineDeadline. Returns when ctx is
// cancelled.
func (e *Engine) RunDeadlineWatcher(ctx context.Context) {
	ticker := time.NewTicker(deadlineInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkDeadlines(ctx)
		}
	}
}

func (e *Engine) checkDeadlines(ctx context.Context) {
	now := time.Now()
	e.mu.Lock()
	overdue := make([]byte, 0)
	for unitID, last := range e.lastSeen {
		if now.Sub(last) > offlineDeadline {
			overdue = append(overdue, unitID)
		}
	}
	e.mu.Unlock()

	for _, unitID := range overdue {
		deviceKeyID := fmt.Sprintf("unit-%d", unitID)
		id := unitID
		e.fire(ctx, Key{ID: deviceKeyID, Code: CodeDeviceOffline}, LevelWarn, nil, &id,
			fmt.Sprintf("device %d has not reported in over %s", unitID, offlineDeadline))
	}
}

// TrackDevice registers unitID with the deadline watcher, seeded with the
// current time so a freshly discovered device isn't immediately overdue.
func (e *Engine) TrackDevice(unitID byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.lastSeen[unitID]; !ok {
		e.lastSeen[unitID] = time.Now()
	}
}

// fire creates a new alert for key unless one is already active (alert
// uniqueness, spec §8) or a prior firing of the same key landed within
// the last 60s (debounce, spec §4.6/§8) — including one that has since
// auto-resolved, so a rapidly oscillating signal doesn't storm.
func (e *Engine) fire(ctx context.Context, key Key, level string, sensorID *string, deviceID *byte, message string) {
	e.mu.Lock()
	if _, ok := e.active[key]; ok {
		e.mu.Unlock()
		return
	}
	if last, ok := e.lastFired[key]; ok && time.Since(last) < debounceWindow {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	id, err := e.store.InsertAlert(ctx, StoreAlert{
		Timestamp: time.Now().UTC(),
		SensorID:  sensorID,
		DeviceID:  deviceID,
		Level:     level,
		Code:      key.Code,
		Message:   message,
	})
	if err != nil {
		slog.Error("alert: failed to persist alert", "key", key, "err", err)
		return
	}

	e.mu.Lock()
	e.active[key] = &activeAlert{id: id, firedAt: time.Now()}
	e.lastFired[key] = time.Now()
	e.mu.Unlock()

	if e.events != nil {
		e.events.PublishNewAlert(id, level, key.Code, message, sensorID, deviceID)
	}
}

// autoResolve acknowledges the active alert for key, if any, with an
// "auto: <reason>" acknowledgement reason.
func (e *Engine) autoResolve(ctx context.Context, key Key, reason string) {
	e.mu.Lock()
	a, ok := e.active[key]
	if ok {
		delete(e.active, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	fullReason := "auto: " + reason
	if err := e.store.AcknowledgeAlert(ctx, a.id, fullReason); err != nil {
		slog.Error("alert: failed to auto-acknowledge alert", "id", a.id, "err", err)
		return
	}
	if e.events != nil {
		e.events.PublishAlertAcknowledged(a.id, true, fullReason)
	}
}

// AcknowledgeOperator acknowledges an alert by operator command (as
// opposed to auto-resolution), per spec §3's two acknowledgement sources.
func (e *Engine) AcknowledgeOperator(ctx context.Context, id int64, reason string) error {
	if err := e.store.AcknowledgeAlert(ctx, id, reason); err != nil {
		return err
	}

	e.mu.Lock()
	for key, a := range e.active {
		if a.id == id {
			delete(e.active, key)
			break
		}
	}
	e.mu.Unlock()

	if e.events != nil {
		e.events.PublishAlertAcknowledged(id, false, reason)
	}
	return nil
}
