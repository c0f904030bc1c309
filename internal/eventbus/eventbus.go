// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package eventbus is the single in-process publisher that fans telemetry,
// alert, and connectivity events out to the WebSocket hub and the MQTT
// bridge. Subscribers never block the publisher: a full queue drops its
// oldest entry and flags the subscriber, per spec §4.7.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the shape of an event's Payload.
type Kind string

const (
	KindTelemetryUpdate   Kind = "telemetry_update"
	KindDeviceOnline      Kind = "device_online"
	KindDeviceOffline     Kind = "device_offline"
	KindNewAlert          Kind = "new_alert"
	KindAlertAcknowledged Kind = "alert_acknowledged"
)

// Event is the envelope delivered to every subscriber.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// TelemetryUpdate is the payload for KindTelemetryUpdate.
type TelemetryUpdate struct {
	UnitID    byte
	Timestamp time.Time
	Values    map[string]float64
	Status    string
}

// ConnectivityChange is the payload for KindDeviceOnline/KindDeviceOffline.
type ConnectivityChange struct {
	UnitID byte
}

// NewAlert is the payload for KindNewAlert.
type NewAlert struct {
	AlertID  int64
	Level    string
	Code     string
	Message  string
	SensorID *string
	DeviceID *byte
}

// AlertAcknowledged is the payload for KindAlertAcknowledged.
type AlertAcknowledged struct {
	AlertID int64
	Auto    bool
	Reason  string
}

// DefaultBufferSize is the per-subscriber queue depth from spec §4.7.
const DefaultBufferSize = 256

// Subscription is a live subscriber handle returned by Subscribe.
type Subscription struct {
	ID uuid.UUID
	C  <-chan Event

	overflowed atomic.Bool
}

// Overflowed reports whether this subscription has ever dropped an event
// due to a full queue.
func (s *Subscription) Overflowed() bool { return s.overflowed.Load() }

type subscriber struct {
	id uuid.UUID
	ch chan Event
	sv *Subscription
}

// Bus is the single in-process publisher. There is exactly one producer
// (the polling scheduler / alert engine / device manager); many consumers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[uuid.UUID]*subscriber
	bufferSize int
}

// New constructs a Bus with the given per-subscriber buffer size. A
// non-positive size falls back to DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:       make(map[uuid.UUID]*subscriber),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new subscriber and returns its channel. Callers
// must call Unsubscribe when done to release the queue.
func (b *Bus) Subscribe() *Subscription {
	id := uuid.New()
	ch := make(chan Event, b.bufferSize)
	sv := &Subscription{ID: id, C: ch}
	s := &subscriber{id: id, ch: ch, sv: sv}

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	return sv
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(s.ch)
	}
}

// Publish delivers an event to every current subscriber, non-blocking. A
// subscriber whose queue is full has its oldest queued event dropped to
// make room, and is flagged as having overflowed.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- evt:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- evt:
			default:
			}
			s.sv.overflowed.Store(true)
		}
	}
}

// PublishNewAlert publishes a KindNewAlert event. Satisfies the narrow
// EventSink interface the alert engine depends on, so an *eventbus.Bus can
// be handed to alert.New directly without an adapter.
func (b *Bus) PublishNewAlert(id int64, level, code, message string, sensorID *string, deviceID *byte) {
	b.Publish(Event{Kind: KindNewAlert, Payload: NewAlert{
		AlertID: id, Level: level, Code: code, Message: message, SensorID: sensorID, DeviceID: deviceID,
	}})
}

// PublishAlertAcknowledged publishes a KindAlertAcknowledged event.
func (b *Bus) PublishAlertAcknowledged(id int64, auto bool, reason string) {
	b.Publish(Event{Kind: KindAlertAcknowledged, Payload: AlertAcknowledged{AlertID: id, Auto: auto, Reason: reason}})
}

// PublishConnectivity publishes a KindDeviceOnline/KindDeviceOffline event.
func (b *Bus) PublishConnectivity(unitID byte, online bool) {
	kind := KindDeviceOffline
	if online {
		kind = KindDeviceOnline
	}
	b.Publish(Event{Kind: kind, Payload: ConnectivityChange{UnitID: unitID}})
}

// PublishOnline publishes a KindDeviceOnline event. Satisfies the narrow
// EventSink interface internal/device depends on.
func (b *Bus) PublishOnline(unitID byte) { b.PublishConnectivity(unitID, true) }

// PublishOffline publishes a KindDeviceOffline event.
func (b *Bus) PublishOffline(unitID byte) { b.PublishConnectivity(unitID, false) }

// PublishTelemetry publishes a KindTelemetryUpdate event.
func (b *Bus) PublishTelemetry(unitID byte, values map[string]float64, status string) {
	b.Publish(Event{Kind: KindTelemetryUpdate, Payload: TelemetryUpdate{
		UnitID: unitID, Timestamp: time.Now().UTC(), Values: values, Status: status,
	}})
}

// SubscriberCount reports how many subscribers are currently registered.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
