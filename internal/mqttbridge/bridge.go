// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package mqttbridge publishes telemetry, alert, and connectivity events to
// an external MQTT broker under the topic templates of spec §4.8. It
// maintains its own connection independent of the polling loop: publish
// never blocks on network I/O, and a disconnect queues events up to a
// bounded size rather than losing the bridge's place.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cenkalti/backoff/v4"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/eventbus"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/store"
)

// retryInterval is how often the bridge re-checks the store for
// measurements still marked unsent, catching up anything that fell outside
// the bounded outbound queue during a long disconnect.
const retryInterval = 30 * time.Second

// retryBatchSize bounds one catch-up publish pass.
const retryBatchSize = 200

// Config configures the broker connection and topic namespace.
type Config struct {
	Broker       string // e.g. "tcp://localhost:1883"
	ClientID     string
	Username     string
	Password     string
	TopicPrefix  string // {prefix} in spec §4.8's templates
	GatewayName  string // {deviceId} substitution for gateway-idiom topics
	QoS          byte   // 0/1/2; values above 2 fall back to 1
	OutboundSize int    // bounded outbound buffer, default 256
}

func (c Config) withDefaults() Config {
	if c.QoS > 2 {
		c.QoS = 1
	}
	if c.OutboundSize <= 0 {
		c.OutboundSize = eventbus.DefaultBufferSize
	}
	return c
}

// telemetryPayload is the JSON body for a measurements topic publish.
type telemetryPayload struct {
	Timestamp  string  `json:"timestamp"`
	DeviceID   string  `json:"device_id"`
	SensorID   string  `json:"sensor_id"`
	SensorType string  `json:"sensor_type"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	Quality    string  `json:"quality"`
}

// alertPayload is the JSON body for an alerts topic publish.
type alertPayload struct {
	ID        int64   `json:"id"`
	Level     string  `json:"level"`
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	Timestamp string  `json:"timestamp"`
	SensorID  *string `json:"sensor_id,omitempty"`
	Ack       bool    `json:"ack"`
	Auto      bool    `json:"auto,omitempty"`
}

// connectivityPayload is the JSON body for the gateway connect/disconnect
// topics.
type connectivityPayload struct {
	Device string `json:"device"`
}

// outbound is one queued publish awaiting a connected client.
type outbound struct {
	topic    string
	payload  []byte
	retained bool
}

// Bridge is the MQTT publisher worker. It subscribes to the event bus and
// republishes every event under the configured topic templates.
type Bridge struct {
	cfg    Config
	client mqtt.Client
	bus    *eventbus.Bus
	store  *store.Store

	mu           sync.Mutex
	connected    bool
	queue        []outbound
	knownDevices func() []string
	inventory    func() any
}

// New constructs a Bridge. st feeds the catch-up publish of measurements
// recorded while disconnected; it may be nil, which disables catch-up.
// Call Run to connect and start relaying events; construction itself
// performs no network I/O.
func New(cfg Config, bus *eventbus.Bus, st *store.Store) *Bridge {
	cfg = cfg.withDefaults()
	b := newWithClient(cfg, bus, nil, st)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(false) // the bridge drives reconnection itself, via Run's backoff loop
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) { b.handleConnect() })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { b.handleConnectionLost(err) })

	b.client = mqtt.NewClient(opts)
	return b
}

// newWithClient builds a Bridge around an already-constructed client,
// letting tests substitute a fake satisfying the mqtt.Client interface
// without dialing a real broker.
func newWithClient(cfg Config, bus *eventbus.Bus, client mqtt.Client, st *store.Store) *Bridge {
	return &Bridge{cfg: cfg.withDefaults(), bus: bus, client: client, store: st}
}

func (b *Bridge) handleConnect() {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	slog.Info("mqttbridge: connected", "broker", b.cfg.Broker)
	b.onConnect()
}

func (b *Bridge) handleConnectionLost(err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	slog.Warn("mqttbridge: connection lost", "err", err)
}

// Run connects to the broker (with exponential backoff, min 1s/max 60s/
// factor 2, per spec §4.8) and subscribes to the event bus, republishing
// every event until ctx is cancelled. inventory, when non-nil, supplies the
// gateway-wide attributes snapshot republished alongside knownDevices'
// per-device connect events each time the broker connection comes up.
func (b *Bridge) Run(ctx context.Context, knownDevices func() []string, inventory func() any) {
	b.knownDevices = knownDevices
	b.inventory = inventory
	go b.connectLoop(ctx)
	go b.runRetryLoop(ctx)

	sub := b.bus.Subscribe()
	defer b.bus.Unsubscribe(sub.ID)

	for {
		select {
		case <-ctx.Done():
			if b.client.IsConnected() {
				b.client.Disconnect(250)
			}
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			b.handle(evt)
		}
	}
}

func (b *Bridge) connectLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // retry indefinitely for the life of the bridge
	bctx := backoff.WithContext(bo, ctx)

	backoff.Retry(func() error { //nolint:errcheck
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		token := b.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			slog.Warn("mqttbridge: connect failed, retrying", "err", err)
			return err
		}
		return nil
	}, bctx)

	// The client's own auto-reconnect is off: once the link drops, run the
	// backoff again from the start.
	for b.client.IsConnected() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
	if ctx.Err() == nil {
		go b.connectLoop(ctx)
	}
}

// onConnect publishes queued events and the initial inventory snapshot
// once the client comes up, per spec §4.8's connection lifecycle.
func (b *Bridge) onConnect() {
	b.mu.Lock()
	queued := b.queue
	b.queue = nil
	knownFn := b.knownDevices
	invFn := b.inventory
	b.mu.Unlock()

	for _, o := range queued {
		b.publishNow(o)
	}

	if knownFn != nil {
		for _, deviceName := range knownFn() {
			b.publishNow(outbound{
				topic:   b.cfg.TopicPrefix + "/gateway/connect",
				payload: mustJSON(connectivityPayload{Device: deviceName}),
			})
		}
	}

	if invFn != nil {
		if inv := invFn(); inv != nil {
			b.PublishInventory(inv)
		}
	}

	if b.store != nil {
		b.retryUnsent(context.Background())
	}
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func (b *Bridge) handle(evt eventbus.Event) {
	switch evt.Kind {
	case eventbus.KindTelemetryUpdate:
		b.handleTelemetry(evt)
	case eventbus.KindNewAlert:
		b.handleNewAlert(evt)
	case eventbus.KindAlertAcknowledged:
		b.handleAlertAck(evt)
	case eventbus.KindDeviceOnline:
		b.publishConnectivity(true)
	case eventbus.KindDeviceOffline:
		b.publishConnectivity(false)
	}
}

func (b *Bridge) handleTelemetry(evt eventbus.Event) {
	upd, ok := evt.Payload.(eventbus.TelemetryUpdate)
	if !ok {
		return
	}
	deviceID := fmt.Sprintf("unit-%d", upd.UnitID)
	for sensorType, value := range upd.Values {
		payload, err := json.Marshal(telemetryPayload{
			Timestamp:  upd.Timestamp.Format(time.RFC3339Nano),
			DeviceID:   deviceID,
			SensorID:   fmt.Sprintf("%s-%s", deviceID, sensorType),
			SensorType: sensorType,
			Value:      value,
			Quality:    upd.Status,
		})
		if err != nil {
			continue
		}
		topic := fmt.Sprintf("%s/%s/%s/measurements", b.cfg.TopicPrefix, deviceID, sensorType)
		b.enqueue(outbound{topic: topic, payload: payload})
	}
}

func (b *Bridge) handleNewAlert(evt eventbus.Event) {
	a, ok := evt.Payload.(eventbus.NewAlert)
	if !ok {
		return
	}
	payload, err := json.Marshal(alertPayload{
		ID:        a.AlertID,
		Level:     a.Level,
		Code:      a.Code,
		Message:   a.Message,
		Timestamp: evt.Timestamp.Format(time.RFC3339Nano),
		SensorID:  a.SensorID,
		Ack:       false,
	})
	if err != nil {
		return
	}
	b.enqueue(outbound{topic: b.alertsTopic(a.DeviceID), payload: payload})
}

func (b *Bridge) handleAlertAck(evt eventbus.Event) {
	ack, ok := evt.Payload.(eventbus.AlertAcknowledged)
	if !ok {
		return
	}
	payload, err := json.Marshal(alertPayload{
		ID:        ack.AlertID,
		Timestamp: evt.Timestamp.Format(time.RFC3339Nano),
		Ack:       true,
		Auto:      ack.Auto,
		Message:   ack.Reason,
	})
	if err != nil {
		return
	}
	b.enqueue(outbound{topic: b.alertsTopic(nil), payload: payload})
}

// alertsTopic resolves {deviceId} to "unit-N" when known, falling back to
// the gateway-wide alerts topic otherwise.
func (b *Bridge) alertsTopic(deviceID *byte) string {
	id := b.cfg.GatewayName
	if deviceID != nil {
		id = fmt.Sprintf("unit-%d", *deviceID)
	}
	return strings.TrimRight(b.cfg.TopicPrefix, "/") + "/" + id + "/alerts"
}

func (b *Bridge) publishConnectivity(online bool) {
	topic := b.cfg.TopicPrefix + "/gateway/disconnect"
	if online {
		topic = b.cfg.TopicPrefix + "/gateway/connect"
	}
	payload, err := json.Marshal(connectivityPayload{Device: b.cfg.GatewayName})
	if err != nil {
		return
	}
	b.enqueue(outbound{topic: topic, payload: payload})
}

// PublishInventory publishes the gateway-keyed attributes object naming
// every active device and sensor, per spec §4.8.
func (b *Bridge) PublishInventory(inventory any) {
	payload, err := json.Marshal(inventory)
	if err != nil {
		return
	}
	b.enqueue(outbound{topic: b.cfg.TopicPrefix + "/gateway/attributes", payload: payload, retained: true})
}

// enqueue publishes immediately if connected, otherwise queues up to
// OutboundSize entries, dropping the oldest on overflow per spec §4.8.
func (b *Bridge) enqueue(o outbound) {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()

	if connected {
		b.publishNow(o)
		return
	}

	b.mu.Lock()
	if len(b.queue) >= b.cfg.OutboundSize {
		b.queue = b.queue[1:]
	}
	b.queue = append(b.queue, o)
	b.mu.Unlock()
}

// runRetryLoop periodically re-checks the store for measurements still
// marked unsent, catching up anything a long disconnect pushed past the
// bounded outbound queue's reach. A no-op if the bridge was built without
// a store.
func (b *Bridge) runRetryLoop(ctx context.Context) {
	if b.store == nil {
		return
	}
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.retryUnsent(ctx)
		}
	}
}

// retryUnsent publishes up to retryBatchSize unsent measurements in
// timestamp order, marking each sent only once its publish is acknowledged.
// It stops at the first failure so a later pass resumes at the same point.
func (b *Bridge) retryUnsent(ctx context.Context) {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return
	}

	rows, err := b.store.GetUnsentMeasurements(ctx, retryBatchSize)
	if err != nil {
		slog.Warn("mqttbridge: get unsent measurements failed", "err", err)
		return
	}

	var sentIDs []int64
	for _, m := range rows {
		unitID, sensorType, ok := parseSensorID(m.SensorID)
		if !ok {
			continue
		}
		deviceID := fmt.Sprintf("unit-%d", unitID)
		payload, err := json.Marshal(telemetryPayload{
			Timestamp:  m.Timestamp.Format(time.RFC3339Nano),
			DeviceID:   deviceID,
			SensorID:   m.SensorID,
			SensorType: sensorType,
			Value:      m.Value,
			Unit:       m.Unit,
			Quality:    m.Quality,
		})
		if err != nil {
			continue
		}
		topic := fmt.Sprintf("%s/%s/%s/measurements", b.cfg.TopicPrefix, deviceID, sensorType)
		token := b.client.Publish(topic, b.cfg.QoS, false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			slog.Warn("mqttbridge: retry publish failed", "topic", topic, "err", err)
			break
		}
		sentIDs = append(sentIDs, m.ID)
	}

	if len(sentIDs) == 0 {
		return
	}
	if err := b.store.MarkSent(ctx, sentIDs); err != nil {
		slog.Warn("mqttbridge: mark sent failed", "err", err)
	}
}

// parseSensorID splits a store.SensorID-formed id ("unit-<id>-<type>") back
// into its parts.
func parseSensorID(id string) (unitID byte, sensorType string, ok bool) {
	const prefix = "unit-"
	if !strings.HasPrefix(id, prefix) {
		return 0, "", false
	}
	rest := id[len(prefix):]
	sep := strings.Index(rest, "-")
	if sep < 0 {
		return 0, "", false
	}
	n, err := strconv.Atoi(rest[:sep])
	if err != nil || n < 0 || n > 255 {
		return 0, "", false
	}
	return byte(n), rest[sep+1:], true
}

func (b *Bridge) publishNow(o outbound) {
	token := b.client.Publish(o.topic, b.cfg.QoS, o.retained, o.payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			slog.Warn("mqttbridge: publish failed", "topic", o.topic, "err", err)
		}
	}()
}
