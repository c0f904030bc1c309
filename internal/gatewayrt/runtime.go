// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package gatewayrt wires the bus serializer, device manager, polling
// scheduler, alert engine, persistence, event bus, WebSocket hub, MQTT
// bridge, and HTTP façade into one running gateway, and owns the shutdown
// sequence from spec §5.
package gatewayrt

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/multierr"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/alert"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/api"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/config"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/device"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/eventbus"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/master"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/mqttbridge"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/normalize"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/poll"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/store"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/ws"
)

// Runtime owns every long-lived worker the gateway runs.
type Runtime struct {
	cfg *config.Config

	bus       *master.Bus
	store     *store.Store
	events    *eventbus.Bus
	devices   *device.Manager
	alerts    *alert.Engine
	scheduler *poll.Scheduler
	hub       *ws.Hub
	bridge    *mqttbridge.Bridge
	http      *http.Server
}

// New wires every component from cfg. The serial port is opened lazily by
// the bus serializer's Run method; the store is opened here since the alert
// engine's Rebuild reads it before the workers start.
func New(cfg *config.Config) (*Runtime, error) {
	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("gatewayrt: open store: %w", err)
	}

	events := eventbus.New(eventbus.DefaultBufferSize)

	bus := master.New(master.Config{
		Device:             cfg.Serial.Port,
		BaudRate:           cfg.Serial.BaudRate,
		DataBits:           cfg.Serial.DataBits,
		Parity:             cfg.Serial.Parity,
		StopBits:           cfg.Serial.StopBits,
		RS485:              cfg.Serial.RS485,
		DelayRtsBeforeSend: cfg.Serial.DelayRtsBeforeSend,
		DelayRtsAfterSend:  cfg.Serial.DelayRtsAfterSend,
		RtsHighDuringSend:  cfg.Serial.RtsHighDuringSend,
		RtsHighAfterSend:   cfg.Serial.RtsHighAfterSend,
		RxDuringTx:         cfg.Serial.RxDuringTx,
		OperationalTimeout: cfg.Serial.Timeout,
	})

	devices := device.New(bus, st, events,
		device.WithDiscoveryTimeout(cfg.Serial.DiscoveryTimeout),
		device.WithOperationalTimeout(cfg.Serial.Timeout),
	)

	alerts := alert.New(&alertStore{st}, events)

	sink := &pollSink{store: st, alerts: alerts, events: events}
	scheduler := poll.New(bus, devices, sink)

	hub := ws.NewHub(events)

	bridge := mqttbridge.New(mqttbridge.Config{
		Broker:      fmt.Sprintf("tcp://%s:%d", cfg.MQTT.BrokerHost, cfg.MQTT.BrokerPort),
		ClientID:    "modbus-sensor-gateway",
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		GatewayName: "gateway",
		QoS:         byte(cfg.MQTT.QoS),
	}, events, st)

	apiServer := &api.Server{
		Bus:       bus,
		Devices:   devices,
		Scheduler: scheduler,
		Store:     st,
		Alerts:    alerts,
		WebSocket: hub,
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler: apiServer.Router(),
	}

	return &Runtime{
		cfg:       cfg,
		bus:       bus,
		store:     st,
		events:    events,
		devices:   devices,
		alerts:    alerts,
		scheduler: scheduler,
		hub:       hub,
		bridge:    bridge,
		http:      httpServer,
	}, nil
}

// Run starts every worker, blocks until ctx is cancelled, then shuts the
// gateway down in reverse-dependency order: HTTP accept stops first (no
// new operator commands), then polling (no new samples), then the alert
// deadline watcher, then the MQTT bridge and WebSocket hub (stop fanning
// events out), then the store, and finally the bus serializer so the serial
// port is released last, per spec §5.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.alerts.Rebuild(ctx); err != nil {
		return fmt.Errorf("gatewayrt: rebuild alert state: %w", err)
	}

	busCtx, cancelBus := context.WithCancel(context.Background())
	defer cancelBus()
	go r.bus.Run(busCtx)

	watcherCtx, cancelWatcher := context.WithCancel(context.Background())
	defer cancelWatcher()
	go r.alerts.RunDeadlineWatcher(watcherCtx)

	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	go r.hub.Run(hubCtx)

	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	defer cancelBridge()
	go r.bridge.Run(bridgeCtx, r.knownDeviceNames, r.inventorySnapshot)

	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	defer cancelCleanup()
	go r.runRetentionSweep(cleanupCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := r.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			slog.Error("gatewayrt: http server failed", "err", err)
		}
	}

	return r.shutdown(cancelWatcher, cancelHub, cancelBridge, cancelBus, cancelCleanup)
}

func (r *Runtime) shutdown(cancelWatcher, cancelHub, cancelBridge, cancelBus, cancelCleanup context.CancelFunc) error {
	var errs error

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.http.Shutdown(shutdownCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	r.scheduler.Stop()

	cancelWatcher()
	cancelCleanup()
	cancelBridge()
	cancelHub()

	if err := r.store.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("store close: %w", err))
	}

	cancelBus()

	return errs
}

// inventorySnapshot builds the gateway-wide attributes object the MQTT
// bridge publishes on connect, keyed by device name to its sensor types,
// per spec §4.8/SPEC_FULL §9.
func (r *Runtime) inventorySnapshot() any {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	devices, sensors, err := r.store.Snapshot(ctx)
	if err != nil {
		slog.Warn("gatewayrt: inventory snapshot failed", "err", err)
		return nil
	}
	out := make(map[string][]string, len(devices))
	for _, d := range devices {
		name := d.Alias
		if name == "" {
			name = fmt.Sprintf("unit-%d", d.UnitID)
		}
		types := make([]string, 0, len(sensors[d.UnitID]))
		for _, sn := range sensors[d.UnitID] {
			types = append(types, sn.Type)
		}
		out[name] = types
	}
	return out
}

// cleanupInterval is how often the retention sweep runs; daily is frequent
// enough to keep the measurements table bounded without contending with
// the single SQLite writer during normal polling.
const cleanupInterval = 24 * time.Hour

// runRetentionSweep deletes measurements older than cfg.Store.RetentionDays
// on a fixed interval until ctx is cancelled, per spec §4.5's retention
// policy.
func (r *Runtime) runRetentionSweep(ctx context.Context) {
	if r.cfg.Store.RetentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.CleanupOlderThan(ctx, r.cfg.Store.RetentionDays)
			if err != nil {
				slog.Warn("gatewayrt: retention cleanup failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("gatewayrt: retention cleanup removed measurements", "count", n)
			}
		}
	}
}

func (r *Runtime) knownDeviceNames() []string {
	snapshot := r.devices.Snapshot()
	names := make([]string, 0, len(snapshot))
	for _, d := range snapshot {
		if d.Alias != "" {
			names = append(names, d.Alias)
			continue
		}
		names = append(names, fmt.Sprintf("unit-%d", d.UnitID))
	}
	return names
}

// pollSink fans a normalized sample out to persistence, the alert engine,
// and the event bus, per spec §4.3's per-tick fan-out.
type pollSink struct {
	store  *store.Store
	alerts *alert.Engine
	events *eventbus.Bus
}

func (s *pollSink) OnSample(unitID byte, sample normalize.Sample) {
	ctx := context.Background()
	now := time.Now().UTC()

	values := make(map[string]float64, len(sample.Values))
	for _, v := range sample.Values {
		sensorID := store.SensorID(unitID, v.Type)
		values[v.Type] = v.Value

		if err := s.store.InsertMeasurement(ctx, store.Measurement{
			Timestamp: now,
			SensorID:  sensorID,
			Type:      v.Type,
			Value:     v.Value,
			Unit:      v.Unit,
			Quality:   string(sample.Quality),
		}); err != nil {
			slog.Error("gatewayrt: insert measurement failed", "sensor", sensorID, "err", err)
			continue
		}

		sn, err := s.store.GetSensor(ctx, sensorID)
		if err != nil {
			continue // sensor not yet registered (UpsertSensor runs on discovery); nothing to threshold-check yet
		}
		s.alerts.EvaluateMeasurement(ctx, alert.Measurement{
			SensorID: sensorID,
			UnitID:   unitID,
			Value:    v.Value,
			AlarmLo:  sn.AlarmLo,
			AlarmHi:  sn.AlarmHi,
		})
	}

	s.alerts.NoteSuccessfulPoll(ctx, unitID)
	s.events.PublishTelemetry(unitID, values, string(sample.Quality))
}

func (s *pollSink) OnFailure(unitID byte, err error) {
	slog.Warn("gatewayrt: poll failure", "unit", unitID, "err", err)
}

// alertStore adapts *store.Store to alert.Store: translates between
// store.Alert (the persisted schema) and alert.StoreAlert (the narrow
// shape the engine needs), and derives GetActiveAlerts from GetAlerts
// filtered to unacknowledged.
type alertStore struct {
	st *store.Store
}

// maxActiveAlerts bounds Rebuild's startup query; an unacknowledged backlog
// larger than this would itself be an operational anomaly worth alarming
// on, not a limit the engine is expected to approach in practice.
const maxActiveAlerts = 10000

func (a *alertStore) InsertAlert(ctx context.Context, sa alert.StoreAlert) (int64, error) {
	return a.st.InsertAlert(ctx, store.Alert{
		Timestamp: sa.Timestamp,
		SensorID:  sa.SensorID,
		DeviceID:  sa.DeviceID,
		Level:     sa.Level,
		Code:      sa.Code,
		Message:   sa.Message,
	})
}

func (a *alertStore) AcknowledgeAlert(ctx context.Context, id int64, reason string) error {
	return a.st.AcknowledgeAlert(ctx, id, reason)
}

func (a *alertStore) GetActiveAlerts(ctx context.Context) ([]alert.StoreAlert, error) {
	unacked := false
	rows, err := a.st.GetAlerts(ctx, &unacked, "", maxActiveAlerts)
	if err != nil {
		return nil, err
	}
	out := make([]alert.StoreAlert, 0, len(rows))
	for _, row := range rows {
		out = append(out, alert.StoreAlert{
			ID:        row.ID,
			Timestamp: row.Timestamp,
			SensorID:  row.SensorID,
			DeviceID:  row.DeviceID,
			Level:     row.Level,
			Code:      row.Code,
			Message:   row.Message,
		})
	}
	return out, nil
}
