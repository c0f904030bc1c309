// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package store is the durable backing for devices, sensors, measurements,
// and alerts, against a single modernc.org/sqlite file per spec §4.5/§6.4.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/device"
)

// Store wraps a single *sql.DB handle, mirroring the teacher's SQLStorage:
// one driver-agnostic handle, schema created idempotently, upserts via
// ON CONFLICT DO UPDATE.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite file at path and creates the
// schema idempotently.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite single-writer discipline, per spec §5

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS devices (
		unit_id INTEGER PRIMARY KEY,
		alias TEXT NOT NULL DEFAULT '',
		caps_json TEXT NOT NULL DEFAULT '{}',
		vendor_code INTEGER NOT NULL DEFAULT 0,
		product_code INTEGER NOT NULL DEFAULT 0,
		hw_version INTEGER NOT NULL DEFAULT 0,
		fw_version INTEGER NOT NULL DEFAULT 0,
		last_seen TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS sensors (
		sensor_id TEXT PRIMARY KEY,
		unit_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		unit TEXT NOT NULL,
		register INTEGER NOT NULL,
		alarm_lo REAL,
		alarm_hi REAL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS measurements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		sensor_id TEXT NOT NULL,
		type TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT NOT NULL,
		quality TEXT NOT NULL,
		sent_to_cloud INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_measurements_timestamp ON measurements(timestamp);
	CREATE INDEX IF NOT EXISTS idx_measurements_sensor_ts ON measurements(sensor_id, timestamp);
	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		sensor_id TEXT,
		device_id INTEGER,
		level TEXT NOT NULL,
		code TEXT NOT NULL,
		message TEXT NOT NULL,
		ack INTEGER NOT NULL DEFAULT 0,
		ack_at TIMESTAMP,
		ack_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_ack ON alerts(ack);
	CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// SensorID forms the stable sensor identifier from device identity and
// channel name, per spec §3.
func SensorID(unitID byte, sensorType string) string {
	return fmt.Sprintf("unit-%d-%s", unitID, sensorType)
}

// UpsertDevice implements device.Persistence.
func (s *Store) UpsertDevice(ctx context.Context, d device.Device) error {
	capsJSON, err := json.Marshal(d.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (unit_id, alias, caps_json, vendor_code, product_code, hw_version, fw_version, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(unit_id) DO UPDATE SET
			alias=excluded.alias, caps_json=excluded.caps_json,
			vendor_code=excluded.vendor_code, product_code=excluded.product_code,
			hw_version=excluded.hw_version, fw_version=excluded.fw_version,
			last_seen=excluded.last_seen
	`, d.UnitID, d.Alias, string(capsJSON), d.VendorCode, d.ProductCode, d.HwVersion, d.FwVersion, d.LastSeen)
	return err
}

// UpsertSensor implements device.Persistence. Default thresholds (both
// null) are used; callers adjust thresholds separately via SetThresholds.
func (s *Store) UpsertSensor(ctx context.Context, unitID byte, sensorType, unit string, register uint16) error {
	id := SensorID(unitID, sensorType)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sensors (sensor_id, unit_id, type, unit, register, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sensor_id) DO UPDATE SET unit_id=excluded.unit_id, unit=excluded.unit, register=excluded.register
	`, id, unitID, sensorType, unit, register, time.Now().UTC())
	return err
}

// Sensor is the persisted sensor row, including nullable thresholds.
type Sensor struct {
	SensorID string
	UnitID   byte
	Type     string
	Unit     string
	Register uint16
	AlarmLo  *float64
	AlarmHi  *float64
}

// GetSensor returns the persisted row for id, or sql.ErrNoRows.
func (s *Store) GetSensor(ctx context.Context, id string) (Sensor, error) {
	var sn Sensor
	var unitID int
	err := s.db.QueryRowContext(ctx, `SELECT sensor_id, unit_id, type, unit, register, alarm_lo, alarm_hi FROM sensors WHERE sensor_id = ?`, id).
		Scan(&sn.SensorID, &unitID, &sn.Type, &sn.Unit, &sn.Register, &sn.AlarmLo, &sn.AlarmHi)
	sn.UnitID = byte(unitID)
	return sn, err
}

// SetThresholds sets (or clears, with nil) a sensor's alarm thresholds.
// lo must be <= hi when both are present, per spec §3.
func (s *Store) SetThresholds(ctx context.Context, sensorID string, lo, hi *float64) error {
	if lo != nil && hi != nil && *lo > *hi {
		return fmt.Errorf("store: alarmLo %v must be <= alarmHi %v", *lo, *hi)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sensors SET alarm_lo = ?, alarm_hi = ? WHERE sensor_id = ?`, lo, hi, sensorID)
	return err
}

// Measurement is one persisted sample row.
type Measurement struct {
	ID          int64
	Timestamp   time.Time
	SensorID    string
	Type        string
	Value       float64
	Unit        string
	Quality     string
	SentToCloud bool
}

// InsertMeasurement commits one sample; it is append-only per spec §3.
func (s *Store) InsertMeasurement(ctx context.Context, m Measurement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO measurements (timestamp, sensor_id, type, value, unit, quality, sent_to_cloud)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, m.Timestamp, m.SensorID, m.Type, m.Value, m.Unit, m.Quality)
	return err
}

// GetMeasurements returns samples for sensorID within [since, until) (zero
// values mean unbounded), most recent first, capped at limit.
func (s *Store) GetMeasurements(ctx context.Context, sensorID string, since, until time.Time, limit int) ([]Measurement, error) {
	query := `SELECT id, timestamp, sensor_id, type, value, unit, quality, sent_to_cloud FROM measurements WHERE sensor_id = ?`
	args := []any{sensorID}
	if !since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	if !until.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, until)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMeasurements(rows)
}

// GetUnsentMeasurements returns up to limit measurements not yet flagged
// sent_to_cloud, oldest first, for the MQTT bridge's catch-up publishing.
func (s *Store) GetUnsentMeasurements(ctx context.Context, limit int) ([]Measurement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, sensor_id, type, value, unit, quality, sent_to_cloud
		FROM measurements WHERE sent_to_cloud = 0 ORDER BY timestamp ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMeasurements(rows)
}

func scanMeasurements(rows *sql.Rows) ([]Measurement, error) {
	var out []Measurement
	for rows.Next() {
		var m Measurement
		var sent int
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.SensorID, &m.Type, &m.Value, &m.Unit, &m.Quality, &sent); err != nil {
			return nil, err
		}
		m.SentToCloud = sent != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkSent flags the given measurement ids as sent_to_cloud.
func (s *Store) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE measurements SET sent_to_cloud = 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Alert is one persisted alert row.
type Alert struct {
	ID        int64
	Timestamp time.Time
	SensorID  *string
	DeviceID  *byte
	Level     string
	Code      string
	Message   string
	Ack       bool
	AckAt     *time.Time
	AckReason *string
}

// InsertAlert inserts a new alert row and returns its id.
func (s *Store) InsertAlert(ctx context.Context, a Alert) (int64, error) {
	var deviceID *int
	if a.DeviceID != nil {
		v := int(*a.DeviceID)
		deviceID = &v
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (timestamp, sensor_id, device_id, level, code, message, ack)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, a.Timestamp, a.SensorID, deviceID, a.Level, a.Code, a.Message)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetAlerts filters by acknowledgement state (nil = any) and level (empty
// = any), most recent first, capped at limit.
func (s *Store) GetAlerts(ctx context.Context, ack *bool, level string, limit int) ([]Alert, error) {
	query := `SELECT id, timestamp, sensor_id, device_id, level, code, message, ack, ack_at, ack_reason FROM alerts WHERE 1=1`
	var args []any
	if ack != nil {
		query += ` AND ack = ?`
		args = append(args, boolToInt(*ack))
	}
	if level != "" {
		query += ` AND level = ?`
		args = append(args, level)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var deviceID *int
		var ackInt int
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.SensorID, &deviceID, &a.Level, &a.Code, &a.Message, &ackInt, &a.AckAt, &a.AckReason); err != nil {
			return nil, err
		}
		a.Ack = ackInt != 0
		if deviceID != nil {
			v := byte(*deviceID)
			a.DeviceID = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert marks an alert acknowledged, monotonically: once true,
// it stays true (the UPDATE is a no-op for an already-acked row since the
// WHERE clause only matches ack = 0). An id with no alert row is an error.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET ack = 1, ack_at = ?, ack_reason = ? WHERE id = ? AND ack = 0
	`, time.Now().UTC(), reason, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var one int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM alerts WHERE id = ?`, id).Scan(&one); err != nil {
			return fmt.Errorf("store: acknowledge alert %d: %w", id, err)
		}
	}
	return nil
}

// CleanupOlderThan deletes measurement rows older than the retention
// window. Alerts are retained indefinitely, per spec §4.5.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, `DELETE FROM measurements WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats is the aggregate row counts served by the history stats endpoint.
type Stats struct {
	DeviceCount      int
	SensorCount      int
	MeasurementCount int
	ActiveAlertCount int
}

// Stats returns row counts across the schema.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&st.DeviceCount); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensors`).Scan(&st.SensorCount); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM measurements`).Scan(&st.MeasurementCount); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE ack = 0`).Scan(&st.ActiveAlertCount); err != nil {
		return st, err
	}
	return st, nil
}

// DeviceRow is the persisted device row, for inventory snapshot rebuild.
type DeviceRow struct {
	UnitID      byte
	Alias       string
	VendorCode  uint16
	ProductCode uint16
	HwVersion   uint16
	FwVersion   uint16
	LastSeen    time.Time
}

// Snapshot reconstructs the device/sensor inventory from storage on
// demand, per spec §3's derived Inventory snapshot and SPEC_FULL §9.
func (s *Store) Snapshot(ctx context.Context) ([]DeviceRow, map[byte][]Sensor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT unit_id, alias, vendor_code, product_code, hw_version, fw_version, last_seen FROM devices ORDER BY unit_id`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var devices []DeviceRow
	for rows.Next() {
		var d DeviceRow
		var unitID int
		var lastSeen sql.NullTime
		if err := rows.Scan(&unitID, &d.Alias, &d.VendorCode, &d.ProductCode, &d.HwVersion, &d.FwVersion, &lastSeen); err != nil {
			return nil, nil, err
		}
		d.UnitID = byte(unitID)
		if lastSeen.Valid {
			d.LastSeen = lastSeen.Time
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	sensorRows, err := s.db.QueryContext(ctx, `SELECT sensor_id, unit_id, type, unit, register, alarm_lo, alarm_hi FROM sensors ORDER BY unit_id`)
	if err != nil {
		return nil, nil, err
	}
	defer sensorRows.Close()

	sensors := make(map[byte][]Sensor)
	for sensorRows.Next() {
		var sn Sensor
		var unitID int
		if err := sensorRows.Scan(&sn.SensorID, &unitID, &sn.Type, &sn.Unit, &sn.Register, &sn.AlarmLo, &sn.AlarmHi); err != nil {
			return nil, nil, err
		}
		sn.UnitID = byte(unitID)
		sensors[sn.UnitID] = append(sensors[sn.UnitID], sn)
	}
	return devices, sensors, sensorRows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
