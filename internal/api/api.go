// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package api is the HTTP façade: thin handlers translating REST requests
// into calls on the master/device/poll/store/alert components, per spec
// §6.2. No business logic lives here.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/alert"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/device"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/master"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/poll"
	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/store"
)

// Server wires the HTTP façade's dependencies. Websocket is an
// http.Handler (internal/ws.Hub) registered at /socket.
type Server struct {
	Bus       *master.Bus
	Devices   *device.Manager
	Scheduler *poll.Scheduler
	Store     *store.Store
	Alerts    *alert.Engine
	WebSocket http.Handler
}

// Router builds the gorilla/mux router for the HTTP façade.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/adapter", s.handleAdapter).Methods(http.MethodGet)
	r.HandleFunc("/api/devices", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/discover", s.handleDiscover).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{unitId}/identify", s.handleIdentify).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{unitId}/alias", s.handleSetAlias).Methods(http.MethodPut)
	r.HandleFunc("/api/devices/{unitId}/unit_id", s.handleSetUnitID).Methods(http.MethodPut)
	r.HandleFunc("/api/polling/start", s.handlePollingStart).Methods(http.MethodPost)
	r.HandleFunc("/api/polling/stop", s.handlePollingStop).Methods(http.MethodPost)
	r.HandleFunc("/api/polling/status", s.handlePollingStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/alerts", s.handleGetAlerts).Methods(http.MethodGet)
	r.HandleFunc("/api/alerts/{id}/acknowledge", s.handleAcknowledgeAlert).Methods(http.MethodPost)
	r.HandleFunc("/api/history/devices", s.handleHistoryDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/history/sensors/{unitId}", s.handleHistorySensors).Methods(http.MethodGet)
	r.HandleFunc("/api/history/data/{sensorId}", s.handleHistoryData).Methods(http.MethodGet)
	r.HandleFunc("/api/history/stats", s.handleHistoryStats).Methods(http.MethodGet)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	if s.WebSocket != nil {
		r.Handle("/socket", s.WebSocket)
	}
	return r
}

// apiError is the structured error body named in spec §7.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}

func unitIDFromPath(r *http.Request) (byte, bool) {
	raw := mux.Vars(r)["unitId"]
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 255 {
		return 0, false
	}
	return byte(n), true
}

func (s *Server) handleAdapter(w http.ResponseWriter, r *http.Request) {
	st := s.Bus.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"tx":         st.TX,
		"rx_ok":      st.RXOk,
		"crc_errors": st.CRCErrors,
		"timeouts":   st.Timeouts,
		"exceptions": st.Exceptions,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Devices.Snapshot())
}

type discoverRequest struct {
	UnitIDMin int `json:"unitIdMin"`
	UnitIDMax int `json:"unitIdMax"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "malformed request body")
		return
	}
	if req.UnitIDMin < 0 || req.UnitIDMax > 247 || req.UnitIDMin > req.UnitIDMax {
		writeError(w, http.StatusBadRequest, "ValidationError", "invalid discovery range")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	found, err := s.Devices.Discover(ctx, byte(req.UnitIDMin), byte(req.UnitIDMax))
	if err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}
	for _, dev := range found {
		s.Alerts.TrackDevice(dev.UnitID)
	}
	writeJSON(w, http.StatusOK, found)
}

type identifyRequest struct {
	DurationSec uint16 `json:"durationSec"`
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	unitID, ok := unitIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "ValidationError", "invalid unit id")
		return
	}
	var req identifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "malformed request body")
		return
	}
	if err := s.Devices.Identify(r.Context(), unitID, req.DurationSec); err != nil {
		writeError(w, http.StatusBadGateway, "TransactionError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type aliasRequest struct {
	Alias string `json:"alias"`
}

func (s *Server) handleSetAlias(w http.ResponseWriter, r *http.Request) {
	unitID, ok := unitIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "ValidationError", "invalid unit id")
		return
	}
	var req aliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "malformed request body")
		return
	}
	if err := s.Devices.SetAlias(r.Context(), unitID, req.Alias); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type unitIDRequest struct {
	NewUnitID byte `json:"newUnitId"`
}

func (s *Server) handleSetUnitID(w http.ResponseWriter, r *http.Request) {
	unitID, ok := unitIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "ValidationError", "invalid unit id")
		return
	}
	var req unitIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "malformed request body")
		return
	}
	if err := s.Devices.SetUnitID(r.Context(), unitID, req.NewUnitID); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pollingStartRequest struct {
	IntervalSec int    `json:"intervalSec"`
	UnitIDs     []byte `json:"unitIds"`
}

func (s *Server) handlePollingStart(w http.ResponseWriter, r *http.Request) {
	var req pollingStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "malformed request body")
		return
	}
	if req.IntervalSec <= 0 {
		writeError(w, http.StatusBadRequest, "ValidationError", "intervalSec must be positive")
		return
	}
	s.Scheduler.Start(req.UnitIDs, time.Duration(req.IntervalSec)*time.Second)
	writeJSON(w, http.StatusOK, s.Scheduler.Status())
}

func (s *Server) handlePollingStop(w http.ResponseWriter, r *http.Request) {
	s.Scheduler.Stop()
	writeJSON(w, http.StatusOK, s.Scheduler.Status())
}

func (s *Server) handlePollingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Scheduler.Status())
}

func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var ack *bool
	if raw := q.Get("ack"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "ValidationError", "ack must be true or false")
			return
		}
		ack = &v
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	alerts, err := s.Store.GetAlerts(r.Context(), ack, q.Get("level"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

type acknowledgeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "invalid alert id")
		return
	}
	var req acknowledgeRequest
	json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck // reason is optional

	if err := s.Alerts.AcknowledgeOperator(r.Context(), id, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHistoryDevices(w http.ResponseWriter, r *http.Request) {
	devices, sensors, err := s.Store.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "sensors": sensors})
}

// handleHistorySensors lists the sensors registered for one device, per
// spec §7's /api/history/sensors/{unitId} endpoint.
func (s *Server) handleHistorySensors(w http.ResponseWriter, r *http.Request) {
	unitID, ok := unitIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "ValidationError", "invalid unit id")
		return
	}
	_, sensors, err := s.Store.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sensors[unitID])
}

func (s *Server) handleHistoryData(w http.ResponseWriter, r *http.Request) {
	sensorID := mux.Vars(r)["sensorId"]
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			hours = v
		}
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.Store.GetMeasurements(r.Context(), sensorID, since, time.Time{}, 10000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
