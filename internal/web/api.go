package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/humidistat/internal/models"
	"github.com/sweeney/humidistat/internal/store"
)

const (
	defaultLimit = 10
	maxLimit     = 100
	maxBodyBytes = 64 << 10
	healthWait   = 2 * time.Second
)

// handleIngest stores one sensor sample. The timestamp is the time of receipt.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if req.SensorID == nil {
		writeError(w, http.StatusBadRequest, "Missing sensor_id")
		return
	}
	if *req.SensorID <= 0 {
		writeError(w, http.StatusBadRequest, "sensor_id must be positive")
		return
	}

	rd := &models.Reading{
		Timestamp:     s.api.Now(),
		ZoneID:        *req.SensorID,
		Temperature:   req.Temperature,
		Humidity:      req.Humidity,
		Voltage:       req.Voltage,
		SourceAddress: req.IPAddress,
	}
	if rd.SourceAddress == "" {
		rd.SourceAddress = remoteHost(r)
	}
	if err := s.api.Readings.Append(r.Context(), rd); err != nil {
		s.api.Log.WithError(err).WithField("zone", rd.ZoneID).Error("Failed to store reading")
		writeError(w, http.StatusInternalServerError, "failed to store reading")
		return
	}
	s.api.Metrics.ReadingIngested()
	s.api.Log.WithFields(logrus.Fields{
		"zone":     rd.ZoneID,
		"id":       rd.ID,
		"humidity": rd.Humidity,
		"source":   rd.SourceAddress,
	}).Debug("Reading stored")
	s.forward(body, rd.SourceAddress)

	writeJSON(w, http.StatusOK, ingestResponse{
		Status:    "ok",
		ID:        rd.ID,
		Timestamp: rd.Timestamp.UTC().Format(time.RFC3339Nano),
		SensorID:  rd.ZoneID,
	})
}

// forward hands the payload as posted, with ip_address set to the stored
// source address, to the configured forwarder.
func (s *Server) forward(body []byte, source string) {
	if s.api.Forwarder == nil {
		return
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		s.api.Log.WithError(err).Warn("Failed to prepare reading for forwarding")
		return
	}
	ip, _ := json.Marshal(source)
	payload["ip_address"] = ip
	out, err := json.Marshal(payload)
	if err != nil {
		s.api.Log.WithError(err).Warn("Failed to prepare reading for forwarding")
		return
	}
	s.api.Forwarder.Send(out)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleRecent lists the newest readings, optionally for one sensor.
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = min(n, maxLimit)
	}

	resp := readingsResponse{Status: "ok"}
	zone := 0
	if v, ok := mux.Vars(r)["sensor_id"]; ok {
		zone, _ = strconv.Atoi(v)
		if zone <= 0 {
			writeError(w, http.StatusBadRequest, "sensor_id must be positive")
			return
		}
		resp.SensorID = &zone
	}

	rows, err := s.api.Readings.Recent(r.Context(), zone, limit)
	if err != nil {
		s.internalError(w, "Failed to query readings", err)
		return
	}
	if rows == nil {
		rows = []models.Reading{}
	}
	resp.Count = len(rows)
	resp.Data = rows
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.api.Readings.Stats(r.Context())
	if err != nil {
		s.internalError(w, "Failed to query reading stats", err)
		return
	}
	if stats == nil {
		stats = []store.ZoneStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleSettings returns the current schedule entry for a sensor and hour.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	zone, _ := strconv.Atoi(vars["sensor_id"])
	hour, err := strconv.Atoi(vars["hour"])
	if err != nil || hour < 0 || hour > 23 {
		writeError(w, http.StatusBadRequest, "Hour must be between 0 and 23")
		return
	}

	entry, err := s.api.Schedules.Current(r.Context(), zone, hour)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("No settings found for sensor %d at hour %d", zone, hour))
		return
	}
	if err != nil {
		s.internalError(w, "Failed to query schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{
		SensorID:       entry.ZoneID,
		Hour:           entry.HourOfDay,
		Humidity:       entry.TargetHumidity,
		HysteresisUp:   entry.HysteresisUp,
		HysteresisDown: entry.HysteresisDown,
		EffectiveAt:    entry.EffectiveAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleControllers(w http.ResponseWriter, r *http.Request) {
	states, err := s.api.States.List(r.Context())
	if err != nil {
		s.internalError(w, "Failed to list controller states", err)
		return
	}
	out := make([]controllerJSON, 0, len(states))
	for _, st := range states {
		out = append(out, toControllerJSON(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleController(w http.ResponseWriter, r *http.Request) {
	zone, _ := strconv.Atoi(mux.Vars(r)["zone"])
	st, err := s.api.States.Get(r.Context(), zone)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("No controller state for zone %d", zone))
		return
	}
	if err != nil {
		s.internalError(w, "Failed to read controller state", err)
		return
	}
	writeJSON(w, http.StatusOK, toControllerJSON(*st))
}

// handleCycle starts a control cycle in the background.
func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if s.api.TriggerCycle == nil {
		writeError(w, http.StatusServiceUnavailable, "control loop not running")
		return
	}
	if !s.api.TriggerCycle() {
		writeError(w, http.StatusConflict, "cycle already running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.api.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthWait)
	defer cancel()
	if err := s.api.Health(ctx); err != nil {
		s.api.Log.WithError(err).Warn("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "connected"})
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.api.Log.WithError(err).Error(msg)
	writeError(w, http.StatusInternalServerError, err.Error())
}
