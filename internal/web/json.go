package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sweeney/humidistat/internal/models"
)

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ingestRequest is a sensor sample as posted to /data. Pointers distinguish
// absent fields from zero values.
type ingestRequest struct {
	SensorID    *int     `json:"sensor_id"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Voltage     *float64 `json:"voltage"`
	IPAddress   string   `json:"ip_address"`
}

type ingestResponse struct {
	Status    string `json:"status"`
	ID        uint   `json:"id"`
	Timestamp string `json:"timestamp"`
	SensorID  int    `json:"sensor_id"`
}

type readingsResponse struct {
	Status   string           `json:"status"`
	SensorID *int             `json:"sensor_id,omitempty"`
	Count    int              `json:"count"`
	Data     []models.Reading `json:"data"`
}

// settingsResponse keeps the field names the sensor front end already reads.
type settingsResponse struct {
	SensorID       int     `json:"sensor_id"`
	Hour           int     `json:"hour"`
	Humidity       float64 `json:"humidity"`
	HysteresisUp   float64 `json:"histeresys_up"`
	HysteresisDown float64 `json:"histeresys_down"`
	EffectiveAt    string  `json:"effective_at"`
}

type controllerJSON struct {
	Zone        int    `json:"zone"`
	Status      string `json:"status"`
	LastUpdated string `json:"last_updated"`
}

func toControllerJSON(st models.ControllerState) controllerJSON {
	return controllerJSON{
		Zone:        st.ZoneID,
		Status:      string(st.Status),
		LastUpdated: st.LastUpdated.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Status: "error", Message: msg})
}
