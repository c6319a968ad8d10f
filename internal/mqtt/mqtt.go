// Package mqtt publishes controller decisions and lifecycle events to an MQTT
// broker, with an abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/humidistat/internal/logic"
)

// TopicDecisions is the MQTT topic for committed status changes.
const TopicDecisions = "humidistat/controller/decisions"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "humidistat/controller/system"

// System event names.
const (
	EventStartup     = "STARTUP"
	EventShutdown    = "SHUTDOWN"
	EventOffline     = "OFFLINE"
	EventReconnected = "RECONNECTED"
)

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishDecision sends a committed status change to the broker.
	// Returns error if publishing fails (should not crash the process).
	PublishDecision(event logic.DecisionEvent) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event.
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // STARTUP, SHUTDOWN, OFFLINE, RECONNECTED
	Reason     string // e.g. "SIGTERM" (shutdown only)
	RawPayload []byte // pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool
}

// Payload represents the MQTT message payload for a decision.
type Payload struct {
	Decision DecisionPayload `json:"decision"`
}

// DecisionPayload contains the decision details.
type DecisionPayload struct {
	Timestamp      string  `json:"timestamp"`
	Zone           int     `json:"zone"`
	Status         string  `json:"status"`
	Previous       *string `json:"previous"`
	Humidity       float64 `json:"humidity"`
	Target         float64 `json:"target"`
	HysteresisUp   float64 `json:"hysteresis_up"`
	HysteresisDown float64 `json:"hysteresis_down"`
	ReadingTime    string  `json:"reading_time"`
	Dispatched     bool    `json:"dispatched"`
	DispatchError  string  `json:"dispatch_error,omitempty"`
}

// FormatPayload creates the JSON payload for a decision event.
func FormatPayload(event logic.DecisionEvent) ([]byte, error) {
	var prev *string
	if event.Previous != nil {
		p := string(*event.Previous)
		prev = &p
	}
	payload := Payload{
		Decision: DecisionPayload{
			Timestamp:      event.Timestamp.UTC().Format(time.RFC3339),
			Zone:           event.Zone,
			Status:         string(event.Status),
			Previous:       prev,
			Humidity:       event.Humidity,
			Target:         event.Thresholds.Target,
			HysteresisUp:   event.Thresholds.Up,
			HysteresisDown: event.Thresholds.Down,
			ReadingTime:    event.ReadingTime.UTC().Format(time.RFC3339),
			Dispatched:     event.Dispatched,
			DispatchError:  event.DispatchError,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for simple system events
// (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
