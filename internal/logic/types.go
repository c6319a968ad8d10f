// Package logic contains the pure humidifier control logic.
// This package has NO external dependencies (no database, HTTP or MQTT) and never reads the clock.
// Every input, including the previous commanded state, is passed in explicitly.
package logic

import (
	"fmt"
	"strings"
	"time"
)

// Status is the commanded state of a zone's humidifier.
type Status string

const (
	StatusOn  Status = "ON"
	StatusOff Status = "OFF"
)

// Valid reports whether s is ON or OFF.
func (s Status) Valid() bool {
	return s == StatusOn || s == StatusOff
}

// ParseStatus accepts "on"/"off" in any case.
func ParseStatus(v string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(v))) {
	case StatusOn:
		return StatusOn, nil
	case StatusOff:
		return StatusOff, nil
	}
	return "", fmt.Errorf("invalid status %q: must be ON or OFF", v)
}

// Thresholds is the target humidity and its dead band for one zone and hour.
type Thresholds struct {
	Target float64 // target relative humidity, percent
	Up     float64 // band above target before switching OFF
	Down   float64 // band below target before switching ON
}

// Lower is the humidity below which the humidifier switches ON.
func (t Thresholds) Lower() float64 {
	return t.Target - t.Down
}

// Upper is the humidity above which the humidifier switches OFF.
func (t Thresholds) Upper() float64 {
	return t.Target + t.Up
}

// Decision is the result of evaluating one zone.
type Decision struct {
	// Prev is the previously committed status, nil when the zone has none yet.
	Prev *Status
	Next Status
	// Changed is true when Next must be persisted and dispatched.
	Changed bool
}

// DecisionEvent describes a committed status change for one zone.
type DecisionEvent struct {
	Timestamp   time.Time
	Zone        int
	Status      Status
	Previous    *Status // nil on a zone's first decision
	Humidity    float64
	Thresholds  Thresholds
	ReadingTime time.Time
	Dispatched  bool
	// DispatchError is empty when the actuator acknowledged the command.
	DispatchError string
}
