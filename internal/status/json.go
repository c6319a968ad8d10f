package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string     `json:"event,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Ready         bool       `json:"ready"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	StartTime     string     `json:"start_time"`
	Timestamp     string     `json:"timestamp"`
	MQTT          MQTTStatus `json:"mqtt"`
	Cycles        CountsJSON `json:"cycles"`
	LastCycle     *CycleJSON `json:"last_cycle,omitempty"`
	Config        ConfigJSON `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON counts completed and skipped cycles.
type CountsJSON struct {
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
}

// CycleJSON is the JSON representation of the last cycle.
type CycleJSON struct {
	ID         string         `json:"id"`
	Started    string         `json:"started"`
	Finished   string         `json:"finished"`
	DurationMs int64          `json:"duration_ms"`
	Outcomes   map[string]int `json:"outcomes"`
	Zones      []ZoneJSON     `json:"zones"`
	Error      string         `json:"error,omitempty"`
}

// ZoneJSON is one zone of the last cycle.
type ZoneJSON struct {
	Zone       int      `json:"zone"`
	Outcome    string   `json:"outcome"`
	Status     string   `json:"status,omitempty"`
	Humidity   *float64 `json:"humidity"`
	Target     *float64 `json:"target,omitempty"`
	Dispatched bool     `json:"dispatched"`
	Error      string   `json:"error,omitempty"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	IntervalSeconds  int64  `json:"interval_seconds"`
	FreshnessSeconds int64  `json:"freshness_seconds"`
	Timezone         string `json:"timezone"`
	Zones            []int  `json:"zones"`
	Broker           string `json:"broker"`
	HTTPAddr         string `json:"http_addr"`
	Actuator         string `json:"actuator"`
	DBPath           string `json:"db_path"`
}

func buildInner(snap Snapshot) StatusInner {
	zones := snap.Config.Zones
	if zones == nil {
		zones = []int{}
	}
	inner := StatusInner{
		Ready:         snap.Ready(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Cycles:        CountsJSON{Completed: snap.Cycles, Skipped: snap.SkippedTicks},
		Config: ConfigJSON{
			IntervalSeconds:  snap.Config.IntervalSeconds,
			FreshnessSeconds: snap.Config.FreshnessSeconds,
			Timezone:         snap.Config.Timezone,
			Zones:            zones,
			Broker:           snap.Config.Broker,
			HTTPAddr:         snap.Config.HTTPAddr,
			Actuator:         snap.Config.Actuator,
			DBPath:           snap.Config.DBPath,
		},
	}
	if c := snap.LastCycle; c != nil {
		inner.LastCycle = buildCycle(c)
	}
	return inner
}

func buildCycle(c *CycleSummary) *CycleJSON {
	out := &CycleJSON{
		ID:         c.ID,
		Started:    c.Started.UTC().Format(time.RFC3339),
		Finished:   c.Finished.UTC().Format(time.RFC3339),
		DurationMs: c.Finished.Sub(c.Started).Milliseconds(),
		Outcomes:   make(map[string]int, len(c.Counts)),
		Zones:      make([]ZoneJSON, 0, len(c.Zones)),
		Error:      c.Error,
	}
	for o, n := range c.Counts {
		out.Outcomes[string(o)] = n
	}
	for _, z := range c.Zones {
		zj := ZoneJSON{
			Zone:       z.Zone,
			Outcome:    string(z.Outcome),
			Status:     string(z.Status),
			Humidity:   z.Humidity,
			Dispatched: z.Dispatched,
			Error:      z.Error,
		}
		if z.Status != "" {
			target := z.Thresholds.Target
			zj.Target = &target
		}
		out.Zones = append(out.Zones, zj)
	}
	return out
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
