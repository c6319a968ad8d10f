// Package status provides a thread-safe status tracker for the humidistat
// daemon. It is read by the HTTP status page and the MQTT startup event.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/humidistat/internal/engine"
	"github.com/sweeney/humidistat/internal/logic"
)

// Config contains daemon configuration for display.
type Config struct {
	IntervalSeconds  int64
	FreshnessSeconds int64
	Timezone         string
	Zones            []int // empty = every zone with fresh readings
	Broker           string
	HTTPAddr         string
	Actuator         string
	DBPath           string
}

// ZoneSummary is one zone's line of the last cycle.
type ZoneSummary struct {
	Zone       int
	Outcome    engine.Outcome
	Status     logic.Status
	Humidity   *float64
	Thresholds logic.Thresholds
	Dispatched bool
	Error      string
}

// CycleSummary is the last completed cycle.
type CycleSummary struct {
	ID       string
	Started  time.Time
	Finished time.Time
	Counts   map[engine.Outcome]int
	Zones    []ZoneSummary
	Error    string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	StartTime     time.Time
	Now           time.Time
	Cycles        int
	SkippedTicks  int
	LastCycle     *CycleSummary
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether at least one cycle has completed.
func (s Snapshot) Ready() bool {
	return s.LastCycle != nil
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// RecordCycle stores a summary of rep as the last cycle.
func (t *Tracker) RecordCycle(rep engine.Report) {
	sum := &CycleSummary{
		ID:       rep.ID,
		Started:  rep.Started,
		Finished: rep.Finished,
		Counts:   rep.Counts(),
		Zones:    make([]ZoneSummary, 0, len(rep.Zones)),
	}
	if rep.Err != nil {
		sum.Error = rep.Err.Error()
	}
	for _, z := range rep.Zones {
		zs := ZoneSummary{
			Zone:       z.Zone,
			Outcome:    z.Outcome,
			Status:     z.Status,
			Humidity:   z.Humidity,
			Thresholds: z.Thresholds,
			Dispatched: z.Dispatched,
		}
		switch {
		case z.Err != nil:
			zs.Error = z.Err.Error()
		case z.DispatchErr != nil:
			zs.Error = z.DispatchErr.Error()
		}
		sum.Zones = append(sum.Zones, zs)
	}

	t.mu.Lock()
	t.snap.Cycles++
	t.snap.LastCycle = sum
	t.mu.Unlock()
}

// RecordSkip counts a tick skipped because a cycle was still running.
func (t *Tracker) RecordSkip() {
	t.mu.Lock()
	t.snap.SkippedTicks++
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
