package engine

import (
	"time"

	"github.com/sweeney/humidistat/internal/logic"
)

// Outcome classifies what a cycle did for one zone.
type Outcome string

const (
	OutcomeChanged         Outcome = "changed"
	OutcomeUnchanged       Outcome = "unchanged"
	OutcomeStale           Outcome = "stale"
	OutcomeNoHumidity      Outcome = "no_humidity"
	OutcomeMissingSchedule Outcome = "missing_schedule"
	OutcomeError           Outcome = "error"
)

// Outcomes lists every outcome in a stable order.
var Outcomes = []Outcome{
	OutcomeChanged,
	OutcomeUnchanged,
	OutcomeStale,
	OutcomeNoHumidity,
	OutcomeMissingSchedule,
	OutcomeError,
}

// ZoneResult is the result of evaluating one zone in a cycle.
type ZoneResult struct {
	Zone    int
	Outcome Outcome

	ReadingID   uint
	ReadingTime time.Time
	Humidity    *float64
	Hour        int
	Thresholds  logic.Thresholds

	Previous *logic.Status
	Status   logic.Status

	// Dispatched is true when the actuator acknowledged a changed status.
	Dispatched  bool
	DispatchErr error

	// Err is set for OutcomeError.
	Err error
}

// Report summarises one control cycle.
type Report struct {
	ID       string
	Started  time.Time
	Finished time.Time
	Zones    []ZoneResult

	// Err is set when the cycle could not load readings at all.
	Err error
}

// Duration is the wall time of the cycle.
func (r Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Count returns how many zones ended with outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, z := range r.Zones {
		if z.Outcome == o {
			n++
		}
	}
	return n
}

// Counts returns the number of zones per outcome, including zeros.
func (r Report) Counts() map[Outcome]int {
	counts := make(map[Outcome]int, len(Outcomes))
	for _, o := range Outcomes {
		counts[o] = 0
	}
	for _, z := range r.Zones {
		counts[z.Outcome]++
	}
	return counts
}

// Zone returns the result for zone, if it was part of the cycle.
func (r Report) Zone(zone int) (ZoneResult, bool) {
	for _, z := range r.Zones {
		if z.Zone == zone {
			return z, true
		}
	}
	return ZoneResult{}, false
}

// DispatchFailures counts changed zones whose command was not acknowledged.
func (r Report) DispatchFailures() int {
	n := 0
	for _, z := range r.Zones {
		if z.Outcome == OutcomeChanged && z.DispatchErr != nil {
			n++
		}
	}
	return n
}
