// Package engine runs the humidity control cycle: for every zone with a fresh
// reading it looks up the hour's schedule, applies the hysteresis rule to the
// last committed status, persists a changed status and then dispatches it.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/humidistat/internal/dispatch"
	"github.com/sweeney/humidistat/internal/logic"
	"github.com/sweeney/humidistat/internal/models"
	"github.com/sweeney/humidistat/internal/store"
)

// DefaultFreshness is how old a reading may be and still drive a decision.
const DefaultFreshness = 15 * time.Minute

// DefaultMaxParallel bounds concurrent zone evaluations.
const DefaultMaxParallel = 8

// ReadingSource yields the newest reading of each zone within a window.
type ReadingSource interface {
	LatestPerZone(ctx context.Context, since, until time.Time) ([]models.Reading, error)
}

// ScheduleSource yields the current schedule entry for a zone and hour.
// It returns an error wrapping store.ErrNotFound when none exists.
type ScheduleSource interface {
	Current(ctx context.Context, zone, hour int) (*models.ScheduleEntry, error)
}

// StateStore persists the last commanded status of each zone.
// Get returns an error wrapping store.ErrNotFound for an unknown zone.
type StateStore interface {
	Get(ctx context.Context, zone int) (*models.ControllerState, error)
	Upsert(ctx context.Context, zone int, status logic.Status, at time.Time) error
}

// Notifier is told about every committed status change.
type Notifier interface {
	PublishDecision(event logic.DecisionEvent) error
}

// Config tunes a cycle.
type Config struct {
	// Freshness is the age limit of a usable reading.
	Freshness time.Duration
	// Location determines the hour-of-day of a reading. Nil means UTC.
	Location *time.Location
	// Zones, when non-empty, is the fixed set of managed zones.
	Zones []int
	// MaxParallel bounds concurrent zone evaluations.
	MaxParallel int
}

// Engine evaluates all zones once per RunCycle call.
type Engine struct {
	cfg        Config
	readings   ReadingSource
	schedules  ScheduleSource
	states     StateStore
	dispatcher dispatch.Dispatcher
	notifier   Notifier
	log        logrus.FieldLogger
	now        func() time.Time
	locks      zoneLocks
}

// New creates an Engine. Zero values in cfg take the package defaults.
func New(cfg Config, readings ReadingSource, schedules ScheduleSource, states StateStore,
	dispatcher dispatch.Dispatcher, log logrus.FieldLogger) *Engine {
	if cfg.Freshness <= 0 {
		cfg.Freshness = DefaultFreshness
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	return &Engine{
		cfg:        cfg,
		readings:   readings,
		schedules:  schedules,
		states:     states,
		dispatcher: dispatcher,
		log:        log,
		now:        time.Now,
	}
}

// SetNotifier registers n to receive decision events.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// SetClock replaces the wall clock.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// RunCycle performs one control cycle. Failures are confined to the zone
// they occur in and recorded in the report; nothing here is fatal.
func (e *Engine) RunCycle(ctx context.Context) Report {
	now := e.now().UTC()
	rep := Report{ID: uuid.NewString(), Started: now}
	log := e.log.WithField("cycle", rep.ID)

	fresh, err := e.readings.LatestPerZone(ctx, now.Add(-e.cfg.Freshness), now)
	if err != nil {
		log.WithError(err).Error("Failed to load fresh readings")
		rep.Err = err
		rep.Finished = e.now().UTC()
		return rep
	}

	latest := make(map[int]models.Reading, len(fresh))
	for _, r := range fresh {
		latest[r.ZoneID] = r
	}

	zones := e.zoneSet(latest, log)
	rep.Zones = make([]ZoneResult, len(zones))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for i, zone := range zones {
		i, zone := i, zone
		r, ok := latest[zone]
		if !ok {
			log.WithField("zone", zone).Info("No fresh reading; skipping")
			rep.Zones[i] = ZoneResult{Zone: zone, Outcome: OutcomeStale}
			continue
		}
		g.Go(func() error {
			rep.Zones[i] = e.evaluate(ctx, log.WithField("zone", zone), now, r)
			return nil
		})
	}
	g.Wait()

	rep.Finished = e.now().UTC()

	fields := logrus.Fields{"duration": rep.Duration().String()}
	for o, n := range rep.Counts() {
		if n > 0 {
			fields[string(o)] = n
		}
	}
	log.WithFields(fields).Info("Cycle complete")
	return rep
}

func (e *Engine) zoneSet(latest map[int]models.Reading, log logrus.FieldLogger) []int {
	var zones []int
	if len(e.cfg.Zones) > 0 {
		managed := make(map[int]bool, len(e.cfg.Zones))
		for _, z := range e.cfg.Zones {
			if !managed[z] {
				managed[z] = true
				zones = append(zones, z)
			}
		}
		for z := range latest {
			if !managed[z] {
				log.WithField("zone", z).Debug("Ignoring reading from unmanaged zone")
			}
		}
	} else {
		for z := range latest {
			zones = append(zones, z)
		}
	}
	sort.Ints(zones)
	return zones
}

func (e *Engine) evaluate(ctx context.Context, log logrus.FieldLogger, now time.Time, r models.Reading) ZoneResult {
	res := ZoneResult{
		Zone:        r.ZoneID,
		ReadingID:   r.ID,
		ReadingTime: r.Timestamp,
		Humidity:    r.Humidity,
	}

	if r.Humidity == nil {
		log.WithField("reading", r.ID).Info("Latest reading has no humidity; skipping")
		res.Outcome = OutcomeNoHumidity
		return res
	}
	humidity := *r.Humidity

	res.Hour = r.Timestamp.In(e.cfg.Location).Hour()
	log = log.WithField("hour", res.Hour)

	unlock := e.locks.lock(r.ZoneID)
	decision, err := e.decide(ctx, log, now, r.ZoneID, humidity, &res)
	unlock()
	if err != nil {
		return res
	}
	if !decision.Changed {
		return res
	}

	dispatchErr := e.dispatcher.Dispatch(ctx, r.ZoneID, decision.Next)
	res.Dispatched = dispatchErr == nil
	res.DispatchErr = dispatchErr
	if dispatchErr != nil {
		log.WithError(dispatchErr).WithField("status", decision.Next).
			Warn("Dispatch failed; committed state kept")
	}

	if e.notifier != nil {
		ev := logic.DecisionEvent{
			Timestamp:   now,
			Zone:        r.ZoneID,
			Status:      decision.Next,
			Previous:    decision.Prev,
			Humidity:    humidity,
			Thresholds:  res.Thresholds,
			ReadingTime: r.Timestamp,
			Dispatched:  res.Dispatched,
		}
		if dispatchErr != nil {
			ev.DispatchError = dispatchErr.Error()
		}
		if err := e.notifier.PublishDecision(ev); err != nil {
			log.WithError(err).Warn("Failed to publish decision")
		}
	}
	return res
}

// decide runs the read-decide-write part of a zone evaluation. It must be
// called with the zone's lock held. A non-nil error means res already
// carries the terminal outcome.
func (e *Engine) decide(ctx context.Context, log logrus.FieldLogger, now time.Time, zone int,
	humidity float64, res *ZoneResult) (logic.Decision, error) {
	entry, err := e.schedules.Current(ctx, zone, res.Hour)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("No schedule for zone and hour; skipping")
		res.Outcome = OutcomeMissingSchedule
		return logic.Decision{}, err
	}
	if err != nil {
		log.WithError(err).Error("Failed to load schedule")
		res.Outcome = OutcomeError
		res.Err = err
		return logic.Decision{}, err
	}
	res.Thresholds = logic.Thresholds{
		Target: entry.TargetHumidity,
		Up:     entry.HysteresisUp,
		Down:   entry.HysteresisDown,
	}

	var prev *logic.Status
	st, err := e.states.Get(ctx, zone)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		log.WithError(err).Error("Failed to load controller state")
		res.Outcome = OutcomeError
		res.Err = err
		return logic.Decision{}, err
	default:
		p := st.Status
		prev = &p
	}

	d := logic.Decide(prev, humidity, res.Thresholds)
	res.Previous = d.Prev
	res.Status = d.Next

	fields := logrus.Fields{
		"humidity": humidity,
		"lower":    res.Thresholds.Lower(),
		"upper":    res.Thresholds.Upper(),
		"status":   d.Next,
	}
	if !d.Changed {
		log.WithFields(fields).Debug("Status unchanged")
		res.Outcome = OutcomeUnchanged
		return d, nil
	}

	if err := e.states.Upsert(ctx, zone, d.Next, now); err != nil {
		log.WithError(err).Error("Failed to persist controller state; not dispatching")
		res.Outcome = OutcomeError
		res.Err = err
		return logic.Decision{}, err
	}

	if prev != nil {
		fields["previous"] = *prev
	}
	log.WithFields(fields).Info("Status changed")
	res.Outcome = OutcomeChanged
	return d, nil
}

// zoneLocks hands out one mutex per zone.
type zoneLocks struct {
	mu    sync.Mutex
	zones map[int]*sync.Mutex
}

func (z *zoneLocks) lock(zone int) func() {
	z.mu.Lock()
	if z.zones == nil {
		z.zones = make(map[int]*sync.Mutex)
	}
	m, ok := z.zones[zone]
	if !ok {
		m = &sync.Mutex{}
		z.zones[zone] = m
	}
	z.mu.Unlock()

	m.Lock()
	return m.Unlock
}
