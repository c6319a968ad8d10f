package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/humidistat/internal/database"
	"github.com/sweeney/humidistat/internal/dispatch"
	"github.com/sweeney/humidistat/internal/logic"
	"github.com/sweeney/humidistat/internal/models"
	"github.com/sweeney/humidistat/internal/store"
)

// now is 13:05 UTC; readings taken at 13:02 fall in hour 13.
var (
	now         = time.Date(2026, 3, 10, 13, 5, 0, 0, time.UTC)
	readingTime = time.Date(2026, 3, 10, 13, 2, 0, 0, time.UTC)
	defaultTh   = logic.Thresholds{Target: 60, Up: 5, Down: 5}
)

type harness struct {
	ctx        context.Context
	readings   *store.Readings
	schedules  *store.Schedules
	states     *store.States
	dispatcher *dispatch.FakeDispatcher
	notifier   *recordingNotifier
	hook       *test.Hook
	engine     *Engine
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []logic.DecisionEvent
	err    error
}

func (n *recordingNotifier) PublishDecision(ev logic.DecisionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) Events() []logic.DecisionEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]logic.DecisionEvent(nil), n.events...)
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	db, err := database.Open(filepath.Join(t.TempDir(), "engine.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	h := &harness{
		ctx:        context.Background(),
		readings:   store.NewReadings(db),
		schedules:  store.NewSchedules(db),
		states:     store.NewStates(db),
		dispatcher: dispatch.NewFakeDispatcher(),
		notifier:   &recordingNotifier{},
		hook:       hook,
	}
	h.engine = New(cfg, h.readings, h.schedules, h.states, h.dispatcher, log)
	h.engine.SetNotifier(h.notifier)
	h.engine.SetClock(func() time.Time { return now })
	return h
}

func (h *harness) reading(t *testing.T, zone int, at time.Time, humidity *float64) {
	t.Helper()
	require.NoError(t, h.readings.Append(h.ctx, &models.Reading{ZoneID: zone, Timestamp: at, Humidity: humidity}))
}

func (h *harness) schedule(t *testing.T, zone, hour int, th logic.Thresholds) {
	t.Helper()
	_, err := h.schedules.Put(h.ctx, zone, hour, th)
	require.NoError(t, err)
}

func (h *harness) state(t *testing.T, zone int, s logic.Status) {
	t.Helper()
	require.NoError(t, h.states.Upsert(h.ctx, zone, s, now.Add(-time.Hour)))
}

func (h *harness) committed(t *testing.T, zone int) *models.ControllerState {
	t.Helper()
	st, err := h.states.Get(h.ctx, zone)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return st
}

func f64(v float64) *float64 { return &v }

func TestFirstDecisionTurnsOnBelowLowerBound(t *testing.T) {
	h := newHarness(t, Config{})
	h.schedule(t, 3, 13, defaultTh)
	h.reading(t, 3, readingTime, f64(50))

	rep := h.engine.RunCycle(h.ctx)

	res, ok := rep.Zone(3)
	require.True(t, ok)
	assert.Equal(t, OutcomeChanged, res.Outcome)
	assert.Nil(t, res.Previous)
	assert.Equal(t, logic.StatusOn, res.Status)
	assert.True(t, res.Dispatched)

	st := h.committed(t, 3)
	require.NotNil(t, st)
	assert.Equal(t, logic.StatusOn, st.Status)
	assert.True(t, st.LastUpdated.Equal(now))

	assert.Equal(t, []dispatch.Call{{Zone: 3, Status: logic.StatusOn}}, h.dispatcher.Calls())

	events := h.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, 3, events[0].Zone)
	assert.Equal(t, logic.StatusOn, events[0].Status)
	assert.Nil(t, events[0].Previous)
	assert.Equal(t, 50.0, events[0].Humidity)
	assert.True(t, events[0].Dispatched)
}

func TestInsideDeadBandIsUnchanged(t *testing.T) {
	h := newHarness(t, Config{})
	h.schedule(t, 3, 13, defaultTh)
	h.state(t, 3, logic.StatusOn)
	h.reading(t, 3, readingTime, f64(63))

	rep := h.engine.RunCycle(h.ctx)

	res, _ := rep.Zone(3)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Empty(t, h.dispatcher.Calls())
	assert.Empty(t, h.notifier.Events())

	st := h.committed(t, 3)
	assert.True(t, st.LastUpdated.Equal(now.Add(-time.Hour)), "unchanged status must not be rewritten")
}

func TestDispatchTimeoutKeepsCommittedState(t *testing.T) {
	h := newHarness(t, Config{})
	h.schedule(t, 3, 13, defaultTh)
	h.state(t, 3, logic.StatusOn)
	h.reading(t, 3, readingTime, f64(66))
	h.dispatcher.Err = context.DeadlineExceeded

	rep := h.engine.RunCycle(h.ctx)

	res, _ := rep.Zone(3)
	assert.Equal(t, OutcomeChanged, res.Outcome)
	assert.Equal(t, logic.StatusOff, res.Status)
	assert.False(t, res.Dispatched)
	assert.True(t, errors.Is(res.DispatchErr, context.DeadlineExceeded))
	assert.Equal(t, 1, rep.DispatchFailures())

	assert.Equal(t, []dispatch.Call{{Zone: 3, Status: logic.StatusOff}}, h.dispatcher.Calls())
	assert.Equal(t, logic.StatusOff, h.committed(t, 3).Status)

	events := h.notifier.Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].Dispatched)
	assert.NotEmpty(t, events[0].DispatchError)

	// The next cycle sees OFF as committed and does not retry.
	h.dispatcher.Reset()
	rep = h.engine.RunCycle(h.ctx)
	res, _ = rep.Zone(3)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Empty(t, h.dispatcher.Calls())
}

func TestMissingScheduleSkipsOnlyThatZone(t *testing.T) {
	h := newHarness(t, Config{})
	h.schedule(t, 3, 13, defaultTh)
	h.schedule(t, 4, 12, defaultTh) // wrong hour
	h.reading(t, 3, readingTime, f64(50))
	h.reading(t, 4, readingTime, f64(50))

	rep := h.engine.RunCycle(h.ctx)

	res4, _ := rep.Zone(4)
	assert.Equal(t, OutcomeMissingSchedule, res4.Outcome)
	assert.Equal(t, 13, res4.Hour)
	assert.Nil(t, h.committed(t, 4))
	assert.Empty(t, h.dispatcher.CallsFor(4))

	res3, _ := rep.Zone(3)
	assert.Equal(t, OutcomeChanged, res3.Outcome)
	assert.Len(t, h.dispatcher.CallsFor(3), 1)

	var warned bool
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["zone"] == 4 {
			warned = true
		}
	}
	assert.True(t, warned, "missing schedule must be logged as a warning")
}

func TestRerunWithSameInputsIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.schedule(t, 1, 13, defaultTh)
	h.schedule(t, 2, 13, defaultTh)
	h.reading(t, 1, readingTime, f64(40))
	h.reading(t, 2, readingTime, f64(62))

	first := h.engine.RunCycle(h.ctx)
	assert.Equal(t, 2, first.Count(OutcomeChanged))
	require.Len(t, h.dispatcher.Calls(), 2)

	before1 := h.committed(t, 1).LastUpdated
	h.engine.SetClock(func() time.Time { return now.Add(time.Minute) })
	h.dispatcher.Reset()

	second := h.engine.RunCycle(h.ctx)
	assert.Equal(t, 2, second.Count(OutcomeUnchanged))
	assert.Empty(t, h.dispatcher.Calls())
	assert.True(t, h.committed(t, 1).LastUpdated.Equal(before1))
}

func TestStaleReadingNeverActs(t *testing.T) {
	h := newHarness(t, Config{})
	h.schedule(t, 3, 12, defaultTh)
	h.reading(t, 3, now.Add(-16*time.Minute), f64(10))

	rep := h.engine.RunCycle(h.ctx)

	assert.Empty(t, rep.Zones, "zones without fresh readings are not evaluated")
	assert.Empty(t, h.dispatcher.Calls())
	assert.Nil(t, h.committed(t, 3))
}

func TestConfiguredZonesReportStale(t *testing.T) {
	h := newHarness(t, Config{Zones: []int{1, 3}})
	h.schedule(t, 1, 13, defaultTh)
	h.schedule(t, 2, 13, defaultTh)
	h.reading(t, 1, readingTime, f64(50))
	h.reading(t, 2, readingTime, f64(50)) // unmanaged
	h.reading(t, 3, now.Add(-20*time.Minute), f64(50))

	rep := h.engine.RunCycle(h.ctx)

	require.Len(t, rep.Zones, 2)
	assert.Equal(t, 1, rep.Zones[0].Zone)
	assert.Equal(t, OutcomeChanged, rep.Zones[0].Outcome)
	assert.Equal(t, 3, rep.Zones[1].Zone)
	assert.Equal(t, OutcomeStale, rep.Zones[1].Outcome)
	assert.Empty(t, h.dispatcher.CallsFor(2))
	assert.Empty(t, h.dispatcher.CallsFor(3))
}

func TestFreshnessWindowIsConfigurable(t *testing.T) {
	h := newHarness(t, Config{Freshness: time.Minute})
	h.schedule(t, 3, 13, defaultTh)
	h.reading(t, 3, readingTime, f64(50)) // three minutes old

	rep := h.engine.RunCycle(h.ctx)
	assert.Empty(t, rep.Zones)
}

func TestReadingWithoutHumidityIsSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	h.schedule(t, 3, 13, defaultTh)
	h.reading(t, 3, readingTime.Add(-time.Minute), f64(10))
	h.reading(t, 3, readingTime, nil) // newest wins even without humidity

	rep := h.engine.RunCycle(h.ctx)

	res, _ := rep.Zone(3)
	assert.Equal(t, OutcomeNoHumidity, res.Outcome)
	assert.Empty(t, h.dispatcher.Calls())
}

func TestHourComesFromReadingTimestamp(t *testing.T) {
	h := newHarness(t, Config{})
	h.schedule(t, 3, 12, logic.Thresholds{Target: 40})
	h.schedule(t, 3, 13, logic.Thresholds{Target: 80})
	// 12:58 reading evaluated at 13:05 uses hour 12.
	h.reading(t, 3, time.Date(2026, 3, 10, 12, 58, 0, 0, time.UTC), f64(50))

	rep := h.engine.RunCycle(h.ctx)

	res, _ := rep.Zone(3)
	assert.Equal(t, 12, res.Hour)
	assert.Equal(t, logic.StatusOff, res.Status)
}

func TestHourUsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	h := newHarness(t, Config{Location: loc})
	h.schedule(t, 3, 15, defaultTh)
	h.reading(t, 3, readingTime, f64(50))

	rep := h.engine.RunCycle(h.ctx)

	res, _ := rep.Zone(3)
	assert.Equal(t, 15, res.Hour)
	assert.Equal(t, OutcomeChanged, res.Outcome)
}

func TestBoundaryValuesDoNotTransition(t *testing.T) {
	tests := []struct {
		name     string
		prev     logic.Status
		humidity float64
	}{
		{"OFF at lower bound", logic.StatusOff, 55},
		{"ON at upper bound", logic.StatusOn, 65},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.schedule(t, 3, 13, defaultTh)
			h.state(t, 3, tt.prev)
			h.reading(t, 3, readingTime, f64(tt.humidity))

			rep := h.engine.RunCycle(h.ctx)
			res, _ := rep.Zone(3)
			assert.Equal(t, OutcomeUnchanged, res.Outcome)
			assert.Equal(t, tt.prev, res.Status)
			assert.Empty(t, h.dispatcher.Calls())
		})
	}
}

// failingStates fails writes for selected zones.
type failingStates struct {
	StateStore
	failZone int
}

func (f *failingStates) Upsert(ctx context.Context, zone int, status logic.Status, at time.Time) error {
	if zone == f.failZone {
		return errors.New("disk I/O error")
	}
	return f.StateStore.Upsert(ctx, zone, status, at)
}

func TestPersistenceFailureIsolatesZone(t *testing.T) {
	h := newHarness(t, Config{})
	log, _ := test.NewNullLogger()
	e := New(Config{}, h.readings, h.schedules, &failingStates{StateStore: h.states, failZone: 2}, h.dispatcher, log)
	e.SetClock(func() time.Time { return now })

	for zone := 1; zone <= 3; zone++ {
		h.schedule(t, zone, 13, defaultTh)
		h.reading(t, zone, readingTime, f64(50))
	}

	rep := e.RunCycle(h.ctx)

	res2, _ := rep.Zone(2)
	assert.Equal(t, OutcomeError, res2.Outcome)
	assert.Error(t, res2.Err)
	assert.Empty(t, h.dispatcher.CallsFor(2), "no dispatch without a committed state")

	assert.Equal(t, 2, rep.Count(OutcomeChanged))
	assert.Len(t, h.dispatcher.CallsFor(1), 1)
	assert.Len(t, h.dispatcher.CallsFor(3), 1)
}

type failingReadings struct{}

func (failingReadings) LatestPerZone(context.Context, time.Time, time.Time) ([]models.Reading, error) {
	return nil, errors.New("database is locked")
}

func TestReadingLoadFailureEndsCycle(t *testing.T) {
	h := newHarness(t, Config{})
	log, _ := test.NewNullLogger()
	e := New(Config{}, failingReadings{}, h.schedules, h.states, h.dispatcher, log)

	rep := e.RunCycle(h.ctx)
	assert.Error(t, rep.Err)
	assert.Empty(t, rep.Zones)
	assert.NotEmpty(t, rep.ID)
}

func TestNotifierFailureDoesNotAffectOutcome(t *testing.T) {
	h := newHarness(t, Config{})
	h.notifier.err = errors.New("broker down")
	h.schedule(t, 3, 13, defaultTh)
	h.reading(t, 3, readingTime, f64(50))

	rep := h.engine.RunCycle(h.ctx)
	res, _ := rep.Zone(3)
	assert.Equal(t, OutcomeChanged, res.Outcome)
	assert.True(t, res.Dispatched)
}

func TestSlowDispatchDoesNotSerialiseZones(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 4})
	h.dispatcher.Delay = 200 * time.Millisecond
	for zone := 1; zone <= 4; zone++ {
		h.schedule(t, zone, 13, defaultTh)
		h.reading(t, zone, readingTime, f64(50))
	}

	start := time.Now()
	rep := h.engine.RunCycle(h.ctx)
	elapsed := time.Since(start)

	assert.Equal(t, 4, rep.Count(OutcomeChanged))
	assert.Less(t, elapsed, 700*time.Millisecond)
}

func TestCountsIncludeEveryOutcome(t *testing.T) {
	rep := Report{Zones: []ZoneResult{{Outcome: OutcomeChanged}, {Outcome: OutcomeStale}, {Outcome: OutcomeStale}}}
	counts := rep.Counts()
	assert.Len(t, counts, len(Outcomes))
	assert.Equal(t, 1, counts[OutcomeChanged])
	assert.Equal(t, 2, counts[OutcomeStale])
	assert.Equal(t, 0, counts[OutcomeError])
}

func TestZoneLocksSerialiseSameZone(t *testing.T) {
	var locks zoneLocks
	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(7)
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}
