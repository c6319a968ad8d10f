package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/humidistat/internal/config"
	"github.com/sweeney/humidistat/internal/database"
	"github.com/sweeney/humidistat/internal/engine"
	"github.com/sweeney/humidistat/internal/gpio"
	"github.com/sweeney/humidistat/internal/logic"
	"github.com/sweeney/humidistat/internal/models"
	"github.com/sweeney/humidistat/internal/mqtt"
	"github.com/sweeney/humidistat/internal/scheduler"
	"github.com/sweeney/humidistat/internal/status"
	"github.com/sweeney/humidistat/internal/store"
)

// countingRunner counts cycles and blocks each one until release is closed.
type countingRunner struct {
	cycles  atomic.Int32
	release chan struct{}
}

func (r *countingRunner) RunCycle(ctx context.Context) engine.Report {
	r.cycles.Add(1)
	if r.release != nil {
		<-r.release
	}
	return engine.Report{ID: fmt.Sprintf("c-%d", r.cycles.Load())}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func runRunLoop(t *testing.T, driver *scheduler.Driver, runner *countingRunner, pub *mqtt.FakePublisher,
	tracker *status.Tracker, ticks int, sig os.Signal) {
	t.Helper()
	log, _ := test.NewNullLogger()
	tick := make(chan time.Time)
	sigCh := make(chan os.Signal, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(context.Background(), driver, pub, pub, tracker, log,
			fixedClock(time.Date(2026, 3, 10, 13, 5, 0, 0, time.UTC)), tick, sigCh)
	}()
	for i := 0; i < ticks; i++ {
		tick <- time.Now()
		want := int32(i + 1)
		require.Eventually(t, func() bool {
			return runner.cycles.Load() == want && !driver.Running()
		}, time.Second, time.Millisecond)
	}
	sigCh <- sig
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runLoop did not return after signal")
	}
}

func TestRunLoopTriggersCycleOnTick(t *testing.T) {
	runner := &countingRunner{}
	var reports []engine.Report
	var mu sync.Mutex
	log, _ := test.NewNullLogger()
	driver := scheduler.New(runner, log, scheduler.WithReportHandler(func(rep engine.Report) {
		mu.Lock()
		reports = append(reports, rep)
		mu.Unlock()
	}))

	runRunLoop(t, driver, runner, mqtt.NewFakePublisher(), nil, 3, syscall.SIGTERM)

	assert.Equal(t, int32(3), runner.cycles.Load())
	mu.Lock()
	assert.Len(t, reports, 3)
	mu.Unlock()
}

func TestRunLoopShutdownSIGTERM(t *testing.T) {
	log, _ := test.NewNullLogger()
	pub := mqtt.NewFakePublisher()
	pub.Connected = true
	tracker := status.NewTracker(time.Now(), status.Config{Broker: "tcp://b:1883"})
	driver := scheduler.New(&countingRunner{}, log)

	runRunLoop(t, driver, nil, pub, tracker, 0, syscall.SIGTERM)

	require.Len(t, pub.SystemEvents, 1)
	ev := pub.SystemEvents[0]
	assert.Equal(t, mqtt.EventShutdown, ev.Event)
	assert.Equal(t, "SIGTERM", ev.Reason)
	assert.True(t, ev.Retained)
	assert.True(t, tracker.Snapshot().MQTTConnected, "link state refreshed before shutdown")

	var parsed status.StatusJSON
	require.NoError(t, json.Unmarshal(ev.RawPayload, &parsed))
	assert.Equal(t, "SHUTDOWN", parsed.Status.Event)
	assert.Equal(t, "SIGTERM", parsed.Status.Reason)
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	log, _ := test.NewNullLogger()
	pub := mqtt.NewFakePublisher()
	runRunLoop(t, scheduler.New(&countingRunner{}, log), nil, pub, nil, 0, syscall.SIGINT)

	require.Len(t, pub.SystemEvents, 1)
	assert.Equal(t, "SIGINT", pub.SystemEvents[0].Reason)
	assert.Nil(t, pub.SystemEvents[0].RawPayload, "no tracker, no status payload")
}

func TestRunLoopWaitsForInFlightCycle(t *testing.T) {
	log, _ := test.NewNullLogger()
	runner := &countingRunner{release: make(chan struct{})}
	driver := scheduler.New(runner, log, scheduler.WithRunOnStart(true))
	pub := mqtt.NewFakePublisher()

	tick := make(chan time.Time)
	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runLoop(context.Background(), driver, pub, pub, nil, log, time.Now, tick, sigCh)
	}()

	require.Eventually(t, driver.Running, time.Second, 5*time.Millisecond)
	sigCh <- syscall.SIGTERM

	select {
	case <-done:
		t.Fatal("runLoop returned while a cycle was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(runner.release)
	<-done
	assert.Equal(t, []string{mqtt.EventShutdown}, pub.SystemEventNames())
}

func TestRunLoopContextCancelled(t *testing.T) {
	log, _ := test.NewNullLogger()
	pub := mqtt.NewFakePublisher()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runLoop(ctx, scheduler.New(&countingRunner{}, log), pub, pub, nil, log, time.Now, nil, nil)
	require.NoError(t, err)
	require.Len(t, pub.SystemEvents, 1)
	assert.Equal(t, "CONTEXT_DONE", pub.SystemEvents[0].Reason)
}

func TestRunLoopShutdownPublishError(t *testing.T) {
	log, _ := test.NewNullLogger()
	pub := mqtt.NewFakePublisher()
	pub.PublishSystemError = errors.New("broker gone")
	// The error is logged, not returned.
	runRunLoop(t, scheduler.New(&countingRunner{}, log), nil, pub, nil, 0, syscall.SIGTERM)
}

func TestSignalName(t *testing.T) {
	assert.Equal(t, "SIGINT", signalName(syscall.SIGINT))
	assert.Equal(t, "SIGTERM", signalName(syscall.SIGTERM))
	assert.Equal(t, "UNKNOWN", signalName(syscall.SIGHUP))
}

func TestBuildDispatcherRoutes(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Actuator.URL = srv.URL + "/default/{zone}/{status}"
	cfg.Actuator.Method = "post"
	cfg.Actuator.Zones = map[int]string{2: srv.URL + "/override/{zone}/{status}"}
	cfg.Actuator.GPIO.Pins = map[int]int{5: 17, 6: 27}

	relays := map[int]*gpio.FakeRelay{}
	open := func(chip string, pin int, activeLow bool) (gpio.Relay, error) {
		assert.Equal(t, "gpiochip0", chip)
		r := gpio.NewFakeRelay()
		relays[pin] = r
		return r, nil
	}

	d, closeFn, err := buildDispatcher(cfg, open)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, 1, logic.StatusOn))
	require.NoError(t, d.Dispatch(ctx, 2, logic.StatusOff))
	require.NoError(t, d.Dispatch(ctx, 5, logic.StatusOn))
	require.NoError(t, d.Dispatch(ctx, 6, logic.StatusOff))

	mu.Lock()
	assert.Equal(t, []string{"POST /default/1/ON", "POST /override/2/OFF"}, paths)
	mu.Unlock()
	assert.True(t, relays[17].On())
	assert.Equal(t, []bool{false}, relays[27].History)

	require.NoError(t, closeFn())
	assert.True(t, relays[17].Closed)
	assert.True(t, relays[27].Closed)
}

func TestBuildDispatcherRelayFailureReleasesOpened(t *testing.T) {
	cfg := config.Default()
	cfg.Actuator.GPIO.Pins = map[int]int{1: 17, 2: 27}

	first := gpio.NewFakeRelay()
	open := func(chip string, pin int, activeLow bool) (gpio.Relay, error) {
		if pin == 27 {
			return nil, errors.New("line busy")
		}
		return first, nil
	}

	_, _, err := buildDispatcher(cfg, open)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zone 2")
	assert.True(t, first.Closed)
}

func TestBuildDispatcherWithoutGPIO(t *testing.T) {
	d, closeFn, err := buildDispatcher(config.Default(), func(string, int, bool) (gpio.Relay, error) {
		t.Fatal("no relay should be opened")
		return nil, nil
	})
	require.NoError(t, err)
	assert.NotNil(t, d)
	assert.NoError(t, closeFn())
}

func TestStatusConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Control.Interval = 30 * time.Second
	cfg.Control.Zones = []int{1, 2}
	cfg.Actuator.GPIO.Pins = map[int]int{7: 17, 3: 22}

	sc := statusConfig(cfg)
	assert.Equal(t, int64(30), sc.IntervalSeconds)
	assert.Equal(t, int64(900), sc.FreshnessSeconds)
	assert.Equal(t, []int{1, 2}, sc.Zones)
	assert.Equal(t, cfg.Actuator.URL+" (gpio zones 3 7)", sc.Actuator)
}

func TestBuildPublisherWithoutBroker(t *testing.T) {
	log, _ := test.NewNullLogger()
	p := buildPublisher(config.Default(), log)
	assert.IsType(t, mqtt.NopPublisher{}, p)
	assert.False(t, p.IsConnected())
}

func TestBuildForwarder(t *testing.T) {
	log, _ := test.NewNullLogger()
	cfg := config.Default()
	assert.Nil(t, buildForwarder(cfg, log))

	cfg.Ingest.ForwardURL = "http://upstream.local/data"
	fwd := buildForwarder(cfg, log)
	require.NotNil(t, fwd)
	assert.Equal(t, "http://upstream.local/data", fwd.URL())
}

func TestParseHours(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "13", want: []int{13}},
		{in: "0", want: []int{0}},
		{in: "8-10", want: []int{8, 9, 10}},
		{in: "24", wantErr: true},
		{in: "10-8", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "8-", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseHours(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	all, err := parseHours("all")
	require.NoError(t, err)
	assert.Len(t, all, 24)
}

// cliEnv is a config file pointing at a fresh database.
type cliEnv struct {
	configPath string
	dbPath     string
}

func newCLIEnv(t *testing.T, extra string) cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := cliEnv{
		configPath: filepath.Join(dir, "humidistat.yaml"),
		dbPath:     filepath.Join(dir, "humidistat.db"),
	}
	body := fmt.Sprintf("db:\n  path: %s\nhttp:\n  addr: \"\"\n%s", env.dbPath, extra)
	require.NoError(t, os.WriteFile(env.configPath, []byte(body), 0o600))
	return env
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func (e cliEnv) stores(t *testing.T) (*store.Readings, *store.Schedules, *store.States) {
	t.Helper()
	log, _ := test.NewNullLogger()
	db, err := database.Open(e.dbPath, log)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	return store.NewReadings(db), store.NewSchedules(db), store.NewStates(db)
}

func TestScheduleCommands(t *testing.T) {
	env := newCLIEnv(t, "")

	out, err := env.run(t, "schedule", "set", "3", "8-10", "55", "--up", "3", "--down", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "Zone 3: 3 of 3 hours changed")

	out, err = env.run(t, "schedule", "set", "3", "8-10", "55", "--up", "3", "--down", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "0 of 3 hours changed", "identical values are a no-op")

	_, err = env.run(t, "schedule", "set", "3", "9", "65")
	require.NoError(t, err)

	out, err = env.run(t, "schedule", "show", "3")
	require.NoError(t, err)
	var current []scheduleOutput
	require.NoError(t, json.Unmarshal([]byte(out), &current))
	require.Len(t, current, 3)
	assert.Equal(t, 8, current[0].Hour)
	assert.Equal(t, 65.0, current[1].TargetHumidity)
	assert.Equal(t, 5.0, current[1].HysteresisUp)

	out, err = env.run(t, "schedule", "show", "3", "--hour", "9")
	require.NoError(t, err)
	var history []scheduleOutput
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	require.Len(t, history, 2)
	assert.Equal(t, 65.0, history[0].TargetHumidity, "newest first")

	out, err = env.run(t, "schedule", "changes", "3")
	require.NoError(t, err)
	var changes []models.ScheduleChange
	require.NoError(t, json.Unmarshal([]byte(out), &changes))
	require.Len(t, changes, 4)
	require.NotNil(t, changes[0].OldTarget)
	assert.Equal(t, 55.0, *changes[0].OldTarget)

	out, err = env.run(t, "schedule", "seed", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "seeded 21 hours")
}

func TestScheduleSetRejectsInvalidValues(t *testing.T) {
	env := newCLIEnv(t, "")
	for _, args := range [][]string{
		{"schedule", "set", "0", "8", "50"},
		{"schedule", "set", "3", "25", "50"},
		{"schedule", "set", "3", "8", "150"},
		{"schedule", "set", "3", "8", "50", "--up", "30"},
		{"schedule", "set", "3", "8", "wet"},
		{"schedule", "show", "3", "--hour", "24"},
	} {
		_, err := env.run(t, args...)
		assert.Error(t, err, strings.Join(args, " "))
	}
}

func TestStateAndReadingsCommands(t *testing.T) {
	env := newCLIEnv(t, "")
	readings, _, states := env.stores(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 13, 2, 0, 0, time.UTC)
	h := 48.5
	require.NoError(t, readings.Append(ctx, &models.Reading{Timestamp: at, ZoneID: 3, Humidity: &h}))
	require.NoError(t, readings.Append(ctx, &models.Reading{Timestamp: at.Add(time.Minute), ZoneID: 4}))
	require.NoError(t, states.Upsert(ctx, 3, logic.StatusOn, at))

	out, err := env.run(t, "state", "list")
	require.NoError(t, err)
	var st []models.ControllerState
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.Len(t, st, 1)
	assert.Equal(t, logic.StatusOn, st[0].Status)

	out, err = env.run(t, "readings", "list", "--zone", "3")
	require.NoError(t, err)
	var rows []models.Reading
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 48.5, *rows[0].Humidity)

	out, err = env.run(t, "readings", "list", "--limit", "1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 4, rows[0].ZoneID)

	_, err = env.run(t, "readings", "list", "--limit", "0")
	assert.Error(t, err)

	out, err = env.run(t, "readings", "stats")
	require.NoError(t, err)
	var stats []store.ZoneStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Len(t, stats, 2)
}

func TestMigrateCommand(t *testing.T) {
	env := newCLIEnv(t, "")

	out, err := env.run(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "Schema at version 1\n", out)

	out, err = env.run(t, "migrate", "--down")
	require.NoError(t, err)
	assert.Equal(t, "Rolled back migration 1\n", out)
}

func TestCycleCommand(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	actuator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
	}))
	defer actuator.Close()

	env := newCLIEnv(t, fmt.Sprintf("actuator:\n  url: \"%s/{zone}/{status}\"\n", actuator.URL))
	readings, _, states := env.stores(t)
	h := 50.0
	require.NoError(t, readings.Append(context.Background(), &models.Reading{Timestamp: time.Now(), ZoneID: 3, Humidity: &h}))

	_, err := env.run(t, "schedule", "seed", "3", "--target", "60")
	require.NoError(t, err)

	out, err := env.run(t, "cycle")
	require.NoError(t, err)
	var rep cycleOutput
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Len(t, rep.Zones, 1)
	z := rep.Zones[0]
	assert.Equal(t, "changed", z.Outcome)
	assert.Equal(t, "ON", z.Status)
	assert.True(t, z.Dispatched)
	assert.Equal(t, 1, rep.Outcomes["changed"])
	assert.Equal(t, 0, rep.Outcomes["stale"])

	mu.Lock()
	assert.Equal(t, []string{"/3/ON"}, paths)
	mu.Unlock()

	st, err := states.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, logic.StatusOn, st.Status)

	out, err = env.run(t, "cycle")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "unchanged", rep.Zones[0].Outcome)
	mu.Lock()
	assert.Len(t, paths, 1, "unchanged decisions are not dispatched")
	mu.Unlock()
}

func TestCycleHelpWarnsAgainstRunningBesideServe(t *testing.T) {
	env := newCLIEnv(t, "")
	out, err := env.run(t, "cycle", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, `Do not run this alongside "humidistat serve"`)
	assert.Contains(t, out, "/api/cycle")
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("control:\n  interval: -1s\n"), 0o600))

	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--config", path, "state", "list"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control.interval")
}
