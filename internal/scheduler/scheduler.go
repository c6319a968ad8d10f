// Package scheduler drives control cycles from a ticker. At most one cycle
// runs at a time; a tick that arrives while a cycle is in progress is
// dropped rather than queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/humidistat/internal/engine"
)

// Runner performs one control cycle.
type Runner interface {
	RunCycle(ctx context.Context) engine.Report
}

// Option configures a Driver.
type Option func(*Driver)

// WithReportHandler registers fn to receive every cycle report.
func WithReportHandler(fn func(engine.Report)) Option {
	return func(d *Driver) { d.onReport = fn }
}

// WithSkipHandler registers fn to be called for every skipped trigger.
func WithSkipHandler(fn func()) Option {
	return func(d *Driver) { d.onSkip = fn }
}

// WithRunOnStart makes Run trigger a cycle immediately.
func WithRunOnStart(on bool) Option {
	return func(d *Driver) { d.runOnStart = on }
}

// Driver owns the run-in-progress flag for a Runner.
type Driver struct {
	runner     Runner
	log        logrus.FieldLogger
	onReport   func(engine.Report)
	onSkip     func()
	runOnStart bool

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Driver for runner.
func New(runner Runner, log logrus.FieldLogger, opts ...Option) *Driver {
	d := &Driver{runner: runner, log: log}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Running reports whether a cycle is in progress.
func (d *Driver) Running() bool {
	return d.running.Load()
}

// Trigger starts a cycle in the background unless one is already running.
// It reports whether a cycle was started.
func (d *Driver) Trigger(ctx context.Context) bool {
	if !d.running.CompareAndSwap(false, true) {
		d.log.Debug("Cycle still running; skipping tick")
		if d.onSkip != nil {
			d.onSkip()
		}
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.running.Store(false)
		d.run(ctx)
	}()
	return true
}

func (d *Driver) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", fmt.Sprint(r)).Error("Cycle panicked")
		}
	}()

	rep := d.runner.RunCycle(ctx)
	if d.onReport != nil {
		d.onReport(rep)
	}
}

// Wait blocks until no cycle is running.
func (d *Driver) Wait() {
	d.wg.Wait()
}

// Run triggers a cycle on every tick until ctx is done, then waits for the
// in-flight cycle to finish.
func (d *Driver) Run(ctx context.Context, tick <-chan time.Time) {
	if d.runOnStart {
		d.Trigger(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			d.Wait()
			return
		case <-tick:
			d.Trigger(ctx)
		}
	}
}
