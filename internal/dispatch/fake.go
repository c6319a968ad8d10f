package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sweeney/humidistat/internal/logic"
)

// Call is one recorded Dispatch invocation.
type Call struct {
	Zone   int
	Status logic.Status
}

// FakeDispatcher records dispatched commands for test assertions.
// It is safe for concurrent use.
type FakeDispatcher struct {
	mu sync.Mutex

	calls []Call

	// Err, if set, is returned by every Dispatch call after recording it.
	Err error

	// ZoneErr, if set for a zone, overrides Err for that zone.
	ZoneErr map[int]error

	// Delay makes Dispatch wait before returning, or until ctx is done.
	Delay time.Duration
}

// NewFakeDispatcher creates a FakeDispatcher for testing.
func NewFakeDispatcher() *FakeDispatcher {
	return &FakeDispatcher{}
}

// Dispatch records the call.
func (f *FakeDispatcher) Dispatch(ctx context.Context, zone int, status logic.Status) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Zone: zone, Status: status})
	err := f.Err
	if zerr, ok := f.ZoneErr[zone]; ok {
		err = zerr
	}
	delay := f.Delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Calls returns a copy of the recorded calls.
func (f *FakeDispatcher) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the calls recorded for zone.
func (f *FakeDispatcher) CallsFor(zone int) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Zone == zone {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears recorded calls and configured errors.
func (f *FakeDispatcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.Err = nil
	f.ZoneErr = nil
	f.Delay = 0
}
