package gpio

import "sync"

// FakeRelay is a test double that records every value it is set to.
type FakeRelay struct {
	mu sync.Mutex

	// History contains every value passed to Set, in order.
	History []bool

	// SetError, if set, will be returned by Set without recording.
	SetError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeRelay creates a FakeRelay for testing.
func NewFakeRelay() *FakeRelay {
	return &FakeRelay{}
}

// Set records on.
func (f *FakeRelay) Set(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	f.History = append(f.History, on)
	return nil
}

// On reports the last value set, false if never set.
func (f *FakeRelay) On() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.History) > 0 && f.History[len(f.History)-1]
}

// Close marks the relay as closed and off.
func (f *FakeRelay) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
