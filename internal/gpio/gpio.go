// Package gpio drives humidifier relays wired directly to the host's GPIO
// header. The real implementation uses the Linux GPIO character device; the
// fake allows testing without hardware.
package gpio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sweeney/humidistat/internal/logic"
)

// DefaultChip is the GPIO chip of the Raspberry Pi header.
const DefaultChip = "gpiochip0"

// Relay switches one humidifier on or off.
type Relay interface {
	// Set energises the relay when on is true.
	Set(on bool) error

	// Close releases the line, leaving the relay de-energised.
	Close() error
}

// Dispatcher commands zone relays. It implements dispatch.Dispatcher.
type Dispatcher struct {
	mu     sync.Mutex
	relays map[int]Relay
}

// NewDispatcher creates a Dispatcher over relays keyed by zone.
func NewDispatcher(relays map[int]Relay) *Dispatcher {
	return &Dispatcher{relays: relays}
}

// Zones returns the zones with a relay, ascending.
func (d *Dispatcher) Zones() []int {
	zones := make([]int, 0, len(d.relays))
	for z := range d.relays {
		zones = append(zones, z)
	}
	sort.Ints(zones)
	return zones
}

// Dispatch drives the relay of zone to match status.
func (d *Dispatcher) Dispatch(ctx context.Context, zone int, status logic.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	relay, ok := d.relays[zone]
	if !ok {
		return fmt.Errorf("gpio: no relay for zone %d", zone)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := relay.Set(status == logic.StatusOn); err != nil {
		return fmt.Errorf("gpio: set zone %d %s: %w", zone, status, err)
	}
	return nil
}

// Close releases every relay.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, zone := range d.Zones() {
		if err := d.relays[zone].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay for zone %d: %w", zone, err))
		}
	}
	return errors.Join(errs...)
}
