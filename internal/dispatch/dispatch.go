// Package dispatch delivers commanded humidifier states to actuators.
// Delivery is a single attempt per call; callers never retry an unchanged
// decision.
package dispatch

import (
	"context"
	"fmt"

	"github.com/sweeney/humidistat/internal/logic"
)

// Dispatcher sends the desired status of a zone to its actuator.
type Dispatcher interface {
	// Dispatch makes one delivery attempt. A non-nil error means the
	// actuator did not acknowledge the command.
	Dispatch(ctx context.Context, zone int, status logic.Status) error
}

// Func adapts a plain function to Dispatcher.
type Func func(ctx context.Context, zone int, status logic.Status) error

func (f Func) Dispatch(ctx context.Context, zone int, status logic.Status) error {
	return f(ctx, zone, status)
}

// Router sends each zone to its own dispatcher, falling back to Default.
type Router struct {
	Default Dispatcher
	Zones   map[int]Dispatcher
}

// Dispatch forwards to the dispatcher registered for zone.
func (r *Router) Dispatch(ctx context.Context, zone int, status logic.Status) error {
	if d, ok := r.Zones[zone]; ok && d != nil {
		return d.Dispatch(ctx, zone, status)
	}
	if r.Default == nil {
		return fmt.Errorf("no actuator configured for zone %d", zone)
	}
	return r.Default.Dispatch(ctx, zone, status)
}
