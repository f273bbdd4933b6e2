package adjustable

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/nasa-jpl/beamline/task"
)

// ErrUnknownState is returned when setting an Enum to a state it does not have
var ErrUnknownState = errors.New("unknown state")

// Enum maps named states onto values of a base adjustable, e.g. a filter
// that is "in" at 1 and "out" at 0, or a turret with named positions
type Enum struct {
	Adjustable

	// States maps names to base values
	States map[string]float64

	// Tolerance is the largest distance from a state's value that still
	// counts as being in that state
	Tolerance float64
}

// NewEnum returns an Enum over base
func NewEnum(base Adjustable, states map[string]float64, tol float64) *Enum {
	return &Enum{Adjustable: base, States: states, Tolerance: tol}
}

// InOut returns a two-state Enum with states "in" and "out"
func InOut(base Adjustable, in, out float64) *Enum {
	return NewEnum(base, map[string]float64{"in": in, "out": out}, math.Abs(in-out)/10)
}

// StateNames returns the names of the states, sorted
func (e *Enum) StateNames() []string {
	names := make([]string, 0, len(e.States))
	for k := range e.States {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SetState begins a change to the named state
func (e *Enum) SetState(ctx context.Context, state string) *task.Task {
	v, ok := e.States[state]
	if !ok {
		return task.Completed(fmt.Errorf("%s: %w %q, have %v", e.Name(), ErrUnknownState, state, e.StateNames()))
	}
	return e.Set(ctx, v)
}

// State returns the name of the state the base is in, the closest one within
// tolerance.  It is "" when the base is between states
func (e *Enum) State(ctx context.Context) (string, error) {
	v, err := e.Get(ctx)
	if err != nil {
		return "", err
	}
	return e.Lookup(v), nil
}

// Lookup returns the state matching the value v, or ""
func (e *Enum) Lookup(v float64) string {
	best := ""
	bestDist := math.Inf(1)
	for _, name := range e.StateNames() {
		d := math.Abs(e.States[name] - v)
		if d <= e.Tolerance && d < bestDist {
			best, bestDist = name, d
		}
	}
	return best
}

// Stop halts the base adjustable if it can be
func (e *Enum) Stop(ctx context.Context) error {
	if s, ok := e.Adjustable.(Stoppable); ok {
		return s.Stop(ctx)
	}
	return nil
}
