// Package adjustable defines the uniform interface to every degree of freedom
// on the beamline (motor positions, delays, voltages, virtual coordinates)
// and the implementations that bind it to process variables, motion
// controllers, files and remote servers.
//
// Set never blocks.  It returns a *task.Task which the caller may wait on,
// poll, or stop.
package adjustable

import (
	"context"
	"errors"
	"fmt"

	"github.com/nasa-jpl/beamline/task"
	"github.com/nasa-jpl/beamline/util"
)

var (
	// ErrLimit is returned for a requested value outside the software limits
	ErrLimit = errors.New("requested value violates software limits, aborted")

	// ErrTimeout is returned when a move does not complete in the allowed time
	ErrTimeout = errors.New("move did not complete before timeout")

	// ErrDimension is returned when a multi-axis request has the wrong length
	ErrDimension = errors.New("number of values does not match number of adjustables")
)

// Adjustable is a settable, readable degree of freedom
type Adjustable interface {
	// Name identifies the adjustable in logs, scan files and URLs
	Name() string

	// Get reads the current value
	Get(context.Context) (float64, error)

	// Set begins a change towards the value and returns immediately
	Set(context.Context, float64) *task.Task
}

// Stoppable is an adjustable which can halt itself outside of any task
type Stoppable interface {
	Stop(context.Context) error
}

// LimitReporter is an adjustable with software limits
type LimitReporter interface {
	Limits() util.Limiter
}

// MoveAndWait sets a to v and waits for the change to finish
func MoveAndWait(ctx context.Context, a Adjustable, v float64) error {
	return a.Set(ctx, v).Wait(ctx)
}

// MoveRel begins a change of a by delta relative to its current value
func MoveRel(ctx context.Context, a Adjustable, delta float64) *task.Task {
	cur, err := a.Get(ctx)
	if err != nil {
		return task.Completed(err)
	}
	return a.Set(ctx, cur+delta)
}

// Limited wraps an adjustable with software limits.  A set outside the
// limits fails immediately without touching the underlying adjustable
type Limited struct {
	Adjustable
	Limiter util.Limiter
}

// WithLimits wraps a in limits
func WithLimits(a Adjustable, l util.Limiter) *Limited {
	return &Limited{Adjustable: a, Limiter: l}
}

// Set checks the limits, then delegates
func (l *Limited) Set(ctx context.Context, v float64) *task.Task {
	if !l.Limiter.Check(v) {
		return task.Completed(fmt.Errorf("%w: %s to %g, limits [%g, %g]", ErrLimit, l.Name(), v, l.Limiter.Min, l.Limiter.Max))
	}
	return l.Adjustable.Set(ctx, v)
}

// Limits returns the limiter
func (l *Limited) Limits() util.Limiter {
	return l.Limiter
}

// Stop halts the underlying adjustable if it can be
func (l *Limited) Stop(ctx context.Context) error {
	if s, ok := l.Adjustable.(Stoppable); ok {
		return s.Stop(ctx)
	}
	return nil
}

// Unwrap returns the wrapped adjustable
func (l *Limited) Unwrap() Adjustable {
	return l.Adjustable
}

// GetAll reads every adjustable in order
func GetAll(ctx context.Context, adjs []Adjustable) ([]float64, error) {
	out := make([]float64, len(adjs))
	for i, a := range adjs {
		v, err := a.Get(ctx)
		if err != nil {
			return out, fmt.Errorf("reading %s: %w", a.Name(), err)
		}
		out[i] = v
	}
	return out, nil
}
