// Package attenuator drives a set of solid filters to reach a requested
// transmission.
package attenuator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/task"
)

// MaxFilters bounds the exhaustive search over filter combinations
const MaxFilters = 16

var (
	// ErrTooManyFilters is returned for a set larger than MaxFilters
	ErrTooManyFilters = errors.New("too many filters for exhaustive search")

	// ErrTransmission is returned for a requested transmission outside [0, 1]
	ErrTransmission = errors.New("transmission must be within [0, 1]")

	// ErrFilterState is returned when a filter is neither in nor out
	ErrFilterState = errors.New("filter is between in and out")
)

// Filter is one filter of the set
type Filter struct {
	Name string

	// Thickness and AttenuationLength share a unit, e.g. micrometers
	Thickness         float64
	AttenuationLength float64

	// Actuator has the states "in" and "out"
	Actuator *adjustable.Enum
}

// Transmission of this filter alone
func (f Filter) Transmission() float64 {
	return math.Exp(-f.Thickness / f.AttenuationLength)
}

// Attenuator is a set of filters.  It is an adjustable whose value is the
// transmission
type Attenuator struct {
	name    string
	Filters []Filter
}

// New returns an attenuator over filters
func New(name string, filters []Filter) (*Attenuator, error) {
	if len(filters) > MaxFilters {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyFilters, len(filters), MaxFilters)
	}
	for _, f := range filters {
		if f.AttenuationLength <= 0 {
			return nil, fmt.Errorf("filter %s: attenuation length must be positive", f.Name)
		}
	}
	return &Attenuator{name: name, Filters: filters}, nil
}

// Name returns the name
func (a *Attenuator) Name() string { return a.name }

// TransmissionOf returns the transmission with the filters of mask inserted;
// bit i of mask is filter i
func (a *Attenuator) TransmissionOf(mask uint32) float64 {
	sum := 0.
	for i, f := range a.Filters {
		if mask&(1<<i) != 0 {
			sum += f.Thickness / f.AttenuationLength
		}
	}
	return math.Exp(-sum)
}

// Best returns the combination of filters whose transmission is closest to t.
// Among equally close combinations the one with fewest filters wins, then the
// lowest mask
func (a *Attenuator) Best(t float64) (mask uint32, trans float64) {
	n := len(a.Filters)
	bestDiff := math.Inf(1)
	bestCount := n + 1
	for m := uint32(0); m < 1<<n; m++ {
		tr := a.TransmissionOf(m)
		diff := math.Abs(tr - t)
		count := bits.OnesCount32(m)
		if diff < bestDiff || (diff == bestDiff && count < bestCount) {
			mask, trans, bestDiff, bestCount = m, tr, diff, count
		}
	}
	return mask, trans
}

// Mask reads which filters are in
func (a *Attenuator) Mask(ctx context.Context) (uint32, error) {
	var mask uint32
	for i, f := range a.Filters {
		st, err := f.Actuator.State(ctx)
		if err != nil {
			return 0, fmt.Errorf("filter %s: %w", f.Name, err)
		}
		switch st {
		case "in":
			mask |= 1 << i
		case "out":
		default:
			return 0, fmt.Errorf("filter %s: %w", f.Name, ErrFilterState)
		}
	}
	return mask, nil
}

// Transmission computes the current transmission from the filter states
func (a *Attenuator) Transmission(ctx context.Context) (float64, error) {
	m, err := a.Mask(ctx)
	if err != nil {
		return 0, err
	}
	return a.TransmissionOf(m), nil
}

// Get is Transmission
func (a *Attenuator) Get(ctx context.Context) (float64, error) {
	return a.Transmission(ctx)
}

// Set is SetTransmission
func (a *Attenuator) Set(ctx context.Context, t float64) *task.Task {
	return a.SetTransmission(ctx, t)
}

// SetTransmission moves every filter, simultaneously, into the combination
// closest to t
func (a *Attenuator) SetTransmission(ctx context.Context, t float64) *task.Task {
	if t < 0 || t > 1 || math.IsNaN(t) {
		return task.Completed(fmt.Errorf("%w: %g", ErrTransmission, t))
	}
	mask, _ := a.Best(t)
	return a.SetMask(ctx, mask)
}

// SetMask inserts exactly the filters of mask
func (a *Attenuator) SetMask(ctx context.Context, mask uint32) *task.Task {
	tasks := make([]*task.Task, len(a.Filters))
	for i, f := range a.Filters {
		state := "out"
		if mask&(1<<i) != 0 {
			state = "in"
		}
		tasks[i] = f.Actuator.SetState(ctx, state)
	}
	return task.Start(ctx, func(ctx context.Context) error {
		return task.WaitAll(ctx, tasks...)
	}, func() error {
		return task.StopAll(tasks...)
	})
}
