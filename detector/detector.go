// Package detector defines the read-only Detector interface for scalar
// values, and cameras that return whole frames.
package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nasa-jpl/beamline/pv"
)

// ErrNoSamples is returned by Average when asked for zero samples
var ErrNoSamples = errors.New("average of zero samples requested")

// Detector is a read-only scalar
type Detector interface {
	// Name identifies the detector in logs and data files
	Name() string

	// Get reads the current value
	Get(context.Context) (float64, error)
}

// PV is a detector reading one process variable
type PV struct {
	name string
	Ch   pv.Channel
}

// NewPV returns a detector reading the named PV from p
func NewPV(name string, p pv.Provider, pvName string) *PV {
	return &PV{name: name, Ch: p.Channel(pvName)}
}

// Name returns the name
func (d *PV) Name() string { return d.name }

// Get reads the PV
func (d *PV) Get(ctx context.Context) (float64, error) {
	return d.Ch.Get(ctx)
}

// Func is a detector backed by a function
type Func struct {
	name string
	Fn   func(context.Context) (float64, error)
}

// NewFunc returns a detector calling fn
func NewFunc(name string, fn func(context.Context) (float64, error)) *Func {
	return &Func{name: name, Fn: fn}
}

// Name returns the name
func (d *Func) Name() string { return d.name }

// Get calls the function
func (d *Func) Get(ctx context.Context) (float64, error) {
	return d.Fn(ctx)
}

// Average reads another detector N times, Interval apart, and reports the mean
type Average struct {
	Detector
	N        int
	Interval time.Duration
}

// NewAverage wraps d
func NewAverage(d Detector, n int, interval time.Duration) *Average {
	return &Average{Detector: d, N: n, Interval: interval}
}

// Get reads N samples and returns their mean
func (a *Average) Get(ctx context.Context) (float64, error) {
	if a.N <= 0 {
		return 0, ErrNoSamples
	}
	sum := 0.
	for i := 0; i < a.N; i++ {
		if i > 0 && a.Interval > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(a.Interval):
			}
		}
		v, err := a.Detector.Get(ctx)
		if err != nil {
			return 0, fmt.Errorf("%s sample %d: %w", a.Name(), i, err)
		}
		sum += v
	}
	return sum / float64(a.N), nil
}

// ReadAll reads every detector and returns the values keyed by name
func ReadAll(ctx context.Context, dets []Detector) (map[string]float64, error) {
	out := make(map[string]float64, len(dets))
	for _, d := range dets {
		v, err := d.Get(ctx)
		if err != nil {
			return out, fmt.Errorf("reading %s: %w", d.Name(), err)
		}
		out[d.Name()] = v
	}
	return out, nil
}
