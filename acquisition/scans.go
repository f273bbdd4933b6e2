package acquisition

import (
	"context"
	"fmt"

	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/mathx"
)

func column(vals []float64) [][]float64 {
	out := make([][]float64, len(vals))
	for i, v := range vals {
		out[i] = []float64{v}
	}
	return out
}

// AScan scans adj from start to end in the given number of intervals,
// i.e. intervals+1 points
func AScan(setup Setup, adj adjustable.Adjustable, start, end float64, intervals int) (*Scan, error) {
	if intervals < 1 {
		return nil, fmt.Errorf("%w: %d intervals", ErrNoSteps, intervals)
	}
	return New(setup, []adjustable.Adjustable{adj}, column(mathx.Linspace(start, end, intervals+1)))
}

// RScan is an AScan with start and end relative to the current value of adj.
// It always returns to the starting value
func RScan(ctx context.Context, setup Setup, adj adjustable.Adjustable, start, end float64, intervals int) (*Scan, error) {
	cur, err := adj.Get(ctx)
	if err != nil {
		return nil, err
	}
	setup.ReturnAtEnd = true
	return AScan(setup, adj, cur+start, cur+end, intervals)
}

// A2Scan moves two adjustables together, each along its own range
func A2Scan(setup Setup, adj0 adjustable.Adjustable, start0, end0 float64,
	adj1 adjustable.Adjustable, start1, end1 float64, intervals int) (*Scan, error) {
	if intervals < 1 {
		return nil, fmt.Errorf("%w: %d intervals", ErrNoSteps, intervals)
	}
	v0 := mathx.Linspace(start0, end0, intervals+1)
	v1 := mathx.Linspace(start1, end1, intervals+1)
	values := make([][]float64, len(v0))
	for i := range v0 {
		values[i] = []float64{v0[i], v1[i]}
	}
	return New(setup, []adjustable.Adjustable{adj0, adj1}, values)
}

// ListScan visits an explicit list of values
func ListScan(setup Setup, adj adjustable.Adjustable, values []float64) (*Scan, error) {
	return New(setup, []adjustable.Adjustable{adj}, column(values))
}

// Mesh scans a grid.  adj0 is the slow axis and adj1 the fast one
func Mesh(setup Setup, adj0 adjustable.Adjustable, start0, end0 float64, intervals0 int,
	adj1 adjustable.Adjustable, start1, end1 float64, intervals1 int) (*Scan, error) {
	if intervals0 < 1 || intervals1 < 1 {
		return nil, fmt.Errorf("%w: %dx%d intervals", ErrNoSteps, intervals0, intervals1)
	}
	v0 := mathx.Linspace(start0, end0, intervals0+1)
	v1 := mathx.Linspace(start1, end1, intervals1+1)
	values := make([][]float64, 0, len(v0)*len(v1))
	for _, a := range v0 {
		for _, b := range v1 {
			values = append(values, []float64{a, b})
		}
	}
	return New(setup, []adjustable.Adjustable{adj0, adj1}, values)
}
