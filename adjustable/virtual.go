package adjustable

import (
	"context"
	"fmt"
	"sync"

	"github.com/nasa-jpl/beamline/task"
)

// SpeedOfLight in m/s
const SpeedOfLight = 299792458.

// ForwardFunc computes the virtual value from the values of the inputs
type ForwardFunc func(inputs []float64) (float64, error)

// InverseFunc computes targets for the inputs which realize the virtual
// value v, given their current values
type InverseFunc func(v float64, current []float64) ([]float64, error)

// Virtual is an adjustable computed from other adjustables.  A set solves the
// inverse and moves every input, all at once or one after another
type Virtual struct {
	name    string
	Inputs  []Adjustable
	Forward ForwardFunc
	Inverse InverseFunc

	// Sequential moves the inputs in order instead of simultaneously
	Sequential bool
}

// NewVirtual returns a virtual adjustable over inputs
func NewVirtual(name string, inputs []Adjustable, fwd ForwardFunc, inv InverseFunc) *Virtual {
	return &Virtual{name: name, Inputs: inputs, Forward: fwd, Inverse: inv}
}

// Name returns the name
func (v *Virtual) Name() string {
	return v.name
}

// Get reads the inputs and applies the forward function
func (v *Virtual) Get(ctx context.Context) (float64, error) {
	vals, err := GetAll(ctx, v.Inputs)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", v.name, err)
	}
	return v.Forward(vals)
}

// Set solves the inverse and moves the inputs
func (v *Virtual) Set(ctx context.Context, val float64) *task.Task {
	cur, err := GetAll(ctx, v.Inputs)
	if err != nil {
		return task.Completed(fmt.Errorf("%s: %w", v.name, err))
	}
	targets, err := v.Inverse(val, cur)
	if err != nil {
		return task.Completed(fmt.Errorf("%s: %w", v.name, err))
	}
	if len(targets) != len(v.Inputs) {
		return task.Completed(fmt.Errorf("%s: %w", v.name, ErrDimension))
	}
	return moveMany(ctx, v.Inputs, targets, v.Sequential)
}

// moveMany sets adjs to vals in one task.  Stopping it stops every child
func moveMany(ctx context.Context, adjs []Adjustable, vals []float64, sequential bool) *task.Task {
	var (
		mu       sync.Mutex
		children []*task.Task
		halted   bool
	)
	launch := func(ctx context.Context, a Adjustable, val float64) *task.Task {
		mu.Lock()
		defer mu.Unlock()
		if halted {
			return nil
		}
		t := a.Set(ctx, val)
		children = append(children, t)
		return t
	}
	var stop func() error
	run := func(ctx context.Context) error {
		err := runMany(ctx, adjs, vals, sequential, launch)
		if err != nil && ctx.Err() != nil {
			// members keep moving when only their context ends
			stop()
		}
		return err
	}
	stop = func() error {
		mu.Lock()
		halted = true
		ts := append([]*task.Task(nil), children...)
		mu.Unlock()
		return task.StopAll(ts...)
	}
	return task.Start(ctx, run, stop)
}

func runMany(ctx context.Context, adjs []Adjustable, vals []float64, sequential bool, launch func(context.Context, Adjustable, float64) *task.Task) error {
	if sequential {
		for i, a := range adjs {
			t := launch(ctx, a, vals[i])
			if t == nil {
				return task.ErrStopped
			}
			if err := t.Wait(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	var ts []*task.Task
	for i, a := range adjs {
		if t := launch(ctx, a, vals[i]); t != nil {
			ts = append(ts, t)
		}
	}
	return task.WaitAll(ctx, ts...)
}

// Linear returns an adjustable with value slope*base + offset
func Linear(name string, base Adjustable, slope, offset float64) *Virtual {
	fwd := func(in []float64) (float64, error) {
		return slope*in[0] + offset, nil
	}
	inv := func(v float64, _ []float64) ([]float64, error) {
		if slope == 0 {
			return nil, fmt.Errorf("linear adjustable %s has zero slope", name)
		}
		return []float64{(v - offset) / slope}, nil
	}
	return NewVirtual(name, []Adjustable{base}, fwd, inv)
}

// DelayStage returns an adjustable in seconds of optical delay over a linear
// stage in millimeters.  The beam travels the stage twice, so
// position = offset + delay * c / 2
func DelayStage(name string, stage Adjustable, offsetMM float64) *Virtual {
	mmPerSecond := SpeedOfLight / 2 * 1e3
	return Linear(name, stage, 1/mmPerSecond, -offsetMM/mmPerSecond)
}
