package adjustable

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/nasa-jpl/beamline/task"
)

const dummyTick = 2 * time.Millisecond

// Dummy is an in-memory adjustable.  With a non-zero Speed (units/s) it
// ramps to the target instead of jumping
type Dummy struct {
	name  string
	Speed float64

	mu    sync.Mutex
	value float64
	move  *task.Task
}

// NewDummy returns a dummy adjustable at initial
func NewDummy(name string, initial float64) *Dummy {
	return &Dummy{name: name, value: initial}
}

// Name returns the name
func (d *Dummy) Name() string {
	return d.name
}

// Get returns the value
func (d *Dummy) Get(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value, nil
}

// Set changes the value, ramping at Speed if it is positive
func (d *Dummy) Set(ctx context.Context, v float64) *task.Task {
	d.mu.Lock()
	prev := d.move
	speed := d.Speed
	d.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	if speed <= 0 {
		d.mu.Lock()
		d.value = v
		d.mu.Unlock()
		return task.Completed(nil)
	}
	step := speed * dummyTick.Seconds()
	t := task.Start(ctx, func(ctx context.Context) error {
		tick := time.NewTicker(dummyTick)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick.C:
			}
			d.mu.Lock()
			diff := v - d.value
			if math.Abs(diff) <= step {
				d.value = v
				d.mu.Unlock()
				return nil
			}
			d.value += math.Copysign(step, diff)
			d.mu.Unlock()
		}
	}, nil)
	d.mu.Lock()
	d.move = t
	d.mu.Unlock()
	return t
}

// Stop halts a ramp in progress
func (d *Dummy) Stop(ctx context.Context) error {
	d.mu.Lock()
	t := d.move
	d.mu.Unlock()
	if t != nil {
		return t.Stop()
	}
	return nil
}
