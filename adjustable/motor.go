package adjustable

import (
	"context"
	"fmt"

	"github.com/nasa-jpl/beamline/motion"
	"github.com/nasa-jpl/beamline/task"
)

// Motor is one axis of a motion controller
type Motor struct {
	name string
	Ctl  motion.Controller
	Axis string
}

// NewMotor returns an adjustable driving axis on ctl
func NewMotor(name string, ctl motion.Controller, axis string) *Motor {
	return &Motor{name: name, Ctl: ctl, Axis: axis}
}

// Name returns the name
func (m *Motor) Name() string {
	return m.name
}

// Get returns the axis position
func (m *Motor) Get(ctx context.Context) (float64, error) {
	return m.Ctl.GetPos(m.Axis)
}

// Set moves the axis.  The controller call blocks, so it runs in the task's
// goroutine; stopping the task stops the axis if the controller supports it
func (m *Motor) Set(ctx context.Context, v float64) *task.Task {
	run := func(ctx context.Context) error {
		if err := m.Ctl.MoveAbs(m.Axis, v); err != nil {
			return fmt.Errorf("%s: %w", m.name, err)
		}
		return nil
	}
	return task.Start(ctx, run, func() error { return m.Stop(context.Background()) })
}

// Stop aborts motion of the axis.  Controllers which cannot stop ignore it
func (m *Motor) Stop(ctx context.Context) error {
	if s, ok := m.Ctl.(motion.Stopper); ok {
		return s.Stop(m.Axis)
	}
	return nil
}

// Home homes the axis and waits for it to finish
func (m *Motor) Home(ctx context.Context) *task.Task {
	return task.Start(ctx, func(ctx context.Context) error {
		return m.Ctl.Home(m.Axis)
	}, func() error { return m.Stop(context.Background()) })
}
