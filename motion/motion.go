// Package motion contains an abstract interface for a multi-axis motion
// controller and a simulated controller that satisfies it.
package motion

import "errors"

var (
	// ErrNotEnabled is returned when moving a disabled axis
	ErrNotEnabled = errors.New("axis not enabled")

	// ErrNotHomed is returned when moving an axis that was never homed
	ErrNotHomed = errors.New("axis not homed")

	// ErrMoving is returned when an axis is commanded while in motion
	ErrMoving = errors.New("axis already in motion")
)

// Mover describes an interface with position-related methods for axes.
// MoveAbs and MoveRel block until the motion completes
type Mover interface {
	// GetPos gets the current position of an axis
	GetPos(string) (float64, error)

	// MoveAbs moves an axis to an absolute position
	MoveAbs(string, float64) error

	// MoveRel moves an axis a relative amount
	MoveRel(string, float64) error

	// Home homes an axis
	Home(string) error
}

// Stopper describes an interface with stop-related methods for axes
type Stopper interface {
	// Stop aborts motion of the axis
	Stop(string) error
}

// Enabler describes an interface with enable/disable methods for axes
type Enabler interface {
	// Enable enables an axis
	Enable(string) error

	// Disable disables an axis
	Disable(string) error

	// GetEnabled gets if an axis is enabled
	GetEnabled(string) (bool, error)
}

// Speeder describes an interface with velocity-related methods for axes
type Speeder interface {
	// SetVelocity sets the velocity setpoint on the axis
	SetVelocity(string, float64) error

	// GetVelocity gets the velocity setpoint on the axis
	GetVelocity(string) (float64, error)
}

// Controller is a motion controller.  All Controllers must be Movers; the
// other interfaces in this package are detected with type assertions
type Controller interface {
	Mover
}
