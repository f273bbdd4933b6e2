package motion

import (
	"math"
	"sync"
	"time"
)

const (
	mockServoPeriod = time.Millisecond
	floatCmpTol     = 1e-12
)

// MockController is a simulated multi-axis controller.  Axes spring into
// existence disabled and unhomed, at position 0 with velocity 1
type MockController struct {
	sync.Mutex
	enabled map[string]bool
	moving  map[string]bool
	homed   map[string]bool
	stop    map[string]bool
	pos     map[string]float64
	vel     map[string]float64
}

// NewMockController returns a simulated controller
func NewMockController() *MockController {
	return &MockController{
		enabled: make(map[string]bool),
		moving:  make(map[string]bool),
		homed:   make(map[string]bool),
		stop:    make(map[string]bool),
		pos:     make(map[string]float64),
		vel:     make(map[string]float64)}
}

// Ready enables and homes an axis in one call, for setup code
func (c *MockController) Ready(axis string, velocity float64) {
	c.Lock()
	defer c.Unlock()
	c.enabled[axis] = true
	c.homed[axis] = true
	c.vel[axis] = velocity
}

// Disable disables an axis
func (c *MockController) Disable(axis string) error {
	c.Lock()
	defer c.Unlock()
	if c.moving[axis] {
		return ErrMoving
	}
	c.enabled[axis] = false
	return nil
}

// Enable enables an axis
func (c *MockController) Enable(axis string) error {
	c.Lock()
	defer c.Unlock()
	c.enabled[axis] = true
	return nil
}

// GetEnabled gets if an axis is enabled
func (c *MockController) GetEnabled(axis string) (bool, error) {
	c.Lock()
	defer c.Unlock()
	return c.enabled[axis], nil
}

// GetPos gets the current position of an axis
func (c *MockController) GetPos(axis string) (float64, error) {
	c.Lock()
	defer c.Unlock()
	return c.pos[axis], nil
}

// GetVelocity gets the velocity setpoint on the axis
func (c *MockController) GetVelocity(axis string) (float64, error) {
	c.Lock()
	defer c.Unlock()
	return c.velocity(axis), nil
}

func (c *MockController) velocity(axis string) float64 {
	v, ok := c.vel[axis]
	if !ok {
		c.vel[axis] = 1
		v = 1
	}
	return v
}

// SetVelocity sets the velocity setpoint on the axis
func (c *MockController) SetVelocity(axis string, v float64) error {
	c.Lock()
	defer c.Unlock()
	if c.moving[axis] {
		return ErrMoving
	}
	c.vel[axis] = v
	return nil
}

// Home homes an axis, moving it to zero
func (c *MockController) Home(axis string) error {
	c.Lock()
	if !c.enabled[axis] {
		c.Unlock()
		return ErrNotEnabled
	}
	c.Unlock()
	err := c.MoveAbs(axis, 0)
	if err == ErrNotHomed {
		c.Lock()
		c.homed[axis] = true
		c.Unlock()
		return c.MoveAbs(axis, 0)
	}
	return err
}

func (c *MockController) begin(axis string) error {
	if !c.enabled[axis] {
		return ErrNotEnabled
	}
	if !c.homed[axis] {
		return ErrNotHomed
	}
	if c.moving[axis] {
		return ErrMoving
	}
	c.moving[axis] = true
	c.stop[axis] = false
	return nil
}

// moveTo steps the axis towards pos once per servo period until it arrives
// or Stop is called
func (c *MockController) moveTo(axis string, pos float64) {
	defer func() {
		c.Lock()
		c.moving[axis] = false
		c.stop[axis] = false
		c.Unlock()
	}()
	tick := time.NewTicker(mockServoPeriod)
	defer tick.Stop()
	for range tick.C {
		c.Lock()
		if c.stop[axis] {
			c.Unlock()
			return
		}
		step := c.velocity(axis) * mockServoPeriod.Seconds()
		posErr := pos - c.pos[axis]
		if math.Abs(posErr) <= step || math.Abs(posErr) < floatCmpTol {
			c.pos[axis] = pos
			c.Unlock()
			return
		}
		if math.Signbit(posErr) {
			c.pos[axis] -= step
		} else {
			c.pos[axis] += step
		}
		c.Unlock()
	}
}

// MoveAbs moves an axis to an absolute position, blocking until it arrives
func (c *MockController) MoveAbs(axis string, pos float64) error {
	c.Lock()
	if err := c.begin(axis); err != nil {
		c.Unlock()
		return err
	}
	c.Unlock()
	c.moveTo(axis, pos)
	return nil
}

// MoveRel moves an axis a relative amount, blocking until it arrives
func (c *MockController) MoveRel(axis string, dPos float64) error {
	c.Lock()
	if err := c.begin(axis); err != nil {
		c.Unlock()
		return err
	}
	pos := c.pos[axis] + dPos
	c.Unlock()
	c.moveTo(axis, pos)
	return nil
}

// Stop aborts motion of the axis
func (c *MockController) Stop(axis string) error {
	c.Lock()
	defer c.Unlock()
	if c.moving[axis] {
		c.stop[axis] = true
	}
	return nil
}
