// Package hexapod drives a six-axis parallel kinematic stage whose
// controller takes all six setpoints and then a single move command.
package hexapod

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/pv"
	"github.com/nasa-jpl/beamline/task"
)

// Axes names the six coordinates in order
var Axes = [6]string{"X", "Y", "Z", "RX", "RY", "RZ"}

var (
	// ErrUnknownAxis is returned for an axis not in Axes
	ErrUnknownAxis = errors.New("unknown hexapod axis")

	// ErrHalted is returned by a move that was still queued when the
	// hexapod was stopped
	ErrHalted = errors.New("hexapod stopped before the move began")
)

// PV name suffixes under the hexapod prefix
const (
	setpointFmt = "%s:SET-POSI-%s"
	readbackFmt = "%s:POSI-%s"
	triggerFmt  = "%s:MOVE"
	movingFmt   = "%s:MOVING"
	stopFmt     = "%s:STOP"
)

// Coords are positions of the six axes, in the order of Axes
type Coords [6]float64

// Hexapod is a six-axis stage.  Moves are serialized: one at a time
type Hexapod struct {
	name   string
	prefix string

	Setpoints [6]pv.Channel
	Readbacks [6]pv.Channel
	Trigger   pv.Channel
	Moving    pv.Channel
	StopCh    pv.Channel

	Poll    time.Duration
	Settle  time.Duration
	Timeout time.Duration

	// sem admits one move at a time
	sem chan struct{}

	// trigMu orders triggers against stops; stops counts Stop calls
	trigMu sync.Mutex
	stops  uint64
}

// New returns a hexapod with PVs under prefix
func New(name string, p pv.Provider, prefix string) *Hexapod {
	h := &Hexapod{
		name:    name,
		prefix:  prefix,
		Trigger: p.Channel(fmt.Sprintf(triggerFmt, prefix)),
		Moving:  p.Channel(fmt.Sprintf(movingFmt, prefix)),
		StopCh:  p.Channel(fmt.Sprintf(stopFmt, prefix)),
		Poll:    pv.DefaultPollInterval,
		Settle:  adjustable.DefaultSettle,
		sem:     make(chan struct{}, 1),
	}
	for i, ax := range Axes {
		h.Setpoints[i] = p.Channel(fmt.Sprintf(setpointFmt, prefix, ax))
		h.Readbacks[i] = p.Channel(fmt.Sprintf(readbackFmt, prefix, ax))
	}
	return h
}

// Name returns the name
func (h *Hexapod) Name() string { return h.name }

// Positions reads all six readbacks
func (h *Hexapod) Positions(ctx context.Context) (Coords, error) {
	var c Coords
	for i, ch := range h.Readbacks {
		v, err := ch.Get(ctx)
		if err != nil {
			return c, fmt.Errorf("%s %s: %w", h.name, Axes[i], err)
		}
		c[i] = v
	}
	return c, nil
}

func (h *Hexapod) setpoints(ctx context.Context) (Coords, error) {
	var c Coords
	for i, ch := range h.Setpoints {
		v, err := ch.Get(ctx)
		if err != nil {
			return c, fmt.Errorf("%s %s setpoint: %w", h.name, Axes[i], err)
		}
		c[i] = v
	}
	return c, nil
}

// Move writes all six setpoints, triggers the move and follows it until the
// moving PV reads 0
func (h *Hexapod) Move(ctx context.Context, target Coords) *task.Task {
	gen := h.generation()
	run := func(ctx context.Context) error {
		if err := h.acquire(ctx, gen); err != nil {
			return err
		}
		defer h.release()
		return h.move(ctx, gen, target)
	}
	return task.Start(ctx, run, func() error { return h.Stop(context.Background()) })
}

func (h *Hexapod) generation() uint64 {
	h.trigMu.Lock()
	defer h.trigMu.Unlock()
	return h.stops
}

// acquire waits for the move slot.  A move requested before the latest Stop
// is abandoned
func (h *Hexapod) acquire(ctx context.Context, gen uint64) error {
	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		h.release()
		return err
	}
	if h.generation() != gen {
		h.release()
		return fmt.Errorf("%s: %w", h.name, ErrHalted)
	}
	return nil
}

func (h *Hexapod) release() {
	<-h.sem
}

// trigger starts the move unless the hexapod was stopped since gen
func (h *Hexapod) trigger(ctx context.Context, gen uint64) error {
	h.trigMu.Lock()
	defer h.trigMu.Unlock()
	if h.stops != gen {
		return fmt.Errorf("%s: %w", h.name, ErrHalted)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.Trigger.Put(ctx, 1); err != nil {
		return fmt.Errorf("%s trigger: %w", h.name, err)
	}
	return nil
}

func (h *Hexapod) move(ctx context.Context, gen uint64, target Coords) error {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	for i, ch := range h.Setpoints {
		if err := ch.Put(ctx, target[i]); err != nil {
			return fmt.Errorf("%s %s setpoint: %w", h.name, Axes[i], err)
		}
	}
	start := time.Now()
	if err := h.trigger(ctx, gen); err != nil {
		return err
	}
	tick := time.NewTicker(h.poll())
	defer tick.Stop()
	sawMoving := false
	for {
		m, err := h.Moving.Get(ctx)
		if err != nil {
			return err
		}
		if m != 0 {
			sawMoving = true
		} else if sawMoving || time.Since(start) > h.Settle || h.arrived(ctx, target) {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%s: %w", h.name, adjustable.ErrTimeout)
			}
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (h *Hexapod) arrived(ctx context.Context, target Coords) bool {
	pos, err := h.Positions(ctx)
	if err != nil {
		return false
	}
	for i := range pos {
		if math.Abs(pos[i]-target[i]) > adjustable.DefaultAccuracy {
			return false
		}
	}
	return true
}

func (h *Hexapod) poll() time.Duration {
	if h.Poll <= 0 {
		return pv.DefaultPollInterval
	}
	return h.Poll
}

// Stop halts the hexapod.  Moves still waiting for their turn are abandoned
func (h *Hexapod) Stop(ctx context.Context) error {
	h.trigMu.Lock()
	defer h.trigMu.Unlock()
	h.stops++
	return h.StopCh.Put(ctx, 1)
}

// Axis returns one coordinate as an adjustable.  Setting it rewrites the
// other five setpoints with their current setpoints
func (h *Hexapod) Axis(name string) (adjustable.Adjustable, error) {
	for i, ax := range Axes {
		if ax == name {
			return &axis{h: h, idx: i}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAxis, name)
}

// Adjustables returns all six axes keyed by lower-case axis name
func (h *Hexapod) Adjustables() map[string]adjustable.Adjustable {
	out := make(map[string]adjustable.Adjustable, len(Axes))
	for i, ax := range Axes {
		out[strings.ToLower(ax)] = &axis{h: h, idx: i}
	}
	return out
}

type axis struct {
	h   *Hexapod
	idx int
}

func (a *axis) Name() string {
	return a.h.name + "_" + strings.ToLower(Axes[a.idx])
}

func (a *axis) Get(ctx context.Context) (float64, error) {
	return a.h.Readbacks[a.idx].Get(ctx)
}

func (a *axis) Set(ctx context.Context, v float64) *task.Task {
	h := a.h
	gen := h.generation()
	run := func(ctx context.Context) error {
		if err := h.acquire(ctx, gen); err != nil {
			return err
		}
		defer h.release()
		target, err := h.setpoints(ctx)
		if err != nil {
			return err
		}
		target[a.idx] = v
		return h.move(ctx, gen, target)
	}
	return task.Start(ctx, run, func() error { return h.Stop(context.Background()) })
}

func (a *axis) Stop(ctx context.Context) error {
	return a.h.Stop(ctx)
}
