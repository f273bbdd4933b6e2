package adjustable

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nasa-jpl/beamline/pv"
	"github.com/nasa-jpl/beamline/task"
)

const (
	// DefaultAccuracy is the readback tolerance of PV adjustables
	DefaultAccuracy = 1e-6

	// DefaultSettle is how long a PV adjustable with a done PV waits to see
	// motion begin before trusting a "done" reading
	DefaultSettle = 200 * time.Millisecond
)

// PV is an adjustable made of a setpoint PV and a readback PV, optionally
// with a done PV (1 when idle) and a stop PV (write 1 to halt)
type PV struct {
	name string

	Setpoint pv.Channel
	Readback pv.Channel
	DoneCh   pv.Channel
	StopCh   pv.Channel

	// Accuracy is the readback tolerance used to decide a move is complete
	Accuracy float64

	// Poll is the readback polling interval
	Poll time.Duration

	// Settle bounds the wait for motion to start when DoneCh is set
	Settle time.Duration

	// Timeout bounds a move, 0 means no bound
	Timeout time.Duration
}

// NewPV returns an adjustable writing setpoint and reading readback.  An
// empty readback reads back the setpoint
func NewPV(name string, p pv.Provider, setpoint, readback string) *PV {
	if readback == "" {
		readback = setpoint
	}
	return &PV{
		name:     name,
		Setpoint: p.Channel(setpoint),
		Readback: p.Channel(readback),
		Accuracy: DefaultAccuracy,
		Poll:     pv.DefaultPollInterval,
		Settle:   DefaultSettle,
	}
}

// NewMotorRecord returns an adjustable over the VAL/RBV/DMOV/STOP fields of a
// motor record
func NewMotorRecord(name string, p pv.Provider, prefix string) *PV {
	rec := pv.MotorRecord{Prefix: prefix}
	a := NewPV(name, p, rec.Setpoint(), rec.Readback())
	a.DoneCh = p.Channel(rec.Done())
	a.StopCh = p.Channel(rec.Stop())
	return a
}

// Name returns the name
func (a *PV) Name() string {
	return a.name
}

// Get reads the readback
func (a *PV) Get(ctx context.Context) (float64, error) {
	return a.Readback.Get(ctx)
}

// Set writes the setpoint and follows the move until the done PV or the
// readback says it is complete
func (a *PV) Set(ctx context.Context, v float64) *task.Task {
	run := func(ctx context.Context) error {
		if a.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.Timeout)
			defer cancel()
		}
		start := time.Now()
		if err := a.Setpoint.Put(ctx, v); err != nil {
			return fmt.Errorf("%s: writing setpoint: %w", a.name, err)
		}
		err := a.follow(ctx, v, start)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w after %v", a.name, ErrTimeout, a.Timeout)
		}
		return err
	}
	return task.Start(ctx, run, func() error { return a.Stop(context.Background()) })
}

func (a *PV) within(rb, target float64) bool {
	acc := a.Accuracy
	if acc <= 0 {
		acc = DefaultAccuracy
	}
	return math.Abs(rb-target) <= acc
}

func (a *PV) follow(ctx context.Context, target float64, start time.Time) error {
	poll := a.Poll
	if poll <= 0 {
		poll = pv.DefaultPollInterval
	}
	tick := time.NewTicker(poll)
	defer tick.Stop()
	sawMoving := false
	for {
		rb, err := a.Readback.Get(ctx)
		if err != nil {
			return err
		}
		if a.DoneCh == nil {
			if a.within(rb, target) {
				return nil
			}
		} else {
			done, err := a.DoneCh.Get(ctx)
			if err != nil {
				return err
			}
			if done == 0 {
				sawMoving = true
			} else if sawMoving || a.within(rb, target) || time.Since(start) > a.Settle {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Stop halts the move: writes the stop PV, or sets the setpoint to the
// current readback when there is none
func (a *PV) Stop(ctx context.Context) error {
	if a.StopCh != nil {
		return a.StopCh.Put(ctx, 1)
	}
	rb, err := a.Readback.Get(ctx)
	if err != nil {
		return err
	}
	return a.Setpoint.Put(ctx, rb)
}
