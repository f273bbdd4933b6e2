package pv

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	simServoPeriod = 5 * time.Millisecond
	floatCmpTol    = 1e-12
)

// MotorRecord names the fields of a motor PV group by suffix
type MotorRecord struct {
	Prefix string
}

// Setpoint is the drive field
func (r MotorRecord) Setpoint() string { return r.Prefix + ".VAL" }

// Readback is the readback field
func (r MotorRecord) Readback() string { return r.Prefix + ".RBV" }

// Done is 1 when the motor is not moving
func (r MotorRecord) Done() string { return r.Prefix + ".DMOV" }

// Stop halts motion when 1 is written
func (r MotorRecord) Stop() string { return r.Prefix + ".STOP" }

// SimMotor drives the readback of a MotorRecord in a Mock towards the
// setpoint at a constant speed, like a servo loop.  It is used in mock mode
// and in tests in place of a motor IOC
type SimMotor struct {
	Record MotorRecord

	// Speed in units per second
	Speed float64

	m      *Mock
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SimulateMotor installs a simulated motor on m at prefix, starting at pos
func SimulateMotor(m *Mock, prefix string, pos, speed float64) *SimMotor {
	s := &SimMotor{Record: MotorRecord{Prefix: prefix}, Speed: speed, m: m}
	m.Set(s.Record.Setpoint(), pos)
	m.Set(s.Record.Readback(), pos)
	m.Set(s.Record.Done(), 1)
	m.Set(s.Record.Stop(), 0)
	m.OnPut(s.Record.Setpoint(), s.moveTo)
	m.OnPut(s.Record.Stop(), func(v float64) {
		if v != 0 {
			s.halt()
			m.Set(s.Record.Stop(), 0)
		}
	})
	return s
}

func (s *SimMotor) halt() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// moveTo = asynchronous internal interface, called by the setpoint hook
func (s *SimMotor) moveTo(target float64) {
	s.halt()
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.m.Set(s.Record.Done(), 0)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.m.Set(s.Record.Done(), 1)
		tick := time.NewTicker(simServoPeriod)
		defer tick.Stop()
		step := s.Speed * simServoPeriod.Seconds()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			pos := s.m.Value(s.Record.Readback())
			posErr := target - pos
			if math.Abs(posErr) <= step || math.Abs(posErr) < floatCmpTol || step <= 0 {
				s.m.Set(s.Record.Readback(), target)
				return
			}
			if math.Signbit(posErr) {
				s.m.Set(s.Record.Readback(), pos-step)
			} else {
				s.m.Set(s.Record.Readback(), pos+step)
			}
		}
	}()
}

// Close stops any motion in progress
func (s *SimMotor) Close() {
	s.halt()
}

// SimulatePulseID increments the named channel at rate Hz until ctx is done,
// standing in for the accelerator pulse counter
func SimulatePulseID(ctx context.Context, m *Mock, name string, start int64, rateHz float64) {
	m.Set(name, float64(start))
	period := time.Duration(float64(time.Second) / rateHz)
	go func() {
		tick := time.NewTicker(period)
		defer tick.Stop()
		id := start
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				id++
				m.Set(name, float64(id))
			}
		}
	}()
}
