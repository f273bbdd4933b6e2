package hexapod

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nasa-jpl/beamline/pv"
)

const simPeriod = 2 * time.Millisecond

// Sim is a simulated hexapod controller on a mock PV backend.  A put to the
// move PV drives every readback towards its setpoint at Speed units/s
type Sim struct {
	Speed float64

	m      *pv.Mock
	prefix string
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Simulate installs a simulated hexapod on m at prefix, at the origin
func Simulate(m *pv.Mock, prefix string, speed float64) *Sim {
	s := &Sim{Speed: speed, m: m, prefix: prefix}
	for _, ax := range Axes {
		m.Set(fmt.Sprintf(setpointFmt, prefix, ax), 0)
		m.Set(fmt.Sprintf(readbackFmt, prefix, ax), 0)
	}
	m.Set(fmt.Sprintf(movingFmt, prefix), 0)
	m.Set(fmt.Sprintf(triggerFmt, prefix), 0)
	m.Set(fmt.Sprintf(stopFmt, prefix), 0)
	m.OnPut(fmt.Sprintf(triggerFmt, prefix), func(v float64) {
		if v != 0 {
			s.start()
		}
	})
	m.OnPut(fmt.Sprintf(stopFmt, prefix), func(v float64) {
		if v != 0 {
			s.halt()
			m.Set(fmt.Sprintf(stopFmt, prefix), 0)
		}
	})
	return s
}

func (s *Sim) halt() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Sim) start() {
	s.halt()
	var target [6]float64
	for i, ax := range Axes {
		target[i] = s.m.Value(fmt.Sprintf(setpointFmt, s.prefix, ax))
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	moving := fmt.Sprintf(movingFmt, s.prefix)
	s.m.Set(moving, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.m.Set(moving, 0)
		tick := time.NewTicker(simPeriod)
		defer tick.Stop()
		step := s.Speed * simPeriod.Seconds()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			done := true
			for i, ax := range Axes {
				rb := fmt.Sprintf(readbackFmt, s.prefix, ax)
				pos := s.m.Value(rb)
				diff := target[i] - pos
				if math.Abs(diff) <= step || step <= 0 {
					s.m.Set(rb, target[i])
					continue
				}
				done = false
				s.m.Set(rb, pos+math.Copysign(step, diff))
			}
			if done {
				return
			}
		}
	}()
}

// Close stops any motion in progress
func (s *Sim) Close() {
	s.halt()
}
