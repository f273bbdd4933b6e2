// Package pv provides process variables: named values living in a control
// system, read and written through a Provider.  Backends are an in-memory
// store (for simulation and tests), an HTTP gateway and an ASCII line gateway
package pv

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrNotFound is returned for a channel the backend does not know
	ErrNotFound = errors.New("process variable not found")

	// ErrNotNumeric is returned by Get on a channel holding a non-numeric string
	ErrNotNumeric = errors.New("process variable does not hold a number")
)

// Channel is a single process variable
type Channel interface {
	// Name returns the PV name
	Name() string

	// Get reads the value as a float
	Get(context.Context) (float64, error)

	// Put writes a float value
	Put(context.Context, float64) error

	// GetString reads the value as a string
	GetString(context.Context) (string, error)

	// PutString writes a string value
	PutString(context.Context, string) error
}

// Update is one value change delivered by a monitor
type Update struct {
	Name  string    `json:"name"`
	Value float64   `json:"value"`
	Str   string    `json:"str,omitempty"`
	Time  time.Time `json:"time"`
	Err   string    `json:"err,omitempty"`
}

// Monitorer is a channel which can push its changes.  The returned channel
// is closed when ctx is done
type Monitorer interface {
	Monitor(context.Context) (<-chan Update, error)
}

// Provider resolves names to channels
type Provider interface {
	Channel(name string) Channel
}

// DefaultPollInterval is used by PollMonitor and WaitFor when 0 is given
const DefaultPollInterval = 50 * time.Millisecond

// Monitor returns ch.Monitor if the channel supports it, else a PollMonitor
func Monitor(ctx context.Context, ch Channel, interval time.Duration) (<-chan Update, error) {
	if m, ok := ch.(Monitorer); ok {
		return m.Monitor(ctx)
	}
	return PollMonitor(ctx, ch, interval), nil
}

// PollMonitor polls ch at most once per interval and emits an Update when
// the value changes, and once at the start.  Read errors are emitted with
// Err set, then polling continues
func PollMonitor(ctx context.Context, ch Channel, interval time.Duration) <-chan Update {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	out := make(chan Update, 1)
	lim := rate.NewLimiter(rate.Every(interval), 1)
	go func() {
		defer close(out)
		var (
			last    float64
			first   = true
			lastErr string
		)
		for {
			if err := lim.Wait(ctx); err != nil {
				return
			}
			v, err := ch.Get(ctx)
			u := Update{Name: ch.Name(), Value: v, Time: time.Now()}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if err.Error() == lastErr {
					continue
				}
				lastErr = err.Error()
				u.Err = lastErr
			} else {
				if !first && v == last && lastErr == "" {
					continue
				}
				first = false
				last = v
				lastErr = ""
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// WaitFor polls ch until pred returns true for its value, or ctx is done
func WaitFor(ctx context.Context, ch Channel, pred func(float64) bool, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		v, err := ch.Get(ctx)
		if err != nil {
			return err
		}
		if pred(v) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
