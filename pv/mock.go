package pv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

type mockValue struct {
	f     float64
	s     string
	isStr bool
	err   error
	hook  func(float64)
	subs  map[chan Update]struct{}
}

func (v *mockValue) update(name string) Update {
	return Update{Name: name, Value: v.f, Str: v.s, Time: time.Now()}
}

// Mock is an in-memory Provider.  Channels spring into existence with value
// zero on first use unless Strict is set
type Mock struct {
	// Strict makes unknown names return ErrNotFound instead of zero
	Strict bool

	mu   sync.Mutex
	vals map[string]*mockValue
}

// NewMock returns an empty in-memory provider
func NewMock() *Mock {
	return &Mock{vals: make(map[string]*mockValue)}
}

// Channel satisfies Provider
func (m *Mock) Channel(name string) Channel {
	return &MockChannel{m: m, name: name}
}

func (m *Mock) lookup(name string, create bool) (*mockValue, error) {
	v, ok := m.vals[name]
	if ok {
		return v, nil
	}
	if m.Strict && !create {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	v = &mockValue{subs: make(map[chan Update]struct{})}
	m.vals[name] = v
	return v, nil
}

// Set writes a value without calling the put hook.  Simulators use it to
// update readbacks
func (m *Mock) Set(name string, f float64) {
	m.mu.Lock()
	v, _ := m.lookup(name, true)
	v.f = f
	v.s = strconv.FormatFloat(f, 'g', -1, 64)
	v.isStr = false
	m.notify(name, v)
	m.mu.Unlock()
}

// SetString writes a string value without calling the put hook
func (m *Mock) SetString(name, s string) {
	m.mu.Lock()
	v, _ := m.lookup(name, true)
	v.s = s
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		v.f = f
		v.isStr = false
	} else {
		v.isStr = true
	}
	m.notify(name, v)
	m.mu.Unlock()
}

// Value returns the current value of a name, without any error injection
func (m *Mock) Value(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, _ := m.lookup(name, true)
	return v.f
}

// SetError makes every access to name fail with err.  nil clears it
func (m *Mock) SetError(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, _ := m.lookup(name, true)
	v.err = err
}

// OnPut registers a hook called after every Put on name, outside the lock.
// The hook should not block
func (m *Mock) OnPut(name string, hook func(float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, _ := m.lookup(name, true)
	v.hook = hook
}

// Names lists every known channel, sorted
func (m *Mock) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.vals))
	for k := range m.vals {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// notify must be called with the lock held
func (m *Mock) notify(name string, v *mockValue) {
	u := v.update(name)
	for sub := range v.subs {
		select {
		case sub <- u:
		default:
			// slow subscriber; drop the oldest and deliver the newest
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- u:
			default:
			}
		}
	}
}

// MockChannel is a channel of a Mock provider
type MockChannel struct {
	m    *Mock
	name string
}

// Name returns the PV name
func (c *MockChannel) Name() string {
	return c.name
}

// Get reads the value as a float
func (c *MockChannel) Get(ctx context.Context) (float64, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	v, err := c.m.lookup(c.name, false)
	if err != nil {
		return 0, err
	}
	if v.err != nil {
		return 0, v.err
	}
	if v.isStr {
		return 0, fmt.Errorf("%w: %s = %q", ErrNotNumeric, c.name, v.s)
	}
	return v.f, nil
}

// GetString reads the value as a string
func (c *MockChannel) GetString(ctx context.Context) (string, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	v, err := c.m.lookup(c.name, false)
	if err != nil {
		return "", err
	}
	if v.err != nil {
		return "", v.err
	}
	if !v.isStr && v.s == "" {
		return strconv.FormatFloat(v.f, 'g', -1, 64), nil
	}
	return v.s, nil
}

// Put writes a float value and runs the put hook
func (c *MockChannel) Put(ctx context.Context, f float64) error {
	c.m.mu.Lock()
	v, err := c.m.lookup(c.name, false)
	if err == nil && v.err != nil {
		err = v.err
	}
	if err != nil {
		c.m.mu.Unlock()
		return err
	}
	v.f = f
	v.s = strconv.FormatFloat(f, 'g', -1, 64)
	v.isStr = false
	hook := v.hook
	c.m.notify(c.name, v)
	c.m.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return nil
}

// PutString writes a string value.  Numeric strings also run the put hook
func (c *MockChannel) PutString(ctx context.Context, s string) error {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return c.Put(ctx, f)
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	v, err := c.m.lookup(c.name, false)
	if err != nil {
		return err
	}
	if v.err != nil {
		return v.err
	}
	v.s = s
	v.isStr = true
	c.m.notify(c.name, v)
	return nil
}

// Monitor pushes every change of the channel, starting with the current value
func (c *MockChannel) Monitor(ctx context.Context) (<-chan Update, error) {
	c.m.mu.Lock()
	v, err := c.m.lookup(c.name, false)
	if err != nil {
		c.m.mu.Unlock()
		return nil, err
	}
	sub := make(chan Update, 16)
	sub <- v.update(c.name)
	v.subs[sub] = struct{}{}
	c.m.mu.Unlock()

	out := make(chan Update)
	go func() {
		defer close(out)
		defer func() {
			c.m.mu.Lock()
			delete(v.subs, sub)
			c.m.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-sub:
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
