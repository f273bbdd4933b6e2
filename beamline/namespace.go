// Package beamline holds the namespace: every device of the station under its
// name, built on first use from the configuration.
package beamline

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nasa-jpl/beamline/acquisition"
	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/detector"
	"github.com/nasa-jpl/beamline/logging"
)

var (
	// ErrNotFound is returned for a name that was never registered
	ErrNotFound = errors.New("no such device")

	// ErrDuplicate is returned when registering a name twice
	ErrDuplicate = errors.New("device already registered")

	// ErrWrongKind is returned when a device is asked for as something it is not
	ErrWrongKind = errors.New("device is of another kind")

	// ErrCycle is returned when devices depend on each other in a loop
	ErrCycle = errors.New("dependency cycle")
)

// Kind classifies a device
type Kind int

const (
	// KindAdjustable is an adjustable.Adjustable
	KindAdjustable Kind = iota

	// KindDetector is a detector.Detector
	KindDetector

	// KindCamera is a detector.Camera
	KindCamera

	// KindCounter is an acquisition.Counter
	KindCounter
)

func (k Kind) String() string {
	switch k {
	case KindAdjustable:
		return "adjustable"
	case KindDetector:
		return "detector"
	case KindCamera:
		return "camera"
	case KindCounter:
		return "counter"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Factory builds a device.  Dependencies on other devices are resolved
// through r
type Factory func(r Resolver) (interface{}, error)

type entry struct {
	name    string
	kind    Kind
	typ     string
	factory Factory

	built bool
	obj   interface{}
	err   error
}

// Namespace is the set of named devices.  Devices are built on first use and
// an error building one is kept and reported for every later use
type Namespace struct {
	mu      sync.Mutex
	initMu  sync.Mutex
	entries map[string]*entry
	closers []func()

	Logger *slog.Logger
}

// NewNamespace returns an empty namespace
func NewNamespace(logger *slog.Logger) *Namespace {
	return &Namespace{entries: make(map[string]*entry), Logger: logging.OrDefault(logger)}
}

// Register adds a device.  typ is a free-form label, e.g. the config type
func (ns *Namespace) Register(name string, kind Kind, typ string, factory Factory) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if _, ok := ns.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	ns.entries[name] = &entry{name: name, kind: kind, typ: typ, factory: factory}
	return nil
}

// OnClose registers fn to run at Close, e.g. to halt a simulation
func (ns *Namespace) OnClose(fn func()) {
	ns.mu.Lock()
	ns.closers = append(ns.closers, fn)
	ns.mu.Unlock()
}

// Close runs the OnClose functions, most recent first
func (ns *Namespace) Close() {
	ns.mu.Lock()
	fns := ns.closers
	ns.closers = nil
	ns.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// Names returns every registered name, sorted
func (ns *Namespace) Names() []string {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	out := make([]string, 0, len(ns.entries))
	for n := range ns.entries {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NamesOf returns the names of the devices of one kind, sorted
func (ns *Namespace) NamesOf(kind Kind) []string {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	out := []string{}
	for n, e := range ns.entries {
		if e.kind == kind {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Kind returns the kind of a registered device
func (ns *Namespace) Kind(name string) (Kind, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	e, ok := ns.entries[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e.kind, nil
}

// EntryStatus describes the state of one device
type EntryStatus struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Type        string `json:"type"`
	Initialized bool   `json:"initialized"`
	Error       string `json:"error,omitempty"`
}

// Status reports every device, sorted by name.  Devices not used yet are
// reported as not initialized and are not built by this call
func (ns *Namespace) Status() []EntryStatus {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	out := make([]EntryStatus, 0, len(ns.entries))
	for _, e := range ns.entries {
		st := EntryStatus{Name: e.name, Kind: e.kind.String(), Type: e.typ, Initialized: e.built && e.err == nil}
		if e.err != nil {
			st.Error = e.err.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InitAll builds every device and returns the joined errors of the failures
func (ns *Namespace) InitAll() error {
	var errs []error
	for _, n := range ns.Names() {
		if _, err := ns.get(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ns *Namespace) get(name string) (*entry, error) {
	ns.mu.Lock()
	e, ok := ns.entries[name]
	if ok && e.built {
		ns.mu.Unlock()
		return e, e.err
	}
	ns.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	// one build at a time; nested builds go through the resolver, which
	// does not take initMu again
	ns.initMu.Lock()
	defer ns.initMu.Unlock()
	return Resolver{ns: ns}.build(e)
}

// Resolver looks up devices while another is being built
type Resolver struct {
	ns    *Namespace
	stack []string
}

func (r Resolver) build(e *entry) (*entry, error) {
	ns := r.ns
	ns.mu.Lock()
	if e.built {
		ns.mu.Unlock()
		return e, e.err
	}
	ns.mu.Unlock()
	for _, n := range r.stack {
		if n == e.name {
			return e, fmt.Errorf("%w: %s -> %s", ErrCycle, strings.Join(r.stack, " -> "), e.name)
		}
	}
	sub := Resolver{ns: ns, stack: append(append([]string(nil), r.stack...), e.name)}
	obj, err := e.factory(sub)
	if err != nil {
		err = fmt.Errorf("building %s: %w", e.name, err)
		ns.Logger.Error("device init failed", "name", e.name, "type", e.typ, "err", err)
	} else {
		ns.Logger.Debug("device initialized", "name", e.name, "type", e.typ)
	}
	ns.mu.Lock()
	e.built, e.obj, e.err = true, obj, err
	ns.mu.Unlock()
	return e, err
}

func (r Resolver) lookup(name string) (*entry, error) {
	r.ns.mu.Lock()
	e, ok := r.ns.entries[name]
	r.ns.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.build(e)
}

// Adjustable returns the adjustable called name
func (r Resolver) Adjustable(name string) (adjustable.Adjustable, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return asAdjustable(e)
}

// Detector returns the detector called name
func (r Resolver) Detector(name string) (detector.Detector, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return asDetector(e)
}

// Camera returns the camera called name
func (r Resolver) Camera(name string) (detector.Camera, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return asCamera(e)
}

func asAdjustable(e *entry) (adjustable.Adjustable, error) {
	if a, ok := e.obj.(adjustable.Adjustable); ok && e.kind == KindAdjustable {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s is a %s", ErrWrongKind, e.name, e.kind)
}

func asDetector(e *entry) (detector.Detector, error) {
	switch e.kind {
	case KindDetector:
		if d, ok := e.obj.(detector.Detector); ok {
			return d, nil
		}
	case KindCamera:
		if c, ok := e.obj.(detector.Camera); ok {
			return detector.Sum{Cam: c}, nil
		}
	case KindAdjustable:
		// an adjustable reads like a detector of its position
		if a, ok := e.obj.(adjustable.Adjustable); ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is a %s", ErrWrongKind, e.name, e.kind)
}

func asCamera(e *entry) (detector.Camera, error) {
	if c, ok := e.obj.(detector.Camera); ok && e.kind == KindCamera {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s is a %s", ErrWrongKind, e.name, e.kind)
}

// Adjustable returns the adjustable called name, building it if needed
func (ns *Namespace) Adjustable(name string) (adjustable.Adjustable, error) {
	e, err := ns.get(name)
	if err != nil {
		return nil, err
	}
	return asAdjustable(e)
}

// Detector returns the detector called name.  Cameras read as the sum of
// their frame and adjustables read as their position
func (ns *Namespace) Detector(name string) (detector.Detector, error) {
	e, err := ns.get(name)
	if err != nil {
		return nil, err
	}
	return asDetector(e)
}

// Camera returns the camera called name
func (ns *Namespace) Camera(name string) (detector.Camera, error) {
	e, err := ns.get(name)
	if err != nil {
		return nil, err
	}
	return asCamera(e)
}

// Counter returns something a scan can acquire with.  Counters are returned
// as they are, cameras record FITS cubes and detectors record JSON lines
func (ns *Namespace) Counter(name string) (acquisition.Counter, error) {
	e, err := ns.get(name)
	if err != nil {
		return nil, err
	}
	switch e.kind {
	case KindCounter:
		if c, ok := e.obj.(acquisition.Counter); ok {
			return c, nil
		}
	case KindCamera:
		cam, err := asCamera(e)
		if err != nil {
			return nil, err
		}
		return acquisition.NewCameraCounter(cam), nil
	}
	d, err := asDetector(e)
	if err != nil {
		return nil, err
	}
	return acquisition.NewDetectorCounter(name, d), nil
}

// Counters resolves several counters
func (ns *Namespace) Counters(names ...string) ([]acquisition.Counter, error) {
	out := make([]acquisition.Counter, 0, len(names))
	for _, n := range names {
		c, err := ns.Counter(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Adjustables resolves several adjustables
func (ns *Namespace) Adjustables(names ...string) ([]adjustable.Adjustable, error) {
	out := make([]adjustable.Adjustable, 0, len(names))
	for _, n := range names {
		a, err := ns.Adjustable(n)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
