package beamline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/attenuator"
	"github.com/nasa-jpl/beamline/config"
	"github.com/nasa-jpl/beamline/daq"
	"github.com/nasa-jpl/beamline/detector"
	"github.com/nasa-jpl/beamline/diffractometer"
	"github.com/nasa-jpl/beamline/hexapod"
	"github.com/nasa-jpl/beamline/mathx"
	"github.com/nasa-jpl/beamline/motion"
	"github.com/nasa-jpl/beamline/pv"
	"github.com/nasa-jpl/beamline/slits"
	"github.com/nasa-jpl/beamline/util"
)

// ErrUnknownType is returned for a device type Build does not know
var ErrUnknownType = errors.New("unknown device type")

// builder carries what the constructors share
type builder struct {
	ns   *Namespace
	cfg  config.Config
	p    pv.Provider
	mock *pv.Mock

	ctlOnce sync.Once
	ctl     *motion.MockController

	ctx context.Context
}

type constructor func(b *builder, d config.DeviceSetup, a config.Args) error

var constructors map[string]constructor

func init() {
	constructors = map[string]constructor{
		"pv":         buildPV,
		"motor":      buildMotorRecord,
		"axis":       buildAxis,
		"dummy":      buildDummy,
		"delay":      buildDelay,
		"enum":       buildEnum,
		"file":       buildFile,
		"linear":     buildLinear,
		"table":      buildTable,
		"remote":     buildRemote,
		"slits":      buildSlits,
		"kappa":      buildKappa,
		"hexapod":    buildHexapod,
		"attenuator": buildAttenuator,
		"pvdetector": buildPVDetector,
		"camera":     buildCamera,
		"daq":        buildDaq,
		"dia":        buildDIA,
	}
}

// Types returns the device types Build understands, sorted
func Types() []string {
	out := make([]string, 0, len(constructors))
	for k := range constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build registers every device of cfg in a new namespace.  Devices are not
// constructed until used.  When provider is a *pv.Mock, motor records,
// hexapods and the pulse ID are simulated on it.  The returned error joins
// every configuration mistake found; the namespace holds the devices that
// could be registered
func Build(cfg config.Config, provider pv.Provider, logger *slog.Logger) (*Namespace, error) {
	ns := NewNamespace(logger)
	ctx, cancel := context.WithCancel(context.Background())
	ns.OnClose(cancel)
	b := &builder{ns: ns, cfg: cfg, p: provider, ctx: ctx}
	if m, ok := provider.(*pv.Mock); ok {
		b.mock = m
	}
	var errs []error
	for _, d := range cfg.Devices {
		c, ok := constructors[strings.ToLower(d.Type)]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %w %q", d.Name, ErrUnknownType, d.Type))
			continue
		}
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("device of type %s has no name", d.Type))
			continue
		}
		if err := c(b, d, config.Args(d.Args)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
		}
	}
	return ns, errors.Join(errs...)
}

// adjustable registers an adjustable, wrapped in the software limits of d
func (b *builder) adjustable(d config.DeviceSetup, construct func(r Resolver) (adjustable.Adjustable, error)) error {
	return b.ns.Register(d.Name, KindAdjustable, d.Type, func(r Resolver) (interface{}, error) {
		a, err := construct(r)
		if err != nil {
			return nil, err
		}
		if l := d.Limits.Limiter(); l.Min != 0 || l.Max != 0 {
			return adjustable.WithLimits(a, l), nil
		}
		return a, nil
	})
}

// composite registers the parts of a device built once for all of them
func (b *builder) composite(d config.DeviceSetup, parts []string, construct func(r Resolver) (map[string]adjustable.Adjustable, error)) error {
	var (
		mu       sync.Mutex
		built    map[string]adjustable.Adjustable
		berr     error
		done     bool
		building bool
	)
	// a part reached again while the device is being built depends on the
	// device itself
	get := func(r Resolver) (map[string]adjustable.Adjustable, error) {
		mu.Lock()
		if done {
			mu.Unlock()
			return built, berr
		}
		if building {
			mu.Unlock()
			return nil, fmt.Errorf("%w: %s -> %s", ErrCycle, strings.Join(r.stack, " -> "), d.Name)
		}
		building = true
		mu.Unlock()

		all, err := construct(r)
		mu.Lock()
		built, berr, done, building = all, err, true, false
		mu.Unlock()
		return all, err
	}
	var errs []error
	for _, part := range parts {
		part := part
		sub := d
		sub.Name = d.Name + "_" + part
		err := b.adjustable(sub, func(r Resolver) (adjustable.Adjustable, error) {
			all, err := get(r)
			if err != nil {
				return nil, err
			}
			a, ok := all[part]
			if !ok {
				return nil, fmt.Errorf("%s has no part %q", d.Name, part)
			}
			return a, nil
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildPV(b *builder, d config.DeviceSetup, a config.Args) error {
	if err := a.Require("setpoint"); err != nil {
		return err
	}
	set, rbv := a.String("setpoint", ""), a.String("readback", "")
	return b.adjustable(d, func(Resolver) (adjustable.Adjustable, error) {
		x := adjustable.NewPV(d.Name, b.p, set, rbv)
		if done := a.String("done", ""); done != "" {
			x.DoneCh = b.p.Channel(done)
		}
		if stop := a.String("stop", ""); stop != "" {
			x.StopCh = b.p.Channel(stop)
		}
		x.Accuracy = a.Float("accuracy", x.Accuracy)
		x.Settle = a.Duration("settle", x.Settle)
		x.Timeout = a.Duration("timeout", 0)
		if b.mock != nil && rbv != "" && rbv != set {
			// a mock IOC follows its setpoint instantly
			b.mock.OnPut(set, func(v float64) { b.mock.Set(rbv, v) })
		}
		return x, nil
	})
}

func buildMotorRecord(b *builder, d config.DeviceSetup, a config.Args) error {
	if err := a.Require("prefix"); err != nil {
		return err
	}
	prefix := a.String("prefix", "")
	return b.adjustable(d, func(Resolver) (adjustable.Adjustable, error) {
		if b.mock != nil {
			sim := pv.SimulateMotor(b.mock, prefix, a.Float("initial", 0), a.Float("speed", 10))
			b.ns.OnClose(sim.Close)
		}
		x := adjustable.NewMotorRecord(d.Name, b.p, prefix)
		x.Accuracy = a.Float("accuracy", x.Accuracy)
		x.Timeout = a.Duration("timeout", 0)
		return x, nil
	})
}

// controller returns the in-memory motion controller shared by every axis
func (b *builder) controller() *motion.MockController {
	b.ctlOnce.Do(func() { b.ctl = motion.NewMockController() })
	return b.ctl
}

func buildAxis(b *builder, d config.DeviceSetup, a config.Args) error {
	axis := a.String("axis", d.Name)
	return b.adjustable(d, func(Resolver) (adjustable.Adjustable, error) {
		ctl := b.controller()
		ctl.Ready(axis, a.Float("velocity", 10))
		m := adjustable.NewMotor(d.Name, ctl, axis)
		if a.Bool("home", false) {
			if err := m.Home(b.ctx).Wait(b.ctx); err != nil {
				return nil, err
			}
		}
		return m, nil
	})
}

func buildDummy(b *builder, d config.DeviceSetup, a config.Args) error {
	return b.adjustable(d, func(Resolver) (adjustable.Adjustable, error) {
		x := adjustable.NewDummy(d.Name, a.Float("initial", 0))
		x.Speed = a.Float("speed", 0)
		return x, nil
	})
}

func buildDelay(b *builder, d config.DeviceSetup, a config.Args) error {
	if err := a.Require("stage"); err != nil {
		return err
	}
	return b.adjustable(d, func(r Resolver) (adjustable.Adjustable, error) {
		stage, err := r.Adjustable(a.String("stage", ""))
		if err != nil {
			return nil, err
		}
		return adjustable.DelayStage(d.Name, stage, a.Float("offset", 0)), nil
	})
}

func states(a config.Args) (map[string]float64, error) {
	raw := a.Map("states")
	if len(raw) == 0 {
		return nil, errors.New("enum needs at least one state")
	}
	out := make(map[string]float64, len(raw))
	inner := config.Args(raw)
	for k := range raw {
		out[k] = inner.Float(k, 0)
	}
	return out, nil
}

// defaultTolerance is a tenth of the smallest spacing between states
func defaultTolerance(sts map[string]float64) float64 {
	vals := make([]float64, 0, len(sts))
	for _, v := range sts {
		vals = append(vals, v)
	}
	sort.Float64s(vals)
	tol := math.Inf(1)
	for i := 1; i < len(vals); i++ {
		if d := vals[i] - vals[i-1]; d > 0 && d < tol {
			tol = d
		}
	}
	if math.IsInf(tol, 1) {
		return 0
	}
	return tol / 10
}

func buildEnum(b *builder, d config.DeviceSetup, a config.Args) error {
	if err := a.Require("base"); err != nil {
		return err
	}
	sts, err := states(a)
	if err != nil {
		return err
	}
	return b.adjustable(d, func(r Resolver) (adjustable.Adjustable, error) {
		base, err := r.Adjustable(a.String("base", ""))
		if err != nil {
			return nil, err
		}
		return adjustable.NewEnum(base, sts, a.Float("tolerance", defaultTolerance(sts))), nil
	})
}

func buildFile(b *builder, d config.DeviceSetup, a config.Args) error {
	path := a.String("path", filepath.Join(b.cfg.Recorder.Root, d.Name+".json"))
	return b.adjustable(d, func(Resolver) (adjustable.Adjustable, error) {
		fs, err := adjustable.NewFileStore(d.Name, path, a.Float("default", 0), b.ns.Logger)
		if err != nil {
			return nil, err
		}
		b.ns.OnClose(func() { fs.Close() })
		return fs, nil
	})
}

func buildLinear(b *builder, d config.DeviceSetup, a config.Args) error {
	if err := a.Require("base"); err != nil {
		return err
	}
	return b.adjustable(d, func(r Resolver) (adjustable.Adjustable, error) {
		base, err := r.Adjustable(a.String("base", ""))
		if err != nil {
			return nil, err
		}
		return adjustable.Linear(d.Name, base, a.Float("slope", 1), a.Float("offset", 0)), nil
	})
}

// buildTable is a calibration curve: the base position x reads as y,
// interpolated linearly between the points
func buildTable(b *builder, d config.DeviceSetup, a config.Args) error {
	if err := a.Require("base", "x", "y"); err != nil {
		return err
	}
	xs, err := a.Floats("x")
	if err != nil {
		return err
	}
	ys, err := a.Floats("y")
	if err != nil {
		return err
	}
	tbl, err := mathx.NewTable(xs, ys)
	if err != nil {
		return err
	}
	if !tbl.Monotonic() {
		return fmt.Errorf("%w: y must be strictly monotonic in x", mathx.ErrTableShape)
	}
	inv, err := tbl.Inverse()
	if err != nil {
		return err
	}
	return b.adjustable(d, func(r Resolver) (adjustable.Adjustable, error) {
		base, err := r.Adjustable(a.String("base", ""))
		if err != nil {
			return nil, err
		}
		fwd := func(in []float64) (float64, error) { return tbl.Interp(in[0]), nil }
		back := func(v float64, _ []float64) ([]float64, error) { return []float64{inv.Interp(v)}, nil }
		return adjustable.NewVirtual(d.Name, []adjustable.Adjustable{base}, fwd, back), nil
	})
}

func buildRemote(b *builder, d config.DeviceSetup, a config.Args) error {
	if err := a.Require("url"); err != nil {
		return err
	}
	return b.adjustable(d, func(Resolver) (adjustable.Adjustable, error) {
		return adjustable.NewHTTPClient(a.String("url", ""), a.String("remote", d.Name)), nil
	})
}

func buildSlits(b *builder, d config.DeviceSetup, a config.Args) error {
	if err := a.Require("top", "bottom", "left", "right"); err != nil {
		return err
	}
	return b.composite(d, []string{"hgap", "vgap", "hpos", "vpos"}, func(r Resolver) (map[string]adjustable.Adjustable, error) {
		var bl slits.Blades
		for _, p := range []struct {
			key string
			dst *adjustable.Adjustable
		}{{"top", &bl.Top}, {"bottom", &bl.Bottom}, {"left", &bl.Left}, {"right", &bl.Right}} {
			adj, err := r.Adjustable(a.String(p.key, ""))
			if err != nil {
				return nil, err
			}
			*p.dst = adj
		}
		return slits.New(d.Name, bl).Adjustables(), nil
	})
}

func buildKappa(b *builder, d config.DeviceSetup, a config.Args) error {
	if err := a.Require("omega_k", "kappa", "phi_k"); err != nil {
		return err
	}
	motors := config.Args(a.Map("motors"))
	parts := []string{"eta", "chi", "phi"}
	for short := range motors {
		parts = append(parts, short)
	}
	return b.composite(d, parts, func(r Resolver) (map[string]adjustable.Adjustable, error) {
		var in [3]adjustable.Adjustable
		for i, key := range []string{"omega_k", "kappa", "phi_k"} {
			adj, err := r.Adjustable(a.String(key, ""))
			if err != nil {
				return nil, err
			}
			in[i] = adj
		}
		k := diffractometer.NewKappa(d.Name, a.Float("alpha", diffractometer.DefaultAlpha), in[0], in[1], in[2])
		for short := range motors {
			adj, err := r.Adjustable(motors.String(short, ""))
			if err != nil {
				return nil, err
			}
			k.AddMotor(short, adj)
		}
		return k.Adjustables(), nil
	})
}

func buildHexapod(b *builder, d config.DeviceSetup, a config.Args) error {
	if err := a.Require("prefix"); err != nil {
		return err
	}
	parts := make([]string, len(hexapod.Axes))
	for i, ax := range hexapod.Axes {
		parts[i] = strings.ToLower(ax)
	}
	return b.composite(d, parts, func(Resolver) (map[string]adjustable.Adjustable, error) {
		prefix := a.String("prefix", "")
		if b.mock != nil {
			sim := hexapod.Simulate(b.mock, prefix, a.Float("speed", 5))
			b.ns.OnClose(sim.Close)
		}
		h := hexapod.New(d.Name, b.p, prefix)
		h.Timeout = a.Duration("timeout", 0)
		return h.Adjustables(), nil
	})
}

func buildAttenuator(b *builder, d config.DeviceSetup, a config.Args) error {
	specs := a.List("filters")
	if len(specs) == 0 {
		return errors.New("attenuator needs filters")
	}
	for i, f := range specs {
		if err := f.Require("actuator", "thickness", "length"); err != nil {
			return fmt.Errorf("filter %d: %w", i, err)
		}
	}
	return b.adjustable(d, func(r Resolver) (adjustable.Adjustable, error) {
		filters := make([]attenuator.Filter, 0, len(specs))
		for i, f := range specs {
			act, err := r.Adjustable(f.String("actuator", ""))
			if err != nil {
				return nil, err
			}
			filters = append(filters, attenuator.Filter{
				Name:              f.String("name", fmt.Sprintf("filter%d", i)),
				Thickness:         f.Float("thickness", 0),
				AttenuationLength: f.Float("length", 0),
				Actuator:          adjustable.InOut(act, f.Float("in", 1), f.Float("out", 0)),
			})
		}
		att, err := attenuator.New(d.Name, filters)
		if err != nil {
			return nil, err
		}
		return att, nil
	})
}

func buildPVDetector(b *builder, d config.DeviceSetup, a config.Args) error {
	if err := a.Require("pv"); err != nil {
		return err
	}
	return b.ns.Register(d.Name, KindDetector, d.Type, func(Resolver) (interface{}, error) {
		var det detector.Detector = detector.NewPV(d.Name, b.p, a.String("pv", ""))
		if n := a.Int("average", 0); n > 1 {
			det = detector.NewAverage(det, n, a.Duration("interval", 10*time.Millisecond))
		}
		return det, nil
	})
}

func buildCamera(b *builder, d config.DeviceSetup, a config.Args) error {
	return b.ns.Register(d.Name, KindCamera, d.Type, func(Resolver) (interface{}, error) {
		if b.mock == nil && !a.Bool("simulated", false) {
			return nil, errors.New("only simulated cameras are available")
		}
		cam := detector.NewMockCamera(d.Name, a.Int("width", 64), a.Int("height", 64))
		if err := cam.SetExposureTime(a.Duration("exposure", time.Millisecond)); err != nil {
			return nil, err
		}
		return cam, nil
	})
}

func buildDaq(b *builder, d config.DeviceSetup, a config.Args) error {
	bc := b.cfg.Broker
	url := a.String("url", bc.URL)
	if url == "" {
		return errors.New("no broker url")
	}
	rate := a.Float("rate", 100)
	if rate <= 0 {
		return fmt.Errorf("pulse rate %g Hz must be positive", rate)
	}
	return b.ns.Register(d.Name, KindCounter, d.Type, func(Resolver) (interface{}, error) {
		broker := daq.NewBroker(url, b.ns.Logger)
		if bc.RetrySecs > 0 {
			broker.SetMaxElapsed(util.SecsToDuration(bc.RetrySecs))
		}
		pulse := a.String("pulseid", bc.PulseIDPV)
		if b.mock != nil {
			pv.SimulatePulseID(b.ctx, b.mock, pulse, 1, rate)
		}
		x, err := daq.NewDaq(d.Name, broker, a.String("pgroup", bc.PGroup), b.p.Channel(pulse),
			a.String("template", bc.DirTemplate), b.ns.Logger)
		if err != nil {
			return nil, err
		}
		x.Channels = a.Strings("channels")
		x.Cameras = a.Strings("cameras")
		x.PVs = a.Strings("pvs")
		x.Detectors = a.Map("detectors")
		return x, nil
	})
}

func buildDIA(b *builder, d config.DeviceSetup, a config.Args) error {
	url := a.String("url", b.cfg.DIA.URL)
	if url == "" {
		return errors.New("no DIA url")
	}
	return b.ns.Register(d.Name, KindCounter, d.Type, func(Resolver) (interface{}, error) {
		dia := daq.NewDIA(url, b.ns.Logger)
		base := daq.DIAConfig{
			Writer:   a.Map("writer"),
			Backend:  a.Map("backend"),
			Detector: a.Map("detector"),
		}
		return daq.NewDIACounter(d.Name, dia, base), nil
	})
}
