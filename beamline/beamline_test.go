package beamline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/beamline/acquisition"
	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/config"
	"github.com/nasa-jpl/beamline/pv"
)

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dev(name, typ string, args map[string]interface{}) config.DeviceSetup {
	return config.DeviceSetup{Name: name, Type: typ, Args: args}
}

func testConfig(t *testing.T) config.Config {
	c := config.Default()
	c.Recorder.Root = t.TempDir()
	x := dev("x", "dummy", nil)
	x.Limits = config.Minmax{Min: -10, Max: 10}
	c.Devices = []config.DeviceSetup{
		x,
		dev("m1", "motor", map[string]interface{}{"prefix": "SAR:MOT1", "speed": 1000}),
		dev("ax", "axis", map[string]interface{}{"velocity": 1000}),
		dev("laser_delay", "delay", map[string]interface{}{"stage": "x"}),
		dev("top", "dummy", map[string]interface{}{"initial": 1}),
		dev("bottom", "dummy", map[string]interface{}{"initial": -1}),
		dev("left", "dummy", map[string]interface{}{"initial": -2}),
		dev("right", "dummy", map[string]interface{}{"initial": 2}),
		dev("sl", "slits", map[string]interface{}{"top": "top", "bottom": "bottom", "left": "left", "right": "right"}),
		dev("hex", "hexapod", map[string]interface{}{"prefix": "SAR:HEX", "speed": 1000}),
		dev("f1", "dummy", nil),
		dev("att", "attenuator", map[string]interface{}{
			"filters": []interface{}{
				map[string]interface{}{"actuator": "f1", "thickness": 1, "length": 1},
			},
		}),
		dev("diode", "pvdetector", map[string]interface{}{"pv": "SAR:DIODE"}),
		dev("cam", "camera", map[string]interface{}{"width": 8, "height": 8}),
		dev("pos", "enum", map[string]interface{}{"base": "x", "states": map[string]interface{}{"in": 0, "out": 5}}),
		dev("loop_a", "linear", map[string]interface{}{"base": "loop_b"}),
		dev("loop_b", "linear", map[string]interface{}{"base": "loop_a"}),
		dev("kap", "kappa", map[string]interface{}{"omega_k": "ok", "kappa": "kk", "phi_k": "pk"}),
		dev("ok", "dummy", nil),
		dev("kk", "dummy", nil),
		dev("pk", "dummy", nil),
		dev("store", "file", map[string]interface{}{"default": 3}),
	}
	return c
}

func buildT(t *testing.T) (*Namespace, *pv.Mock) {
	m := pv.NewMock()
	ns, err := Build(testConfig(t), m, nil)
	require.NoError(t, err)
	t.Cleanup(ns.Close)
	return ns, m
}

func TestBuildRejectsBadConfig(t *testing.T) {
	c := config.Default()
	c.Devices = []config.DeviceSetup{
		dev("a", "warp-drive", nil),
		dev("b", "motor", nil),
		dev("c", "dummy", nil),
		dev("c", "dummy", nil),
	}
	ns, err := Build(c, pv.NewMock(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), `missing argument "prefix"`)
	assert.Equal(t, []string{"c"}, ns.Names())
}

func TestLazyInitAndStatus(t *testing.T) {
	ns, _ := buildT(t)
	for _, st := range ns.Status() {
		assert.False(t, st.Initialized, st.Name)
	}
	_, err := ns.Adjustable("laser_delay")
	require.NoError(t, err)
	byName := map[string]EntryStatus{}
	for _, st := range ns.Status() {
		byName[st.Name] = st
	}
	assert.True(t, byName["laser_delay"].Initialized)
	assert.True(t, byName["x"].Initialized, "dependencies are built too")
	assert.False(t, byName["m1"].Initialized)
}

func TestNamesIncludeCompositeParts(t *testing.T) {
	ns, _ := buildT(t)
	names := ns.Names()
	for _, n := range []string{"sl_hgap", "sl_vpos", "hex_rz", "kap_chi"} {
		assert.Contains(t, names, n)
	}
	assert.Equal(t, []string{"cam"}, ns.NamesOf(KindCamera))
}

func TestLimits(t *testing.T) {
	ctx := ctxT(t)
	ns, _ := buildT(t)
	x, err := ns.Adjustable("x")
	require.NoError(t, err)
	assert.ErrorIs(t, x.Set(ctx, 11).Wait(ctx), adjustable.ErrLimit)
	require.NoError(t, adjustable.MoveAndWait(ctx, x, 2))
}

func TestMockMotorAndAxis(t *testing.T) {
	ctx := ctxT(t)
	ns, m := buildT(t)
	m1, err := ns.Adjustable("m1")
	require.NoError(t, err)
	require.NoError(t, adjustable.MoveAndWait(ctx, m1, 0.5))
	assert.InDelta(t, 0.5, m.Value("SAR:MOT1.RBV"), 1e-6)

	ax, err := ns.Adjustable("ax")
	require.NoError(t, err)
	require.NoError(t, adjustable.MoveAndWait(ctx, ax, -1))
	v, err := ax.Get(ctx)
	require.NoError(t, err)
	assert.InDelta(t, -1, v, 1e-9)
}

func TestSlitsAndHexapod(t *testing.T) {
	ctx := ctxT(t)
	ns, _ := buildT(t)
	hgap, err := ns.Adjustable("sl_hgap")
	require.NoError(t, err)
	g, err := hgap.Get(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 4, g, 1e-9)

	z, err := ns.Adjustable("hex_z")
	require.NoError(t, err)
	require.NoError(t, adjustable.MoveAndWait(ctx, z, 0.25))
	v, err := z.Get(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, v, 1e-3)
}

func TestAttenuatorAndEnum(t *testing.T) {
	ctx := ctxT(t)
	ns, _ := buildT(t)
	att, err := ns.Adjustable("att")
	require.NoError(t, err)
	require.NoError(t, att.Set(ctx, 0.3).Wait(ctx))
	f1, err := ns.Adjustable("f1")
	require.NoError(t, err)
	v, err := f1.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v, "e^-1 is closer to 0.3 than 1")

	pos, err := ns.Adjustable("pos")
	require.NoError(t, err)
	e, ok := pos.(*adjustable.Enum)
	require.True(t, ok)
	require.NoError(t, e.SetState(ctx, "out").Wait(ctx))
	st, err := e.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "out", st)
}

func TestCycleIsReported(t *testing.T) {
	ns, _ := buildT(t)
	_, err := ns.Adjustable("loop_a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)
	var found bool
	for _, st := range ns.Status() {
		if st.Name == "loop_a" {
			found = true
			assert.False(t, st.Initialized)
			assert.NotEmpty(t, st.Error)
		}
	}
	assert.True(t, found)

	// the failure is kept
	_, err2 := ns.Adjustable("loop_a")
	assert.Equal(t, err.Error(), err2.Error())
	assert.Error(t, ns.InitAll())
}

func TestCompositeDependingOnItself(t *testing.T) {
	c := config.Default()
	c.Devices = []config.DeviceSetup{
		dev("gon", "kappa", map[string]interface{}{
			"omega_k": "ok", "kappa": "kk", "phi_k": "pk",
			"motors": map[string]interface{}{"nu": "gon_eta"},
		}),
		dev("ok", "dummy", nil),
		dev("kk", "dummy", nil),
		dev("pk", "dummy", nil),
		dev("x", "dummy", nil),
	}
	ns, err := Build(c, pv.NewMock(), nil)
	require.NoError(t, err)
	defer ns.Close()

	done := make(chan error, 1)
	go func() {
		_, err := ns.Adjustable("gon_nu")
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCycle)
	case <-time.After(2 * time.Second):
		t.Fatal("building gon_nu did not return")
	}

	// the namespace is still usable and the failure is reported
	_, err = ns.Adjustable("x")
	assert.NoError(t, err)
	_, err = ns.Adjustable("gon_chi")
	assert.ErrorIs(t, err, ErrCycle)
	for _, st := range ns.Status() {
		if st.Name == "gon_nu" {
			assert.NotEmpty(t, st.Error)
		}
	}
}

func TestKinds(t *testing.T) {
	ctx := ctxT(t)
	ns, m := buildT(t)
	m.Set("SAR:DIODE", 42)

	d, err := ns.Detector("diode")
	require.NoError(t, err)
	v, err := d.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)

	_, err = ns.Detector("x")
	assert.NoError(t, err, "adjustables read as detectors")

	_, err = ns.Adjustable("diode")
	assert.ErrorIs(t, err, ErrWrongKind)
	_, err = ns.Camera("x")
	assert.ErrorIs(t, err, ErrWrongKind)
	_, err = ns.Adjustable("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := ns.Counter("cam")
	require.NoError(t, err)
	_, ok := c.(*acquisition.CameraCounter)
	assert.True(t, ok)
	c, err = ns.Counter("diode")
	require.NoError(t, err)
	_, ok = c.(*acquisition.DetectorCounter)
	assert.True(t, ok)
}

func TestFileStoreDevice(t *testing.T) {
	ctx := ctxT(t)
	ns, _ := buildT(t)
	s, err := ns.Adjustable("store")
	require.NoError(t, err)
	v, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
}

func TestRegisterDuplicate(t *testing.T) {
	ns := NewNamespace(nil)
	f := func(Resolver) (interface{}, error) { return nil, errors.New("boom") }
	require.NoError(t, ns.Register("a", KindDetector, "test", f))
	assert.ErrorIs(t, ns.Register("a", KindDetector, "test", f), ErrDuplicate)
	_, err := ns.Detector("a")
	assert.EqualError(t, err, "building a: boom")
}

func TestTableCalibration(t *testing.T) {
	ctx := ctxT(t)
	c := config.Default()
	c.Devices = []config.DeviceSetup{
		dev("gap", "dummy", nil),
		dev("energy", "table", map[string]interface{}{
			"base": "gap",
			"x":    []interface{}{0, 1, 2.0},
			"y":    []interface{}{0, 10, 40},
		}),
		dev("wavy", "table", map[string]interface{}{
			"base": "gap", "x": []interface{}{0, 1, 2}, "y": []interface{}{0, 1, 0},
		}),
	}
	ns, err := Build(c, pv.NewMock(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wavy")
	defer ns.Close()

	e, err := ns.Adjustable("energy")
	require.NoError(t, err)
	require.NoError(t, e.Set(ctx, 25).Wait(ctx))
	gap, err := ns.Adjustable("gap")
	require.NoError(t, err)
	v, err := gap.Get(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, v, 1e-12)
	v, err = e.Get(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 25, v, 1e-12)
}

func TestDaqRejectsNonPositiveRate(t *testing.T) {
	c := config.Default()
	c.Devices = []config.DeviceSetup{
		dev("bsdaq", "daq", map[string]interface{}{"url": "http://broker", "rate": 0}),
	}
	ns, err := Build(c, pv.NewMock(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
	defer ns.Close()
	assert.NotContains(t, ns.Names(), "bsdaq")
}
