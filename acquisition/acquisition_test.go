package acquisition

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/detector"
	"github.com/nasa-jpl/beamline/task"
)

// fakeCounter records the file names it is asked for and can be made to fail
// or to block until stopped
type fakeCounter struct {
	mu     sync.Mutex
	calls  []string
	failAt int
	block  bool
}

func (c *fakeCounter) Name() string { return "fake" }

func (c *fakeCounter) Acquire(ctx context.Context, fileName string, nPulses int) (*Acquisition, error) {
	c.mu.Lock()
	c.calls = append(c.calls, fileName)
	n := len(c.calls)
	c.mu.Unlock()
	run := func(ctx context.Context) error {
		if c.block {
			<-ctx.Done()
			return ctx.Err()
		}
		if c.failAt > 0 && n == c.failAt {
			return errors.New("detector crashed")
		}
		return nil
	}
	return &Acquisition{Task: task.Start(ctx, run, nil), Counter: c.Name(), FileNames: []string{fileName + ".h5"}}, nil
}

func (c *fakeCounter) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type scriptedChecker struct {
	results []bool
	i       int
	cleared int
}

func (c *scriptedChecker) Clear(context.Context) error {
	c.cleared++
	return nil
}

func (c *scriptedChecker) Check(context.Context) (bool, error) {
	if c.i >= len(c.results) {
		return c.results[len(c.results)-1], nil
	}
	r := c.results[c.i]
	c.i++
	return r, nil
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAScanWritesDataAndInfo(t *testing.T) {
	ctx := ctxT(t)
	dir := t.TempDir()
	x := adjustable.NewDummy("x", 0)
	det := detector.NewFunc("diode", func(ctx context.Context) (float64, error) {
		v, _ := x.Get(ctx)
		return 2 * v, nil
	})
	ctr := NewDetectorCounter("diodes", det)
	ctr.Period = time.Millisecond

	var steps []int
	started, ended := false, false
	s, err := AScan(Setup{
		Name:     "knife",
		BasePath: dir,
		Counters: []Counter{ctr},
		NPulses:  3,
		OnStart:  func(*Scan) error { started = true; return nil },
		OnStep:   func(_ *Scan, si StepInfo) { steps = append(steps, si.Step) },
		OnEnd:    func(_ *Scan, err error) { ended = err == nil },
	}, x, 0, 1, 2)
	require.NoError(t, err)
	require.NoError(t, s.Run(ctx))

	assert.True(t, started)
	assert.True(t, ended)
	assert.Equal(t, []int{0, 1, 2}, steps)
	assert.Equal(t, task.Done, s.Status())
	done, total := s.Progress()
	assert.Equal(t, 3, done)
	assert.Equal(t, 3, total)

	b, err := os.ReadFile(filepath.Join(dir, "knife_scan_info.json"))
	require.NoError(t, err)
	var info Info
	require.NoError(t, json.Unmarshal(b, &info))
	assert.Equal(t, s.ID, info.ID)
	assert.Equal(t, []string{"x"}, info.Parameters.Names)
	assert.Equal(t, [][]float64{{0}, {0.5}, {1}}, info.Values)
	assert.Equal(t, [][]float64{{0}, {0.5}, {1}}, info.Readbacks)
	require.Len(t, info.Files, 3)
	assert.Equal(t, filepath.Join(dir, "knife_step0001.jsonl"), info.Files[1][0])

	f, err := os.Open(info.Files[2][0])
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		var smp Sample
		require.NoError(t, json.Unmarshal(sc.Bytes(), &smp))
		assert.Equal(t, 2.0, smp.Values["diode"])
		n++
	}
	assert.Equal(t, 3, n)
}

func TestReturnAtEndAfterFailure(t *testing.T) {
	ctx := ctxT(t)
	x := adjustable.NewDummy("x", 5)
	ctr := &fakeCounter{failAt: 2}
	s, err := ListScan(Setup{Name: "fail", BasePath: t.TempDir(), Counters: []Counter{ctr}, ReturnAtEnd: true}, x, []float64{1, 2, 3})
	require.NoError(t, err)
	err = s.Run(ctx)
	assert.Error(t, err)
	assert.Equal(t, task.Failed, s.Status())
	v, _ := x.Get(ctx)
	assert.Equal(t, 5.0, v)
	assert.Len(t, s.Info().Values, 1)
}

func TestCheckerRepeatsStep(t *testing.T) {
	ctx := ctxT(t)
	x := adjustable.NewDummy("x", 0)
	ctr := &fakeCounter{}
	chk := &scriptedChecker{results: []bool{false, false, true}}
	s, err := ListScan(Setup{Name: "chk", BasePath: t.TempDir(), Counters: []Counter{ctr}, Checker: chk}, x, []float64{1})
	require.NoError(t, err)
	require.NoError(t, s.Run(ctx))
	assert.Len(t, ctr.Calls(), 3)
	assert.Equal(t, 3, chk.cleared)
	assert.Equal(t, 2, s.Info().StepInfo[0].Repeats)
}

func TestCheckerGivesUp(t *testing.T) {
	ctx := ctxT(t)
	x := adjustable.NewDummy("x", 0)
	chk := &scriptedChecker{results: []bool{false}}
	s, err := ListScan(Setup{Name: "nobeam", BasePath: t.TempDir(), Counters: []Counter{&fakeCounter{}}, Checker: chk, MaxRepeats: 2}, x, []float64{1})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Run(ctx), ErrCheckFailed)
}

func TestThresholdChecker(t *testing.T) {
	ctx := ctxT(t)
	v := 5.
	c := &ThresholdChecker{Det: detector.NewFunc("i0", func(context.Context) (float64, error) { return v, nil }), Min: 1, Max: 10}
	ok, err := c.Check(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	v = 0.5
	ok, _ = c.Check(ctx)
	assert.False(t, ok)
}

func TestStopScan(t *testing.T) {
	ctx := ctxT(t)
	x := adjustable.NewDummy("x", 0)
	ctr := &fakeCounter{block: true}
	s, err := ListScan(Setup{Name: "stop", BasePath: t.TempDir(), Counters: []Counter{ctr}, ReturnAtEnd: true}, x, []float64{1, 2})
	require.NoError(t, err)
	tsk := s.Start(ctx)
	require.Eventually(t, func() bool { return len(ctr.Calls()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, tsk.Stop())
	assert.ErrorIs(t, tsk.Wait(ctx), task.ErrStopped)
	assert.Equal(t, task.Stopped, s.Status())
	v, _ := x.Get(ctx)
	assert.Equal(t, 0.0, v)

	assert.ErrorIs(t, s.Start(ctx).Wait(ctx), ErrBusy)
}

// coastingMotor keeps moving after the context of its move ends and only
// halts when its task is stopped
type coastingMotor struct {
	mu    sync.Mutex
	value float64
}

func (m *coastingMotor) Name() string { return "coast" }

func (m *coastingMotor) Get(context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, nil
}

func (m *coastingMotor) Set(ctx context.Context, v float64) *task.Task {
	halted := false
	run := func(context.Context) error {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for range tick.C {
			m.mu.Lock()
			if halted {
				m.mu.Unlock()
				return task.ErrStopped
			}
			m.value += 0.001
			done := m.value >= v
			m.mu.Unlock()
			if done {
				return nil
			}
		}
		return nil
	}
	stop := func() error {
		m.mu.Lock()
		halted = true
		m.mu.Unlock()
		return nil
	}
	return task.Start(context.WithoutCancel(ctx), run, stop)
}

func TestCancelledScanHaltsMove(t *testing.T) {
	m := &coastingMotor{}
	s, err := ListScan(Setup{Name: "cancel", BasePath: t.TempDir(), Counters: []Counter{&fakeCounter{}}}, m, []float64{1000})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		v, _ := m.Get(ctx)
		return v > 0
	}, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not return after cancel")
	}

	bg := context.Background()
	v1, _ := m.Get(bg)
	time.Sleep(50 * time.Millisecond)
	v2, _ := m.Get(bg)
	assert.Equal(t, v1, v2)
	assert.Less(t, v2, 1000.0)
}

func TestScanConstructors(t *testing.T) {
	ctx := ctxT(t)
	a := adjustable.NewDummy("a", 10)
	b := adjustable.NewDummy("b", 0)
	setup := Setup{Name: "s", BasePath: t.TempDir()}

	s, err := RScan(ctx, setup, a, -1, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{9}, {10}, {11}}, s.Values)
	assert.True(t, s.ReturnAtEnd)

	s, err = A2Scan(setup, a, 0, 1, b, 10, 20, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 10}, {1, 20}}, s.Values)

	s, err = Mesh(setup, a, 0, 1, 1, b, 0, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 0}, {0, 1}, {0, 2}, {1, 0}, {1, 1}, {1, 2}}, s.Values)

	_, err = AScan(setup, a, 0, 1, 0)
	assert.ErrorIs(t, err, ErrNoSteps)
	_, err = New(setup, []adjustable.Adjustable{a, b}, [][]float64{{1}})
	assert.ErrorIs(t, err, ErrDimension)
	_, err = ListScan(setup, a, nil)
	assert.ErrorIs(t, err, ErrNoSteps)
}

func TestDoNextStepManually(t *testing.T) {
	ctx := ctxT(t)
	x := adjustable.NewDummy("x", 0)
	ctr := &fakeCounter{}
	s, err := ListScan(Setup{Name: "manual", BasePath: t.TempDir(), Counters: []Counter{ctr}}, x, []float64{3, 4})
	require.NoError(t, err)
	more, err := s.DoNextStep(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	v, _ := x.Get(ctx)
	assert.Equal(t, 3.0, v)
	more, err = s.DoNextStep(ctx)
	require.NoError(t, err)
	assert.False(t, more)
	more, err = s.DoNextStep(ctx)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []string{s.FileName(0), s.FileName(1)}, ctr.Calls())
}

func TestCameraCounter(t *testing.T) {
	ctx := ctxT(t)
	cam := detector.NewMockCamera("pco", 8, 8)
	c := NewCameraCounter(cam)
	fn := filepath.Join(t.TempDir(), "run_step0000")
	acq, err := c.Acquire(ctx, fn, 2)
	require.NoError(t, err)
	require.NoError(t, acq.Wait(ctx))
	assert.Equal(t, []string{fn + "_pco.fits"}, acq.FileNames)
	_, err = os.Stat(acq.FileNames[0])
	require.NoError(t, err)
	assert.Equal(t, 2, cam.Frames())
}
