package scanhttp

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/beamline/acquisition"
	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/detector"
	"github.com/nasa-jpl/beamline/runlog"
)

type devices struct {
	adjs map[string]adjustable.Adjustable
	dets map[string]detector.Detector
}

func (d devices) Adjustables(names ...string) ([]adjustable.Adjustable, error) {
	out := []adjustable.Adjustable{}
	for _, n := range names {
		a, ok := d.adjs[n]
		if !ok {
			return nil, fmt.Errorf("no such device: %s", n)
		}
		out = append(out, a)
	}
	return out, nil
}

func (d devices) Detector(name string) (detector.Detector, error) {
	det, ok := d.dets[name]
	if !ok {
		return nil, fmt.Errorf("no such device: %s", name)
	}
	return det, nil
}

func (d devices) Counters(names ...string) ([]acquisition.Counter, error) {
	out := []acquisition.Counter{}
	for _, n := range names {
		det, err := d.Detector(n)
		if err != nil {
			return nil, err
		}
		c := acquisition.NewDetectorCounter(n, det)
		c.Period = time.Millisecond
		out = append(out, c)
	}
	return out, nil
}

func newDevices() devices {
	slow := adjustable.NewDummy("slow", 0)
	slow.Speed = 0.5
	return devices{
		adjs: map[string]adjustable.Adjustable{
			"x":    adjustable.NewDummy("x", 0),
			"y":    adjustable.NewDummy("y", 0),
			"slow": slow,
		},
		dets: map[string]detector.Detector{
			"diode": detector.NewFunc("diode", func(context.Context) (float64, error) { return 1, nil }),
		},
	}
}

func setup(t *testing.T, withLog bool) (*Server, *Client) {
	var log *runlog.Log
	if withLog {
		var err error
		log, err = runlog.Open(filepath.Join(t.TempDir(), "runlog.db"))
		require.NoError(t, err)
		t.Cleanup(func() { log.Close() })
	}
	s := NewServer(newDevices(), log, t.TempDir(), nil)
	r := chi.NewRouter()
	s.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return s, NewClient(srv.URL)
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitAndFollow(t *testing.T) {
	ctx := ctxT(t)
	s, c := setup(t, true)
	st, err := c.Submit(ctx, Request{
		Type:        "ascan",
		Name:        "edge",
		Adjustables: []string{"x"},
		Start:       []float64{0},
		End:         []float64{1},
		Intervals:   []int{4},
		Counters:    []string{"diode"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, st.ID)
	assert.Equal(t, 5, st.Steps)

	require.NoError(t, s.Wait(ctx, st.ID))
	st, err = c.Status(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", st.Status)
	assert.Equal(t, 5, st.Step)
	require.NotNil(t, st.Info)
	assert.Equal(t, [][]float64{{0}, {0.25}, {0.5}, {0.75}, {1}}, st.Info.Values)

	list, err := c.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "edge", list[0].Name)
	assert.Equal(t, "done", list[0].Status)

	rec, err := s.Log.Get(st.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, rec.StepsDone)
}

func TestScanTypes(t *testing.T) {
	ctx := ctxT(t)
	s, _ := setup(t, false)
	cases := []struct {
		req   Request
		steps int
	}{
		{Request{Type: "rscan", Name: "r", Adjustables: []string{"x"}, Start: []float64{-1}, End: []float64{1}, Intervals: []int{2}}, 3},
		{Request{Type: "a2scan", Name: "a2", Adjustables: []string{"x", "y"}, Start: []float64{0, 0}, End: []float64{1, 2}, Intervals: []int{1}}, 2},
		{Request{Type: "mesh", Name: "m", Adjustables: []string{"x", "y"}, Start: []float64{0, 0}, End: []float64{1, 1}, Intervals: []int{1, 2}}, 6},
		{Request{Type: "list", Name: "l", Adjustables: []string{"x", "y"}, Values: [][]float64{{0, 1}, {2, 3}}}, 2},
	}
	for _, tc := range cases {
		sc, err := s.Build(ctx, tc.req)
		require.NoError(t, err, tc.req.Type)
		_, steps := sc.Progress()
		assert.Equal(t, tc.steps, steps, tc.req.Type)
	}
}

func TestBadRequests(t *testing.T) {
	ctx := ctxT(t)
	s, c := setup(t, false)
	bad := []Request{
		{Type: "ascan", Name: "", Adjustables: []string{"x"}, Start: []float64{0}, End: []float64{1}, Intervals: []int{1}},
		{Type: "ascan", Name: "../up", Adjustables: []string{"x"}, Start: []float64{0}, End: []float64{1}, Intervals: []int{1}},
		{Type: "ascan", Name: "n", Adjustables: []string{"x", "y"}, Start: []float64{0}, End: []float64{1}, Intervals: []int{1}},
		{Type: "mesh", Name: "n", Adjustables: []string{"x", "y"}, Start: []float64{0, 0}, End: []float64{1, 1}, Intervals: []int{1}},
		{Type: "spiral", Name: "n", Adjustables: []string{"x"}},
		{Type: "ascan", Name: "n", Adjustables: []string{"warp"}, Start: []float64{0}, End: []float64{1}, Intervals: []int{1}},
		{Type: "list", Name: "n", Adjustables: []string{"x"}, Values: [][]float64{{0, 1}}},
	}
	for _, req := range bad {
		_, err := s.Build(ctx, req)
		assert.Error(t, err, "%+v", req)
		_, err = c.Submit(ctx, req)
		assert.ErrorContains(t, err, "400", "%+v", req)
	}
	_, err := c.Status(ctx, "nope")
	assert.ErrorContains(t, err, "404")
}

func TestStopScan(t *testing.T) {
	ctx := ctxT(t)
	s, c := setup(t, false)
	st, err := c.Submit(ctx, Request{
		Type: "list", Name: "long", Adjustables: []string{"slow"},
		Values: [][]float64{{100}, {200}},
	})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Stop(ctx, st.ID))
	assert.Error(t, s.Wait(ctx, st.ID))

	st, err = c.Status(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.Status)
	assert.Less(t, st.Step, 2)
}
