package runlog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/beamline/acquisition"
	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/detector"
	"github.com/nasa-jpl/beamline/task"
)

func openT(t *testing.T) *Log {
	l, err := Open(filepath.Join(t.TempDir(), "runlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func newScan(t *testing.T, name string) *acquisition.Scan {
	x := adjustable.NewDummy("x", 0)
	ctr := acquisition.NewDetectorCounter("d", detector.NewFunc("one", func(context.Context) (float64, error) {
		return 1, nil
	}))
	ctr.Period = time.Millisecond
	s, err := acquisition.AScan(acquisition.Setup{
		Name:     name,
		BasePath: t.TempDir(),
		Counters: []acquisition.Counter{ctr},
		NPulses:  1,
	}, x, 0, 2, 2)
	require.NoError(t, err)
	return s
}

func TestAttachRecordsScan(t *testing.T) {
	l := openT(t)
	s := newScan(t, "edge")
	var werr error
	l.Attach(&s.Setup, func(err error) { werr = err })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	require.NoError(t, werr)

	rec, err := l.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "edge", rec.Name)
	assert.Equal(t, task.Done.String(), rec.Status)
	assert.Equal(t, []string{"x"}, rec.Parameters)
	assert.Equal(t, 3, rec.Steps)
	assert.Equal(t, 3, rec.StepsDone)
	require.NotNil(t, rec.Finished)
	require.Len(t, rec.StepInfo, 3)
	assert.Equal(t, []float64{1}, rec.StepInfo[1].Values)
	assert.Empty(t, rec.Error)
}

func TestFinishWithError(t *testing.T) {
	l := openT(t)
	s := newScan(t, "broken")
	require.NoError(t, l.Begin(s))
	require.NoError(t, l.Finish(s.ID, task.Failed, errors.New("motor fault")))

	rec, err := l.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Failed.String(), rec.Status)
	assert.Equal(t, "motor fault", rec.Error)
	assert.Equal(t, 0, rec.StepsDone)
}

func TestAttachRecordsScanFailingAtStart(t *testing.T) {
	l := openT(t)
	s := newScan(t, "nodir")
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	s.BasePath = filepath.Join(blocker, "scan")
	started := false
	s.OnStart = func(*acquisition.Scan) error { started = true; return nil }
	var werr error
	l.Attach(&s.Setup, func(err error) { werr = err })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, s.Run(ctx))
	require.NoError(t, werr)
	assert.False(t, started)

	rec, err := l.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "nodir", rec.Name)
	assert.Equal(t, task.Failed.String(), rec.Status)
	assert.NotEmpty(t, rec.Error)
	assert.Equal(t, 0, rec.StepsDone)
	require.NotNil(t, rec.Finished)

	recs, err := l.List(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, s.ID, recs[0].ID)
}

func TestUnknownScan(t *testing.T) {
	l := openT(t)
	_, err := l.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, l.Finish("nope", task.Done, nil), ErrNotFound)
	assert.ErrorIs(t, l.Step("nope", acquisition.StepInfo{}), ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	l := openT(t)
	a, b := newScan(t, "a"), newScan(t, "b")
	require.NoError(t, l.Begin(a))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, l.Begin(b))

	recs, err := l.List(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].Name)
	assert.Equal(t, "a", recs[1].Name)
	assert.Nil(t, recs[0].StepInfo)

	recs, err = l.List(1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
