package detector

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/beamline/pv"
)

func TestPVDetector(t *testing.T) {
	ctx := context.Background()
	m := pv.NewMock()
	m.Set("SARFE10-PBPG050:HAMP-INTENSITY", 12.5)
	d := NewPV("i0", m, "SARFE10-PBPG050:HAMP-INTENSITY")
	assert.Equal(t, "i0", d.Name())
	v, err := d.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)
}

func TestAverage(t *testing.T) {
	ctx := context.Background()
	n := 0.
	counter := NewFunc("ramp", func(context.Context) (float64, error) {
		n++
		return n, nil
	})
	avg := NewAverage(counter, 4, time.Millisecond)
	v, err := avg.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)
	assert.Equal(t, "ramp", avg.Name())

	_, err = NewAverage(counter, 0, 0).Get(ctx)
	assert.ErrorIs(t, err, ErrNoSamples)

	boom := errors.New("boom")
	_, err = NewAverage(NewFunc("bad", func(context.Context) (float64, error) { return 0, boom }), 2, 0).Get(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestReadAll(t *testing.T) {
	ctx := context.Background()
	one := NewFunc("one", func(context.Context) (float64, error) { return 1, nil })
	two := NewFunc("two", func(context.Context) (float64, error) { return 2, nil })
	vals, err := ReadAll(ctx, []Detector{one, two})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"one": 1, "two": 2}, vals)
}

func TestMockCamera(t *testing.T) {
	ctx := context.Background()
	cam := NewMockCamera("cam", 32, 16)
	require.NoError(t, cam.SetExposureTime(2*time.Millisecond))
	buf, aoi, err := cam.Frame(ctx)
	require.NoError(t, err)
	assert.Equal(t, 32*16, len(buf))
	assert.Equal(t, AOI{Left: 1, Top: 1, Width: 32, Height: 16}, aoi)
	// brightest at the centre
	assert.Greater(t, buf[8*32+16], buf[0])

	assert.ErrorIs(t, cam.SetAOI(AOI{Left: 20, Top: 1, Width: 20, Height: 4}), ErrBadAOI)
	require.NoError(t, cam.SetAOI(AOI{Left: 9, Top: 5, Width: 16, Height: 8}))
	buf, aoi, err = cam.Frame(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16*8, len(buf))
	assert.Equal(t, 8, aoi.Height)
	assert.Equal(t, 2, cam.Frames())

	sum, err := Sum{Cam: cam}.Get(ctx)
	require.NoError(t, err)
	assert.Greater(t, sum, 0.)
	assert.Equal(t, "cam_sum", Sum{Cam: cam}.Name())
}

func TestToImage(t *testing.T) {
	img := ToImage([]uint16{0x0102, 0xffff}, AOI{Width: 2, Height: 1})
	assert.Equal(t, []uint8{1, 2, 0xff, 0xff}, img.Pix)
	assert.Equal(t, 2, img.Bounds().Dx())
}

func TestWriteFitsCube(t *testing.T) {
	aoi := AOI{Width: 4, Height: 2}
	frames := [][]uint16{
		{0, 1, 2, 3, 4, 5, 6, 7},
		{65535, 1, 2, 3, 4, 5, 6, 7},
	}
	var buf bytes.Buffer
	cards := []fitsio.Card{{Name: "SCAN", Value: "knife_edge"}}
	require.NoError(t, WriteFits(&buf, cards, frames, aoi))

	f, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	hdr := f.HDU(0).Header()
	assert.Equal(t, []int{4, 2, 2}, hdr.Axes())
	assert.Equal(t, 16, hdr.Bitpix())
	assert.NotNil(t, hdr.Get("SCAN"))
}

func TestWriteFitsEmpty(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, WriteFits(&buf, nil, nil, AOI{}), ErrNoFrames)
}
