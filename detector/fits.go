package detector

import (
	"errors"
	"io"

	"github.com/astrogo/fitsio"
)

// ErrNoFrames is returned when writing an empty frame sequence
var ErrNoFrames = errors.New("no frames to write")

// WriteFits streams a fits file holding frames, a cube when there is more
// than one, to w.  Pixels are stored as BITPIX 16 with BZERO 32768
func WriteFits(w io.Writer, metadata []fitsio.Card, frames [][]uint16, aoi AOI) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	nframes := len(frames)
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{aoi.Width, aoi.Height}
	if nframes > 1 {
		dims = append(dims, nframes)
	}
	im := fitsio.NewImage(16, dims)
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}

	px := aoi.Pixels()
	ints := make([]int16, px*nframes)
	for n, frame := range frames {
		offset := n * px
		for idx := 0; idx < px && idx < len(frame); idx++ {
			ints[offset+idx] = int16(int32(frame[idx]) - 32768)
		}
	}
	err = im.Write(ints)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
