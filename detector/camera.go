package detector

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"time"
)

// ErrBadAOI is returned for an area of interest that does not fit the sensor
var ErrBadAOI = errors.New("area of interest outside of sensor")

// AOI describes an area of interest on the camera
type AOI struct {
	// Left is the left pixel index.  1-based
	Left int `json:"left"`

	// Top is the top pixel index.  1-based
	Top int `json:"top"`

	// Width is the width in pixels
	Width int `json:"width"`

	// Height is the height in pixels
	Height int `json:"height"`
}

// Pixels is the number of pixels in the AOI
func (a AOI) Pixels() int {
	return a.Width * a.Height
}

// Camera captures 16-bit frames
type Camera interface {
	// Name identifies the camera
	Name() string

	// Frame triggers a capture and returns the row-major pixels and the AOI
	// they cover
	Frame(context.Context) ([]uint16, AOI, error)

	// SetExposureTime sets the exposure time
	SetExposureTime(time.Duration) error

	// GetExposureTime gets the exposure time
	GetExposureTime() (time.Duration, error)
}

// AOISetter is a camera whose area of interest can be changed
type AOISetter interface {
	SetAOI(AOI) error
	GetAOI() (AOI, error)
}

// ToImage wraps a frame as an image.Gray16, e.g. for PNG encoding
func ToImage(buf []uint16, aoi AOI) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, aoi.Width, aoi.Height))
	for i, v := range buf {
		img.Pix[2*i] = uint8(v >> 8)
		img.Pix[2*i+1] = uint8(v)
	}
	return img
}

// Sum is a detector reporting the total counts in a camera frame
type Sum struct {
	Cam Camera
}

// Name returns the camera name with a _sum suffix
func (s Sum) Name() string {
	return s.Cam.Name() + "_sum"
}

// Get grabs a frame and sums it
func (s Sum) Get(ctx context.Context) (float64, error) {
	buf, _, err := s.Cam.Frame(ctx)
	if err != nil {
		return 0, err
	}
	total := 0.
	for _, v := range buf {
		total += float64(v)
	}
	return total, nil
}

// MockCamera produces a Gaussian spot whose brightness scales with exposure
// time, for mock mode and tests
type MockCamera struct {
	name string

	mu       sync.Mutex
	width    int
	height   int
	aoi      AOI
	exposure time.Duration
	frames   int
}

// NewMockCamera returns a simulated camera with a width x height sensor
func NewMockCamera(name string, width, height int) *MockCamera {
	return &MockCamera{
		name:     name,
		width:    width,
		height:   height,
		aoi:      AOI{Left: 1, Top: 1, Width: width, Height: height},
		exposure: time.Millisecond,
	}
}

// Name returns the name
func (c *MockCamera) Name() string { return c.name }

// Frames returns how many frames have been captured
func (c *MockCamera) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// SetExposureTime sets the exposure time
func (c *MockCamera) SetExposureTime(d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exposure = d
	return nil
}

// GetExposureTime gets the exposure time
func (c *MockCamera) GetExposureTime() (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exposure, nil
}

// SetAOI sets the area of interest
func (c *MockCamera) SetAOI(aoi AOI) error {
	if aoi.Left < 1 || aoi.Top < 1 || aoi.Width < 1 || aoi.Height < 1 ||
		aoi.Left-1+aoi.Width > c.width || aoi.Top-1+aoi.Height > c.height {
		return ErrBadAOI
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aoi = aoi
	return nil
}

// GetAOI gets the area of interest
func (c *MockCamera) GetAOI() (AOI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aoi, nil
}

// Frame waits out the exposure and renders the spot
func (c *MockCamera) Frame(ctx context.Context) ([]uint16, AOI, error) {
	c.mu.Lock()
	aoi, exp := c.aoi, c.exposure
	w, h := c.width, c.height
	c.frames++
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, aoi, ctx.Err()
	case <-time.After(exp):
	}

	peak := math.Min(1000*exp.Seconds()*1e3, math.MaxUint16)
	cx, cy := float64(w)/2, float64(h)/2
	sigma := math.Max(float64(w), float64(h)) / 8
	buf := make([]uint16, aoi.Pixels())
	for j := 0; j < aoi.Height; j++ {
		y := float64(aoi.Top - 1 + j)
		for i := 0; i < aoi.Width; i++ {
			x := float64(aoi.Left - 1 + i)
			r2 := (x-cx)*(x-cx) + (y-cy)*(y-cy)
			buf[j*aoi.Width+i] = uint16(peak * math.Exp(-r2/(2*sigma*sigma)))
		}
	}
	return buf, aoi, nil
}
