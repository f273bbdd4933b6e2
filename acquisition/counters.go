package acquisition

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/beamline/detector"
	"github.com/nasa-jpl/beamline/imgrec"
	"github.com/nasa-jpl/beamline/task"
)

// DefaultPulsePeriod is the time between pulses at 100 Hz
const DefaultPulsePeriod = 10 * time.Millisecond

// Sample is one line of the file written by a DetectorCounter
type Sample struct {
	Pulse  int                `json:"pulse"`
	Time   time.Time          `json:"time"`
	Values map[string]float64 `json:"values"`
}

// DetectorCounter reads a set of detectors once per pulse and writes the
// readings as JSON lines
type DetectorCounter struct {
	name      string
	Detectors []detector.Detector

	// Period is the time between samples
	Period time.Duration
}

// NewDetectorCounter returns a counter reading dets
func NewDetectorCounter(name string, dets ...detector.Detector) *DetectorCounter {
	return &DetectorCounter{name: name, Detectors: dets, Period: DefaultPulsePeriod}
}

// Name returns the name
func (c *DetectorCounter) Name() string { return c.name }

// Acquire samples the detectors nPulses times into fileName + ".jsonl"
func (c *DetectorCounter) Acquire(ctx context.Context, fileName string, nPulses int) (*Acquisition, error) {
	fn := fileName + ".jsonl"
	if err := os.MkdirAll(filepath.Dir(fn), 0o777); err != nil {
		return nil, err
	}
	f, err := os.Create(fn)
	if err != nil {
		return nil, err
	}
	run := func(ctx context.Context) error {
		defer f.Close()
		w := bufio.NewWriter(f)
		enc := json.NewEncoder(w)
		tick := time.NewTicker(c.period())
		defer tick.Stop()
		for i := 0; i < nPulses; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-tick.C:
				}
			}
			vals, err := detector.ReadAll(ctx, c.Detectors)
			if err != nil {
				return fmt.Errorf("%s pulse %d: %w", c.name, i, err)
			}
			if err = enc.Encode(Sample{Pulse: i, Time: time.Now(), Values: vals}); err != nil {
				return err
			}
		}
		return w.Flush()
	}
	return &Acquisition{
		Task:      task.Start(ctx, run, nil),
		Counter:   c.name,
		FileNames: []string{fn},
	}, nil
}

func (c *DetectorCounter) period() time.Duration {
	if c.Period <= 0 {
		return DefaultPulsePeriod
	}
	return c.Period
}

// CameraCounter grabs one frame per pulse and writes them as a FITS cube
type CameraCounter struct {
	Cam detector.Camera
}

// NewCameraCounter returns a counter for cam
func NewCameraCounter(cam detector.Camera) *CameraCounter {
	return &CameraCounter{Cam: cam}
}

// Name returns the camera name
func (c *CameraCounter) Name() string { return c.Cam.Name() }

// Acquire grabs nPulses frames into fileName_<camera>.fits
func (c *CameraCounter) Acquire(ctx context.Context, fileName string, nPulses int) (*Acquisition, error) {
	fn := fileName + "_" + c.Cam.Name() + ".fits"
	run := func(ctx context.Context) error {
		var (
			frames [][]uint16
			aoi    detector.AOI
		)
		for i := 0; i < nPulses; i++ {
			buf, a, err := c.Cam.Frame(ctx)
			if err != nil {
				return fmt.Errorf("%s frame %d: %w", c.Cam.Name(), i, err)
			}
			frames = append(frames, buf)
			aoi = a
		}
		exp, err := c.Cam.GetExposureTime()
		if err != nil {
			return err
		}
		cards := []fitsio.Card{
			{Name: "CAMERA", Value: c.Cam.Name()},
			{Name: "EXPTIME", Value: exp.Seconds(), Comment: "exposure time, seconds"},
			{Name: "AOILEFT", Value: aoi.Left},
			{Name: "AOITOP", Value: aoi.Top},
			{Name: "DATE", Value: time.Now().UTC().Format(time.RFC3339)},
		}
		return imgrec.WriteFile(fn, cards, frames, aoi)
	}
	return &Acquisition{
		Task:      task.Start(ctx, run, nil),
		Counter:   c.Cam.Name(),
		FileNames: []string{fn},
	}, nil
}

// ThresholdChecker passes a step when a detector reads within [Min, Max],
// e.g. a beam intensity monitor
type ThresholdChecker struct {
	Det      detector.Detector
	Min, Max float64
}

// Check reads the detector and compares it to the window
func (c *ThresholdChecker) Check(ctx context.Context) (bool, error) {
	v, err := c.Det.Get(ctx)
	if err != nil {
		return false, err
	}
	if math.IsNaN(v) {
		return false, nil
	}
	return v >= c.Min && v <= c.Max, nil
}
