// Package acquisition coordinates data taking: counters that record data for
// a number of pulses, and scans that step adjustables and call the counters
// at each step.
package acquisition

import (
	"context"
	"errors"

	"github.com/nasa-jpl/beamline/task"
)

var (
	// ErrCheckFailed is returned when a step still fails its check after the
	// allowed number of repeats
	ErrCheckFailed = errors.New("step failed beam check too many times")

	// ErrDimension is returned when scan values do not match the adjustables
	ErrDimension = errors.New("scan values do not match number of adjustables")

	// ErrNoSteps is returned for a scan with no points
	ErrNoSteps = errors.New("scan has no steps")

	// ErrBusy is returned when a scan is started twice
	ErrBusy = errors.New("scan already running")
)

// Acquisition is data taking in progress.  The task finishes when the data is
// on disk, at which point FileNames lists what was written
type Acquisition struct {
	*task.Task

	// Counter is the name of the counter doing the acquisition
	Counter string

	// FileNames are the files the acquisition writes
	FileNames []string
}

// Counter is anything a scan asks to acquire data at each step
type Counter interface {
	// Name identifies the counter
	Name() string

	// Acquire begins recording nPulses worth of data into files derived from
	// fileName, which has no extension
	Acquire(ctx context.Context, fileName string, nPulses int) (*Acquisition, error)
}

// Checker decides whether the data of a step is good, e.g. whether the beam
// was present during it
type Checker interface {
	Check(ctx context.Context) (bool, error)
}

// Clearer is a checker which is reset before each acquisition
type Clearer interface {
	Clear(ctx context.Context) error
}

// WaitAll waits for every acquisition and returns the union of their files
func WaitAll(ctx context.Context, acqs []*Acquisition) ([]string, error) {
	var (
		files []string
		errs  []error
	)
	for _, a := range acqs {
		if err := a.Wait(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, a.FileNames...)
	}
	return files, errors.Join(errs...)
}
