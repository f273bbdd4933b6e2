package daq

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/flosch/pongo2/v5"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/beamline/acquisition"
	"github.com/nasa-jpl/beamline/pv"
	"github.com/nasa-jpl/beamline/task"
)

// DefaultDirTemplate places each run in its own folder
const DefaultDirTemplate = `run{{ run|stringformat:"%04d" }}-{{ name }}`

// DefaultPollRate is how often the pulse ID is read while waiting
const DefaultPollRate = 20 * time.Millisecond

// file suffixes the broker writes for each kind of source
const (
	suffixChannels = "BSDATA"
	suffixCameras  = "CAMERAS"
	suffixPVs      = "PVCHANNELS"
)

// Daq is a counter which records through the DAQ broker: it notes the pulse
// ID at the start, waits for the requested number of pulses to pass, then asks
// the broker to retrieve that range from its buffers
type Daq struct {
	name   string
	Broker *Broker
	PGroup string

	// PulseID is the channel carrying the current accelerator pulse ID
	PulseID pv.Channel

	Channels  []string
	Cameras   []string
	PVs       []string
	Detectors map[string]interface{}

	// Poll is the minimum period between pulse ID reads
	Poll time.Duration

	Logger *slog.Logger

	tpl *pongo2.Template
}

// NewDaq returns a DAQ counter.  dirTemplate is a pongo2 template for the
// run directory with the variables pgroup, run and name; empty uses
// DefaultDirTemplate
func NewDaq(name string, b *Broker, pgroup string, pulseID pv.Channel, dirTemplate string, logger *slog.Logger) (*Daq, error) {
	if dirTemplate == "" {
		dirTemplate = DefaultDirTemplate
	}
	tpl, err := pongo2.FromString(dirTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "parsing directory template")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daq{
		name:    name,
		Broker:  b,
		PGroup:  pgroup,
		PulseID: pulseID,
		Poll:    DefaultPollRate,
		Logger:  logger,
		tpl:     tpl,
	}, nil
}

// Name returns the name
func (d *Daq) Name() string { return d.name }

// Directory renders the run directory for a run number and file name stem
func (d *Daq) Directory(run int, name string) (string, error) {
	out, err := d.tpl.Execute(pongo2.Context{"pgroup": d.PGroup, "run": run, "name": name})
	if err != nil {
		return "", errors.Wrap(err, "rendering directory template")
	}
	return out, nil
}

// FileNames lists the files the broker will write for a run
func (d *Daq) FileNames(dir string, run int) []string {
	var out []string
	stem := fmt.Sprintf("run%04d", run)
	add := func(suffix string) {
		out = append(out, path.Join(dir, stem+"."+suffix+".h5"))
	}
	if len(d.Channels) > 0 {
		add(suffixChannels)
	}
	if len(d.Cameras) > 0 {
		add(suffixCameras)
	}
	if len(d.PVs) > 0 {
		add(suffixPVs)
	}
	dets := make([]string, 0, len(d.Detectors))
	for det := range d.Detectors {
		dets = append(dets, det)
	}
	sort.Strings(dets)
	for _, det := range dets {
		add(det)
	}
	return out
}

func (d *Daq) readPulseID(ctx context.Context) (int64, error) {
	v, err := d.PulseID.Get(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "reading pulse id")
	}
	return int64(v), nil
}

// Acquire reserves a run number, then records nPulses pulses in the
// background.  fileName's base names the run directory
func (d *Daq) Acquire(ctx context.Context, fileName string, nPulses int) (*acquisition.Acquisition, error) {
	run, err := d.Broker.NextRunNumber(ctx, d.PGroup)
	if err != nil {
		return nil, err
	}
	dir, err := d.Directory(run, filepath.Base(fileName))
	if err != nil {
		return nil, err
	}
	start, err := d.readPulseID(ctx)
	if err != nil {
		return nil, err
	}
	logger := d.Logger.With("counter", d.name, "run", run)
	logger.Debug("acquisition started", "start_pulseid", start, "pulses", nPulses)

	runFn := func(ctx context.Context) error {
		target := start + int64(nPulses)
		lim := rate.NewLimiter(rate.Every(d.poll()), 1)
		var stop int64
		for {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
			now, err := d.readPulseID(ctx)
			if err != nil {
				return err
			}
			if now >= target {
				stop = now
				break
			}
		}
		logger.Debug("pulses elapsed", "stop_pulseid", stop)
		_, err := d.Broker.Retrieve(ctx, Request{
			PGroup:       d.PGroup,
			RunNumber:    run,
			StartPulseID: start,
			StopPulseID:  stop,
			Directory:    dir,
			Channels:     d.Channels,
			Cameras:      d.Cameras,
			PVs:          d.PVs,
			Detectors:    d.Detectors,
		})
		return err
	}
	return &acquisition.Acquisition{
		Task:      task.Start(ctx, runFn, nil),
		Counter:   d.name,
		FileNames: d.FileNames(dir, run),
	}, nil
}

func (d *Daq) poll() time.Duration {
	if d.Poll <= 0 {
		return DefaultPollRate
	}
	return d.Poll
}
