package daq

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/beamline/acquisition"
	"github.com/nasa-jpl/beamline/task"
)

// integration states reported by the DIA
const (
	IntegrationInitialized = "IntegrationStatus.INITIALIZED"
	IntegrationConfigured  = "IntegrationStatus.CONFIGURED"
	IntegrationRunning     = "IntegrationStatus.RUNNING"
	IntegrationFinished    = "IntegrationStatus.FINISHED"
	IntegrationError       = "IntegrationStatus.ERROR"
)

const diaPrefix = "/api/v1"

// DIAReply is the body of every DIA response.  State is "ok" for success
type DIAReply struct {
	State   string                 `json:"state"`
	Status  string                 `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (r DIAReply) err() error {
	if r.State == "ok" {
		return nil
	}
	return errors.Wrapf(ErrRejected, "dia state %q: %s", r.State, r.Status)
}

// DIAConfig is the configuration of the three parts of an integration
type DIAConfig struct {
	Writer   map[string]interface{} `json:"writer"`
	Backend  map[string]interface{} `json:"backend"`
	Detector map[string]interface{} `json:"detector"`
}

// DIA is a client to the detector integration API
type DIA struct {
	client
}

// NewDIA returns a DIA client for the service at url
func NewDIA(url string, logger *slog.Logger) *DIA {
	return &DIA{client: newClient(url, logger)}
}

func (d *DIA) call(ctx context.Context, method, path string, body interface{}) (DIAReply, error) {
	var r DIAReply
	if err := d.do(ctx, method, diaPrefix+path, body, &r); err != nil {
		return r, err
	}
	return r, r.err()
}

// State returns the integration status, e.g. IntegrationRunning
func (d *DIA) State(ctx context.Context) (string, error) {
	r, err := d.call(ctx, http.MethodGet, "/state", nil)
	return r.Status, err
}

// Status returns the integration status and the per-component details
func (d *DIA) Status(ctx context.Context) (DIAReply, error) {
	return d.call(ctx, http.MethodGet, "/status", nil)
}

// Configure sends a configuration
func (d *DIA) Configure(ctx context.Context, cfg DIAConfig) error {
	_, err := d.call(ctx, http.MethodPost, "/configure", cfg)
	return err
}

// Start starts the integration
func (d *DIA) Start(ctx context.Context) error {
	_, err := d.call(ctx, http.MethodPost, "/start", nil)
	return err
}

// Stop stops the integration
func (d *DIA) Stop(ctx context.Context) error {
	_, err := d.call(ctx, http.MethodPost, "/stop", nil)
	return err
}

// Reset returns the integration to the initialized state
func (d *DIA) Reset(ctx context.Context) error {
	_, err := d.call(ctx, http.MethodPost, "/reset", nil)
	return err
}

// DIACounter records with a detector run through the DIA.  Writer, Backend
// and Detector are merged into the configuration of every acquisition
type DIACounter struct {
	name string
	DIA  *DIA
	Base DIAConfig

	// Poll is the minimum period between status reads
	Poll time.Duration
}

// NewDIACounter returns a counter for the detector behind dia
func NewDIACounter(name string, dia *DIA, base DIAConfig) *DIACounter {
	return &DIACounter{name: name, DIA: dia, Base: base, Poll: DefaultPollRate}
}

// Name returns the name
func (c *DIACounter) Name() string { return c.name }

func merge(base map[string]interface{}, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Config returns the configuration for an acquisition of nPulses frames
// into fileName
func (c *DIACounter) Config(fileName string, nPulses int) DIAConfig {
	return DIAConfig{
		Writer:   merge(c.Base.Writer, map[string]interface{}{"output_file": fileName + ".h5", "n_frames": nPulses}),
		Backend:  merge(c.Base.Backend, map[string]interface{}{"n_frames": nPulses}),
		Detector: merge(c.Base.Detector, map[string]interface{}{"frames": nPulses}),
	}
}

// Acquire resets and configures the DIA, starts it, and waits in the
// background for the integration to finish
func (c *DIACounter) Acquire(ctx context.Context, fileName string, nPulses int) (*acquisition.Acquisition, error) {
	if err := c.DIA.Reset(ctx); err != nil {
		return nil, err
	}
	if err := c.DIA.Configure(ctx, c.Config(fileName, nPulses)); err != nil {
		return nil, err
	}
	if err := c.DIA.Start(ctx); err != nil {
		return nil, err
	}
	poll := c.Poll
	if poll <= 0 {
		poll = DefaultPollRate
	}
	run := func(ctx context.Context) error {
		lim := rate.NewLimiter(rate.Every(poll), 1)
		for {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
			st, err := c.DIA.State(ctx)
			if err != nil {
				return err
			}
			switch st {
			case IntegrationFinished:
				return c.DIA.Reset(ctx)
			case IntegrationError:
				r, serr := c.DIA.Status(ctx)
				if serr != nil {
					return errors.Wrapf(ErrIntegration, "%s: status unavailable: %v", c.name, serr)
				}
				return errors.Wrapf(ErrIntegration, "%s: %v", c.name, r.Details)
			}
		}
	}
	stop := func() error {
		return c.DIA.Stop(context.Background())
	}
	return &acquisition.Acquisition{
		Task:      task.Start(ctx, run, stop),
		Counter:   c.name,
		FileNames: []string{fileName + ".h5"},
	}, nil
}
