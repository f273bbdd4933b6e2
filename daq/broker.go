package daq

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// status values of broker replies
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Reply is the body of every broker response
type Reply struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	RunNumber int    `json:"run_number"`
}

func (r Reply) err() error {
	if r.Status == StatusOK {
		return nil
	}
	return errors.Wrapf(ErrRejected, "broker status %q: %s", r.Status, r.Message)
}

// Request asks the broker to write the buffered data between two pulse IDs
type Request struct {
	PGroup       string                 `json:"pgroup"`
	RunNumber    int                    `json:"run_number,omitempty"`
	StartPulseID int64                  `json:"start_pulseid"`
	StopPulseID  int64                  `json:"stop_pulseid"`
	Directory    string                 `json:"directory_name,omitempty"`
	Channels     []string               `json:"channels_list,omitempty"`
	Cameras      []string               `json:"camera_list,omitempty"`
	PVs          []string               `json:"pv_list,omitempty"`
	Detectors    map[string]interface{} `json:"detectors,omitempty"`
}

// Broker is a client to the DAQ broker
type Broker struct {
	client
}

// NewBroker returns a broker client for the service at url
func NewBroker(url string, logger *slog.Logger) *Broker {
	return &Broker{client: newClient(url, logger)}
}

// NextRunNumber reserves the next run number for the p-group
func (b *Broker) NextRunNumber(ctx context.Context, pgroup string) (int, error) {
	var r Reply
	err := b.do(ctx, http.MethodGet, "/get_next_run_number?pgroup="+url.QueryEscape(pgroup), nil, &r)
	if err != nil {
		return 0, err
	}
	if err = r.err(); err != nil {
		return 0, err
	}
	return r.RunNumber, nil
}

// Retrieve asks the broker to write the data described by req, returning the
// run number it was written under
func (b *Broker) Retrieve(ctx context.Context, req Request) (int, error) {
	if req.StopPulseID < req.StartPulseID {
		return 0, errors.Errorf("stop pulse id %d before start %d", req.StopPulseID, req.StartPulseID)
	}
	var r Reply
	err := b.do(ctx, http.MethodPost, "/retrieve_from_buffers", req, &r)
	if err != nil {
		return 0, err
	}
	if err = r.err(); err != nil {
		return 0, err
	}
	b.logger.Info("data retrieved", "pgroup", req.PGroup, "run", r.RunNumber,
		"start_pulseid", req.StartPulseID, "stop_pulseid", req.StopPulseID)
	return r.RunNumber, nil
}
