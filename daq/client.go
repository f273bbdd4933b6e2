// Package daq talks to the facility data-acquisition services: the DAQ
// broker, which writes buffered beam-synchronous data to files for a range
// of pulse IDs, and the detector integration API (DIA) which runs large
// detectors.  Both are wrapped as acquisition counters.
package daq

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

var (
	// ErrRejected is returned when a service replies, but not with success
	ErrRejected = errors.New("request rejected by service")

	// ErrIntegration is returned when the DIA reports an error state
	ErrIntegration = errors.New("detector integration failed")
)

// DefaultMaxElapsed bounds the retries of a single request
const DefaultMaxElapsed = 10 * time.Second

// client is the HTTP plumbing shared by the broker and DIA clients.  Requests
// that fail in transport or with a 5xx status are retried with an exponential
// backoff; anything else is final
type client struct {
	url        string
	http       *http.Client
	maxElapsed time.Duration
	logger     *slog.Logger
}

func newClient(url string, logger *slog.Logger) client {
	if logger == nil {
		logger = slog.Default()
	}
	return client{
		url:        strings.TrimSuffix(url, "/"),
		http:       &http.Client{Timeout: 10 * time.Second},
		maxElapsed: DefaultMaxElapsed,
		logger:     logger,
	}
}

// SetMaxElapsed bounds the total time spent retrying one request
func (c *client) SetMaxElapsed(d time.Duration) {
	c.maxElapsed = d
}

func (c client) policy(ctx context.Context) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2.,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      c.maxElapsed,
		Clock:               backoff.SystemClock}
	return backoff.WithContext(b, ctx)
}

// do sends body (if not nil) as JSON and decodes the reply into out
func (c client) do(ctx context.Context, method, path string, body, out interface{}) error {
	u := c.url + path
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "encoding request to %s", u)
		}
	}
	attempt := 0
	op := func() error {
		attempt++
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rdr)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("request failed, retrying", "url", u, "attempt", attempt, "err", err)
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			msg, _ := io.ReadAll(resp.Body)
			c.logger.Warn("server error, retrying", "url", u, "attempt", attempt, "status", resp.Status)
			return errors.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
		}
		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(errors.Wrapf(ErrRejected, "%s: %s", resp.Status, strings.TrimSpace(string(msg))))
		}
		if out == nil {
			return nil
		}
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(errors.Wrap(err, "decoding reply"))
		}
		return nil
	}
	err := backoff.Retry(op, c.policy(ctx))
	return errors.Wrapf(err, "%s %s", method, u)
}
