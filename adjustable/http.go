package adjustable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nasa-jpl/beamline/generichttp"
	"github.com/nasa-jpl/beamline/task"
)

// HTTPClient is an adjustable served by another process over the /adj/{name}
// routes
type HTTPClient struct {
	name string

	// URL is the root of the server, e.g. http://host:8000
	URL string

	// Client is used for requests, http.DefaultClient if nil
	Client *http.Client
}

// NewHTTPClient returns a client to the adjustable name served at root
func NewHTTPClient(root, name string) *HTTPClient {
	return &HTTPClient{name: name, URL: strings.TrimSuffix(root, "/")}
}

// Name returns the name
func (h *HTTPClient) Name() string {
	return h.name
}

func (h *HTTPClient) endpoint(leaf string) string {
	return h.URL + "/adj/" + url.PathEscape(h.name) + "/" + leaf
}

func (h *HTTPClient) do(ctx context.Context, method, u string, body interface{}, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c := h.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, u, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Get reads the remote position
func (h *HTTPClient) Get(ctx context.Context) (float64, error) {
	f := generichttp.FloatT{}
	err := h.do(ctx, http.MethodGet, h.endpoint("pos"), nil, &f)
	return f.F64, err
}

// Set asks the server to move and wait.  Stopping the task asks the server to
// stop the adjustable
func (h *HTTPClient) Set(ctx context.Context, v float64) *task.Task {
	run := func(ctx context.Context) error {
		return h.do(ctx, http.MethodPost, h.endpoint("pos")+"?wait=true", generichttp.FloatT{F64: v}, nil)
	}
	return task.Start(ctx, run, func() error { return h.Stop(context.Background()) })
}

// Stop asks the server to stop the adjustable
func (h *HTTPClient) Stop(ctx context.Context) error {
	return h.do(ctx, http.MethodPost, h.endpoint("stop"), nil, nil)
}
