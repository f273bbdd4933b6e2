package scanhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Summary is the part of a scan listing common to live scans and run log
// records
type Summary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Client talks to a Server
type Client struct {
	URL  string
	HTTP *http.Client
}

// NewClient returns a client for the server at root
func NewClient(root string) *Client {
	return &Client{URL: strings.TrimSuffix(root, "/"), HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Submit starts a scan
func (c *Client) Submit(ctx context.Context, req Request) (StatusT, error) {
	var st StatusT
	err := c.do(ctx, http.MethodPost, "/scans", req, &st)
	return st, err
}

// Status returns the state of a scan
func (c *Client) Status(ctx context.Context, id string) (StatusT, error) {
	var st StatusT
	err := c.do(ctx, http.MethodGet, "/scans/"+url.PathEscape(id), nil, &st)
	return st, err
}

// Stop stops a scan
func (c *Client) Stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/scans/"+url.PathEscape(id)+"/stop", nil, nil)
}

// List returns up to limit scans, newest first
func (c *Client) List(ctx context.Context, limit int) ([]Summary, error) {
	var out []Summary
	err := c.do(ctx, http.MethodGet, "/scans?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}
