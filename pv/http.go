package pv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// HTTPProvider reaches PVs through an HTTP gateway serving
// GET/POST {URL}/pv/{name} with {"f64": x} or {"str": s} bodies.
// ?as=str selects the string form on GET
type HTTPProvider struct {
	// URL is the gateway root, e.g. http://gateway:8000
	URL string

	// Client is used for requests; http.DefaultClient if nil
	Client *http.Client
}

// NewHTTPProvider returns a provider for the gateway at root
func NewHTTPProvider(root string) *HTTPProvider {
	return &HTTPProvider{URL: strings.TrimSuffix(root, "/"), Client: &http.Client{Timeout: 5 * time.Second}}
}

// Channel satisfies Provider
func (p *HTTPProvider) Channel(name string) Channel {
	return &HTTPChannel{p: p, name: name}
}

// HTTPChannel is a channel reached through an HTTPProvider
type HTTPChannel struct {
	p    *HTTPProvider
	name string
}

// Name returns the PV name
func (c *HTTPChannel) Name() string {
	return c.name
}

func (c *HTTPChannel) url(asStr bool) string {
	u := c.p.URL + "/pv/" + url.PathEscape(c.name)
	if asStr {
		u += "?as=str"
	}
	return u
}

func (c *HTTPChannel) client() *http.Client {
	if c.p.Client == nil {
		return http.DefaultClient
	}
	return c.p.Client
}

func (c *HTTPChannel) do(ctx context.Context, method, u string, body interface{}, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return err
		}
		rdr = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, c.name)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway %s %s: %s: %s", method, c.name, resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Get reads the value as a float
func (c *HTTPChannel) Get(ctx context.Context) (float64, error) {
	f := struct {
		F64 float64 `json:"f64"`
	}{}
	err := c.do(ctx, http.MethodGet, c.url(false), nil, &f)
	return f.F64, err
}

// Put writes a float value
func (c *HTTPChannel) Put(ctx context.Context, v float64) error {
	body := struct {
		F64 float64 `json:"f64"`
	}{v}
	return c.do(ctx, http.MethodPost, c.url(false), body, nil)
}

// GetString reads the value as a string
func (c *HTTPChannel) GetString(ctx context.Context) (string, error) {
	s := struct {
		Str string `json:"str"`
	}{}
	err := c.do(ctx, http.MethodGet, c.url(true), nil, &s)
	return s.Str, err
}

// PutString writes a string value
func (c *HTTPChannel) PutString(ctx context.Context, s string) error {
	body := struct {
		Str string `json:"str"`
	}{s}
	return c.do(ctx, http.MethodPost, c.url(true), body, nil)
}

// Monitor opens the gateway's websocket for the channel and relays its
// updates.  The returned channel is closed when ctx is done or the gateway
// hangs up
func (c *HTTPChannel) Monitor(ctx context.Context) (<-chan Update, error) {
	u := c.url(false) + "/monitor"
	if strings.HasPrefix(u, "http") {
		u = "ws" + strings.TrimPrefix(u, "http")
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, c.name)
		}
		return nil, err
	}
	out := make(chan Update)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer close(done)
		for {
			var up Update
			if err := conn.ReadJSON(&up); err != nil {
				return
			}
			select {
			case out <- up:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
