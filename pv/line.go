package pv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/beamline/comm"
)

// LineProvider reaches PVs through an ASCII line gateway over TCP or serial.
//
// requests are single lines:
//	GET <name>
//	PUT <name> <value>
// and replies are
//	OK [value]
//	ERR <message>
type LineProvider struct {
	pool *comm.Pool
}

// NewLineProvider returns a provider talking to the gateway at addr, keeping
// up to conns connections open
func NewLineProvider(addr string, serial bool, conns int) *LineProvider {
	if serial {
		conns = 1
	}
	maker := func() (io.ReadWriteCloser, error) {
		rd := comm.NewRemoteDevice(addr, serial)
		return rd, rd.Open()
	}
	return &LineProvider{pool: comm.NewPool(conns, 30*time.Second, maker)}
}

// Close releases the connections
func (p *LineProvider) Close() {
	p.pool.Close()
}

// Channel satisfies Provider
func (p *LineProvider) Channel(name string) Channel {
	return &LineChannel{p: p, name: name}
}

func (p *LineProvider) exchange(ctx context.Context, req string) (string, error) {
	conn, err := p.pool.Get(ctx)
	if err != nil {
		return "", err
	}
	resp, err := conn.(*comm.RemoteDevice).SendRecv([]byte(req))
	if err != nil {
		p.pool.Destroy(conn)
		return "", err
	}
	p.pool.Put(conn)
	line := string(resp)
	switch {
	case line == "OK":
		return "", nil
	case strings.HasPrefix(line, "OK "):
		return line[3:], nil
	case strings.HasPrefix(line, "ERR "):
		msg := line[4:]
		if strings.Contains(strings.ToLower(msg), "not found") {
			return "", fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return "", errors.New(msg)
	}
	return "", fmt.Errorf("malformed gateway reply %q", line)
}

// LineChannel is a channel reached through a LineProvider
type LineChannel struct {
	p    *LineProvider
	name string
}

// Name returns the PV name
func (c *LineChannel) Name() string {
	return c.name
}

// Get reads the value as a float
func (c *LineChannel) Get(ctx context.Context) (float64, error) {
	s, err := c.GetString(ctx)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s = %q", ErrNotNumeric, c.name, s)
	}
	return f, nil
}

// Put writes a float value
func (c *LineChannel) Put(ctx context.Context, v float64) error {
	return c.PutString(ctx, strconv.FormatFloat(v, 'g', -1, 64))
}

// GetString reads the value as a string
func (c *LineChannel) GetString(ctx context.Context) (string, error) {
	return c.p.exchange(ctx, "GET "+c.name)
}

// PutString writes a string value
func (c *LineChannel) PutString(ctx context.Context, s string) error {
	_, err := c.p.exchange(ctx, "PUT "+c.name+" "+s)
	return err
}
