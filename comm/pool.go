package comm

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Get after Close
var ErrPoolClosed = errors.New("pool closed")

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool is a communication pool which holds one or more connections to a
// remote that will be closed if they are idle, and re-opened as needed.
// It is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	timeout time.Duration           // idle time after which pooled connections are closed
	conns   chan io.ReadWriteCloser // idle connections
	slots   chan struct{}           // one token per connection in existence or being made
	maker   CreationFunc

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewPool returns a pool of at most maxSize connections, closing idle ones after timeout
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		slots:   make(chan struct{}, maxSize),
		maker:   maker,
	}
}

// Get retrieves a connection, blocking until one is available if all are in
// use or ctx is done.  When done with it, return it with Put(), or discard it
// with Destroy() if it has gone bad.
//
// If the error from Get is not nil, you must not return anything to the pool.
func (p *Pool) Get(ctx context.Context) (io.ReadWriteCloser, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	select {
	case c := <-p.conns:
		return c, nil
	default:
	}
	select {
	case c := <-p.conns:
		return c, nil
	case p.slots <- struct{}{}:
		c, err := p.maker()
		if err != nil {
			<-p.slots
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put restores a connection to the pool.  It may be reused, or will be
// automatically freed after the idle timeout elapses with every connection
// returned.
func (p *Pool) Put(rwc io.ReadWriteCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		rwc.Close()
		<-p.slots
		return
	}
	p.conns <- rwc
	if len(p.conns) == len(p.slots) && p.timeout > 0 {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
	}
}

// Destroy immediately frees a connection from the pool.  This should be used
// instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rwc io.ReadWriteCloser) {
	rwc.Close()
	<-p.slots
}

// reclaim closes every idle connection
func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drain()
}

func (p *Pool) drain() {
	for {
		select {
		case c := <-p.conns:
			c.Close()
			<-p.slots
		default:
			return
		}
	}
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	return len(p.slots)
}

// Idle returns the number of connections waiting in the pool
func (p *Pool) Idle() int {
	return len(p.conns)
}

// Close closes idle connections and makes future Gets fail.  Connections
// given out are closed when they are Put back
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.drain()
}
