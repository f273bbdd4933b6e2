/*Package comm provides connections to line-oriented remote services, over
TCP or RS232, and a pool that keeps a bounded number of them open.

Most usages of this package will boil down to:
	1.  create a RemoteDevice with the address of the remote.
	2.  Open it; opening retries with an exponential backoff.
	3.  SendRecv request lines and parse the reply lines.

or, for concurrent callers, a Pool whose CreationFunc opens RemoteDevices.

	rd := comm.NewRemoteDevice("gateway:5064", false)
	if err := rd.Open(); err != nil {
		return err
	}
	defer rd.Close()
	resp, err := rd.SendRecv([]byte("GET SAR-EXP:MOT_X.RBV"))
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const (
	// DefaultTerminator ends every line in both directions unless overridden
	DefaultTerminator = byte('\n')

	// DefaultTimeout bounds connect, read and write
	DefaultTimeout = 3 * time.Second

	// DefaultBaud is used for serial connections with no Baud set
	DefaultBaud = 9600
)

var (
	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

/*RemoteDevice has an address and a connection to it.

the device is concurrent-safe; SendRecv holds a lock for the whole exchange
so replies cannot be interleaved
*/
type RemoteDevice struct {
	// Addr is host:port for TCP, or a device path such as /dev/ttyUSB0 for serial
	Addr string

	// IsSerial selects RS232 instead of TCP
	IsSerial bool

	// Baud is the serial baud rate
	Baud int

	// Timeout bounds each read and write
	Timeout time.Duration

	// Terminator ends transmitted and received lines
	Terminator byte

	// Conn is the open connection, nil when closed
	Conn io.ReadWriteCloser

	mu     sync.Mutex
	reader *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance with default terminator and timeout
func NewRemoteDevice(addr string, serial bool) *RemoteDevice {
	return &RemoteDevice{
		Addr:       addr,
		IsSerial:   serial,
		Baud:       DefaultBaud,
		Timeout:    DefaultTimeout,
		Terminator: DefaultTerminator}
}

// SerialConf yields a serial config object for use with serial.OpenPort
func (rd *RemoteDevice) SerialConf() *serial.Config {
	baud := rd.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	return &serial.Config{Name: rd.Addr, Baud: baud, ReadTimeout: rd.timeout()}
}

func (rd *RemoteDevice) timeout() time.Duration {
	if rd.Timeout == 0 {
		return DefaultTimeout
	}
	return rd.Timeout
}

func (rd *RemoteDevice) terminator() byte {
	if rd.Terminator == 0 {
		return DefaultTerminator
	}
	return rd.Terminator
}

// Open the connection, setting the Conn variable.  Refused connections
// are retried with an exponential backoff for a few seconds
func (rd *RemoteDevice) Open() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.Conn != nil {
		return nil
	}
	op := func() error {
		err := rd.open()
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "refused") {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("opening connection to %s: %w", rd.Addr, err)
	}
	return nil
}

func (rd *RemoteDevice) open() error {
	var err error
	var conn io.ReadWriteCloser
	if rd.IsSerial {
		conn, err = serial.OpenPort(rd.SerialConf())
	} else {
		conn, err = net.DialTimeout("tcp", rd.Addr, rd.timeout())
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.reader = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.reader = nil
	return err
}

func (rd *RemoteDevice) deadline() {
	if con, ok := rd.Conn.(net.Conn); ok {
		con.SetDeadline(time.Now().Add(rd.timeout()))
	}
}

// Read implements io.Reader over the buffered connection
func (rd *RemoteDevice) Read(p []byte) (int, error) {
	if rd.Conn == nil {
		return 0, ErrNotConnected
	}
	rd.deadline()
	return rd.reader.Read(p)
}

// Write implements io.Writer
func (rd *RemoteDevice) Write(p []byte) (int, error) {
	if rd.Conn == nil {
		return 0, ErrNotConnected
	}
	rd.deadline()
	return rd.Conn.Write(p)
}

// Send writes data to the remote, appending the terminator
func (rd *RemoteDevice) Send(b []byte) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.send(b)
}

func (rd *RemoteDevice) send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, rd.terminator())
	rd.deadline()
	_, err := rd.Conn.Write(buf)
	return err
}

// Recv recieves a line from the remote and strips the terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.recv()
}

func (rd *RemoteDevice) recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	term := rd.terminator()
	rd.deadline()
	buf, err := rd.reader.ReadBytes(term)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return []byte{}, err
	}
	buf = bytes.TrimSuffix(buf, []byte{term})
	return bytes.TrimSuffix(buf, []byte{'\r'}), nil
}

// SendRecv sends a buffer after appending the terminator,
// then returns the response with the terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	err := rd.send(b)
	if err != nil {
		return []byte{}, err
	}
	return rd.recv()
}
