package comm_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nasa-jpl/beamline/comm"
)

// lineEchoServer replies to every line with "ECHO <line>"
func lineEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted")
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					io.WriteString(c, "ECHO "+sc.Text()+"\n")
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestRemoteDeviceSendRecv(t *testing.T) {
	addr := lineEchoServer(t)
	rd := comm.NewRemoteDevice(addr, false)
	if err := rd.Open(); err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	for _, msg := range []string{"GET X", "PUT X 1.5"} {
		resp, err := rd.SendRecv([]byte(msg))
		if err != nil {
			t.Fatal(err)
		}
		if string(resp) != "ECHO "+msg {
			t.Errorf("expected echo of %q, got %q", msg, resp)
		}
	}
}

func TestRemoteDeviceNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:1", false)
	if _, err := rd.SendRecv([]byte("GET X")); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func maker(addr string) comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		rd := comm.NewRemoteDevice(addr, false)
		return rd, rd.Open()
	}
}

func TestPoolReusesConnections(t *testing.T) {
	addr := lineEchoServer(t)
	pool := comm.NewPool(3, time.Second, maker(addr))
	defer pool.Close()
	for i := 0; i < 5; i++ {
		conn, err := pool.Get(context.Background())
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
		pool.Put(conn)
	}
	if pool.Size() != 1 {
		t.Errorf("expected sequential use to need one connection, pool has %d", pool.Size())
	}
}

func TestPoolIdleConnectionsExpire(t *testing.T) {
	addr := lineEchoServer(t)
	pool := comm.NewPool(2, 10*time.Millisecond, maker(addr))
	defer pool.Close()
	conn, err := pool.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(conn)
	time.Sleep(100 * time.Millisecond)
	if pool.Size() != 0 {
		t.Errorf("expected idle connections to be reclaimed, pool has %d", pool.Size())
	}
}

func TestPoolMaintainsSize(t *testing.T) {
	addr := lineEchoServer(t)
	pool := comm.NewPool(2, time.Second, maker(addr))
	defer pool.Close()
	held := []io.ReadWriteCloser{}
	for i := 0; i < 2; i++ {
		c, err := pool.Get(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		held = append(held, c)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Get(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected the pool to refuse a third connection, got %v", err)
	}
	pool.Destroy(held[0])
	c, err := pool.Get(context.Background())
	if err != nil {
		t.Fatalf("expected a slot after destroy, got %v", err)
	}
	pool.Put(c)
	pool.Put(held[1])
}

func TestPoolClosed(t *testing.T) {
	pool := comm.NewPool(1, time.Second, func() (io.ReadWriteCloser, error) {
		return nil, io.EOF
	})
	pool.Close()
	if _, err := pool.Get(context.Background()); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("expected pool closed error, got %v", err)
	}
}
