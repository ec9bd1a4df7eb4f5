package testutil

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/udisondev/bedrockproxy/internal/transport"
)

// PipeConn creates a pair of net.Conn over net.Pipe.
// Both ends are closed when the test ends.
func PipeConn(t testing.TB) (client, server net.Conn) {
	t.Helper()

	server, client = net.Pipe()

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	return client, server
}

// PipeLinks returns two framed links connected back to back.
func PipeLinks(t testing.TB, opts ...transport.Option) (a, b *transport.Conn) {
	t.Helper()

	ca, cb := PipeConn(t)
	a, b = transport.NewConn(ca, opts...), transport.NewConn(cb, opts...)

	t.Cleanup(func() {
		a.Disconnect("")
		b.Disconnect("")
	})

	return a, b
}

// ListenTCP starts a framed TCP listener on a random port.
// It returns the listener and its "host:port" address.
func ListenTCP(t testing.TB, opts ...transport.Option) (*transport.TCPListener, string) {
	t.Helper()

	ln, err := transport.Listen("127.0.0.1:0", opts...)
	if err != nil {
		t.Fatalf("failed to create TCP listener: %v", err)
	}

	t.Cleanup(func() {
		_ = ln.Close()
	})

	return ln, ln.Addr().String()
}

// PipeDialer is a transport.Dialer handing the far end of every dialed pipe
// to the test through Accept.
type PipeDialer struct {
	mu    sync.Mutex
	fails int
	dials int
	far   chan *transport.Conn
}

// NewPipeDialer returns a dialer whose first failures dials return an error.
func NewPipeDialer(t testing.TB, failures int) *PipeDialer {
	t.Helper()

	d := &PipeDialer{fails: failures, far: make(chan *transport.Conn, 8)}
	t.Cleanup(func() {
		for {
			select {
			case c := <-d.far:
				c.Disconnect("")
			default:
				return
			}
		}
	})
	return d
}

// Dial implements transport.Dialer.
func (d *PipeDialer) Dial(ctx context.Context, addr string) (transport.Link, error) {
	d.mu.Lock()
	d.dials++
	failing := d.dials <= d.fails
	d.mu.Unlock()

	if failing {
		return nil, fmt.Errorf("dial %s: %w", addr, syscall.ECONNREFUSED)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	near, far := net.Pipe()
	d.far <- transport.NewConn(far)
	return transport.NewConn(near), nil
}

// Dials returns how many times Dial was called.
func (d *PipeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Accept waits for the far end of the next successful dial.
func (d *PipeDialer) Accept(t testing.TB, timeout time.Duration) *transport.Conn {
	t.Helper()

	select {
	case c := <-d.far:
		t.Cleanup(func() { c.Disconnect("") })
		return c
	case <-time.After(timeout):
		t.Fatalf("no backend dial within %v", timeout)
		return nil
	}
}
