package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Frame kinds.
const (
	frameData       byte = 0x00
	frameDisconnect byte = 0x01
)

const (
	frameHeaderSize = 5

	DefaultQueueSize    = 256
	DefaultWriteTimeout = 5 * time.Second
	DefaultMaxFrameSize = 32 << 20
)

// Reasons reported when the link goes down without an explicit message.
const (
	ReasonRemoteClosed = "connection closed by remote"
	ReasonLocalClosed  = "connection closed"
)

// Option configures a Conn.
type Option func(*Conn)

// WithQueueSize sets how many received datagrams are buffered before the
// read pump applies backpressure.
func WithQueueSize(n int) Option {
	return func(c *Conn) { c.queueSize = n }
}

// WithWriteTimeout bounds every write on the socket.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

// WithMaxFrameSize rejects inbound frames larger than n.
func WithMaxFrameSize(n int) Option {
	return func(c *Conn) { c.maxFrame = n }
}

// Conn is a Link over a stream connection. Each datagram travels as
// [u32 LE length][kind][payload], where length counts kind and payload.
type Conn struct {
	nc net.Conn

	queueSize    int
	writeTimeout time.Duration
	maxFrame     int

	incoming chan []byte
	done     chan struct{}

	writeMu sync.Mutex

	connected atomic.Bool
	reason    atomic.Pointer[string]
	closeOnce sync.Once
}

// NewConn wraps nc and starts its read pump.
func NewConn(nc net.Conn, opts ...Option) *Conn {
	c := &Conn{
		nc:           nc,
		queueSize:    DefaultQueueSize,
		writeTimeout: DefaultWriteTimeout,
		maxFrame:     DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.incoming = make(chan []byte, c.queueSize)
	c.done = make(chan struct{})
	c.connected.Store(true)

	go c.readPump()
	return c
}

func (c *Conn) readPump() {
	defer close(c.incoming)

	br := bufio.NewReader(c.nc)
	var header [frameHeaderSize]byte

	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			c.shutdown(readErrorReason(err))
			return
		}

		size := int(binary.LittleEndian.Uint32(header[:4])) - 1
		if size < 0 || size > c.maxFrame {
			c.shutdown(fmt.Sprintf("invalid frame size %d", size))
			return
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			c.shutdown(readErrorReason(err))
			return
		}

		switch header[4] {
		case frameData:
			select {
			case c.incoming <- payload:
			case <-c.done:
				return
			}
		case frameDisconnect:
			reason := string(payload)
			if reason == "" {
				reason = ReasonRemoteClosed
			}
			c.shutdown(reason)
			return
		default:
			c.shutdown(fmt.Sprintf("unknown frame kind 0x%02X", header[4]))
			return
		}
	}
}

func readErrorReason(err error) string {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ReasonRemoteClosed
	}
	return err.Error()
}

// Send writes one data frame.
func (c *Conn) Send(datagram []byte) error {
	if !c.connected.Load() {
		return ErrClosed
	}
	if err := c.writeFrame(frameData, datagram); err != nil {
		c.shutdown(err.Error())
		return fmt.Errorf("sending datagram: %w", err)
	}
	return nil
}

func (c *Conn) writeFrame(kind byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(payload)+1))
	buf[4] = kind
	copy(buf[frameHeaderSize:], payload)

	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.nc.Write(buf)
	return err
}

// Receive returns a pending datagram, if any.
func (c *Conn) Receive() ([]byte, bool) {
	select {
	case d, ok := <-c.incoming:
		return d, ok
	default:
		return nil, false
	}
}

// Disconnect sends reason to the peer and closes the socket.
func (c *Conn) Disconnect(reason string) {
	if reason == "" {
		reason = ReasonLocalClosed
	}
	c.closeOnce.Do(func() {
		if c.connected.Load() {
			_ = c.writeFrame(frameDisconnect, []byte(reason))
		}
		c.markDown(reason)
		_ = c.nc.Close()
	})
}

// shutdown closes the link after a remote or I/O event.
func (c *Conn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.markDown(reason)
		_ = c.nc.Close()
	})
}

func (c *Conn) markDown(reason string) {
	c.reason.CompareAndSwap(nil, &reason)
	c.connected.Store(false)
	close(c.done)
}

// Connected reports whether the link is up.
func (c *Conn) Connected() bool {
	return c.connected.Load()
}

// DisconnectReason returns why the link went down.
func (c *Conn) DisconnectReason() string {
	if r := c.reason.Load(); r != nil {
		return *r
	}
	return ""
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// TCPListener accepts framed TCP links.
type TCPListener struct {
	ln   net.Listener
	opts []Option
}

// Listen opens a TCP listener on addr.
func Listen(addr string, opts ...Option) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return NewListener(ln, opts...), nil
}

// NewListener wraps an existing net.Listener.
func NewListener(ln net.Listener, opts ...Option) *TCPListener {
	return &TCPListener{ln: ln, opts: opts}
}

func (l *TCPListener) Accept() (Link, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(nc, l.opts...), nil
}

func (l *TCPListener) Close() error   { return l.ln.Close() }
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// TCPDialer dials framed TCP links.
type TCPDialer struct {
	Timeout time.Duration
	Options []Option
}

func (d TCPDialer) Dial(ctx context.Context, addr string) (Link, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	nc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return NewConn(nc, d.Options...), nil
}
