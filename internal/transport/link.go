// Package transport provides the datagram links the proxy relays between.
//
// The proxy core only depends on Link, Dialer and Listener. The framed TCP
// implementation in this package gives ordered reliable delivery of opaque
// datagrams and is what cmd/proxy and the tests use.
package transport

import (
	"context"
	"errors"
	"net"
)

// ErrClosed is returned by Send on a disconnected link.
var ErrClosed = errors.New("transport: link closed")

// Link is one established connection carrying opaque datagrams.
type Link interface {
	// Send queues one datagram for ordered delivery.
	Send(datagram []byte) error
	// Receive returns the next received datagram without blocking.
	// ok is false when nothing is pending.
	Receive() (datagram []byte, ok bool)
	// Disconnect closes the link, delivering reason to the peer when
	// possible. Only the first call has an effect.
	Disconnect(reason string)
	// Connected reports whether the link is still up.
	Connected() bool
	// DisconnectReason returns why the link went down, "" while connected.
	DisconnectReason() string
	RemoteAddr() net.Addr
}

// Dialer establishes outbound links.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Link, error)
}

// Listener accepts inbound links.
type Listener interface {
	// Accept blocks until a link arrives or the listener is closed, in
	// which case the error wraps net.ErrClosed.
	Accept() (Link, error)
	Close() error
	Addr() net.Addr
}
