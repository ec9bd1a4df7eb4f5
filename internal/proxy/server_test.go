package proxy

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/bedrockproxy/internal/protocol/packet"
	"github.com/udisondev/bedrockproxy/internal/testutil"
	"github.com/udisondev/bedrockproxy/internal/transport"
)

func TestServer_EndToEndTCP(t *testing.T) {
	backendLn, backendAddr := testutil.ListenTCP(t)
	host, port, err := net.SplitHostPort(backendAddr)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.TargetHost = host
	cfg.TargetPort, err = strconv.Atoi(port)
	require.NoError(t, err)

	authority := testutil.NewAuthority(t)
	sm := NewSessionManager(time.Millisecond)
	srv := NewServer(cfg, authority.Provider(t), WithSessionManager(sm))
	assert.Nil(t, srv.Addr())
	assert.Same(t, sm, srv.Sessions())

	proxyLn, proxyAddr := testutil.ListenTCP(t)
	ctx, cancel := testutil.ContextWithCancel(t)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, proxyLn) }()

	link, err := transport.TCPDialer{Timeout: time.Second}.Dial(testutil.ContextWithTimeout(t, wait), proxyAddr)
	require.NoError(t, err)
	player := testutil.NewPlayer(t, "Steve")
	client := testutil.NewClient(t, link, player)
	client.Send(player.Login(t, authority.Chain(t, player)))

	backendLink, err := backendLn.Accept()
	require.NoError(t, err)
	backend := testutil.NewBackend(t, backendLink)
	backend.AcceptLogin(wait)
	client.Handshake(wait)

	client.Send(&packet.Opaque{RawHeader: 0x4D, Body: []byte("over tcp")})
	assert.Equal(t, []byte("over tcp"), backend.Expect(wait, 0x4D).(*packet.Opaque).Body)

	backend.Send(&packet.PlayStatus{Status: packet.PlayStatusPlayerSpawn})
	assert.Equal(t, packet.PlayStatusPlayerSpawn, client.Expect(wait, packet.IDPlayStatus).(*packet.PlayStatus).Status)

	assert.Equal(t, proxyLn.Addr(), srv.Addr())
	assert.Equal(t, 1, srv.Sessions().Count())

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("Serve did not return")
	}

	assert.Equal(t, ReasonShutdown, client.WaitDisconnect(wait))
	assert.Equal(t, ReasonShutdown, backend.WaitDisconnect(wait))
}

// cancelledAfter reports cancellation once Err has been called n times.
type cancelledAfter struct {
	context.Context
	n     int32
	calls atomic.Int32
}

func (c *cancelledAfter) Err() error {
	if c.calls.Add(1) > c.n {
		return context.Canceled
	}
	return nil
}

func TestServer_AcceptAfterShutdown(t *testing.T) {
	tests := []struct {
		name string
		ctx  func() context.Context
	}{
		{
			name: "cancelled before accept",
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
		},
		{
			name: "cancelled while registering",
			ctx: func() context.Context {
				return &cancelledAfter{Context: context.Background(), n: 1}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(testConfig(), testutil.NewAuthority(t).Provider(t),
				WithDialer(testutil.NewPipeDialer(t, 0)))

			near, far := testutil.PipeLinks(t)
			client := testutil.NewEndpoint(t, near)
			require.NoError(t, srv.accept(tt.ctx(), far))

			assert.Equal(t, ReasonShutdown, client.WaitDisconnect(wait))
			assert.False(t, far.Connected())
			for _, info := range srv.Sessions().Sessions() {
				assert.Equal(t, StateClosed, info.State)
			}
		})
	}
}
