package testutil

import (
	"testing"
	"time"

	"github.com/udisondev/bedrockproxy/internal/crypto"
	"github.com/udisondev/bedrockproxy/internal/model"
	"github.com/udisondev/bedrockproxy/internal/protocol"
	"github.com/udisondev/bedrockproxy/internal/protocol/packet"
	"github.com/udisondev/bedrockproxy/internal/transport"
)

// Endpoint speaks batches over a link the way a real peer of the proxy does.
// Methods must be called from the test goroutine.
type Endpoint struct {
	t       testing.TB
	Link    transport.Link
	Codec   *protocol.BatchCodec
	reg     *packet.Registry
	pending []packet.Packet
}

// NewEndpoint wraps link with a fresh codec.
func NewEndpoint(t testing.TB, link transport.Link) *Endpoint {
	t.Helper()

	codec, err := protocol.NewBatchCodec()
	if err != nil {
		t.Fatalf("creating codec: %v", err)
	}
	t.Cleanup(func() { _ = codec.Close() })

	return &Endpoint{t: t, Link: link, Codec: codec, reg: packet.DefaultRegistry()}
}

// Arm switches both directions to sess.
func (e *Endpoint) Arm(sess *crypto.Session) {
	e.Codec.ArmDecrypt(sess.Decrypt)
	e.Codec.ArmEncrypt(sess.Encrypt)
}

// Send writes pkts as one batch.
func (e *Endpoint) Send(pkts ...packet.Packet) {
	e.t.Helper()

	batch, err := e.Codec.Encode(pkts)
	if err != nil {
		e.t.Fatalf("encoding batch: %v", err)
	}
	if err := e.Link.Send(batch); err != nil {
		e.t.Fatalf("sending batch: %v", err)
	}
}

// Next returns the next received packet, waiting up to timeout.
func (e *Endpoint) Next(timeout time.Duration) packet.Packet {
	e.t.Helper()

	deadline := time.Now().Add(timeout)
	for len(e.pending) == 0 {
		datagram, ok := e.Link.Receive()
		if !ok {
			if time.Now().After(deadline) {
				e.t.Fatalf("no packet within %v (link connected=%v, reason=%q)",
					timeout, e.Link.Connected(), e.Link.DisconnectReason())
			}
			time.Sleep(time.Millisecond)
			continue
		}

		subs, err := protocol.Unpack(e.Codec, datagram)
		if err != nil {
			e.t.Fatalf("unpacking datagram: %v", err)
		}
		pkts, err := protocol.DecodeAll(e.reg, subs)
		if err != nil {
			e.t.Fatalf("decoding packets: %v", err)
		}
		e.pending = append(e.pending, pkts...)
	}

	p := e.pending[0]
	e.pending = e.pending[1:]
	return p
}

// Expect returns the next packet and fails unless its id is id.
func (e *Endpoint) Expect(timeout time.Duration, id uint32) packet.Packet {
	e.t.Helper()

	p := e.Next(timeout)
	if p.ID() != id {
		e.t.Fatalf("got packet 0x%02X (%T), want 0x%02X", p.ID(), p, id)
	}
	return p
}

// WaitDisconnect waits for the link to go down and returns the reason.
func (e *Endpoint) WaitDisconnect(timeout time.Duration) string {
	e.t.Helper()

	WaitFor(e.t, timeout, func() bool { return !e.Link.Connected() }, "link still connected")
	return e.Link.DisconnectReason()
}

// Client is the game client side of a proxied connection.
type Client struct {
	*Endpoint
	Player *Player
}

// NewClient returns a client for player over link.
func NewClient(t testing.TB, link transport.Link, player *Player) *Client {
	t.Helper()
	return &Client{Endpoint: NewEndpoint(t, link), Player: player}
}

// Handshake waits for the begin-encryption challenge, arms the cipher and
// acknowledges. It returns the client session.
func (c *Client) Handshake(timeout time.Duration) *crypto.Session {
	c.t.Helper()

	hs := c.Expect(timeout, packet.IDServerHandshake).(*packet.ServerHandshake)
	remote, salt, err := crypto.VerifyHandshake(hs.Token)
	if err != nil {
		c.t.Fatalf("verifying handshake: %v", err)
	}
	sess, err := crypto.Begin(c.Player.Key, remote, salt)
	if err != nil {
		c.t.Fatalf("deriving client cipher: %v", err)
	}

	c.Arm(sess)
	c.Send(&packet.ClientHandshake{})
	return sess
}

// Backend is a game server accepting the proxy's login.
type Backend struct {
	*Endpoint
	Provider *crypto.Provider
	Login    *packet.Login
	Chain    *crypto.ChainResult
	Skin     crypto.Claims
}

// NewBackend returns a backend with its own key and an unrelated root.
func NewBackend(t testing.TB, link transport.Link) *Backend {
	t.Helper()
	return &Backend{
		Endpoint: NewEndpoint(t, link),
		Provider: NewAuthority(t).Provider(t),
	}
}

// Identity returns the identity the proxy asserted.
func (b *Backend) Identity() *model.Identity {
	return b.Chain.Identity
}

// AcceptLogin reads the proxy's login, validates it and completes the
// encryption handshake.
func (b *Backend) AcceptLogin(timeout time.Duration) {
	b.t.Helper()

	b.Login = b.Expect(timeout, packet.IDLogin).(*packet.Login)

	chain, err := crypto.ParseLoginChain(b.Login.Chain)
	if err != nil {
		b.t.Fatalf("parsing forged chain: %v", err)
	}
	b.Chain = b.Provider.ValidateChain(chain)
	if !b.Chain.Identity.Complete() {
		b.t.Fatalf("forged chain carries no complete identity: %v", b.Chain.Reason)
	}

	b.Skin, err = crypto.VerifySkin(b.Login.Skin, b.Chain.Trust, b.Chain.Identity.PublicKey)
	if err != nil {
		b.t.Fatalf("verifying forged skin: %v", err)
	}

	salt, err := b.Provider.NewSalt()
	if err != nil {
		b.t.Fatalf("generating salt: %v", err)
	}
	token, err := b.Provider.ForgeHandshake(salt)
	if err != nil {
		b.t.Fatalf("signing handshake: %v", err)
	}
	sess, err := b.Provider.Begin(b.Chain.Identity.PublicKey, salt)
	if err != nil {
		b.t.Fatalf("deriving backend cipher: %v", err)
	}

	b.Send(&packet.ServerHandshake{Token: token})
	b.Arm(sess)
	b.Expect(timeout, packet.IDClientHandshake)
}
