package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udisondev/bedrockproxy/internal/config"
	"github.com/udisondev/bedrockproxy/internal/crypto"
	"github.com/udisondev/bedrockproxy/internal/dump"
	"github.com/udisondev/bedrockproxy/internal/metrics"
	"github.com/udisondev/bedrockproxy/internal/model"
	"github.com/udisondev/bedrockproxy/internal/protocol"
	"github.com/udisondev/bedrockproxy/internal/protocol/packet"
	"github.com/udisondev/bedrockproxy/internal/transport"
)

// Disconnect reasons shown to the client.
const (
	ReasonBackendUnreachable = "Could not connect to the server"
	ReasonBackendClosed      = "Disconnected by the server"
	ReasonClientClosed       = "Client disconnected"
	ReasonShutdown           = "Proxy shutting down"
	ReasonNotAuthenticated   = "You need to be authenticated with Xbox Live"
	ReasonInternal           = "Internal proxy error"
)

// Drop reasons reported to metrics.
const (
	DropTrailer   = "trailer_mismatch"
	DropNested    = "nested_batch"
	DropTooLarge  = "batch_too_large"
	DropMalformed = "malformed"
	DropCleartext = "cleartext"
	DropNoBackend = "no_backend"
	DropOverflow  = "queue_overflow"
)

// maxHeldPackets bounds an outbound queue whose link has not finished its
// handshake yet.
const maxHeldPackets = 4096

// LoginRecorder persists accepted logins.
type LoginRecorder interface {
	RecordLogin(ctx context.Context, rec model.LoginRecord) (int64, error)
}

// env is what every session shares with the server that accepted it.
type env struct {
	cfg      config.Proxy
	provider *crypto.Provider
	dialer   transport.Dialer
	registry *packet.Registry
	metrics  *metrics.Metrics
	recorder LoginRecorder
	now      func() time.Time
}

func (e *env) newCodec() (*protocol.BatchCodec, error) {
	return protocol.NewBatchCodec(
		protocol.WithCompressionLevel(e.cfg.CompressionLevel),
		protocol.WithMaxBatchSize(e.cfg.MaxBatchSize),
	)
}

type connectResult struct {
	link transport.Link
	err  error
}

// Session relays one client connection to the backend.
//
// Update drives the session and must not be called concurrently with
// itself. Close, SendToClient and SendToServer are safe from any goroutine.
type Session struct {
	id        uint64
	env       *env
	log       *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	createdAt time.Time
	capture   *dump.Capture

	client       transport.Link
	clientCodec  *protocol.BatchCodec
	clientOut    sync.Mutex
	clientState  atomic.Int32
	clientCipher *crypto.Session

	backendCodec *protocol.BatchCodec
	backendOut   sync.Mutex
	backendState atomic.Int32

	// mu guards backend and closed against the connector goroutine.
	mu      sync.Mutex
	backend transport.Link
	closed  bool
	events  chan connectResult

	identity        atomic.Pointer[model.Identity]
	skin            crypto.Claims
	protocolVersion int32

	qmu      sync.Mutex
	toClient []packet.Packet
	toServer []packet.Packet

	state     atomic.Int32
	closeOnce sync.Once
}

func newSession(parent context.Context, id uint64, client transport.Link, e *env) (*Session, error) {
	clientCodec, err := e.newCodec()
	if err != nil {
		return nil, fmt.Errorf("creating client codec: %w", err)
	}
	backendCodec, err := e.newCodec()
	if err != nil {
		_ = clientCodec.Close()
		return nil, fmt.Errorf("creating backend codec: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:           id,
		env:          e,
		log:          slog.With("session", id, "remote", client.RemoteAddr()),
		ctx:          ctx,
		cancel:       cancel,
		createdAt:    e.now(),
		client:       client,
		clientCodec:  clientCodec,
		backendCodec: backendCodec,
		events:       make(chan connectResult, 1),
	}

	if e.cfg.DumpDir != "" {
		c, err := dump.Open(e.cfg.DumpDir, strconv.FormatUint(id, 10), s.createdAt)
		if err != nil {
			s.log.Warn("packet dump disabled", "err", err)
		} else {
			s.capture = c
		}
	}

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() uint64 {
	return s.id
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	return s.State() == StateClosed
}

// ClientState returns the handshake state of the client link.
func (s *Session) ClientState() LinkState {
	return LinkState(s.clientState.Load())
}

// BackendState returns the handshake state of the backend link.
func (s *Session) BackendState() LinkState {
	return LinkState(s.backendState.Load())
}

// Identity returns the client identity, nil before login.
func (s *Session) Identity() *model.Identity {
	return s.identity.Load()
}

// RemoteAddr returns the client address.
func (s *Session) RemoteAddr() net.Addr {
	return s.client.RemoteAddr()
}

// CreatedAt returns when the client was accepted.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// SendToClient queues packets for the client.
func (s *Session) SendToClient(pkts ...packet.Packet) {
	s.enqueue(&s.toClient, pkts)
}

// SendToServer queues packets for the backend.
func (s *Session) SendToServer(pkts ...packet.Packet) {
	s.enqueue(&s.toServer, pkts)
}

func (s *Session) enqueue(q *[]packet.Packet, pkts []packet.Packet) {
	s.qmu.Lock()
	room := max(maxHeldPackets-len(*q), 0)
	dropped := 0
	if len(pkts) > room {
		dropped = len(pkts) - room
		pkts = pkts[:room]
	}
	*q = append(*q, pkts...)
	s.qmu.Unlock()

	if dropped > 0 {
		s.env.metrics.FrameDropped(DropOverflow)
		s.log.Warn("outbound queue full, dropping packets", "dropped", dropped)
	}
}

func (s *Session) backendLink() transport.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// Update runs one relay cycle: connect events, both inbound links, both
// outbound queues, then liveness of both links.
func (s *Session) Update() {
	if s.Closed() {
		return
	}

	s.pollConnect()
	if s.Closed() {
		return
	}

	s.drainClient()
	if s.Closed() {
		return
	}
	s.drainBackend()
	if s.Closed() {
		return
	}

	s.flush()

	if !s.client.Connected() {
		s.Close(ReasonClientClosed + ": " + s.client.DisconnectReason())
		return
	}
	if b := s.backendLink(); b != nil && !b.Connected() {
		s.Close(ReasonBackendClosed + ": " + b.DisconnectReason())
	}
}

func (s *Session) drainClient() {
	for !s.Closed() {
		datagram, ok := s.client.Receive()
		if !ok {
			return
		}
		s.fromClient(datagram)
	}
}

func (s *Session) drainBackend() {
	b := s.backendLink()
	if b == nil {
		return
	}
	for !s.Closed() {
		datagram, ok := b.Receive()
		if !ok {
			return
		}
		s.fromBackend(datagram)
	}
}

func (s *Session) fromClient(datagram []byte) {
	batch := protocol.IsBatch(datagram)
	subs, err := protocol.Unpack(s.clientCodec, datagram)
	if err != nil {
		s.reject(metrics.LinkClient, s.ClientState(), err)
		return
	}

	for _, sub := range subs {
		p, err := s.env.registry.Decode(sub)
		if err != nil {
			s.reject(metrics.LinkClient, s.ClientState(), err)
			if s.Closed() {
				return
			}
			continue
		}
		s.record(false, batch, p)

		switch pk := p.(type) {
		case *packet.Login:
			s.handleLogin(pk)
		case *packet.ClientHandshake:
			s.handleClientAck()
		default:
			s.enqueue(&s.toServer, []packet.Packet{p})
		}
		if s.Closed() {
			return
		}
	}
}

func (s *Session) fromBackend(datagram []byte) {
	batch := protocol.IsBatch(datagram)
	subs, err := protocol.Unpack(s.backendCodec, datagram)
	if err != nil {
		s.reject(metrics.LinkBackend, s.BackendState(), err)
		return
	}

	for _, sub := range subs {
		p, err := s.env.registry.Decode(sub)
		if err != nil {
			s.reject(metrics.LinkBackend, s.BackendState(), err)
			if s.Closed() {
				return
			}
			continue
		}
		s.record(true, batch, p)

		switch pk := p.(type) {
		case *packet.ServerHandshake:
			s.handleServerHandshake(pk)
		case *packet.Disconnect:
			reason := pk.Message
			if reason == "" {
				reason = ReasonBackendClosed
			}
			s.Close(reason)
		default:
			s.enqueue(&s.toClient, []packet.Packet{p})
		}
		if s.Closed() {
			return
		}
	}
}

// reject handles undecodable input. On a link that finished its handshake
// the frame is dropped; during the handshake it ends the session.
func (s *Session) reject(link string, state LinkState, err error) {
	if state != LinkEncryptionArmed {
		s.env.metrics.Handshake(link, metrics.ResultFailed)
		s.log.Warn("invalid handshake input", "link", link, "state", state, "err", err)
		s.Close(fmt.Sprintf("Handshake with %s failed", link))
		return
	}

	reason := dropReason(err)
	s.env.metrics.FrameDropped(reason)
	s.log.Debug("dropping frame", "link", link, "reason", reason, "err", err)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, crypto.ErrTrailerMismatch), errors.Is(err, crypto.ErrShortFrame):
		return DropTrailer
	case errors.Is(err, protocol.ErrNestedBatch):
		return DropNested
	case errors.Is(err, protocol.ErrBatchTooLarge):
		return DropTooLarge
	case errors.Is(err, protocol.ErrNotBatch):
		return DropCleartext
	default:
		return DropMalformed
	}
}

// flush sends both outbound queues. A queue waits while its link has not
// finished the handshake; the backend queue is discarded while there is no
// backend link.
func (s *Session) flush() {
	clientReady := s.ClientState() == LinkEncryptionArmed
	backend := s.backendLink()
	backendUp := backend != nil && backend.Connected()
	backendReady := backendUp && s.BackendState() == LinkEncryptionArmed

	s.qmu.Lock()
	var toClient, toServer []packet.Packet
	if clientReady {
		toClient, s.toClient = s.toClient, nil
	}
	if backendReady || !backendUp {
		toServer, s.toServer = s.toServer, nil
	}
	s.qmu.Unlock()

	if !backendUp && len(toServer) > 0 {
		s.env.metrics.FrameDropped(DropNoBackend)
		s.log.Debug("discarding packets without backend", "count", len(toServer))
		toServer = nil
	}

	if len(toClient) > 0 {
		if err := s.sendClient(toClient...); err == nil {
			s.env.metrics.PacketsRelayed(metrics.DirToClient, len(toClient))
		}
	}
	if len(toServer) > 0 {
		if err := s.sendBackend(backend, toServer...); err == nil {
			s.env.metrics.PacketsRelayed(metrics.DirToServer, len(toServer))
		}
	}
}

func (s *Session) sendClient(pkts ...packet.Packet) error {
	return s.send(s.client, &s.clientOut, s.clientCodec, pkts)
}

func (s *Session) sendBackend(link transport.Link, pkts ...packet.Packet) error {
	return s.send(link, &s.backendOut, s.backendCodec, pkts)
}

// send encodes and writes under the direction lock so that cipher order
// matches wire order.
func (s *Session) send(link transport.Link, mu *sync.Mutex, codec *protocol.BatchCodec, pkts []packet.Packet) error {
	mu.Lock()
	defer mu.Unlock()

	datagram, err := codec.Encode(pkts)
	if err != nil {
		if !errors.Is(err, protocol.ErrCodecClosed) {
			s.log.Error("encoding batch", "err", err)
		}
		return err
	}
	if err := link.Send(datagram); err != nil {
		s.log.Debug("sending batch", "err", err)
		return err
	}
	return nil
}

func (s *Session) record(fromServer, batch bool, p packet.Packet) {
	if s.capture == nil {
		return
	}
	if err := s.capture.Record(fromServer, batch, p); err != nil && !errors.Is(err, os.ErrClosed) {
		s.log.Warn("packet dump failed", "err", err)
	}
}

// Close tears the session down: the client gets a disconnect packet with
// reason, both links are closed and codec resources released. Only the
// first call has an effect.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))

		s.mu.Lock()
		s.closed = true
		backend := s.backend
		s.mu.Unlock()

		s.cancel()

		if s.client.Connected() {
			_ = s.sendClient(&packet.Disconnect{Message: reason})
		}
		s.client.Disconnect(reason)
		if backend != nil {
			backend.Disconnect(reason)
		}

		s.clientOut.Lock()
		_ = s.clientCodec.Close()
		s.clientOut.Unlock()
		s.backendOut.Lock()
		_ = s.backendCodec.Close()
		s.backendOut.Unlock()

		if s.capture != nil {
			if err := s.capture.Close(); err != nil {
				s.log.Warn("closing packet dump", "err", err)
			}
		}

		s.env.metrics.SessionClosed()
		s.log.Info("session closed", "reason", reason)
	})
}
