package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udisondev/bedrockproxy/internal/config"
	"github.com/udisondev/bedrockproxy/internal/crypto"
	"github.com/udisondev/bedrockproxy/internal/metrics"
	"github.com/udisondev/bedrockproxy/internal/protocol/packet"
	"github.com/udisondev/bedrockproxy/internal/transport"
)

// ServerOption is a functional option for Server configuration.
type ServerOption func(*Server)

// WithDialer sets the backend dialer (framed TCP by default).
func WithDialer(d transport.Dialer) ServerOption {
	return func(s *Server) { s.env.dialer = d }
}

// WithMetrics enables metrics collection.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.env.metrics = m }
}

// WithLoginRecorder enables the login audit trail.
func WithLoginRecorder(r LoginRecorder) ServerOption {
	return func(s *Server) { s.env.recorder = r }
}

// WithSessionManager sets a custom SessionManager (useful for testing).
func WithSessionManager(sm *SessionManager) ServerOption {
	return func(s *Server) { s.sessions = sm }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.env.now = now }
}

// Server accepts clients and relays each of them to the backend.
type Server struct {
	env      *env
	sessions *SessionManager
	nextID   atomic.Uint64

	listener transport.Listener
	mu       sync.Mutex
}

// NewServer creates a proxy server. The provider is shared by every session.
func NewServer(cfg config.Proxy, provider *crypto.Provider, opts ...ServerOption) *Server {
	s := &Server{
		env: &env{
			cfg:      cfg,
			provider: provider,
			registry: packet.DefaultRegistry(),
			now:      time.Now,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.env.dialer == nil {
		s.env.dialer = transport.TCPDialer{
			Timeout: cfg.BackendConnectTimeout,
			Options: linkOptions(cfg),
		}
	}
	if s.sessions == nil {
		s.sessions = NewSessionManager(cfg.TickInterval)
	}
	return s
}

func linkOptions(cfg config.Proxy) []transport.Option {
	return []transport.Option{
		transport.WithQueueSize(cfg.LinkQueueSize),
		transport.WithWriteTimeout(cfg.WriteTimeout),
	}
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Addr returns the listener address, or nil if the server is not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close closes the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := transport.Listen(s.env.cfg.ListenAddr(), linkOptions(s.env.cfg)...)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop and the relay worker on an existing listener.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		s.sessions.Run(ctx)
	})
	wg.Go(func() {
		slog.Info("proxy started", "address", ln.Addr(), "target", s.env.cfg.TargetAddr())
		acceptLoop(ctx, s, ln)
	})

	wg.Wait()
	slog.Info("proxy stopped")
	return nil
}

func acceptLoop(ctx context.Context, srv *Server, ln transport.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			link, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				slog.Error("failed to accept new connection", "error", err)
				continue
			}
			if err := srv.accept(ctx, link); err != nil {
				slog.Error("failed to start session", "remote", link.RemoteAddr(), "error", err)
				link.Disconnect(ReasonInternal)
			}
		}
	}
}

// accept starts a session for link and hands it to the relay worker.
// Links arriving after shutdown are turned away.
func (s *Server) accept(ctx context.Context, link transport.Link) error {
	if ctx.Err() != nil {
		link.Disconnect(ReasonShutdown)
		return nil
	}

	id := s.nextID.Add(1)
	sess, err := newSession(ctx, id, link, s.env)
	if err != nil {
		return fmt.Errorf("creating session %d: %w", id, err)
	}

	s.sessions.Add(sess)
	s.env.metrics.SessionOpened()
	sess.log.Info("client connected")

	// the worker may already have run CloseAll
	if ctx.Err() != nil {
		sess.Close(ReasonShutdown)
	}
	return nil
}
