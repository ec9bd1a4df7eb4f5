package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/udisondev/bedrockproxy/internal/metrics"
	"github.com/udisondev/bedrockproxy/internal/transport"
)

// dialPolicy bounds backend connection attempts.
type dialPolicy struct {
	attempts int
	timeout  time.Duration
	interval time.Duration
}

func (e *env) dialPolicy() dialPolicy {
	return dialPolicy{
		attempts: max(e.cfg.BackendConnectAttempts, 1),
		timeout:  e.cfg.BackendConnectTimeout,
		interval: e.cfg.BackendRetryInterval,
	}
}

// connectBackend dials the backend on its own goroutine. The outcome comes
// back to Update through the events channel.
func (s *Session) connectBackend() {
	addr := s.env.cfg.TargetAddr()
	log := s.log.With("backend", addr)

	go func() {
		link, err := dialBackend(s.ctx, s.env.dialer, addr, s.env.dialPolicy(), s.env.metrics,
			func(err error, next time.Duration) {
				log.Debug("backend dial failed, retrying", "err", err, "in", next)
			})
		s.deliver(connectResult{link: link, err: err})
	}()
}

// deliver hands a connect result to the session. A link dialed for a
// session that closed meanwhile is disconnected right away.
func (s *Session) deliver(res connectResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if res.link != nil {
			res.link.Disconnect(ReasonClientClosed)
		}
		return
	}
	s.events <- res
}

// pollConnect applies a pending connect result, if any.
func (s *Session) pollConnect() {
	select {
	case res := <-s.events:
		if res.err != nil {
			s.env.metrics.Handshake(metrics.LinkBackend, metrics.ResultFailed)
			s.log.Warn("backend unreachable", "err", res.err)
			s.Close(ReasonBackendUnreachable)
			return
		}
		s.onBackendConnected(res.link)
	default:
	}
}

func dialBackend(
	ctx context.Context,
	dialer transport.Dialer,
	addr string,
	policy dialPolicy,
	m *metrics.Metrics,
	notify backoff.Notify,
) (transport.Link, error) {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.interval), uint64(policy.attempts-1)),
		ctx,
	)

	var link transport.Link
	err := backoff.RetryNotify(func() error {
		dctx := ctx
		if policy.timeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, policy.timeout)
			defer cancel()
		}

		l, err := dialer.Dial(dctx, addr)
		if err != nil {
			m.BackendDial(metrics.ResultFailed)
			if ctx.Err() != nil {
				return backoff.Permanent(errors.Join(err, ctx.Err()))
			}
			return err
		}
		m.BackendDial(metrics.ResultOK)
		link = l
		return nil
	}, b, notify)
	if err != nil {
		return nil, err
	}
	return link, nil
}
