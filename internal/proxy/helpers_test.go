package proxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/udisondev/bedrockproxy/internal/config"
	"github.com/udisondev/bedrockproxy/internal/crypto"
	"github.com/udisondev/bedrockproxy/internal/metrics"
	"github.com/udisondev/bedrockproxy/internal/model"
	"github.com/udisondev/bedrockproxy/internal/testutil"
)

const wait = 3 * time.Second

// testNow is the fixed clock every harness session sees.
var testNow = time.Date(2026, time.March, 14, 15, 9, 26, 0, time.UTC)

type fakeRecorder struct {
	mu   sync.Mutex
	recs []model.LoginRecord
}

func (r *fakeRecorder) RecordLogin(_ context.Context, rec model.LoginRecord) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return int64(len(r.recs)), nil
}

func (r *fakeRecorder) Records() []model.LoginRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.LoginRecord(nil), r.recs...)
}

// harness runs a proxy whose backend dials end in the test.
type harness struct {
	t         *testing.T
	ctx       context.Context
	cfg       config.Proxy
	authority *testutil.Authority
	provider  *crypto.Provider
	dialer    *testutil.PipeDialer
	metrics   *metrics.Metrics
	recorder  *fakeRecorder
	srv       *Server
}

func testConfig() config.Proxy {
	cfg := config.DefaultProxy()
	cfg.TickInterval = time.Millisecond
	cfg.BackendConnectAttempts = 3
	cfg.BackendRetryInterval = time.Millisecond
	cfg.BackendConnectTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, dialFailures int, mutate ...func(*config.Proxy)) *harness {
	t.Helper()

	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	authority := testutil.NewAuthority(t)
	h := &harness{
		t:         t,
		cfg:       cfg,
		authority: authority,
		provider:  authority.Provider(t),
		dialer:    testutil.NewPipeDialer(t, dialFailures),
		metrics:   metrics.New(),
		recorder:  &fakeRecorder{},
	}
	h.srv = NewServer(cfg, h.provider,
		WithDialer(h.dialer),
		WithMetrics(h.metrics),
		WithLoginRecorder(h.recorder),
		WithClock(func() time.Time { return testNow }),
	)

	ctx, cancel := testutil.ContextWithCancel(t)
	h.ctx = ctx
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.srv.Sessions().Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return h
}

// connect attaches a new client to the proxy.
func (h *harness) connect(player *testutil.Player) (*testutil.Client, *Session) {
	h.t.Helper()

	near, far := testutil.PipeLinks(h.t)
	require.NoError(h.t, h.srv.accept(h.ctx, far))

	id := h.srv.nextID.Load()
	sess, ok := h.srv.Sessions().Get(id)
	require.True(h.t, ok)
	return testutil.NewClient(h.t, near, player), sess
}

// establish runs both handshakes for an Xbox-authenticated player.
func (h *harness) establish(player *testutil.Player) (*testutil.Client, *testutil.Backend, *Session) {
	h.t.Helper()

	client, sess := h.connect(player)
	client.Send(player.Login(h.t, h.authority.Chain(h.t, player)))

	backend := testutil.NewBackend(h.t, h.dialer.Accept(h.t, wait))
	backend.AcceptLogin(wait)
	client.Handshake(wait)

	testutil.WaitFor(h.t, wait, func() bool { return sess.State() == StateEstablished },
		"session state %s", sess.State())
	return client, backend, sess
}

// counter reads one sample from m's registry.
func counter(t *testing.T, m *metrics.Metrics, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			}
		}
	}
	return 0
}
