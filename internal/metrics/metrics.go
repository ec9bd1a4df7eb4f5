// Package metrics exposes proxy counters to Prometheus.
//
// All methods are safe on a nil *Metrics, so components can be built
// without instrumentation.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bedrockproxy"

// Directions and results used as label values.
const (
	DirToServer = "to_server"
	DirToClient = "to_client"

	LinkClient  = "client"
	LinkBackend = "backend"

	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Metrics holds the proxy collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsAccepted prometheus.Counter
	packetsRelayed   *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	handshakes       *prometheus.CounterVec
	backendDials     *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of proxy sessions currently alive",
		}),
		sessionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_accepted_total",
			Help:      "Number of accepted client connections",
		}),
		packetsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_relayed_total",
			Help:      "Number of packets forwarded between client and backend",
		}, []string{"direction"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Number of inbound frames or queued packets dropped",
		}, []string{"reason"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Number of completed or failed encryption handshakes",
		}, []string{"link", "result"}),
		backendDials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_dials_total",
			Help:      "Number of backend connection attempts",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsAccepted,
		m.packetsRelayed,
		m.framesDropped,
		m.handshakes,
		m.backendDials,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsAccepted.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) PacketsRelayed(direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.packetsRelayed.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Handshake(link, result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(link, result).Inc()
}

func (m *Metrics) BackendDial(result string) {
	if m == nil {
		return
	}
	m.backendDials.WithLabelValues(result).Inc()
}

// Handler returns the HTTP handler serving m's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve serves /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics endpoint started", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics on %s: %w", addr, err)
	}
	return nil
}
