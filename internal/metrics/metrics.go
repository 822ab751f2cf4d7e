// Package metrics exposes the media driver's Prometheus counters and
// gauges, per SPEC_FULL.md §B.4: NAKs sent, retransmissions performed, NAKs
// dropped when a publication's retransmit table is full, malformed frames
// dropped, heartbeats sent, back-pressure events, and active
// publication/subscription/image counts.
//
// The HTTP exposition follows the teacher's startMetricsServer/
// promhttp.HandlerFor shape (telemetry.go), stripped of the OpenTelemetry
// tracing bundle the teacher wraps it in: SPEC_FULL.md's metrics scope is a
// scrape endpoint, not a tracing pipeline.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/pslog"
)

// Registry holds every counter/gauge the driver updates, all registered
// against a private *prometheus.Registry so a test can construct one
// without colliding with the global default registry.
type Registry struct {
	registry *prometheus.Registry

	NAKsSent           prometheus.Counter
	NAKsDropped        prometheus.Counter
	RetransmitsIssued  prometheus.Counter
	FramesMalformed    prometheus.Counter
	HeartbeatsSent     prometheus.Counter
	BackPressureEvents prometheus.Counter

	ActivePublications  prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
	ActiveImages        prometheus.Gauge
}

// New constructs a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		registry: reg,
		NAKsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_naks_sent_total",
			Help: "Total NAK frames sent by receivers for missing data.",
		}),
		NAKsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_naks_dropped_total",
			Help: "Total NAKs dropped because a publication's retransmit table was full.",
		}),
		RetransmitsIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_retransmits_issued_total",
			Help: "Total retransmitted frames sent in response to a NAK.",
		}),
		FramesMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_frames_malformed_total",
			Help: "Total inbound frames dropped for failing header validation.",
		}),
		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_heartbeats_sent_total",
			Help: "Total zero-length heartbeat DATA frames sent by idle publications.",
		}),
		BackPressureEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_back_pressure_events_total",
			Help: "Total Reserve calls that returned BACK_PRESSURED.",
		}),
		ActivePublications: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mediadriver_active_publications",
			Help: "Current number of live publications.",
		}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mediadriver_active_subscriptions",
			Help: "Current number of live subscriptions.",
		}),
		ActiveImages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mediadriver_active_images",
			Help: "Current number of live receiver-side images.",
		}),
	}
}

// Server wraps the HTTP listener exposing the /metrics endpoint.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     pslog.Logger
}

// Serve starts an HTTP server on addr exposing reg on /metrics. An empty
// addr disables metrics entirely, matching the teacher's metrics-listen
// flag semantics (empty disables).
func Serve(addr string, reg *Registry, logger pslog.Logger) (*Server, error) {
	if addr == "" {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	s := &Server{httpServer: srv, listener: ln, logger: logger}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics.serve_error", "error", err)
		}
	}()
	logger.Info("metrics.listening", "addr", addr)
	return s, nil
}

// Shutdown stops the metrics HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
