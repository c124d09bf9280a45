// Package metrics exposes punchsync's Prometheus collectors and the server
// that publishes them.
//
// Every method is safe on a nil *Metrics, so components can be built without
// instrumentation in tests and one-shot CLI commands.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "punchsync"

// Metrics holds the collectors, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	eventsIngested  *prometheus.CounterVec
	eventsPending   prometheus.Counter
	reconcileErrors prometheus.Counter
	pushRejected    *prometheus.CounterVec
	deviceState     *prometheus.GaugeVec
	pollCycles      *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_ingested_total",
			Help:      "Punch events admitted, by source and verdict.",
		}, []string{"source", "status"}),
		eventsPending: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_unresolved_total",
			Help:      "Punch events stored without a resolved employee.",
		}),
		reconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconcile_errors_total",
			Help:      "Resolved punch events whose attendance update failed.",
		}),
		pushRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "push_rejected_total",
			Help:      "Push requests rejected by the gateway, by reason.",
		}, []string{"reason"}),
		deviceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "device_state",
			Help:      "1 for the current connection state of each managed device.",
		}, []string{"device", "state"}),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "poll_cycles_total",
			Help:      "Device poll cycles, by device and result.",
		}, []string{"device", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsIngested,
		m.eventsPending,
		m.reconcileErrors,
		m.pushRejected,
		m.deviceState,
		m.pollCycles,
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventIngested(source, status string) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(source, status).Inc()
}

func (m *Metrics) EventUnresolved() {
	if m == nil {
		return
	}
	m.eventsPending.Inc()
}

func (m *Metrics) ReconcileFailed() {
	if m == nil {
		return
	}
	m.reconcileErrors.Inc()
}

func (m *Metrics) PushRejected(reason string) {
	if m == nil {
		return
	}
	m.pushRejected.WithLabelValues(reason).Inc()
}

// DeviceState sets the gauge of state to 1 and every other listed state to 0.
func (m *Metrics) DeviceState(device, state string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.deviceState.WithLabelValues(device, s).Set(v)
	}
}

// ForgetDevice drops the series of a device that is no longer managed.
func (m *Metrics) ForgetDevice(device string) {
	if m == nil {
		return
	}
	m.deviceState.DeletePartialMatch(prometheus.Labels{"device": device})
	m.pollCycles.DeletePartialMatch(prometheus.Labels{"device": device})
}

func (m *Metrics) PollCycle(device, result string) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(device, result).Inc()
}

// Server publishes the metrics on a dedicated listener.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server listening on addr.
func NewServer(m *Metrics, addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// ListenAndServe blocks until the server stops. A graceful shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
