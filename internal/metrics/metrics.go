// Package metrics exposes worker counters in Prometheus format. Every method
// is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "speechworker"

// Metrics holds the worker's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	commands          *prometheus.CounterVec
	malformedCommands prometheus.Counter
	events            *prometheus.CounterVec
	sessionsStarted   prometheus.Counter
	sessionFailures   *prometheus.CounterVec
	joinTimeouts      prometheus.Counter
	audioDropped      *prometheus.CounterVec
	activeSessions    prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands received from the host, by type.",
		}, []string{"type"}),
		malformedCommands: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_commands_total",
			Help:      "Input lines that could not be decoded.",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events written to the host, by type.",
		}, []string{"type"}),
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Transcription sessions started.",
		}),
		sessionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Sessions that ended with an error event, by failure kind.",
		}, []string{"kind"}),
		joinTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_timeouts_total",
			Help:      "Sessions abandoned because they did not stop within the join timeout.",
		}),
		audioDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Host audio chunks dropped, by reason.",
		}, []string{"reason"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently occupying the session slot.",
		}),
	}
}

func (m *Metrics) CommandReceived(kind string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind).Inc()
}

func (m *Metrics) CommandMalformed() {
	if m == nil {
		return
	}
	m.malformedCommands.Inc()
}

func (m *Metrics) EventEmitted(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) SessionFailed(kind string) {
	if m == nil {
		return
	}
	m.sessionFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) JoinTimedOut() {
	if m == nil {
		return
	}
	m.joinTimeouts.Inc()
}

func (m *Metrics) AudioDropped(reason string) {
	if m == nil {
		return
	}
	m.audioDropped.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
