// Package telemetry provides Prometheus instrumentation for the SSH
// control client. All record methods are safe on a nil *Metrics so the
// transport layer can run without any collector wired in.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects counters for connection and command activity against
// one device.
type Metrics struct {
	handshakes       *prometheus.CounterVec
	connectRetries   prometheus.Counter
	sessionReuses    prometheus.Counter
	idleReaps        prometheus.Counter
	liveSessions     prometheus.Gauge
	commandsExecuted *prometheus.CounterVec
	commandDuration  prometheus.Histogram
	commandTimeouts  prometheus.Counter
	pathFallbacks    prometheus.Counter
	backgroundStarts prometheus.Counter
	filesDownloaded  prometheus.Counter
	bytesDownloaded  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a collector with its own registry.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "SSH handshakes performed, by result",
			},
			[]string{"result"},
		),
		connectRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_retries_total",
			Help:      "Backoff retries during connection negotiation",
		}),
		sessionReuses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reuses_total",
			Help:      "Acquires satisfied by the cached persistent session",
		}),
		idleReaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_reaps_total",
			Help:      "Persistent sessions closed by the idle monitor",
		}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Cached persistent sessions currently alive (0 or 1)",
		}),
		commandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_executed_total",
				Help:      "Remote commands executed, by status",
			},
			[]string{"status"},
		),
		commandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Wall time of remote command execution",
			Buckets:   prometheus.DefBuckets,
		}),
		commandTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_timeouts_total",
			Help:      "Commands killed by the local hard timeout",
		}),
		pathFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "path_fallbacks_total",
			Help:      "Diagnostic commands retried under absolute path prefixes",
		}),
		backgroundStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_launches_total",
			Help:      "Commands launched detached on the device",
		}),
		filesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_downloaded_total",
			Help:      "Files copied from the device",
		}),
		bytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_downloaded_total",
			Help:      "Bytes copied from the device",
		}),
	}

	registry.MustRegister(
		m.handshakes,
		m.connectRetries,
		m.sessionReuses,
		m.idleReaps,
		m.liveSessions,
		m.commandsExecuted,
		m.commandDuration,
		m.commandTimeouts,
		m.pathFallbacks,
		m.backgroundStarts,
		m.filesDownloaded,
		m.bytesDownloaded,
	)

	return m
}

// RecordHandshake counts one negotiated handshake with its result
// ("ok" or "failed").
func (m *Metrics) RecordHandshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

// RecordConnectRetry counts one backoff retry.
func (m *Metrics) RecordConnectRetry() {
	if m == nil {
		return
	}
	m.connectRetries.Inc()
}

// RecordSessionReuse counts an acquire served from the cache.
func (m *Metrics) RecordSessionReuse() {
	if m == nil {
		return
	}
	m.sessionReuses.Inc()
}

// RecordIdleReap counts a session closed by the idle monitor.
func (m *Metrics) RecordIdleReap() {
	if m == nil {
		return
	}
	m.idleReaps.Inc()
}

// SetLiveSessions sets the live-session gauge.
func (m *Metrics) SetLiveSessions(n float64) {
	if m == nil {
		return
	}
	m.liveSessions.Set(n)
}

// RecordCommand counts one executed command with its status
// ("ok", "failed", "timeout", "not_found") and duration.
func (m *Metrics) RecordCommand(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.commandsExecuted.WithLabelValues(status).Inc()
	m.commandDuration.Observe(duration.Seconds())
	if status == "timeout" {
		m.commandTimeouts.Inc()
	}
}

// RecordPathFallback counts one path-fallback retry attempt.
func (m *Metrics) RecordPathFallback() {
	if m == nil {
		return
	}
	m.pathFallbacks.Inc()
}

// RecordBackgroundLaunch counts one detached launch.
func (m *Metrics) RecordBackgroundLaunch() {
	if m == nil {
		return
	}
	m.backgroundStarts.Inc()
}

// RecordDownload counts one transferred file and its size.
func (m *Metrics) RecordDownload(bytes int64) {
	if m == nil {
		return
	}
	m.filesDownloaded.Inc()
	m.bytesDownloaded.Add(float64(bytes))
}

// Handler exposes the collector over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the underlying Prometheus registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
