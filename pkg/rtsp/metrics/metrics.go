// Package metrics implements the ambient Prometheus surface SessionManager
// and ClientDialer report through: a live-session gauge, a digest-auth-
// failure counter and a teardown-reason counter, registered against one
// prometheus.Registry a host process can expose over HTTP. The shape
// (promauto constructors keyed by Namespace/Subsystem, an Enabled flag that
// turns every recording method into a no-op) follows
// arzzra-soft_phone/pkg/dialog/metrics.go's MetricsCollector/MetricsConfig,
// minus that file's build tag: SPEC_FULL.md wires prometheus/client_golang
// in unconditionally rather than behind an opt-in build.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Shaddy1884/openmcu/pkg/rtsp/session"
)

// Config mirrors dialog/metrics.go's MetricsConfig: a namespace/subsystem
// pair for metric names plus an Enabled switch.
type Config struct {
	Enabled   bool
	Namespace string
	Subsystem string
}

// DefaultConfig returns the namespace/subsystem this core registers under
// when the caller doesn't override it.
func DefaultConfig() Config {
	return Config{Enabled: true, Namespace: "rtsp", Subsystem: "core"}
}

// Collector is the Prometheus surface a Manager/Dialer records session
// lifecycle events through. A nil *Collector is valid and every method is a
// no-op on it, so components can be constructed without requiring a
// Collector in tests that don't care about metrics.
type Collector struct {
	Registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	authFailures    prometheus.Counter
	teardownReasons *prometheus.CounterVec
}

// New builds a Collector registered against a fresh prometheus.Registry,
// the way NewMetricsCollector builds its Prometheus metrics off a
// namespace/subsystem pair. If cfg.Enabled is false, New returns nil so
// every recording call downstream becomes a no-op.
func New(cfg Config) *Collector {
	if !cfg.Enabled {
		return nil
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		Registry: reg,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sessions_active",
			Help:      "Number of RTSP sessions currently admitted or dialed.",
		}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "digest_auth_failures_total",
			Help:      "Total number of DESCRIBE requests rejected for a failed Digest credential check.",
		}),
		teardownReasons: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "session_teardowns_total",
			Help:      "Total number of sessions reaching TornDown, labeled by EndReason.",
		}, []string{"reason"}),
	}
}

// SessionStarted records a newly admitted or dialed session.
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

// SessionEnded records a session leaving the live table, labeling the
// teardown-reason counter with reason (EndReason's zero value serializes as
// the empty string, which is fine: it only happens for a session released
// before ClearCall ever set one, e.g. a connection drop mid-DESCRIBE).
func (c *Collector) SessionEnded(reason session.EndReason) {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
	c.teardownReasons.WithLabelValues(string(reason)).Inc()
}

// AuthFailure records one DESCRIBE rejected with a 403 for a bad Digest
// response, per rtsp.cxx's auth_type != AUTH_NONE re-challenge-and-drop
// behavior this core's pkg/rtsp/session replicates as EndedByRefusal.
func (c *Collector) AuthFailure() {
	if c == nil {
		return
	}
	c.authFailures.Inc()
}
