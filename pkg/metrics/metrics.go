// Package metrics exposes Prometheus collectors for the push multiplexer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pushkit"

// Collector groups the multiplexer's metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	connections   *prometheus.GaugeVec
	activeCalls   *prometheus.GaugeVec
	calls         *prometheus.CounterVec
	envelopes     *prometheus.CounterVec
	droppedFrames *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connections",
			Help:      "Number of open connections",
		}, []string{"endpoint"}),
		activeCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active_calls",
			Help:      "Number of calls with a live subscription",
		}, []string{"endpoint"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "calls_total",
			Help:      "Total number of calls by outcome",
		}, []string{"endpoint", "outcome"}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "envelopes_total",
			Help:      "Total number of envelopes written by kind",
		}, []string{"endpoint", "kind"}),
		droppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "dropped_frames_total",
			Help:      "Total number of request frames that could not be correlated to a call",
		}, []string{"endpoint"}),
	}
	if reg != nil {
		reg.MustRegister(c.connections, c.activeCalls, c.calls, c.envelopes, c.droppedFrames)
	}
	return c
}

func (c *Collector) ConnectionOpened(endpoint string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(endpoint).Inc()
}

func (c *Collector) ConnectionClosed(endpoint string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(endpoint).Dec()
}

func (c *Collector) CallStarted(endpoint string) {
	if c == nil {
		return
	}
	c.activeCalls.WithLabelValues(endpoint).Inc()
}

// CallFinished records the outcome of a call that was started.
func (c *Collector) CallFinished(endpoint, outcome string) {
	if c == nil {
		return
	}
	c.activeCalls.WithLabelValues(endpoint).Dec()
	c.calls.WithLabelValues(endpoint, outcome).Inc()
}

func (c *Collector) EnvelopeSent(endpoint, kind string) {
	if c == nil {
		return
	}
	c.envelopes.WithLabelValues(endpoint, kind).Inc()
}

func (c *Collector) FrameDropped(endpoint string) {
	if c == nil {
		return
	}
	c.droppedFrames.WithLabelValues(endpoint).Inc()
}
