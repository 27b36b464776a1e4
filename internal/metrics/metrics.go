// Package metrics provides Prometheus metrics for the chatstream client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the streaming client.
type Metrics struct {
	FramesReceived  *prometheus.CounterVec
	FramesDropped   prometheus.Counter
	MessagesSent    prometheus.Counter
	ReconnectsTotal prometheus.Counter
	ConnectionOpen  prometheus.Gauge
	TurnDuration    prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatstream_frames_received_total",
				Help: "Inbound frames by protocol type.",
			},
			[]string{"type"},
		),
		FramesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatstream_frames_dropped_total",
				Help: "Inbound frames dropped as malformed or unrecognized.",
			},
		),
		MessagesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatstream_messages_sent_total",
				Help: "Outbound chat messages accepted for transmission.",
			},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatstream_reconnects_total",
				Help: "Reconnection attempts scheduled after unexpected closes.",
			},
		),
		ConnectionOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatstream_connection_open",
				Help: "1 while the gateway connection is open, 0 otherwise.",
			},
		),
		TurnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatstream_turn_duration_seconds",
				Help:    "Time from message send to message_complete.",
				Buckets: prometheus.DefBuckets,
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.FramesReceived)
	reg.MustRegister(m.FramesDropped)
	reg.MustRegister(m.MessagesSent)
	reg.MustRegister(m.ReconnectsTotal)
	reg.MustRegister(m.ConnectionOpen)
	reg.MustRegister(m.TurnDuration)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
