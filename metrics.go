// A Prometheus-backed MetricsCollector.
package wavesock

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements MetricsCollector on a Prometheus registry.
type PrometheusMetrics struct {
	connections    *prometheus.GaugeVec
	framesReceived *prometheus.CounterVec
	framesRejected *prometheus.CounterVec
	channelJoins   *prometheus.CounterVec
	channelLeaves  *prometheus.CounterVec
	errors         *prometheus.CounterVec
}

// NewPrometheusMetrics registers the gateway collectors on the given
// registerer. Pass prometheus.DefaultRegisterer for the process-wide
// registry.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wavesock",
			Name:      "open_connections",
			Help:      "Currently open client connections per endpoint.",
		}, []string{"endpoint"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavesock",
			Name:      "frames_received_total",
			Help:      "Inbound client frames per endpoint and action.",
		}, []string{"endpoint", "action"}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavesock",
			Name:      "frames_rejected_total",
			Help:      "Inbound frames rejected before dispatch.",
		}, []string{"endpoint", "reason"}),
		channelJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavesock",
			Name:      "channel_joins_total",
			Help:      "Accepted channel joins per endpoint and channel.",
		}, []string{"endpoint", "channel"}),
		channelLeaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavesock",
			Name:      "channel_leaves_total",
			Help:      "Channel leaves per endpoint and channel.",
		}, []string{"endpoint", "channel"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavesock",
			Name:      "errors_total",
			Help:      "Internal errors per component.",
		}, []string{"component"}),
	}
	registerer.MustRegister(
		m.connections,
		m.framesReceived,
		m.framesRejected,
		m.channelJoins,
		m.channelLeaves,
		m.errors,
	)
	return m
}

func (m *PrometheusMetrics) ConnectionOpened(endpoint string) {
	m.connections.WithLabelValues(endpoint).Inc()
}

func (m *PrometheusMetrics) ConnectionClosed(endpoint string) {
	m.connections.WithLabelValues(endpoint).Dec()
}

func (m *PrometheusMetrics) FrameReceived(endpoint string, action Action) {
	m.framesReceived.WithLabelValues(endpoint, string(action)).Inc()
}

func (m *PrometheusMetrics) FrameRejected(endpoint, reason string) {
	m.framesRejected.WithLabelValues(endpoint, reason).Inc()
}

func (m *PrometheusMetrics) ChannelJoined(endpoint, channel string) {
	m.channelJoins.WithLabelValues(endpoint, channel).Inc()
}

func (m *PrometheusMetrics) ChannelLeft(endpoint, channel string) {
	m.channelLeaves.WithLabelValues(endpoint, channel).Inc()
}

func (m *PrometheusMetrics) Error(component string, err error) {
	if err == nil {
		return
	}
	m.errors.WithLabelValues(component).Inc()
}
