package sip_session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics метрики согласования медиа
type Metrics struct {
	remoteMedia        *prometheus.CounterVec
	codecIntersections *prometheus.CounterVec
	holdTransitions    *prometheus.CounterVec
	stateTransitions   *prometheus.CounterVec
	candidatesRejected prometheus.Counter
	streamsActive      prometheus.Gauge
}

// NewMetrics создает метрики и регистрирует их в reg.
// При reg == nil метрики не регистрируются.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const (
		namespace = "sip"
		subsystem = "media"
	)

	return &Metrics{
		remoteMedia: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "remote_descriptions_total",
			Help:      "Total number of applied remote media descriptions by result",
		}, []string{"result"}),

		codecIntersections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "codec_intersections_total",
			Help:      "Total number of completed codec intersections by result",
		}, []string{"result"}),

		holdTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "hold_transitions_total",
			Help:      "Total number of session hold state changes",
		}, []string{"state", "reason"}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_state_transitions_total",
			Help:      "Total number of signaling state transitions",
		}, []string{"from_state", "to_state"}),

		candidatesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "candidates_rejected_total",
			Help:      "Total number of local candidates rejected by validation",
		}),

		streamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "streams_active",
			Help:      "Number of currently open media streams",
		}),
	}
}

func (m *Metrics) remoteMediaResult(result string) {
	m.remoteMedia.WithLabelValues(result).Inc()
}

func (m *Metrics) codecIntersection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.codecIntersections.WithLabelValues(result).Inc()
}

func (m *Metrics) holdTransition(state HoldState, reason HoldReason) {
	m.holdTransitions.WithLabelValues(state.String(), reason.String()).Inc()
}

func (m *Metrics) stateTransition(from, to SignalingState) {
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}
