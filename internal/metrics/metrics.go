// Package metrics exposes Prometheus instrumentation for the
// connection manager and the envelope pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatwire"

// Set holds the client metrics. A nil *Set is valid and records
// nothing, so components can treat instrumentation as optional.
type Set struct {
	ConnectsTotal     prometheus.Counter
	ReconnectsTotal   prometheus.Counter
	ConnectFailures   *prometheus.CounterVec
	ConnectionState   prometheus.Gauge
	EnvelopesReceived *prometheus.CounterVec
	EnvelopesSent     *prometheus.CounterVec
	DecodeErrors      prometheus.Counter
	SendFailures      prometheus.Counter
	KeepalivesSent    prometheus.Counter
}

// New registers the metric set with the given registry.
func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		ConnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Successful connection establishments",
		}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Scheduled reconnection attempts",
		}),
		ConnectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed connection attempts by reason",
		}, []string{"reason"}),
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected)",
		}),
		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Inbound envelopes by type",
		}, []string{"type"}),
		EnvelopesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Outbound envelopes by type",
		}, []string{"type"}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames rejected by the codec",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound sends abandoned after the bounded retry",
		}),
		KeepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Ping frames written by the keepalive ticker",
		}),
	}
}

func (s *Set) ObserveState(state int) {
	if s == nil {
		return
	}
	s.ConnectionState.Set(float64(state))
}

func (s *Set) IncConnect() {
	if s == nil {
		return
	}
	s.ConnectsTotal.Inc()
}

func (s *Set) IncReconnect() {
	if s == nil {
		return
	}
	s.ReconnectsTotal.Inc()
}

func (s *Set) IncConnectFailure(reason string) {
	if s == nil {
		return
	}
	s.ConnectFailures.WithLabelValues(reason).Inc()
}

func (s *Set) IncReceived(kind string) {
	if s == nil {
		return
	}
	s.EnvelopesReceived.WithLabelValues(kind).Inc()
}

func (s *Set) IncSent(kind string) {
	if s == nil {
		return
	}
	s.EnvelopesSent.WithLabelValues(kind).Inc()
}

func (s *Set) IncDecodeError() {
	if s == nil {
		return
	}
	s.DecodeErrors.Inc()
}

func (s *Set) IncSendFailure() {
	if s == nil {
		return
	}
	s.SendFailures.Inc()
}

func (s *Set) IncKeepalive() {
	if s == nil {
		return
	}
	s.KeepalivesSent.Inc()
}
