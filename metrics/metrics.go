// Package metrics holds the Prometheus collectors exported by the transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stmgr_link"

// Metrics is safe for concurrent use. A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesSent        prometheus.Counter
	FramesReceived    prometheus.Counter
	BytesWritten      prometheus.Counter
	BytesRead         prometheus.Counter
	ConnectAttempts   prometheus.Counter
	ConnectFailures   *prometheus.CounterVec // by reason
	Reconnects        prometheus.Counter
	HandshakeRejected prometheus.Counter
	InboundDropped    *prometheus.CounterVec // by reason
	RequestsDiscarded prometheus.Counter
	RequestsTimedOut  prometheus.Counter
	State             prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_sent_total",
			Help: "Frames encoded onto the connection's write buffer.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total",
			Help: "Complete frames decoded from the socket.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_written_total",
			Help: "Bytes accepted by the kernel.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_read_total",
			Help: "Bytes read from the socket.",
		}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connect_attempts_total",
			Help: "Connect cycles started, including the first.",
		}),
		ConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connect_failures_total",
			Help: "Connections lost or attempts failed, by reason.",
		}, []string{"reason"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total",
			Help: "Reconnect cycles scheduled after a failure.",
		}),
		HandshakeRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshake_rejected_total",
			Help: "Register responses with a non-OK status.",
		}),
		InboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_dropped_total",
			Help: "Inbound frames not delivered to workers, by reason.",
		}, []string{"reason"}),
		RequestsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_discarded_total",
			Help: "Unanswered requests dropped because their connection went away.",
		}),
		RequestsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_timed_out_total",
			Help: "Requests whose response did not arrive in time.",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_state",
			Help: "Current connection state (see client.State).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesSent, m.FramesReceived, m.BytesWritten, m.BytesRead,
		m.ConnectAttempts, m.ConnectFailures, m.Reconnects, m.HandshakeRejected,
		m.InboundDropped, m.RequestsDiscarded, m.RequestsTimedOut, m.State,
	}
}

// RegisterQueueDepth exports the current length of a queue as a gauge.
func RegisterQueueDepth(reg prometheus.Registerer, name string, length func() int) error {
	if reg == nil {
		return nil
	}
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "queue_depth",
		Help:        "Entries waiting in a worker/network queue.",
		ConstLabels: prometheus.Labels{"queue": name},
	}, func() float64 { return float64(length()) }))
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

// Written counts bytes the kernel accepted, not bytes merely buffered.
func (m *Metrics) Written(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.BytesWritten.Add(float64(bytes))
}

func (m *Metrics) Read(bytes int) {
	if m == nil {
		return
	}
	m.BytesRead.Add(float64(bytes))
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

func (m *Metrics) ConnectFailure(reason string) {
	if m == nil {
		return
	}
	m.ConnectFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) HandshakeRejection() {
	if m == nil {
		return
	}
	m.HandshakeRejected.Inc()
}

func (m *Metrics) InboundDrop(reason string) {
	if m == nil {
		return
	}
	m.InboundDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RequestsDiscardedN(n int) {
	if m == nil || n == 0 {
		return
	}
	m.RequestsDiscarded.Add(float64(n))
}

func (m *Metrics) RequestTimedOut() {
	if m == nil {
		return
	}
	m.RequestsTimedOut.Inc()
}

func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.State.Set(float64(state))
}
